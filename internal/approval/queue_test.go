package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/domain"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	return NewQueue(Config{DefaultTTL: time.Minute, StreamBuffer: 8}, NewMemoryStore(), nil, zap.NewNop())
}

func testRequest(actor string) domain.ToolCallRequest {
	return domain.ToolCallRequest{
		Tool:          "shell.exec",
		Arguments:     map[string]interface{}{"cmd": "ls"},
		Actor:         actor,
		CorrelationID: "c-1",
	}
}

func TestEnqueueAndResolve(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	tk, err := q.Enqueue(ctx, testRequest("alice"), time.Time{}, "")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketPending, tk.Status)
	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, 1, q.PendingCount())

	got, err := q.Resolve(ctx, tk.ID, true, "admin", "go ahead")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketApproved, got.Status)
	assert.Equal(t, "admin", got.ReviewerID)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, 0, q.PendingCount())
}

func TestResolveUnknownTicket(t *testing.T) {
	q := testQueue(t)
	_, err := q.Resolve(context.Background(), "no-such-id", true, "admin", "")
	assert.ErrorIs(t, err, domain.ErrTicketNotFound)
}

func TestExactlyOneResolutionWins(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	tk, err := q.Enqueue(ctx, testRequest("alice"), time.Time{}, "")
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		approve := i%2 == 0
		go func() {
			defer wg.Done()
			_, err := q.Resolve(ctx, tk.ID, approve, "admin", "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrAlreadyResolved):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one concurrent resolution must win")
	assert.Equal(t, n-1, conflicts)

	got, err := q.Get(tk.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())
}

func TestResolveAfterDeadlineExpires(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	tk, err := q.Enqueue(ctx, testRequest("alice"), time.Now().Add(-time.Second), "")
	require.NoError(t, err)

	// Дедлайн прошел: ленивый эспайр, оператор получает конфликт
	_, err = q.Resolve(ctx, tk.ID, true, "admin", "")
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)

	got, err := q.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketExpired, got.Status)
	assert.Equal(t, SystemActor, got.ReviewerID)
}

func TestExpireOverdue(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	now := time.Now()

	_, err := q.Enqueue(ctx, testRequest("alice"), now.Add(time.Hour), "fresh")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, testRequest("bob"), now.Add(-time.Minute), "overdue")
	require.NoError(t, err)

	assert.Equal(t, 1, q.ExpireOverdue(ctx, now))
	assert.Equal(t, 1, q.PendingCount())

	got, err := q.Get("overdue")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketExpired, got.Status)
	// Повторный проход ничего не находит
	assert.Equal(t, 0, q.ExpireOverdue(ctx, now))
}

func TestAwaitUnblocksOnResolution(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	tk, err := q.Enqueue(ctx, testRequest("alice"), time.Time{}, "")
	require.NoError(t, err)

	done := make(chan domain.ApprovalTicket, 1)
	go func() {
		got, err := q.Await(ctx, tk.ID)
		assert.NoError(t, err)
		done <- got
	}()

	time.Sleep(10 * time.Millisecond)
	_, err = q.Resolve(ctx, tk.ID, false, "admin", "nope")
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Equal(t, domain.TicketRejected, got.Status)
	case <-time.After(time.Second):
		t.Fatal("Await did not unblock after resolution")
	}
}

func TestAwaitHonorsContext(t *testing.T) {
	q := testQueue(t)
	tk, err := q.Enqueue(context.Background(), testRequest("alice"), time.Time{}, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Await(ctx, tk.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommitHookFailureAbortsTransition(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	boom := errors.New("audit store down")
	q.SetCommitHook(func(context.Context, domain.ApprovalTicket) error { return boom })

	tk, err := q.Enqueue(ctx, testRequest("alice"), time.Time{}, "")
	require.NoError(t, err)

	_, err = q.Resolve(ctx, tk.ID, true, "admin", "")
	require.ErrorIs(t, err, boom)

	// Переход не состоялся: заявка осталась PENDING и решаема
	got, err := q.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketPending, got.Status)

	q.SetCommitHook(nil)
	got, err = q.Resolve(ctx, tk.ID, true, "admin", "")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketApproved, got.Status)
}

func TestRestoreBringsBackPending(t *testing.T) {
	store := NewMemoryStore()
	q := NewQueue(Config{DefaultTTL: time.Minute}, store, nil, zap.NewNop())
	ctx := context.Background()

	tk, err := q.Enqueue(ctx, testRequest("alice"), time.Time{}, "")
	require.NoError(t, err)

	// «Рестарт»: новая очередь над тем же хранилищем
	q2 := NewQueue(Config{DefaultTTL: time.Minute}, store, nil, zap.NewNop())
	require.NoError(t, q2.Restore(ctx))
	assert.Equal(t, 1, q2.PendingCount())

	got, err := q2.Resolve(ctx, tk.ID, true, "admin", "")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketApproved, got.Status)
}

func TestStreamOrderingPerTicket(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	sub := q.Subscribe()
	defer sub.Close()

	tk, err := q.Enqueue(ctx, testRequest("alice"), time.Time{}, "")
	require.NoError(t, err)
	_, err = q.Resolve(ctx, tk.ID, true, "admin", "")
	require.NoError(t, err)

	ev1 := <-sub.Events()
	assert.Equal(t, domain.EventTicketCreated, ev1.Kind)
	assert.Equal(t, tk.ID, ev1.Ticket.ID)

	ev2 := <-sub.Events()
	assert.Equal(t, domain.EventTicketResolved, ev2.Kind)
	assert.Equal(t, domain.TicketApproved, ev2.Ticket.Status)
}

func TestSubscribeDeliversPendingBacklog(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testRequest("alice"), time.Time{}, "t1")
	require.NoError(t, err)
	t2, err := q.Enqueue(ctx, testRequest("bob"), time.Time{}, "t2")
	require.NoError(t, err)
	_, err = q.Resolve(ctx, t2.ID, false, "admin", "")
	require.NoError(t, err)

	// Поздний подписчик получает только живые PENDING синтетикой
	sub := q.Subscribe()
	defer sub.Close()

	ev := <-sub.Events()
	assert.Equal(t, domain.EventTicketCreated, ev.Kind)
	assert.Equal(t, "t1", ev.Ticket.ID)

	select {
	case extra := <-sub.Events():
		t.Fatalf("unexpected backlog event: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsOldestAndMarksGap(t *testing.T) {
	q := NewQueue(Config{DefaultTTL: time.Minute, StreamBuffer: 2}, NewMemoryStore(), nil, zap.NewNop())
	ctx := context.Background()

	sub := q.Subscribe()
	defer sub.Close()

	// Никто не читает: буфер 2 переполняется четырьмя событиями
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		_, err := q.Enqueue(ctx, testRequest("alice"), time.Time{}, id)
		require.NoError(t, err)
	}

	ev1 := <-sub.Events()
	ev2 := <-sub.Events()

	// Старейшие вытеснены, последнее доставленное несет счетчик потерь
	assert.Equal(t, "t3", ev1.Ticket.ID)
	assert.Equal(t, "t4", ev2.Ticket.ID)
	assert.Equal(t, 2, ev1.Dropped+ev2.Dropped)
}

func TestCloseIsIdempotent(t *testing.T) {
	q := testQueue(t)
	sub := q.Subscribe()
	require.Equal(t, 1, q.SubscriberCount())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, q.SubscriberCount())

	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestPruneResolvedFreesMemory(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	tk, err := q.Enqueue(ctx, testRequest("alice"), time.Time{}, "")
	require.NoError(t, err)
	_, err = q.Resolve(ctx, tk.ID, true, "admin", "")
	require.NoError(t, err)

	// Сразу после разрешения заявка еще читается
	q.pruneResolved(time.Now())
	_, err = q.Get(tk.ID)
	require.NoError(t, err)

	// Спустя retention — убрана из памяти
	q.pruneResolved(time.Now().Add(2 * time.Hour))
	_, err = q.Get(tk.ID)
	assert.ErrorIs(t, err, domain.ErrTicketNotFound)
}
