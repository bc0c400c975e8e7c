package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/domain"
)

// flakyStore отказывает на каждом втором Append — проверяем, что номер
// не расходуется на неудачной записи.
type flakyStore struct {
	*MemoryStore
	calls int
}

func (s *flakyStore) Append(ctx context.Context, rec Record) error {
	s.calls++
	if s.calls%2 == 0 {
		return errors.New("disk on fire")
	}
	return s.MemoryStore.Append(ctx, rec)
}

func newTestLog(t *testing.T, store Store, codec Codec) *Log {
	t.Helper()
	l, err := NewLog(context.Background(), store, codec, zap.NewNop())
	require.NoError(t, err)
	return l
}

func TestAppendAssignsContiguousSequence(t *testing.T) {
	l := newTestLog(t, NewMemoryStore(), nil)

	for want := uint64(1); want <= 5; want++ {
		seq, err := l.Append(context.Background(), domain.AuditEntry{Actor: "a", Action: "x", Outcome: "ALLOW"})
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}
	assert.Equal(t, uint64(5), l.Sequence())
}

func TestFailedAppendDoesNotBurnSequence(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	l := newTestLog(t, store, nil)

	var got []uint64
	for i := 0; i < 6; i++ {
		seq, err := l.Append(context.Background(), domain.AuditEntry{Actor: "a", Action: "x", Outcome: "DENY"})
		if err != nil {
			var se *domain.StorageError
			require.ErrorAs(t, err, &se)
			continue
		}
		got = append(got, seq)
	}

	// Успешные записи нумеруются без дырок, несмотря на сбои между ними
	assert.Equal(t, []uint64{1, 2, 3}, got)
}

func TestConcurrentAppendsYieldUniqueGaplessSequences(t *testing.T) {
	l := newTestLog(t, NewMemoryStore(), nil)

	const n = 200
	var wg sync.WaitGroup
	seqs := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := l.Append(context.Background(), domain.AuditEntry{Actor: "a", Action: "x", Outcome: "ALLOW"})
			assert.NoError(t, err)
			seqs <- seq
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool, n)
	for s := range seqs {
		assert.False(t, seen[s], "sequence %d issued twice", s)
		seen[s] = true
	}
	for i := uint64(1); i <= n; i++ {
		assert.True(t, seen[i], "sequence %d missing", i)
	}
}

func TestSequenceContinuesAfterRestart(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLog(t, store, nil)
	for i := 0; i < 3; i++ {
		_, err := l.Append(context.Background(), domain.AuditEntry{Actor: "a", Action: "x", Outcome: "ALLOW"})
		require.NoError(t, err)
	}

	// «Рестарт»: новый журнал над тем же хранилищем
	l2 := newTestLog(t, store, nil)
	seq, err := l2.Append(context.Background(), domain.AuditEntry{Actor: "a", Action: "x", Outcome: "ALLOW"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestTailFilters(t *testing.T) {
	l := newTestLog(t, NewMemoryStore(), nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		actor := "alice"
		if i%2 == 1 {
			actor = "bob"
		}
		_, err := l.Append(ctx, domain.AuditEntry{
			Actor:   actor,
			Action:  fmt.Sprintf("tool.%d", i),
			Outcome: "ALLOW",
			Detail:  map[string]interface{}{"i": i},
		})
		require.NoError(t, err)
	}

	got, err := l.Tail(ctx, 10, Filter{Actor: "bob"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Новые первыми
	assert.Equal(t, "tool.3", got[0].Action)
	assert.Equal(t, "tool.1", got[1].Action)

	got, err = l.Tail(ctx, 1, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(4), got[0].Sequence)
}

func TestEncryptedRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	codec, err := NewAEADCodec(key)
	require.NoError(t, err)

	store := NewMemoryStore()
	l := newTestLog(t, store, codec)
	ctx := context.Background()

	_, err = l.Append(ctx, domain.AuditEntry{
		Actor: "alice", Action: "shell.exec", Outcome: "DENY",
		Detail: map[string]interface{}{"reason": "content_filtered"},
	})
	require.NoError(t, err)

	// В хранилище лежит шифротекст, а не открытый JSON
	recs, err := store.Tail(ctx, 1, Filter{})
	require.NoError(t, err)
	assert.NotContains(t, string(recs[0].Detail), "content_filtered")

	got, err := l.Tail(ctx, 1, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "content_filtered", got[0].Detail["reason"])
}

func TestWrongKeyFailsClosed(t *testing.T) {
	store := NewMemoryStore()
	goodCodec, err := NewAEADCodec(bytes.Repeat([]byte{0x01}, 32))
	require.NoError(t, err)
	l := newTestLog(t, store, goodCodec)

	_, err = l.Append(context.Background(), domain.AuditEntry{
		Actor: "a", Action: "x", Outcome: "ALLOW",
		Detail: map[string]interface{}{"k": "v"},
	})
	require.NoError(t, err)

	badCodec, err := NewAEADCodec(bytes.Repeat([]byte{0x02}, 32))
	require.NoError(t, err)
	l2 := newTestLog(t, store, badCodec)

	_, err = l2.Tail(context.Background(), 1, Filter{})
	var ce *domain.CryptoError
	require.ErrorAs(t, err, &ce, "wrong key must be a hard read failure, not ciphertext passthrough")
}

func TestExportCSV(t *testing.T) {
	l := newTestLog(t, NewMemoryStore(), nil)
	ctx := context.Background()

	_, err := l.Append(ctx, domain.AuditEntry{
		Timestamp: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		Actor:     "alice", Action: "fs.read_file", Outcome: "ALLOW",
		Detail: map[string]interface{}{"correlation_id": "c-1"},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, l.ExportCSV(ctx, &buf, 10, Filter{}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "sequence,timestamp,actor,action,outcome,detail", lines[0])
	assert.Contains(t, lines[1], "alice")
	assert.Contains(t, lines[1], "c-1")
}
