package approval

/*
Файл queue.go реализует Approval Queue — конечный автомат заявок,
ожидающих решения человека (HITL): PENDING -> APPROVED | REJECTED | EXPIRED.

Гарантии:
- Взаимное исключение per-ticket: у каждой заявки свой мьютекс, чужие
  заявки резолвятся независимо, без глобальной блокировки.
- Из PENDING ровно один переход: из N конкурентных Resolve выигрывает
  один, остальные получают ErrAlreadyResolved.
- Переход и публикация его события — один логический шаг: publish
  вызывается, пока держится мьютекс заявки, поэтому подписчики видят
  события одной заявки строго в порядке переходов (created до resolved).
- Перед переходом вызывается commit-хук (аудит) и запись в Store; сбой
  любого из них отменяет переход — заявка остается PENDING, решение без
  audit-записи не фиксируется.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/domain"
)

// Store — долговременное хранилище заявок. Может отсутствовать (nil) —
// тогда очередь живет только в памяти процесса.
type Store interface {
	Create(ctx context.Context, t domain.ApprovalTicket) error
	Update(ctx context.Context, t domain.ApprovalTicket) error
	ListPending(ctx context.Context) ([]domain.ApprovalTicket, error)
}

// Notifier — вебхук-диспетчер. Submit обязан быть fire-and-forget:
// доставка не блокирует и не валит переход заявки.
type Notifier interface {
	Submit(ev domain.TicketEvent)
}

// CommitFunc вызывается внутри критической секции заявки ДО перехода.
// Ошибка отменяет переход целиком.
type CommitFunc func(ctx context.Context, t domain.ApprovalTicket) error

// SystemActor фигурирует в аудите как «решивший» для истекших заявок.
const SystemActor = "system"

type ticket struct {
	mu   sync.Mutex
	t    domain.ApprovalTicket
	done chan struct{} // Закрывается при выходе из PENDING; future для Await
}

// Config очереди.
type Config struct {
	DefaultTTL    time.Duration // Дедлайн заявки, если не задан явно
	SweepInterval time.Duration // Период фонового ExpireOverdue
	StreamBuffer  int           // Буфер одного подписчика
}

type Queue struct {
	mu      sync.RWMutex
	tickets map[string]*ticket

	// Точка упорядочивания публикаций. Защищает subs и current.
	pubMu   sync.Mutex
	subs    map[*Subscription]struct{}
	current map[string]domain.ApprovalTicket // Последний опубликованный снапшот

	cfg      Config
	store    Store
	notifier Notifier
	commit   CommitFunc
	logger   *zap.Logger
}

func NewQueue(cfg Config, store Store, notifier Notifier, logger *zap.Logger) *Queue {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 15 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}
	return &Queue{
		tickets:  make(map[string]*ticket),
		subs:     make(map[*Subscription]struct{}),
		current:  make(map[string]domain.ApprovalTicket),
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		logger:   logger.Named("approval"),
	}
}

// SetCommitHook ставит аудит-хук. Вызывается движком при сборке,
// до первого Enqueue.
func (q *Queue) SetCommitHook(f CommitFunc) { q.commit = f }

// Restore поднимает PENDING-заявки из хранилища при старте.
// События для них не публикуются: подписчики получат их синтетикой.
func (q *Queue) Restore(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	pending, err := q.store.ListPending(ctx)
	if err != nil {
		return &domain.StorageError{Op: "approval.restore", Err: err}
	}

	q.mu.Lock()
	q.pubMu.Lock()
	for _, t := range pending {
		q.tickets[t.ID] = &ticket{t: t, done: make(chan struct{})}
		q.current[t.ID] = t
	}
	q.pubMu.Unlock()
	q.mu.Unlock()

	q.logger.Info("pending tickets restored", zap.Int("count", len(pending)))
	return nil
}

// Enqueue создает заявку в PENDING и публикует событие created.
// Нулевой expiry означает дедлайн now+DefaultTTL. Пустой id генерируется;
// движок передает заранее выданный id, чтобы успеть записать его в аудит
// до того, как заявка станет видимой.
func (q *Queue) Enqueue(ctx context.Context, req domain.ToolCallRequest, expiry time.Time, id string) (domain.ApprovalTicket, error) {
	now := time.Now()
	if expiry.IsZero() {
		expiry = now.Add(q.cfg.DefaultTTL)
	}
	if id == "" {
		id = uuid.New().String()
	}

	t := domain.ApprovalTicket{
		ID:        id,
		Request:   req,
		Status:    domain.TicketPending,
		CreatedAt: now,
		ExpiresAt: expiry,
	}

	if q.store != nil {
		if err := q.store.Create(ctx, t); err != nil {
			return domain.ApprovalTicket{}, &domain.StorageError{Op: "approval.create", Err: err}
		}
	}

	tk := &ticket{t: t, done: make(chan struct{})}
	// Держим мьютекс заявки до публикации created: конкурентный Resolve,
	// нашедший заявку в мапе, не сможет опубликовать resolved раньше.
	tk.mu.Lock()
	q.mu.Lock()
	q.tickets[t.ID] = tk
	q.mu.Unlock()

	q.publish(domain.TicketEvent{Kind: domain.EventTicketCreated, Ticket: t, At: now})
	tk.mu.Unlock()

	q.submitWebhook(domain.TicketEvent{Kind: domain.EventTicketCreated, Ticket: t, At: now})
	return t, nil
}

// Resolve фиксирует решение оператора. Просроченная заявка сперва лениво
// переводится в EXPIRED, после чего оператор получает ErrAlreadyResolved.
func (q *Queue) Resolve(ctx context.Context, id string, approve bool, reviewer, comment string) (domain.ApprovalTicket, error) {
	tk, ok := q.lookup(id)
	if !ok {
		return domain.ApprovalTicket{}, domain.ErrTicketNotFound
	}

	next := domain.TicketRejected
	if approve {
		next = domain.TicketApproved
	}

	tk.mu.Lock()
	defer tk.mu.Unlock()

	if err := tk.t.CanTransitionTo(next); err != nil {
		return tk.t, err
	}

	now := time.Now()
	if now.After(tk.t.ExpiresAt) {
		// Ленивый эспайр на чтении: дедлайн уже прошел
		if err := q.expireLocked(ctx, tk, now); err != nil {
			return tk.t, err
		}
		return tk.t, domain.ErrAlreadyResolved
	}

	snapshot := tk.t
	snapshot.Status = next
	snapshot.ReviewerID = reviewer
	snapshot.Comment = comment
	snapshot.ResolvedAt = &now

	if err := q.commitTransition(ctx, snapshot); err != nil {
		return tk.t, err
	}

	tk.t = snapshot
	close(tk.done)
	ev := domain.TicketEvent{Kind: domain.EventTicketResolved, Ticket: snapshot, At: now}
	q.publish(ev)
	q.submitWebhook(ev)
	return snapshot, nil
}

// ExpireOverdue переводит просроченные PENDING-заявки в EXPIRED.
// Возвращает число истекших. Вызывается фоновым тикером и может — лениво.
func (q *Queue) ExpireOverdue(ctx context.Context, now time.Time) int {
	q.mu.RLock()
	candidates := make([]*ticket, 0)
	for _, tk := range q.tickets {
		candidates = append(candidates, tk)
	}
	q.mu.RUnlock()

	expired := 0
	for _, tk := range candidates {
		tk.mu.Lock()
		if tk.t.Status == domain.TicketPending && now.After(tk.t.ExpiresAt) {
			if err := q.expireLocked(ctx, tk, now); err != nil {
				// Заявка осталась PENDING, доберем на следующем проходе
				q.logger.Error("ticket expiry failed", zap.String("id", tk.t.ID), zap.Error(err))
			} else {
				expired++
			}
		}
		tk.mu.Unlock()
	}
	return expired
}

// Run крутит периодический ExpireOverdue до отмены контекста.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := q.ExpireOverdue(ctx, now); n > 0 {
				q.logger.Info("tickets expired", zap.Int("count", n))
			}
			q.pruneResolved(now)
		}
	}
}

// pruneResolved убирает из памяти давно разрешенные заявки,
// чтобы мапа не росла бесконечно. История остается в Store и аудите.
func (q *Queue) pruneResolved(now time.Time) {
	const retain = time.Hour

	q.mu.Lock()
	defer q.mu.Unlock()

	for id, tk := range q.tickets {
		tk.mu.Lock()
		stale := tk.t.Status.Terminal() && tk.t.ResolvedAt != nil && now.Sub(*tk.t.ResolvedAt) > retain
		tk.mu.Unlock()
		if stale {
			delete(q.tickets, id)
			q.pubMu.Lock()
			delete(q.current, id)
			q.pubMu.Unlock()
		}
	}
}

// Await блокирует вызывающего до разрешения/истечения заявки или отмены
// контекста. Никакого busy-poll: ждем закрытия done-канала.
func (q *Queue) Await(ctx context.Context, id string) (domain.ApprovalTicket, error) {
	tk, ok := q.lookup(id)
	if !ok {
		return domain.ApprovalTicket{}, domain.ErrTicketNotFound
	}

	select {
	case <-ctx.Done():
		return domain.ApprovalTicket{}, ctx.Err()
	case <-tk.done:
	}

	tk.mu.Lock()
	defer tk.mu.Unlock()
	return tk.t, nil
}

// Get возвращает снапшот заявки.
func (q *Queue) Get(id string) (domain.ApprovalTicket, error) {
	tk, ok := q.lookup(id)
	if !ok {
		return domain.ApprovalTicket{}, domain.ErrTicketNotFound
	}
	tk.mu.Lock()
	defer tk.mu.Unlock()
	return tk.t, nil
}

// List возвращает снапшоты заявок, опционально по статусу.
func (q *Queue) List(status domain.TicketStatus) []domain.ApprovalTicket {
	q.mu.RLock()
	tks := make([]*ticket, 0, len(q.tickets))
	for _, tk := range q.tickets {
		tks = append(tks, tk)
	}
	q.mu.RUnlock()

	out := make([]domain.ApprovalTicket, 0, len(tks))
	for _, tk := range tks {
		tk.mu.Lock()
		if status == "" || tk.t.Status == status {
			out = append(out, tk.t)
		}
		tk.mu.Unlock()
	}
	return out
}

// PendingCount — глубина очереди (для метрик и дашборда).
func (q *Queue) PendingCount() int {
	return len(q.List(domain.TicketPending))
}

func (q *Queue) lookup(id string) (*ticket, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	tk, ok := q.tickets[id]
	return tk, ok
}

// expireLocked выполняет переход в EXPIRED. Вызывается под tk.mu.
func (q *Queue) expireLocked(ctx context.Context, tk *ticket, now time.Time) error {
	snapshot := tk.t
	snapshot.Status = domain.TicketExpired
	snapshot.ReviewerID = SystemActor
	snapshot.ResolvedAt = &now

	if err := q.commitTransition(ctx, snapshot); err != nil {
		return err
	}

	tk.t = snapshot
	close(tk.done)
	ev := domain.TicketEvent{Kind: domain.EventTicketExpired, Ticket: snapshot, At: now}
	q.publish(ev)
	q.submitWebhook(ev)
	return nil
}

// commitTransition — аудит + персистентность, строго до смены статуса.
func (q *Queue) commitTransition(ctx context.Context, snapshot domain.ApprovalTicket) error {
	if q.commit != nil {
		if err := q.commit(ctx, snapshot); err != nil {
			return err
		}
	}
	if q.store != nil {
		if err := q.store.Update(ctx, snapshot); err != nil {
			return &domain.StorageError{Op: "approval.update", Err: err}
		}
	}
	return nil
}

func (q *Queue) submitWebhook(ev domain.TicketEvent) {
	if q.notifier != nil {
		q.notifier.Submit(ev)
	}
}
