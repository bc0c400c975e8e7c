package approval

import (
	"time"

	"github.com/xela07ax/toolgate/internal/domain"
)

// Subscription — живая подписка на события очереди. У каждого подписчика
// свой ограниченный буфер: медленный потребитель никогда не тормозит
// переходы заявок и других подписчиков. При переполнении вытесняется
// старейшее событие, а следующее доставленное несет счетчик Dropped.
type Subscription struct {
	q       *Queue
	ch      chan domain.TicketEvent
	dropped int  // Изменяется только под q.pubMu
	closed  bool // Тоже под q.pubMu
}

// Events — канал подписчика. Закрывается после Close().
func (s *Subscription) Events() <-chan domain.TicketEvent { return s.ch }

// Close снимает подписку. Идемпотентен; запись о подписчике не течет.
func (s *Subscription) Close() {
	s.q.pubMu.Lock()
	defer s.q.pubMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.q.subs, s)
	close(s.ch)
}

// Subscribe регистрирует нового подписчика. Первым делом он получает
// текущее множество PENDING-заявок синтетическими created-событиями,
// затем живые события — ни один переход не теряется, потому что и
// снапшот, и регистрация происходят под одной точкой упорядочивания.
func (q *Queue) Subscribe() *Subscription {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	// Буфер с запасом под синтетический бэклог
	backlog := make([]domain.ApprovalTicket, 0)
	for _, t := range q.current {
		if t.Status == domain.TicketPending {
			backlog = append(backlog, t)
		}
	}

	size := q.cfg.StreamBuffer
	if len(backlog) > size {
		size = len(backlog)
	}

	sub := &Subscription{q: q, ch: make(chan domain.TicketEvent, size)}
	now := time.Now()
	for _, t := range backlog {
		sub.ch <- domain.TicketEvent{Kind: domain.EventTicketCreated, Ticket: t, At: now}
	}

	q.subs[sub] = struct{}{}
	return sub
}

// publish рассылает событие всем подписчикам. Вызывается внутри
// критической секции заявки: публикация — часть ее перехода.
func (q *Queue) publish(ev domain.TicketEvent) {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	q.current[ev.Ticket.ID] = ev.Ticket

	for sub := range q.subs {
		out := ev
		out.Dropped = sub.dropped
		select {
		case sub.ch <- out:
			sub.dropped = 0
		default:
			// Буфер полон: вытесняем старейшее и пробуем еще раз
			select {
			case <-sub.ch:
			default:
			}
			sub.dropped++
			out.Dropped = sub.dropped
			select {
			case sub.ch <- out:
				sub.dropped = 0
			default:
				// Подписчик безнадежно отстал — текущее событие тоже потеряно
				sub.dropped++
			}
		}
	}
}

// SubscriberCount — число живых подписок (для метрик).
func (q *Queue) SubscriberCount() int {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	return len(q.subs)
}
