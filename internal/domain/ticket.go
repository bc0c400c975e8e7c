package domain

import "time"

// Статусы State Machine заявки на подтверждение
type TicketStatus string

const (
	TicketPending  TicketStatus = "PENDING"
	TicketApproved TicketStatus = "APPROVED"
	TicketRejected TicketStatus = "REJECTED"
	TicketExpired  TicketStatus = "EXPIRED" // Дедлайн прошел — считаем неявным отказом
)

// Terminal сообщает, является ли статус конечным.
func (s TicketStatus) Terminal() bool {
	return s == TicketApproved || s == TicketRejected || s == TicketExpired
}

// ApprovalTicket — зависший вызов, ожидающий решения оператора.
// Владелец структуры — Approval Queue; потребители событий получают копию снапшота.
type ApprovalTicket struct {
	ID         string          `json:"id"`
	Request    ToolCallRequest `json:"request"` // Снапшот исходного запроса
	Status     TicketStatus    `json:"status"`
	ReviewerID string          `json:"reviewer_id,omitempty"` // Кто принял решение
	Comment    string          `json:"comment,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// CanTransitionTo проверяет правила конечного автомата:
// из PENDING ровно один переход, терминальные статусы неизменны.
func (t *ApprovalTicket) CanTransitionTo(next TicketStatus) error {
	if t.Status != TicketPending {
		return ErrAlreadyResolved
	}
	if !next.Terminal() {
		return ErrInvalidTransition
	}
	return nil
}

// Типы событий очереди для live-подписчиков и вебхуков.
type TicketEventKind string

const (
	EventTicketCreated  TicketEventKind = "created"
	EventTicketResolved TicketEventKind = "resolved"
	EventTicketExpired  TicketEventKind = "expired"
)

// TicketEvent — одно событие из Stream(). Dropped > 0 означает, что
// перед этим событием у медленного подписчика были вытеснены Dropped штук.
type TicketEvent struct {
	Kind    TicketEventKind `json:"kind"`
	Ticket  ApprovalTicket  `json:"ticket"`
	At      time.Time       `json:"at"`
	Dropped int             `json:"dropped,omitempty"`
}
