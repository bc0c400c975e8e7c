package approval

import (
	"context"
	"sync"

	"github.com/xela07ax/toolgate/internal/domain"
)

// MemoryStore — хранилище заявок в памяти для тестов и локального режима.
type MemoryStore struct {
	mu      sync.Mutex
	tickets map[string]domain.ApprovalTicket
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tickets: make(map[string]domain.ApprovalTicket)}
}

func (s *MemoryStore) Create(_ context.Context, t domain.ApprovalTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.ID] = t
	return nil
}

func (s *MemoryStore) Update(_ context.Context, t domain.ApprovalTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[t.ID]; !ok {
		return domain.ErrTicketNotFound
	}
	s.tickets[t.ID] = t
	return nil
}

func (s *MemoryStore) ListPending(_ context.Context) ([]domain.ApprovalTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ApprovalTicket, 0)
	for _, t := range s.tickets {
		if t.Status == domain.TicketPending {
			out = append(out, t)
		}
	}
	return out, nil
}
