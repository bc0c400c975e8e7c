package audit

import (
	"context"
	"sync"
)

// MemoryStore — хранилище в памяти для тестов и локального режима
// без Postgres. Контракт Store тот же, durability — на время жизни процесса.
type MemoryStore struct {
	mu   sync.Mutex
	recs []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Копируем blob: вызывающий может переиспользовать буфер
	cp := rec
	cp.Detail = append([]byte(nil), rec.Detail...)
	s.recs = append(s.recs, cp)
	return nil
}

func (s *MemoryStore) Tail(_ context.Context, n int, f Filter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, n)
	for i := len(s.recs) - 1; i >= 0 && len(out) < n; i-- {
		rec := s.recs[i]
		if f.Actor != "" && rec.Actor != f.Actor {
			continue
		}
		if f.Action != "" && rec.Action != f.Action {
			continue
		}
		if !f.From.IsZero() && rec.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && rec.Timestamp.After(f.To) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) LastSequence(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recs) == 0 {
		return 0, nil
	}
	return s.recs[len(s.recs)-1].Sequence, nil
}

// Len — число записей (для тестов).
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}
