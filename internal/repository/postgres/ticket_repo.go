package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xela07ax/toolgate/internal/domain"
)

func (r *Repo) Create(ctx context.Context, t domain.ApprovalTicket) error {
	req, err := json.Marshal(t.Request)
	if err != nil {
		return fmt.Errorf("postgres: marshal ticket request: %w", err)
	}

	query := `INSERT INTO approval_tickets (id, request, status, created_at, expires_at)
	          VALUES ($1, $2, $3, $4, $5)`
	_, err = r.pool.Exec(ctx, query, t.ID, req, string(t.Status), t.CreatedAt, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("postgres: create ticket: %w", err)
	}
	return nil
}

// Update фиксирует переход заявки. Условие status = 'PENDING' в WHERE —
// вторая линия защиты от двойного решения: даже если два процесса
// делят одну базу, переход запишет ровно один.
func (r *Repo) Update(ctx context.Context, t domain.ApprovalTicket) error {
	query := `UPDATE approval_tickets
	          SET status = $2, reviewer_id = $3, comment = $4, resolved_at = $5
	          WHERE id = $1 AND status = 'PENDING'`
	tag, err := r.pool.Exec(ctx, query, t.ID, string(t.Status), t.ReviewerID, t.Comment, t.ResolvedAt)
	if err != nil {
		return fmt.Errorf("postgres: update ticket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyResolved
	}
	return nil
}

// ListPending поднимает незакрытые заявки для восстановления очереди
// после рестарта.
func (r *Repo) ListPending(ctx context.Context) ([]domain.ApprovalTicket, error) {
	query := `SELECT id, request, status, created_at, expires_at
	          FROM approval_tickets WHERE status = 'PENDING' ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending tickets: %w", err)
	}
	defer rows.Close()

	var out []domain.ApprovalTicket
	for rows.Next() {
		var t domain.ApprovalTicket
		var status string
		var req []byte
		if err := rows.Scan(&t.ID, &req, &status, &t.CreatedAt, &t.ExpiresAt); err != nil {
			return nil, fmt.Errorf("postgres: scan ticket: %w", err)
		}
		if err := json.Unmarshal(req, &t.Request); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal ticket request: %w", err)
		}
		t.Status = domain.TicketStatus(status)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}
