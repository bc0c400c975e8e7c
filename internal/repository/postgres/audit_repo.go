package postgres

/*
Файл audit_repo.go — персистентность журнала аудита. Append синхронный:
запись подтверждается вызывающему только после коммита в PostgreSQL,
это часть контракта «решение не финально без durable-аудита».
*/

import (
	"context"
	"fmt"

	"github.com/xela07ax/toolgate/internal/audit"
)

func (r *Repo) Append(ctx context.Context, rec audit.Record) error {
	query := `INSERT INTO audit_log (sequence, ts, actor, action, outcome, detail)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query,
		int64(rec.Sequence), rec.Timestamp, rec.Actor, rec.Action, rec.Outcome, rec.Detail)
	if err != nil {
		return fmt.Errorf("postgres: append audit record: %w", err)
	}
	return nil
}

// Tail читает последние n записей под фильтром, новые первыми.
// Пустые поля фильтра не участвуют в выборке.
func (r *Repo) Tail(ctx context.Context, n int, f audit.Filter) ([]audit.Record, error) {
	query := `SELECT sequence, ts, actor, action, outcome, detail FROM audit_log`

	var args []interface{}
	var conds []string
	add := func(cond string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if !f.From.IsZero() {
		add("ts >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("ts <= $%d", f.To)
	}

	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}

	args = append(args, n)
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query audit tail: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	out := make([]audit.Record, 0)
	for rows.Next() {
		var rec audit.Record
		var seq int64
		if err := rows.Scan(&seq, &rec.Timestamp, &rec.Actor, &rec.Action, &rec.Outcome, &rec.Detail); err != nil {
			return nil, fmt.Errorf("postgres: scan audit record: %w", err)
		}
		rec.Sequence = uint64(seq)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

// LastSequence нужен журналу для продолжения нумерации после рестарта.
func (r *Repo) LastSequence(ctx context.Context) (uint64, error) {
	var last int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM audit_log`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("postgres: last audit sequence: %w", err)
	}
	return uint64(last), nil
}
