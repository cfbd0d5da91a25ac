package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PostgresStore writes actions to the admin_actions table.
type PostgresStore struct {
	db func() *sql.DB
}

// NewPostgresStore creates an audit store. db is resolved per call so a
// reset pool is picked up.
func NewPostgresStore(db func() *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) AppendAction(ctx context.Context, a *Action) error {
	detail, err := json.Marshal(a.Detail)
	if err != nil {
		return fmt.Errorf("failed to encode audit detail: %w", err)
	}
	_, err = p.db().ExecContext(ctx, `
		INSERT INTO admin_actions (id, actor_id, kind, target_type, target_id, detail, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::JSONB, NULLIF($7, ''), $8)
	`, a.ID, a.ActorID, string(a.Kind), a.TargetType, a.TargetID, string(detail), a.RequestID, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert admin action: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListActions(ctx context.Context, filter Filter) ([]*Action, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.ActorID != 0 {
		add("actor_id = $%d", filter.ActorID)
	}
	if filter.Kind != "" {
		add("kind = $%d", string(filter.Kind))
	}
	if filter.TargetType != "" {
		add("target_type = $%d", filter.TargetType)
	}
	if filter.TargetID != "" {
		add("target_id = $%d", filter.TargetID)
	}

	query := `SELECT id, actor_id, kind, target_type, target_id, COALESCE(detail::TEXT, 'null'),
		COALESCE(request_id, ''), created_at FROM admin_actions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d", len(args))

	rows, err := p.db().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list admin actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Action
	for rows.Next() {
		var (
			a      Action
			kind   string
			detail string
		)
		if err := rows.Scan(&a.ID, &a.ActorID, &kind, &a.TargetType, &a.TargetID, &detail, &a.RequestID, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Kind = Kind(kind)
		if err := json.Unmarshal([]byte(detail), &a.Detail); err != nil {
			return nil, fmt.Errorf("failed to decode audit detail: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
