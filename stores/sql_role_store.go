package stores

import (
	"context"
	"errors"
	"fmt"

	"github.com/oarkflow/pdp"
)

func (s *SQLStore) PutRole(ctx context.Context, r *pdp.Role) error {
	if r == nil || r.ID == "" {
		return errors.New("role id is required")
	}
	dup := r.Clone()
	now := s.now()
	if dup.CreatedAt.IsZero() {
		dup.CreatedAt = now
	}
	dup.UpdatedAt = now
	body, err := encodeBody(dup)
	if err != nil {
		return err
	}
	q := `INSERT INTO roles(id, body, created_at, updated_at) VALUES(:id, :body, :created_at, :updated_at)
ON CONFLICT(id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`
	if _, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":         r.ID,
		"body":       body,
		"created_at": formatTime(dup.CreatedAt),
		"updated_at": formatTime(dup.UpdatedAt),
	}); err != nil {
		return err
	}
	return s.bumpVersion(ctx)
}

func (s *SQLStore) DeleteRole(ctx context.Context, id string) error {
	q := `DELETE FROM roles WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("role %s: %w", id, pdp.ErrNotFound)
	}
	return s.bumpVersion(ctx)
}

func (s *SQLStore) GetRole(ctx context.Context, id string) (*pdp.Role, error) {
	q := `SELECT body, created_at FROM roles WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("role %s: %w", id, pdp.ErrNotFound)
	}
	var body string
	var createdRaw any
	if err := r.Scan(&body, &createdRaw); err != nil {
		return nil, err
	}
	role, err := decodeBody[pdp.Role](body)
	if err != nil {
		return nil, fmt.Errorf("role %s: %w", id, err)
	}
	role.CreatedAt = scanTime(createdRaw)
	return role, nil
}

// ListRoles returns every role ordered by ID.
func (s *SQLStore) ListRoles(ctx context.Context) ([]*pdp.Role, error) {
	q := `SELECT id, body, created_at FROM roles ORDER BY id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*pdp.Role, 0)
	for r.Next() {
		var id, body string
		var createdRaw any
		if err := r.Scan(&id, &body, &createdRaw); err != nil {
			return nil, err
		}
		role, err := decodeBody[pdp.Role](body)
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", id, err)
		}
		role.CreatedAt = scanTime(createdRaw)
		out = append(out, role)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("scan roles: %w", err)
	}
	return out, nil
}
