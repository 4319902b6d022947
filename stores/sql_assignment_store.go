package stores

import (
	"context"
	"errors"
	"fmt"

	"github.com/oarkflow/pdp"
)

func (s *SQLStore) PutAssignment(ctx context.Context, a *pdp.Assignment) error {
	if a == nil || a.ID == "" {
		return errors.New("assignment id is required")
	}
	dup := a.Clone()
	if dup.GrantedAt.IsZero() {
		dup.GrantedAt = s.now()
	}
	body, err := encodeBody(dup)
	if err != nil {
		return err
	}
	q := `INSERT INTO assignments(id, principal_id, role_id, status, body) VALUES(:id, :principal_id, :role_id, :status, :body)
ON CONFLICT(id) DO UPDATE SET principal_id = excluded.principal_id, role_id = excluded.role_id, status = excluded.status, body = excluded.body`
	if _, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":           dup.ID,
		"principal_id": dup.PrincipalID,
		"role_id":      dup.RoleID,
		"status":       string(dup.Status),
		"body":         body,
	}); err != nil {
		return err
	}
	return s.bumpVersion(ctx)
}

func (s *SQLStore) DeleteAssignment(ctx context.Context, id string) error {
	q := `DELETE FROM assignments WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("assignment %s: %w", id, pdp.ErrNotFound)
	}
	return s.bumpVersion(ctx)
}

// ListAssignments returns every assignment of the principal regardless of
// status; the engine filters at read time.
func (s *SQLStore) ListAssignments(ctx context.Context, principalID string) ([]*pdp.Assignment, error) {
	out := make([]*pdp.Assignment, 0)
	q := `SELECT id, body FROM assignments WHERE principal_id = :principal_id ORDER BY id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"principal_id": principalID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	for r.Next() {
		var id, body string
		if err := r.Scan(&id, &body); err != nil {
			return nil, err
		}
		a, err := decodeBody[pdp.Assignment](body)
		if err != nil {
			return nil, fmt.Errorf("assignment %s: %w", id, err)
		}
		out = append(out, a)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("scan assignments: %w", err)
	}
	return out, nil
}
