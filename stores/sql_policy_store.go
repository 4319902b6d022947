package stores

import (
	"context"
	"errors"
	"fmt"

	"github.com/oarkflow/pdp"
)

type policyRow struct {
	version   int
	body      string
	createdAt any
}

func (s *SQLStore) currentPolicy(ctx context.Context, id string) (*policyRow, error) {
	q := `SELECT version, body, created_at FROM policies WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, r.Err()
	}
	row := &policyRow{}
	if err := r.Scan(&row.version, &row.body, &row.createdAt); err != nil {
		return nil, err
	}
	return row, nil
}

// PutPolicy creates or replaces a policy. Replacing archives the previous
// revision in policy_history and increments Version.
func (s *SQLStore) PutPolicy(ctx context.Context, p *pdp.Policy) error {
	if p == nil || p.ID == "" {
		return errors.New("policy id is required")
	}
	old, err := s.currentPolicy(ctx, p.ID)
	if err != nil {
		return err
	}
	dup := p.Clone()
	now := s.now()
	dup.UpdatedAt = now
	if old != nil {
		if err := s.archivePolicy(ctx, p.ID, old); err != nil {
			return err
		}
		dup.Version = old.version + 1
		dup.CreatedAt = scanTime(old.createdAt)
	} else {
		if dup.Version == 0 {
			dup.Version = 1
		}
		if dup.CreatedAt.IsZero() {
			dup.CreatedAt = now
		}
	}
	body, err := encodeBody(dup)
	if err != nil {
		return err
	}
	q := `INSERT INTO policies(id, version, active, priority, checksum, body, created_at, updated_at)
VALUES(:id, :version, :active, :priority, :checksum, :body, :created_at, :updated_at)
ON CONFLICT(id) DO UPDATE SET version = excluded.version, active = excluded.active, priority = excluded.priority,
checksum = excluded.checksum, body = excluded.body, updated_at = excluded.updated_at`
	if _, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":         dup.ID,
		"version":    dup.Version,
		"active":     boolToInt(dup.Active),
		"priority":   dup.Priority,
		"checksum":   dup.Checksum(),
		"body":       body,
		"created_at": formatTime(dup.CreatedAt),
		"updated_at": formatTime(dup.UpdatedAt),
	}); err != nil {
		return err
	}
	return s.bumpVersion(ctx)
}

func (s *SQLStore) archivePolicy(ctx context.Context, id string, row *policyRow) error {
	q := `INSERT INTO policy_history(policy_id, version, body, archived_at) VALUES(:policy_id, :version, :body, :archived_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"policy_id":   id,
		"version":     row.version,
		"body":        row.body,
		"archived_at": formatTime(s.now()),
	})
	return err
}

func (s *SQLStore) DeletePolicy(ctx context.Context, id string) error {
	old, err := s.currentPolicy(ctx, id)
	if err != nil {
		return err
	}
	if old == nil {
		return fmt.Errorf("policy %s: %w", id, pdp.ErrNotFound)
	}
	if err := s.archivePolicy(ctx, id, old); err != nil {
		return err
	}
	q := `DELETE FROM policies WHERE id = :id`
	if _, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id}); err != nil {
		return err
	}
	return s.bumpVersion(ctx)
}

func (s *SQLStore) GetPolicy(ctx context.Context, id string) (*pdp.Policy, error) {
	row, err := s.currentPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("policy %s: %w", id, pdp.ErrNotFound)
	}
	return decodeBody[pdp.Policy](row.body)
}

// ListPolicies returns every stored policy ordered by ID.
func (s *SQLStore) ListPolicies(ctx context.Context) ([]*pdp.Policy, error) {
	q := `SELECT id, body FROM policies ORDER BY id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*pdp.Policy, 0)
	for r.Next() {
		var id, body string
		if err := r.Scan(&id, &body); err != nil {
			return nil, err
		}
		p, err := decodeBody[pdp.Policy](body)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", id, err)
		}
		out = append(out, p)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("scan policies: %w", err)
	}
	return out, nil
}

// GetPolicyHistory returns archived revisions, oldest first.
func (s *SQLStore) GetPolicyHistory(ctx context.Context, id string) ([]*pdp.Policy, error) {
	q := `SELECT body FROM policy_history WHERE policy_id = :policy_id ORDER BY seq ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"policy_id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*pdp.Policy, 0)
	for r.Next() {
		var body string
		if err := r.Scan(&body); err != nil {
			return nil, err
		}
		p, err := decodeBody[pdp.Policy](body)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("scan policy history: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no history for policy %s: %w", id, pdp.ErrNotFound)
	}
	return out, nil
}
