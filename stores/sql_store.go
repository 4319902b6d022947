package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oarkflow/pdp"
	"github.com/oarkflow/squealx"
)

// SQLStore persists roles, policies and assignments in SQL (squealx). Rows
// keep the JSON form of each object; a counter in pdp_meta is the store
// version. Run Migrate before use.
type SQLStore struct {
	db  *squealx.DB
	now func() time.Time
}

func NewSQLStore(db *squealx.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

const maxLoadAttempts = 3

func (s *SQLStore) Version(ctx context.Context) (uint64, error) {
	q := `SELECT value FROM pdp_meta WHERE key = :key`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"key": "version"})
	if err != nil {
		return 0, err
	}
	defer r.Close()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return 0, err
		}
		return 0, errors.New("store version missing; run migrations")
	}
	var v int64
	if err := r.Scan(&v); err != nil {
		return 0, err
	}
	return uint64(v), nil
}

func (s *SQLStore) bumpVersion(ctx context.Context) error {
	q := `UPDATE pdp_meta SET value = value + 1 WHERE key = :key`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"key": "version"})
	return err
}

// LoadState reads roles and policies between two version reads and retries
// when a write landed in between.
func (s *SQLStore) LoadState(ctx context.Context) (*pdp.StoreState, error) {
	for attempt := 0; attempt < maxLoadAttempts; attempt++ {
		before, err := s.Version(ctx)
		if err != nil {
			return nil, err
		}
		roles, err := s.ListRoles(ctx)
		if err != nil {
			return nil, err
		}
		policies, err := s.ListPolicies(ctx)
		if err != nil {
			return nil, err
		}
		after, err := s.Version(ctx)
		if err != nil {
			return nil, err
		}
		if before == after {
			return &pdp.StoreState{Version: before, Roles: roles, Policies: policies}, nil
		}
	}
	return nil, fmt.Errorf("store changed during %d consecutive loads", maxLoadAttempts)
}
