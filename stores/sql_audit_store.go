package stores

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oarkflow/pdp"
	"github.com/oarkflow/squealx"
)

// SQLDecisionLog persists decision records in SQL as a hash chain. Appends
// are serialized per instance; one process should own the log.
type SQLDecisionLog struct {
	db   *squealx.DB
	mu   sync.Mutex
	head string
	init bool
}

func NewSQLDecisionLog(db *squealx.DB) *SQLDecisionLog {
	return &SQLDecisionLog{db: db}
}

func (s *SQLDecisionLog) lastHash(ctx context.Context) (string, error) {
	q := `SELECT hash FROM decision_log ORDER BY seq DESC LIMIT 1`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return "", err
	}
	defer r.Close()
	if !r.Next() {
		return "", r.Err()
	}
	var h string
	if err := r.Scan(&h); err != nil {
		return "", err
	}
	return h, nil
}

// Append seals a copy of rec after the current head and inserts it.
func (s *SQLDecisionLog) Append(ctx context.Context, rec *pdp.DecisionRecord) error {
	if rec == nil {
		return errors.New("nil decision record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.init {
		h, err := s.lastHash(ctx)
		if err != nil {
			return err
		}
		s.head, s.init = h, true
	}
	dup := *rec
	dup.Seal(s.head)
	body, err := encodeBody(&dup)
	if err != nil {
		return err
	}
	q := `INSERT INTO decision_log(id, principal_id, decision, evaluated_at, body, prev_hash, hash)
VALUES(:id, :principal_id, :decision, :evaluated_at, :body, :prev_hash, :hash)`
	if _, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":           dup.ID,
		"principal_id": dup.Principal.ID,
		"decision":     string(dup.Decision),
		"evaluated_at": formatTime(dup.EvaluatedAt),
		"body":         body,
		"prev_hash":    dup.PrevHash,
		"hash":         dup.Hash,
	}); err != nil {
		return err
	}
	s.head = dup.Hash
	return nil
}

// List returns matching records in append order.
func (s *SQLDecisionLog) List(ctx context.Context, filter pdp.DecisionFilter) ([]*pdp.DecisionRecord, error) {
	q := `SELECT body FROM decision_log WHERE 1=1`
	params := map[string]any{}
	if filter.PrincipalID != "" {
		q += " AND principal_id = :principal_id"
		params["principal_id"] = filter.PrincipalID
	}
	if filter.Decision != "" {
		q += " AND decision = :decision"
		params["decision"] = string(filter.Decision)
	}
	if !filter.From.IsZero() {
		q += " AND evaluated_at >= :from"
		params["from"] = formatTime(filter.From)
	}
	if !filter.To.IsZero() {
		q += " AND evaluated_at < :to"
		params["to"] = formatTime(filter.To)
	}
	q += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	}
	return s.query(ctx, q, params)
}

func (s *SQLDecisionLog) query(ctx context.Context, q string, params map[string]any) ([]*pdp.DecisionRecord, error) {
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*pdp.DecisionRecord, 0)
	for r.Next() {
		var body string
		if err := r.Scan(&body); err != nil {
			return nil, err
		}
		rec, err := decodeBody[pdp.DecisionRecord](body)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("scan decision log: %w", err)
	}
	return out, nil
}

// Verify reloads the whole chain and checks every digest and link.
func (s *SQLDecisionLog) Verify(ctx context.Context) error {
	recs, err := s.query(ctx, `SELECT body FROM decision_log ORDER BY seq ASC`, map[string]any{})
	if err != nil {
		return err
	}
	return pdp.VerifyChain(recs)
}
