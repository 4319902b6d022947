package pdp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/pdp/logger"
)

// EvaluatedPolicy is one entry of the ordered evaluation trace kept in a
// decision record.
type EvaluatedPolicy struct {
	PolicyID string `json:"policy_id"`
	Effect   Effect `json:"effect"`
	Priority int    `json:"priority"`
	Stage    Stage  `json:"stage"`
}

// DecisionRecord is the immutable audit form of a decision. Digest covers
// every field except Digest, PrevHash and Hash; PrevHash and Hash are set by
// the hash-chained log when the record is appended.
type DecisionRecord struct {
	ID              string            `json:"id"`
	RequestID       string            `json:"request_id"`
	Principal       Principal         `json:"principal"`
	Resource        Resource          `json:"resource"`
	Action          Action            `json:"action"`
	Context         RequestContext    `json:"context"`
	Decision        Effect            `json:"decision"`
	MatchedPolicies []MatchedPolicy   `json:"matched_policies"`
	Evaluated       []EvaluatedPolicy `json:"evaluated"`
	Reason          string            `json:"reason"`
	Warnings        []string          `json:"warnings,omitempty"`
	SnapshotVersion uint64            `json:"snapshot_version"`
	EvaluatedAt     time.Time         `json:"evaluated_at"`
	Digest          string            `json:"digest"`
	PrevHash        string            `json:"prev_hash,omitempty"`
	Hash            string            `json:"hash,omitempty"`
}

// NewDecisionRecord packages a decision. Times are normalized to UTC so the
// digest survives storage round trips.
func NewDecisionRecord(p *Principal, res *Resource, action Action, rc *RequestContext, d *Decision) *DecisionRecord {
	rec := &DecisionRecord{
		ID:              uuid.NewString(),
		RequestID:       d.RequestID,
		Action:          action,
		Decision:        d.Decision,
		MatchedPolicies: append([]MatchedPolicy(nil), d.MatchedPolicies...),
		Reason:          d.Reason,
		Warnings:        append([]string(nil), d.Warnings...),
		SnapshotVersion: d.SnapshotVersion,
		EvaluatedAt:     d.EvaluatedAt.UTC(),
	}
	if p != nil {
		rec.Principal = *p
	}
	if res != nil {
		rec.Resource = *res
	}
	if rc != nil {
		rec.Context = *rc
		rec.Context.Time = rc.Time.UTC()
	}
	rec.Evaluated = make([]EvaluatedPolicy, len(d.Trace))
	for i, t := range d.Trace {
		rec.Evaluated[i] = EvaluatedPolicy{PolicyID: t.PolicyID, Effect: t.Effect, Priority: t.Priority, Stage: t.Stage}
	}
	rec.Digest = rec.ComputeDigest()
	return rec
}

// ComputeDigest hashes the canonical JSON of the record content.
func (r *DecisionRecord) ComputeDigest() string {
	dup := *r
	dup.Digest, dup.PrevHash, dup.Hash = "", "", ""
	data, _ := json.Marshal(&dup)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Seal links the record after prev in a hash chain.
func (r *DecisionRecord) Seal(prev string) {
	r.PrevHash = prev
	r.Hash = ChainHash(prev, r.Digest)
}

// ChainHash is the link hash of a record whose digest follows prev.
func ChainHash(prev, digest string) string {
	sum := sha256.Sum256([]byte(prev + "|" + digest))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks digests and links of records in append order.
func VerifyChain(records []*DecisionRecord) error {
	prev := ""
	for i, r := range records {
		if got := r.ComputeDigest(); got != r.Digest {
			return fmt.Errorf("record %d (%s): digest mismatch", i, r.ID)
		}
		if r.PrevHash != prev {
			return fmt.Errorf("record %d (%s): broken link", i, r.ID)
		}
		if r.Hash != ChainHash(prev, r.Digest) {
			return fmt.Errorf("record %d (%s): hash mismatch", i, r.ID)
		}
		prev = r.Hash
	}
	return nil
}

// DecisionSink persists decision records append-only.
type DecisionSink interface {
	Append(ctx context.Context, rec *DecisionRecord) error
}

// DecisionFilter selects records from a decision log. Zero fields match
// everything.
type DecisionFilter struct {
	PrincipalID string
	Decision    Effect
	From        time.Time
	To          time.Time
	Limit       int
}

// Match reports whether rec passes the filter, ignoring Limit.
func (f DecisionFilter) Match(rec *DecisionRecord) bool {
	if f.PrincipalID != "" && rec.Principal.ID != f.PrincipalID {
		return false
	}
	if f.Decision != "" && rec.Decision != f.Decision {
		return false
	}
	if !f.From.IsZero() && rec.EvaluatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !rec.EvaluatedAt.Before(f.To) {
		return false
	}
	return true
}

// DecisionEmitter receives records from the engine. Emit must not block the
// decision path; it reports false when the record was dropped.
type DecisionEmitter interface {
	Emit(rec *DecisionRecord) bool
}

// AuditEmitter forwards records to a sink from a single background worker,
// preserving emission order.
type AuditEmitter struct {
	sink        DecisionSink
	ch          chan *DecisionRecord
	logger      logger.Logger
	sendTimeout time.Duration
	dropped     atomic.Uint64
	failed      atomic.Uint64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// AuditOption configures an AuditEmitter.
type AuditOption func(*AuditEmitter)

// WithAuditBuffer sets the channel capacity.
func WithAuditBuffer(n int) AuditOption {
	return func(a *AuditEmitter) {
		if n > 0 {
			a.ch = make(chan *DecisionRecord, n)
		}
	}
}

// WithAuditSendTimeout lets Emit wait up to d for buffer space before
// dropping. Zero drops immediately when the buffer is full.
func WithAuditSendTimeout(d time.Duration) AuditOption {
	return func(a *AuditEmitter) { a.sendTimeout = d }
}

// WithAuditLogger sets the emitter logger.
func WithAuditLogger(l logger.Logger) AuditOption {
	return func(a *AuditEmitter) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAuditEmitter starts the worker. Close must be called to stop it.
func NewAuditEmitter(sink DecisionSink, opts ...AuditOption) *AuditEmitter {
	a := &AuditEmitter{
		sink:   sink,
		ch:     make(chan *DecisionRecord, 1024),
		logger: logger.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.wg.Add(1)
	go a.worker()
	return a
}

func (a *AuditEmitter) worker() {
	defer a.wg.Done()
	bg := context.Background()
	for rec := range a.ch {
		if err := a.sink.Append(bg, rec); err != nil {
			a.failed.Add(1)
			a.logger.Error("decision record append failed", "record", rec.ID, "err", err)
		}
	}
}

// Emit queues rec. It never blocks longer than the configured send timeout.
func (a *AuditEmitter) Emit(rec *DecisionRecord) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.drop(rec, "emitter closed")
		return false
	}
	select {
	case a.ch <- rec:
		return true
	default:
	}
	if a.sendTimeout <= 0 {
		a.drop(rec, "buffer full")
		return false
	}
	timer := time.NewTimer(a.sendTimeout)
	defer timer.Stop()
	select {
	case a.ch <- rec:
		return true
	case <-timer.C:
		a.drop(rec, "buffer full")
		return false
	}
}

func (a *AuditEmitter) drop(rec *DecisionRecord, reason string) {
	n := a.dropped.Add(1)
	a.logger.Warn("decision record dropped", "record", rec.ID, "reason", reason, "total_drops", n)
}

// Dropped returns how many records were never queued.
func (a *AuditEmitter) Dropped() uint64 { return a.dropped.Load() }

// Failed returns how many records the sink rejected.
func (a *AuditEmitter) Failed() uint64 { return a.failed.Load() }

// Close stops accepting records and waits for the queue to drain or ctx to
// end.
func (a *AuditEmitter) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
