package pdp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/oarkflow/pdp/logger"
)

const tracerName = "github.com/oarkflow/pdp"

// Engine evaluates access requests against versioned snapshots of a store.
// It is safe for concurrent use.
type Engine struct {
	snapshots   *SnapshotCache
	assignments AssignmentSource
	clock       Clock
	logger      logger.Logger
	maxRoles    int
	timeout     time.Duration
	emitter     DecisionEmitter
	metrics     *Metrics
	tracer      trace.Tracer
	roleCache   *RoleCache
	batchLimit  int
	requestID   logger.RequestIDFunc
}

// EngineOption configures an Engine.
type EngineOption func(*Engine) error

// NewEngine creates an engine reading roles, policies and assignments from
// store. No snapshot is built until the first evaluation.
func NewEngine(store Store, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("pdp: nil store")
	}
	e := &Engine{
		assignments: store,
		clock:       SystemClock,
		logger:      logger.Default(),
		maxRoles:    DefaultMaxRoleGraphSize,
		tracer:      otel.Tracer(tracerName),
		batchLimit:  16,
		requestID:   uuid.NewString,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			if e.roleCache != nil {
				e.roleCache.Close()
			}
			return nil, err
		}
	}
	e.snapshots = NewSnapshotCache(store, e.onSnapshot)
	return e, nil
}

func (e *Engine) onSnapshot(s *Snapshot) {
	e.logger.Info("policy snapshot built",
		"version", s.Version(),
		"policies", s.PolicyCount(),
		"roles", s.Graph().Len(),
		"fingerprint", s.Fingerprint(),
	)
	for _, w := range s.Warnings() {
		e.logger.Warn("policy compile warning", "version", s.Version(), "warning", w)
	}
	if e.metrics != nil {
		e.metrics.SnapshotRebuilds.Inc()
	}
}

// AccessRequest bundles the inputs of one evaluation.
type AccessRequest struct {
	Principal Principal      `json:"principal"`
	Resource  Resource       `json:"resource"`
	Action    Action         `json:"action"`
	Context   RequestContext `json:"context"`
}

// EvaluateAccess decides whether principal may perform action on resource.
//
// An unknown action returns a nil decision and ErrUnknownAction. Every other
// outcome returns a decision; when err is non-nil (ErrSnapshotUnavailable,
// ErrDeadlineExceeded) the decision is a deny.
func (e *Engine) EvaluateAccess(ctx context.Context, principal Principal, resource Resource, action Action, rc RequestContext) (*Decision, error) {
	return e.evaluate(ctx, &principal, &resource, action, &rc, nil, true)
}

// Evaluate is EvaluateAccess over an AccessRequest.
func (e *Engine) Evaluate(ctx context.Context, req AccessRequest) (*Decision, error) {
	return e.EvaluateAccess(ctx, req.Principal, req.Resource, req.Action, req.Context)
}

func (e *Engine) evaluate(ctx context.Context, p *Principal, res *Resource, action Action, rc *RequestContext, fixed *Snapshot, emit bool) (*Decision, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	start := time.Now()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	ctx, span := e.tracer.Start(ctx, "pdp.EvaluateAccess", trace.WithAttributes(
		attribute.String("pdp.principal", p.ID),
		attribute.String("pdp.resource", res.Ref()),
		attribute.String("pdp.action", string(action)),
	))
	defer span.End()

	now := e.clock.Now()
	if rc.Time.IsZero() {
		rc.Time = now
	}
	ev := &evaluation{
		ctx:       ctx,
		engine:    e,
		principal: p,
		resource:  res,
		action:    action,
		rc:        rc,
		at:        rc.Time,
		decision: &Decision{
			RequestID:   e.requestID(),
			Decision:    EffectDeny,
			EvaluatedAt: now,
		},
	}
	err := ev.run(fixed)
	d := ev.decision
	d.Duration = time.Since(start)

	span.SetAttributes(
		attribute.String("pdp.decision", string(d.Decision)),
		attribute.Int64("pdp.snapshot_version", int64(d.SnapshotVersion)),
		attribute.Int("pdp.candidates", len(d.Trace)),
	)
	if mp, ok := d.Matched(); ok {
		span.SetAttributes(attribute.String("pdp.policy", mp.PolicyID))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, failureKind(err))
		e.logger.Error("evaluation failed closed", "request_id", d.RequestID, "principal", p.ID, "err", err)
	}
	e.logger.Debug("access decision",
		"request_id", d.RequestID,
		"principal", p.ID,
		"resource", res.Ref(),
		"action", string(action),
		"decision", string(d.Decision),
		"reason", d.Reason,
		"duration", d.Duration,
	)
	if emit {
		e.record(p, res, action, rc, d, err)
	}
	return d, err
}

func (e *Engine) record(p *Principal, res *Resource, action Action, rc *RequestContext, d *Decision, err error) {
	if m := e.metrics; m != nil {
		m.Decisions.WithLabelValues(string(d.Decision)).Inc()
		m.Duration.Observe(d.Duration.Seconds())
		if err != nil {
			m.Failures.WithLabelValues(failureKind(err)).Inc()
		}
	}
	if e.emitter == nil {
		return
	}
	if !e.emitter.Emit(NewDecisionRecord(p, res, action, rc, d)) && e.metrics != nil {
		e.metrics.AuditDropped.Inc()
	}
}

// directRoles unions the principal's roles with its effective assignments.
func (e *Engine) directRoles(ctx context.Context, p *Principal, res *Resource, at time.Time) ([]string, error) {
	roles := append([]string(nil), p.Roles...)
	if e.assignments == nil || p.ID == "" {
		return roles, nil
	}
	as, err := e.assignments.ListAssignments(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: assignments: %v", ErrSnapshotUnavailable, err)
	}
	for _, a := range as {
		if a == nil || a.PrincipalID != p.ID {
			continue
		}
		if a.Effective(at, *res) {
			roles = append(roles, a.RoleID)
		}
	}
	return roles, nil
}

func (e *Engine) resolveRoles(snap *Snapshot, direct []string) *Resolution {
	direct = sortedUnique(direct)
	var (
		key uint64
		id  string
	)
	if e.roleCache != nil {
		key, id = resolutionKey(snap.seq, e.maxRoles, direct)
		if cr, ok := e.roleCache.get(key, id); ok {
			return cr.res
		}
	}
	res, err := snap.Graph().Resolve(direct, e.maxRoles)
	if e.roleCache != nil {
		e.roleCache.set(key, id, res, err)
	}
	return res
}

// BatchEvaluate evaluates requests concurrently and returns decisions in
// request order. Only an unknown action fails the batch; other failures are
// reported as deny decisions.
func (e *Engine) BatchEvaluate(ctx context.Context, reqs []AccessRequest) ([]*Decision, error) {
	for i, r := range reqs {
		if !r.Action.Valid() {
			return nil, fmt.Errorf("request %d: %w: %q", i, ErrUnknownAction, r.Action)
		}
	}
	out := make([]*Decision, len(reqs))
	var g errgroup.Group
	g.SetLimit(e.batchLimit)
	for i := range reqs {
		g.Go(func() error {
			d, err := e.Evaluate(ctx, reqs[i])
			if d == nil {
				return err
			}
			out[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EffectivePermissions resolves the roles and permissions of principal at
// the given instant. Only globally scoped assignments apply since no
// resource is known.
func (e *Engine) EffectivePermissions(ctx context.Context, principal Principal, at time.Time) (*Resolution, error) {
	snap, err := e.snapshots.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = e.clock.Now()
	}
	direct, err := e.directRoles(ctx, &principal, &Resource{}, at)
	if err != nil {
		return nil, err
	}
	res := e.resolveRoles(snap, direct)
	if res.Truncated {
		return res, fmt.Errorf("%w: more than %d roles reachable", ErrRoleGraphTooDeep, res.Limit)
	}
	return res, nil
}

// Simulate evaluates req as if draft were the only policy. Roles and
// assignments come from the current store state; nothing is written or
// audited.
func (e *Engine) Simulate(ctx context.Context, draft *Policy, req AccessRequest) (*Decision, error) {
	if draft == nil {
		return nil, errors.New("pdp: nil draft policy")
	}
	cur, err := e.snapshots.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	sim := cur.withPolicies([]*Policy{draft})
	return e.evaluate(ctx, &req.Principal, &req.Resource, req.Action, &req.Context, sim, false)
}

// Replay re-evaluates rec at its recorded context time against the current
// snapshot and reports whether the outcome and deciding policy are
// unchanged.
func (e *Engine) Replay(ctx context.Context, rec *DecisionRecord) (*Decision, bool, error) {
	if rec == nil {
		return nil, false, errors.New("pdp: nil decision record")
	}
	rc := rec.Context
	if rc.Time.IsZero() {
		rc.Time = rec.EvaluatedAt
	}
	p, res := rec.Principal, rec.Resource
	d, err := e.evaluate(ctx, &p, &res, rec.Action, &rc, nil, false)
	if err != nil {
		return d, false, err
	}
	same := d.Decision == rec.Decision && samePolicy(d.MatchedPolicies, rec.MatchedPolicies)
	return d, same, nil
}

func samePolicy(a, b []MatchedPolicy) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].PolicyID != b[i].PolicyID {
			return false
		}
	}
	return true
}

// Snapshot returns the current snapshot, rebuilding it if the store moved.
func (e *Engine) Snapshot(ctx context.Context) (*Snapshot, error) {
	return e.snapshots.Acquire(ctx)
}

// Invalidate forces the next evaluation to rebuild the snapshot.
func (e *Engine) Invalidate() {
	e.snapshots.Invalidate()
}

// Close releases the role cache, if any. The audit emitter is owned by the
// caller.
func (e *Engine) Close() {
	if e.roleCache != nil {
		e.roleCache.Close()
	}
}
