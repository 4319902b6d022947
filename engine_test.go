package pdp_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/oarkflow/pdp"
	"github.com/oarkflow/pdp/stores"
)

func newStore(t *testing.T, cfg *pdp.Config) *stores.MemoryStore {
	t.Helper()
	store := stores.NewMemoryStore()
	if err := pdp.ApplyConfig(context.Background(), store, cfg); err != nil {
		t.Fatalf("apply config: %v", err)
	}
	return store
}

func newEngine(t *testing.T, cfg *pdp.Config, opts ...pdp.EngineOption) (*pdp.Engine, *stores.MemoryStore) {
	t.Helper()
	store := newStore(t, cfg)
	engine, err := pdp.NewEngine(store, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine, store
}

func alice() pdp.Principal { return pdp.Principal{ID: "alice"} }

func document(id string) pdp.Resource { return pdp.Resource{Type: "document", ID: id} }

func mustEvaluate(t *testing.T, e *pdp.Engine, p pdp.Principal, res pdp.Resource, a pdp.Action, rc pdp.RequestContext) *pdp.Decision {
	t.Helper()
	d, err := e.EvaluateAccess(context.Background(), p, res, a, rc)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.State != pdp.StateDecided {
		t.Fatalf("decision left in state %s", d.State)
	}
	return d
}

func secretDocsConfig() *pdp.Config {
	return pdp.NewConfigBuilder().
		AddPolicy(
			pdp.NewPolicyBuilder().ID("P1").Priority(10).ResourceTypes("document").Actions(pdp.ActionRead).Build(),
			pdp.NewPolicyBuilder().ID("P2").Priority(5).Effect(pdp.EffectDeny).Patterns("doc/secret/*").Actions(pdp.ActionAny).Build(),
		).
		Build()
}

func TestWildcardPatternCoversTypeOnlyResource(t *testing.T) {
	cfg := pdp.NewConfigBuilder().
		AddPolicy(pdp.NewPolicyBuilder().ID("any-read").Priority(1).Patterns("*").Actions(pdp.ActionRead).Build()).
		Build()
	e, _ := newEngine(t, cfg)
	d := mustEvaluate(t, e, alice(), pdp.Resource{Type: "document"}, pdp.ActionRead, pdp.RequestContext{})
	m, ok := d.Matched()
	if !d.Allowed || !ok || m.PolicyID != "any-read" {
		t.Fatalf("expected allow by any-read, got %s (%s)", d.Decision, d.Reason)
	}
}

func TestDefaultDeny(t *testing.T) {
	e, _ := newEngine(t, pdp.NewConfigBuilder().Build())
	d := mustEvaluate(t, e, alice(), document("d1"), pdp.ActionRead, pdp.RequestContext{})
	if d.Allowed || d.Decision != pdp.EffectDeny {
		t.Fatalf("expected deny, got %+v", d)
	}
	if _, ok := d.Matched(); ok {
		t.Fatalf("default deny must not name a policy")
	}
	if !strings.Contains(d.Reason, "default deny") {
		t.Fatalf("unexpected reason %q", d.Reason)
	}
	if d.EvaluatedAt.IsZero() || d.RequestID == "" {
		t.Fatalf("decision must carry a timestamp and request id")
	}
}

func TestScenarioDenyPatternBeatsTypeAllow(t *testing.T) {
	e, _ := newEngine(t, secretDocsConfig())
	d := mustEvaluate(t, e, alice(), document("doc/secret/1"), pdp.ActionRead, pdp.RequestContext{})
	m, ok := d.Matched()
	if d.Allowed || !ok || m.PolicyID != "P2" {
		t.Fatalf("expected deny by P2, got %s (%s)", d.Decision, d.Reason)
	}
	if len(d.Trace) != 1 {
		t.Fatalf("P1 must not be consulted after P2 matched, trace %+v", d.Trace)
	}
}

func TestScenarioPatternMissFallsThrough(t *testing.T) {
	e, _ := newEngine(t, secretDocsConfig())
	d := mustEvaluate(t, e, alice(), document("doc/public/1"), pdp.ActionRead, pdp.RequestContext{})
	m, _ := d.Matched()
	if !d.Allowed || m.PolicyID != "P1" {
		t.Fatalf("expected allow by P1, got %s (%s)", d.Decision, d.Reason)
	}
	if d.Trace[0].PolicyID != "P2" || d.Trace[0].Stage != pdp.StageResource {
		t.Fatalf("expected P2 to fail at the resource stage, trace %+v", d.Trace)
	}
}

func TestScenarioInheritedRolePermission(t *testing.T) {
	cfg := pdp.NewConfigBuilder().
		AddRole(
			pdp.NewRoleBuilder().ID("Viewer").Inherits("Guest").Build(),
			pdp.NewRoleBuilder().ID("Guest").Permission("report", pdp.ActionRead).Build(),
		).
		AddPolicy(pdp.NewPolicyBuilder().ID("viewers-read-reports").Type(pdp.PolicyRBAC).
			Roles("Viewer").ResourceTypes("report").Actions(pdp.ActionRead).Build()).
		Build()
	e, _ := newEngine(t, cfg)
	p := pdp.Principal{ID: "carol", Roles: []string{"Viewer"}}
	d := mustEvaluate(t, e, p, pdp.Resource{Type: "report", ID: "q3"}, pdp.ActionRead, pdp.RequestContext{})
	if !d.Allowed {
		t.Fatalf("expected allow, got %s (%s)", d.Decision, d.Reason)
	}
	if strings.Join(d.Roles, ",") != "Guest,Viewer" {
		t.Fatalf("expected resolved roles Guest,Viewer, got %v", d.Roles)
	}

	// the rbac policy still needs a role permission for the action
	d = mustEvaluate(t, e, p, pdp.Resource{Type: "report", ID: "q3"}, pdp.ActionWrite, pdp.RequestContext{})
	if d.Allowed {
		t.Fatalf("write must be denied")
	}
}

func TestRBACPolicyRequiresPermission(t *testing.T) {
	cfg := pdp.NewConfigBuilder().
		AddRole(pdp.NewRoleBuilder().ID("viewer").Permission("report", pdp.ActionRead).Build()).
		AddPolicy(pdp.NewPolicyBuilder().ID("viewers").Type(pdp.PolicyHybrid).Roles("viewer").Actions(pdp.ActionAny).Build()).
		Build()
	e, _ := newEngine(t, cfg)
	p := pdp.Principal{ID: "dave", Roles: []string{"viewer"}}
	d := mustEvaluate(t, e, p, document("d1"), pdp.ActionRead, pdp.RequestContext{})
	if d.Allowed || d.Trace[0].Stage != pdp.StagePermission {
		t.Fatalf("expected permission stage failure, got %+v", d.Trace)
	}
}

func TestScenarioMFARequired(t *testing.T) {
	cfg := pdp.NewConfigBuilder().
		AddPolicy(
			pdp.NewPolicyBuilder().ID("mfa-write").Priority(1).RequireMFA().ResourceTypes("document").Actions(pdp.ActionWrite).Build(),
			pdp.NewPolicyBuilder().ID("fallback-deny").Priority(9).Effect(pdp.EffectDeny).Actions(pdp.ActionAny).Build(),
		).
		Build()
	e, _ := newEngine(t, cfg)

	d := mustEvaluate(t, e, alice(), document("d1"), pdp.ActionWrite, pdp.RequestContext{MFAVerified: false})
	m, _ := d.Matched()
	if d.Allowed || m.PolicyID != "fallback-deny" {
		t.Fatalf("expected fall through to fallback-deny, got %s (%s)", d.Decision, d.Reason)
	}
	if d.Trace[0].Stage != pdp.StageContext || d.Trace[0].Detail != "mfa" {
		t.Fatalf("expected mfa context failure, got %+v", d.Trace[0])
	}

	d = mustEvaluate(t, e, alice(), document("d1"), pdp.ActionWrite, pdp.RequestContext{MFAVerified: true})
	if !d.Allowed {
		t.Fatalf("expected allow with mfa, got %s", d.Reason)
	}
}

func TestScenarioBusinessHours(t *testing.T) {
	cfg := pdp.NewConfigBuilder().
		AddPolicy(pdp.NewPolicyBuilder().ID("office-hours").
			Window([]string{"mon", "tue", "wed", "thu", "fri"}, "09:00", "17:00", "America/New_York").
			Actions(pdp.ActionRead).Build()).
		Build()
	e, _ := newEngine(t, cfg)
	ny, _ := time.LoadLocation("America/New_York")

	saturday := pdp.RequestContext{Time: time.Date(2024, 3, 9, 11, 0, 0, 0, ny)}
	if d := mustEvaluate(t, e, alice(), document("d1"), pdp.ActionRead, saturday); d.Allowed {
		t.Fatalf("saturday must be denied")
	}
	wednesday := pdp.RequestContext{Time: time.Date(2024, 3, 6, 11, 0, 0, 0, ny)}
	if d := mustEvaluate(t, e, alice(), document("d1"), pdp.ActionRead, wednesday); !d.Allowed {
		t.Fatalf("wednesday must be allowed")
	}
}

func TestEqualPriorityDenyWins(t *testing.T) {
	cfg := pdp.NewConfigBuilder().
		AddPolicy(
			pdp.NewPolicyBuilder().ID("a-allow").Priority(5).ResourceTypes("document").Actions(pdp.ActionRead).Build(),
			pdp.NewPolicyBuilder().ID("z-deny").Priority(5).Effect(pdp.EffectDeny).ResourceTypes("document").Actions(pdp.ActionRead).Build(),
		).
		Build()
	e, _ := newEngine(t, cfg)
	d := mustEvaluate(t, e, alice(), document("d1"), pdp.ActionRead, pdp.RequestContext{})
	if d.Allowed {
		t.Fatalf("deny must win at equal priority and specificity")
	}
}

func TestConditionOnMissingAttributeDenies(t *testing.T) {
	cfg := pdp.NewConfigBuilder().
		AddPolicy(pdp.NewPolicyBuilder().ID("not-hr").When(pdp.Neq("department", "hr")).Actions(pdp.ActionRead).Build()).
		Build()
	e, _ := newEngine(t, cfg)
	d := mustEvaluate(t, e, alice(), document("d1"), pdp.ActionRead, pdp.RequestContext{})
	if d.Allowed || d.Trace[0].Stage != pdp.StageCondition {
		t.Fatalf("missing attribute must fail the condition, got %+v", d)
	}
	d = mustEvaluate(t, e, alice(), document("d1"), pdp.ActionRead,
		pdp.RequestContext{Attributes: map[string]any{"department": "eng"}})
	if !d.Allowed {
		t.Fatalf("expected allow, got %s", d.Reason)
	}
}

func TestUnknownActionReturnsError(t *testing.T) {
	e, _ := newEngine(t, secretDocsConfig())
	d, err := e.EvaluateAccess(context.Background(), alice(), document("d1"), pdp.Action("fly"), pdp.RequestContext{})
	if !errors.Is(err, pdp.ErrUnknownAction) || d != nil {
		t.Fatalf("expected ErrUnknownAction and no decision, got %v %v", d, err)
	}
}

func TestDisabledPrincipalDenied(t *testing.T) {
	e, _ := newEngine(t, secretDocsConfig())
	p := alice()
	p.Disabled = true
	d := mustEvaluate(t, e, p, document("doc/public/1"), pdp.ActionRead, pdp.RequestContext{})
	if d.Allowed {
		t.Fatalf("disabled principal must be denied")
	}
}

func TestCancelledContextDenies(t *testing.T) {
	e, _ := newEngine(t, secretDocsConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, err := e.EvaluateAccess(ctx, alice(), document("doc/public/1"), pdp.ActionRead, pdp.RequestContext{})
	if !errors.Is(err, pdp.ErrDeadlineExceeded) {
		t.Fatalf("expected ErrDeadlineExceeded, got %v", err)
	}
	if d == nil || d.Allowed || d.State != pdp.StateDecided {
		t.Fatalf("expected a deny decision, got %+v", d)
	}
}

type slowAssignments struct{}

func (slowAssignments) ListAssignments(ctx context.Context, principalID string) ([]*pdp.Assignment, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEvaluationTimeoutDenies(t *testing.T) {
	e, _ := newEngine(t, secretDocsConfig(),
		pdp.WithEvaluationTimeout(20*time.Millisecond),
		pdp.WithAssignmentSource(slowAssignments{}))
	d, err := e.EvaluateAccess(context.Background(), alice(), document("doc/public/1"), pdp.ActionRead, pdp.RequestContext{})
	if !errors.Is(err, pdp.ErrDeadlineExceeded) {
		t.Fatalf("expected ErrDeadlineExceeded, got %v", err)
	}
	if d.Allowed {
		t.Fatalf("timeout must deny")
	}
}

type brokenStore struct{}

func (brokenStore) Version(ctx context.Context) (uint64, error) {
	return 0, errors.New("connection refused")
}

func (brokenStore) LoadState(ctx context.Context) (*pdp.StoreState, error) {
	return nil, errors.New("connection refused")
}

func (brokenStore) ListAssignments(ctx context.Context, principalID string) ([]*pdp.Assignment, error) {
	return nil, nil
}

func TestSnapshotFailureDenies(t *testing.T) {
	e, err := pdp.NewEngine(brokenStore{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	d, err := e.EvaluateAccess(context.Background(), alice(), document("d1"), pdp.ActionRead, pdp.RequestContext{})
	if !errors.Is(err, pdp.ErrSnapshotUnavailable) {
		t.Fatalf("expected ErrSnapshotUnavailable, got %v", err)
	}
	if d.Allowed || !strings.HasPrefix(d.Reason, "evaluation failed") {
		t.Fatalf("expected fail-closed deny, got %+v", d)
	}
}

type brokenAssignments struct{}

func (brokenAssignments) ListAssignments(ctx context.Context, principalID string) ([]*pdp.Assignment, error) {
	return nil, errors.New("redis timeout")
}

func TestAssignmentFailureDenies(t *testing.T) {
	e, _ := newEngine(t, secretDocsConfig(), pdp.WithAssignmentSource(brokenAssignments{}))
	d, err := e.EvaluateAccess(context.Background(), alice(), document("doc/public/1"), pdp.ActionRead, pdp.RequestContext{})
	if !errors.Is(err, pdp.ErrSnapshotUnavailable) || d.Allowed {
		t.Fatalf("expected deny with ErrSnapshotUnavailable, got %v %v", d, err)
	}
}

func chainConfig() *pdp.Config {
	return pdp.NewConfigBuilder().
		AddRole(
			pdp.NewRoleBuilder().ID("r0").Inherits("r1").Build(),
			pdp.NewRoleBuilder().ID("r1").Inherits("r2").Build(),
			pdp.NewRoleBuilder().ID("r2").Inherits("r3").Build(),
			pdp.NewRoleBuilder().ID("r3").Permission("*", pdp.ActionAny).Build(),
		).
		AddPolicy(pdp.NewPolicyBuilder().ID("open").Actions(pdp.ActionRead).Build()).
		Build()
}

func TestTruncatedResolutionNeverAllows(t *testing.T) {
	e, _ := newEngine(t, chainConfig(), pdp.WithMaxRoleGraphSize(2))
	p := pdp.Principal{ID: "eve", Roles: []string{"r0"}}
	d := mustEvaluate(t, e, p, document("d1"), pdp.ActionRead, pdp.RequestContext{})
	if d.Allowed {
		t.Fatalf("truncated resolution must not allow")
	}
	if !strings.Contains(d.Reason, "withheld") || len(d.Warnings) == 0 {
		t.Fatalf("expected withheld allow with warning, got %q %v", d.Reason, d.Warnings)
	}

	if _, err := e.EffectivePermissions(context.Background(), p, time.Time{}); !errors.Is(err, pdp.ErrRoleGraphTooDeep) {
		t.Fatalf("expected ErrRoleGraphTooDeep, got %v", err)
	}
}

func TestEffectivePermissions(t *testing.T) {
	cfg := chainConfig()
	cfg.Assignments = append(cfg.Assignments, pdp.NewAssignmentBuilder("eve", "r2").Build())
	e, _ := newEngine(t, cfg)
	res, err := e.EffectivePermissions(context.Background(), pdp.Principal{ID: "eve"}, time.Time{})
	if err != nil {
		t.Fatalf("effective permissions: %v", err)
	}
	if strings.Join(res.Roles, ",") != "r2,r3" {
		t.Fatalf("unexpected roles %v", res.Roles)
	}
	if !res.Permissions.Allows(&pdp.Resource{Type: "anything", ID: "x"}, pdp.ActionDelete) {
		t.Fatalf("expected inherited wildcard permission")
	}
}

func TestAssignmentFiltering(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cfg := pdp.NewConfigBuilder().
		AddRole(
			pdp.NewRoleBuilder().ID("reader").Permission("document", pdp.ActionRead).Build(),
			pdp.NewRoleBuilder().ID("writer").Permission("document", pdp.ActionWrite).Build(),
			pdp.NewRoleBuilder().ID("deleter").Permission("document", pdp.ActionDelete).Build(),
			pdp.NewRoleBuilder().ID("admin").Permission("document", pdp.ActionAdmin).Build(),
			pdp.NewRoleBuilder().ID("creator").Permission("document", pdp.ActionCreate).Build(),
		).
		AddAssignment(
			pdp.NewAssignmentBuilder("frank", "reader").Build(),
			pdp.NewAssignmentBuilder("frank", "writer").Status(pdp.AssignmentPendingApproval).Build(),
			pdp.NewAssignmentBuilder("frank", "deleter").ExpiresAt(now.Add(-time.Minute)).Build(),
			pdp.NewAssignmentBuilder("frank", "admin").Status(pdp.AssignmentRevoked).Build(),
			pdp.NewAssignmentBuilder("frank", "creator").Scope(pdp.ScopeProject, "apollo").Build(),
		).
		AddPolicy(pdp.NewPolicyBuilder().ID("rbac").Type(pdp.PolicyRBAC).Roles("*").Actions(pdp.ActionAny).Build()).
		Build()
	e, _ := newEngine(t, cfg, pdp.WithClock(pdp.FixedClock(now)))
	frank := pdp.Principal{ID: "frank"}

	want := map[pdp.Action]bool{
		pdp.ActionRead:   true,
		pdp.ActionWrite:  false,
		pdp.ActionDelete: false,
		pdp.ActionAdmin:  false,
		pdp.ActionCreate: false,
	}
	for action, allowed := range want {
		d := mustEvaluate(t, e, frank, document("d1"), action, pdp.RequestContext{})
		if d.Allowed != allowed {
			t.Fatalf("%s: allowed=%v, want %v (%s)", action, d.Allowed, allowed, d.Reason)
		}
	}

	inProject := pdp.Resource{Type: "document", ID: "d2", Attributes: map[string]any{"project": "apollo"}}
	if d := mustEvaluate(t, e, frank, inProject, pdp.ActionCreate, pdp.RequestContext{}); !d.Allowed {
		t.Fatalf("project scoped assignment must apply inside the project: %s", d.Reason)
	}
}

func TestSnapshotIsolationUnderConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemoryStore()
	put := func(effect pdp.Effect) {
		p := pdp.NewPolicyBuilder().ID("toggle").Effect(effect).Actions(pdp.ActionRead).Build()
		if err := store.PutPolicy(ctx, p); err != nil {
			t.Errorf("put policy: %v", err)
		}
	}
	put(pdp.EffectAllow) // version 1
	e, err := pdp.NewEngine(store)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	stop := make(chan struct{})
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		for v := 2; ; v++ {
			select {
			case <-stop:
				return
			default:
			}
			// odd versions allow, even versions deny
			if v%2 == 0 {
				put(pdp.EffectDeny)
			} else {
				put(pdp.EffectAllow)
			}
		}
	}()

	var readers sync.WaitGroup
	for i := 0; i < 8; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for j := 0; j < 200; j++ {
				d, err := e.EvaluateAccess(ctx, alice(), document("d1"), pdp.ActionRead, pdp.RequestContext{})
				if err != nil {
					t.Errorf("evaluate: %v", err)
					return
				}
				if wantAllow := d.SnapshotVersion%2 == 1; d.Allowed != wantAllow {
					t.Errorf("version %d decided %s", d.SnapshotVersion, d.Decision)
					return
				}
			}
		}()
	}
	readers.Wait()
	close(stop)
	writer.Wait()
}

func TestBatchEvaluate(t *testing.T) {
	e, _ := newEngine(t, secretDocsConfig(), pdp.WithBatchConcurrency(2))
	reqs := []pdp.AccessRequest{
		{Principal: alice(), Resource: document("doc/public/1"), Action: pdp.ActionRead},
		{Principal: alice(), Resource: document("doc/secret/1"), Action: pdp.ActionRead},
		{Principal: alice(), Resource: document("doc/public/2"), Action: pdp.ActionWrite},
	}
	ds, err := e.BatchEvaluate(context.Background(), reqs)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	want := []bool{true, false, false}
	for i, d := range ds {
		if d.Allowed != want[i] {
			t.Fatalf("request %d: allowed=%v want %v", i, d.Allowed, want[i])
		}
	}

	reqs = append(reqs, pdp.AccessRequest{Principal: alice(), Resource: document("x"), Action: "fly"})
	if _, err := e.BatchEvaluate(context.Background(), reqs); !errors.Is(err, pdp.ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestSimulateDraftPolicy(t *testing.T) {
	e, store := newEngine(t, secretDocsConfig())
	draft := pdp.NewPolicyBuilder().ID("draft").Effect(pdp.EffectDeny).ResourceTypes("document").Actions(pdp.ActionRead).Build()
	req := pdp.AccessRequest{Principal: alice(), Resource: document("doc/public/1"), Action: pdp.ActionRead}

	d, err := e.Simulate(context.Background(), draft, req)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if m, _ := d.Matched(); d.Allowed || m.PolicyID != "draft" {
		t.Fatalf("expected deny by draft, got %s", d.Reason)
	}
	if _, err := store.GetPolicy(context.Background(), "draft"); !errors.Is(err, pdp.ErrNotFound) {
		t.Fatalf("simulation must not write the draft")
	}
	if d := mustEvaluate(t, e, alice(), document("doc/public/1"), pdp.ActionRead, pdp.RequestContext{}); !d.Allowed {
		t.Fatalf("live decision must be unaffected by the simulation")
	}
}

func TestAuditReplay(t *testing.T) {
	log := stores.NewMemoryDecisionLog()
	emitter := pdp.NewAuditEmitter(log)
	e, store := newEngine(t, secretDocsConfig(), pdp.WithAuditEmitter(emitter))
	ctx := context.Background()

	at := time.Date(2024, 4, 2, 9, 30, 0, 0, time.UTC)
	mustEvaluate(t, e, alice(), document("doc/public/1"), pdp.ActionRead, pdp.RequestContext{Time: at})
	mustEvaluate(t, e, alice(), document("doc/secret/1"), pdp.ActionRead, pdp.RequestContext{Time: at})
	if err := emitter.Close(ctx); err != nil {
		t.Fatalf("close emitter: %v", err)
	}
	if log.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", log.Len())
	}
	if err := log.Verify(ctx); err != nil {
		t.Fatalf("verify: %v", err)
	}

	recs, _ := log.List(ctx, pdp.DecisionFilter{Decision: pdp.EffectAllow})
	if len(recs) != 1 {
		t.Fatalf("expected one allow record, got %d", len(recs))
	}
	if _, same, err := e.Replay(ctx, recs[0]); err != nil || !same {
		t.Fatalf("replay must reproduce the decision: same=%v err=%v", same, err)
	}

	if err := store.DeletePolicy(ctx, "P1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	d, same, err := e.Replay(ctx, recs[0])
	if err != nil || same || d.Allowed {
		t.Fatalf("replay after policy removal must differ: same=%v err=%v", same, err)
	}
}

func TestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := secretDocsConfig()
	cfg.Roles = append(cfg.Roles, pdp.NewRoleBuilder().ID("loop-a").Inherits("loop-b").Build(),
		pdp.NewRoleBuilder().ID("loop-b").Inherits("loop-a").Build())
	e, _ := newEngine(t, cfg, pdp.WithMetrics(reg))

	mustEvaluate(t, e, alice(), document("doc/public/1"), pdp.ActionRead, pdp.RequestContext{})
	mustEvaluate(t, e, alice(), document("doc/secret/1"), pdp.ActionRead, pdp.RequestContext{})
	mustEvaluate(t, e, pdp.Principal{ID: "bob", Roles: []string{"loop-a"}}, document("doc/secret/2"), pdp.ActionRead, pdp.RequestContext{})

	expected := `
# HELP pdp_decisions_total Access decisions by outcome
# TYPE pdp_decisions_total counter
pdp_decisions_total{decision="allow"} 1
pdp_decisions_total{decision="deny"} 2
# HELP pdp_engine_warnings_total Data-integrity and authoring warnings raised during evaluation
# TYPE pdp_engine_warnings_total counter
pdp_engine_warnings_total{kind="role_cycle"} 1
# HELP pdp_snapshot_rebuilds_total Policy snapshot rebuilds
# TYPE pdp_snapshot_rebuilds_total counter
pdp_snapshot_rebuilds_total 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"pdp_decisions_total", "pdp_engine_warnings_total", "pdp_snapshot_rebuilds_total"); err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if n, err := testutil.GatherAndCount(reg, "pdp_evaluation_duration_seconds"); err != nil || n != 1 {
		t.Fatalf("expected duration histogram, got %d series", n)
	}
}

func TestEnginesShareMetricsRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, _ := newEngine(t, secretDocsConfig(), pdp.WithMetrics(reg))
	second, _ := newEngine(t, secretDocsConfig(), pdp.WithMetrics(reg))

	mustEvaluate(t, first, alice(), document("doc/public/1"), pdp.ActionRead, pdp.RequestContext{})
	mustEvaluate(t, second, alice(), document("doc/public/2"), pdp.ActionRead, pdp.RequestContext{})

	expected := `
# HELP pdp_decisions_total Access decisions by outcome
# TYPE pdp_decisions_total counter
pdp_decisions_total{decision="allow"} 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "pdp_decisions_total"); err != nil {
		t.Fatalf("metrics: %v", err)
	}
}

func TestMetricsRegistrationConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pdp",
		Name:      "decisions_total",
		Help:      "Access decisions by outcome",
	}))
	if _, err := pdp.NewEngine(stores.NewMemoryStore(), pdp.WithMetrics(reg)); err == nil {
		t.Fatalf("expected a registration error for a clashing collector")
	}
}

func TestEvaluationSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	e, _ := newEngine(t, secretDocsConfig(), pdp.WithTracer(tp))

	mustEvaluate(t, e, alice(), document("doc/secret/1"), pdp.ActionRead, pdp.RequestContext{})
	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "pdp.EvaluateAccess" {
		t.Fatalf("expected one evaluation span, got %d", len(spans))
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["pdp.decision"] != "deny" || attrs["pdp.policy"] != "P2" || attrs["pdp.resource"] != "document:doc/secret/1" {
		t.Fatalf("unexpected span attributes %v", attrs)
	}
}

func TestRoleCacheFollowsSnapshots(t *testing.T) {
	cfg := pdp.NewConfigBuilder().
		AddRole(pdp.NewRoleBuilder().ID("viewer").Permission("document", pdp.ActionRead).Build()).
		AddPolicy(pdp.NewPolicyBuilder().ID("rbac").Type(pdp.PolicyRBAC).Roles("viewer").Actions(pdp.ActionAny).Build()).
		Build()
	e, store := newEngine(t, cfg, pdp.WithRoleCache(128))
	p := pdp.Principal{ID: "gina", Roles: []string{"viewer"}}

	for i := 0; i < 3; i++ {
		if d := mustEvaluate(t, e, p, document("d1"), pdp.ActionWrite, pdp.RequestContext{}); d.Allowed {
			t.Fatalf("write must be denied before the role changes")
		}
	}
	role := pdp.NewRoleBuilder().ID("viewer").Permission("document", pdp.ActionRead, pdp.ActionWrite).Build()
	if err := store.PutRole(context.Background(), role); err != nil {
		t.Fatalf("put role: %v", err)
	}
	if d := mustEvaluate(t, e, p, document("d1"), pdp.ActionWrite, pdp.RequestContext{}); !d.Allowed {
		t.Fatalf("role change must be visible after the store moved: %s", d.Reason)
	}
}

func TestEvaluateFlatRequest(t *testing.T) {
	e, _ := newEngine(t, secretDocsConfig())
	d, err := e.EvaluateRequest(context.Background(), &pdp.FlatRequest{
		PrincipalID: "alice",
		Action:      "READ",
		Resource:    "document:doc/public/9",
		At:          "2024-04-02T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected allow, got %s", d.Reason)
	}
	if _, err := e.EvaluateRequest(context.Background(), &pdp.FlatRequest{PrincipalID: "alice", Action: "fly"}); !errors.Is(err, pdp.ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}
