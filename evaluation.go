package pdp

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Warning kinds, used as the metrics label.
const (
	warnRoleCycle        = "role_cycle"
	warnUnknownRole      = "unknown_role"
	warnRoleGraphTooDeep = "role_graph_too_deep"
	warnMalformedPattern = "malformed_pattern"
	warnContext          = "context"
)

type finding struct {
	kind string
	msg  string
}

func messages(fs []finding) []string {
	if len(fs) == 0 {
		return nil
	}
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.msg
	}
	return out
}

// firstMatch returns the index of the first item match accepts, or -1.
// An error from match aborts the scan.
func firstMatch[T any](items []T, match func(T) (bool, error)) (int, error) {
	for i, it := range items {
		ok, err := match(it)
		if err != nil {
			return -1, err
		}
		if ok {
			return i, nil
		}
	}
	return -1, nil
}

// evaluation carries the state of one decision. It is not shared between
// goroutines.
type evaluation struct {
	ctx       context.Context
	engine    *Engine
	principal *Principal
	resource  *Resource
	action    Action
	rc        *RequestContext
	at        time.Time

	snap       *Snapshot
	resolution *Resolution
	roleSet    map[string]struct{}
	view       attributeView
	candidates []Candidate

	decision *Decision
	warned   map[string]struct{}
}

func (ev *evaluation) setState(s State) { ev.decision.State = s }

func (ev *evaluation) checkDeadline() error {
	if err := ev.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeadlineExceeded, err)
	}
	return nil
}

func (ev *evaluation) warn(f finding) {
	if _, dup := ev.warned[f.msg]; dup {
		return
	}
	if ev.warned == nil {
		ev.warned = make(map[string]struct{})
	}
	ev.warned[f.msg] = struct{}{}
	ev.decision.Warnings = append(ev.decision.Warnings, f.msg)
	ev.engine.logger.Warn("evaluation warning", "kind", f.kind, "warning", f.msg, "request_id", ev.decision.RequestID)
	if m := ev.engine.metrics; m != nil {
		m.Warnings.WithLabelValues(f.kind).Inc()
	}
}

// run drives the evaluation to StateDecided. fixed, when non-nil, replaces the
// snapshot the engine would acquire.
func (ev *evaluation) run(fixed *Snapshot) error {
	ev.setState(StateStart)
	if err := ev.checkDeadline(); err != nil {
		return ev.fail(err)
	}

	snap := fixed
	if snap == nil {
		s, err := ev.engine.snapshots.Acquire(ev.ctx)
		if err != nil {
			if derr := ev.checkDeadline(); derr != nil {
				return ev.fail(derr)
			}
			return ev.fail(err)
		}
		snap = s
	}
	ev.snap = snap
	ev.decision.SnapshotVersion = snap.Version()

	if ev.principal.Disabled {
		ev.setState(StateDecided)
		ev.deny(fmt.Sprintf("principal %s is disabled", ev.principal.ID))
		return nil
	}

	direct, err := ev.engine.directRoles(ev.ctx, ev.principal, ev.resource, ev.at)
	if err != nil {
		if derr := ev.checkDeadline(); derr != nil {
			return ev.fail(derr)
		}
		return ev.fail(err)
	}
	ev.resolution = ev.engine.resolveRoles(snap, direct)
	for _, f := range ev.resolution.findings() {
		ev.warn(f)
	}
	ev.roleSet = ev.resolution.RoleSet()
	ev.decision.Roles = ev.resolution.Roles
	ev.view = attributeView{principal: ev.principal, roles: ev.resolution.Roles, resource: ev.resource, rc: ev.rc, at: ev.at}
	ev.setState(StateRoleResolved)

	if err := ev.checkDeadline(); err != nil {
		return ev.fail(err)
	}
	ev.candidates = snap.Candidates(subjectKeys(ev.principal, ev.resolution.Roles), ev.resource, ev.at)
	ev.setState(StatePoliciesGathered)

	idx, err := firstMatch(ev.candidates, ev.consider)
	if err != nil {
		return ev.fail(err)
	}
	ev.decide(idx)
	return nil
}

// consider evaluates one candidate and records its trace entry.
func (ev *evaluation) consider(c Candidate) (bool, error) {
	if err := ev.checkDeadline(); err != nil {
		return false, err
	}
	ev.setState(StateEvaluating)
	stage, detail := ev.stageOf(c)
	p := c.Policy.Policy
	ev.decision.Trace = append(ev.decision.Trace, PolicyTrace{
		PolicyID: p.ID,
		Effect:   p.Effect,
		Priority: p.Priority,
		Rank:     c.Rank,
		Stage:    stage,
		Detail:   detail,
		Matched:  stage == StageMatched,
	})
	return stage == StageMatched, nil
}

// stageOf runs the checks in order and returns the first one that failed.
func (ev *evaluation) stageOf(c Candidate) (Stage, string) {
	cp := c.Policy
	p := cp.Policy

	if !cp.subjects.matches(ev.principal, ev.roleSet, ev.view.lookupIn(bagPrincipal)) {
		return StageSubject, ""
	}

	for _, f := range cp.patternFindings() {
		ev.warn(f)
	}
	if c.Rank == rankNoMatch || !cp.resources.matches(ev.resource, ev.view.lookupIn(bagResource)) {
		return StageResource, ""
	}

	if !cp.actions.matches(ev.action) {
		return StageAction, ""
	}

	if p.Effect == EffectAllow && p.Type.requiresPermission() &&
		!ev.resolution.Permissions.Allows(ev.resource, ev.action) {
		return StagePermission, fmt.Sprintf("no role grants %s on %s", ev.action, ev.resource.Ref())
	}

	if ok, failed := conditionsHold(p.Conditions, ev.view.lookupIn(bagContext)); !ok {
		return StageCondition, p.Conditions[failed].String()
	}

	for _, f := range cp.contextFindings() {
		ev.warn(f)
	}
	if cs := cp.context.evaluate(ev.rc, ev.at); cs != contextOK {
		return StageContext, string(cs)
	}
	return StageMatched, ""
}

func (ev *evaluation) decide(idx int) {
	ev.setState(StateDecided)
	if idx < 0 {
		ev.deny("no matching policy (default deny)")
		return
	}
	p := ev.candidates[idx].Policy.Policy
	mp := MatchedPolicy{PolicyID: p.ID, Name: p.DisplayName(), Effect: p.Effect, Priority: p.Priority}
	d := ev.decision
	d.MatchedPolicies = []MatchedPolicy{mp}
	if p.Effect == EffectAllow && ev.resolution.Truncated {
		d.Decision, d.Allowed = EffectDeny, false
		d.Reason = fmt.Sprintf("allow by policy %s withheld: role resolution incomplete", p.ID)
		return
	}
	d.Decision = p.Effect
	d.Allowed = p.Effect == EffectAllow
	d.Reason = fmt.Sprintf("%s by policy %s", p.Effect, p.ID)
}

func (ev *evaluation) deny(reason string) {
	d := ev.decision
	d.Decision, d.Allowed = EffectDeny, false
	d.MatchedPolicies = nil
	d.Reason = reason
}

// fail closes the evaluation with a deny and returns err unchanged.
func (ev *evaluation) fail(err error) error {
	ev.setState(StateDecided)
	ev.deny("evaluation failed: " + err.Error())
	return err
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrDeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, ErrSnapshotUnavailable):
		return "snapshot_unavailable"
	default:
		return "other"
	}
}
