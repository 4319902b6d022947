package pdp

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

// CompiledPolicy is a policy with its matchers prepared for evaluation. It is
// immutable once part of a snapshot.
type CompiledPolicy struct {
	Policy    *Policy
	Checksum  string
	subjects  subjectMatcher
	resources resourceMatcher
	actions   actionMatcher
	context   compiledContext
}

// CompilePolicy prepares p for evaluation. The policy is cloned so later
// mutations by the caller cannot leak into a snapshot.
func CompilePolicy(p *Policy) *CompiledPolicy {
	cp := p.Clone()
	return &CompiledPolicy{
		Policy:    cp,
		Checksum:  cp.Checksum(),
		subjects:  compileSubjectMatcher(cp.Subjects),
		resources: compileResourceMatcher(cp.Resources),
		actions:   compileActionMatcher(cp.Actions),
		context:   compileContext(cp.Context),
	}
}

// Warnings lists authoring problems found while compiling.
func (cp *CompiledPolicy) Warnings() []string {
	return messages(append(cp.patternFindings(), cp.contextFindings()...))
}

func (cp *CompiledPolicy) patternFindings() []finding {
	out := make([]finding, 0, len(cp.resources.malformed))
	for _, raw := range cp.resources.malformed {
		out = append(out, finding{warnMalformedPattern, fmt.Sprintf("policy %s: %v: %q", cp.Policy.ID, ErrMalformedPattern, raw)})
	}
	return out
}

func (cp *CompiledPolicy) contextFindings() []finding {
	out := make([]finding, 0, len(cp.context.warnings))
	for _, w := range cp.context.warnings {
		out = append(out, finding{warnContext, fmt.Sprintf("policy %s: %s", cp.Policy.ID, w)})
	}
	return out
}

// Candidate is a policy paired with the specificity rank its resource
// selector achieved for the current request.
type Candidate struct {
	Policy *CompiledPolicy
	Rank   int
}

// Snapshot is an immutable, versioned view of roles and policies. A decision
// reads exactly one snapshot.
type Snapshot struct {
	seq         uint64
	version     uint64
	fingerprint uint64
	builtAt     time.Time
	graph       *RoleGraph
	policies    []*CompiledPolicy
	index       map[string][]*CompiledPolicy
	warnings    []string
}

var snapshotSeq atomic.Uint64

// BuildSnapshot compiles a store state into a snapshot.
func BuildSnapshot(state *StoreState) *Snapshot {
	return newSnapshot(state.Version, NewRoleGraph(state.Roles), state.Policies)
}

func newSnapshot(version uint64, graph *RoleGraph, policies []*Policy) *Snapshot {
	s := &Snapshot{
		seq:     snapshotSeq.Add(1),
		version: version,
		builtAt: time.Now(),
		graph:   graph,
		index:   make(map[string][]*CompiledPolicy),
	}
	for _, p := range policies {
		if p == nil {
			continue
		}
		s.policies = append(s.policies, CompilePolicy(p))
	}
	sort.Slice(s.policies, func(i, j int) bool { return s.policies[i].Policy.ID < s.policies[j].Policy.ID })

	h := xxhash.New()
	for _, cp := range s.policies {
		_, _ = h.WriteString(cp.Policy.ID)
		_, _ = h.WriteString(cp.Checksum)
		for _, key := range cp.subjects.indexKeys() {
			s.index[key] = append(s.index[key], cp)
		}
		s.warnings = append(s.warnings, cp.Warnings()...)
	}
	s.fingerprint = h.Sum64()
	return s
}

// withPolicies returns a snapshot sharing the role graph of s but holding
// only the given policies.
func (s *Snapshot) withPolicies(policies []*Policy) *Snapshot {
	return newSnapshot(s.version, s.graph, policies)
}

func (s *Snapshot) Version() uint64     { return s.version }
func (s *Snapshot) Fingerprint() uint64 { return s.fingerprint }
func (s *Snapshot) BuiltAt() time.Time  { return s.builtAt }
func (s *Snapshot) Graph() *RoleGraph   { return s.graph }
func (s *Snapshot) Warnings() []string  { return append([]string(nil), s.warnings...) }
func (s *Snapshot) PolicyCount() int    { return len(s.policies) }

// Policies returns copies of the snapshot's policies ordered by ID.
func (s *Snapshot) Policies() []*Policy {
	out := make([]*Policy, len(s.policies))
	for i, cp := range s.policies {
		out[i] = cp.Policy.Clone()
	}
	return out
}

// subjectKeys lists the index buckets a principal can hit.
func subjectKeys(p *Principal, roles []string) []string {
	keys := make([]string, 0, 2+len(roles)+len(p.Groups))
	keys = append(keys, anyKey)
	if p.ID != "" {
		keys = append(keys, userKey(p.ID))
	}
	for _, r := range roles {
		keys = append(keys, roleKey(r))
	}
	for _, g := range p.Groups {
		keys = append(keys, groupKey(g))
	}
	return keys
}

// Candidates returns the policies in effect at `at` whose subject index
// intersects keys, in evaluation order:
//
//  1. priority ascending
//  2. specificity descending (identifier, type, pattern, unrestricted)
//  3. deny before allow
//  4. policy ID ascending
//
// The order is total, so it does not depend on how the store listed policies.
func (s *Snapshot) Candidates(keys []string, res *Resource, at time.Time) []Candidate {
	seen := make(map[*CompiledPolicy]struct{})
	var out []Candidate
	for _, key := range keys {
		for _, cp := range s.index[key] {
			if _, dup := seen[cp]; dup {
				continue
			}
			seen[cp] = struct{}{}
			if !cp.Policy.InEffect(at) {
				continue
			}
			out = append(out, Candidate{Policy: cp, Rank: cp.resources.rank(res)})
		}
	}
	sortCandidates(out)
	return out
}

func sortCandidates(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool { return candidateLess(cs[i], cs[j]) })
}

func candidateLess(a, b Candidate) bool {
	pa, pb := a.Policy.Policy, b.Policy.Policy
	if pa.Priority != pb.Priority {
		return pa.Priority < pb.Priority
	}
	if a.Rank != b.Rank {
		return a.Rank > b.Rank
	}
	if pa.Effect != pb.Effect {
		return pa.Effect == EffectDeny
	}
	return pa.ID < pb.ID
}

// SnapshotCache keeps the current snapshot behind an atomic pointer and
// rebuilds it when the source version moves or after Invalidate. Readers
// never block on writers; only rebuilds are serialized.
type SnapshotCache struct {
	source  PolicySource
	current atomic.Pointer[Snapshot]
	stale   atomic.Bool
	group   singleflight.Group
	onBuild func(*Snapshot)
}

// NewSnapshotCache creates a cache over source. onBuild, when non-nil, is
// called after each rebuild.
func NewSnapshotCache(source PolicySource, onBuild func(*Snapshot)) *SnapshotCache {
	return &SnapshotCache{source: source, onBuild: onBuild}
}

// Current returns the last built snapshot without consulting the source.
func (c *SnapshotCache) Current() *Snapshot { return c.current.Load() }

// Invalidate forces the next Acquire to rebuild.
func (c *SnapshotCache) Invalidate() { c.stale.Store(true) }

// Acquire returns a snapshot at least as new as the source version observed
// at call time. Any source failure is reported as ErrSnapshotUnavailable.
func (c *SnapshotCache) Acquire(ctx context.Context) (*Snapshot, error) {
	v, err := c.source.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: version: %v", ErrSnapshotUnavailable, err)
	}
	if cur := c.current.Load(); cur != nil && cur.version >= v && !c.stale.Load() {
		return cur, nil
	}
	res, err, _ := c.group.Do(strconv.FormatUint(v, 10), func() (any, error) {
		c.stale.Store(false)
		state, err := c.source.LoadState(ctx)
		if err != nil {
			c.stale.Store(true)
			return nil, err
		}
		snap := BuildSnapshot(state)
		c.publish(snap)
		if c.onBuild != nil {
			c.onBuild(snap)
		}
		return snap, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: load: %v", ErrSnapshotUnavailable, err)
	}
	return res.(*Snapshot), nil
}

// publish swaps in snap unless a newer snapshot is already installed.
func (c *SnapshotCache) publish(snap *Snapshot) {
	for {
		old := c.current.Load()
		if old != nil && old.version > snap.version {
			return
		}
		if c.current.CompareAndSwap(old, snap) {
			return
		}
	}
}
