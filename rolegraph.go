package pdp

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/oarkflow/pdp/utils"
)

// DefaultMaxRoleGraphSize bounds how many roles one resolution may visit.
const DefaultMaxRoleGraphSize = 1024

// grant is one (selector, action) pair of a flattened permission.
type grant struct {
	key          string
	resourceType string
	resourceID   string
	pattern      *regexp.Regexp
	badPattern   bool
	action       Action
}

func (g *grant) allows(res *Resource, a Action) bool {
	if g.action != ActionAny && g.action != a {
		return false
	}
	if g.resourceType != "" && g.resourceType != res.Type {
		return false
	}
	if g.resourceID != "" && g.resourceID != res.ID {
		return false
	}
	if g.badPattern {
		return false
	}
	if g.pattern != nil && !utils.MatchAny(g.pattern, res.Path, res.ID) {
		return false
	}
	return true
}

func flattenPermission(p Permission) []grant {
	var re *regexp.Regexp
	bad := false
	if p.Pattern != "" {
		var err error
		if re, err = utils.CompilePattern(p.Pattern); err != nil {
			bad = true
		}
	}
	out := make([]grant, 0, len(p.Actions))
	for _, a := range p.Actions {
		single := Permission{ResourceType: p.ResourceType, ResourceID: p.ResourceID, Pattern: p.Pattern, Actions: []Action{a}}
		out = append(out, grant{
			key:          single.String(),
			resourceType: p.ResourceType,
			resourceID:   p.ResourceID,
			pattern:      re,
			badPattern:   bad,
			action:       a,
		})
	}
	return out
}

// PermissionSet is a deduplicated, sorted set of grants.
type PermissionSet struct {
	grants []grant
}

func newPermissionSet(gs []grant) PermissionSet {
	seen := make(map[string]struct{}, len(gs))
	out := make([]grant, 0, len(gs))
	for _, g := range gs {
		if _, dup := seen[g.key]; dup {
			continue
		}
		seen[g.key] = struct{}{}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return PermissionSet{grants: out}
}

// Allows reports whether any grant covers action a on res.
func (ps PermissionSet) Allows(res *Resource, a Action) bool {
	for i := range ps.grants {
		if ps.grants[i].allows(res, a) {
			return true
		}
	}
	return false
}

func (ps PermissionSet) Len() int { return len(ps.grants) }

// Strings renders the set as "action:target" entries in sorted order.
func (ps PermissionSet) Strings() []string {
	out := make([]string, len(ps.grants))
	for i, g := range ps.grants {
		out[i] = g.key
	}
	return out
}

type roleNode struct {
	id      string
	parents []string
	grants  []grant
}

// RoleGraph is an adjacency map over role inheritance edges.
type RoleGraph struct {
	nodes map[string]*roleNode
}

// NewRoleGraph builds the graph. Later duplicates of a role ID replace
// earlier ones.
func NewRoleGraph(roles []*Role) *RoleGraph {
	g := &RoleGraph{nodes: make(map[string]*roleNode, len(roles))}
	for _, r := range roles {
		if r == nil || r.ID == "" {
			continue
		}
		n := &roleNode{id: r.ID, parents: append([]string(nil), r.InheritsFrom...)}
		for _, p := range r.Permissions {
			n.grants = append(n.grants, flattenPermission(p)...)
		}
		g.nodes[r.ID] = n
	}
	return g
}

// Len returns the number of roles in the graph.
func (g *RoleGraph) Len() int { return len(g.nodes) }

// Has reports whether id is a defined role.
func (g *RoleGraph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Depth returns the number of edges on the longest inheritance chain starting
// at id. Edges closing a cycle are not followed.
func (g *RoleGraph) Depth(id string) int {
	memo := make(map[string]int)
	onPath := make(map[string]bool)
	var walk func(string) int
	walk = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		n, ok := g.nodes[id]
		if !ok {
			return 0
		}
		onPath[id] = true
		best := 0
		for _, p := range n.parents {
			if onPath[p] {
				continue
			}
			if _, known := g.nodes[p]; !known {
				best = max(best, 1)
				continue
			}
			best = max(best, walk(p)+1)
		}
		onPath[id] = false
		memo[id] = best
		return best
	}
	return walk(id)
}

// Resolution is the flattened result of resolving a set of direct roles.
// It is shared between decisions and must not be modified.
type Resolution struct {
	Roles       []string      `json:"roles"`
	Permissions PermissionSet `json:"-"`
	Cycles      []string      `json:"cycles,omitempty"`  // back edges, "child -> parent"
	Unknown     []string      `json:"unknown,omitempty"` // referenced but undefined roles
	Truncated   bool          `json:"truncated,omitempty"`
	Limit       int           `json:"limit,omitempty"`
}

// Warnings renders the data-integrity findings of the resolution.
func (r *Resolution) Warnings() []string { return messages(r.findings()) }

func (r *Resolution) findings() []finding {
	var out []finding
	if r.Truncated {
		out = append(out, finding{warnRoleGraphTooDeep, fmt.Sprintf("%v: more than %d roles reachable", ErrRoleGraphTooDeep, r.Limit)})
	}
	for _, c := range r.Cycles {
		out = append(out, finding{warnRoleCycle, "role inheritance cycle: " + c})
	}
	for _, u := range r.Unknown {
		out = append(out, finding{warnUnknownRole, fmt.Sprintf("unknown role %q", u)})
	}
	return out
}

// RoleSet returns the resolved roles as a set.
func (r *Resolution) RoleSet() map[string]struct{} {
	return toSet(r.Roles)
}

// Resolve walks InheritsFrom edges breadth first from the direct roles.
// Each role is expanded once; revisits are skipped, which terminates cycles.
// When more than maxVisited roles would be visited the partial resolution is
// returned together with ErrRoleGraphTooDeep. A non-positive maxVisited uses
// DefaultMaxRoleGraphSize.
func (g *RoleGraph) Resolve(direct []string, maxVisited int) (*Resolution, error) {
	if maxVisited <= 0 {
		maxVisited = DefaultMaxRoleGraphSize
	}
	queue := sortedUnique(direct)
	visited := make(map[string]struct{}, len(queue))
	res := &Resolution{Limit: maxVisited}
	var gs []grant
	var err error

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := visited[id]; seen {
			continue
		}
		if len(visited) >= maxVisited {
			res.Truncated = true
			err = fmt.Errorf("%w: more than %d roles reachable", ErrRoleGraphTooDeep, maxVisited)
			break
		}
		visited[id] = struct{}{}
		res.Roles = append(res.Roles, id)
		n, ok := g.nodes[id]
		if !ok {
			res.Unknown = append(res.Unknown, id)
			continue
		}
		gs = append(gs, n.grants...)
		for _, parent := range n.parents {
			if _, seen := visited[parent]; !seen {
				queue = append(queue, parent)
			}
		}
	}

	res.Cycles = g.cycles(visited)
	sort.Strings(res.Roles)
	sort.Strings(res.Unknown)
	res.Permissions = newPermissionSet(gs)
	return res, err
}

// cycles reports every back edge inside the visited subgraph. Traversal
// starts from sorted IDs so the report is deterministic.
func (g *RoleGraph) cycles(visited map[string]struct{}) []string {
	const (
		white = iota
		grey
		black
	)
	ids := make([]string, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	color := make(map[string]int, len(ids))
	type frame struct {
		id   string
		next int
	}
	var out []string
	for _, root := range ids {
		if color[root] != white {
			continue
		}
		stack := []frame{{id: root}}
		color[root] = grey
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			n := g.nodes[top.id]
			if n == nil || top.next >= len(n.parents) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			parent := n.parents[top.next]
			top.next++
			if _, ok := visited[parent]; !ok {
				continue
			}
			switch color[parent] {
			case grey:
				out = append(out, top.id+" -> "+parent)
			case white:
				color[parent] = grey
				stack = append(stack, frame{id: parent})
			}
		}
	}
	return out
}

func sortedUnique(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
