package pdp

import (
	"fmt"
	"regexp"

	"github.com/oarkflow/pdp/utils"
)

// Specificity ranks how a policy's resource selector matched a request.
// Higher ranks are evaluated first at equal priority.
const (
	rankNoMatch      = -1
	rankUnrestricted = 0
	rankPattern      = 1
	rankType         = 2
	rankIdentifier   = 3
)

type compiledPattern struct {
	raw string
	re  *regexp.Regexp
	err error
}

func compilePatterns(raw []string) []compiledPattern {
	out := make([]compiledPattern, 0, len(raw))
	for _, p := range raw {
		re, err := utils.CompilePattern(p)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrMalformedPattern, err)
		}
		out = append(out, compiledPattern{raw: p, re: re, err: err})
	}
	return out
}

func toSet[T ~string](vs []T) map[T]struct{} {
	if len(vs) == 0 {
		return nil
	}
	m := make(map[T]struct{}, len(vs))
	for _, v := range vs {
		m[v] = struct{}{}
	}
	return m
}

// resourceMatcher is the compiled form of ResourceMatcher.
type resourceMatcher struct {
	types      map[string]struct{}
	ids        map[string]struct{}
	patterns   []compiledPattern
	attributes []Condition
	malformed  []string
}

func compileResourceMatcher(rm ResourceMatcher) resourceMatcher {
	m := resourceMatcher{
		types:      toSet(rm.Types),
		ids:        toSet(rm.Identifiers),
		patterns:   compilePatterns(rm.Patterns),
		attributes: rm.Attributes,
	}
	for _, p := range m.patterns {
		if p.err != nil {
			m.malformed = append(m.malformed, p.raw)
		}
	}
	return m
}

func (m *resourceMatcher) unrestricted() bool {
	return len(m.types) == 0 && len(m.ids) == 0 && len(m.patterns) == 0
}

// rank reports the most specific way the selector matches res, or
// rankNoMatch. An empty selector matches everything.
func (m *resourceMatcher) rank(res *Resource) int {
	if m.unrestricted() {
		return rankUnrestricted
	}
	if _, ok := m.ids[res.ID]; ok && res.ID != "" {
		return rankIdentifier
	}
	if _, ok := m.types[res.Type]; ok && res.Type != "" {
		return rankType
	}
	for _, p := range m.patterns {
		if p.err == nil && utils.MatchAny(p.re, res.Path, res.ID) {
			return rankPattern
		}
	}
	return rankNoMatch
}

// matches applies the selector and then the attribute predicate.
func (m *resourceMatcher) matches(res *Resource, lookup lookupFunc) bool {
	if m.rank(res) == rankNoMatch {
		return false
	}
	ok, _ := conditionsHold(m.attributes, lookup)
	return ok
}

// actionMatcher is the compiled action list.
type actionMatcher struct {
	actions map[Action]struct{}
	any     bool
}

func compileActionMatcher(actions []Action) actionMatcher {
	m := actionMatcher{actions: toSet(actions)}
	_, m.any = m.actions[ActionAny]
	return m
}

func (m *actionMatcher) matches(a Action) bool {
	if m.any {
		return true
	}
	_, ok := m.actions[a]
	return ok
}

// subjectMatcher is the compiled form of SubjectMatcher.
type subjectMatcher struct {
	users      map[string]struct{}
	roles      map[string]struct{}
	groups     map[string]struct{}
	attributes []Condition
	open       bool
}

func compileSubjectMatcher(sm SubjectMatcher) subjectMatcher {
	return subjectMatcher{
		users:      toSet(sm.Users),
		roles:      toSet(sm.Roles),
		groups:     toSet(sm.Groups),
		attributes: sm.Attributes,
		open:       sm.Unrestricted(),
	}
}

// matches is a disjunction over users, roles, groups and the attribute
// predicate. A "*" entry in users or roles matches any principal.
func (m *subjectMatcher) matches(p *Principal, roles map[string]struct{}, lookup lookupFunc) bool {
	if m.open {
		return true
	}
	if _, ok := m.users[p.ID]; ok && p.ID != "" {
		return true
	}
	if _, ok := m.users["*"]; ok {
		return true
	}
	if _, ok := m.roles["*"]; ok && len(roles) > 0 {
		return true
	}
	for r := range m.roles {
		if _, ok := roles[r]; ok {
			return true
		}
	}
	for _, g := range p.Groups {
		if _, ok := m.groups[g]; ok {
			return true
		}
	}
	if len(m.attributes) > 0 {
		ok, _ := conditionsHold(m.attributes, lookup)
		return ok
	}
	return false
}

// indexKeys lists the snapshot index buckets the matcher belongs to. Open
// matchers, wildcards and attribute predicates go to the shared bucket.
func (m *subjectMatcher) indexKeys() []string {
	_, anyUser := m.users["*"]
	_, anyRole := m.roles["*"]
	if m.open || anyUser || anyRole || len(m.attributes) > 0 {
		return []string{anyKey}
	}
	keys := make([]string, 0, len(m.users)+len(m.roles)+len(m.groups))
	for u := range m.users {
		keys = append(keys, userKey(u))
	}
	for r := range m.roles {
		keys = append(keys, roleKey(r))
	}
	for g := range m.groups {
		keys = append(keys, groupKey(g))
	}
	return keys
}

const anyKey = "*"

func userKey(id string) string  { return "user:" + id }
func roleKey(id string) string  { return "role:" + id }
func groupKey(id string) string { return "group:" + id }
