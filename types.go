package pdp

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Principal represents who is requesting access: a user, group or service
// account.
type Principal struct {
	ID         string         `json:"id" yaml:"id"`
	Roles      []string       `json:"roles,omitempty" yaml:"roles,omitempty"` // directly assigned role IDs
	Groups     []string       `json:"groups,omitempty" yaml:"groups,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Disabled   bool           `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Resource represents what is being accessed.
type Resource struct {
	Type       string         `json:"type" yaml:"type"`
	ID         string         `json:"id" yaml:"id"`
	Path       string         `json:"path,omitempty" yaml:"path,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Ref returns the "type:id" form of the resource.
func (r Resource) Ref() string {
	if r.Type == "" {
		return r.ID
	}
	return r.Type + ":" + r.ID
}

// ParseResourceRef parses "type:id". A value without a colon is an ID.
func ParseResourceRef(ref string) Resource {
	if idx := strings.Index(ref, ":"); idx != -1 {
		return Resource{Type: ref[:idx], ID: ref[idx+1:]}
	}
	return Resource{ID: ref}
}

// Action is drawn from a closed vocabulary.
type Action string

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionDelete  Action = "delete"
	ActionExecute Action = "execute"
	ActionAdmin   Action = "admin"
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionAny     Action = "*"
)

var knownActions = map[Action]struct{}{
	ActionRead: {}, ActionWrite: {}, ActionDelete: {}, ActionExecute: {},
	ActionAdmin: {}, ActionCreate: {}, ActionUpdate: {}, ActionAny: {},
}

// Valid reports whether a belongs to the action vocabulary.
func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

// ParseAction returns ErrUnknownAction for values outside the vocabulary.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

// RequestContext carries the environmental attributes of a request.
//
// MFAVerified is asserted by the caller. The engine cannot verify it and
// trusts the flag as given; callers must only set it after their own session
// layer has confirmed a second factor.
type RequestContext struct {
	Time        time.Time      `json:"time" yaml:"time"`
	IP          string         `json:"ip,omitempty" yaml:"ip,omitempty"`
	MFAVerified bool           `json:"mfa_verified" yaml:"mfa_verified"`
	Attributes  map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Effect of a policy or decision.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// PolicyType classifies a policy. Allow-effect rbac and hybrid policies
// additionally require the principal's effective permission set to grant the
// requested action on the resource.
type PolicyType string

const (
	PolicyRBAC   PolicyType = "rbac"
	PolicyABAC   PolicyType = "abac"
	PolicyPBAC   PolicyType = "pbac"
	PolicyHybrid PolicyType = "hybrid"
)

func (t PolicyType) requiresPermission() bool {
	return t == PolicyRBAC || t == PolicyHybrid
}

// ============================================================================
// ROLES AND ASSIGNMENTS
// ============================================================================

// Role is a named bundle of permissions. InheritsFrom edges form a directed
// graph that is expected to be acyclic.
type Role struct {
	ID           string       `json:"id" yaml:"id" validate:"required"`
	Name         string       `json:"name,omitempty" yaml:"name,omitempty"`
	Permissions  []Permission `json:"permissions,omitempty" yaml:"permissions,omitempty" validate:"dive"`
	InheritsFrom []string     `json:"inherits_from,omitempty" yaml:"inherits_from,omitempty" validate:"dive,required"`
	CreatedAt    time.Time    `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Permission grants actions on resources of a type, a single identifier or a
// pattern. Empty selectors grant on every resource.
type Permission struct {
	ResourceType string   `json:"resource_type,omitempty" yaml:"resource_type,omitempty"`
	ResourceID   string   `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
	Pattern      string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Actions      []Action `json:"actions" yaml:"actions" validate:"required,min=1,dive,action"`
	Revision     int      `json:"revision,omitempty" yaml:"revision,omitempty"`
}

// ParsePermission parses the "action:resourceType" shorthand, e.g. "read:report".
func ParsePermission(s string) (Permission, error) {
	idx := strings.Index(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return Permission{}, fmt.Errorf("invalid permission %q: expected action:resource", s)
	}
	a, err := ParseAction(s[:idx])
	if err != nil {
		return Permission{}, err
	}
	p := Permission{Actions: []Action{a}}
	if rt := s[idx+1:]; rt != "*" {
		p.ResourceType = rt
	}
	return p, nil
}

func (p Permission) String() string {
	acts := make([]string, len(p.Actions))
	for i, a := range p.Actions {
		acts[i] = string(a)
	}
	target := p.ResourceType
	if p.ResourceID != "" {
		target += "#" + p.ResourceID
	}
	if p.Pattern != "" {
		target += "~" + p.Pattern
	}
	if target == "" {
		target = "*"
	}
	return strings.Join(acts, ",") + ":" + target
}

// ScopeType bounds where an assignment applies.
type ScopeType string

const (
	ScopeGlobal       ScopeType = "global"
	ScopeOrganization ScopeType = "organization"
	ScopeProject      ScopeType = "project"
	ScopeResource     ScopeType = "resource"
)

// Scope of an assignment. An empty scope is global.
type Scope struct {
	Type ScopeType `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,oneof=global organization project resource"`
	ID   string    `json:"id,omitempty" yaml:"id,omitempty"`
}

// AssignmentStatus is the approval state of an assignment.
type AssignmentStatus string

const (
	AssignmentActive          AssignmentStatus = "active"
	AssignmentPendingApproval AssignmentStatus = "pending_approval"
	AssignmentExpired         AssignmentStatus = "expired"
	AssignmentRevoked         AssignmentStatus = "revoked"
)

// Assignment binds a principal to a role within a scope.
type Assignment struct {
	ID          string           `json:"id" yaml:"id" validate:"required"`
	PrincipalID string           `json:"principal_id" yaml:"principal_id" validate:"required"`
	RoleID      string           `json:"role_id" yaml:"role_id" validate:"required"`
	Scope       Scope            `json:"scope,omitempty" yaml:"scope,omitempty"`
	Status      AssignmentStatus `json:"status" yaml:"status" validate:"required,oneof=active pending_approval expired revoked"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	GrantedAt   time.Time        `json:"granted_at,omitempty" yaml:"granted_at,omitempty"`
}

// Effective reports whether the assignment contributes to the role set of a
// request against resource at the given instant. Expiry is a read-time filter.
func (a *Assignment) Effective(at time.Time, resource Resource) bool {
	if a == nil || a.Status != AssignmentActive {
		return false
	}
	if a.ExpiresAt != nil && !at.Before(*a.ExpiresAt) {
		return false
	}
	switch a.Scope.Type {
	case "", ScopeGlobal:
		return true
	case ScopeOrganization:
		return attrString(resource.Attributes, "organization") == a.Scope.ID
	case ScopeProject:
		return attrString(resource.Attributes, "project") == a.Scope.ID
	case ScopeResource:
		return a.Scope.ID != "" && (a.Scope.ID == resource.ID || a.Scope.ID == resource.Ref())
	default:
		return false
	}
}

func attrString(attrs map[string]any, key string) string {
	v, ok := attrs[key]
	if !ok {
		return "\x00"
	}
	s, ok := v.(string)
	if !ok {
		return "\x00"
	}
	return s
}

// ============================================================================
// POLICY SYSTEM
// ============================================================================

// SubjectMatcher restricts which principals a policy applies to. Users, Roles
// and Groups are alternatives; Attributes, when set, is a predicate over the
// principal's attribute bag. An entirely empty matcher applies to everyone.
type SubjectMatcher struct {
	Users      []string    `json:"users,omitempty" yaml:"users,omitempty"`
	Roles      []string    `json:"roles,omitempty" yaml:"roles,omitempty"`
	Groups     []string    `json:"groups,omitempty" yaml:"groups,omitempty"`
	Attributes []Condition `json:"attributes,omitempty" yaml:"attributes,omitempty" validate:"dive"`
}

// Unrestricted reports whether the matcher applies to every principal.
func (s SubjectMatcher) Unrestricted() bool {
	return len(s.Users) == 0 && len(s.Roles) == 0 && len(s.Groups) == 0 && len(s.Attributes) == 0
}

// ResourceMatcher restricts which resources a policy applies to.
type ResourceMatcher struct {
	Types       []string    `json:"types,omitempty" yaml:"types,omitempty"`
	Identifiers []string    `json:"identifiers,omitempty" yaml:"identifiers,omitempty"`
	Patterns    []string    `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	Attributes  []Condition `json:"attributes,omitempty" yaml:"attributes,omitempty" validate:"dive"`
}

// Unrestricted reports whether no type, identifier or pattern is configured.
func (r ResourceMatcher) Unrestricted() bool {
	return len(r.Types) == 0 && len(r.Identifiers) == 0 && len(r.Patterns) == 0
}

// TimeWindow allows access on the listed days between Start (inclusive) and
// End (exclusive), both "15:04" in Timezone. End before Start spans
// midnight; equal bounds are rejected by validation.
type TimeWindow struct {
	Days     []string `json:"days,omitempty" yaml:"days,omitempty" validate:"dive,weekday"`
	Start    string   `json:"start" yaml:"start" validate:"required,hhmm"`
	End      string   `json:"end" yaml:"end" validate:"required,hhmm"`
	Timezone string   `json:"timezone,omitempty" yaml:"timezone,omitempty" validate:"omitempty,timezone"`
}

// ContextRestrictions are environmental requirements. Empty categories
// impose no constraint.
type ContextRestrictions struct {
	TimeWindows []TimeWindow `json:"time_windows,omitempty" yaml:"time_windows,omitempty" validate:"dive"`
	IPAllowlist []string     `json:"ip_allowlist,omitempty" yaml:"ip_allowlist,omitempty" validate:"dive,ip|cidr"`
	MFARequired bool         `json:"mfa_required,omitempty" yaml:"mfa_required,omitempty"`
}

// Empty reports whether no restriction is configured.
func (c ContextRestrictions) Empty() bool {
	return len(c.TimeWindows) == 0 && len(c.IPAllowlist) == 0 && !c.MFARequired
}

// Policy is the unit of decision logic.
type Policy struct {
	ID            string              `json:"id" yaml:"id" validate:"required"`
	Name          string              `json:"name,omitempty" yaml:"name,omitempty"`
	Description   string              `json:"description,omitempty" yaml:"description,omitempty"`
	Type          PolicyType          `json:"type" yaml:"type" validate:"required,oneof=rbac abac pbac hybrid"`
	Effect        Effect              `json:"effect" yaml:"effect" validate:"required,oneof=allow deny"`
	Priority      int                 `json:"priority" yaml:"priority"` // lower = evaluated first
	Subjects      SubjectMatcher      `json:"subjects,omitempty" yaml:"subjects,omitempty"`
	Resources     ResourceMatcher     `json:"resources,omitempty" yaml:"resources,omitempty"`
	Actions       []Action            `json:"actions" yaml:"actions" validate:"required,min=1,dive,action"`
	Conditions    []Condition         `json:"conditions,omitempty" yaml:"conditions,omitempty" validate:"dive"`
	Context       ContextRestrictions `json:"context,omitempty" yaml:"context,omitempty"`
	Active        bool                `json:"active" yaml:"active"`
	EffectiveFrom *time.Time          `json:"effective_from,omitempty" yaml:"effective_from,omitempty"`
	EffectiveTo   *time.Time          `json:"effective_to,omitempty" yaml:"effective_to,omitempty"`
	Version       int                 `json:"version,omitempty" yaml:"version,omitempty"`
	CreatedAt     time.Time           `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt     time.Time           `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// InEffect reports whether the policy is active and within its effective
// window at the given instant.
func (p *Policy) InEffect(at time.Time) bool {
	if !p.Active {
		return false
	}
	if p.EffectiveFrom != nil && at.Before(*p.EffectiveFrom) {
		return false
	}
	if p.EffectiveTo != nil && !at.Before(*p.EffectiveTo) {
		return false
	}
	return true
}

// DisplayName falls back to the ID when no name is set.
func (p *Policy) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// Checksum returns a deterministic hash of the decision-relevant fields.
func (p *Policy) Checksum() string {
	data, _ := json.Marshal(struct {
		Type          PolicyType
		Effect        Effect
		Priority      int
		Subjects      SubjectMatcher
		Resources     ResourceMatcher
		Actions       []Action
		Conditions    []Condition
		Context       ContextRestrictions
		Active        bool
		EffectiveFrom *time.Time
		EffectiveTo   *time.Time
	}{
		Type:          p.Type,
		Effect:        p.Effect,
		Priority:      p.Priority,
		Subjects:      p.Subjects,
		Resources:     p.Resources,
		Actions:       p.Actions,
		Conditions:    p.Conditions,
		Context:       p.Context,
		Active:        p.Active,
		EffectiveFrom: p.EffectiveFrom,
		EffectiveTo:   p.EffectiveTo,
	})
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Clone returns a deep copy so stores can hand out policies without sharing
// slices with their internal state.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	data, _ := json.Marshal(p)
	out := &Policy{}
	_ = json.Unmarshal(data, out)
	return out
}

// Clone returns a deep copy of the role.
func (r *Role) Clone() *Role {
	if r == nil {
		return nil
	}
	dup := *r
	dup.InheritsFrom = append([]string(nil), r.InheritsFrom...)
	dup.Permissions = make([]Permission, len(r.Permissions))
	for i, p := range r.Permissions {
		p.Actions = append([]Action(nil), p.Actions...)
		dup.Permissions[i] = p
	}
	return &dup
}

// Clone returns a copy of the assignment.
func (a *Assignment) Clone() *Assignment {
	if a == nil {
		return nil
	}
	dup := *a
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		dup.ExpiresAt = &t
	}
	return &dup
}
