package pdp

import (
	"fmt"
	"time"
)

// Builders provide a fluent API for creating Policies, Roles and Assignments

// PolicyBuilder builds a Policy
type PolicyBuilder struct {
	p *Policy
}

func NewPolicyBuilder() *PolicyBuilder {
	return &PolicyBuilder{p: &Policy{Type: PolicyABAC, Effect: EffectAllow, Active: true}}
}

func (b *PolicyBuilder) ID(id string) *PolicyBuilder              { b.p.ID = id; return b }
func (b *PolicyBuilder) Name(n string) *PolicyBuilder             { b.p.Name = n; return b }
func (b *PolicyBuilder) Type(t PolicyType) *PolicyBuilder         { b.p.Type = t; return b }
func (b *PolicyBuilder) Effect(e Effect) *PolicyBuilder           { b.p.Effect = e; return b }
func (b *PolicyBuilder) Priority(p int) *PolicyBuilder            { b.p.Priority = p; return b }
func (b *PolicyBuilder) Active(active bool) *PolicyBuilder        { b.p.Active = active; return b }
func (b *PolicyBuilder) RequireMFA() *PolicyBuilder               { b.p.Context.MFARequired = true; return b }
func (b *PolicyBuilder) Description(d string) *PolicyBuilder      { b.p.Description = d; return b }
func (b *PolicyBuilder) EffectiveFrom(t time.Time) *PolicyBuilder { b.p.EffectiveFrom = &t; return b }
func (b *PolicyBuilder) EffectiveTo(t time.Time) *PolicyBuilder   { b.p.EffectiveTo = &t; return b }
func (b *PolicyBuilder) Actions(a ...Action) *PolicyBuilder {
	b.p.Actions = append(b.p.Actions, a...)
	return b
}
func (b *PolicyBuilder) Users(ids ...string) *PolicyBuilder {
	b.p.Subjects.Users = append(b.p.Subjects.Users, ids...)
	return b
}
func (b *PolicyBuilder) Roles(ids ...string) *PolicyBuilder {
	b.p.Subjects.Roles = append(b.p.Subjects.Roles, ids...)
	return b
}
func (b *PolicyBuilder) Groups(ids ...string) *PolicyBuilder {
	b.p.Subjects.Groups = append(b.p.Subjects.Groups, ids...)
	return b
}
func (b *PolicyBuilder) SubjectWhere(c ...Condition) *PolicyBuilder {
	b.p.Subjects.Attributes = append(b.p.Subjects.Attributes, c...)
	return b
}
func (b *PolicyBuilder) ResourceTypes(t ...string) *PolicyBuilder {
	b.p.Resources.Types = append(b.p.Resources.Types, t...)
	return b
}
func (b *PolicyBuilder) ResourceIDs(ids ...string) *PolicyBuilder {
	b.p.Resources.Identifiers = append(b.p.Resources.Identifiers, ids...)
	return b
}
func (b *PolicyBuilder) Patterns(p ...string) *PolicyBuilder {
	b.p.Resources.Patterns = append(b.p.Resources.Patterns, p...)
	return b
}
func (b *PolicyBuilder) ResourceWhere(c ...Condition) *PolicyBuilder {
	b.p.Resources.Attributes = append(b.p.Resources.Attributes, c...)
	return b
}
func (b *PolicyBuilder) When(c ...Condition) *PolicyBuilder {
	b.p.Conditions = append(b.p.Conditions, c...)
	return b
}
func (b *PolicyBuilder) Window(days []string, start, end, tz string) *PolicyBuilder {
	b.p.Context.TimeWindows = append(b.p.Context.TimeWindows, TimeWindow{Days: days, Start: start, End: end, Timezone: tz})
	return b
}
func (b *PolicyBuilder) AllowIPs(entries ...string) *PolicyBuilder {
	b.p.Context.IPAllowlist = append(b.p.Context.IPAllowlist, entries...)
	return b
}
func (b *PolicyBuilder) Build() *Policy { return b.p }

// RoleBuilder builds a Role
type RoleBuilder struct {
	r *Role
}

func NewRoleBuilder() *RoleBuilder {
	return &RoleBuilder{r: &Role{}}
}
func (b *RoleBuilder) ID(id string) *RoleBuilder  { b.r.ID = id; return b }
func (b *RoleBuilder) Name(n string) *RoleBuilder { b.r.Name = n; return b }

// Permission grants actions on a resource type; "*" grants on every type.
func (b *RoleBuilder) Permission(resourceType string, actions ...Action) *RoleBuilder {
	p := Permission{Actions: actions}
	if resourceType != "*" {
		p.ResourceType = resourceType
	}
	b.r.Permissions = append(b.r.Permissions, p)
	return b
}
func (b *RoleBuilder) PatternPermission(pattern string, actions ...Action) *RoleBuilder {
	b.r.Permissions = append(b.r.Permissions, Permission{Pattern: pattern, Actions: actions})
	return b
}
func (b *RoleBuilder) Inherits(ids ...string) *RoleBuilder {
	b.r.InheritsFrom = append(b.r.InheritsFrom, ids...)
	return b
}
func (b *RoleBuilder) Build() *Role { return b.r }

// AssignmentBuilder builds an Assignment
type AssignmentBuilder struct {
	a *Assignment
}

func NewAssignmentBuilder(principalID, roleID string) *AssignmentBuilder {
	return &AssignmentBuilder{a: &Assignment{
		ID:          fmt.Sprintf("%s/%s", principalID, roleID),
		PrincipalID: principalID,
		RoleID:      roleID,
		Status:      AssignmentActive,
	}}
}
func (b *AssignmentBuilder) ID(id string) *AssignmentBuilder                 { b.a.ID = id; return b }
func (b *AssignmentBuilder) Status(s AssignmentStatus) *AssignmentBuilder    { b.a.Status = s; return b }
func (b *AssignmentBuilder) Scope(t ScopeType, id string) *AssignmentBuilder { b.a.Scope = Scope{Type: t, ID: id}; return b }
func (b *AssignmentBuilder) ExpiresAt(t time.Time) *AssignmentBuilder        { b.a.ExpiresAt = &t; return b }
func (b *AssignmentBuilder) GrantedAt(t time.Time) *AssignmentBuilder        { b.a.GrantedAt = t; return b }
func (b *AssignmentBuilder) Build() *Assignment                              { return b.a }

// Condition helpers

func Eq(attr string, v any) Condition  { return Condition{Attribute: attr, Operator: OpEquals, Value: MustValue(v)} }
func Neq(attr string, v any) Condition { return Condition{Attribute: attr, Operator: OpNotEquals, Value: MustValue(v)} }
func Gte(attr string, v any) Condition {
	return Condition{Attribute: attr, Operator: OpGreaterOrEqual, Value: MustValue(v)}
}
func In(attr string, vs ...any) Condition {
	return Condition{Attribute: attr, Operator: OpIn, Value: MustValue(vs)}
}
