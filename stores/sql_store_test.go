package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oarkflow/pdp"
)

func samplePolicy(id string) *pdp.Policy {
	return &pdp.Policy{
		ID:        id,
		Type:      pdp.PolicyABAC,
		Effect:    pdp.EffectAllow,
		Priority:  10,
		Actions:   []pdp.Action{pdp.ActionRead},
		Resources: pdp.ResourceMatcher{Types: []string{"document"}},
		Active:    true,
	}
}

func TestSQLStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(openTestDB(t))

	v0, err := s.Version(ctx)
	require.NoError(t, err)
	require.Zero(t, v0)

	role := &pdp.Role{
		ID:           "editor",
		Permissions:  []pdp.Permission{{ResourceType: "document", Actions: []pdp.Action{pdp.ActionWrite}}},
		InheritsFrom: []string{"viewer"},
	}
	require.NoError(t, s.PutRole(ctx, role))
	require.NoError(t, s.PutRole(ctx, &pdp.Role{ID: "viewer", Permissions: []pdp.Permission{{Actions: []pdp.Action{pdp.ActionRead}}}}))
	require.NoError(t, s.PutPolicy(ctx, samplePolicy("p1")))

	got, err := s.GetRole(ctx, "editor")
	require.NoError(t, err)
	require.Equal(t, []string{"viewer"}, got.InheritsFrom)
	require.False(t, got.CreatedAt.IsZero())

	state, err := s.LoadState(ctx)
	require.NoError(t, err)
	require.Len(t, state.Roles, 2)
	require.Len(t, state.Policies, 1)
	require.Equal(t, "editor", state.Roles[0].ID)
	require.Equal(t, 1, state.Policies[0].Version)

	v1, err := s.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, state.Version, v1)
	require.Greater(t, v1, v0)
}

func TestSQLStorePolicyHistory(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(openTestDB(t))

	require.NoError(t, s.PutPolicy(ctx, samplePolicy("p1")))
	first, err := s.GetPolicy(ctx, "p1")
	require.NoError(t, err)

	updated := samplePolicy("p1")
	updated.Effect = pdp.EffectDeny
	require.NoError(t, s.PutPolicy(ctx, updated))

	cur, err := s.GetPolicy(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 2, cur.Version)
	require.Equal(t, pdp.EffectDeny, cur.Effect)
	require.True(t, first.CreatedAt.Equal(cur.CreatedAt))

	hist, err := s.GetPolicyHistory(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, 1, hist[0].Version)
	require.Equal(t, pdp.EffectAllow, hist[0].Effect)

	require.NoError(t, s.DeletePolicy(ctx, "p1"))
	_, err = s.GetPolicy(ctx, "p1")
	require.True(t, errors.Is(err, pdp.ErrNotFound))
	require.True(t, errors.Is(s.DeletePolicy(ctx, "p1"), pdp.ErrNotFound))
}

func TestSQLStoreAssignments(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(openTestDB(t))
	expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutAssignment(ctx, &pdp.Assignment{ID: "a2", PrincipalID: "alice", RoleID: "viewer", Status: pdp.AssignmentActive}))
	require.NoError(t, s.PutAssignment(ctx, &pdp.Assignment{ID: "a1", PrincipalID: "alice", RoleID: "editor", Status: pdp.AssignmentRevoked, ExpiresAt: &expires}))
	require.NoError(t, s.PutAssignment(ctx, &pdp.Assignment{ID: "b1", PrincipalID: "bob", RoleID: "viewer", Status: pdp.AssignmentActive}))

	list, err := s.ListAssignments(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "a1", list[0].ID)
	require.Equal(t, pdp.AssignmentRevoked, list[0].Status)
	require.True(t, list[0].ExpiresAt.Equal(expires))
	require.False(t, list[1].GrantedAt.IsZero())

	require.NoError(t, s.DeleteAssignment(ctx, "a1"))
	require.True(t, errors.Is(s.DeleteAssignment(ctx, "a1"), pdp.ErrNotFound))
	list, err = s.ListAssignments(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestSQLStoreDeleteMissingRole(t *testing.T) {
	s := NewSQLStore(openTestDB(t))
	err := s.DeleteRole(context.Background(), "ghost")
	require.True(t, errors.Is(err, pdp.ErrNotFound))
	_, err = s.GetRole(context.Background(), "ghost")
	require.True(t, errors.Is(err, pdp.ErrNotFound))
}

func TestSQLStoreApplyConfig(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(openTestDB(t))
	cfg := &pdp.Config{
		Roles:       []*pdp.Role{{ID: "viewer", Permissions: []pdp.Permission{{ResourceType: "document", Actions: []pdp.Action{pdp.ActionRead}}}}},
		Policies:    []*pdp.Policy{samplePolicy("p1")},
		Assignments: []*pdp.Assignment{{ID: "alice/viewer", PrincipalID: "alice", RoleID: "viewer", Status: pdp.AssignmentActive}},
	}
	require.NoError(t, pdp.ApplyConfig(ctx, s, cfg))

	state, err := s.LoadState(ctx)
	require.NoError(t, err)
	require.Len(t, state.Roles, 1)
	require.Len(t, state.Policies, 1)
	list, err := s.ListAssignments(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
}
