package pdp

import (
	"context"
	"time"
)

// StoreState is a consistent read of roles and policies at one version.
type StoreState struct {
	Version  uint64
	Roles    []*Role
	Policies []*Policy
}

// PolicySource is the read interface the engine consumes for roles and
// policies. Version must change whenever a write commits.
type PolicySource interface {
	Version(ctx context.Context) (uint64, error)
	LoadState(ctx context.Context) (*StoreState, error)
}

// AssignmentSource lists the role assignments of a principal. The engine
// applies status, expiry and scope filtering itself.
type AssignmentSource interface {
	ListAssignments(ctx context.Context, principalID string) ([]*Assignment, error)
}

// Store combines both read interfaces.
type Store interface {
	PolicySource
	AssignmentSource
}

// Writer is the administrative write interface used by ApplyConfig and the
// CLI. It is never used on the decision path.
type Writer interface {
	PutRole(ctx context.Context, r *Role) error
	DeleteRole(ctx context.Context, id string) error
	PutPolicy(ctx context.Context, p *Policy) error
	DeletePolicy(ctx context.Context, id string) error
	PutAssignment(ctx context.Context, a *Assignment) error
	DeleteAssignment(ctx context.Context, id string) error
}

// Clock is the time source of the engine.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// FixedClock always returns t.
func FixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}
