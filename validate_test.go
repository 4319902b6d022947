package pdp

import (
	"strings"
	"testing"
	"time"
)

func TestValidatePolicy(t *testing.T) {
	from := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)
	cases := []struct {
		name string
		p    *Policy
		want []string // substrings of the error; nil means valid
	}{
		{"valid", NewPolicyBuilder().ID("ok").Actions(ActionRead).Build(), nil},
		{"missing id and actions", &Policy{Type: PolicyABAC, Effect: EffectAllow}, []string{"id is required", "actions is required"}},
		{"bad effect", &Policy{ID: "p", Type: PolicyABAC, Effect: "maybe", Actions: []Action{ActionRead}}, []string{"effect must be one of"}},
		{"unknown action", NewPolicyBuilder().ID("p").Actions("fly").Build(), []string{"unknown action fly"}},
		{"malformed pattern", NewPolicyBuilder().ID("p").Patterns("doc/(draft").Actions(ActionRead).Build(), []string{"resources.patterns"}},
		{"in without list", NewPolicyBuilder().ID("p").When(Condition{"region", OpIn, StringValue("eu")}).Actions(ActionRead).Build(), []string{"needs a list value"}},
		{"numeric operand", NewPolicyBuilder().ID("p").When(Condition{"age", OpGreaterThan, StringValue("x")}).Actions(ActionRead).Build(), []string{"needs a numeric value"}},
		{"bad window", NewPolicyBuilder().ID("p").Window([]string{"funday"}, "9am", "17:00", "Mars/Olympus").Actions(ActionRead).Build(),
			[]string{"is not a weekday", "is not a HH:MM time", "unknown timezone"}},
		{"empty window", NewPolicyBuilder().ID("p").Window(nil, "09:00", "09:00", "").Actions(ActionRead).Build(), []string{"start equals end"}},
		{"overnight window", NewPolicyBuilder().ID("p").Window(nil, "22:00", "06:00", "").Actions(ActionRead).Build(), nil},
		{"bad ip", NewPolicyBuilder().ID("p").AllowIPs("10.0.0.0/8", "not-an-ip").Actions(ActionRead).Build(), []string{"neither an IP address nor a CIDR"}},
		{"inverted effective window", NewPolicyBuilder().ID("p").EffectiveFrom(from).EffectiveTo(to).Actions(ActionRead).Build(), []string{"effective_from must be before"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePolicy(tc.p)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error")
			}
			for _, w := range tc.want {
				if !strings.Contains(err.Error(), w) {
					t.Fatalf("error %q does not mention %q", err, w)
				}
			}
		})
	}
}

func TestValidateRole(t *testing.T) {
	if err := ValidateRole(NewRoleBuilder().ID("viewer").Permission("doc", ActionRead).Build()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := ValidateRole(NewRoleBuilder().ID("loop").Inherits("loop").PatternPermission("a/(b").Build())
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, w := range []string{"inherits from itself", "permissions[0].pattern", "actions is required"} {
		if !strings.Contains(err.Error(), w) {
			t.Fatalf("error %q does not mention %q", err, w)
		}
	}
}

func TestValidateAssignment(t *testing.T) {
	if err := ValidateAssignment(NewAssignmentBuilder("u", "r").Build()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := ValidateAssignment(NewAssignmentBuilder("u", "r").Status("approved").Scope(ScopeProject, "").Build())
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, w := range []string{"status must be one of", "scope project needs an id"} {
		if !strings.Contains(err.Error(), w) {
			t.Fatalf("error %q does not mention %q", err, w)
		}
	}
	if ValidateAssignment(nil) == nil || ValidatePolicy(nil) == nil || ValidateRole(nil) == nil {
		t.Fatalf("nil objects must be rejected")
	}
}
