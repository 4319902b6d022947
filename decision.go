package pdp

import "time"

// State is the position of one evaluation in its lifecycle.
type State string

const (
	StateStart            State = "start"
	StateRoleResolved     State = "role_resolved"
	StatePoliciesGathered State = "policies_gathered"
	StateEvaluating       State = "evaluating"
	StateDecided          State = "decided"
)

// Stage is the check at which a candidate policy stopped matching, or
// StageMatched when every check passed.
type Stage string

const (
	StageSubject    Stage = "subject"
	StageResource   Stage = "resource"
	StageAction     Stage = "action"
	StagePermission Stage = "permission"
	StageCondition  Stage = "condition"
	StageContext    Stage = "context"
	StageMatched    Stage = "matched"
)

// MatchedPolicy identifies the policy that decided a request.
type MatchedPolicy struct {
	PolicyID string `json:"policy_id"`
	Name     string `json:"name"`
	Effect   Effect `json:"effect"`
	Priority int    `json:"priority"`
}

// PolicyTrace records how far one candidate got, in evaluation order.
type PolicyTrace struct {
	PolicyID string `json:"policy_id"`
	Effect   Effect `json:"effect"`
	Priority int    `json:"priority"`
	Rank     int    `json:"rank"`
	Stage    Stage  `json:"stage"`
	Detail   string `json:"detail,omitempty"`
	Matched  bool   `json:"matched"`
}

// Decision is the result of one access evaluation. Decision is always set,
// even when evaluation failed; Allowed mirrors Decision == EffectAllow.
type Decision struct {
	RequestID       string          `json:"request_id"`
	Decision        Effect          `json:"decision"`
	Allowed         bool            `json:"allowed"`
	MatchedPolicies []MatchedPolicy `json:"matched_policies"`
	Trace           []PolicyTrace   `json:"trace"`
	Reason          string          `json:"reason"`
	Warnings        []string        `json:"warnings,omitempty"`
	Roles           []string        `json:"roles,omitempty"`
	State           State           `json:"state"`
	SnapshotVersion uint64          `json:"snapshot_version"`
	EvaluatedAt     time.Time       `json:"evaluated_at"`
	Duration        time.Duration   `json:"duration"`
}

// Matched returns the deciding policy, if any.
func (d *Decision) Matched() (MatchedPolicy, bool) {
	if len(d.MatchedPolicies) == 0 {
		return MatchedPolicy{}, false
	}
	return d.MatchedPolicies[0], true
}
