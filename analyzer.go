package pdp

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/oarkflow/pdp/utils"
)

// Severity weights a finding. The numeric value is its contribution to the
// policy risk score.
type Severity int

const (
	SeverityLow    Severity = 10
	SeverityMedium Severity = 25
	SeverityHigh   Severity = 40
)

// MaxRiskScore caps the per-policy score.
const MaxRiskScore = 100

func (s Severity) String() string {
	switch {
	case s >= SeverityHigh:
		return "high"
	case s >= SeverityMedium:
		return "medium"
	default:
		return "low"
	}
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Finding codes.
const (
	FindingWildcardAction        = "wildcard_action"
	FindingNoSubjectRestriction  = "no_subject_restriction"
	FindingNoResourceRestriction = "no_resource_restriction"
	FindingWildcardPattern       = "wildcard_pattern"
	FindingAllowWithoutCondition = "allow_without_conditions"
	FindingPrivilegedNoTime      = "privileged_without_time_window"
	FindingPrivilegedNoMFA       = "privileged_without_mfa"
	FindingMalformedPattern      = "malformed_pattern"
	FindingInvalidTimezone       = "invalid_timezone"
)

// Finding is one hygiene observation about a policy.
type Finding struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// PolicyReport groups the findings of one policy.
type PolicyReport struct {
	PolicyID string    `json:"policy_id"`
	Name     string    `json:"name"`
	Effect   Effect    `json:"effect"`
	Score    int       `json:"score"`
	Findings []Finding `json:"findings"`
}

// Report is the analyzer output, riskiest policies first.
type Report struct {
	Policies []PolicyReport `json:"policies"`
	Analyzed int            `json:"analyzed"`
	Skipped  int            `json:"skipped"` // inactive policies
	Version  uint64         `json:"version,omitempty"`
}

// Above returns the policy reports scoring at least threshold.
func (r *Report) Above(threshold int) []PolicyReport {
	var out []PolicyReport
	for _, p := range r.Policies {
		if p.Score >= threshold {
			out = append(out, p)
		}
	}
	return out
}

// Analyzer flags overly permissive or broken policies. It is advisory: the
// engine never consults it.
type Analyzer struct {
	// IncludeInactive also analyzes policies that are switched off.
	IncludeInactive bool
}

func NewAnalyzer() *Analyzer { return &Analyzer{} }

// AnalyzeSource loads the current state of src and analyzes its policies.
func (a *Analyzer) AnalyzeSource(ctx context.Context, src PolicySource) (*Report, error) {
	state, err := src.LoadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	rep := a.Analyze(state.Policies)
	rep.Version = state.Version
	return rep, nil
}

// Analyze inspects policies without modifying them.
func (a *Analyzer) Analyze(policies []*Policy) *Report {
	rep := &Report{}
	for _, p := range policies {
		if p == nil {
			continue
		}
		if !p.Active && !a.IncludeInactive {
			rep.Skipped++
			continue
		}
		rep.Analyzed++
		pr := PolicyReport{PolicyID: p.ID, Name: p.DisplayName(), Effect: p.Effect, Findings: inspect(p)}
		for _, f := range pr.Findings {
			pr.Score += int(f.Severity)
		}
		pr.Score = min(pr.Score, MaxRiskScore)
		rep.Policies = append(rep.Policies, pr)
	}
	sort.SliceStable(rep.Policies, func(i, j int) bool {
		if rep.Policies[i].Score != rep.Policies[j].Score {
			return rep.Policies[i].Score > rep.Policies[j].Score
		}
		return rep.Policies[i].PolicyID < rep.Policies[j].PolicyID
	})
	return rep
}

func inspect(p *Policy) []Finding {
	var out []Finding
	add := func(code string, sev Severity, format string, args ...any) {
		out = append(out, Finding{Code: code, Severity: sev, Message: fmt.Sprintf(format, args...)})
	}
	allow := p.Effect == EffectAllow

	privileged := false
	for _, act := range p.Actions {
		switch act {
		case ActionAny:
			if allow {
				add(FindingWildcardAction, SeverityHigh, "allows every action")
			} else {
				add(FindingWildcardAction, SeverityLow, "denies every action")
			}
			privileged = true
		case ActionAdmin, ActionDelete:
			privileged = true
		}
	}

	if p.Subjects.Unrestricted() && allow {
		add(FindingNoSubjectRestriction, SeverityHigh, "applies to every principal")
	}
	if p.Resources.Unrestricted() && len(p.Resources.Attributes) == 0 && allow {
		add(FindingNoResourceRestriction, SeverityMedium, "applies to every resource")
	}
	for _, raw := range p.Resources.Patterns {
		if utils.IsWildcard(raw) && allow {
			add(FindingWildcardPattern, SeverityMedium, "pattern %q matches every resource", raw)
		}
		if _, err := utils.CompilePattern(raw); err != nil {
			add(FindingMalformedPattern, SeverityMedium, "pattern %q never matches: %v", raw, err)
		}
	}

	if allow && len(p.Conditions) == 0 && len(p.Subjects.Attributes) == 0 &&
		len(p.Resources.Attributes) == 0 && p.Context.Empty() {
		add(FindingAllowWithoutCondition, SeverityLow, "allow has no conditions or context restrictions")
	}
	if allow && privileged {
		if len(p.Context.TimeWindows) == 0 {
			add(FindingPrivilegedNoTime, SeverityMedium, "privileged allow without a time window")
		}
		if !p.Context.MFARequired {
			add(FindingPrivilegedNoMFA, SeverityMedium, "privileged allow without MFA")
		}
	}

	for _, tw := range p.Context.TimeWindows {
		if tw.Timezone == "" {
			continue
		}
		if _, err := time.LoadLocation(tw.Timezone); err != nil {
			add(FindingInvalidTimezone, SeverityMedium, "time window timezone %q never matches", tw.Timezone)
		}
	}
	return out
}
