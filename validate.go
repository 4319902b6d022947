package pdp

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/oarkflow/pdp/utils"
)

var (
	validateOnce sync.Once
	structValid  *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		must := func(tag string, fn validator.Func) {
			if err := v.RegisterValidation(tag, fn); err != nil {
				panic(err)
			}
		}
		must("action", func(fl validator.FieldLevel) bool {
			return Action(fl.Field().String()).Valid()
		})
		must("operator", func(fl validator.FieldLevel) bool {
			return Operator(fl.Field().String()).Valid()
		})
		must("hhmm", func(fl validator.FieldLevel) bool {
			_, err := parseClock(fl.Field().String())
			return err == nil
		})
		must("weekday", func(fl validator.FieldLevel) bool {
			_, ok := ParseWeekday(fl.Field().String())
			return ok
		})
		structValid = v
	})
	return structValid
}

// ValidationError lists every problem found in one object.
type ValidationError struct {
	Kind     string
	ID       string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Kind, e.ID, strings.Join(e.Problems, "; "))
}

func newValidationError(kind, id string, err error, extra []string) error {
	var problems []string
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			problems = append(problems, describeFieldError(fe))
		}
	} else if err != nil {
		problems = append(problems, err.Error())
	}
	problems = append(problems, extra...)
	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Kind: kind, ID: id, Problems: problems}
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if idx := strings.Index(field, "."); idx >= 0 {
		field = field[idx+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s needs at least %s entries", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "action":
		return fmt.Sprintf("%s: unknown action %v", field, fe.Value())
	case "operator":
		return fmt.Sprintf("%s: unknown operator %v", field, fe.Value())
	case "hhmm":
		return fmt.Sprintf("%s: %v is not a HH:MM time", field, fe.Value())
	case "weekday":
		return fmt.Sprintf("%s: %v is not a weekday", field, fe.Value())
	case "timezone":
		return fmt.Sprintf("%s: unknown timezone %v", field, fe.Value())
	case "ip|cidr":
		return fmt.Sprintf("%s: %v is neither an IP address nor a CIDR range", field, fe.Value())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// ValidatePolicy checks struct constraints plus patterns, condition operands
// and the effective window.
func ValidatePolicy(p *Policy) error {
	if p == nil {
		return errors.New("nil policy")
	}
	var extra []string
	for _, raw := range p.Resources.Patterns {
		if _, err := utils.CompilePattern(raw); err != nil {
			extra = append(extra, fmt.Sprintf("resources.patterns: %v", err))
		}
	}
	extra = append(extra, conditionProblems("conditions", p.Conditions)...)
	extra = append(extra, conditionProblems("subjects.attributes", p.Subjects.Attributes)...)
	extra = append(extra, conditionProblems("resources.attributes", p.Resources.Attributes)...)
	for i, tw := range p.Context.TimeWindows {
		start, serr := parseClock(tw.Start)
		end, eerr := parseClock(tw.End)
		if serr == nil && eerr == nil && start == end {
			extra = append(extra, fmt.Sprintf("context.time_windows[%d]: start equals end, the window is empty", i))
		}
	}
	if p.EffectiveFrom != nil && p.EffectiveTo != nil && !p.EffectiveFrom.Before(*p.EffectiveTo) {
		extra = append(extra, "effective_from must be before effective_to")
	}
	return newValidationError("policy", p.ID, structValidator().Struct(p), extra)
}

func conditionProblems(field string, conds []Condition) []string {
	var out []string
	for i, c := range conds {
		switch c.Operator {
		case OpIn, OpNotIn:
			if c.Value.Kind() != KindList {
				out = append(out, fmt.Sprintf("%s[%d]: %s needs a list value", field, i, c.Operator))
			}
		case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
			if _, ok := c.Value.Numeric(); !ok {
				out = append(out, fmt.Sprintf("%s[%d]: %s needs a numeric value", field, i, c.Operator))
			}
		}
	}
	return out
}

// ValidateRole checks struct constraints, permission patterns and
// self-inheritance.
func ValidateRole(r *Role) error {
	if r == nil {
		return errors.New("nil role")
	}
	var extra []string
	for i, perm := range r.Permissions {
		if perm.Pattern == "" {
			continue
		}
		if _, err := utils.CompilePattern(perm.Pattern); err != nil {
			extra = append(extra, fmt.Sprintf("permissions[%d].pattern: %v", i, err))
		}
	}
	for _, parent := range r.InheritsFrom {
		if parent == r.ID {
			extra = append(extra, "role inherits from itself")
		}
	}
	return newValidationError("role", r.ID, structValidator().Struct(r), extra)
}

// ValidateAssignment checks struct constraints and scope identifiers.
func ValidateAssignment(a *Assignment) error {
	if a == nil {
		return errors.New("nil assignment")
	}
	var extra []string
	if a.Scope.Type != "" && a.Scope.Type != ScopeGlobal && a.Scope.ID == "" {
		extra = append(extra, fmt.Sprintf("scope %s needs an id", a.Scope.Type))
	}
	return newValidationError("assignment", a.ID, structValidator().Struct(a), extra)
}
