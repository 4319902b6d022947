package pdp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Operator of an attribute condition.
type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpContains       Operator = "contains"
	OpIn             Operator = "in"
	OpNotIn          Operator = "not_in"
	OpStartsWith     Operator = "starts_with"
	OpGreaterThan    Operator = "greater_than"
	OpLessThan       Operator = "less_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessOrEqual    Operator = "less_or_equal"
)

var knownOperators = map[Operator]struct{}{
	OpEquals: {}, OpNotEquals: {}, OpContains: {}, OpIn: {}, OpNotIn: {},
	OpStartsWith: {}, OpGreaterThan: {}, OpLessThan: {}, OpGreaterOrEqual: {}, OpLessOrEqual: {},
}

// Valid reports whether op is a supported operator.
func (op Operator) Valid() bool {
	_, ok := knownOperators[op]
	return ok
}

// Condition is a single attribute test. A policy's conditions form a
// conjunction.
type Condition struct {
	Attribute string   `json:"attribute" yaml:"attribute" validate:"required"`
	Operator  Operator `json:"operator" yaml:"operator" validate:"required,operator"`
	Value     Value    `json:"value" yaml:"value"`
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %s", c.Attribute, c.Operator, c.Value)
}

// Holds applies the operator to a present attribute value. Mismatched
// operand kinds fail the condition.
func (c Condition) Holds(attr Value) bool {
	if attr.IsNull() {
		return false
	}
	switch c.Operator {
	case OpEquals:
		return attr.Equal(c.Value)
	case OpNotEquals:
		return attr.Kind() == c.Value.Kind() && !attr.Equal(c.Value)
	case OpContains:
		if c.Value.IsNull() || c.Value.Kind() == KindList {
			return false
		}
		if attr.Kind() == KindList {
			return attr.Contains(c.Value)
		}
		return strings.Contains(attr.String(), c.Value.String())
	case OpIn, OpNotIn:
		if c.Value.Kind() != KindList || attr.Kind() == KindList {
			return false
		}
		member := c.Value.Contains(attr)
		if c.Operator == OpIn {
			return member
		}
		return !member
	case OpStartsWith:
		s, ok := attr.AsString()
		prefix, okp := c.Value.AsString()
		return ok && okp && strings.HasPrefix(s, prefix)
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		a, ok := attr.Numeric()
		b, okb := c.Value.Numeric()
		if !ok || !okb {
			return false
		}
		switch c.Operator {
		case OpGreaterThan:
			return a > b
		case OpLessThan:
			return a < b
		case OpGreaterOrEqual:
			return a >= b
		default:
			return a <= b
		}
	}
	return false
}

func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		parsed, err := ParseCondition(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*c = parsed
		return nil
	}
	type plain Condition
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = Condition(p)
	return nil
}

func (c *Condition) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParseCondition(s)
		if err != nil {
			return err
		}
		*c = parsed
		return nil
	}
	type plain Condition
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Condition(p)
	return nil
}

// lookupFunc resolves an attribute reference. Absent attributes report false.
type lookupFunc func(name string) (Value, bool)

// conditionsHold is the conjunction over conds. It returns the index of the
// first failing condition, or -1.
func conditionsHold(conds []Condition, lookup lookupFunc) (bool, int) {
	for i, c := range conds {
		v, ok := lookup(c.Attribute)
		if !ok || !c.Holds(v) {
			return false, i
		}
	}
	return true, -1
}

// attributeView exposes the attributes of one request to conditions.
//
// Bare names read the default bag. Prefixed names select a bag explicitly:
// principal.*, resource.*, context.* (alias env.*).
type attributeView struct {
	principal *Principal
	roles     []string
	resource  *Resource
	rc        *RequestContext
	at        time.Time
}

const (
	bagContext   = "context"
	bagPrincipal = "principal"
	bagResource  = "resource"
)

func (v *attributeView) lookupIn(defaultBag string) lookupFunc {
	return func(name string) (Value, bool) {
		bag, key := defaultBag, name
		if idx := strings.Index(name, "."); idx > 0 {
			switch prefix := name[:idx]; prefix {
			case bagPrincipal, bagResource, bagContext:
				bag, key = prefix, name[idx+1:]
			case "env":
				bag, key = bagContext, name[idx+1:]
			}
		}
		return v.lookup(bag, key)
	}
}

func (v *attributeView) lookup(bag, key string) (Value, bool) {
	switch bag {
	case bagPrincipal:
		if v.principal == nil {
			return Value{}, false
		}
		switch key {
		case "id":
			return StringValue(v.principal.ID), true
		case "roles":
			return Strings(v.roles...), true
		case "groups":
			return Strings(v.principal.Groups...), true
		}
		return fromBag(v.principal.Attributes, key)
	case bagResource:
		if v.resource == nil {
			return Value{}, false
		}
		switch key {
		case "id":
			return StringValue(v.resource.ID), true
		case "type":
			return StringValue(v.resource.Type), true
		case "path":
			if v.resource.Path == "" {
				return Value{}, false
			}
			return StringValue(v.resource.Path), true
		}
		return fromBag(v.resource.Attributes, key)
	default:
		if v.rc == nil {
			return Value{}, false
		}
		switch key {
		case "ip":
			if v.rc.IP == "" {
				return Value{}, false
			}
			return StringValue(v.rc.IP), true
		case "mfaVerified", "mfa_verified":
			return BoolValue(v.rc.MFAVerified), true
		case "time":
			return StringValue(v.at.Format(time.RFC3339)), true
		}
		return fromBag(v.rc.Attributes, key)
	}
}

func fromBag(bag map[string]any, key string) (Value, bool) {
	raw, ok := bag[key]
	if !ok || raw == nil {
		return Value{}, false
	}
	val, ok := ValueOf(raw)
	if !ok || val.IsNull() {
		return Value{}, false
	}
	return val, true
}
