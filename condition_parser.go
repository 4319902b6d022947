package pdp

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var conditionRe = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_.\-]*)\s+(==|!=|>=|<=|>|<|[a-z_]+)\s+(.+?)\s*$`)

var operatorAliases = map[string]Operator{
	"==": OpEquals,
	"!=": OpNotEquals,
	">":  OpGreaterThan,
	"<":  OpLessThan,
	">=": OpGreaterOrEqual,
	"<=": OpLessOrEqual,
}

// ParseCondition parses the compact "attribute operator value" form, e.g.
//
//	department equals "finance"
//	clearance >= 3
//	principal.region in ["eu", "us"]
//
// Values are read as JSON when possible; anything else is a bare string.
func ParseCondition(s string) (Condition, error) {
	m := conditionRe.FindStringSubmatch(s)
	if m == nil {
		return Condition{}, fmt.Errorf("unsupported condition syntax: %s", s)
	}
	op := Operator(m[2])
	if alias, ok := operatorAliases[m[2]]; ok {
		op = alias
	}
	if !op.Valid() {
		return Condition{}, fmt.Errorf("unsupported condition operator %q in: %s", m[2], s)
	}
	return Condition{Attribute: m[1], Operator: op, Value: parseLiteral(m[3])}, nil
}

func parseLiteral(raw string) Value {
	raw = strings.TrimSpace(raw)
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		if v, ok := ValueOf(decoded); ok {
			return v
		}
	}
	if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		parts := splitCSV(raw[1 : len(raw)-1])
		out := make([]Value, len(parts))
		for i, p := range parts {
			out[i] = parseLiteral(p)
		}
		return ListValue(out...)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return NumberValue(f)
	}
	return StringValue(strings.Trim(raw, "'"))
}

// splitCSV splits items like "\"a\",\"b\"" or "a, b" into []string (trimmed)
func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
