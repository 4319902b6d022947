package utils

import (
	"fmt"
	"regexp"
	"strings"
)

// CompilePattern translates a resource pattern into an anchored regular
// expression. The wildcard '*' matches any sequence of characters (including
// none, greedily); every other character keeps its regular-expression meaning,
// so a pattern such as "doc/(draft" is reported as malformed.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	if IsWildcard(pattern) {
		return matchAll, nil
	}
	expr := "^" + strings.ReplaceAll(pattern, "*", ".*") + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	return re, nil
}

var matchAll = regexp.MustCompile(`^.*$`)

// MatchAny reports whether re matches any of the non-empty values. A
// wildcard pattern matches even when every value is empty, so "*" covers
// resources addressed by type alone.
func MatchAny(re *regexp.Regexp, values ...string) bool {
	if re == nil {
		return false
	}
	if re == matchAll {
		return true
	}
	for _, v := range values {
		if v != "" && re.MatchString(v) {
			return true
		}
	}
	return false
}

// IsWildcard reports whether pattern matches every value.
func IsWildcard(pattern string) bool {
	return strings.Trim(pattern, "*") == "" && pattern != ""
}
