package stores

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/date"
)

// sqlTimeLayout is fixed width so stored timestamps compare lexically.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}

func parseFlexibleTime(s string) (time.Time, error) {
	if t, err := time.Parse(sqlTimeLayout, s); err == nil {
		return t, nil
	}
	return date.Parse(s)
}

// scanTime converts a scanned column into a time. Drivers hand back
// time.Time, string or []byte depending on the column affinity.
func scanTime(raw any) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t
		}
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeBody(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	return string(b), nil
}

func decodeBody[T any](body string) (*T, error) {
	out := new(T)
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return out, nil
}
