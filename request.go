package pdp

import (
	"context"
	"fmt"
	"strings"

	"github.com/oarkflow/date"
)

// FlatRequest is the flat form of an access request used by the CLI and by
// JSON callers that do not build the nested types.
type FlatRequest struct {
	PrincipalID string            `json:"principal_id"`
	Roles       []string          `json:"roles,omitempty"`
	Groups      []string          `json:"groups,omitempty"`
	Action      string            `json:"action"`
	Resource    string            `json:"resource"` // format: type:id
	Path        string            `json:"path,omitempty"`
	IP          string            `json:"ip,omitempty"`
	MFA         bool              `json:"mfa,omitempty"`
	At          string            `json:"at,omitempty"`
	Principal   map[string]string `json:"principal_attributes,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// AccessRequest converts r. Attribute values are parsed as JSON literals when
// possible ("3" becomes a number, "true" a bool) and kept as strings
// otherwise.
func (r *FlatRequest) AccessRequest() (AccessRequest, error) {
	action, err := ParseAction(r.Action)
	if err != nil {
		return AccessRequest{}, err
	}
	req := AccessRequest{
		Principal: Principal{
			ID:         r.PrincipalID,
			Roles:      splitList(r.Roles),
			Groups:     splitList(r.Groups),
			Attributes: literalMap(r.Principal),
		},
		Resource: ParseResourceRef(r.Resource),
		Action:   action,
		Context: RequestContext{
			IP:          r.IP,
			MFAVerified: r.MFA,
			Attributes:  literalMap(r.Attributes),
		},
	}
	req.Resource.Path = r.Path
	if r.At != "" {
		at, err := date.Parse(r.At)
		if err != nil {
			return AccessRequest{}, fmt.Errorf("parse time %q: %w", r.At, err)
		}
		req.Context.Time = at
	}
	return req, nil
}

// EvaluateRequest evaluates a flat request.
func (e *Engine) EvaluateRequest(ctx context.Context, r *FlatRequest) (*Decision, error) {
	req, err := r.AccessRequest()
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, req)
}

// splitList accepts both repeated and comma-separated entries.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func literalMap(in map[string]string) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = parseLiteral(v).Interface()
	}
	return out
}
