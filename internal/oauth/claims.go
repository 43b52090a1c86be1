package oauth

import (
	"encoding/json"
	"strconv"
)

// ClaimAction maps one top-level user-info JSON key to a claim name.
type ClaimAction struct {
	JSONKey string `yaml:"json_key" json:"json_key"`
	Claim   string `yaml:"claim" json:"claim"`
}

// ClaimMapping is applied in order; the first action producing a claim name wins.
type ClaimMapping []ClaimAction

// Claim is a single named identity attribute.
type Claim struct {
	Name  string `json:"type"`
	Value string `json:"value"`
}

// ClaimSet holds claims unique by name, in mapping order.
type ClaimSet []Claim

// Get returns the value of the named claim.
func (cs ClaimSet) Get(name string) (string, bool) {
	for _, c := range cs {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

// Map returns the claims keyed by name.
func (cs ClaimSet) Map() map[string]string {
	m := make(map[string]string, len(cs))
	for _, c := range cs {
		m[c.Name] = c.Value
	}
	return m
}

// Apply projects a decoded user-info document. Keys missing from the
// document, or explicitly null, are skipped.
func (m ClaimMapping) Apply(doc map[string]any) ClaimSet {
	out := make(ClaimSet, 0, len(m))
	seen := make(map[string]struct{}, len(m))
	for _, action := range m {
		if _, dup := seen[action.Claim]; dup {
			continue
		}
		raw, ok := doc[action.JSONKey]
		if !ok || raw == nil {
			continue
		}
		value, ok := stringify(raw)
		if !ok {
			continue
		}
		seen[action.Claim] = struct{}{}
		out = append(out, Claim{Name: action.Claim, Value: value})
	}
	return out
}

// stringify renders a JSON value as a claim value. Documents must be decoded
// with UseNumber so numeric ids keep their literal form.
func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

// Principal is the authenticated identity handed to the session layer.
type Principal struct {
	Provider   string            `json:"provider"`
	Subject    string            `json:"subject"`
	Claims     ClaimSet          `json:"claims"`
	Properties map[string]string `json:"properties,omitempty"`
	// Tokens is set only when the provider has SaveTokens enabled.
	Tokens *TokenResponse `json:"-"`
}
