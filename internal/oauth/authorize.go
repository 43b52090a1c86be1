package oauth

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"golang.org/x/oauth2"
)

// Parameters the caller may never override on the authorization URL.
var protectedParams = map[string]bool{
	"client_id":     true,
	"state":         true,
	"response_type": true,
	"redirect_uri":  true,
}

var pkceParams = map[string]bool{
	"code_challenge":        true,
	"code_challenge_method": true,
}

// AuthorizationRequest is the input of AuthorizationRequestBuilder.Build.
type AuthorizationRequest struct {
	Provider    *Provider
	Credential  ClientCredential
	RedirectURL string
	// State may carry a preset Nonce; a fresh one is generated otherwise.
	// Any CodeVerifier is replaced when PKCE is enabled.
	State       AuthState
	ExtraParams map[string]string
}

// AuthorizationRequestBuilder produces provider authorization URLs.
type AuthorizationRequestBuilder struct {
	codec *StateCodec
}

// NewAuthorizationRequestBuilder creates a builder sealing state with codec.
func NewAuthorizationRequestBuilder(codec *StateCodec) *AuthorizationRequestBuilder {
	return &AuthorizationRequestBuilder{codec: codec}
}

// Build returns the authorization URL and the AuthState sealed into it.
func (b *AuthorizationRequestBuilder) Build(req AuthorizationRequest) (string, AuthState, error) {
	p := req.Provider
	if p == nil {
		return "", AuthState{}, errors.New("build authorization url: nil provider")
	}
	if req.RedirectURL == "" {
		return "", AuthState{}, fmt.Errorf("build authorization url for %s: empty redirect url", p.Name)
	}

	state := req.State
	state.Provider = p.Name
	if state.Properties != nil {
		state.Properties = maps.Clone(state.Properties)
	}
	if state.Nonce == "" {
		nonce, err := NewNonce()
		if err != nil {
			return "", AuthState{}, err
		}
		state.Nonce = nonce
	}

	var opts []oauth2.AuthCodeOption
	state.CodeVerifier = ""
	if p.PKCE {
		state.CodeVerifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(state.CodeVerifier))
	}
	if p.IsOIDC() {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", state.Nonce))
	}

	// Static provider params first, caller params last so they win.
	for _, params := range []map[string]string{p.ExtraParams, req.ExtraParams} {
		for _, k := range slices.Sorted(maps.Keys(params)) {
			if protectedParams[k] || (p.PKCE && pkceParams[k]) {
				continue
			}
			if k == "scope" && params[k] == "" {
				continue
			}
			opts = append(opts, oauth2.SetAuthURLParam(k, params[k]))
		}
	}

	encoded, err := b.codec.Encode(state)
	if err != nil {
		return "", AuthState{}, err
	}

	cfg := oauth2.Config{
		ClientID:    req.Credential.ClientID,
		Endpoint:    p.Endpoints.oauth2(),
		RedirectURL: req.RedirectURL,
		Scopes:      normalizeScopes(p.Scopes),
	}
	return cfg.AuthCodeURL(encoded, opts...), state, nil
}

// normalizeScopes drops empty and repeated scopes, keeping first-seen order.
func normalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s == "" || slices.Contains(out, s) {
			continue
		}
		out = append(out, s)
	}
	return out
}
