// Package oauth implements the OAuth2 authorization code flow against an
// external identity provider: authenticated state round-tripping, PKCE,
// per-tenant client credentials, code exchange and claim mapping.
package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// Endpoints are the provider URLs, fixed at startup.
type Endpoints struct {
	AuthorizationURL string `yaml:"authorization_endpoint"`
	TokenURL         string `yaml:"token_endpoint"`
	UserInfoURL      string `yaml:"userinfo_endpoint"`
}

// oauth2 returns the endpoint in x/oauth2 form. Client credentials always
// travel in the form body.
func (e Endpoints) oauth2() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   e.AuthorizationURL,
		TokenURL:  e.TokenURL,
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// Provider describes one external identity provider.
type Provider struct {
	Name         string
	DisplayName  string
	Endpoints    Endpoints
	Scopes       []string
	PKCE         bool
	ClaimMapping ClaimMapping
	// SubjectClaim names the claim that must be present after mapping.
	SubjectClaim string
	// ExtraParams are static authorization parameters (e.g. access_type).
	ExtraParams map[string]string
	// AllowedParams lists login query parameters forwarded to the provider.
	AllowedParams []string
	// Issuer and JWKSURL enable OIDC id_token verification.
	Issuer    string
	JWKSURL   string
	UserAgent string
	// SaveTokens keeps provider tokens in the server-side session.
	SaveTokens bool
}

// IsOIDC reports whether id_token verification is configured.
func (p *Provider) IsOIDC() bool {
	return p.Issuer != "" && p.JWKSURL != ""
}

func (p *Provider) subjectClaim() string {
	if p.SubjectClaim == "" {
		return ClaimSubject
	}
	return p.SubjectClaim
}

// Validate checks the provider definition is usable.
func (p *Provider) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if p.Endpoints.AuthorizationURL == "" || p.Endpoints.TokenURL == "" || p.Endpoints.UserInfoURL == "" {
		return fmt.Errorf("provider %s: authorization, token and userinfo endpoints are required", p.Name)
	}
	if len(p.ClaimMapping) == 0 {
		return fmt.Errorf("provider %s: claim mapping is empty", p.Name)
	}
	if !slices.ContainsFunc(p.ClaimMapping, func(a ClaimAction) bool { return a.Claim == p.subjectClaim() }) {
		return fmt.Errorf("provider %s: claim mapping never produces subject claim %q", p.Name, p.subjectClaim())
	}
	return nil
}

// Common claim names.
const (
	ClaimSubject    = "sub"
	ClaimName       = "name"
	ClaimEmail      = "email"
	ClaimGivenName  = "given_name"
	ClaimFamilyName = "family_name"
	ClaimPicture    = "picture"
	ClaimProfileURL = "profile"
)

// GitHub returns the GitHub preset. GitHub is plain OAuth2: no id_token.
func GitHub() *Provider {
	return &Provider{
		Name:        "github",
		DisplayName: "GitHub",
		Endpoints: Endpoints{
			AuthorizationURL: endpoints.GitHub.AuthURL,
			TokenURL:         endpoints.GitHub.TokenURL,
			UserInfoURL:      "https://api.github.com/user",
		},
		Scopes: []string{"read:user", "user:email"},
		PKCE:   true,
		ClaimMapping: ClaimMapping{
			{JSONKey: "id", Claim: ClaimSubject},
			{JSONKey: "login", Claim: ClaimName},
			{JSONKey: "email", Claim: ClaimEmail},
			{JSONKey: "avatar_url", Claim: ClaimPicture},
			{JSONKey: "html_url", Claim: ClaimProfileURL},
		},
		SubjectClaim:  ClaimSubject,
		AllowedParams: []string{"login", "allow_signup", "prompt"},
		UserAgent:     "extlogin",
	}
}

// Google returns the Google preset with OIDC id_token verification.
func Google() *Provider {
	return &Provider{
		Name:        "google",
		DisplayName: "Google",
		Endpoints: Endpoints{
			AuthorizationURL: endpoints.Google.AuthURL,
			TokenURL:         endpoints.Google.TokenURL,
			UserInfoURL:      "https://openidconnect.googleapis.com/v1/userinfo",
		},
		Scopes: []string{"openid", "profile", "email"},
		PKCE:   true,
		ClaimMapping: ClaimMapping{
			{JSONKey: "sub", Claim: ClaimSubject},
			{JSONKey: "name", Claim: ClaimName},
			{JSONKey: "given_name", Claim: ClaimGivenName},
			{JSONKey: "family_name", Claim: ClaimFamilyName},
			{JSONKey: "email", Claim: ClaimEmail},
			{JSONKey: "email_verified", Claim: "email_verified"},
			{JSONKey: "picture", Claim: ClaimPicture},
		},
		SubjectClaim: ClaimSubject,
		AllowedParams: []string{
			"access_type",
			"approval_prompt",
			"prompt",
			"login_hint",
			"include_granted_scopes",
			"hd",
		},
		Issuer:    "https://accounts.google.com",
		JWKSURL:   "https://www.googleapis.com/oauth2/v3/certs",
		UserAgent: "extlogin",
	}
}

// Preset returns a copy of a built-in provider by name.
func Preset(name string) (*Provider, bool) {
	switch name {
	case "github":
		return GitHub(), true
	case "google":
		return Google(), true
	}
	return nil, false
}

// Registry is an immutable set of providers keyed by name.
type Registry struct {
	byName map[string]*Provider
	order  []string
}

// NewRegistry validates and indexes providers. Names must be unique.
func NewRegistry(providers ...*Provider) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Provider, len(providers))}
	for _, p := range providers {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate provider %q", p.Name)
		}
		r.byName[p.Name] = p
		r.order = append(r.order, p.Name)
	}
	return r, nil
}

// Get returns the provider with the given name.
func (r *Registry) Get(name string) (*Provider, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Names returns provider names in registration order.
func (r *Registry) Names() []string {
	return slices.Clone(r.order)
}

// Default returns the only provider when exactly one is registered.
func (r *Registry) Default() (*Provider, bool) {
	if len(r.order) != 1 {
		return nil, false
	}
	return r.byName[r.order[0]], true
}

// ClientCredential is the OAuth2 client identity for one request. The secret
// is redacted from every string and log representation.
type ClientCredential struct {
	ClientID     string
	ClientSecret string
	// Sentinel marks the fallback credential used when nothing could be resolved.
	Sentinel bool
}

// SentinelCredential is deliberately invalid at every provider.
var SentinelCredential = ClientCredential{
	ClientID:     "unconfigured-client",
	ClientSecret: "unconfigured-secret",
	Sentinel:     true,
}

func (c ClientCredential) String() string {
	return fmt.Sprintf("ClientCredential{ClientID:%s ClientSecret:**** Sentinel:%t}", c.ClientID, c.Sentinel)
}

// LogValue implements slog.LogValuer.
func (c ClientCredential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("client_id", c.ClientID),
		slog.Bool("sentinel", c.Sentinel),
	)
}

// ResolveContext is the input of credential resolution.
type ResolveContext struct {
	Provider string
	Tenant   string
}

// Resolver yields the client credential for a provider and tenant. It must
// return the same credential for the challenge and the callback of one attempt.
type Resolver interface {
	Resolve(ctx context.Context, rc ResolveContext) (ClientCredential, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, rc ResolveContext) (ClientCredential, error)

func (f ResolverFunc) Resolve(ctx context.Context, rc ResolveContext) (ClientCredential, error) {
	return f(ctx, rc)
}

// ConfigNotFound builds the error resolvers return for an unknown tenant.
func ConfigNotFound(rc ResolveContext) error {
	return newError(KindConfigNotFound, rc.Provider, fmt.Sprintf("no client credential for tenant %q", rc.Tenant), nil)
}
