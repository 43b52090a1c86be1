package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"
)

// Observer receives flow outcomes, e.g. for metrics.
type Observer interface {
	ChallengeIssued(provider string)
	LoginCompleted(provider string, result string)
}

// ResultSuccess is the outcome label of a completed login.
const ResultSuccess = "success"

// FlowConfig wires a Flow.
type FlowConfig struct {
	Providers *Registry
	Resolver  Resolver
	Codec     *StateCodec
	Nonces    NonceStore
	// CallbackURL is the absolute redirect_uri registered with every provider.
	CallbackURL string
	HTTPClient  *http.Client
	Timeout     time.Duration
	Logger      *slog.Logger
	Observer    Observer
}

// Flow runs challenge and callback for every configured provider.
type Flow struct {
	providers   *Registry
	resolver    Resolver
	builder     *AuthorizationRequestBuilder
	processor   *CallbackProcessor
	tickets     *TicketBuilder
	callbackURL string
	logger      *slog.Logger
	observer    Observer
}

// NewFlow builds the flow components from cfg.
func NewFlow(cfg FlowConfig) (*Flow, error) {
	if cfg.Providers == nil || cfg.Resolver == nil || cfg.Codec == nil {
		return nil, fmt.Errorf("flow: providers, resolver and codec are required")
	}
	if cfg.CallbackURL == "" {
		return nil, fmt.Errorf("flow: callback url is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	f := &Flow{
		providers:   cfg.Providers,
		resolver:    cfg.Resolver,
		builder:     NewAuthorizationRequestBuilder(cfg.Codec),
		tickets:     NewTicketBuilder(cfg.HTTPClient, cfg.Timeout),
		callbackURL: cfg.CallbackURL,
		logger:      logger,
		observer:    cfg.Observer,
	}
	f.processor = NewCallbackProcessor(CallbackProcessorConfig{
		Codec:       cfg.Codec,
		Providers:   cfg.Providers,
		Resolver:    cfg.Resolver,
		Nonces:      cfg.Nonces,
		HTTPClient:  cfg.HTTPClient,
		Timeout:     cfg.Timeout,
		RedirectURL: func(*Provider) string { return f.callbackURL },
	})
	return f, nil
}

// Providers returns the provider registry.
func (f *Flow) Providers() *Registry { return f.providers }

// LoginRequest is an incoming /login.
type LoginRequest struct {
	Provider    string
	Tenant      string
	RedirectURI string
	// Params are login query parameters; only the provider's AllowedParams
	// are forwarded.
	Params map[string]string
}

// Challenge is the redirect to send the browser to.
type Challenge struct {
	URL   string
	State AuthState
}

// Challenge resolves the credential and builds the authorization URL.
func (f *Flow) Challenge(ctx context.Context, req LoginRequest) (*Challenge, error) {
	p, err := f.provider(req.Provider)
	if err != nil {
		return nil, err
	}

	cred, err := f.resolver.Resolve(ctx, ResolveContext{Provider: p.Name, Tenant: req.Tenant})
	if err != nil {
		if KindOf(err) == KindUnknown {
			err = newError(KindConfigNotFound, p.Name, "resolve credential", err)
		}
		return nil, err
	}
	if cred.Sentinel {
		f.logger.WarnContext(ctx, "no client credential configured, using sentinel",
			"provider", p.Name, "tenant", req.Tenant)
	}

	state := AuthState{RedirectURI: req.RedirectURI}
	if req.Tenant != "" {
		state.Properties = map[string]string{PropertyTenant: req.Tenant}
	}

	extra := make(map[string]string)
	for k, v := range req.Params {
		if v != "" && slices.Contains(p.AllowedParams, k) {
			extra[k] = v
		}
	}

	u, st, err := f.builder.Build(AuthorizationRequest{
		Provider:    p,
		Credential:  cred,
		RedirectURL: f.callbackURL,
		State:       state,
		ExtraParams: extra,
	})
	if err != nil {
		return nil, fmt.Errorf("challenge %s: %w", p.Name, err)
	}
	if f.observer != nil {
		f.observer.ChallengeIssued(p.Name)
	}
	f.logger.DebugContext(ctx, "login challenge issued",
		"provider", p.Name, "tenant", req.Tenant, "credential", cred, "pkce", st.CodeVerifier != "")
	return &Challenge{URL: u, State: st}, nil
}

// Complete processes a callback and returns the authenticated principal
// together with the recovered state.
func (f *Flow) Complete(ctx context.Context, cb Callback) (*Principal, AuthState, error) {
	p, st, err := f.complete(ctx, cb)
	provider := st.Provider
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Provider != "" {
			provider = e.Provider
		}
		f.observe(provider, KindOf(err).String())
		f.logger.WarnContext(ctx, "login failed", "provider", provider, "kind", KindOf(err).String(), "error", err)
		return nil, st, err
	}
	f.observe(provider, ResultSuccess)
	f.logger.InfoContext(ctx, "login succeeded", "provider", provider, "subject", p.Subject, "tenant", st.Tenant())
	return p, st, nil
}

func (f *Flow) complete(ctx context.Context, cb Callback) (*Principal, AuthState, error) {
	res, err := f.processor.Process(ctx, cb)
	if err != nil {
		return nil, AuthState{}, err
	}
	principal, err := f.tickets.Build(ctx, res.Provider, res.Token, IDTokenExpectation{
		ClientID: res.Credential.ClientID,
		Nonce:    res.State.Nonce,
	})
	if err != nil {
		return nil, res.State, err
	}
	principal.Properties = res.State.Properties
	if res.Provider.SaveTokens {
		principal.Tokens = res.Token
	}
	return principal, res.State, nil
}

func (f *Flow) observe(provider, result string) {
	if f.observer != nil {
		f.observer.LoginCompleted(provider, result)
	}
}

func (f *Flow) provider(name string) (*Provider, error) {
	if name == "" {
		if p, ok := f.providers.Default(); ok {
			return p, nil
		}
		return nil, &UnknownProviderError{Name: name}
	}
	p, ok := f.providers.Get(name)
	if !ok {
		return nil, &UnknownProviderError{Name: name}
	}
	return p, nil
}

// UnknownProviderError is returned by Challenge for an unconfigured provider.
type UnknownProviderError struct {
	Name string
}

func (e *UnknownProviderError) Error() string {
	if e.Name == "" {
		return "oauth: provider is required"
	}
	return fmt.Sprintf("oauth: unknown provider %q", e.Name)
}
