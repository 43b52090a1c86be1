package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

// DefaultBackchannelTimeout bounds each server-to-server call.
const DefaultBackchannelTimeout = 10 * time.Second

// Callback is the parsed provider redirect.
type Callback struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
	ErrorURI         string
	// Correlate reports whether the browser presenting this callback started
	// the attempt with the given nonce. Nil skips the check.
	Correlate func(nonce string) bool
}

// ParseCallback extracts the callback parameters from a query string.
func ParseCallback(q url.Values) Callback {
	return Callback{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		ErrorURI:         q.Get("error_uri"),
	}
}

// TokenResponse is the normalized result of a code exchange. It is a secret:
// String and LogValue never reveal the tokens.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	IDToken      string
	Expiry       time.Time

	token *oauth2.Token
}

func newTokenResponse(t *oauth2.Token) *TokenResponse {
	tr := &TokenResponse{
		AccessToken:  t.AccessToken,
		TokenType:    t.Type(),
		ExpiresIn:    t.ExpiresIn,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry,
		token:        t,
	}
	if idt, ok := t.Extra("id_token").(string); ok {
		tr.IDToken = idt
	}
	return tr
}

// Extra returns a raw field of the provider's token response.
func (t *TokenResponse) Extra(key string) any {
	if t.token == nil {
		return nil
	}
	return t.token.Extra(key)
}

// SetAuthHeader sets the bearer Authorization header on r.
func (t *TokenResponse) SetAuthHeader(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+t.AccessToken)
}

func (t *TokenResponse) String() string {
	return fmt.Sprintf("TokenResponse{TokenType:%s ExpiresIn:%d AccessToken:**** RefreshToken:****}", t.TokenType, t.ExpiresIn)
}

// LogValue implements slog.LogValuer.
func (t *TokenResponse) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("token_type", t.TokenType),
		slog.Int64("expires_in", t.ExpiresIn),
		slog.Bool("refresh_token", t.RefreshToken != ""),
		slog.Bool("id_token", t.IDToken != ""),
	)
}

// CallbackResult is what a successful callback yields for the ticket builder.
type CallbackResult struct {
	Provider   *Provider
	State      AuthState
	Credential ClientCredential
	Token      *TokenResponse
}

// CallbackProcessor validates a callback and exchanges its code.
type CallbackProcessor struct {
	codec       *StateCodec
	providers   *Registry
	resolver    Resolver
	nonces      NonceStore
	client      *http.Client
	timeout     time.Duration
	redirectURL func(p *Provider) string
}

// CallbackProcessorConfig wires a CallbackProcessor.
type CallbackProcessorConfig struct {
	Codec     *StateCodec
	Providers *Registry
	Resolver  Resolver
	// Nonces is optional; without it replay protection relies on Correlate.
	Nonces NonceStore
	// HTTPClient is the backchannel client; http.DefaultClient when nil.
	HTTPClient *http.Client
	Timeout    time.Duration
	// RedirectURL must return the exact redirect_uri used at challenge time.
	RedirectURL func(p *Provider) string
}

// NewCallbackProcessor creates a processor.
func NewCallbackProcessor(cfg CallbackProcessorConfig) *CallbackProcessor {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultBackchannelTimeout
	}
	return &CallbackProcessor{
		codec:       cfg.Codec,
		providers:   cfg.Providers,
		resolver:    cfg.Resolver,
		nonces:      cfg.Nonces,
		client:      client,
		timeout:     timeout,
		redirectURL: cfg.RedirectURL,
	}
}

// Process runs parse, state validation, credential resolution and code
// exchange. Every failure is a terminal *Error; nothing is retried.
func (cp *CallbackProcessor) Process(ctx context.Context, cb Callback) (*CallbackResult, error) {
	if cb.Error != "" {
		e := newError(KindProviderDenied, "", "", nil)
		e.ProviderError = &ProviderError{Code: cb.Error, Description: cb.ErrorDescription, URI: cb.ErrorURI}
		// A denied attempt is still spent: release the browser's
		// correlation and burn the nonce so the state cannot be reused.
		if st, expiry, err := cp.codec.decode(cb.State); err == nil {
			e.Provider = st.Provider
			if cb.Correlate != nil && cb.Correlate(st.Nonce) && cp.nonces != nil {
				_, _ = cp.nonces.Consume(ctx, st.Nonce, expiry)
			}
		}
		return nil, e
	}
	if cb.Code == "" || cb.State == "" {
		return nil, newError(KindInvalidCallback, "", "missing code or state", nil)
	}

	state, expiry, err := cp.codec.decode(cb.State)
	if err != nil {
		return nil, err
	}
	if cb.Correlate != nil && !cb.Correlate(state.Nonce) {
		return nil, newError(KindInvalidCallback, state.Provider, "correlation failed", nil)
	}
	if cp.nonces != nil {
		fresh, err := cp.nonces.Consume(ctx, state.Nonce, expiry)
		if err != nil {
			return nil, newError(KindTransient, state.Provider, "record nonce", err)
		}
		if !fresh {
			return nil, newError(KindInvalidCallback, state.Provider, "state already used", nil)
		}
	}

	provider, ok := cp.providers.Get(state.Provider)
	if !ok {
		return nil, newError(KindInvalidCallback, state.Provider, "unknown provider in state", nil)
	}

	cred, err := cp.resolver.Resolve(ctx, ResolveContext{Provider: provider.Name, Tenant: state.Tenant()})
	if err != nil {
		if KindOf(err) == KindUnknown {
			err = newError(KindConfigNotFound, provider.Name, "resolve credential", err)
		}
		return nil, err
	}

	tok, err := cp.exchange(ctx, provider, cred, cb.Code, state.CodeVerifier)
	if err != nil {
		return nil, err
	}
	return &CallbackResult{Provider: provider, State: state, Credential: cred, Token: tok}, nil
}

func (cp *CallbackProcessor) exchange(ctx context.Context, p *Provider, cred ClientCredential, code, verifier string) (*TokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, cp.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, cp.client)

	cfg := oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		Endpoint:     p.Endpoints.oauth2(),
		RedirectURL:  cp.redirectURL(p),
	}
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	tok, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, classifyExchangeError(ctx, p.Name, err)
	}
	return newTokenResponse(tok), nil
}

func classifyExchangeError(ctx context.Context, provider string, err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		e := newError(KindTokenExchangeFailed, provider, "", nil)
		if rErr.Response != nil {
			e.Status = rErr.Response.StatusCode
		}
		e.ProviderError = &ProviderError{
			Code:        rErr.ErrorCode,
			Description: rErr.ErrorDescription,
			URI:         rErr.ErrorURI,
		}
		if e.ProviderError.Code == "" {
			e.ProviderError.Code = "unknown_error"
		}
		return e
	}
	if isTransient(ctx, err) {
		return newError(KindTransient, provider, "token endpoint unreachable", err)
	}
	return newError(KindTokenExchangeFailed, provider, "invalid token response", err)
}

func isTransient(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
