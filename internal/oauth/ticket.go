package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
)

const maxUserInfoBytes = 1 << 20

// IDTokenExpectation carries what a verified id_token must match.
type IDTokenExpectation struct {
	ClientID string
	Nonce    string
}

// TicketBuilder turns an access token into a Principal.
type TicketBuilder struct {
	client  *http.Client
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	keySets map[string]*gooidc.RemoteKeySet
}

// NewTicketBuilder creates a builder using client for user-info and JWKS
// fetches; http.DefaultClient when nil.
func NewTicketBuilder(client *http.Client, timeout time.Duration) *TicketBuilder {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultBackchannelTimeout
	}
	return &TicketBuilder{
		client:  client,
		timeout: timeout,
		now:     time.Now,
		keySets: make(map[string]*gooidc.RemoteKeySet),
	}
}

// Build fetches user-info, applies the provider's claim mapping and, for
// OIDC providers, verifies the id_token.
func (b *TicketBuilder) Build(ctx context.Context, p *Provider, tok *TokenResponse, expect IDTokenExpectation) (*Principal, error) {
	doc, err := b.fetchUserInfo(ctx, p, tok)
	if err != nil {
		return nil, err
	}

	claims := p.ClaimMapping.Apply(doc)
	subject, ok := claims.Get(p.subjectClaim())
	if !ok || subject == "" {
		return nil, newError(KindMissingSubjectClaim, p.Name, fmt.Sprintf("claim %q absent from user info", p.subjectClaim()), nil)
	}

	if p.IsOIDC() && tok.IDToken != "" {
		if err := b.verifyIDToken(ctx, p, tok, expect, doc); err != nil {
			return nil, err
		}
	}

	return &Principal{
		Provider: p.Name,
		Subject:  subject,
		Claims:   claims,
	}, nil
}

func (b *TicketBuilder) fetchUserInfo(ctx context.Context, p *Provider, tok *TokenResponse) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Endpoints.UserInfoURL, nil)
	if err != nil {
		return nil, newError(KindUserInfoFailed, p.Name, "build request", err)
	}
	tok.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, newError(KindTransient, p.Name, "user info endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBytes))
	if err != nil {
		return nil, newError(KindTransient, p.Name, "read user info", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := newError(KindUserInfoFailed, p.Name, fmt.Sprintf("status %d", resp.StatusCode), nil)
		e.Status = resp.StatusCode
		return nil, e
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]any
	err = dec.Decode(&doc)
	if err == nil && dec.Decode(&struct{}{}) != io.EOF {
		err = errors.New("trailing data after JSON object")
	}
	if err != nil || doc == nil {
		e := newError(KindUserInfoFailed, p.Name, "user info is not a JSON object", err)
		e.Status = resp.StatusCode
		return nil, e
	}
	return doc, nil
}

func (b *TicketBuilder) verifyIDToken(ctx context.Context, p *Provider, tok *TokenResponse, expect IDTokenExpectation, doc map[string]any) error {
	ctx, cancel := context.WithTimeout(gooidc.ClientContext(ctx, b.client), b.timeout)
	defer cancel()

	verifier := gooidc.NewVerifier(p.Issuer, b.keySet(p.JWKSURL), &gooidc.Config{
		ClientID: expect.ClientID,
		Now:      b.now,
	})
	idToken, err := verifier.Verify(ctx, tok.IDToken)
	if err != nil {
		return newError(KindIDTokenInvalid, p.Name, "verify id_token", err)
	}
	if expect.Nonce != "" && idToken.Nonce != expect.Nonce {
		return newError(KindIDTokenInvalid, p.Name, "id_token nonce mismatch", nil)
	}
	if sub, ok := doc["sub"].(string); ok && sub != idToken.Subject {
		return newError(KindIDTokenInvalid, p.Name, "id_token subject does not match user info", nil)
	}
	return nil
}

// keySet returns the cached remote key set for a JWKS URL. Key sets live for
// the builder's lifetime, so they are bound to a background context.
func (b *TicketBuilder) keySet(jwksURL string) gooidc.KeySet {
	b.mu.Lock()
	defer b.mu.Unlock()
	ks, ok := b.keySets[jwksURL]
	if !ok {
		ks = gooidc.NewRemoteKeySet(gooidc.ClientContext(context.Background(), b.client), jwksURL)
		b.keySets[jwksURL] = ks
	}
	return ks
}
