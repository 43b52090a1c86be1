package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const (
	testClientID     = "test-client-id"
	testClientSecret = "test-client-secret"
	testCallbackURL  = "http://localhost:8080/callback"
)

type issuedCode struct {
	clientID    string
	redirectURI string
	challenge   string
	nonce       string
}

// mockProvider is an httptest identity provider serving token, user-info and
// JWKS endpoints. Codes are issued by authorize, which stands in for the
// browser round trip.
type mockProvider struct {
	t   *testing.T
	srv *httptest.Server
	key *rsa.PrivateKey

	mu    sync.Mutex
	codes map[string]issuedCode
	seq   int

	tokenCalls    atomic.Int32
	userInfoCalls atomic.Int32

	// userInfo is served to holders of the issued access token.
	userInfo       map[string]any
	userInfoStatus int
	// idTokenNonce overrides the nonce put in id_tokens when non-empty.
	idTokenNonce string
	// idTokenSubject overrides the subject put in id_tokens when non-empty.
	idTokenSubject string
	oidc           bool
}

func newMockProvider(t *testing.T) *mockProvider {
	t.Helper()

	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	mp := &mockProvider{
		t:     t,
		key:   privKey,
		codes: make(map[string]issuedCode),
		userInfo: map[string]any{
			"id":    12345,
			"login": "octocat",
			"email": "o@x.io",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", mp.handleToken)
	mux.HandleFunc("GET /userinfo", mp.handleUserInfo)
	mux.HandleFunc("GET /keys", func(w http.ResponseWriter, r *http.Request) {
		jwks := jose.JSONWebKeySet{
			Keys: []jose.JSONWebKey{
				{
					Key:       &privKey.PublicKey,
					KeyID:     "test-key-1",
					Algorithm: string(jose.RS256),
					Use:       "sig",
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	})
	mp.srv = httptest.NewServer(mux)
	t.Cleanup(mp.srv.Close)
	return mp
}

// provider returns a plain OAuth2 provider (GitHub-style mapping) pointing at
// the mock, or an OIDC one when oidc is enabled.
func (mp *mockProvider) provider() *Provider {
	p := &Provider{
		Name: "mock",
		Endpoints: Endpoints{
			AuthorizationURL: mp.srv.URL + "/authorize",
			TokenURL:         mp.srv.URL + "/token",
			UserInfoURL:      mp.srv.URL + "/userinfo",
		},
		Scopes: []string{"read:user", "user:email"},
		PKCE:   true,
		ClaimMapping: ClaimMapping{
			{JSONKey: "id", Claim: ClaimSubject},
			{JSONKey: "login", Claim: ClaimName},
			{JSONKey: "email", Claim: ClaimEmail},
		},
		AllowedParams: []string{"prompt", "login_hint"},
		UserAgent:     "extlogin-test",
	}
	if mp.oidc {
		p.Issuer = mp.srv.URL
		p.JWKSURL = mp.srv.URL + "/keys"
	}
	return p
}

// authorize plays the provider's consent page: it reads the authorization
// URL and returns the code the browser would be redirected back with.
func (mp *mockProvider) authorize(authURL string) (code, state string) {
	mp.t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		mp.t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	if q.Get("response_type") != "code" {
		mp.t.Fatalf("response_type = %q, want code", q.Get("response_type"))
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.seq++
	code = fmt.Sprintf("code-%d", mp.seq)
	mp.codes[code] = issuedCode{
		clientID:    q.Get("client_id"),
		redirectURI: q.Get("redirect_uri"),
		challenge:   q.Get("code_challenge"),
		nonce:       q.Get("nonce"),
	}
	return code, q.Get("state")
}

func tokenError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": desc,
	})
}

func (mp *mockProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	mp.tokenCalls.Add(1)
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}
	if r.PostForm.Get("client_id") != testClientID || r.PostForm.Get("client_secret") != testClientSecret {
		tokenError(w, http.StatusUnauthorized, "invalid_client", "Client authentication failed")
		return
	}

	mp.mu.Lock()
	issued, ok := mp.codes[r.PostForm.Get("code")]
	delete(mp.codes, r.PostForm.Get("code"))
	mp.mu.Unlock()
	if !ok {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "code is invalid or expired")
		return
	}
	if issued.redirectURI != r.PostForm.Get("redirect_uri") {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if issued.challenge != "" {
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != issued.challenge {
			tokenError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
			return
		}
	}

	resp := map[string]any{
		"access_token":  "mock-access-token",
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": "mock-refresh-token",
	}
	if mp.oidc {
		resp["id_token"] = mp.signIDToken(issued)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (mp *mockProvider) signIDToken(issued issuedCode) string {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: mp.key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "test-key-1"),
	)
	if err != nil {
		mp.t.Errorf("create signer: %v", err)
		return ""
	}
	subject := fmt.Sprint(mp.userInfo["sub"])
	if mp.idTokenSubject != "" {
		subject = mp.idTokenSubject
	}
	nonce := issued.nonce
	if mp.idTokenNonce != "" {
		nonce = mp.idTokenNonce
	}
	now := time.Now()
	claims := jwt.Claims{
		Issuer:    mp.srv.URL,
		Subject:   subject,
		Audience:  jwt.Audience{issued.clientID},
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(time.Hour)),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
	}
	raw, err := jwt.Signed(signer).Claims(claims).Claims(map[string]any{"nonce": nonce}).Serialize()
	if err != nil {
		mp.t.Errorf("sign id_token: %v", err)
		return ""
	}
	return raw
}

func (mp *mockProvider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	mp.userInfoCalls.Add(1)
	if r.Header.Get("Authorization") != "Bearer mock-access-token" {
		http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
		return
	}
	if mp.userInfoStatus != 0 {
		http.Error(w, `{"message":"boom"}`, mp.userInfoStatus)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(mp.userInfo)
}

func testStateKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, StateKeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func testCodec(t *testing.T, opts ...StateCodecOption) *StateCodec {
	t.Helper()
	codec, err := NewStateCodec(testStateKey(t), opts...)
	if err != nil {
		t.Fatalf("NewStateCodec: %v", err)
	}
	return codec
}

func staticResolver(cred ClientCredential) Resolver {
	return ResolverFunc(func(context.Context, ResolveContext) (ClientCredential, error) {
		return cred, nil
	})
}

var testCredential = ClientCredential{ClientID: testClientID, ClientSecret: testClientSecret}
