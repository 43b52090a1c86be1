package api

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"extlogin/internal/audit"
	"extlogin/internal/credentials"
	"extlogin/internal/oauth"
	"extlogin/internal/observability"
	"extlogin/internal/session"
	"extlogin/internal/storage"
)

const (
	testClientID     = "default-client"
	testClientSecret = "default-secret"
	testAdminToken   = "admin-token-for-tests"
	testAccessToken  = "idp-access-token"
)

type issuedCode struct {
	clientID    string
	redirectURI string
	challenge   string
}

// mockIdP is a minimal authorization server: authorize stands in for the
// consent page, the token and user-info endpoints are real HTTP.
type mockIdP struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	codes   map[string]issuedCode
	seq     int
	clients map[string]string

	tokenCalls atomic.Int32
	userInfo   map[string]any
}

func newMockIdP(t *testing.T) *mockIdP {
	t.Helper()
	idp := &mockIdP{
		t:       t,
		codes:   make(map[string]issuedCode),
		clients: map[string]string{testClientID: testClientSecret},
		userInfo: map[string]any{
			"id":    12345,
			"login": "octocat",
			"email": "octo@example.com",
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", idp.handleToken)
	mux.HandleFunc("GET /userinfo", idp.handleUserInfo)
	idp.srv = httptest.NewServer(mux)
	t.Cleanup(idp.srv.Close)
	return idp
}

func (idp *mockIdP) provider() *oauth.Provider {
	return &oauth.Provider{
		Name:        "mock",
		DisplayName: "Mock",
		Endpoints: oauth.Endpoints{
			AuthorizationURL: idp.srv.URL + "/authorize",
			TokenURL:         idp.srv.URL + "/token",
			UserInfoURL:      idp.srv.URL + "/userinfo",
		},
		Scopes: []string{"read:user"},
		PKCE:   true,
		ClaimMapping: oauth.ClaimMapping{
			{JSONKey: "id", Claim: oauth.ClaimSubject},
			{JSONKey: "login", Claim: oauth.ClaimName},
			{JSONKey: "email", Claim: oauth.ClaimEmail},
		},
		AllowedParams: []string{"prompt"},
	}
}

func (idp *mockIdP) authorize(authURL string) (code, state string) {
	idp.t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		idp.t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	idp.mu.Lock()
	defer idp.mu.Unlock()
	idp.seq++
	code = fmt.Sprintf("code-%d", idp.seq)
	idp.codes[code] = issuedCode{
		clientID:    q.Get("client_id"),
		redirectURI: q.Get("redirect_uri"),
		challenge:   q.Get("code_challenge"),
	}
	return code, q.Get("state")
}

func (idp *mockIdP) tokenError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func (idp *mockIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	idp.tokenCalls.Add(1)
	if err := r.ParseForm(); err != nil {
		idp.tokenError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	clientID := r.PostForm.Get("client_id")
	idp.mu.Lock()
	secret, known := idp.clients[clientID]
	issued, ok := idp.codes[r.PostForm.Get("code")]
	delete(idp.codes, r.PostForm.Get("code"))
	idp.mu.Unlock()

	if !known || secret != r.PostForm.Get("client_secret") {
		idp.tokenError(w, http.StatusUnauthorized, "invalid_client")
		return
	}
	if !ok || issued.clientID != clientID || issued.redirectURI != r.PostForm.Get("redirect_uri") {
		idp.tokenError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != issued.challenge {
		idp.tokenError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": testAccessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (idp *mockIdP) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testAccessToken {
		http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(idp.userInfo)
}

type testEnv struct {
	t        *testing.T
	idp      *mockIdP
	srv      *Server
	handler  http.Handler
	store    *storage.MemoryStore
	sealer   *credentials.Sealer
	audit    *audit.MemoryAuditLogger
	metrics  *observability.Metrics
	sessions *session.MemoryStore
}

type envOption func(*Config)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	idp := newMockIdP(t)

	keys, err := credentials.DeriveKeys([]byte(strings.Repeat("k", 32)))
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	sealer, err := credentials.NewSealer(keys.Seal)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	codec, err := oauth.NewStateCodec(keys.State)
	if err != nil {
		t.Fatalf("NewStateCodec: %v", err)
	}
	reg, err := oauth.NewRegistry(idp.provider())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	store := storage.NewMemoryStore()
	slogger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := credentials.WithSentinel(credentials.ChainResolver{
		credentials.NewStaticResolver(map[string]credentials.ProviderCredentials{
			"mock": {Default: oauth.ClientCredential{ClientID: testClientID, ClientSecret: testClientSecret}},
		}),
		credentials.NewStoreResolver(store, sealer),
	}, slogger)

	metrics := observability.NewMetrics(observability.DefaultMetricsConfig())
	flow, err := oauth.NewFlow(oauth.FlowConfig{
		Providers:   reg,
		Resolver:    resolver,
		Codec:       codec,
		Nonces:      oauth.NewMemoryNonceStore(),
		CallbackURL: "http://extlogin.test/callback",
		Timeout:     2 * time.Second,
		Logger:      slogger,
		Observer:    metrics,
	})
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}

	sessions := session.NewMemoryStore()
	auditLogger := audit.NewMemoryAuditLogger()
	cfg := Config{
		Flow:         flow,
		Sessions:     &session.Manager{Store: sessions},
		Credentials:  store,
		Sealer:       sealer,
		AdminToken:   testAdminToken,
		Audit:        auditLogger,
		Metrics:      metrics,
		Logger:       observability.NewLoggerFromSlog(slogger),
		CallbackPath: "/callback",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return &testEnv{
		t:        t,
		idp:      idp,
		srv:      srv,
		handler:  srv.Handler(),
		store:    store,
		sealer:   sealer,
		audit:    auditLogger,
		metrics:  metrics,
		sessions: sessions,
	}
}

func (e *testEnv) do(req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		if c != nil {
			req.AddCookie(c)
		}
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	return e.do(httptest.NewRequest(http.MethodGet, target, nil), cookies...)
}

func (e *testEnv) admin(method, target string, body any) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal: %v", err)
		}
		rdr = strings.NewReader(string(b))
	}
	req := httptest.NewRequest(method, target, rdr)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

// startLogin runs GET /login and returns the provider URL and the
// correlation cookie.
func (e *testEnv) startLogin(query string) (string, *http.Cookie) {
	e.t.Helper()
	rec := e.get("/login?" + query)
	if rec.Code != http.StatusFound {
		e.t.Fatalf("GET /login?%s = %d: %s", query, rec.Code, rec.Body.String())
	}
	corr := findCookie(rec, correlationCookiePrefix)
	if corr == nil {
		e.t.Fatal("no correlation cookie set")
	}
	return rec.Header().Get("Location"), corr
}

// callback delivers the provider's redirect back to the server.
func (e *testEnv) callback(code, state string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	q := url.Values{"code": {code}, "state": {state}}
	return e.get("/callback?"+q.Encode(), cookies...)
}

// signIn completes a whole login and returns the session cookie.
func (e *testEnv) signIn() *http.Cookie {
	e.t.Helper()
	authURL, corr := e.startLogin("provider=mock")
	code, state := e.idp.authorize(authURL)
	rec := e.callback(code, state, corr)
	if rec.Code != http.StatusFound {
		e.t.Fatalf("callback = %d: %s", rec.Code, rec.Body.String())
	}
	c := findCookie(rec, session.DefaultCookieName)
	if c == nil {
		e.t.Fatal("no session cookie set")
	}
	return c
}

// findCookie returns the first response cookie whose name starts with prefix.
func findCookie(rec *httptest.ResponseRecorder, prefix string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if strings.HasPrefix(c.Name, prefix) {
			return c
		}
	}
	return nil
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func auditActions(t *testing.T, l *audit.MemoryAuditLogger) []string {
	t.Helper()
	events, _, err := l.List(t.Context(), audit.ListOptions{Limit: 100})
	if err != nil {
		t.Fatalf("audit List: %v", err)
	}
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Action)
	}
	return out
}

func httptestRequest(method, target string) *http.Request {
	return httptest.NewRequest(method, target, nil)
}
