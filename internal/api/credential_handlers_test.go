package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"extlogin/internal/audit"
	"extlogin/internal/domain"
)

func createCredential(t *testing.T, env *testEnv, tenant, clientID, secret string) domain.TenantCredential {
	t.Helper()
	rec := env.admin(http.MethodPost, "/api/v1/credentials", map[string]any{
		"tenant":        tenant,
		"provider":      "mock",
		"client_id":     clientID,
		"client_secret": secret,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	var c domain.TenantCredential
	decodeJSON(t, rec, &c)
	return c
}

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t)

	req := httptestRequest(http.MethodGet, "/api/v1/credentials")
	if rec := env.do(req); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", rec.Code)
	}
	req = httptestRequest(http.MethodGet, "/api/v1/credentials")
	req.Header.Set("Authorization", "Bearer wrong")
	if rec := env.do(req); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", rec.Code)
	}

	disabled := newTestEnv(t, func(c *Config) { c.AdminToken = "" })
	req = httptestRequest(http.MethodGet, "/api/v1/audit")
	req.Header.Set("Authorization", "Bearer ")
	if rec := disabled.do(req); rec.Code != http.StatusForbidden {
		t.Errorf("disabled admin = %d, want 403", rec.Code)
	}
}

func TestCredentials_CreateMasksSecret(t *testing.T) {
	env := newTestEnv(t)

	rec := env.admin(http.MethodPost, "/api/v1/credentials", map[string]any{
		"tenant":        "acme",
		"provider":      "mock",
		"client_id":     "acme-client",
		"client_secret": "acme-super-secret",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "acme-super-secret") {
		t.Fatalf("secret in response: %s", rec.Body.String())
	}
	var created domain.TenantCredential
	decodeJSON(t, rec, &created)
	if created.ClientSecretMasked != maskedSecret || created.ID == "" || !created.Enabled {
		t.Errorf("created = %+v", created)
	}

	stored, err := env.store.GetCredential(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ClientSecretEncrypted == "" || stored.ClientSecretEncrypted == "acme-super-secret" {
		t.Errorf("secret stored unsealed: %q", stored.ClientSecretEncrypted)
	}
	plain, err := env.sealer.Open(stored.ClientSecretEncrypted, "acme", "mock")
	if err != nil || plain != "acme-super-secret" {
		t.Errorf("Open = %q, %v", plain, err)
	}

	rec = env.admin(http.MethodGet, "/api/v1/credentials", nil)
	if rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), stored.ClientSecretEncrypted) {
		t.Errorf("list = %d: %s", rec.Code, rec.Body.String())
	}

	events, _, _ := env.audit.List(context.Background(), audit.ListOptions{Action: audit.ActionCreate})
	if len(events) != 1 || events[0].ActorType != audit.ActorTypeAdminToken {
		t.Fatalf("audit = %+v", events)
	}
	raw, _ := json.Marshal(events[0])
	if strings.Contains(string(raw), "acme-super-secret") {
		t.Errorf("audit event leaks secret: %s", raw)
	}
}

func TestCredentials_Validation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing secret", map[string]any{"tenant": "a", "provider": "mock", "client_id": "c"}, http.StatusBadRequest},
		{"unknown provider", map[string]any{"tenant": "a", "provider": "myspace", "client_id": "c", "client_secret": "s"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.admin(http.MethodPost, "/api/v1/credentials", tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	createCredential(t, env, "acme", "acme-client", "s1")
	rec := env.admin(http.MethodPost, "/api/v1/credentials", map[string]any{
		"tenant": "acme", "provider": "mock", "client_id": "other", "client_secret": "s2",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate tenant = %d, want 409", rec.Code)
	}
}

func TestCredentials_TenantLogin(t *testing.T) {
	env := newTestEnv(t)
	env.idp.clients["acme-client"] = "acme-secret"
	createCredential(t, env, "acme", "acme-client", "acme-secret")

	authURL, corr := env.startLogin("provider=mock&tenant=acme")
	if !strings.Contains(authURL, "client_id=acme-client") {
		t.Fatalf("tenant credential not used: %s", authURL)
	}
	code, state := env.idp.authorize(authURL)
	rec := env.callback(code, state, corr)
	if rec.Code != http.StatusFound {
		t.Fatalf("callback = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCredentials_UpdateAndDelete(t *testing.T) {
	env := newTestEnv(t)
	c := createCredential(t, env, "acme", "acme-client", "old-secret")

	rec := env.admin(http.MethodPatch, "/api/v1/credentials/"+c.ID, map[string]any{
		"client_secret": "new-secret",
		"enabled":       false,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update = %d: %s", rec.Code, rec.Body.String())
	}
	var updated domain.TenantCredential
	decodeJSON(t, rec, &updated)
	if updated.Enabled || updated.ClientID != "acme-client" || updated.ClientSecretMasked != maskedSecret {
		t.Errorf("updated = %+v", updated)
	}
	stored, _ := env.store.GetCredential(context.Background(), c.ID)
	if plain, err := env.sealer.Open(stored.ClientSecretEncrypted, "acme", "mock"); err != nil || plain != "new-secret" {
		t.Errorf("secret after update = %q, %v", plain, err)
	}

	// A disabled tenant cannot log in.
	if rec := env.get("/login?provider=mock&tenant=acme"); rec.Code != http.StatusBadRequest {
		t.Errorf("login with disabled credential = %d, want 400", rec.Code)
	}

	if rec := env.admin(http.MethodPatch, "/api/v1/credentials/"+c.ID, map[string]any{"client_id": " "}); rec.Code != http.StatusBadRequest {
		t.Errorf("empty client_id = %d, want 400", rec.Code)
	}

	if rec := env.admin(http.MethodDelete, "/api/v1/credentials/"+c.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	if rec := env.admin(http.MethodGet, "/api/v1/credentials/"+c.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rec.Code)
	}
	if rec := env.admin(http.MethodDelete, "/api/v1/credentials/"+c.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", rec.Code)
	}

	history, err := env.audit.GetByResource(context.Background(), audit.ResourceCredential, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("history = %d events, want create, update, delete", len(history))
	}
	if history[1].Changes == nil || history[1].Changes.Before["enabled"] != true || history[1].Changes.After["enabled"] != false {
		t.Errorf("update changes = %+v", history[1].Changes)
	}
}

func TestAuditEndpoint(t *testing.T) {
	env := newTestEnv(t)
	createCredential(t, env, "acme", "acme-client", "s")
	env.signIn()

	rec := env.admin(http.MethodGet, "/api/v1/audit?action=login", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Events []audit.AuditEvent `json:"events"`
		Total  int                `json:"total"`
	}
	decodeJSON(t, rec, &body)
	if body.Total != 1 || len(body.Events) != 1 || body.Events[0].ActorType != audit.ActorTypePrincipal {
		t.Errorf("body = %+v", body)
	}
	if body.Events[0].Actor != "mock:12345" || body.Events[0].RequestID == "" {
		t.Errorf("event = %+v", body.Events[0])
	}

	for _, q := range []string{"limit=x", "offset=-1", "since=yesterday", "outcome=maybe"} {
		if rec := env.admin(http.MethodGet, "/api/v1/audit?"+q, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s = %d, want 400", q, rec.Code)
		}
	}
}

func TestAuditEndpoint_LoginFilters(t *testing.T) {
	env := newTestEnv(t)
	createCredential(t, env, "acme", "acme-client", "s")
	env.signIn()

	// A callback without its correlation cookie is rejected.
	authURL, _ := env.startLogin("provider=mock")
	code, state := env.idp.authorize(authURL)
	if rec := env.callback(code, state); rec.Code != http.StatusBadRequest {
		t.Fatalf("uncorrelated callback = %d", rec.Code)
	}

	list := func(query string) []audit.AuditEvent {
		t.Helper()
		rec := env.admin(http.MethodGet, "/api/v1/audit?"+query, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s = %d: %s", query, rec.Code, rec.Body.String())
		}
		var body struct {
			Events []audit.AuditEvent `json:"events"`
			Total  int                `json:"total"`
		}
		decodeJSON(t, rec, &body)
		if body.Total != len(body.Events) {
			t.Fatalf("%s: total %d, page %d", query, body.Total, len(body.Events))
		}
		return body.Events
	}

	failed := list("outcome=failure")
	if len(failed) != 1 || failed[0].Action != audit.ActionLoginFailed || failed[0].FailureKind != "invalid_callback" {
		t.Errorf("failures = %+v", failed)
	}
	if got := list("failure_kind=invalid_callback&action=login_failed"); len(got) != 1 {
		t.Errorf("failure_kind filter = %d events", len(got))
	}

	ok := list("provider=mock&outcome=success&resource_type=session")
	if len(ok) != 1 || ok[0].Action != audit.ActionLogin || ok[0].Provider != "mock" || ok[0].ClientIP == "" {
		t.Errorf("successes = %+v", ok)
	}

	creds := list("tenant=acme")
	if len(creds) != 1 || creds[0].ResourceType != audit.ResourceCredential || creds[0].Provider != "mock" {
		t.Errorf("tenant filter = %+v", creds)
	}
	if got := list("tenant=globex"); len(got) != 0 {
		t.Errorf("unknown tenant matched %d events", len(got))
	}
}
