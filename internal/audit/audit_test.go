package audit

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func loginEvent(subject, provider, tenant string) *AuditEvent {
	return &AuditEvent{
		Actor:        provider + ":" + subject,
		ActorType:    ActorTypePrincipal,
		Action:       ActionLogin,
		ResourceType: ResourceSession,
		ResourceID:   "sess-" + subject,
		Provider:     provider,
		Tenant:       tenant,
		ClientIP:     "203.0.113.7",
		StatusCode:   302,
	}
}

func failedLogin(provider, kind string, status int) *AuditEvent {
	return &AuditEvent{
		Actor:        "anonymous",
		ActorType:    ActorTypeAnonymous,
		Action:       ActionLoginFailed,
		ResourceType: ResourceSession,
		Provider:     provider,
		FailureKind:  kind,
		StatusCode:   status,
	}
}

func credentialEvent(action, id, tenant string, changes *Changes, status int) *AuditEvent {
	return &AuditEvent{
		Actor:        "admin",
		ActorType:    ActorTypeAdminToken,
		Action:       action,
		ResourceType: ResourceCredential,
		ResourceID:   id,
		Provider:     "github",
		Tenant:       tenant,
		Changes:      changes,
		StatusCode:   status,
	}
}

// testAuditLogger runs the behavior every backend shares. newLogger must
// return an empty logger.
func testAuditLogger(t *testing.T, newLogger func(t *testing.T) AuditLogger) {
	t.Run("LogAssignsIDAndTimestamp", func(t *testing.T) {
		logger := newLogger(t)
		ctx := t.Context()

		if err := logger.Log(ctx, loginEvent("12345", "github", "acme")); err != nil {
			t.Fatalf("Log() error = %v", err)
		}
		if err := logger.Log(ctx, nil); err != nil {
			t.Fatalf("Log(nil) should not error, got %v", err)
		}

		events, total, err := logger.List(ctx, ListOptions{Limit: 10})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if total != 1 || len(events) != 1 {
			t.Fatalf("expected 1 event, got total=%d len=%d", total, len(events))
		}
		e := events[0]
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Error("expected ID and Timestamp to be assigned")
		}
		if e.Actor != "github:12345" || e.Provider != "github" || e.Tenant != "acme" || e.ClientIP != "203.0.113.7" {
			t.Errorf("event = %+v", e)
		}
		if e.Changes != nil {
			t.Errorf("Changes = %+v, want nil", e.Changes)
		}
	})

	t.Run("Filters", func(t *testing.T) {
		logger := newLogger(t)
		ctx := t.Context()
		for _, e := range []*AuditEvent{
			loginEvent("alice", "github", "acme"),
			loginEvent("bob", "google", "globex"),
			failedLogin("github", "provider_denied", 403),
			failedLogin("google", "transient", 503),
			credentialEvent(ActionCreate, "c1", "acme", nil, 201),
		} {
			if err := logger.Log(ctx, e); err != nil {
				t.Fatal(err)
			}
		}

		tests := []struct {
			name string
			opts ListOptions
			want int
		}{
			{"all", ListOptions{}, 5},
			{"by actor", ListOptions{Actor: "admin"}, 1},
			{"by action", ListOptions{Action: ActionLoginFailed}, 2},
			{"by resource type", ListOptions{ResourceType: ResourceSession}, 4},
			{"by resource id", ListOptions{ResourceID: "sess-bob"}, 1},
			{"by provider", ListOptions{Provider: "github"}, 3},
			{"by tenant", ListOptions{Tenant: "acme"}, 2},
			{"by failure kind", ListOptions{FailureKind: "transient"}, 1},
			{"successes", ListOptions{Outcome: OutcomeSuccess}, 3},
			{"failures", ListOptions{Outcome: OutcomeFailure}, 2},
			{"provider failures", ListOptions{Provider: "github", Outcome: OutcomeFailure}, 1},
			{"tenant logins", ListOptions{Tenant: "acme", Action: ActionLogin}, 1},
			{"no match", ListOptions{Provider: "gitlab"}, 0},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, total, err := logger.List(ctx, tt.opts)
				if err != nil {
					t.Fatalf("List() error = %v", err)
				}
				if len(got) != tt.want || total != tt.want {
					t.Errorf("got %d events (total %d), want %d", len(got), total, tt.want)
				}
			})
		}
	})

	t.Run("NewestFirstPaging", func(t *testing.T) {
		logger := newLogger(t)
		ctx := t.Context()
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		for i := range 5 {
			e := loginEvent(strconv.Itoa(i), "github", "acme")
			e.Timestamp = base.Add(time.Duration(i) * time.Minute)
			_ = logger.Log(ctx, e)
		}

		page, total, err := logger.List(ctx, ListOptions{Limit: 2, Offset: 1})
		if err != nil {
			t.Fatal(err)
		}
		if total != 5 || len(page) != 2 {
			t.Fatalf("total=%d len=%d", total, len(page))
		}
		if page[0].Actor != "github:3" || page[1].Actor != "github:2" {
			t.Errorf("page = %s, %s", page[0].Actor, page[1].Actor)
		}
		if !page[0].Timestamp.Equal(base.Add(3 * time.Minute)) {
			t.Errorf("timestamp = %v", page[0].Timestamp)
		}
		if page, _, _ := logger.List(ctx, ListOptions{Offset: 10}); len(page) != 0 {
			t.Errorf("offset past end returned %d events", len(page))
		}
	})

	t.Run("TimeWindow", func(t *testing.T) {
		logger := newLogger(t)
		ctx := t.Context()
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		for i := range 3 {
			e := loginEvent("u", "google", "acme")
			e.Timestamp = base.Add(time.Duration(i) * time.Hour)
			_ = logger.Log(ctx, e)
		}

		since := base.Add(30 * time.Minute)
		if got, _, _ := logger.List(ctx, ListOptions{Since: &since}); len(got) != 2 {
			t.Errorf("Since: got %d, want 2", len(got))
		}
		until := base.Add(90 * time.Minute)
		if got, _, _ := logger.List(ctx, ListOptions{Since: &since, Until: &until}); len(got) != 1 {
			t.Errorf("Since+Until: got %d, want 1", len(got))
		}
	})

	t.Run("GetByResource", func(t *testing.T) {
		logger := newLogger(t)
		ctx := t.Context()
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		for i, e := range []*AuditEvent{
			credentialEvent(ActionCreate, "c1", "acme", &Changes{After: map[string]any{"client_id": "old"}}, 201),
			credentialEvent(ActionUpdate, "c1", "acme", &Changes{
				Before: map[string]any{"client_id": "old"},
				After:  map[string]any{"client_id": "new"},
			}, 200),
			credentialEvent(ActionCreate, "c2", "globex", nil, 201),
		} {
			e.Timestamp = base.Add(time.Duration(i) * time.Second)
			_ = logger.Log(ctx, e)
		}

		got, err := logger.GetByResource(ctx, ResourceCredential, "c1")
		if err != nil {
			t.Fatalf("GetByResource() error = %v", err)
		}
		if len(got) != 2 || got[0].Action != ActionUpdate {
			t.Fatalf("history = %+v", got)
		}
		if got[0].Changes == nil || got[0].Changes.Before["client_id"] != "old" || got[0].Changes.After["client_id"] != "new" {
			t.Errorf("changes = %+v", got[0].Changes)
		}
		if got, _ := logger.GetByResource(ctx, ResourceCredential, "missing"); len(got) != 0 {
			t.Errorf("expected no events, got %d", len(got))
		}
	})
}

func TestMemoryAuditLogger(t *testing.T) {
	testAuditLogger(t, func(*testing.T) AuditLogger { return NewMemoryAuditLogger() })
}

func TestMemoryAuditLogger_MaxEvents(t *testing.T) {
	logger := NewMemoryAuditLogger(WithMaxEvents(3))
	ctx := t.Context()

	for _, sub := range []string{"a", "b", "c", "d"} {
		_ = logger.Log(ctx, loginEvent(sub, "github", "acme"))
	}

	events, total, _ := logger.List(ctx, ListOptions{})
	if total != 3 {
		t.Fatalf("expected 3 retained events, got %d", total)
	}
	if events[0].Actor != "github:d" || events[2].Actor != "github:b" {
		t.Errorf("unexpected order: %s %s %s", events[0].Actor, events[1].Actor, events[2].Actor)
	}
}

func TestMemoryAuditLogger_ImmutableResults(t *testing.T) {
	logger := NewMemoryAuditLogger()
	ctx := t.Context()

	e := credentialEvent(ActionUpdate, "c1", "acme", &Changes{After: map[string]any{"client_id": "new"}}, 200)
	_ = logger.Log(ctx, e)
	e.Actor = "mallory"
	e.Changes.After["client_id"] = "tampered"

	events, _, _ := logger.List(ctx, ListOptions{})
	if events[0].Actor != "admin" {
		t.Errorf("modification leaked into stored event: %q", events[0].Actor)
	}
	if events[0].Changes.After["client_id"] != "new" {
		t.Errorf("changes map shared with caller: %v", events[0].Changes.After)
	}

	events[0].Actor = "changed"
	again, _, _ := logger.List(ctx, ListOptions{})
	if again[0].Actor != "admin" {
		t.Errorf("returned event aliases storage: %q", again[0].Actor)
	}
}

func TestMemoryAuditLogger_Concurrency(t *testing.T) {
	logger := NewMemoryAuditLogger()
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = logger.Log(ctx, loginEvent("u", "github", "acme"))
		}()
		go func() {
			defer wg.Done()
			_, _, _ = logger.List(ctx, ListOptions{Provider: "github"})
		}()
	}
	wg.Wait()

	_, total, _ := logger.List(ctx, ListOptions{})
	if total != 20 {
		t.Errorf("expected 20 events, got %d", total)
	}
}

func TestListOptionsWhere(t *testing.T) {
	numbered := dialect{
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		timeArg:     func(t time.Time) any { return t.Format(time.RFC3339) },
	}
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	where, args := ListOptions{}.where(numbered)
	if where != "" || len(args) != 0 {
		t.Errorf("empty options: %q %v", where, args)
	}

	where, args = ListOptions{
		Provider: "github",
		Tenant:   "acme",
		Outcome:  OutcomeFailure,
		Since:    &since,
	}.where(numbered)
	want := " WHERE provider = $1 AND tenant = $2 AND status_code >= 400 AND occurred_at >= $3"
	if where != want {
		t.Errorf("where = %q\nwant    %q", where, want)
	}
	if len(args) != 3 || args[0] != "github" || args[1] != "acme" || args[2] != "2026-03-01T00:00:00Z" {
		t.Errorf("args = %v", args)
	}
	if strings.Contains(where, "'") {
		t.Errorf("values must be bound, not inlined: %q", where)
	}
}

func TestValidOutcome(t *testing.T) {
	for s, want := range map[string]bool{"": true, OutcomeSuccess: true, OutcomeFailure: true, "ok": false} {
		if got := ValidOutcome(s); got != want {
			t.Errorf("ValidOutcome(%q) = %v", s, got)
		}
	}
}
