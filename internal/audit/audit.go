// Package audit records login outcomes and credential administration so
// operators can reconstruct who signed in and who changed tenant secrets.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AuditEvent is one login outcome, logout or credential change.
type AuditEvent struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Actor        string    `json:"actor"`      // "provider:subject", "admin" or "anonymous"
	ActorType    string    `json:"actor_type"` // one of the ActorType constants
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Tenant       string    `json:"tenant,omitempty"`
	// FailureKind is the login error category of a login_failed event.
	FailureKind string   `json:"failure_kind,omitempty"`
	Changes     *Changes `json:"changes,omitempty"`
	RequestID   string   `json:"request_id,omitempty"`
	ClientIP    string   `json:"client_ip,omitempty"`
	StatusCode  int      `json:"status_code"`
}

// Changes captures the before and after state of a credential.
// Secrets never appear here; callers record only masked values.
type Changes struct {
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
}

// ListOptions filters and pages audit events. Empty fields match everything.
type ListOptions struct {
	Limit        int
	Offset       int
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	Provider     string
	Tenant       string
	FailureKind  string
	// Outcome is OutcomeSuccess or OutcomeFailure, split on status 400.
	Outcome string
	Since   *time.Time
	Until   *time.Time
}

// AuditLogger defines the interface for audit logging operations.
type AuditLogger interface {
	// Log records an audit event, assigning ID and Timestamp when unset.
	Log(ctx context.Context, event *AuditEvent) error

	// List returns one page of matching events, newest first, and the
	// total number of matches.
	List(ctx context.Context, opts ListOptions) ([]*AuditEvent, int, error)

	// GetByResource returns the history of one session or credential.
	GetByResource(ctx context.Context, resourceType, resourceID string) ([]*AuditEvent, error)
}

const (
	ActionLogin       = "login"
	ActionLoginFailed = "login_failed"
	ActionLogout      = "logout"
	ActionCreate      = "create"
	ActionUpdate      = "update"
	ActionDelete      = "delete"
)

const (
	ResourceSession    = "session"
	ResourceCredential = "credential"
)

const (
	ActorTypePrincipal  = "principal"
	ActorTypeAdminToken = "admin_token"
	ActorTypeAnonymous  = "anonymous"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// ValidOutcome reports whether s is usable as ListOptions.Outcome.
func ValidOutcome(s string) bool {
	return s == "" || s == OutcomeSuccess || s == OutcomeFailure
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}

// page returns the [start, end) window of n matches selected by opts.
func (o ListOptions) page(n int) (int, int) {
	start := min(max(o.Offset, 0), n)
	return start, min(start+clampLimit(o.Limit), n)
}

func (o ListOptions) matches(e *AuditEvent) bool {
	for _, f := range o.fields() {
		if f.want != "" && f.got(e) != f.want {
			return false
		}
	}
	switch o.Outcome {
	case OutcomeSuccess:
		if e.StatusCode >= 400 {
			return false
		}
	case OutcomeFailure:
		if e.StatusCode < 400 {
			return false
		}
	}
	if o.Since != nil && e.Timestamp.Before(*o.Since) {
		return false
	}
	return o.Until == nil || !e.Timestamp.After(*o.Until)
}

type fieldFilter struct {
	column string
	want   string
	got    func(*AuditEvent) string
}

func (o ListOptions) fields() []fieldFilter {
	return []fieldFilter{
		{"actor", o.Actor, func(e *AuditEvent) string { return e.Actor }},
		{"action", o.Action, func(e *AuditEvent) string { return e.Action }},
		{"resource_type", o.ResourceType, func(e *AuditEvent) string { return e.ResourceType }},
		{"resource_id", o.ResourceID, func(e *AuditEvent) string { return e.ResourceID }},
		{"provider", o.Provider, func(e *AuditEvent) string { return e.Provider }},
		{"tenant", o.Tenant, func(e *AuditEvent) string { return e.Tenant }},
		{"failure_kind", o.FailureKind, func(e *AuditEvent) string { return e.FailureKind }},
	}
}

// eventColumns is the column order shared by the SQL backends' audit_events
// tables, matching AuditEvent.values and scanEvent.
const eventColumns = "id, occurred_at, actor, actor_type, action, resource_type, resource_id, " +
	"provider, tenant, failure_kind, changes, request_id, client_ip, status_code"

// dialect adapts the SQL text to one database driver.
type dialect struct {
	placeholder func(n int) string
	timeArg     func(time.Time) any
}

// where renders the filters of o as a WHERE clause (empty when nothing is
// filtered) and its positional arguments.
func (o ListOptions) where(d dialect) (string, []any) {
	var terms []string
	var args []any
	bind := func(expr string, v any) {
		args = append(args, v)
		terms = append(terms, expr+" "+d.placeholder(len(args)))
	}
	for _, f := range o.fields() {
		if f.want != "" {
			bind(f.column+" =", f.want)
		}
	}
	switch o.Outcome {
	case OutcomeSuccess:
		terms = append(terms, "status_code < 400")
	case OutcomeFailure:
		terms = append(terms, "status_code >= 400")
	}
	if o.Since != nil {
		bind("occurred_at >=", d.timeArg(*o.Since))
	}
	if o.Until != nil {
		bind("occurred_at <=", d.timeArg(*o.Until))
	}
	if len(terms) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(terms, " AND "), args
}

// stamp assigns the ID and timestamp of a new event.
func (e *AuditEvent) stamp(newID func() string) {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// values lists e in eventColumns order. occurredAt and changes carry the
// driver's representation of those two columns.
func (e *AuditEvent) values(occurredAt, changes any) []any {
	return []any{
		e.ID, occurredAt, e.Actor, e.ActorType, e.Action, e.ResourceType, e.ResourceID,
		e.Provider, e.Tenant, e.FailureKind, changes, e.RequestID, e.ClientIP, e.StatusCode,
	}
}

// changesJSON is nil when the event carries no changes.
func (e *AuditEvent) changesJSON() (*string, error) {
	if e.Changes == nil {
		return nil, nil
	}
	data, err := json.Marshal(e.Changes)
	if err != nil {
		return nil, fmt.Errorf("encode audit changes: %w", err)
	}
	s := string(data)
	return &s, nil
}

// rowScanner is satisfied by *sql.Rows and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanEvent reads one eventColumns row. The occurred_at column is scanned
// into occurredAt and converted by the caller.
func scanEvent(row rowScanner, occurredAt any) (*AuditEvent, error) {
	var e AuditEvent
	var changes *string
	if err := row.Scan(&e.ID, occurredAt, &e.Actor, &e.ActorType, &e.Action, &e.ResourceType, &e.ResourceID,
		&e.Provider, &e.Tenant, &e.FailureKind, &changes, &e.RequestID, &e.ClientIP, &e.StatusCode); err != nil {
		return nil, err
	}
	if changes != nil && *changes != "" {
		var c Changes
		if err := json.Unmarshal([]byte(*changes), &c); err != nil {
			return nil, fmt.Errorf("decode changes of audit event %s: %w", e.ID, err)
		}
		e.Changes = &c
	}
	return &e, nil
}
