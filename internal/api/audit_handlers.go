package api

import (
	"net/http"
	"strconv"
	"time"

	"extlogin/internal/audit"
)

// handleListAudit serves GET /api/v1/audit. Filters: actor, action,
// resource_type, resource_id, provider, tenant, failure_kind,
// outcome (success|failure), since and until (RFC 3339), limit, offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	opts := audit.ListOptions{
		Actor:        q.Get("actor"),
		Action:       q.Get("action"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Provider:     q.Get("provider"),
		Tenant:       q.Get("tenant"),
		FailureKind:  q.Get("failure_kind"),
		Outcome:      q.Get("outcome"),
	}
	if !audit.ValidOutcome(opts.Outcome) {
		s.writeErr(ctx, w, http.StatusBadRequest, "invalid outcome", "expected success or failure")
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeErr(ctx, w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeErr(ctx, w, http.StatusBadRequest, "invalid offset", v)
			return
		}
		opts.Offset = n
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeErr(ctx, w, http.StatusBadRequest, "invalid "+p.name, "expected RFC 3339 timestamp")
			return
		}
		*p.dst = &t
	}

	events, total, err := s.auditLogger.List(ctx, opts)
	if err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "failed to list audit events", err.Error())
		return
	}
	if events == nil {
		events = []*audit.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
	})
}
