package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"extlogin/internal/audit"
	"extlogin/internal/domain"
)

const (
	maskedSecret    = "****"
	maxRequestBytes = 1 << 20
)

// maskCredential returns a copy safe to serialize: the sealed secret is
// dropped and replaced by a fixed mask.
func maskCredential(c *domain.TenantCredential) *domain.TenantCredential {
	cpy := *c
	cpy.ClientSecretEncrypted = ""
	cpy.ClientSecretMasked = ""
	if c.ClientSecretEncrypted != "" {
		cpy.ClientSecretMasked = maskedSecret
	}
	return &cpy
}

func credentialFields(c *domain.TenantCredential) map[string]any {
	return map[string]any{
		"tenant":        c.Tenant,
		"provider":      c.Provider,
		"client_id":     c.ClientID,
		"client_secret": maskedSecret,
		"enabled":       c.Enabled,
	}
}

func credentialEvent(action string, c *domain.TenantCredential, changes *audit.Changes, status int) *audit.AuditEvent {
	return &audit.AuditEvent{
		Action:       action,
		ResourceType: audit.ResourceCredential,
		ResourceID:   c.ID,
		Provider:     c.Provider,
		Tenant:       c.Tenant,
		Changes:      changes,
		StatusCode:   status,
	}
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.store.ListCredentials(r.Context())
	if err != nil {
		s.writeStoreErr(r.Context(), w, err)
		return
	}
	out := make([]*domain.TenantCredential, 0, len(creds))
	for _, c := range creds {
		out = append(out, maskCredential(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": out})
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req domain.CreateTenantCredential
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		s.writeErr(ctx, w, http.StatusBadRequest, "invalid json", "")
		return
	}
	req.Tenant = strings.TrimSpace(req.Tenant)
	req.Provider = strings.TrimSpace(req.Provider)
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.Tenant == "" || req.Provider == "" || req.ClientID == "" || req.ClientSecret == "" {
		s.writeErr(ctx, w, http.StatusBadRequest, "tenant, provider, client_id and client_secret are required", "")
		return
	}
	if _, ok := s.flow.Providers().Get(req.Provider); !ok {
		s.writeErr(ctx, w, http.StatusBadRequest, "unknown provider", req.Provider)
		return
	}

	sealed, err := s.sealer.Seal(req.ClientSecret, req.Tenant, req.Provider)
	if err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "failed to encrypt client secret", err.Error())
		return
	}

	now := time.Now().UTC()
	c := &domain.TenantCredential{
		ID:                    uuid.New().String(),
		Tenant:                req.Tenant,
		Provider:              req.Provider,
		ClientID:              req.ClientID,
		ClientSecretEncrypted: sealed,
		Enabled:               true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if req.Enabled != nil {
		c.Enabled = *req.Enabled
	}

	if err := s.store.CreateCredential(ctx, c); err != nil {
		s.writeStoreErr(ctx, w, err)
		return
	}
	s.logAudit(ctx, r, adminActor, credentialEvent(audit.ActionCreate, c,
		&audit.Changes{After: credentialFields(c)}, http.StatusCreated))
	writeJSON(w, http.StatusCreated, maskCredential(c))
}

func (s *Server) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCredential(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, maskCredential(c))
}

func (s *Server) handleUpdateCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	existing, err := s.store.GetCredential(ctx, id)
	if err != nil {
		s.writeStoreErr(ctx, w, err)
		return
	}

	var req domain.UpdateTenantCredential
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		s.writeErr(ctx, w, http.StatusBadRequest, "invalid json", "")
		return
	}

	before := credentialFields(existing)
	updated := *existing
	if req.ClientID != nil {
		cid := strings.TrimSpace(*req.ClientID)
		if cid == "" {
			s.writeErr(ctx, w, http.StatusBadRequest, "client_id cannot be empty", "")
			return
		}
		updated.ClientID = cid
	}
	if req.ClientSecret != nil {
		if *req.ClientSecret == "" {
			s.writeErr(ctx, w, http.StatusBadRequest, "client_secret cannot be empty", "")
			return
		}
		sealed, err := s.sealer.Seal(*req.ClientSecret, updated.Tenant, updated.Provider)
		if err != nil {
			s.writeErr(ctx, w, http.StatusInternalServerError, "failed to encrypt client secret", err.Error())
			return
		}
		updated.ClientSecretEncrypted = sealed
	}
	if req.Enabled != nil {
		updated.Enabled = *req.Enabled
	}
	updated.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateCredential(ctx, &updated); err != nil {
		s.writeStoreErr(ctx, w, err)
		return
	}

	after := credentialFields(&updated)
	if req.ClientSecret != nil {
		after["client_secret_rotated"] = true
	}
	s.logAudit(ctx, r, adminActor, credentialEvent(audit.ActionUpdate, &updated,
		&audit.Changes{Before: before, After: after}, http.StatusOK))
	writeJSON(w, http.StatusOK, maskCredential(&updated))
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	existing, err := s.store.GetCredential(ctx, id)
	if err != nil {
		s.writeStoreErr(ctx, w, err)
		return
	}
	if err := s.store.DeleteCredential(ctx, id); err != nil {
		s.writeStoreErr(ctx, w, err)
		return
	}
	s.logAudit(ctx, r, adminActor, credentialEvent(audit.ActionDelete, existing,
		&audit.Changes{Before: credentialFields(existing)}, http.StatusNoContent))
	w.WriteHeader(http.StatusNoContent)
}
