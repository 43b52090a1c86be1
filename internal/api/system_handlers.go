package api

import (
	"context"
	"net/http"

	apidocs "extlogin/docs"
)

func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(apidocs.OpenAPISpec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": len(s.flow.Providers().Names()),
	})
}

// ReadinessResponse represents the JSON response for the readiness check endpoint.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// handleReady checks if the application is ready to accept traffic.
// Unlike /healthz (liveness), this endpoint verifies that the credential
// store is reachable. Returns 200 OK if all checks pass, 503 otherwise.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := make(map[string]string)
	status := "ok"

	type pinger interface {
		Ping(ctx context.Context) error
	}
	switch {
	case s.store == nil:
		checks["database"] = "disabled"
	default:
		var err error
		if hc, ok := s.store.(pinger); ok {
			err = hc.Ping(ctx)
		} else {
			_, err = s.store.ListCredentials(ctx)
		}
		if err != nil {
			checks["database"] = "error"
			status = "unhealthy"
			s.logger.ErrorContext(ctx, "readiness check failed",
				"check", "database",
				"error", err.Error(),
			)
		} else {
			checks["database"] = "ok"
		}
	}

	resp := ReadinessResponse{
		Status: status,
		Checks: checks,
	}
	if status == "ok" {
		writeJSON(w, http.StatusOK, resp)
	} else {
		writeJSON(w, http.StatusServiceUnavailable, resp)
	}
}
