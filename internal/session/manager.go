package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"extlogin/internal/oauth"
)

// DefaultCookieName names the session cookie.
const DefaultCookieName = "extlogin_session"

// CleanupInterval is how often Run sweeps expired sessions.
const CleanupInterval = 15 * time.Minute

// Manager issues and reads session cookies.
type Manager struct {
	Store      Store
	CookieName string
	TTL        time.Duration
	// Secure marks cookies Secure; set when served over HTTPS.
	Secure bool
}

func (m *Manager) cookieName() string {
	if m.CookieName == "" {
		return DefaultCookieName
	}
	return m.CookieName
}

func (m *Manager) ttl() time.Duration {
	if m.TTL <= 0 {
		return DefaultDuration
	}
	return m.TTL
}

// SignIn creates a session for p and sets the session cookie.
func (m *Manager) SignIn(ctx context.Context, w http.ResponseWriter, p *oauth.Principal) (*Session, error) {
	id, err := GenerateID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	s := &Session{
		ID:        id,
		Principal: p,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl()),
	}
	if err := m.Store.Create(ctx, s); err != nil {
		return nil, err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName(),
		Value:    id,
		Path:     "/",
		Expires:  s.ExpiresAt,
		MaxAge:   int(m.ttl().Seconds()),
		HttpOnly: true,
		Secure:   m.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return s, nil
}

// Current returns the session of r, or nil when there is none or it expired.
func (m *Manager) Current(r *http.Request) (*Session, error) {
	c, err := r.Cookie(m.cookieName())
	if err != nil || c.Value == "" {
		return nil, nil
	}
	s, err := m.Store.Get(r.Context(), c.Value)
	if errors.Is(err, ErrSessionExpired) {
		return nil, nil
	}
	return s, err
}

// SignOut deletes the session of r, if any, and expires the cookie.
func (m *Manager) SignOut(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var err error
	if c, cerr := r.Cookie(m.cookieName()); cerr == nil && c.Value != "" {
		if derr := m.Store.Delete(ctx, c.Value); derr != nil && !errors.Is(derr, ErrSessionNotFound) {
			err = derr
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return err
}

// Run sweeps expired sessions every CleanupInterval until ctx is done.
func (m *Manager) Run(ctx context.Context, logger *slog.Logger) {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Store.Cleanup(ctx)
			if err != nil {
				logger.Warn("session cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("expired sessions removed", "count", n)
			}
		}
	}
}
