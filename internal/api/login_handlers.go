package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"extlogin/internal/audit"
	"extlogin/internal/oauth"
	"extlogin/internal/observability"
)

const (
	correlationCookiePrefix = "extlogin.correlation."
	correlationMarker       = "N"
	defaultReturnURL        = "/"
	maxReturnURLLength      = 512
)

// loginError is the body of a failed login. It carries the provider's
// error triple when there is one and never any credential or token.
type loginError struct {
	Error         string               `json:"error"`
	Provider      string               `json:"provider,omitempty"`
	ProviderError *oauth.ProviderError `json:"provider_error,omitempty"`
	Retry         string               `json:"retry,omitempty"`
}

// HTTPStatus maps a login failure to the response status.
func HTTPStatus(err error) int {
	switch oauth.KindOf(err) {
	case oauth.KindInvalidCallback, oauth.KindProviderDenied, oauth.KindConfigNotFound:
		return http.StatusBadRequest
	case oauth.KindTokenExchangeFailed, oauth.KindUserInfoFailed,
		oauth.KindMissingSubjectClaim, oauth.KindIDTokenInvalid:
		return http.StatusBadGateway
	case oauth.KindTransient:
		return http.StatusServiceUnavailable
	}
	var upe *oauth.UnknownProviderError
	if errors.As(err, &upe) || errors.Is(err, oauth.ErrStateTooLarge) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func correlationCookieName(nonce string) string {
	return correlationCookiePrefix + nonce
}

// localReturnURL accepts only same-origin paths; anything else falls back
// to the default so /login cannot be used as an open redirect.
func localReturnURL(raw string) string {
	if raw == "" || len(raw) > maxReturnURLLength || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return defaultReturnURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return defaultReturnURL
	}
	return raw
}

// handleLogin starts a login: GET /login?provider=&tenant=&returnUrl=
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	provider := q.Get("provider")
	tenant := q.Get("tenant")
	ctx := observability.WithLoginAttempt(r.Context(), provider, tenant)

	params := make(map[string]string)
	for k := range q {
		switch k {
		case "provider", "tenant", "returnUrl":
		default:
			params[k] = q.Get(k)
		}
	}

	ch, err := s.flow.Challenge(ctx, oauth.LoginRequest{
		Provider:    provider,
		Tenant:      tenant,
		RedirectURI: localReturnURL(q.Get("returnUrl")),
		Params:      params,
	})
	if err != nil {
		code := HTTPStatus(err)
		detail := userMessage(err)
		if code >= 500 {
			detail = err.Error()
		}
		s.writeErr(ctx, w, code, "login failed", detail)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     correlationCookieName(ch.State.Nonce),
		Value:    correlationMarker,
		Path:     s.callbackPath,
		MaxAge:   int(s.correlationTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, ch.URL, http.StatusFound)
}

// handleCallback completes a login at the provider's redirect back.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var nonce string
	cb := oauth.ParseCallback(r.URL.Query())
	cb.Correlate = func(n string) bool {
		nonce = n
		c, err := r.Cookie(correlationCookieName(n))
		return err == nil && c.Value == correlationMarker
	}

	principal, st, err := s.flow.Complete(ctx, cb)
	if nonce != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     correlationCookieName(nonce),
			Value:    "",
			Path:     s.callbackPath,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   s.secureCookies,
			SameSite: http.SameSiteLaxMode,
		})
	}
	if err != nil {
		s.writeLoginErr(w, r, err)
		return
	}

	ctx = observability.WithLoginAttempt(ctx, principal.Provider, st.Tenant())
	sess, err := s.sessions.SignIn(ctx, w, principal)
	if err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "sign-in failed", err.Error())
		return
	}
	s.logAudit(ctx, r, principalActor(principal), &audit.AuditEvent{
		Action:       audit.ActionLogin,
		ResourceType: audit.ResourceSession,
		ResourceID:   sessionRef(sess.ID),
		Provider:     principal.Provider,
		Tenant:       st.Tenant(),
		StatusCode:   http.StatusFound,
	})

	http.Redirect(w, r, localReturnURL(st.RedirectURI), http.StatusFound)
}

func (s *Server) writeLoginErr(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	code := HTTPStatus(err)
	body := loginError{Error: userMessage(err)}

	var oe *oauth.Error
	if errors.As(err, &oe) {
		body.Provider = oe.Provider
		body.ProviderError = oe.ProviderError
		if oe.Retryable() {
			retry := url.Values{}
			if oe.Provider != "" {
				retry.Set("provider", oe.Provider)
			}
			body.Retry = "/login"
			if len(retry) > 0 {
				body.Retry += "?" + retry.Encode()
			}
		}
	}

	s.reportErr(ctx, code, body.Error, err.Error())
	s.logAudit(ctx, r, anonymousActor, &audit.AuditEvent{
		Action:       audit.ActionLoginFailed,
		ResourceType: audit.ResourceSession,
		Provider:     body.Provider,
		FailureKind:  failureKind(err),
		StatusCode:   code,
	})
	writeJSON(w, code, body)
}

// failureKind labels a login failure in the audit log.
func failureKind(err error) string {
	var upe *oauth.UnknownProviderError
	switch {
	case errors.As(err, &upe):
		return "unknown_provider"
	case errors.Is(err, oauth.ErrStateTooLarge):
		return "request_too_large"
	}
	return oauth.KindOf(err).String()
}

// userMessage is the client-facing summary of a login failure.
func userMessage(err error) string {
	var upe *oauth.UnknownProviderError
	if errors.As(err, &upe) {
		return upe.Error()
	}
	if errors.Is(err, oauth.ErrStateTooLarge) {
		return "login request too large"
	}
	switch oauth.KindOf(err) {
	case oauth.KindProviderDenied:
		return "the provider denied the login"
	case oauth.KindInvalidCallback:
		return "invalid or expired login attempt"
	case oauth.KindConfigNotFound:
		return "login is not configured for this tenant"
	case oauth.KindTokenExchangeFailed:
		return "the provider rejected the authorization code"
	case oauth.KindUserInfoFailed:
		return "could not read the user profile"
	case oauth.KindMissingSubjectClaim:
		return "the provider did not return a user id"
	case oauth.KindIDTokenInvalid:
		return "the provider returned an invalid id token"
	case oauth.KindTransient:
		return "the provider is unavailable, try again"
	default:
		return "login failed"
	}
}

// handleClaims returns the signed-in user's claims.
func (s *Server) handleClaims(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Current(r)
	if err != nil {
		s.writeErr(r.Context(), w, http.StatusInternalServerError, "session lookup failed", err.Error())
		return
	}
	if sess == nil {
		writeJSON(w, http.StatusUnauthorized, apiError{Error: "not signed in", Detail: "GET /login to sign in"})
		return
	}
	claims := sess.Principal.Claims
	if claims == nil {
		claims = oauth.ClaimSet{}
	}
	writeJSON(w, http.StatusOK, claims)
}

// handleLogout ends the session and returns to the start page.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, _ := s.sessions.Current(r)
	if err := s.sessions.SignOut(ctx, w, r); err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "sign-out failed", err.Error())
		return
	}
	if sess != nil {
		s.logAudit(ctx, r, principalActor(sess.Principal), &audit.AuditEvent{
			Action:       audit.ActionLogout,
			ResourceType: audit.ResourceSession,
			ResourceID:   sessionRef(sess.ID),
			Provider:     sess.Principal.Provider,
			Tenant:       sess.Principal.Properties[oauth.PropertyTenant],
			StatusCode:   http.StatusFound,
		})
	}
	http.Redirect(w, r, defaultReturnURL, http.StatusFound)
}

type providerInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	OIDC        bool   `json:"oidc"`
	LoginURL    string `json:"login_url"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	reg := s.flow.Providers()
	names := reg.Names()
	out := make([]providerInfo, 0, len(names))
	for _, name := range names {
		p, _ := reg.Get(name)
		out = append(out, providerInfo{
			Name:        p.Name,
			DisplayName: p.DisplayName,
			OIDC:        p.IsOIDC(),
			LoginURL:    "/login?" + url.Values{"provider": {p.Name}}.Encode(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

// sessionRef is the session identifier recorded in the audit log; the full
// ID is a bearer credential.
func sessionRef(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
