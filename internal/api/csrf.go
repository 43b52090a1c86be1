package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

const (
	csrfTokenLength = 32
	csrfHeaderName  = "X-CSRF-Token"
	csrfFormField   = "csrf_token"
	csrfCookieName  = "extlogin_csrf"
)

// CSRFMiddleware adds double-submit CSRF protection to cookie-authenticated
// state-changing requests such as POST /logout. Bearer-authenticated admin
// requests are exempt since they carry no ambient credentials.
func CSRFMiddleware(secure bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				if _, err := r.Cookie(csrfCookieName); err != nil {
					http.SetCookie(w, &http.Cookie{
						Name:     csrfCookieName,
						Value:    generateCSRFToken(),
						Path:     "/",
						HttpOnly: false, // JS needs to read it
						Secure:   secure,
						SameSite: http.SameSiteLaxMode,
					})
				}
				next.ServeHTTP(w, r)
				return
			}

			if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
				next.ServeHTTP(w, r)
				return
			}

			cookie, err := r.Cookie(csrfCookieName)
			if err != nil {
				writeJSON(w, http.StatusForbidden, apiError{Error: "CSRF token missing", Detail: csrfCookieName + " cookie required"})
				return
			}
			token := r.Header.Get(csrfHeaderName)
			if token == "" {
				token = r.PostFormValue(csrfFormField)
			}
			if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(cookie.Value)) != 1 {
				writeJSON(w, http.StatusForbidden, apiError{Error: "CSRF token invalid", Detail: "X-CSRF-Token header must match " + csrfCookieName + " cookie"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func generateCSRFToken() string {
	b := make([]byte, csrfTokenLength)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
