package oauth

import (
	"errors"
	"strings"
)

// Kind classifies a failed login attempt.
type Kind int

const (
	KindUnknown Kind = iota
	// KindProviderDenied means the user or provider declined consent.
	KindProviderDenied
	// KindInvalidCallback means the state was forged, expired, replayed or malformed.
	KindInvalidCallback
	// KindConfigNotFound means no client credential exists for the resolved tenant.
	KindConfigNotFound
	// KindTokenExchangeFailed means the token endpoint rejected the code.
	KindTokenExchangeFailed
	// KindUserInfoFailed means the user-info endpoint answered non-2xx or garbage.
	KindUserInfoFailed
	// KindMissingSubjectClaim means the claim mapping produced no stable id.
	KindMissingSubjectClaim
	// KindIDTokenInvalid means an OIDC id_token failed verification.
	KindIDTokenInvalid
	// KindTransient means a network failure or timeout; the whole flow may be retried.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindProviderDenied:
		return "provider_denied"
	case KindInvalidCallback:
		return "invalid_callback"
	case KindConfigNotFound:
		return "config_not_found"
	case KindTokenExchangeFailed:
		return "token_exchange_failed"
	case KindUserInfoFailed:
		return "userinfo_failed"
	case KindMissingSubjectClaim:
		return "missing_subject_claim"
	case KindIDTokenInvalid:
		return "id_token_invalid"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// ProviderError is the standard OAuth2 error triple returned by a provider.
type ProviderError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
}

func (p ProviderError) String() string {
	var b strings.Builder
	b.WriteString(p.Code)
	if p.Description != "" {
		b.WriteString(";Description=")
		b.WriteString(p.Description)
	}
	if p.URI != "" {
		b.WriteString(";Uri=")
		b.WriteString(p.URI)
	}
	return b.String()
}

// Error is the terminal failure of a login attempt. It never carries client
// secrets or tokens.
type Error struct {
	Kind     Kind
	Provider string
	// Status is the HTTP status returned by the provider backchannel, if any.
	Status int
	// ProviderError is set for ProviderDenied and TokenExchangeFailed.
	ProviderError *ProviderError
	msg           string
	Err           error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("oauth: ")
	b.WriteString(e.Kind.String())
	if e.Provider != "" {
		b.WriteString(" (")
		b.WriteString(e.Provider)
		b.WriteString(")")
	}
	if e.msg != "" {
		b.WriteString(": ")
		b.WriteString(e.msg)
	}
	if e.ProviderError != nil {
		b.WriteString(": ")
		b.WriteString(e.ProviderError.String())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether restarting the flow from /login may succeed.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// Sentinels for errors.Is.
var (
	ErrProviderDenied      = &Error{Kind: KindProviderDenied}
	ErrInvalidState        = &Error{Kind: KindInvalidCallback}
	ErrConfigNotFound      = &Error{Kind: KindConfigNotFound}
	ErrTokenExchangeFailed = &Error{Kind: KindTokenExchangeFailed}
	ErrUserInfoFailed      = &Error{Kind: KindUserInfoFailed}
	ErrMissingSubjectClaim = &Error{Kind: KindMissingSubjectClaim}
	ErrIDTokenInvalid      = &Error{Kind: KindIDTokenInvalid}
	ErrTransient           = &Error{Kind: KindTransient}
)

// NewError builds an *Error for collaborators such as resolvers.
func NewError(kind Kind, provider, msg string, cause error) *Error {
	return newError(kind, provider, msg, cause)
}

func newError(kind Kind, provider, msg string, cause error) *Error {
	return &Error{Kind: kind, Provider: provider, msg: msg, Err: cause}
}

// KindOf returns the Kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
