package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const (
	// StateKeySize is the A256GCM key length.
	StateKeySize = 32
	// MaxStateLength bounds the encoded state so the authorization URL stays
	// well under provider URL limits.
	MaxStateLength = 2048
	// DefaultStateTTL is how long a login attempt may take.
	DefaultStateTTL = 15 * time.Minute

	nonceBytes = 32
)

// ErrStateTooLarge is returned by Encode when the sealed state would exceed
// MaxStateLength, i.e. the caller supplied too much redirect or property data.
var ErrStateTooLarge = errors.New("state exceeds size limit")

// PropertyTenant is the AuthState property carrying the tenant identifier.
const PropertyTenant = "tenant"

// AuthState is round-tripped through the provider inside the state parameter.
type AuthState struct {
	Nonce        string
	Provider     string
	RedirectURI  string
	Properties   map[string]string
	CodeVerifier string
}

// Tenant returns the tenant property.
func (s AuthState) Tenant() string {
	return s.Properties[PropertyTenant]
}

// NewNonce returns 256 bits of randomness, base64url encoded.
func NewNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// stateClaims is the JWT payload. The registered claims are the codec's
// envelope; everything else is the AuthState.
type stateClaims struct {
	jwt.Claims
	Nonce        string            `json:"n"`
	Provider     string            `json:"p,omitempty"`
	RedirectURI  string            `json:"r,omitempty"`
	Properties   map[string]string `json:"props,omitempty"`
	CodeVerifier string            `json:"cv,omitempty"`
}

// StateCodec encrypts AuthState into a compact JWE (dir + A256GCM). Only
// holders of the key can produce or read a state.
type StateCodec struct {
	encrypter  jose.Encrypter
	keys       [][]byte
	ttl        time.Duration
	now        func() time.Time
	maxEncoded int
}

// StateCodecOption configures a StateCodec.
type StateCodecOption func(*StateCodec)

// WithStateTTL sets the state lifetime.
func WithStateTTL(ttl time.Duration) StateCodecOption {
	return func(c *StateCodec) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithDecodeKeys adds keys accepted by Decode only, for rotation.
func WithDecodeKeys(keys ...[]byte) StateCodecOption {
	return func(c *StateCodec) {
		for _, k := range keys {
			if len(k) == StateKeySize {
				c.keys = append(c.keys, k)
			}
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) StateCodecOption {
	return func(c *StateCodec) { c.now = now }
}

// NewStateCodec creates a codec that encrypts with key.
func NewStateCodec(key []byte, opts ...StateCodecOption) (*StateCodec, error) {
	if len(key) != StateKeySize {
		return nil, fmt.Errorf("state key must be %d bytes, got %d", StateKeySize, len(key))
	}
	enc, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: key},
		(&jose.EncrypterOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("create encrypter: %w", err)
	}
	c := &StateCodec{
		encrypter:  enc,
		keys:       [][]byte{key},
		ttl:        DefaultStateTTL,
		now:        time.Now,
		maxEncoded: MaxStateLength,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL returns the state lifetime.
func (c *StateCodec) TTL() time.Duration { return c.ttl }

// Encode seals s.
func (c *StateCodec) Encode(s AuthState) (string, error) {
	if s.Nonce == "" {
		return "", errors.New("encode state: empty nonce")
	}
	now := c.now()
	claims := stateClaims{
		Claims: jwt.Claims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(c.ttl)),
		},
		Nonce:        s.Nonce,
		Provider:     s.Provider,
		RedirectURI:  s.RedirectURI,
		Properties:   s.Properties,
		CodeVerifier: s.CodeVerifier,
	}
	raw, err := jwt.Encrypted(c.encrypter).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	if len(raw) > c.maxEncoded {
		return "", fmt.Errorf("encode state: %w (%d bytes, limit %d)", ErrStateTooLarge, len(raw), c.maxEncoded)
	}
	return raw, nil
}

// Decode opens and validates a state produced by Encode. Every failure is
// ErrInvalidState and yields the zero AuthState.
func (c *StateCodec) Decode(raw string) (AuthState, error) {
	s, _, err := c.decode(raw)
	return s, err
}

// decode also returns the state's expiry for the replay guard.
func (c *StateCodec) decode(raw string) (AuthState, time.Time, error) {
	if raw == "" {
		return AuthState{}, time.Time{}, invalidState("empty state", nil)
	}
	if len(raw) > c.maxEncoded {
		return AuthState{}, time.Time{}, invalidState("state too long", nil)
	}
	tok, err := jwt.ParseEncrypted(raw, []jose.KeyAlgorithm{jose.DIRECT}, []jose.ContentEncryption{jose.A256GCM})
	if err != nil {
		return AuthState{}, time.Time{}, invalidState("malformed state", err)
	}

	var claims stateClaims
	var openErr error
	opened := false
	for _, key := range c.keys {
		claims = stateClaims{}
		if openErr = tok.Claims(key, &claims); openErr == nil {
			opened = true
			break
		}
	}
	if !opened {
		return AuthState{}, time.Time{}, invalidState("state authentication failed", openErr)
	}
	if err := claims.ValidateWithLeeway(jwt.Expected{Time: c.now()}, 0); err != nil {
		return AuthState{}, time.Time{}, invalidState("state rejected", err)
	}
	if claims.Expiry == nil || claims.Nonce == "" {
		return AuthState{}, time.Time{}, invalidState("state incomplete", nil)
	}

	s := AuthState{
		Nonce:        claims.Nonce,
		Provider:     claims.Provider,
		RedirectURI:  claims.RedirectURI,
		CodeVerifier: claims.CodeVerifier,
	}
	if len(claims.Properties) > 0 {
		s.Properties = maps.Clone(claims.Properties)
	}
	return s, claims.Expiry.Time(), nil
}

func invalidState(msg string, cause error) *Error {
	return newError(KindInvalidCallback, "", msg, cause)
}
