package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of every derived key and of the minimum master secret.
const KeySize = 32

var (
	ErrInvalidKey       = errors.New("key must be 32 bytes")
	ErrWeakSecret       = errors.New("master secret must be at least 32 bytes")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const (
	infoStateKey = "extlogin state v1"
	infoSealKey  = "extlogin credential seal v1"
)

// Keys are the purpose-bound keys derived from the master secret.
type Keys struct {
	// State seals the OAuth state parameter.
	State []byte
	// Seal encrypts client secrets at rest.
	Seal []byte
}

// DeriveKeys expands the master secret with HKDF-SHA256 so the state codec and
// the credential store never share key material.
func DeriveKeys(master []byte) (Keys, error) {
	if len(master) < KeySize {
		return Keys{}, ErrWeakSecret
	}
	state, err := expand(master, infoStateKey)
	if err != nil {
		return Keys{}, err
	}
	seal, err := expand(master, infoSealKey)
	if err != nil {
		return Keys{}, err
	}
	return Keys{State: state, Seal: seal}, nil
}

func expand(master []byte, info string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive %s: %w", info, err)
	}
	return key, nil
}

// GenerateSecret returns a random master secret, base64url encoded, as
// printed by `extlogin keygen`.
func GenerateSecret() (string, error) {
	b := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Sealer encrypts client secrets with AES-256-GCM. The ciphertext is bound to
// the credential's tenant and provider, so a sealed secret copied onto another
// row fails to open.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a sealer for a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Sealer{aead: gcm}, nil
}

// Seal returns base64url(nonce || ciphertext).
func (s *Sealer) Seal(plaintext, tenant, provider string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), additionalData(tenant, provider))
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed, tenant, provider string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode sealed secret: %w", err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", ErrDecryptionFailed
	}
	nonce, data := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, data, additionalData(tenant, provider))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

func additionalData(tenant, provider string) []byte {
	return []byte(provider + "\x00" + tenant)
}
