package appmon

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// DefaultTokenTTL is the lifetime of an issued access token
const DefaultTokenTTL = 60 * time.Second

const tokenInfo = "appmon access token v1"

// TokenIssuer issues and validates short-lived, tamper-evident access tokens.
//
// A token seals its expiry and its TTL, both in milliseconds, with
// ChaCha20-Poly1305 under a key derived from the configured secret. Callers
// re-issue after every successful validation to get a sliding expiration.
type TokenIssuer struct {
	key []byte
	now func() time.Time
}

// NewTokenIssuer derives the sealing key from secret
func NewTokenIssuer(secret string) (*TokenIssuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: token secret cannot be empty", ErrConfiguration)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(tokenInfo)), key); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}
	return &TokenIssuer{key: key, now: time.Now}, nil
}

// Issue creates a token valid for ttl. A non-positive ttl means DefaultTokenTTL.
func (t *TokenIssuer) Issue(ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	aead, err := chacha20poly1305.New(t.key)
	if err != nil {
		return "", fmt.Errorf("failed creation of AEAD: %w", err)
	}

	payload := make([]byte, 16)
	binary.BigEndian.PutUint64(payload[0:8], uint64(t.now().Add(ttl).UnixMilli()))
	binary.BigEndian.PutUint64(payload[8:16], uint64(ttl.Milliseconds()))

	nonce := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(payload)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate token nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, payload, []byte(tokenInfo))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Validate checks token and returns the TTL it was issued with. Any decoding,
// authentication or expiry failure wraps ErrInvalidToken.
func (t *TokenIssuer) Validate(token string) (time.Duration, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed encoding", ErrInvalidToken)
	}
	aead, err := chacha20poly1305.New(t.key)
	if err != nil {
		return 0, fmt.Errorf("failed creation of AEAD: %w", err)
	}
	if len(raw) < chacha20poly1305.NonceSize+aead.Overhead() {
		return 0, fmt.Errorf("%w: token too short", ErrInvalidToken)
	}

	nonce, sealed := raw[:chacha20poly1305.NonceSize], raw[chacha20poly1305.NonceSize:]
	payload, err := aead.Open(nil, nonce, sealed, []byte(tokenInfo))
	if err != nil || len(payload) != 16 {
		return 0, fmt.Errorf("%w: authentication failed", ErrInvalidToken)
	}

	expires := time.UnixMilli(int64(binary.BigEndian.Uint64(payload[0:8])))
	if !t.now().Before(expires) {
		return 0, fmt.Errorf("%w: expired at %s", ErrInvalidToken, expires.UTC().Format(time.RFC3339))
	}
	ttl := time.Duration(binary.BigEndian.Uint64(payload[8:16])) * time.Millisecond
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return ttl, nil
}
