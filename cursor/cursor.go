// Package cursor seals internal device identifiers into opaque, tamper-evident
// tokens that only the server can reverse.
//
// A token is "c1." followed by base64url(nonce || ciphertext). The nonce is a
// synthetic IV: HMAC-SHA256 of the id under a MAC key, truncated to the
// XChaCha20-Poly1305 nonce size. Sealing is therefore deterministic per id
// (dashboards can use tokens as stable keys) while the AEAD tag and the
// recomputed IV make every modification detectable.
package cursor

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	tokenPrefix = "c1."
	// MinSecretLen is the shortest secret accepted by NewSealer.
	MinSecretLen = 32
	// maxIDLen bounds the plaintext so hostile tokens cannot force large allocations.
	maxIDLen = 256
)

var additionalData = []byte("heatpump-cursor-v1")

// Codec reversibly encodes device identifiers.
type Codec interface {
	Seal(id string) string
	Resolve(token string) (string, bool)
}

// Sealer is the keyed Codec implementation.
type Sealer struct {
	aead   cipher.AEAD
	macKey []byte
}

var _ Codec = (*Sealer)(nil)

// ErrShortSecret is returned when the configured secret is too short to key the codec.
var ErrShortSecret = errors.New("cursor: secret too short")

// NewSealer derives independent encryption and MAC keys from secret.
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrShortSecret, MinSecretLen, len(secret))
	}

	kdf := hkdf.New(sha256.New, secret, nil, []byte("heatpump cursor keys"))
	encKey := make([]byte, chacha20poly1305.KeySize)
	macKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, encKey); err != nil {
		return nil, fmt.Errorf("cursor: derive encryption key: %w", err)
	}
	if _, err := io.ReadFull(kdf, macKey); err != nil {
		return nil, fmt.Errorf("cursor: derive mac key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, fmt.Errorf("cursor: init aead: %w", err)
	}
	return &Sealer{aead: aead, macKey: macKey}, nil
}

// Seal returns the token for id.
func (s *Sealer) Seal(id string) string {
	nonce := s.syntheticNonce([]byte(id))
	buf := make([]byte, 0, len(nonce)+len(id)+s.aead.Overhead())
	buf = append(buf, nonce...)
	buf = s.aead.Seal(buf, nonce, []byte(id), additionalData)
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(buf)
}

// Resolve reverses Seal. Any malformed, truncated, modified or foreign token
// yields ("", false) with no further detail.
func (s *Sealer) Resolve(token string) (string, bool) {
	body, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return "", false
	}
	maxEncoded := base64.RawURLEncoding.EncodedLen(chacha20poly1305.NonceSizeX + maxIDLen + s.aead.Overhead())
	if len(body) > maxEncoded {
		return "", false
	}
	raw, err := base64.RawURLEncoding.Strict().DecodeString(body)
	if err != nil {
		return "", false
	}
	if len(raw) <= chacha20poly1305.NonceSizeX+s.aead.Overhead() {
		return "", false
	}

	nonce, ciphertext := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plain, err := s.aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return "", false
	}
	if !hmac.Equal(nonce, s.syntheticNonce(plain)) {
		return "", false
	}
	return string(plain), true
}

func (s *Sealer) syntheticNonce(id []byte) []byte {
	mac := hmac.New(sha256.New, s.macKey)
	mac.Write(id)
	return mac.Sum(nil)[:chacha20poly1305.NonceSizeX]
}
