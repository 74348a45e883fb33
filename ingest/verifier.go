package ingest

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"heatpump/server/apierr"
)

var (
	// ErrVerifierUnavailable means no usable verification key is configured.
	ErrVerifierUnavailable = apierr.New(apierr.KindConfiguration, "signature_verifier_unconfigured", "")
	// ErrInvalidSignature means the signature does not match the body.
	ErrInvalidSignature = apierr.New(apierr.KindAuthentication, "invalid_batch_signature", "")
)

// KeySource locates the Ed25519 public key: an inline PEM value, or a path
// to a PEM file when PEM is empty.
type KeySource struct {
	PEM  string
	Path string
}

// SignatureVerifier checks batch signatures. The parsed key is cached on the
// instance and re-parsed only when the PEM value changes.
type SignatureVerifier struct {
	src KeySource

	mu        sync.Mutex
	cachedPEM string
	cachedKey ed25519.PublicKey
}

// NewSignatureVerifier returns a verifier reading its key from src.
func NewSignatureVerifier(src KeySource) *SignatureVerifier {
	return &SignatureVerifier{src: src}
}

// Configured reports whether a key source is set at all.
func (v *SignatureVerifier) Configured() bool {
	return v != nil && (strings.TrimSpace(v.src.PEM) != "" || v.src.Path != "")
}

func (v *SignatureVerifier) loadPEM() (string, error) {
	if pemValue := strings.TrimSpace(v.src.PEM); pemValue != "" {
		return pemValue, nil
	}
	if v.src.Path == "" {
		return "", errors.New("no public key configured")
	}
	data, err := os.ReadFile(v.src.Path)
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (v *SignatureVerifier) key() (ed25519.PublicKey, error) {
	pemValue, err := v.loadPEM()
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cachedKey != nil && v.cachedPEM == pemValue {
		return v.cachedKey, nil
	}

	key, err := parsePublicKey(pemValue)
	if err != nil {
		return nil, err
	}
	v.cachedPEM = pemValue
	v.cachedKey = key
	return key, nil
}

func parsePublicKey(pemValue string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemValue))
	if block == nil {
		return nil, errors.New("public key is not PEM encoded")
	}
	if block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want ed25519", parsed)
	}
	return key, nil
}

// Verify checks signatureB64 against the exact raw body bytes.
func (v *SignatureVerifier) Verify(raw []byte, signatureB64 string) error {
	if !v.Configured() {
		return ErrVerifierUnavailable
	}
	key, err := v.key()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
	}

	sig, ok := decodeSignature(signatureB64)
	if !ok || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(key, raw, sig) {
		return ErrInvalidSignature
	}
	return nil
}

func decodeSignature(s string) ([]byte, bool) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if sig, err := enc.DecodeString(s); err == nil {
			return sig, true
		}
	}
	return nil, false
}
