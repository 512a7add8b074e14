// Package cryptox wraps the signature primitives the server relies on. The
// server never encrypts or decrypts anything: it only verifies that a signed
// blob was produced by a known device verify key, and extracts the payload.
//
// A signed blob is the 64-byte ed25519 signature followed by the message
// bytes, so verification and extraction happen in one step.
package cryptox

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// SignatureSize is the length of the signature prefix on a signed blob.
const SignatureSize = ed25519.SignatureSize

var ErrInvalidSignature = errors.New("invalid signature")

// VerifyKey is a device's public signature key.
type VerifyKey []byte

// SigningKey is a device's private signature key. The server itself never
// holds one; this type exists for tests and client-side tooling.
type SigningKey []byte

// GenerateSigningKey returns a fresh signing key and its verify key.
func GenerateSigningKey() (SigningKey, VerifyKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return SigningKey(priv), VerifyKey(pub), nil
}

// Sign seals the message into a signed blob (signature || message).
func (k SigningKey) Sign(message []byte) []byte {
	sig := ed25519.Sign(ed25519.PrivateKey(k), message)
	out := make([]byte, 0, len(sig)+len(message))
	out = append(out, sig...)
	return append(out, message...)
}

// VerifyKey returns the verify key matching this signing key.
func (k SigningKey) VerifyKey() VerifyKey {
	return VerifyKey(ed25519.PrivateKey(k).Public().(ed25519.PublicKey))
}

// Verify checks a detached signature over message.
func (k VerifyKey) Verify(message, sig []byte) error {
	if len(k) != ed25519.PublicKeySize || len(sig) != SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(k), message, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// Open checks the signature on a signed blob and returns the message bytes.
func (k VerifyKey) Open(signed []byte) ([]byte, error) {
	if len(k) != ed25519.PublicKeySize || len(signed) < SignatureSize {
		return nil, ErrInvalidSignature
	}
	sig, message := signed[:SignatureSize], signed[SignatureSize:]
	if !ed25519.Verify(ed25519.PublicKey(k), message, sig) {
		return nil, ErrInvalidSignature
	}
	return message, nil
}
