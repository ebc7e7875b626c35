// Package agentsig implements the request signing scheme agents use to
// authenticate against the API.
//
// An agent signs the canonical string
//
//	<timestamp>\n<METHOD>\n<path>\n<sha256_hex(body)>
//
// with its Ed25519 key and sends the signature in the Authorization header
// as "AgentSig <agent_id>:<signature_hex>".
package agentsig

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBadPublicKey = errors.New("public key must be 64 hex characters")
	ErrBadSignature = errors.New("signature must be 128 hex characters")
)

// Canonical builds the string an agent signs for a request. The body hash
// covers the raw bytes; an empty body hashes the empty string.
func Canonical(timestamp, method, path string, body []byte) string {
	sum := sha256.Sum256(body)
	return timestamp + "\n" + strings.ToUpper(method) + "\n" + path + "\n" + hex.EncodeToString(sum[:])
}

// Sign signs the canonical string and returns the hex-encoded signature.
func Sign(priv ed25519.PrivateKey, canonical string) string {
	return hex.EncodeToString(ed25519.Sign(priv, []byte(canonical)))
}

// Verify checks a hex signature over the canonical string against a
// hex-encoded public key.
func Verify(publicKeyHex, canonical, signatureHex string) (bool, error) {
	pub, err := DecodePublicKey(publicKeyHex)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false, ErrBadSignature
	}
	return ed25519.Verify(pub, []byte(canonical), sig), nil
}

// DecodePublicKey parses a hex-encoded Ed25519 public key.
func DecodePublicKey(publicKeyHex string) (ed25519.PublicKey, error) {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, ErrBadPublicKey
	}
	return ed25519.PublicKey(pub), nil
}

// GenerateKeypair returns a fresh hex-encoded keypair. Used by tests and
// the example client.
func GenerateKeypair() (publicKeyHex string, priv ed25519.PrivateKey, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("generate keypair: %w", err)
	}
	return hex.EncodeToString(pub), priv, nil
}
