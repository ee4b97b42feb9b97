// sign.go — Receiver-side credential construction: the counterpart of the
// gateway's Verify.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// Signer produces DIDWba Authorization headers for one identity.
type Signer struct {
	DID                string
	VerificationMethod string
	Key                ed25519.PrivateKey
}

// Authorization signs a fresh nonce bound to domain at the given time and
// renders the header value.
func (s *Signer) Authorization(domain string, now time.Time) (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("auth: nonce: %w", err)
	}
	nonce := hex.EncodeToString(raw[:])

	ts := now.UTC().Format(time.RFC3339)
	input, err := SigningInput(s.DID, nonce, domain, now)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(s.Key, input)

	return fmt.Sprintf(
		`%s did=%q, nonce=%q, timestamp=%q, verification_method=%q, signature=%q`,
		Scheme, s.DID, nonce, ts, s.VerificationMethod,
		base64.RawURLEncoding.EncodeToString(sig),
	), nil
}
