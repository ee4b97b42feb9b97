// didwba.go — DID-WBA tunnel admission: Authorization header parsing,
// timestamp window, one-shot nonce cache, signature verification.
// The signature binds {did, nonce, service domain, timestamp} so a header
// captured against one gateway cannot be replayed against another, and the
// nonce cache kills replay within the window on the same domain.
package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"
)

// Scheme is the Authorization scheme for tunnel admission.
const Scheme = "DIDWba"

// Admission failure kinds. None of these leak to the remote peer beyond a
// generic close code; they drive logs and metrics.
var (
	ErrBadScheme      = errors.New("auth: authorization scheme is not DIDWba")
	ErrMalformed      = errors.New("auth: malformed authorization header")
	ErrStaleTimestamp = errors.New("auth: timestamp outside acceptance window")
	ErrNonceReused    = errors.New("auth: nonce already used")
	ErrUnknownMethod  = errors.New("auth: verification method not in DID document")
	ErrBadSignature   = errors.New("auth: signature verification failed")
	ErrResolve        = errors.New("auth: DID resolution failed")
)

// Credential is a parsed DIDWba Authorization header.
type Credential struct {
	DID                string
	Nonce              string
	Timestamp          time.Time
	VerificationMethod string
	Signature          []byte
}

// VerificationMethod is one key published in a DID document.
type VerificationMethod struct {
	ID        string
	Type      string
	PublicKey ed25519.PublicKey
}

// Document is the resolved DID document, reduced to what admission needs.
type Document struct {
	ID      string
	Methods []VerificationMethod
}

// Method returns the verification method with the given id. Fragment-only
// references ("#key-1") are resolved against the document id.
func (d *Document) Method(id string) (VerificationMethod, bool) {
	if strings.HasPrefix(id, "#") {
		id = d.ID + id
	}
	for _, m := range d.Methods {
		if m.ID == id {
			return m, true
		}
	}
	return VerificationMethod{}, false
}

// Resolver fetches DID documents. Implementations may hit the network;
// they must honor ctx.
type Resolver interface {
	Resolve(ctx context.Context, did string) (*Document, error)
}

// signedPayload is the canonical byte string the signature covers. Field
// order is fixed by the struct; encoding is compact JSON.
type signedPayload struct {
	DID       string `json:"did"`
	Nonce     string `json:"nonce"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
}

// SigningInput renders the canonical bytes a receiver must sign for the
// given domain.
func SigningInput(did, nonce, domain string, timestamp time.Time) ([]byte, error) {
	return json.Marshal(signedPayload{
		DID:       did,
		Nonce:     nonce,
		Service:   domain,
		Timestamp: timestamp.UTC().Format(time.RFC3339),
	})
}

// ParseAuthorization splits a DIDWba header into its fields. Expected
// form:
//
//	DIDWba did="...", nonce="...", timestamp="...",
//	       verification_method="#key-1", signature="<base64url>"
func ParseAuthorization(header string) (*Credential, error) {
	if header == "" {
		return nil, fmt.Errorf("%w: empty header", ErrMalformed)
	}
	scheme, rest, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, Scheme) {
		return nil, ErrBadScheme
	}

	fields := make(map[string]string, 5)
	for _, part := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("%w: field %q", ErrMalformed, part)
		}
		fields[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}

	cred := &Credential{
		DID:                fields["did"],
		Nonce:              fields["nonce"],
		VerificationMethod: fields["verification_method"],
	}
	if cred.DID == "" || cred.Nonce == "" || cred.VerificationMethod == "" {
		return nil, fmt.Errorf("%w: missing required field", ErrMalformed)
	}
	ts, err := time.Parse(time.RFC3339, fields["timestamp"])
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
	}
	cred.Timestamp = ts
	sig, err := base64.RawURLEncoding.DecodeString(fields["signature"])
	if err != nil {
		return nil, fmt.Errorf("%w: signature encoding: %v", ErrMalformed, err)
	}
	cred.Signature = sig
	return cred, nil
}

// VerifierConfig carries the admission windows.
type VerifierConfig struct {
	TimestampWindow time.Duration // accept ± this around now (default 5 min)
	NonceWindow     time.Duration // one-shot nonce lifetime (default 5 min)
}

// Verifier runs the full admission check. The nonce cache is bounded by
// TTL expiry and swept in the background by go-cache.
type Verifier struct {
	cfg      VerifierConfig
	resolver Resolver
	clock    clockwork.Clock
	nonces   *gocache.Cache
}

// nonceGrace keeps consumed nonces slightly past the acceptance window so
// a replay near the edge still collides.
const nonceGrace = 30 * time.Second

// NewVerifier builds a Verifier around a DID resolver.
func NewVerifier(cfg VerifierConfig, resolver Resolver, clock clockwork.Clock) *Verifier {
	if cfg.TimestampWindow <= 0 {
		cfg.TimestampWindow = 5 * time.Minute
	}
	if cfg.NonceWindow <= 0 {
		cfg.NonceWindow = 5 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Verifier{
		cfg:      cfg,
		resolver: resolver,
		clock:    clock,
		nonces:   gocache.New(cfg.NonceWindow+nonceGrace, cfg.NonceWindow),
	}
}

// Verify authenticates one Authorization header bound to the connecting
// domain and returns the DID. Every failure path leaves no state behind
// except the consumed nonce, which is intentional: a failed signature
// still burns its nonce.
func (v *Verifier) Verify(ctx context.Context, authorization, domain string) (string, error) {
	cred, err := ParseAuthorization(authorization)
	if err != nil {
		return "", err
	}

	now := v.clock.Now()
	skew := now.Sub(cred.Timestamp)
	if skew < -v.cfg.TimestampWindow || skew > v.cfg.TimestampWindow {
		return "", fmt.Errorf("%w: %s", ErrStaleTimestamp, cred.Timestamp.Format(time.RFC3339))
	}

	// One-shot: Add fails when the key exists, which is exactly the
	// replay case.
	nonceKey := cred.DID + "|" + cred.Nonce
	if err := v.nonces.Add(nonceKey, struct{}{}, gocache.DefaultExpiration); err != nil {
		return "", ErrNonceReused
	}

	doc, err := v.resolver.Resolve(ctx, cred.DID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrResolve, err)
	}
	method, ok := doc.Method(cred.VerificationMethod)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownMethod, cred.VerificationMethod)
	}

	input, err := SigningInput(cred.DID, cred.Nonce, domain, cred.Timestamp)
	if err != nil {
		return "", err
	}
	if len(method.PublicKey) != ed25519.PublicKeySize || !ed25519.Verify(method.PublicKey, input, cred.Signature) {
		return "", ErrBadSignature
	}
	return cred.DID, nil
}

// NonceCount reports live nonce entries, for health output and tests.
func (v *Verifier) NonceCount() int { return v.nonces.ItemCount() }
