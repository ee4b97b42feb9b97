// resolver.go — DID document resolution.
// did:wba identifiers resolve over HTTPS to a did.json document. The
// StaticResolver serves fixed documents for tests and for deployments
// that pin receiver keys in configuration.
package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// didDocument mirrors the subset of a DID document admission reads.
type didDocument struct {
	ID                 string         `json:"id"`
	VerificationMethod []didVerMethod `json:"verificationMethod"`
}

type didVerMethod struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	PublicKeyJwk *didJwk `json:"publicKeyJwk,omitempty"`
}

type didJwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
}

// parseDocument converts raw did.json bytes into the internal Document,
// keeping only Ed25519 keys it can verify with.
func parseDocument(raw []byte) (*Document, error) {
	var dd didDocument
	if err := json.Unmarshal(raw, &dd); err != nil {
		return nil, fmt.Errorf("parse did document: %w", err)
	}
	if dd.ID == "" {
		return nil, fmt.Errorf("did document missing id")
	}
	doc := &Document{ID: dd.ID}
	for _, m := range dd.VerificationMethod {
		if m.PublicKeyJwk == nil || m.PublicKeyJwk.Kty != "OKP" || m.PublicKeyJwk.Crv != "Ed25519" {
			continue
		}
		key, err := base64.RawURLEncoding.DecodeString(m.PublicKeyJwk.X)
		if err != nil || len(key) != ed25519.PublicKeySize {
			continue
		}
		doc.Methods = append(doc.Methods, VerificationMethod{
			ID:        m.ID,
			Type:      m.Type,
			PublicKey: ed25519.PublicKey(key),
		})
	}
	return doc, nil
}

// WebResolver fetches did:wba documents from the identifier's host.
type WebResolver struct {
	Client  *http.Client
	Timeout time.Duration
}

// didWbaURL maps did:wba:example.test:receiver to
// https://example.test/receiver/did.json, or the .well-known location
// when the DID has no path segments.
func didWbaURL(did string) (string, error) {
	const prefix = "did:wba:"
	if !strings.HasPrefix(did, prefix) {
		return "", fmt.Errorf("unsupported did method: %s", did)
	}
	parts := strings.Split(did[len(prefix):], ":")
	host, err := url.PathUnescape(parts[0])
	if err != nil || host == "" {
		return "", fmt.Errorf("bad did host in %s", did)
	}
	if len(parts) == 1 {
		return "https://" + host + "/.well-known/did.json", nil
	}
	return "https://" + host + "/" + strings.Join(parts[1:], "/") + "/did.json", nil
}

// Resolve implements Resolver over HTTPS.
func (r *WebResolver) Resolve(ctx context.Context, did string) (*Document, error) {
	u, err := didWbaURL(did)
	if err != nil {
		return nil, err
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolve %s: status %d", did, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return parseDocument(raw)
}

// StaticResolver answers from an in-memory table.
type StaticResolver struct {
	Docs map[string]*Document
}

// Resolve implements Resolver from the fixed table.
func (r *StaticResolver) Resolve(_ context.Context, did string) (*Document, error) {
	doc, ok := r.Docs[did]
	if !ok {
		return nil, fmt.Errorf("unknown did: %s", did)
	}
	return doc, nil
}
