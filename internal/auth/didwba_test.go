// didwba_test.go — Admission checks: parsing, windows, nonce replay,
// signature binding.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testDID    = "did:wba:example.test:receiver"
	testMethod = testDID + "#key-1"
	testDomain = "gateway.example.test"
)

type fixture struct {
	signer   *Signer
	verifier *Verifier
	clock    *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	resolver := &StaticResolver{Docs: map[string]*Document{
		testDID: {
			ID: testDID,
			Methods: []VerificationMethod{{
				ID:        testMethod,
				Type:      "JsonWebKey2020",
				PublicKey: pub,
			}},
		},
	}}
	clock := clockwork.NewFakeClock()
	return &fixture{
		signer:   &Signer{DID: testDID, VerificationMethod: testMethod, Key: priv},
		verifier: NewVerifier(VerifierConfig{}, resolver, clock),
		clock:    clock,
	}
}

func TestVerifyAcceptsFreshCredential(t *testing.T) {
	f := newFixture(t)
	header, err := f.signer.Authorization(testDomain, f.clock.Now())
	require.NoError(t, err)

	did, err := f.verifier.Verify(context.Background(), header, testDomain)
	require.NoError(t, err)
	assert.Equal(t, testDID, did)
	assert.Equal(t, 1, f.verifier.NonceCount())
}

func TestVerifyRejectsNonceReplay(t *testing.T) {
	f := newFixture(t)
	header, err := f.signer.Authorization(testDomain, f.clock.Now())
	require.NoError(t, err)

	_, err = f.verifier.Verify(context.Background(), header, testDomain)
	require.NoError(t, err)

	_, err = f.verifier.Verify(context.Background(), header, testDomain)
	require.ErrorIs(t, err, ErrNonceReused)
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	f := newFixture(t)

	header, err := f.signer.Authorization(testDomain, f.clock.Now().Add(-6*time.Minute))
	require.NoError(t, err)
	_, err = f.verifier.Verify(context.Background(), header, testDomain)
	require.ErrorIs(t, err, ErrStaleTimestamp)

	// Future-dated beyond the window fails the same way.
	header, err = f.signer.Authorization(testDomain, f.clock.Now().Add(6*time.Minute))
	require.NoError(t, err)
	_, err = f.verifier.Verify(context.Background(), header, testDomain)
	require.ErrorIs(t, err, ErrStaleTimestamp)
}

func TestVerifyRejectsWrongDomain(t *testing.T) {
	// Signature bound to one domain must not admit on another.
	f := newFixture(t)
	header, err := f.signer.Authorization("other.example.test", f.clock.Now())
	require.NoError(t, err)

	_, err = f.verifier.Verify(context.Background(), header, testDomain)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsForgedSignature(t *testing.T) {
	f := newFixture(t)
	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	forged := &Signer{DID: testDID, VerificationMethod: testMethod, Key: otherKey}
	header, err := forged.Authorization(testDomain, f.clock.Now())
	require.NoError(t, err)

	_, err = f.verifier.Verify(context.Background(), header, testDomain)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsUnknownMethod(t *testing.T) {
	f := newFixture(t)
	f.signer.VerificationMethod = testDID + "#key-999"
	header, err := f.signer.Authorization(testDomain, f.clock.Now())
	require.NoError(t, err)

	_, err = f.verifier.Verify(context.Background(), header, testDomain)
	require.ErrorIs(t, err, ErrUnknownMethod)
}

func TestVerifyRejectsBadScheme(t *testing.T) {
	f := newFixture(t)
	_, err := f.verifier.Verify(context.Background(), "Bearer abc123", testDomain)
	require.ErrorIs(t, err, ErrBadScheme)

	_, err = f.verifier.Verify(context.Background(), "", testDomain)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseAuthorizationRoundTrip(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	header, err := f.signer.Authorization(testDomain, now)
	require.NoError(t, err)

	cred, err := ParseAuthorization(header)
	require.NoError(t, err)
	assert.Equal(t, testDID, cred.DID)
	assert.Equal(t, testMethod, cred.VerificationMethod)
	assert.Len(t, cred.Nonce, 32)
	assert.Len(t, cred.Signature, ed25519.SignatureSize)
	assert.True(t, cred.Timestamp.Equal(now.UTC().Truncate(time.Second)))
}

func TestMethodFragmentResolution(t *testing.T) {
	doc := &Document{
		ID:      testDID,
		Methods: []VerificationMethod{{ID: testMethod}},
	}
	_, ok := doc.Method("#key-1")
	assert.True(t, ok)
	_, ok = doc.Method(testMethod)
	assert.True(t, ok)
	_, ok = doc.Method("#key-2")
	assert.False(t, ok)
}
