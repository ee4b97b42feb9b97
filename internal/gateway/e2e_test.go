// e2e_test.go — Full-stack scenarios: gateway and receiver over real
// sockets on loopback.
package gateway

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openanp/anpx-gateway/internal/anpx"
	"github.com/openanp/anpx-gateway/internal/auth"
	"github.com/openanp/anpx-gateway/internal/receiver"
)

type e2eIdentity struct {
	did    string
	method string
	signer *auth.Signer
	doc    *auth.Document
}

func newIdentity(t *testing.T, name string) *e2eIdentity {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	did := "did:wba:example.test:" + name
	method := did + "#key-1"
	return &e2eIdentity{
		did:    did,
		method: method,
		signer: &auth.Signer{DID: did, VerificationMethod: method, Key: priv},
		doc: &auth.Document{
			ID:      did,
			Methods: []auth.VerificationMethod{{ID: method, Type: "JsonWebKey2020", PublicKey: pub}},
		},
	}
}

type e2eGateway struct {
	srv      *Server
	httpBase string
	wsURL    string
}

func startGateway(t *testing.T, cfg ServerConfig, resolver auth.Resolver, dir ServiceDirectory) *e2eGateway {
	t.Helper()
	if cfg.Registry.MaxPending == 0 {
		cfg.Registry.MaxPending = 100
	}
	if cfg.Ingress.RequestTimeout == 0 {
		cfg.Ingress.RequestTimeout = 10 * time.Second
	}
	verifier := auth.NewVerifier(auth.VerifierConfig{}, resolver, nil)
	srv := NewServer(cfg, verifier, dir, nil, nil, quietLog())

	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	wsLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.serve(ctx, httpLn, wsLn)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Log("gateway did not stop in time")
		}
	})
	return &e2eGateway{
		srv:      srv,
		httpBase: "http://" + httpLn.Addr().String(),
		wsURL:    "ws://" + wsLn.Addr().String() + "/",
	}
}

func startReceiver(t *testing.T, gw *e2eGateway, id *e2eIdentity, app receiver.App) {
	t.Helper()
	prior := gw.srv.Registry.Len()
	client, err := receiver.NewClient(receiver.ClientConfig{
		GatewayURL:     gw.wsURL,
		Signer:         id.signer,
		InitialBackoff: 100 * time.Millisecond,
		Dispatcher:     receiver.DispatcherConfig{Workers: 8, QueueDepth: 8},
	}, app, quietLog())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return gw.srv.Registry.Len() > prior
	}, 5*time.Second, 10*time.Millisecond, "receiver was not admitted")
}

// doRequest issues an ingress request with an overridden Host header.
func doRequest(t *testing.T, method, base, host, path string, body []byte) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, base+path, rd)
	require.NoError(t, err)
	req.Host = host
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func readAll(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return b
}

func TestE2ESmallGET(t *testing.T) {
	id := newIdentity(t, "receiver")
	resolver := &auth.StaticResolver{Docs: map[string]*auth.Document{id.did: id.doc}}
	dir := NewStaticDirectory(map[string][]string{id.did: {"api.example.test"}})
	gw := startGateway(t, ServerConfig{}, resolver, dir)

	app := receiver.AppFunc(func(_ context.Context, req *receiver.Request) (*receiver.Response, error) {
		assert.Equal(t, "GET", req.Method)
		assert.Equal(t, "/status", req.Path)
		return &receiver.Response{
			Status:  200,
			Reason:  "OK",
			Headers: http.Header{"Content-Type": {"application/json"}},
			Body:    []byte(`{"ok":true}`),
		}, nil
	})
	startReceiver(t, gw, id, app)

	resp := doRequest(t, "GET", gw.httpBase, "api.example.test", "/status", nil)
	body := readAll(t, resp)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestE2EChunkedUploadDigest(t *testing.T) {
	id := newIdentity(t, "receiver")
	resolver := &auth.StaticResolver{Docs: map[string]*auth.Document{id.did: id.doc}}
	dir := NewStaticDirectory(map[string][]string{id.did: {"api.example.test"}})
	gw := startGateway(t, ServerConfig{
		Ingress: IngressConfig{ChunkSize: 64 * 1024, RequestTimeout: 10 * time.Second},
	}, resolver, dir)

	app := receiver.AppFunc(func(_ context.Context, req *receiver.Request) (*receiver.Response, error) {
		sum := sha256.Sum256(req.Body)
		return &receiver.Response{
			Status: 200,
			Body:   []byte(hex.EncodeToString(sum[:])),
		}, nil
	})
	startReceiver(t, gw, id, app)

	payload := bytes.Repeat([]byte("anpx-chunk-test!"), 200*1024/16) // 200 KiB
	want := sha256.Sum256(payload)

	resp := doRequest(t, "POST", gw.httpBase, "api.example.test", "/upload", payload)
	body := readAll(t, resp)
	assert.Equal(t, 200, resp.StatusCode)
	require.Len(t, body, 64)
	assert.Equal(t, hex.EncodeToString(want[:]), string(body))
}

func TestE2ETimeout(t *testing.T) {
	id := newIdentity(t, "receiver")
	resolver := &auth.StaticResolver{Docs: map[string]*auth.Document{id.did: id.doc}}
	dir := NewStaticDirectory(map[string][]string{id.did: {"api.example.test"}})
	gw := startGateway(t, ServerConfig{
		Ingress: IngressConfig{RequestTimeout: 500 * time.Millisecond},
	}, resolver, dir)

	// The application never answers within the deadline.
	app := receiver.AppFunc(func(ctx context.Context, _ *receiver.Request) (*receiver.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	startReceiver(t, gw, id, app)

	resp := doRequest(t, "GET", gw.httpBase, "api.example.test", "/slow", nil)
	_ = readAll(t, resp)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	// The pending set returns to its prior size.
	require.Eventually(t, func() bool {
		return gw.srv.Registry.PendingTotal() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestE2ERouteSelection(t *testing.T) {
	idA := newIdentity(t, "recv-a")
	idB := newIdentity(t, "recv-b")
	resolver := &auth.StaticResolver{Docs: map[string]*auth.Document{
		idA.did: idA.doc,
		idB.did: idB.doc,
	}}
	dir := NewStaticDirectory(map[string][]string{
		idA.did: {"api.example.test/a"},
		idB.did: {"api.example.test/b"},
	})
	gw := startGateway(t, ServerConfig{}, resolver, dir)

	mkApp := func(tag string) receiver.App {
		return receiver.AppFunc(func(_ context.Context, _ *receiver.Request) (*receiver.Response, error) {
			return &receiver.Response{Status: 200, Body: []byte(tag)}, nil
		})
	}
	startReceiver(t, gw, idA, mkApp("served-by-a"))
	startReceiver(t, gw, idB, mkApp("served-by-b"))

	resp := doRequest(t, "GET", gw.httpBase, "api.example.test", "/a", nil)
	assert.Equal(t, "served-by-a", string(readAll(t, resp)))

	resp = doRequest(t, "GET", gw.httpBase, "api.example.test", "/b", nil)
	assert.Equal(t, "served-by-b", string(readAll(t, resp)))

	resp = doRequest(t, "GET", gw.httpBase, "api.example.test", "/c", nil)
	_ = readAll(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestE2EAuthDenied(t *testing.T) {
	id := newIdentity(t, "receiver")
	imposter := newIdentity(t, "receiver") // same DID string, different key
	resolver := &auth.StaticResolver{Docs: map[string]*auth.Document{id.did: id.doc}}
	dir := NewStaticDirectory(map[string][]string{id.did: {"api.example.test"}})
	gw := startGateway(t, ServerConfig{}, resolver, dir)

	header, err := imposter.signer.Authorization("127.0.0.1", time.Now())
	require.NoError(t, err)
	ws, _, err := websocket.DefaultDialer.Dial(gw.wsURL, http.Header{"Authorization": {header}})
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseAuthFailed, closeErr.Code)

	assert.Equal(t, 0, gw.srv.Registry.Len())

	resp := doRequest(t, "GET", gw.httpBase, "api.example.test", "/status", nil)
	_ = readAll(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// rawTunnel is a hand-driven receiver for protocol-level scenarios.
type rawTunnel struct {
	ws  *websocket.Conn
	dec *anpx.Decoder
}

func dialRawTunnel(t *testing.T, gw *e2eGateway, id *e2eIdentity) *rawTunnel {
	t.Helper()
	header, err := id.signer.Authorization("127.0.0.1", time.Now())
	require.NoError(t, err)
	ws, _, err := websocket.DefaultDialer.Dial(gw.wsURL, http.Header{"Authorization": {header}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	require.Eventually(t, func() bool {
		return gw.srv.Registry.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
	return &rawTunnel{ws: ws, dec: anpx.NewDecoder()}
}

// readRequest blocks until a full request message arrives on the tunnel.
func (rt *rawTunnel) readRequest(t *testing.T) *anpx.Message {
	t.Helper()
	require.NoError(t, rt.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		mt, data, err := rt.ws.ReadMessage()
		require.NoError(t, err)
		if mt != websocket.BinaryMessage {
			continue
		}
		msg, err := rt.dec.Push(data)
		require.NoError(t, err)
		if msg != nil {
			return msg
		}
	}
}

func TestE2ECorruptedResponseFrame(t *testing.T) {
	id := newIdentity(t, "receiver")
	resolver := &auth.StaticResolver{Docs: map[string]*auth.Document{id.did: id.doc}}
	dir := NewStaticDirectory(map[string][]string{id.did: {"api.example.test"}})
	gw := startGateway(t, ServerConfig{}, resolver, dir)

	rt := dialRawTunnel(t, gw, id)

	type result struct {
		status int
	}
	resCh := make(chan result, 1)
	go func() {
		resp := doRequest(t, "GET", gw.httpBase, "api.example.test", "/status", nil)
		_ = readAll(t, resp)
		resCh <- result{status: resp.StatusCode}
	}()

	req := rt.readRequest(t)
	require.Equal(t, anpx.TypeRequest, req.Type)

	frames, err := anpx.Encode(&anpx.Message{
		Type:      anpx.TypeResponse,
		RequestID: req.RequestID,
		RespMeta:  &anpx.RespMeta{Status: 200},
		Body:      []byte("tampered-response-body"),
	}, 0)
	require.NoError(t, err)
	raw := frames[0]
	i := bytes.Index(raw, []byte("tampered-response-body"))
	require.Positive(t, i)
	raw[i] ^= 0x01

	require.NoError(t, rt.ws.WriteMessage(websocket.BinaryMessage, raw))

	select {
	case res := <-resCh:
		assert.Equal(t, http.StatusBadGateway, res.status)
	case <-time.After(5 * time.Second):
		t.Fatal("paired HTTP request did not fail")
	}

	// The corrupted stream costs the tunnel its registration.
	require.Eventually(t, func() bool {
		return gw.srv.Registry.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestE2ECapacityShedding(t *testing.T) {
	id := newIdentity(t, "receiver")
	resolver := &auth.StaticResolver{Docs: map[string]*auth.Document{id.did: id.doc}}
	dir := NewStaticDirectory(map[string][]string{id.did: {"api.example.test"}})
	gw := startGateway(t, ServerConfig{
		Registry: RegistryConfig{MaxPending: 1},
		Ingress:  IngressConfig{RequestTimeout: 5 * time.Second},
	}, resolver, dir)

	release := make(chan struct{})
	app := receiver.AppFunc(func(ctx context.Context, _ *receiver.Request) (*receiver.Response, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &receiver.Response{Status: 200}, nil
	})
	startReceiver(t, gw, id, app)

	// Occupy the single pending slot.
	first := make(chan int, 1)
	go func() {
		resp := doRequest(t, "GET", gw.httpBase, "api.example.test", "/hold", nil)
		_ = readAll(t, resp)
		first <- resp.StatusCode
	}()
	require.Eventually(t, func() bool {
		return gw.srv.Registry.PendingTotal() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The next request finds the only tunnel at its cap.
	resp := doRequest(t, "GET", gw.httpBase, "api.example.test", "/burst", nil)
	_ = readAll(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "No capacity\n", func() string {
		r := doRequest(t, "GET", gw.httpBase, "api.example.test", "/burst2", nil)
		return string(readAll(t, r))
	}())

	close(release)
	assert.Equal(t, 200, <-first)
}

func TestE2EHostHeaderWithPortRoutes(t *testing.T) {
	id := newIdentity(t, "receiver")
	resolver := &auth.StaticResolver{Docs: map[string]*auth.Document{id.did: id.doc}}
	dir := NewStaticDirectory(map[string][]string{id.did: {"api.example.test"}})
	gw := startGateway(t, ServerConfig{}, resolver, dir)

	startReceiver(t, gw, id, receiver.AppFunc(
		func(context.Context, *receiver.Request) (*receiver.Response, error) {
			return &receiver.Response{Status: 204}, nil
		}))

	resp := doRequest(t, "GET", gw.httpBase, "API.Example.Test:8080", "/anything", nil)
	_ = readAll(t, resp)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
