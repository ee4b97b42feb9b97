// config_test.go — Defaults, file overrides, validation failures.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestGatewayDefaults(t *testing.T) {
	cfg, err := LoadGateway("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTP.BindPort)
	assert.Equal(t, 9443, cfg.WS.BindPort)
	assert.Equal(t, 100, cfg.MaxConnections)
	assert.Equal(t, 100, cfg.MaxPendingPerConnection)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 10*time.Second, cfg.KeepaliveInterval())
	assert.Equal(t, 120*time.Second, cfg.KeepaliveTimeout())
	assert.Equal(t, 65536, cfg.ChunkSize)
	assert.Equal(t, 300*time.Second, cfg.NonceWindow())
	assert.Equal(t, 300*time.Second, cfg.TimestampWindow())
	assert.Equal(t, 300*time.Second, cfg.ReassemblyIdleTTL())
	assert.Equal(t, "RS256", cfg.JWT.Algorithm)
	assert.Equal(t, time.Hour, cfg.JWTTTL())
}

func TestGatewayFileOverrides(t *testing.T) {
	path := writeFile(t, `
request_timeout = 2
chunk_size = 1024
max_pending_per_connection = 7

[http]
bind_host = "127.0.0.1"
bind_port = 18080

[ws]
bind_host = "127.0.0.1"
bind_port = 19443

[tls]
verify_mode = "required"
cert_file = "/etc/anpx/cert.pem"
key_file = "/etc/anpx/key.pem"
`)
	cfg, err := LoadGateway(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 1024, cfg.ChunkSize)
	assert.Equal(t, 7, cfg.MaxPendingPerConnection)
	assert.Equal(t, "127.0.0.1", cfg.HTTP.BindHost)
	assert.Equal(t, 18080, cfg.HTTP.BindPort)
	assert.Equal(t, "required", cfg.TLS.VerifyMode)
}

func TestGatewayValidation(t *testing.T) {
	tests := []struct {
		name, content string
	}{
		{"bad port", "[http]\nbind_port = 99999\n"},
		{"shared listeners", "[http]\nbind_host = \"x\"\nbind_port = 80\n\n[ws]\nbind_host = \"x\"\nbind_port = 80\n"},
		{"bad verify mode", "[tls]\nverify_mode = \"maybe\"\n"},
		{"cert without key", "[tls]\ncert_file = \"/c.pem\"\n"},
		{"bad jwt alg", "[jwt]\nalgorithm = \"HS256\"\n"},
		{"zero chunk", "chunk_size = 0\n"},
		{"not toml", "{\"json\": true}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadGateway(writeFile(t, tt.content))
			require.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestGatewayMissingFile(t *testing.T) {
	_, err := LoadGateway("/nonexistent/config.toml")
	require.ErrorIs(t, err, ErrConfig)
}

func TestReceiverRequiredFields(t *testing.T) {
	_, err := LoadReceiver(writeFile(t, ""))
	require.ErrorIs(t, err, ErrConfig)

	cfg, err := LoadReceiver(writeFile(t, `
gateway_url = "wss://gateway.example.test:9443/"
did = "did:wba:example.test:receiver"
key_file = "/etc/anpx/receiver.pem"
services = ["api.example.test/a"]
`))
	require.NoError(t, err)
	assert.Equal(t, "did:wba:example.test:receiver#key-1", cfg.VerificationMethod)
	assert.Equal(t, 5*time.Second, cfg.InitialBackoff())
	assert.Equal(t, 300*time.Second, cfg.MaxBackoff())
	assert.Equal(t, 100, cfg.Workers)
}
