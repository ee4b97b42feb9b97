// config.go — TOML configuration for the gateway and receiver binaries.
// Durations are written in seconds to keep the files free of unit
// suffixes; accessors convert.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ErrConfig marks any configuration problem; main maps it to exit code 1.
var ErrConfig = errors.New("configuration error")

// HTTPConfig is the public HTTP listener.
type HTTPConfig struct {
	BindHost string `toml:"bind_host"`
	BindPort int    `toml:"bind_port"`
}

// WSConfig is the tunnel (WSS) listener.
type WSConfig struct {
	BindHost string `toml:"bind_host"`
	BindPort int    `toml:"bind_port"`
}

// TLSConfig points at PEM material for the tunnel listener.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	CAFile     string `toml:"ca_file"`
	VerifyMode string `toml:"verify_mode"` // none | optional | required
}

// JWTConfig controls the optional post-admission bearer token.
type JWTConfig struct {
	Algorithm      string `toml:"algorithm"`
	PrivateKeyFile string `toml:"private_key_file"`
	PublicKeyFile  string `toml:"public_key_file"`
	TTLSeconds     int    `toml:"ttl_seconds"`
}

// Gateway is the gateway process configuration.
type Gateway struct {
	HTTP HTTPConfig `toml:"http"`
	WS   WSConfig   `toml:"ws"`
	TLS  TLSConfig  `toml:"tls"`
	JWT  JWTConfig  `toml:"jwt"`

	MaxConnections          int   `toml:"max_connections"`
	MaxPendingPerConnection int   `toml:"max_pending_per_connection"`
	RequestTimeoutSeconds   int   `toml:"request_timeout"`
	KeepaliveIntervalSecs   int   `toml:"keepalive_interval"`
	KeepaliveTimeoutSecs    int   `toml:"keepalive_timeout"`
	ChunkSize               int   `toml:"chunk_size"`
	NonceWindowSeconds      int   `toml:"nonce_window"`
	TimestampWindowSeconds  int   `toml:"timestamp_window"`
	ReassemblyIdleTTLSecs   int   `toml:"reassembly_idle_ttl"`
	BodyMaxBytes            int64 `toml:"body_max_bytes"`

	LogLevel string `toml:"log_level"`

	// Directory is the static DID → services policy used when no external
	// store is wired in.
	Directory []DirectoryEntry `toml:"directory"`
}

// DirectoryEntry authorizes one DID for a set of service URLs.
type DirectoryEntry struct {
	DID      string   `toml:"did"`
	Services []string `toml:"services"`
}

// DefaultGateway returns the documented defaults.
func DefaultGateway() Gateway {
	return Gateway{
		HTTP:                    HTTPConfig{BindHost: "0.0.0.0", BindPort: 8080},
		WS:                      WSConfig{BindHost: "0.0.0.0", BindPort: 9443},
		JWT:                     JWTConfig{Algorithm: "RS256", TTLSeconds: 3600},
		MaxConnections:          100,
		MaxPendingPerConnection: 100,
		RequestTimeoutSeconds:   30,
		KeepaliveIntervalSecs:   10,
		KeepaliveTimeoutSecs:    120,
		ChunkSize:               65536,
		NonceWindowSeconds:      300,
		TimestampWindowSeconds:  300,
		ReassemblyIdleTTLSecs:   300,
		BodyMaxBytes:            16 << 20,
		LogLevel:                "info",
	}
}

// LoadGateway reads path (optional) over the defaults and validates.
func LoadGateway(path string) (Gateway, error) {
	cfg := DefaultGateway()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		if err := toml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: %s: %v", ErrConfig, path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings before any socket is opened.
func (c *Gateway) Validate() error {
	if c.HTTP.BindPort <= 0 || c.HTTP.BindPort > 65535 {
		return fmt.Errorf("%w: http.bind_port %d out of range", ErrConfig, c.HTTP.BindPort)
	}
	if c.WS.BindPort <= 0 || c.WS.BindPort > 65535 {
		return fmt.Errorf("%w: ws.bind_port %d out of range", ErrConfig, c.WS.BindPort)
	}
	if c.HTTP.BindPort == c.WS.BindPort && c.HTTP.BindHost == c.WS.BindHost {
		return fmt.Errorf("%w: http and ws listeners share %s:%d", ErrConfig, c.HTTP.BindHost, c.HTTP.BindPort)
	}
	switch c.TLS.VerifyMode {
	case "", "none", "optional", "required":
	default:
		return fmt.Errorf("%w: tls.verify_mode %q (want none, optional or required)", ErrConfig, c.TLS.VerifyMode)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("%w: tls.cert_file and tls.key_file must be set together", ErrConfig)
	}
	if c.JWT.Algorithm != "" && c.JWT.Algorithm != "RS256" {
		return fmt.Errorf("%w: jwt.algorithm %q unsupported (only RS256)", ErrConfig, c.JWT.Algorithm)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("%w: chunk_size must be >= 1", ErrConfig)
	}
	if c.MaxPendingPerConnection < 1 {
		return fmt.Errorf("%w: max_pending_per_connection must be >= 1", ErrConfig)
	}
	if c.RequestTimeoutSeconds < 1 {
		return fmt.Errorf("%w: request_timeout must be >= 1", ErrConfig)
	}
	return nil
}

// Duration accessors.
func (c *Gateway) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}
func (c *Gateway) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalSecs) * time.Second
}
func (c *Gateway) KeepaliveTimeout() time.Duration {
	return time.Duration(c.KeepaliveTimeoutSecs) * time.Second
}
func (c *Gateway) NonceWindow() time.Duration {
	return time.Duration(c.NonceWindowSeconds) * time.Second
}
func (c *Gateway) TimestampWindow() time.Duration {
	return time.Duration(c.TimestampWindowSeconds) * time.Second
}
func (c *Gateway) ReassemblyIdleTTL() time.Duration {
	return time.Duration(c.ReassemblyIdleTTLSecs) * time.Second
}
func (c *Gateway) JWTTTL() time.Duration {
	return time.Duration(c.JWT.TTLSeconds) * time.Second
}

// Receiver is the receiver process configuration.
type Receiver struct {
	GatewayURL         string   `toml:"gateway_url"`
	DID                string   `toml:"did"`
	VerificationMethod string   `toml:"verification_method"`
	KeyFile            string   `toml:"key_file"` // PEM Ed25519 private key
	Services           []string `toml:"services"`

	LocalURL string `toml:"local_url"` // local application base URL

	Workers    int `toml:"workers"`
	QueueDepth int `toml:"queue_depth"`
	ChunkSize  int `toml:"chunk_size"`

	InitialBackoffSeconds int `toml:"initial_backoff"`
	MaxBackoffSeconds     int `toml:"max_backoff"`

	TLS TLSConfig `toml:"tls"`

	LogLevel string `toml:"log_level"`
}

// DefaultReceiver returns the documented defaults.
func DefaultReceiver() Receiver {
	return Receiver{
		Workers:               100,
		QueueDepth:            32,
		ChunkSize:             65536,
		InitialBackoffSeconds: 5,
		MaxBackoffSeconds:     300,
		LogLevel:              "info",
	}
}

// LoadReceiver reads path over the defaults and validates.
func LoadReceiver(path string) (Receiver, error) {
	cfg := DefaultReceiver()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		if err := toml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: %s: %v", ErrConfig, path, err)
		}
	}
	if cfg.GatewayURL == "" {
		return cfg, fmt.Errorf("%w: gateway_url is required", ErrConfig)
	}
	if cfg.DID == "" || cfg.KeyFile == "" {
		return cfg, fmt.Errorf("%w: did and key_file are required", ErrConfig)
	}
	if cfg.VerificationMethod == "" {
		cfg.VerificationMethod = cfg.DID + "#key-1"
	}
	return cfg, nil
}

func (c *Receiver) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffSeconds) * time.Second
}
func (c *Receiver) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}
