// errors.go — Gateway error taxonomy and its fixed HTTP mapping.
package gateway

import (
	"errors"
	"net/http"
)

// Client-visible failure kinds. Each maps to exactly one HTTP status; the
// reason phrase is short and carries no internal identifiers.
var (
	ErrNoRoute            = errors.New("no receiver for service")
	ErrNoCapacity         = errors.New("no capacity")
	ErrRequestTimeout     = errors.New("request timeout")
	ErrTunnelLost         = errors.New("tunnel lost")
	ErrTunnelProtocol     = errors.New("tunnel protocol error")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrDuplicateRequestID = errors.New("duplicate request id")
)

// StatusFor maps a correlation failure to the gateway's response status.
func StatusFor(err error) (status int, reason string) {
	switch {
	case errors.Is(err, ErrNoRoute):
		return http.StatusServiceUnavailable, "No receiver"
	case errors.Is(err, ErrNoCapacity):
		return http.StatusServiceUnavailable, "No capacity"
	case errors.Is(err, ErrRequestTimeout):
		return http.StatusGatewayTimeout, "Gateway Timeout"
	case errors.Is(err, ErrTunnelLost), errors.Is(err, ErrTunnelProtocol):
		return http.StatusBadGateway, "Bad Gateway"
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, "Payload Too Large"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

// WebSocket close codes for tunnel-visible failures.
const (
	CloseAuthFailed       = 4003 // DID authentication failed
	CloseKeepaliveTimeout = 4008 // missed pongs
	CloseShuttingDown     = 4011 // graceful shutdown
)
