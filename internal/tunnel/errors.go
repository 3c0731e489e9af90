package tunnel

import (
	"errors"
	"net/http"

	"relay/internal/hostname"
)

var (
	ErrEndpointNotFound      = errors.New("endpoint not found")
	ErrPortBindFailed        = errors.New("port bind failed")
	ErrNoAvailableConnection = errors.New("no available connection")
	ErrHandshakeFailed       = errors.New("handshake failed")
	ErrUpstreamIO            = errors.New("upstream i/o error")
	ErrDialFailed            = errors.New("dial failed")
	ErrSessionClosed         = errors.New("session closed")
	ErrRateLimited           = errors.New("rate limited")
)

// StatusCode maps a data-plane error to the status returned to the public caller.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, hostname.ErrInvalidHost), errors.Is(err, hostname.ErrInvalidEndpoint):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrEndpointNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNoAvailableConnection):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrPortBindFailed):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

// Category is a short human label for err, used in logs and diagnostic pages.
func Category(err error) string {
	switch {
	case errors.Is(err, hostname.ErrInvalidHost), errors.Is(err, hostname.ErrInvalidEndpoint):
		return "Host does not name an endpoint"
	case errors.Is(err, ErrRateLimited):
		return "Endpoint rate limit exceeded"
	case errors.Is(err, ErrEndpointNotFound):
		return "Endpoint not registered"
	case errors.Is(err, ErrNoAvailableConnection):
		return "No agent connection available"
	case errors.Is(err, ErrSessionClosed):
		return "Endpoint session closed"
	case errors.Is(err, ErrDialFailed):
		return "Tunnel target unreachable"
	case errors.Is(err, ErrHandshakeFailed), errors.Is(err, ErrUpstreamIO):
		return "Agent connection failed"
	default:
		return "Upstream unavailable"
	}
}
