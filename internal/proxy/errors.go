package proxy

import (
	"errors"
	"net/http"
)

// Sentinel errors produced while bridging an HTTP request to a tunnel
// stream. statusFor maps each to the HTTP status code the edge server
// writes back to the public caller.
var (
	errResponseTimeout        = errors.New("timed out waiting for backend response")
	errResponseHeadersTooLarge = errors.New("backend response headers too large")
	errResponseClosed         = errors.New("tunnel closed before response headers were received")
	errStreamOpenFailed       = errors.New("failed to open tunnel stream")
)

// statusFor maps a bridging error to the status code the public caller
// should see. Unrecognized errors default to 502, matching the "malformed
// or oversized upstream response" case.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errResponseTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, errRequestTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errResponseHeadersTooLarge),
		errors.Is(err, errResponseClosed),
		errors.Is(err, errStreamOpenFailed):
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}
