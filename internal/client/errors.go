package client

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/bc183/otun/internal/protocol"
)

// Sentinel errors for client operations.
var (
	// ErrShutdown indicates the client was shut down intentionally (e.g., via context cancellation).
	ErrShutdown = errors.New("client shutdown")

	// ErrPermanentFailure indicates an error that should not trigger reconnection.
	ErrPermanentFailure = errors.New("permanent failure")

	// ErrSubdomainTaken indicates the requested subdomain is already in use.
	ErrSubdomainTaken = errors.New("subdomain already in use")

	// ErrInvalidToken indicates the server rejected the client's bearer token.
	ErrInvalidToken = errors.New("invalid token")

	// ErrSubdomainInvalid indicates the requested subdomain failed validation.
	ErrSubdomainInvalid = errors.New("invalid subdomain")

	// ErrTunnelLimitReached indicates the server has no capacity for another tunnel.
	ErrTunnelLimitReached = errors.New("tunnel limit reached")

	// ErrMaxRetriesExceeded indicates the maximum number of reconnection attempts was reached.
	ErrMaxRetriesExceeded = errors.New("maximum reconnection attempts exceeded")
)

// fatalErrorFor maps a server-reported registration ErrorMessage to the
// matching client sentinel error, wrapped with the server's own message.
func fatalErrorFor(code protocol.ErrorCode, message string) error {
	var sentinel error
	switch code {
	case protocol.ErrorInvalidToken:
		sentinel = ErrInvalidToken
	case protocol.ErrorSubdomainTaken:
		sentinel = ErrSubdomainTaken
	case protocol.ErrorSubdomainInvalid:
		sentinel = ErrSubdomainInvalid
	case protocol.ErrorTunnelLimitReached:
		sentinel = ErrTunnelLimitReached
	default:
		sentinel = ErrPermanentFailure
	}
	return fmt.Errorf("registration failed: %s: %w", message, sentinel)
}

// isPermanentError returns true if the error should not trigger a reconnection attempt.
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}

	// Check for our sentinel errors
	if errors.Is(err, ErrShutdown) ||
		errors.Is(err, ErrPermanentFailure) ||
		errors.Is(err, ErrSubdomainTaken) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrSubdomainInvalid) ||
		errors.Is(err, ErrTunnelLimitReached) ||
		errors.Is(err, ErrMaxRetriesExceeded) {
		return true
	}

	return false
}

// isTransientError returns true if the error is a known transient network error.
// Returns false for unknown errors - caller should decide whether to reconnect.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if isPermanentError(err) {
		return false
	}

	// Check for network errors with Timeout/Temporary methods
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || netErr.Temporary()
	}

	// Check for specific syscall errors that indicate transient failures
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}

	return false
}
