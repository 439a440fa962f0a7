// Package proxy bridges public HTTP requests to a tunnel's multiplexed
// stream. It also provides Bidirectional, a generic two-way copy between
// two connections; the tunnel client's local forwarding lives in
// internal/client and does not use it.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bc183/otun/internal/tunnel"
	"github.com/charmbracelet/log"
)

// halfCloser is implemented by connections that support closing the write
// side while keeping the read side open (TCP, TLS, yamux streams).
type halfCloser interface {
	CloseWrite() error
}

// Bidirectional copies data between two io.ReadWriteCloser connections.
// It blocks until both directions are done (either due to EOF or error).
// Both connections are closed when the function returns.
//
// When one direction completes (EOF), it calls CloseWrite on the destination
// to signal EOF to the other side, allowing graceful half-close semantics.
// This prevents abrupt connection termination and allows in-flight data to
// complete.
//
// Returns the first non-EOF error encountered, or nil if both directions
// completed successfully.
func Bidirectional(conn1, conn2 io.ReadWriteCloser) error {
	var wg sync.WaitGroup
	var err1, err2 error

	wg.Add(2)

	go func() {
		defer wg.Done()
		_, err1 = io.Copy(conn2, conn1)
		closeWrite(conn2)
	}()

	go func() {
		defer wg.Done()
		_, err2 = io.Copy(conn1, conn2)
		closeWrite(conn1)
	}()

	wg.Wait()

	conn1.Close()
	conn2.Close()

	return firstError(err1, err2)
}

func closeWrite(c io.ReadWriteCloser) {
	if hc, ok := c.(halfCloser); ok {
		hc.CloseWrite()
	}
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
	}
	return nil
}

// Config controls the limits the Proxy enforces while bridging HTTP
// requests onto tunnel streams.
type Config struct {
	// MaxRequestBodyBytes caps how much of the request body is relayed.
	// Zero uses defaultMaxRequestBodyBytes.
	MaxRequestBodyBytes int64

	// ForwardTimeout bounds how long OpenStream may wait for the tunnel's
	// handler to supply a stream before the caller gets a 504. Writing the
	// request and reading the response are not bounded by it; readResponse
	// applies its own firstByteTimeout to the response headers.
	ForwardTimeout time.Duration
}

// Proxy relays a public HTTP request onto a tunnel's multiplexed stream and
// writes the backend's response back to the original caller.
type Proxy struct {
	cfg Config
}

// New creates a Proxy with the given configuration.
func New(cfg Config) *Proxy {
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = 30 * time.Second
	}
	return &Proxy{cfg: cfg}
}

// Forward opens a stream on tun, writes r onto it, reads the backend's
// response, and writes it to w. clientIP and proto populate the
// X-Forwarded-* headers sent to the backend.
func (p *Proxy) Forward(ctx context.Context, w http.ResponseWriter, r *http.Request, tun *tunnel.Tunnel, clientIP, proto string) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ForwardTimeout)
	defer cancel()

	stream, perr := tun.OpenStream(ctx)
	if perr != nil {
		log.Warn("failed to open tunnel stream", "subdomain", tun.Subdomain, "error", perr)
		http.Error(w, "failed to reach tunnel client", statusForProxyError(perr))
		return
	}
	defer stream.Close()

	requestID, err := writeRequest(stream, r, clientIP, proto, p.cfg.MaxRequestBodyBytes)
	if err != nil {
		log.Warn("failed to write request to tunnel", "subdomain", tun.Subdomain, "request_id", requestID, "error", err)
		http.Error(w, "failed to send request to tunnel", statusFor(err))
		return
	}

	if sw, ok := stream.(halfCloser); ok {
		sw.CloseWrite()
	}

	resp, err := readResponse(stream)
	if err != nil {
		log.Warn("failed to read response from tunnel", "subdomain", tun.Subdomain, "request_id", requestID, "error", err)
		http.Error(w, "failed to read response from tunnel", statusFor(err))
		return
	}

	header := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	header.Set("X-Request-ID", requestID)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Debug("response body copy ended early", "subdomain", tun.Subdomain, "request_id", requestID, "error", err)
	}

	// A long-lived response body keeps this stream's data flowing well past
	// the OpenStream call that started it; mark the tunnel active again so a
	// slow download doesn't make it look idle mid-transfer.
	tun.Touch()
}

func statusForProxyError(perr *tunnel.ProxyError) int {
	switch perr.Kind {
	case tunnel.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// FulfillOpenStream is a convenience used by internal/handler: it opens a
// multiplexed stream via open and reports the outcome back through req.
func FulfillOpenStream(req *tunnel.StreamRequest, open func() (io.ReadWriteCloser, error)) {
	stream, err := open()
	if err != nil {
		tunnel.Fulfill(req, nil, &tunnel.ProxyError{Kind: tunnel.ErrStreamOpenFailed, Err: fmt.Errorf("opening tunnel stream: %w", err)})
		return
	}
	tunnel.Fulfill(req, stream, nil)
}
