// Package tunnel models a single registered tunnel: the channel over which
// the proxy asks the connection handler for a fresh multiplexed stream, plus
// the bookkeeping (request counts, last-activity time) the idle sweeper and
// admin API read.
package tunnel

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ErrorKind classifies why proxying a request over a tunnel failed.
type ErrorKind int

const (
	// ErrStreamOpenFailed means the handler could not open a yamux stream
	// to the client.
	ErrStreamOpenFailed ErrorKind = iota
	// ErrWriteFailed means the request could not be written to the stream.
	ErrWriteFailed
	// ErrReadFailed means the response could not be read from the stream.
	ErrReadFailed
	// ErrTimeout means no response arrived within the forward timeout.
	ErrTimeout
	// ErrConnectionClosed means the tunnel was closed before a stream could
	// be opened.
	ErrConnectionClosed
)

// ProxyError reports a failure to proxy a request over a tunnel.
type ProxyError struct {
	Kind ErrorKind
	Err  error
}

func (e *ProxyError) Error() string {
	var label string
	switch e.Kind {
	case ErrStreamOpenFailed:
		label = "stream open failed"
	case ErrWriteFailed:
		label = "write failed"
	case ErrReadFailed:
		label = "read failed"
	case ErrTimeout:
		label = "timed out"
	case ErrConnectionClosed:
		label = "connection closed"
	default:
		label = "unknown error"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", label, e.Err)
	}
	return label
}

func (e *ProxyError) Unwrap() error { return e.Err }

// streamRequest is one pending ask for a freshly opened multiplexed stream.
// The proxy is the producer; the connection handler's select loop is the
// sole consumer, since only the handler's goroutine may touch the
// multiplexer's session.
type streamRequest struct {
	result chan streamResult
}

type streamResult struct {
	stream io.ReadWriteCloser
	err    *ProxyError
}

// Tunnel is a live registration: one tunnel client, reachable by asking its
// connection handler to open a stream.
type Tunnel struct {
	Subdomain string
	Token     string

	requests chan *streamRequest

	createdAt      time.Time
	requestCount   atomic.Uint64
	lastActivity   time.Time
	lastActivityMu sync.RWMutex

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a tunnel with the given request buffer size.
func New(subdomain, token string, bufferSize int) *Tunnel {
	now := time.Now()
	return &Tunnel{
		Subdomain:    subdomain,
		Token:        token,
		requests:     make(chan *streamRequest, bufferSize),
		createdAt:    now,
		lastActivity: now,
		done:         make(chan struct{}),
	}
}

// Requests returns the channel the connection handler selects on to learn
// when the proxy wants a new stream opened, and a channel that is closed
// when the tunnel is torn down so the handler's select can stop waiting on
// a channel nothing will ever send on again.
func (t *Tunnel) Requests() (<-chan *streamRequest, <-chan struct{}) {
	return t.requests, t.done
}

// Fulfill is called by the handler in response to a value received from
// Requests: stream is the newly opened multiplexed stream, or err explains
// why one couldn't be opened.
func Fulfill(req *streamRequest, stream io.ReadWriteCloser, err *ProxyError) {
	req.result <- streamResult{stream: stream, err: err}
}

// OpenStream asks the connection handler for a fresh multiplexed stream and
// blocks until one arrives, ctx is cancelled, or the tunnel closes.
func (t *Tunnel) OpenStream(ctx context.Context) (io.ReadWriteCloser, *ProxyError) {
	select {
	case <-t.done:
		return nil, &ProxyError{Kind: ErrConnectionClosed}
	default:
	}

	req := &streamRequest{result: make(chan streamResult, 1)}

	select {
	case t.requests <- req:
	case <-t.done:
		return nil, &ProxyError{Kind: ErrConnectionClosed}
	case <-ctx.Done():
		return nil, &ProxyError{Kind: ErrTimeout, Err: ctx.Err()}
	}

	t.touch()
	t.requestCount.Add(1)

	select {
	case res := <-req.result:
		return res.stream, res.err
	case <-t.done:
		return nil, &ProxyError{Kind: ErrConnectionClosed}
	case <-ctx.Done():
		return nil, &ProxyError{Kind: ErrTimeout, Err: ctx.Err()}
	}
}

// Close marks the tunnel closed. It does not close the request channel
// itself — a concurrent OpenStream racing this call must never panic on a
// send-to-closed-channel, so done is the signal and requests is left for the
// garbage collector once nothing references the Tunnel anymore.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
	})
}

// Done reports the channel closed when the tunnel is torn down.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// touch records activity now. Called on every stream request.
func (t *Tunnel) touch() {
	t.lastActivityMu.Lock()
	t.lastActivity = time.Now()
	t.lastActivityMu.Unlock()
}

// Touch is the exported form, used by internal/proxy once a response body
// has finished copying, since data keeps flowing on an already-open stream
// with no new OpenStream call.
func (t *Tunnel) Touch() {
	t.touch()
}

// LastActivity returns the time of the most recent request or touch.
func (t *Tunnel) LastActivity() time.Time {
	t.lastActivityMu.RLock()
	defer t.lastActivityMu.RUnlock()
	return t.lastActivity
}

// IsIdle reports whether the tunnel has seen no activity for at least
// timeout.
func (t *Tunnel) IsIdle(timeout time.Duration) bool {
	return time.Since(t.LastActivity()) >= timeout
}

// RequestCount returns the number of streams opened through this tunnel
// since it was created.
func (t *Tunnel) RequestCount() uint64 {
	return t.requestCount.Load()
}

// CreatedAt returns when the tunnel was registered.
func (t *Tunnel) CreatedAt() time.Time {
	return t.createdAt
}

// StreamRequest and Fulfill expose just enough of the request/result pair
// for internal/handler to service Requests() without reaching into
// unexported fields across the package boundary.
type StreamRequest = streamRequest
