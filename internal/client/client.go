// Package client implements the otun tunnel client: it dials the edge
// server's control channel, registers a subdomain, and relays each
// multiplexed stream it receives to a local backend.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/bc183/otun/internal/multiplex"
	"github.com/bc183/otun/internal/protocol"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const (
	// registerTimeout bounds how long the client waits for the server's
	// Registered/Error reply.
	registerTimeout = 10 * time.Second

	// certificateTimeout bounds how long the client waits for the server's
	// final CertificateStatus{Ready: true} before giving up and forwarding
	// requests anyway under the URL the server assigned.
	certificateTimeout = 2 * time.Minute

	// defaultDialTimeout bounds connecting to the local backend.
	defaultDialTimeout = 5 * time.Second

	// defaultForwardTimeout bounds writing the request to, and reading the
	// response from, the local backend.
	defaultForwardTimeout = 30 * time.Second
)

// Client is the otun tunnel client.
type Client struct {
	serverURL string
	localAddr string
	localHost string
	subdomain string
	token     string
	quiet     bool

	dialTimeout    time.Duration
	forwardTimeout time.Duration

	ws *websocket.Conn

	tunnelURL         string
	assignedSubdomain string

	backoffConfig BackoffConfig
	reconnect     bool
}

// New creates a new tunnel client. serverURL is the control channel
// endpoint, e.g. "wss://tunnel.example.com/_otun/control".
func New(serverURL, localAddr string) *Client {
	return &Client{
		serverURL:      serverURL,
		localAddr:      localAddr,
		dialTimeout:    defaultDialTimeout,
		forwardTimeout: defaultForwardTimeout,
		backoffConfig:  DefaultBackoffConfig(),
		reconnect:      true,
	}
}

// WithSubdomain sets a preferred subdomain for the tunnel.
func (c *Client) WithSubdomain(subdomain string) *Client {
	c.subdomain = subdomain
	return c
}

// WithToken sets the bearer token for authentication.
func (c *Client) WithToken(token string) *Client {
	c.token = token
	return c
}

// WithLocalHost sets the Host header value to present to the local backend,
// in place of whatever Host the public request arrived with.
func (c *Client) WithLocalHost(host string) *Client {
	c.localHost = host
	return c
}

// WithQuiet suppresses the per-request log line.
func (c *Client) WithQuiet(quiet bool) *Client {
	c.quiet = quiet
	return c
}

// WithBackoff sets the backoff configuration for reconnection.
func (c *Client) WithBackoff(config BackoffConfig) *Client {
	c.backoffConfig = config
	return c
}

// WithReconnect enables or disables automatic reconnection.
func (c *Client) WithReconnect(enabled bool) *Client {
	c.reconnect = enabled
	return c
}

// WithMaxRetries sets the maximum number of reconnection attempts.
func (c *Client) WithMaxRetries(maxRetries int) *Client {
	c.backoffConfig.MaxRetries = maxRetries
	return c
}

// WithForwardTimeout bounds how long a single request to the local backend
// may take to write and read, in place of defaultForwardTimeout.
func (c *Client) WithForwardTimeout(d time.Duration) *Client {
	if d > 0 {
		c.forwardTimeout = d
	}
	return c
}

// Run connects to the server and handles incoming streams. It returns when
// the connection is closed or the context is cancelled.
func (c *Client) Run(ctx context.Context) error {
	log.Debug("connecting to server", "server", c.serverURL)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.serverURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to server %s: %w", c.serverURL, err)
	}
	c.ws = ws

	conn := protocol.NewConn(ws)

	subdomain := c.subdomain
	if c.assignedSubdomain != "" {
		subdomain = c.assignedSubdomain
	}

	if err := c.register(conn, subdomain); err != nil {
		ws.Close()
		return err
	}

	if strings.HasPrefix(c.tunnelURL, "https://") {
		c.awaitCertificate(ctx, conn)
	}

	log.Info("tunnel ready", "url", c.tunnelURL)

	mux, err := multiplex.NewClient(ws)
	if err != nil {
		ws.Close()
		return fmt.Errorf("failed to start multiplexer: %w", err)
	}

	go func() {
		<-ctx.Done()
		mux.Close()
		ws.Close()
	}()

	log.Info("forwarding requests", "to", c.localAddr)

	for {
		stream, err := mux.AcceptStream()
		if err != nil {
			if ctx.Err() != nil {
				return ErrShutdown
			}
			return fmt.Errorf("session closed: %w", err)
		}
		go c.handleStream(stream)
	}
}

// register sends the Register message and waits for the server's reply.
func (c *Client) register(conn *protocol.Conn, subdomain string) error {
	if err := conn.SendRegister(c.token, subdomain); err != nil {
		return fmt.Errorf("failed to send register message: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(registerTimeout))
	msg, err := conn.ReadMessage()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("failed to read registered message: %w", err)
	}

	switch m := msg.(type) {
	case *protocol.RegisteredMessage:
		c.tunnelURL = m.URL
		c.assignedSubdomain = m.Subdomain
		return nil
	case *protocol.ErrorMessage:
		return fatalErrorFor(m.Code, m.Message)
	default:
		return fmt.Errorf("unexpected message type: %T", msg)
	}
}

// awaitCertificate blocks until the server reports the tunnel's TLS
// certificate is ready, or certificateTimeout elapses. A timeout is not
// fatal: the tunnel URL was already assigned and the server will keep
// retrying issuance in the background on subsequent requests.
func (c *Client) awaitCertificate(ctx context.Context, conn *protocol.Conn) {
	deadline := time.Now().Add(certificateTimeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(time.Until(deadline)))
		msg, err := conn.ReadMessage()
		conn.SetReadDeadline(time.Time{})
		if err != nil {
			log.Warn("failed to read certificate status, continuing anyway", "error", err)
			return
		}
		status, ok := msg.(*protocol.CertificateStatusMessage)
		if !ok {
			continue
		}
		if status.Ready {
			return
		}
		log.Debug("waiting for certificate issuance")
	}
	log.Warn("timed out waiting for certificate, continuing anyway")
}

// handleStream reads one buffered HTTP request from stream, forwards it to
// the local backend, and writes the response back onto stream.
func (c *Client) handleStream(stream net.Conn) {
	defer stream.Close()

	start := time.Now()

	request, err := readFullRequest(stream)
	if err != nil {
		log.Debug("failed to read request from tunnel stream", "error", err)
		return
	}
	if len(request) == 0 {
		return
	}

	method, path := splitMethodPath(requestLine(request))

	response, err := forwardToLocal(request, c.localAddr, c.localHost, c.dialTimeout, c.forwardTimeout)
	if err != nil {
		code, text := 502, "Bad Gateway"
		if isTimeoutErr(err) {
			code, text = 504, "Gateway Timeout"
		}
		if !c.quiet {
			log.Warn("request failed", "method", method, "path", path, "status", code, "error", err)
		}
		response = timeoutResponse(code, text)
	} else if !c.quiet {
		status, statusText := statusFromResponse(response)
		log.Info("request", "method", method, "path", path, "status", status, "status_text", statusText,
			"elapsed", time.Since(start).Round(time.Millisecond))
	}

	if _, err := stream.Write(response); err != nil {
		log.Debug("failed to write response to tunnel stream", "error", err)
	}
}

func isTimeoutErr(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// RunWithReconnect runs the client with automatic reconnection on transient
// failures.
func (c *Client) RunWithReconnect(ctx context.Context) error {
	if !c.reconnect {
		return c.Run(ctx)
	}

	backoff := NewBackoff(c.backoffConfig)

	for {
		c.tunnelURL = ""

		err := c.Run(ctx)

		if c.tunnelURL != "" {
			backoff.Reset()
		}

		if err == nil || isPermanentError(err) {
			return err
		}

		if backoff.MaxRetriesReached() {
			log.Error("max reconnection attempts reached")
			return ErrMaxRetriesExceeded
		}

		delay := backoff.NextDelay()
		log.Warn("connection lost, reconnecting...",
			"error", err,
			"attempt", backoff.Attempt(),
			"delay", delay.Round(time.Millisecond),
		)

		select {
		case <-ctx.Done():
			return ErrShutdown
		case <-time.After(delay):
		}

		log.Info("attempting to reconnect",
			"server", c.serverURL,
			"subdomain", c.assignedSubdomain,
		)
	}
}

// Close closes the client's connection to the server.
func (c *Client) Close() error {
	if c.ws != nil {
		return c.ws.Close()
	}
	return nil
}

// TunnelURL returns the public URL for the tunnel.
func (c *Client) TunnelURL() string {
	return c.tunnelURL
}

// Subdomain returns the assigned subdomain.
func (c *Client) Subdomain() string {
	return c.assignedSubdomain
}
