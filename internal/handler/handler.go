// Package handler runs the per-connection state machine on the edge
// server's side of a tunnel client's control channel: register, optionally
// wait for a certificate, then service stream requests until the
// connection drops.
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/bc183/otun/internal/certmgr"
	"github.com/bc183/otun/internal/multiplex"
	"github.com/bc183/otun/internal/protocol"
	"github.com/bc183/otun/internal/proxy"
	"github.com/bc183/otun/internal/registry"
	"github.com/bc183/otun/internal/tunnel"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

// registerTimeout bounds how long a freshly upgraded connection has to send
// its Register message before the handler gives up on it.
const registerTimeout = 10 * time.Second

// Handler drives every tunnel client connection from registration through
// teardown.
type Handler struct {
	Domain       string
	HTTPSEnabled bool
	HTTPPort     string
	HTTPSPort    string
	Tokens       *TokenSet
	Registry     *registry.Registry
	Certs        *certmgr.Manager
	StreamBuffer int
}

// Handle runs the full connection lifecycle for ws. It blocks until the
// connection ends, and always leaves the registry clean of this
// connection's tunnel on return.
func (h *Handler) Handle(ctx context.Context, ws *websocket.Conn) {
	conn := protocol.NewConn(ws)
	defer conn.Close()

	tun, err := h.awaitRegister(conn)
	if err != nil {
		log.Warn("registration failed", "error", err)
		return
	}
	defer func() {
		h.Registry.Deregister(tun.Subdomain)
		tun.Close()
		log.Info("tunnel deregistered", "subdomain", tun.Subdomain)
	}()

	if h.HTTPSEnabled {
		h.awaitCertificate(ctx, conn, tun.Subdomain)
	}

	h.run(ctx, conn, tun)
}

// awaitRegister reads the client's Register message, validates it, and
// registers a tunnel. On any failure other than a failed send it sends an
// ErrorMessage, and it always returns an error; the caller must not proceed
// to run().
func (h *Handler) awaitRegister(conn *protocol.Conn) (*tunnel.Tunnel, error) {
	conn.SetReadDeadline(time.Now().Add(registerTimeout))
	msg, err := conn.ReadMessage()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.SendError(protocol.ErrorInternal, "failed to read register message")
		return nil, fmt.Errorf("reading register message: %w", err)
	}

	reg, ok := msg.(*protocol.RegisterMessage)
	if !ok {
		conn.SendError(protocol.ErrorInternal, "expected register message")
		return nil, fmt.Errorf("expected register message, got %T", msg)
	}

	if !h.Tokens.Allowed(reg.Token) {
		conn.SendError(protocol.ErrorInvalidToken, "invalid token")
		return nil, fmt.Errorf("invalid token")
	}

	subdomain := reg.Subdomain
	if subdomain == "" {
		subdomain = generateSubdomain()
	}

	if err := registry.Validate(subdomain); err != nil {
		conn.SendError(protocol.ErrorSubdomainInvalid, err.Error())
		return nil, err
	}

	tun := tunnel.New(subdomain, reg.Token, h.streamBuffer())
	if err := h.Registry.Register(tun); err != nil {
		code := protocol.ErrorInternal
		switch {
		case err == registry.ErrTaken:
			code = protocol.ErrorSubdomainTaken
		case err == registry.ErrReserved:
			code = protocol.ErrorSubdomainInvalid
		}
		conn.SendError(code, err.Error())
		return nil, err
	}

	url := h.tunnelURL(subdomain)
	if err := conn.SendRegistered(subdomain, url); err != nil {
		h.Registry.Deregister(subdomain)
		return nil, fmt.Errorf("sending registered message: %w", err)
	}

	log.Info("tunnel registered", "subdomain", subdomain, "url", url)
	return tun, nil
}

func (h *Handler) streamBuffer() int {
	if h.StreamBuffer > 0 {
		return h.StreamBuffer
	}
	return 32
}

// awaitCertificate requests (or waits on) the subdomain's certificate and
// reports progress to the client. A failed issuance is logged and the ready
// status is withheld rather than the connection torn down: the tunnel stays
// registered, and a later TLS handshake for its name starts another
// issuance attempt.
func (h *Handler) awaitCertificate(ctx context.Context, conn *protocol.Conn, subdomain string) {
	conn.SendCertificateStatus(false)

	domain := subdomain + "." + h.Domain
	if _, err := h.Certs.RequestCertificate(ctx, domain); err != nil {
		log.Warn("certificate issuance failed, continuing without TLS readiness", "domain", domain, "error", err)
		return
	}
	conn.SendCertificateStatus(true)
}

// run services stream-open requests from the tunnel's proxy side until the
// multiplexed session or context ends, or the tunnel is closed.
func (h *Handler) run(ctx context.Context, conn *protocol.Conn, tun *tunnel.Tunnel) {
	mux, err := multiplex.NewServer(conn.Underlying())
	if err != nil {
		log.Error("failed to start multiplexer", "subdomain", tun.Subdomain, "error", err)
		return
	}
	defer mux.Close()

	type acceptResult struct {
		stream io.ReadWriteCloser
		err    error
	}
	acceptCh := make(chan acceptResult)
	go func() {
		for {
			stream, err := mux.AcceptStream()
			if err != nil {
				acceptCh <- acceptResult{err: err}
				return
			}
			// Clients never open streams toward the server; this would
			// only happen for a misbehaving or compromised client.
			log.Warn("discarding unexpected inbound stream from client", "subdomain", tun.Subdomain)
			stream.Close()
		}
	}()

	requests, done := tun.Requests()

	for {
		select {
		case req := <-requests:
			proxy.FulfillOpenStream(req, func() (io.ReadWriteCloser, error) {
				return mux.OpenStream()
			})

		case res := <-acceptCh:
			log.Debug("multiplexed session ended", "subdomain", tun.Subdomain, "error", res.err)
			return

		case <-done:
			return

		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) tunnelURL(subdomain string) string {
	scheme := "http"
	port := h.HTTPPort
	if h.HTTPSEnabled {
		scheme = "https"
		port = h.HTTPSPort
	}

	host := subdomain + "." + h.Domain
	switch {
	case scheme == "http" && (port == "" || port == ":80"):
		return fmt.Sprintf("http://%s", host)
	case scheme == "https" && (port == "" || port == ":443"):
		return fmt.Sprintf("https://%s", host)
	default:
		return fmt.Sprintf("%s://%s%s", scheme, host, port)
	}
}

func generateSubdomain() string {
	buf := make([]byte, 4)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
