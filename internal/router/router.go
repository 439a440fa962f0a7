// Package router is the edge server's single HTTP(S) entry point: it
// dispatches ACME challenge responses, upgrades the control channel,
// serves the admin API, and proxies everything else to the tunnel matching
// the request's subdomain.
package router

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bc183/otun/internal/certmgr"
	"github.com/bc183/otun/internal/proxy"
	"github.com/bc183/otun/internal/registry"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

// ControlHandler upgrades and owns a control-channel WebSocket connection.
// internal/handler implements this; router only needs to dispatch to it.
type ControlHandler interface {
	Handle(ctx context.Context, ws *websocket.Conn)
}

// Router is http.Handler for the edge server's public listeners.
type Router struct {
	Domain       string
	HTTPSEnabled bool
	AdminToken   string
	AdminEnabled bool

	Registry   *registry.Registry
	Challenges *certmgr.ChallengeStore
	Control    ControlHandler
	Proxy      *proxy.Proxy

	upgrader websocket.Upgrader
}

// New creates a Router. Its upgrader's CheckOrigin accepts every origin:
// tunnel clients are not browsers, and gorilla's default same-origin check
// (used when CheckOrigin is nil) would reject upgrades carrying a foreign
// Origin header.
func New(domain string, httpsEnabled bool, reg *registry.Registry, challenges *certmgr.ChallengeStore, control ControlHandler, p *proxy.Proxy) *Router {
	return &Router{
		Domain:       domain,
		HTTPSEnabled: httpsEnabled,
		Registry:     reg,
		Challenges:   challenges,
		Control:      control,
		Proxy:        p,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

const (
	acmeChallengePrefix = "/.well-known/acme-challenge/"
	controlPath         = "/_otun/control"
	adminTunnelsPath    = "/_admin/tunnels"
	adminTunnelsPrefix  = adminTunnelsPath + "/"
)

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, acmeChallengePrefix):
		rt.serveACMEChallenge(w, r)
		return
	case r.URL.Path == controlPath:
		rt.serveControl(w, r)
		return
	case rt.AdminEnabled && (r.URL.Path == adminTunnelsPath || strings.HasPrefix(r.URL.Path, adminTunnelsPrefix)):
		rt.serveAdmin(w, r)
		return
	}

	subdomain, isApex := extractSubdomain(hostOnly(r.Host), rt.Domain)
	if subdomain == "" && isApex {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if subdomain == "" {
		http.Error(w, "unrecognized host", http.StatusNotFound)
		return
	}

	tun, ok := rt.Registry.Get(subdomain)
	if !ok {
		http.Error(w, "no tunnel registered for this subdomain", http.StatusNotFound)
		return
	}

	clientIP := clientIPFromRequest(r)
	proto := "http"
	if rt.HTTPSEnabled && r.TLS != nil {
		proto = "https"
	}

	rt.Proxy.Forward(r.Context(), w, r, tun, clientIP, proto)
}

func (rt *Router) serveACMEChallenge(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.URL.Path, acmeChallengePrefix)
	keyAuth, ok := rt.Challenges.Get(token)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(keyAuth))
}

func (rt *Router) serveControl(w http.ResponseWriter, r *http.Request) {
	ws, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("control channel upgrade failed", "error", err)
		return
	}
	rt.Control.Handle(r.Context(), ws)
}

func (rt *Router) serveAdmin(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) || !constantTimeEqual(strings.TrimPrefix(auth, prefix), rt.AdminToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if r.URL.Path == adminTunnelsPath {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rt.listTunnels(w, r)
		return
	}

	subdomain := strings.TrimPrefix(r.URL.Path, adminTunnelsPrefix)
	if subdomain == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rt.deleteTunnel(w, subdomain)
}

// adminTunnelSummary is one entry in GET /_admin/tunnels' response.
type adminTunnelSummary struct {
	Subdomain     string `json:"subdomain"`
	CreatedAtSecs int64  `json:"created_at_secs"`
	RequestCount  uint64 `json:"request_count"`
	IdleSecs      int64  `json:"idle_secs"`
}

func (rt *Router) listTunnels(w http.ResponseWriter, r *http.Request) {
	subdomains := rt.Registry.Subdomains()
	tunnels := make([]adminTunnelSummary, 0, len(subdomains))
	for _, sub := range subdomains {
		tun, ok := rt.Registry.Get(sub)
		if !ok {
			continue
		}
		tunnels = append(tunnels, adminTunnelSummary{
			Subdomain:     tun.Subdomain,
			CreatedAtSecs: tun.CreatedAt().Unix(),
			RequestCount:  tun.RequestCount(),
			IdleSecs:      int64(time.Since(tun.LastActivity()).Seconds()),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Tunnels []adminTunnelSummary `json:"tunnels"`
		Count   int                  `json:"count"`
	}{Tunnels: tunnels, Count: len(tunnels)})
}

func (rt *Router) deleteTunnel(w http.ResponseWriter, subdomain string) {
	tun, ok := rt.Registry.Get(subdomain)
	if !ok {
		http.Error(w, "no such tunnel", http.StatusNotFound)
		return
	}
	rt.Registry.Deregister(subdomain)
	tun.Close()
	log.Info("tunnel deregistered via admin API", "subdomain", subdomain)
	w.WriteHeader(http.StatusNoContent)
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// RedirectToHTTPS writes a 308 redirect to the HTTPS equivalent of r,
// preserving path and query. httpsPort is the configured HTTPS listener's
// port (from its addr, e.g. "8443" out of ":8443"); it is appended to the
// redirect's host unless it is empty or "443", the default HTTPS port. It
// is installed as the handler for the plaintext HTTP listener only when
// HTTPS is enabled, and only for paths not otherwise claimed by the ACME
// challenge responder (which must stay reachable over plain HTTP).
func RedirectToHTTPS(w http.ResponseWriter, r *http.Request, httpsPort string) {
	if strings.HasPrefix(r.URL.Path, acmeChallengePrefix) {
		http.NotFound(w, r)
		return
	}
	host := hostOnly(r.Host)
	if httpsPort != "" && httpsPort != "443" {
		host = net.JoinHostPort(host, httpsPort)
	}
	target := "https://" + host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusPermanentRedirect)
}

// hostOnly strips a :port suffix from host, leaving IPv6 literals alone.
func hostOnly(host string) string {
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	return h
}

// PortOf extracts the port segment from a listener address like ":443" or
// "0.0.0.0:8443", for callers that need to thread a configured port into
// RedirectToHTTPS without reimplementing net.SplitHostPort's edge cases.
func PortOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return port
}

// extractSubdomain derives the tunnel subdomain from a request host given
// the server's configured base domain. It returns ("", true) for the bare
// apex domain, and ("", false) for a host that doesn't belong to this
// server's domain at all.
// ExtractSubdomain is the exported form of extractSubdomain, for callers
// outside this package that need the same host-to-subdomain derivation to
// gate certificate issuance to registered subdomains.
func ExtractSubdomain(host, baseDomain string) (subdomain string, isApex bool) {
	return extractSubdomain(host, baseDomain)
}

func extractSubdomain(host, baseDomain string) (subdomain string, isApex bool) {
	if host == baseDomain {
		return "", true
	}

	suffix := "." + baseDomain
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}

	label := strings.TrimSuffix(host, suffix)
	if label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, false
}

func clientIPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
