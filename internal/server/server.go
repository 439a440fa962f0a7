// Package server wires the edge server's components together: the
// registry, certificate manager, router, and connection handler, plus the
// listeners and background tasks that keep them running.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bc183/otun/internal/certmgr"
	"github.com/bc183/otun/internal/handler"
	"github.com/bc183/otun/internal/proxy"
	"github.com/bc183/otun/internal/registry"
	"github.com/bc183/otun/internal/router"
	"github.com/charmbracelet/log"
)

const (
	defaultIdleTunnelTimeout   = 3600 * time.Second
	idleSweepPeriod            = 60 * time.Second
	defaultMaxRequestBodyBytes = 10 * 1024 * 1024
	defaultForwardTimeout      = 30 * time.Second
	apexIssuanceTimeout        = 2 * time.Minute
	shutdownDrainTimeout       = 10 * time.Second
)

// Config configures a Server. The control channel upgrades on the same
// HTTP(S) listener as public tunnel traffic (dispatched by path in
// internal/router), so there is no separate control listener to configure.
type Config struct {
	// HTTPAddr is the plaintext listener address. It always serves ACME
	// HTTP-01 challenges; when HTTPSAddr is also set, it redirects
	// everything else to HTTPS.
	HTTPAddr string

	// HTTPSAddr is the TLS listener address. Leave empty to run HTTP-only,
	// useful for local development.
	HTTPSAddr string

	// Domain is the base domain tunnels are minted under
	// (<subdomain>.<Domain>).
	Domain string

	// CertsDir is unused by the in-memory certificate cache directly, but
	// reserved for a future on-disk Issuer cache; kept in Config so the
	// YAML schema is stable across that change.
	CertsDir string

	APIKeys      []string
	AdminToken   string
	AdminEnabled bool

	IdleTunnelTimeout   time.Duration
	MaxRequestBodyBytes int64
	ForwardTimeout      time.Duration

	// IdleSweepPeriod overrides how often the idle sweeper ticks. Tests set
	// this to something short; production leaves it at the default.
	IdleSweepPeriod time.Duration

	ACMEEmail        string
	ACMEDirectoryURL string

	// Issuer overrides the certificate issuer otherwise built from
	// ACMEEmail/ACMEDirectoryURL. Tests set this to a StaticIssuer.
	Issuer certmgr.Issuer
}

func (c Config) idleTunnelTimeout() time.Duration {
	if c.IdleTunnelTimeout > 0 {
		return c.IdleTunnelTimeout
	}
	return defaultIdleTunnelTimeout
}

func (c Config) maxRequestBodyBytes() int64 {
	if c.MaxRequestBodyBytes > 0 {
		return c.MaxRequestBodyBytes
	}
	return defaultMaxRequestBodyBytes
}

func (c Config) forwardTimeout() time.Duration {
	if c.ForwardTimeout > 0 {
		return c.ForwardTimeout
	}
	return defaultForwardTimeout
}

func (c Config) idleSweepPeriod() time.Duration {
	if c.IdleSweepPeriod > 0 {
		return c.IdleSweepPeriod
	}
	return idleSweepPeriod
}

// Server is the otun edge server.
type Server struct {
	cfg Config

	registry *registry.Registry
	certs    *certmgr.Manager
	router   *router.Router
	handler  *handler.Handler
}

// New builds a Server from cfg. When cfg.HTTPSAddr is set and cfg.Issuer is
// nil, an ACME issuer is registered against cfg.ACMEDirectoryURL, which
// requires ctx to remain valid only for the duration of account
// registration.
func New(ctx context.Context, cfg Config) (*Server, error) {
	reg := registry.New()

	var issuer certmgr.Issuer = cfg.Issuer
	challenges := certmgr.NewChallengeStore()
	if issuer == nil && cfg.HTTPSAddr != "" {
		acmeIssuer, err := certmgr.NewACMEIssuer(ctx, cfg.ACMEEmail, cfg.ACMEDirectoryURL, challenges)
		if err != nil {
			return nil, fmt.Errorf("registering ACME account: %w", err)
		}
		issuer = acmeIssuer
	}

	certs := certmgr.New(issuer, cfg.Domain)
	certs.Challenges = challenges

	p := proxy.New(proxy.Config{
		MaxRequestBodyBytes: cfg.maxRequestBodyBytes(),
		ForwardTimeout:      cfg.forwardTimeout(),
	})

	h := &handler.Handler{
		Domain:       cfg.Domain,
		HTTPSEnabled: cfg.HTTPSAddr != "",
		HTTPPort:     cfg.HTTPAddr,
		HTTPSPort:    cfg.HTTPSAddr,
		Tokens:       handler.NewTokenSet(cfg.APIKeys),
		Registry:     reg,
		Certs:        certs,
	}

	rt := router.New(cfg.Domain, cfg.HTTPSAddr != "", reg, certs.Challenges, h, p)
	rt.AdminEnabled = cfg.AdminEnabled
	rt.AdminToken = cfg.AdminToken

	return &Server{
		cfg:      cfg,
		registry: reg,
		certs:    certs,
		router:   rt,
		handler:  h,
	}, nil
}

// Run starts the configured listeners and background tasks, and blocks
// until ctx is cancelled or a listener fails fatally.
func (s *Server) Run(ctx context.Context) error {
	go s.sweepIdleTunnels(ctx)

	if s.cfg.HTTPSAddr == "" {
		return s.runHTTPOnly(ctx)
	}

	if err := s.issueApexCertificate(ctx); err != nil {
		log.Warn("eager apex certificate issuance failed, continuing; SNI issuance will retry on demand", "error", err)
	}

	return s.runWithTLS(ctx)
}

// runHTTPOnly serves the router directly over plaintext HTTP, for local
// development where no TLS is configured.
func (s *Server) runHTTPOnly(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.HTTPAddr, Handler: s.router}
	return serveUntilDone(ctx, srv, func() error { return srv.ListenAndServe() })
}

// runWithTLS serves public tunnel traffic (and the control channel) over
// TLS with certificates resolved on demand by SNI, and runs a second
// plaintext listener alongside it for ACME HTTP-01 challenges and
// redirecting everything else to HTTPS.
func (s *Server) runWithTLS(ctx context.Context) error {
	httpsServer := &http.Server{
		Addr:    s.cfg.HTTPSAddr,
		Handler: s.router,
		TLSConfig: &tls.Config{
			GetCertificate: s.getCertificate,
			NextProtos:     []string{"http/1.1"},
		},
	}

	httpServer := &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: http.HandlerFunc(s.serveHTTPRedirect),
	}

	go func() {
		log.Info("HTTP listener started", "addr", s.cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP listener error", "error", err)
		}
	}()

	log.Info("HTTPS listener started", "addr", s.cfg.HTTPSAddr, "domain", s.cfg.Domain)
	return serveUntilDone(ctx, httpsServer, func() error { return httpsServer.ListenAndServeTLS("", "") })
}

// acmeChallengePrefix mirrors internal/router's unexported constant of the
// same name: the plaintext listener must keep serving ACME HTTP-01
// challenges even while redirecting everything else to HTTPS.
const acmeChallengePrefix = "/.well-known/acme-challenge/"

// serveHTTPRedirect is the plaintext listener's handler once HTTPS is
// enabled: ACME challenges are answered directly (by the same router that
// serves them on the HTTPS listener), everything else is redirected.
func (s *Server) serveHTTPRedirect(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, acmeChallengePrefix) {
		s.router.ServeHTTP(w, r)
		return
	}
	router.RedirectToHTTPS(w, r, router.PortOf(s.cfg.HTTPSAddr))
}

// serveUntilDone runs start in the current goroutine while watching ctx: on
// cancellation it shuts srv down within shutdownDrainTimeout and returns
// nil instead of the resulting http.ErrServerClosed.
func serveUntilDone(ctx context.Context, srv *http.Server, start func() error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- start() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	}
}

// getCertificate gates certmgr.Manager.GetCertificate behind a host policy:
// only the apex domain and subdomains with an active registered tunnel are
// ever handed to the certificate cache, so a handshake naming an arbitrary
// hostname can't trigger an issuance attempt (and the rate-limit exposure
// that comes with one).
func (s *Server) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := hello.ServerName
	if name == "" {
		return nil, fmt.Errorf("no SNI server name in ClientHello")
	}
	if name != s.cfg.Domain {
		subdomain, _ := router.ExtractSubdomain(name, s.cfg.Domain)
		if subdomain == "" {
			return nil, fmt.Errorf("host %s is not served by this domain", name)
		}
		if _, ok := s.registry.Get(subdomain); !ok {
			return nil, fmt.Errorf("no tunnel registered for subdomain %s", subdomain)
		}
	}
	return s.certs.GetCertificate(hello)
}

// issueApexCertificate blocks until the apex domain's certificate is
// issued, so it is ready before the HTTPS listener starts taking traffic.
// Per-subdomain certificates are still issued lazily by SNI.
func (s *Server) issueApexCertificate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, apexIssuanceTimeout)
	defer cancel()

	log.Info("issuing apex certificate", "domain", s.cfg.Domain)
	_, err := s.certs.RequestCertificate(ctx, s.cfg.Domain)
	return err
}

// sweepIdleTunnels deregisters tunnels that have seen no activity for
// longer than the configured idle timeout, once per idleSweepPeriod, until
// ctx is cancelled.
func (s *Server) sweepIdleTunnels(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.idleSweepPeriod())
	defer ticker.Stop()

	timeout := s.cfg.idleTunnelTimeout()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, subdomain := range s.registry.Subdomains() {
				tun, ok := s.registry.Get(subdomain)
				if !ok || !tun.IsIdle(timeout) {
					continue
				}
				s.registry.Deregister(subdomain)
				tun.Close()
				log.Info("tunnel evicted for inactivity", "subdomain", subdomain, "idle_for", time.Since(tun.LastActivity()).Round(time.Second))
			}
		}
	}
}

// Registry exposes the server's tunnel registry, for callers (such as
// tests) that need direct access without going through HTTP.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}
