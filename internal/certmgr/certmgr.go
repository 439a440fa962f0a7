// Package certmgr issues and caches TLS certificates on demand, one per
// tunnel subdomain, selected by SNI as connections arrive.
package certmgr

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// backgroundIssuanceTimeout bounds an issuance kicked off from GetCertificate,
// which has no caller-supplied context to inherit a deadline from.
const backgroundIssuanceTimeout = 2 * time.Minute

// Issuer obtains a certificate for a domain. The concrete implementation in
// acme.go talks to an ACME CA; static.go provides a no-op/preloaded
// implementation for tests.
type Issuer interface {
	Issue(ctx context.Context, domain string) (*tls.Certificate, error)
}

// Manager owns the certificate cache consulted by tls.Config.GetCertificate,
// deduplicates concurrent issuance requests for the same domain, and serves
// as the hub for HTTP-01 challenge bookkeeping.
type Manager struct {
	issuer     Issuer
	baseDomain string

	mu    sync.RWMutex
	cache map[string]*tls.Certificate

	pendingMu sync.Mutex
	pending   map[string]chan struct{}

	Challenges *ChallengeStore
}

// New creates a certificate manager backed by issuer. baseDomain is used by
// GetCertificate's wildcard/apex fallback (empty disables the fallback).
func New(issuer Issuer, baseDomain string) *Manager {
	return &Manager{
		issuer:     issuer,
		baseDomain: baseDomain,
		cache:      make(map[string]*tls.Certificate),
		pending:    make(map[string]chan struct{}),
		Challenges: NewChallengeStore(),
	}
}

// Preload seeds the cache with an already-issued certificate, bypassing the
// issuer. Tests use it to install certificates without running an issuer;
// the server itself obtains the apex certificate through RequestCertificate.
func (m *Manager) Preload(domain string, cert *tls.Certificate) {
	m.mu.Lock()
	m.cache[domain] = cert
	m.mu.Unlock()
}

// Get returns a cached certificate for domain, if one exists.
func (m *Manager) Get(domain string) (*tls.Certificate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cert, ok := m.cache[domain]
	return cert, ok
}

// RequestCertificate issues (or returns the cached) certificate for domain,
// blocking the caller until issuance completes or ctx is done. Concurrent
// calls for the same domain coalesce onto a single issuance. This is for
// callers outside TLS handshake resolution: client registration (§4.5) and
// the server's eager apex issuance at startup.
func (m *Manager) RequestCertificate(ctx context.Context, domain string) (*tls.Certificate, error) {
	if cert, ok := m.Get(domain); ok {
		return cert, nil
	}

	wait, responsible := m.claim(domain)
	if !responsible {
		select {
		case <-wait:
			if cert, ok := m.Get(domain); ok {
				return cert, nil
			}
			return nil, fmt.Errorf("certificate issuance for %s did not complete", domain)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return m.issue(ctx, domain, wait)
}

// claim registers domain as pending issuance if it isn't already. It
// returns the channel that closes when issuance finishes, and whether this
// caller is the one responsible for actually running it.
func (m *Manager) claim(domain string) (wait chan struct{}, responsible bool) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	if wait, ok := m.pending[domain]; ok {
		return wait, false
	}
	wait = make(chan struct{})
	m.pending[domain] = wait
	return wait, true
}

// issue runs the issuer for domain and installs the result in the cache. It
// is only ever called by the goroutine that won claim(domain).
func (m *Manager) issue(ctx context.Context, domain string, done chan struct{}) (*tls.Certificate, error) {
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, domain)
		m.pendingMu.Unlock()
		close(done)
	}()

	log.Info("requesting certificate", "domain", domain)
	cert, err := m.issuer.Issue(ctx, domain)
	if err != nil {
		log.Error("certificate issuance failed", "domain", domain, "error", err)
		return nil, err
	}

	m.mu.Lock()
	m.cache[domain] = cert
	m.mu.Unlock()

	log.Info("certificate issued", "domain", domain)
	return cert, nil
}

// issueInBackground kicks off issuance for domain without blocking the
// caller, coalescing with any issuance already in flight. Errors are logged,
// not returned: the caller (GetCertificate) has no channel to report them
// through, and a failed attempt simply leaves the domain uncached for the
// next SNI lookup to retry.
func (m *Manager) issueInBackground(domain string) {
	if _, ok := m.Get(domain); ok {
		return
	}
	wait, responsible := m.claim(domain)
	if !responsible {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundIssuanceTimeout)
		defer cancel()
		m.issue(ctx, domain, wait)
	}()
}

// GetCertificate implements the callback tls.Config.GetCertificate expects.
// Per the SNI-time policy: an exact cache hit serves immediately; a miss
// under the configured base domain falls back to a wildcard, then the apex,
// certificate; any remaining miss kicks off issuance in the background and
// fails the current handshake rather than blocking it on ACME.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	domain := hello.ServerName
	if domain == "" {
		return nil, fmt.Errorf("no SNI server name in ClientHello")
	}

	if cert, ok := m.Get(domain); ok {
		return cert, nil
	}

	if m.baseDomain != "" && strings.HasSuffix(domain, "."+m.baseDomain) {
		if cert, ok := m.Get("*." + m.baseDomain); ok {
			return cert, nil
		}
		if cert, ok := m.Get(m.baseDomain); ok {
			return cert, nil
		}
	}

	m.issueInBackground(domain)
	return nil, fmt.Errorf("no certificate available yet for %s", domain)
}
