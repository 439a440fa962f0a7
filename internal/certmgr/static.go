package certmgr

import (
	"context"
	"crypto/tls"
	"fmt"
)

// StaticIssuer returns preloaded certificates keyed by domain, or fails for
// any domain it wasn't given. It never talks to a CA, making it the issuer
// tests use in place of ACMEIssuer.
type StaticIssuer struct {
	certs map[string]*tls.Certificate
}

// NewStaticIssuer creates an issuer serving the given domain -> certificate
// map.
func NewStaticIssuer(certs map[string]*tls.Certificate) *StaticIssuer {
	return &StaticIssuer{certs: certs}
}

// Issue implements Issuer.
func (s *StaticIssuer) Issue(ctx context.Context, domain string) (*tls.Certificate, error) {
	cert, ok := s.certs[domain]
	if !ok {
		return nil, fmt.Errorf("static issuer: no certificate preloaded for %s", domain)
	}
	return cert, nil
}
