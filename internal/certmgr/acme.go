package certmgr

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/acme"
)

// ACMEIssuer requests certificates from an ACME certificate authority using
// the HTTP-01 challenge, backed by a Manager's ChallengeStore for the
// router to answer challenge requests from.
type ACMEIssuer struct {
	client     *acme.Client
	challenges *ChallengeStore
}

// NewACMEIssuer registers (or reuses) an ACME account with directoryURL and
// returns an issuer that satisfies challenges through challenges.
func NewACMEIssuer(ctx context.Context, email, directoryURL string, challenges *ChallengeStore) (*ACMEIssuer, error) {
	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ACME account key: %w", err)
	}

	client := &acme.Client{
		Key:          accountKey,
		DirectoryURL: directoryURL,
	}

	account := &acme.Account{Contact: []string{"mailto:" + email}}
	if _, err := client.Register(ctx, account, acme.AcceptTOS); err != nil {
		if !isAccountConflict(err) {
			return nil, fmt.Errorf("registering ACME account: %w", err)
		}
	}

	return &ACMEIssuer{client: client, challenges: challenges}, nil
}

// isAccountConflict reports whether Register failed because an account
// already exists for this key, which is fine: the existing account is
// usable exactly like a freshly created one.
func isAccountConflict(err error) bool {
	acmeErr, ok := err.(*acme.Error)
	return ok && acmeErr.StatusCode == 409
}

// Issue implements Issuer by running the full HTTP-01 authorization flow
// for domain and returning the resulting certificate.
func (a *ACMEIssuer) Issue(ctx context.Context, domain string) (*tls.Certificate, error) {
	order, err := a.client.AuthorizeOrder(ctx, acme.DomainIDs(domain))
	if err != nil {
		return nil, fmt.Errorf("authorizing order for %s: %w", domain, err)
	}

	for _, authzURL := range order.AuthzURLs {
		if err := a.satisfyAuthorization(ctx, authzURL); err != nil {
			return nil, fmt.Errorf("satisfying authorization for %s: %w", domain, err)
		}
	}

	order, err = a.client.WaitOrder(ctx, order.URI)
	if err != nil {
		return nil, fmt.Errorf("waiting for order to become ready for %s: %w", domain, err)
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating certificate key: %w", err)
	}

	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: domain},
		DNSNames: []string{domain},
	}, certKey)
	if err != nil {
		return nil, fmt.Errorf("creating CSR for %s: %w", domain, err)
	}

	der, _, err := a.client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, fmt.Errorf("finalizing order for %s: %w", domain, err)
	}

	return &tls.Certificate{
		Certificate: der,
		PrivateKey:  certKey,
	}, nil
}

func (a *ACMEIssuer) satisfyAuthorization(ctx context.Context, authzURL string) error {
	authz, err := a.client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return err
	}
	if authz.Status == acme.StatusValid {
		return nil
	}

	var chal *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == "http-01" {
			chal = c
			break
		}
	}
	if chal == nil {
		return fmt.Errorf("no http-01 challenge offered for %s", authz.Identifier.Value)
	}

	keyAuth, err := a.client.HTTP01ChallengeResponse(chal.Token)
	if err != nil {
		return fmt.Errorf("computing key authorization: %w", err)
	}

	a.challenges.Set(chal.Token, keyAuth)
	defer a.challenges.Remove(chal.Token)

	if _, err := a.client.Accept(ctx, chal); err != nil {
		return fmt.Errorf("accepting challenge: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if _, err := a.client.WaitAuthorization(waitCtx, authzURL); err != nil {
		return fmt.Errorf("waiting for authorization: %w", err)
	}

	log.Debug("authorization satisfied", "domain", authz.Identifier.Value)
	return nil
}
