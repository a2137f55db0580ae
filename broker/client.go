package broker

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	acme "github.com/eggsampler/acme/v3"

	"github.com/acmetk/acme-broker/core"
	blog "github.com/acmetk/acme-broker/log"
)

const userAgentSuffix = "acme-broker"

// Problem is a problem document returned by the upstream CA, reduced to the
// fields the broker acts on.
type Problem struct {
	Type   string
	Detail string
	Status int
}

func (p *Problem) Error() string {
	if p.Detail == "" {
		return p.Type
	}
	return fmt.Sprintf("%s :: %s", p.Type, p.Detail)
}

// UpstreamChallenge is a challenge offered by the upstream CA for one of the
// broker's authorizations there.
type UpstreamChallenge struct {
	Type   core.AcmeChallenge
	URL    string
	Status core.AcmeStatus
	Token  string
	// KeyAuthorization is computed against the broker's upstream account
	// key, not any local subscriber key.
	KeyAuthorization string
	Error            *Problem
}

// UpstreamAuthorization is an authorization at the upstream CA.
type UpstreamAuthorization struct {
	URL        string
	Domain     string
	Status     core.AcmeStatus
	Challenges []UpstreamChallenge
}

// ChallengeOfType returns the challenge of the given type, if the upstream
// CA offered one.
func (authz UpstreamAuthorization) ChallengeOfType(challType core.AcmeChallenge) (UpstreamChallenge, bool) {
	for _, chal := range authz.Challenges {
		if chal.Type == challType {
			return chal, true
		}
	}
	return UpstreamChallenge{}, false
}

// UpstreamOrder is an order at the upstream CA.
type UpstreamOrder struct {
	URL            string
	Status         core.AcmeStatus
	Authorizations []string
	CertificateURL string
	Error          *Problem
}

// A Client performs ACME operations against an upstream CA on the broker's
// behalf. Implementations own the upstream account and its key.
type Client interface {
	NewOrder(ctx context.Context, names []string) (UpstreamOrder, error)
	FetchOrder(ctx context.Context, orderURL string) (UpstreamOrder, error)
	FetchAuthorization(ctx context.Context, authzURL string) (UpstreamAuthorization, error)
	AcceptChallenge(ctx context.Context, chal UpstreamChallenge) (UpstreamChallenge, error)
	FinalizeOrder(ctx context.Context, order UpstreamOrder, csr *x509.CertificateRequest) (UpstreamOrder, error)
	// FetchChain downloads the issued chain as DER, leaf first.
	FetchChain(ctx context.Context, certURL string) ([][]byte, error)
}

// EABCredentials hold the external account binding key the upstream CA
// handed out for the broker's account. MACKey is base64url-encoded, as
// issued.
type EABCredentials struct {
	KeyID  string
	MACKey string
}

// ACMEClient is the production Client, backed by eggsampler/acme.
type ACMEClient struct {
	account acme.Account
	client  acme.Client
	log     blog.Logger
}

var _ Client = (*ACMEClient)(nil)

// NewACMEClient connects to the upstream CA's directory and registers (or
// recovers) the broker's account there. When the upstream CA requires
// external account binding the configured credentials are attached to the
// registration. The broker schedules its own status polling, so the inner
// client's polling is disabled.
func NewACMEClient(directoryURL string, accountKey crypto.Signer, contacts []string, eab *EABCredentials, timeout time.Duration, logger blog.Logger) (*ACMEClient, error) {
	inner, err := acme.NewClient(directoryURL,
		acme.WithHTTPTimeout(timeout),
		acme.WithUserAgentSuffix(userAgentSuffix))
	if err != nil {
		return nil, fmt.Errorf("connecting to upstream directory %q: %w", directoryURL, err)
	}
	inner.IgnorePolling = true

	opts := []acme.NewAccountOptionFunc{acme.NewAcctOptAgreeTOS()}
	if len(contacts) > 0 {
		opts = append(opts, acme.NewAcctOptWithContacts(contacts...))
	}
	if eab != nil {
		opts = append(opts, acme.NewAcctOptExternalAccountBinding(acme.ExternalAccountBinding{
			KeyIdentifier: eab.KeyID,
			MacKey:        eab.MACKey,
			Algorithm:     "HS256",
			HashFunc:      crypto.SHA256,
		}))
	}
	account, err := inner.NewAccountOptions(accountKey, opts...)
	if err != nil {
		return nil, fmt.Errorf("registering with upstream CA %q: %w", directoryURL, translateError(err))
	}
	logger.Infof("Registered with upstream CA %s as %s", directoryURL, account.URL)

	return &ACMEClient{account: account, client: inner, log: logger}, nil
}

func (c *ACMEClient) NewOrder(ctx context.Context, names []string) (UpstreamOrder, error) {
	if err := ctx.Err(); err != nil {
		return UpstreamOrder{}, err
	}
	idents := make([]acme.Identifier, 0, len(names))
	for _, name := range names {
		idents = append(idents, acme.Identifier{Type: "dns", Value: name})
	}
	order, err := c.client.NewOrder(c.account, idents)
	if err != nil {
		return UpstreamOrder{}, translateError(err)
	}
	return translateOrder(order), nil
}

func (c *ACMEClient) FetchOrder(ctx context.Context, orderURL string) (UpstreamOrder, error) {
	if err := ctx.Err(); err != nil {
		return UpstreamOrder{}, err
	}
	order, err := c.client.FetchOrder(c.account, orderURL)
	if err != nil {
		return UpstreamOrder{}, translateError(err)
	}
	return translateOrder(order), nil
}

func (c *ACMEClient) FetchAuthorization(ctx context.Context, authzURL string) (UpstreamAuthorization, error) {
	if err := ctx.Err(); err != nil {
		return UpstreamAuthorization{}, err
	}
	authz, err := c.client.FetchAuthorization(c.account, authzURL)
	if err != nil {
		return UpstreamAuthorization{}, translateError(err)
	}
	translated := UpstreamAuthorization{
		URL:    authzURL,
		Domain: authz.Identifier.Value,
		Status: core.AcmeStatus(authz.Status),
	}
	for _, chal := range authz.Challenges {
		translated.Challenges = append(translated.Challenges, translateChallenge(chal))
	}
	return translated, nil
}

func (c *ACMEClient) AcceptChallenge(ctx context.Context, chal UpstreamChallenge) (UpstreamChallenge, error) {
	if err := ctx.Err(); err != nil {
		return UpstreamChallenge{}, err
	}
	updated, err := c.client.UpdateChallenge(c.account, acme.Challenge{
		Type:             string(chal.Type),
		URL:              chal.URL,
		Token:            chal.Token,
		KeyAuthorization: chal.KeyAuthorization,
	})
	if err != nil {
		return translateChallenge(updated), translateError(err)
	}
	return translateChallenge(updated), nil
}

func (c *ACMEClient) FinalizeOrder(ctx context.Context, order UpstreamOrder, csr *x509.CertificateRequest) (UpstreamOrder, error) {
	if err := ctx.Err(); err != nil {
		return UpstreamOrder{}, err
	}
	// Finalization posts to the order's finalize URL, which the upstream CA
	// derives from the order URL we stored; refetch to recover it.
	inner, err := c.client.FetchOrder(c.account, order.URL)
	if err != nil {
		return UpstreamOrder{}, translateError(err)
	}
	finalized, err := c.client.FinalizeOrder(c.account, inner, csr)
	if err != nil {
		return translateOrder(finalized), translateError(err)
	}
	return translateOrder(finalized), nil
}

func (c *ACMEClient) FetchChain(ctx context.Context, certURL string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	certs, err := c.client.FetchCertificates(c.account, certURL)
	if err != nil {
		return nil, translateError(err)
	}
	chain := make([][]byte, 0, len(certs))
	for _, cert := range certs {
		chain = append(chain, cert.Raw)
	}
	return chain, nil
}

func translateOrder(order acme.Order) UpstreamOrder {
	return UpstreamOrder{
		URL:            order.URL,
		Status:         core.AcmeStatus(order.Status),
		Authorizations: order.Authorizations,
		CertificateURL: order.Certificate,
		Error:          translateProblem(order.Error),
	}
}

func translateChallenge(chal acme.Challenge) UpstreamChallenge {
	return UpstreamChallenge{
		Type:             core.AcmeChallenge(chal.Type),
		URL:              chal.URL,
		Status:           core.AcmeStatus(chal.Status),
		Token:            chal.Token,
		KeyAuthorization: chal.KeyAuthorization,
		Error:            translateProblem(chal.Error),
	}
}

func translateProblem(prob acme.Problem) *Problem {
	if prob.Type == "" {
		return nil
	}
	return &Problem{Type: prob.Type, Detail: prob.Detail, Status: prob.Status}
}

// translateError rewrites eggsampler problem errors into our Problem type so
// the rest of the broker never handles library types directly.
func translateError(err error) error {
	var prob acme.Problem
	if errors.As(err, &prob) && prob.Type != "" {
		return &Problem{Type: prob.Type, Detail: prob.Detail, Status: prob.Status}
	}
	return err
}
