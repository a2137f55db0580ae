package va

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/go-acme/lego/v4/challenge"
	legodns "github.com/go-acme/lego/v4/providers/dns"
	"github.com/letsencrypt/challtestsrv"

	"github.com/acmetk/acme-broker/bdns"
	blog "github.com/acmetk/acme-broker/log"
)

// A DNSProvider publishes and removes dns-01 TXT records in some DNS backend.
// The broker uses one to respond to dns-01 challenges issued by the upstream
// CA. Provision and Cleanup receive the challenge token and key authorization
// and derive the record contents themselves. Validate checks, through an
// ordinary resolver, whether the expected record contents are visible yet, so
// the broker can delay telling the upstream CA to validate until propagation
// has finished.
type DNSProvider interface {
	Provision(ctx context.Context, domain, token, keyAuthorization string) error
	Validate(ctx context.Context, domain, expected string) (bool, error)
	Cleanup(ctx context.Context, domain, token, keyAuthorization string) error
}

var (
	providersMu sync.RWMutex
	providers   = make(map[string]DNSProvider)
)

// RegisterProvider makes a DNSProvider available under the given name for
// lookup by GetProvider. Registering the same name twice replaces the
// earlier provider.
func RegisterProvider(name string, provider DNSProvider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[name] = provider
}

// GetProvider returns the DNSProvider registered under name.
func GetProvider(name string) (DNSProvider, error) {
	providersMu.RLock()
	defer providersMu.RUnlock()
	provider, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("no DNS provider registered under %q", name)
	}
	return provider, nil
}

// checkTXTRecord queries the dns-01 TXT record for domain through the given
// resolver and reports whether any record matches the expected contents.
// Lookup errors are returned as-is so the caller can distinguish "not
// propagated yet" from "resolver broken".
func checkTXTRecord(ctx context.Context, dnsClient bdns.Client, domain, expected string) (bool, error) {
	txts, _, err := dnsClient.LookupTXT(ctx, fmt.Sprintf("%s.%s", DNSPrefix, domain))
	if err != nil {
		return false, err
	}
	for _, txt := range txts {
		if subtle.ConstantTimeCompare([]byte(txt), []byte(expected)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

// LegoProvider adapts a lego challenge.Provider, giving the broker access to
// every DNS host lego ships a plugin for.
type LegoProvider struct {
	inner     challenge.Provider
	dnsClient bdns.Client
	log       blog.Logger
}

var _ DNSProvider = (*LegoProvider)(nil)

// NewLegoProvider builds a LegoProvider for the named lego DNS plugin (for
// example "route53" or "cloudflare"). The plugin reads its credentials from
// the environment, following lego's own conventions.
func NewLegoProvider(name string, dnsClient bdns.Client, log blog.Logger) (*LegoProvider, error) {
	inner, err := legodns.NewDNSChallengeProviderByName(name)
	if err != nil {
		return nil, fmt.Errorf("loading lego DNS provider %q: %w", name, err)
	}
	return WrapLegoProvider(inner, dnsClient, log), nil
}

// WrapLegoProvider adapts an already constructed lego challenge.Provider.
func WrapLegoProvider(inner challenge.Provider, dnsClient bdns.Client, log blog.Logger) *LegoProvider {
	return &LegoProvider{inner: inner, dnsClient: dnsClient, log: log}
}

// Provision publishes the TXT record for a dns-01 challenge. The lego
// provider API is synchronous and does not take a context, so cancellation
// only applies between calls.
func (l *LegoProvider) Provision(ctx context.Context, domain, token, keyAuthorization string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.log.Debugf("Provisioning dns-01 record for %s", domain)
	return l.inner.Present(domain, token, keyAuthorization)
}

// Validate reports whether the provisioned record is visible to resolvers.
func (l *LegoProvider) Validate(ctx context.Context, domain, expected string) (bool, error) {
	return checkTXTRecord(ctx, l.dnsClient, domain, expected)
}

// Cleanup removes the TXT record published by Provision.
func (l *LegoProvider) Cleanup(ctx context.Context, domain, token, keyAuthorization string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.log.Debugf("Cleaning up dns-01 record for %s", domain)
	return l.inner.CleanUp(domain, token, keyAuthorization)
}

// ChallSrvProvider publishes records into a challtestsrv instance. It backs
// dns-01 solving in development environments, where the upstream CA is a
// local pebble directed at the same challtestsrv.
type ChallSrvProvider struct {
	srv       *challtestsrv.ChallSrv
	dnsClient bdns.Client
}

var _ DNSProvider = (*ChallSrvProvider)(nil)

// NewChallSrvProvider builds a ChallSrvProvider around a running challtestsrv.
func NewChallSrvProvider(srv *challtestsrv.ChallSrv, dnsClient bdns.Client) *ChallSrvProvider {
	return &ChallSrvProvider{srv: srv, dnsClient: dnsClient}
}

// challSrvHost returns the FQDN challtestsrv keys dns-01 records under.
func challSrvHost(domain string) string {
	return fmt.Sprintf("%s.%s.", DNSPrefix, domain)
}

func (c *ChallSrvProvider) Provision(_ context.Context, domain, _, keyAuthorization string) error {
	c.srv.AddDNSOneChallenge(challSrvHost(domain), txtRecordValue(keyAuthorization))
	return nil
}

func (c *ChallSrvProvider) Validate(ctx context.Context, domain, expected string) (bool, error) {
	return checkTXTRecord(ctx, c.dnsClient, domain, expected)
}

func (c *ChallSrvProvider) Cleanup(_ context.Context, domain, _, _ string) error {
	c.srv.DeleteDNSOneChallenge(challSrvHost(domain))
	return nil
}
