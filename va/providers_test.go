package va

import (
	"context"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/letsencrypt/challtestsrv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acmetk/acme-broker/bdns"
	"github.com/acmetk/acme-broker/core"
	"github.com/acmetk/acme-broker/identifier"
	blog "github.com/acmetk/acme-broker/log"
	"github.com/acmetk/acme-broker/test"
)

// startChallSrv runs a challtestsrv DNS server on a free loopback port and
// returns it along with a resolver pointed at it.
func startChallSrv(t *testing.T) (*challtestsrv.ChallSrv, bdns.Client) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	test.AssertNotError(t, err, "finding a free port")
	addr := pc.LocalAddr().String()
	test.AssertNotError(t, pc.Close(), "releasing the port")

	srv, err := challtestsrv.New(challtestsrv.Config{
		DNSOneAddrs: []string{addr},
		Log:         log.New(io.Discard, "", 0),
	})
	test.AssertNotError(t, err, "creating challtestsrv")
	srv.Run()
	t.Cleanup(srv.Shutdown)

	servers, err := bdns.NewStaticProvider([]string{addr})
	test.AssertNotError(t, err, "creating static server provider")
	dnsClient := bdns.New(
		time.Second,
		servers,
		prometheus.NewRegistry(),
		clock.New(),
		3,
		blog.NewMock())
	return srv, dnsClient
}

// waitForRecord polls the provider's Validate until it reports the record as
// visible or the deadline passes. The test DNS server answers as soon as its
// listener is up, so this mostly covers listener startup.
func waitForRecord(t *testing.T, provider DNSProvider, domain, expected string) bool {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		found, err := provider.Validate(context.Background(), domain, expected)
		if err == nil && found {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

func TestChallSrvProvider(t *testing.T) {
	srv, dnsClient := startChallSrv(t)
	provider := NewChallSrvProvider(srv, dnsClient)

	chall := core.DNSChallenge01("")
	expected := txtRecordValue(keyAuth)

	err := provider.Provision(context.Background(), "provider.example.com", chall.Token, keyAuth)
	test.AssertNotError(t, err, "provisioning TXT record")
	test.Assert(t, waitForRecord(t, provider, "provider.example.com", expected),
		"provisioned TXT record never became visible")

	// The record a provider publishes is the record the VA looks for.
	va := setupVA(dnsClient, 80)
	records, err := va.PerformValidation(context.Background(),
		identifier.NewDNS("provider.example.com"), chall, keyAuth)
	test.AssertNotError(t, err, "dns-01 validation against provisioned record failed")
	test.AssertEquals(t, len(records), 1)

	err = provider.Cleanup(context.Background(), "provider.example.com", chall.Token, keyAuth)
	test.AssertNotError(t, err, "cleaning up TXT record")
	found, err := provider.Validate(context.Background(), "provider.example.com", expected)
	test.AssertNotError(t, err, "validating after cleanup")
	test.Assert(t, !found, "TXT record still visible after cleanup")
}

// fakeLegoInner records the arguments lego's Present and CleanUp receive.
type fakeLegoInner struct {
	presented map[string]string
	cleaned   map[string]string
}

func newFakeLegoInner() *fakeLegoInner {
	return &fakeLegoInner{
		presented: make(map[string]string),
		cleaned:   make(map[string]string),
	}
}

func (f *fakeLegoInner) Present(domain, token, keyAuth string) error {
	f.presented[domain] = keyAuth
	return nil
}

func (f *fakeLegoInner) CleanUp(domain, token, keyAuth string) error {
	f.cleaned[domain] = keyAuth
	return nil
}

func TestLegoProvider(t *testing.T) {
	inner := newFakeLegoInner()
	mock := &dnsClientMock{
		txt: map[string][]string{
			"_acme-challenge.lego.example.com": {txtRecordValue(keyAuth)},
		},
	}
	provider := WrapLegoProvider(inner, mock, blog.NewMock())

	err := provider.Provision(context.Background(), "lego.example.com", "token", keyAuth)
	test.AssertNotError(t, err, "provisioning through lego")
	test.AssertEquals(t, inner.presented["lego.example.com"], keyAuth)

	found, err := provider.Validate(context.Background(), "lego.example.com", txtRecordValue(keyAuth))
	test.AssertNotError(t, err, "validating through the resolver")
	test.Assert(t, found, "provisioned record reported missing")

	err = provider.Cleanup(context.Background(), "lego.example.com", "token", keyAuth)
	test.AssertNotError(t, err, "cleaning up through lego")
	test.AssertEquals(t, inner.cleaned["lego.example.com"], keyAuth)
}

func TestLegoProviderCanceledContext(t *testing.T) {
	provider := WrapLegoProvider(newFakeLegoInner(), &dnsClientMock{}, blog.NewMock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := provider.Provision(ctx, "lego.example.com", "token", keyAuth)
	test.AssertErrorIs(t, err, context.Canceled)
}

func TestProviderRegistry(t *testing.T) {
	_, err := GetProvider("does-not-exist")
	test.AssertError(t, err, "lookup of unregistered provider succeeded")

	provider := NewChallSrvProvider(nil, &dnsClientMock{})
	RegisterProvider("test-registry", provider)
	got, err := GetProvider("test-registry")
	test.AssertNotError(t, err, "lookup of registered provider failed")
	test.AssertEquals(t, got.(*ChallSrvProvider), provider)
}
