package broker

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acmetk/acme-broker/allowlist"
	"github.com/acmetk/acme-broker/core"
	berrors "github.com/acmetk/acme-broker/errors"
	"github.com/acmetk/acme-broker/identifier"
	blog "github.com/acmetk/acme-broker/log"
	"github.com/acmetk/acme-broker/mocks"
	"github.com/acmetk/acme-broker/probs"
	"github.com/acmetk/acme-broker/test"
)

const maxAttempts = 3

// timeoutErr satisfies net.Error the way a dial or read timeout does.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// fakeProvider keeps provisioned TXT records in memory and reports them
// visible immediately, unless told otherwise.
type fakeProvider struct {
	mu           sync.Mutex
	records      map[string]string
	neverVisible bool
	provisioned  int
	cleaned      int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{records: make(map[string]string)}
}

func (p *fakeProvider) Provision(_ context.Context, domain, _, keyAuthorization string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[domain] = core.Fingerprint256([]byte(keyAuthorization))
	p.provisioned++
	return nil
}

func (p *fakeProvider) Validate(_ context.Context, domain, expected string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.neverVisible {
		return false, nil
	}
	return p.records[domain] == expected, nil
}

func (p *fakeProvider) Cleanup(_ context.Context, domain, _, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, domain)
	p.cleaned++
	return nil
}

// fakeUpstream is a scriptable upstream CA holding a single order.
type fakeUpstream struct {
	mu sync.Mutex

	order UpstreamOrder
	authz UpstreamAuthorization
	chain [][]byte

	// fetchOrderErr is returned from FetchOrder while fetchOrderErrs is
	// nonzero; -1 means every fetch fails.
	fetchOrderErr  error
	fetchOrderErrs int

	// processingPolls is how many status fetches report processing after
	// finalization before the order turns valid.
	processingPolls int

	finalizeErr error

	newOrders int
	fetches   int
	accepts   int
	finalizes int
}

func (f *fakeUpstream) NewOrder(_ context.Context, names []string) (UpstreamOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newOrders++
	f.order = UpstreamOrder{
		URL:            "https://upstream.example/order/1",
		Status:         core.StatusPending,
		Authorizations: []string{"https://upstream.example/authz/1"},
	}
	f.authz = UpstreamAuthorization{
		URL:    "https://upstream.example/authz/1",
		Domain: names[0],
		Status: core.StatusPending,
		Challenges: []UpstreamChallenge{{
			Type:             core.ChallengeTypeDNS01,
			URL:              "https://upstream.example/chall/1",
			Status:           core.StatusPending,
			Token:            "upstream-token",
			KeyAuthorization: "upstream-token.upstream-thumbprint",
		}},
	}
	return f.order, nil
}

func (f *fakeUpstream) FetchOrder(_ context.Context, _ string) (UpstreamOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchOrderErr != nil && f.fetchOrderErrs != 0 {
		if f.fetchOrderErrs > 0 {
			f.fetchOrderErrs--
		}
		return UpstreamOrder{}, f.fetchOrderErr
	}
	if f.order.Status == core.StatusProcessing {
		if f.processingPolls > 0 {
			f.processingPolls--
		} else {
			f.order.Status = core.StatusValid
			f.order.CertificateURL = "https://upstream.example/cert/1"
		}
	}
	return f.order, nil
}

func (f *fakeUpstream) FetchAuthorization(_ context.Context, _ string) (UpstreamAuthorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authz, nil
}

func (f *fakeUpstream) AcceptChallenge(_ context.Context, chal UpstreamChallenge) (UpstreamChallenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepts++
	f.authz.Status = core.StatusValid
	f.authz.Challenges[0].Status = core.StatusValid
	f.order.Status = core.StatusReady
	chal.Status = core.StatusValid
	return chal, nil
}

func (f *fakeUpstream) FinalizeOrder(_ context.Context, order UpstreamOrder, _ *x509.CertificateRequest) (UpstreamOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizes++
	if f.finalizeErr != nil {
		return UpstreamOrder{}, f.finalizeErr
	}
	f.order.Status = core.StatusProcessing
	return f.order, nil
}

func (f *fakeUpstream) FetchChain(_ context.Context, _ string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chain, nil
}

// makeChain self-signs a leaf for the given names and returns it ahead of a
// throwaway issuer certificate.
func makeChain(t *testing.T, clk clock.Clock, serial int64, names ...string) [][]byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating certificate key")

	var chain [][]byte
	for i, cn := range []string{names[0], "fake upstream intermediate"} {
		template := &x509.Certificate{
			SerialNumber: big.NewInt(serial + int64(i)),
			Subject:      pkix.Name{CommonName: cn},
			NotBefore:    clk.Now(),
			NotAfter:     clk.Now().Add(90 * 24 * time.Hour),
		}
		if i == 0 {
			template.DNSNames = names
		}
		der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
		test.AssertNotError(t, err, "signing certificate")
		chain = append(chain, der)
	}
	return chain
}

type brokerCtx struct {
	broker   *Broker
	upstream *fakeUpstream
	provider *fakeProvider
	sa       *mocks.StorageAuthority
	clk      clock.FakeClock
}

func setupBroker(t *testing.T) *brokerCtx {
	t.Helper()
	clk := clock.NewFake()
	clk.Set(time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC))
	sa := mocks.NewStorageAuthority(clk)
	upstream := &fakeUpstream{}
	provider := newFakeProvider()

	// A zero poll interval keeps the fake clock from blocking the backoff
	// sleeps.
	b, err := New(clk, blog.NewMock(), prometheus.NewRegistry(), sa, upstream, provider,
		nil, "test-broker", 0, 0, maxAttempts, time.Minute)
	test.AssertNotError(t, err, "creating broker")

	return &brokerCtx{broker: b, upstream: upstream, provider: provider, sa: sa, clk: clk}
}

func (bc *brokerCtx) order(t *testing.T, names ...string) core.Order {
	t.Helper()
	ctx := context.Background()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating account key")
	reg, err := bc.sa.NewRegistration(ctx, core.Registration{Key: &jose.JSONWebKey{Key: key.Public()}})
	test.AssertNotError(t, err, "creating registration")

	var idents []identifier.ACMEIdentifier
	var authzs []core.Authorization
	for _, name := range names {
		idents = append(idents, identifier.NewDNS(name))
		expires := bc.clk.Now().Add(30 * 24 * time.Hour)
		authzs = append(authzs, core.Authorization{
			Identifier:     identifier.NewDNS(name),
			RegistrationID: reg.ID,
			Status:         core.StatusValid,
			Expires:        &expires,
		})
	}
	order, err := bc.sa.NewOrderAndAuthzs(ctx, core.Order{
		RegistrationID: reg.ID,
		Identifiers:    idents,
		Created:        bc.clk.Now(),
		Expires:        bc.clk.Now().Add(7 * 24 * time.Hour),
	}, authzs)
	test.AssertNotError(t, err, "creating order")
	test.AssertNotError(t, bc.sa.SetOrderProcessing(ctx, order.ID), "marking order processing")
	order.BeganProcessing = true
	return order
}

func makeTestCSR(t *testing.T, names ...string) *x509.CertificateRequest {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating CSR key")
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: names[0]},
		DNSNames: names,
	}, key)
	test.AssertNotError(t, err, "creating CSR")
	csr, err := x509.ParseCertificateRequest(der)
	test.AssertNotError(t, err, "parsing CSR")
	return csr
}

func TestIssueCertificate(t *testing.T) {
	bc := setupBroker(t)
	ctx := context.Background()
	order := bc.order(t, "broker.example.com")
	bc.upstream.chain = makeChain(t, bc.clk, 1729, "broker.example.com")
	bc.upstream.processingPolls = 1

	cert, err := bc.broker.IssueCertificate(ctx, makeTestCSR(t, "broker.example.com"), order)
	test.AssertNotError(t, err, "issuing through the upstream CA")

	leaf, err := x509.ParseCertificate(cert.DER)
	test.AssertNotError(t, err, "parsing issued leaf")
	test.AssertEquals(t, cert.Serial, core.SerialToString(leaf.SerialNumber))
	test.AssertEquals(t, leaf.DNSNames[0], "broker.example.com")

	mirror, err := bc.sa.GetMirror(ctx, order.ID)
	test.AssertNotError(t, err, "fetching mirror")
	test.AssertEquals(t, mirror.UpstreamStatus, core.StatusValid)
	test.AssertEquals(t, mirror.CertificateURL, "https://upstream.example/cert/1")

	test.AssertEquals(t, bc.upstream.newOrders, 1)
	test.AssertEquals(t, bc.upstream.accepts, 1)
	test.AssertEquals(t, bc.upstream.finalizes, 1)
	test.AssertEquals(t, bc.provider.provisioned, 1)
	test.AssertEquals(t, bc.provider.cleaned, 1)
}

func TestIssueCertificateUpstreamRejection(t *testing.T) {
	bc := setupBroker(t)
	ctx := context.Background()
	order := bc.order(t, "rejected.example.com")
	bc.upstream.finalizeErr = &Problem{
		Type:   "urn:ietf:params:acme:error:rejectedIdentifier",
		Detail: "policy forbids issuing for rejected.example.com",
		Status: 403,
	}

	_, err := bc.broker.IssueCertificate(ctx, makeTestCSR(t, "rejected.example.com"), order)
	test.AssertError(t, err, "expected upstream rejection to fail issuance")
	test.AssertErrorIs(t, err, berrors.RejectedIdentifier)

	mirror, err := bc.sa.GetMirror(ctx, order.ID)
	test.AssertNotError(t, err, "fetching mirror")
	test.AssertEquals(t, mirror.UpstreamStatus, core.StatusInvalid)
}

func TestIssueCertificateDomainNotBrokered(t *testing.T) {
	bc := setupBroker(t)
	ctx := context.Background()

	domains, err := allowlist.NewFromYAML[string]([]byte("- example.com\n- brokered.net"))
	test.AssertNotError(t, err, "parsing domain allowlist")
	bc.broker.domains = domains

	order := bc.order(t, "www.example.com", "other.example.org")
	_, err = bc.broker.IssueCertificate(ctx, makeTestCSR(t, "www.example.com", "other.example.org"), order)
	test.AssertError(t, err, "expected issuance outside brokered zones to fail")
	test.AssertErrorIs(t, err, berrors.RejectedIdentifier)
	test.AssertEquals(t, bc.upstream.newOrders, 0)

	// Names inside an allowlisted zone still broker normally.
	order = bc.order(t, "www.example.com")
	cert, err := bc.broker.IssueCertificate(ctx, makeTestCSR(t, "www.example.com"), order)
	test.AssertNotError(t, err, "issuing for brokered zone")
	test.Assert(t, cert.Serial != "", "expected issued serial")
}

func TestIssueCertificateUpstreamUnreachable(t *testing.T) {
	bc := setupBroker(t)
	ctx := context.Background()
	order := bc.order(t, "unreachable.example.com")
	bc.upstream.fetchOrderErr = timeoutErr{}
	bc.upstream.fetchOrderErrs = -1

	_, err := bc.broker.IssueCertificate(ctx, makeTestCSR(t, "unreachable.example.com"), order)
	test.AssertError(t, err, "expected issuance to fail against a dead upstream")
	test.AssertErrorIs(t, err, berrors.Connection)

	mirror, err := bc.sa.GetMirror(ctx, order.ID)
	test.AssertNotError(t, err, "fetching mirror")
	test.AssertEquals(t, mirror.UpstreamStatus, core.StatusInvalid)
}

func TestIssueCertificateRecoversFromTransientErrors(t *testing.T) {
	bc := setupBroker(t)
	ctx := context.Background()
	order := bc.order(t, "flaky.example.com")
	bc.upstream.chain = makeChain(t, bc.clk, 2718, "flaky.example.com")
	bc.upstream.processingPolls = 1
	bc.upstream.fetchOrderErr = timeoutErr{}
	bc.upstream.fetchOrderErrs = 2

	_, err := bc.broker.IssueCertificate(ctx, makeTestCSR(t, "flaky.example.com"), order)
	test.AssertNotError(t, err, "issuance should survive transient upstream failures")
}

func TestIssueCertificateResumesMirror(t *testing.T) {
	bc := setupBroker(t)
	ctx := context.Background()
	order := bc.order(t, "resumed.example.com")
	bc.upstream.chain = makeChain(t, bc.clk, 4321, "resumed.example.com")

	// An earlier attempt already opened the upstream order and got its
	// authorizations validated before crashing.
	_, err := bc.upstream.NewOrder(ctx, []string{"resumed.example.com"})
	test.AssertNotError(t, err, "seeding upstream order")
	bc.upstream.order.Status = core.StatusReady
	_, err = bc.sa.NewMirror(ctx, core.UpstreamMirror{
		OrderID:        order.ID,
		UpstreamURL:    bc.upstream.order.URL,
		UpstreamStatus: core.StatusReady,
	})
	test.AssertNotError(t, err, "seeding mirror")
	seeded := bc.upstream.newOrders

	_, err = bc.broker.IssueCertificate(ctx, makeTestCSR(t, "resumed.example.com"), order)
	test.AssertNotError(t, err, "resuming issuance on an existing mirror")
	test.AssertEquals(t, bc.upstream.newOrders, seeded)
}

func TestIssueCertificateFailedMirrorStaysFailed(t *testing.T) {
	bc := setupBroker(t)
	ctx := context.Background()
	order := bc.order(t, "failed.example.com")
	_, err := bc.sa.NewMirror(ctx, core.UpstreamMirror{
		OrderID:        order.ID,
		UpstreamURL:    "https://upstream.example/order/dead",
		UpstreamStatus: core.StatusInvalid,
	})
	test.AssertNotError(t, err, "seeding failed mirror")

	_, err = bc.broker.IssueCertificate(ctx, makeTestCSR(t, "failed.example.com"), order)
	test.AssertError(t, err, "expected a failed mirror to stay failed")
	test.AssertErrorIs(t, err, berrors.Unauthorized)
	test.AssertEquals(t, bc.upstream.newOrders, 0)
	test.AssertEquals(t, bc.upstream.fetches, 0)
}

func TestIssueCertificatePropagationTimeout(t *testing.T) {
	bc := setupBroker(t)
	ctx := context.Background()
	order := bc.order(t, "stuck.example.com")
	bc.provider.neverVisible = true

	_, err := bc.broker.IssueCertificate(ctx, makeTestCSR(t, "stuck.example.com"), order)
	test.AssertError(t, err, "expected issuance to fail when TXT records never propagate")
	test.AssertErrorIs(t, err, berrors.DNS)
	test.AssertEquals(t, bc.upstream.accepts, 0)
	test.AssertEquals(t, bc.provider.cleaned, 1)
}

func TestAdvanceMirrorTerminalIsNoOp(t *testing.T) {
	bc := setupBroker(t)
	ctx := context.Background()

	for _, status := range []core.AcmeStatus{core.StatusValid, core.StatusInvalid} {
		mirror := core.UpstreamMirror{
			ID:             17,
			OrderID:        42,
			UpstreamURL:    "https://upstream.example/order/done",
			UpstreamStatus: status,
		}
		test.AssertNotError(t, bc.broker.AdvanceMirror(ctx, mirror), "advancing terminal mirror")
	}
	test.AssertEquals(t, bc.upstream.fetches, 0)
}

func TestAdvanceMirrorCompletesOrder(t *testing.T) {
	bc := setupBroker(t)
	ctx := context.Background()
	order := bc.order(t, "recovered.example.com")
	bc.upstream.chain = makeChain(t, bc.clk, 8128, "recovered.example.com")
	bc.upstream.order = UpstreamOrder{
		URL:            "https://upstream.example/order/1",
		Status:         core.StatusValid,
		CertificateURL: "https://upstream.example/cert/1",
	}
	mirror, err := bc.sa.NewMirror(ctx, core.UpstreamMirror{
		OrderID:        order.ID,
		UpstreamURL:    bc.upstream.order.URL,
		UpstreamStatus: core.StatusProcessing,
	})
	test.AssertNotError(t, err, "seeding mirror")

	test.AssertNotError(t, bc.broker.AdvanceMirror(ctx, mirror), "advancing mirror")

	got, err := bc.sa.GetOrder(ctx, order.ID)
	test.AssertNotError(t, err, "fetching order")
	test.AssertEquals(t, got.Status, core.StatusValid)
	test.Assert(t, got.CertificateSerial != "", "order should have a certificate serial")

	cert, err := bc.sa.GetCertificate(ctx, got.CertificateSerial)
	test.AssertNotError(t, err, "fetching stored certificate")
	test.AssertEquals(t, cert.RegistrationID, order.RegistrationID)

	updated, err := bc.sa.GetMirror(ctx, order.ID)
	test.AssertNotError(t, err, "fetching mirror")
	test.AssertEquals(t, updated.UpstreamStatus, core.StatusValid)
}

func TestAdvanceMirrorPropagatesUpstreamFailure(t *testing.T) {
	bc := setupBroker(t)
	ctx := context.Background()
	order := bc.order(t, "doomed.example.com")
	bc.upstream.order = UpstreamOrder{
		URL:    "https://upstream.example/order/1",
		Status: core.StatusInvalid,
		Error: &Problem{
			Type:   "urn:ietf:params:acme:error:rejectedIdentifier",
			Detail: "upstream will not issue for doomed.example.com",
			Status: 403,
		},
	}
	mirror, err := bc.sa.NewMirror(ctx, core.UpstreamMirror{
		OrderID:        order.ID,
		UpstreamURL:    bc.upstream.order.URL,
		UpstreamStatus: core.StatusProcessing,
	})
	test.AssertNotError(t, err, "seeding mirror")

	test.AssertNotError(t, bc.broker.AdvanceMirror(ctx, mirror), "advancing mirror")

	got, err := bc.sa.GetOrder(ctx, order.ID)
	test.AssertNotError(t, err, "fetching order")
	test.AssertEquals(t, got.Status, core.StatusInvalid)
	test.Assert(t, got.Error != nil, "order should carry the upstream problem")
	test.AssertEquals(t, got.Error.Type, probs.RejectedIdentifierProblem)

	// The mirror is terminal now, so another poll must not touch upstream.
	updated, err := bc.sa.GetMirror(ctx, order.ID)
	test.AssertNotError(t, err, "fetching mirror")
	fetchesBefore := bc.upstream.fetches
	test.AssertNotError(t, bc.broker.AdvanceMirror(ctx, updated), "re-advancing terminal mirror")
	test.AssertEquals(t, bc.upstream.fetches, fetchesBefore)
}

func TestAdvanceMirrorExhaustsPollBudget(t *testing.T) {
	bc := setupBroker(t)
	ctx := context.Background()
	order := bc.order(t, "outage.example.com")
	bc.upstream.fetchOrderErr = timeoutErr{}
	bc.upstream.fetchOrderErrs = -1
	mirror, err := bc.sa.NewMirror(ctx, core.UpstreamMirror{
		OrderID:        order.ID,
		UpstreamURL:    "https://upstream.example/order/1",
		UpstreamStatus: core.StatusProcessing,
	})
	test.AssertNotError(t, err, "seeding mirror")

	// The first maxAttempts polls tolerate the outage.
	for i := 0; i < maxAttempts; i++ {
		mirror, err = bc.sa.GetMirror(ctx, order.ID)
		test.AssertNotError(t, err, "refetching mirror")
		test.AssertNotError(t, bc.broker.AdvanceMirror(ctx, mirror), "advancing mirror during outage")
		got, err := bc.sa.GetOrder(ctx, order.ID)
		test.AssertNotError(t, err, "fetching order")
		test.Assert(t, got.Error == nil, "order should not fail within the poll budget")
	}

	// One more timeout pushes the mirror past its budget.
	mirror, err = bc.sa.GetMirror(ctx, order.ID)
	test.AssertNotError(t, err, "refetching mirror")
	test.AssertNotError(t, bc.broker.AdvanceMirror(ctx, mirror), "advancing mirror past the budget")

	got, err := bc.sa.GetOrder(ctx, order.ID)
	test.AssertNotError(t, err, "fetching order")
	test.AssertEquals(t, got.Status, core.StatusInvalid)
	test.Assert(t, got.Error != nil, "order should carry a problem document")
	test.AssertEquals(t, got.Error.Type, probs.ConnectionProblem)

	updated, err := bc.sa.GetMirror(ctx, order.ID)
	test.AssertNotError(t, err, "fetching mirror")
	test.AssertEquals(t, updated.UpstreamStatus, core.StatusInvalid)
}

func TestSweepMirrors(t *testing.T) {
	bc := setupBroker(t)
	ctx := context.Background()
	order := bc.order(t, "swept.example.com")
	bc.upstream.chain = makeChain(t, bc.clk, 6174, "swept.example.com")
	bc.upstream.order = UpstreamOrder{
		URL:            "https://upstream.example/order/1",
		Status:         core.StatusValid,
		CertificateURL: "https://upstream.example/cert/1",
	}
	_, err := bc.sa.NewMirror(ctx, core.UpstreamMirror{
		OrderID:        order.ID,
		UpstreamURL:    bc.upstream.order.URL,
		UpstreamStatus: core.StatusProcessing,
	})
	test.AssertNotError(t, err, "seeding mirror")

	test.AssertNotError(t, bc.broker.SweepMirrors(ctx), "sweeping mirrors")

	got, err := bc.sa.GetOrder(ctx, order.ID)
	test.AssertNotError(t, err, "fetching order")
	test.AssertEquals(t, got.Status, core.StatusValid)

	// The mirror is terminal, so the next sweep has nothing to lease.
	fetchesBefore := bc.upstream.fetches
	test.AssertNotError(t, bc.broker.SweepMirrors(ctx), "sweeping again")
	test.AssertEquals(t, bc.upstream.fetches, fetchesBefore)
}

func TestTransientClassification(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"network timeout", timeoutErr{}, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("fetching order: %w", context.DeadlineExceeded), true},
		{"upstream 503", &Problem{Type: "urn:ietf:params:acme:error:serverInternal", Status: 503}, true},
		{"upstream rate limit", &Problem{Type: "urn:ietf:params:acme:error:rateLimited", Status: 429}, true},
		{"upstream rejection", &Problem{Type: "urn:ietf:params:acme:error:rejectedIdentifier", Status: 403}, false},
		{"plain error", errors.New("broken"), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			test.AssertEquals(t, transient(tc.err), tc.transient)
		})
	}
}

func TestUpstreamFailureMapping(t *testing.T) {
	testCases := []struct {
		probType string
		want     berrors.ErrorType
	}{
		{"urn:ietf:params:acme:error:rejectedIdentifier", berrors.RejectedIdentifier},
		{"urn:ietf:params:acme:error:badCSR", berrors.BadCSR},
		{"urn:ietf:params:acme:error:rateLimited", berrors.RateLimit},
		{"urn:ietf:params:acme:error:dns", berrors.DNS},
		{"urn:ietf:params:acme:error:connection", berrors.Connection},
		{"urn:ietf:params:acme:error:caa", berrors.Unauthorized},
		{"urn:ietf:params:acme:error:unauthorized", berrors.Unauthorized},
		{"urn:ietf:params:acme:error:malformed", berrors.Unauthorized},
	}
	for _, tc := range testCases {
		t.Run(tc.probType, func(t *testing.T) {
			err := upstreamFailure(&Problem{Type: tc.probType, Detail: "detail", Status: 403})
			test.AssertErrorIs(t, err, tc.want)
		})
	}
	test.AssertErrorIs(t, upstreamFailure(nil), berrors.Unauthorized)
}
