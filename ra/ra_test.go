package ra

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acmetk/acme-broker/core"
	berrors "github.com/acmetk/acme-broker/errors"
	"github.com/acmetk/acme-broker/features"
	"github.com/acmetk/acme-broker/goodkey"
	"github.com/acmetk/acme-broker/identifier"
	blog "github.com/acmetk/acme-broker/log"
	"github.com/acmetk/acme-broker/mocks"
	"github.com/acmetk/acme-broker/policy"
	"github.com/acmetk/acme-broker/probs"
	"github.com/acmetk/acme-broker/test"
)

// fakeVA returns a canned validation result without doing any I/O.
type fakeVA struct {
	err error
}

func (va *fakeVA) PerformValidation(_ context.Context, ident identifier.ACMEIdentifier, chall core.Challenge, _ string) ([]core.ValidationRecord, error) {
	if va.err != nil {
		return nil, va.err
	}
	return []core.ValidationRecord{{
		URL:               "http://" + ident.Value,
		Hostname:          ident.Value,
		Port:              "80",
		AddressesResolved: []string{"127.0.0.1"},
		AddressUsed:       "127.0.0.1",
	}}, nil
}

// failingCA refuses every issuance request.
type failingCA struct{}

func (ca *failingCA) IssueCertificate(_ context.Context, _ *x509.CertificateRequest, _ core.Order) (core.Certificate, error) {
	return core.Certificate{}, berrors.ConnectionError("upstream CA is unreachable")
}

type testCtx struct {
	ra  *RegistrationAuthorityImpl
	sa  *mocks.StorageAuthority
	va  *fakeVA
	clk clock.FakeClock
}

func initAuthorities(t *testing.T) *testCtx {
	t.Helper()

	clk := clock.NewFake()
	clk.Set(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))

	sa := mocks.NewStorageAuthority(clk)
	va := &fakeVA{}
	ca := mocks.NewCertificateAuthority(clk)

	pa, err := policy.New(map[core.AcmeChallenge]bool{
		core.ChallengeTypeHTTP01: true,
		core.ChallengeTypeDNS01:  true,
	}, blog.NewMock())
	test.AssertNotError(t, err, "creating policy authority")

	keyPolicy, err := goodkey.NewPolicy(nil)
	test.AssertNotError(t, err, "creating key policy")

	ra := NewRegistrationAuthorityImpl(
		clk,
		blog.NewMock(),
		prometheus.NewRegistry(),
		sa, va, ca, pa,
		&keyPolicy,
		100, // maxNames
		3,   // maxContactsPerReg
		7*24*time.Hour,
		30*24*time.Hour,
		time.Minute,
		2, // maxValidationAttempts
	)
	return &testCtx{ra: ra, sa: sa, va: va, clk: clk}
}

func newAccountKey(t *testing.T) (*ecdsa.PrivateKey, *jose.JSONWebKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating account key")
	return key, &jose.JSONWebKey{Key: key.Public()}
}

func newRegistration(t *testing.T, ctx *testCtx) core.Registration {
	t.Helper()
	_, jwk := newAccountKey(t)
	reg, err := ctx.ra.NewRegistration(context.Background(), core.Registration{
		Key:     jwk,
		Contact: []string{"mailto:admin@example.com"},
	})
	test.AssertNotError(t, err, "creating test registration")
	return reg
}

func TestNewRegistration(t *testing.T) {
	ctx := initAuthorities(t)
	_, jwk := newAccountKey(t)

	reg, err := ctx.ra.NewRegistration(context.Background(), core.Registration{
		Key:     jwk,
		Contact: []string{"mailto:admin@example.com"},
	})
	test.AssertNotError(t, err, "creating registration")
	test.AssertEquals(t, reg.Status, core.StatusValid)
	test.Assert(t, reg.ID != 0, "registration was not assigned an ID")

	// The same key cannot register twice.
	_, err = ctx.ra.NewRegistration(context.Background(), core.Registration{Key: jwk})
	test.AssertError(t, err, "duplicate key registration succeeded")
	test.AssertErrorIs(t, err, berrors.Duplicate)
}

func TestNewRegistrationContactValidation(t *testing.T) {
	ctx := initAuthorities(t)

	for _, tc := range []struct {
		name     string
		contacts []string
	}{
		{"unsupported scheme", []string{"tel:+15551234567"}},
		{"empty contact", []string{""}},
		{"bad address", []string{"mailto:not-an-address"}},
		{"hfields", []string{"mailto:a@example.com?subject=hi"}},
		{"too many", []string{
			"mailto:a@example.com", "mailto:b@example.com",
			"mailto:c@example.com", "mailto:d@example.com"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, jwk := newAccountKey(t)
			_, err := ctx.ra.NewRegistration(context.Background(), core.Registration{
				Key:     jwk,
				Contact: tc.contacts,
			})
			test.AssertError(t, err, "bad contact accepted")
			test.AssertErrorIs(t, err, berrors.Malformed)
		})
	}
}

func TestUpdateRegistration(t *testing.T) {
	ctx := initAuthorities(t)
	reg := newRegistration(t, ctx)

	updated, err := ctx.ra.UpdateRegistration(context.Background(), reg,
		core.Registration{Contact: []string{"mailto:other@example.com"}})
	test.AssertNotError(t, err, "updating contact")
	test.AssertEquals(t, updated.Contact[0], "mailto:other@example.com")

	stored, err := ctx.sa.GetRegistration(context.Background(), reg.ID)
	test.AssertNotError(t, err, "fetching updated registration")
	test.AssertEquals(t, stored.Contact[0], "mailto:other@example.com")

	// Deactivated registrations cannot be updated.
	deactivated, err := ctx.ra.DeactivateRegistration(context.Background(), updated)
	test.AssertNotError(t, err, "deactivating registration")
	_, err = ctx.ra.UpdateRegistration(context.Background(), deactivated,
		core.Registration{Contact: []string{"mailto:too-late@example.com"}})
	test.AssertError(t, err, "updated a deactivated registration")
	test.AssertErrorIs(t, err, berrors.Unauthorized)
}

func TestUpdateRegistrationKey(t *testing.T) {
	ctx := initAuthorities(t)
	reg := newRegistration(t, ctx)
	other := newRegistration(t, ctx)

	_, newJWK := newAccountKey(t)
	updated, err := ctx.ra.UpdateRegistrationKey(context.Background(), reg, newJWK)
	test.AssertNotError(t, err, "rolling over account key")
	test.AssertEquals(t, updated.ID, reg.ID)

	found, err := ctx.sa.GetRegistrationByKey(context.Background(), newJWK)
	test.AssertNotError(t, err, "looking up account by new key")
	test.AssertEquals(t, found.ID, reg.ID)

	// Rolling over to a key already bound to another account must fail.
	_, err = ctx.ra.UpdateRegistrationKey(context.Background(), updated, other.Key)
	test.AssertError(t, err, "rollover to an in-use key succeeded")
	test.AssertErrorIs(t, err, berrors.Duplicate)
}

func TestNewOrder(t *testing.T) {
	ctx := initAuthorities(t)
	reg := newRegistration(t, ctx)

	order, err := ctx.ra.NewOrder(context.Background(), core.NewOrderRequest{
		RegistrationID: reg.ID,
		Identifiers: []identifier.ACMEIdentifier{
			identifier.NewDNS("Example.COM"),
			identifier.NewDNS("www.example.com"),
		},
	})
	test.AssertNotError(t, err, "creating order")
	test.AssertEquals(t, order.Status, core.StatusPending)
	test.AssertEquals(t, len(order.Identifiers), 2)
	// Identifiers are normalized and sorted.
	test.AssertEquals(t, order.Identifiers[0].Value, "example.com")
	test.AssertEquals(t, len(order.V2Authorizations), 2)

	authz, err := ctx.sa.GetAuthorization(context.Background(), order.V2Authorizations[0])
	test.AssertNotError(t, err, "fetching new authorization")
	test.AssertEquals(t, authz.Status, core.StatusPending)
	test.AssertEquals(t, len(authz.Challenges), 2)

	// An identical order request reuses the existing order.
	reused, err := ctx.ra.NewOrder(context.Background(), core.NewOrderRequest{
		RegistrationID: reg.ID,
		Identifiers: []identifier.ACMEIdentifier{
			identifier.NewDNS("www.example.com"),
			identifier.NewDNS("example.com"),
		},
	})
	test.AssertNotError(t, err, "reusing order")
	test.AssertEquals(t, reused.ID, order.ID)
}

func TestNewOrderWildcard(t *testing.T) {
	ctx := initAuthorities(t)
	reg := newRegistration(t, ctx)

	order, err := ctx.ra.NewOrder(context.Background(), core.NewOrderRequest{
		RegistrationID: reg.ID,
		Identifiers:    []identifier.ACMEIdentifier{identifier.NewDNS("*.example.com")},
	})
	test.AssertNotError(t, err, "creating wildcard order")

	authz, err := ctx.sa.GetAuthorization(context.Background(), order.V2Authorizations[0])
	test.AssertNotError(t, err, "fetching wildcard authorization")
	test.AssertEquals(t, len(authz.Challenges), 1)
	test.AssertEquals(t, authz.Challenges[0].Type, core.ChallengeTypeDNS01)
}

func TestNewOrderRejections(t *testing.T) {
	ctx := initAuthorities(t)
	reg := newRegistration(t, ctx)

	_, err := ctx.ra.NewOrder(context.Background(), core.NewOrderRequest{
		RegistrationID: reg.ID,
	})
	test.AssertError(t, err, "empty order accepted")
	test.AssertErrorIs(t, err, berrors.Malformed)

	_, err = ctx.ra.NewOrder(context.Background(), core.NewOrderRequest{
		RegistrationID: reg.ID,
		Identifiers:    []identifier.ACMEIdentifier{identifier.NewDNS("invalid.local")},
	})
	test.AssertError(t, err, "unissuable name accepted")
	test.AssertErrorIs(t, err, berrors.RejectedIdentifier)

	var idents []identifier.ACMEIdentifier
	for i := 0; i < 101; i++ {
		idents = append(idents, identifier.NewDNS(fmt.Sprintf("san-%d.example.com", i)))
	}
	_, err = ctx.ra.NewOrder(context.Background(), core.NewOrderRequest{
		RegistrationID: reg.ID,
		Identifiers:    idents,
	})
	test.AssertError(t, err, "oversized order accepted")
	test.AssertErrorIs(t, err, berrors.Malformed)
}

func TestNewOrderRateLimit(t *testing.T) {
	ctx := initAuthorities(t)
	reg := newRegistration(t, ctx)

	err := ctx.ra.SetRateLimitPolicies([]byte(`
pendingOrdersPerAccount:
  window: 96h
  threshold: 1
`))
	test.AssertNotError(t, err, "loading rate limit policy")

	_, err = ctx.ra.NewOrder(context.Background(), core.NewOrderRequest{
		RegistrationID: reg.ID,
		Identifiers:    []identifier.ACMEIdentifier{identifier.NewDNS("first.example.com")},
	})
	test.AssertNotError(t, err, "creating first order")

	_, err = ctx.ra.NewOrder(context.Background(), core.NewOrderRequest{
		RegistrationID: reg.ID,
		Identifiers:    []identifier.ACMEIdentifier{identifier.NewDNS("second.example.com")},
	})
	test.AssertError(t, err, "second pending order allowed despite limit")
	test.AssertErrorIs(t, err, berrors.RateLimit)

	// Other accounts are unaffected.
	otherReg := newRegistration(t, ctx)
	_, err = ctx.ra.NewOrder(context.Background(), core.NewOrderRequest{
		RegistrationID: otherReg.ID,
		Identifiers:    []identifier.ACMEIdentifier{identifier.NewDNS("second.example.com")},
	})
	test.AssertNotError(t, err, "other account's order was limited")
}

// validateOrder drives every authorization of the order to valid through the
// fake VA and returns the order in its resulting state.
func validateOrder(t *testing.T, ctx *testCtx, order core.Order, accountKey *jose.JSONWebKey) core.Order {
	t.Helper()
	for _, authzID := range order.V2Authorizations {
		authz, err := ctx.sa.GetAuthorization(context.Background(), authzID)
		test.AssertNotError(t, err, "fetching authorization")
		if authz.Status == core.StatusValid {
			continue
		}
		_, err = ctx.ra.PerformValidation(context.Background(), authz, core.ChallengeTypeHTTP01, accountKey)
		test.AssertNotError(t, err, "accepting challenge response")
		ctx.ra.DrainFinalize()
	}
	updated, err := ctx.sa.GetOrder(context.Background(), order.ID)
	test.AssertNotError(t, err, "fetching validated order")
	return updated
}

func TestPerformValidation(t *testing.T) {
	ctx := initAuthorities(t)
	reg := newRegistration(t, ctx)

	order, err := ctx.ra.NewOrder(context.Background(), core.NewOrderRequest{
		RegistrationID: reg.ID,
		Identifiers:    []identifier.ACMEIdentifier{identifier.NewDNS("example.com")},
	})
	test.AssertNotError(t, err, "creating order")

	authz, err := ctx.sa.GetAuthorization(context.Background(), order.V2Authorizations[0])
	test.AssertNotError(t, err, "fetching authorization")

	returned, err := ctx.ra.PerformValidation(context.Background(), authz, core.ChallengeTypeHTTP01, reg.Key)
	test.AssertNotError(t, err, "accepting challenge response")
	idx := returned.FindChallengeByType(core.ChallengeTypeHTTP01)
	test.AssertEquals(t, returned.Challenges[idx].Status, core.StatusProcessing)

	ctx.ra.DrainFinalize()

	final, err := ctx.sa.GetAuthorization(context.Background(), authz.ID)
	test.AssertNotError(t, err, "fetching finalized authorization")
	test.AssertEquals(t, final.Status, core.StatusValid)
	// Only the attempted challenge survives finalization.
	test.AssertEquals(t, len(final.Challenges), 1)
	test.AssertEquals(t, final.Challenges[0].Type, core.ChallengeTypeHTTP01)
	test.AssertEquals(t, final.Challenges[0].Status, core.StatusValid)
	test.Assert(t, final.Challenges[0].RecordsSane(), "stored challenge has no sane records")

	// The order becomes ready once all of its authorizations are valid.
	updatedOrder, err := ctx.sa.GetOrder(context.Background(), order.ID)
	test.AssertNotError(t, err, "fetching order after validation")
	test.AssertEquals(t, updatedOrder.Status, core.StatusReady)

	// A second response for the same challenge is rejected.
	_, err = ctx.ra.PerformValidation(context.Background(), final, core.ChallengeTypeHTTP01, reg.Key)
	test.AssertError(t, err, "re-validation of a finalized authorization accepted")
	test.AssertErrorIs(t, err, berrors.WrongAuthorizationState)
}

func TestPerformValidationFailure(t *testing.T) {
	ctx := initAuthorities(t)
	reg := newRegistration(t, ctx)
	ctx.va.err = berrors.UnauthorizedError("Incorrect TXT record found")

	order, err := ctx.ra.NewOrder(context.Background(), core.NewOrderRequest{
		RegistrationID: reg.ID,
		Identifiers:    []identifier.ACMEIdentifier{identifier.NewDNS("example.com")},
	})
	test.AssertNotError(t, err, "creating order")

	authz, err := ctx.sa.GetAuthorization(context.Background(), order.V2Authorizations[0])
	test.AssertNotError(t, err, "fetching authorization")

	_, err = ctx.ra.PerformValidation(context.Background(), authz, core.ChallengeTypeDNS01, reg.Key)
	test.AssertNotError(t, err, "accepting challenge response")
	ctx.ra.DrainFinalize()

	// A failure within the retry bound records the error but keeps the
	// challenge, and the authorization, pending.
	after, err := ctx.sa.GetAuthorization(context.Background(), authz.ID)
	test.AssertNotError(t, err, "fetching authorization after failure")
	test.AssertEquals(t, after.Status, core.StatusPending)
	dnsIdx := after.FindChallengeByType(core.ChallengeTypeDNS01)
	test.AssertEquals(t, after.Challenges[dnsIdx].Status, core.StatusPending)
	test.AssertNotNil(t, after.Challenges[dnsIdx].Error, "failed challenge has no error")
	test.AssertEquals(t, after.Challenges[dnsIdx].Error.Type, probs.UnauthorizedProblem)
	test.AssertContains(t, after.Challenges[dnsIdx].Error.Detail, "Incorrect TXT record")

	// The sibling challenge is untouched by the failure.
	httpIdx := after.FindChallengeByType(core.ChallengeTypeHTTP01)
	test.AssertEquals(t, after.Challenges[httpIdx].Status, core.StatusPending)
	test.Assert(t, after.Challenges[httpIdx].Error == nil, "sibling challenge carries an error")

	// So is the order.
	updatedOrder, err := ctx.sa.GetOrder(context.Background(), order.ID)
	test.AssertNotError(t, err, "fetching order after failed validation")
	test.AssertEquals(t, updatedOrder.Status, core.StatusPending)

	// Resubmitting the same challenge succeeds once the record is fixed.
	ctx.va.err = nil
	_, err = ctx.ra.PerformValidation(context.Background(), after, core.ChallengeTypeDNS01, reg.Key)
	test.AssertNotError(t, err, "resubmitting challenge within the retry bound")
	ctx.ra.DrainFinalize()

	final, err := ctx.sa.GetAuthorization(context.Background(), authz.ID)
	test.AssertNotError(t, err, "fetching finalized authorization")
	test.AssertEquals(t, final.Status, core.StatusValid)
}

func TestPerformValidationExhaustsRetries(t *testing.T) {
	ctx := initAuthorities(t)
	reg := newRegistration(t, ctx)
	ctx.va.err = berrors.UnauthorizedError("Incorrect TXT record found")

	order, err := ctx.ra.NewOrder(context.Background(), core.NewOrderRequest{
		RegistrationID: reg.ID,
		Identifiers:    []identifier.ACMEIdentifier{identifier.NewDNS("example.com")},
	})
	test.AssertNotError(t, err, "creating order")

	failChallenge := func(challType core.AcmeChallenge) {
		t.Helper()
		authz, err := ctx.sa.GetAuthorization(context.Background(), order.V2Authorizations[0])
		test.AssertNotError(t, err, "fetching authorization")
		_, err = ctx.ra.PerformValidation(context.Background(), authz, challType, reg.Key)
		test.AssertNotError(t, err, "accepting challenge response")
		ctx.ra.DrainFinalize()
	}

	// Two failures exhaust the dns-01 challenge's attempts.
	failChallenge(core.ChallengeTypeDNS01)
	failChallenge(core.ChallengeTypeDNS01)

	after, err := ctx.sa.GetAuthorization(context.Background(), order.V2Authorizations[0])
	test.AssertNotError(t, err, "fetching authorization")
	dnsIdx := after.FindChallengeByType(core.ChallengeTypeDNS01)
	test.AssertEquals(t, after.Challenges[dnsIdx].Status, core.StatusInvalid)
	// The sibling challenge can still succeed, so the authorization stays
	// pending.
	test.AssertEquals(t, after.Status, core.StatusPending)

	// An exhausted challenge cannot be resubmitted.
	_, err = ctx.ra.PerformValidation(context.Background(), after, core.ChallengeTypeDNS01, reg.Key)
	test.AssertError(t, err, "resubmission of an exhausted challenge accepted")
	test.AssertErrorIs(t, err, berrors.WrongAuthorizationState)

	// Exhausting the remaining challenge fails the authorization and the
	// order with it.
	failChallenge(core.ChallengeTypeHTTP01)
	failChallenge(core.ChallengeTypeHTTP01)

	final, err := ctx.sa.GetAuthorization(context.Background(), order.V2Authorizations[0])
	test.AssertNotError(t, err, "fetching finalized authorization")
	test.AssertEquals(t, final.Status, core.StatusInvalid)

	updatedOrder, err := ctx.sa.GetOrder(context.Background(), order.ID)
	test.AssertNotError(t, err, "fetching order after failed validation")
	test.AssertEquals(t, updatedOrder.Status, core.StatusInvalid)
}

func TestFinalizeAuthorizationConcurrentResults(t *testing.T) {
	ctx := initAuthorities(t)
	reg := newRegistration(t, ctx)

	order, err := ctx.ra.NewOrder(context.Background(), core.NewOrderRequest{
		RegistrationID: reg.ID,
		Identifiers:    []identifier.ACMEIdentifier{identifier.NewDNS("example.com")},
	})
	test.AssertNotError(t, err, "creating order")
	authz, err := ctx.sa.GetAuthorization(context.Background(), order.V2Authorizations[0])
	test.AssertNotError(t, err, "fetching authorization")

	// Two successful validation results race to finalize the same
	// authorization. The storage guard lets exactly one through; the
	// loser observes WrongAuthorizationState and drops its result.
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- ctx.sa.FinalizeAuthorization(context.Background(), authz.ID,
				core.ChallengeTypeHTTP01, core.StatusValid, ctx.clk.Now(), nil, nil, 2)
		}()
	}
	wg.Wait()
	close(errs)

	var wins, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case berrors.Is(err, berrors.WrongAuthorizationState):
			conflicts++
		default:
			t.Fatalf("unexpected finalize error: %s", err)
		}
	}
	test.AssertEquals(t, wins, 1)
	test.AssertEquals(t, conflicts, 1)

	final, err := ctx.sa.GetAuthorization(context.Background(), authz.ID)
	test.AssertNotError(t, err, "fetching finalized authorization")
	test.AssertEquals(t, final.Status, core.StatusValid)
	test.AssertEquals(t, len(final.Challenges), 1)
}

func TestPerformValidationUnknownChallenge(t *testing.T) {
	ctx := initAuthorities(t)
	reg := newRegistration(t, ctx)

	order, err := ctx.ra.NewOrder(context.Background(), core.NewOrderRequest{
		RegistrationID: reg.ID,
		Identifiers:    []identifier.ACMEIdentifier{identifier.NewDNS("example.com")},
	})
	test.AssertNotError(t, err, "creating order")
	authz, err := ctx.sa.GetAuthorization(context.Background(), order.V2Authorizations[0])
	test.AssertNotError(t, err, "fetching authorization")

	_, err = ctx.ra.PerformValidation(context.Background(), authz, core.AcmeChallenge("tls-alpn-01"), reg.Key)
	test.AssertError(t, err, "unknown challenge type accepted")
	test.AssertErrorIs(t, err, berrors.Malformed)
}

func TestDeactivateAuthorization(t *testing.T) {
	ctx := initAuthorities(t)
	reg := newRegistration(t, ctx)

	order, err := ctx.ra.NewOrder(context.Background(), core.NewOrderRequest{
		RegistrationID: reg.ID,
		Identifiers:    []identifier.ACMEIdentifier{identifier.NewDNS("example.com")},
	})
	test.AssertNotError(t, err, "creating order")
	authz, err := ctx.sa.GetAuthorization(context.Background(), order.V2Authorizations[0])
	test.AssertNotError(t, err, "fetching authorization")

	deactivated, err := ctx.ra.DeactivateAuthorization(context.Background(), authz)
	test.AssertNotError(t, err, "deactivating authorization")
	test.AssertEquals(t, deactivated.Status, core.StatusDeactivated)

	stored, err := ctx.sa.GetAuthorization(context.Background(), authz.ID)
	test.AssertNotError(t, err, "fetching deactivated authorization")
	test.AssertEquals(t, stored.Status, core.StatusDeactivated)

	_, err = ctx.ra.DeactivateAuthorization(context.Background(), stored)
	test.AssertError(t, err, "re-deactivation accepted")
}

func makeCSR(t *testing.T, names []string) *x509.CertificateRequest {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating CSR key")
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		DNSNames: names,
	}, key)
	test.AssertNotError(t, err, "creating CSR")
	csr, err := x509.ParseCertificateRequest(der)
	test.AssertNotError(t, err, "parsing CSR")
	return csr
}

func TestFinalizeOrder(t *testing.T) {
	ctx := initAuthorities(t)
	reg := newRegistration(t, ctx)

	order, err := ctx.ra.NewOrder(context.Background(), core.NewOrderRequest{
		RegistrationID: reg.ID,
		Identifiers:    []identifier.ACMEIdentifier{identifier.NewDNS("example.com")},
	})
	test.AssertNotError(t, err, "creating order")
	csr := makeCSR(t, []string{"example.com"})

	// A pending order cannot be finalized.
	_, err = ctx.ra.FinalizeOrder(context.Background(), order, csr)
	test.AssertError(t, err, "finalized a pending order")
	test.AssertErrorIs(t, err, berrors.OrderNotReady)

	order = validateOrder(t, ctx, order, reg.Key)
	test.AssertEquals(t, order.Status, core.StatusReady)

	// A CSR for different names is refused.
	_, err = ctx.ra.FinalizeOrder(context.Background(), order, makeCSR(t, []string{"other.example.com"}))
	test.AssertError(t, err, "finalized with a mismatched CSR")
	test.AssertErrorIs(t, err, berrors.RejectedIdentifier)

	finalized, err := ctx.ra.FinalizeOrder(context.Background(), order, csr)
	test.AssertNotError(t, err, "finalizing order")
	test.AssertEquals(t, finalized.Status, core.StatusValid)
	test.Assert(t, finalized.CertificateSerial != "", "no serial recorded on finalized order")

	cert, err := ctx.sa.GetCertificate(context.Background(), finalized.CertificateSerial)
	test.AssertNotError(t, err, "fetching issued certificate")
	parsed, err := x509.ParseCertificate(cert.DER)
	test.AssertNotError(t, err, "parsing issued certificate")
	test.AssertEquals(t, parsed.DNSNames[0], "example.com")

	// A finalize raced against the claimed order is not an error: the
	// caller gets the processing order back and polls for the outcome.
	again, err := ctx.ra.FinalizeOrder(context.Background(), order, csr)
	test.AssertNotError(t, err, "identical finalize on a claimed order refused")
	test.AssertEquals(t, again.Status, core.StatusProcessing)

	// Once the order has reached a terminal state, finalize is refused.
	current, err := ctx.sa.GetOrder(context.Background(), order.ID)
	test.AssertNotError(t, err, "fetching finalized order")
	test.AssertEquals(t, current.Status, core.StatusValid)
	_, err = ctx.ra.FinalizeOrder(context.Background(), current, csr)
	test.AssertError(t, err, "finalize of a valid order accepted")
	test.AssertErrorIs(t, err, berrors.OrderNotReady)
}

func TestFinalizeOrderIssuanceFailure(t *testing.T) {
	ctx := initAuthorities(t)
	ctx.ra.ca = &failingCA{}
	reg := newRegistration(t, ctx)

	order, err := ctx.ra.NewOrder(context.Background(), core.NewOrderRequest{
		RegistrationID: reg.ID,
		Identifiers:    []identifier.ACMEIdentifier{identifier.NewDNS("example.com")},
	})
	test.AssertNotError(t, err, "creating order")
	order = validateOrder(t, ctx, order, reg.Key)

	_, err = ctx.ra.FinalizeOrder(context.Background(), order, makeCSR(t, []string{"example.com"}))
	test.AssertError(t, err, "issuance failure did not surface")

	// The failure is recorded on the order.
	failed, err := ctx.sa.GetOrder(context.Background(), order.ID)
	test.AssertNotError(t, err, "fetching failed order")
	test.AssertEquals(t, failed.Status, core.StatusInvalid)
	test.AssertNotNil(t, failed.Error, "failed order carries no error")
	test.AssertContains(t, failed.Error.Detail, "unreachable")
}

func TestFinalizeOrderAsync(t *testing.T) {
	ctx := initAuthorities(t)
	features.Set(features.Config{AsyncFinalize: true})
	t.Cleanup(features.Reset)

	reg := newRegistration(t, ctx)
	order, err := ctx.ra.NewOrder(context.Background(), core.NewOrderRequest{
		RegistrationID: reg.ID,
		Identifiers:    []identifier.ACMEIdentifier{identifier.NewDNS("example.com")},
	})
	test.AssertNotError(t, err, "creating order")
	order = validateOrder(t, ctx, order, reg.Key)

	processing, err := ctx.ra.FinalizeOrder(context.Background(), order, makeCSR(t, []string{"example.com"}))
	test.AssertNotError(t, err, "async finalize")
	test.AssertEquals(t, processing.Status, core.StatusProcessing)

	// An identical finalize against the processing order returns the same
	// in-flight outcome instead of an error.
	again, err := ctx.ra.FinalizeOrder(context.Background(), processing, makeCSR(t, []string{"example.com"}))
	test.AssertNotError(t, err, "finalize of a processing order refused")
	test.AssertEquals(t, again.Status, core.StatusProcessing)
	test.AssertEquals(t, again.ID, processing.ID)

	ctx.ra.DrainFinalize()

	finalized, err := ctx.sa.GetOrder(context.Background(), order.ID)
	test.AssertNotError(t, err, "fetching order after async finalize")
	test.AssertEquals(t, finalized.Status, core.StatusValid)
}

// issueForRegistration runs the whole pipeline for one name and returns the
// issued certificate.
func issueForRegistration(t *testing.T, ctx *testCtx, reg core.Registration, name string) *x509.Certificate {
	t.Helper()
	order, err := ctx.ra.NewOrder(context.Background(), core.NewOrderRequest{
		RegistrationID: reg.ID,
		Identifiers:    []identifier.ACMEIdentifier{identifier.NewDNS(name)},
	})
	test.AssertNotError(t, err, "creating order")
	order = validateOrder(t, ctx, order, reg.Key)
	finalized, err := ctx.ra.FinalizeOrder(context.Background(), order, makeCSR(t, []string{name}))
	test.AssertNotError(t, err, "finalizing order")
	cert, err := ctx.sa.GetCertificate(context.Background(), finalized.CertificateSerial)
	test.AssertNotError(t, err, "fetching certificate")
	parsed, err := x509.ParseCertificate(cert.DER)
	test.AssertNotError(t, err, "parsing certificate")
	return parsed
}

func TestRevokeCertificate(t *testing.T) {
	ctx := initAuthorities(t)
	reg := newRegistration(t, ctx)
	cert := issueForRegistration(t, ctx, reg, "revoke-me.example.com")

	err := ctx.ra.RevokeCertificate(context.Background(), cert, 99, reg.ID)
	test.AssertError(t, err, "reserved reason code accepted")
	test.AssertErrorIs(t, err, berrors.Malformed)

	err = ctx.ra.RevokeCertificate(context.Background(), cert, 0, reg.ID)
	test.AssertNotError(t, err, "owner revocation failed")
	test.Assert(t, ctx.sa.IsRevoked(core.SerialToString(cert.SerialNumber)),
		"certificate not marked revoked")

	// Revocation is final.
	err = ctx.ra.RevokeCertificate(context.Background(), cert, 0, reg.ID)
	test.AssertError(t, err, "second revocation accepted")
	test.AssertErrorIs(t, err, berrors.Duplicate)
}

func TestRevokeCertificateNonOwner(t *testing.T) {
	ctx := initAuthorities(t)
	owner := newRegistration(t, ctx)
	cert := issueForRegistration(t, ctx, owner, "contested.example.com")

	// A stranger without authorizations cannot revoke.
	stranger := newRegistration(t, ctx)
	err := ctx.ra.RevokeCertificate(context.Background(), cert, 0, stranger.ID)
	test.AssertError(t, err, "stranger revocation accepted")
	test.AssertErrorIs(t, err, berrors.Unauthorized)

	// An account holding valid authorizations for every name may revoke.
	order, err := ctx.ra.NewOrder(context.Background(), core.NewOrderRequest{
		RegistrationID: stranger.ID,
		Identifiers:    []identifier.ACMEIdentifier{identifier.NewDNS("contested.example.com")},
	})
	test.AssertNotError(t, err, "creating order for stranger")
	validateOrder(t, ctx, order, stranger.Key)

	err = ctx.ra.RevokeCertificate(context.Background(), cert, 0, stranger.ID)
	test.AssertNotError(t, err, "authorized revocation failed")
}

func TestAdministrativelyRevokeCertificate(t *testing.T) {
	ctx := initAuthorities(t)
	reg := newRegistration(t, ctx)
	cert := issueForRegistration(t, ctx, reg, "admin-revoke.example.com")

	err := ctx.ra.AdministrativelyRevokeCertificate(context.Background(), cert, 1, "")
	test.AssertError(t, err, "admin revocation without a user accepted")

	err = ctx.ra.AdministrativelyRevokeCertificate(context.Background(), cert, 1, "admin@broker")
	test.AssertNotError(t, err, "admin revocation failed")
	test.Assert(t, ctx.sa.IsRevoked(core.SerialToString(cert.SerialNumber)),
		"certificate not marked revoked")
}

func TestDeactivateRegistration(t *testing.T) {
	ctx := initAuthorities(t)
	reg := newRegistration(t, ctx)

	deactivated, err := ctx.ra.DeactivateRegistration(context.Background(), reg)
	test.AssertNotError(t, err, "deactivating registration")
	test.AssertEquals(t, deactivated.Status, core.StatusDeactivated)

	stored, err := ctx.sa.GetRegistration(context.Background(), reg.ID)
	test.AssertNotError(t, err, "fetching deactivated registration")
	test.AssertEquals(t, stored.Status, core.StatusDeactivated)

	_, err = ctx.ra.DeactivateRegistration(context.Background(), stored)
	test.AssertError(t, err, "re-deactivation accepted")
	test.Assert(t, errors.Is(err, berrors.Malformed), "wrong error class")
}
