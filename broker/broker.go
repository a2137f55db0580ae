// Package broker drives issuance through an upstream ACME CA. Orders that
// finalize locally are mirrored upstream: the broker opens an equivalent
// order with the upstream CA, satisfies its dns-01 challenges through a
// configured DNS backend, relays the subscriber's CSR, and copies the issued
// chain back into local storage. Every mirrored order is tracked in an
// UpstreamMirror row so background pollers can finish work a crashed replica
// left behind.
package broker

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acmetk/acme-broker/allowlist"
	"github.com/acmetk/acme-broker/core"
	berrors "github.com/acmetk/acme-broker/errors"
	blog "github.com/acmetk/acme-broker/log"
	"github.com/acmetk/acme-broker/va"
	"github.com/acmetk/acme-broker/web"
)

const (
	// pollBackoffFactor is the multiplier applied to the poll interval
	// after each unproductive poll.
	pollBackoffFactor = 2.0

	// mirrorBatchSize caps how many lapsed mirrors one sweep claims.
	mirrorBatchSize = 50
)

// Broker implements core.CertificateAuthority by relaying issuance to an
// upstream ACME CA.
type Broker struct {
	clk      clock.Clock
	log      blog.Logger
	stats    brokerStats
	sa       core.StorageAuthority
	client   Client
	provider va.DNSProvider

	// domains restricts which zones may be brokered upstream. Nil means no
	// restriction.
	domains *allowlist.List[string]

	// holder identifies this replica in mirror lease rows.
	holder string

	pollBase        time.Duration
	pollMax         time.Duration
	maxPollAttempts int
	leaseDuration   time.Duration
}

var _ core.CertificateAuthority = (*Broker)(nil)

// New builds a Broker. pollBase and pollMax bound the jittered backoff
// between upstream polls, and maxPollAttempts bounds how many transient
// upstream failures the broker tolerates before declaring the order failed.
func New(
	clk clock.Clock,
	logger blog.Logger,
	stats prometheus.Registerer,
	sa core.StorageAuthority,
	client Client,
	provider va.DNSProvider,
	domains *allowlist.List[string],
	holder string,
	pollBase time.Duration,
	pollMax time.Duration,
	maxPollAttempts int,
	leaseDuration time.Duration,
) (*Broker, error) {
	if client == nil {
		return nil, errors.New("broker requires an upstream client")
	}
	if provider == nil {
		return nil, errors.New("broker requires a DNS provider")
	}
	if maxPollAttempts < 1 {
		return nil, errors.New("maxPollAttempts must be at least 1")
	}
	return &Broker{
		clk:             clk,
		log:             logger,
		stats:           initStats(stats),
		sa:              sa,
		client:          client,
		provider:        provider,
		domains:         domains,
		holder:          holder,
		pollBase:        pollBase,
		pollMax:         pollMax,
		maxPollAttempts: maxPollAttempts,
		leaseDuration:   leaseDuration,
	}, nil
}

// IssueCertificate mirrors the order at the upstream CA, solves its dns-01
// challenges, relays the CSR, and returns the issued leaf. The caller has
// already validated the CSR against the local order. Failures that exhaust
// the retry bound come back as connection errors so the order's problem
// document names the upstream outage.
func (b *Broker) IssueCertificate(ctx context.Context, csr *x509.CertificateRequest, order core.Order) (core.Certificate, error) {
	mirror, upstream, err := b.mirrorOrder(ctx, order)
	if err != nil {
		return core.Certificate{}, err
	}

	if upstream.Status == core.StatusPending {
		if err := b.solveAuthorizations(ctx, upstream); err != nil {
			b.failMirrorRecord(ctx, mirror)
			return core.Certificate{}, err
		}
		// The upstream order becomes ready once its last authorization
		// turns valid.
		upstream, err = b.awaitUpstream(ctx, &mirror, upstream, core.StatusReady)
		if err != nil {
			b.failMirrorRecord(ctx, mirror)
			return core.Certificate{}, err
		}
	}

	if upstream.Status == core.StatusReady {
		upstream, err = b.finalizeUpstream(ctx, mirror, upstream, csr)
		if err != nil {
			b.failMirrorRecord(ctx, mirror)
			return core.Certificate{}, err
		}
	}

	upstream, err = b.awaitUpstream(ctx, &mirror, upstream, core.StatusValid)
	if err != nil {
		b.failMirrorRecord(ctx, mirror)
		return core.Certificate{}, err
	}

	cert, err := b.downloadCertificate(ctx, upstream.CertificateURL, order.RegistrationID)
	if err != nil {
		b.failMirrorRecord(ctx, mirror)
		return core.Certificate{}, err
	}

	mirror.UpstreamStatus = core.StatusValid
	mirror.CertificateURL = upstream.CertificateURL
	mirror.LeaseUntil = b.clk.Now()
	mirror.LeaseHolder = ""
	if err := b.sa.UpdateMirror(ctx, mirror); err != nil {
		b.log.AuditErrf("Could not record issuance on mirror %d for order %d: %s", mirror.ID, mirror.OrderID, err)
	}
	b.stats.pollOutcomes.WithLabelValues("valid").Inc()
	b.log.Infof("Upstream issuance complete for order %d: serial %s", order.ID, cert.Serial)
	return cert, nil
}

// mirrorOrder finds or creates the upstream twin of a local order. A mirror
// left behind by an earlier attempt is resumed rather than duplicated, so
// re-finalizing after a crash never opens a second upstream order.
func (b *Broker) mirrorOrder(ctx context.Context, order core.Order) (core.UpstreamMirror, UpstreamOrder, error) {
	existing, err := b.sa.GetMirror(ctx, order.ID)
	if err == nil {
		if existing.UpstreamStatus == core.StatusInvalid {
			return existing, UpstreamOrder{}, berrors.UnauthorizedError(
				"upstream issuance for order %d already failed", order.ID)
		}
		upstream, err := b.fetchUpstreamOrder(ctx, existing.UpstreamURL)
		if err != nil {
			return existing, UpstreamOrder{}, err
		}
		return b.claimMirror(ctx, existing), upstream, nil
	}
	if !berrors.Is(err, berrors.NotFound) {
		return core.UpstreamMirror{}, UpstreamOrder{}, err
	}

	names := make([]string, 0, len(order.Identifiers))
	for _, ident := range order.Identifiers {
		if !b.brokeredDomain(ident.Value) {
			return core.UpstreamMirror{}, UpstreamOrder{}, berrors.RejectedIdentifierError(
				"domain %q is not in a zone brokered to the upstream CA", ident.Value)
		}
		names = append(names, ident.Value)
	}
	var upstream UpstreamOrder
	err = b.withRetries(ctx, "newOrder", func() error {
		var callErr error
		upstream, callErr = b.client.NewOrder(ctx, names)
		return callErr
	})
	if err != nil {
		return core.UpstreamMirror{}, UpstreamOrder{}, err
	}

	now := b.clk.Now()
	mirror, err := b.sa.NewMirror(ctx, core.UpstreamMirror{
		OrderID:        order.ID,
		UpstreamURL:    upstream.URL,
		UpstreamStatus: upstream.Status,
		LeaseUntil:     now.Add(b.leaseDuration),
		LeaseHolder:    b.holder,
		LastPolled:     now,
	})
	if err != nil {
		// A concurrent replica created the mirror first; abandon our
		// upstream order and drive theirs instead.
		if berrors.Is(err, berrors.Duplicate) {
			return b.resumeRacedMirror(ctx, order.ID)
		}
		return core.UpstreamMirror{}, UpstreamOrder{}, err
	}
	return mirror, upstream, nil
}

// brokeredDomain reports whether a name falls inside a zone on the domain
// allowlist. The name itself and each parent zone are checked, so an
// allowlist entry "example.com" covers "www.example.com" too.
func (b *Broker) brokeredDomain(name string) bool {
	if b.domains == nil {
		return true
	}
	domain := strings.TrimPrefix(name, "*.")
	for domain != "" {
		if b.domains.Contains(domain) {
			return true
		}
		i := strings.Index(domain, ".")
		if i < 0 {
			break
		}
		domain = domain[i+1:]
	}
	return false
}

func (b *Broker) resumeRacedMirror(ctx context.Context, orderID int64) (core.UpstreamMirror, UpstreamOrder, error) {
	mirror, err := b.sa.GetMirror(ctx, orderID)
	if err != nil {
		return core.UpstreamMirror{}, UpstreamOrder{}, err
	}
	upstream, err := b.fetchUpstreamOrder(ctx, mirror.UpstreamURL)
	if err != nil {
		return mirror, UpstreamOrder{}, err
	}
	return b.claimMirror(ctx, mirror), upstream, nil
}

// claimMirror moves the lease to this replica while the synchronous path
// works on the mirror, keeping the background poller off it.
func (b *Broker) claimMirror(ctx context.Context, mirror core.UpstreamMirror) core.UpstreamMirror {
	mirror.LeaseUntil = b.clk.Now().Add(b.leaseDuration)
	mirror.LeaseHolder = b.holder
	if err := b.sa.UpdateMirror(ctx, mirror); err != nil {
		b.log.Warningf("Could not claim mirror %d for order %d: %s", mirror.ID, mirror.OrderID, err)
	}
	return mirror
}

func (b *Broker) fetchUpstreamOrder(ctx context.Context, orderURL string) (UpstreamOrder, error) {
	var upstream UpstreamOrder
	err := b.withRetries(ctx, "fetchOrder", func() error {
		var callErr error
		upstream, callErr = b.client.FetchOrder(ctx, orderURL)
		return callErr
	})
	return upstream, err
}

// solveAuthorizations works through the upstream order's authorizations,
// answering each dns-01 challenge through the configured DNS backend.
// Authorizations the upstream CA already considers valid (for example
// through EAB-bound pre-authorization) are skipped.
func (b *Broker) solveAuthorizations(ctx context.Context, upstream UpstreamOrder) error {
	for _, authzURL := range upstream.Authorizations {
		if err := b.solveAuthorization(ctx, authzURL); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) solveAuthorization(ctx context.Context, authzURL string) error {
	var authz UpstreamAuthorization
	err := b.withRetries(ctx, "fetchAuthorization", func() error {
		var callErr error
		authz, callErr = b.client.FetchAuthorization(ctx, authzURL)
		return callErr
	})
	if err != nil {
		return err
	}
	if authz.Status == core.StatusValid {
		return nil
	}
	if authz.Status != core.StatusPending {
		return berrors.UnauthorizedError(
			"upstream authorization for %q is %s", authz.Domain, authz.Status)
	}

	chal, ok := authz.ChallengeOfType(core.ChallengeTypeDNS01)
	if !ok {
		return berrors.UnauthorizedError(
			"upstream CA offered no dns-01 challenge for %q", authz.Domain)
	}
	if chal.Status == core.StatusValid {
		return nil
	}

	if err := b.provider.Provision(ctx, authz.Domain, chal.Token, chal.KeyAuthorization); err != nil {
		return berrors.DNSError("provisioning TXT record for %q: %s", authz.Domain, err)
	}
	defer func() {
		if err := b.provider.Cleanup(context.WithoutCancel(ctx), authz.Domain, chal.Token, chal.KeyAuthorization); err != nil {
			b.log.Warningf("Cleaning up TXT record for %q: %s", authz.Domain, err)
		}
	}()

	if err := b.waitForPropagation(ctx, authz.Domain, chal.KeyAuthorization); err != nil {
		return err
	}

	var updated UpstreamChallenge
	err = b.withRetries(ctx, "acceptChallenge", func() error {
		var callErr error
		updated, callErr = b.client.AcceptChallenge(ctx, chal)
		return callErr
	})
	if err != nil {
		var prob *Problem
		if errors.As(err, &prob) {
			return upstreamFailure(prob)
		}
		return err
	}
	if updated.Status == core.StatusInvalid {
		return upstreamFailure(updated.Error)
	}
	b.log.Infof("Upstream dns-01 challenge for %q accepted", authz.Domain)
	return nil
}

// waitForPropagation polls the DNS backend through an ordinary resolver
// until the challenge record is visible, so the upstream CA is not told to
// validate before the record has propagated.
func (b *Broker) waitForPropagation(ctx context.Context, domain, keyAuthorization string) error {
	expected := core.Fingerprint256([]byte(keyAuthorization))
	for attempt := 0; attempt <= b.maxPollAttempts; attempt++ {
		if err := b.sleep(ctx, core.RetryBackoff(attempt, b.pollBase, b.pollMax, pollBackoffFactor)); err != nil {
			return err
		}
		found, err := b.provider.Validate(ctx, domain, expected)
		if err != nil {
			b.log.Warningf("Checking TXT propagation for %q: %s", domain, err)
			continue
		}
		if found {
			return nil
		}
	}
	return berrors.DNSError(
		"TXT record for %q not visible after %d checks", domain, b.maxPollAttempts+1)
}

func (b *Broker) finalizeUpstream(ctx context.Context, mirror core.UpstreamMirror, upstream UpstreamOrder, csr *x509.CertificateRequest) (UpstreamOrder, error) {
	var finalized UpstreamOrder
	err := b.withRetries(ctx, "finalizeOrder", func() error {
		var callErr error
		finalized, callErr = b.client.FinalizeOrder(ctx, upstream, csr)
		return callErr
	})
	if err != nil {
		var prob *Problem
		if errors.As(err, &prob) {
			return UpstreamOrder{}, upstreamFailure(prob)
		}
		return UpstreamOrder{}, err
	}
	b.log.Infof("Finalized upstream order %s for order %d", mirror.UpstreamURL, mirror.OrderID)
	return finalized, nil
}

// awaitUpstream polls the upstream order with jittered exponential backoff
// until it reaches the wanted status (or skips past it to valid), recording
// each poll on the mirror and renewing its lease as progress is made. An
// upstream order that turns invalid surfaces the upstream failure; one that
// stays in flight past the poll budget surfaces a connection error.
func (b *Broker) awaitUpstream(ctx context.Context, mirror *core.UpstreamMirror, upstream UpstreamOrder, want core.AcmeStatus) (UpstreamOrder, error) {
	var failures int
	for polls := 0; ; polls++ {
		switch upstream.Status {
		case want, core.StatusValid:
			return upstream, nil
		case core.StatusInvalid:
			b.stats.pollOutcomes.WithLabelValues("invalid").Inc()
			return UpstreamOrder{}, upstreamFailure(upstream.Error)
		case core.StatusPending, core.StatusProcessing:
		default:
			return UpstreamOrder{}, berrors.InternalServerError(
				"upstream order %s in unexpected state %s", mirror.UpstreamURL, upstream.Status)
		}

		if polls >= b.maxPollAttempts {
			return UpstreamOrder{}, berrors.ConnectionError(
				"upstream order %s still %s after %d polls", mirror.UpstreamURL, upstream.Status, polls)
		}
		if err := b.sleep(ctx, core.RetryBackoff(polls+1, b.pollBase, b.pollMax, pollBackoffFactor)); err != nil {
			return UpstreamOrder{}, err
		}

		fetched, err := b.client.FetchOrder(ctx, mirror.UpstreamURL)
		now := b.clk.Now()
		mirror.PollAttempts++
		mirror.LastPolled = now
		mirror.LeaseUntil = now.Add(b.leaseDuration)
		if updateErr := b.sa.UpdateMirror(ctx, *mirror); updateErr != nil {
			b.log.Warningf("Recording poll on mirror %d: %s", mirror.ID, updateErr)
		}
		if err != nil {
			if !transient(err) {
				b.stats.upstreamRequests.WithLabelValues("fetchOrder", "error").Inc()
				return UpstreamOrder{}, err
			}
			failures++
			b.stats.upstreamRequests.WithLabelValues("fetchOrder", "transient").Inc()
			if failures > b.maxPollAttempts {
				return UpstreamOrder{}, berrors.ConnectionError(
					"upstream CA unreachable for order %d after %d attempts: %s", mirror.OrderID, failures, err)
			}
			continue
		}
		b.stats.upstreamRequests.WithLabelValues("fetchOrder", "ok").Inc()
		mirror.UpstreamStatus = fetched.Status
		upstream = fetched
	}
}

func (b *Broker) downloadCertificate(ctx context.Context, certURL string, regID int64) (core.Certificate, error) {
	var chain [][]byte
	err := b.withRetries(ctx, "fetchChain", func() error {
		var callErr error
		chain, callErr = b.client.FetchChain(ctx, certURL)
		return callErr
	})
	if err != nil {
		return core.Certificate{}, err
	}
	if len(chain) == 0 {
		return core.Certificate{}, berrors.InternalServerError("upstream CA returned an empty chain")
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return core.Certificate{}, berrors.InternalServerError("parsing upstream leaf certificate: %s", err)
	}
	return core.Certificate{
		RegistrationID: regID,
		Serial:         core.SerialToString(leaf.SerialNumber),
		Digest:         core.Fingerprint256(chain[0]),
		DER:            chain[0],
		Issued:         b.clk.Now(),
		Expires:        leaf.NotAfter,
	}, nil
}

// failMirrorRecord marks a mirror terminally failed and releases its lease.
// The caller still propagates the failure into the local order.
func (b *Broker) failMirrorRecord(ctx context.Context, mirror core.UpstreamMirror) {
	if mirror.ID == 0 {
		return
	}
	mirror.UpstreamStatus = core.StatusInvalid
	mirror.LeaseUntil = b.clk.Now()
	mirror.LeaseHolder = ""
	if err := b.sa.UpdateMirror(ctx, mirror); err != nil {
		b.log.AuditErrf("Could not record failure on mirror %d for order %d: %s", mirror.ID, mirror.OrderID, err)
	}
}

// withRetries runs one upstream call, retrying transient failures with
// jittered exponential backoff up to the configured attempt bound. Once the
// bound is exhausted the last transient failure is surfaced as a connection
// error.
func (b *Broker) withRetries(ctx context.Context, op string, call func() error) error {
	var failures int
	for {
		err := call()
		if err == nil {
			b.stats.upstreamRequests.WithLabelValues(op, "ok").Inc()
			return nil
		}
		if !transient(err) {
			b.stats.upstreamRequests.WithLabelValues(op, "error").Inc()
			return err
		}
		failures++
		b.stats.upstreamRequests.WithLabelValues(op, "transient").Inc()
		if failures > b.maxPollAttempts {
			return berrors.ConnectionError(
				"upstream CA unreachable during %s after %d attempts: %s", op, failures, err)
		}
		b.log.Warningf("Transient upstream failure during %s (attempt %d): %s", op, failures, err)
		if err := b.sleep(ctx, core.RetryBackoff(failures, b.pollBase, b.pollMax, pollBackoffFactor)); err != nil {
			return err
		}
	}
}

func (b *Broker) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.clk.After(d):
		return nil
	}
}

// transient reports whether an upstream failure is worth retrying. Network
// timeouts, refused connections, and upstream 5xx problems are transient;
// anything else is taken as a definitive answer.
func transient(err error) bool {
	var prob *Problem
	if errors.As(err, &prob) {
		return prob.Status >= 500 || strings.HasSuffix(prob.Type, "rateLimited")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return false
}

// upstreamFailure maps a terminal upstream problem document onto the broker
// error taxonomy so the local order's problem document keeps the upstream
// CA's reason.
func upstreamFailure(prob *Problem) error {
	if prob == nil {
		return berrors.UnauthorizedError("upstream CA refused issuance")
	}
	switch {
	case strings.HasSuffix(prob.Type, "rejectedIdentifier"):
		return berrors.RejectedIdentifierError("upstream CA: %s", prob.Detail)
	case strings.HasSuffix(prob.Type, "badCSR"):
		return berrors.BadCSRError("upstream CA: %s", prob.Detail)
	case strings.HasSuffix(prob.Type, "rateLimited"):
		return berrors.RateLimitError("upstream CA: %s", prob.Detail)
	case strings.HasSuffix(prob.Type, "dns"):
		return berrors.DNSError("upstream CA: %s", prob.Detail)
	case strings.HasSuffix(prob.Type, "connection"):
		return berrors.ConnectionError("upstream CA: %s", prob.Detail)
	default:
		return berrors.UnauthorizedError("upstream CA rejected order: %s", prob.Detail)
	}
}

// RunPoller sweeps lapsed mirrors on the given interval until the context is
// canceled. Multiple replicas can run pollers concurrently; the mirror lease
// keeps them off each other's work.
func (b *Broker) RunPoller(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.clk.After(interval):
		}
		if err := b.SweepMirrors(ctx); err != nil {
			b.log.Errf("Sweeping upstream mirrors: %s", err)
		}
	}
}

// SweepMirrors claims a batch of mirrors whose leases have lapsed and
// advances each one.
func (b *Broker) SweepMirrors(ctx context.Context) error {
	until := b.clk.Now().Add(b.leaseDuration)
	mirrors, err := b.sa.LeaseMirrors(ctx, b.holder, until, mirrorBatchSize)
	if err != nil {
		return err
	}
	for _, mirror := range mirrors {
		if err := b.AdvanceMirror(ctx, mirror); err != nil {
			b.log.Errf("Advancing mirror %d for order %d: %s", mirror.ID, mirror.OrderID, err)
		}
	}
	return nil
}

// AdvanceMirror polls one mirror's upstream order and applies the result.
// Terminal mirrors are a no-op, so re-polling after a lease handoff is safe.
// An upstream order that went valid while no replica was watching has its
// certificate copied down and the local order finished; an invalid one has
// the upstream failure propagated into the local order. Transient fetch
// failures release the lease and count against the mirror's poll budget.
func (b *Broker) AdvanceMirror(ctx context.Context, mirror core.UpstreamMirror) error {
	if mirror.UpstreamStatus == core.StatusValid || mirror.UpstreamStatus == core.StatusInvalid {
		return nil
	}

	upstream, err := b.client.FetchOrder(ctx, mirror.UpstreamURL)
	now := b.clk.Now()
	mirror.PollAttempts++
	mirror.LastPolled = now
	if err != nil {
		if transient(err) && mirror.PollAttempts <= int64(b.maxPollAttempts) {
			b.stats.pollOutcomes.WithLabelValues("transient").Inc()
			mirror.LeaseUntil = now
			mirror.LeaseHolder = ""
			return b.sa.UpdateMirror(ctx, mirror)
		}
		failure := err
		if transient(err) {
			failure = berrors.ConnectionError(
				"upstream CA unreachable for order %d after %d polls: %s", mirror.OrderID, mirror.PollAttempts, err)
		}
		b.stats.pollOutcomes.WithLabelValues("exhausted").Inc()
		return b.failOrder(ctx, mirror, failure)
	}

	mirror.UpstreamStatus = upstream.Status
	switch upstream.Status {
	case core.StatusValid:
		return b.completeOrder(ctx, mirror, upstream)
	case core.StatusInvalid:
		b.stats.pollOutcomes.WithLabelValues("invalid").Inc()
		return b.failOrder(ctx, mirror, upstreamFailure(upstream.Error))
	default:
		b.stats.pollOutcomes.WithLabelValues("pending").Inc()
		mirror.LeaseUntil = now.Add(b.leaseDuration)
		return b.sa.UpdateMirror(ctx, mirror)
	}
}

// completeOrder copies the upstream certificate into local storage and
// finishes the local order.
func (b *Broker) completeOrder(ctx context.Context, mirror core.UpstreamMirror, upstream UpstreamOrder) error {
	order, err := b.sa.GetOrder(ctx, mirror.OrderID)
	if err != nil {
		return err
	}
	cert, err := b.downloadCertificate(ctx, upstream.CertificateURL, order.RegistrationID)
	if err != nil {
		// The status poll just answered, so a chain fetch failure here is
		// probably transient; leave the mirror for the next sweep.
		mirror.LeaseUntil = b.clk.Now()
		mirror.LeaseHolder = ""
		if updateErr := b.sa.UpdateMirror(ctx, mirror); updateErr != nil {
			b.log.Warningf("Releasing mirror %d after chain fetch failure: %s", mirror.ID, updateErr)
		}
		return err
	}

	if _, err := b.sa.AddCertificate(ctx, cert.DER, order.RegistrationID); err != nil && !berrors.Is(err, berrors.Duplicate) {
		return err
	}
	if err := b.sa.FinalizeOrder(ctx, mirror.OrderID, cert.Serial); err != nil && !berrors.Is(err, berrors.OrderNotReady) {
		return err
	}

	mirror.UpstreamStatus = core.StatusValid
	mirror.CertificateURL = upstream.CertificateURL
	mirror.LeaseUntil = b.clk.Now()
	mirror.LeaseHolder = ""
	b.stats.pollOutcomes.WithLabelValues("valid").Inc()
	b.log.Infof("Recovered upstream issuance for order %d: serial %s", mirror.OrderID, cert.Serial)
	return b.sa.UpdateMirror(ctx, mirror)
}

// failOrder propagates an upstream failure into the local order and marks
// the mirror terminally failed.
func (b *Broker) failOrder(ctx context.Context, mirror core.UpstreamMirror, failure error) error {
	prob := web.ProblemDetailsForError(failure, "Upstream issuance failed")
	if err := b.sa.SetOrderError(ctx, mirror.OrderID, prob); err != nil {
		b.log.AuditErrf("Could not persist upstream failure for order %d: %s", mirror.OrderID, err)
	}
	mirror.UpstreamStatus = core.StatusInvalid
	mirror.LeaseUntil = b.clk.Now()
	mirror.LeaseHolder = ""
	return b.sa.UpdateMirror(ctx, mirror)
}
