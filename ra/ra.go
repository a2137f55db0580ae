// Package ra implements the broker's ACME business logic. Every state
// transition the web front end exposes is owned here: account lifecycle,
// order creation with authorization reuse, challenge validation, order
// finalization and certificate revocation.
package ra

import (
	"context"
	"crypto/x509"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acmetk/acme-broker/canceled"
	"github.com/acmetk/acme-broker/core"
	csrlib "github.com/acmetk/acme-broker/csr"
	berrors "github.com/acmetk/acme-broker/errors"
	"github.com/acmetk/acme-broker/features"
	"github.com/acmetk/acme-broker/goodkey"
	"github.com/acmetk/acme-broker/identifier"
	blog "github.com/acmetk/acme-broker/log"
	"github.com/acmetk/acme-broker/probs"
	"github.com/acmetk/acme-broker/ratelimit"
	"github.com/acmetk/acme-broker/web"
)

// RegistrationAuthorityImpl defines an RA.
type RegistrationAuthorityImpl struct {
	sa  core.StorageAuthority
	va  core.ValidationAuthority
	ca  core.CertificateAuthority
	pa  core.PolicyAuthority
	clk clock.Clock
	log blog.Logger

	keyPolicy  *goodkey.KeyPolicy
	rlPolicies ratelimit.Limits

	orderLifetime     time.Duration
	authzLifetime     time.Duration
	maxNames          int
	maxContactsPerReg int

	// validationTimeout bounds the background goroutine a challenge response
	// spawns, since its context outlives the HTTP request that accepted it.
	validationTimeout time.Duration

	// maxValidationAttempts bounds how many times a single challenge may
	// fail validation before it is marked invalid.
	maxValidationAttempts int

	rateLimitCounter  *prometheus.CounterVec
	newRegCounter     prometheus.Counter
	newOrderCounter   prometheus.Counter
	revocationCounter *prometheus.CounterVec

	// drainWG tracks in-flight background goroutines (validations and async
	// finalizations) so tests and shutdown can wait for them.
	drainWG sync.WaitGroup
}

var _ core.RegistrationAuthority = (*RegistrationAuthorityImpl)(nil)

// NewRegistrationAuthorityImpl constructs a new RA object.
func NewRegistrationAuthorityImpl(
	clk clock.Clock,
	logger blog.Logger,
	stats prometheus.Registerer,
	sa core.StorageAuthority,
	va core.ValidationAuthority,
	ca core.CertificateAuthority,
	pa core.PolicyAuthority,
	keyPolicy *goodkey.KeyPolicy,
	maxNames int,
	maxContactsPerReg int,
	orderLifetime time.Duration,
	authzLifetime time.Duration,
	validationTimeout time.Duration,
	maxValidationAttempts int,
) *RegistrationAuthorityImpl {
	if maxValidationAttempts < 1 {
		maxValidationAttempts = 1
	}
	rateLimitCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ra_ratelimits",
		Help: "A counter of RA ratelimit checks labelled by type and pass/exceed",
	}, []string{"limit", "decision"})
	stats.MustRegister(rateLimitCounter)

	newRegCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "new_registrations",
		Help: "A counter of new registrations",
	})
	stats.MustRegister(newRegCounter)

	newOrderCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "new_orders",
		Help: "A counter of new orders",
	})
	stats.MustRegister(newOrderCounter)

	revocationCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "revocations",
		Help: "A counter of certificate revocations labelled by reason",
	}, []string{"reason"})
	stats.MustRegister(revocationCounter)

	return &RegistrationAuthorityImpl{
		sa:                    sa,
		va:                    va,
		ca:                    ca,
		pa:                    pa,
		clk:                   clk,
		log:                   logger,
		keyPolicy:             keyPolicy,
		rlPolicies:            ratelimit.New(),
		orderLifetime:         orderLifetime,
		authzLifetime:         authzLifetime,
		maxNames:              maxNames,
		maxContactsPerReg:     maxContactsPerReg,
		validationTimeout:     validationTimeout,
		maxValidationAttempts: maxValidationAttempts,
		rateLimitCounter:      rateLimitCounter,
		newRegCounter:         newRegCounter,
		newOrderCounter:       newOrderCounter,
		revocationCounter:     revocationCounter,
	}
}

// SetRateLimitPolicies loads rate limit policy YAML into the RA's limits.
func (ra *RegistrationAuthorityImpl) SetRateLimitPolicies(contents []byte) error {
	return ra.rlPolicies.LoadPolicies(contents)
}

// DrainFinalize waits for in-flight background work (validations and async
// finalizations) to complete.
func (ra *RegistrationAuthorityImpl) DrainFinalize() {
	ra.drainWG.Wait()
}

// validateContacts checks the provided list of contacts, returning an error
// if any members are not acceptable.
func (ra *RegistrationAuthorityImpl) validateContacts(contacts []string) error {
	if len(contacts) > ra.maxContactsPerReg {
		return berrors.MalformedError("too many contacts provided: %d > %d",
			len(contacts), ra.maxContactsPerReg)
	}

	for _, contact := range contacts {
		if contact == "" {
			return berrors.MalformedError("empty contact")
		}
		if !strings.HasPrefix(contact, "mailto:") {
			return berrors.MalformedError("contact method %q is not supported", contact)
		}
		address := strings.TrimPrefix(contact, "mailto:")
		if strings.Contains(address, "?") {
			return berrors.MalformedError("contact email contains a question mark")
		}
		if _, err := mail.ParseAddress(address); err != nil {
			return berrors.MalformedError("%q is not a valid e-mail address", address)
		}
	}
	return nil
}

// NewRegistration validates the registration request and stores a new
// registration with status valid.
func (ra *RegistrationAuthorityImpl) NewRegistration(ctx context.Context, reg core.Registration) (core.Registration, error) {
	if err := ra.keyPolicy.GoodKey(reg.Key.Key); err != nil {
		return core.Registration{}, berrors.MalformedError("invalid public key: %s", err)
	}
	if err := ra.validateContacts(reg.Contact); err != nil {
		return core.Registration{}, err
	}

	reg.Status = core.StatusValid
	reg.CreatedAt = ra.clk.Now()

	stored, err := ra.sa.NewRegistration(ctx, reg)
	if err != nil {
		return core.Registration{}, err
	}

	ra.newRegCounter.Inc()
	ra.log.Infof("New registration created: id=[%d]", stored.ID)
	return stored, nil
}

// UpdateRegistration applies the requested changes to an existing
// registration. Only contact and agreement may change this way.
func (ra *RegistrationAuthorityImpl) UpdateRegistration(ctx context.Context, base core.Registration, updates core.Registration) (core.Registration, error) {
	if base.Status != core.StatusValid {
		return core.Registration{}, berrors.UnauthorizedError("registration is not valid, cannot update")
	}

	changed := false
	if updates.Contact != nil {
		if err := ra.validateContacts(updates.Contact); err != nil {
			return core.Registration{}, err
		}
		base.Contact = updates.Contact
		changed = true
	}
	if updates.Agreement != "" && updates.Agreement != base.Agreement {
		base.Agreement = updates.Agreement
		changed = true
	}
	if !changed {
		return base, nil
	}

	err := ra.sa.UpdateRegistration(ctx, base)
	if err != nil {
		return core.Registration{}, err
	}
	return base, nil
}

// UpdateRegistrationKey rolls the account over to a new key, per RFC 8555
// section 7.3.5. The WFE has already verified the inner JWS.
func (ra *RegistrationAuthorityImpl) UpdateRegistrationKey(ctx context.Context, reg core.Registration, newKey *jose.JSONWebKey) (core.Registration, error) {
	if reg.Status != core.StatusValid {
		return core.Registration{}, berrors.UnauthorizedError("registration is not valid, cannot change key")
	}
	if err := ra.keyPolicy.GoodKey(newKey.Key); err != nil {
		return core.Registration{}, berrors.MalformedError("invalid public key: %s", err)
	}
	return ra.sa.UpdateRegistrationKey(ctx, reg.ID, newKey)
}

// DeactivateRegistration deactivates a valid registration.
func (ra *RegistrationAuthorityImpl) DeactivateRegistration(ctx context.Context, reg core.Registration) (core.Registration, error) {
	if reg.Status != core.StatusValid {
		return core.Registration{}, berrors.MalformedError("only valid registrations can be deactivated")
	}
	err := ra.sa.DeactivateRegistration(ctx, reg.ID)
	if err != nil {
		return core.Registration{}, err
	}
	reg.Status = core.StatusDeactivated
	return reg, nil
}

// checkPendingOrderLimit enforces the pendingOrdersPerAccount policy.
func (ra *RegistrationAuthorityImpl) checkPendingOrderLimit(ctx context.Context, regID int64) error {
	limit := ra.rlPolicies.PendingOrdersPerAccount()
	if !limit.Enabled() {
		return nil
	}
	count, err := ra.sa.CountPendingOrders(ctx, regID, limit.WindowBegin(ra.clk.Now()))
	if err != nil {
		return err
	}
	threshold, overrideKey := limit.GetThreshold(regID)
	if int64(count) >= threshold {
		ra.rateLimitCounter.WithLabelValues(ratelimit.PendingOrdersPerAccount, "exceeded").Inc()
		if overrideKey != "" {
			ra.log.Infof("Rate limit %s exceeded by registration %d despite override",
				ratelimit.PendingOrdersPerAccount, regID)
		}
		return berrors.RateLimitError("too many currently pending orders")
	}
	ra.rateLimitCounter.WithLabelValues(ratelimit.PendingOrdersPerAccount, "pass").Inc()
	return nil
}

// createPendingAuthz builds a pending authorization for the identifier with
// one challenge per type the policy offers for it.
func (ra *RegistrationAuthorityImpl) createPendingAuthz(regID int64, ident identifier.ACMEIdentifier) (core.Authorization, error) {
	challTypes, err := ra.pa.ChallengeTypesFor(ident)
	if err != nil {
		return core.Authorization{}, err
	}
	var challenges []core.Challenge
	for _, challType := range challTypes {
		chall, err := core.NewChallenge(challType, "")
		if err != nil {
			return core.Authorization{}, err
		}
		challenges = append(challenges, chall)
	}

	expires := ra.clk.Now().Add(ra.authzLifetime)
	return core.Authorization{
		Identifier:     ident,
		RegistrationID: regID,
		Status:         core.StatusPending,
		Expires:        &expires,
		Challenges:     challenges,
	}, nil
}

// NewOrder creates a new order, reusing an existing unfinished order for the
// same identifier set when one exists, and reusing valid authorizations for
// individual identifiers otherwise.
func (ra *RegistrationAuthorityImpl) NewOrder(ctx context.Context, req core.NewOrderRequest) (core.Order, error) {
	if len(req.Identifiers) == 0 {
		return core.Order{}, berrors.MalformedError("order must contain at least one identifier")
	}
	idents, err := identifier.NormalizeAll(req.Identifiers)
	if err != nil {
		return core.Order{}, berrors.MalformedError("%s", err)
	}
	if len(idents) > ra.maxNames {
		return core.Order{}, berrors.MalformedError(
			"order cannot contain more than %d identifiers", ra.maxNames)
	}
	if err := ra.pa.WillingToIssue(idents); err != nil {
		return core.Order{}, err
	}
	if err := ra.checkPendingOrderLimit(ctx, req.RegistrationID); err != nil {
		return core.Order{}, err
	}

	// See if there is an existing unexpired pending or ready order for this
	// exact identifier set that can be reused.
	existing, err := ra.sa.GetOrderForNames(ctx, req.RegistrationID, idents)
	if err == nil {
		return existing, nil
	}
	if !berrors.Is(err, berrors.NotFound) {
		return core.Order{}, err
	}

	order := core.Order{
		RegistrationID: req.RegistrationID,
		Identifiers:    idents,
		Created:        ra.clk.Now(),
		Expires:        ra.clk.Now().Add(ra.orderLifetime),
	}

	// Reuse valid authorizations the account already holds. Pending
	// authorizations are not reused between orders: whole-order reuse above
	// already covers the common retry case, and sharing pending authzs also
	// makes invalidation propagate across orders confusingly.
	validAuthzs, err := ra.sa.GetValidAuthorizations(ctx, req.RegistrationID, idents, ra.clk.Now())
	if err != nil {
		return core.Order{}, err
	}

	var newAuthzs []core.Authorization
	for _, ident := range idents {
		if authz, ok := validAuthzs[ident]; ok {
			order.V2Authorizations = append(order.V2Authorizations, authz.ID)
			continue
		}
		authz, err := ra.createPendingAuthz(req.RegistrationID, ident)
		if err != nil {
			return core.Order{}, err
		}
		newAuthzs = append(newAuthzs, authz)
	}

	stored, err := ra.sa.NewOrderAndAuthzs(ctx, order, newAuthzs)
	if err != nil {
		return core.Order{}, err
	}

	ra.newOrderCounter.Inc()
	return stored, nil
}

// PerformValidation accepts a challenge response for a pending authorization
// and schedules the validation asynchronously. The returned authorization
// shows the challenge in status processing; the eventual outcome is written
// through a single storage transaction where the first writer wins.
func (ra *RegistrationAuthorityImpl) PerformValidation(
	ctx context.Context,
	authz core.Authorization,
	challengeType core.AcmeChallenge,
	accountKey *jose.JSONWebKey,
) (core.Authorization, error) {
	if authz.Expires == nil || authz.Expires.Before(ra.clk.Now()) {
		return core.Authorization{}, berrors.MalformedError("expired authorization")
	}
	if authz.Status != core.StatusPending {
		return core.Authorization{}, berrors.WrongAuthorizationStateError(
			"authorization must be pending")
	}

	challIndex := authz.FindChallengeByType(challengeType)
	if challIndex == -1 {
		return core.Authorization{}, berrors.MalformedError(
			"authorization has no challenge of type %q", challengeType)
	}
	chall := authz.Challenges[challIndex]
	if chall.Status != core.StatusPending {
		return core.Authorization{}, berrors.WrongAuthorizationStateError(
			"challenge is not pending")
	}

	expectedKeyAuthorization, err := chall.ExpectedKeyAuthorization(accountKey)
	if err != nil {
		return core.Authorization{}, berrors.InternalServerError(
			"could not compute expected key authorization value")
	}

	ra.drainWG.Add(1)
	vaCtx := context.WithoutCancel(ctx)
	go func(authz core.Authorization, chall core.Challenge) {
		defer ra.drainWG.Done()
		vaCtx, cancel := context.WithTimeout(vaCtx, ra.validationTimeout)
		defer cancel()

		records, err := ra.va.PerformValidation(vaCtx, authz.Identifier, chall, expectedKeyAuthorization)

		status := core.StatusValid
		var prob *probs.ProblemDetails
		if err != nil {
			status = core.StatusInvalid
			prob = web.ProblemDetailsForError(err, "")
		}

		chall.ValidationRecord = records
		if status == core.StatusValid && !chall.RecordsSane() {
			status = core.StatusInvalid
			prob = web.ProblemDetailsForError(
				berrors.InternalServerError("records for validation failed sanity check"), "")
		}

		err = ra.sa.FinalizeAuthorization(vaCtx, authz.ID, chall.Type, status,
			ra.clk.Now(), records, prob, ra.maxValidationAttempts)
		if err != nil {
			if berrors.Is(err, berrors.WrongAuthorizationState) {
				// A concurrent validation attempt reached a terminal state
				// first. Drop this result.
				ra.log.Infof("Validation result for authz %d discarded: %s", authz.ID, err)
				return
			}
			if canceled.Is(err) {
				ra.log.Infof("Validation for authz %d interrupted by shutdown", authz.ID)
				return
			}
			ra.log.AuditErrf("Could not record validation for authz %d: %s", authz.ID, err)
		}
	}(authz, chall)

	// Reflect the accepted response immediately.
	authz.Challenges[challIndex].Status = core.StatusProcessing
	return authz, nil
}

// DeactivateAuthorization deactivates a pending or valid authorization.
func (ra *RegistrationAuthorityImpl) DeactivateAuthorization(ctx context.Context, authz core.Authorization) (core.Authorization, error) {
	if authz.Status != core.StatusValid && authz.Status != core.StatusPending {
		return core.Authorization{}, berrors.MalformedError(
			"only valid and pending authorizations can be deactivated")
	}
	err := ra.sa.DeactivateAuthorization(ctx, authz.ID)
	if err != nil {
		return core.Authorization{}, err
	}
	authz.Status = core.StatusDeactivated
	return authz, nil
}

// matchesOrder checks that the CSR requests exactly the identifier set the
// order covers.
func matchesOrder(csr *x509.CertificateRequest, order core.Order) error {
	csrIdents, err := identifier.FromCSR(csr)
	if err != nil {
		return berrors.BadCSRError("%s", err)
	}
	csrIdents, err = identifier.NormalizeAll(csrIdents)
	if err != nil {
		return berrors.BadCSRError("%s", err)
	}
	if !identifier.Match(csrIdents, order.Identifiers) {
		return berrors.RejectedIdentifierError("CSR does not specify same identifiers as Order")
	}
	return nil
}

// FinalizeOrder accepts a CSR for an order in status ready, marks the order
// as processing, and requests issuance from the configured certificate
// authority. With the AsyncFinalize feature enabled the processing order is
// returned immediately and issuance continues in the background; otherwise
// the issued order is returned directly.
func (ra *RegistrationAuthorityImpl) FinalizeOrder(ctx context.Context, order core.Order, csr *x509.CertificateRequest) (core.Order, error) {
	if order.Status == core.StatusProcessing {
		// A finalize request already claimed this order. Return the
		// processing order so the client polls for the in-flight outcome.
		return order, nil
	}
	if order.Status != core.StatusReady {
		return core.Order{}, berrors.OrderNotReadyError(
			"Order's status (%q) is not acceptable for finalization", order.Status)
	}
	if len(order.Identifiers) == 0 {
		return core.Order{}, berrors.InternalServerError("Order has no associated identifiers")
	}

	err := csrlib.VerifyCSR(csr, ra.maxNames, ra.keyPolicy, ra.pa)
	if err != nil {
		return core.Order{}, err
	}
	if err := matchesOrder(csr, order); err != nil {
		return core.Order{}, err
	}

	// Claim the order. A guarded update in the SA means only one finalize
	// request can claim it; the loser returns the processing order just as
	// if it had observed the winner's claim up front.
	if err := ra.sa.SetOrderProcessing(ctx, order.ID); err != nil {
		if berrors.Is(err, berrors.OrderNotReady) {
			order.Status = core.StatusProcessing
			order.BeganProcessing = true
			return order, nil
		}
		return core.Order{}, err
	}
	order.Status = core.StatusProcessing
	order.BeganProcessing = true

	if features.Get().AsyncFinalize {
		ra.drainWG.Add(1)
		issueCtx := context.WithoutCancel(ctx)
		go func(order core.Order) {
			defer ra.drainWG.Done()
			_, err := ra.issueCertificate(issueCtx, order, csr)
			if err != nil && !canceled.Is(err) {
				ra.log.AuditErrf("Asynchronous finalization failed for order %d: %s", order.ID, err)
			}
		}(order)
		return order, nil
	}

	return ra.issueCertificate(ctx, order, csr)
}

// issueCertificate requests issuance, stores the certificate and completes
// the order. Any failure is recorded on the order so clients polling it see
// a terminal invalid state rather than processing forever.
func (ra *RegistrationAuthorityImpl) issueCertificate(ctx context.Context, order core.Order, csr *x509.CertificateRequest) (core.Order, error) {
	cert, err := ra.ca.IssueCertificate(ctx, csr, order)
	if err != nil {
		ra.failOrder(ctx, order.ID, err)
		return core.Order{}, err
	}

	parsed, err := x509.ParseCertificate(cert.DER)
	if err != nil {
		ra.failOrder(ctx, order.ID, err)
		return core.Order{}, berrors.InternalServerError("parsing issued certificate: %s", err)
	}
	serial := core.SerialToString(parsed.SerialNumber)

	if _, err := ra.sa.AddCertificate(ctx, cert.DER, order.RegistrationID); err != nil {
		// A duplicate here means the certificate was already stored by an
		// earlier attempt; finishing the order is still the right move.
		if !berrors.Is(err, berrors.Duplicate) {
			ra.failOrder(ctx, order.ID, err)
			return core.Order{}, err
		}
	}

	if err := ra.sa.FinalizeOrder(ctx, order.ID, serial); err != nil {
		ra.failOrder(ctx, order.ID, err)
		return core.Order{}, err
	}

	order.Status = core.StatusValid
	order.CertificateSerial = serial
	ra.log.Infof("Certificate issued for order %d: serial %s", order.ID, serial)
	return order, nil
}

// failOrder records an error on the order, converting it to a problem
// document first. Failures to record are logged but not returned: the
// original issuance error is what the caller needs to see.
func (ra *RegistrationAuthorityImpl) failOrder(ctx context.Context, orderID int64, err error) {
	prob := web.ProblemDetailsForError(err, "Error finalizing order")
	if setErr := ra.sa.SetOrderError(ctx, orderID, prob); setErr != nil {
		ra.log.AuditErrf("Could not persist order error for order %d: %s", orderID, setErr)
	}
}

// revocationReasons are the reason codes a subscriber may request, per RFC
// 5280 section 5.3.1. Other codes are reserved for the CA.
var revocationReasons = map[int64]string{
	0: "unspecified",
	1: "keyCompromise",
	4: "superseded",
	5: "cessationOfOperation",
}

// RevokeCertificate revokes the certificate on behalf of the requesting
// account. The requester must either own the certificate or hold valid
// authorizations for every name in it.
func (ra *RegistrationAuthorityImpl) RevokeCertificate(ctx context.Context, cert *x509.Certificate, reason int64, regID int64) error {
	reasonStr, ok := revocationReasons[reason]
	if !ok {
		return berrors.MalformedError("unsupported revocation reason code %d", reason)
	}

	serial := core.SerialToString(cert.SerialNumber)
	stored, err := ra.sa.GetCertificate(ctx, serial)
	if err != nil {
		return err
	}

	if stored.RegistrationID != regID {
		// The account does not own the certificate. It may still revoke if
		// it holds valid authorizations for every name on it.
		idents := make([]identifier.ACMEIdentifier, 0, len(cert.DNSNames))
		for _, name := range cert.DNSNames {
			idents = append(idents, identifier.NewDNS(name))
		}
		idents, err := identifier.NormalizeAll(idents)
		if err != nil {
			return berrors.MalformedError("%s", err)
		}
		valid, err := ra.sa.GetValidAuthorizations(ctx, regID, idents, ra.clk.Now())
		if err != nil {
			return err
		}
		for _, ident := range idents {
			if _, ok := valid[ident]; !ok {
				return berrors.UnauthorizedError(
					"requester does not control all identifiers in certificate %s", serial)
			}
		}
	}

	err = ra.sa.RevokeCertificate(ctx, serial, reason, ra.clk.Now())
	if err != nil {
		return err
	}

	ra.revocationCounter.WithLabelValues(reasonStr).Inc()
	ra.log.AuditInfof("Revoked certificate %s for reason %q at the request of registration %d",
		serial, reasonStr, regID)
	return nil
}

// AdministrativelyRevokeCertificate revokes the certificate on behalf of an
// operator, bypassing the ownership checks subscriber revocation performs.
// The user string identifies the operator for the audit log.
func (ra *RegistrationAuthorityImpl) AdministrativelyRevokeCertificate(ctx context.Context, cert *x509.Certificate, reason int64, user string) error {
	if user == "" {
		return berrors.MalformedError("admin revocation requires a user for the audit log")
	}
	serial := core.SerialToString(cert.SerialNumber)
	err := ra.sa.RevokeCertificate(ctx, serial, reason, ra.clk.Now())
	if err != nil {
		return err
	}
	ra.revocationCounter.WithLabelValues("admin").Inc()
	ra.log.AuditInfof("Revoked certificate %s administratively: user=[%s] reason=[%d]",
		serial, user, reason)
	return nil
}
