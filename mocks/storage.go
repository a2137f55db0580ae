// Package mocks provides in-memory fakes for the broker's service
// interfaces so that tests can exercise the components above the storage
// layer without a database.
package mocks

import (
	"context"
	"crypto/x509"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/jmhodges/clock"

	"github.com/acmetk/acme-broker/core"
	berrors "github.com/acmetk/acme-broker/errors"
	"github.com/acmetk/acme-broker/identifier"
	"github.com/acmetk/acme-broker/probs"
)

// StorageAuthority is a mutex-guarded in-memory implementation of
// core.StorageAuthority. It applies the same state transition guards as the
// SQL implementation, so tests of callers see the same error behavior.
type StorageAuthority struct {
	sync.Mutex

	clk clock.Clock

	regs      map[int64]core.Registration
	regsByKey map[string]int64

	orders       map[int64]core.Order
	authzs       map[int64]core.Authorization
	certs        map[string]core.Certificate
	revoked      map[string]bool
	mirrors      map[int64]core.UpstreamMirror
	mirrorByOrdr map[int64]int64

	nextRegID    int64
	nextOrderID  int64
	nextAuthzID  int64
	nextCertID   int64
	nextMirrorID int64
}

var _ core.StorageAuthority = &StorageAuthority{}

// NewStorageAuthority creates a new empty in-memory storage authority.
func NewStorageAuthority(clk clock.Clock) *StorageAuthority {
	return &StorageAuthority{
		clk:          clk,
		regs:         make(map[int64]core.Registration),
		regsByKey:    make(map[string]int64),
		orders:       make(map[int64]core.Order),
		authzs:       make(map[int64]core.Authorization),
		certs:        make(map[string]core.Certificate),
		revoked:      make(map[string]bool),
		mirrors:      make(map[int64]core.UpstreamMirror),
		mirrorByOrdr: make(map[int64]int64),
		nextRegID:    1,
		nextOrderID:  1,
		nextAuthzID:  1,
		nextCertID:   1,
		nextMirrorID: 1,
	}
}

// NewRegistration stores a registration, rejecting duplicate keys.
func (sa *StorageAuthority) NewRegistration(_ context.Context, reg core.Registration) (core.Registration, error) {
	sa.Lock()
	defer sa.Unlock()

	digest, err := core.KeyDigestB64(reg.Key.Key)
	if err != nil {
		return core.Registration{}, err
	}
	if _, ok := sa.regsByKey[digest]; ok {
		return core.Registration{}, berrors.DuplicateError("key is already in use for a different account")
	}

	reg.ID = sa.nextRegID
	sa.nextRegID++
	reg.CreatedAt = sa.clk.Now()
	reg.Status = core.StatusValid
	sa.regs[reg.ID] = reg
	sa.regsByKey[digest] = reg.ID
	return reg, nil
}

// GetRegistration returns the registration with the given ID.
func (sa *StorageAuthority) GetRegistration(_ context.Context, regID int64) (core.Registration, error) {
	sa.Lock()
	defer sa.Unlock()

	reg, ok := sa.regs[regID]
	if !ok {
		return core.Registration{}, berrors.NotFoundError("registration with ID '%d' not found", regID)
	}
	return reg, nil
}

// GetRegistrationByKey returns the registration whose key matches.
func (sa *StorageAuthority) GetRegistrationByKey(_ context.Context, key *jose.JSONWebKey) (core.Registration, error) {
	sa.Lock()
	defer sa.Unlock()

	digest, err := core.KeyDigestB64(key.Key)
	if err != nil {
		return core.Registration{}, err
	}
	regID, ok := sa.regsByKey[digest]
	if !ok {
		return core.Registration{}, berrors.NotFoundError("no registrations with public key sha256 %q", digest)
	}
	return sa.regs[regID], nil
}

// UpdateRegistration updates contact and agreement on a valid registration.
func (sa *StorageAuthority) UpdateRegistration(_ context.Context, reg core.Registration) error {
	sa.Lock()
	defer sa.Unlock()

	existing, ok := sa.regs[reg.ID]
	if !ok || existing.Status != core.StatusValid {
		return berrors.NotFoundError("registration with ID '%d' not found or not updatable", reg.ID)
	}
	existing.Contact = reg.Contact
	existing.Agreement = reg.Agreement
	sa.regs[reg.ID] = existing
	return nil
}

// UpdateRegistrationKey rolls the registration over to a new key.
func (sa *StorageAuthority) UpdateRegistrationKey(_ context.Context, regID int64, key *jose.JSONWebKey) (core.Registration, error) {
	sa.Lock()
	defer sa.Unlock()

	existing, ok := sa.regs[regID]
	if !ok || existing.Status != core.StatusValid {
		return core.Registration{}, berrors.NotFoundError("registration with ID '%d' not found or deactivated", regID)
	}

	newDigest, err := core.KeyDigestB64(key.Key)
	if err != nil {
		return core.Registration{}, err
	}
	if otherID, ok := sa.regsByKey[newDigest]; ok && otherID != regID {
		return core.Registration{}, berrors.DuplicateError("key is already in use for a different account")
	}

	oldDigest, err := core.KeyDigestB64(existing.Key.Key)
	if err != nil {
		return core.Registration{}, err
	}
	delete(sa.regsByKey, oldDigest)
	existing.Key = key
	sa.regs[regID] = existing
	sa.regsByKey[newDigest] = regID
	return existing, nil
}

// DeactivateRegistration deactivates a valid registration.
func (sa *StorageAuthority) DeactivateRegistration(_ context.Context, regID int64) error {
	sa.Lock()
	defer sa.Unlock()

	existing, ok := sa.regs[regID]
	if !ok || existing.Status != core.StatusValid {
		return berrors.NotFoundError("registration with ID '%d' not found or already deactivated", regID)
	}
	existing.Status = core.StatusDeactivated
	sa.regs[regID] = existing
	return nil
}

// NewOrderAndAuthzs stores a new order and its new pending authorizations.
func (sa *StorageAuthority) NewOrderAndAuthzs(_ context.Context, order core.Order, newAuthzs []core.Authorization) (core.Order, error) {
	sa.Lock()
	defer sa.Unlock()

	authzIDs := append([]int64{}, order.V2Authorizations...)
	for _, authz := range newAuthzs {
		authz.ID = sa.nextAuthzID
		sa.nextAuthzID++
		sa.authzs[authz.ID] = authz
		authzIDs = append(authzIDs, authz.ID)
	}

	order.ID = sa.nextOrderID
	sa.nextOrderID++
	order.V2Authorizations = authzIDs
	sa.orders[order.ID] = order

	order.Status = sa.statusForOrder(order)
	return order, nil
}

func (sa *StorageAuthority) statusForOrder(order core.Order) core.AcmeStatus {
	now := sa.clk.Now()
	if order.Expires.Before(now) || order.Error != nil {
		return core.StatusInvalid
	}
	if order.CertificateSerial != "" {
		return core.StatusValid
	}
	if order.BeganProcessing {
		return core.StatusProcessing
	}

	allValid := true
	for _, authzID := range order.V2Authorizations {
		authz, ok := sa.authzs[authzID]
		if !ok || authz.Expires.Before(now) {
			return core.StatusInvalid
		}
		switch authz.Status {
		case core.StatusValid:
		case core.StatusPending:
			allValid = false
		default:
			return core.StatusInvalid
		}
	}
	if allValid {
		return core.StatusReady
	}
	return core.StatusPending
}

// GetOrder returns the order with the given ID, with computed status.
func (sa *StorageAuthority) GetOrder(_ context.Context, orderID int64) (core.Order, error) {
	sa.Lock()
	defer sa.Unlock()
	return sa.getOrder(orderID)
}

func (sa *StorageAuthority) getOrder(orderID int64) (core.Order, error) {
	order, ok := sa.orders[orderID]
	if !ok {
		return core.Order{}, berrors.NotFoundError("no order found for ID %d", orderID)
	}
	order.Status = sa.statusForOrder(order)
	return order, nil
}

// GetOrderForNames returns a reusable order for the identifier set, if one
// exists.
func (sa *StorageAuthority) GetOrderForNames(_ context.Context, regID int64, idents []identifier.ACMEIdentifier) (core.Order, error) {
	sa.Lock()
	defer sa.Unlock()

	for _, order := range sa.orders {
		if order.RegistrationID != regID {
			continue
		}
		if !identifier.Match(order.Identifiers, idents) {
			continue
		}
		order.Status = sa.statusForOrder(order)
		if order.Status == core.StatusPending || order.Status == core.StatusReady {
			return order, nil
		}
	}
	return core.Order{}, berrors.NotFoundError("no order matching request found")
}

// GetOrdersForAccount returns all unexpired orders belonging to the account.
func (sa *StorageAuthority) GetOrdersForAccount(_ context.Context, regID int64) ([]core.Order, error) {
	sa.Lock()
	defer sa.Unlock()

	var out []core.Order
	for _, order := range sa.orders {
		if order.RegistrationID != regID || order.Expires.Before(sa.clk.Now()) {
			continue
		}
		order.Status = sa.statusForOrder(order)
		out = append(out, order)
	}
	return out, nil
}

// CountPendingOrders counts the account's orders created in the window.
func (sa *StorageAuthority) CountPendingOrders(_ context.Context, regID int64, since time.Time) (int, error) {
	sa.Lock()
	defer sa.Unlock()

	count := 0
	for _, order := range sa.orders {
		if order.RegistrationID == regID && order.Created.After(since) {
			count++
		}
	}
	return count, nil
}

// SetOrderProcessing claims the order for finalization.
func (sa *StorageAuthority) SetOrderProcessing(_ context.Context, orderID int64) error {
	sa.Lock()
	defer sa.Unlock()

	order, ok := sa.orders[orderID]
	if !ok || order.BeganProcessing {
		return berrors.OrderNotReadyError("order %d is already being processed", orderID)
	}
	order.BeganProcessing = true
	sa.orders[orderID] = order
	return nil
}

// SetOrderError attaches a problem document to an order.
func (sa *StorageAuthority) SetOrderError(_ context.Context, orderID int64, prob error) error {
	sa.Lock()
	defer sa.Unlock()

	order, ok := sa.orders[orderID]
	if !ok {
		return berrors.NotFoundError("no order found for ID %d", orderID)
	}
	probDoc, ok := prob.(*probs.ProblemDetails)
	if !ok {
		probDoc = probs.ServerInternal("error finalizing order")
	}
	order.Error = probDoc
	sa.orders[orderID] = order
	return nil
}

// FinalizeOrder records the issued certificate serial on the order.
func (sa *StorageAuthority) FinalizeOrder(_ context.Context, orderID int64, certSerial string) error {
	sa.Lock()
	defer sa.Unlock()

	order, ok := sa.orders[orderID]
	if !ok || !order.BeganProcessing || order.CertificateSerial != "" {
		return berrors.OrderNotReadyError("order %d cannot be finalized in its current state", orderID)
	}
	order.CertificateSerial = certSerial
	sa.orders[orderID] = order
	return nil
}

// GetAuthorization returns the authorization with the given ID, applying
// lazy expiry.
func (sa *StorageAuthority) GetAuthorization(_ context.Context, authzID int64) (core.Authorization, error) {
	sa.Lock()
	defer sa.Unlock()

	authz, ok := sa.authzs[authzID]
	if !ok {
		return core.Authorization{}, berrors.NotFoundError("no authorization found for ID %d", authzID)
	}
	if authz.Status == core.StatusPending && authz.Expires.Before(sa.clk.Now()) {
		authz.Status = core.StatusExpired
	}
	return authz, nil
}

// GetValidAuthorizations returns the account's valid authorizations for the
// given identifiers.
func (sa *StorageAuthority) GetValidAuthorizations(_ context.Context, regID int64, idents []identifier.ACMEIdentifier, now time.Time) (map[identifier.ACMEIdentifier]core.Authorization, error) {
	sa.Lock()
	defer sa.Unlock()

	byIdent := make(map[identifier.ACMEIdentifier]core.Authorization)
	for _, authz := range sa.authzs {
		if authz.RegistrationID != regID || authz.Status != core.StatusValid || !authz.Expires.After(now) {
			continue
		}
		for _, ident := range idents {
			if authz.Identifier == ident {
				existing, ok := byIdent[ident]
				if !ok || authz.Expires.After(*existing.Expires) {
					byIdent[ident] = authz
				}
			}
		}
	}
	return byIdent, nil
}

// FinalizeAuthorization records a validation result against a pending
// authorization. The first valid result wins. A failed attempt below
// maxAttempts leaves the challenge pending for resubmission; the
// authorization turns invalid only when every challenge is exhausted.
func (sa *StorageAuthority) FinalizeAuthorization(_ context.Context, authzID int64, challType core.AcmeChallenge, status core.AcmeStatus, validated time.Time, records []core.ValidationRecord, valProb *probs.ProblemDetails, maxAttempts int) error {
	sa.Lock()
	defer sa.Unlock()

	authz, ok := sa.authzs[authzID]
	if !ok {
		return berrors.NotFoundError("no authorization found for ID %d", authzID)
	}
	if authz.Status != core.StatusPending {
		return berrors.WrongAuthorizationStateError("authorization %d is %s, not pending", authzID, authz.Status)
	}
	if authz.Expires.Before(sa.clk.Now()) {
		return berrors.WrongAuthorizationStateError("authorization %d has expired", authzID)
	}

	chalIndex := authz.FindChallengeByType(challType)
	if chalIndex == -1 {
		return berrors.InternalServerError("authorization %d has no %s challenge", authzID, challType)
	}

	chal := authz.Challenges[chalIndex]
	chal.ValidationRecord = records
	if status == core.StatusValid {
		chal.Status = status
		chal.Error = nil
		vt := validated
		chal.Validated = &vt
		authz.Challenges = []core.Challenge{chal}
		authz.Status = status
	} else {
		chal.Attempts++
		chal.Error = valProb
		if chal.Attempts >= maxAttempts {
			chal.Status = core.StatusInvalid
		}
		challenges := make([]core.Challenge, len(authz.Challenges))
		copy(challenges, authz.Challenges)
		challenges[chalIndex] = chal
		authz.Challenges = challenges
		allInvalid := true
		for _, c := range challenges {
			if c.Status != core.StatusInvalid {
				allInvalid = false
				break
			}
		}
		if allInvalid {
			authz.Status = core.StatusInvalid
		}
	}
	sa.authzs[authzID] = authz
	return nil
}

// DeactivateAuthorization deactivates a pending or valid authorization.
func (sa *StorageAuthority) DeactivateAuthorization(_ context.Context, authzID int64) error {
	sa.Lock()
	defer sa.Unlock()

	authz, ok := sa.authzs[authzID]
	if !ok || (authz.Status != core.StatusPending && authz.Status != core.StatusValid) {
		return berrors.WrongAuthorizationStateError("authorization %d is not pending or valid", authzID)
	}
	authz.Status = core.StatusDeactivated
	sa.authzs[authzID] = authz
	return nil
}

// AddCertificate stores an issued certificate.
func (sa *StorageAuthority) AddCertificate(_ context.Context, certDER []byte, regID int64) (core.Certificate, error) {
	sa.Lock()
	defer sa.Unlock()

	parsed, err := x509.ParseCertificate(certDER)
	if err != nil {
		return core.Certificate{}, err
	}
	serial := core.SerialToString(parsed.SerialNumber)
	if _, ok := sa.certs[serial]; ok {
		return core.Certificate{}, berrors.DuplicateError("cannot add a duplicate cert for serial %q", serial)
	}

	cert := core.Certificate{
		ID:             sa.nextCertID,
		RegistrationID: regID,
		Serial:         serial,
		Digest:         core.Fingerprint256(certDER),
		DER:            certDER,
		Issued:         sa.clk.Now(),
		Expires:        parsed.NotAfter,
	}
	sa.nextCertID++
	sa.certs[serial] = cert
	return cert, nil
}

// GetCertificate returns the certificate with the given serial.
func (sa *StorageAuthority) GetCertificate(_ context.Context, serial string) (core.Certificate, error) {
	sa.Lock()
	defer sa.Unlock()

	cert, ok := sa.certs[serial]
	if !ok {
		return core.Certificate{}, berrors.NotFoundError("certificate with serial %q not found", serial)
	}
	return cert, nil
}

// RevokeCertificate marks a certificate revoked.
func (sa *StorageAuthority) RevokeCertificate(_ context.Context, serial string, reasonCode int64, revokedAt time.Time) error {
	sa.Lock()
	defer sa.Unlock()

	if _, ok := sa.certs[serial]; !ok || sa.revoked[serial] {
		return berrors.DuplicateError("certificate with serial %q is unknown or already revoked", serial)
	}
	sa.revoked[serial] = true
	return nil
}

// IsRevoked reports whether a serial has been revoked. Test helper.
func (sa *StorageAuthority) IsRevoked(serial string) bool {
	sa.Lock()
	defer sa.Unlock()
	return sa.revoked[serial]
}

// NewMirror stores an upstream mirror record for an order.
func (sa *StorageAuthority) NewMirror(_ context.Context, mirror core.UpstreamMirror) (core.UpstreamMirror, error) {
	sa.Lock()
	defer sa.Unlock()

	if _, ok := sa.mirrorByOrdr[mirror.OrderID]; ok {
		return core.UpstreamMirror{}, berrors.DuplicateError("order %d already has an upstream mirror", mirror.OrderID)
	}
	mirror.ID = sa.nextMirrorID
	sa.nextMirrorID++
	sa.mirrors[mirror.ID] = mirror
	sa.mirrorByOrdr[mirror.OrderID] = mirror.ID
	return mirror, nil
}

// GetMirror returns the mirror record for an order.
func (sa *StorageAuthority) GetMirror(_ context.Context, orderID int64) (core.UpstreamMirror, error) {
	sa.Lock()
	defer sa.Unlock()

	mirrorID, ok := sa.mirrorByOrdr[orderID]
	if !ok {
		return core.UpstreamMirror{}, berrors.NotFoundError("no upstream mirror for order %d", orderID)
	}
	return sa.mirrors[mirrorID], nil
}

// UpdateMirror stores updated upstream state for a mirror.
func (sa *StorageAuthority) UpdateMirror(_ context.Context, mirror core.UpstreamMirror) error {
	sa.Lock()
	defer sa.Unlock()

	if _, ok := sa.mirrors[mirror.ID]; !ok {
		return berrors.NotFoundError("no upstream mirror with ID %d", mirror.ID)
	}
	sa.mirrors[mirror.ID] = mirror
	return nil
}

// LeaseMirrors claims mirrors with lapsed leases, up to limit.
func (sa *StorageAuthority) LeaseMirrors(_ context.Context, holder string, until time.Time, limit int) ([]core.UpstreamMirror, error) {
	sa.Lock()
	defer sa.Unlock()

	now := sa.clk.Now()
	var leased []core.UpstreamMirror
	for id, mirror := range sa.mirrors {
		if len(leased) >= limit {
			break
		}
		if mirror.LeaseUntil.After(now) {
			continue
		}
		if mirror.UpstreamStatus == core.StatusValid || mirror.UpstreamStatus == core.StatusInvalid {
			continue
		}
		mirror.LeaseUntil = until
		mirror.LeaseHolder = holder
		sa.mirrors[id] = mirror
		leased = append(leased, mirror)
	}
	return leased, nil
}
