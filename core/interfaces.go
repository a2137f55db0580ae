package core

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/acmetk/acme-broker/identifier"
	"github.com/acmetk/acme-broker/probs"
)

// NewOrderRequest carries everything needed to open a new order for an
// account.
type NewOrderRequest struct {
	RegistrationID int64
	Identifiers    []identifier.ACMEIdentifier
}

// A RegistrationAuthority brokers the ACME business logic: it owns every
// state transition that the web front end merely exposes.
type RegistrationAuthority interface {
	// [WebFrontEnd]
	NewRegistration(ctx context.Context, reg Registration) (Registration, error)

	// [WebFrontEnd]
	UpdateRegistration(ctx context.Context, base Registration, updates Registration) (Registration, error)

	// [WebFrontEnd]
	UpdateRegistrationKey(ctx context.Context, reg Registration, newKey *jose.JSONWebKey) (Registration, error)

	// [WebFrontEnd]
	DeactivateRegistration(ctx context.Context, reg Registration) (Registration, error)

	// [WebFrontEnd]
	NewOrder(ctx context.Context, req NewOrderRequest) (Order, error)

	// [WebFrontEnd]
	FinalizeOrder(ctx context.Context, order Order, csr *x509.CertificateRequest) (Order, error)

	// [WebFrontEnd]
	PerformValidation(ctx context.Context, authz Authorization, challengeType AcmeChallenge, accountKey *jose.JSONWebKey) (Authorization, error)

	// [WebFrontEnd]
	DeactivateAuthorization(ctx context.Context, authz Authorization) (Authorization, error)

	// [WebFrontEnd]
	RevokeCertificate(ctx context.Context, cert *x509.Certificate, reason int64, regID int64) error
}

// A ValidationAuthority performs validations of pending challenges.
type ValidationAuthority interface {
	// PerformValidation checks the challenge response at the location the
	// challenge type dictates. The returned records describe what was
	// contacted; a non-nil error means the validation failed.
	PerformValidation(ctx context.Context, ident identifier.ACMEIdentifier, challenge Challenge, expectedKeyAuthorization string) ([]ValidationRecord, error)
}

// A CertificateAuthority issues certificates for finalized orders. The
// implementation may sign locally or relay the order to an upstream CA.
type CertificateAuthority interface {
	IssueCertificate(ctx context.Context, csr *x509.CertificateRequest, order Order) (Certificate, error)
}

// A PolicyAuthority decides which identifiers the broker will take orders
// for, and which challenge types apply to an identifier.
type PolicyAuthority interface {
	WillingToIssue(idents []identifier.ACMEIdentifier) error
	ChallengeTypesFor(ident identifier.ACMEIdentifier) ([]AcmeChallenge, error)
}

// StorageGetter is the read-only part of the storage authority.
type StorageGetter interface {
	GetRegistration(ctx context.Context, regID int64) (Registration, error)
	GetRegistrationByKey(ctx context.Context, key *jose.JSONWebKey) (Registration, error)
	GetOrder(ctx context.Context, orderID int64) (Order, error)
	GetOrderForNames(ctx context.Context, regID int64, idents []identifier.ACMEIdentifier) (Order, error)
	GetOrdersForAccount(ctx context.Context, regID int64) ([]Order, error)
	CountPendingOrders(ctx context.Context, regID int64, since time.Time) (int, error)
	GetAuthorization(ctx context.Context, authzID int64) (Authorization, error)
	GetValidAuthorizations(ctx context.Context, regID int64, idents []identifier.ACMEIdentifier, now time.Time) (map[identifier.ACMEIdentifier]Authorization, error)
	GetCertificate(ctx context.Context, serial string) (Certificate, error)
	GetMirror(ctx context.Context, orderID int64) (UpstreamMirror, error)
}

// StorageAdder are the mutating parts of the storage authority. Every method
// that encodes a state transition enforces its precondition atomically and
// returns a WrongAuthorizationState or OrderNotReady error when a concurrent
// writer got there first.
type StorageAdder interface {
	NewRegistration(ctx context.Context, reg Registration) (Registration, error)
	UpdateRegistration(ctx context.Context, reg Registration) error
	UpdateRegistrationKey(ctx context.Context, regID int64, key *jose.JSONWebKey) (Registration, error)
	DeactivateRegistration(ctx context.Context, regID int64) error

	NewOrderAndAuthzs(ctx context.Context, order Order, authzs []Authorization) (Order, error)
	SetOrderProcessing(ctx context.Context, orderID int64) error
	SetOrderError(ctx context.Context, orderID int64, prob error) error
	FinalizeOrder(ctx context.Context, orderID int64, certSerial string) error

	// FinalizeAuthorization records the outcome of a validation attempt. The
	// first valid result wins; later attempts fail with
	// WrongAuthorizationState. A failed attempt below maxAttempts leaves the
	// challenge pending for resubmission, and the authorization only turns
	// invalid once every challenge has exhausted its attempts.
	FinalizeAuthorization(ctx context.Context, authzID int64, challType AcmeChallenge, status AcmeStatus, validated time.Time, records []ValidationRecord, valProb *probs.ProblemDetails, maxAttempts int) error
	DeactivateAuthorization(ctx context.Context, authzID int64) error

	AddCertificate(ctx context.Context, der []byte, regID int64) (Certificate, error)
	RevokeCertificate(ctx context.Context, serial string, reasonCode int64, revokedAt time.Time) error

	NewMirror(ctx context.Context, mirror UpstreamMirror) (UpstreamMirror, error)
	UpdateMirror(ctx context.Context, mirror UpstreamMirror) error
	// LeaseMirrors claims up to limit mirrors whose leases have lapsed,
	// extending each lease for the holder. Only the holder may update a
	// leased mirror until its lease expires.
	LeaseMirrors(ctx context.Context, holder string, until time.Time, limit int) ([]UpstreamMirror, error)
}

// StorageAuthority interface represents a simple key/value
// store. It is divided into StorageGetter and StorageAdder
// interfaces for privilege separation.
type StorageAuthority interface {
	StorageGetter
	StorageAdder
}
