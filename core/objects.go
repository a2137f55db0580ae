package core

import (
	"crypto"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/acmetk/acme-broker/identifier"
	"github.com/acmetk/acme-broker/probs"
)

// AcmeStatus defines the state of a given authorization
type AcmeStatus string

// These statuses are the states of authorizations, challenges, and orders,
// per RFC 8555 section 7.1.6.
const (
	StatusUnknown     = AcmeStatus("unknown")     // Unknown status; the default
	StatusPending     = AcmeStatus("pending")     // In process; client has next action
	StatusReady       = AcmeStatus("ready")       // Order is ready for finalization
	StatusProcessing  = AcmeStatus("processing")  // In process; server has next action
	StatusValid       = AcmeStatus("valid")       // Object is valid
	StatusInvalid     = AcmeStatus("invalid")     // Validation failed
	StatusRevoked     = AcmeStatus("revoked")     // Object no longer valid
	StatusDeactivated = AcmeStatus("deactivated") // Object deactivated by account holder
	StatusExpired     = AcmeStatus("expired")     // Object expired before completion
)

// AcmeChallenge values are the types of challenges
type AcmeChallenge string

// These types are the available challenges
const (
	ChallengeTypeHTTP01 = AcmeChallenge("http-01")
	ChallengeTypeDNS01  = AcmeChallenge("dns-01")
)

// IsValid tests whether the challenge is a known challenge
func (c AcmeChallenge) IsValid() bool {
	switch c {
	case ChallengeTypeHTTP01, ChallengeTypeDNS01:
		return true
	default:
		return false
	}
}

// Registration objects represent non-public metadata attached
// to account keys.
type Registration struct {
	// Unique identifier
	ID int64

	// Account key to which the details are attached
	Key *jose.JSONWebKey

	// Contact URIs
	Contact []string

	// Agreement with terms of service
	Agreement string

	CreatedAt time.Time

	Status AcmeStatus
}

// ValidationRecord represents a validation attempt against a specific URL/hostname
// and the IP addresses that were resolved and used
type ValidationRecord struct {
	// SimpleHTTP only
	URL string `json:"url,omitempty"`

	// Shared
	Hostname          string   `json:"hostname,omitempty"`
	Port              string   `json:"port,omitempty"`
	AddressesResolved []string `json:"addressesResolved,omitempty"`
	AddressUsed       string   `json:"addressUsed,omitempty"`
}

// Challenge is an aggregate of all data needed for any challenges.
//
// Rather than define individual types for different types of
// challenge, we just throw all the elements into one bucket,
// together with the common metadata elements.
type Challenge struct {
	// Type is the type of challenge encoded in this object.
	Type AcmeChallenge `json:"type"`

	// URL is the URL to which a response can be posted. Required for all types.
	URL string `json:"url,omitempty"`

	// Status is the status of this challenge. Required for all types.
	Status AcmeStatus `json:"status,omitempty"`

	// Validated is the time at which the server validated the challenge.
	// Required if status is valid.
	Validated *time.Time `json:"validated,omitempty"`

	// Error contains the error that occurred during challenge validation, if any.
	// If set, the Status must be "invalid".
	Error *probs.ProblemDetails `json:"error,omitempty"`

	// Token is a random value that uniquely identifies the challenge. It is used
	// by all current challenges (http-01 and dns-01).
	Token string `json:"token,omitempty"`

	// ValidationRecord is the record of the validation attempts made against
	// this challenge. It is not part of the RFC 8555 challenge object.
	ValidationRecord []ValidationRecord `json:"validationRecord,omitempty"`

	// Attempts counts the failed validation attempts recorded against this
	// challenge. It is not part of the RFC 8555 challenge object and is
	// stripped before the challenge is shown to a client.
	Attempts int `json:"attempts,omitempty"`
}

// ExpectedKeyAuthorization computes the expected KeyAuthorization value for
// the challenge.
func (ch Challenge) ExpectedKeyAuthorization(key *jose.JSONWebKey) (string, error) {
	if key == nil {
		return "", fmt.Errorf("cannot authorize a nil key")
	}

	thumbprint, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}

	return ch.Token + "." + base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// RecordsSane checks the sanity of a ValidationRecord object before sending it
// back to the RA to be stored.
func (ch Challenge) RecordsSane() bool {
	if len(ch.ValidationRecord) == 0 {
		return false
	}

	switch ch.Type {
	case ChallengeTypeHTTP01:
		for _, rec := range ch.ValidationRecord {
			if rec.URL == "" || rec.Hostname == "" || rec.Port == "" || rec.AddressUsed == "" ||
				len(rec.AddressesResolved) == 0 {
				return false
			}
		}
	case ChallengeTypeDNS01:
		if len(ch.ValidationRecord) > 1 {
			return false
		}
		if ch.ValidationRecord[0].Hostname == "" {
			return false
		}
		return true
	default:
		return false
	}
	return true
}

// StringID is used to generate a ID for challenges associated with new style
// authorizations. This is necessary because these challenges no longer have a
// unique non-sequential identifier in the new storage scheme.
func (ch Challenge) StringID() string {
	return string(ch.Type)
}

// Authorization represents the authorization of an account key holder to act
// on behalf of an identifier.
type Authorization struct {
	// An identifier for this authorization, unique across
	// authorizations and certificates within this instance.
	ID int64 `json:"-"`

	// The identifier for which authorization is being given
	Identifier identifier.ACMEIdentifier `json:"identifier,omitempty"`

	// The registration ID associated with the authorization
	RegistrationID int64 `json:"-"`

	// The status of the validation of this authorization
	Status AcmeStatus `json:"status,omitempty"`

	// The date after which this authorization will be no
	// longer be considered valid
	Expires *time.Time `json:"expires,omitempty"`

	// An array of challenges objects used to validate the identifier. The
	// challenge with a matching type carries the result of a validation
	// attempt; its siblings are retired when one of them reaches a final
	// state.
	Challenges []Challenge `json:"challenges,omitempty"`
}

// FindChallengeByType will look for a challenge of the given type inside the
// authorization. If found, it returns the index of the challenge. Otherwise
// it returns -1.
func (authz *Authorization) FindChallengeByType(chType AcmeChallenge) int {
	for i, c := range authz.Challenges {
		if c.Type == chType {
			return i
		}
	}
	return -1
}

// SolvedBy returns the type of the challenge that was marked as valid, if any.
func (authz *Authorization) SolvedBy() (AcmeChallenge, error) {
	if len(authz.Challenges) == 0 {
		return "", fmt.Errorf("authorization has no challenges")
	}
	for _, chall := range authz.Challenges {
		if chall.Status == StatusValid {
			return chall.Type, nil
		}
	}
	return "", fmt.Errorf("authorization not solved by any challenge")
}

// Order represents a client's request for a certificate covering a set of
// identifiers, and tracks its progress through the issuance pipeline.
type Order struct {
	ID             int64
	RegistrationID int64
	Status         AcmeStatus
	Created        time.Time
	Expires        time.Time

	// Identifiers is the normalized identifier set the order covers.
	Identifiers []identifier.ACMEIdentifier

	// V2Authorizations are the IDs of the authorizations tied to this order.
	V2Authorizations []int64

	// Error is set when the order moves to status invalid.
	Error *probs.ProblemDetails

	// CertificateSerial is set once a certificate has been issued for the
	// order.
	CertificateSerial string

	// BeganProcessing is set when finalization starts, so a second finalize
	// request cannot race the first.
	BeganProcessing bool
}

// Certificate objects are entirely internal to the server. The only
// thing exposed on the wire is the certificate itself.
type Certificate struct {
	ID             int64
	RegistrationID int64

	Serial string
	Digest string
	DER    []byte
	Issued time.Time
	Expires time.Time
}

// UpstreamMirror tracks the pairing between a local order and the order the
// broker opened at an upstream CA on its behalf. Pollers take a time-bounded
// lease on a mirror before driving it forward, so concurrent replicas do not
// duplicate upstream traffic.
type UpstreamMirror struct {
	ID      int64
	OrderID int64

	// UpstreamURL is the URL of the order resource at the upstream CA.
	UpstreamURL string

	// UpstreamStatus is the last observed status of the upstream order.
	UpstreamStatus AcmeStatus

	// CertificateURL is the upstream certificate URL, once issuance there
	// has completed.
	CertificateURL string

	// LeaseUntil and LeaseHolder implement the polling lease. A mirror with
	// LeaseUntil in the past is free for any poller to claim.
	LeaseUntil  time.Time
	LeaseHolder string

	PollAttempts int64
	LastPolled   time.Time
}
