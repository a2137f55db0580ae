package sa

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/acmetk/acme-broker/core"
	"github.com/acmetk/acme-broker/identifier"
	"github.com/acmetk/acme-broker/probs"
)

var mediumBlobSize = int(math.Pow(2, 24))

// regModel is the description of a core.Registration in the database.
type regModel struct {
	ID        int64     `db:"id"`
	Key       []byte    `db:"jwk"`
	KeySHA256 string    `db:"jwk_sha256"`
	Contact   []string  `db:"contact"`
	Agreement string    `db:"agreement"`
	CreatedAt time.Time `db:"createdAt"`
	Status    string    `db:"status"`
}

// registrationToModel creates a reg model object from a core.Registration
func registrationToModel(r *core.Registration) (*regModel, error) {
	key, err := json.Marshal(r.Key)
	if err != nil {
		return nil, err
	}

	sha, err := core.KeyDigestB64(r.Key)
	if err != nil {
		return nil, err
	}

	contact := r.Contact
	if contact == nil {
		contact = []string{}
	}

	return &regModel{
		ID:        r.ID,
		Key:       key,
		KeySHA256: sha,
		Contact:   contact,
		Agreement: r.Agreement,
		CreatedAt: r.CreatedAt,
		Status:    string(r.Status),
	}, nil
}

func modelToRegistration(rm *regModel) (core.Registration, error) {
	k := &jose.JSONWebKey{}
	err := json.Unmarshal(rm.Key, k)
	if err != nil {
		return core.Registration{}, badJSONError("unable to unmarshal JSONWebKey", rm.Key, err)
	}
	return core.Registration{
		ID:        rm.ID,
		Key:       k,
		Contact:   rm.Contact,
		Agreement: rm.Agreement,
		CreatedAt: rm.CreatedAt,
		Status:    core.AcmeStatus(rm.Status),
	}, nil
}

// orderModel is the description of a core.Order in the database. The
// authorization IDs live in the orderToAuthz join table. There is no
// status column: order status is derived on read from the error,
// certificateSerial, and beganProcessing columns plus the statuses of the
// order's authorizations.
type orderModel struct {
	ID                int64     `db:"id"`
	RegistrationID    int64     `db:"registrationID"`
	Created           time.Time `db:"created"`
	Expires           time.Time `db:"expires"`
	Identifiers       string    `db:"identifiers"`
	Error             []byte    `db:"error"`
	CertificateSerial string    `db:"certificateSerial"`
	BeganProcessing   bool      `db:"beganProcessing"`
}

type orderToAuthzModel struct {
	OrderID int64 `db:"orderID"`
	AuthzID int64 `db:"authzID"`
}

// identifiersJSON produces the canonical serialization of a normalized
// identifier list. Order rows store this string, so identifier-set equality
// can be checked with a plain string comparison in SQL.
func identifiersJSON(idents []identifier.ACMEIdentifier) (string, error) {
	jsonBytes, err := json.Marshal(idents)
	if err != nil {
		return "", err
	}
	return string(jsonBytes), nil
}

func orderToModel(order *core.Order) (*orderModel, error) {
	identJSON, err := identifiersJSON(order.Identifiers)
	if err != nil {
		return nil, err
	}

	om := &orderModel{
		ID:                order.ID,
		RegistrationID:    order.RegistrationID,
		Created:           order.Created,
		Expires:           order.Expires,
		Identifiers:       identJSON,
		CertificateSerial: order.CertificateSerial,
		BeganProcessing:   order.BeganProcessing,
	}

	if order.Error != nil {
		errJSON, err := json.Marshal(order.Error)
		if err != nil {
			return nil, err
		}
		if len(errJSON) > mediumBlobSize {
			return nil, fmt.Errorf("problem document is too large to store in the database")
		}
		om.Error = errJSON
	}
	return om, nil
}

func modelToOrder(om *orderModel) (core.Order, error) {
	var idents []identifier.ACMEIdentifier
	err := json.Unmarshal([]byte(om.Identifiers), &idents)
	if err != nil {
		return core.Order{}, badJSONError("unable to unmarshal order identifiers", []byte(om.Identifiers), err)
	}

	order := core.Order{
		ID:                om.ID,
		RegistrationID:    om.RegistrationID,
		Created:           om.Created,
		Expires:           om.Expires,
		Identifiers:       idents,
		CertificateSerial: om.CertificateSerial,
		BeganProcessing:   om.BeganProcessing,
	}

	if len(om.Error) > 0 {
		var problem probs.ProblemDetails
		err = json.Unmarshal(om.Error, &problem)
		if err != nil {
			return core.Order{}, badJSONError("unable to unmarshal order error", om.Error, err)
		}
		order.Error = &problem
	}
	return order, nil
}

// authzModel is the description of a core.Authorization in the database.
// Challenges are stored as a JSON list in the row; they have no life cycle
// independent of their authorization.
type authzModel struct {
	ID              int64            `db:"id"`
	IdentifierType  string           `db:"identifierType"`
	IdentifierValue string           `db:"identifierValue"`
	RegistrationID  int64            `db:"registrationID"`
	Status          string           `db:"status"`
	Expires         time.Time        `db:"expires"`
	Challenges      []core.Challenge `db:"challenges"`
}

func authzToModel(authz *core.Authorization) (*authzModel, error) {
	if authz.Expires == nil {
		return nil, fmt.Errorf("authorization has no expiry")
	}
	return &authzModel{
		ID:              authz.ID,
		IdentifierType:  string(authz.Identifier.Type),
		IdentifierValue: authz.Identifier.Value,
		RegistrationID:  authz.RegistrationID,
		Status:          string(authz.Status),
		Expires:         *authz.Expires,
		Challenges:      authz.Challenges,
	}, nil
}

func modelToAuthz(am *authzModel) core.Authorization {
	expires := am.Expires
	return core.Authorization{
		ID: am.ID,
		Identifier: identifier.ACMEIdentifier{
			Type:  identifier.IdentifierType(am.IdentifierType),
			Value: am.IdentifierValue,
		},
		RegistrationID: am.RegistrationID,
		Status:         core.AcmeStatus(am.Status),
		Expires:        &expires,
		Challenges:     am.Challenges,
	}
}

// certificateModel is the description of a core.Certificate in the database.
type certificateModel struct {
	ID             int64     `db:"id"`
	RegistrationID int64     `db:"registrationID"`
	Serial         string    `db:"serial"`
	Digest         string    `db:"digest"`
	DER            []byte    `db:"der"`
	Issued         time.Time `db:"issued"`
	Expires        time.Time `db:"expires"`
}

// certificateStatusModel tracks revocation state separately from the
// certificate body.
type certificateStatusModel struct {
	Serial        string    `db:"serial"`
	Revoked       bool      `db:"revoked"`
	RevokedReason int64     `db:"revokedReason"`
	RevokedDate   time.Time `db:"revokedDate"`
}

func modelToCertificate(cm *certificateModel) core.Certificate {
	return core.Certificate{
		ID:             cm.ID,
		RegistrationID: cm.RegistrationID,
		Serial:         cm.Serial,
		Digest:         cm.Digest,
		DER:            cm.DER,
		Issued:         cm.Issued,
		Expires:        cm.Expires,
	}
}

// upstreamMirrorModel is the description of a core.UpstreamMirror in the
// database.
type upstreamMirrorModel struct {
	ID             int64     `db:"id"`
	OrderID        int64     `db:"orderID"`
	UpstreamURL    string    `db:"upstreamURL"`
	UpstreamStatus string    `db:"upstreamStatus"`
	CertificateURL string    `db:"certificateURL"`
	LeaseUntil     time.Time `db:"leaseUntil"`
	LeaseHolder    string    `db:"leaseHolder"`
	PollAttempts   int64     `db:"pollAttempts"`
	LastPolled     time.Time `db:"lastPolled"`
}

func mirrorToModel(m *core.UpstreamMirror) *upstreamMirrorModel {
	return &upstreamMirrorModel{
		ID:             m.ID,
		OrderID:        m.OrderID,
		UpstreamURL:    m.UpstreamURL,
		UpstreamStatus: string(m.UpstreamStatus),
		CertificateURL: m.CertificateURL,
		LeaseUntil:     m.LeaseUntil,
		LeaseHolder:    m.LeaseHolder,
		PollAttempts:   m.PollAttempts,
		LastPolled:     m.LastPolled,
	}
}

func modelToMirror(mm *upstreamMirrorModel) core.UpstreamMirror {
	return core.UpstreamMirror{
		ID:             mm.ID,
		OrderID:        mm.OrderID,
		UpstreamURL:    mm.UpstreamURL,
		UpstreamStatus: core.AcmeStatus(mm.UpstreamStatus),
		CertificateURL: mm.CertificateURL,
		LeaseUntil:     mm.LeaseUntil,
		LeaseHolder:    mm.LeaseHolder,
		PollAttempts:   mm.PollAttempts,
		LastPolled:     mm.LastPolled,
	}
}
