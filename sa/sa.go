// Package sa implements the transactional object store backing the broker:
// registrations, orders, authorizations, certificates, and the upstream
// mirror records used by the relay pollers. All state transitions are
// enforced in SQL so that concurrent writers cannot move an object through
// an illegal transition.
package sa

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/jmhodges/clock"

	"github.com/acmetk/acme-broker/core"
	"github.com/acmetk/acme-broker/db"
	berrors "github.com/acmetk/acme-broker/errors"
	"github.com/acmetk/acme-broker/identifier"
	blog "github.com/acmetk/acme-broker/log"
	"github.com/acmetk/acme-broker/probs"
)

// SQLStorageAuthority defines a Storage Authority backed by a MariaDB
// compatible database.
type SQLStorageAuthority struct {
	dbMap *db.WrappedMap
	clk   clock.Clock
	log   blog.Logger
}

var _ core.StorageAuthority = &SQLStorageAuthority{}

// NewSQLStorageAuthority provides persistence using a SQL backend for
// the broker. It will modify the given borp DbMap by adding relevant tables.
func NewSQLStorageAuthority(dbMap *db.WrappedMap, clk clock.Clock, logger blog.Logger) (*SQLStorageAuthority, error) {
	ssa := &SQLStorageAuthority{
		dbMap: dbMap,
		clk:   clk,
		log:   logger,
	}
	return ssa, nil
}

// NewRegistration stores a new registration. The jwk_sha256 unique index
// rejects a second registration for the same key.
func (ssa *SQLStorageAuthority) NewRegistration(ctx context.Context, reg core.Registration) (core.Registration, error) {
	if reg.Key == nil {
		return core.Registration{}, berrors.InternalServerError("new registration has no key")
	}

	reg.CreatedAt = ssa.clk.Now()
	reg.Status = core.StatusValid
	rm, err := registrationToModel(&reg)
	if err != nil {
		return core.Registration{}, err
	}

	err = ssa.dbMap.Insert(ctx, rm)
	if err != nil {
		if db.IsDuplicate(err) {
			return core.Registration{}, berrors.DuplicateError("key is already in use for a different account")
		}
		return core.Registration{}, err
	}
	return modelToRegistration(rm)
}

// GetRegistration obtains a Registration by ID
func (ssa *SQLStorageAuthority) GetRegistration(ctx context.Context, regID int64) (core.Registration, error) {
	var rm regModel
	err := ssa.dbMap.SelectOne(ctx, &rm, "SELECT * FROM registrations WHERE id = ?", regID)
	if err != nil {
		if db.IsNoRows(err) {
			return core.Registration{}, berrors.NotFoundError("registration with ID '%d' not found", regID)
		}
		return core.Registration{}, err
	}
	return modelToRegistration(&rm)
}

// GetRegistrationByKey obtains a Registration by JWK
func (ssa *SQLStorageAuthority) GetRegistrationByKey(ctx context.Context, key *jose.JSONWebKey) (core.Registration, error) {
	if key == nil {
		return core.Registration{}, fmt.Errorf("key argument to GetRegistrationByKey must not be nil")
	}
	sha, err := core.KeyDigestB64(key.Key)
	if err != nil {
		return core.Registration{}, err
	}

	var rm regModel
	err = ssa.dbMap.SelectOne(ctx, &rm, "SELECT * FROM registrations WHERE jwk_sha256 = ?", sha)
	if err != nil {
		if db.IsNoRows(err) {
			return core.Registration{}, berrors.NotFoundError("no registrations with public key sha256 %q", sha)
		}
		return core.Registration{}, err
	}
	return modelToRegistration(&rm)
}

// UpdateRegistration stores updates to the contact list and agreement of an
// existing registration.
func (ssa *SQLStorageAuthority) UpdateRegistration(ctx context.Context, reg core.Registration) error {
	contact := reg.Contact
	if contact == nil {
		contact = []string{}
	}
	result, err := ssa.dbMap.ExecContext(ctx,
		"UPDATE registrations SET contact = ?, agreement = ? WHERE id = ? AND status = ?",
		contact, reg.Agreement, reg.ID, string(core.StatusValid))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return berrors.NotFoundError("registration with ID '%d' not found or not updatable", reg.ID)
	}
	return nil
}

// UpdateRegistrationKey stores an updated key in an existing registration,
// implementing the account key rollover operation.
func (ssa *SQLStorageAuthority) UpdateRegistrationKey(ctx context.Context, regID int64, key *jose.JSONWebKey) (core.Registration, error) {
	keyJSON, err := key.MarshalJSON()
	if err != nil {
		return core.Registration{}, err
	}
	sha, err := core.KeyDigestB64(key.Key)
	if err != nil {
		return core.Registration{}, err
	}

	result, err := ssa.dbMap.ExecContext(ctx,
		"UPDATE registrations SET jwk = ?, jwk_sha256 = ? WHERE id = ? AND status = ?",
		string(keyJSON), sha, regID, string(core.StatusValid))
	if err != nil {
		if db.IsDuplicate(err) {
			// The new key is already in use by a different account.
			return core.Registration{}, berrors.DuplicateError("key is already in use for a different account")
		}
		return core.Registration{}, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return core.Registration{}, err
	}
	if rows == 0 {
		return core.Registration{}, berrors.NotFoundError("registration with ID '%d' not found or deactivated", regID)
	}
	return ssa.GetRegistration(ctx, regID)
}

// DeactivateRegistration deactivates a currently valid registration
func (ssa *SQLStorageAuthority) DeactivateRegistration(ctx context.Context, regID int64) error {
	result, err := ssa.dbMap.ExecContext(ctx,
		"UPDATE registrations SET status = ? WHERE id = ? AND status = ?",
		string(core.StatusDeactivated), regID, string(core.StatusValid))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return berrors.NotFoundError("registration with ID '%d' not found or already deactivated", regID)
	}
	return nil
}

// NewOrderAndAuthzs adds a new order, along with its new pending
// authorizations, in a single transaction. Authorizations the order reuses
// are referenced through the join table without being re-inserted.
func (ssa *SQLStorageAuthority) NewOrderAndAuthzs(ctx context.Context, order core.Order, newAuthzs []core.Authorization) (core.Order, error) {
	output, err := db.WithTransaction(ctx, ssa.dbMap, func(tx db.Executor) (interface{}, error) {
		authzIDs := append([]int64{}, order.V2Authorizations...)
		for _, authz := range newAuthzs {
			am, err := authzToModel(&authz)
			if err != nil {
				return nil, err
			}
			err = tx.Insert(ctx, am)
			if err != nil {
				return nil, err
			}
			authzIDs = append(authzIDs, am.ID)
		}

		om, err := orderToModel(&order)
		if err != nil {
			return nil, err
		}
		err = tx.Insert(ctx, om)
		if err != nil {
			return nil, err
		}

		for _, authzID := range authzIDs {
			err = tx.Insert(ctx, &orderToAuthzModel{OrderID: om.ID, AuthzID: authzID})
			if err != nil {
				return nil, err
			}
		}

		res, err := modelToOrder(om)
		if err != nil {
			return nil, err
		}
		res.V2Authorizations = authzIDs
		return res, nil
	})
	if err != nil {
		return core.Order{}, err
	}

	// A brand new order is usually pending, but one built entirely from
	// reused valid authorizations begins life ready.
	res := output.(core.Order)
	status, err := ssa.statusForOrder(ctx, res)
	if err != nil {
		return core.Order{}, err
	}
	res.Status = status
	return res, nil
}

// GetOrder is used to retrieve an already existing order object. The
// returned order's status is computed from the stored row and the statuses
// of its authorizations.
func (ssa *SQLStorageAuthority) GetOrder(ctx context.Context, orderID int64) (core.Order, error) {
	var om orderModel
	err := ssa.dbMap.SelectOne(ctx, &om, "SELECT * FROM orders WHERE id = ?", orderID)
	if err != nil {
		if db.IsNoRows(err) {
			return core.Order{}, berrors.NotFoundError("no order found for ID %d", orderID)
		}
		return core.Order{}, err
	}

	order, err := modelToOrder(&om)
	if err != nil {
		return core.Order{}, err
	}
	return ssa.hydrateOrder(ctx, order)
}

// hydrateOrder attaches authorization IDs to an order and computes its
// status.
func (ssa *SQLStorageAuthority) hydrateOrder(ctx context.Context, order core.Order) (core.Order, error) {
	var authzIDs []int64
	_, err := ssa.dbMap.Select(ctx, &authzIDs,
		"SELECT authzID FROM orderToAuthz WHERE orderID = ?", order.ID)
	if err != nil {
		return core.Order{}, err
	}
	order.V2Authorizations = authzIDs

	status, err := ssa.statusForOrder(ctx, order)
	if err != nil {
		return core.Order{}, err
	}
	order.Status = status
	return order, nil
}

// statusForOrder derives the RFC 8555 order status from the stored row and
// the statuses of its authorizations. Expiry is handled lazily here: an
// order past its expiry reads as invalid without a write.
func (ssa *SQLStorageAuthority) statusForOrder(ctx context.Context, order core.Order) (core.AcmeStatus, error) {
	now := ssa.clk.Now()
	if order.Expires.Before(now) {
		return core.StatusInvalid, nil
	}
	if order.Error != nil {
		return core.StatusInvalid, nil
	}
	if order.CertificateSerial != "" {
		return core.StatusValid, nil
	}
	if order.BeganProcessing {
		return core.StatusProcessing, nil
	}

	if len(order.V2Authorizations) == 0 {
		return "", berrors.InternalServerError("order %d has no authorizations", order.ID)
	}
	var statuses []string
	query := fmt.Sprintf(
		"SELECT status FROM authz WHERE id IN (%s) AND expires > ?",
		db.QuestionMarks(len(order.V2Authorizations)))
	args := make([]interface{}, 0, len(order.V2Authorizations)+1)
	for _, id := range order.V2Authorizations {
		args = append(args, id)
	}
	args = append(args, now)
	_, err := ssa.dbMap.Select(ctx, &statuses, query, args...)
	if err != nil {
		return "", err
	}

	// An authorization that expired out of the result set counts as
	// abandoned, which makes the order invalid.
	if len(statuses) < len(order.V2Authorizations) {
		return core.StatusInvalid, nil
	}

	allValid := true
	for _, status := range statuses {
		switch core.AcmeStatus(status) {
		case core.StatusInvalid, core.StatusDeactivated, core.StatusRevoked, core.StatusExpired:
			return core.StatusInvalid, nil
		case core.StatusPending:
			allValid = false
		case core.StatusValid:
		default:
			return "", berrors.InternalServerError("order %d has authorization with unknown status %q", order.ID, status)
		}
	}
	if allValid {
		return core.StatusReady, nil
	}
	return core.StatusPending, nil
}

// GetOrderForNames tries to find a usable (pending or ready, unexpired)
// order for the exact normalized identifier set, enabling order reuse.
func (ssa *SQLStorageAuthority) GetOrderForNames(ctx context.Context, regID int64, idents []identifier.ACMEIdentifier) (core.Order, error) {
	identJSON, err := identifiersJSON(idents)
	if err != nil {
		return core.Order{}, err
	}

	var oms []orderModel
	_, err = ssa.dbMap.Select(ctx, &oms,
		`SELECT * FROM orders
		 WHERE registrationID = ? AND identifiers = ? AND expires > ?
		 ORDER BY expires DESC LIMIT 10`,
		regID, identJSON, ssa.clk.Now())
	if err != nil {
		return core.Order{}, err
	}

	for _, om := range oms {
		order, err := modelToOrder(&om)
		if err != nil {
			return core.Order{}, err
		}
		order, err = ssa.hydrateOrder(ctx, order)
		if err != nil {
			return core.Order{}, err
		}
		if order.Status == core.StatusPending || order.Status == core.StatusReady {
			return order, nil
		}
	}
	return core.Order{}, berrors.NotFoundError("no order matching request found")
}

// GetOrdersForAccount returns the account's orders, most recent first.
func (ssa *SQLStorageAuthority) GetOrdersForAccount(ctx context.Context, regID int64) ([]core.Order, error) {
	var oms []orderModel
	_, err := ssa.dbMap.Select(ctx, &oms,
		"SELECT * FROM orders WHERE registrationID = ? AND expires > ? ORDER BY created DESC LIMIT 1000",
		regID, ssa.clk.Now())
	if err != nil {
		return nil, err
	}

	orders := make([]core.Order, 0, len(oms))
	for _, om := range oms {
		order, err := modelToOrder(&om)
		if err != nil {
			return nil, err
		}
		order, err = ssa.hydrateOrder(ctx, order)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// CountPendingOrders counts orders the account created in the window, for
// rate limiting new-order requests.
func (ssa *SQLStorageAuthority) CountPendingOrders(ctx context.Context, regID int64, since time.Time) (int, error) {
	count, err := ssa.dbMap.SelectInt(ctx,
		"SELECT COUNT(*) FROM orders WHERE registrationID = ? AND created > ?",
		regID, since)
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// SetOrderProcessing updates an order from ready to processing, claiming it
// for finalization. Only one concurrent finalize request can win this
// update.
func (ssa *SQLStorageAuthority) SetOrderProcessing(ctx context.Context, orderID int64) error {
	result, err := ssa.dbMap.ExecContext(ctx,
		"UPDATE orders SET beganProcessing = ? WHERE id = ? AND beganProcessing = ?",
		true, orderID, false)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return berrors.OrderNotReadyError("order %d is already being processed", orderID)
	}
	return nil
}

// SetOrderError attaches a problem document to an order, moving it to
// status invalid.
func (ssa *SQLStorageAuthority) SetOrderError(ctx context.Context, orderID int64, prob error) error {
	probDoc, ok := prob.(*probs.ProblemDetails)
	if !ok {
		probDoc = probs.ServerInternal("error finalizing order")
	}
	errJSON, err := json.Marshal(probDoc)
	if err != nil {
		return err
	}
	if len(errJSON) > mediumBlobSize {
		return fmt.Errorf("problem document is too large to store in the database")
	}

	result, err := ssa.dbMap.ExecContext(ctx,
		"UPDATE orders SET error = ? WHERE id = ?", errJSON, orderID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return berrors.NotFoundError("no order found for ID %d", orderID)
	}
	return nil
}

// FinalizeOrder records the serial of the certificate issued for the order,
// moving it to status valid. The order must have begun processing first.
func (ssa *SQLStorageAuthority) FinalizeOrder(ctx context.Context, orderID int64, certSerial string) error {
	result, err := ssa.dbMap.ExecContext(ctx,
		"UPDATE orders SET certificateSerial = ? WHERE id = ? AND beganProcessing = ? AND certificateSerial = ''",
		certSerial, orderID, true)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return berrors.OrderNotReadyError("order %d cannot be finalized in its current state", orderID)
	}
	return nil
}

// GetAuthorization returns an authorization by ID. Expiry is applied
// lazily: a pending authorization past its expiry reads as expired.
func (ssa *SQLStorageAuthority) GetAuthorization(ctx context.Context, authzID int64) (core.Authorization, error) {
	var am authzModel
	err := ssa.dbMap.SelectOne(ctx, &am, "SELECT * FROM authz WHERE id = ?", authzID)
	if err != nil {
		if db.IsNoRows(err) {
			return core.Authorization{}, berrors.NotFoundError("no authorization found for ID %d", authzID)
		}
		return core.Authorization{}, err
	}

	authz := modelToAuthz(&am)
	if authz.Status == core.StatusPending && authz.Expires.Before(ssa.clk.Now()) {
		authz.Status = core.StatusExpired
	}
	return authz, nil
}

// GetValidAuthorizations returns the latest valid, unexpired authorization
// the account holds for each of the given identifiers.
func (ssa *SQLStorageAuthority) GetValidAuthorizations(ctx context.Context, regID int64, idents []identifier.ACMEIdentifier, now time.Time) (map[identifier.ACMEIdentifier]core.Authorization, error) {
	if len(idents) == 0 {
		return map[identifier.ACMEIdentifier]core.Authorization{}, nil
	}

	values := make([]interface{}, 0, len(idents)+3)
	values = append(values, regID, string(core.StatusValid), now)
	for _, ident := range idents {
		values = append(values, ident.Value)
	}

	var ams []authzModel
	query := fmt.Sprintf(
		`SELECT * FROM authz
		 WHERE registrationID = ? AND status = ? AND expires > ?
		 AND identifierValue IN (%s)
		 ORDER BY expires ASC`,
		db.QuestionMarks(len(idents)))
	_, err := ssa.dbMap.Select(ctx, &ams, query, values...)
	if err != nil {
		return nil, err
	}

	byIdent := make(map[identifier.ACMEIdentifier]core.Authorization)
	for _, am := range ams {
		authz := modelToAuthz(&am)
		// Later rows have later expiry, so the longest-lived authorization
		// for each identifier wins.
		byIdent[authz.Identifier] = authz
	}
	return byIdent, nil
}

// FinalizeAuthorization records the result of a validation attempt against
// a pending authorization. The row-level status guard makes the first
// successful validation win; any attempt against a non-pending
// authorization returns WrongAuthorizationState. A failed attempt below
// maxAttempts records the failure and leaves the challenge pending so the
// client can resubmit it; the authorization only turns invalid once every
// challenge has exhausted its attempts.
func (ssa *SQLStorageAuthority) FinalizeAuthorization(ctx context.Context, authzID int64, challType core.AcmeChallenge, status core.AcmeStatus, validated time.Time, records []core.ValidationRecord, valProb *probs.ProblemDetails, maxAttempts int) error {
	if status != core.StatusValid && status != core.StatusInvalid {
		return berrors.InternalServerError("authorization must transition to valid or invalid, not %q", status)
	}

	_, err := db.WithTransaction(ctx, ssa.dbMap, func(tx db.Executor) (interface{}, error) {
		var am authzModel
		err := tx.SelectOne(ctx, &am, "SELECT * FROM authz WHERE id = ? FOR UPDATE", authzID)
		if err != nil {
			if db.IsNoRows(err) {
				return nil, berrors.NotFoundError("no authorization found for ID %d", authzID)
			}
			return nil, err
		}
		if core.AcmeStatus(am.Status) != core.StatusPending {
			return nil, berrors.WrongAuthorizationStateError(
				"authorization %d is %s, not pending", authzID, am.Status)
		}
		if am.Expires.Before(ssa.clk.Now()) {
			return nil, berrors.WrongAuthorizationStateError("authorization %d has expired", authzID)
		}

		authz := modelToAuthz(&am)
		chalIndex := authz.FindChallengeByType(challType)
		if chalIndex == -1 {
			return nil, berrors.InternalServerError(
				"authorization %d has no %s challenge", authzID, challType)
		}

		chal := authz.Challenges[chalIndex]
		chal.ValidationRecord = records
		if status == core.StatusValid {
			// Retire the unattempted siblings: only the winning challenge
			// is carried forward on a valid authorization.
			chal.Status = status
			chal.Error = nil
			vt := validated
			chal.Validated = &vt
			am.Challenges = []core.Challenge{chal}
			am.Status = string(status)
		} else {
			chal.Attempts++
			chal.Error = valProb
			if chal.Attempts >= maxAttempts {
				chal.Status = core.StatusInvalid
			}
			authz.Challenges[chalIndex] = chal
			am.Challenges = authz.Challenges
			// Sibling challenges stay viable. The authorization fails only
			// once no challenge can still succeed.
			allInvalid := true
			for _, c := range am.Challenges {
				if c.Status != core.StatusInvalid {
					allInvalid = false
					break
				}
			}
			if allInvalid {
				am.Status = string(core.StatusInvalid)
			}
		}

		rows, err := tx.Update(ctx, &am)
		if err != nil {
			return nil, err
		}
		if rows == 0 {
			return nil, berrors.WrongAuthorizationStateError("authorization %d was updated concurrently", authzID)
		}
		return nil, nil
	})
	return err
}

// DeactivateAuthorization deactivates a pending or valid authorization.
func (ssa *SQLStorageAuthority) DeactivateAuthorization(ctx context.Context, authzID int64) error {
	result, err := ssa.dbMap.ExecContext(ctx,
		"UPDATE authz SET status = ? WHERE id = ? AND status IN (?, ?)",
		string(core.StatusDeactivated), authzID,
		string(core.StatusPending), string(core.StatusValid))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return berrors.WrongAuthorizationStateError("authorization %d is not pending or valid", authzID)
	}
	return nil
}

// AddCertificate stores an issued certificate, returning an error if it is a
// duplicate.
func (ssa *SQLStorageAuthority) AddCertificate(ctx context.Context, certDER []byte, regID int64) (core.Certificate, error) {
	parsed, err := x509.ParseCertificate(certDER)
	if err != nil {
		return core.Certificate{}, err
	}
	serial := core.SerialToString(parsed.SerialNumber)

	digest := core.Fingerprint256(certDER)
	cm := &certificateModel{
		RegistrationID: regID,
		Serial:         serial,
		Digest:         digest,
		DER:            certDER,
		Issued:         ssa.clk.Now(),
		Expires:        parsed.NotAfter,
	}

	output, err := db.WithTransaction(ctx, ssa.dbMap, func(tx db.Executor) (interface{}, error) {
		err := tx.Insert(ctx, cm)
		if err != nil {
			if db.IsDuplicate(err) {
				return nil, berrors.DuplicateError("cannot add a duplicate cert for serial %q", serial)
			}
			return nil, err
		}
		err = tx.Insert(ctx, &certificateStatusModel{Serial: serial})
		if err != nil {
			return nil, err
		}
		return modelToCertificate(cm), nil
	})
	if err != nil {
		return core.Certificate{}, err
	}
	return output.(core.Certificate), nil
}

// GetCertificate takes a serial number and returns the corresponding
// certificate, or error if it does not exist.
func (ssa *SQLStorageAuthority) GetCertificate(ctx context.Context, serial string) (core.Certificate, error) {
	if !core.ValidSerial(serial) {
		return core.Certificate{}, berrors.NotFoundError("invalid certificate serial %q", serial)
	}
	var cm certificateModel
	err := ssa.dbMap.SelectOne(ctx, &cm, "SELECT * FROM certificates WHERE serial = ?", serial)
	if err != nil {
		if db.IsNoRows(err) {
			return core.Certificate{}, berrors.NotFoundError("certificate with serial %q not found", serial)
		}
		return core.Certificate{}, err
	}
	return modelToCertificate(&cm), nil
}

// RevokeCertificate marks a certificate revoked. Revoking an
// already-revoked certificate is an error.
func (ssa *SQLStorageAuthority) RevokeCertificate(ctx context.Context, serial string, reasonCode int64, revokedAt time.Time) error {
	result, err := ssa.dbMap.ExecContext(ctx,
		"UPDATE certificateStatus SET revoked = ?, revokedReason = ?, revokedDate = ? WHERE serial = ? AND revoked = ?",
		true, reasonCode, revokedAt, serial, false)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return berrors.DuplicateError("certificate with serial %q is unknown or already revoked", serial)
	}
	return nil
}

// NewMirror records the pairing of a local order with a freshly created
// upstream order.
func (ssa *SQLStorageAuthority) NewMirror(ctx context.Context, mirror core.UpstreamMirror) (core.UpstreamMirror, error) {
	mm := mirrorToModel(&mirror)
	err := ssa.dbMap.Insert(ctx, mm)
	if err != nil {
		if db.IsDuplicate(err) {
			return core.UpstreamMirror{}, berrors.DuplicateError("order %d already has an upstream mirror", mirror.OrderID)
		}
		return core.UpstreamMirror{}, err
	}
	return modelToMirror(mm), nil
}

// GetMirror returns the upstream mirror record for a local order.
func (ssa *SQLStorageAuthority) GetMirror(ctx context.Context, orderID int64) (core.UpstreamMirror, error) {
	var mm upstreamMirrorModel
	err := ssa.dbMap.SelectOne(ctx, &mm, "SELECT * FROM upstreamMirrors WHERE orderID = ?", orderID)
	if err != nil {
		if db.IsNoRows(err) {
			return core.UpstreamMirror{}, berrors.NotFoundError("no upstream mirror for order %d", orderID)
		}
		return core.UpstreamMirror{}, err
	}
	return modelToMirror(&mm), nil
}

// UpdateMirror stores updated upstream state for a mirror.
func (ssa *SQLStorageAuthority) UpdateMirror(ctx context.Context, mirror core.UpstreamMirror) error {
	mm := mirrorToModel(&mirror)
	rows, err := ssa.dbMap.Update(ctx, mm)
	if err != nil {
		return err
	}
	if rows == 0 {
		return berrors.NotFoundError("no upstream mirror with ID %d", mirror.ID)
	}
	return nil
}

// LeaseMirrors claims up to limit mirrors whose leases have lapsed. Each
// claim is a compare-and-swap on the previous lease expiry, so two pollers
// scanning concurrently cannot claim the same mirror.
func (ssa *SQLStorageAuthority) LeaseMirrors(ctx context.Context, holder string, until time.Time, limit int) ([]core.UpstreamMirror, error) {
	now := ssa.clk.Now()
	var candidates []upstreamMirrorModel
	_, err := ssa.dbMap.Select(ctx, &candidates,
		`SELECT * FROM upstreamMirrors
		 WHERE leaseUntil <= ? AND upstreamStatus NOT IN (?, ?)
		 ORDER BY leaseUntil ASC LIMIT ?`,
		now, string(core.StatusValid), string(core.StatusInvalid), limit)
	if err != nil {
		return nil, err
	}

	var leased []core.UpstreamMirror
	for _, mm := range candidates {
		result, err := ssa.dbMap.ExecContext(ctx,
			"UPDATE upstreamMirrors SET leaseUntil = ?, leaseHolder = ? WHERE id = ? AND leaseUntil = ?",
			until, holder, mm.ID, mm.LeaseUntil)
		if err != nil {
			return nil, err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return nil, err
		}
		if rows == 0 {
			// Another poller won the race for this mirror.
			continue
		}
		mm.LeaseUntil = until
		mm.LeaseHolder = holder
		leased = append(leased, modelToMirror(&mm))
	}
	return leased, nil
}

