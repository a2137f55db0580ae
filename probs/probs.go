// Package probs defines the RFC 7807 problem documents the ACME protocol
// uses to report errors to clients.
package probs

import (
	"fmt"
	"net/http"

	"github.com/acmetk/acme-broker/identifier"
)

const (
	// ErrorNS is the namespace prefixed to ACME problem types, per
	// RFC 8555 section 6.7.
	ErrorNS = "urn:ietf:params:acme:error:"

	// Error types that can be used in ACME payloads. These are sorted
	// alphabetically.
	AccountDoesNotExistProblem = ProblemType("accountDoesNotExist")
	AlreadyRevokedProblem      = ProblemType("alreadyRevoked")
	BadCSRProblem              = ProblemType("badCSR")
	BadNonceProblem            = ProblemType("badNonce")
	BadPublicKeyProblem        = ProblemType("badPublicKey")
	BadRevocationReasonProblem = ProblemType("badRevocationReason")
	BadSignatureAlgorithmProblem = ProblemType("badSignatureAlgorithm")
	ConnectionProblem          = ProblemType("connection")
	DNSProblem                 = ProblemType("dns")
	ExternalAccountRequiredProblem = ProblemType("externalAccountRequired")
	InvalidContactProblem      = ProblemType("invalidContact")
	MalformedProblem           = ProblemType("malformed")
	OrderNotReadyProblem       = ProblemType("orderNotReady")
	RateLimitedProblem         = ProblemType("rateLimited")
	RejectedIdentifierProblem  = ProblemType("rejectedIdentifier")
	ServerInternalProblem      = ProblemType("serverInternal")
	TLSProblem                 = ProblemType("tls")
	UnauthorizedProblem        = ProblemType("unauthorized")
	UnsupportedContactProblem  = ProblemType("unsupportedContact")
	UnsupportedIdentifierProblem = ProblemType("unsupportedIdentifier")
)

// ProblemType defines the error types in the ACME protocol
type ProblemType string

// SubProblemDetails represents sub-problems specific to an identifier that
// are related to a top-level problem.
// See https://tools.ietf.org/html/rfc8555#section-6.7.1
type SubProblemDetails struct {
	ProblemDetails
	Identifier identifier.ACMEIdentifier `json:"identifier"`
}

// ProblemDetails objects represent problem documents
// https://tools.ietf.org/html/draft-ietf-appsawg-http-problem-00
type ProblemDetails struct {
	Type   ProblemType `json:"type,omitempty"`
	Detail string      `json:"detail,omitempty"`
	// HTTPStatus defines the HTTP status code the problem document should
	// be sent with. It is not serialized into the document itself.
	HTTPStatus  int                 `json:"status,omitempty"`
	SubProblems []SubProblemDetails `json:"subproblems,omitempty"`
}

func (pd *ProblemDetails) Error() string {
	return fmt.Sprintf("%s :: %s", pd.Type, pd.Detail)
}

// WithSubProblems returns a new ProblemDetails with the provided
// SubProblemDetails appended.
func (pd *ProblemDetails) WithSubProblems(subProbs []SubProblemDetails) *ProblemDetails {
	return &ProblemDetails{
		Type:        pd.Type,
		Detail:      pd.Detail,
		HTTPStatus:  pd.HTTPStatus,
		SubProblems: append(pd.SubProblems, subProbs...),
	}
}

// ProblemDetailsToStatusCode inspects the HTTP status code in the provided
// ProblemDetails and returns it, or a default if it isn't set.
func ProblemDetailsToStatusCode(prob *ProblemDetails) int {
	if prob.HTTPStatus != 0 {
		return prob.HTTPStatus
	}
	switch prob.Type {
	case ConnectionProblem, MalformedProblem, BadSignatureAlgorithmProblem,
		BadPublicKeyProblem, TLSProblem, BadNonceProblem, BadCSRProblem,
		InvalidContactProblem, UnsupportedContactProblem, RejectedIdentifierProblem,
		UnsupportedIdentifierProblem, OrderNotReadyProblem, DNSProblem:
		return http.StatusBadRequest
	case ServerInternalProblem:
		return http.StatusInternalServerError
	case UnauthorizedProblem:
		return http.StatusForbidden
	case RateLimitedProblem:
		return http.StatusTooManyRequests
	case AccountDoesNotExistProblem, AlreadyRevokedProblem, BadRevocationReasonProblem:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// AccountDoesNotExist returns a ProblemDetails representing an
// AccountDoesNotExistProblem error
func AccountDoesNotExist(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       AccountDoesNotExistProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// BadRevocationReason returns a ProblemDetails representing
// a BadRevocationReasonProblem
func BadRevocationReason(reason int64) *ProblemDetails {
	return &ProblemDetails{
		Type:       BadRevocationReasonProblem,
		Detail:     fmt.Sprintf("unsupported revocation reason code provided: %d", reason),
		HTTPStatus: http.StatusBadRequest,
	}
}

// AlreadyRevoked returns a ProblemDetails with an AlreadyRevokedProblem and
// a 400 Bad Request status code.
func AlreadyRevoked(detail string, a ...any) *ProblemDetails {
	if len(a) > 0 {
		detail = fmt.Sprintf(detail, a...)
	}
	return &ProblemDetails{
		Type:       AlreadyRevokedProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// BadCSR returns a ProblemDetails representing a BadCSRProblem.
func BadCSR(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       BadCSRProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// BadNonce returns a ProblemDetails with a BadNonceProblem and a 400 Bad
// Request status code.
func BadNonce(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       BadNonceProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// BadPublicKey returns a ProblemDetails with a BadPublicKeyProblem and a 400
// Bad Request status code.
func BadPublicKey(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       BadPublicKeyProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// BadSignatureAlgorithm returns a ProblemDetails with a
// BadSignatureAlgorithmProblem and a 400 Bad Request status code.
func BadSignatureAlgorithm(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       BadSignatureAlgorithmProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Connection returns a ProblemDetails representing a ConnectionProblem
// error
func Connection(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       ConnectionProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict returns a ProblemDetails with a MalformedProblem and a 409
// Conflict status code.
func Conflict(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       MalformedProblem,
		Detail:     detail,
		HTTPStatus: http.StatusConflict,
	}
}

// ContentLengthRequired returns a ProblemDetails representing a missing
// Content-Length header error
func ContentLengthRequired() *ProblemDetails {
	return &ProblemDetails{
		Type:       MalformedProblem,
		Detail:     "missing Content-Length header",
		HTTPStatus: http.StatusLengthRequired,
	}
}

// DNS returns a ProblemDetails representing a DNSProblem
func DNS(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       DNSProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// ExternalAccountRequired returns a ProblemDetails representing an
// ExternalAccountRequiredProblem.
func ExternalAccountRequired(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       ExternalAccountRequiredProblem,
		Detail:     detail,
		HTTPStatus: http.StatusForbidden,
	}
}

// InvalidContact returns a ProblemDetails representing an
// InvalidContactProblem.
func InvalidContact(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       InvalidContactProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InvalidContentType returns a ProblemDetails suitable for a missing
// ContentType header, or an incorrect ContentType header
func InvalidContentType(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       MalformedProblem,
		Detail:     detail,
		HTTPStatus: http.StatusUnsupportedMediaType,
	}
}

// Malformed returns a ProblemDetails with a MalformedProblem and a 400 Bad
// Request status code.
func Malformed(detail string, a ...any) *ProblemDetails {
	if len(a) > 0 {
		detail = fmt.Sprintf(detail, a...)
	}
	return &ProblemDetails{
		Type:       MalformedProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Method returns a ProblemDetails representing a disallowed HTTP method error.
func Method(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       MalformedProblem,
		Detail:     detail,
		HTTPStatus: http.StatusMethodNotAllowed,
	}
}

// NotFound returns a ProblemDetails with a MalformedProblem and a 404 Not
// Found status code.
func NotFound(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       MalformedProblem,
		Detail:     detail,
		HTTPStatus: http.StatusNotFound,
	}
}

// OrderNotReady returns a ProblemDetails representing a
// OrderNotReadyProblem. It takes a 403 Forbidden status code per
// RFC 8555 section 7.4.
func OrderNotReady(detail string, a ...any) *ProblemDetails {
	if len(a) > 0 {
		detail = fmt.Sprintf(detail, a...)
	}
	return &ProblemDetails{
		Type:       OrderNotReadyProblem,
		Detail:     detail,
		HTTPStatus: http.StatusForbidden,
	}
}

// RateLimited returns a ProblemDetails representing a RateLimitedProblem error
func RateLimited(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       RateLimitedProblem,
		Detail:     detail,
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// RejectedIdentifier returns a ProblemDetails with a RejectedIdentifierProblem
// and a 400 Bad Request status code.
func RejectedIdentifier(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       RejectedIdentifierProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// ServerInternal returns a ProblemDetails with a ServerInternalProblem and a
// 500 Internal Server Error status code.
func ServerInternal(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       ServerInternalProblem,
		Detail:     detail,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// TLS returns a ProblemDetails representing a TLSProblem error
func TLS(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       TLSProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized returns a ProblemDetails with an UnauthorizedProblem and a 403
// Forbidden status code.
func Unauthorized(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       UnauthorizedProblem,
		Detail:     detail,
		HTTPStatus: http.StatusForbidden,
	}
}

// UnsupportedContact returns a ProblemDetails representing an
// UnsupportedContactProblem
func UnsupportedContact(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       UnsupportedContactProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// UnsupportedIdentifier returns a ProblemDetails representing an
// UnsupportedIdentifierProblem
func UnsupportedIdentifier(detail string, a ...any) *ProblemDetails {
	if len(a) > 0 {
		detail = fmt.Sprintf(detail, a...)
	}
	return &ProblemDetails{
		Type:       UnsupportedIdentifierProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}
