package web

import (
	"fmt"

	berrors "github.com/acmetk/acme-broker/errors"
	"github.com/acmetk/acme-broker/probs"
)

func problemDetailsForBrokerError(err *berrors.BrokerError, msg string) *probs.ProblemDetails {
	detail := err.Error()
	if msg != "" {
		detail = fmt.Sprintf("%s :: %s", msg, err)
	}
	switch err.Type {
	case berrors.Malformed:
		return probs.Malformed(detail)
	case berrors.Unauthorized:
		return probs.Unauthorized(detail)
	case berrors.NotFound:
		return probs.NotFound(detail)
	case berrors.RateLimit:
		return probs.RateLimited(detail)
	case berrors.RejectedIdentifier:
		return probs.RejectedIdentifier(detail)
	case berrors.WrongAuthorizationState:
		return probs.Malformed(detail)
	case berrors.BadNonce:
		return probs.BadNonce(detail)
	case berrors.OrderNotReady:
		return probs.OrderNotReady("%s", detail)
	case berrors.BadCSR:
		return probs.BadCSR(detail)
	case berrors.BadPublicKey:
		return probs.BadPublicKey(detail)
	case berrors.BadSignatureAlgorithm:
		return probs.BadSignatureAlgorithm(detail)
	case berrors.Connection:
		return probs.Connection(detail)
	case berrors.DNS:
		return probs.DNS(detail)
	case berrors.Duplicate:
		return probs.Malformed(detail)
	case berrors.InternalServer:
		// Internal server error messages may include sensitive data, so we do
		// not include it.
		return probs.ServerInternal(msg)
	default:
		// Internal server error messages may include sensitive data, so we do
		// not include it.
		return probs.ServerInternal(msg)
	}
}

// ProblemDetailsForError turns an error into a ProblemDetails with the special
// case of returning the same error back if its already a ProblemDetails. If the
// error is of an type unknown to ProblemDetailsForError, it will return a
// ServerInternal ProblemDetails.
func ProblemDetailsForError(err error, msg string) *probs.ProblemDetails {
	switch e := err.(type) {
	case *probs.ProblemDetails:
		return e
	case *berrors.BrokerError:
		return problemDetailsForBrokerError(e, msg)
	default:
		// Internal server error messages may include sensitive data, so we do
		// not include it.
		return probs.ServerInternal(msg)
	}
}
