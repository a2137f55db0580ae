// Package errors defines the internal error types shared by the broker's
// components. Errors that cross a component boundary carry a coarse
// ErrorType so the web layer can translate them into the right RFC 7807
// problem document without inspecting error strings.
package errors

import (
	"errors"
	"fmt"
)

// ErrorType provides a coarse category for BrokerErrors.
type ErrorType int

const (
	// InternalServer is deliberately the zero value so that an
	// uninitialized type maps to the least revealing problem document.
	InternalServer ErrorType = iota
	Malformed
	Unauthorized
	NotFound
	RateLimit
	RejectedIdentifier
	// WrongAuthorizationState is returned by storage when a caller tries
	// to transition an authorization or challenge that a concurrent
	// writer already finalized.
	WrongAuthorizationState
	BadNonce
	// OrderNotReady is returned when finalization is requested for an
	// order whose status is not "ready".
	OrderNotReady
	BadCSR
	BadPublicKey
	BadSignatureAlgorithm
	// Connection covers network failures reaching a validation target or
	// an upstream CA.
	Connection
	// DNS covers resolver failures during challenge validation.
	DNS
	Duplicate
)

func (ErrorType) Error() string {
	return "urn:ietf:params:acme:error"
}

// BrokerError represents internal broker errors
type BrokerError struct {
	Type   ErrorType
	Detail string
}

func (be *BrokerError) Error() string {
	return be.Detail
}

func (be *BrokerError) Unwrap() error {
	return be.Type
}

// New is a convenience function for creating a new BrokerError.
func New(errType ErrorType, msg string, args ...interface{}) error {
	return &BrokerError{
		Type:   errType,
		Detail: fmt.Sprintf(msg, args...),
	}
}

// Is reports whether err wraps a BrokerError of the given type.
func Is(err error, errType ErrorType) bool {
	var be *BrokerError
	if !errors.As(err, &be) {
		return false
	}
	return be.Type == errType
}

func InternalServerError(msg string, args ...interface{}) error {
	return New(InternalServer, msg, args...)
}

func MalformedError(msg string, args ...interface{}) error {
	return New(Malformed, msg, args...)
}

func UnauthorizedError(msg string, args ...interface{}) error {
	return New(Unauthorized, msg, args...)
}

func NotFoundError(msg string, args ...interface{}) error {
	return New(NotFound, msg, args...)
}

func RateLimitError(msg string, args ...interface{}) error {
	return New(RateLimit, msg, args...)
}

func RejectedIdentifierError(msg string, args ...interface{}) error {
	return New(RejectedIdentifier, msg, args...)
}

func WrongAuthorizationStateError(msg string, args ...interface{}) error {
	return New(WrongAuthorizationState, msg, args...)
}

func BadNonceError(msg string, args ...interface{}) error {
	return New(BadNonce, msg, args...)
}

func OrderNotReadyError(msg string, args ...interface{}) error {
	return New(OrderNotReady, msg, args...)
}

func BadCSRError(msg string, args ...interface{}) error {
	return New(BadCSR, msg, args...)
}

func BadPublicKeyError(msg string, args ...interface{}) error {
	return New(BadPublicKey, msg, args...)
}

func BadSignatureAlgorithmError(msg string, args ...interface{}) error {
	return New(BadSignatureAlgorithm, msg, args...)
}

func ConnectionError(msg string, args ...interface{}) error {
	return New(Connection, msg, args...)
}

func DNSError(msg string, args ...interface{}) error {
	return New(DNS, msg, args...)
}

func DuplicateError(msg string, args ...interface{}) error {
	return New(Duplicate, msg, args...)
}
