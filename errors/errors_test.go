package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/acmetk/acme-broker/test"
)

func TestIs(t *testing.T) {
	err := RateLimitError("don't you think you have enough certificates already?")
	test.Assert(t, Is(err, RateLimit), "expected a rate limit error")
	test.Assert(t, !Is(err, Malformed), "rate limit error should not match Malformed")
	test.Assert(t, !Is(errors.New("plain"), RateLimit), "plain errors carry no type")

	wrapped := fmt.Errorf("checking limits: %w", err)
	test.Assert(t, Is(wrapped, RateLimit), "wrapping should preserve the type")
}

func TestErrorsIsOnType(t *testing.T) {
	err := NotFoundError("no order found for ID %d", 42)
	test.Assert(t, errors.Is(err, NotFound), "BrokerError should unwrap to its ErrorType")
	test.AssertEquals(t, err.Error(), "no order found for ID 42")
}

func TestZeroTypeIsInternal(t *testing.T) {
	var be BrokerError
	test.AssertEquals(t, be.Type, InternalServer)
}
