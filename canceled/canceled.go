package canceled

import (
	"context"
	"errors"
)

// Is returns true if err is non-nil and wraps context.Canceled. This is
// useful when background work is interrupted by process shutdown: such
// failures are expected and should not be audit-logged as errors.
func Is(err error) bool {
	return errors.Is(err, context.Canceled)
}
