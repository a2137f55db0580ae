package canceled

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestCanceled(t *testing.T) {
	if !Is(context.Canceled) {
		t.Errorf("Expected context.Canceled to be canceled, but wasn't.")
	}
	if !Is(fmt.Errorf("wrapped: %w", context.Canceled)) {
		t.Errorf("Expected wrapped context.Canceled to be canceled, but wasn't.")
	}
	if Is(context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded to not be canceled, but was.")
	}
	if Is(errors.New("foo")) {
		t.Errorf("Expected foo to not be canceled, but was.")
	}
	if Is(nil) {
		t.Errorf("Expected nil to not be canceled, but was.")
	}
}
