package db

import (
	"testing"
)

func TestQuestionMarks(t *testing.T) {
	for _, tc := range []struct {
		n        int
		expected string
	}{
		{1, "?"},
		{2, "?,?"},
		{3, "?,?,?"},
	} {
		got := QuestionMarks(tc.n)
		if got != tc.expected {
			t.Errorf("QuestionMarks(%d) = %q, expected %q", tc.n, got, tc.expected)
		}
	}
}

func TestQuestionMarksPanic(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected QuestionMarks(0) to panic")
		}
	}()
	QuestionMarks(0)
}
