package ratelimit

import (
	"testing"
	"time"

	"github.com/acmetk/acme-broker/test"
)

func TestEnabled(t *testing.T) {
	policy := RateLimitPolicy{}
	test.Assert(t, !policy.Enabled(), "zero threshold should mean disabled")

	policy.Threshold = 10
	test.Assert(t, policy.Enabled(), "positive threshold should mean enabled")
}

func TestGetThreshold(t *testing.T) {
	policy := RateLimitPolicy{
		Threshold: 1,
		RegistrationOverrides: map[int64]int64{
			101: 5,
			102: 0,
		},
	}

	threshold, overrideID := policy.GetThreshold(11)
	test.AssertEquals(t, threshold, int64(1))
	test.AssertEquals(t, overrideID, "")

	threshold, overrideID = policy.GetThreshold(101)
	test.AssertEquals(t, threshold, int64(5))
	test.AssertEquals(t, overrideID, "101")

	// A zero override means a limit of zero, not "no limit".
	threshold, overrideID = policy.GetThreshold(102)
	test.AssertEquals(t, threshold, int64(0))
	test.AssertEquals(t, overrideID, "102")
}

func TestWindowBegin(t *testing.T) {
	policy := RateLimitPolicy{}
	policy.Window.Duration = 24 * time.Hour

	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	test.AssertEquals(t, policy.WindowBegin(now), now.Add(-24*time.Hour))
}

func TestLoadPolicies(t *testing.T) {
	limits := New()

	// Before loading, every policy reads as disabled.
	unloaded := limits.PendingOrdersPerAccount()
	test.Assert(t, !unloaded.Enabled(),
		"unloaded policy should be disabled")

	policyYAML := `
pendingOrdersPerAccount:
  window: 96h
  threshold: 3
  registrationOverrides:
    101: 10
`
	err := limits.LoadPolicies([]byte(policyYAML))
	test.AssertNotError(t, err, "loading valid policy YAML")

	policy := limits.PendingOrdersPerAccount()
	test.AssertEquals(t, policy.Threshold, int64(3))
	test.AssertEquals(t, policy.Window.Duration, 96*time.Hour)
	threshold, _ := policy.GetThreshold(101)
	test.AssertEquals(t, threshold, int64(10))

	err = limits.LoadPolicies([]byte("pendingOrdersPerAccount: 10\nnope: 1\n"))
	test.AssertError(t, err, "loading YAML with unknown keys should fail")
}
