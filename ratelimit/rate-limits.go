package ratelimit

import (
	"strconv"
	"time"

	"github.com/acmetk/acme-broker/config"
	"github.com/acmetk/acme-broker/strictyaml"
)

const (
	// PendingOrdersPerAccount is the name of the PendingOrdersPerAccount rate
	// limit when referenced in metric labels.
	PendingOrdersPerAccount = "pending_orders_per_account"
)

// Limits is defined to allow mock implementations be provided during unit
// testing
type Limits interface {
	PendingOrdersPerAccount() RateLimitPolicy
	LoadPolicies(contents []byte) error
}

// limitsImpl is an unexported implementation of the Limits interface. It acts
// as a container for a rateLimitConfig.
type limitsImpl struct {
	rlPolicy *rateLimitConfig
}

func (r *limitsImpl) PendingOrdersPerAccount() RateLimitPolicy {
	if r.rlPolicy == nil {
		return RateLimitPolicy{}
	}
	return r.rlPolicy.PendingOrdersPerAccount
}

// LoadPolicies loads rate limiting policies from a byte array of YAML
// configuration.
func (r *limitsImpl) LoadPolicies(contents []byte) error {
	var newPolicy rateLimitConfig
	err := strictyaml.Unmarshal(contents, &newPolicy)
	if err != nil {
		return err
	}
	r.rlPolicy = &newPolicy
	return nil
}

func New() Limits {
	return &limitsImpl{}
}

// rateLimitConfig contains all application layer rate limiting policies. It is
// unexported and clients are expected to use the exported container struct
type rateLimitConfig struct {
	// Number of outstanding pending orders an account may have at once. An
	// order counts against the limit from creation until it leaves the
	// pending state or expires.
	PendingOrdersPerAccount RateLimitPolicy `yaml:"pendingOrdersPerAccount"`
}

// RateLimitPolicy describes a general limiting policy
type RateLimitPolicy struct {
	// How long to count items for
	Window config.Duration `yaml:"window"`
	// The max number of items that can be present before triggering the rate
	// limit. Zero means "no limit."
	Threshold int64 `yaml:"threshold"`
	// A per-registration override setting different limits than the default
	// (higher or lower), e.g. for hosting providers that deserve a higher
	// rate than the default. Note that a zero entry in the overrides map
	// does not mean "no limit," it means a limit of zero.
	RegistrationOverrides map[int64]int64 `yaml:"registrationOverrides"`
}

// Enabled returns true iff the RateLimitPolicy is enabled.
func (rlp *RateLimitPolicy) Enabled() bool {
	return rlp.Threshold != 0
}

// GetThreshold returns the threshold for this rate limit and the override ID
// if that threshold is the result of an override for the default limit,
// empty-string otherwise.
func (rlp *RateLimitPolicy) GetThreshold(regID int64) (int64, string) {
	if override, ok := rlp.RegistrationOverrides[regID]; ok {
		return override, strconv.FormatInt(regID, 10)
	}
	return rlp.Threshold, ""
}

// WindowBegin returns the time that a RateLimitPolicy's window begins, given
// a particular end time (typically the current time).
func (rlp *RateLimitPolicy) WindowBegin(windowEnd time.Time) time.Time {
	return windowEnd.Add(-1 * rlp.Window.Duration)
}
