package va

import (
	"context"
	"net"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acmetk/acme-broker/bdns"
	"github.com/acmetk/acme-broker/core"
	berrors "github.com/acmetk/acme-broker/errors"
	"github.com/acmetk/acme-broker/identifier"
	blog "github.com/acmetk/acme-broker/log"
)

// ValidationAuthorityImpl checks challenge responses published by applicants.
// It implements core.ValidationAuthority.
type ValidationAuthorityImpl struct {
	log       blog.Logger
	dnsClient bdns.Client
	httpPort  int
	userAgent string
	clk       clock.Clock

	metrics *vaMetrics
}

var _ core.ValidationAuthority = (*ValidationAuthorityImpl)(nil)

type vaMetrics struct {
	validationTime *prometheus.HistogramVec
}

func initMetrics(stats prometheus.Registerer) *vaMetrics {
	validationTime := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "validation_time",
			Help:    "Total time taken to validate a challenge",
			Buckets: prometheus.ExponentialBuckets(0.1, 3, 6),
		},
		[]string{"type", "result"})
	stats.MustRegister(validationTime)

	return &vaMetrics{
		validationTime: validationTime,
	}
}

// NewValidationAuthorityImpl constructs a new VA. The httpPort is the port
// HTTP-01 validation requests are sent to, which is only ever a port other
// than 80 in testing.
func NewValidationAuthorityImpl(
	dnsClient bdns.Client,
	httpPort int,
	userAgent string,
	stats prometheus.Registerer,
	clk clock.Clock,
	logger blog.Logger,
) *ValidationAuthorityImpl {
	return &ValidationAuthorityImpl{
		log:       logger,
		dnsClient: dnsClient,
		httpPort:  httpPort,
		userAgent: userAgent,
		clk:       clk,
		metrics:   initMetrics(stats),
	}
}

// getAddrs looks up all A records for hostname and returns the resolved
// addresses. An empty result, like a lookup failure, yields a berrors.DNS
// error so the challenge error reflects where validation broke down.
func (va *ValidationAuthorityImpl) getAddrs(ctx context.Context, hostname string) ([]net.IP, error) {
	addrs, resolvers, err := va.dnsClient.LookupHost(ctx, hostname)
	if err != nil {
		return nil, berrors.DNSError("%s", err)
	}
	if len(addrs) == 0 {
		return nil, berrors.DNSError("no valid IP addresses found for %s", hostname)
	}
	va.log.Debugf("Resolved addresses for %s (using %s): %s", hostname, resolvers, addrs)
	return addrs, nil
}

// PerformValidation checks the challenge response for the given identifier
// and returns the validation records gathered along the way. A nil error
// means the challenge is valid. A non-nil error is always a BrokerError whose
// type records how validation failed (DNS, Connection, Unauthorized or
// Malformed), so callers can turn it into the right problem document.
func (va *ValidationAuthorityImpl) PerformValidation(
	ctx context.Context,
	ident identifier.ACMEIdentifier,
	challenge core.Challenge,
	expectedKeyAuthorization string,
) ([]core.ValidationRecord, error) {
	start := va.clk.Now()

	var records []core.ValidationRecord
	var err error
	switch challenge.Type {
	case core.ChallengeTypeHTTP01:
		records, err = va.validateHTTP01(ctx, ident, challenge.Token, expectedKeyAuthorization)
	case core.ChallengeTypeDNS01:
		records, err = va.validateDNS01(ctx, ident, expectedKeyAuthorization)
	default:
		err = berrors.MalformedError("invalid challenge type %q", challenge.Type)
	}

	outcome := "valid"
	if err != nil {
		outcome = "invalid"
		va.log.Infof("Validation failed for %s (%s): %s", ident.Value, challenge.Type, err)
	} else {
		va.log.Infof("Validation succeeded for %s (%s)", ident.Value, challenge.Type)
	}
	va.metrics.validationTime.With(prometheus.Labels{
		"type":   string(challenge.Type),
		"result": outcome,
	}).Observe(va.clk.Since(start).Seconds())

	return records, err
}
