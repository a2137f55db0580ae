package broker

import (
	"github.com/prometheus/client_golang/prometheus"
)

type brokerStats struct {
	// upstreamRequests counts calls to the upstream CA by operation and
	// result (ok, transient, error).
	upstreamRequests *prometheus.CounterVec
	// pollOutcomes counts mirror poll results by outcome.
	pollOutcomes *prometheus.CounterVec
}

func initStats(stats prometheus.Registerer) brokerStats {
	upstreamRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_upstream_requests",
			Help: "requests made to the upstream CA, by operation and result",
		},
		[]string{"operation", "result"})
	stats.MustRegister(upstreamRequests)

	pollOutcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_poll_outcomes",
			Help: "outcomes of upstream mirror polls",
		},
		[]string{"outcome"})
	stats.MustRegister(pollOutcomes)

	return brokerStats{
		upstreamRequests: upstreamRequests,
		pollOutcomes:     pollOutcomes,
	}
}
