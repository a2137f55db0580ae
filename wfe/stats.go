package wfe

import (
	"github.com/prometheus/client_golang/prometheus"
)

type wfeStats struct {
	// httpErrorCount counts client errors at the HTTP level by problem type.
	httpErrorCount *prometheus.CounterVec
	// joseErrorCount counts errors encountered in JOSE packet processing,
	// distinguished by error type.
	joseErrorCount *prometheus.CounterVec
	// csrSignatureAlgs counts the signature algorithms in use for order
	// finalization CSRs.
	csrSignatureAlgs *prometheus.CounterVec
}

func initStats(stats prometheus.Registerer) wfeStats {
	httpErrorCount := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_errors",
			Help: "client request errors at the HTTP level",
		},
		[]string{"type"})
	stats.MustRegister(httpErrorCount)

	joseErrorCount := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jose_errors",
			Help: "errors encountered in JOSE processing",
		},
		[]string{"type"})
	stats.MustRegister(joseErrorCount)

	csrSignatureAlgs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csr_signature_algs",
			Help: "Number of CSR signatures by algorithm",
		},
		[]string{"type"})
	stats.MustRegister(csrSignatureAlgs)

	return wfeStats{
		httpErrorCount:   httpErrorCount,
		joseErrorCount:   joseErrorCount,
		csrSignatureAlgs: csrSignatureAlgs,
	}
}
