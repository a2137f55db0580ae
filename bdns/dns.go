// Package bdns provides the DNS client the validation authority uses to
// look up TXT records for dns-01 challenges and host addresses for http-01
// challenges.
package bdns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jmhodges/clock"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"

	blog "github.com/acmetk/acme-broker/log"
)

// ResolverAddrs contains the DNS resolver(s) chosen to perform a lookup.
// Each entry is in the form host:port.
type ResolverAddrs []string

// Client queries for DNS records.
type Client interface {
	LookupTXT(context.Context, string) (txts []string, resolvers ResolverAddrs, err error)
	LookupHost(context.Context, string) ([]net.IP, ResolverAddrs, error)
}

// impl represents a client that talks to external resolvers.
type impl struct {
	dnsClient exchanger
	servers   ServerProvider
	maxTries  int
	clk       clock.Clock
	log       blog.Logger

	queryTime       *prometheus.HistogramVec
	totalLookupTime *prometheus.HistogramVec
}

var _ Client = &impl{}

type exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, a string) (*dns.Msg, time.Duration, error)
}

// New constructs a Client that will query the provided DNS servers over
// UDP, falling back to TCP on truncation, retrying up to maxTries times on
// temporary errors.
func New(
	readTimeout time.Duration,
	servers ServerProvider,
	stats prometheus.Registerer,
	clk clock.Clock,
	maxTries int,
	log blog.Logger,
) Client {
	dnsClient := new(dns.Client)

	// Set timeout for underlying net.Conn
	dnsClient.ReadTimeout = readTimeout
	dnsClient.Net = "udp"

	queryTime := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dns_query_time",
			Help:    "Time taken to perform a DNS query",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"qtype", "result", "resolver"},
	)
	totalLookupTime := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dns_total_lookup_time",
			Help:    "Time taken to perform a DNS lookup, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"qtype", "result", "retries"},
	)
	stats.MustRegister(queryTime, totalLookupTime)

	return &impl{
		dnsClient:       dnsClient,
		servers:         servers,
		maxTries:        maxTries,
		clk:             clk,
		log:             log,
		queryTime:       queryTime,
		totalLookupTime: totalLookupTime,
	}
}

// isTemporaryNetworkError returns true for errors worth retrying against
// another resolver, like timeouts and connection resets.
func isTemporaryNetworkError(err error) bool {
	if netErr, ok := err.(net.Error); ok {
		return netErr.Timeout()
	}
	if opErr, ok := err.(*net.OpError); ok {
		return opErr.Temporary()
	}
	return false
}

// exchangeOne performs a single DNS exchange for the given name and type,
// rotating through the configured resolvers on temporary failures.
func (dnsClient *impl) exchangeOne(ctx context.Context, hostname string, qtype uint16) (*dns.Msg, ResolverAddrs, error) {
	m := new(dns.Msg)
	// Set question type
	m.SetQuestion(dns.Fqdn(hostname), qtype)
	// Set the AD bit in the query header so that the resolver knows that
	// we are interested in this bit in the response header. If this isn't
	// set the AD bit in the response is useless.
	m.SetEdns0(4096, false)
	m.AuthenticatedData = true

	servers, err := dnsClient.servers.Addrs()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list DNS servers: %w", err)
	}

	qtypeStr := dns.TypeToString[qtype]
	start := dnsClient.clk.Now()
	tries := 0
	var resp *dns.Msg
	var used ResolverAddrs
	defer func() {
		result := "failed"
		if err == nil {
			result = "success"
		}
		dnsClient.totalLookupTime.With(prometheus.Labels{
			"qtype":   qtypeStr,
			"result":  result,
			"retries": fmt.Sprintf("%d", tries),
		}).Observe(dnsClient.clk.Since(start).Seconds())
	}()

	for {
		server := servers[tries%len(servers)]
		tries++

		queryStart := dnsClient.clk.Now()
		resp, _, err = dnsClient.exchange(ctx, m, server)
		result := "failed"
		if err == nil {
			result = "success"
		}
		dnsClient.queryTime.With(prometheus.Labels{
			"qtype":    qtypeStr,
			"result":   result,
			"resolver": server,
		}).Observe(dnsClient.clk.Since(queryStart).Seconds())

		used = ResolverAddrs{fmt.Sprintf("%s:%s", qtypeStr, server)}
		if err == nil {
			return resp, used, nil
		}
		if ctx.Err() != nil {
			return nil, used, Error{recordType: qtype, hostname: hostname, underlying: ctx.Err()}
		}
		if tries >= dnsClient.maxTries || !isTemporaryNetworkError(err) {
			return nil, used, Error{recordType: qtype, hostname: hostname, underlying: err}
		}
	}
}

// exchange sends the query over UDP, retrying over TCP if the response was
// truncated.
func (dnsClient *impl) exchange(ctx context.Context, m *dns.Msg, server string) (*dns.Msg, time.Duration, error) {
	resp, rtt, err := dnsClient.dnsClient.ExchangeContext(ctx, m, server)
	if err == nil && resp != nil && resp.Truncated {
		tcpClient, ok := dnsClient.dnsClient.(*dns.Client)
		if ok {
			tcp := &dns.Client{Net: "tcp", ReadTimeout: tcpClient.ReadTimeout}
			return tcp.ExchangeContext(ctx, m, server)
		}
	}
	return resp, rtt, err
}

// LookupTXT sends a DNS query to find all TXT records associated with the
// provided hostname.
func (dnsClient *impl) LookupTXT(ctx context.Context, hostname string) ([]string, ResolverAddrs, error) {
	resp, resolvers, err := dnsClient.exchangeOne(ctx, hostname, dns.TypeTXT)
	if err != nil {
		return nil, resolvers, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, resolvers, Error{recordType: dns.TypeTXT, hostname: hostname, rCode: resp.Rcode}
	}

	var txt []string
	for _, answer := range resp.Answer {
		if answer.Header().Rrtype == dns.TypeTXT {
			txtRec, ok := answer.(*dns.TXT)
			if !ok {
				continue
			}
			txt = append(txt, strings.Join(txtRec.Txt, ""))
		}
	}
	return txt, resolvers, nil
}

// LookupHost sends a DNS query to find all A records associated with the
// provided hostname.
func (dnsClient *impl) LookupHost(ctx context.Context, hostname string) ([]net.IP, ResolverAddrs, error) {
	resp, resolvers, err := dnsClient.exchangeOne(ctx, hostname, dns.TypeA)
	if err != nil {
		return nil, resolvers, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, resolvers, Error{recordType: dns.TypeA, hostname: hostname, rCode: resp.Rcode}
	}

	var addrs []net.IP
	for _, answer := range resp.Answer {
		if answer.Header().Rrtype == dns.TypeA {
			a, ok := answer.(*dns.A)
			if ok && a.A.To4() != nil {
				addrs = append(addrs, a.A)
			}
		}
	}
	return addrs, resolvers, nil
}
