package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/acmetk/acme-broker/cmd"
	blog "github.com/acmetk/acme-broker/log"
)

// ErrNoShardsResolved is returned when a lookup resolves 0 shards.
var ErrNoShardsResolved = errors.New("0 shards were resolved")

// Lookup keeps the shards of a *redis.Ring up to date with periodic SRV
// lookups.
type Lookup struct {
	// srvLookups is a list of SRV records to be looked up.
	srvLookups []cmd.ServiceDomain

	// updateFrequency is the frequency of periodic SRV lookups. Defaults to
	// 30 seconds.
	updateFrequency time.Duration

	// updateTimeout is the timeout for each SRV lookup. Defaults to 90% of
	// the update frequency.
	updateTimeout time.Duration

	// dnsAuthority is the single <hostname|IPv4|[IPv6]>:<port> of the DNS
	// server to be used for SRV lookups. If the address contains a hostname
	// it will be resolved via the system DNS. If the port is left
	// unspecified it will default to '53'. If this field is left unspecified
	// the system DNS will be used for resolution.
	dnsAuthority string

	cancel context.CancelFunc

	resolver *net.Resolver
	ring     *redis.Ring
	logger   blog.Logger

	updates *prometheus.CounterVec
}

// normalizeDNSAuthority ensures the authority address carries a port,
// defaulting to 53.
func normalizeDNSAuthority(dnsAuthority string) string {
	if dnsAuthority == "" {
		return ""
	}
	host, port, err := net.SplitHostPort(dnsAuthority)
	if err != nil {
		// Assume only a hostname or IP address was specified.
		host = dnsAuthority
		port = "53"
	}
	return net.JoinHostPort(host, port)
}

// newLookup constructs and returns a new Lookup. An initial SRV lookup is
// performed to populate the ring shards. If this lookup fails or otherwise
// results in an empty set of resolved shards, an error is returned.
func newLookup(srvLookups []cmd.ServiceDomain, dnsAuthority string, frequency time.Duration, ring *redis.Ring, logger blog.Logger, stats prometheus.Registerer) (*Lookup, error) {
	updateFrequency := frequency
	if updateFrequency <= 0 {
		// Use default frequency.
		updateFrequency = 30 * time.Second
	}
	// Set the lookup timeout to 90% of the update frequency.
	updateTimeout := updateFrequency - updateFrequency/10

	updates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redis_lookup_updates",
		Help: "number of ring shard updates driven by SRV lookups, by result",
	}, []string{"result"})
	err := stats.Register(updates)
	if err != nil {
		are := prometheus.AlreadyRegisteredError{}
		if errors.As(err, &are) {
			updates = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}

	lookup := &Lookup{
		srvLookups:      srvLookups,
		ring:            ring,
		logger:          logger,
		updateFrequency: updateFrequency,
		updateTimeout:   updateTimeout,
		dnsAuthority:    normalizeDNSAuthority(dnsAuthority),
		updates:         updates,
	}

	if lookup.dnsAuthority == "" {
		lookup.resolver = net.DefaultResolver
	} else {
		lookup.resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				return net.Dial(network, lookup.dnsAuthority)
			},
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookup.updateTimeout)
	defer cancel()
	tempErr, nonTempErr := lookup.updateNow(ctx)
	if tempErr != nil {
		lookup.logger.Warningf("resolving redis shards for %+v, temporary errors occurred: %s", lookup.srvLookups, tempErr)
	}
	if nonTempErr != nil {
		return nil, nonTempErr
	}
	return lookup, nil
}

// updateNow resolves and updates the ring shards accordingly. A temporary
// error is returned when one or more lookups failed with a timeout or other
// transient DNS condition. A non-temporary error is only returned when the
// resolved set of shards is empty.
func (look *Lookup) updateNow(ctx context.Context) (tempError, nonTempError error) {
	var tempErrs []error
	handleDNSError := func(err error, lookupType string, srv cmd.ServiceDomain) {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && (dnsErr.IsTimeout || dnsErr.IsTemporary) {
			tempErrs = append(tempErrs, err)
			return
		}
		// Non-temporary DNS errors are always logged as they are indicative
		// of a misconfiguration.
		look.logger.Errf("resolving redis shards, %s lookup for %+v failed: %s", lookupType, srv, err)
	}

	newAddrs := make(map[string]string)
	for _, srv := range look.srvLookups {
		_, targets, err := look.resolver.LookupSRV(ctx, srv.Service, "tcp", srv.Domain)
		if err != nil {
			handleDNSError(err, "SRV", srv)
			// Skip to the next SRV lookup.
			continue
		}

		for _, target := range targets {
			host := strings.TrimRight(target.Target, ".")
			if look.dnsAuthority != "" {
				// Lookup A/AAAA records for the SRV target using the custom
				// DNS authority.
				hostAddrs, err := look.resolver.LookupHost(ctx, host)
				if err != nil {
					handleDNSError(err, "A/AAAA", srv)
					// Skip to the next A/AAAA lookup.
					continue
				}
				if len(hostAddrs) == 0 {
					// Skip to the next A/AAAA lookup.
					continue
				}
				// Use the first resolved IP address.
				host = hostAddrs[0]
			}
			addr := fmt.Sprintf("%s:%d", host, target.Port)
			newAddrs[addr] = addr
		}
	}

	tempError = errors.Join(tempErrs...)
	if len(newAddrs) == 0 {
		look.updates.WithLabelValues("failed").Inc()
		return tempError, ErrNoShardsResolved
	}
	look.ring.SetAddrs(newAddrs)
	look.updates.WithLabelValues("updated").Inc()
	return tempError, nil
}

// start launches a goroutine that periodically re-resolves the ring shards.
// Transient lookup failures leave the previous shard set in place.
func (look *Lookup) start() {
	var ctx context.Context
	ctx, look.cancel = context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(look.updateFrequency)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				timeoutCtx, cancel := context.WithTimeout(ctx, look.updateTimeout)
				tempErr, nonTempErr := look.updateNow(timeoutCtx)
				cancel()
				if tempErr != nil {
					look.logger.Warningf("resolving redis shards for %+v, temporary errors occurred: %s", look.srvLookups, tempErr)
				}
				if nonTempErr != nil {
					look.logger.Errf("resolving redis shards for %+v: %s", look.srvLookups, nonTempErr)
				}

			case <-ctx.Done():
				return
			}
		}
	}()
}

// stop cancels the periodic lookups started by start.
func (look *Lookup) stop() {
	if look.cancel != nil {
		look.cancel()
		look.cancel = nil
	}
}

// Stop halts the periodic SRV lookups.
func (look *Lookup) Stop() {
	look.stop()
}
