package va

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/acmetk/acme-broker/core"
	berrors "github.com/acmetk/acme-broker/errors"
	"github.com/acmetk/acme-broker/identifier"
)

const (
	// wellKnownPath is the IANA registered ACME HTTP-01 challenge path.
	wellKnownPath = "/.well-known/acme-challenge/"

	// maxResponseSize holds the maximum number of bytes read from an HTTP-01
	// validation response. The expected payload is a key authorization, which
	// is short, so a small bound keeps misbehaving servers from feeding us
	// arbitrary amounts of data.
	maxResponseSize = 128

	// validationTimeout bounds a single HTTP-01 fetch, including connecting.
	validationTimeout = 10 * time.Second
)

// preresolvedDialer dials the IP address the VA resolved for the target
// hostname instead of letting net/http resolve the hostname again. This keeps
// the address recorded in the ValidationRecord and the address actually
// contacted in agreement.
type preresolvedDialer struct {
	ip   net.IP
	port int
}

func (d *preresolvedDialer) DialContext(ctx context.Context, network, _ string) (net.Conn, error) {
	dialer := &net.Dialer{}
	return dialer.DialContext(ctx, network, net.JoinHostPort(d.ip.String(), strconv.Itoa(d.port)))
}

// httpClient builds an HTTP client for a single validation request. Redirects
// are refused: the upstream brokered CA performs its own validation with full
// redirect handling, so our preflight only needs to see the directly
// published response.
func (va *ValidationAuthorityImpl) httpClient(dialer *preresolvedDialer) *http.Client {
	transport := &http.Transport{
		DialContext: dialer.DialContext,
		// We don't expect to make multiple requests to a server, so close
		// connections immediately.
		DisableKeepAlives: true,
		// We don't want idle connections, but 0 means "unlimited," so we pick 1.
		MaxIdleConns:    1,
		IdleConnTimeout: time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   validationTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return errors.New("redirects are not followed during validation")
		},
	}
}

// preferredAddr picks the address a validation request will be sent to. IPv4
// is preferred when present because the test environments this broker fronts
// frequently lack working IPv6 routing.
func preferredAddr(addrs []net.IP) net.IP {
	for _, addr := range addrs {
		if addr.To4() != nil {
			return addr
		}
	}
	return addrs[0]
}

// fetchError turns an error returned by http.Client.Get into a BrokerError
// with a subscriber-facing detail message.
func fetchError(fetchURL string, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return berrors.ConnectionError("Fetching %s: Timeout during connect (likely firewall problem)", fetchURL)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return berrors.ConnectionError("Fetching %s: Connection refused", fetchURL)
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return berrors.ConnectionError("Fetching %s: Connection reset by peer", fetchURL)
	}
	return berrors.ConnectionError("Fetching %s: %s", fetchURL, err)
}

func (va *ValidationAuthorityImpl) validateHTTP01(ctx context.Context, ident identifier.ACMEIdentifier, token string, keyAuthorization string) ([]core.ValidationRecord, error) {
	if ident.Type != identifier.DNS {
		va.log.Infof("Identifier type for HTTP challenge was not DNS: %s", ident.Value)
		return nil, berrors.MalformedError("identifier type for HTTP challenge was not DNS")
	}

	// The URL is always constructed with the bare hostname. The configured
	// HTTP port only differs from 80 in testing.
	hostPort := ident.Value
	if va.httpPort != 80 {
		hostPort = net.JoinHostPort(ident.Value, strconv.Itoa(va.httpPort))
	}
	fetchURL := fmt.Sprintf("http://%s%s%s", hostPort, wellKnownPath, token)

	record := core.ValidationRecord{
		URL:      fetchURL,
		Hostname: ident.Value,
		Port:     strconv.Itoa(va.httpPort),
	}
	records := []core.ValidationRecord{record}

	addrs, err := va.getAddrs(ctx, ident.Value)
	if err != nil {
		return records, err
	}
	for _, addr := range addrs {
		records[0].AddressesResolved = append(records[0].AddressesResolved, addr.String())
	}

	addr := preferredAddr(addrs)
	records[0].AddressUsed = addr.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return records, berrors.MalformedError("building validation request: %s", err)
	}
	if va.userAgent != "" {
		req.Header.Set("User-Agent", va.userAgent)
	}

	client := va.httpClient(&preresolvedDialer{ip: addr, port: va.httpPort})
	resp, err := client.Do(req)
	if err != nil {
		return records, fetchError(fetchURL, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return records, berrors.UnauthorizedError("Error reading validation response %s: %s", fetchURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		return records, berrors.UnauthorizedError("Invalid response from %s: %d", fetchURL, resp.StatusCode)
	}
	if len(body) > maxResponseSize {
		return records, berrors.UnauthorizedError("Invalid response from %s: content too large", fetchURL)
	}

	payload := strings.TrimRight(string(body), "\n\r")
	if payload != keyAuthorization {
		return records, berrors.UnauthorizedError("The key authorization file from the server did not match this challenge. Expected %q (got %q)",
			keyAuthorization, payload)
	}

	return records, nil
}
