package bdns

import (
	"context"
	"fmt"
	"net"
	"os"
)

// MockClient is a fake DNS client with canned answers for well-known test
// names.
type MockClient struct{}

var _ Client = &MockClient{}

// LookupTXT returns fixed TXT records for a handful of test domains.
func (mock *MockClient) LookupTXT(_ context.Context, hostname string) ([]string, ResolverAddrs, error) {
	if hostname == "_acme-challenge.servfail.com" {
		return nil, ResolverAddrs{"MockClient"}, fmt.Errorf("SERVFAIL")
	}
	if hostname == "_acme-challenge.empty-txts.com" {
		return []string{}, ResolverAddrs{"MockClient"}, nil
	}
	if hostname == "_acme-challenge.wrong-dns01.com" {
		return []string{"a-value-that-matches-no-key-authorization"}, ResolverAddrs{"MockClient"}, nil
	}
	return []string{"hostname"}, ResolverAddrs{"MockClient"}, nil
}

// LookupHost resolves everything to 127.0.0.1 except a few names reserved
// for failure cases.
func (mock *MockClient) LookupHost(_ context.Context, hostname string) ([]net.IP, ResolverAddrs, error) {
	if hostname == "always.invalid" || hostname == "invalid.invalid" {
		return []net.IP{}, ResolverAddrs{"MockClient"}, nil
	}
	if hostname == "always.error" {
		return nil, ResolverAddrs{"MockClient"}, Error{
			recordType: 1, hostname: hostname, underlying: MockTimeoutError(),
		}
	}
	return []net.IP{net.ParseIP("127.0.0.1")}, ResolverAddrs{"MockClient"}, nil
}

// MockTimeoutError returns a net.OpError for which Timeout() returns true.
func MockTimeoutError() *net.OpError {
	return &net.OpError{
		Err: os.NewSyscallError("ugh timeout", timeoutError{}),
	}
}

type timeoutError struct{}

func (t timeoutError) Error() string {
	return "so sloooow"
}
func (t timeoutError) Timeout() bool {
	return true
}
