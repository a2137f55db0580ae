package bdns

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"

	"github.com/miekg/dns"
)

// ServerProvider represents a type which can provide a list of addresses for
// the resolver to use.
type ServerProvider interface {
	Addrs() ([]string, error)
}

// staticProvider stores a list of host:port combos, and provides that whole
// list in randomized order when asked for addresses.
type staticProvider struct {
	servers []string
}

var _ ServerProvider = &staticProvider{}

// validateServerAddress ensures that a given server address is formatted in
// such a way that it can be dialed. The provided server address must
// include a host/IP and port separated by colon. Additionally, if the host
// is a literal IPv6 address, it must be enclosed in square brackets.
func validateServerAddress(address string) error {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if host == "" || port == "" {
		return errors.New("port cannot be missing")
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("parsing port number: %s", err)
	}
	if portNum <= 0 || portNum > 65535 {
		return errors.New("port must be an integer between 0 - 65535")
	}
	if net.ParseIP(host) == nil && !dns.IsFqdn(dns.Fqdn(host)) {
		return errors.New("host is not an FQDN or IP address")
	}
	return nil
}

// NewStaticProvider constructs a provider that hands out the given servers
// in randomized order.
func NewStaticProvider(servers []string) (*staticProvider, error) {
	var serverAddrs []string
	for _, server := range servers {
		err := validateServerAddress(server)
		if err != nil {
			return nil, fmt.Errorf("server address %q invalid: %s", server, err)
		}
		serverAddrs = append(serverAddrs, server)
	}
	return &staticProvider{servers: serverAddrs}, nil
}

func (sp *staticProvider) Addrs() ([]string, error) {
	if len(sp.servers) == 0 {
		return nil, fmt.Errorf("no servers configured")
	}
	r := make([]string, len(sp.servers))
	for i, v := range rand.Perm(len(sp.servers)) {
		r[i] = sp.servers[v]
	}
	return r, nil
}
