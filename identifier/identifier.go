// The identifier package defines types for RFC 8555 ACME identifiers.
package identifier

import (
	"crypto/x509"
	"net"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

// IdentifierType is a named string type for registered ACME identifier types.
// See https://tools.ietf.org/html/rfc8555#section-9.7.7
type IdentifierType string

const (
	// DNS is specified in RFC 8555 for DNS type identifiers.
	DNS = IdentifierType("dns")
	// IP is specified in RFC 8738 for IP address type identifiers.
	IP = IdentifierType("ip")
)

// ACMEIdentifier is a struct encoding an identifier that can be validated. The
// protocol allows for different types of identifier to be supported (DNS
// names, IP addresses, etc.), but currently we only support RFC 8555 DNS type
// identifiers for domain names.
type ACMEIdentifier struct {
	// Type is the registered IdentifierType of the identifier.
	Type IdentifierType `json:"type"`
	// Value is the value of the identifier. For a DNS type identifier it is
	// a domain name.
	Value string `json:"value"`
}

// NewDNS is a convenience function for creating an ACMEIdentifier with Type
// DNS for a given domain name.
func NewDNS(domain string) ACMEIdentifier {
	return ACMEIdentifier{
		Type:  DNS,
		Value: domain,
	}
}

// FromString parses a string into an ACMEIdentifier, classifying values that
// parse as IP addresses as type IP and everything else as type DNS.
func FromString(name string) ACMEIdentifier {
	if net.ParseIP(name) != nil {
		return ACMEIdentifier{
			Type:  IP,
			Value: name,
		}
	}
	return NewDNS(name)
}

// Normalize converts a DNS identifier value to its canonical form: lowercased,
// with any unicode labels converted to their IDNA2008 ASCII (punycode)
// representation. Two spellings of the same name always normalize to the same
// identifier, so storage comparisons can be done bytewise.
func Normalize(ident ACMEIdentifier) (ACMEIdentifier, error) {
	if ident.Type != DNS {
		return ident, nil
	}
	lowered := strings.ToLower(strings.TrimSuffix(ident.Value, "."))
	ascii, err := idna.Lookup.ToASCII(lowered)
	if err != nil {
		return ACMEIdentifier{}, err
	}
	return NewDNS(ascii), nil
}

// NormalizeAll normalizes a list of identifiers, deduplicates it, and sorts it
// by type then value. The result is the canonical identifier set used to
// compare orders against CSRs and against each other.
func NormalizeAll(idents []ACMEIdentifier) ([]ACMEIdentifier, error) {
	seen := make(map[ACMEIdentifier]struct{}, len(idents))
	out := make([]ACMEIdentifier, 0, len(idents))
	for _, ident := range idents {
		norm, err := Normalize(ident)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Value < out[j].Value
	})
	return out, nil
}

// FromCSR extracts the identifiers requested by a CSR: every DNS SAN, plus the
// common name if it is nonempty and not already a SAN. The result is
// normalized.
func FromCSR(csr *x509.CertificateRequest) ([]ACMEIdentifier, error) {
	var idents []ACMEIdentifier
	if csr.Subject.CommonName != "" {
		idents = append(idents, NewDNS(csr.Subject.CommonName))
	}
	for _, name := range csr.DNSNames {
		idents = append(idents, NewDNS(name))
	}
	return NormalizeAll(idents)
}

// Match reports whether two normalized identifier lists contain exactly the
// same identifiers.
func Match(a, b []ACMEIdentifier) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
