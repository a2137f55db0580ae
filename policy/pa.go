// Package policy decides which identifiers the broker is willing to accept
// orders for, and which challenge types it offers for them.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"

	"github.com/weppos/publicsuffix-go/publicsuffix"
	"golang.org/x/net/idna"

	"github.com/acmetk/acme-broker/core"
	berrors "github.com/acmetk/acme-broker/errors"
	"github.com/acmetk/acme-broker/identifier"
	blog "github.com/acmetk/acme-broker/log"
	"github.com/acmetk/acme-broker/reloader"
	"github.com/acmetk/acme-broker/strictyaml"
)

// AuthorityImpl enforces policy decisions about which identifiers the
// broker will accept.
type AuthorityImpl struct {
	log blog.Logger

	blocklist              map[string]bool
	exactBlocklist         map[string]bool
	wildcardExactBlocklist map[string]bool
	blocklistMu            sync.RWMutex

	enabledChallenges map[core.AcmeChallenge]bool
}

// New constructs a Policy Authority.
func New(challengeTypes map[core.AcmeChallenge]bool, log blog.Logger) (*AuthorityImpl, error) {
	return &AuthorityImpl{
		log:               log,
		enabledChallenges: challengeTypes,
	}, nil
}

// blockedNamesPolicy is the YAML structure of the blocked names file. Names
// on HighRiskBlockedNames block the name and every name below it. Names on
// ExactBlockedNames block only that one label-wise name, and additionally
// block wildcards that would cover it.
type blockedNamesPolicy struct {
	HighRiskBlockedNames []string `yaml:"HighRiskBlockedNames"`
	ExactBlockedNames    []string `yaml:"ExactBlockedNames"`
}

// LoadHostnamePolicyFile will load the given policy file, returning an
// error if it fails. It also starts a reloader in case the file changes.
func (pa *AuthorityImpl) LoadHostnamePolicyFile(f string) error {
	_, err := reloader.New(f, func(b []byte, err error) error {
		if err != nil {
			pa.log.AuditErrf("error reloading hostname policy: %s", err)
			return err
		}
		loadErr := pa.loadHostnamePolicy(b)
		if loadErr != nil {
			pa.log.AuditErrf("error loading hostname policy: %s", loadErr)
		}
		return loadErr
	})
	return err
}

func (pa *AuthorityImpl) loadHostnamePolicy(contents []byte) error {
	hash := sha256.Sum256(contents)
	pa.log.Infof("loading hostname policy, sha256: %s", hex.EncodeToString(hash[:]))

	var policy blockedNamesPolicy
	err := strictyaml.Unmarshal(contents, &policy)
	if err != nil {
		return fmt.Errorf("failed to parse blocked names policy: %w", err)
	}
	if len(policy.HighRiskBlockedNames) == 0 {
		return fmt.Errorf("no entries in HighRiskBlockedNames")
	}

	nameMap := make(map[string]bool, len(policy.HighRiskBlockedNames))
	for _, v := range policy.HighRiskBlockedNames {
		nameMap[v] = true
	}
	exactNameMap := make(map[string]bool, len(policy.ExactBlockedNames))
	wildcardNameMap := make(map[string]bool, len(policy.ExactBlockedNames))
	for _, v := range policy.ExactBlockedNames {
		exactNameMap[v] = true
		// Remove the leftmost label to produce the name that a covering
		// wildcard would be requested for. If "highvalue.example.com" is
		// exact-blocked then "*.example.com" must be blocked too.
		parts := strings.SplitN(v, ".", 2)
		if len(parts) < 2 {
			return fmt.Errorf("malformed ExactBlockedNames entry, only one label: %q", v)
		}
		wildcardNameMap[parts[1]] = true
	}
	pa.blocklistMu.Lock()
	pa.blocklist = nameMap
	pa.exactBlocklist = exactNameMap
	pa.wildcardExactBlocklist = wildcardNameMap
	pa.blocklistMu.Unlock()
	return nil
}

const (
	maxLabels = 10

	// RFC 1035 names have a max of 255 octets. Two of those are taken up
	// by the leading length byte and the trailing root period, leaving 253.
	maxLabelLength         = 63
	maxDNSIdentifierLength = 253
)

var dnsLabelRegexp = regexp.MustCompile("^[a-z0-9][a-z0-9-]{0,62}$")
var punycodeRegexp = regexp.MustCompile("^xn--")
var idnReservedRegexp = regexp.MustCompile("^[a-z0-9]{2}--")

func isDNSCharacter(ch byte) bool {
	return ('a' <= ch && ch <= 'z') ||
		('A' <= ch && ch <= 'Z') ||
		('0' <= ch && ch <= '9') ||
		ch == '.' || ch == '-' || ch == '*'
}

var (
	errUnsupportedIdentifier = berrors.RejectedIdentifierError("Unsupported identifier type")
	errNonPublic             = berrors.RejectedIdentifierError("Name does not end in a public suffix")
	errICANNTLD              = berrors.RejectedIdentifierError("Name is an ICANN TLD")
	errBlocked               = berrors.RejectedIdentifierError("Policy forbids issuing for name")
	errInvalidDNSCharacter   = berrors.MalformedError("Invalid character in DNS name")
	errNameTooLong           = berrors.MalformedError("DNS name too long")
	errIPAddressInDNS        = berrors.MalformedError("Identifier type is DNS but value is an IP address")
	errTooManyLabels         = berrors.MalformedError("DNS name has too many labels")
	errEmptyIdentifier       = berrors.MalformedError("Identifier value (name) is empty")
	errNameEndsInDot         = berrors.MalformedError("DNS name ends in a dot")
	errTooFewLabels          = berrors.MalformedError("DNS name does not have enough labels")
	errLabelTooLong          = berrors.MalformedError("DNS label is too long")
	errMalformedIDN          = berrors.MalformedError("DNS label contains malformed punycode")
	errInvalidRLDH           = berrors.RejectedIdentifierError("DNS name contains a forbidden R-LDH label")
	errTooManyWildcards      = berrors.MalformedError("DNS name had more than one wildcard")
	errMalformedWildcard     = berrors.MalformedError("DNS name had a malformed wildcard label")
	errICANNTLDWildcard      = berrors.MalformedError("DNS name was a wildcard for an ICANN TLD")
)

// validNonWildcardDomain checks that a domain is well formed, resolvable in
// the public DNS tree, and not forbidden by policy. It expects the domain
// to already be normalized to lowercase.
func (pa *AuthorityImpl) validNonWildcardDomain(domain string) error {
	if domain == "" {
		return errEmptyIdentifier
	}

	for _, ch := range []byte(domain) {
		if !isDNSCharacter(ch) || ch == '*' {
			return errInvalidDNSCharacter
		}
	}

	if len(domain) > maxDNSIdentifierLength {
		return errNameTooLong
	}

	if ip := net.ParseIP(domain); ip != nil {
		return errIPAddressInDNS
	}

	if strings.HasSuffix(domain, ".") {
		return errNameEndsInDot
	}

	labels := strings.Split(domain, ".")
	if len(labels) > maxLabels {
		return errTooManyLabels
	}
	if len(labels) < 2 {
		return errTooFewLabels
	}
	for _, label := range labels {
		if len(label) > maxLabelLength {
			return errLabelTooLong
		}
		if !dnsLabelRegexp.MatchString(label) {
			return errInvalidDNSCharacter
		}
		if label[len(label)-1] == '-' {
			return errInvalidDNSCharacter
		}
		if punycodeRegexp.MatchString(label) {
			// We don't care about script usage. If a name is resolvable it
			// was registered with a higher power and they enforce their own
			// policy. Proper encoding is enough for us.
			_, err := idna.ToUnicode(label)
			if err != nil {
				return errMalformedIDN
			}
		} else if idnReservedRegexp.MatchString(label) {
			return errInvalidRLDH
		}
	}

	// Names must end in an ICANN TLD, but must not be equal to an ICANN TLD.
	icannTLD, err := extractDomainIANASuffix(domain)
	if err != nil {
		return errNonPublic
	}
	if icannTLD == domain {
		return errICANNTLD
	}

	return pa.checkHostLists(domain)
}

// validWildcardDomain checks that a domain with a single leading wildcard
// label is well formed and not forbidden by policy.
func (pa *AuthorityImpl) validWildcardDomain(domain string) error {
	if strings.Count(domain, "*") > 1 {
		return errTooManyWildcards
	}
	if !strings.HasPrefix(domain, "*.") {
		return errMalformedWildcard
	}

	baseDomain := strings.TrimPrefix(domain, "*.")
	icannTLD, err := extractDomainIANASuffix(baseDomain)
	if err != nil {
		return errNonPublic
	}
	// Names must have a non-wildcard label immediately adjacent to the
	// ICANN TLD. No `*.com`.
	if baseDomain == icannTLD {
		return errICANNTLDWildcard
	}
	err = pa.checkWildcardHostList(baseDomain)
	if err != nil {
		return err
	}
	return pa.validNonWildcardDomain(baseDomain)
}

// WillingToIssue determines whether the broker is willing to accept orders
// for every identifier on the list. It expects identifiers to already be
// normalized. If any identifier is rejected, the returned error is a
// RejectedIdentifier or Malformed error describing the first failure.
func (pa *AuthorityImpl) WillingToIssue(idents []identifier.ACMEIdentifier) error {
	if len(idents) == 0 {
		return errEmptyIdentifier
	}
	for _, ident := range idents {
		if ident.Type != identifier.DNS {
			return errUnsupportedIdentifier
		}
		var err error
		if strings.Contains(ident.Value, "*") {
			err = pa.validWildcardDomain(ident.Value)
		} else {
			err = pa.validNonWildcardDomain(ident.Value)
		}
		if err != nil {
			return fmt.Errorf("invalid identifier %q: %w", ident.Value, err)
		}
	}
	return nil
}

// checkWildcardHostList checks the wildcardExactBlocklist for a base
// domain. A hit means a wildcard for the base domain would cover an
// exact-blocked name.
func (pa *AuthorityImpl) checkWildcardHostList(domain string) error {
	pa.blocklistMu.RLock()
	defer pa.blocklistMu.RUnlock()

	if pa.blocklist == nil {
		return nil
	}
	if pa.wildcardExactBlocklist[domain] {
		return errBlocked
	}
	return nil
}

func (pa *AuthorityImpl) checkHostLists(domain string) error {
	pa.blocklistMu.RLock()
	defer pa.blocklistMu.RUnlock()

	if pa.blocklist == nil {
		return nil
	}

	labels := strings.Split(domain, ".")
	for i := range labels {
		joined := strings.Join(labels[i:], ".")
		if pa.blocklist[joined] {
			return errBlocked
		}
	}

	if pa.exactBlocklist[domain] {
		return errBlocked
	}
	return nil
}

// ChallengeTypesFor returns the challenge types the broker offers for the
// given identifier. Wildcard names only get DNS-01, since no HTTP server
// can answer for every name under a wildcard.
func (pa *AuthorityImpl) ChallengeTypesFor(ident identifier.ACMEIdentifier) ([]core.AcmeChallenge, error) {
	if strings.HasPrefix(ident.Value, "*.") {
		if !pa.enabledChallenges[core.ChallengeTypeDNS01] {
			return nil, fmt.Errorf(
				"challenges requested for wildcard identifier but DNS-01 challenge type is not enabled")
		}
		return []core.AcmeChallenge{core.ChallengeTypeDNS01}, nil
	}

	var challenges []core.AcmeChallenge
	if pa.enabledChallenges[core.ChallengeTypeHTTP01] {
		challenges = append(challenges, core.ChallengeTypeHTTP01)
	}
	if pa.enabledChallenges[core.ChallengeTypeDNS01] {
		challenges = append(challenges, core.ChallengeTypeDNS01)
	}
	if len(challenges) == 0 {
		return nil, fmt.Errorf("no challenge types enabled for identifier %q", ident.Value)
	}
	return challenges, nil
}

// ChallengeTypeEnabled returns whether the specified challenge type is
// enabled.
func (pa *AuthorityImpl) ChallengeTypeEnabled(t core.AcmeChallenge) bool {
	return pa.enabledChallenges[t]
}

// extractDomainIANASuffix returns the public suffix of the domain using
// only the "ICANN" section of the Public Suffix List database. If the
// domain does not end in a suffix that belongs to an IANA-assigned domain,
// it returns an error.
func extractDomainIANASuffix(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("blank name argument passed to extractDomainIANASuffix")
	}

	rule := publicsuffix.DefaultList.Find(name, &publicsuffix.FindOptions{IgnorePrivate: true, DefaultRule: nil})
	if rule == nil {
		return "", fmt.Errorf("domain %s has no IANA TLD", name)
	}

	suffix := rule.Decompose(name)[1]

	// If the TLD is empty, name is actually a suffix; Decompose returns
	// empty strings in this case.
	if suffix == "" {
		suffix = name
	}
	return suffix, nil
}
