package bdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"

	blog "github.com/acmetk/acme-broker/log"
	"github.com/acmetk/acme-broker/test"
)

// fakeExchanger returns canned responses keyed by question name.
type fakeExchanger struct {
	responses map[string]*dns.Msg
	errs      map[string]error
	calls     int
}

func (fe *fakeExchanger) ExchangeContext(_ context.Context, m *dns.Msg, _ string) (*dns.Msg, time.Duration, error) {
	fe.calls++
	name := m.Question[0].Name
	if err, ok := fe.errs[name]; ok {
		return nil, 0, err
	}
	if resp, ok := fe.responses[name]; ok {
		return resp, 0, nil
	}
	resp := new(dns.Msg)
	resp.SetReply(m)
	return resp, 0, nil
}

func testClient(fe *fakeExchanger, maxTries int) *impl {
	servers, _ := NewStaticProvider([]string{"127.0.0.1:53", "127.0.0.2:53"})
	client := New(time.Second, servers, prometheus.NewRegistry(), clock.NewFake(), maxTries, blog.NewMock()).(*impl)
	client.dnsClient = fe
	return client
}

func txtResponse(name string, values ...string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeTXT)
	resp := new(dns.Msg)
	resp.SetReply(m)
	for _, v := range values {
		resp.Answer = append(resp.Answer, &dns.TXT{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeTXT, Class: dns.ClassINET},
			Txt: []string{v},
		})
	}
	return resp
}

func TestLookupTXT(t *testing.T) {
	fe := &fakeExchanger{
		responses: map[string]*dns.Msg{
			"_acme-challenge.example.com.": txtResponse("_acme-challenge.example.com.", "expected-value"),
		},
	}
	client := testClient(fe, 3)

	txts, resolvers, err := client.LookupTXT(context.Background(), "_acme-challenge.example.com")
	test.AssertNotError(t, err, "LookupTXT failed")
	test.AssertDeepEquals(t, txts, []string{"expected-value"})
	test.AssertEquals(t, len(resolvers), 1)
}

func TestLookupTXTNoRecords(t *testing.T) {
	client := testClient(&fakeExchanger{}, 3)
	txts, _, err := client.LookupTXT(context.Background(), "empty.example.com")
	test.AssertNotError(t, err, "LookupTXT failed")
	test.AssertEquals(t, len(txts), 0)
}

func TestLookupTXTNXDOMAIN(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("missing.example.com.", dns.TypeTXT)
	resp := new(dns.Msg)
	resp.SetReply(m)
	resp.Rcode = dns.RcodeNameError

	fe := &fakeExchanger{responses: map[string]*dns.Msg{"missing.example.com.": resp}}
	client := testClient(fe, 3)

	_, _, err := client.LookupTXT(context.Background(), "missing.example.com")
	test.AssertError(t, err, "expected NXDOMAIN error")
	var dnsErr Error
	test.Assert(t, errors.As(err, &dnsErr), "expected a bdns.Error")
	test.AssertContains(t, err.Error(), "NXDOMAIN")
	test.AssertContains(t, err.Error(), "check that a DNS record exists")
}

func TestLookupHost(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	resp := new(dns.Msg)
	resp.SetReply(m)
	resp.Answer = append(resp.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET},
		A:   net.ParseIP("192.0.2.1"),
	})

	fe := &fakeExchanger{responses: map[string]*dns.Msg{"example.com.": resp}}
	client := testClient(fe, 3)

	addrs, _, err := client.LookupHost(context.Background(), "example.com")
	test.AssertNotError(t, err, "LookupHost failed")
	test.AssertEquals(t, len(addrs), 1)
	test.AssertEquals(t, addrs[0].String(), "192.0.2.1")
}

func TestRetryOnTimeout(t *testing.T) {
	fe := &fakeExchanger{
		errs: map[string]error{"flaky.example.com.": MockTimeoutError()},
	}
	client := testClient(fe, 3)

	_, _, err := client.LookupHost(context.Background(), "flaky.example.com")
	test.AssertError(t, err, "expected error after retries exhausted")
	test.AssertEquals(t, fe.calls, 3)

	var dnsErr Error
	test.Assert(t, errors.As(err, &dnsErr), "expected a bdns.Error")
	test.Assert(t, dnsErr.Timeout(), "expected a timeout error")
	test.AssertContains(t, err.Error(), detailDNSTimeout)
}

func TestNoRetryOnPermanentError(t *testing.T) {
	fe := &fakeExchanger{
		errs: map[string]error{"broken.example.com.": fmt.Errorf("protocol botch")},
	}
	client := testClient(fe, 3)

	_, _, err := client.LookupHost(context.Background(), "broken.example.com")
	test.AssertError(t, err, "expected error")
	test.AssertEquals(t, fe.calls, 1)
}

func TestStaticProviderValidation(t *testing.T) {
	_, err := NewStaticProvider([]string{"8.8.8.8:53"})
	test.AssertNotError(t, err, "valid address rejected")

	for _, bad := range []string{"8.8.8.8", "8.8.8.8:0", "8.8.8.8:notaport", ":53"} {
		_, err := NewStaticProvider([]string{bad})
		test.AssertError(t, err, "invalid address accepted: "+bad)
	}
}
