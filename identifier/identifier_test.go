package identifier

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		input    string
		expected string
	}{
		{"example.com", "example.com"},
		{"EXAMPLE.COM", "example.com"},
		{"Example.Com.", "example.com"},
		{"bücher.example", "xn--bcher-kva.example"},
		{"BÜCHER.example", "xn--bcher-kva.example"},
		{"xn--bcher-kva.example", "xn--bcher-kva.example"},
	}
	for _, tc := range cases {
		got, err := Normalize(NewDNS(tc.input))
		if err != nil {
			t.Errorf("Normalize(%q) returned error: %s", tc.input, err)
			continue
		}
		if got.Value != tc.expected {
			t.Errorf("Normalize(%q) = %q, expected %q", tc.input, got.Value, tc.expected)
		}
	}
}

func TestNormalizeInvalid(t *testing.T) {
	for _, input := range []string{"exa mple.com", "-example.com", "example..com"} {
		_, err := Normalize(NewDNS(input))
		if err == nil {
			t.Errorf("Normalize(%q) did not error", input)
		}
	}
}

func TestNormalizeAllDedupesAndSorts(t *testing.T) {
	idents, err := NormalizeAll([]ACMEIdentifier{
		NewDNS("Z.example.com"),
		NewDNS("a.example.com"),
		NewDNS("z.EXAMPLE.com"),
	})
	if err != nil {
		t.Fatalf("NormalizeAll returned error: %s", err)
	}
	if len(idents) != 2 {
		t.Fatalf("expected 2 identifiers, got %d", len(idents))
	}
	if idents[0].Value != "a.example.com" || idents[1].Value != "z.example.com" {
		t.Errorf("unexpected ordering: %v", idents)
	}
}

func TestFromCSRIncludesCommonName(t *testing.T) {
	csr := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "CN.example.com"},
		DNSNames: []string{"san.example.com", "cn.example.com"},
	}
	idents, err := FromCSR(csr)
	if err != nil {
		t.Fatalf("FromCSR returned error: %s", err)
	}
	expected := []ACMEIdentifier{NewDNS("cn.example.com"), NewDNS("san.example.com")}
	if !Match(idents, expected) {
		t.Errorf("FromCSR = %v, expected %v", idents, expected)
	}
}

func TestMatch(t *testing.T) {
	a := []ACMEIdentifier{NewDNS("a.example.com"), NewDNS("b.example.com")}
	b := []ACMEIdentifier{NewDNS("a.example.com"), NewDNS("b.example.com")}
	if !Match(a, b) {
		t.Error("identical lists did not match")
	}
	if Match(a, b[:1]) {
		t.Error("lists of different lengths matched")
	}
	c := []ACMEIdentifier{NewDNS("a.example.com"), NewDNS("c.example.com")}
	if Match(a, c) {
		t.Error("lists with different members matched")
	}
}
