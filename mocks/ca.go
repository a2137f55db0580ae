package mocks

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/jmhodges/clock"

	"github.com/acmetk/acme-broker/core"
)

// CertificateAuthority issues throwaway self-signed certificates covering
// the CSR's names.
type CertificateAuthority struct {
	clk clock.Clock
}

// NewCertificateAuthority returns a mock CA.
func NewCertificateAuthority(clk clock.Clock) *CertificateAuthority {
	return &CertificateAuthority{clk: clk}
}

// IssueCertificate signs a certificate for the CSR with a fresh ephemeral
// key. The serial is derived from the order ID so tests can predict it.
func (ca *CertificateAuthority) IssueCertificate(_ context.Context, csr *x509.CertificateRequest, order core.Order) (core.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return core.Certificate{}, err
	}

	serial := big.NewInt(order.ID)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: csr.Subject.CommonName},
		DNSNames:     csr.DNSNames,
		NotBefore:    ca.clk.Now(),
		NotAfter:     ca.clk.Now().Add(90 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, csr.PublicKey, key)
	if err != nil {
		return core.Certificate{}, err
	}

	return core.Certificate{
		RegistrationID: order.RegistrationID,
		Serial:         core.SerialToString(serial),
		Digest:         core.Fingerprint256(der),
		DER:            der,
		Issued:         ca.clk.Now(),
		Expires:        template.NotAfter,
	}, nil
}
