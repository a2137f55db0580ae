// Package ca implements a small certificate authority that signs
// certificates with a locally held issuer. Deployments that broker to an
// upstream CA use the broker package instead; this issuer serves
// self-contained installations and development environments.
package ca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acmetk/acme-broker/core"
	berrors "github.com/acmetk/acme-broker/errors"
	blog "github.com/acmetk/acme-broker/log"
	"github.com/acmetk/acme-broker/must"
	"github.com/acmetk/acme-broker/policyasn1"
	"github.com/acmetk/acme-broker/privatekey"
)

// serialLength is the number of bytes in an issued serial. The leading
// prefix byte keeps serials a fixed 36 hex digits.
const serialLength = 18

// domainValidatedOID is the CA/Browser Forum reserved certificate policy
// identifier for domain validated certificates.
var domainValidatedOID = asn1.ObjectIdentifier{2, 23, 140, 1, 2, 1}

var certificatePoliciesExt = pkix.Extension{
	Id: policyasn1.CertificatePoliciesExtOID,
	Value: must.Do(asn1.Marshal([]policyasn1.PolicyInformation{
		{Policy: domainValidatedOID},
	})),
}

// CertificateAuthorityImpl signs subscriber certificates with the issuer it
// was constructed with.
type CertificateAuthorityImpl struct {
	clk clock.Clock
	log blog.Logger

	issuerCert *x509.Certificate
	issuerKey  crypto.Signer

	// serialPrefix is the first byte of every issued serial, so serials
	// from different issuing environments cannot collide.
	serialPrefix byte

	validity time.Duration
	backdate time.Duration

	issuanceCount *prometheus.CounterVec
}

var _ core.CertificateAuthority = (*CertificateAuthorityImpl)(nil)

// NewCertificateAuthorityImpl builds a CA around the given issuer. validity
// is the issued certificate lifetime, and backdate shifts notBefore into the
// past to tolerate clock skew on clients.
func NewCertificateAuthorityImpl(
	clk clock.Clock,
	logger blog.Logger,
	stats prometheus.Registerer,
	issuerCert *x509.Certificate,
	issuerKey crypto.Signer,
	serialPrefix byte,
	validity time.Duration,
	backdate time.Duration,
) (*CertificateAuthorityImpl, error) {
	if !issuerCert.IsCA {
		return nil, errors.New("issuer certificate is not a CA certificate")
	}
	if validity <= 0 {
		return nil, errors.New("certificate validity must be positive")
	}
	if backdate < 0 {
		return nil, errors.New("backdate must not be negative")
	}
	if serialPrefix < 1 || serialPrefix > 127 {
		return nil, errors.New("serial prefix must be between 1 and 127")
	}
	if !core.KeyDigestEquals(issuerKey.Public(), issuerCert.PublicKey) {
		return nil, errors.New("issuer key does not match issuer certificate")
	}

	issuanceCount := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ca_issuances",
			Help: "certificates issued by the local CA, by result",
		},
		[]string{"result"})
	stats.MustRegister(issuanceCount)

	return &CertificateAuthorityImpl{
		clk:           clk,
		log:           logger,
		issuerCert:    issuerCert,
		issuerKey:     issuerKey,
		serialPrefix:  serialPrefix,
		validity:      validity,
		backdate:      backdate,
		issuanceCount: issuanceCount,
	}, nil
}

// LoadIssuer reads an issuer certificate and its private key from PEM files
// and checks that they belong together.
func LoadIssuer(certPath, keyPath string) (*x509.Certificate, crypto.Signer, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading issuer certificate %q: %w", certPath, err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, nil, fmt.Errorf("no certificate PEM block found in %q", certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing issuer certificate %q: %w", certPath, err)
	}

	key, err := privatekey.Load(keyPath)
	if err != nil {
		return nil, nil, err
	}
	if err := privatekey.Verify(key); err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

// generateSerial produces a random serial with the configured prefix byte.
func (ca *CertificateAuthorityImpl) generateSerial() (*big.Int, error) {
	serialBytes := make([]byte, serialLength)
	serialBytes[0] = ca.serialPrefix
	if _, err := rand.Read(serialBytes[1:]); err != nil {
		return nil, berrors.InternalServerError("generating serial number: %s", err)
	}
	return new(big.Int).SetBytes(serialBytes), nil
}

// IssueCertificate signs a certificate for the CSR. The caller has already
// checked the CSR against the order and the key policy.
func (ca *CertificateAuthorityImpl) IssueCertificate(_ context.Context, csr *x509.CertificateRequest, order core.Order) (core.Certificate, error) {
	serial, err := ca.generateSerial()
	if err != nil {
		ca.issuanceCount.WithLabelValues("error").Inc()
		return core.Certificate{}, err
	}

	notBefore := ca.clk.Now().Add(-ca.backdate)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: csr.Subject.CommonName},
		DNSNames:              csr.DNSNames,
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(ca.validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		ExtraExtensions:       []pkix.Extension{certificatePoliciesExt},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.issuerCert, csr.PublicKey, ca.issuerKey)
	if err != nil {
		ca.issuanceCount.WithLabelValues("error").Inc()
		return core.Certificate{}, berrors.InternalServerError("signing certificate: %s", err)
	}

	serialString := core.SerialToString(serial)
	ca.issuanceCount.WithLabelValues("ok").Inc()
	ca.log.Infof("Issued certificate for order %d: serial %s", order.ID, serialString)
	return core.Certificate{
		RegistrationID: order.RegistrationID,
		Serial:         serialString,
		Digest:         core.Fingerprint256(der),
		DER:            der,
		Issued:         ca.clk.Now(),
		Expires:        template.NotAfter,
	}, nil
}
