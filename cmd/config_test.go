package cmd

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acmetk/acme-broker/test"
)

func TestPasswordConfigPass(t *testing.T) {
	passFile := filepath.Join(t.TempDir(), "password")
	err := os.WriteFile(passFile, []byte("opensesame\n"), 0644)
	test.AssertNotError(t, err, "writing password file")

	pc := PasswordConfig{PasswordFile: passFile}
	pass, err := pc.Pass()
	test.AssertNotError(t, err, "reading password")
	test.AssertEquals(t, pass, "opensesame")

	pc = PasswordConfig{PasswordFile: filepath.Join(t.TempDir(), "missing")}
	_, err = pc.Pass()
	test.AssertError(t, err, "expected error for missing password file")
}

func TestDBConfigURL(t *testing.T) {
	connFile := filepath.Join(t.TempDir(), "dburl")
	err := os.WriteFile(connFile, []byte("  mysql+tcp://broker@localhost:3306/broker\n"), 0644)
	test.AssertNotError(t, err, "writing dburl file")

	d := DBConfig{DBConnectFile: connFile}
	url, err := d.URL()
	test.AssertNotError(t, err, "reading DB URL")
	test.AssertEquals(t, url, "mysql+tcp://broker@localhost:3306/broker")
}

func TestDBConfigDbSettings(t *testing.T) {
	d := DBConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: ConfigDuration{Duration: time.Minute},
	}
	settings := d.DbSettings()
	test.AssertEquals(t, settings.MaxOpenConns, 10)
	test.AssertEquals(t, settings.MaxIdleConns, 5)
	test.AssertEquals(t, settings.ConnMaxLifetime, time.Minute)
}

// writeTLSPair writes a self-signed certificate and its key under dir,
// returning the file paths. The certificate doubles as its own CA.
func writeTLSPair(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating key")
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "tls test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	test.AssertNotError(t, err, "self-signing certificate")

	certFile = filepath.Join(dir, "cert.pem")
	err = os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{
		Type: "CERTIFICATE", Bytes: der,
	}), 0644)
	test.AssertNotError(t, err, "writing certificate")

	keyDER, err := x509.MarshalECPrivateKey(key)
	test.AssertNotError(t, err, "marshaling key")
	keyFile = filepath.Join(dir, "key.pem")
	err = os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{
		Type: "EC PRIVATE KEY", Bytes: keyDER,
	}), 0644)
	test.AssertNotError(t, err, "writing key")
	return certFile, keyFile
}

func TestTLSConfigLoad(t *testing.T) {
	certFile, keyFile := writeTLSPair(t, t.TempDir())

	tc := TLSConfig{CertFile: certFile, KeyFile: keyFile, CACertFile: certFile}
	conf, err := tc.Load(prometheus.NewRegistry())
	test.AssertNotError(t, err, "loading TLS config")
	test.AssertNotNil(t, conf.RootCAs, "expected root CA pool")
	test.AssertEquals(t, len(conf.Certificates), 1)

	cases := []struct {
		name string
		conf TLSConfig
	}{
		{"NoCertFile", TLSConfig{KeyFile: keyFile, CACertFile: certFile}},
		{"NoKeyFile", TLSConfig{CertFile: certFile, CACertFile: certFile}},
		{"NoCACertFile", TLSConfig{CertFile: certFile, KeyFile: keyFile}},
		{"MissingCACertFile", TLSConfig{CertFile: certFile, KeyFile: keyFile, CACertFile: "does-not-exist"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.conf.Load(prometheus.NewRegistry())
			test.AssertError(t, err, "expected error loading incomplete TLS config")
		})
	}
}
