package cmd

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acmetk/acme-broker/config"
	"github.com/acmetk/acme-broker/sa"
)

// ConfigDuration is an alias kept so config structs can name durations
// without importing the config package directly.
type ConfigDuration = config.Duration

// PasswordConfig contains a path to a file containing a password.
type PasswordConfig struct {
	PasswordFile string `validate:"required"`
}

// Pass returns the password loaded from the file, with the trailing newline
// stripped.
func (pc *PasswordConfig) Pass() (string, error) {
	contents, err := os.ReadFile(pc.PasswordFile)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(contents), "\n"), nil
}

// ServiceConfig contains config items that are common to all our services, to
// be embedded in other config structs.
type ServiceConfig struct {
	// DebugAddr is the address to run the /debug handlers on.
	DebugAddr string `validate:"omitempty,hostname_port"`
}

// DBConfig defines how to connect to a database. The connect string is
// stored in a file separate from the config, because it can contain a
// password, which we want to keep out of configs.
type DBConfig struct {
	// A file containing a connect URL for the DB.
	DBConnectFile string `validate:"required"`

	// MaxOpenConns sets the maximum number of open connections to the
	// database. If MaxIdleConns is greater than 0 and MaxOpenConns is less
	// than MaxIdleConns, then MaxIdleConns will be reduced to match the new
	// MaxOpenConns limit. Zero means no limit.
	MaxOpenConns int `validate:"min=0"`

	// MaxIdleConns sets the maximum number of connections in the idle
	// connection pool.
	MaxIdleConns int `validate:"min=0"`

	// ConnMaxLifetime sets the maximum amount of time a connection may be
	// reused.
	ConnMaxLifetime config.Duration `validate:"-"`

	// ConnMaxIdleTime sets the maximum amount of time a connection may be
	// idle.
	ConnMaxIdleTime config.Duration `validate:"-"`
}

// URL returns the DBConnect URL represented by this DBConfig object, loading
// it from the file on disk. Leading and trailing whitespace is stripped.
func (d *DBConfig) URL() (string, error) {
	url, err := os.ReadFile(d.DBConnectFile)
	return strings.TrimSpace(string(url)), err
}

// DbSettings returns the connection pool settings in the form the sa
// package's database setup consumes.
func (d *DBConfig) DbSettings() sa.DbSettings {
	return sa.DbSettings{
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime.Duration,
		ConnMaxIdleTime: d.ConnMaxIdleTime.Duration,
	}
}

// ServiceDomain contains the service and domain name used to construct a SRV
// DNS query to lookup backends.
type ServiceDomain struct {
	// Service is the service name to be used for SRV lookups. For example:
	// if the resource record is 'foo.service.consul', then the 'Service' is
	// 'foo'.
	Service string `validate:"required"`

	// Domain is the domain name to be used for SRV lookups. For example: if
	// the resource record is 'foo.service.consul', then the 'Domain' is
	// 'service.consul'.
	Domain string `validate:"required"`
}

// TLSConfig represents certificates and a key for authenticated TLS.
type TLSConfig struct {
	CertFile   string `validate:"required"`
	KeyFile    string `validate:"required"`
	CACertFile string `validate:"required"`
}

// Load reads and parses the certificates and key listed in the TLSConfig,
// and returns a *tls.Config suitable for either client or server use. The
// certificate's expiry is exported as a gauge so it can be alerted on.
func (t *TLSConfig) Load(scope prometheus.Registerer) (*tls.Config, error) {
	if t == nil {
		return nil, errors.New("nil TLS section in config")
	}
	if t.CertFile == "" {
		return nil, errors.New("nil CertFile in TLSConfig")
	}
	if t.KeyFile == "" {
		return nil, errors.New("nil KeyFile in TLSConfig")
	}
	if t.CACertFile == "" {
		return nil, errors.New("nil CACertFile in TLSConfig")
	}
	caCertBytes, err := os.ReadFile(t.CACertFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA cert from %q: %s", t.CACertFile, err)
	}
	rootCAs := x509.NewCertPool()
	if ok := rootCAs.AppendCertsFromPEM(caCertBytes); !ok {
		return nil, fmt.Errorf("parsing CA certs from %s failed", t.CACertFile)
	}
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading key pair from %q and %q: %s",
			t.CertFile, t.KeyFile, err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parsing leaf certificate from %q: %s", t.CertFile, err)
	}
	tlsNotAfter := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tls_certificate_not_after",
			Help: "Unix timestamp at which the server's TLS certificate expires",
		},
		[]string{"subject"})
	err = scope.Register(tlsNotAfter)
	if err != nil {
		are := prometheus.AlreadyRegisteredError{}
		if errors.As(err, &are) {
			tlsNotAfter = are.ExistingCollector.(*prometheus.GaugeVec)
		} else {
			return nil, err
		}
	}
	tlsNotAfter.WithLabelValues(leaf.Subject.String()).Set(float64(leaf.NotAfter.Unix()))

	return &tls.Config{
		RootCAs:      rootCAs,
		ClientCAs:    rootCAs,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// SyslogConfig defines the config for syslogging.
// 3 means "error", 4 means "warning", 6 is "info" and 7 is "debug".
// Configuring a given level causes all messages at that level and below to
// be logged.
type SyslogConfig struct {
	// When absent or zero, this causes no logs to be emitted on stdout/stderr.
	// Errors and warnings will be emitted on stderr if the configured level
	// allows.
	StdoutLevel int `validate:"min=-1,max=7"`
	// When absent or zero, this defaults to logging all messages of level 6
	// or below. To disable syslog logging entirely, set this to -1.
	SyslogLevel int `validate:"min=-1,max=7"`
}
