// The acme-broker binary runs every component of the broker in a single
// process: the ACME web front end, the state machine engine, the storage
// authority, the validation authority, the nonce service, and either an
// upstream broker client or a local certificate authority.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/acmetk/acme-broker/allowlist"
	"github.com/acmetk/acme-broker/bdns"
	"github.com/acmetk/acme-broker/broker"
	"github.com/acmetk/acme-broker/ca"
	"github.com/acmetk/acme-broker/cmd"
	"github.com/acmetk/acme-broker/config"
	"github.com/acmetk/acme-broker/core"
	"github.com/acmetk/acme-broker/features"
	"github.com/acmetk/acme-broker/goodkey"
	blog "github.com/acmetk/acme-broker/log"
	"github.com/acmetk/acme-broker/nonce"
	"github.com/acmetk/acme-broker/policy"
	"github.com/acmetk/acme-broker/privatekey"
	"github.com/acmetk/acme-broker/ra"
	bredis "github.com/acmetk/acme-broker/redis"
	"github.com/acmetk/acme-broker/reloader"
	"github.com/acmetk/acme-broker/sa"
	"github.com/acmetk/acme-broker/va"
	"github.com/acmetk/acme-broker/wfe"
)

// Config is the JSON configuration for the acme-broker binary.
type Config struct {
	Broker struct {
		cmd.ServiceConfig

		// ListenAddress is the address:port on which to listen for ACME
		// requests.
		ListenAddress string `validate:"required,hostname_port"`

		// Timeout bounds the handling of a single ACME request.
		Timeout config.Duration `validate:"-"`

		// ShutdownStopTimeout is how long to wait for in-flight requests
		// when shutting down.
		ShutdownStopTimeout config.Duration `validate:"-"`

		DB cmd.DBConfig

		// Redis configures the shared nonce redemption store. When absent,
		// redeemed nonces are only tracked in process memory, which is fine
		// for a single replica.
		Redis *bredis.Config

		// NonceTTL is how long redeemed nonces are remembered in Redis. It
		// should comfortably exceed the nonce service's own reuse window.
		NonceTTL config.Duration `validate:"-"`
	}

	WFE struct {
		SubscriberAgreementURL string
		DirectoryCAAIdentity   string
		DirectoryWebsite       string
		AllowOrigins           []string

		// CertificateChainFile holds PEM intermediates appended after the
		// leaf in certificate responses. Optional for self-contained test
		// deployments.
		CertificateChainFile string

		// ExternalAccountMACKeys maps EAB key identifiers to base64url
		// encoded HMAC-SHA256 keys.
		ExternalAccountMACKeys  map[string]string
		RequireExternalAccounts bool
	}

	RA struct {
		MaxNames              int `validate:"required,min=1"`
		MaxContactsPerReg     int `validate:"required,min=1"`
		OrderLifetime         config.Duration
		AuthorizationLifetime config.Duration
		ValidationTimeout     config.Duration

		// MaxValidationAttempts is how many times a single challenge may
		// fail validation before it is marked invalid.
		MaxValidationAttempts int `validate:"required,min=1"`

		// RateLimitPoliciesFilename is a YAML policy file watched for
		// changes at runtime.
		RateLimitPoliciesFilename string
	}

	VA struct {
		UserAgent    string
		DNSResolvers []string `validate:"required,min=1,dive,hostname_port"`
		DNSTimeout   config.Duration
		DNSTries     int
		// HTTPPort is the port http-01 validation connects to. Only ever a
		// port other than 80 in testing.
		HTTPPort int
	}

	PA struct {
		Challenges         map[core.AcmeChallenge]bool `validate:"required,min=1"`
		HostnamePolicyFile string
	}

	GoodKey goodkey.Config

	// Upstream configures brokering to an upstream ACME CA. Exactly one of
	// Upstream or CA must be present.
	Upstream *struct {
		DirectoryURL   string `validate:"required,url"`
		AccountKeyFile string `validate:"required"`
		Contacts       []string

		// EAB carries external account binding credentials required by some
		// upstream CAs at account creation.
		EAB *struct {
			KeyID      string `validate:"required"`
			MACKeyFile string `validate:"required"`
		}

		Timeout config.Duration

		// DNSProvider names the lego DNS provider used to publish dns-01
		// records in the zones the upstream CA validates. Credentials come
		// from the provider's environment variables.
		DNSProvider string `validate:"required"`

		// BrokeredDomainsFile is a YAML list of zones eligible for upstream
		// issuance. Orders for names outside these zones are rejected
		// before anything is sent upstream. When empty, every order is
		// brokered.
		BrokeredDomainsFile string

		PollInterval    config.Duration
		PollBase        config.Duration
		PollMax         config.Duration
		MaxPollAttempts int `validate:"required,min=1"`
		LeaseDuration   config.Duration
	}

	// CA configures local issuance from an issuer certificate on disk.
	CA *struct {
		IssuerCertFile string `validate:"required"`
		IssuerKeyFile  string `validate:"required"`
		SerialPrefix   int    `validate:"required,min=1,max=127"`
		Validity       config.Duration
		Backdate       config.Duration
	}

	Features features.Config

	Syslog cmd.SyslogConfig
}

// setupNonceService builds the nonce service, backed by Redis when
// configured so replicas share one redemption set.
func setupNonceService(c Config, scope prometheus.Registerer, logger blog.Logger) (*nonce.NonceService, error) {
	var store nonce.RedemptionStore
	if c.Broker.Redis != nil {
		var ring *redis.Ring
		if len(c.Broker.Redis.Lookups) > 0 {
			r, _, err := c.Broker.Redis.NewRingWithPeriodicLookups(scope, logger)
			if err != nil {
				return nil, err
			}
			ring = r
		} else {
			r, err := c.Broker.Redis.NewRing(scope)
			if err != nil {
				return nil, err
			}
			ring = r
		}
		store = nonce.NewRedisRedemptionStore(ring, c.Broker.NonceTTL.Duration, c.Broker.Redis.Timeout.Duration)
	}
	return nonce.NewNonceService(scope, store)
}

// setupCertificateAuthority returns either the upstream broker or the local
// CA, depending on which section the config carries. When brokering, the
// returned Broker is non-nil and its poller must be started.
func setupCertificateAuthority(
	c Config,
	clk clock.Clock,
	scope prometheus.Registerer,
	logger blog.Logger,
	sai core.StorageAuthority,
	dnsClient bdns.Client,
) (core.CertificateAuthority, *broker.Broker, error) {
	if c.Upstream != nil && c.CA != nil {
		return nil, nil, errors.New("config must not include both an upstream and a ca section")
	}

	if c.Upstream != nil {
		accountKey, err := privatekey.Load(c.Upstream.AccountKeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("loading upstream account key: %w", err)
		}

		var eab *broker.EABCredentials
		if c.Upstream.EAB != nil {
			macConf := cmd.PasswordConfig{PasswordFile: c.Upstream.EAB.MACKeyFile}
			macKey, err := macConf.Pass()
			if err != nil {
				return nil, nil, fmt.Errorf("loading upstream EAB MAC key: %w", err)
			}
			eab = &broker.EABCredentials{
				KeyID:  c.Upstream.EAB.KeyID,
				MACKey: macKey,
			}
		}

		client, err := broker.NewACMEClient(
			c.Upstream.DirectoryURL,
			accountKey,
			c.Upstream.Contacts,
			eab,
			c.Upstream.Timeout.Duration,
			logger)
		if err != nil {
			return nil, nil, err
		}

		provider, err := va.NewLegoProvider(c.Upstream.DNSProvider, dnsClient, logger)
		if err != nil {
			return nil, nil, err
		}

		var domains *allowlist.List[string]
		if c.Upstream.BrokeredDomainsFile != "" {
			contents, err := os.ReadFile(c.Upstream.BrokeredDomainsFile)
			if err != nil {
				return nil, nil, fmt.Errorf("reading brokered domains file: %w", err)
			}
			domains, err = allowlist.NewFromYAML[string](contents)
			if err != nil {
				return nil, nil, fmt.Errorf("parsing brokered domains file: %w", err)
			}
		}

		hostname, err := os.Hostname()
		if err != nil {
			hostname = "acme-broker"
		}
		holder := fmt.Sprintf("%s-%d", hostname, os.Getpid())

		brk, err := broker.New(
			clk, logger, scope, sai, client, provider, domains, holder,
			c.Upstream.PollBase.Duration,
			c.Upstream.PollMax.Duration,
			c.Upstream.MaxPollAttempts,
			c.Upstream.LeaseDuration.Duration)
		if err != nil {
			return nil, nil, err
		}
		return brk, brk, nil
	}

	if c.CA != nil {
		issuerCert, issuerKey, err := ca.LoadIssuer(c.CA.IssuerCertFile, c.CA.IssuerKeyFile)
		if err != nil {
			return nil, nil, err
		}
		cai, err := ca.NewCertificateAuthorityImpl(
			clk, logger, scope,
			issuerCert, issuerKey,
			byte(c.CA.SerialPrefix),
			c.CA.Validity.Duration,
			c.CA.Backdate.Duration)
		if err != nil {
			return nil, nil, err
		}
		return cai, nil, nil
	}

	return nil, nil, errors.New("config must include either an upstream or a ca section")
}

func main() {
	configFile := flag.String("config", "", "File path to the configuration file for this service")
	flag.Parse()
	if *configFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	var c Config
	err := cmd.ReadConfigFile(*configFile, &c)
	cmd.FailOnError(err, "Reading JSON config file into config structure")

	features.Set(c.Features)

	scope, logger := cmd.StatsAndLogging(c.Syslog, c.Broker.DebugAddr)
	defer logger.AuditPanic()
	logger.Info(cmd.VersionString())

	clk := clock.New()

	dbURL, err := c.Broker.DB.URL()
	cmd.FailOnError(err, "Couldn't load DB URL")
	dbMap, err := sa.InitWrappedDb(dbURL, c.Broker.DB.DbSettings())
	cmd.FailOnError(err, "While initializing dbMap")
	sai, err := sa.NewSQLStorageAuthority(dbMap, clk, logger)
	cmd.FailOnError(err, "Failed to create SA impl")

	nonceService, err := setupNonceService(c, scope, logger)
	cmd.FailOnError(err, "Failed to initialize nonce service")

	servers, err := bdns.NewStaticProvider(c.VA.DNSResolvers)
	cmd.FailOnError(err, "Couldn't parse DNS resolvers")
	dnsTries := c.VA.DNSTries
	if dnsTries < 1 {
		dnsTries = 1
	}
	dnsClient := bdns.New(c.VA.DNSTimeout.Duration, servers, scope, clk, dnsTries, logger)

	httpPort := c.VA.HTTPPort
	if httpPort == 0 {
		httpPort = 80
	}
	vai := va.NewValidationAuthorityImpl(dnsClient, httpPort, c.VA.UserAgent, scope, clk, logger)

	pai, err := policy.New(c.PA.Challenges, logger)
	cmd.FailOnError(err, "Couldn't create PA")
	if c.PA.HostnamePolicyFile != "" {
		err = pai.LoadHostnamePolicyFile(c.PA.HostnamePolicyFile)
		cmd.FailOnError(err, "Couldn't load hostname policy file")
	}

	kp, err := goodkey.NewPolicy(&c.GoodKey)
	cmd.FailOnError(err, "Unable to create key policy")

	certAuth, brk, err := setupCertificateAuthority(c, clk, scope, logger, sai, dnsClient)
	cmd.FailOnError(err, "Failed to set up certificate authority")

	rai := ra.NewRegistrationAuthorityImpl(
		clk, logger, scope,
		sai, vai, certAuth, pai, &kp,
		c.RA.MaxNames,
		c.RA.MaxContactsPerReg,
		c.RA.OrderLifetime.Duration,
		c.RA.AuthorizationLifetime.Duration,
		c.RA.ValidationTimeout.Duration,
		c.RA.MaxValidationAttempts)

	if c.RA.RateLimitPoliciesFilename != "" {
		_, err = reloader.New(c.RA.RateLimitPoliciesFilename, func(contents []byte, err error) error {
			if err != nil {
				return err
			}
			return rai.SetRateLimitPolicies(contents)
		})
		cmd.FailOnError(err, "Couldn't load rate limit policies")
	}

	wfeImpl, err := wfe.NewWebFrontEndImpl(scope, clk, kp, nonceService, rai, sai, logger)
	cmd.FailOnError(err, "Unable to create WFE")

	wfeImpl.SubscriberAgreementURL = c.WFE.SubscriberAgreementURL
	wfeImpl.DirectoryCAAIdentity = c.WFE.DirectoryCAAIdentity
	wfeImpl.DirectoryWebsite = c.WFE.DirectoryWebsite
	wfeImpl.AllowOrigins = c.WFE.AllowOrigins
	wfeImpl.RequestTimeout = c.Broker.Timeout.Duration
	wfeImpl.RequireExternalAccounts = c.WFE.RequireExternalAccounts

	if c.WFE.CertificateChainFile != "" {
		wfeImpl.CertificateChain, err = os.ReadFile(c.WFE.CertificateChainFile)
		cmd.FailOnError(err, fmt.Sprintf("Couldn't read certificate chain file [%s]", c.WFE.CertificateChainFile))
	}

	if len(c.WFE.ExternalAccountMACKeys) > 0 {
		wfeImpl.ExternalAccountKeys = make(map[string][]byte, len(c.WFE.ExternalAccountMACKeys))
		for keyID, encoded := range c.WFE.ExternalAccountMACKeys {
			macKey, err := base64.RawURLEncoding.DecodeString(encoded)
			cmd.FailOnError(err, fmt.Sprintf("Couldn't decode EAB MAC key %q", keyID))
			wfeImpl.ExternalAccountKeys[keyID] = macKey
		}
	}

	logger.Infof("Server running, listening on %s...", c.Broker.ListenAddress)
	srv := &http.Server{
		Addr:    c.Broker.ListenAddress,
		Handler: wfeImpl.Handler(),
	}

	ctx, stop := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if brk != nil {
		pollInterval := c.Upstream.PollInterval.Duration
		if pollInterval <= 0 {
			pollInterval = 30 * time.Second
		}
		group.Go(func() error {
			brk.RunPoller(groupCtx, pollInterval)
			return nil
		})
	}

	go cmd.CatchSignals(logger, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Broker.ShutdownStopTimeout.Duration)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		rai.DrainFinalize()
		stop()
	})

	err = group.Wait()
	cmd.FailOnError(err, "Broker shut down")
}
