// The admin binary provides privileged inspection and revocation commands
// against the broker's database. It bypasses the ACME interface entirely and
// is meant for operators, not subscribers.
package main

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"os/user"
	"strconv"

	"github.com/jmhodges/clock"

	"github.com/acmetk/acme-broker/cmd"
	"github.com/acmetk/acme-broker/core"
	"github.com/acmetk/acme-broker/goodkey"
	blog "github.com/acmetk/acme-broker/log"
	"github.com/acmetk/acme-broker/ra"
	"github.com/acmetk/acme-broker/sa"
)

const usageString = `
usage:
  admin -config <path> serial-revoke <serial> <reason-code>
  admin -config <path> get-cert <serial>
  admin -config <path> get-reg <registration-id>
  admin -config <path> get-order <order-id>

args:
  serial           certificate serial (hex, as printed in the audit log)
  reason-code      RFC 5280 revocation reason (0, 1, 4 or 5)
`

// Config is the JSON configuration for the admin binary. It only needs the
// database and logging sections of the broker's config.
type Config struct {
	Admin struct {
		cmd.ServiceConfig
		DB cmd.DBConfig
	}

	Syslog cmd.SyslogConfig
}

func usage() {
	fmt.Fprint(os.Stderr, usageString)
	os.Exit(1)
}

// setup builds the storage authority and a partially wired engine. Admin
// commands never validate or issue, so the engine's VA, CA and PA are nil.
func setup(configFile string) (core.StorageAuthority, *ra.RegistrationAuthorityImpl, blog.Logger) {
	var c Config
	err := cmd.ReadConfigFile(configFile, &c)
	cmd.FailOnError(err, "Reading JSON config file into config structure")

	scope, logger := cmd.StatsAndLogging(c.Syslog, c.Admin.DebugAddr)

	clk := clock.New()
	dbURL, err := c.Admin.DB.URL()
	cmd.FailOnError(err, "Couldn't load DB URL")
	dbMap, err := sa.InitWrappedDb(dbURL, c.Admin.DB.DbSettings())
	cmd.FailOnError(err, "While initializing dbMap")
	sai, err := sa.NewSQLStorageAuthority(dbMap, clk, logger)
	cmd.FailOnError(err, "Failed to create SA impl")

	kp, err := goodkey.NewPolicy(&goodkey.Config{})
	cmd.FailOnError(err, "Unable to create key policy")
	rai := ra.NewRegistrationAuthorityImpl(
		clk, logger, scope, sai, nil, nil, nil, &kp,
		100, 1, 0, 0, 0, 1)

	return sai, rai, logger
}

func revokeBySerial(ctx context.Context, sai core.StorageAuthority, rai *ra.RegistrationAuthorityImpl, serial string, reason int64) error {
	if !core.ValidSerial(serial) {
		return fmt.Errorf("invalid serial %q", serial)
	}
	cert, err := sai.GetCertificate(ctx, serial)
	if err != nil {
		return fmt.Errorf("fetching certificate %s: %w", serial, err)
	}
	parsed, err := x509.ParseCertificate(cert.DER)
	if err != nil {
		return fmt.Errorf("parsing certificate %s: %w", serial, err)
	}

	operator := "admin"
	if u, err := user.Current(); err == nil {
		operator = u.Username
	}
	return rai.AdministrativelyRevokeCertificate(ctx, parsed, reason, operator)
}

func printCert(ctx context.Context, sai core.StorageAuthority, serial string) error {
	cert, err := sai.GetCertificate(ctx, serial)
	if err != nil {
		return err
	}
	fmt.Printf("Serial:       %s\nRegistration: %d\nIssued:       %s\nExpires:      %s\n",
		cert.Serial, cert.RegistrationID, cert.Issued, cert.Expires)
	return pem.Encode(os.Stdout, &pem.Block{Type: "CERTIFICATE", Bytes: cert.DER})
}

func printJSON(obj interface{}) error {
	out, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	configFile := flag.String("config", "", "File path to the configuration file for this service")
	flag.Usage = usage
	flag.Parse()
	if *configFile == "" || len(flag.Args()) < 2 {
		usage()
	}

	command := flag.Arg(0)
	ctx := context.Background()
	sai, rai, logger := setup(*configFile)

	var err error
	switch command {
	case "serial-revoke":
		if len(flag.Args()) != 3 {
			usage()
		}
		var reason int64
		reason, err = strconv.ParseInt(flag.Arg(2), 10, 64)
		cmd.FailOnError(err, "Reason code argument must be an integer")
		err = revokeBySerial(ctx, sai, rai, flag.Arg(1), reason)
		if err == nil {
			logger.Infof("Revoked certificate %s", flag.Arg(1))
		}

	case "get-cert":
		err = printCert(ctx, sai, flag.Arg(1))

	case "get-reg":
		var regID int64
		regID, err = strconv.ParseInt(flag.Arg(1), 10, 64)
		cmd.FailOnError(err, "Registration ID argument must be an integer")
		var reg core.Registration
		reg, err = sai.GetRegistration(ctx, regID)
		if err == nil {
			err = printJSON(reg)
		}

	case "get-order":
		var orderID int64
		orderID, err = strconv.ParseInt(flag.Arg(1), 10, 64)
		cmd.FailOnError(err, "Order ID argument must be an integer")
		var order core.Order
		order, err = sai.GetOrder(ctx, orderID)
		if err == nil {
			err = printJSON(order)
		}

	default:
		usage()
	}
	cmd.FailOnError(err, fmt.Sprintf("Command %q failed", command))
}
