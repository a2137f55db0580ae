// Package cmd provides utilities that underlie the specific commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"log/syslog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/letsencrypt/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	blog "github.com/acmetk/acme-broker/log"
)

var validate = validator.New()

// ReadConfigFile takes a file path as an argument and attempts to unmarshal
// the content of the file into a struct containing a configuration of a
// service. Any config keys in the JSON file which do not correspond to
// expected keys in the config struct will result in errors.
func ReadConfigFile(filename string, out interface{}) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	err = decoder.Decode(out)
	if err != nil {
		return fmt.Errorf("unmarshalling config file %q: %w", filename, err)
	}
	err = validate.Struct(out)
	if err != nil {
		return fmt.Errorf("validating config file %q: %w", filename, err)
	}
	return nil
}

// StatsAndLogging constructs a prometheus registerer and an AuditLogger based
// on its config parameters, and return them both. It also spawns off an HTTP
// server on the provided port to report the stats and provide pprof profiling
// handlers. NewLogger and newStatsRegistry will call FailOnError internally,
// so errors are not returned.
func StatsAndLogging(logConf SyslogConfig, addr string) (prometheus.Registerer, blog.Logger) {
	logger := NewLogger(logConf)
	return newStatsRegistry(addr, logger), logger
}

// NewLogger creates a logger object with the provided settings, sets it as
// the global logger, and returns it.
func NewLogger(logConf SyslogConfig) blog.Logger {
	var logger blog.Logger
	if logConf.SyslogLevel >= 0 {
		syslogger, err := syslog.Dial(
			"",
			"",
			syslog.LOG_INFO|syslog.LOG_LOCAL0,
			path.Base(os.Args[0]))
		FailOnError(err, "Could not connect to Syslog")
		syslogLevel := int(syslog.LOG_INFO)
		if logConf.SyslogLevel != 0 {
			syslogLevel = logConf.SyslogLevel
		}
		logger, err = blog.New(syslogger, logConf.StdoutLevel, syslogLevel)
		FailOnError(err, "Could not connect to Syslog")
	} else {
		logger = blog.NewStdoutLogger(logConf.StdoutLevel)
	}
	_ = blog.Set(logger)
	return logger
}

// newStatsRegistry creates a prometheus registry with the process and go
// collectors attached, and serves it on the debug address alongside pprof.
func newStatsRegistry(addr string, logger blog.Logger) prometheus.Registerer {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(
		collectors.ProcessCollectorOpts{}))

	if addr == "" {
		logger.Info("No debug listen address specified")
		return registry
	}

	mux := http.NewServeMux()
	// pprof registers its handlers on http.DefaultServeMux.
	mux.Handle("/debug/", http.DefaultServeMux)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	logger.Infof("Debug server listening on %s", addr)
	server := http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		err := server.ListenAndServe()
		if err != nil {
			logger.Errf("unable to boot debug server on %s: %v", addr, err)
			os.Exit(1)
		}
	}()
	return registry
}

// Fail raises an error and exits the program.
func Fail(msg string) {
	logger := blog.Get()
	logger.AuditErr(msg)
	os.Exit(1)
}

// FailOnError calls Fail if the provided error is non-nil. This is useful
// for one-line error handling in top-level executables, but should generally
// be avoided in libraries. The message argument is optional and will be
// included in the exit message if provided.
func FailOnError(err error, msg string) {
	if err == nil {
		return
	}
	if msg != "" {
		Fail(fmt.Sprintf("%s: %s", msg, err))
	} else {
		Fail(err.Error())
	}
}

// CatchSignals blocks until a SIGTERM, SIGINT or SIGHUP is received, then
// runs the provided callback. The callback is expected to arrange for the
// program to exit.
func CatchSignals(logger blog.Logger, callback func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	sig := <-sigChan
	if logger != nil {
		logger.Infof("Caught %s", sig)
	}
	if callback != nil {
		callback()
	}
}

// VersionString produces a friendly Application version string.
func VersionString() string {
	name := path.Base(os.Args[0])
	version := "unknown"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		version = info.Main.Version
	}
	return fmt.Sprintf("Versions: %s=(%s) Golang=(%s)", name, version, runtime.Version())
}
