package web

import (
	"bytes"
	"log"
	"net/http"
	"time"

	blog "github.com/acmetk/acme-broker/log"
)

type errorWriter struct {
	blog.Logger
}

func (ew errorWriter) Write(p []byte) (n int, err error) {
	// log.Logger will append a newline to all messages before calling
	// Write. Syslog strips trailing newlines, so remove the newline here
	// to keep stdout and syslog output identical.
	p = bytes.TrimRight(p, "\n")
	ew.Logger.Errf("net/http.Server: %s", p)
	return
}

// NewServer returns an http.Server which will listen on the given address, when
// started, for each path in the handler. Errors are sent to the given logger.
func NewServer(listenAddr string, handler http.Handler, logger blog.Logger) http.Server {
	return http.Server{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
		Addr:         listenAddr,
		ErrorLog:     log.New(errorWriter{logger}, "", 0),
		Handler:      handler,
	}
}
