package commands

import (
	"context"
	stdlog "log"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

type Globals struct {
	Dev     bool
	Version string
}

// Every route answers with a small JSON document or a rendered page, nothing
// streams, so requests are held to short deadlines.
const (
	headerTimeout  = 2 * time.Second
	requestTimeout = 10 * time.Second
	responseLimit  = 15 * time.Second
	keepAlive      = 60 * time.Second
	maxHeaderBytes = 16 << 10 // identity cookie plus CORS headers
)

// newHTTPServer builds the server for handler. Requests inherit ctx values but
// not its cancellation, so a shutdown signal lets in-flight calls finish.
func newHTTPServer(ctx context.Context, addr string, handler http.Handler, log zerolog.Logger) *http.Server {
	base := context.WithoutCancel(ctx)

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: headerTimeout,
		ReadTimeout:       requestTimeout,
		WriteTimeout:      responseLimit,
		IdleTimeout:       keepAlive,
		MaxHeaderBytes:    maxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return base },
		ErrorLog:          stdlog.New(log.With().Str("component", "http").Logger(), "", 0),
	}
}
