package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/coursepulse/internal/devapi"
	"github.com/wolfeidau/coursepulse/internal/logger"
	"github.com/wolfeidau/coursepulse/internal/telemetry"
)

type ServerCmd struct {
	// Server configuration
	Listen          string        `help:"HTTP server listen address" default:"127.0.0.1:8080" env:"COURSEPULSE_LISTEN"`
	ShutdownTimeout time.Duration `help:"time allowed for in-flight requests on shutdown" default:"10s"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"http://localhost:5173" env:"COURSEPULSE_CORS_ORIGINS"`

	// Accounts
	Users string `help:"YAML user directory (built-in development accounts when empty)" default:"" env:"COURSEPULSE_USERS_FILE"`

	// Maintenance
	Maintenance  bool          `help:"start with maintenance mode enabled" default:"false" env:"COURSEPULSE_MAINTENANCE"`
	GateInterval time.Duration `help:"how often the page gate re-reads the maintenance flag" default:"30s"`

	// Telemetry
	Tracing        bool          `help:"enable tracing" default:"false" env:"COURSEPULSE_TRACING"`
	SampleRatio    float64       `help:"trace sample ratio (1 samples everything)" default:"1"`
	MetricInterval time.Duration `help:"metric export interval" default:"30s"`
}

func (c *ServerCmd) Validate() error {
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return errors.New("sample ratio must be between 0 and 1")
	}
	if c.GateInterval < time.Second {
		return errors.New("gate interval must be at least 1s")
	}
	return nil
}

func (c *ServerCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Dev)

	log.Info().Str("version", globals.Version).Bool("dev", globals.Dev).Msg("Starting server")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Setup telemetry if enabled
	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName:    "coursepulse-server",
			Version:        globals.Version,
			SampleRatio:    c.SampleRatio,
			MetricInterval: c.MetricInterval,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	directory := devapi.DefaultDirectory()
	if c.Users != "" {
		var err error
		directory, err = devapi.LoadDirectory(c.Users)
		if err != nil {
			return fmt.Errorf("failed to load user directory: %w", err)
		}
		log.Info().Str("path", c.Users).Msg("Loaded user directory")
	} else {
		log.Warn().Msg("Using built-in development accounts. This should only be used in development!")
	}

	srv := devapi.New(devapi.Config{
		Directory:    directory,
		CORSOrigins:  c.CORSOrigins,
		GateInterval: c.GateInterval,
		Maintenance:  c.Maintenance,
	})
	srv.Start(ctx)
	defer srv.Stop()

	httpServer := newHTTPServer(ctx, c.Listen, srv.Handler(log), log)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Bool("maintenance", c.Maintenance).Msg("Starting HTTP server")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Could not stop server gracefully")
		return httpServer.Close()
	}

	return nil
}
