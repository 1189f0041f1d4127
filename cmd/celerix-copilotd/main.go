// Command celerix-copilotd serves the docs copilot HTTP API.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/celerix-dev/celerix-copilot/internal/app"
	"github.com/celerix-dev/celerix-copilot/internal/config"
	"github.com/celerix-dev/celerix-copilot/internal/vault"
	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "celerix-copilotd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = pflag.StringP("config", "c", os.Getenv("COPILOT_CONFIG"), "config file (.toml, .yaml, .json or .jsonc)")
		listen     = pflag.StringP("listen", "l", "", "listen address, overrides APP_HOST/APP_PORT")
		logLevel   = pflag.String("log-level", "", "debug, info, warn or error")
		stub       = pflag.Bool("stub", false, "answer every query with the canned stub")
		tlsMode    = pflag.String("tls", "", "off or self-signed")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		if err := cfg.SetListenAddr(*listen); err != nil {
			return err
		}
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if pflag.CommandLine.Changed("stub") {
		cfg.Agent.Stub = *stub
	}
	if *tlsMode != "" {
		cfg.Server.TLS = *tlsMode
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.Logging.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.Server.TLS == config.TLSSelfSigned {
		logger.Info("generating self-signed certificate")
		cert, err := vault.GenerateSelfSignedCert(cfg.Server.Host)
		if err != nil {
			a.Close()
			return fmt.Errorf("generate TLS certificate: %w", err)
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("copilot listening",
			"addr", srv.Addr,
			"tls", cfg.Server.TLS,
			"strategy", a.Resolver.Strategy(),
			"durable_store", cfg.Storage.DatabaseURL != "")
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout.Std())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	if cerr := a.Close(); cerr != nil {
		logger.Error("close", "error", cerr)
	}
	logger.Info("stopped")
	return err
}
