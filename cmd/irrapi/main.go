// irrapi serves the IRR prefix lookup API: a thin HTTP front over the
// multi-source registry fetcher, for clients that cannot reach WHOIS
// servers directly.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/irrwatch/pkg/api"
	"github.com/malbeclabs/irrwatch/pkg/irr"
	"github.com/malbeclabs/irrwatch/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultMetricsAddr = "0.0.0.0:0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP server listen address")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "address to listen on for prometheus metrics")
	sourcesFlag := flag.StringSlice("sources", []string{"RADB", "RIPE", "NTTCOM"}, "IRR sources to query, in order")
	restBaseURLFlag := flag.String("rest-base-url", "https://rest.db.ripe.net", "base URL for the RIPE-style REST API")
	restRateLimitFlag := flag.Float64("rest-rate-limit", 0, "max REST queries per second (0 disables limiting)")
	whoisTimeoutFlag := flag.Duration("whois-timeout", 30*time.Second, "per-query WHOIS timeout")
	maxConcurrencyFlag := flag.Int("max-concurrency", 4, "maximum concurrent per-source queries")
	corsOriginsFlag := flag.String("cors-origins", "*", "comma-separated allowed CORS origins")
	flag.Parse()

	// godotenv does not override existing env vars, so process env and
	// explicit exports take precedence.
	_ = godotenv.Load()

	level := "info"
	if *verboseFlag {
		level = "debug"
	}
	log := logger.New(os.Stderr, level, os.Getenv("IRR_LOG_FORMAT"))

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Release: version}); err != nil {
			return fmt.Errorf("initializing sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry error reporting enabled")
	}

	var descriptors []irr.SourceDescriptor
	known := make(map[string]irr.SourceDescriptor)
	for _, d := range irr.DefaultSources() {
		known[d.Name] = d
	}
	for _, name := range *sourcesFlag {
		d, ok := known[strings.ToUpper(name)]
		if !ok {
			return fmt.Errorf("unknown IRR source %q", name)
		}
		switch d.Protocol {
		case irr.ProtocolREST:
			d.Endpoint = *restBaseURLFlag
		case irr.ProtocolWhois:
			d.Timeout = *whoisTimeoutFlag
		}
		descriptors = append(descriptors, d)
	}

	registry, err := irr.NewRegistry(irr.RegistryConfig{
		Logger:        log,
		Sources:       descriptors,
		RESTRateLimit: *restRateLimitFlag,
	})
	if err != nil {
		return fmt.Errorf("building source registry: %w", err)
	}

	fetcher, err := irr.NewFetcher(irr.FetcherConfig{
		Logger:         log,
		Registry:       registry,
		MaxConcurrency: *maxConcurrencyFlag,
	})
	if err != nil {
		return fmt.Errorf("building fetcher: %w", err)
	}

	server, err := api.NewServer(api.Config{
		Logger:      log,
		Fetcher:     fetcher,
		CORSOrigins: strings.Split(*corsOriginsFlag, ","),
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("building API server: %w", err)
	}

	handler := server.Router()
	if os.Getenv("SENTRY_DSN") != "" {
		handler = sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle(handler)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Prometheus metrics on a separate listener.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: *metricsAddrFlag, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              *listenAddrFlag,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("lookup API listening", "addr", *listenAddrFlag, "version", version, "sources", *sourcesFlag)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}
	return nil
}
