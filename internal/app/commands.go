// Package app wires together configuration, key material, and the proxy
// engine behind a cobra command-line interface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rienafairefr/secure-api-proxy/internal/config"
	"github.com/rienafairefr/secure-api-proxy/internal/keys"
	"github.com/rienafairefr/secure-api-proxy/internal/logging"
	"github.com/rienafairefr/secure-api-proxy/internal/metrics"
	"github.com/rienafairefr/secure-api-proxy/internal/permission"
	"github.com/rienafairefr/secure-api-proxy/internal/proxyengine"
	"github.com/rienafairefr/secure-api-proxy/internal/scopeplugin"
	"github.com/rienafairefr/secure-api-proxy/internal/token"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var configFile string

var rootCmd = &cobra.Command{
	Use:               "magicproxy",
	DisableAutoGenTag: true,
	Short:             "magicproxy issues and validates magic tokens that hide an upstream API credential",
	Long: `magicproxy is an authenticating reverse proxy.

It mints "magic tokens" — signed, encrypted capability envelopes — that let
a client call a configured upstream API through the proxy without ever
learning the upstream credential the token carries. Requests are authorized
against a scope and permission matcher before being forwarded, and request
and response bodies are streamed through the proxy without being fully
buffered in memory.`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		debug, _ := cmd.Flags().GetBool("debug")
		logging.Initialize(debug)
		return nil
	},
}

// NewRootCmd builds the magicproxy root command.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file (YAML, JSON, or TOML)")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logging.Errorf("failed to bind debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.SilenceUsage = true
	return rootCmd
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the proxy server",
	RunE:  serveCmdFunc,
}

func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(viper.GetViper(), configFile)
	if err != nil {
		return err
	}

	return Serve(ctx, cfg)
}

// Serve builds the proxy's dependencies from cfg and runs the HTTP server
// until ctx is canceled, then shuts it down gracefully.
func Serve(ctx context.Context, cfg config.Config) error {
	keyProvider, err := keys.NewFileProvider(cfg.KeysConfig())
	if err != nil {
		return fmt.Errorf("app: failed to load key material: %w", err)
	}

	codec := token.NewCodec(keyProvider.Material())

	registry, err := cfg.BuildRegistry()
	if err != nil {
		return fmt.Errorf("app: failed to build scope registry: %w", err)
	}

	loader := scopeplugin.NewLoader(cfg.PluginsDir)
	if err := loader.Load(registry); err != nil {
		return fmt.Errorf("app: failed to load scope plugins: %w", err)
	}

	authorizer := permission.NewAuthorizer(registry)

	promRegistry := prometheus.NewRegistry()
	metricsRegistry := metrics.NewRegistry(promRegistry)

	upstreamURL, err := cfg.UpstreamURL()
	if err != nil {
		return fmt.Errorf("app: invalid upstream origin: %w", err)
	}

	engine := proxyengine.New(proxyengine.Config{
		UpstreamOrigin:              upstreamURL,
		Codec:                       codec,
		Registry:                    registry,
		Authorizer:                  authorizer,
		QueryParamsToClean:          cfg.QueryParamsToCleanSet(),
		CustomRequestHeadersToClean: cfg.CustomRequestHeadersToClean,
		StreamingThresholdBytes:     cfg.ResponseCallbackThresholdBytes,
		Metrics:                     metricsRegistry,
	})

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.Timeout(middlewareTimeout))
	r.Get("/healthz", handleHealthz)

	// metrics_address configures a separate listener for /metrics, keeping
	// telemetry scraping off the proxy's public listen address. When unset,
	// /metrics is mounted alongside the proxy routes instead.
	var metricsSrv *http.Server
	if cfg.MetricsAddress != "" {
		metricsRouter := chi.NewRouter()
		metricsRouter.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           metricsRouter,
			ReadHeaderTimeout: readHeaderTimeout,
		}
	} else {
		r.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	}

	r.Mount("/", engine.Handler())

	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              cfg.ListenAddress,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	logging.Infof("starting magicproxy on %s, upstream %s", srv.Addr, upstreamURL)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	if metricsSrv != nil {
		logging.Infof("serving metrics on %s", metricsSrv.Addr)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Errorf("metrics server stopped with error: %v", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: server stopped with error: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: server shutdown failed: %w", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	logging.Infof("magicproxy stopped")
	return nil
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
