package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wayfinder/fhirproxy/internal/config"
	"github.com/wayfinder/fhirproxy/internal/enrich"
	"github.com/wayfinder/fhirproxy/internal/platform/cache"
	"github.com/wayfinder/fhirproxy/internal/platform/fhir"
	"github.com/wayfinder/fhirproxy/internal/platform/middleware"
	"github.com/wayfinder/fhirproxy/internal/platform/telemetry"
	"github.com/wayfinder/fhirproxy/internal/platform/upstream"
	"github.com/wayfinder/fhirproxy/internal/proxy"

	apb "github.com/google/fhir/go/proto/google/fhir/proto/r4/core/resources/appointment_go_proto"
	opb "github.com/google/fhir/go/proto/google/fhir/proto/r4/core/resources/organization_go_proto"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhir-proxy",
		Short: "FHIR reverse proxy that enriches upstream responses",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(enrichCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy and admin servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func enrichCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enrich",
		Short: "Enrich a FHIR JSON document read from a file or stdin",
		Long: "Decodes one FHIR R4 JSON resource, applies the same enrichment the proxy applies " +
			"to upstream responses, and prints the result. Lookups go to the configured upstream.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())

			in := cmd.InOrStdin()
			if path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return runEnrich(cmd.Context(), cfg, logger, in, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringP("file", "f", "-", "FHIR JSON document to enrich, - for stdin")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// newDispatcher wires the enrichment rules to the upstream through a
// process-lifetime Organization cache.
func newDispatcher(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Metrics) (*enrich.Dispatcher, error) {
	client, err := upstream.NewClient(cfg.UpstreamFHIRBase(),
		upstream.WithTimeout(cfg.UpstreamLookupTimeout),
		upstream.WithLogger(logger),
		upstream.WithObserver(metrics),
	)
	if err != nil {
		return nil, err
	}
	orgCache := cache.New[*opb.Organization]("organization", cache.WithObserver(metrics))
	orgs := upstream.NewCachedOrganizations(client, orgCache)

	appointments := enrich.NewAppointmentRule(enrich.AppointmentRuleConfig{
		SourceOrganizationExtensionURL: cfg.SourceOrganizationExtensionURL,
		IdentifierSystem:               cfg.NationalRegistryIdentifierSystem,
	}, orgs, logger, metrics)

	registry, err := enrich.NewRegistry(
		enrich.For[*apb.Appointment](appointments),
	)
	if err != nil {
		return nil, err
	}
	return enrich.NewDispatcher(registry), nil
}

func runEnrich(ctx context.Context, cfg *config.Config, logger zerolog.Logger, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()
	}

	dispatcher, err := newDispatcher(cfg, logger, nil)
	if err != nil {
		return err
	}
	codec, err := fhir.NewCodec()
	if err != nil {
		return err
	}
	cr, err := codec.Decode(in)
	if err != nil {
		return err
	}
	if err := dispatcher.Enrich(ctx, cr); err != nil {
		return err
	}
	data, err := codec.Encode(cr)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func runServer() error {
	// Config is needed to pick the log format, so failures here use a
	// plain logger.
	cfg, err := loadConfig()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg, os.Stdout)

	var metrics *telemetry.Metrics
	if cfg.MetricsEnabled {
		metrics = telemetry.New("fhirproxy")
	}

	dispatcher, err := newDispatcher(cfg, logger, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build enrichment pipeline")
	}
	relay, err := proxy.NewRelay(dispatcher,
		proxy.WithLogger(logger),
		proxy.WithDecodeObserver(metrics),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build relay")
	}
	translator, err := proxy.NewTranslator(cfg.UpstreamOrigin())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build translator")
	}

	// Proxy server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = proxy.HTTPErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	proxy.NewHandler(translator, relay).RegisterRoutes(e)

	// Admin server
	admin := proxy.NewAdminServer(version, metrics)

	go func() {
		addr := ":" + cfg.AdminPort
		logger.Info().Str("addr", addr).Msg("starting admin server")
		if err := admin.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("admin server error")
		}
	}()
	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("upstream", cfg.UpstreamFHIRBase()).
			Str("version", version).
			Msg("starting proxy server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("proxy server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down servers")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("proxy server shutdown failed")
	}
	if err := admin.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("admin server shutdown failed")
	}
	logger.Info().Msg("servers stopped")
	return nil
}
