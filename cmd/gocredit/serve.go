package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/gocredit/internal/config"
	"github.com/mihaimyh/gocredit/pkg/api"
	"github.com/mihaimyh/gocredit/pkg/billing"
	billingprom "github.com/mihaimyh/gocredit/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/gocredit/pkg/billing/stripe"
	"github.com/mihaimyh/gocredit/pkg/gocredit"
	zerologadapter "github.com/mihaimyh/gocredit/pkg/gocredit/logger/zerolog"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the credits API server",
	Long: `Start the credits API, the Stripe webhook receiver (when billing.stripe.api_key
is set) and the Prometheus metrics server (when metrics.enabled is set).

Examples:
  gocredit serve
  gocredit serve --config /etc/gocredit/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, os.Stdout)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, closeStorage, err := openStorage(ctx, cfg.Storage, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStorage(); err != nil {
			logger.Warn().Err(err).Msg("failed to close storage")
		}
	}()

	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	var registerer prometheus.Registerer
	if reg != nil {
		registerer = reg
	}
	manager, err := newManager(cfg, storage, logger, registerer)
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	router, err := newRouter(cfg, manager, logger, registerer)
	if err != nil {
		return err
	}

	servers := []*http.Server{{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}}
	if reg != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		servers = append(servers, &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadTimeout: cfg.Server.ReadTimeout})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info().Msg("shutting down")
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// newRouter mounts the credits API under /v1 plus health and webhook endpoints.
func newRouter(cfg *config.Config, manager *gocredit.Manager, logger zerolog.Logger,
	reg prometheus.Registerer) (http.Handler, error) {
	adapter := zerologadapter.NewLogger(logger)

	apiConfig := api.Config{
		Manager: manager,
		Logger:  adapter,
	}
	if cfg.Server.UserHeader != "" {
		apiConfig.GetUserID = api.FromHeader(cfg.Server.UserHeader)
		apiConfig.IsAdmin = api.AdminToken(cfg.Server.AdminHeader, cfg.Server.AdminToken)
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	if cfg.Billing.Stripe.Enabled() {
		provider, err := newStripeProvider(cfg, manager,
			adapter.With(gocredit.Field{Key: "component", Value: "billing"}), reg)
		if err != nil {
			return nil, fmt.Errorf("create stripe provider: %w", err)
		}
		apiConfig.Billing = provider
		r.Handle(cfg.Billing.Stripe.WebhookPath, provider.WebhookHandler())
	}

	handler, err := api.NewHandler(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("create api handler: %w", err)
	}
	r.Mount("/v1", handler.Routes())
	return r, nil
}

func newStripeProvider(cfg *config.Config, manager *gocredit.Manager, logger gocredit.Logger,
	reg prometheus.Registerer) (*stripe.Provider, error) {
	sc := cfg.Billing.Stripe
	packs := make(map[string]billing.CreditPack, len(sc.Packs))
	for id, p := range sc.Packs {
		packs[id] = billing.CreditPack{Credits: p.Credits, ExpiryDays: p.ExpiryDays, PriceID: p.PriceID}
	}

	bc := billing.Config{
		Ledger:  manager.Ledger,
		Packs:   packs,
		Logger:  logger,
		Metrics: &billing.NoopMetrics{},
		WebhookCallback: func(_ context.Context, e billing.WebhookEvent) error {
			logger.Info("credit pack purchased",
				gocredit.Field{Key: "user_id", Value: e.UserID},
				gocredit.Field{Key: "pack_id", Value: e.PackID},
				gocredit.Field{Key: "credits", Value: e.Credits},
				gocredit.Field{Key: "payment_id", Value: e.PaymentID},
				gocredit.Field{Key: "replayed", Value: e.Replayed},
			)
			return nil
		},
	}
	if reg != nil {
		bc.Metrics = billingprom.NewMetrics(reg, cfg.Metrics.Namespace)
	}

	return stripe.NewProvider(stripe.Config{
		Config:              bc,
		StripeAPIKey:        sc.APIKey,
		StripeWebhookSecret: sc.WebhookSecret,
	})
}
