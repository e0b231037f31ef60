package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orrn/autoprint/internal/api"
	"github.com/orrn/autoprint/internal/api/middleware"
	"github.com/orrn/autoprint/internal/catalog"
	"github.com/orrn/autoprint/internal/config"
	"github.com/orrn/autoprint/internal/core"
	"github.com/orrn/autoprint/internal/db"
	"github.com/orrn/autoprint/internal/executor"
	"github.com/orrn/autoprint/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch engine and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		logger, err := config.NewLogger(cfg.Logging)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	store, err := db.Open(db.Config{Path: cfg.Database.Path})
	if err != nil {
		return err
	}
	defer store.Close()

	sender := webhook.NewWebhookSender(webhookConfig(cfg.Webhooks), logger)
	sender.Start()
	defer sender.Stop()

	engine := core.NewEngine(
		core.WithLogger(logger),
		core.WithStore(store),
		core.WithAuditSink(store),
		core.WithExecutor(newExecutor(cfg.Executor, logger)),
		core.WithWebhookSender(sender),
		core.WithConfig(core.EngineConfig{
			Dispatcher: core.DispatcherConfig{
				WorkerCount:     cfg.Dispatcher.WorkerCount,
				PollInterval:    cfg.Dispatcher.PollInterval,
				ExecutorTimeout: cfg.Dispatcher.ExecutorTimeout,
			},
			BatchWindow: cfg.Dispatcher.BatchWindow,
		}),
	)

	if err := loadCatalog(ctx, engine, cfg.CatalogPath, logger); err != nil {
		return err
	}

	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	var auth *middleware.AuthMiddleware
	if cfg.Auth.Enabled {
		clients := make([]middleware.Client, len(cfg.Auth.Clients))
		for i, c := range cfg.Auth.Clients {
			clients[i] = middleware.Client{ID: c.ID, SecretHash: c.SecretHash}
		}
		auth = middleware.NewAuthMiddleware(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, clients)
	}

	if logger.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(api.RouterConfig{
			Engine: engine,
			DB:     store,
			Auth:   auth,
			Logger: logger,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("http: listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("http: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func loadCatalog(ctx context.Context, engine *core.Engine, path string, logger *logrus.Logger) error {
	if path == "" {
		logger.Warn("catalog: no catalog configured, no rules loaded")
		return nil
	}
	f, err := catalog.Load(path)
	if err != nil {
		return err
	}

	cat, err := f.Build()
	if err != nil {
		logger.Warnf("catalog: some definitions were skipped: %v", err)
	}
	if err := engine.LoadCatalog(ctx, cat); err != nil {
		logger.Warnf("catalog: some definitions were rejected: %v", err)
	}
	logger.Infof("catalog: loaded %d printers, %d groups, %d rules", len(cat.Printers), len(cat.Groups), len(cat.Rules))
	return nil
}

func newExecutor(cfg config.ExecutorConfig, logger *logrus.Logger) core.Executor {
	if cfg.Mode == "http" {
		return executor.NewHTTPExecutor(cfg.URL, cfg.Timeout, logger)
	}
	logger.Warn("executor: dry-run mode, nothing will be printed")
	return executor.NewDryRunExecutor(logger)
}

func webhookConfig(cfg config.WebhooksConfig) webhook.WebhookConfig {
	endpoints := make([]webhook.Endpoint, len(cfg.Endpoints))
	for i, ep := range cfg.Endpoints {
		endpoints[i] = webhook.Endpoint{
			Name:   ep.Name,
			URL:    ep.URL,
			Secret: ep.Secret,
			Events: ep.Events,
		}
	}
	return webhook.WebhookConfig{
		Endpoints:   endpoints,
		RetryCount:  cfg.MaxRetries,
		Timeout:     cfg.Timeout,
		WorkerCount: cfg.Workers,
	}
}
