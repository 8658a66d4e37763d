package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexacart/backend/config"
	httpDelivery "github.com/alexacart/backend/internal/delivery/http"
	"github.com/alexacart/backend/internal/infrastructure/alexa"
	"github.com/alexacart/backend/internal/infrastructure/cache"
	"github.com/alexacart/backend/internal/infrastructure/instacart"
	"github.com/alexacart/backend/internal/infrastructure/sqlite"
	"github.com/alexacart/backend/internal/usecase"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "1.0.0"

var (
	verbose bool
	logger  *zap.Logger
	cfg     *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "alexacart",
		Short: "Turn the Alexa shopping list into an Instacart cart",
		Long: `AlexaCart reads the Alexa shopping list, matches each entry against learned
product preferences, searches the store, and fills the cart after review.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(); err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if logger, err = newLogger(cfg.Server.Environment, verbose); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
		RunE: runServe,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	})
	rootCmd.AddCommand(newPrefsCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		// config is not needed to print the version
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("alexacart version %s\n", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds a console logger in development and JSON otherwise
func newLogger(environment string, verbose bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if environment == "development" {
		config = zap.NewDevelopmentConfig()
	}
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return config.Build()
}

func runServe(cmd *cobra.Command, args []string) error {
	logger.Info("Starting AlexaCart backend",
		zap.String("version", version),
		zap.String("environment", cfg.Server.Environment),
		zap.String("port", cfg.Server.Port))

	db, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()
	logger.Info("Preference store ready", zap.String("path", cfg.Store.Path))

	prefs := usecase.NewPreferenceService(sqlite.NewPreferenceRepository(db), logger)
	logs := sqlite.NewOrderLogRepository(db)

	list := alexa.NewClient(alexa.Config{
		BaseURL:      cfg.Alexa.BaseURL,
		CookiesPath:  cfg.Alexa.CookiesPath,
		ListName:     cfg.Alexa.ListName,
		SkipCheckoff: cfg.Alexa.SkipCheckoff,
		RateLimit:    cfg.Alexa.RateLimit,
		Timeout:      cfg.Alexa.Timeout,
	}, logger)
	if cfg.Alexa.SkipCheckoff {
		logger.Warn("Check-off disabled, list entries stay open after commit")
	}

	driver := instacart.NewDriver(instacart.Config{
		BaseURL:           cfg.Instacart.BaseURL,
		Store:             cfg.Instacart.Store,
		Headless:          cfg.Instacart.Headless,
		Bin:               cfg.Instacart.Bin,
		UserDataDir:       cfg.Instacart.UserDataDir,
		NavigationTimeout: cfg.Instacart.NavigationTimeout,
	}, logger)
	defer driver.Close()

	bus := usecase.NewEventBus()

	// sessions evicted from the registry also drop their event history
	var orders *usecase.OrderService
	registry := cache.NewSessionCache(cfg.Order.SessionTTL, 10*time.Minute, func(id string) {
		logger.Debug("Session evicted", zap.String("session", id))
		orders.Forget(id)
	})
	defer registry.Close()

	orders = usecase.NewOrderService(list, driver, prefs, logs, registry, bus, usecase.OrderServiceConfig{
		SessionTimeout: cfg.Order.SessionTimeout,
		CommitTimeout:  cfg.Order.CommitTimeout,
		Search: usecase.SearchConfig{
			Concurrency: cfg.Order.SearchConcurrency,
			TaskTimeout: cfg.Order.SearchTimeout,
		},
	}, logger)

	handler := httpDelivery.NewHandler(orders, prefs, logger)
	router := httpDelivery.SetupRouter(cfg, handler, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}

	// background pipelines and commits finish before the store closes
	orders.Wait()
	return nil
}
