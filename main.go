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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tgpromote/internal/config"
	httpapi "tgpromote/internal/http"
	"tgpromote/internal/model"
	"tgpromote/internal/scheduler"
	"tgpromote/internal/sender"
	"tgpromote/internal/storage"
	"tgpromote/internal/tele"
)

const shutdownTimeout = 30 * time.Second

var (
	delaysFile string
	addr       string
	uploadDir  string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "tgpromote",
	Short:         "Telegram promotion campaigns over user sessions",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin API and campaign loops",
	RunE:  serve,
}

var checkDelaysCmd = &cobra.Command{
	Use:   "check-delays [file]",
	Short: "Validate a pacing file and print the effective delays",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := config.LoadDelays(args[0])
		if err != nil {
			return err
		}
		for _, kind := range model.Kinds {
			d := table.For(kind)
			fmt.Fprintf(cmd.OutOrStdout(), "%-14s items=%s targets=%s accounts=%s cycles=%s after=%s retries=%d\n",
				kind, d.BetweenItems, d.BetweenTargets, d.BetweenAccounts, d.BetweenCycles, d.AfterTarget, d.MaxRetries)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&delaysFile, "delays", "", "pacing YAML file (overrides DELAYS_FILE)")
	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (default :$PORT)")
	serveCmd.Flags().StringVar(&uploadDir, "uploads", "uploads", "directory for uploaded media")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkDelaysCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if verbose {
		lvl = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if delaysFile != "" {
		if cfg.Delays, err = config.LoadDelays(delaysFile); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := storage.Open(cfg.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OwnerID > 0 {
		if err := store.EnsureAdmin(ctx, model.Admin{UserID: cfg.OwnerID, FullName: "owner", IsSuper: true}); err != nil {
			return fmt.Errorf("register owner: %w", err)
		}
	} else {
		logger.Warn("OWNER_ID not set; only admins already in the database can use the API")
	}

	pool := tele.NewManager(&tele.GotdDialer{
		AppID:   cfg.AppID,
		AppHash: cfg.AppHash,
		Logger:  logger.Named("gotd"),
	}, cfg.ConnectTimeout, logger)

	sup := scheduler.NewSupervisor(scheduler.Options{
		Store:       store,
		Pool:        pool,
		Executor:    sender.NewExecutor(&sender.Stats{}, cfg.FloodMargin, logger),
		Delays:      cfg.Delays,
		Logger:      logger,
		FloodMargin: cfg.FloodMargin,
	})

	router := httpapi.NewRouter(store, sup, pool, uploadDir, logger)
	if addr == "" {
		addr = ":" + cfg.Port
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return sup.Shutdown(shutdownCtx)
}
