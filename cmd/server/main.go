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
	"github.com/spf13/viper"

	"github.com/ParleSec/dualauth/internal/core"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := core.NewViper()

	cmd := &cobra.Command{
		Use:           "dualauth",
		Short:         "OAuth2 authorization and resource server with a session-based web front end",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfigFile(v)
		},
	}
	cmd.PersistentFlags().String("config", "", "path to a config file (yaml, json or toml)")
	if err := v.BindPFlag("config", cmd.PersistentFlags().Lookup("config")); err != nil {
		panic(err)
	}

	cmd.AddCommand(newServeCommand(v))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func loadConfigFile(v *viper.Viper) error {
	path := v.GetString("config")
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	return nil
}

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := core.LoadConfig(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":8080", "address of the API and web listener")
	flags.String("metrics-listen", ":9090", "address of the health and metrics listener (empty disables it)")
	flags.String("token-store", core.StoreMemory, "token store: memory, jwt, redis or sqlite")
	flags.String("log-level", "info", "log level: debug, info, warn or error")

	for flag, key := range map[string]string{
		"listen":         "listen_addr",
		"metrics-listen": "metrics_addr",
		"token-store":    "token.store",
		"log-level":      "log_level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the dualauth version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "dualauth %s\n", version)
			return err
		},
	}
}

func serve(ctx context.Context, cfg *core.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := core.NewLogger(os.Stderr, cfg)

	components, err := core.Bootstrap(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close()

	server := core.NewServer(components)
	go server.RunMaintenance(ctx, cfg.Token.CleanupInterval)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var opsServer *http.Server
	if cfg.MetricsAddr != "" {
		opsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           server.OpsHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("operations listener starting", "addr", cfg.MetricsAddr)
			if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("operations listener failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"addr", cfg.ListenAddr,
			"api", cfg.BaseURL+core.APIPrefix,
			"token_store", cfg.Token.Store,
			"version", version,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if opsServer != nil {
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("operations listener shutdown", "error", err)
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited gracefully")
	return nil
}
