package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/config"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/confluence"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/jira"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/policy"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/rest"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/secrets"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKey()

	registry, err := server.LoadRegistry(cfg.CallersFile)
	if err != nil {
		return fmt.Errorf("loading caller registry: %w", err)
	}
	if len(registry.Callers) == 0 {
		log.Warn().Str("file", cfg.CallersFile).Msg("no callers configured, all API endpoints will return 401")
	}

	policyEngine, err := policy.NewEngine(ctx, cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("policy engine: %w", err)
	}

	vault, err := secrets.NewVault(cfg.VaultDBPath(), cfg.VaultKey)
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}
	defer vault.Close()

	exec := rest.NewExecutor(cfg.ExecutorConfig(), nil)
	srv := server.NewServer(
		registry,
		policyEngine,
		confluence.NewService(vault, exec, nil),
		jira.NewService(vault, exec, nil),
	)

	addr := cfg.ListenAddr
	if serveAddr != "" {
		addr = serveAddr
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Int("callers", len(registry.Callers)).
		Str("version", resolvedVersion()).
		Msg("atlasgate_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
