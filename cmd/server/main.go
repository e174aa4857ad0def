// Command server runs the majordomo agent orchestration server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/HyphaGroup/majordomo/internal/audit"
	"github.com/HyphaGroup/majordomo/internal/cleanup"
	"github.com/HyphaGroup/majordomo/internal/config"
	"github.com/HyphaGroup/majordomo/internal/credentials"
	"github.com/HyphaGroup/majordomo/internal/llm/anthropic"
	"github.com/HyphaGroup/majordomo/internal/logger"
	"github.com/HyphaGroup/majordomo/internal/provider"
	"github.com/HyphaGroup/majordomo/internal/relay"
	"github.com/HyphaGroup/majordomo/internal/server"
	"github.com/HyphaGroup/majordomo/internal/session"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	dirFlag := flag.String("dir", "", "Majordomo home directory (default: ~/.majordomo)")
	jsonLogs := flag.Bool("json-logs", false, "Emit JSON log lines")
	flag.Parse()

	if *showVersion {
		fmt.Printf("majordomo %s\n", Version)
		return
	}

	homeDir, err := resolveHome(*dirFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "majordomo: %v\n", err)
		os.Exit(1)
	}

	if err := run(homeDir, *jsonLogs); err != nil {
		fmt.Fprintf(os.Stderr, "majordomo: %v\n", err)
		os.Exit(1)
	}
}

// resolveHome picks the home directory: flag, then MAJORDOMO_HOME, then
// ~/.majordomo.
func resolveHome(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv("MAJORDOMO_HOME"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve home directory: %w", err)
	}
	return filepath.Join(home, ".majordomo"), nil
}

func run(homeDir string, jsonLogs bool) error {
	cfg, err := config.Load(homeDir)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logger.Init(filepath.Join(homeDir, "logs"), jsonLogs); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Close() }()

	auditStore, err := audit.NewStore(filepath.Join(homeDir, "data"), cfg.Audit.Enabled)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer func() { _ = auditStore.Close() }()

	creds := credentials.NewMaterializer(filepath.Join(homeDir, "credentials"), credentials.ClientRegistration{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		ProjectID:    cfg.Google.ProjectID,
		RedirectURI:  cfg.Google.RedirectURI,
		Scopes:       cfg.Google.Scopes,
	})

	oracle := anthropic.NewClient(anthropic.Config{
		APIKey:    cfg.Anthropic.APIKey,
		Model:     cfg.Anthropic.Model,
		MaxTokens: cfg.Anthropic.MaxTokens,
	})

	supervisor := provider.NewSupervisor(cfg.Providers)

	est := server.NewEstablisher(server.EstablisherConfig{
		Credentials:    creds,
		Supervisor:     server.SupervisorAdapter{Supervisor: supervisor},
		Oracle:         oracle,
		Audit:          auditStore,
		SystemPrompt:   cfg.Agent.SystemPrompt,
		MaxRounds:      cfg.Agent.MaxRounds,
		RequestTimeout: cfg.Agent.RequestTimeout(),
	})
	store := session.NewStore(cfg.Session.TTL(), est.Teardown)
	est.AttachStore(store)

	sweeper := cleanup.NewRunner(cfg.Cleanup.Sweep, store, creds, auditStore)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start cleanup runner: %w", err)
	}

	srv := server.New(server.Config{
		Address: cfg.Server.Address,
		Relay:   relay.New(relay.Config{Store: store, Audit: auditStore}),
		Auth:    server.NewAuthHandler(cfg.Google, est, store, auditStore),
	})

	logger.Slog().Info("Starting majordomo server",
		"version", Version,
		"addr", cfg.Server.Address,
		"providers", len(cfg.Providers))

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Serve()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case sig := <-shutdownChan:
		logger.Slog().Info("Shutting down", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Slog().Warn("Server shutdown error", "error", err)
		}

		sweeper.Stop()

		// Tears down every session: providers stop, credentials removed.
		store.Close()

		logger.Slog().Info("Shutdown complete")
		return nil
	}
}
