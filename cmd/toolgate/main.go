// ABOUTME: Entry point for the toolgate orchestration server
// ABOUTME: Manages connector sessions and streams agent runs to clients

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/toolgate/internal/agentrun"
	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/discovery"
	"github.com/2389/toolgate/internal/gateway"
	"github.com/2389/toolgate/internal/ratelimit"
	"github.com/2389/toolgate/internal/registry"
	"github.com/2389/toolgate/internal/session"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/stream"
	"github.com/2389/toolgate/internal/vault"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _              _             _
 | |_ ___   ___ | | __ _  __ _| |_ ___
 | __/ _ \ / _ \| |/ _' |/ _' | __/ _ \
 | || (_) | (_) | | (_| | (_| | ||  __/
  \__\___/ \___/|_|\__, |\__,_|\__\___|
                   |___/
`

// getConfigPath returns the path to the config file.
// Priority: TOOLGATE_CONFIG env var > XDG_CONFIG_HOME/toolgate/toolgate.yaml > ~/.config/toolgate/toolgate.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TOOLGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "toolgate.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "toolgate", "toolgate.yaml")
}

// getDataPath returns the path to the toolgate data directory.
// Priority: XDG_DATA_HOME/toolgate > ~/.local/share/toolgate
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "toolgate")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: toolgate <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the orchestration server")
		fmt.Println("  init     Write a default config file")
		fmt.Println("  health   Check server health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting toolgate",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"database", cfg.Database.Path,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	masterKey, err := vault.LoadMasterKey(getDataPath())
	if err != nil {
		return fmt.Errorf("loading vault key: %w", err)
	}
	v, err := vault.New(masterKey)
	if err != nil {
		return fmt.Errorf("creating vault: %w", err)
	}

	reg := registry.New(st, v, logger)
	if cfg.Connectors.CatalogPath != "" {
		if err := reg.SyncSystemConnectors(ctx, cfg.Connectors.CatalogPath); err != nil {
			return fmt.Errorf("syncing system connectors: %w", err)
		}
	}

	cache := discovery.New(cfg.Discovery.TTL)
	defer cache.Close()

	sessions := session.NewManager(reg, cache, st, logger)
	sessions.SetHealthInterval(cfg.Sessions.HealthCheckInterval)
	sessions.Start()
	defer sessions.Close()

	translator := stream.NewTranslator(st, logger)
	translator.SetCoalesceWindow(cfg.Stream.CoalesceWindow)
	translator.SetBufferSize(cfg.Stream.BufferSize)

	limiter := ratelimit.New(cfg.RateLimit.Capacity, cfg.RateLimit.Interval)
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	// Placeholder agent backend until a model runner is plugged in.
	runner := agentrun.NewScriptedRunner(sessions, []agentrun.Step{
		{Kind: agentrun.StepDelta, Text: "No model backend is configured."},
		{Kind: agentrun.StepFinish, Text: "This toolgate instance has no model backend configured."},
	})

	gw := gateway.New(verifier, limiter, sessions, reg, translator, st, runner, logger)

	if cfg.Stream.Retention > 0 {
		go pruneLoop(ctx, st, cfg.Stream.Retention, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start(cfg.Server.HTTPAddr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return gw.Shutdown(shutdownCtx)
	}
}

// pruneLoop enforces the stream-event retention window.
func pruneLoop(ctx context.Context, st store.StreamEventStore, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := st.PruneStreamEvents(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Error("pruning stream events", "error", err)
				continue
			}
			if pruned > 0 {
				logger.Info("pruned stream events", "count", pruned)
			}
		}
	}
}

const defaultConfig = `# toolgate configuration
server:
  http_addr: ":8080"

database:
  path: toolgate.db

auth:
  jwt_secret: ${TOOLGATE_JWT_SECRET}

rate_limit:
  capacity: 50
  interval: 1h

discovery:
  ttl: 300s

sessions:
  health_check_interval: 60s
  connect_timeout: 10s

stream:
  buffer_size: 16
  coalesce_window: 200ms
  retention: 168h

# connectors:
#   catalog_path: /etc/toolgate/connectors.toml

logging:
  level: info
  format: text
`

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(defaultConfig), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Wrote default config to %s\n", configPath)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
