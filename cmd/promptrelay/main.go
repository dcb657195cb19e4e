package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kmahone/promptrelay/pkg/gateway/ollama"
	"github.com/kmahone/promptrelay/pkg/server"
	"github.com/kmahone/promptrelay/pkg/session"
	"github.com/kmahone/promptrelay/pkg/store"
	"github.com/kmahone/promptrelay/pkg/store/sqlite"
)

func main() {
	// Setup logger.
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
	slog.SetDefault(logger)

	// Config.
	addr := envString("LISTEN_ADDR", ":8080")
	baseURL := envString("OLLAMA_BASE_URL", ollama.DefaultBaseURL)
	gatewayTimeout := envDuration("GATEWAY_TIMEOUT", ollama.DefaultTimeout)
	maxSessions := envInt("MAX_SESSIONS", 0)
	idleTimeout := envDuration("SESSION_IDLE_TIMEOUT", 0)

	ctx := context.Background()

	// Initialize the exchange audit log. DB_PATH=off disables it.
	var exchanges store.ExchangeStore
	if dbPath := envString("DB_PATH", defaultDBPath()); dbPath != "off" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			slog.Error("failed to create data directory", "error", err)
			os.Exit(1)
		}
		st, err := sqlite.New(dbPath)
		if err != nil {
			slog.Error("failed to initialize exchange store", "error", err)
			os.Exit(1)
		}
		defer st.Close()
		exchanges = st
	}

	// Initialize the gateway client and session manager.
	gw := ollama.New(baseURL, gatewayTimeout)
	sessions := session.NewManager(gw, exchanges, session.Options{
		MaxSessions: maxSessions,
		IdleTimeout: idleTimeout,
	})

	// Sweep idle sessions in the background when an idle timeout is set.
	if idleTimeout > 0 {
		janitor := session.NewJanitor(sessions, session.DefaultJanitorInterval)
		janitor.Start(ctx)
		defer janitor.Stop()
	}

	// Start server.
	srv := server.New(sessions, exchanges)
	if err := srv.Start(addr); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func defaultDBPath() string {
	wd, _ := os.Getwd()
	return filepath.Join(wd, "data", "promptrelay.db")
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Error("invalid integer in environment", "key", key, "value", v)
		os.Exit(1)
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Error("invalid duration in environment", "key", key, "value", v)
		os.Exit(1)
	}
	return d
}
