// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command offserver runs the Postgres-backed reference server for the
// offqueue client. Configuration comes from the environment (or a .env
// file next to the binary).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/mobiletoly/go-offqueue/offserver"
)

type config struct {
	ListenAddr  string   `env:"LISTEN_ADDR" envDefault:":8080"`
	DatabaseURL string   `env:"DATABASE_URL,required"`
	JWTSecret   string   `env:"JWT_SECRET,required"`
	Entities    []string `env:"ENTITIES" envDefault:"users,credentials" envSeparator:","`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// newLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text.
func newLogger(environment string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler
	if environment == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func run() error {
	_ = godotenv.Load()

	cfg := &config{}
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	logger := newLogger(cfg.Environment)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	service, err := offserver.NewService(pool, &offserver.ServiceConfig{
		AppName:  "offserver",
		Entities: cfg.Entities,
	}, logger)
	if err != nil {
		return err
	}

	jwtAuth := offserver.NewJWTAuth(cfg.JWTSecret)
	handlers := offserver.NewHandlers(service, logger)

	entityMux := http.NewServeMux()
	handlers.Register(entityMux)

	mux := http.NewServeMux()
	// Unauthenticated probe endpoint; the client's connectivity monitor
	// HEADs this to detect reachability.
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/", jwtAuth.Middleware(entityMux))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.ListenAddr, "entities", strings.Join(cfg.Entities, ","))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}
