// Copyright 2026 flaura42
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/flaura42/RestaurantReviews/config"
	"github.com/flaura42/RestaurantReviews/connectivity"
	"github.com/flaura42/RestaurantReviews/internal/auth"
	"github.com/flaura42/RestaurantReviews/localstore"
	"github.com/flaura42/RestaurantReviews/page"
	"github.com/flaura42/RestaurantReviews/remote"
	"github.com/flaura42/RestaurantReviews/restsync"
	"github.com/flaura42/RestaurantReviews/swcache"
)

func main() {
	cfg := config.DefaultConfig()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		log.Fatalf("Invalid environment: %v", err)
	}

	var (
		dbFlag      = flag.String("db", cfg.SQLiteFile, "SQLite database file")
		listenFlag  = flag.String("listen", cfg.ListenAddr, "Address of the caching proxy (empty disables it)")
		originFlag  = flag.String("origin", cfg.SiteOrigin, "Origin serving the site assets")
		verboseFlag = flag.Bool("verbose", false, "Enable verbose logging")
		jsonFlag    = flag.Bool("json-logs", false, "Log in JSON")
		installFlag = flag.Bool("install", true, "Seed the asset cache on start")
	)
	flag.Parse()
	cfg.SQLiteFile = *dbFlag
	cfg.ListenAddr = *listenFlag
	cfg.SiteOrigin = *originFlag

	logLevel := slog.LevelInfo
	if *verboseFlag {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if *jsonFlag {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	// Packages falling back to slog.Default() share the same handler + level.
	slog.SetDefault(logger)
	cfg.Logger = logger

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *installFlag); err != nil {
		log.Fatalf("Client failed: %v", err)
	}
	logger.Info("Client exited")
}

func run(ctx context.Context, cfg *config.Config, install bool) error {
	logger := cfg.Logger

	store, err := localstore.Open(ctx, cfg.SQLiteFile, &localstore.Options{Version: cfg.SchemaVersion, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer store.Close()

	client := remote.NewClient(cfg.RestaurantsURL, cfg.ReviewsURL, logger)
	client.HTTP.Timeout = cfg.HTTPTimeout
	if cfg.JWTSecret != "" {
		deviceID, err := loadDeviceID(cfg)
		if err != nil {
			return err
		}
		tokens := auth.NewTokenSource(auth.NewJWTAuth(cfg.JWTSecret), cfg.UserID, deviceID, cfg.TokenExpiry)
		client.Token = tokens.Token
		logger.Info("Bearer authentication enabled", "user_id", cfg.UserID, "device_id", deviceID)
	}

	oracle := connectivity.NewOracle(cfg.EffectiveProbeURL(), logger)
	oracle.Timeout = cfg.ProbeTimeout

	engine, err := restsync.NewEngine(store, client, oracle, cfg.SyncConfig())
	if err != nil {
		return fmt.Errorf("failed to create sync engine: %w", err)
	}
	go engine.Run(ctx)

	controller := page.NewController(engine, logger)
	controller.SetOnline(ctx, oracle.IsReachable(ctx))
	if err := controller.Init(ctx); err != nil {
		logger.Warn("Initial restaurant load failed", "error", err)
	}

	if cfg.ListenAddr == "" {
		<-ctx.Done()
		return nil
	}

	storage, err := swcache.NewStorage(ctx, store.DB(), logger)
	if err != nil {
		return err
	}
	worker, err := swcache.NewWorker(storage, cfg.CacheConfig())
	if err != nil {
		return err
	}
	if install {
		if err := worker.Install(ctx); err != nil {
			// The previous generation keeps serving.
			logger.Warn("Cache install failed", "cache", worker.CacheName(), "error", err)
		} else if _, err := worker.Activate(ctx); err != nil {
			logger.Warn("Cache activation failed", "error", err)
		}
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      newMux(controller, worker),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting caching proxy", "addr", httpServer.Addr, "origin", cfg.SiteOrigin, "cache", worker.CacheName())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("proxy failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down proxy...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newMux serves the page state and the connectivity events next to the
// proxied site.
func newMux(controller *page.Controller, worker *swcache.Worker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/_status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(controller.Snapshot()); err != nil {
			slog.Error("Failed to encode status", "error", err)
		}
	})
	mux.HandleFunc("/_online", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		online, err := strconv.ParseBool(r.URL.Query().Get("state"))
		if err != nil {
			http.Error(w, "state must be true or false", http.StatusBadRequest)
			return
		}
		controller.SetOnline(r.Context(), online)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("/", worker)
	return mux
}

// loadDeviceID returns the configured device id, or the one generated on
// first start and kept next to the database.
func loadDeviceID(cfg *config.Config) (string, error) {
	if cfg.DeviceID != "" {
		return cfg.DeviceID, nil
	}
	if cfg.SQLiteFile == ":memory:" {
		return uuid.New().String(), nil
	}
	path := cfg.SQLiteFile + ".device"
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}
	id := uuid.New().String()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to store device id: %w", err)
	}
	return id, nil
}
