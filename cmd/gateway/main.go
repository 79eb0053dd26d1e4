package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dealdesk/gateway/internal/app"
	"dealdesk/gateway/internal/config"
	"dealdesk/gateway/internal/crm"
	"dealdesk/gateway/internal/identity"
	"dealdesk/gateway/internal/search"
	"dealdesk/gateway/internal/session"
	"dealdesk/gateway/internal/state"
	"dealdesk/gateway/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	gate, err := identity.NewGate(cfg.AllowedEmailSuffix, cfg.AppOrigin)
	if err != nil {
		log.Fatalf("identity gate: %v", err)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient)
	defer searchService.Close()

	backend := crm.NewClient(cfg.BackendURL, cfg.BackendTimeout)

	// Sessions, session links, and state snapshots share one store: Redis
	// when configured, Postgres otherwise.
	var service *app.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for session and state storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		states := state.NewManager(redisStore, cfg.SnapshotMaxBytes, cfg.SettleDelay)
		service = app.New(cfg, gate, dataStore, redisStore, backend, states, searchService)
	} else {
		log.Printf("Using PostgreSQL for session and state storage")
		states := state.NewManager(dataStore, cfg.SnapshotMaxBytes, cfg.SettleDelay)
		service = app.New(cfg, gate, dataStore, dataStore, backend, states, searchService)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("DealDesk gateway listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
