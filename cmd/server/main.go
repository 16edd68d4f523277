// Command server runs the chat server: the WebSocket hub, the REST API,
// and the Prometheus metrics endpoint, backed by PostgreSQL, Redis, and
// NATS.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/Moon-Spirit/Yueling/internal/config"
	"github.com/Moon-Spirit/Yueling/internal/httpapi"
	"github.com/Moon-Spirit/Yueling/internal/hub"
	"github.com/Moon-Spirit/Yueling/internal/messaging"
	"github.com/Moon-Spirit/Yueling/internal/metrics"
	"github.com/Moon-Spirit/Yueling/internal/presence"
	"github.com/Moon-Spirit/Yueling/internal/ratelimit"
	"github.com/Moon-Spirit/Yueling/internal/store"
)

func main() {
	cfg := config.Load()

	// --- PostgreSQL ---
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	// --- Redis ---
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()
	tracker := presence.NewTracker(redisClient)

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	limiter := ratelimit.NewLimiter(redisClient)

	// --- Hub ---
	hubConfig := hub.DefaultConfig()
	hubConfig.HeartbeatInterval = cfg.HeartbeatInterval
	hubConfig.HeartbeatTimeout = cfg.HeartbeatTimeout
	h := hub.New(hubConfig, st, tracker, natsClient)
	h.SetLimiter(limiter)
	h.Start()

	// --- HTTP ---
	api := httpapi.New(st, tracker, natsClient, cfg.AvatarDir)
	api.SetLimiter(limiter)
	router := api.Routes()
	router.HandleFunc("/ws", h.HandleUpgrade)
	router.Handle("/metrics", metrics.Handler())
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Status      string `json:"status"`
			Connections int    `json:"connections"`
		}{
			Status:      "ok",
			Connections: h.Connections().Count(),
		})
	})
	router.PathPrefix("/avatars/").Handler(
		http.StripPrefix("/avatars/", http.FileServer(http.Dir(cfg.AvatarDir))))

	corsWrapper := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: corsWrapper.Handler(router),
	}

	log.Printf("Yueling server starting")
	log.Printf("  listen_addr: %s", cfg.ListenAddr)
	log.Printf("  redis_addr:  %s", cfg.RedisAddr)
	log.Printf("  nats_url:    %s", cfg.NATSURL)
	log.Printf("  avatar_dir:  %s", cfg.AvatarDir)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}

		h.Shutdown()
		natsClient.Close()
		if err := redisClient.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
	log.Printf("server stopped")
}
