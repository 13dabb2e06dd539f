package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/mohamedkhairy/chat-gateway/internal/api"
	"github.com/mohamedkhairy/chat-gateway/internal/config"
	"github.com/mohamedkhairy/chat-gateway/internal/pubsub"
	"github.com/mohamedkhairy/chat-gateway/internal/storage"
	"github.com/mohamedkhairy/chat-gateway/internal/wsgateway"
	"github.com/mohamedkhairy/chat-gateway/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Init(cfg.LogLevel, cfg.Environment); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting chat gateway service",
		logger.Int("port", cfg.Gateway.Port),
		logger.String("store", cfg.Database.Driver),
		logger.Int("max_connections", cfg.Gateway.MaxConnections),
		logger.Bool("presence_mirror", cfg.Redis.Enabled()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize tracing
	if cfg.Tracing.Endpoint != "" {
		shutdownTracing, err := logger.InitTracing(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)
		if err != nil {
			logger.Warn("Tracing disabled", logger.ErrorField(err))
		} else {
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := shutdownTracing(shutdownCtx); err != nil {
					logger.Error("Error shutting down tracing", logger.ErrorField(err))
				}
			}()
		}
	}

	// Initialize message store
	store, err := openStore(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to initialize message store",
			logger.ErrorField(err),
		)
	}
	defer store.Close()

	checks := make(map[string]api.ReadinessCheck)
	if pinger, ok := store.(storage.Pinger); ok {
		checks["store"] = pinger.Ping
	}

	// Initialize presence mirror
	var mirror wsgateway.PresenceMirror
	if cfg.Redis.Enabled() {
		redisClient, err := pubsub.NewRedisClient(cfg.Redis)
		if err != nil {
			logger.Fatal("Failed to initialize Redis client",
				logger.ErrorField(err),
			)
		}
		defer redisClient.Close()

		presenceMirror := pubsub.NewRedisPresenceMirror(redisClient, cfg.Redis.PresencePrefix, cfg.Redis.PresenceTopic)
		if err := presenceMirror.Reset(ctx); err != nil {
			logger.Warn("Failed to clear stale presence keys", logger.ErrorField(err))
		}
		mirror = presenceMirror
		checks["redis"] = redisClient.Ping
	}

	// Initialize auth manager
	authManager := wsgateway.NewAuthManager(cfg.Gateway.JWTSecret)

	// Initialize hub
	hub := wsgateway.NewHub(cfg.Gateway, store, authManager, mirror)
	if err := hub.Start(); err != nil {
		logger.Fatal("Failed to start chat hub",
			logger.ErrorField(err),
		)
	}
	defer hub.Stop()

	// Set up HTTP server
	router := mux.NewRouter()

	// WebSocket endpoint
	router.Handle("/ws", wsgateway.NewHandler(hub, authManager, cfg.Gateway))

	// Health check endpoints
	healthHandler := api.NewHealthHandler(checks, func() interface{} { return hub.GetStats() })
	router.HandleFunc("/health", healthHandler.Health).Methods("GET")
	router.HandleFunc("/live", healthHandler.Live).Methods("GET")
	router.HandleFunc("/ready", healthHandler.Ready).Methods("GET")
	router.HandleFunc("/stats", healthHandler.Stats).Methods("GET")

	// Metrics endpoint
	router.Handle("/metrics", promhttp.Handler())

	// Presence API
	presenceHandler := api.NewPresenceHandler(hub)
	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(mux.MiddlewareFunc(api.AuthMiddleware(authManager)))
	if cfg.Gateway.APIRateLimit > 0 {
		apiRouter.Use(mux.MiddlewareFunc(api.RateLimitMiddleware(cfg.Gateway.APIRateLimit)))
	}
	apiRouter.HandleFunc("/rooms", presenceHandler.ListRooms).Methods("GET")
	apiRouter.HandleFunc("/rooms/{roomId}/members", presenceHandler.GetRoomMembers).Methods("GET")

	handler := api.ChainMiddleware(
		api.ErrorHandlingMiddleware(),
		api.LoggingMiddleware(),
		api.CORSMiddleware(cfg.Gateway.AllowedOrigins),
	)(router)

	// Start HTTP server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler: handler,
	}

	go func() {
		logger.Info("Starting HTTP server",
			logger.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start HTTP server",
				logger.ErrorField(err),
			)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutting down chat gateway service")

	// Shutdown HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down HTTP server",
			logger.ErrorField(err),
		)
	}

	logger.Info("Chat gateway service stopped")
}

// openStore builds the message store selected by DB_DRIVER. SQL stores
// bootstrap their schema when opened.
func openStore(dbConfig config.DatabaseConfig) (storage.MessageStore, error) {
	switch dbConfig.Driver {
	case config.StoreMemory:
		logger.Info("Using in-memory message store",
			logger.Bool("open_rooms", dbConfig.OpenRooms),
		)
		return storage.NewMemoryMessageStore(dbConfig.OpenRooms), nil
	case config.StoreSQLite:
		return storage.NewSQLiteMessageStore(dbConfig.SQLitePath)
	case config.StorePostgres:
		return storage.NewPostgresMessageStore(dbConfig)
	default:
		return nil, fmt.Errorf("unknown store driver %q", dbConfig.Driver)
	}
}
