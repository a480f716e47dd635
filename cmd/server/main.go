package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"scribesync/internal/config"
	"scribesync/internal/database"
	"scribesync/internal/handlers"
	"scribesync/internal/logging"
	"scribesync/internal/middleware"
	"scribesync/internal/services"
	"scribesync/internal/transcribe"
	"scribesync/pkg/auth"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting ScribeSync Server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// Load configuration
	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, Env: %s)", cfg.Port, cfg.Environment)

	// Redis is required: both the pairing and session stores live there
	redisService, err := services.NewRedisService(cfg.RedisURL)
	if err != nil {
		log.Fatalf("❌ Failed to connect to Redis: %v", err)
	}
	defer redisService.Close()

	// MongoDB is optional: it only backs the audit log and device history
	var mongoDB *database.MongoDB
	if cfg.MongoURI != "" {
		mongoDB, err = database.NewMongoDB(cfg.MongoURI)
		if err != nil {
			log.Fatalf("❌ Failed to connect to MongoDB: %v", err)
		}
		if err := mongoDB.Initialize(context.Background()); err != nil {
			log.Fatalf("❌ Failed to initialize MongoDB indexes: %v", err)
		}
	} else {
		log.Println("⚠️  MONGODB_URI not set: audit log and device history disabled")
	}

	// JWT auth (nil in development enables the auth bypass)
	var jwtAuth *auth.LocalJWTAuth
	if cfg.JWTSecret != "" {
		jwtAuth, err = auth.NewLocalJWTAuth(cfg.JWTSecret, 0)
		if err != nil {
			log.Fatalf("❌ Failed to initialize JWT auth: %v", err)
		}
		log.Println("🔐 JWT authentication enabled")
	} else if cfg.IsProduction() {
		log.Fatal("❌ CRITICAL SECURITY ERROR: JWT_SECRET is required in production")
	}

	// Core services
	metrics := services.InitMetrics()
	auditService := services.NewAuditService(mongoDB)
	pairingService := services.NewPairingService(redisService, auditService, cfg.PairingTokenTTL)
	sessionStore := services.NewSessionStore(redisService, cfg.SessionTTL)
	registry := services.NewConnectionRegistry(metrics)
	syncService := services.NewSyncService(sessionStore, registry, auditService, metrics)
	transcribeService := transcribe.NewService(cfg.TranscribeURL, cfg.TranscribeAPIKey)
	if transcribeService.Enabled() {
		log.Println("🎵 Transcription backend configured")
	}

	// Background health checker evicts silent connections
	registryCtx, stopRegistry := context.WithCancel(context.Background())
	go registry.Run(registryCtx)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:        "ScribeSync v1.0",
		ReadTimeout:    0, // SSE streams stay open indefinitely
		WriteTimeout:   0,
		IdleTimeout:    120 * time.Second,
		BodyLimit:      30 * 1024 * 1024, // audio uploads
		ReadBufferSize: 16384,            // 16KB for request headers (privacy browsers send extra headers)
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prometheus := fiberprometheus.New("scribesync")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	// Load rate limiting configuration
	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Global=%d/min, Pairing=%d/min, Ingest=%d/min, WS=%d/min",
		rateLimitConfig.GlobalAPIMax,
		rateLimitConfig.PairingMax,
		rateLimitConfig.IngestMax,
		rateLimitConfig.WebSocketMax,
	)

	// CORS configuration with environment-based origins
	allowedOrigins := strings.Join(cfg.AllowedOrigins, ",")

	// Fiber's CORS middleware does not allow AllowCredentials with wildcard origins.
	allowCredentials := allowedOrigins != "*"

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: allowCredentials,
	}))
	log.Printf("🔒 [SECURITY] CORS allowed origins: %s", allowedOrigins)

	// Global API rate limiter - first line of DDoS defense
	app.Use("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig))

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(registry, redisService, mongoDB)
	pairingHandler := handlers.NewPairingHandler(pairingService, metrics, cfg.PairingBaseURL)
	sessionsHandler := handlers.NewSessionsHandler(syncService, registry, transcribeService, mongoDB)
	streamHandler := handlers.NewSyncStreamHandler(pairingService, syncService, registry, auditService, metrics, cfg.PollInterval)
	wsHandler := handlers.NewSyncWebSocketHandler(pairingService, syncService, registry, auditService)

	// Health check (no rate limit, no auth)
	app.Get("/health", healthHandler.Handle)

	// Pairing lifecycle (authenticated primary device)
	app.Post("/api/pair", middleware.LocalAuthMiddleware(jwtAuth), middleware.PairingRateLimiter(rateLimitConfig), pairingHandler.Pair)
	app.Delete("/api/pair", middleware.LocalAuthMiddleware(jwtAuth), pairingHandler.Unpair)

	// Poll transport (pairing-token authenticated)
	app.Get("/api/stream/:token", streamHandler.Stream)

	// Session fragments (authenticated primary device)
	app.Post("/api/sessions/:encounterId/fragments", middleware.LocalAuthMiddleware(jwtAuth), middleware.IngestRateLimiter(rateLimitConfig), sessionsHandler.RecordFragment)
	app.Get("/api/sessions/:encounterId/fragments", middleware.LocalAuthMiddleware(jwtAuth), sessionsHandler.ListFragments)
	app.Delete("/api/sessions/:encounterId", middleware.LocalAuthMiddleware(jwtAuth), sessionsHandler.EndSession)
	app.Post("/api/sessions/:encounterId/audio", middleware.LocalAuthMiddleware(jwtAuth), middleware.TranscribeRateLimiter(rateLimitConfig), sessionsHandler.TranscribeAudio)

	// Device status
	app.Get("/api/connections/:ownerId?", middleware.LocalAuthMiddleware(jwtAuth), sessionsHandler.ListConnections)
	app.Get("/api/devices", middleware.LocalAuthMiddleware(jwtAuth), sessionsHandler.ListDevices)

	// Push transport: WebSocket upgrade, pairing token via query param
	app.Use("/ws/sync", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			c.Locals("client_ip", c.IP())
			c.Locals("pairing_token", c.Query("token"))
			c.Locals("device_id", c.Query("device_id"))
			c.Locals("device_name", c.Query("device_name"))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Use("/ws/sync", middleware.WebSocketRateLimiter(rateLimitConfig))

	// WebSocket config with allowed origins (same as CORS config)
	wsConfig := websocket.Config{
		Origins: cfg.AllowedOrigins,
	}
	app.Get("/ws/sync", websocket.New(wsHandler.Handle, wsConfig))

	log.Printf("📱 Push endpoint: ws://localhost:%s/ws/sync", cfg.Port)
	log.Printf("🔁 Poll endpoint: http://localhost:%s/api/stream/:token", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		// Stop the connection health checker
		stopRegistry()

		// Shutdown Fiber
		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}

		// Disconnect MongoDB
		if mongoDB != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := mongoDB.Disconnect(ctx); err != nil {
				log.Printf("⚠️ Error disconnecting MongoDB: %v", err)
			}
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
