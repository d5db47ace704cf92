package server

import (
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"

	"docsync-backend/internal/auth"
	"docsync-backend/internal/cache"
	"docsync-backend/internal/collab"
	"docsync-backend/internal/config"
	"docsync-backend/internal/handler"
	"docsync-backend/internal/middleware"
	"docsync-backend/internal/presence"
	"docsync-backend/internal/service"
	"docsync-backend/internal/store"
)

// Server wraps the Fiber app and all wired components
type Server struct {
	app             *fiber.App
	cfg             *config.Config
	db              *gorm.DB
	hub             *collab.Hub
	gateway         *store.Gateway
	access          *service.AccessService
	presenceManager *presence.Manager
	redisClient     *cache.RedisClient
	authHandler     *handler.AuthHandler
	documentHandler *handler.DocumentHandler
	collabWSHandler *handler.CollabWSHandler
	healthHandler   *handler.HealthHandler
	docMiddleware   *middleware.DocumentMiddleware
	jwtManager      *auth.JWTManager
}

// New builds a Server from config and an open database connection
func New(cfg *config.Config, db *gorm.DB) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "DocSync Collaboration Gateway",
		ServerHeader:          "Fiber",
		StrictRouting:         true,
		CaseSensitive:         true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		Prefork:               false, // incompatible with WebSocket sessions
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,
		BodyLimit:             10 * 1024 * 1024,
		DisableStartupMessage: false,
	})

	jwtManager := auth.NewJWTManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
	)

	gateway := store.NewGateway(db)
	access := service.NewAccessService(db)

	// Redis is optional: without it the server still syncs, it just loses
	// the cross-process presence mirror and the relay trace
	var presenceManager *presence.Manager
	var redisClient *cache.RedisClient
	if cfg.Redis.Enabled {
		presenceManager = presence.NewManager(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Collab.PresenceTTL)
		if err := presenceManager.Ping(); err != nil {
			log.Printf("⚠️ Redis presence unavailable: %v (continuing without it)", err)
			presenceManager = nil
		}

		var err error
		redisClient, err = cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			log.Printf("⚠️ Redis trace unavailable: %v (continuing without it)", err)
			redisClient = nil
		}
	} else {
		log.Println("ℹ️ Redis disabled (presence mirror and relay trace off)")
	}

	hostname, _ := os.Hostname()

	var presenceTracker collab.PresenceTracker
	if presenceManager != nil {
		presenceTracker = presenceManager
	}
	var tracer collab.Tracer
	if redisClient != nil {
		tracer = redisClient
	}

	hub := collab.NewHub(gateway, presenceTracker, tracer, cfg.Collab.SaveTimeout, hostname)

	return &Server{
		app:             app,
		cfg:             cfg,
		db:              db,
		hub:             hub,
		gateway:         gateway,
		access:          access,
		presenceManager: presenceManager,
		redisClient:     redisClient,
		authHandler:     handler.NewAuthHandler(db, jwtManager, cfg.Auth.SecureCookie),
		documentHandler: handler.NewDocumentHandler(gateway, hub, presenceManager, redisClient),
		collabWSHandler: handler.NewCollabWSHandler(hub, cfg.Collab.MaxMessageSize),
		healthHandler:   handler.NewHealthHandler(db, redisClient, hub),
		docMiddleware:   middleware.NewDocumentMiddleware(access),
		jwtManager:      jwtManager,
	}
}

// Hub exposes the collaboration hub
func (s *Server) Hub() *collab.Hub {
	return s.hub
}

// SetupMiddleware installs the global middleware stack
func (s *Server) SetupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
		TimeZone:   "UTC",
	}))

	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORS.AllowOrigins,
		AllowHeaders:     s.cfg.CORS.AllowHeaders,
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
	}))
}

// SetupRoutes installs all HTTP and WebSocket routes
func (s *Server) SetupRoutes() {
	s.app.Get("/health", s.healthHandler.Check)
	s.app.Get("/health/live", s.healthHandler.Liveness)
	s.app.Get("/health/ready", s.healthHandler.Readiness)

	// brute force protection on credential endpoints
	authLimiter := limiter.New(limiter.Config{
		Max:        10,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many requests, please try again later",
			})
		},
	})

	authGroup := s.app.Group("/auth")
	authGroup.Post("/register", authLimiter, s.authHandler.Register)
	authGroup.Post("/login", authLimiter, s.authHandler.Login)
	authGroup.Post("/refresh", authLimiter, s.authHandler.RefreshToken)
	authGroup.Post("/logout", auth.Middleware(s.jwtManager), s.authHandler.Logout)
	authGroup.Get("/me", auth.Middleware(s.jwtManager), s.authHandler.GetMe)

	docs := s.app.Group("/api/documents", auth.Middleware(s.jwtManager))
	docs.Get("/", s.documentHandler.List)
	docs.Post("/", s.documentHandler.Create)
	docs.Get("/:documentId", s.docMiddleware.RequireAccess(), s.documentHandler.Get)
	docs.Put("/:documentId", s.docMiddleware.RequireOwnership(), s.documentHandler.Rename)
	docs.Delete("/:documentId", s.docMiddleware.RequireOwnership(), s.documentHandler.Delete)

	// sharing
	docs.Get("/:documentId/collaborators", s.docMiddleware.RequireAccess(), s.documentHandler.ListCollaborators)
	docs.Post("/:documentId/collaborators", s.docMiddleware.RequireOwnership(), s.documentHandler.AddCollaborator)
	docs.Delete("/:documentId/collaborators/:userId", s.docMiddleware.RequireOwnership(), s.documentHandler.RemoveCollaborator)

	// version snapshots
	docs.Get("/:documentId/versions", s.docMiddleware.RequireAccess(), s.documentHandler.ListVersions)
	docs.Post("/:documentId/versions", s.docMiddleware.RequireAccess(), s.documentHandler.CreateVersion)
	docs.Get("/:documentId/versions/:versionId", s.docMiddleware.RequireAccess(), s.documentHandler.GetVersion)
	docs.Post("/:documentId/versions/:versionId/restore", s.docMiddleware.RequireOwnership(), s.documentHandler.RestoreVersion)

	// access requests: filing one requires only authentication
	docs.Post("/:documentId/access-requests", s.documentHandler.RequestAccess)
	docs.Get("/:documentId/access-requests", s.docMiddleware.RequireOwnership(), s.documentHandler.ListAccessRequests)
	s.app.Post("/api/access-requests/:requestId/resolve", auth.Middleware(s.jwtManager), s.documentHandler.ResolveAccessRequest)

	// room introspection
	docs.Get("/:documentId/presence", s.docMiddleware.RequireAccess(), s.documentHandler.Presence)
	docs.Get("/:documentId/trace", s.docMiddleware.RequireOwnership(), s.documentHandler.Trace)

	// WebSocket endpoint: authenticate and authorize before the upgrade, so
	// an unauthorized session is never admitted to a room
	s.app.Get("/ws/docs/:documentId", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}

		accessToken := c.Cookies("access_token")
		if accessToken == "" {
			accessToken = c.Query("token")
		}
		if accessToken == "" {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		claims, err := s.jwtManager.ValidateAccessToken(accessToken)
		if err != nil {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		documentID := c.Params("documentId")
		if documentID == "" {
			return c.SendStatus(fiber.StatusBadRequest)
		}

		admitted, canWrite := s.access.AdmitSession(documentID, claims.UserID)
		if !admitted {
			return c.SendStatus(fiber.StatusForbidden)
		}

		c.Locals("documentID", documentID)
		c.Locals("userID", claims.UserID)
		c.Locals("name", claims.Name)
		c.Locals("canWrite", canWrite)

		return c.Next()
	}, websocket.New(s.collabWSHandler.HandleWebSocket, websocket.Config{
		ReadBufferSize:  s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: s.cfg.WebSocket.WriteBufferSize,
	}))
}

// relayRemoteRoster feeds roster events published by other instances into
// the hub so rooms split across processes still see each other's churn. The
// loop ends when the Redis connection closes during shutdown.
func (s *Server) relayRemoteRoster() {
	sub := s.presenceManager.SubscribeRoster()
	defer sub.Close()

	for msg := range sub.Channel() {
		var ev presence.RosterEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			log.Printf("[Server] Unreadable roster event: %v", err)
			continue
		}
		s.hub.RemoteRosterChanged(ev)
	}
}

// Start runs the server with graceful shutdown
func (s *Server) Start() error {
	if s.presenceManager != nil {
		go s.relayRemoteRoster()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("🛑 Shutting down server...")
		if err := s.app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Fatalf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 DocSync Collaboration Gateway starting on %s", s.cfg.Server.Port)
	log.Printf("📡 WebSocket endpoint: ws://localhost%s/ws/docs/:documentId", s.cfg.Server.Port)

	return s.app.Listen(s.cfg.Server.Port)
}

// Shutdown stops the server and closes Redis connections
func (s *Server) Shutdown() error {
	err := s.app.ShutdownWithTimeout(30 * time.Second)

	if s.presenceManager != nil {
		s.presenceManager.Close()
	}
	if s.redisClient != nil {
		s.redisClient.Close()
	}

	return err
}
