// Package server wires the sync backend's HTTP server and dependencies.
package server

import (
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/quickswitch/quickswitch/internal/api/http"
	"github.com/quickswitch/quickswitch/internal/api/middleware"
	"github.com/quickswitch/quickswitch/internal/crypt"
	"github.com/quickswitch/quickswitch/internal/domain/account"
	"github.com/quickswitch/quickswitch/internal/domain/vault"
	"github.com/quickswitch/quickswitch/internal/infrastructure/config"
	"github.com/quickswitch/quickswitch/internal/infrastructure/logging"
	"github.com/quickswitch/quickswitch/internal/infrastructure/monitoring"
)

// Server wraps the HTTP server and dependencies.
type Server struct {
	router   *gin.Engine
	db       *badger.DB
	accounts *account.Manager
	vault    *vault.Vault
	logger   *logging.Logger
	config   *config.Server
	metrics  *monitoring.Metrics
}

// New creates a new server instance.
func New(cfg *config.Server) (*Server, error) {
	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.NewDefault()
	}

	logger.Info("Initializing sync backend",
		zap.String("port", cfg.HTTP.Port),
		zap.String("data_dir", cfg.Store.Dir),
	)

	metrics := monitoring.NewMetrics()

	dbPath := filepath.Join(cfg.Store.Dir, "server")
	opts := badger.DefaultOptions(dbPath).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", dbPath, err)
	}

	accounts := account.NewManager(db, cfg.Auth.TokenTTL)
	sessions := vault.New(db, crypt.New(cfg.Auth.MasterKey))

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))

	handlers := apihttp.NewHandlers(accounts, sessions)

	router.GET("/", handlers.Root)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := router.Group("/api/auth")
	data := router.Group("/api/sessions")
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Duration("window", cfg.RateLimit.Window),
			zap.Int("auth_requests", cfg.RateLimit.AuthRequests),
			zap.Int("data_requests", cfg.RateLimit.DataRequests),
		)
		auth.Use(middleware.RateLimit(middleware.RateLimitConfig{
			Requests: cfg.RateLimit.AuthRequests,
			Window:   cfg.RateLimit.Window,
		}))
		data.Use(middleware.RateLimit(middleware.RateLimitConfig{
			Requests: cfg.RateLimit.DataRequests,
			Window:   cfg.RateLimit.Window,
		}))
	}

	auth.POST("/register", handlers.Register)
	auth.POST("/login", handlers.Login)
	auth.GET("/me", middleware.RequireAuth(accounts), handlers.Me)

	data.Use(middleware.RequireAuth(accounts))
	data.GET("", handlers.ListSessions)
	data.POST("", handlers.UpsertSession)
	data.DELETE("/:sessionId", handlers.DeleteSession)
	data.POST("/sync", handlers.SyncSessions)

	logger.Info("Server initialized successfully")

	return &Server{
		router:   router,
		db:       db,
		accounts: accounts,
		vault:    sessions,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
	}, nil
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	addr := s.config.HTTP.Host + ":" + s.config.HTTP.Port
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Close shuts down the server and flushes the store.
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close store", zap.Error(err))
		return fmt.Errorf("failed to close store: %w", err)
	}

	s.logger.Sync()
	return nil
}
