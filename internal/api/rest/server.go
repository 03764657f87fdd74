package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/KevinKickass/iotdserver/internal/auth"
	"github.com/KevinKickass/iotdserver/internal/config"
	"github.com/KevinKickass/iotdserver/internal/interfaces"
	"github.com/KevinKickass/iotdserver/internal/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router        *gin.Engine
	lm            interfaces.LifecycleManager
	authenticator *auth.Authenticator
	logger        *zap.Logger
	server        *http.Server
	wsPath        string
	listener      net.Listener
}

// NewServer builds the HTTP server for devices and operators. addr
// overrides the configured port when not empty.
func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, authenticator *auth.Authenticator, logger *zap.Logger, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)

	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.Server.Port)
	}

	s := &Server{
		router:        gin.New(),
		lm:            lm,
		authenticator: authenticator,
		logger:        logger,
		wsPath:        cfg.Server.WSPath,
	}

	s.setupRoutes()

	// No write timeout: websocket connections outlive any request deadline.
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = lis

	s.logger.Info("Starting HTTP server",
		zap.String("address", lis.Addr().String()),
		zap.String("device_path", s.wsPath))
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Device endpoint. Devices do not authenticate.
	s.router.GET(s.wsPath, s.deviceConnection)

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := s.router.Group("/api/v1")
	v1.Use(s.authenticator.Middleware())
	{
		// ==================== AUTH ====================
		v1.GET("/auth/me", s.getCurrentPrincipal)
		v1.POST("/auth/token", auth.RequirePermission(auth.PermOperator), s.issueToken)

		// ==================== DEVICES ====================
		devices := v1.Group("/devices")
		{
			devices.GET("", auth.RequirePermission(auth.PermViewer), s.listDevices)
			devices.GET("/:id", auth.RequirePermission(auth.PermViewer), s.getDevice)
			devices.POST("/:id/command", auth.RequirePermission(auth.PermOperator), s.sendDeviceCommand)
			devices.POST("/:id/flush", auth.RequirePermission(auth.PermOperator), s.flushDevice)
		}

		v1.POST("/profiles/reload", auth.RequirePermission(auth.PermOperator), s.reloadProfiles)
		v1.GET("/sessions", auth.RequirePermission(auth.PermViewer), s.listSessions)
		v1.GET("/catalog", auth.RequirePermission(auth.PermViewer), s.listCatalog)

		// ==================== COMMANDS ====================
		v1.POST("/commands", auth.RequirePermission(auth.PermOperator), s.sendCommand)
		v1.POST("/flush", auth.RequirePermission(auth.PermOperator), s.flushAll)

		// ==================== SYSTEM ====================
		system := v1.Group("/system")
		{
			system.GET("/status", auth.RequirePermission(auth.PermViewer), s.getSystemStatus)
			system.POST("/shutdown", auth.RequirePermission(auth.PermOperator), s.shutdown)
		}

		// ==================== WEBSOCKET ====================
		v1.GET("/ws/live", auth.RequirePermission(auth.PermViewer), s.wsLiveConnection)
	}
}

func (s *Server) deviceConnection(c *gin.Context) {
	s.lm.ServeDevice(c.Writer, c.Request)
}

func (s *Server) wsLiveConnection(c *gin.Context) {
	s.lm.ServeDashboard(c.Writer, c.Request)
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	status := s.lm.GetCurrentStatus()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"state":     status.State,
		"timestamp": time.Now().Unix(),
	})
}
