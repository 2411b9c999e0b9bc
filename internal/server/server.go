package server

import (
	"net/http"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openbrick/openbrick/internal/auth"
	"github.com/openbrick/openbrick/internal/trading"
	"github.com/openbrick/openbrick/internal/ws"
)

// Server represents the HTTP server
type Server struct {
	logger     *zap.Logger
	authSvc    *auth.Service
	tradingSvc *trading.Service
	hub        *ws.Hub
}

// NewServer creates a new HTTP server
func NewServer(logger *zap.Logger, authSvc *auth.Service, tradingSvc *trading.Service, hub *ws.Hub) *Server {
	return &Server{
		logger:     logger,
		authSvc:    authSvc,
		tradingSvc: tradingSvc,
		hub:        hub,
	}
}

// Router creates a new HTTP router
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, "2006-01-02T15:04:05Z07:00", true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(cors.Default())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Realtime book snapshots, one subscription per property.
	router.GET("/ws/properties/:id", s.handleSubscribe)

	api := router.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.POST("/auth/login", s.handleLogin)

			v1.GET("/properties", s.handleListProperties)
			v1.GET("/properties/:id/book", s.handleGetBook)
			v1.GET("/properties/:id/history", s.handleGetHistory)

			authed := v1.Group("", s.authSvc.Middleware())
			{
				authed.POST("/properties/:id/orders", s.handleSubmitOrder)
				authed.DELETE("/orders/:id", s.handleCancelOrder)
				authed.GET("/portfolio", s.handleGetPortfolio)
			}
		}
	}

	return router
}
