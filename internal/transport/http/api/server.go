// Package apihttp exposes the order, portfolio and webhook endpoints over
// gin.
package apihttp

import (
	"context"
	"net/http"
	"time"

	"autohub/internal/config/routes"
	"autohub/internal/logger"
	"autohub/internal/router"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type Server struct {
	addr   string
	engine *gin.Engine
	srv    *http.Server
}

// ServerConfig describes the API server dependencies.
type ServerConfig struct {
	Addr         string
	Router       *router.Router
	Routes       *routes.Loader
	WebhookToken string
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(), requestID())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := &handlers{router: cfg.Router, routes: cfg.Routes, webhookToken: cfg.WebhookToken}
	engine.POST("/webhook/:route", h.handleWebhook)

	api := engine.Group("/api/v1")
	{
		api.POST("/connections/:id/orders", h.handlePlaceOrder)
		api.PUT("/connections/:id/orders/:order_id", h.handleModifyOrder)
		api.DELETE("/connections/:id/orders/:order_id", h.handleCancelOrder)
		api.GET("/connections/:id/orders", h.handleTrackedOrders)
		api.GET("/connections/:id/orders/:order_id", h.handleOrderStatus)
		api.GET("/connections/:id/orderbook", h.handleLiveOrders)
		api.GET("/connections/:id/quotes", h.handleQuotes)
		api.GET("/positions", h.handlePositions)
		api.GET("/holdings", h.handleHoldings)
		api.GET("/routes", h.handleRoutes)
	}

	return &Server{addr: cfg.Addr, engine: engine}, nil
}

func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Infof("http: listening on %s", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Engine is exposed for handler tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

// requestID tags every request so multi-connection fan-outs can be stitched
// together in the logs.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}
