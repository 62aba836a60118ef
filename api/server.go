package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gregtusar/crews/internal/config"
	"github.com/gregtusar/crews/pkg/clock"
	"github.com/gregtusar/crews/pkg/service"
	"github.com/sirupsen/logrus"
)

type Server struct {
	svc    *service.Service
	server config.ServerConfig
	auth   config.AuthConfig
	clock  clock.Clock
	logger *logrus.Logger
	engine *gin.Engine
}

func NewServer(svc *service.Service, server config.ServerConfig, auth config.AuthConfig, clk clock.Clock, logger *logrus.Logger) *Server {
	if server.Mode != "" {
		gin.SetMode(server.Mode)
	}
	s := &Server{
		svc:    svc,
		server: server,
		auth:   auth,
		clock:  clk,
		logger: logger,
		engine: gin.New(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.Use(gin.Recovery(), s.requestLogger(), corsMiddleware())

	s.engine.GET("/api/health", s.handleHealth)

	v1 := s.engine.Group("/api/v1", s.authenticate())
	{
		v1.GET("/crews", s.handleListCrews)
		v1.POST("/crews", s.handleCreateCrew)
		v1.GET("/crews/:id", s.handleGetCrew)
		v1.DELETE("/crews/:id", s.handleDeleteCrew)
		v1.POST("/crews/:id/start", s.lifecycle(s.svc.StartCrew))
		v1.POST("/crews/:id/stop", s.lifecycle(s.svc.StopCrew))
		v1.POST("/crews/:id/pause", s.lifecycle(s.svc.PauseCrew))
		v1.POST("/crews/:id/resume", s.lifecycle(s.svc.ResumeCrew))
		v1.POST("/crews/:id/reset", s.lifecycle(s.svc.ResetCrew))
		v1.POST("/crews/:id/trades", s.handleSubmitTrade)
		v1.GET("/crews/:id/trades", s.handleCrewTrades)
		v1.GET("/crews/:id/performance", s.handlePerformance)
		v1.POST("/crews/:id/optimize", s.handleOptimize)

		v1.GET("/trades", s.handleTrades)

		v1.GET("/strategies", s.handleListStrategies)
		v1.POST("/strategies", s.handleRegisterStrategy)
		v1.GET("/strategies/:id/versions", s.handleStrategyVersions)
		v1.GET("/deciders", s.handleDeciders)

		v1.GET("/candles", s.handleCandles)
	}
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until ctx is done, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.server.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting API server on port %d", s.server.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	timeout := s.server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("Shutting down API server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down api server: %w", err)
	}
	return nil
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := s.logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("Request failed")
			return
		}
		entry.Debug("Request served")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": s.clock.Now().UTC(),
	})
}
