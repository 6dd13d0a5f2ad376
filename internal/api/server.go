// Package api is a thin HTTP adapter over the gateway facade. All payment
// logic lives in the engine; handlers only translate between JSON and facade
// calls.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/busyboredom/acceptxmr/internal/gateway"
	"github.com/busyboredom/acceptxmr/pkg/logger"
)

const (
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout = 10 * time.Second
)

// HTTPServer serves the merchant API.
type HTTPServer struct {
	logger *logger.Logger

	router *gin.Engine
	port   int

	server *http.Server

	gateway *gateway.Gateway
}

// NewHTTPServer creates a new HTTP server instance.
func NewHTTPServer(gw *gateway.Gateway, port int, log *logger.Logger, development bool) *HTTPServer {
	if !development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	server := &HTTPServer{
		logger:  log,
		router:  router,
		port:    port,
		gateway: gw,
	}

	server.routes()
	return server
}

// Start starts the HTTP server.
func (s *HTTPServer) Start() {
	addr := fmt.Sprintf("0.0.0.0:%v", s.port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	s.logger.Info("Starting HTTP server ", "address ", addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Fatal("Failed to start the HTTP server: ", err)
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *HTTPServer) Shutdown() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server shut down successfully")
	return nil
}

// Router exposes the underlying handler for tests.
func (s *HTTPServer) Router() http.Handler {
	return s.router
}
