// Package gateway is the HTTP and WebSocket surface: request validation,
// dispatch into the turn executor and conversation manager, and response
// framing for buffered, JSON-RPC, WebSocket, and SSE callers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nexcode/codex-gateway/internal/auth"
	"github.com/nexcode/codex-gateway/internal/common/config"
	"github.com/nexcode/codex-gateway/internal/common/httpmw"
	"github.com/nexcode/codex-gateway/internal/common/logger"
	"github.com/nexcode/codex-gateway/internal/executor"
)

const serverName = "codex-gateway"

// Server is the gateway HTTP server.
type Server struct {
	cfg      *config.Config
	exec     *executor.Executor
	keys     *auth.KeyStore
	oauth    *auth.OAuthStore
	logger   *logger.Logger
	engine   *gin.Engine
	httpSrv  *http.Server
	wsActive atomic.Int64
}

// New builds the server and its routes.
func New(cfg *config.Config, exec *executor.Executor, keys *auth.KeyStore, oauthStore *auth.OAuthStore, log *logger.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		exec:   exec,
		keys:   keys,
		oauth:  oauthStore,
		logger: log.WithFields(zap.String("component", "gateway")),
	}
	s.engine = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(httpmw.RequestLogger(s.logger, serverName))
	r.Use(httpmw.OtelTracing(serverName))
	r.Use(bodyLimit(s.cfg.BodyLimits))
	if s.cfg.Auth.APIKey != "" {
		r.Use(auth.APIKeyAuth(s.keys, s.logger))
	}

	r.GET("/health", s.handleHealth)
	r.POST("/jsonrpc", s.handleJSONRPC)
	r.POST("/exec", s.handleExec)
	r.POST("/exec/resume", s.handleResume)
	r.POST("/webhook", s.handleWebhook)
	r.GET("/oauth/authorize", s.handleAuthorize)
	r.POST("/oauth/token", s.handleToken)
	r.GET("/ws", s.handleWebSocket)
	r.POST("/api/v1/exec/stream", s.handleExecStream)

	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpSrv = &http.Server{
		Addr:        addr,
		Handler:     s.engine,
		ReadTimeout: 30 * time.Second,
		// Writes span a whole buffered turn plus margin.
		WriteTimeout: s.cfg.Server.RequestTimeout() + 30*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", zap.String("addr", addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
