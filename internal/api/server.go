package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/quotio/cliproxy/internal/api/middleware"
	"github.com/quotio/cliproxy/internal/config"
	"github.com/quotio/cliproxy/internal/logging"
	"github.com/quotio/cliproxy/sdk/cliproxy"
)

// Server owns the gin engine and the http.Server lifecycle for the proxy's
// inbound surface.
type Server struct {
	cfg     *config.Config
	handler *Handler
	httpSrv *http.Server
}

// NewServer builds the routed engine. Routes are grouped by wire format:
// OpenAI-compatible under /v1, Gemini-native under /v1beta, raw pass-through
// under /providers, and operational endpoints at the root.
func NewServer(cfg *config.Config, service *cliproxy.Service) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())

	h := NewHandler(cfg, service)
	authed := engine.Group("/", middleware.APIKeyAuth(cfg.APIKeys))

	v1 := authed.Group("/v1")
	v1.GET("/models", h.Models)
	v1.POST("/chat/completions", h.ChatCompletions)
	v1.POST("/messages", h.ClaudeMessages)
	v1.POST("/messages/count_tokens", h.ClaudeCountTokens)

	v1beta := authed.Group("/v1beta")
	v1beta.POST("/models/*modelAction", h.GeminiGenerate)

	authed.Any("/providers/:provider/*path", h.ProviderProxy)

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/health", func(c *gin.Context) {
		logging.SkipGinRequestLogging(c)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 30 * time.Second,
	}
	return &Server{cfg: cfg, handler: h, httpSrv: srv}
}

// Run serves until ctx is cancelled, then drains in-flight requests for up to
// ten seconds before forcing the listener closed.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("api: listening on %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
