// Package server hosts the relay's HTTP surface: routing, middleware, and
// the handlers bridging requests to the failover controller.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vantorre/antigravity-relay/internal/account"
	"github.com/vantorre/antigravity-relay/internal/auth"
	"github.com/vantorre/antigravity-relay/internal/cloudcode"
	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/internal/format"
	"github.com/vantorre/antigravity-relay/internal/logging"
	"github.com/vantorre/antigravity-relay/internal/modules"
	"github.com/vantorre/antigravity-relay/internal/server/handlers"
	"github.com/vantorre/antigravity-relay/internal/tokenizer"
	"github.com/vantorre/antigravity-relay/pkg/anthropic"
)

// Deps are the initialized components the routes serve from. Everything is
// constructed in main before the listener starts; there is no lazy path.
type Deps struct {
	Pool       *account.Manager
	Ctrl       *cloudcode.Controller
	Tokens     *auth.Provider
	Translator *format.Translator
	Usage      *modules.UsageStats
	Counter    *tokenizer.Counter
}

// Server is the relay's HTTP front.
type Server struct {
	log    *logging.Logger
	cfg    *config.Config
	engine *gin.Engine
}

func New(log *logging.Logger, cfg *config.Config, deps Deps) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())

	s := &Server{log: log, cfg: cfg, engine: engine}
	s.routes(deps)
	return s
}

func (s *Server) routes(deps Deps) {
	s.engine.Use(CORS())
	s.engine.Use(SilentOK())
	s.engine.Use(RequestLogging(s.log))
	s.engine.Use(BodyLimit(config.RequestBodyLimit))

	health := handlers.NewHealthHandler(s.cfg, deps.Pool, deps.Usage)
	models := handlers.NewModelsHandler(s.log, deps.Ctrl)
	accounts := handlers.NewAccountsHandler(s.cfg, deps.Pool)
	messages := handlers.NewMessagesHandler(s.log, s.cfg, deps.Ctrl, deps.Counter)
	refresh := handlers.NewRefreshTokenHandler(deps.Tokens)

	s.engine.GET("/health", health.Health)
	s.engine.GET("/account-limits", accounts.AccountLimits)
	s.engine.POST("/refresh-token", refresh.RefreshToken)

	s.engine.POST("/test/clear-signature-cache", func(c *gin.Context) {
		deps.Translator.Signatures().Clear()
		s.log.Debug("[Test] Cleared thinking signature cache")
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Thinking signature cache cleared",
		})
	})

	v1 := s.engine.Group("/v1")
	v1.Use(APIKeyAuth(s.log, s.cfg))
	{
		v1.GET("/models", models.ListModels)
		v1.POST("/messages/count_tokens", messages.CountTokens)
		v1.POST("/messages", messages.Messages)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		s.log.Debug("[API] 404 Not Found: %s %s", c.Request.Method, c.Request.URL.Path)
		c.JSON(http.StatusNotFound, anthropic.NewErrorResponse("not_found_error",
			fmt.Sprintf("Endpoint %s %s not found", c.Request.Method, c.Request.URL.Path)))
	})
}

// Engine exposes the router, mainly for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// HTTPServer builds the listener main runs. The write timeout is generous
// because model turns can stream for minutes.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
}
