package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	"github.com/stocksage/stocksage/gateway/internal/domain/service"
	"github.com/stocksage/stocksage/gateway/internal/domain/tool"
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/config"
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/llm"
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/monitoring"
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/upstream"
	"github.com/stocksage/stocksage/gateway/pkg/safego"
)

// TurnRunner runs chat turns. The orchestrator implements it; handler tests
// stub it.
type TurnRunner interface {
	ExecuteTurn(ctx context.Context, req *service.TurnRequest) (*service.TurnResult, <-chan entity.ChatEvent, error)
	Chat(ctx context.Context, req *service.TurnRequest) (*service.TurnResult, error)
}

// ConversationClearer resets a conversation transcript.
type ConversationClearer interface {
	Clear(conversationID string) error
}

// ModelInventory is the admin view of the model router: registered providers
// and the live alias table.
type ModelInventory interface {
	Snapshot() []llm.ProviderStatus
	AliasSnapshot() (defaultAlias string, entries map[string]string)
}

// Deps collects everything the HTTP surface exposes.
type Deps struct {
	Turns     TurnRunner
	Store     ConversationClearer
	Monitor   *monitoring.Monitor
	Upstreams *upstream.Registry
	Tools     *tool.Registry
	Models    ModelInventory      // nil drops the /admin/models route
	Gatherer  prometheus.Gatherer // nil drops the /metrics route
	WebSocket gin.HandlerFunc     // nil drops the /chat/ws route
	Version   string
}

// Server is the HTTP front of the gateway.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// NewServer builds the router and binds all routes.
func NewServer(cfg config.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Mode == "release" || cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	chat := NewChatHandler(deps.Turns, deps.Store, logger)
	registerRoutes(router, chat, deps)

	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler: router,
		},
		logger: logger,
	}
}

// Start begins serving in the background. Listen errors other than a clean
// shutdown are logged, not returned: by the time they happen the caller has
// moved on.
func (s *Server) Start() {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))
	safego.Go(s.logger, "http-listen", func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	})
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func registerRoutes(router *gin.Engine, chat *ChatHandler, deps Deps) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": deps.Version,
		})
	})

	router.POST("/chat", chat.Chat)
	router.POST("/chat/stream", chat.ChatStream)
	router.POST("/chat/clear", chat.Clear)
	if deps.WebSocket != nil {
		router.GET("/chat/ws", deps.WebSocket)
	}

	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	admin := router.Group("/admin")
	{
		admin.GET("/metrics", func(c *gin.Context) {
			c.JSON(http.StatusOK, deps.Monitor.Stats())
		})
		admin.GET("/breakers", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"breakers": deps.Upstreams.Snapshots()})
		})
		admin.GET("/tools", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"tools": deps.Tools.Describe(nil)})
		})
		if deps.Models != nil {
			admin.GET("/models", func(c *gin.Context) {
				def, aliases := deps.Models.AliasSnapshot()
				c.JSON(http.StatusOK, gin.H{
					"default":   def,
					"aliases":   aliases,
					"providers": deps.Models.Snapshot(),
				})
			})
		}
	}
}

// ginLogger logs one line per request.
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
