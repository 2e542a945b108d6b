package application

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	"github.com/stocksage/stocksage/gateway/internal/domain/rank"
	"github.com/stocksage/stocksage/gateway/internal/domain/service"
	domaintool "github.com/stocksage/stocksage/gateway/internal/domain/tool"
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/config"
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/embedding"
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/llm"
	_ "github.com/stocksage/stocksage/gateway/internal/infrastructure/llm/openai" // register the openai provider factory
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/marketdata"
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/monitoring"
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/persistence"
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/predict"
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/search"
	toolpkg "github.com/stocksage/stocksage/gateway/internal/infrastructure/tool"
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/upstream"
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/vectorindex"
	"github.com/stocksage/stocksage/gateway/internal/interfaces/agentgrpc"
	httpapi "github.com/stocksage/stocksage/gateway/internal/interfaces/http"
	"github.com/stocksage/stocksage/gateway/internal/interfaces/telegram"
	"github.com/stocksage/stocksage/gateway/internal/interfaces/websocket"
	"github.com/stocksage/stocksage/gateway/pkg/safego"
)

const version = "0.3.0"

// App is the composition root: it owns every long-lived component and
// drives them through Start and Stop in dependency order.
type App struct {
	config *config.Config
	logger *zap.Logger

	registry  *prometheus.Registry
	monitor   *monitoring.Monitor
	db        *gorm.DB
	sink      *persistence.Sink
	upstreams *upstream.Registry
	router    *llm.Router
	embedder  *embedding.Client
	ranker    *rank.Ranker
	pipeline  *search.Pipeline
	tools     *domaintool.Registry
	store     *service.ConversationStore
	mlsel     *service.MLSelector
	orch      *service.Orchestrator
	watcher   *config.Watcher

	httpServer *httpapi.Server
	grpcServer *agentgrpc.Server
	telegram   *telegram.Adapter
}

// NewApp wires the dependency graph. Optional backends (Brave key, RAG
// index, Telegram token, gRPC port) that are unconfigured simply leave
// their component out; everything else failing to build is fatal.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{
		config: cfg,
		logger: logger,
	}

	app.initObservability()

	if err := app.initPersistence(); err != nil {
		return nil, fmt.Errorf("init persistence: %w", err)
	}

	app.initUpstreams()

	if err := app.initModels(); err != nil {
		return nil, fmt.Errorf("init models: %w", err)
	}

	app.initSearch()

	if err := app.initTools(); err != nil {
		return nil, fmt.Errorf("init tools: %w", err)
	}

	app.initChat()

	if err := app.initInterfaces(); err != nil {
		return nil, fmt.Errorf("init interfaces: %w", err)
	}

	if err := app.initReload(); err != nil {
		return nil, fmt.Errorf("init config reload: %w", err)
	}

	return app, nil
}

func (app *App) initObservability() {
	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.monitor = monitoring.NewMonitor(app.registry, app.logger)
}

func (app *App) initPersistence() error {
	db, err := persistence.NewDB(app.config.Database)
	if err != nil {
		return err
	}
	app.db = db
	app.sink = persistence.NewSink(db, 1024, app.logger)
	return nil
}

func (app *App) initUpstreams() {
	monitor := app.monitor
	app.upstreams = upstream.NewRegistry(
		app.config.Upstreams,
		upstream.Settings{},
		app.logger,
		func(name string, from, to upstream.State) {
			monitor.BreakerTransition(name, from.String(), to.String())
		},
	)
}

func (app *App) initModels() error {
	app.router = llm.NewRouter(app.upstreams, app.logger)

	for _, pc := range app.config.Models.Providers {
		provider, err := llm.CreateProvider(llm.ProviderConfig{
			Name:    pc.Name,
			Type:    pc.Type,
			BaseURL: pc.BaseURL,
			APIKey:  pc.APIKey,
			Models:  pc.Models,
		}, app.logger)
		if err != nil {
			return fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		app.router.AddProvider(provider)
	}
	if len(app.config.Models.Providers) == 0 {
		app.logger.Warn("No model providers configured; chat turns will fail until one is added")
	}

	app.router.SetAliases(app.config.Models.DefaultAlias, app.config.Models.Aliases)
	return nil
}

func (app *App) initSearch() {
	cfg := app.config

	app.embedder = embedding.NewClient(embedding.Config{
		BaseURL:  cfg.Embedding.BaseURL,
		Model:    cfg.Embedding.Model,
		TTL:      time.Duration(cfg.Cache.EmbeddingTTLS) * time.Second,
		Capacity: cfg.Cache.EmbeddingCapacity,
	}, app.upstreams.Guard("embed"), app.logger)

	trust := rank.NewTrustTable(cfg.Trust.Trusted, cfg.Trust.Denied, cfg.Trust.Default)
	app.ranker = rank.NewRanker(app.embedder, trust, search.ProviderBrave, app.logger)

	completer := &modelCompleter{
		router: app.router,
		alias:  simpleOrDefault(cfg.Models),
	}
	synth := rank.NewSynthesizer(completer, cfg.Search.MaxResults, app.logger)

	var primary search.Provider
	if cfg.Search.BraveAPIKey != "" {
		primary = search.NewBraveClient(cfg.Search.BraveBaseURL, cfg.Search.BraveAPIKey, app.upstreams.Guard("brave"))
	} else {
		app.logger.Info("Brave search disabled (no API key); DuckDuckGo carries all queries")
	}
	fallback := search.NewDuckDuckGoClient(cfg.Search.FallbackBaseURL, app.upstreams.Guard("ddgs"))

	fanout := search.NewFanout(primary, fallback, search.FanoutConfig{
		PrimaryTimeout:  time.Duration(cfg.Search.PrimaryTimeoutMS) * time.Millisecond,
		FallbackTimeout: time.Duration(cfg.Search.FallbackTimeoutMS) * time.Millisecond,
		MaxResults:      cfg.Search.MaxResults,
	}, app.logger)

	extractor := search.NewExtractor(app.upstreams.Guard("web-fetch"), app.logger)

	app.pipeline = search.NewPipeline(fanout, extractor, app.ranker, synth, completer, search.Mode(cfg.Search.Mode), app.logger)
	app.pipeline.SetObserver(app.monitor)
}

func (app *App) initTools() error {
	cfg := app.config

	market := marketdata.NewClient(
		cfg.Market.BaseURL,
		time.Duration(cfg.Market.TimeoutS)*time.Second,
		app.upstreams.Guard("yfinance"),
		app.logger,
	)

	forecaster := predict.NewForecaster(market, predict.Config{
		ModelsDir:  cfg.Predict.ModelsDir,
		AutoTrain:  cfg.Predict.AutoTrain,
		MinHistory: cfg.Predict.MinHistory,
	}, app.logger)

	deps := toolpkg.Deps{
		Market:     market,
		Pipeline:   app.pipeline,
		Embedder:   app.embedder,
		Forecaster: forecaster,
	}
	if cfg.RAG.IndexURL != "" {
		deps.Index = vectorindex.NewClient(cfg.RAG.IndexURL, cfg.RAG.TopK, app.upstreams.Guard("rag-index"), app.logger)
	}

	tools, err := toolpkg.BuildRegistry(deps, app.logger)
	if err != nil {
		return err
	}
	app.tools = tools
	return nil
}

func (app *App) initChat() {
	cfg := app.config

	app.store = service.NewConversationStore(
		cfg.Chat.MaxTokensPerTurn,
		cfg.Chat.ConversationTTL(),
		app.logger,
	)

	responses := service.NewResponseCache(
		time.Duration(cfg.Cache.ResponseTTLS)*time.Second,
		cfg.Cache.ResponseCapacity,
	)
	simple := service.NewResponseCache(
		time.Duration(cfg.Cache.SimpleQueryTTLS)*time.Second,
		cfg.Cache.SimpleQueryCap,
	)
	inflight := service.NewInFlightMap(
		time.Duration(cfg.Cache.RequestDedupTTLS)*time.Second,
		cfg.Chat.TurnTimeout(),
	)

	if cfg.Selector.MLEnabled {
		app.mlsel = service.NewMLSelector(app.embedder, service.MLSelectorConfig{
			Threshold:    cfg.Selector.Threshold,
			MaxTools:     cfg.Selector.MaxTools,
			EmbedTimeout: time.Duration(cfg.Selector.EmbedTimeoutS) * time.Second,
		}, app.logger)
	}
	selector := service.NewToolSelector(app.tools, app.mlsel, service.SelectorConfig{
		MLEnabled: cfg.Selector.MLEnabled,
		Threshold: cfg.Selector.Threshold,
		MaxTools:  cfg.Selector.MaxTools,
	}, app.logger)

	app.orch = service.NewOrchestrator(service.OrchestratorDeps{
		Model:     app.router,
		Resolver:  app.router,
		Tools:     app.tools,
		Selector:  selector,
		Store:     app.store,
		Responses: responses,
		Simple:    simple,
		InFlight:  inflight,
		Metrics:   app.monitor,
		Audit:     app.sink,
	}, service.OrchestratorConfig{
		MaxToolRounds:    cfg.Chat.MaxToolRounds,
		MaxParallelTools: cfg.Chat.MaxParallelTools,
		ModelTimeout:     cfg.Chat.TurnTimeout(),
		MaxTokens:        cfg.Models.MaxTokens,
		Temperature:      cfg.Models.Temperature,
		SystemPrompt:     cfg.Chat.SystemPrompt,
		SimpleAlias:      cfg.Models.SimpleAlias,
	}, app.logger)
}

func (app *App) initInterfaces() error {
	cfg := app.config

	ws := websocket.NewHandler(app.orch, app.logger)

	app.httpServer = httpapi.NewServer(cfg.Server, httpapi.Deps{
		Turns:     app.orch,
		Store:     app.store,
		Monitor:   app.monitor,
		Upstreams: app.upstreams,
		Tools:     app.tools,
		Models:    app.router,
		Gatherer:  app.registry,
		WebSocket: gin.WrapF(ws.ServeWS),
		Version:   version,
	}, app.logger)

	if cfg.Server.GRPCPort > 0 {
		app.grpcServer = agentgrpc.NewServer(app.orch, app.tools, cfg.Server.GRPCPort, app.logger)
	}

	if cfg.Telegram.BotToken != "" {
		adapter, err := telegram.NewAdapter(cfg.Telegram, app.orch, app.store, app.logger)
		if err != nil {
			// A bad token should not keep the HTTP surface down.
			app.logger.Warn("Telegram adapter unavailable, continuing without it", zap.Error(err))
		} else {
			app.telegram = adapter
		}
	}

	return nil
}

func (app *App) initReload() error {
	watcher, err := config.NewWatcher(config.FilePath(), app.logger)
	if err != nil {
		return err
	}
	router := app.router
	ranker := app.ranker
	watcher.OnReload(func(models config.ModelsConfig, trust config.TrustConfig) {
		router.SetAliases(models.DefaultAlias, models.Aliases)
		ranker.SetTrustTable(rank.NewTrustTable(trust.Trusted, trust.Denied, trust.Default))
	})
	app.watcher = watcher
	return nil
}

// Start brings the surfaces up. The context governs background loops
// (Telegram polling, config watching, ML selector warmup), not the servers
// themselves, which run until Stop.
func (app *App) Start(ctx context.Context) error {
	sweep := app.config.Chat.ConversationTTL() / 4
	if sweep < time.Minute {
		sweep = time.Minute
	}
	app.store.StartSweeper(sweep)

	if app.mlsel != nil {
		mlsel := app.mlsel
		modelPath := app.config.Selector.ModelPath
		logger := app.logger
		safego.Go(app.logger, "ml-selector-init", func() {
			initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := mlsel.Initialize(initCtx, modelPath); err != nil {
				logger.Warn("ML selector unavailable, tool selection falls back to heuristics", zap.Error(err))
			}
		})
	}

	app.httpServer.Start()

	if app.grpcServer != nil {
		if err := app.grpcServer.Start(); err != nil {
			return fmt.Errorf("start grpc: %w", err)
		}
	}

	if app.telegram != nil {
		if err := app.telegram.Start(ctx); err != nil {
			return fmt.Errorf("start telegram: %w", err)
		}
	}

	if err := app.watcher.StartWatching(ctx); err != nil {
		app.logger.Warn("Config hot-reload disabled", zap.Error(err))
	}

	app.logger.Info("Application started",
		zap.String("version", version),
		zap.Int("tools", len(app.tools.Names())),
		zap.Bool("grpc", app.grpcServer != nil),
		zap.Bool("telegram", app.telegram != nil),
	)
	return nil
}

// Stop shuts the surfaces down before the internals so no new turns arrive
// while the sink drains.
func (app *App) Stop(ctx context.Context) error {
	if app.telegram != nil {
		app.telegram.Stop()
	}
	if app.grpcServer != nil {
		app.grpcServer.Stop()
	}

	var firstErr error
	if err := app.httpServer.Stop(ctx); err != nil {
		firstErr = err
	}

	app.store.Stop()
	app.watcher.Close()

	if err := app.sink.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// modelCompleter narrows the router to the two-string completion call the
// rank package wants for query rewrite and answer synthesis.
type modelCompleter struct {
	router *llm.Router
	alias  string
}

func (c *modelCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	msgs := make([]*entity.ChatMessage, 0, 2)
	if system != "" {
		msgs = append(msgs, entity.NewSystemMessage(system))
	}
	msgs = append(msgs, entity.NewUserMessage(prompt))

	resp, err := c.router.Complete(ctx, &service.ModelRequest{
		Model:     c.alias,
		Messages:  msgs,
		MaxTokens: 1024,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// simpleOrDefault picks the alias used for the search pipeline's internal
// model calls: the cheap alias when configured, the default otherwise.
func simpleOrDefault(m config.ModelsConfig) string {
	if m.SimpleAlias != "" {
		return m.SimpleAlias
	}
	return m.DefaultAlias
}
