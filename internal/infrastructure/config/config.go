package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stocksage/stocksage/gateway/internal/infrastructure/upstream"
)

// Config is the process configuration, loaded once at startup. Scalars are
// immutable afterwards; the model-alias and domain-trust tables are the only
// reloadable parts (see Watcher).
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Selector  SelectorConfig  `mapstructure:"selector"`
	Search    SearchConfig    `mapstructure:"search"`
	Models    ModelsConfig    `mapstructure:"models"`
	Market    MarketConfig    `mapstructure:"market"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	RAG       RAGConfig       `mapstructure:"rag"`
	Predict   PredictConfig   `mapstructure:"predict"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`

	// Upstreams holds per-upstream breaker/limiter tunables keyed by name
	// ("brave", "ddgs", "web-fetch", "yfinance", "llm:openai", "embed").
	Upstreams map[string]upstream.Settings `mapstructure:"upstreams"`

	// Trust is the domain allow/deny table the ranker applies as a
	// multiplicative quality factor.
	Trust TrustConfig `mapstructure:"trust"`
}

// ServerConfig holds the HTTP and gRPC listener settings.
type ServerConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"` // debug, release
	GRPCPort int    `mapstructure:"grpc_port"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
	Output string `mapstructure:"output"` // stdout, stderr, or file path
}

// ChatConfig bounds one conversation turn.
type ChatConfig struct {
	MaxTokensPerTurn int    `mapstructure:"max_tokens_per_turn"`
	MaxToolRounds    int    `mapstructure:"max_tool_rounds"`
	TurnTimeoutS     int    `mapstructure:"turn_timeout_s"`
	ConversationTTLS int    `mapstructure:"conversation_ttl_s"`
	SystemPrompt     string `mapstructure:"system_prompt"`
	MaxParallelTools int    `mapstructure:"max_parallel_tools"`
}

// CacheConfig holds TTLs and capacities for the response caches and the
// in-flight dedup map.
type CacheConfig struct {
	ResponseTTLS      int `mapstructure:"response_ttl_s"`
	ResponseCapacity  int `mapstructure:"response_capacity"`
	SimpleQueryTTLS   int `mapstructure:"simple_query_ttl_s"`
	SimpleQueryCap    int `mapstructure:"simple_query_capacity"`
	RequestDedupTTLS  int `mapstructure:"request_dedup_ttl_s"`
	EmbeddingTTLS     int `mapstructure:"embedding_ttl_s"`
	EmbeddingCapacity int `mapstructure:"embedding_capacity"`
}

// SelectorConfig controls the ML tool selector and its heuristic fallback.
type SelectorConfig struct {
	MLEnabled     bool    `mapstructure:"ml_enabled"`
	Threshold     float64 `mapstructure:"ml_confidence_threshold"`
	MaxTools      int     `mapstructure:"ml_max_tools"`
	ModelPath     string  `mapstructure:"ml_model_path"`
	EmbedTimeoutS int     `mapstructure:"embed_timeout_s"`
}

// SearchConfig controls the web-search fan-out and pipeline mode.
type SearchConfig struct {
	Mode              string `mapstructure:"mode"` // fast, balanced, comprehensive
	BraveAPIKey       string `mapstructure:"brave_api_key"`
	BraveBaseURL      string `mapstructure:"brave_base_url"`
	FallbackBaseURL   string `mapstructure:"fallback_base_url"`
	PrimaryTimeoutMS  int    `mapstructure:"primary_timeout_ms"`
	FallbackTimeoutMS int    `mapstructure:"fallback_timeout_ms"`
	MaxResults        int    `mapstructure:"max_results"`
}

// ModelsConfig is the alias table plus routing defaults. Aliases maps a
// friendly id ("default", "smart", "cheap") to a concrete deployment id.
type ModelsConfig struct {
	DefaultAlias string            `mapstructure:"default_alias"`
	SimpleAlias  string            `mapstructure:"simple_alias"`
	Aliases      map[string]string `mapstructure:"aliases"`
	Providers    []ProviderConfig  `mapstructure:"providers"`
	MaxTokens    int               `mapstructure:"max_tokens"`
	Temperature  float64           `mapstructure:"temperature"`
}

// ProviderConfig configures one LLM provider endpoint.
type ProviderConfig struct {
	Name    string   `mapstructure:"name"`
	Type    string   `mapstructure:"type"` // "openai" (default)
	BaseURL string   `mapstructure:"base_url"`
	APIKey  string   `mapstructure:"api_key"`
	Models  []string `mapstructure:"models"` // empty = wildcard
}

// MarketConfig points at the market-data provider.
type MarketConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	TimeoutS int    `mapstructure:"timeout_s"`
}

// EmbeddingConfig points at the embedding service.
type EmbeddingConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// RAGConfig points at the nearest-neighbor index service.
type RAGConfig struct {
	IndexURL string `mapstructure:"index_url"`
	TopK     int    `mapstructure:"top_k"`
}

// PredictConfig controls the prediction tool's artifact store.
type PredictConfig struct {
	ModelsDir  string `mapstructure:"models_dir"`
	AutoTrain  bool   `mapstructure:"auto_train"`
	MinHistory int    `mapstructure:"min_history"`
}

// DatabaseConfig configures the append-only turn-log sink.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// TelegramConfig enables the Telegram chat adapter when a token is set.
type TelegramConfig struct {
	BotToken string  `mapstructure:"bot_token"`
	AllowIDs []int64 `mapstructure:"allow_ids"`
}

// TrustConfig is the domain trust table: trusted domains score 1.0, denied
// domains 0, everything else Default. Reloadable.
type TrustConfig struct {
	Trusted []string `mapstructure:"trusted"`
	Denied  []string `mapstructure:"denied"`
	Default float64  `mapstructure:"default"`
}

// envBindings maps every enumerated environment key to its config path.
// Keys bind with exactly these names, no prefix.
var envBindings = map[string]string{
	"MAX_TOKENS_PER_TURN":        "chat.max_tokens_per_turn",
	"MAX_TOOL_ROUNDS":            "chat.max_tool_rounds",
	"TURN_TIMEOUT_S":             "chat.turn_timeout_s",
	"RESPONSE_CACHE_TTL_S":       "cache.response_ttl_s",
	"SIMPLE_QUERY_CACHE_TTL_S":   "cache.simple_query_ttl_s",
	"REQUEST_DEDUP_TTL_S":        "cache.request_dedup_ttl_s",
	"ML_TOOL_SELECTION_ENABLED":  "selector.ml_enabled",
	"ML_CONFIDENCE_THRESHOLD":    "selector.ml_confidence_threshold",
	"ML_MAX_TOOLS":               "selector.ml_max_tools",
	"ML_MODEL_PATH":              "selector.ml_model_path",
	"WEB_SEARCH_MODE":            "search.mode",
	"BRAVE_API_KEY":              "search.brave_api_key",
	"SEARCH_PRIMARY_TIMEOUT_MS":  "search.primary_timeout_ms",
	"SEARCH_FALLBACK_TIMEOUT_MS": "search.fallback_timeout_ms",
	"MODEL_DEFAULT_ALIAS":        "models.default_alias",
	"EMBEDDING_URL":              "embedding.base_url",
	"EMBEDDING_MODEL":            "embedding.model",
	"MARKET_DATA_URL":            "market.base_url",
	"RAG_INDEX_URL":              "rag.index_url",
	"TELEGRAM_BOT_TOKEN":         "telegram.bot_token",
	"DATABASE_DSN":               "database.dsn",
	"GATEWAY_PORT":               "server.port",
	"LOG_LEVEL":                  "log.level",
}

// Load reads configuration in layers: defaults, then the optional YAML file
// (CONFIG_PATH or ./configs/gateway.yaml), then environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	path := FilePath()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	for env, key := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Provider entries are a list, so they have no env binding; ${VAR}
	// in api_key lets the file reference a secret without holding it.
	for i := range cfg.Models.Providers {
		cfg.Models.Providers[i].APIKey = os.ExpandEnv(cfg.Models.Providers[i].APIKey)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FilePath resolves the YAML file location. An explicit CONFIG_PATH wins;
// the default path is used only when the file exists.
func FilePath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	def := "./configs/gateway.yaml"
	if _, err := os.Stat(def); err == nil {
		return def
	}
	return ""
}

func (c *Config) validate() error {
	switch c.Search.Mode {
	case "fast", "balanced", "comprehensive":
	default:
		return fmt.Errorf("invalid WEB_SEARCH_MODE %q (want fast|balanced|comprehensive)", c.Search.Mode)
	}
	if c.Chat.MaxToolRounds <= 0 {
		return fmt.Errorf("MAX_TOOL_ROUNDS must be positive, got %d", c.Chat.MaxToolRounds)
	}
	if c.Selector.Threshold < 0 || c.Selector.Threshold > 1 {
		return fmt.Errorf("ML_CONFIDENCE_THRESHOLD must be in [0,1], got %v", c.Selector.Threshold)
	}
	return nil
}

// TurnTimeout returns the end-to-end turn deadline.
func (c *ChatConfig) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutS) * time.Second
}

// ConversationTTL returns how long an idle conversation survives.
func (c *ChatConfig) ConversationTTL() time.Duration {
	return time.Duration(c.ConversationTTLS) * time.Second
}

// ResolveAlias maps a friendly alias to a deployment id. An empty alias
// resolves to the default; unknown aliases return ok=false.
func (m *ModelsConfig) ResolveAlias(alias string) (string, bool) {
	if alias == "" {
		alias = m.DefaultAlias
	}
	dep, ok := m.Aliases[strings.ToLower(alias)]
	if !ok {
		return "", false
	}
	return dep, true
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.grpc_port", 0) // disabled unless set

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	// Chat
	v.SetDefault("chat.max_tokens_per_turn", 6000)
	v.SetDefault("chat.max_tool_rounds", 3)
	v.SetDefault("chat.turn_timeout_s", 60)
	v.SetDefault("chat.conversation_ttl_s", 3600)
	v.SetDefault("chat.max_parallel_tools", 4)
	v.SetDefault("chat.system_prompt",
		"You are a stock-analysis assistant. Answer using tool results when available and cite web sources with [n] markers.")

	// Caches
	v.SetDefault("cache.response_ttl_s", 300)
	v.SetDefault("cache.response_capacity", 1000)
	v.SetDefault("cache.simple_query_ttl_s", 60)
	v.SetDefault("cache.simple_query_capacity", 500)
	v.SetDefault("cache.request_dedup_ttl_s", 30)
	v.SetDefault("cache.embedding_ttl_s", 3600)
	v.SetDefault("cache.embedding_capacity", 2000)

	// Selector
	v.SetDefault("selector.ml_enabled", true)
	v.SetDefault("selector.ml_confidence_threshold", 0.3)
	v.SetDefault("selector.ml_max_tools", 5)
	v.SetDefault("selector.embed_timeout_s", 2)

	// Search
	v.SetDefault("search.mode", "balanced")
	v.SetDefault("search.brave_base_url", "https://api.search.brave.com/res/v1")
	v.SetDefault("search.fallback_base_url", "https://api.duckduckgo.com")
	v.SetDefault("search.primary_timeout_ms", 1500)
	v.SetDefault("search.fallback_timeout_ms", 2000)
	v.SetDefault("search.max_results", 8)

	// Models
	v.SetDefault("models.default_alias", "default")
	v.SetDefault("models.simple_alias", "cheap")
	v.SetDefault("models.aliases", map[string]string{
		"default": "gpt-4o",
		"smart":   "gpt-4o",
		"cheap":   "gpt-4o-mini",
	})
	v.SetDefault("models.max_tokens", 2048)
	v.SetDefault("models.temperature", 0.7)

	// Market data
	v.SetDefault("market.base_url", "https://query1.finance.yahoo.com")
	v.SetDefault("market.timeout_s", 10)

	// Embedding
	v.SetDefault("embedding.base_url", "http://localhost:11434")
	v.SetDefault("embedding.model", "nomic-embed-text")

	// RAG
	v.SetDefault("rag.top_k", 5)

	// Predict
	v.SetDefault("predict.models_dir", "./models")
	v.SetDefault("predict.auto_train", true)
	v.SetDefault("predict.min_history", 60)

	// Database
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "stocksage.db")

	// Trust table
	v.SetDefault("trust.default", 0.5)
	v.SetDefault("trust.trusted", []string{
		"reuters.com", "bloomberg.com", "wsj.com", "ft.com", "cnbc.com",
		"finance.yahoo.com", "sec.gov", "investopedia.com", "marketwatch.com",
	})
	v.SetDefault("trust.denied", []string{})

	// Upstream guards
	v.SetDefault("upstreams.yfinance", map[string]interface{}{
		"threshold": 5, "recovery_s": 60, "rps": 1.0, "burst": 3, "per_minute": 55,
	})
	v.SetDefault("upstreams.brave", map[string]interface{}{
		"threshold": 3, "recovery_s": 30, "rps": 3.33, "burst": 1,
	})
	v.SetDefault("upstreams.ddgs", map[string]interface{}{
		"threshold": 3, "recovery_s": 30, "rps": 3.33, "burst": 1,
	})
	v.SetDefault("upstreams.web-fetch", map[string]interface{}{
		"threshold": 4, "recovery_s": 45, "rps": 5.0, "burst": 3,
	})
	v.SetDefault("upstreams.embed", map[string]interface{}{
		"threshold": 5, "recovery_s": 30, "rps": 10.0, "burst": 5,
	})
}
