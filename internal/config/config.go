package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Reddit    RedditConfig    `yaml:"reddit" mapstructure:"reddit"`
	Embedding EmbeddingConfig `yaml:"embedding" mapstructure:"embedding"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Funnel    FunnelConfig    `yaml:"funnel" mapstructure:"funnel"`
	Cost      CostConfig      `yaml:"cost" mapstructure:"cost"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the run-history backend.
type StoreConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// RedditConfig holds the post-search source settings.
type RedditConfig struct {
	BaseURL                  string  `yaml:"base_url" mapstructure:"base_url"`
	UserAgent                string  `yaml:"user_agent" mapstructure:"user_agent"`
	RequestsPerMinute        float64 `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	PremiumRequestsPerMinute float64 `yaml:"premium_requests_per_minute" mapstructure:"premium_requests_per_minute"`
}

// EmbeddingConfig holds the embedding provider settings. Provider names the
// default entry in Providers; requests may select any configured entry.
type EmbeddingConfig struct {
	Provider  string                             `yaml:"provider" mapstructure:"provider"`
	Providers map[string]EmbeddingProviderConfig `yaml:"providers" mapstructure:"providers"`
	BatchSize int                                `yaml:"batch_size" mapstructure:"batch_size"`
	Cache     CacheConfig                        `yaml:"cache" mapstructure:"cache"`
}

// EmbeddingProviderConfig is one OpenAI-compatible embedding endpoint.
type EmbeddingProviderConfig struct {
	Key        string `yaml:"key" mapstructure:"key"`
	BaseURL    string `yaml:"base_url" mapstructure:"base_url"`
	Model      string `yaml:"model" mapstructure:"model"`
	Dimensions int    `yaml:"dimensions" mapstructure:"dimensions"`
}

// CacheConfig configures the Redis vector cache.
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Addr     string        `yaml:"addr" mapstructure:"addr"`
	Password string        `yaml:"password" mapstructure:"password"`
	TTL      time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// AnthropicConfig holds the classifier settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// FunnelConfig holds the pipeline tunables.
type FunnelConfig struct {
	MaxPosts           int    `yaml:"max_posts" mapstructure:"max_posts"`
	AgeDays            int    `yaml:"age_days" mapstructure:"age_days"`
	MinScore           int    `yaml:"min_score" mapstructure:"min_score"`
	Oversample         int    `yaml:"oversample" mapstructure:"oversample"`
	RetrievalPool      int    `yaml:"retrieval_pool" mapstructure:"retrieval_pool"`
	HydrationPool      int    `yaml:"hydration_pool" mapstructure:"hydration_pool"`
	ClassificationPool int    `yaml:"classification_pool" mapstructure:"classification_pool"`
	TruncateLength     int    `yaml:"truncate_length" mapstructure:"truncate_length"`
	MaxComments        int    `yaml:"max_comments" mapstructure:"max_comments"`
	MaxDepth           int    `yaml:"max_depth" mapstructure:"max_depth"`
	MinCommentScore    int    `yaml:"min_comment_score" mapstructure:"min_comment_score"`
	MaxContentLength   int    `yaml:"max_content_length" mapstructure:"max_content_length"`
	Strategy           string `yaml:"strategy" mapstructure:"strategy"`
	PromptVariant      string `yaml:"prompt_variant" mapstructure:"prompt_variant"`
}

// CostConfig points at an optional YAML price-table override file.
type CostConfig struct {
	RatesFile string `yaml:"rates_file" mapstructure:"rates_file"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.threadscout")

	// Environment
	v.SetEnvPrefix("THREADSCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "threadscout.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("server.port", 8080)
	v.SetDefault("reddit.base_url", "https://www.reddit.com")
	v.SetDefault("reddit.user_agent", "threadscout/1.0 (audience research)")
	v.SetDefault("reddit.requests_per_minute", 30)
	v.SetDefault("reddit.premium_requests_per_minute", 90)
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.providers.openai.model", "text-embedding-3-small")
	v.SetDefault("embedding.providers.openai.dimensions", 1536)
	v.SetDefault("embedding.providers.openai.base_url", "")
	v.SetDefault("embedding.batch_size", 64)
	v.SetDefault("embedding.cache.enabled", false)
	v.SetDefault("embedding.cache.addr", "localhost:6379")
	v.SetDefault("embedding.cache.ttl", "720h")
	v.SetDefault("anthropic.model", "claude-3-5-haiku-latest")
	v.SetDefault("anthropic.max_tokens", 512)
	v.SetDefault("funnel.max_posts", 1000)
	v.SetDefault("funnel.age_days", 90)
	v.SetDefault("funnel.min_score", 2)
	v.SetDefault("funnel.oversample", 20)
	v.SetDefault("funnel.retrieval_pool", 16)
	v.SetDefault("funnel.hydration_pool", 8)
	v.SetDefault("funnel.classification_pool", 15)
	v.SetDefault("funnel.truncate_length", 2000)
	v.SetDefault("funnel.max_comments", 100)
	v.SetDefault("funnel.max_depth", 3)
	v.SetDefault("funnel.min_comment_score", 1)
	v.SetDefault("funnel.max_content_length", 8000)
	v.SetDefault("funnel.strategy", "broad")
	v.SetDefault("funnel.prompt_variant", "default")
	v.SetDefault("cost.rates_file", "")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the configuration can support the given command mode.
// Offline modes (estimate, runs) need no credentials.
func (c *Config) Validate(mode string) error {
	var problems []string

	checkFunnel := func() {
		if c.Funnel.RetrievalPool < 1 || c.Funnel.HydrationPool < 1 || c.Funnel.ClassificationPool < 1 {
			problems = append(problems, "funnel pool sizes must be >= 1")
		}
		if c.Embedding.BatchSize < 1 || c.Embedding.BatchSize > 2048 {
			problems = append(problems, "embedding.batch_size must be between 1 and 2048")
		}
	}

	checkProviders := func() {
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
		p, ok := c.Embedding.Providers[c.Embedding.Provider]
		if !ok {
			problems = append(problems, fmt.Sprintf("embedding.provider %q has no embedding.providers entry", c.Embedding.Provider))
		} else if p.Key == "" && p.BaseURL == "" {
			// Keyless operation is only plausible against a self-hosted endpoint.
			problems = append(problems, fmt.Sprintf("embedding.providers.%s.key is required", c.Embedding.Provider))
		}
	}

	switch mode {
	case "search":
		checkFunnel()
		checkProviders()
	case "serve":
		checkFunnel()
		checkProviders()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "estimate", "runs":
		// Offline against local config/store only.
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
