package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Scoring      ScoringConfig      `yaml:"scoring" mapstructure:"scoring"`
	Agent        AgentConfig        `yaml:"agent" mapstructure:"agent"`
	Queues       QueuesConfig       `yaml:"queues" mapstructure:"queues"`
	Monitor      MonitorConfig      `yaml:"monitor" mapstructure:"monitor"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Sources      SourcesConfig      `yaml:"sources" mapstructure:"sources"`
	Notion       NotionConfig       `yaml:"notion" mapstructure:"notion"`
	Feishu       FeishuConfig       `yaml:"feishu" mapstructure:"feishu"`
	Webhook      WebhookConfig      `yaml:"webhook" mapstructure:"webhook"`
	Callback     CallbackConfig     `yaml:"callback" mapstructure:"callback"`
	Embedding    EmbeddingConfig    `yaml:"embedding" mapstructure:"embedding"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the ingress HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ScoringConfig holds composite weights and candidate selection limits.
type ScoringConfig struct {
	SemanticWeight        float64 `yaml:"semantic_weight" mapstructure:"semantic_weight"`
	ResponsivenessWeight  float64 `yaml:"responsiveness_weight" mapstructure:"responsiveness_weight"`
	TrustWeight           float64 `yaml:"trust_weight" mapstructure:"trust_weight"`
	MinCategoryCandidates int     `yaml:"min_category_candidates" mapstructure:"min_category_candidates"`
	TopN                  int     `yaml:"top_n" mapstructure:"top_n"`
	StaleEmbeddingDays    int     `yaml:"stale_embedding_days" mapstructure:"stale_embedding_days"`
	CategoryTablePath     string  `yaml:"category_table_path" mapstructure:"category_table_path"`
}

// AgentConfig configures agent liveness tracking.
type AgentConfig struct {
	LivenessWindowSecs int     `yaml:"liveness_window_secs" mapstructure:"liveness_window_secs"`
	SweepIntervalSecs  int     `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	MaxPendingTasks    int     `yaml:"max_pending_tasks" mapstructure:"max_pending_tasks"`
	PushRatePerSec     float64 `yaml:"push_rate_per_sec" mapstructure:"push_rate_per_sec"`
}

// QueueConfig configures one named job queue.
type QueueConfig struct {
	Retries          int     `yaml:"retries" mapstructure:"retries"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	Concurrency      int     `yaml:"concurrency" mapstructure:"concurrency"`
	HistorySize      int     `yaml:"history_size" mapstructure:"history_size"`
	JobTimeoutSecs   int     `yaml:"job_timeout_secs" mapstructure:"job_timeout_secs"`
}

// QueuesConfig holds per-queue settings.
type QueuesConfig struct {
	PollIntervalMs int         `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	Matching       QueueConfig `yaml:"matching" mapstructure:"matching"`
	Embedding      QueueConfig `yaml:"embedding" mapstructure:"embedding"`
	Fulfillment    QueueConfig `yaml:"fulfillment" mapstructure:"fulfillment"`
	Expiry         QueueConfig `yaml:"expiry" mapstructure:"expiry"`
}

// MonitorConfig configures the timeout and escalation sweep.
type MonitorConfig struct {
	SweepIntervalSecs    int `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	TimeoutMins          int `yaml:"timeout_mins" mapstructure:"timeout_mins"`
	DegradationThreshold int `yaml:"degradation_threshold" mapstructure:"degradation_threshold"`
	DegradationWindowMin int `yaml:"degradation_window_mins" mapstructure:"degradation_window_mins"`
}

// OrchestratorConfig configures the fulfillment flow.
type OrchestratorConfig struct {
	InlineTimeoutSecs int `yaml:"inline_timeout_secs" mapstructure:"inline_timeout_secs"`
	MaxAttempts       int `yaml:"max_attempts" mapstructure:"max_attempts"`
	DeadlineMins      int `yaml:"deadline_mins" mapstructure:"deadline_mins"`
	Concurrency       int `yaml:"concurrency" mapstructure:"concurrency"`
	// ParkSecs is how long a fulfillment job with no source and no online
	// agent waits before the queue looks at it again.
	ParkSecs int `yaml:"park_secs" mapstructure:"park_secs"`
}

// SourcesConfig points at the data source (adapter) definitions.
type SourcesConfig struct {
	Path           string `yaml:"path" mapstructure:"path"`
	Watch          bool   `yaml:"watch" mapstructure:"watch"`
	StaleAfterDays int    `yaml:"stale_after_days" mapstructure:"stale_after_days"`
	PriceSheetPath string `yaml:"price_sheet_path" mapstructure:"price_sheet_path"`
}

// NotionConfig holds credentials for the structured price table.
type NotionConfig struct {
	Token        string  `yaml:"token" mapstructure:"token"`
	PriceTableDB string  `yaml:"price_table_db" mapstructure:"price_table_db"`
	RateLimit    float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// FeishuConfig configures the outbound alert message channel.
type FeishuConfig struct {
	AppID     string `yaml:"app_id" mapstructure:"app_id"`
	AppSecret string `yaml:"app_secret" mapstructure:"app_secret"`
	ChatID    string `yaml:"chat_id" mapstructure:"chat_id"`
}

// WebhookConfig configures the generic alert webhook (used when Feishu is off).
type WebhookConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// CallbackConfig holds the shared secret for supplier-side callbacks.
type CallbackConfig struct {
	Secret string `yaml:"secret" mapstructure:"secret"`
}

// EmbeddingConfig configures the embedding API used by the embedding queue.
type EmbeddingConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("QUOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("scoring.semantic_weight", 0.60)
	v.SetDefault("scoring.responsiveness_weight", 0.25)
	v.SetDefault("scoring.trust_weight", 0.15)
	v.SetDefault("scoring.min_category_candidates", 10)
	v.SetDefault("scoring.top_n", 5)
	v.SetDefault("scoring.stale_embedding_days", 180)
	v.SetDefault("agent.liveness_window_secs", 180)
	v.SetDefault("agent.sweep_interval_secs", 60)
	v.SetDefault("agent.max_pending_tasks", 50)
	v.SetDefault("agent.push_rate_per_sec", 20)
	v.SetDefault("queues.poll_interval_ms", 500)
	setQueueDefaults(v, "matching", 3, 3)
	setQueueDefaults(v, "embedding", 3, 2)
	setQueueDefaults(v, "fulfillment", 3, 5)
	setQueueDefaults(v, "expiry", 3, 2)
	v.SetDefault("monitor.sweep_interval_secs", 300)
	v.SetDefault("monitor.timeout_mins", 30)
	v.SetDefault("monitor.degradation_threshold", 3)
	v.SetDefault("monitor.degradation_window_mins", 60)
	v.SetDefault("orchestrator.inline_timeout_secs", 5)
	v.SetDefault("orchestrator.max_attempts", 3)
	v.SetDefault("orchestrator.deadline_mins", 120)
	v.SetDefault("orchestrator.concurrency", 5)
	v.SetDefault("orchestrator.park_secs", 60)
	v.SetDefault("sources.path", "sources.yaml")
	v.SetDefault("sources.watch", true)
	v.SetDefault("sources.stale_after_days", 90)
	v.SetDefault("notion.rate_limit", 3)
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "text-embedding-3-small")

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

func setQueueDefaults(v *viper.Viper, name string, retries, concurrency int) {
	prefix := "queues." + name + "."
	v.SetDefault(prefix+"retries", retries)
	v.SetDefault(prefix+"initial_backoff_ms", 1000)
	v.SetDefault(prefix+"max_backoff_ms", 60000)
	v.SetDefault(prefix+"multiplier", 2.0)
	v.SetDefault(prefix+"concurrency", concurrency)
	v.SetDefault(prefix+"history_size", 100)
	v.SetDefault(prefix+"job_timeout_secs", 120)
}

// Validate checks the configuration required by the given command mode.
// Modes: "serve", "worker", "match", "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Callback.Secret == "" {
			errs = append(errs, "callback.secret is required")
		}
		errs = append(errs, c.validateStore()...)
	case "worker", "match", "migrate":
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	sum := c.Scoring.SemanticWeight + c.Scoring.ResponsivenessWeight + c.Scoring.TrustWeight
	if c.Scoring.SemanticWeight < 0 || c.Scoring.ResponsivenessWeight < 0 || c.Scoring.TrustWeight < 0 {
		errs = append(errs, "scoring weights must be >= 0")
	}
	if sum < 0.999 || sum > 1.001 {
		errs = append(errs, fmt.Sprintf("scoring weights must sum to 1, got %.3f", sum))
	}
	if c.Scoring.TopN <= 0 {
		errs = append(errs, "scoring.top_n must be > 0")
	}

	for name, q := range map[string]QueueConfig{
		"matching":    c.Queues.Matching,
		"embedding":   c.Queues.Embedding,
		"fulfillment": c.Queues.Fulfillment,
		"expiry":      c.Queues.Expiry,
	} {
		if q.Concurrency < 1 || q.Concurrency > 10 {
			errs = append(errs, fmt.Sprintf("queues.%s.concurrency must be between 1 and 10", name))
		}
		if q.Retries < 0 {
			errs = append(errs, fmt.Sprintf("queues.%s.retries must be >= 0", name))
		}
	}

	if c.Monitor.DegradationThreshold < 1 {
		errs = append(errs, "monitor.degradation_threshold must be >= 1")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	switch c.Store.Driver {
	case "sqlite":
		return nil
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return []string{"store.database_url is required for postgres"}
		}
		return nil
	default:
		return []string{fmt.Sprintf("store.driver %q is not supported", c.Store.Driver)}
	}
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
