package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the pipeline system
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Insight   InsightConfig   `mapstructure:"insight"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug             bool          `mapstructure:"debug"`
	LogLevel          string        `mapstructure:"log_level"`
	MaxProcessingTime time.Duration `mapstructure:"max_processing_time"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains the oracle provider configuration
type LLMConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	Temperature    float64       `mapstructure:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	MaxRetries     int           `mapstructure:"max_retries"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.Model) == "" {
		return fmt.Errorf("llm.model is required")
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be within [0, 2]")
	}
	return nil
}

// TelemetryConfig contains metrics and cost tracking settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	LogFile      string `mapstructure:"log_file"`
	CostTracking bool   `mapstructure:"cost_tracking"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// PipelineConfig tunes the stage loop and the sufficiency gate.
type PipelineConfig struct {
	MaxIterations           int      `mapstructure:"max_iterations"`
	MaxCollectionIterations int      `mapstructure:"max_collection_iterations"`
	EscalationAttempts      int      `mapstructure:"escalation_attempts"`
	SummaryChars            int      `mapstructure:"summary_chars"`
	FinalSummaryChars       int      `mapstructure:"final_summary_chars"`
	MinTools                int      `mapstructure:"min_tools"`
	MinConfidence           float64  `mapstructure:"min_confidence"`
	KeyTools                []string `mapstructure:"key_tools"`
	MaxInsightsPerRun       int      `mapstructure:"max_insights_per_run"`
}

// Normalize applies defaults for unset pipeline values.
func (p PipelineConfig) Normalize() PipelineConfig {
	if p.MaxIterations <= 0 {
		p.MaxIterations = 3
	}
	if p.MaxCollectionIterations <= 0 {
		p.MaxCollectionIterations = 3
	}
	if p.EscalationAttempts <= 0 {
		p.EscalationAttempts = 2
	}
	if p.SummaryChars <= 0 {
		p.SummaryChars = 500
	}
	if p.FinalSummaryChars <= 0 {
		p.FinalSummaryChars = 300
	}
	if p.MinTools <= 0 {
		p.MinTools = 2
	}
	if p.MinConfidence <= 0 {
		p.MinConfidence = 0.7
	}
	if p.MaxInsightsPerRun <= 0 {
		p.MaxInsightsPerRun = 3
	}
	return p
}

func (p PipelineConfig) Validate() error {
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return fmt.Errorf("pipeline.min_confidence must be within [0, 1]")
	}
	return nil
}

// ToolsConfig tunes the dispatcher.
type ToolsConfig struct {
	MaxWorkers       int           `mapstructure:"max_workers"`
	BatchTimeout     time.Duration `mapstructure:"batch_timeout"`
	MaxResultLength  int           `mapstructure:"max_result_length"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RequiredTools    []string      `mapstructure:"required_tools"`
}

// Normalize applies defaults for unset dispatcher values.
func (t ToolsConfig) Normalize() ToolsConfig {
	if t.MaxWorkers <= 0 {
		t.MaxWorkers = 6
	}
	if t.BatchTimeout <= 0 {
		t.BatchTimeout = 2 * time.Minute
	}
	if t.MaxResultLength <= 0 {
		t.MaxResultLength = 3000
	}
	if t.FailureThreshold <= 0 {
		t.FailureThreshold = 3
	}
	return t
}

// InsightConfig controls the insight memory store.
type InsightConfig struct {
	Path        string `mapstructure:"path"`
	MaxInsights int    `mapstructure:"max_insights"`
	ForgetDays  int    `mapstructure:"forget_days"`
	SearchTopK  int    `mapstructure:"search_top_k"`
}

// Normalize applies defaults for unset insight values.
func (i InsightConfig) Normalize() InsightConfig {
	if strings.TrimSpace(i.Path) == "" {
		i.Path = "data/insights.db"
	}
	if i.MaxInsights <= 0 {
		i.MaxInsights = 100
	}
	if i.ForgetDays <= 0 {
		i.ForgetDays = 90
	}
	if i.SearchTopK <= 0 {
		i.SearchTopK = 3
	}
	return i
}

// SourcesConfig contains market data and search backends
type SourcesConfig struct {
	MarketDataURL string          `mapstructure:"market_data_url"`
	NewsFeedURL   string          `mapstructure:"news_feed_url"`
	WebSearch     WebSearchConfig `mapstructure:"web_search"`
}

// WebSearchConfig contains web search settings
type WebSearchConfig struct {
	BraveAPIKey  string        `mapstructure:"brave_api_key"`
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	MaxResults   int           `mapstructure:"max_results"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// StorageConfig contains run-result persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return nil // postgres is optional, redis or memory take over
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when host is provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when host is provided")
	}
	return nil
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) != "" && strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required when host is provided")
	}
	return nil
}

// LoadConfig loads config from file, falling back to well-known locations
// when path is empty. Environment variables prefixed with HQ_ override file
// values (HQ_LLM_API_KEY, HQ_STORAGE_REDIS_HOST, ...).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.max_processing_time", 10*time.Minute)
	v.SetDefault("general.default_timeout", 60*time.Second)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.embedding_model", "text-embedding-3-small")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.metrics_port", 9090)
	v.SetDefault("sources.web_search.max_results", 5)
	v.SetDefault("sources.web_search.timeout", 15*time.Second)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("HQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// defaults plus environment are enough to run
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	cfg.Pipeline = cfg.Pipeline.Normalize()
	cfg.Tools = cfg.Tools.Normalize()
	cfg.Insight = cfg.Insight.Normalize()

	for _, validate := range []func() error{
		cfg.LLM.Validate,
		cfg.Telemetry.Validate,
		cfg.Pipeline.Validate,
		cfg.Storage.Postgres.Validate,
		cfg.Storage.Redis.Validate,
	} {
		if err := validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}
