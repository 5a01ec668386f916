package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Tagger     TaggerConfig     `yaml:"tagger" mapstructure:"tagger"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Extraction ExtractionConfig `yaml:"extraction" mapstructure:"extraction"`
	Learning   LearningConfig   `yaml:"learning" mapstructure:"learning"`
	Jobs       JobsConfig       `yaml:"jobs" mapstructure:"jobs"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the cross-process job lock. An empty Addr
// disables it.
type RedisConfig struct {
	Addr        string `yaml:"addr" mapstructure:"addr"`
	Password    string `yaml:"password" mapstructure:"password"`
	DB          int    `yaml:"db" mapstructure:"db"`
	LockTTLSecs int    `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
}

// TaggerConfig selects and tunes the statistical extractor.
type TaggerConfig struct {
	Provider         string  `yaml:"provider" mapstructure:"provider"`
	BaseURL          string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey           string  `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec       float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst            int     `yaml:"burst" mapstructure:"burst"`
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	FailureThreshold int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int     `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings for the LLM tagger.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// ExtractionConfig tunes matching, combining and conflict resolution.
type ExtractionConfig struct {
	MaxConcurrentFields int     `yaml:"max_concurrent_fields" mapstructure:"max_concurrent_fields"`
	AgreementBonus      float64 `yaml:"agreement_bonus" mapstructure:"agreement_bonus"`
	BasePrior           float64 `yaml:"base_prior" mapstructure:"base_prior"`
	LearnedPrior        float64 `yaml:"learned_prior" mapstructure:"learned_prior"`
	GlobalPrior         float64 `yaml:"global_prior" mapstructure:"global_prior"`
	// Metric picks the conflict similarity function. Under "levenshtein" a
	// short value against its longer completion ("Budi" / "Budi Santoso")
	// scores below moderate_threshold, so it is major and never auto-resolved.
	Metric              string  `yaml:"metric" mapstructure:"metric"`
	MinorThreshold      float64 `yaml:"minor_threshold" mapstructure:"minor_threshold"`
	ModerateThreshold   float64 `yaml:"moderate_threshold" mapstructure:"moderate_threshold"`
	ContextWords        int     `yaml:"context_words" mapstructure:"context_words"`
}

// LearningConfig tunes the pattern learner and its trigger.
type LearningConfig struct {
	MinMatchRate      float64 `yaml:"min_match_rate" mapstructure:"min_match_rate"`
	MinMatches        int     `yaml:"min_matches" mapstructure:"min_matches"`
	WindowSize        int     `yaml:"window_size" mapstructure:"window_size"`
	MinWindowSamples  int     `yaml:"min_window_samples" mapstructure:"min_window_samples"`
	FeedbackThreshold int     `yaml:"feedback_threshold" mapstructure:"feedback_threshold"`
	MaxExamples       int     `yaml:"max_examples" mapstructure:"max_examples"`
}

// JobsConfig configures the learning job worker pool.
type JobsConfig struct {
	Workers          int     `yaml:"workers" mapstructure:"workers"`
	PollIntervalMs   int     `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	StaleAfterSecs   int     `yaml:"stale_after_secs" mapstructure:"stale_after_secs"`
}

// ServerConfig configures the REST server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
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

	// Environment
	v.SetEnvPrefix("FORMEXTRACT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "formextract.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("redis.lock_ttl_secs", 900)
	v.SetDefault("tagger.provider", "none")
	v.SetDefault("tagger.timeout_secs", 10)
	v.SetDefault("tagger.rate_per_sec", 20)
	v.SetDefault("tagger.burst", 5)
	v.SetDefault("tagger.max_attempts", 3)
	v.SetDefault("tagger.initial_backoff_ms", 200)
	v.SetDefault("tagger.max_backoff_ms", 5000)
	v.SetDefault("tagger.multiplier", 2.0)
	v.SetDefault("tagger.failure_threshold", 5)
	v.SetDefault("tagger.reset_timeout_secs", 30)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("extraction.max_concurrent_fields", 4)
	v.SetDefault("extraction.agreement_bonus", 0.1)
	v.SetDefault("extraction.base_prior", 0.7)
	v.SetDefault("extraction.learned_prior", 0.5)
	v.SetDefault("extraction.global_prior", 0.6)
	v.SetDefault("extraction.metric", "hybrid")
	v.SetDefault("extraction.minor_threshold", 0.8)
	v.SetDefault("extraction.moderate_threshold", 0.5)
	v.SetDefault("extraction.context_words", 3)
	v.SetDefault("learning.min_match_rate", 0.3)
	v.SetDefault("learning.min_matches", 2)
	v.SetDefault("learning.window_size", 50)
	v.SetDefault("learning.min_window_samples", 5)
	v.SetDefault("learning.feedback_threshold", 10)
	v.SetDefault("learning.max_examples", 5)
	v.SetDefault("jobs.workers", 2)
	v.SetDefault("jobs.poll_interval_ms", 1000)
	v.SetDefault("jobs.max_attempts", 3)
	v.SetDefault("jobs.initial_backoff_ms", 30000)
	v.SetDefault("jobs.max_backoff_ms", 600000)
	v.SetDefault("jobs.multiplier", 2.0)
	v.SetDefault("jobs.stale_after_secs", 900)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the settings a command mode depends on. Modes are
// serve, worker, extract and cli.
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch mode {
	case "serve", "worker", "extract", "cli":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		add("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}

	if mode == "serve" && c.Server.Port <= 0 {
		add("server.port must be > 0")
	}
	if mode == "serve" || mode == "worker" {
		if c.Jobs.Workers < 1 || c.Jobs.Workers > 64 {
			add("jobs.workers must be between 1 and 64")
		}
		if c.Jobs.MaxAttempts < 1 {
			add("jobs.max_attempts must be >= 1")
		}
	}

	if mode != "worker" {
		switch c.Tagger.Provider {
		case "none", "":
		case "http":
			if c.Tagger.BaseURL == "" {
				add("tagger.base_url is required for the http provider")
			}
		case "anthropic":
			if c.Anthropic.Key == "" {
				add("anthropic.key is required for the anthropic provider")
			}
		default:
			add("tagger.provider must be none, http or anthropic, got %q", c.Tagger.Provider)
		}
	}

	for name, v := range map[string]float64{
		"extraction.agreement_bonus":    c.Extraction.AgreementBonus,
		"extraction.minor_threshold":    c.Extraction.MinorThreshold,
		"extraction.moderate_threshold": c.Extraction.ModerateThreshold,
		"learning.min_match_rate":       c.Learning.MinMatchRate,
	} {
		if v < 0 || v > 1 {
			add("%s must be between 0 and 1", name)
		}
	}
	if c.Extraction.ModerateThreshold > c.Extraction.MinorThreshold {
		add("extraction.moderate_threshold must not exceed extraction.minor_threshold")
	}
	switch c.Extraction.Metric {
	case "hybrid", "levenshtein", "token", "":
	default:
		add("extraction.metric must be hybrid, levenshtein or token, got %q", c.Extraction.Metric)
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
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
