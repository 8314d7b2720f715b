// Package config loads the zlv-address configuration (config.yaml plus ZLV_*
// environment variables) and installs the global logger.
package config

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

// MaxChunkSize is the largest chunk the BAN CSV endpoint accepts comfortably.
const MaxChunkSize = 10000

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	BAN        BANConfig        `yaml:"ban" mapstructure:"ban"`
	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`
	Scorer     ScorerConfig     `yaml:"scorer" mapstructure:"scorer"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	PortailDF  PortailDFConfig  `yaml:"portaildf" mapstructure:"portaildf"`
}

// StoreConfig configures the PostgreSQL connection.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	// File, when set, receives the structured log instead of stderr.
	File string `yaml:"file" mapstructure:"file"`
}

// BANConfig configures the BAN geocoding client and the resolver job.
type BANConfig struct {
	BaseURL            string            `yaml:"base_url" mapstructure:"base_url"`
	ChunkSize          int               `yaml:"chunk_size" mapstructure:"chunk_size"`
	RateLimit          float64           `yaml:"rate_limit" mapstructure:"rate_limit"`
	TimeoutSecs        int               `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries         int               `yaml:"max_retries" mapstructure:"max_retries"`
	InitialBackoffSecs int               `yaml:"initial_backoff_secs" mapstructure:"initial_backoff_secs"`
	MaxBackoffSecs     int               `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
	BytesPerSecond     int               `yaml:"bytes_per_second" mapstructure:"bytes_per_second"`
	CircuitThreshold   int               `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	WorkDir            string            `yaml:"work_dir" mapstructure:"work_dir"`
	Headers            map[string]string `yaml:"headers" mapstructure:"headers"`
}

// ClassifierConfig configures the country classifier.
type ClassifierConfig struct {
	// MonacoPolicy is "foreign" (default) or "france".
	MonacoPolicy string `yaml:"monaco_policy" mapstructure:"monaco_policy"`
}

// ScorerConfig configures owner/housing scoring.
type ScorerConfig struct {
	SourceTable           string `yaml:"source_table" mapstructure:"source_table"`
	FirstNamesTable       string `yaml:"first_names_table" mapstructure:"first_names_table"`
	FuzzyThreshold        int    `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
	FirstNameMinFrequency int    `yaml:"first_name_min_frequency" mapstructure:"first_name_min_frequency"`
	FirstNameMinLength    int    `yaml:"first_name_min_length" mapstructure:"first_name_min_length"`
	MutationWindowYears   int    `yaml:"mutation_window_years" mapstructure:"mutation_window_years"`
	FallbackOnPartialZero bool   `yaml:"fallback_on_partial_zero" mapstructure:"fallback_on_partial_zero"`
	FirstNameCacheSize    int    `yaml:"first_name_cache_size" mapstructure:"first_name_cache_size"`
}

// BatchConfig configures batch sizing and parallelism shared by commands.
type BatchConfig struct {
	Size       int `yaml:"size" mapstructure:"size"`
	NumWorkers int `yaml:"num_workers" mapstructure:"num_workers"`
}

// PortailDFConfig configures the Portail-DF pager.
type PortailDFConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Token       string `yaml:"token" mapstructure:"token"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Load reads configuration from file and environment. An empty file means
// the optional config.yaml in the working directory.
func Load(file string) (*Config, error) {
	v := viper.New()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ZLV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.database_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("ban.base_url", "https://api-adresse.data.gouv.fr/search/csv/")
	v.SetDefault("ban.chunk_size", 1000)
	v.SetDefault("ban.rate_limit", 50)
	v.SetDefault("ban.timeout_secs", 300)
	v.SetDefault("ban.max_retries", 4)
	v.SetDefault("ban.initial_backoff_secs", 16)
	v.SetDefault("ban.max_backoff_secs", 128)
	v.SetDefault("ban.bytes_per_second", 1<<20)
	v.SetDefault("ban.circuit_threshold", 5)
	v.SetDefault("ban.work_dir", "work/ban")
	v.SetDefault("classifier.monaco_policy", "foreign")
	v.SetDefault("scorer.source_table", "owner_housing_candidates")
	v.SetDefault("scorer.first_names_table", "first_names")
	v.SetDefault("scorer.fuzzy_threshold", 80)
	v.SetDefault("scorer.first_name_min_frequency", 100)
	v.SetDefault("scorer.first_name_min_length", 3)
	v.SetDefault("scorer.mutation_window_years", 2)
	v.SetDefault("scorer.fallback_on_partial_zero", false)
	v.SetDefault("scorer.first_name_cache_size", 100000)
	v.SetDefault("batch.size", 5000)
	v.SetDefault("batch.num_workers", 4)
	v.SetDefault("portaildf.base_url", "https://portaildf.cerema.fr/api")
	v.SetDefault("portaildf.token", "")
	v.SetDefault("portaildf.timeout_secs", 60)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || file != "" {
			return nil, resilience.NewConfigError("file", eris.Wrap(err, "config: read file"))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, resilience.NewConfigError("", eris.Wrap(err, "config: unmarshal"))
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: "db",
// "resolve", "classify", "score", "portaildf". All problems are reported at
// once in a single ConfigError.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "db":
		errs = append(errs, c.validateStore()...)
	case "resolve":
		errs = append(errs, c.validateBAN()...)
		errs = append(errs, c.validateClassifier()...)
	case "classify":
		errs = append(errs, c.validateClassifier()...)
	case "score":
		errs = append(errs, c.validateScorer()...)
	case "portaildf":
		if c.PortailDF.Token == "" {
			errs = append(errs, "portaildf.token is required")
		}
		errs = append(errs, c.validateClassifier()...)
	default:
		return resilience.NewConfigError("", eris.Errorf("unknown mode %q", mode))
	}

	if c.Batch.NumWorkers < 1 || c.Batch.NumWorkers > 64 {
		errs = append(errs, "batch.num_workers must be between 1 and 64")
	}
	if c.Batch.Size < 1 {
		errs = append(errs, "batch.size must be > 0")
	}

	if len(errs) > 0 {
		return resilience.NewConfigError(mode, eris.New(strings.Join(errs, "; ")))
	}
	return nil
}

func (c *Config) validateStore() []string {
	if c.Store.DatabaseURL == "" {
		return []string{"store.database_url is required"}
	}
	if _, err := pgxpool.ParseConfig(c.Store.DatabaseURL); err != nil {
		return []string{fmt.Sprintf("store.database_url is malformed: %v", err)}
	}
	return nil
}

func (c *Config) validateBAN() []string {
	var errs []string
	if c.BAN.BaseURL == "" {
		errs = append(errs, "ban.base_url is required")
	}
	if c.BAN.ChunkSize < 1 || c.BAN.ChunkSize > MaxChunkSize {
		errs = append(errs, fmt.Sprintf("ban.chunk_size must be between 1 and %d", MaxChunkSize))
	}
	if c.BAN.RateLimit <= 0 {
		errs = append(errs, "ban.rate_limit must be > 0")
	}
	if c.BAN.BytesPerSecond <= 0 {
		errs = append(errs, "ban.bytes_per_second must be > 0")
	}
	if c.BAN.WorkDir == "" {
		errs = append(errs, "ban.work_dir is required")
	}
	return errs
}

func (c *Config) validateClassifier() []string {
	switch c.Classifier.MonacoPolicy {
	case "foreign", "france":
		return nil
	}
	return []string{`classifier.monaco_policy must be "foreign" or "france"`}
}

func (c *Config) validateScorer() []string {
	var errs []string
	if c.Scorer.FuzzyThreshold < 1 || c.Scorer.FuzzyThreshold > 100 {
		errs = append(errs, "scorer.fuzzy_threshold must be between 1 and 100")
	}
	if c.Scorer.FirstNameMinFrequency < 0 {
		errs = append(errs, "scorer.first_name_min_frequency must be >= 0")
	}
	if c.Scorer.MutationWindowYears < 0 {
		errs = append(errs, "scorer.mutation_window_years must be >= 0")
	}
	return errs
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
		return resilience.NewConfigError("log.level", eris.Wrap(err, "config: parse log level"))
	}
	zapCfg.Level.SetLevel(level)

	if cfg.File != "" {
		zapCfg.OutputPaths = []string{cfg.File}
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
