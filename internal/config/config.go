// Package config loads the service configuration from defaults, an optional
// config file and PATTERNS_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"

	"github.com/dvloznov/finance-patterns/internal/batch"
	"github.com/dvloznov/finance-patterns/internal/recurring"
	"github.com/dvloznov/finance-patterns/internal/transfer"
)

// EnvPrefix prefixes every environment override, e.g. PATTERNS_STORE_BACKEND.
const EnvPrefix = "PATTERNS"

// ConfigFileEnv names the variable holding an explicit config file path.
const ConfigFileEnv = "PATTERNS_CONFIG"

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StoreBigQuery = "bigquery"
)

// Cache backends.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config is the full service configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Recurring RecurringConfig `mapstructure:"recurring"`
	Transfer  TransferConfig  `mapstructure:"transfer"`
	Batch     BatchConfig     `mapstructure:"batch"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

// LogConfig selects log verbosity and format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
	ProjectID  string `mapstructure:"project_id"`
	Dataset    string `mapstructure:"dataset"`
}

// CacheConfig selects the verdict cache.
type CacheConfig struct {
	Backend       string `mapstructure:"backend"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Prefix        string `mapstructure:"prefix"`
}

// RecurringConfig mirrors the recurring detector tunables.
type RecurringConfig struct {
	AmountTolerance         float64       `mapstructure:"amount_tolerance"`
	MinOccurrences          int           `mapstructure:"min_occurrences"`
	ConfidenceThreshold     float64       `mapstructure:"confidence_threshold"`
	CandidateLimit          int           `mapstructure:"candidate_limit"`
	MatchAmountSimilarity   float64       `mapstructure:"match_amount_similarity"`
	MatchWindow             time.Duration `mapstructure:"match_window"`
	FuzzyMerchantSimilarity float64       `mapstructure:"fuzzy_merchant_similarity"`
	CacheTTL                time.Duration `mapstructure:"cache_ttl"`
}

// TransferConfig mirrors the transfer detector tunables.
type TransferConfig struct {
	AmountTolerance    float64       `mapstructure:"amount_tolerance"`
	Window             time.Duration `mapstructure:"window"`
	IntraThreshold     float64       `mapstructure:"intra_threshold"`
	DuplicateThreshold float64       `mapstructure:"duplicate_threshold"`
	IntraLimit         int           `mapstructure:"intra_limit"`
	DuplicateLimit     int           `mapstructure:"duplicate_limit"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
}

// BatchConfig controls the coordinator and the worker schedule.
type BatchConfig struct {
	Workers    int           `mapstructure:"workers"`
	BatchSize  int           `mapstructure:"batch_size"`
	Interval   time.Duration `mapstructure:"interval"`
	QueueSize  int           `mapstructure:"queue_size"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

// Address returns the HTTP listen address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Load reads defaults, then the file named by PATTERNS_CONFIG (or
// ./patterns.yaml when present), then environment overrides, and validates
// the result.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv(ConfigFileEnv); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("Load: read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("patterns")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("Load: read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("Load: unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	return &c, nil
}

// Default returns the configuration Load produces with no file and no
// environment overrides.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	// Defaults always decode.
	_ = v.Unmarshal(&c)
	return &c
}

func setDefaults(v *viper.Viper) {
	rd := recurring.DefaultConfig()
	td := transfer.DefaultConfig()
	bd := batch.DefaultConfig()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("store.backend", StoreSQLite)
	v.SetDefault("store.sqlite_path", "patterns.db")
	v.SetDefault("store.project_id", "")
	v.SetDefault("store.dataset", "finance")

	v.SetDefault("cache.backend", CacheMemory)
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.prefix", "patterns:")

	v.SetDefault("recurring.amount_tolerance", rd.AmountTolerance)
	v.SetDefault("recurring.min_occurrences", rd.MinOccurrences)
	v.SetDefault("recurring.confidence_threshold", rd.ConfidenceThreshold)
	v.SetDefault("recurring.candidate_limit", rd.CandidateLimit)
	v.SetDefault("recurring.match_amount_similarity", rd.MatchAmountSimilarity)
	v.SetDefault("recurring.match_window", rd.MatchWindow)
	v.SetDefault("recurring.fuzzy_merchant_similarity", rd.FuzzyMerchantSimilarity)
	v.SetDefault("recurring.cache_ttl", rd.CacheTTL)

	v.SetDefault("transfer.amount_tolerance", td.AmountTolerance)
	v.SetDefault("transfer.window", td.Window)
	v.SetDefault("transfer.intra_threshold", td.IntraThreshold)
	v.SetDefault("transfer.duplicate_threshold", td.DuplicateThreshold)
	v.SetDefault("transfer.intra_limit", td.IntraLimit)
	v.SetDefault("transfer.duplicate_limit", td.DuplicateLimit)
	v.SetDefault("transfer.cache_ttl", td.CacheTTL)

	v.SetDefault("batch.workers", bd.Workers)
	v.SetDefault("batch.batch_size", bd.BatchSize)
	v.SetDefault("batch.interval", 15*time.Minute)
	v.SetDefault("batch.queue_size", 100)
	v.SetDefault("batch.max_retries", 3)

	v.SetDefault("http.port", 8080)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := c.Recurring.Validate(); err != nil {
		return fmt.Errorf("recurring: %w", err)
	}
	if err := c.Transfer.Validate(); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	if err := c.Batch.Validate(); err != nil {
		return fmt.Errorf("batch: %w", err)
	}
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http: %w", err)
	}
	return nil
}

// Validate validates the log configuration.
func (c *LogConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Level, validation.In("trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled")),
		validation.Field(&c.Format, validation.In("console", "json")),
	)
}

// Validate validates the store configuration.
func (c *StoreConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.Required, validation.In(StoreMemory, StoreSQLite, StoreBigQuery)),
		validation.Field(&c.SQLitePath, validation.When(c.Backend == StoreSQLite, validation.Required)),
		validation.Field(&c.ProjectID, validation.When(c.Backend == StoreBigQuery, validation.Required)),
		validation.Field(&c.Dataset, validation.When(c.Backend == StoreBigQuery, validation.Required)),
	)
}

// Validate validates the cache configuration.
func (c *CacheConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.Required, validation.In(CacheNone, CacheMemory, CacheRedis)),
		validation.Field(&c.RedisAddr, validation.When(c.Backend == CacheRedis, validation.Required)),
		validation.Field(&c.RedisDB, validation.Min(0)),
	)
}

// Validate validates the recurring detector tunables.
func (c *RecurringConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.AmountTolerance, validation.Required, validation.Max(1.0)),
		validation.Field(&c.MinOccurrences, validation.Required, validation.Min(2)),
		validation.Field(&c.ConfidenceThreshold, validation.Required, validation.Max(1.0)),
		validation.Field(&c.CandidateLimit, validation.Required, validation.Min(1)),
		validation.Field(&c.MatchAmountSimilarity, validation.Required, validation.Max(1.0)),
		validation.Field(&c.MatchWindow, validation.Required),
		validation.Field(&c.FuzzyMerchantSimilarity, validation.Required, validation.Max(1.0)),
		validation.Field(&c.CacheTTL, validation.Required),
	)
}

// Validate validates the transfer detector tunables.
func (c *TransferConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.AmountTolerance, validation.Required),
		validation.Field(&c.Window, validation.Required),
		validation.Field(&c.IntraThreshold, validation.Required, validation.Max(1.0)),
		validation.Field(&c.DuplicateThreshold, validation.Required, validation.Max(1.0)),
		validation.Field(&c.IntraLimit, validation.Required, validation.Min(1)),
		validation.Field(&c.DuplicateLimit, validation.Required, validation.Min(1)),
		validation.Field(&c.CacheTTL, validation.Required),
	)
}

// Validate validates the batch configuration.
func (c *BatchConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Workers, validation.Required, validation.Min(1)),
		validation.Field(&c.BatchSize, validation.Required, validation.Min(1)),
		validation.Field(&c.Interval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.QueueSize, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxRetries, validation.Min(0)),
	)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// RecurringDetector converts the section into detector settings.
func (c *RecurringConfig) RecurringDetector() recurring.Config {
	return recurring.Config{
		AmountTolerance:         c.AmountTolerance,
		MinOccurrences:          c.MinOccurrences,
		ConfidenceThreshold:     c.ConfidenceThreshold,
		CandidateLimit:          c.CandidateLimit,
		MatchAmountSimilarity:   c.MatchAmountSimilarity,
		MatchWindow:             c.MatchWindow,
		FuzzyMerchantSimilarity: c.FuzzyMerchantSimilarity,
		CacheTTL:                c.CacheTTL,
	}
}

// TransferDetector converts the section into detector settings.
func (c *TransferConfig) TransferDetector() transfer.Config {
	return transfer.Config{
		AmountTolerance:    c.AmountTolerance,
		Window:             c.Window,
		IntraThreshold:     c.IntraThreshold,
		DuplicateThreshold: c.DuplicateThreshold,
		IntraLimit:         c.IntraLimit,
		DuplicateLimit:     c.DuplicateLimit,
		CacheTTL:           c.CacheTTL,
	}
}

// Coordinator converts the section into coordinator settings.
func (c *BatchConfig) Coordinator() batch.Config {
	return batch.Config{
		Workers:   c.Workers,
		BatchSize: c.BatchSize,
	}
}
