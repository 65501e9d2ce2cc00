// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store holds the durable store locator. The BIGQUERY_PROJECT_ID and
// BIGQUERY_DATASET env keys are read into BigQueryProjectID and
// BigQueryDataset; they are recorded only and are not used to build or
// replace the Postgres DSN, which always comes from store.dsn.
type Store struct {
	DSN               string        `mapstructure:"dsn"`
	BigQueryProjectID string        `mapstructure:"bigquery_project_id"`
	BigQueryDataset   string        `mapstructure:"bigquery_dataset"`
	MaxOpenConns      int           `mapstructure:"max_open_conns"`
	MaxIdleConns      int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime   time.Duration `mapstructure:"conn_max_lifetime"`
	MergeChunkSize    int           `mapstructure:"merge_chunk_size"`
}

// SearchAPI configures the external search client (component D).
type SearchAPI struct {
	UseMockAPI        bool          `mapstructure:"use_mock_api"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	TimeoutSeconds    time.Duration `mapstructure:"timeout_seconds"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelaySeconds time.Duration `mapstructure:"retry_delay_seconds"`
}

// Backoff mirrors the teacher's worker backoff shape, reused here for
// search-client retry pacing.
type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// Coordinator configures the outer processing loop (component F) and its
// defaults for jobs that don't override them at creation.
type Coordinator struct {
	MaxWorkers         int           `mapstructure:"max_workers"`
	DefaultBatchSize   int           `mapstructure:"default_batch_size"`
	DefaultConcurrency int           `mapstructure:"default_concurrency"`
	DefaultPages       int           `mapstructure:"default_pages"`
	LoopDelay          time.Duration `mapstructure:"loop_delay"`
	IdlePollInterval   time.Duration `mapstructure:"idle_poll_interval"`
	EarlyExitThreshold int           `mapstructure:"early_exit_threshold"`
	StuckClaimTTL      time.Duration `mapstructure:"stuck_claim_ttl"`
	ReaperInterval     time.Duration `mapstructure:"reaper_interval"`
	ReaperCronSchedule string        `mapstructure:"reaper_cron_schedule"`
}

// Expander configures the query expander's zip reference table (§4.2).
type Expander struct {
	ZipTablePath string `mapstructure:"zip_table_path"`
}

// Budget configures the cost & budget guard (component G).
type Budget struct {
	DailyBudgetUSD float64 `mapstructure:"daily_budget_usd"`
	CostPerCredit  float64 `mapstructure:"cost_per_credit"`
	BudgetSoftPct  float64 `mapstructure:"budget_soft_pct"`
	BudgetHardPct  float64 `mapstructure:"budget_hard_pct"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

type ObservabilityConfig struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type Config struct {
	Store          Store               `mapstructure:"store"`
	SearchAPI      SearchAPI           `mapstructure:"search_api"`
	Backoff        Backoff             `mapstructure:"backoff"`
	Coordinator    Coordinator         `mapstructure:"coordinator"`
	Expander       Expander            `mapstructure:"expander"`
	Budget         Budget              `mapstructure:"budget"`
	CircuitBreaker CircuitBreaker      `mapstructure:"circuit_breaker"`
	Observability  ObservabilityConfig `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Store: Store{
			DSN:             "postgres://localhost:5432/searchjobs?sslmode=disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			MergeChunkSize:  500,
		},
		SearchAPI: SearchAPI{
			UseMockAPI:        false,
			BaseURL:           "https://google.serper.dev",
			TimeoutSeconds:    30 * time.Second,
			MaxRetries:        3,
			RetryDelaySeconds: 5 * time.Second,
		},
		Backoff:  Backoff{Base: 5 * time.Second, Max: 60 * time.Second},
		Expander: Expander{ZipTablePath: "data/zips.csv"},
		Coordinator: Coordinator{
			MaxWorkers:         16,
			DefaultBatchSize:   150,
			DefaultConcurrency: 10,
			DefaultPages:       3,
			LoopDelay:          3 * time.Second,
			IdlePollInterval:   5 * time.Second,
			EarlyExitThreshold: 10,
			StuckClaimTTL:      1 * time.Hour,
			ReaperInterval:     5 * time.Minute,
		},
		Budget: Budget{
			DailyBudgetUSD: 50,
			CostPerCredit:  0.01,
			BudgetSoftPct:  80,
			BudgetHardPct:  100,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       10,
		},
		Observability: ObservabilityConfig{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false},
		},
	}
}

// Load reads configuration from a YAML file and env overrides, exactly
// as the teacher's config.Load does, extended with this domain's keys.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("store.dsn", def.Store.DSN)
	v.SetDefault("store.max_open_conns", def.Store.MaxOpenConns)
	v.SetDefault("store.max_idle_conns", def.Store.MaxIdleConns)
	v.SetDefault("store.conn_max_lifetime", def.Store.ConnMaxLifetime)
	v.SetDefault("store.merge_chunk_size", def.Store.MergeChunkSize)

	v.SetDefault("search_api.use_mock_api", def.SearchAPI.UseMockAPI)
	v.SetDefault("search_api.base_url", def.SearchAPI.BaseURL)
	v.SetDefault("search_api.timeout_seconds", def.SearchAPI.TimeoutSeconds)
	v.SetDefault("search_api.max_retries", def.SearchAPI.MaxRetries)
	v.SetDefault("search_api.retry_delay_seconds", def.SearchAPI.RetryDelaySeconds)

	v.SetDefault("backoff.base", def.Backoff.Base)
	v.SetDefault("backoff.max", def.Backoff.Max)

	v.SetDefault("expander.zip_table_path", def.Expander.ZipTablePath)

	v.SetDefault("coordinator.max_workers", def.Coordinator.MaxWorkers)
	v.SetDefault("coordinator.default_batch_size", def.Coordinator.DefaultBatchSize)
	v.SetDefault("coordinator.default_concurrency", def.Coordinator.DefaultConcurrency)
	v.SetDefault("coordinator.default_pages", def.Coordinator.DefaultPages)
	v.SetDefault("coordinator.loop_delay", def.Coordinator.LoopDelay)
	v.SetDefault("coordinator.idle_poll_interval", def.Coordinator.IdlePollInterval)
	v.SetDefault("coordinator.early_exit_threshold", def.Coordinator.EarlyExitThreshold)
	v.SetDefault("coordinator.stuck_claim_ttl", def.Coordinator.StuckClaimTTL)
	v.SetDefault("coordinator.reaper_interval", def.Coordinator.ReaperInterval)
	v.SetDefault("coordinator.reaper_cron_schedule", def.Coordinator.ReaperCronSchedule)

	v.SetDefault("budget.daily_budget_usd", def.Budget.DailyBudgetUSD)
	v.SetDefault("budget.cost_per_credit", def.Budget.CostPerCredit)
	v.SetDefault("budget.budget_soft_pct", def.Budget.BudgetSoftPct)
	v.SetDefault("budget.budget_hard_pct", def.Budget.BudgetHardPct)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Legacy aliases named directly by spec §6, applied after unmarshal
	// so an explicit config-file value still wins over the env alias.
	if cfg.Store.BigQueryProjectID == "" {
		cfg.Store.BigQueryProjectID = os.Getenv("BIGQUERY_PROJECT_ID")
	}
	if cfg.Store.BigQueryDataset == "" {
		cfg.Store.BigQueryDataset = os.Getenv("BIGQUERY_DATASET")
	}
	if cfg.SearchAPI.APIKey == "" {
		cfg.SearchAPI.APIKey = os.Getenv("SERPER_API_KEY")
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Store.DSN == "" {
		return fmt.Errorf("store.dsn must be set")
	}
	if cfg.Store.MergeChunkSize < 1 {
		return fmt.Errorf("store.merge_chunk_size must be >= 1")
	}
	if cfg.Coordinator.MaxWorkers < 1 {
		return fmt.Errorf("coordinator.max_workers must be >= 1")
	}
	if cfg.Coordinator.DefaultBatchSize < 1 {
		return fmt.Errorf("coordinator.default_batch_size must be >= 1")
	}
	if cfg.Coordinator.DefaultConcurrency < 1 {
		return fmt.Errorf("coordinator.default_concurrency must be >= 1")
	}
	if cfg.Coordinator.EarlyExitThreshold < 0 {
		return fmt.Errorf("coordinator.early_exit_threshold must be >= 0")
	}
	if cfg.Budget.BudgetSoftPct < 0 || cfg.Budget.BudgetSoftPct > cfg.Budget.BudgetHardPct {
		return fmt.Errorf("budget.budget_soft_pct must be between 0 and budget_hard_pct")
	}
	if cfg.Budget.BudgetHardPct <= 0 {
		return fmt.Errorf("budget.budget_hard_pct must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Expander.ZipTablePath == "" {
		return fmt.Errorf("expander.zip_table_path must be set")
	}
	return nil
}
