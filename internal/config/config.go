// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize when the corresponding field is unset.
const (
	defaultScanIntervalSec      = 60
	defaultAnalysisWorkers      = 32
	defaultExecutorWorkers      = 2
	defaultMinBuyScore          = 45
	defaultCooldownSec          = 300
	defaultATRStopMultiple      = 2.0
	defaultATRProfitMultiple    = 3.0
	defaultBudgetMin            = 0.08
	defaultBudgetMax            = 0.20
	defaultMaxSlippagePct       = 1.0
	defaultSqueezeThreshold     = 0.05
	defaultFXHKDPerUSD          = 7.8
	defaultMinBuyPower          = 1000
	defaultVisibilityTimeoutSec = 300
	defaultMaxAttempts          = 3
	defaultQueueNamespace       = "lpq"
)

// Config represents the complete application configuration.
type Config struct {
	Environment   EnvironmentConfig   `yaml:"environment"`
	Broker        BrokerConfig        `yaml:"broker"`
	Scan          ScanConfig          `yaml:"scan"`
	Signals       SignalsConfig       `yaml:"signals"`
	Executor      ExecutorConfig      `yaml:"executor"`
	Queue         QueueConfig         `yaml:"queue"`
	Storage       StorageConfig       `yaml:"storage"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Watchlist     []string            `yaml:"watchlist"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	APIEndpoint string `yaml:"api_endpoint"`
	APIKey      string `yaml:"api_key"`
	AccessToken string `yaml:"access_token"`
	AccountID   string `yaml:"account_id"`
}

// ScanConfig defines the generator's scan loop parameters.
type ScanConfig struct {
	IntervalSec     int `yaml:"interval_sec"`
	AnalysisWorkers int `yaml:"analysis_workers"`
	CandleCount     int `yaml:"candle_count"`
}

// SignalsConfig defines scoring thresholds and stop placement.
type SignalsConfig struct {
	MinBuyScore       float64 `yaml:"min_buy_score"`
	WeakBuyEnabled    bool    `yaml:"weak_buy_enabled"`
	CooldownSec       int     `yaml:"cooldown_sec"`
	ATRStopMultiple   float64 `yaml:"atr_k_stop"`
	ATRProfitMultiple float64 `yaml:"atr_k_profit"`
	SqueezeThreshold  float64 `yaml:"bandwidth_squeeze_threshold"`
}

// ExecutorConfig defines order sizing and worker parameters.
type ExecutorConfig struct {
	Workers         int     `yaml:"workers"`
	BudgetMin       float64 `yaml:"budget_min"`
	BudgetMax       float64 `yaml:"budget_max"`
	MaxSlippagePct  float64 `yaml:"max_price_slippage_pct"`
	FXHKDPerUSD     float64 `yaml:"fx_hkd_per_usd"`
	MinBuyPower     float64 `yaml:"min_buy_power"`
	StatusPollSec   int     `yaml:"status_poll_sec"`
	BackupStopLimit float64 `yaml:"backup_stop_limit_ratio"`
}

// QueueConfig defines the signal queue connection and delivery behavior.
type QueueConfig struct {
	RedisAddr            string `yaml:"redis_addr"`
	RedisPassword        string `yaml:"redis_password"`
	Namespace            string `yaml:"namespace"`
	VisibilityTimeoutSec int    `yaml:"visibility_timeout_sec"`
	MaxAttempts          int    `yaml:"max_attempts"`
}

// StorageConfig defines the durable store connection.
type StorageConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// NotificationsConfig defines the best-effort event webhook.
type NotificationsConfig struct {
	URL string `yaml:"url"`
}

// Load reads and parses the configuration file from the specified path.
// A .env file alongside the process, if present, is loaded first so that
// ${VAR} references in the YAML expand from it.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	// Best effort; a missing .env is not an error.
	_ = godotenv.Load()

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// normalize fills unset fields with defaults.
func (c *Config) normalize() {
	if c.Scan.IntervalSec == 0 {
		c.Scan.IntervalSec = defaultScanIntervalSec
	}
	if c.Scan.AnalysisWorkers == 0 {
		c.Scan.AnalysisWorkers = defaultAnalysisWorkers
	}
	if c.Scan.CandleCount == 0 {
		c.Scan.CandleCount = 100
	}
	if c.Signals.MinBuyScore == 0 {
		c.Signals.MinBuyScore = defaultMinBuyScore
	}
	if c.Signals.CooldownSec == 0 {
		c.Signals.CooldownSec = defaultCooldownSec
	}
	if c.Signals.ATRStopMultiple == 0 {
		c.Signals.ATRStopMultiple = defaultATRStopMultiple
	}
	if c.Signals.ATRProfitMultiple == 0 {
		c.Signals.ATRProfitMultiple = defaultATRProfitMultiple
	}
	if c.Signals.SqueezeThreshold == 0 {
		c.Signals.SqueezeThreshold = defaultSqueezeThreshold
	}
	if c.Executor.Workers == 0 {
		c.Executor.Workers = defaultExecutorWorkers
	}
	if c.Executor.BudgetMin == 0 {
		c.Executor.BudgetMin = defaultBudgetMin
	}
	if c.Executor.BudgetMax == 0 {
		c.Executor.BudgetMax = defaultBudgetMax
	}
	if c.Executor.MaxSlippagePct == 0 {
		c.Executor.MaxSlippagePct = defaultMaxSlippagePct
	}
	if c.Executor.FXHKDPerUSD == 0 {
		c.Executor.FXHKDPerUSD = defaultFXHKDPerUSD
	}
	if c.Executor.MinBuyPower == 0 {
		c.Executor.MinBuyPower = defaultMinBuyPower
	}
	if c.Executor.StatusPollSec == 0 {
		c.Executor.StatusPollSec = 3
	}
	if c.Executor.BackupStopLimit == 0 {
		c.Executor.BackupStopLimit = 0.995
	}
	if c.Queue.Namespace == "" {
		c.Queue.Namespace = defaultQueueNamespace
	}
	if c.Queue.VisibilityTimeoutSec == 0 {
		c.Queue.VisibilityTimeoutSec = defaultVisibilityTimeoutSec
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = defaultMaxAttempts
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Broker.APIEndpoint == "" {
		return fmt.Errorf("broker.api_endpoint is required")
	}
	if c.Broker.AccessToken == "" && c.Broker.APIKey == "" {
		return fmt.Errorf("broker.access_token or broker.api_key is required")
	}
	if c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required")
	}

	if c.Scan.IntervalSec < 5 {
		return fmt.Errorf("scan.interval_sec must be >= 5")
	}
	if c.Scan.AnalysisWorkers <= 0 {
		return fmt.Errorf("scan.analysis_workers must be > 0")
	}

	if c.Signals.MinBuyScore < 0 || c.Signals.MinBuyScore > 100 {
		return fmt.Errorf("signals.min_buy_score must be within [0,100]")
	}
	if c.Signals.CooldownSec < 0 {
		return fmt.Errorf("signals.cooldown_sec must be >= 0")
	}
	if c.Signals.ATRStopMultiple <= 0 || c.Signals.ATRProfitMultiple <= 0 {
		return fmt.Errorf("signals.atr_k_stop and signals.atr_k_profit must be > 0")
	}

	if c.Executor.Workers <= 0 {
		return fmt.Errorf("executor.workers must be > 0")
	}
	if c.Executor.BudgetMin <= 0 || c.Executor.BudgetMax > 1 || c.Executor.BudgetMin >= c.Executor.BudgetMax {
		return fmt.Errorf("executor budget range must satisfy 0 < budget_min < budget_max <= 1")
	}
	if c.Executor.MaxSlippagePct <= 0 {
		return fmt.Errorf("executor.max_price_slippage_pct must be > 0")
	}
	if c.Executor.FXHKDPerUSD <= 0 {
		return fmt.Errorf("executor.fx_hkd_per_usd must be > 0")
	}

	if c.Queue.RedisAddr == "" {
		return fmt.Errorf("queue.redis_addr is required")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}

	if c.Storage.PostgresDSN == "" {
		return fmt.Errorf("storage.postgres_dsn is required")
	}

	if len(c.Watchlist) == 0 {
		return fmt.Errorf("watchlist must contain at least one symbol")
	}
	for _, s := range c.Watchlist {
		if !strings.HasSuffix(s, ".HK") && !strings.HasSuffix(s, ".US") {
			return fmt.Errorf("watchlist symbol %q has no market suffix", s)
		}
	}

	return nil
}

// IsPaperTrading returns true if the engine is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// ScanInterval returns the generator tick as a duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Scan.IntervalSec) * time.Second
}

// Cooldown returns the per-symbol buy cooldown as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Signals.CooldownSec) * time.Second
}

// VisibilityTimeout returns the queue visibility window as a duration.
func (c *Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.Queue.VisibilityTimeoutSec) * time.Second
}
