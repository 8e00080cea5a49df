// The application's root configuration.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
	"github.com/xkilldash9x/shroud/api/schemas"
)

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger"`
	Postgres     PostgresConfig     `mapstructure:"postgres"`
	Identity     IdentityConfig     `mapstructure:"identity"`
	Proxy        ProxyConfig        `mapstructure:"proxy"`
	Rate         RateConfig         `mapstructure:"rate"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

// ColorConfig defines the color settings for different log levels.
// These are used for console output to make logs more readable.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" json:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" json:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" json:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" json:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" json:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" json:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" json:"fatal" yaml:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" json:"level" yaml:"level"`
	Format      string      `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" json:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" json:"colors" yaml:"colors"`
}

// PostgresConfig holds settings for the snapshot database connection.
// An empty URL disables persistence entirely.
type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

// IdentityConfig holds settings for the fingerprint profile registry.
type IdentityConfig struct {
	CatalogPath string        `mapstructure:"catalog_path"`
	MaxUseCount int           `mapstructure:"max_use_count"`
	MaxAge      time.Duration `mapstructure:"max_age"`
	StrikeLimit int           `mapstructure:"strike_limit"`
}

// ProxyConfig holds the egress endpoint list and the scoring/health knobs
// of the proxy pool.
type ProxyConfig struct {
	Endpoints          []schemas.Endpoint `mapstructure:"endpoints"`
	GeoMismatchPenalty float64            `mapstructure:"geo_mismatch_penalty"`
	CostWeight         float64            `mapstructure:"cost_weight"`
	LatencyWeight      float64            `mapstructure:"latency_weight"`
	RecoverySuccesses  int                `mapstructure:"recovery_successes"`
	Probe              ProbeConfig        `mapstructure:"probe"`
}

// ProbeConfig controls active health probing.
type ProbeConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	BaseBackoff  time.Duration `mapstructure:"base_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxPerSecond float64       `mapstructure:"max_per_second"`
}

// RateConfig holds the per-domain pacing parameters.
type RateConfig struct {
	DefaultRPM            float64       `mapstructure:"default_rpm"`
	FloorRPM              float64       `mapstructure:"floor_rpm"`
	CeilingRPM            float64       `mapstructure:"ceiling_rpm"`
	BackoffFactor         float64       `mapstructure:"backoff_factor"`
	MaxMultiplier         float64       `mapstructure:"max_multiplier"`
	CooldownStreak        int           `mapstructure:"cooldown_streak"`
	MinSpacing            time.Duration `mapstructure:"min_spacing"`
	MaxSpacing            time.Duration `mapstructure:"max_spacing"`
	JitterFraction        float64       `mapstructure:"jitter_fraction"`
	CaptchaWindow         time.Duration `mapstructure:"captcha_window"`
	CaptchaStormThreshold int           `mapstructure:"captcha_storm_threshold"`
	MaxDomains            int           `mapstructure:"max_domains"`
}

// OrchestratorConfig holds settings for the dispatch scheduler.
type OrchestratorConfig struct {
	WorkerConcurrency int           `mapstructure:"worker_concurrency"`
	QueueSize         int           `mapstructure:"queue_size"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	PlanJitterMax     time.Duration `mapstructure:"plan_jitter_max"`
	SessionTTL        time.Duration `mapstructure:"session_ttl"`
	JanitorInterval   time.Duration `mapstructure:"janitor_interval"`
	SnapshotInterval  time.Duration `mapstructure:"snapshot_interval"`
}

// SetDefaults writes every default value into the given Viper instance so
// the application can run with a minimal or absent config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "shroud")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	v.SetDefault("identity.catalog_path", "profiles.json")
	v.SetDefault("identity.max_use_count", 200)
	v.SetDefault("identity.max_age", 30*24*time.Hour)
	v.SetDefault("identity.strike_limit", 3)

	v.SetDefault("proxy.geo_mismatch_penalty", 10.0)
	v.SetDefault("proxy.cost_weight", 1.0)
	v.SetDefault("proxy.latency_weight", 2.0)
	v.SetDefault("proxy.recovery_successes", 3)
	v.SetDefault("proxy.probe.interval", 30*time.Second)
	v.SetDefault("proxy.probe.base_backoff", 10*time.Second)
	v.SetDefault("proxy.probe.max_backoff", 10*time.Minute)
	v.SetDefault("proxy.probe.timeout", 5*time.Second)
	v.SetDefault("proxy.probe.max_per_second", 5.0)

	v.SetDefault("rate.default_rpm", 60.0)
	v.SetDefault("rate.floor_rpm", 1.0)
	v.SetDefault("rate.ceiling_rpm", 120.0)
	v.SetDefault("rate.backoff_factor", 2.0)
	v.SetDefault("rate.max_multiplier", 32.0)
	v.SetDefault("rate.cooldown_streak", 30)
	v.SetDefault("rate.min_spacing", 250*time.Millisecond)
	v.SetDefault("rate.max_spacing", 5*time.Minute)
	v.SetDefault("rate.jitter_fraction", 0.35)
	v.SetDefault("rate.captcha_window", 10*time.Minute)
	v.SetDefault("rate.captcha_storm_threshold", 5)
	v.SetDefault("rate.max_domains", 10000)

	v.SetDefault("orchestrator.worker_concurrency", 8)
	v.SetDefault("orchestrator.queue_size", 1024)
	v.SetDefault("orchestrator.max_attempts", 3)
	v.SetDefault("orchestrator.plan_jitter_max", 750*time.Millisecond)
	v.SetDefault("orchestrator.session_ttl", 30*time.Minute)
	v.SetDefault("orchestrator.janitor_interval", 1*time.Minute)
	v.SetDefault("orchestrator.snapshot_interval", 5*time.Minute)
}

// Validate checks the configuration for values that would misbehave at
// runtime and returns a descriptive error for the first one found.
func (c *Config) Validate() error {
	if c.Identity.MaxUseCount <= 0 {
		return fmt.Errorf("identity.max_use_count must be a positive integer")
	}
	if c.Identity.StrikeLimit <= 0 {
		return fmt.Errorf("identity.strike_limit must be a positive integer")
	}
	if c.Proxy.Probe.Interval <= 0 {
		return fmt.Errorf("proxy.probe.interval must be a positive duration")
	}
	if c.Proxy.Probe.BaseBackoff <= 0 || c.Proxy.Probe.MaxBackoff < c.Proxy.Probe.BaseBackoff {
		return fmt.Errorf("proxy.probe backoff bounds are invalid: base must be positive and max >= base")
	}
	if c.Proxy.RecoverySuccesses <= 0 {
		return fmt.Errorf("proxy.recovery_successes must be a positive integer")
	}
	for i, ep := range c.Proxy.Endpoints {
		if ep.ID == "" {
			return fmt.Errorf("proxy.endpoints[%d] is missing an id", i)
		}
		if ep.Address == "" {
			return fmt.Errorf("proxy.endpoints[%d] (%s) is missing an address", i, ep.ID)
		}
		if ep.Type != schemas.EndpointResidential && ep.Type != schemas.EndpointDatacenter {
			return fmt.Errorf("proxy.endpoints[%d] (%s) has unknown type %q", i, ep.ID, ep.Type)
		}
	}
	if c.Rate.FloorRPM <= 0 {
		return fmt.Errorf("rate.floor_rpm must be positive")
	}
	if c.Rate.CeilingRPM < c.Rate.FloorRPM {
		return fmt.Errorf("rate.ceiling_rpm must be >= rate.floor_rpm")
	}
	if c.Rate.DefaultRPM < c.Rate.FloorRPM || c.Rate.DefaultRPM > c.Rate.CeilingRPM {
		return fmt.Errorf("rate.default_rpm must lie within [floor_rpm, ceiling_rpm]")
	}
	if c.Rate.BackoffFactor <= 1.0 {
		return fmt.Errorf("rate.backoff_factor must be greater than 1.0")
	}
	if c.Rate.MaxMultiplier < 1.0 {
		return fmt.Errorf("rate.max_multiplier must be at least 1.0")
	}
	if c.Rate.CooldownStreak <= 0 {
		return fmt.Errorf("rate.cooldown_streak must be a positive integer")
	}
	if c.Rate.MinSpacing < 0 || c.Rate.MaxSpacing < c.Rate.MinSpacing {
		return fmt.Errorf("rate spacing bounds are invalid: min must be >= 0 and max >= min")
	}
	if c.Rate.JitterFraction < 0 || c.Rate.JitterFraction >= 1.0 {
		return fmt.Errorf("rate.jitter_fraction must lie within [0, 1)")
	}
	if c.Orchestrator.WorkerConcurrency <= 0 {
		return fmt.Errorf("orchestrator.worker_concurrency must be a positive integer")
	}
	if c.Orchestrator.MaxAttempts <= 0 {
		return fmt.Errorf("orchestrator.max_attempts must be a positive integer")
	}
	if c.Orchestrator.PlanJitterMax < 0 {
		return fmt.Errorf("orchestrator.plan_jitter_max must not be negative")
	}
	if c.Orchestrator.SessionTTL <= 0 {
		return fmt.Errorf("orchestrator.session_ttl must be a positive duration")
	}
	return nil
}

// Load initializes the configuration singleton from Viper.
func Load(v *viper.Viper) error {
	once.Do(func() {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			loadErr = fmt.Errorf("error unmarshaling config: %w", err)
			return
		}
		instance = &cfg
	})
	return loadErr
}

// Get returns the loaded configuration instance.
func Get() *Config {
	if instance == nil {
		panic("Configuration not initialized. Call config.Load() in the root command.")
	}
	return instance
}

// Set replaces the global instance. Intended for the root command after
// validation and for tests.
func Set(cfg *Config) {
	instance = cfg
}
