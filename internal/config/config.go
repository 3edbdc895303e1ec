// Package config loads service configuration from an optional YAML file
// and FEE_-prefixed environment variables.
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	DB         DBConfig         `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Store      StoreConfig      `mapstructure:"store"`
	Formula    FormulaConfig    `mapstructure:"formula"`
	Validation ValidationConfig `mapstructure:"validation"`
	Sweep      SweepConfig      `mapstructure:"sweep"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Scenario   ScenarioConfig   `mapstructure:"scenario"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DBConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

// StoreConfig bounds each persistence call.
type StoreConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// FormulaConfig controls the formula registry. Strict rejects evaluations
// with missing inputs instead of degrading them.
type FormulaConfig struct {
	Strict bool `mapstructure:"strict"`
}

// ValidationConfig tunes anomaly detection. AnomalyTolerance is the
// residual, in currency units, below which net capital mismatches are
// ignored.
type ValidationConfig struct {
	AnomalyTolerance float64 `mapstructure:"anomaly_tolerance"`
}

// SweepConfig schedules the periodic validation of every deal. Schedule
// is a six-field cron expression (with seconds).
type SweepConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Schedule    string `mapstructure:"schedule"`
	Parallelism int    `mapstructure:"parallelism"`
}

// AdminConfig rate-limits the recalculation endpoints.
type AdminConfig struct {
	RecalcRPS   float64 `mapstructure:"recalc_rps"`
	RecalcBurst int     `mapstructure:"recalc_burst"`
}

// ScenarioConfig caches modelled exits. Persist saves each computed
// scenario to the exit scenario history.
type ScenarioConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Persist  bool          `mapstructure:"persist"`
}

// Load reads configuration. An empty path skips the YAML file and uses
// defaults plus environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FEE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("db.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", "30s")
	v.SetDefault("store.timeout", "5s")
	v.SetDefault("formula.strict", false)
	v.SetDefault("validation.anomaly_tolerance", 0.01)
	v.SetDefault("sweep.enabled", false)
	v.SetDefault("sweep.schedule", "0 0 * * * *")
	v.SetDefault("sweep.parallelism", 4)
	v.SetDefault("admin.recalc_rps", 1.0)
	v.SetDefault("admin.recalc_burst", 3)
	v.SetDefault("scenario.cache_ttl", "5m")
	v.SetDefault("scenario.persist", true)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SlogLevel maps log.level to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
