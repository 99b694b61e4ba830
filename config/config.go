package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"forum-automod/models"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Bot      BotConfig            `mapstructure:"bot"`
	Database DatabaseConfig       `mapstructure:"database"`
	Automod  AutomodConfig        `mapstructure:"automod"`
	Cleanup  CleanupConfig        `mapstructure:"cleanup"`
	Queue    QueueConfig          `mapstructure:"queue"`
	Cache    CacheConfig          `mapstructure:"cache"`
	Limits   models.PatternLimits `mapstructure:"limits"`
	Health   HealthConfig         `mapstructure:"health"`
	Metrics  MetricsConfig        `mapstructure:"metrics"`
	Log      LogConfig            `mapstructure:"log"`
}

type BotConfig struct {
	Token          string `mapstructure:"token"`
	AdminChannelID string `mapstructure:"admin_channel_id"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type AutomodConfig struct {
	DuplicateThreshold float64       `mapstructure:"duplicate_threshold"`
	ArchivedScanLimit  int           `mapstructure:"archived_scan_limit"`
	DeliverWarnings    bool          `mapstructure:"deliver_warnings"`
	EvaluateReplies    bool          `mapstructure:"evaluate_replies"`
	StarterRetryDelay  time.Duration `mapstructure:"starter_retry_delay"`
}

type CleanupConfig struct {
	Schedule         string        `mapstructure:"schedule"`
	RunAtStartup     bool          `mapstructure:"run_at_startup"`
	RecoveryCeiling  int           `mapstructure:"recovery_ceiling"`
	RegexScanLimit   int           `mapstructure:"regex_scan_limit"`
	RegexDeleteDelay time.Duration `mapstructure:"regex_delete_delay"`
	StatusFile       string        `mapstructure:"status_file"`
}

type QueueConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	TaskCost       time.Duration `mapstructure:"task_cost"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
}

type CacheConfig struct {
	Schedule string        `mapstructure:"schedule"`
	TTL      time.Duration `mapstructure:"ttl"`
	Size     int           `mapstructure:"size"`
}

type HealthConfig struct {
	Addr string `mapstructure:"addr"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bot.token", "")
	v.SetDefault("bot.admin_channel_id", "")
	v.SetDefault("database.path", "data/automod.db")

	v.SetDefault("automod.duplicate_threshold", 0.70)
	v.SetDefault("automod.archived_scan_limit", 1000)
	v.SetDefault("automod.deliver_warnings", false)
	v.SetDefault("automod.evaluate_replies", false)
	v.SetDefault("automod.starter_retry_delay", 10*time.Second)

	v.SetDefault("cleanup.schedule", "@hourly")
	v.SetDefault("cleanup.run_at_startup", false)
	v.SetDefault("cleanup.recovery_ceiling", 950)
	v.SetDefault("cleanup.regex_scan_limit", 1000)
	v.SetDefault("cleanup.regex_delete_delay", 5*time.Second)
	v.SetDefault("cleanup.status_file", "data/sweep_status.json")

	v.SetDefault("queue.interval", 400*time.Millisecond)
	v.SetDefault("queue.task_cost", 500*time.Millisecond)
	v.SetDefault("queue.status_interval", 3*time.Second)

	v.SetDefault("cache.schedule", "@hourly")
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.size", 1024)

	v.SetDefault("limits.free_patterns", models.DefaultPatternLimits.FreePatterns)
	v.SetDefault("limits.regex_min_length", models.DefaultPatternLimits.RegexMinLength)
	v.SetDefault("limits.regex_max_length", models.DefaultPatternLimits.RegexMaxLength)

	v.SetDefault("health.addr", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// LoadConfig reads .env, then the YAML file at path (config.yaml in the working directory when
// path is empty), then environment variables. A missing file is not an error.
// Environment keys use '_' for '.', e.g. AUTOMOD_DUPLICATE_THRESHOLD. BOT_TOKEN sets bot.token.
func LoadConfig(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := v.BindEnv("bot.token", "BOT_TOKEN"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the engines cannot work with. The token is checked by the bot itself.
func (c *Config) Validate() error {
	switch {
	case c.Automod.DuplicateThreshold < 0 || c.Automod.DuplicateThreshold > 1:
		return fmt.Errorf("automod.duplicate_threshold must be within [0, 1], got %v", c.Automod.DuplicateThreshold)
	case c.Automod.ArchivedScanLimit < 0:
		return fmt.Errorf("automod.archived_scan_limit must not be negative")
	case c.Queue.Interval <= 0:
		return fmt.Errorf("queue.interval must be positive")
	case c.Queue.TaskCost < 0:
		return fmt.Errorf("queue.task_cost must not be negative")
	case c.Cleanup.RecoveryCeiling <= 0:
		return fmt.Errorf("cleanup.recovery_ceiling must be positive")
	case c.Limits.RegexMinLength > c.Limits.RegexMaxLength:
		return fmt.Errorf("limits.regex_min_length is larger than limits.regex_max_length")
	case c.Database.Path == "":
		return fmt.Errorf("database.path is empty")
	}
	return nil
}
