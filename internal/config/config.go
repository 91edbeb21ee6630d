// Package config loads runtime settings from an optional config file and
// NUCLAW_-prefixed environment variables, with working defaults for every
// key so the server starts with no configuration at all.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SchedulerConfig controls the poll loop.
type SchedulerConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	TaskTimeout     time.Duration `mapstructure:"task_timeout"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	Timezone        string        `mapstructure:"timezone"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
}

// RunnerConfig controls the sandbox subprocess.
type RunnerConfig struct {
	Command        string `mapstructure:"command"`
	Image          string `mapstructure:"image"`
	AssistantName  string `mapstructure:"assistant_name"`
	MaxOutputBytes int    `mapstructure:"max_output_bytes"`
}

// DataConfig locates the on-disk workspace tree.
type DataConfig struct {
	Dir       string `mapstructure:"dir"`
	GroupsDir string `mapstructure:"groups_dir"`
	LogsDir   string `mapstructure:"logs_dir"`
}

// StoreConfig locates the task database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig configures the optional run-event publisher. An empty URL
// disables publishing entirely.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// Config is the full server configuration.
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Data      DataConfig      `mapstructure:"data"`
	Store     StoreConfig     `mapstructure:"store"`
	NATS      NATSConfig      `mapstructure:"nats"`
}

// Load reads config.yaml from the given directory (if present) and applies
// NUCLAW_ environment overrides, e.g. NUCLAW_SCHEDULER_POLL_INTERVAL=30s.
func Load(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("NUCLAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file just means defaults plus environment.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.poll_interval", time.Minute)
	v.SetDefault("scheduler.task_timeout", 10*time.Minute)
	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.monitor_interval", 30*time.Second)

	v.SetDefault("runner.command", "docker")
	v.SetDefault("runner.image", "nuclaw-agent:latest")
	v.SetDefault("runner.assistant_name", "Andy")
	v.SetDefault("runner.max_output_bytes", 10*1024*1024)

	v.SetDefault("data.dir", "./store")
	v.SetDefault("data.groups_dir", "./groups")
	v.SetDefault("data.logs_dir", "./logs")

	v.SetDefault("store.path", "./store/nuclaw.db")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.name", "nuclaw")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
}

// Location resolves the configured timezone, falling back to UTC when the
// name is empty or unknown.
func (c *Config) Location() *time.Location {
	if c.Scheduler.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
