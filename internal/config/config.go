// Package config loads server configuration from config/config.yaml, an
// optional .env file and ALERTFLOW_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// ALERTFLOW_JIRA_TOKEN overrides jira.token
const EnvPrefix = "ALERTFLOW"

type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Log         LogConfig         `mapstructure:"log"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Database    DatabaseConfig    `mapstructure:"database"`
	History     HistoryConfig     `mapstructure:"history"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Jira        JiraConfig        `mapstructure:"jira"`
	Slack       SlackConfig       `mapstructure:"slack"`
	SMS         SMSConfig         `mapstructure:"sms"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

type AppConfig struct {
	Name            string        `mapstructure:"name"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type NATSConfig struct {
	URLs           []string      `mapstructure:"urls"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	// Subject and Durable name the inbound alert consumer
	Subject    string        `mapstructure:"subject"`
	Durable    string        `mapstructure:"durable"`
	AckWait    time.Duration `mapstructure:"ack_wait"`
	MaxDeliver int           `mapstructure:"max_deliver"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"`
}

type HistoryConfig struct {
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

type DispatchConfig struct {
	Workers    int           `mapstructure:"workers"`
	AckWait    time.Duration `mapstructure:"ack_wait"`
	MaxDeliver int           `mapstructure:"max_deliver"`
}

type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	Jitter       float64       `mapstructure:"jitter"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
}

type JiraConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	URL              string        `mapstructure:"url"`
	Username         string        `mapstructure:"username"`
	Token            string        `mapstructure:"token"`
	Timeout          time.Duration `mapstructure:"timeout"`
	OpenCategories   []string      `mapstructure:"open_categories"`
	ClosedCategories []string      `mapstructure:"closed_categories"`
}

type SlackConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Token   string        `mapstructure:"token"`
	APIURL  string        `mapstructure:"api_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SMSConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Sender  string        `mapstructure:"sender"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Listen       string `mapstructure:"listen"`
	TextfilePath string `mapstructure:"textfile_path"`
	ProcessStats bool   `mapstructure:"process_stats"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// MaintenanceConfig holds cron expressions (with seconds); an empty
// expression disables the job
type MaintenanceConfig struct {
	MetricsFlush   string        `mapstructure:"metrics_flush"`
	SilenceSweep   string        `mapstructure:"silence_sweep"`
	HistoryCleanup string        `mapstructure:"history_cleanup"`
	JobTimeout     time.Duration `mapstructure:"job_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "alertflow")
	v.SetDefault("app.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("nats.urls", []string{"nats://localhost:4222"})
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.connect_retries", 5)
	v.SetDefault("nats.subject", "alerts.inbound")
	v.SetDefault("nats.durable", "alertflow-ingest")
	v.SetDefault("nats.ack_wait", 30*time.Second)
	v.SetDefault("nats.max_deliver", -1)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "alertflow.db")
	v.SetDefault("database.max_open_conns", 0)
	v.SetDefault("database.max_idle_conns", 0)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("history.path", "delivery_history.db")
	v.SetDefault("history.retention", 30*24*time.Hour)

	v.SetDefault("dispatch.workers", 10)
	v.SetDefault("dispatch.ack_wait", 2*time.Minute)
	v.SetDefault("dispatch.max_deliver", 3)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", 2*time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.25)
	v.SetDefault("retry.call_timeout", 10*time.Second)

	v.SetDefault("jira.enabled", false)
	v.SetDefault("jira.url", "")
	v.SetDefault("jira.username", "")
	v.SetDefault("jira.token", "")
	v.SetDefault("jira.timeout", 10*time.Second)
	v.SetDefault("jira.open_categories", []string{"To Do", "In Progress"})
	v.SetDefault("jira.closed_categories", []string{"Done"})

	v.SetDefault("slack.enabled", false)
	v.SetDefault("slack.token", "")
	v.SetDefault("slack.api_url", "")
	v.SetDefault("slack.timeout", 10*time.Second)

	v.SetDefault("sms.enabled", false)
	v.SetDefault("sms.url", "")
	v.SetDefault("sms.api_key", "")
	v.SetDefault("sms.sender", "")
	v.SetDefault("sms.timeout", 10*time.Second)

	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("metrics.textfile_path", "")
	v.SetDefault("metrics.process_stats", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 10*time.Minute)

	v.SetDefault("maintenance.metrics_flush", "*/15 * * * * *")
	v.SetDefault("maintenance.silence_sweep", "0 * * * * *")
	v.SetDefault("maintenance.history_cleanup", "0 30 3 * * *")
	v.SetDefault("maintenance.job_timeout", 2*time.Minute)
}

// Load reads the config file at path, which may be empty or missing, and
// applies environment overrides. A .env file in the working directory is
// loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
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

// Validate checks the settings the server cannot start without
func (c *Config) Validate() error {
	var errs []error
	if len(c.NATS.URLs) == 0 {
		errs = append(errs, errors.New("nats.urls is required"))
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.History.Path == "" {
		errs = append(errs, errors.New("history.path is required"))
	}
	if c.Dispatch.Workers < 1 {
		errs = append(errs, errors.New("dispatch.workers must be at least 1"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry.multiplier must be at least 1"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, errors.New("retry.jitter must be between 0 and 1"))
	}
	if c.Jira.Enabled && (c.Jira.URL == "" || c.Jira.Token == "") {
		errs = append(errs, errors.New("jira.url and jira.token are required when jira is enabled"))
	}
	if c.Slack.Enabled && c.Slack.Token == "" {
		errs = append(errs, errors.New("slack.token is required when slack is enabled"))
	}
	if c.SMS.Enabled && c.SMS.URL == "" {
		errs = append(errs, errors.New("sms.url is required when sms is enabled"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
