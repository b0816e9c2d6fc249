package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration (file + env overrides)
type Config struct {
	Server struct {
		Addr     string `mapstructure:"addr"`
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"server"`

	Storage struct {
		Driver string `mapstructure:"driver"` // "postgres" | "memory"
	} `mapstructure:"storage"`

	Postgres struct {
		Host         string `mapstructure:"host"`
		Port         int    `mapstructure:"port"`
		User         string `mapstructure:"user"`
		Password     string `mapstructure:"password"`
		DBName       string `mapstructure:"db_name"`
		SSLMode      string `mapstructure:"ssl_mode"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
		MaxIdleConns int    `mapstructure:"max_idle_conns"`
	} `mapstructure:"postgres"`

	Redis struct {
		Addr    string `mapstructure:"addr"`
		DB      int    `mapstructure:"db"`
		Channel string `mapstructure:"channel"`
	} `mapstructure:"redis"`

	Listener struct {
		Channel          string `mapstructure:"channel"`
		ReconnectSeconds int    `mapstructure:"reconnect_seconds"`
	} `mapstructure:"listener"`

	Rules struct {
		Source string `mapstructure:"source"` // "file" | "postgres"
		Path   string `mapstructure:"path"`
	} `mapstructure:"rules"`

	Engine struct {
		ConflictPolicy string        `mapstructure:"conflict_policy"`
		ContextTTL     time.Duration `mapstructure:"context_ttl"`
		FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
		PersistTimeout time.Duration `mapstructure:"persist_timeout"`
	} `mapstructure:"engine"`

	Alerts Alerts `mapstructure:"alerts"`
}

type Alerts struct {
	Workers        int                 `mapstructure:"workers"`
	QueueSize      int                 `mapstructure:"queue_size"`
	Channels       []string            `mapstructure:"channels"`
	Recipients     map[string][]string `mapstructure:"recipients"`
	WebhookURL     string              `mapstructure:"webhook_url"`
	ChatWebhookURL string              `mapstructure:"chat_webhook_url"`
	RetryCount     int                 `mapstructure:"retry_count"`
	SMTP           struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		From     string `mapstructure:"from"`
	} `mapstructure:"smtp"`
}

func Load() Config {
	v := viper.New()
	v.SetConfigName("application")
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")
	_ = v.ReadInConfig() // optional; env can fully configure

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Errorf("unable to decode config: %w", err))
	}
	validate(&cfg)
	return cfg
}

func validate(c *Config) {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "postgres"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = "disable"
	}
	if c.Postgres.MaxOpenConns == 0 {
		c.Postgres.MaxOpenConns = 10
	}
	if c.Postgres.MaxIdleConns == 0 {
		c.Postgres.MaxIdleConns = 10
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "orchestration.events"
	}
	if c.Listener.Channel == "" {
		c.Listener.Channel = "rules_changed"
	}
	if c.Listener.ReconnectSeconds <= 0 {
		c.Listener.ReconnectSeconds = 5
	}
	if c.Rules.Source == "" {
		c.Rules.Source = "file"
	}
	if c.Rules.Path == "" {
		c.Rules.Path = "configs/rules.yaml"
	}
	if c.Engine.ConflictPolicy == "" {
		c.Engine.ConflictPolicy = "last_writer"
	}
	if c.Engine.ContextTTL <= 0 {
		c.Engine.ContextTTL = 5 * time.Minute
	}
	if c.Engine.FetchTimeout <= 0 {
		c.Engine.FetchTimeout = 2 * time.Second
	}
	if c.Engine.PersistTimeout <= 0 {
		c.Engine.PersistTimeout = 2 * time.Second
	}
	if c.Alerts.Workers <= 0 {
		c.Alerts.Workers = 2
	}
	if c.Alerts.QueueSize <= 0 {
		c.Alerts.QueueSize = 256
	}
	if len(c.Alerts.Channels) == 0 {
		c.Alerts.Channels = []string{"log"}
	}
	if c.Alerts.RetryCount < 0 {
		c.Alerts.RetryCount = 0
	}
	if c.Alerts.SMTP.Port == 0 {
		c.Alerts.SMTP.Port = 587
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
		c.Postgres.SSLMode,
	)
}

func (c Config) Backoff() time.Duration { return time.Duration(c.Listener.ReconnectSeconds) * time.Second }
