package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	ServerURL      string `envconfig:"SERVER_URL" required:"true"`
	ServerUsername string `envconfig:"SERVER_USERNAME"`
	ServerPassword string `envconfig:"SERVER_PASSWORD"`
	UserAgent      string `envconfig:"USER_AGENT" default:"ftengine/1.0"`

	ContentDir      string        `envconfig:"CONTENT_DIR" required:"true"`
	DBPath          string        `envconfig:"DB_PATH" default:"transfers.db"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"5s"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"INFO"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	KeepPartialFor  time.Duration `envconfig:"KEEP_PARTIAL_FOR" default:"168h"`
	WebhookURL      string        `envconfig:"WEBHOOK_URL"`

	AutoAccept          bool          `envconfig:"AUTO_ACCEPT" default:"true"`
	AutoAcceptInRoaming bool          `envconfig:"AUTO_ACCEPT_IN_ROAMING" default:"false"`
	Roaming             bool          `envconfig:"ROAMING" default:"false"`
	WarnSize            int64         `envconfig:"WARN_SIZE" default:"10485760"`
	MaxSize             int64         `envconfig:"MAX_SIZE" default:"0"`
	DeliveryReports     bool          `envconfig:"DELIVERY_REPORTS" default:"false"`
	AcceptanceWindow    time.Duration `envconfig:"ACCEPTANCE_WINDOW" default:"5m"`

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled bool   `split_words:"true" default:"true"`
		Service string `split_words:"true" default:"ftengine"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
