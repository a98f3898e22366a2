package infra

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config represents application configuration loaded from environment
// variables. A local .env file is honored when present.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"development"`
	Port   string `env:"PORT" envDefault:"8080"`

	DatabaseURL string `env:"DATABASE_URL"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	AuthSecret    string `env:"AUTH_SECRET"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`

	// PublicBaseURL is the externally reachable base URL of the API, used to
	// build provider callback URLs.
	PublicBaseURL  string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`
	StoragePath    string `env:"STORAGE_PATH" envDefault:"./storage"`
	StorageBaseURL string `env:"STORAGE_BASE_URL" envDefault:"http://localhost:8080/static"`

	FluxAPIKey  string `env:"FLUX_API_KEY"`
	FluxBaseURL string `env:"FLUX_BASE_URL" envDefault:"https://api.bfl.ai/v1"`
	VeoAPIKey   string `env:"VEO_API_KEY"`
	VeoBaseURL  string `env:"VEO_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta"`

	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	ReaperInterval   time.Duration `env:"REAPER_INTERVAL" envDefault:"30s"`
	ImageJobDeadline time.Duration `env:"IMAGE_JOB_DEADLINE" envDefault:"5m"`
	VideoJobDeadline time.Duration `env:"VIDEO_JOB_DEADLINE" envDefault:"30m"`

	ListenerWaitWindow time.Duration `env:"LISTENER_WAIT_WINDOW" envDefault:"1m"`
	PollInitialDelay   time.Duration `env:"POLL_INITIAL_DELAY" envDefault:"2s"`
	PollMaxInterval    time.Duration `env:"POLL_MAX_INTERVAL" envDefault:"30s"`
}

// LoadConfig loads configuration from the environment and applies guardrails.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.AuthSecret == "" {
		return nil, fmt.Errorf("AUTH_SECRET is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("WEBHOOK_SECRET is required")
	}

	cfg.Sanitize()
	return cfg, nil
}

// Sanitize clamps interval values that would make the orchestration loops
// spin or stall.
func (c *Config) Sanitize() {
	if c.ReaperInterval < 5*time.Second {
		c.ReaperInterval = 5 * time.Second
	}
	if c.ImageJobDeadline < time.Minute {
		c.ImageJobDeadline = time.Minute
	}
	if c.VideoJobDeadline < c.ImageJobDeadline {
		c.VideoJobDeadline = c.ImageJobDeadline
	}
	if c.ListenerWaitWindow < 5*time.Second {
		c.ListenerWaitWindow = 5 * time.Second
	}
	if c.PollInitialDelay <= 0 {
		c.PollInitialDelay = 2 * time.Second
	}
	if c.PollMaxInterval < c.PollInitialDelay {
		c.PollMaxInterval = c.PollInitialDelay
	}
}
