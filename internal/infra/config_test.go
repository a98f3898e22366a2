package infra

import (
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/mediagen")
	t.Setenv("AUTH_SECRET", "auth-secret")
	t.Setenv("WEBHOOK_SECRET", "webhook-secret")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.ImageJobDeadline != 5*time.Minute {
		t.Fatalf("ImageJobDeadline = %v, want 5m", cfg.ImageJobDeadline)
	}
	if cfg.VideoJobDeadline != 30*time.Minute {
		t.Fatalf("VideoJobDeadline = %v, want 30m", cfg.VideoJobDeadline)
	}
}

func TestLoadConfigRequiresDatabaseURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DATABASE_URL", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("LoadConfig() expected error without DATABASE_URL")
	}
}

func TestLoadConfigRequiresSecrets(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("WEBHOOK_SECRET", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("LoadConfig() expected error without WEBHOOK_SECRET")
	}
}

func TestSanitizeClampsIntervals(t *testing.T) {
	cfg := &Config{
		ReaperInterval:     time.Second,
		ImageJobDeadline:   time.Second,
		VideoJobDeadline:   time.Millisecond,
		ListenerWaitWindow: time.Second,
		PollInitialDelay:   -time.Second,
		PollMaxInterval:    0,
	}
	cfg.Sanitize()

	if cfg.ReaperInterval < 5*time.Second {
		t.Fatalf("ReaperInterval = %v, want clamped to >= 5s", cfg.ReaperInterval)
	}
	if cfg.ImageJobDeadline < time.Minute {
		t.Fatalf("ImageJobDeadline = %v, want clamped to >= 1m", cfg.ImageJobDeadline)
	}
	if cfg.VideoJobDeadline < cfg.ImageJobDeadline {
		t.Fatalf("VideoJobDeadline %v below image deadline %v", cfg.VideoJobDeadline, cfg.ImageJobDeadline)
	}
	if cfg.PollInitialDelay <= 0 {
		t.Fatalf("PollInitialDelay = %v, want positive", cfg.PollInitialDelay)
	}
	if cfg.PollMaxInterval < cfg.PollInitialDelay {
		t.Fatalf("PollMaxInterval %v below initial delay %v", cfg.PollMaxInterval, cfg.PollInitialDelay)
	}
}
