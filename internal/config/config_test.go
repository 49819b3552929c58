package config

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("SERVER_ADDRESS", "")
	t.Setenv("API_SECRET", "")
	t.Setenv("MEMORY_CHECK_INTERVAL", "")

	cfg := LoadConfig()
	if cfg.Server.Address != "127.0.0.1:8080" {
		t.Errorf("Address = %q, want loopback default", cfg.Server.Address)
	}
	if cfg.Auth.Secret != "" {
		t.Errorf("Secret = %q", cfg.Auth.Secret)
	}
	if cfg.Monitor.MemoryCheckInterval != 5*time.Second {
		t.Errorf("MemoryCheckInterval = %v", cfg.Monitor.MemoryCheckInterval)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_ADDRESS", ":9090")
	t.Setenv("DB_PATH", "")
	t.Setenv("API_SECRET", "s3cret")
	t.Setenv("MEMORY_CHECK_INTERVAL", "250ms")

	cfg := LoadConfig()
	if cfg.Server.Address != ":9090" {
		t.Errorf("Address = %q", cfg.Server.Address)
	}
	if cfg.DB.Path != "" {
		t.Errorf("DB.Path = %q, an empty DB_PATH disables history", cfg.DB.Path)
	}
	if cfg.Auth.Secret != "s3cret" {
		t.Errorf("Secret = %q", cfg.Auth.Secret)
	}
	if cfg.Monitor.MemoryCheckInterval != 250*time.Millisecond {
		t.Errorf("MemoryCheckInterval = %v", cfg.Monitor.MemoryCheckInterval)
	}
}
