package config

import (
	"os"
	"time"
)

type Config struct {
	Server  ServerConfig
	DB      DBConfig
	Auth    AuthConfig
	Monitor MonitorConfig
}

type ServerConfig struct {
	Address string
}

type DBConfig struct {
	// Path of the SQLite run history. Empty disables history.
	Path string
}

type AuthConfig struct {
	// Secret signs API bearer tokens. Empty leaves the API open.
	Secret string
}

type MonitorConfig struct {
	MemoryCheckInterval time.Duration
}

func LoadConfig() *Config {
	address := os.Getenv("SERVER_ADDRESS")
	if address == "" {
		address = "127.0.0.1:8080"
	}

	dbPath, ok := os.LookupEnv("DB_PATH")
	if !ok {
		dbPath = "botvisor.db"
	}

	interval := 5 * time.Second
	if v := os.Getenv("MEMORY_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}

	return &Config{
		Server: ServerConfig{
			Address: address,
		},
		DB: DBConfig{
			Path: dbPath,
		},
		Auth: AuthConfig{
			Secret: os.Getenv("API_SECRET"),
		},
		Monitor: MonitorConfig{
			MemoryCheckInterval: interval,
		},
	}
}
