package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all flowengine server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr    string `json:"listen_addr"`
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	PoolSize      int    `json:"pool_size"`
	NodeTimeout   string `json:"node_timeout"`
	MaxDelay      string `json:"max_delay"`
	DebugWebhooks bool   `json:"debug_webhooks"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:  ":4200",
		DBPath:      filepath.Join(flowengineDir(), "flowengine.db"),
		LogLevel:    "info",
		PoolSize:    16,
		NodeTimeout: "30s",
		MaxDelay:    "24h",
	}
}

func flowengineDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowengine"
	}
	return filepath.Join(home, ".flowengine")
}

func settingsPath() string {
	return filepath.Join(flowengineDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWENGINE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FLOWENGINE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWENGINE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWENGINE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("FLOWENGINE_NODE_TIMEOUT"); v != "" {
		cfg.NodeTimeout = v
	}
	if v := os.Getenv("FLOWENGINE_MAX_DELAY"); v != "" {
		cfg.MaxDelay = v
	}
	if v := os.Getenv("FLOWENGINE_DEBUG_WEBHOOKS"); v != "" {
		cfg.DebugWebhooks = v == "true" || v == "1"
	}

	return cfg
}

func (c Config) nodeTimeout() time.Duration {
	d, err := time.ParseDuration(c.NodeTimeout)
	if err != nil || d < 0 {
		return 30 * time.Second
	}
	return d
}

func (c Config) maxDelay() time.Duration {
	d, err := time.ParseDuration(c.MaxDelay)
	if err != nil || d < 0 {
		return 24 * time.Hour
	}
	return d
}
