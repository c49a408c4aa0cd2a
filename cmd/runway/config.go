package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all runway server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	RunsDir           string `json:"runs_dir"`
	WorkflowsDir      string `json:"workflows_dir"`
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	MaxConcurrentRuns int    `json:"max_concurrent_runs"`
	SchedulerEnabled  bool   `json:"scheduler_enabled"`
	VaultKey          string `json:"-"` // env only, never persisted
}

func defaultConfig() Config {
	return Config{
		RunsDir:           filepath.Join(runwayDir(), "runs"),
		WorkflowsDir:      filepath.Join(runwayDir(), "workflows"),
		DBPath:            filepath.Join(runwayDir(), "runway.db"),
		LogLevel:          "info",
		MaxConcurrentRuns: 32,
		SchedulerEnabled:  true,
	}
}

func runwayDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".runway"
	}
	return filepath.Join(home, ".runway")
}

func settingsPath() string {
	return filepath.Join(runwayDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("RUNWAY_RUNS_DIR"); v != "" {
		cfg.RunsDir = v
	}
	if v := os.Getenv("RUNWAY_WORKFLOWS_DIR"); v != "" {
		cfg.WorkflowsDir = v
	}
	if v := os.Getenv("RUNWAY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RUNWAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RUNWAY_MAX_CONCURRENT_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentRuns = n
		}
	}
	if v := os.Getenv("RUNWAY_SCHEDULER"); v != "" {
		cfg.SchedulerEnabled = v == "true" || v == "1"
	}
	cfg.VaultKey = os.Getenv("RUNWAY_VAULT_KEY")

	return cfg
}
