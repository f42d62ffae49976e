package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/scheduler"
)

// Config holds all stepflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string `json:"db_path"`
	LogLevel       string `json:"log_level"`
	ResumeInterval string `json:"resume_interval"`
	PruneSchedule  string `json:"prune_schedule"`
	Concurrency    int    `json:"concurrency"`
	MaxSteps       int    `json:"max_steps"`
	engine.PrunePolicy
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(stepflowDir(), "stepflow.db"),
		LogLevel:       "info",
		ResumeInterval: "10s",
		PruneSchedule:  "0 3 * * *",
		Concurrency:    4,
		MaxSteps:       engine.DefaultMaxSteps,
		PrunePolicy: engine.PrunePolicy{
			FinishedDays: 30,
			ErrorDays:    30,
		},
	}
}

func stepflowDir() string {
	if v := os.Getenv("STEPFLOW_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func settingsPath() string {
	return filepath.Join(stepflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STEPFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STEPFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STEPFLOW_RESUME_INTERVAL"); v != "" {
		cfg.ResumeInterval = v
	}
	if v := os.Getenv("STEPFLOW_PRUNE_SCHEDULE"); v != "" {
		cfg.PruneSchedule = v
	}
	envInt("STEPFLOW_CONCURRENCY", &cfg.Concurrency)
	envInt("STEPFLOW_MAX_STEPS", &cfg.MaxSteps)
	envInt("STEPFLOW_DELETE_FINISHED_DAYS", &cfg.FinishedDays)
	envInt("STEPFLOW_DELETE_ERROR_DAYS", &cfg.ErrorDays)
	envInt("STEPFLOW_DELETE_WAITING_DAYS", &cfg.WaitingDays)
	envInt("STEPFLOW_DELETE_RUNNING_DAYS", &cfg.RunningDays)

	return cfg
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// schedulerConfig converts the settings into a scheduler.Config. An unparsable
// resume interval falls back to the scheduler default.
func (c Config) schedulerConfig() scheduler.Config {
	interval, _ := time.ParseDuration(c.ResumeInterval)
	return scheduler.Config{
		ResumeInterval: interval,
		PruneSchedule:  c.PruneSchedule,
		Policy:         c.PrunePolicy,
		Concurrency:    c.Concurrency,
	}
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.ResumeInterval != new.ResumeInterval {
		d.RestartNeeded = append(d.RestartNeeded, "resume_interval")
	}
	if old.PruneSchedule != new.PruneSchedule {
		d.RestartNeeded = append(d.RestartNeeded, "prune_schedule")
	}
	if old.Concurrency != new.Concurrency {
		d.RestartNeeded = append(d.RestartNeeded, "concurrency")
	}
	if old.MaxSteps != new.MaxSteps {
		d.RestartNeeded = append(d.RestartNeeded, "max_steps")
	}
	if old.PrunePolicy != new.PrunePolicy {
		d.RestartNeeded = append(d.RestartNeeded, "prune_policy")
	}
	return d
}
