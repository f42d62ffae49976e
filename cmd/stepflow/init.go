package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

// runInit writes settings.json from flags. Unset flags keep their defaults.
func runInit(args []string) {
	def := defaultConfig()
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dbPath := fs.String("db-path", "", "database path (default: ~/.stepflow/stepflow.db)")
	logLevel := fs.String("log-level", def.LogLevel, "log level: debug, info, warn, error")
	resumeInterval := fs.String("resume-interval", def.ResumeInterval, "how often waiting runs are checked")
	pruneSchedule := fs.String("prune-schedule", def.PruneSchedule, "cron expression for pruning old runs")
	concurrency := fs.Int("concurrency", def.Concurrency, "runs resumed at once")
	finishedDays := fs.Int("delete-finished-days", def.FinishedDays, "days to keep finished runs (0: forever)")
	errorDays := fs.Int("delete-error-days", def.ErrorDays, "days to keep failed runs (0: forever)")
	waitingDays := fs.Int("delete-waiting-days", def.WaitingDays, "days to keep waiting runs (0: forever)")
	runningDays := fs.Int("delete-running-days", def.RunningDays, "days to keep stuck running runs (0: forever)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	dir := stepflowDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create %s: %v\n", dir, err)
		os.Exit(1)
	}

	cfg := def
	cfg.LogLevel = *logLevel
	cfg.ResumeInterval = *resumeInterval
	cfg.PruneSchedule = *pruneSchedule
	cfg.Concurrency = *concurrency
	cfg.FinishedDays = *finishedDays
	cfg.ErrorDays = *errorDays
	cfg.WaitingDays = *waitingDays
	cfg.RunningDays = *runningDays
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	} else {
		cfg.DBPath = filepath.Join(dir, "stepflow.db")
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot write %s: %v\n", path, err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s\n", path)
}
