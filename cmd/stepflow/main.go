package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/mcp"
)

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		if err := runServe(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "init":
		runInit(args)
	case "diagram":
		if err := runDiagram(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\nusage: stepflow [serve|init|diagram|version]\n", cmd)
		os.Exit(2)
	}
}

// runServe wires the store, runner, scheduler and MCP server, then serves
// MCP over stdio until stdin closes or a termination signal arrives. SIGHUP
// reloads settings; only the log level is applied without a restart.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	noScheduler := fs.Bool("no-scheduler", false, "do not resume waiting runs or prune old ones")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := loadConfig()
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	// stdout carries the MCP transport, so logs go to stderr.
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	hub := streaming.NewMemoryHub()
	runner, err := engine.NewRunner(engine.Deps{
		Store:    st,
		Hub:      hub,
		Logger:   logger,
		MaxSteps: cfg.MaxSteps,
	})
	if err != nil {
		return fmt.Errorf("create runner: %w", err)
	}

	if !*noScheduler {
		sched, err := scheduler.NewScheduler(st, runner, cfg.schedulerConfig(), logger)
		if err != nil {
			return fmt.Errorf("create scheduler: %w", err)
		}
		sched.Observe(runner.FSM())
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	go watchReload(ctx, cfg, level, logger)

	srv := mcp.NewServer(mcp.ServerDeps{Runner: runner, Hub: hub, Logger: logger})
	schemaVersion, err := st.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	logger.Info("stepflow serving",
		slog.String("version", version),
		slog.String("db_path", cfg.DBPath),
		slog.Int("schema_version", schemaVersion),
	)
	return srv.Serve(ctx)
}

func watchReload(ctx context.Context, cfg Config, level *slog.LevelVar, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			next := loadConfig()
			d := diffConfigs(cfg, next)
			if d.LogLevelChanged {
				level.Set(logging.ParseLevel(next.LogLevel))
				logger.Info("log level changed", slog.String("level", next.LogLevel))
			}
			if len(d.RestartNeeded) > 0 {
				logger.Warn("settings changed that need a restart", slog.Any("fields", d.RestartNeeded))
			}
			cfg = next
		}
	}
}

func openStore(ctx context.Context, path string) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}

// runDiagram prints a workflow diagram, or a run's diagram with its status
// overlay, to stdout or a file.
func runDiagram(args []string) error {
	fs := flag.NewFlagSet("diagram", flag.ExitOnError)
	workflowName := fs.String("workflow", "", "workflow name")
	runID := fs.String("run", "", "run id (draws the run's progress)")
	format := fs.String("format", "ascii", "output format: ascii, mermaid, svg, png")
	out := fs.String("out", "", "output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workflowName == "" && *runID == "" {
		return fmt.Errorf("one of -workflow or -run is required")
	}

	ctx := context.Background()
	st, err := openStore(ctx, loadConfig().DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	model, err := buildModel(ctx, st, *workflowName, *runID)
	if err != nil {
		return err
	}

	var data []byte
	switch *format {
	case "ascii":
		data = []byte(diagram.RenderASCII(model))
	case "mermaid":
		data = []byte(diagram.RenderMermaid(model))
	case "svg":
		data, err = diagram.RenderSVG(model)
	case "png":
		data, err = diagram.RenderImage(model)
	default:
		return fmt.Errorf("unknown format %q", *format)
	}
	if err != nil {
		return err
	}

	if *out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(*out, data, 0o644)
}

func buildModel(ctx context.Context, st store.Store, workflowName, runID string) (*diagram.DiagramModel, error) {
	if runID == "" {
		wf, err := st.GetWorkflowByName(ctx, workflowName)
		if err != nil {
			return nil, err
		}
		steps, err := st.ListSteps(ctx, wf.ID)
		if err != nil {
			return nil, err
		}
		model, err := diagram.Build(steps)
		if err != nil {
			return nil, err
		}
		model.Title = wf.Name
		return model, nil
	}

	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := st.ListSteps(ctx, run.WorkflowID)
	if err != nil {
		return nil, err
	}
	summaries, err := store.NewEventLog(st).ReplayRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return diagram.BuildForRun(steps, summaries, run)
}
