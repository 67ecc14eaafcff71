package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nv262-lab/vaa-research/internal/config"
	"github.com/nv262-lab/vaa-research/internal/engine"
	"github.com/nv262-lab/vaa-research/internal/governance"
	"github.com/nv262-lab/vaa-research/internal/telemetry"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runFn(ctx, os.Args[1:], config.Environ(), os.Stdout, os.Stderr, governance.RunWorker); err != nil {
		fatalf("governor error: %v", err)
	}
}

var runFn = run
var fatalf = log.Fatalf

type serveFn func(ctx context.Context, w *governance.Worker)

func run(ctx context.Context, args []string, environment map[string]string, stdout io.Writer, stderr io.Writer, serve serveFn) error {
	fs := flag.NewFlagSet("vaa-governor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to vaa config file")
	outPath := fs.String("out", "-", "file that receives JSON-lines reports, - for stdout")
	once := fs.Bool("once", false, "run a single audit and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile := *configPath
	if cfgFile == "" {
		cfgFile = environment["VAA_CONFIG_PATH"]
	}
	cfg, err := config.LoadEnv(cfgFile, environment)
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	out := stdout
	if *outPath != "-" {
		// #nosec G304 -- path is operator-provided output path.
		f, err := os.OpenFile(*outPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open report output: %w", err)
		}
		defer f.Close()
		out = f
	}

	e, err := engine.New(ctx, cfg, logger, version)
	if err != nil {
		return err
	}
	defer e.Close(context.Background())

	worker := governance.NewWorker(governance.WorkerConfig{
		Interval:   cfg.Schedule.Interval,
		Window:     cfg.Schedule.Window,
		DriftKinds: cfg.Schedule.DriftKinds,
	}, e.Auditor, e.Monitor, governance.NewJSONLinesSink(out)).WithLogger(logger.With("component", "governance-worker"))

	if *once {
		_, err := worker.Tick(ctx, time.Now())
		return err
	}

	logger.InfoContext(ctx, "vaa-governor running",
		"interval", cfg.Schedule.Interval,
		"window", cfg.Schedule.Window,
		"drift_kinds", cfg.Schedule.DriftKinds,
	)
	serve(ctx, worker)
	return nil
}
