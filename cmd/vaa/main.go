package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nv262-lab/vaa-research/internal/config"
	"github.com/nv262-lab/vaa-research/internal/engine"
	"github.com/nv262-lab/vaa-research/internal/ledger"
	"github.com/nv262-lab/vaa-research/internal/policy"
	"github.com/nv262-lab/vaa-research/internal/telemetry"
	"github.com/nv262-lab/vaa-research/pkg/types"
)

var version = "dev"

func main() {
	exitFn(run(os.Args, os.Stdin, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

func run(args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[1] {
	case "policy":
		return handlePolicy(args[2:], stdout, stderr)
	case "evaluate":
		return handleEvaluate(ctx, args[2:], stdin, stdout, stderr)
	case "query":
		return handleQuery(ctx, args[2:], stdout, stderr)
	case "audit":
		return handleAudit(ctx, args[2:], stdout, stderr)
	case "drift":
		return handleDrift(ctx, args[2:], stdout, stderr)
	case "verify":
		return handleVerify(ctx, args[2:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, version)
		return 0
	default:
		usage(stderr)
		return 2
	}
}

func handlePolicy(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	switch args[0] {
	case "lint":
		fs := flag.NewFlagSet("policy lint", flag.ContinueOnError)
		fs.SetOutput(stderr)
		if err := fs.Parse(args[1:]); err != nil {
			fs.Usage()
			return 2
		}
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "policy lint requires <policy_path>")
			fs.Usage()
			return 2
		}
		loaded, err := policy.LoadPolicy(fs.Arg(0))
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		fmt.Fprintf(stdout, "ok policy_id=%s policy_version=%s policy_hash=%s metric_kinds=%s\n",
			loaded.Document.PolicyID, loaded.Document.PolicyVersion, loaded.Hash, strings.Join(loaded.Table.Kinds(), ","))
		return 0
	default:
		usage(stderr)
		return 2
	}
}

// engineFlags are shared by every command that opens the ledger.
type engineFlags struct {
	configPath *string
	policyPath *string
	dbDriver   *string
	dbDSN      *string
}

func addEngineFlags(fs *flag.FlagSet) engineFlags {
	return engineFlags{
		configPath: fs.String("config", os.Getenv("VAA_CONFIG_PATH"), "path to vaa config file"),
		policyPath: fs.String("policy", "", "policy file, overrides config"),
		dbDriver:   fs.String("db-driver", "", "ledger driver: memory, sqlite or postgres"),
		dbDSN:      fs.String("db-dsn", "", "ledger dsn"),
	}
}

func (f engineFlags) open(ctx context.Context, stderr io.Writer) (*engine.Engine, error) {
	// Flags may supply what the file leaves out, so validation waits for them.
	cfg, err := config.ReadEnv(*f.configPath, config.Environ())
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if *f.policyPath != "" {
		cfg.PolicyPath = *f.policyPath
	}
	if *f.dbDriver != "" {
		cfg.DB.Driver = *f.dbDriver
	}
	if *f.dbDSN != "" {
		cfg.DB.DSN = *f.dbDSN
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := telemetry.NewLogger(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	return engine.New(ctx, cfg, logger, version)
}

func handleEvaluate(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	ef := addEngineFlags(fs)
	concurrency := fs.Int("concurrency", 0, "candidates evaluated in parallel, overrides config")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "evaluate requires <candidates.jsonl|->")
		fs.Usage()
		return 2
	}

	candidates, err := readCandidates(fs.Arg(0), stdin)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}

	e, err := ef.open(ctx, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	defer e.Close(context.Background())

	n := e.Config.Concurrency
	if *concurrency > 0 {
		n = *concurrency
	}
	results := e.Evaluator.EvaluateAll(ctx, candidates, n)

	enc := json.NewEncoder(stdout)
	code := 0
	for i, res := range results {
		line := evaluateLine{Index: i}
		if res.Err != nil {
			line.Error = res.Err.Error()
			code = 1
		} else {
			rec := res.Record
			line.Record = &rec
		}
		if err := enc.Encode(line); err != nil {
			fmt.Fprintln(stderr, "write output:", err)
			return 1
		}
	}
	return code
}

type evaluateLine struct {
	Index  int                   `json:"index"`
	Record *types.DecisionRecord `json:"record,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// readCandidates parses one JSON candidate per line; "-" reads stdin.
func readCandidates(path string, stdin io.Reader) ([]types.DecisionCandidate, error) {
	r := stdin
	if path != "-" {
		// #nosec G304 -- path is an operator-provided input file.
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var out []types.DecisionCandidate
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var c types.DecisionCandidate
		if err := json.Unmarshal([]byte(text), &c); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, c)
	}
	return out, scanner.Err()
}

type windowFlags struct {
	from *string
	to   *string
}

func addWindowFlags(fs *flag.FlagSet) windowFlags {
	return windowFlags{
		from: fs.String("from", "", "window start, RFC3339 (inclusive)"),
		to:   fs.String("to", "", "window end, RFC3339 (exclusive)"),
	}
}

func (w windowFlags) parse() (types.TimeRange, error) {
	var r types.TimeRange
	var err error
	if *w.from != "" {
		if r.From, err = time.Parse(time.RFC3339Nano, *w.from); err != nil {
			return r, fmt.Errorf("--from: %w", err)
		}
	}
	if *w.to != "" {
		if r.To, err = time.Parse(time.RFC3339Nano, *w.to); err != nil {
			return r, fmt.Errorf("--to: %w", err)
		}
	}
	return r, r.Validate()
}

func handleQuery(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	fs.SetOutput(stderr)
	ef := addEngineFlags(fs)
	wf := addWindowFlags(fs)
	tier := fs.String("tier", "", "filter by tier")
	status := fs.String("status", "", "filter by compliance status")
	kind := fs.String("kind", "", "filter by metric kind")
	count := fs.Bool("count", false, "print the match count only")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}

	q := ledger.Query{MetricKind: *kind}
	window, err := wf.parse()
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}
	q.Range = window
	if *tier != "" {
		t, err := types.ParseTier(*tier)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 2
		}
		q.Tier = &t
	}
	if *status != "" {
		s, err := types.ParseComplianceStatus(*status)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 2
		}
		q.Status = &s
	}

	e, err := ef.open(ctx, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	defer e.Close(context.Background())

	if *count {
		n, err := e.Store.Count(ctx, q)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		fmt.Fprintf(stdout, "%d\n", n)
		return 0
	}

	records, err := e.Store.Query(ctx, q)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	enc := json.NewEncoder(stdout)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			fmt.Fprintln(stderr, "write output:", err)
			return 1
		}
	}
	return 0
}

func handleAudit(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	ef := addEngineFlags(fs)
	wf := addWindowFlags(fs)
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	window, err := wf.parse()
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	e, err := ef.open(ctx, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	defer e.Close(context.Background())

	report, err := e.Auditor.Audit(ctx, window)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if err := writeJSON(stdout, report); err != nil {
		fmt.Fprintln(stderr, "write output:", err)
		return 1
	}
	if report.Verdict != types.VerdictCompliant {
		return 1
	}
	return 0
}

func handleDrift(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("drift", flag.ContinueOnError)
	fs.SetOutput(stderr)
	ef := addEngineFlags(fs)
	wf := addWindowFlags(fs)
	kind := fs.String("kind", "", "metric kind to check")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if *kind == "" {
		fmt.Fprintln(stderr, "drift requires --kind")
		fs.Usage()
		return 2
	}
	window, err := wf.parse()
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	e, err := ef.open(ctx, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	defer e.Close(context.Background())

	sig, err := e.Monitor.Check(ctx, *kind, window)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if err := writeJSON(stdout, sig); err != nil {
		fmt.Fprintln(stderr, "write output:", err)
		return 1
	}
	return 0
}

func handleVerify(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	ef := addEngineFlags(fs)
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}

	e, err := ef.open(ctx, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	defer e.Close(context.Background())

	records, err := e.Store.Query(ctx, ledger.Query{})
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if err := ledger.VerifyChain(records); err != nil {
		fmt.Fprintf(stdout, "valid=false records=%d error=%s\n", len(records), err)
		return 1
	}
	fmt.Fprintf(stdout, "valid=true records=%d\n", len(records))
	return 0
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usage(w io.Writer) {
	fmt.Fprint(w, `VAA CLI

Usage:
  vaa policy lint <policy_path>
  vaa evaluate [--config FILE] [--concurrency N] <candidates.jsonl|->
  vaa query [--config FILE] [--from T] [--to T] [--tier T] [--status S] [--kind K] [--count]
  vaa audit [--config FILE] [--from T] [--to T]
  vaa drift --kind K [--config FILE] [--from T] [--to T]
  vaa verify [--config FILE]
  vaa version

Ledger flags: --policy FILE --db-driver memory|sqlite|postgres --db-dsn DSN
`)
}
