// irrwatch monitors the announced IP prefixes of ASNs and AS-SETs across
// Internet Routing Registries, snapshots the merged prefix sets, and
// opens a ticket exactly once per distinct change.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/irrwatch/pkg/config"
	"github.com/malbeclabs/irrwatch/pkg/diff"
	"github.com/malbeclabs/irrwatch/pkg/irr"
	"github.com/malbeclabs/irrwatch/pkg/logger"
	"github.com/malbeclabs/irrwatch/pkg/pipeline"
	"github.com/malbeclabs/irrwatch/pkg/store"
	"github.com/malbeclabs/irrwatch/pkg/ticket"
)

var (
	// Set by LDFLAGS
	version = "dev"
)

const usage = `irrwatch %s - IRR prefix change monitor

Usage:
  irrwatch <command> [flags]

Commands:
  migrate          apply database schema migrations
  migrate-status   show migration status
  fetch            fetch prefixes for one target and persist a snapshot
  diff             show changes for a target against the lookback baseline
  submit           submit a ticket for a target's current diff
  run              fetch, snapshot, diff, and submit for one target
  run-all          run the full pipeline for every configured target
  history          list snapshot history for a target

Common flags:
  --config   path to the YAML config file (default: config.yaml)
  --verbose  enable debug logging
  --json     machine-readable output
  --dry-run  stop short of submitting tickets (submit, run, run-all)
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type cliFlags struct {
	configPath  string
	verbose     bool
	jsonOut     bool
	dryRun      bool
	limit       int
	concurrency int
}

func newFlagSet(cmd string) (*flag.FlagSet, *cliFlags) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	f := &cliFlags{}
	fs.StringVar(&f.configPath, "config", "config.yaml", "path to the YAML config file")
	fs.BoolVar(&f.verbose, "verbose", false, "enable verbose (debug) logging")
	fs.BoolVar(&f.jsonOut, "json", false, "machine-readable output")
	fs.BoolVar(&f.dryRun, "dry-run", false, "stop short of submitting tickets")
	fs.IntVar(&f.limit, "limit", 10, "maximum entries to list (history)")
	fs.IntVar(&f.concurrency, "concurrency", 4, "maximum targets processed in parallel (run-all)")
	return fs, f
}

func run() error {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, version)
		return errors.New("no command given")
	}
	cmd := os.Args[1]

	fs, flags := newFlagSet(cmd)
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}

	// godotenv does not override existing env vars, so process env and
	// explicit exports take precedence.
	_ = godotenv.Load()

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if flags.verbose {
		level = "debug"
	}
	log := logger.New(os.Stderr, level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &app{cfg: cfg, flags: flags, log: log}

	switch cmd {
	case "migrate":
		return store.RunMigrations(ctx, log, cfg.Database.URL)
	case "migrate-status":
		return store.MigrationStatus(ctx, log, cfg.Database.URL)
	case "fetch":
		return app.cmdFetch(ctx, fs.Args())
	case "diff":
		return app.cmdDiff(ctx, fs.Args())
	case "submit":
		return app.cmdSubmit(ctx, fs.Args())
	case "run":
		return app.cmdRun(ctx, fs.Args())
	case "run-all":
		return app.cmdRunAll(ctx)
	case "history":
		return app.cmdHistory(ctx, fs.Args())
	case "help", "--help", "-h":
		fmt.Printf(usage, version)
		return nil
	default:
		fmt.Fprintf(os.Stderr, usage, version)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type app struct {
	cfg   config.Config
	flags *cliFlags
	log   *slog.Logger
}

// openStore connects the pgx pool and wraps it in the snapshot store.
func (a *app) openStore(ctx context.Context) (*store.Store, *pgxpool.Pool, error) {
	if a.cfg.Database.URL == "" {
		return nil, nil, errors.New("database.url is not configured")
	}
	pool, err := pgxpool.New(ctx, a.cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to Postgres: %w", err)
	}
	st, err := store.New(store.Config{
		Logger: a.log,
		Pool:   pool,
		Clock:  clockwork.NewRealClock(),
	})
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return st, pool, nil
}

func (a *app) buildFetcher() (*irr.Fetcher, error) {
	registry, err := irr.NewRegistry(irr.RegistryConfig{
		Logger:        a.log,
		Sources:       a.cfg.SourceDescriptors(),
		RESTRateLimit: a.cfg.REST.RateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("building source registry: %w", err)
	}
	return irr.NewFetcher(irr.FetcherConfig{
		Logger:         a.log,
		Registry:       registry,
		MaxConcurrency: a.cfg.Fetch.MaxConcurrency,
	})
}

func (a *app) buildSubmitter() (ticket.Submitter, error) {
	if a.flags.dryRun {
		return nil, nil
	}
	if a.cfg.Ticketing.BaseURL == "" {
		return nil, errors.New("ticketing.base_url is not configured (use --dry-run to run without it)")
	}
	client, err := ticket.NewClient(ticket.ClientConfig{
		Logger:     a.log,
		BaseURL:    a.cfg.Ticketing.BaseURL,
		APIToken:   a.cfg.Ticketing.APIToken,
		Timeout:    time.Duration(a.cfg.Ticketing.TimeoutSeconds) * time.Second,
		MaxRetries: a.cfg.Ticketing.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (a *app) buildNotifier() (pipeline.Notifier, error) {
	if a.cfg.Slack.Token == "" || a.cfg.Slack.Channel == "" {
		return nil, nil
	}
	notifier, err := ticket.NewNotifier(ticket.NotifierConfig{
		Logger:  a.log,
		Token:   a.cfg.Slack.Token,
		Channel: a.cfg.Slack.Channel,
	})
	if err != nil {
		return nil, err
	}
	return notifier, nil
}

func (a *app) buildPipeline(st *store.Store) (*pipeline.Pipeline, error) {
	fetcher, err := a.buildFetcher()
	if err != nil {
		return nil, err
	}
	submitter, err := a.buildSubmitter()
	if err != nil {
		return nil, err
	}
	notifier, err := a.buildNotifier()
	if err != nil {
		return nil, err
	}
	return pipeline.New(pipeline.Config{
		Logger:              a.log,
		Clock:               clockwork.NewRealClock(),
		Store:               st,
		Fetcher:             fetcher,
		Submitter:           submitter,
		Notifier:            notifier,
		Lookback:            a.cfg.Lookback(),
		DryRun:              a.flags.dryRun,
		SnapshotOnUnchanged: a.cfg.SnapshotOnUnchangedValue(),
	})
}

func targetArg(args []string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", errors.New("exactly one target (ASN or AS-SET) is required")
	}
	return args[0], nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// baselineFor resolves the lookback comparison snapshot for a target's
// current snapshot; nil means first observation.
func baselineFor(ctx context.Context, st *store.Store, target string, current store.Snapshot, lookback time.Duration) (*store.Snapshot, error) {
	older, err := st.SnapshotAtOrBefore(ctx, target, current.CapturedAt.Add(-lookback))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if older.ID == current.ID {
		return nil, nil
	}
	return &older, nil
}

// currentDiff computes the diff for a target's most recent snapshot
// against its lookback baseline.
func (a *app) currentDiff(ctx context.Context, st *store.Store, target string) (diff.Diff, error) {
	latest, err := st.LatestSnapshot(ctx, target)
	if errors.Is(err, store.ErrNotFound) {
		return diff.Diff{}, fmt.Errorf("no snapshots for %s; run 'irrwatch fetch %s' first", target, target)
	}
	if err != nil {
		return diff.Diff{}, err
	}
	older, err := baselineFor(ctx, st, target, latest, a.cfg.Lookback())
	if err != nil {
		return diff.Diff{}, err
	}
	return diff.Compute(latest, older), nil
}
