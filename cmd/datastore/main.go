// Datastore inspects and maintains the local offline-first database declared
// in a YAML config: model tables, the outbox of unsent mutations and the
// sync metadata.
//
// Usage:
//
//	datastore setup [--config <path>]                  # interactive schema wizard
//	datastore status [--config <path>]                 # tables, outbox and last syncs
//	datastore outbox [--config <path>]                 # list queued mutations
//	datastore metadata --model <name> [--config ...]   # per-record sync versions
//	datastore reset --yes [--config <path>]            # delete all local data
//	datastore version                                  # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/njoerd114/datastore/internal/config"
	"github.com/njoerd114/datastore/internal/datastore"
	"github.com/njoerd114/datastore/internal/model"
	"github.com/njoerd114/datastore/internal/prefs"
	"github.com/njoerd114/datastore/internal/setup"
	"github.com/njoerd114/datastore/internal/storage"
	dssync "github.com/njoerd114/datastore/internal/sync"
	"github.com/njoerd114/datastore/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "setup":
		return runSetup(rest)
	case "status":
		return withEnv("status", rest, nil, runStatus)
	case "outbox":
		return withEnv("outbox", rest, nil, runOutbox)
	case "metadata":
		var modelName string
		return withEnv("metadata", rest, func(fs *flag.FlagSet) {
			fs.StringVar(&modelName, "model", "", "model to list sync metadata for")
		}, func(ctx context.Context, e *env) error {
			return runMetadata(ctx, e, modelName)
		})
	case "reset":
		var yes bool
		return withEnv("reset", rest, func(fs *flag.FlagSet) {
			fs.BoolVar(&yes, "yes", false, "confirm deleting all local data")
		}, func(ctx context.Context, e *env) error {
			return runReset(ctx, e, yes)
		})
	case "version":
		fmt.Println("datastore", version)
		return nil
	}
	return fmt.Errorf("unknown command %q, run 'datastore' for usage", cmd)
}

func printUsage() {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "Datastore: local offline-first storage with an outbox of unsent mutations")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  datastore setup                    Interactive schema wizard")
	fmt.Fprintln(os.Stderr, "  datastore status                   Show tables, outbox and last syncs")
	fmt.Fprintln(os.Stderr, "  datastore outbox                   List queued mutations")
	fmt.Fprintln(os.Stderr, "  datastore metadata --model <name>  Show per-record sync versions")
	fmt.Fprintln(os.Stderr, "  datastore reset --yes              Delete all local data")
	fmt.Fprintln(os.Stderr, "  datastore version                  Print version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "All commands accept --config <path> and --verbose.")

	if cfgErr != nil {
		fmt.Fprintln(os.Stderr, "No config file found. Run 'datastore setup' to get started.")
	}
}

// --- Subcommands -------------------------------------------------------------

func runSetup(args []string) error {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return setup.NewWizard(os.Stdin, os.Stdout, logger).Run(ctx, *cfgPath)
}

func runStatus(ctx context.Context, e *env) error {
	a := e.store.Adapter()
	fmt.Println("Datastore Status")
	fmt.Println("────────────────")
	fmt.Printf("  Config:    %s\n", e.cfgPath)
	size := "-"
	if info, err := os.Stat(a.Path()); err == nil {
		size = humanSize(info.Size())
	}
	fmt.Printf("  Database:  %s (%s, version %q)\n", a.Path(), size, e.cfg.DatabaseVersion)

	pending, err := e.store.Pending(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("  Outbox:    %d pending mutation(s)\n", pending)
	fmt.Println("")

	for _, s := range a.Registry().Schemas() {
		n, err := a.Count(ctx, s.Name, nil)
		if err != nil {
			return err
		}
		last := "never"
		meta, err := a.GetModelSyncMetadata(ctx, s.Name)
		if err != nil {
			return err
		}
		if meta != nil {
			last = meta.LastSync.Local().Format(time.DateTime)
		}
		fmt.Printf("  %-20s %6d record(s)   last sync: %s\n", s.Name, n, last)
	}
	return nil
}

func runOutbox(ctx context.Context, e *env) error {
	queued, err := e.store.Outbox().List(ctx)
	if err != nil {
		return err
	}
	if len(queued) == 0 {
		fmt.Println("Outbox is empty.")
		return nil
	}
	for _, m := range queued {
		printMutation(os.Stdout, m)
	}
	return nil
}

func runMetadata(ctx context.Context, e *env, modelName string) error {
	if modelName == "" {
		return errors.New("--model is required")
	}
	a := e.store.Adapter()
	records, err := a.Query(ctx, modelName, nil, nil, nil)
	if err != nil {
		return err
	}
	s := a.Registry().MustSchema(modelName)
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = s.Identifier(r)
	}
	metas, err := a.QueryMutationSyncMetadata(ctx, modelName, ids)
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		fmt.Printf("No %s record has been synced.\n", modelName)
		return nil
	}
	for _, m := range metas {
		changed := time.Unix(m.LastChangedAt, 0).Local().Format(time.DateTime)
		fmt.Printf("  %-40s v%-5d changed %s deleted=%t\n", m.ModelID, m.Version, changed, m.Deleted)
	}
	return nil
}

func runReset(ctx context.Context, e *env, yes bool) error {
	if !yes {
		return errors.New("reset deletes all local data including unsent mutations; pass --yes to confirm")
	}
	if err := e.store.Clear(ctx); err != nil {
		return fmt.Errorf("clearing datastore: %w", err)
	}
	fmt.Printf("✓ Cleared %s\n", e.store.Adapter().Path())
	return nil
}

// --- Shared setup ------------------------------------------------------------

// env is what every database subcommand runs against.
type env struct {
	cfgPath string
	cfg     *config.Config
	store   *datastore.DataStore
	logger  *slog.Logger
}

// withEnv parses the common flags plus those added by extra, loads the
// config, opens the datastore and runs fn.
func withEnv(name string, args []string, extra func(*flag.FlagSet), fn func(context.Context, *env) error) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}

	// --- Logger --------------------------------------------------------------

	logger, closeLog := newLogger(cfg.Log, *verbose)
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// --- Telemetry (optional) ------------------------------------------------

	shutdownTel, err := telemetry.Setup(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTel(flushCtx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	// --- Datastore -----------------------------------------------------------

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing datastore", "error", err)
		}
	}()

	return fn(ctx, &env{cfgPath: *cfgPath, cfg: cfg, store: store, logger: logger})
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*datastore.DataStore, error) {
	registry, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("building model registry: %w", err)
	}

	dbPath := cfg.DatabasePath
	if dbPath == "" {
		if dbPath, err = storage.DefaultDBPath(); err != nil {
			return nil, err
		}
	}
	prefsPath := cfg.PrefsPath
	if prefsPath == "" {
		if prefsPath, err = prefs.DefaultPath(); err != nil {
			return nil, err
		}
	}
	p, err := prefs.Open(prefsPath)
	if err != nil {
		return nil, err
	}
	// The version marker is only needed while opening.
	defer func() {
		if err := p.Close(); err != nil {
			logger.Error("closing prefs", "error", err)
		}
	}()

	store, err := datastore.Open(ctx, datastore.Options{
		Storage: storage.Options{Path: dbPath, Version: cfg.DatabaseVersion, Prefs: p},
		Sync: dssync.Options{
			Retry: dssync.RetryOptions{
				InitialInterval: cfg.Sync.InitialRetryInterval,
				MaxInterval:     cfg.Sync.MaxRetryInterval,
				MaxAttempts:     cfg.Sync.MaxAttempts,
			},
			SyncPageSize: cfg.Sync.PageSize,
			SyncInterval: cfg.Sync.SyncInterval,
			ErrorHandler: func(err error) { logger.Warn("sync error", "error", err) },
		},
	}, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("opening datastore at %q: %w", dbPath, err)
	}
	logger.Debug("datastore opened", "path", dbPath, "models", len(registry.Schemas()))
	return store, nil
}

// newLogger writes text logs to stderr and, when configured, to a rotating
// log file.
func newLogger(lc config.LogConfig, verbose bool) (*slog.Logger, func()) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	var w io.Writer = os.Stderr
	closeFn := func() {}
	if file := lc.Writer(); file != nil {
		w = io.MultiWriter(os.Stderr, file)
		closeFn = func() { _ = file.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeFn
}

func printMutation(w io.Writer, m *model.MutationEvent) {
	state := "queued"
	if m.InProcess {
		state = "sending"
	}
	version := "-"
	if m.Version != nil {
		version = fmt.Sprintf("v%d", *m.Version)
	}
	created := time.Unix(0, m.CreatedAt).Local().Format(time.DateTime)
	fmt.Fprintf(w, "  %s  %-7s %-6s %s/%s base=%s", created, state, m.MutationType, m.ModelName, m.ModelID, version)
	if m.GraphQLFilterJSON != "" {
		fmt.Fprintf(w, " if=%s", m.GraphQLFilterJSON)
	}
	fmt.Fprintln(w)
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
