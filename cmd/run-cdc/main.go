package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/driftlake/driftlake/pkg/config"
	"github.com/driftlake/driftlake/pkg/engine"
	"github.com/driftlake/driftlake/pkg/objstore"
	"github.com/driftlake/driftlake/pkg/scheduler"
	"github.com/driftlake/driftlake/pkg/snapshot"
	"github.com/driftlake/driftlake/pkg/source"
	"github.com/driftlake/driftlake/pkg/state"
	"github.com/driftlake/driftlake/pkg/strategy"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultConfigPath  = "config.json"
	configPathEnvVar   = "CDC_CONFIG_PATH"
	defaultMetricsAddr = ""
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	showVersionFlag := flag.Bool("version", false, "show version and exit")
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	configFlag := flag.String("config", "", "path to the CDC config file (or set CDC_CONFIG_PATH env var)")
	tablesFlag := flag.StringSlice("tables", nil, "tables to process, comma-separated or repeated (default: all configured)")
	scheduleFlag := flag.Bool("schedule", false, "keep running on the configured interval instead of once")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics (empty to disable)")

	flag.Parse()

	if *showVersionFlag {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	// Optional .env next to the binary, then env var overrides.
	_ = godotenv.Load()
	configPath := *configFlag
	if configPath == "" {
		configPath = os.Getenv(configPathEnvVar)
	}
	if configPath == "" {
		configPath = defaultConfigPath
	}

	log := newLogger(*verboseFlag)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config %s: %w", configPath, err)
	}
	log.Info("config loaded", "path", configPath, "datasources", len(cfg.Datasources), "tables", len(cfg.Tables))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *metricsAddrFlag != "" {
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	obj, err := objstore.NewClient(ctx, objstore.ClientConfig{
		Logger:    log,
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Secure:    cfg.Storage.Secure,
		Bucket:    cfg.Storage.Bucket,
	})
	if err != nil {
		return fmt.Errorf("failed to build object store client: %w", err)
	}
	if err := obj.EnsureBucket(ctx); err != nil {
		return err
	}

	stateStore, err := state.NewStore(state.StoreConfig{Logger: log, Object: obj})
	if err != nil {
		return err
	}
	snapshotWriter, err := snapshot.NewWriter(snapshot.WriterConfig{Logger: log, Object: obj})
	if err != nil {
		return err
	}

	sources := map[string]strategy.Source{}
	for name, ds := range cfg.Datasources {
		handle, err := source.Open(ctx, source.Config{
			Logger:      log,
			Name:        name,
			URL:         ds.URL,
			PoolSize:    cfg.GlobalSettings.ConnectionPool.PoolSize,
			MaxOverflow: cfg.GlobalSettings.ConnectionPool.MaxOverflow,
			PoolTimeout: time.Duration(cfg.GlobalSettings.ConnectionPool.Timeout) * time.Second,
		})
		if err != nil {
			// A dead datasource fails its tables, not the process.
			log.Error("failed to connect datasource", "datasource", name, "error", err)
			continue
		}
		defer handle.Close()
		sources[name] = handle
	}

	eng, err := engine.New(engine.Config{
		Logger:    log,
		Config:    cfg,
		Sources:   sources,
		State:     stateStore,
		Snapshots: snapshotWriter,
	})
	if err != nil {
		return err
	}

	runOnce := func(ctx context.Context) error {
		_, err := eng.Run(ctx, *tablesFlag)
		return err
	}

	if *scheduleFlag {
		sched, err := scheduler.New(scheduler.Config{
			Logger:     log,
			Scheduling: cfg.GlobalSettings.Scheduling,
			Run:        runOnce,
		})
		if err != nil {
			return err
		}
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		log.Info("context done, stopping")
		return nil
	}

	// Per-table failures are reported in the run log, not via the exit code.
	if err := runOnce(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
