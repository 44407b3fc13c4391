// Package engine orchestrates one CDC run: per configured table it selects
// the change-detection strategy, persists the snapshot artifacts, then
// commits state, and aggregates per-table outcomes into a run report. One
// table's failure never aborts the run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/driftlake/driftlake/pkg/config"
	"github.com/driftlake/driftlake/pkg/snapshot"
	"github.com/driftlake/driftlake/pkg/source"
	"github.com/driftlake/driftlake/pkg/state"
	"github.com/driftlake/driftlake/pkg/strategy"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// ErrorKind classifies a table failure for the run report.
type ErrorKind string

const (
	ErrNone              ErrorKind = ""
	ErrNoConfig          ErrorKind = "no-config"
	ErrConfig            ErrorKind = "config"
	ErrUnsupportedMethod ErrorKind = "unsupported-method"
	ErrSourceUnavailable ErrorKind = "source-unavailable"
	ErrSchema            ErrorKind = "schema"
	ErrQuery             ErrorKind = "query"
	ErrStateIO           ErrorKind = "state-io"
	ErrSnapshotIO        ErrorKind = "snapshot-io"
	ErrCanceled          ErrorKind = "canceled"
	ErrInternal          ErrorKind = "internal"
)

// TableResult is the outcome of one table within one run.
type TableResult struct {
	Table    string
	Method   string
	Status   Status
	Error    string
	Kind     ErrorKind
	Summary  snapshot.CountSummary
	Duration time.Duration

	// Snapshot outcome. A snapshot write failure does not fail the table;
	// state is held back so the delta replays on the next run.
	SnapshotStatus snapshot.Status
	SnapshotKeys   []string
	SnapshotError  string
}

// Report aggregates one run.
type Report struct {
	StartedAt time.Time
	Duration  time.Duration
	Results   []TableResult
}

func (r *Report) Counts() (succeeded, skipped, failed int) {
	for _, res := range r.Results {
		switch res.Status {
		case StatusSuccess:
			succeeded++
		case StatusSkipped:
			skipped++
		default:
			failed++
		}
	}
	return succeeded, skipped, failed
}

// Engine runs the per-table pipeline over a bounded worker pool.
type Engine struct {
	log       *slog.Logger
	cfg       *config.Config
	sources   map[string]strategy.Source
	state     *state.Store
	snapshots *snapshot.Writer
	clock     clockwork.Clock
	pool      pond.ResultPool[TableResult]
}

type Config struct {
	Logger    *slog.Logger
	Config    *config.Config
	Sources   map[string]strategy.Source
	State     *state.Store
	Snapshots *snapshot.Writer
	Clock     clockwork.Clock
	// Workers bounds concurrent tables. Defaults to the connection pool size
	// so table concurrency never exceeds pool capacity.
	Workers int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Config == nil {
		return errors.New("config is required")
	}
	if c.Sources == nil {
		return errors.New("sources are required")
	}
	if c.State == nil {
		return errors.New("state store is required")
	}
	if c.Snapshots == nil {
		return errors.New("snapshot writer is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Workers <= 0 {
		c.Workers = c.Config.GlobalSettings.ConnectionPool.PoolSize
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	return nil
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:       cfg.Logger,
		cfg:       cfg.Config,
		sources:   cfg.Sources,
		state:     cfg.State,
		snapshots: cfg.Snapshots,
		clock:     cfg.Clock,
		pool:      pond.NewResultPool[TableResult](cfg.Workers),
	}, nil
}

// Run processes the named tables, or every configured table when tables is
// empty. A single timestamp is captured up front so all artifacts of the run
// share one key prefix.
func (e *Engine) Run(ctx context.Context, tables []string) (*Report, error) {
	if len(tables) == 0 {
		tables = make([]string, 0, len(e.cfg.Tables))
		for table := range e.cfg.Tables {
			tables = append(tables, table)
		}
		sort.Strings(tables)
	}

	started := e.clock.Now().UTC()
	e.log.Info("run starting", "tables", len(tables))

	group := e.pool.NewGroupContext(ctx)
	for _, table := range tables {
		table := table
		group.Submit(func() TableResult {
			return e.processTable(ctx, table, started)
		})
	}
	results, err := group.Wait()
	if err != nil {
		// Submit tasks return no error; Wait only fails when the context dies
		// before all tasks complete.
		e.log.Warn("run interrupted", "error", err)
	}

	report := &Report{
		StartedAt: started,
		Duration:  e.clock.Now().UTC().Sub(started),
		Results:   results,
	}
	succeeded, skipped, failed := report.Counts()
	e.log.Info("run complete",
		"tables", len(tables), "succeeded", succeeded, "skipped", skipped, "failed", failed,
		"duration", report.Duration)
	return report, err
}

func (e *Engine) processTable(ctx context.Context, table string, now time.Time) TableResult {
	start := e.clock.Now()
	result := e.runTable(ctx, table, now)
	result.Duration = e.clock.Now().Sub(start)

	metricTableRuns.WithLabelValues(table, string(result.Status)).Inc()
	metricTableDuration.WithLabelValues(table).Observe(result.Duration.Seconds())
	metricChanges.WithLabelValues(table, snapshot.BucketAdded).Add(float64(result.Summary.Added))
	metricChanges.WithLabelValues(table, snapshot.BucketModified).Add(float64(result.Summary.Modified))
	metricChanges.WithLabelValues(table, snapshot.BucketDeleted).Add(float64(result.Summary.Deleted))

	switch result.Status {
	case StatusSuccess:
		e.log.Info("table processed",
			"table", table, "method", result.Method,
			"added", result.Summary.Added, "modified", result.Summary.Modified, "deleted", result.Summary.Deleted,
			"snapshot", string(result.SnapshotStatus), "duration", result.Duration)
	case StatusSkipped:
		e.log.Warn("table skipped", "table", table, "kind", string(result.Kind), "error", result.Error)
	default:
		e.log.Error("table failed", "table", table, "kind", string(result.Kind), "error", result.Error)
	}
	return result
}

func (e *Engine) runTable(ctx context.Context, table string, now time.Time) TableResult {
	result := TableResult{Table: table}

	spec, ok := e.cfg.Tables[table]
	if !ok {
		result.Status = StatusSkipped
		result.Kind = ErrNoConfig
		result.Error = fmt.Sprintf("table %q is not configured", table)
		return result
	}
	result.Method = spec.Method

	src, ok := e.sources[spec.Datasource]
	if !ok {
		result.Status = StatusFailed
		result.Kind = ErrSourceUnavailable
		result.Error = fmt.Sprintf("datasource %q is not connected", spec.Datasource)
		return result
	}

	strat, err := strategy.New(spec.Method, strategy.Deps{
		Logger:    e.log,
		Source:    src,
		State:     e.state,
		Clock:     e.clock,
		BatchSize: e.cfg.GlobalSettings.BatchSize,
	})
	if err != nil {
		result.Status = StatusSkipped
		result.Kind = classify(err)
		result.Error = err.Error()
		return result
	}

	res, err := strat.Process(ctx, table, spec)
	if err != nil {
		result.Kind = classify(err)
		result.Error = err.Error()
		if result.Kind == ErrConfig {
			result.Status = StatusSkipped
		} else {
			result.Status = StatusFailed
		}
		return result
	}
	result.Summary = snapshot.CountSummary{
		Added:    len(res.Changes.Added),
		Modified: len(res.Changes.Modified),
		Deleted:  len(res.Changes.Deleted),
	}

	// Snapshot before state. If the artifacts fail to land, state is held
	// back and the next run recomputes the same delta.
	if e.cfg.GlobalSettings.Snapshot.IsEnabled() {
		format := e.resolveFormat(spec)
		wres, err := e.snapshots.Write(ctx, spec.Datasource, table, &res.Changes, format, now)
		if err != nil {
			metricSnapshotErrs.WithLabelValues(table).Inc()
			result.Status = StatusSuccess
			result.SnapshotStatus = "error"
			result.SnapshotError = err.Error()
			return result
		}
		result.SnapshotStatus = wres.Status
		result.SnapshotKeys = wres.Keys
	}

	for _, commit := range res.Commits {
		if err := e.state.Put(ctx, commit.Key, commit.Value); err != nil {
			result.Status = StatusFailed
			result.Kind = ErrStateIO
			result.Error = err.Error()
			return result
		}
	}
	for _, key := range res.StaleSlots {
		if err := e.state.Delete(ctx, key); err != nil {
			// Stale slots are never consulted; a failed delete is retried by
			// the next run's garbage collection.
			e.log.Warn("failed to delete stale state slot", "key", key, "error", err)
		}
	}

	result.Status = StatusSuccess
	return result
}

func (e *Engine) resolveFormat(spec config.TableSpec) string {
	if spec.SnapshotFormat != "" {
		return spec.SnapshotFormat
	}
	if e.cfg.GlobalSettings.Snapshot.Format != "" {
		return e.cfg.GlobalSettings.Snapshot.Format
	}
	if e.cfg.Storage.Format != "" {
		return e.cfg.Storage.Format
	}
	return config.FormatJSON
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, strategy.ErrUnsupportedMethod):
		return ErrUnsupportedMethod
	case errors.Is(err, strategy.ErrConfig):
		return ErrConfig
	case errors.Is(err, source.ErrUnavailable):
		return ErrSourceUnavailable
	case errors.Is(err, source.ErrSchema):
		return ErrSchema
	case errors.Is(err, source.ErrQuery):
		return ErrQuery
	case errors.Is(err, state.ErrIO):
		return ErrStateIO
	case errors.Is(err, snapshot.ErrIO):
		return ErrSnapshotIO
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrCanceled
	default:
		return ErrInternal
	}
}
