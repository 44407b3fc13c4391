// Package strategy implements the change-detection algorithms. Each strategy
// compares the current table content to the previously persisted state and
// produces a uniform ChangeSet plus the state writes to apply once the run's
// snapshot artifacts are durable.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/driftlake/driftlake/pkg/config"
	"github.com/driftlake/driftlake/pkg/fingerprint"
	"github.com/driftlake/driftlake/pkg/source"
	"github.com/driftlake/driftlake/pkg/state"
)

var (
	// ErrConfig marks a table spec missing a field the method requires.
	ErrConfig = errors.New("config error")
	// ErrUnsupportedMethod marks an unknown method string.
	ErrUnsupportedMethod = errors.New("unsupported method")
)

// DeletedKey identifies a row that disappeared since the previous run. Only
// the key survives deletion, so that is all the record carries.
type DeletedKey struct {
	PrimaryKey string `json:"primary_key"`
	Value      string `json:"value"`
}

// ChangeSet is the delta between the previous state and the current table
// content. A primary-key value appears in at most one of the three buckets.
type ChangeSet struct {
	Added    []source.Row
	Modified []source.Row
	Deleted  []DeletedKey
}

// Empty reports whether every bucket is empty.
func (c *ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0
}

// StateCommit is one state write, deferred so the orchestrator can persist
// snapshot artifacts first and only then advance state. A crash between the
// two replays the delta instead of losing it.
type StateCommit struct {
	Key   string
	Value any
}

// Result is the outcome of one strategy run over one table.
type Result struct {
	Method  string
	Changes ChangeSet
	// Commits are applied in order after the snapshot write succeeds.
	Commits []StateCommit
	// StaleSlots are state keys to garbage-collect after the commits land.
	// Only the hash-partition strategy populates it.
	StaleSlots []string
}

// Source is the slice of the source reader the strategies consume.
// *source.Datasource satisfies it.
type Source interface {
	Name() string
	FetchBatches(ctx context.Context, table string, batchSize int, where string) (source.Batches, error)
	Count(ctx context.Context, table string) (int64, error)
	TableInfo(ctx context.Context, table string) (*source.TableInfo, error)
}

// Strategy processes one table against its spec and previous state. Strategies
// do not own the handles they receive and must not persist state themselves.
type Strategy interface {
	Process(ctx context.Context, table string, spec config.TableSpec) (*Result, error)
}

// Deps carries the shared handles a strategy borrows for one run.
type Deps struct {
	Logger    *slog.Logger
	Source    Source
	State     *state.Store
	Clock     clockwork.Clock
	BatchSize int
}

func (d *Deps) Validate() error {
	if d.Logger == nil {
		return errors.New("logger is required")
	}
	if d.Source == nil {
		return errors.New("source is required")
	}
	if d.State == nil {
		return errors.New("state store is required")
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.BatchSize <= 0 {
		d.BatchSize = config.DefaultBatchSize
	}
	return nil
}

// New maps a method string to its strategy.
func New(method string, deps Deps) (Strategy, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	switch method {
	case config.MethodTimestamp:
		return &timestampStrategy{deps}, nil
	case config.MethodHash:
		return &hashStrategy{deps}, nil
	case config.MethodHashPartition:
		return &hashPartitionStrategy{deps}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
}

// diffScan is the shared read-compare core of the hash strategies. It streams
// the iterator to completion, fingerprints every row against prev, and fills
// cs.Added / cs.Modified. Deleted is left to the caller because it needs the
// full prev \ cur set. Rows with an empty primary-key value are skipped with
// a warning; they cannot participate in key-based matching.
func diffScan(ctx context.Context, log *slog.Logger, it source.Batches, table, pkColumn string, selector []string, prev map[string]string) (cur map[string]string, cs ChangeSet, err error) {
	defer it.Close()

	cur = make(map[string]string, len(prev))
	for it.Next(ctx) {
		for _, row := range it.Batch().Rows {
			pk := fingerprint.Canonical(row[pkColumn])
			if pk == "" {
				log.Warn("skipping row with empty primary key", "table", table, "primary_key", pkColumn)
				continue
			}
			fp := fingerprint.Sum(row, selector)
			cur[pk] = fp
			prevFP, seen := prev[pk]
			switch {
			case !seen:
				cs.Added = append(cs.Added, row)
			case fp != prevFP:
				cs.Modified = append(cs.Modified, row)
			}
		}
	}
	if err := it.Err(); err != nil {
		return nil, ChangeSet{}, err
	}
	return cur, cs, nil
}

// deletedKeys returns prev \ cur as deletion records, sorted by key value so
// the output is stable across runs.
func deletedKeys(pkColumn string, prev, cur map[string]string) []DeletedKey {
	var deleted []DeletedKey
	for pk := range prev {
		if _, ok := cur[pk]; !ok {
			deleted = append(deleted, DeletedKey{PrimaryKey: pkColumn, Value: pk})
		}
	}
	sort.Slice(deleted, func(i, j int) bool { return deleted[i].Value < deleted[j].Value })
	return deleted
}

// quoteSQLString renders v as a single-quoted SQL literal.
func quoteSQLString(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}
