package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/driftlake/driftlake/pkg/config"
	"github.com/driftlake/driftlake/pkg/source"
	"github.com/driftlake/driftlake/pkg/state"
)

// hashPartitionStrategy is the hash strategy sliced into N deterministic
// partitions so the in-memory fingerprint map is bounded by partition_size.
// Rows are assigned by MOD over the integer primary key, and each partition
// keeps its own state slot.
type hashPartitionStrategy struct {
	deps Deps
}

func (s *hashPartitionStrategy) Process(ctx context.Context, table string, spec config.TableSpec) (*Result, error) {
	if err := validateHashSpec(table, spec); err != nil {
		return nil, err
	}

	qualified := spec.QualifiedName(table)
	info, err := s.deps.Source.TableInfo(ctx, qualified)
	if err != nil {
		return nil, err
	}
	// The MOD predicate only works over integers, so a non-integer key is a
	// spec problem, caught before any scanning happens.
	col := info.Column(spec.PrimaryKey)
	if col == nil {
		return nil, fmt.Errorf("%w: table %s has no column %q to partition on", ErrConfig, table, spec.PrimaryKey)
	}
	if !source.IntegerType(col.DatabaseType) {
		return nil, fmt.Errorf("%w: table %s primary key %q has type %s; the hash-partition method requires an integer key",
			ErrConfig, table, spec.PrimaryKey, col.DatabaseType)
	}

	total, err := s.deps.Source.Count(ctx, qualified)
	if err != nil {
		return nil, err
	}
	partitionSize := spec.PartitionSize
	if partitionSize <= 0 {
		partitionSize = config.DefaultPartitionSize
	}
	n := int((total + int64(partitionSize) - 1) / int64(partitionSize))
	if n < 1 {
		n = 1
	}
	s.deps.Logger.Debug("partitioned scan starting", "table", table, "total", total, "partitions", n)

	ds := s.deps.Source.Name()
	now := s.deps.Clock.Now().UTC()
	result := &Result{Method: config.MethodHashPartition}
	for i := 0; i < n; i++ {
		key := state.PartitionKey(ds, table, i, n)
		prevState, err := s.deps.State.GetHash(ctx, key)
		if err != nil {
			return nil, err
		}
		prev := map[string]string{}
		if prevState != nil {
			prev = prevState.RowHashes
		}

		where := fmt.Sprintf("MOD(ABS(CAST(COALESCE(%s, 0) AS INTEGER)), %d) = %d", spec.PrimaryKey, n, i)
		it, err := s.deps.Source.FetchBatches(ctx, qualified, s.deps.BatchSize, where)
		if err != nil {
			return nil, err
		}
		cur, changes, err := diffScan(ctx, s.deps.Logger, it, table, spec.PrimaryKey, spec.HashColumns, prev)
		if err != nil {
			return nil, err
		}
		changes.Deleted = deletedKeys(spec.PrimaryKey, prev, cur)

		result.Changes.Added = append(result.Changes.Added, changes.Added...)
		result.Changes.Modified = append(result.Changes.Modified, changes.Modified...)
		result.Changes.Deleted = append(result.Changes.Deleted, changes.Deleted...)
		result.Commits = append(result.Commits, StateCommit{
			Key:   key,
			Value: state.HashState{RowHashes: cur, ProcessedAt: now},
		})
	}

	stale, err := s.staleSlots(ctx, ds, table, n)
	if err != nil {
		return nil, err
	}
	result.StaleSlots = stale

	s.deps.Logger.Debug("partitioned scan complete",
		"table", table, "partitions", n,
		"added", len(result.Changes.Added), "modified", len(result.Changes.Modified), "deleted", len(result.Changes.Deleted),
		"stale_slots", len(stale))
	return result, nil
}

// staleSlots lists partition slots written under a different partition count.
// They are never consulted; the engine deletes them once the new slots have
// landed.
func (s *hashPartitionStrategy) staleSlots(ctx context.Context, ds, table string, n int) ([]string, error) {
	keys, err := s.deps.State.List(ctx, state.TablePrefix(ds, table))
	if err != nil {
		return nil, err
	}
	var stale []string
	for _, key := range keys {
		slot := key
		if idx := strings.LastIndex(key, "/"); idx >= 0 {
			slot = key[idx+1:]
		}
		if _, m, ok := state.ParsePartitionSlot(slot); ok && m != n {
			stale = append(stale, key)
		}
	}
	return stale, nil
}
