package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/driftlake/driftlake/pkg/config"
	"github.com/driftlake/driftlake/pkg/fingerprint"
	"github.com/driftlake/driftlake/pkg/state"
)

// watermarkLayout renders fractional seconds at fixed width. RFC3339Nano
// trims trailing zeros, and "...05Z" sorts above "...05.5Z" byte-wise, so
// the trimmed form cannot be used to order watermarks.
const watermarkLayout = "2006-01-02T15:04:05.000000000Z07:00"

// watermarkSortKey renders v so that lexicographic order matches temporal
// order. Time values (and stored watermarks, which are their RFC3339Nano
// renderings) get the fixed-width layout; anything else orders as its raw
// string, same as the database's own comparison on a string column.
func watermarkSortKey(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(watermarkLayout)
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC().Format(watermarkLayout)
		}
		return t
	default:
		return fingerprint.Canonical(v)
	}
}

// timestampStrategy captures rows whose watermark column moved past the
// persisted high-water mark. It cannot see deletes and cannot tell inserts
// from updates, so its whole output lands in the added bucket; it suits
// append-mostly tables with a monotone timestamp column.
type timestampStrategy struct {
	deps Deps
}

func (s *timestampStrategy) Process(ctx context.Context, table string, spec config.TableSpec) (*Result, error) {
	if spec.TimestampColumn == "" {
		return nil, fmt.Errorf("%w: table %s uses the timestamp method without timestamp_column", ErrConfig, table)
	}

	key := state.TimestampKey(s.deps.Source.Name(), table)
	prev, err := s.deps.State.GetTimestamp(ctx, key)
	if err != nil {
		return nil, err
	}
	var last string
	if prev != nil {
		last = prev.LastTimestamp
	}

	var where string
	if last != "" {
		where = spec.TimestampColumn + " > " + quoteSQLString(last)
	}
	it, err := s.deps.Source.FetchBatches(ctx, spec.QualifiedName(table), s.deps.BatchSize, where)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	result := &Result{Method: config.MethodTimestamp}
	lastKey := watermarkSortKey(last)
	newMax, newMaxKey := last, lastKey
	for it.Next(ctx) {
		for _, row := range it.Batch().Rows {
			result.Changes.Added = append(result.Changes.Added, row)
			v := row[spec.TimestampColumn]
			if k := watermarkSortKey(v); k > newMaxKey {
				newMax, newMaxKey = fingerprint.Canonical(v), k
			}
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	// The watermark only moves forward. An unchanged max means nothing new
	// arrived and the slot stays as it is.
	if newMaxKey > lastKey {
		result.Commits = append(result.Commits, StateCommit{
			Key:   key,
			Value: state.TimestampState{LastTimestamp: newMax, ProcessedAt: s.deps.Clock.Now().UTC()},
		})
	}

	s.deps.Logger.Debug("timestamp scan complete",
		"table", table, "rows", len(result.Changes.Added), "last", last, "new_max", newMax)
	return result, nil
}
