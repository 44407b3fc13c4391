package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/driftlake/driftlake/pkg/config"
	"github.com/driftlake/driftlake/pkg/objstore"
	"github.com/driftlake/driftlake/pkg/source"
	"github.com/driftlake/driftlake/pkg/state"
)

// fakeSource serves canned rows and evaluates the two predicate shapes the
// strategies generate, so scenarios run against realistic WHERE semantics.
type fakeSource struct {
	name   string
	rows   []source.Row
	info   *source.TableInfo
	wheres []string
}

var (
	modPredicateRe = regexp.MustCompile(`^MOD\(ABS\(CAST\(COALESCE\((\w+), 0\) AS INTEGER\)\), (\d+)\) = (\d+)$`)
	gtPredicateRe  = regexp.MustCompile(`^(\w+) > '(.*)'$`)
)

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchBatches(ctx context.Context, table string, batchSize int, where string) (source.Batches, error) {
	f.wheres = append(f.wheres, where)
	rows, err := f.filter(where)
	if err != nil {
		return nil, err
	}
	var batches []*source.Batch
	for start := 0; start < len(rows); start += batchSize {
		end := min(start+batchSize, len(rows))
		batches = append(batches, &source.Batch{Rows: rows[start:end]})
	}
	return &sliceBatches{batches: batches}, nil
}

func (f *fakeSource) filter(where string) ([]source.Row, error) {
	if where == "" {
		return f.rows, nil
	}
	if m := gtPredicateRe.FindStringSubmatch(where); m != nil {
		var out []source.Row
		for _, row := range f.rows {
			switch v := row[m[1]].(type) {
			case string:
				if v > m[2] {
					out = append(out, row)
				}
			case time.Time:
				bound, err := time.Parse(time.RFC3339Nano, m[2])
				if err != nil {
					return nil, fmt.Errorf("%w: bad timestamp literal %q", source.ErrQuery, m[2])
				}
				if v.After(bound) {
					out = append(out, row)
				}
			}
		}
		return out, nil
	}
	if m := modPredicateRe.FindStringSubmatch(where); m != nil {
		n, _ := strconv.Atoi(m[2])
		i, _ := strconv.Atoi(m[3])
		var out []source.Row
		for _, row := range f.rows {
			pk, _ := row[m[1]].(int64)
			if pk < 0 {
				pk = -pk
			}
			if int(pk)%n == i {
				out = append(out, row)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unsupported predicate %q", source.ErrQuery, where)
}

func (f *fakeSource) Count(ctx context.Context, table string) (int64, error) {
	return int64(len(f.rows)), nil
}

func (f *fakeSource) TableInfo(ctx context.Context, table string) (*source.TableInfo, error) {
	if f.info != nil {
		return f.info, nil
	}
	return &source.TableInfo{
		Columns:     []source.ColumnInfo{{Name: "id", DatabaseType: "BIGINT"}},
		PrimaryKeys: []string{"id"},
	}, nil
}

type sliceBatches struct {
	batches []*source.Batch
	idx     int
	err     error
}

func (s *sliceBatches) Next(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		s.err = err
		return false
	}
	if s.idx >= len(s.batches) {
		return false
	}
	s.idx++
	return true
}

func (s *sliceBatches) Batch() *source.Batch { return s.batches[s.idx-1] }
func (s *sliceBatches) Err() error           { return s.err }
func (s *sliceBatches) Close() error         { return nil }

func newDeps(t *testing.T, src *fakeSource) (Deps, *state.Store) {
	t.Helper()
	st, err := state.NewStore(state.StoreConfig{Logger: slog.Default(), Object: objstore.NewMemory()})
	require.NoError(t, err)
	return Deps{
		Logger:    slog.Default(),
		Source:    src,
		State:     st,
		Clock:     clockwork.NewFakeClock(),
		BatchSize: 2,
	}, st
}

func applyCommits(t *testing.T, st *state.Store, res *Result) {
	t.Helper()
	for _, commit := range res.Commits {
		require.NoError(t, st.Put(context.Background(), commit.Key, commit.Value))
	}
}

func userRow(id int64, name, email string) source.Row {
	return source.Row{"id": id, "name": name, "email": email}
}

func requireDisjointBuckets(t *testing.T, pk string, cs ChangeSet) {
	t.Helper()
	seen := map[string]string{}
	note := func(value, bucket string) {
		prev, dup := seen[value]
		require.False(t, dup, "pk %s in both %s and %s", value, prev, bucket)
		seen[value] = bucket
	}
	for _, row := range cs.Added {
		note(fmt.Sprint(row[pk]), "added")
	}
	for _, row := range cs.Modified {
		note(fmt.Sprint(row[pk]), "modified")
	}
	for _, d := range cs.Deleted {
		note(d.Value, "deleted")
	}
}

func TestStrategy_Factory(t *testing.T) {
	t.Parallel()

	deps, _ := newDeps(t, &fakeSource{name: "main"})

	for _, method := range []string{config.MethodTimestamp, config.MethodHash, config.MethodHashPartition} {
		s, err := New(method, deps)
		require.NoError(t, err, method)
		require.NotNil(t, s)
	}

	_, err := New("merkle", deps)
	require.ErrorIs(t, err, ErrUnsupportedMethod)
}

func TestStrategy_Timestamp(t *testing.T) {
	t.Parallel()

	spec := config.TableSpec{Datasource: "main", Method: config.MethodTimestamp, TimestampColumn: "updated_at"}

	t.Run("missing timestamp_column is a config error", func(t *testing.T) {
		t.Parallel()

		deps, _ := newDeps(t, &fakeSource{name: "main"})
		s, err := New(config.MethodTimestamp, deps)
		require.NoError(t, err)
		_, err = s.Process(context.Background(), "events", config.TableSpec{Method: config.MethodTimestamp})
		require.ErrorIs(t, err, ErrConfig)
	})

	t.Run("first run scans unfiltered and advances the watermark", func(t *testing.T) {
		t.Parallel()

		src := &fakeSource{name: "main", rows: []source.Row{
			{"id": int64(1), "updated_at": "2026-08-01T00:00:00Z"},
			{"id": int64(2), "updated_at": "2026-08-02T00:00:00Z"},
			{"id": int64(3), "updated_at": "2026-08-03T00:00:00Z"},
		}}
		deps, _ := newDeps(t, src)
		s, err := New(config.MethodTimestamp, deps)
		require.NoError(t, err)

		res, err := s.Process(context.Background(), "events", spec)
		require.NoError(t, err)
		require.Len(t, res.Changes.Added, 3)
		require.Empty(t, res.Changes.Modified)
		require.Empty(t, res.Changes.Deleted)
		require.Equal(t, []string{""}, src.wheres)

		require.Len(t, res.Commits, 1)
		ts, ok := res.Commits[0].Value.(state.TimestampState)
		require.True(t, ok)
		require.Equal(t, "2026-08-03T00:00:00Z", ts.LastTimestamp)
	})

	t.Run("second run only sees rows past the watermark", func(t *testing.T) {
		t.Parallel()

		src := &fakeSource{name: "main", rows: []source.Row{
			{"id": int64(1), "updated_at": "2026-08-01T00:00:00Z"},
			{"id": int64(2), "updated_at": "2026-08-02T00:00:00Z"},
			{"id": int64(3), "updated_at": "2026-08-03T00:00:00Z"},
		}}
		deps, st := newDeps(t, src)
		s, err := New(config.MethodTimestamp, deps)
		require.NoError(t, err)

		res, err := s.Process(context.Background(), "events", spec)
		require.NoError(t, err)
		applyCommits(t, st, res)

		src.rows = append(src.rows, source.Row{"id": int64(4), "updated_at": "2026-08-04T00:00:00Z"})
		res, err = s.Process(context.Background(), "events", spec)
		require.NoError(t, err)
		require.Len(t, res.Changes.Added, 1)
		require.Equal(t, int64(4), res.Changes.Added[0]["id"])
		require.Equal(t, "updated_at > '2026-08-03T00:00:00Z'", src.wheres[1])

		ts := res.Commits[0].Value.(state.TimestampState)
		require.Equal(t, "2026-08-04T00:00:00Z", ts.LastTimestamp)
	})

	t.Run("no new rows leaves the watermark alone", func(t *testing.T) {
		t.Parallel()

		src := &fakeSource{name: "main", rows: []source.Row{
			{"id": int64(1), "updated_at": "2026-08-01T00:00:00Z"},
		}}
		deps, st := newDeps(t, src)
		s, err := New(config.MethodTimestamp, deps)
		require.NoError(t, err)

		res, err := s.Process(context.Background(), "events", spec)
		require.NoError(t, err)
		applyCommits(t, st, res)

		res, err = s.Process(context.Background(), "events", spec)
		require.NoError(t, err)
		require.Empty(t, res.Changes.Added)
		require.Empty(t, res.Commits)
	})

	t.Run("fractional seconds order the watermark temporally", func(t *testing.T) {
		t.Parallel()

		// RFC3339Nano trims trailing zeros, so "...05Z" compares above
		// "...05.5Z" byte-wise. The later instant must still win.
		src := &fakeSource{name: "main", rows: []source.Row{
			{"id": int64(1), "updated_at": time.Date(2026, 8, 1, 0, 0, 5, 0, time.UTC)},
			{"id": int64(2), "updated_at": time.Date(2026, 8, 1, 0, 0, 5, 500_000_000, time.UTC)},
		}}
		deps, st := newDeps(t, src)
		s, err := New(config.MethodTimestamp, deps)
		require.NoError(t, err)

		res, err := s.Process(context.Background(), "events", spec)
		require.NoError(t, err)
		require.Len(t, res.Changes.Added, 2)
		require.Len(t, res.Commits, 1)
		ts := res.Commits[0].Value.(state.TimestampState)
		require.Equal(t, "2026-08-01T00:00:05.5Z", ts.LastTimestamp)
		applyCommits(t, st, res)

		res, err = s.Process(context.Background(), "events", spec)
		require.NoError(t, err)
		require.Empty(t, res.Changes.Added)
		require.Empty(t, res.Commits)
	})

	t.Run("uses the schema-qualified name for scans", func(t *testing.T) {
		t.Parallel()

		src := &fakeSource{name: "main"}
		deps, _ := newDeps(t, src)
		s, err := New(config.MethodTimestamp, deps)
		require.NoError(t, err)

		qualified := spec
		qualified.Schema = "app"
		_, err = s.Process(context.Background(), "events", qualified)
		require.NoError(t, err)
	})
}

func TestStrategy_Hash(t *testing.T) {
	t.Parallel()

	spec := config.TableSpec{
		Datasource:  "main",
		Method:      config.MethodHash,
		PrimaryKey:  "id",
		HashColumns: []string{"name", "email"},
	}

	t.Run("missing preconditions are config errors", func(t *testing.T) {
		t.Parallel()

		deps, _ := newDeps(t, &fakeSource{name: "main"})
		s, err := New(config.MethodHash, deps)
		require.NoError(t, err)

		_, err = s.Process(context.Background(), "users", config.TableSpec{Method: config.MethodHash, HashColumns: []string{"*"}})
		require.ErrorIs(t, err, ErrConfig)
		_, err = s.Process(context.Background(), "users", config.TableSpec{Method: config.MethodHash, PrimaryKey: "id"})
		require.ErrorIs(t, err, ErrConfig)
	})

	t.Run("detects adds, updates and keeps present keys out of deleted", func(t *testing.T) {
		t.Parallel()

		src := &fakeSource{name: "main", rows: []source.Row{
			userRow(1, "A", "a@x"),
			userRow(2, "B", "b@x"),
		}}
		deps, st := newDeps(t, src)
		s, err := New(config.MethodHash, deps)
		require.NoError(t, err)

		res, err := s.Process(context.Background(), "users", spec)
		require.NoError(t, err)
		require.Len(t, res.Changes.Added, 2)
		applyCommits(t, st, res)

		src.rows = []source.Row{
			userRow(1, "A", "a@x"),
			userRow(2, "B2", "b@x"),
			userRow(3, "C", "c@x"),
		}
		res, err = s.Process(context.Background(), "users", spec)
		require.NoError(t, err)
		require.Len(t, res.Changes.Added, 1)
		require.Equal(t, int64(3), res.Changes.Added[0]["id"])
		require.Len(t, res.Changes.Modified, 1)
		require.Equal(t, int64(2), res.Changes.Modified[0]["id"])
		require.Empty(t, res.Changes.Deleted)
		requireDisjointBuckets(t, "id", res.Changes)
	})

	t.Run("detects deletions by key", func(t *testing.T) {
		t.Parallel()

		src := &fakeSource{name: "main", rows: []source.Row{
			userRow(1, "A", "a@x"),
			userRow(2, "B", "b@x"),
		}}
		deps, st := newDeps(t, src)
		s, err := New(config.MethodHash, deps)
		require.NoError(t, err)

		res, err := s.Process(context.Background(), "users", spec)
		require.NoError(t, err)
		applyCommits(t, st, res)

		src.rows = []source.Row{userRow(2, "B", "b@x")}
		res, err = s.Process(context.Background(), "users", spec)
		require.NoError(t, err)
		require.Empty(t, res.Changes.Added)
		require.Empty(t, res.Changes.Modified)
		require.Equal(t, []DeletedKey{{PrimaryKey: "id", Value: "1"}}, res.Changes.Deleted)
	})

	t.Run("identical consecutive runs produce an empty change set", func(t *testing.T) {
		t.Parallel()

		src := &fakeSource{name: "main", rows: []source.Row{
			userRow(1, "A", "a@x"),
			userRow(2, "B", "b@x"),
		}}
		deps, st := newDeps(t, src)
		s, err := New(config.MethodHash, deps)
		require.NoError(t, err)

		res, err := s.Process(context.Background(), "users", spec)
		require.NoError(t, err)
		applyCommits(t, st, res)

		res, err = s.Process(context.Background(), "users", spec)
		require.NoError(t, err)
		require.True(t, res.Changes.Empty())
		// State rewrite is still offered; the engine may apply it.
		require.Len(t, res.Commits, 1)
	})

	t.Run("wildcard selector tolerates a column that is null in both runs", func(t *testing.T) {
		t.Parallel()

		wildcard := spec
		wildcard.HashColumns = []string{"*"}

		src := &fakeSource{name: "main", rows: []source.Row{
			{"id": int64(1), "name": "A", "email": "a@x", "note": nil},
		}}
		deps, st := newDeps(t, src)
		s, err := New(config.MethodHash, deps)
		require.NoError(t, err)

		res, err := s.Process(context.Background(), "users", wildcard)
		require.NoError(t, err)
		applyCommits(t, st, res)

		res, err = s.Process(context.Background(), "users", wildcard)
		require.NoError(t, err)
		require.True(t, res.Changes.Empty())
	})

	t.Run("rows with empty primary key are skipped", func(t *testing.T) {
		t.Parallel()

		src := &fakeSource{name: "main", rows: []source.Row{
			userRow(1, "A", "a@x"),
			{"id": nil, "name": "ghost", "email": "g@x"},
		}}
		deps, _ := newDeps(t, src)
		s, err := New(config.MethodHash, deps)
		require.NoError(t, err)

		res, err := s.Process(context.Background(), "users", spec)
		require.NoError(t, err)
		require.Len(t, res.Changes.Added, 1)
		hs := res.Commits[0].Value.(state.HashState)
		require.Len(t, hs.RowHashes, 1)
	})
}

func TestStrategy_HashPartition(t *testing.T) {
	t.Parallel()

	spec := config.TableSpec{
		Datasource:    "main",
		Method:        config.MethodHashPartition,
		PrimaryKey:    "id",
		HashColumns:   []string{"name", "email"},
		PartitionSize: 10,
	}

	manyRows := func(n int) []source.Row {
		rows := make([]source.Row, 0, n)
		for i := 1; i <= n; i++ {
			rows = append(rows, userRow(int64(i), fmt.Sprintf("user-%d", i), fmt.Sprintf("u%d@x", i)))
		}
		return rows
	}

	t.Run("non-integer primary key is a config error", func(t *testing.T) {
		t.Parallel()

		src := &fakeSource{name: "main", info: &source.TableInfo{
			Columns:     []source.ColumnInfo{{Name: "id", DatabaseType: "VARCHAR"}},
			PrimaryKeys: []string{"id"},
		}}
		deps, _ := newDeps(t, src)
		s, err := New(config.MethodHashPartition, deps)
		require.NoError(t, err)

		_, err = s.Process(context.Background(), "users", spec)
		require.ErrorIs(t, err, ErrConfig)
	})

	t.Run("missing partition column is a config error", func(t *testing.T) {
		t.Parallel()

		src := &fakeSource{name: "main", info: &source.TableInfo{
			Columns: []source.ColumnInfo{{Name: "uuid", DatabaseType: "VARCHAR"}},
		}}
		deps, _ := newDeps(t, src)
		s, err := New(config.MethodHashPartition, deps)
		require.NoError(t, err)

		_, err = s.Process(context.Background(), "users", spec)
		require.ErrorIs(t, err, ErrConfig)
	})

	t.Run("every row lands in exactly one partition", func(t *testing.T) {
		t.Parallel()

		src := &fakeSource{name: "main", rows: manyRows(25)}
		deps, _ := newDeps(t, src)
		s, err := New(config.MethodHashPartition, deps)
		require.NoError(t, err)

		res, err := s.Process(context.Background(), "users", spec)
		require.NoError(t, err)
		// 25 rows at partition_size 10 → 3 partitions, all rows new.
		require.Len(t, res.Changes.Added, 25)
		require.Len(t, res.Commits, 3)
		requireDisjointBuckets(t, "id", res.Changes)

		total := 0
		for i, commit := range res.Commits {
			require.Equal(t, state.PartitionKey("main", "users", i, 3), commit.Key)
			total += len(commit.Value.(state.HashState).RowHashes)
		}
		require.Equal(t, 25, total)
	})

	t.Run("partition state isolates changes per slice", func(t *testing.T) {
		t.Parallel()

		src := &fakeSource{name: "main", rows: manyRows(20)}
		deps, st := newDeps(t, src)
		s, err := New(config.MethodHashPartition, deps)
		require.NoError(t, err)

		res, err := s.Process(context.Background(), "users", spec)
		require.NoError(t, err)
		applyCommits(t, st, res)

		src.rows[4]["email"] = "changed@x"
		res, err = s.Process(context.Background(), "users", spec)
		require.NoError(t, err)
		require.Empty(t, res.Changes.Added)
		require.Len(t, res.Changes.Modified, 1)
		require.Equal(t, int64(5), res.Changes.Modified[0]["id"])
		require.Empty(t, res.Changes.Deleted)
	})

	t.Run("a changed partition count ignores and reports stale slots", func(t *testing.T) {
		t.Parallel()

		src := &fakeSource{name: "main", rows: manyRows(20)}
		deps, st := newDeps(t, src)
		s, err := New(config.MethodHashPartition, deps)
		require.NoError(t, err)

		// First run: 20 rows → 2 partitions.
		res, err := s.Process(context.Background(), "users", spec)
		require.NoError(t, err)
		require.Len(t, res.Commits, 2)
		applyCommits(t, st, res)

		// Growth to 25 rows → 3 partitions; the _of_2 slots must not be
		// consulted, so every row reappears as added.
		src.rows = manyRows(25)
		res, err = s.Process(context.Background(), "users", spec)
		require.NoError(t, err)
		require.Len(t, res.Changes.Added, 25)
		require.Len(t, res.Commits, 3)

		require.ElementsMatch(t, []string{
			state.PartitionKey("main", "users", 0, 2),
			state.PartitionKey("main", "users", 1, 2),
		}, res.StaleSlots)
	})

	t.Run("an empty table still scans one partition", func(t *testing.T) {
		t.Parallel()

		src := &fakeSource{name: "main"}
		deps, _ := newDeps(t, src)
		s, err := New(config.MethodHashPartition, deps)
		require.NoError(t, err)

		res, err := s.Process(context.Background(), "users", spec)
		require.NoError(t, err)
		require.True(t, res.Changes.Empty())
		require.Len(t, res.Commits, 1)
		require.Equal(t, state.PartitionKey("main", "users", 0, 1), res.Commits[0].Key)
	})
}
