// Package snapshot serializes ChangeSets into write-once, timestamped
// artifacts in the object store, one artifact per non-empty change bucket
// plus a summary manifest, in json, csv or parquet.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/driftlake/driftlake/pkg/config"
	"github.com/driftlake/driftlake/pkg/objstore"
	"github.com/driftlake/driftlake/pkg/source"
	"github.com/driftlake/driftlake/pkg/strategy"
)

// ErrIO marks an object-store failure while persisting artifacts. The engine
// reports it as a snapshot sub-error because state ordering is unaffected.
var ErrIO = errors.New("snapshot io error")

// KeyTimeLayout renders the run timestamp embedded in artifact keys. All
// artifacts of one run share this prefix.
const KeyTimeLayout = "20060102_150405"

const keyPrefix = "snapshots"

// Change buckets, also used as the artifact name suffix.
const (
	BucketAdded    = "added"
	BucketModified = "modified"
	BucketDeleted  = "deleted"
	BucketSummary  = "summary"
)

type Status string

const (
	StatusWritten Status = "written"
	StatusSkipped Status = "skipped"
)

// CountSummary is the per-bucket row count block of the manifest.
type CountSummary struct {
	Added    int `json:"added"`
	Modified int `json:"modified"`
	Deleted  int `json:"deleted"`
}

// Manifest is the summary artifact written once per non-empty run.
type Manifest struct {
	TableName  string       `json:"table_name"`
	Datasource string       `json:"datasource"`
	Timestamp  string       `json:"timestamp"`
	Format     string       `json:"format"`
	Files      []string     `json:"files"`
	Summary    CountSummary `json:"summary"`
}

// WriteResult reports what one Write call persisted.
type WriteResult struct {
	Status     Status
	Keys       []string
	SummaryKey string
	Summary    CountSummary
}

// Key builds the object key for one artifact of one run.
func Key(datasource, table string, now time.Time, bucket, ext string) string {
	return fmt.Sprintf("%s/%s/%s/%s_%s.%s", keyPrefix, datasource, table, now.UTC().Format(KeyTimeLayout), bucket, ext)
}

// TablePrefix covers every snapshot artifact of one table.
func TablePrefix(datasource, table string) string {
	return keyPrefix + "/" + datasource + "/" + table + "/"
}

// Writer persists ChangeSet artifacts. Artifacts are write-once; keys embed
// the run timestamp so consecutive runs never collide.
type Writer struct {
	log *slog.Logger
	obj objstore.Store
}

type WriterConfig struct {
	Logger *slog.Logger
	Object objstore.Store
}

func (c *WriterConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Object == nil {
		return errors.New("object store is required")
	}
	return nil
}

func NewWriter(cfg WriterConfig) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Writer{log: cfg.Logger, obj: cfg.Object}, nil
}

// Write persists one artifact per non-empty bucket plus the summary manifest.
// An empty ChangeSet writes nothing and returns StatusSkipped.
func (w *Writer) Write(ctx context.Context, datasource, table string, changes *strategy.ChangeSet, format string, now time.Time) (*WriteResult, error) {
	if changes.Empty() {
		w.log.Debug("no changes, skipping snapshot", "datasource", datasource, "table", table)
		return &WriteResult{Status: StatusSkipped}, nil
	}
	if !config.ValidFormat(format) {
		return nil, fmt.Errorf("unsupported snapshot format %q", format)
	}

	result := &WriteResult{
		Status: StatusWritten,
		Summary: CountSummary{
			Added:    len(changes.Added),
			Modified: len(changes.Modified),
			Deleted:  len(changes.Deleted),
		},
	}
	buckets := []struct {
		name string
		rows []source.Row
	}{
		{BucketAdded, changes.Added},
		{BucketModified, changes.Modified},
		{BucketDeleted, deletedRows(changes.Deleted)},
	}
	for _, b := range buckets {
		if len(b.rows) == 0 {
			continue
		}
		key, err := w.writeBucket(ctx, datasource, table, b.name, b.rows, format, now)
		if err != nil {
			return nil, err
		}
		result.Keys = append(result.Keys, key)
	}

	manifest := Manifest{
		TableName:  table,
		Datasource: datasource,
		Timestamp:  now.UTC().Format(time.RFC3339),
		Format:     format,
		Files:      result.Keys,
		Summary:    result.Summary,
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode summary for %s: %v", ErrIO, table, err)
	}
	summaryKey := Key(datasource, table, now, BucketSummary, "json")
	if err := w.obj.Put(ctx, summaryKey, data, "application/json"); err != nil {
		return nil, fmt.Errorf("%w: failed to write %s: %v", ErrIO, summaryKey, err)
	}
	result.SummaryKey = summaryKey

	w.log.Info("snapshot written",
		"datasource", datasource, "table", table, "format", format,
		"added", result.Summary.Added, "modified", result.Summary.Modified, "deleted", result.Summary.Deleted)
	return result, nil
}

func (w *Writer) writeBucket(ctx context.Context, datasource, table, bucket string, rows []source.Row, format string, now time.Time) (string, error) {
	var (
		data        []byte
		contentType string
		err         error
	)
	switch format {
	case config.FormatJSON:
		data, err = encodeJSON(datasource, table, bucket, rows, now)
		contentType = "application/json"
	case config.FormatCSV:
		data, err = encodeCSV(datasource, table, bucket, rows, now)
		contentType = "text/csv"
	case config.FormatParquet:
		data, err = encodeParquet(datasource, table, bucket, rows, now)
		contentType = "application/vnd.apache.parquet"
	}
	if err != nil {
		return "", fmt.Errorf("%w: failed to encode %s/%s %s: %v", ErrIO, datasource, table, bucket, err)
	}

	key := Key(datasource, table, now, bucket, format)
	if err := w.obj.Put(ctx, key, data, contentType); err != nil {
		return "", fmt.Errorf("%w: failed to write %s: %v", ErrIO, key, err)
	}
	if format == config.FormatParquet {
		// Parquet payloads cannot carry the run metadata as a document, so it
		// rides in a JSON sibling filtered out of listings.
		meta, err := json.Marshal(bucketHeader(datasource, table, bucket, len(rows), now))
		if err != nil {
			return "", fmt.Errorf("%w: failed to encode metadata for %s: %v", ErrIO, key, err)
		}
		if err := w.obj.Put(ctx, key+objstore.MetadataSuffix, meta, "application/json"); err != nil {
			return "", fmt.Errorf("%w: failed to write %s: %v", ErrIO, key+objstore.MetadataSuffix, err)
		}
	}
	return key, nil
}

// List returns the artifact keys of one table, newest-run filtering by the
// timestamp embedded in the key. Zero bounds mean unbounded.
func (w *Writer) List(ctx context.Context, datasource, table string, from, to time.Time) ([]string, error) {
	keys, err := w.obj.List(ctx, TablePrefix(datasource, table))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list snapshots of %s/%s: %v", ErrIO, datasource, table, err)
	}
	var out []string
	for _, key := range keys {
		ts, ok := keyTimestamp(key)
		if !ok {
			continue
		}
		if !from.IsZero() && ts.Before(from) {
			continue
		}
		if !to.IsZero() && ts.After(to) {
			continue
		}
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

// Info resolves the summary manifest of the run that produced the given
// artifact key. It returns nil when the run wrote no summary.
func (w *Writer) Info(ctx context.Context, key string) (*Manifest, error) {
	base := key
	if idx := strings.LastIndex(key, "/"); idx >= 0 {
		base = key[idx+1:]
	}
	if len(base) < len(KeyTimeLayout) {
		return nil, fmt.Errorf("malformed snapshot key %q", key)
	}
	prefix := key[:len(key)-len(base)]
	summaryKey := prefix + base[:len(KeyTimeLayout)] + "_" + BucketSummary + ".json"

	data, err := w.obj.Get(ctx, summaryKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrIO, summaryKey, err)
	}
	if data == nil {
		return nil, nil
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: failed to decode %s: %v", ErrIO, summaryKey, err)
	}
	return &m, nil
}

func keyTimestamp(key string) (time.Time, bool) {
	base := key
	if idx := strings.LastIndex(key, "/"); idx >= 0 {
		base = key[idx+1:]
	}
	if len(base) < len(KeyTimeLayout) {
		return time.Time{}, false
	}
	ts, err := time.Parse(KeyTimeLayout, base[:len(KeyTimeLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// deletedRows renders deletion records as rows so every bucket shares the
// same encoders.
func deletedRows(deleted []strategy.DeletedKey) []source.Row {
	rows := make([]source.Row, 0, len(deleted))
	for _, d := range deleted {
		rows = append(rows, source.Row{"primary_key": d.PrimaryKey, "value": d.Value})
	}
	return rows
}

// columnUnion is the sorted union of column names across a bucket. CSV and
// parquet need one homogeneous header even when rows differ in shape.
func columnUnion(rows []source.Row) []string {
	seen := map[string]struct{}{}
	for _, row := range rows {
		for col := range row {
			seen[col] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for col := range seen {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}
