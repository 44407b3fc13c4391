// Package source streams rows out of a relational datasource in bounded-size
// batches. It issues only plain SELECTs, optionally with a caller-supplied
// WHERE clause; all per-row computation stays in the engine so source load is
// predictable and the reader stays dialect-neutral.
package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Error kinds reported to the run report.
var (
	// ErrUnavailable marks connection or authentication failures.
	ErrUnavailable = errors.New("source unavailable")
	// ErrSchema marks a missing table or column metadata failure.
	ErrSchema = errors.New("schema error")
	// ErrQuery marks a SQL execution failure.
	ErrQuery = errors.New("query error")
)

// Row maps column names to scalar values. Null is carried as a nil value.
type Row = map[string]any

// Batch is an ordered run of rows with a homogeneous column set. Row order
// within a batch reflects the underlying driver; callers must not assume any
// specific ordering.
type Batch struct {
	Columns []string
	Rows    []Row
}

// ColumnInfo describes one column as reported by the driver.
type ColumnInfo struct {
	Name         string
	DatabaseType string
}

// TableInfo carries the schema surface the strategies consume.
type TableInfo struct {
	Columns     []ColumnInfo
	PrimaryKeys []string
}

// Column returns the named column, or nil when the table has no such column.
func (ti *TableInfo) Column(name string) *ColumnInfo {
	for i := range ti.Columns {
		if ti.Columns[i].Name == name {
			return &ti.Columns[i]
		}
	}
	return nil
}

// IntegerType reports whether a driver-reported database type is integral.
// The hash-partition predicate requires an integer primary key.
func IntegerType(databaseType string) bool {
	t := strings.ToUpper(databaseType)
	switch {
	case strings.Contains(t, "INT"): // INTEGER, BIGINT, SMALLINT, INT2/4/8, UINTEGER
		return true
	case strings.Contains(t, "SERIAL"):
		return true
	}
	return false
}

// Datasource is a named handle to one relational source. Handles live for
// the process and share one connection pool.
type Datasource struct {
	log  *slog.Logger
	name string
	db   *sql.DB
}

type Config struct {
	Logger      *slog.Logger
	Name        string
	URL         string
	PoolSize    int
	MaxOverflow int
	PoolTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Name == "" {
		return errors.New("datasource name is required")
	}
	if c.URL == "" {
		return errors.New("datasource url is required")
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 5
	}
	if c.MaxOverflow < 0 {
		c.MaxOverflow = 0
	}
	if c.PoolTimeout <= 0 {
		c.PoolTimeout = 30 * time.Second
	}
	return nil
}

// Open connects to the datasource and verifies it is reachable. The driver
// is derived from the URL scheme; postgres URLs are handed to pgx verbatim,
// duckdb URLs are stripped to a file path (empty for in-memory).
func Open(ctx context.Context, cfg Config) (*Datasource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	driver, dsn, err := driverForURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %v", ErrUnavailable, cfg.Name, err)
	}
	db.SetMaxOpenConns(cfg.PoolSize + cfg.MaxOverflow)
	db.SetMaxIdleConns(cfg.PoolSize)
	db.SetConnMaxIdleTime(cfg.PoolTimeout)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PoolTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to connect to %s: %v", ErrUnavailable, cfg.Name, err)
	}

	cfg.Logger.Info("datasource connected", "datasource", cfg.Name, "driver", driver)
	return &Datasource{log: cfg.Logger, name: cfg.Name, db: db}, nil
}

func driverForURL(url string) (driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "pgx", url, nil
	case strings.HasPrefix(url, "duckdb://"):
		return "duckdb", strings.TrimPrefix(url, "duckdb://"), nil
	default:
		return "", "", fmt.Errorf("unsupported datasource url scheme in %q (postgres://, postgresql://, duckdb://)", url)
	}
}

func (d *Datasource) Name() string { return d.name }

func (d *Datasource) Close() error { return d.db.Close() }

// Batches walks a result set one batch at a time, sql.Rows style:
//
//	for it.Next(ctx) { use(it.Batch()) }
//	if err := it.Err(); err != nil { ... }
type Batches interface {
	Next(ctx context.Context) bool
	Batch() *Batch
	Err() error
	Close() error
}

// FetchBatches streams SELECT * from the qualified table, lazily, in batches
// of at most batchSize rows. Memory held is bounded by one batch. The caller
// must exhaust or Close the iterator to release the connection.
func (d *Datasource) FetchBatches(ctx context.Context, table string, batchSize int, where string) (Batches, error) {
	query := "SELECT * FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	d.log.Debug("fetching batches", "datasource", d.name, "query", query, "batch_size", batchSize)

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrQuery, query, err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("%w: failed to read columns of %s: %v", ErrQuery, table, err)
	}
	return &BatchIterator{rows: rows, columns: cols, size: batchSize}, nil
}

// Count runs SELECT COUNT(*) against the qualified table.
func (d *Datasource) Count(ctx context.Context, table string) (int64, error) {
	var total int64
	query := "SELECT COUNT(*) FROM " + table
	if err := d.db.QueryRowContext(ctx, query).Scan(&total); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrQuery, query, err)
	}
	return total, nil
}

// TableInfo reports the column set and primary-key columns of a table. The
// unqualified name is matched against information_schema; the column surface
// comes from a zero-row probe so it works on every dialect the reader
// supports.
func (d *Datasource) TableInfo(ctx context.Context, table string) (*TableInfo, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT * FROM "+table+" WHERE 1=0")
	if err != nil {
		return nil, fmt.Errorf("%w: table %s: %v", ErrSchema, table, err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to inspect %s: %v", ErrSchema, table, err)
	}
	info := &TableInfo{Columns: make([]ColumnInfo, 0, len(types))}
	for _, ct := range types {
		info.Columns = append(info.Columns, ColumnInfo{
			Name:         ct.Name(),
			DatabaseType: ct.DatabaseTypeName(),
		})
	}

	name := table
	if i := strings.LastIndex(table, "."); i >= 0 {
		name = table[i+1:]
	}
	const pkQuery = `SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_name = $1
		ORDER BY kcu.ordinal_position`
	pkRows, err := d.db.QueryContext(ctx, pkQuery, name)
	if err != nil {
		// Not every dialect exposes key_column_usage; the column surface is
		// still useful without it.
		d.log.Debug("primary key lookup failed", "table", table, "error", err)
		return info, nil
	}
	defer pkRows.Close()
	for pkRows.Next() {
		var col string
		if err := pkRows.Scan(&col); err != nil {
			return nil, fmt.Errorf("%w: failed to scan primary key of %s: %v", ErrSchema, table, err)
		}
		info.PrimaryKeys = append(info.PrimaryKeys, col)
	}
	if err := pkRows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to list primary keys of %s: %v", ErrSchema, table, err)
	}
	return info, nil
}

// BatchIterator implements Batches over a live sql.Rows result set.
type BatchIterator struct {
	rows    *sql.Rows
	columns []string
	size    int
	batch   *Batch
	err     error
	done    bool
}

// Columns returns the column set of the result, in driver order.
func (it *BatchIterator) Columns() []string { return it.columns }

// Next advances to the next batch. Cancellation is cooperative at batch
// boundaries: a done context stops iteration and surfaces via Err.
func (it *BatchIterator) Next(ctx context.Context) bool {
	if it.done || it.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		it.err = err
		return false
	}

	batch := &Batch{Columns: it.columns, Rows: make([]Row, 0, it.size)}
	for len(batch.Rows) < it.size && it.rows.Next() {
		values := make([]any, len(it.columns))
		ptrs := make([]any, len(it.columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := it.rows.Scan(ptrs...); err != nil {
			it.err = fmt.Errorf("%w: failed to scan row: %v", ErrQuery, err)
			return false
		}
		row := make(Row, len(it.columns))
		for i, col := range it.columns {
			row[col] = values[i]
		}
		batch.Rows = append(batch.Rows, row)
	}
	if len(batch.Rows) < it.size {
		it.done = true
		if err := it.rows.Err(); err != nil {
			it.err = fmt.Errorf("%w: %v", ErrQuery, err)
			return false
		}
	}
	if len(batch.Rows) == 0 {
		return false
	}
	it.batch = batch
	return true
}

// Batch returns the batch read by the last successful Next.
func (it *BatchIterator) Batch() *Batch { return it.batch }

// Err returns the first error encountered during iteration.
func (it *BatchIterator) Err() error { return it.err }

// Close releases the underlying result set.
func (it *BatchIterator) Close() error { return it.rows.Close() }
