// Package config holds the typed view of the CDC configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Change detection methods.
const (
	MethodTimestamp     = "timestamp"
	MethodHash          = "hash"
	MethodHashPartition = "hash-partition"
)

// Snapshot formats.
const (
	FormatJSON    = "json"
	FormatParquet = "parquet"
	FormatCSV     = "csv"
)

const (
	DefaultBatchSize         = 10_000
	DefaultPartitionSize     = 10_000
	DefaultPoolSize          = 5
	DefaultMaxOverflow       = 10
	DefaultPoolTimeout       = 30
	DefaultIntervalSeconds   = 3600
	DefaultMaxRetries        = 3
	DefaultRetryDelaySeconds = 300
)

// Config is the process-scoped configuration, loaded once at start and passed
// by value to the components that need it.
type Config struct {
	GlobalSettings GlobalSettings              `json:"global_settings"`
	Datasources    map[string]DatasourceConfig `json:"datasources"`
	Storage        StorageConfig               `json:"storage"`
	Tables         map[string]TableSpec        `json:"tables"`
}

type GlobalSettings struct {
	BatchSize      int              `json:"batch_size"`
	ConnectionPool PoolConfig       `json:"connection_pool"`
	Scheduling     SchedulingConfig `json:"scheduling"`
	Snapshot       SnapshotConfig   `json:"snapshot"`
}

type PoolConfig struct {
	PoolSize    int `json:"pool_size"`
	MaxOverflow int `json:"max_overflow"`
	Timeout     int `json:"timeout"`
}

type SchedulingConfig struct {
	Enabled           *bool `json:"enabled,omitempty"`
	IntervalSeconds   int   `json:"interval_seconds"`
	MaxRetries        int   `json:"max_retries"`
	RetryDelaySeconds int   `json:"retry_delay_seconds"`
}

// IsEnabled defaults to true when the field is absent.
func (s SchedulingConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

type SnapshotConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Format  string `json:"format,omitempty"`
}

// IsEnabled defaults to true when the field is absent.
func (s SnapshotConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// DatasourceConfig is a named handle to one relational source.
type DatasourceConfig struct {
	URL string `json:"url"`
}

// StorageConfig configures the S3-compatible object store holding CDC state
// and snapshot artifacts.
type StorageConfig struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Secure    bool   `json:"secure"`
	Bucket    string `json:"bucket"`
	Format    string `json:"format,omitempty"`
}

// TableSpec is the per-table CDC configuration. It is immutable within a run.
type TableSpec struct {
	Datasource      string   `json:"datasource"`
	Schema          string   `json:"schema,omitempty"`
	Method          string   `json:"method"`
	TimestampColumn string   `json:"timestamp_column,omitempty"`
	PrimaryKey      string   `json:"primary_key,omitempty"`
	HashColumns     []string `json:"hash_columns,omitempty"`
	PartitionSize   int      `json:"partition_size,omitempty"`
	SnapshotFormat  string   `json:"snapshot_format,omitempty"`
}

// QualifiedName returns "<schema>.<name>" when a schema is configured,
// else "<name>".
func (s TableSpec) QualifiedName(table string) string {
	if s.Schema != "" {
		return s.Schema + "." + table
	}
	return table
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fills defaults and rejects configurations the engine cannot run
// with. Per-table method errors are deliberately not rejected here; the
// orchestrator reports them per table so one bad spec never blocks a run.
func (c *Config) Validate() error {
	if c.GlobalSettings.BatchSize <= 0 {
		c.GlobalSettings.BatchSize = DefaultBatchSize
	}
	if c.GlobalSettings.ConnectionPool.PoolSize <= 0 {
		c.GlobalSettings.ConnectionPool.PoolSize = DefaultPoolSize
	}
	if c.GlobalSettings.ConnectionPool.MaxOverflow < 0 {
		c.GlobalSettings.ConnectionPool.MaxOverflow = DefaultMaxOverflow
	}
	if c.GlobalSettings.ConnectionPool.Timeout <= 0 {
		c.GlobalSettings.ConnectionPool.Timeout = DefaultPoolTimeout
	}
	if c.GlobalSettings.Scheduling.IntervalSeconds <= 0 {
		c.GlobalSettings.Scheduling.IntervalSeconds = DefaultIntervalSeconds
	}
	if c.GlobalSettings.Scheduling.MaxRetries < 0 {
		c.GlobalSettings.Scheduling.MaxRetries = DefaultMaxRetries
	}
	if c.GlobalSettings.Scheduling.RetryDelaySeconds <= 0 {
		c.GlobalSettings.Scheduling.RetryDelaySeconds = DefaultRetryDelaySeconds
	}

	if c.Storage.Endpoint == "" {
		return fmt.Errorf("storage.endpoint is required")
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required")
	}
	if c.Storage.Format != "" && !ValidFormat(c.Storage.Format) {
		return fmt.Errorf("storage.format %q is not one of json, parquet, csv", c.Storage.Format)
	}

	for name, ds := range c.Datasources {
		if ds.URL == "" {
			return fmt.Errorf("datasource %q has no url", name)
		}
	}

	for table, spec := range c.Tables {
		if spec.Datasource == "" {
			return fmt.Errorf("table %q has no datasource", table)
		}
		if _, ok := c.Datasources[spec.Datasource]; !ok {
			return fmt.Errorf("table %q references unknown datasource %q", table, spec.Datasource)
		}
		if spec.SnapshotFormat != "" && !ValidFormat(spec.SnapshotFormat) {
			return fmt.Errorf("table %q snapshot_format %q is not one of json, parquet, csv", table, spec.SnapshotFormat)
		}
		if spec.PartitionSize < 0 {
			return fmt.Errorf("table %q partition_size must be positive", table)
		}
		if spec.PartitionSize == 0 {
			spec.PartitionSize = DefaultPartitionSize
			c.Tables[table] = spec
		}
	}
	return nil
}

// ValidFormat reports whether f names a supported snapshot format.
func ValidFormat(f string) bool {
	switch f {
	case FormatJSON, FormatParquet, FormatCSV:
		return true
	}
	return false
}
