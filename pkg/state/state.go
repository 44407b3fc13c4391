// Package state persists per-(datasource, table, slot) CDC summaries as JSON
// blobs in the object store.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/driftlake/driftlake/pkg/objstore"
)

// ErrIO marks an object-store failure underneath a state operation. The
// engine uses it to tell state failures apart from source failures.
var ErrIO = errors.New("state io error")

// TimestampState is the watermark persisted by the timestamp strategy.
type TimestampState struct {
	LastTimestamp string    `json:"last_timestamp"`
	ProcessedAt   time.Time `json:"processed_at"`
}

// HashState maps primary-key values, rendered as strings, to 32-char
// lowercase hex fingerprints. Shared by the hash and hash-partition
// strategies; the latter keeps one blob per partition.
type HashState struct {
	RowHashes   map[string]string `json:"row_hashes"`
	ProcessedAt time.Time         `json:"processed_at"`
}

// TimestampKey is the authoritative slot for the timestamp method.
func TimestampKey(datasource, table string) string {
	return datasource + "/" + table + "/timestamp_state"
}

// HashKey is the authoritative slot for the hash method.
func HashKey(datasource, table string) string {
	return datasource + "/" + table + "/hash_state"
}

// PartitionKey is the slot for partition i of n under the hash-partition
// method.
func PartitionKey(datasource, table string, i, n int) string {
	return fmt.Sprintf("%s/%s/partition_%d_of_%d", datasource, table, i, n)
}

// TablePrefix covers every state slot of one table.
func TablePrefix(datasource, table string) string {
	return datasource + "/" + table + "/"
}

var partitionSlotRe = regexp.MustCompile(`^partition_(\d+)_of_(\d+)$`)

// ParsePartitionSlot extracts (i, n) from a slot name of the form
// partition_<i>_of_<n>. ok is false for any other slot name.
func ParsePartitionSlot(slot string) (i, n int, ok bool) {
	m := partitionSlotRe.FindStringSubmatch(slot)
	if m == nil {
		return 0, 0, false
	}
	i, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	n, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return i, n, true
}

// Store reads and writes state blobs. Writes are atomic at the key level;
// concurrent readers observe either the pre-write or post-write value.
type Store struct {
	log *slog.Logger
	obj objstore.Store
}

type StoreConfig struct {
	Logger *slog.Logger
	Object objstore.Store
}

func (c *StoreConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Object == nil {
		return errors.New("object store is required")
	}
	return nil
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, obj: cfg.Object}, nil
}

// GetTimestamp returns the timestamp slot, or nil when no state exists yet.
func (s *Store) GetTimestamp(ctx context.Context, key string) (*TimestampState, error) {
	data, err := s.obj.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrIO, key, err)
	}
	if data == nil {
		return nil, nil
	}
	var st TimestampState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: failed to decode %s: %v", ErrIO, key, err)
	}
	return &st, nil
}

// GetHash returns a hash slot, or nil when no state exists yet.
func (s *Store) GetHash(ctx context.Context, key string) (*HashState, error) {
	data, err := s.obj.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrIO, key, err)
	}
	if data == nil {
		return nil, nil
	}
	var st HashState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: failed to decode %s: %v", ErrIO, key, err)
	}
	return &st, nil
}

// Put overwrites the slot with the JSON encoding of v.
func (s *Store) Put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: failed to encode %s: %v", ErrIO, key, err)
	}
	if err := s.obj.Put(ctx, key, data, "application/json"); err != nil {
		return fmt.Errorf("%w: failed to write %s: %v", ErrIO, key, err)
	}
	s.log.Debug("stored state", "key", key, "bytes", len(data))
	return nil
}

// List returns state keys under prefix. Metadata siblings are already
// filtered by the object store.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.obj.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list %s: %v", ErrIO, prefix, err)
	}
	return keys, nil
}

// Delete removes a state slot. The engine only deletes stale hash-partition
// slots; authoritative slots are never deleted.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.obj.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: failed to delete %s: %v", ErrIO, key, err)
	}
	return nil
}
