// Package kv provides the durable key-value store underneath every storage
// component: named tables, secondary indexes maintained on write, additive
// schema migrations, and a byte usage counter used for quota accounting.
//
// Two implementations exist. Bolt persists to a bbolt file; Memory keeps
// everything in process memory and is the fallback when durable storage is
// unavailable.
package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
)

var (
	// ErrNotFound is returned when a key does not exist in a table.
	ErrNotFound = errors.New("kv: not found")

	// ErrNoSpace is returned when a write is rejected for lack of space,
	// either by the configured byte limit or by the filesystem.
	ErrNoSpace = errors.New("kv: no space left")

	// ErrUnknownTable is returned for a table missing from the schema.
	ErrUnknownTable = errors.New("kv: unknown table")

	// ErrUnknownIndex is returned for an index missing from a table.
	ErrUnknownIndex = errors.New("kv: unknown index")

	// ErrSchemaTooNew is returned when the stored schema version is newer
	// than the one the caller asked for. Migrations only move forward.
	ErrSchemaTooNew = errors.New("kv: stored schema is newer than requested")

	// ErrReadOnly is returned when writing inside a View.
	ErrReadOnly = errors.New("kv: read-only transaction")
)

// MetaTable is the housekeeping table present in every schema.
const MetaTable = "_meta"

// IndexFunc extracts the index key for a record. Returning false leaves the
// record out of the index.
type IndexFunc func(key string, value []byte) ([]byte, bool)

// Index is a secondary index over a table.
type Index struct {
	Name  string
	Since uint32 // schema version that introduced the index
	Key   IndexFunc
}

// Table is a named partition of records.
type Table struct {
	Name    string
	Since   uint32 // schema version that introduced the table
	Indexes []Index
}

// Schema lists the tables of a store at a given version.
type Schema struct {
	Version uint32
	Tables  []Table
}

// Validate checks names and versions.
func (s Schema) Validate() error {
	seen := make(map[string]struct{}, len(s.Tables))
	for _, t := range s.Tables {
		if t.Name == "" {
			return errors.New("kv: table name is required")
		}
		if t.Name == MetaTable {
			return fmt.Errorf("kv: table name %q is reserved", MetaTable)
		}
		if _, ok := seen[t.Name]; ok {
			return fmt.Errorf("kv: duplicate table %q", t.Name)
		}
		seen[t.Name] = struct{}{}
		if t.Since > s.Version {
			return fmt.Errorf("kv: table %q introduced after schema version %d", t.Name, s.Version)
		}

		idx := make(map[string]struct{}, len(t.Indexes))
		for _, i := range t.Indexes {
			if i.Name == "" || i.Key == nil {
				return fmt.Errorf("kv: index on %q needs a name and key func", t.Name)
			}
			if _, ok := idx[i.Name]; ok {
				return fmt.Errorf("kv: duplicate index %q on %q", i.Name, t.Name)
			}
			idx[i.Name] = struct{}{}
			if i.Since > s.Version {
				return fmt.Errorf("kv: index %q introduced after schema version %d", i.Name, s.Version)
			}
		}
	}
	return nil
}

// tables returns the schema tables plus the housekeeping table.
func (s Schema) tables() map[string]*Table {
	out := make(map[string]*Table, len(s.Tables)+1)
	for i := range s.Tables {
		out[s.Tables[i].Name] = &s.Tables[i]
	}
	out[MetaTable] = &Table{Name: MetaTable}
	return out
}

func (t *Table) index(name string) (*Index, bool) {
	for i := range t.Indexes {
		if t.Indexes[i].Name == name {
			return &t.Indexes[i], true
		}
	}
	return nil, false
}

// Record is a key and its value.
type Record struct {
	Key   string
	Value []byte
}

// Range bounds a scan by index key: Start inclusive, End exclusive.
// A nil bound is unbounded.
type Range struct {
	Start []byte
	End   []byte
}

// All is the unbounded range.
var All = Range{}

// Tx is a unit of work spanning any number of tables. Writes inside an
// Update are committed together or not at all.
type Tx interface {
	Get(table, key string) ([]byte, error)
	Put(table, key string, value []byte) error
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(table, key string) error
}

// Store is the durable key-value store.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, table, key string) ([]byte, error)
	Put(ctx context.Context, table, key string, value []byte) error
	Delete(ctx context.Context, table, key string) error

	// Scan yields records in ascending index key order (primary key order
	// when index is empty). The sequence is finite and may be ranged over
	// again to restart it.
	Scan(ctx context.Context, table, index string, r Range) iter.Seq2[Record, error]

	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error

	// Usage returns the number of key and value bytes currently stored.
	Usage(ctx context.Context) (uint64, error)

	// Durable reports whether writes survive a process restart.
	Durable() bool

	Close() error
}

type config struct {
	logger   *slog.Logger
	maxBytes uint64
	noSync   bool
	pageSize int
}

// Option configures a store.
type Option func(*config)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithMaxBytes rejects writes that would push usage past n bytes.
// Zero disables the limit.
func WithMaxBytes(n uint64) Option {
	return func(c *config) {
		c.maxBytes = n
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: risks data loss on crash. Use only for tests and benchmarks.
func WithNoSync(noSync bool) Option {
	return func(c *config) {
		c.noSync = noSync
	}
}

// WithScanPageSize sets how many index entries a scan reads per read
// transaction.
func WithScanPageSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

func newConfig(opts []Option) config {
	c := config{
		logger:   slog.Default(),
		pageSize: 256,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// recordSize is the number of bytes a record counts against usage.
func recordSize(key string, value []byte) uint64 {
	return uint64(len(key) + len(value))
}
