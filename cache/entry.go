package cache

import (
	"encoding/json"
	"time"

	playgroundstore "github.com/wolfeidau/playground-store"
	"github.com/wolfeidau/playground-store/kv"
)

// Table names owned by the cache.
const (
	BlobsTable    = "blobs"
	BlobDataTable = "blob_data"
)

// Entry is the metadata row of a cached blob. The payload is stored in
// BlobDataTable so metadata scans never read payload bytes.
type Entry struct {
	Key          string               `json:"key"`
	Size         uint64               `json:"size"`
	Validator    *string              `json:"validator,omitempty"`
	FetchedAt    time.Time            `json:"fetched_at"`
	LastAccessed time.Time            `json:"last_accessed"`
	ContentHash  playgroundstore.Hash `json:"content_hash"`
}

// Status is the result of a freshness check.
type Status string

const (
	Valid   Status = "valid"
	Stale   Status = "stale"
	Missing Status = "missing"
)

// Stats summarises the cache contents.
type Stats struct {
	FileCount   int        `json:"file_count"`
	TotalSize   uint64     `json:"total_size"`
	OldestEntry *time.Time `json:"oldest_entry,omitempty"`
	NewestEntry *time.Time `json:"newest_entry,omitempty"`
}

// EvictionResult reports what an eviction pass removed.
type EvictionResult struct {
	Evicted    int           `json:"evicted"`
	BytesFreed uint64        `json:"bytes_freed"`
	Errors     int           `json:"errors"`
	Duration   time.Duration `json:"duration"`
}

// Tables returns the cache's partitions for inclusion in the store schema.
func Tables() []kv.Table {
	return []kv.Table{
		{
			Name:  BlobsTable,
			Since: 1,
			Indexes: []kv.Index{
				{Name: "size", Since: 1, Key: entryIndex(func(e *Entry) []byte { return kv.Uint64Key(e.Size) })},
				{Name: "fetched_at", Since: 1, Key: entryIndex(func(e *Entry) []byte { return kv.TimeKey(e.FetchedAt) })},
				{Name: "last_accessed", Since: 1, Key: entryIndex(func(e *Entry) []byte { return kv.TimeKey(e.LastAccessed) })},
			},
		},
		{Name: BlobDataTable, Since: 1},
	}
}

func entryIndex(fn func(*Entry) []byte) kv.IndexFunc {
	return func(_ string, value []byte) ([]byte, bool) {
		e, err := decodeEntry(value)
		if err != nil {
			return nil, false
		}
		return fn(e), true
	}
}

func dataKey(key string) string {
	return key + ":data"
}

func encodeEntry(e *Entry) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, &playgroundstore.SerializationError{Err: err}
	}
	return b, nil
}

func decodeEntry(b []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, &playgroundstore.SerializationError{Err: err}
	}
	return &e, nil
}
