// Package cache stores immutable blobs keyed by their source identifier,
// with freshness checks, integrity verification on read and LRU eviction
// under a size budget.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	playgroundstore "github.com/wolfeidau/playground-store"
	"github.com/wolfeidau/playground-store/kv"
	"github.com/wolfeidau/playground-store/quota"
	"github.com/wolfeidau/playground-store/telemetry"
)

// Config holds cache configuration.
type Config struct {
	// MaxSize is the maximum total payload size in bytes.
	// Zero means no cache-level limit; the quota still applies.
	MaxSize uint64

	// MinEntries is the eviction floor. Eviction never takes the entry
	// count below it.
	MinEntries int

	// HighWater is the fraction of MaxSize above which the janitor trims
	// the cache back down to it.
	HighWater float64

	// MaxAge removes entries not accessed for this long.
	// Zero disables age-based removal.
	MaxAge time.Duration

	// CheckInterval is how often the janitor runs.
	CheckInterval time.Duration

	// Policy sets freshness windows for entries without a validator.
	Policy Policy

	// Logger for cache events.
	Logger *slog.Logger

	// Now overrides the clock.
	Now func() time.Time
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:       500 * 1024 * 1024, // 500 MiB
		MinEntries:    5,
		HighWater:     0.8,
		MaxAge:        30 * 24 * time.Hour, // 30 days
		CheckInterval: 1 * time.Hour,
		Policy:        DefaultPolicy(),
		Logger:        slog.Default(),
	}
}

// Store is the blob cache.
type Store struct {
	kv     kv.Store
	quota  *quota.Monitor
	config Config
	logger *slog.Logger
	now    func() time.Time

	// writeMu serializes Put so concurrent writers do not spend the same
	// budget twice.
	writeMu sync.Mutex

	loader loader

	// trim wakes the janitor when a write crosses the high-water mark.
	trim chan struct{}
}

// New creates a cache over store. monitor may be nil, in which case only
// MaxSize bounds the cache.
func New(store kv.Store, monitor *quota.Monitor, cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HighWater <= 0 || cfg.HighWater > 1 {
		cfg.HighWater = 0.8
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 1 * time.Hour
	}
	if cfg.MinEntries < 0 {
		cfg.MinEntries = 0
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Store{
		kv:     store,
		quota:  monitor,
		config: cfg,
		logger: cfg.Logger.With("component", "cache"),
		now:    now,
		trim:   make(chan struct{}, 1),
	}
}

// Check reports whether key is cached and still fresh. With a validator
// the entry is valid only if its stored validator matches; without one,
// the entry is valid while younger than the policy window for key.
func (s *Store) Check(ctx context.Context, key string, validator *string) (Status, *Entry, error) {
	e, err := s.entry(ctx, key)
	if isUnreadable(err) {
		_ = s.corrupted(ctx, key, "unreadable metadata")
		return Missing, nil, nil
	}
	if err != nil {
		if playgroundstore.IsNotFound(err) {
			telemetry.RecordCacheLookup(ctx, telemetry.CacheMiss)
			return Missing, nil, nil
		}
		return "", nil, err
	}

	status := Stale
	switch {
	case validator != nil:
		if e.Validator != nil && *e.Validator == *validator {
			status = Valid
		}
	case s.now().Sub(e.FetchedAt) < s.config.Policy.Window(key):
		status = Valid
	}

	if status == Valid {
		telemetry.RecordCacheLookup(ctx, telemetry.CacheHit)
	} else {
		telemetry.RecordCacheLookup(ctx, telemetry.CacheStale)
	}
	return status, e, nil
}

// Put stores data under key, replacing any previous entry. When the write
// does not fit, least recently used entries are evicted and the write is
// retried once before failing with a QuotaExceededError. A blob larger
// than MaxSize fails without evicting anything.
func (s *Store) Put(ctx context.Context, key string, data []byte, validator *string) (*Entry, error) {
	size := uint64(len(data))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	available, used, err := s.available(ctx, key)
	if err != nil {
		return nil, err
	}
	if s.config.MaxSize > 0 && size > s.config.MaxSize {
		return nil, &playgroundstore.QuotaExceededError{Required: size, Available: available}
	}
	if size > available {
		s.logger.Debug("insufficient space for blob, evicting",
			"key", key,
			"required", size,
			"available", available,
		)
		s.evictLRU(ctx, size-available, key, "lru")

		available, used, err = s.available(ctx, key)
		if err != nil {
			return nil, err
		}
		if size > available {
			return nil, &playgroundstore.QuotaExceededError{Required: size, Available: available}
		}
	}

	now := s.now()
	e := &Entry{
		Key:          key,
		Size:         size,
		Validator:    validator,
		FetchedAt:    now,
		LastAccessed: now,
		ContentHash:  playgroundstore.HashBytes(data),
	}

	err = s.write(ctx, e, data)
	if errors.Is(err, kv.ErrNoSpace) {
		// The platform can still refuse a write that passed the budget check.
		s.logger.Warn("store rejected write for lack of space, evicting and retrying", "key", key, "size", size)
		s.evictLRU(ctx, size, key, "lru")
		err = s.write(ctx, e, data)
		if errors.Is(err, kv.ErrNoSpace) {
			available, _, aerr := s.available(ctx, key)
			if aerr != nil {
				return nil, aerr
			}
			return nil, &playgroundstore.QuotaExceededError{Required: size, Available: available}
		}
	}
	if err != nil {
		return nil, err
	}

	telemetry.RecordCacheWrite(ctx, int64(size)) //nolint:gosec // blob sizes fit in int64
	s.logger.Debug("cached blob", "key", key, "size", size, "hash", e.ContentHash.ShortString())

	if s.config.MaxSize > 0 && float64(used+size) > float64(s.config.MaxSize)*s.config.HighWater {
		s.requestTrim()
	}

	if s.quota != nil {
		// Refresh accounting so crossing the warning threshold is reported.
		if _, err := s.quota.Estimate(ctx); err != nil {
			s.logger.Debug("quota estimate after write failed", "error", err)
		}
	}
	return e, nil
}

// write stores metadata and payload in one transaction.
func (s *Store) write(ctx context.Context, e *Entry, data []byte) error {
	meta, err := encodeEntry(e)
	if err != nil {
		return err
	}
	err = s.kv.Update(ctx, func(tx kv.Tx) error {
		if err := tx.Put(BlobsTable, e.Key, meta); err != nil {
			return err
		}
		return tx.Put(BlobDataTable, dataKey(e.Key), data)
	})
	if err != nil && !errors.Is(err, kv.ErrNoSpace) {
		return &playgroundstore.DatabaseError{Op: "cache put", Err: err}
	}
	return err
}

// available returns how many payload bytes a write of key may use: the
// smaller of the cache headroom and the quota's available space. It also
// returns the cached bytes other than key's. Bytes of an existing entry for
// key count as free since the write replaces it.
func (s *Store) available(ctx context.Context, key string) (uint64, uint64, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return 0, 0, err
	}

	var existing uint64
	if e, err := s.entry(ctx, key); err == nil {
		existing = e.Size
	} else if !playgroundstore.IsNotFound(err) && !isUnreadable(err) {
		return 0, 0, err
	}

	used := stats.TotalSize - min(existing, stats.TotalSize)
	available := ^uint64(0)
	if s.config.MaxSize > 0 {
		available = s.config.MaxSize - min(used, s.config.MaxSize)
	}

	if s.quota != nil {
		est, err := s.quota.Estimate(ctx)
		if err != nil {
			return 0, 0, err
		}
		if est.Available != nil {
			available = min(available, *est.Available+existing)
		}
	}
	return available, used, nil
}

// requestTrim wakes the janitor without blocking. Requests coalesce.
func (s *Store) requestTrim() {
	select {
	case s.trim <- struct{}{}:
	default:
	}
}

// Get returns the payload for key after verifying its content hash. A
// mismatch evicts the entry and returns a CorruptedError. Reading updates
// the entry's last access time. Concurrent reads of one key share a single
// load and verification.
func (s *Store) Get(ctx context.Context, key string) ([]byte, *Entry, error) {
	data, e, err := s.loader.load(ctx, key, s.read)
	if err != nil {
		return nil, nil, err
	}

	accessed, err := s.touch(ctx, key)
	if err != nil {
		s.logger.Warn("failed to update last access", "key", key, "error", err)
	} else if !accessed.IsZero() {
		e.LastAccessed = accessed
	}
	return data, e, nil
}

// read loads and verifies one entry.
func (s *Store) read(ctx context.Context, key string) ([]byte, *Entry, error) {
	var (
		e    *Entry
		data []byte
	)
	err := s.kv.View(ctx, func(tx kv.Tx) error {
		raw, err := tx.Get(BlobsTable, key)
		if err != nil {
			return err
		}
		if e, err = decodeEntry(raw); err != nil {
			return err
		}
		data, err = tx.Get(BlobDataTable, dataKey(key))
		return err
	})
	if errors.Is(err, kv.ErrNotFound) {
		telemetry.RecordCacheLookup(ctx, telemetry.CacheMiss)
		return nil, nil, &playgroundstore.NotFoundError{Key: key}
	}
	if err != nil {
		if isUnreadable(err) {
			return nil, nil, s.corrupted(ctx, key, "unreadable metadata")
		}
		return nil, nil, &playgroundstore.DatabaseError{Op: "cache get", Err: err}
	}

	if !e.ContentHash.Matches(data) {
		return nil, nil, s.corrupted(ctx, key, "content hash mismatch")
	}

	telemetry.RecordCacheLookup(ctx, telemetry.CacheHit)
	return data, e, nil
}

func (s *Store) corrupted(ctx context.Context, key, msg string) error {
	telemetry.RecordCacheLookup(ctx, telemetry.CacheCorrupted)
	s.logger.Warn("evicting corrupted cache entry", "key", key, "reason", msg)
	if _, err := s.evict(ctx, key, "corrupted"); err != nil && !playgroundstore.IsNotFound(err) {
		s.logger.Error("failed to evict corrupted entry", "key", key, "error", err)
	}
	return &playgroundstore.CorruptedError{Key: key, Message: msg}
}

// touch sets the last access time of key. An entry evicted concurrently
// stays evicted; touch then returns the zero time.
func (s *Store) touch(ctx context.Context, key string) (time.Time, error) {
	var accessed time.Time
	err := s.kv.Update(ctx, func(tx kv.Tx) error {
		raw, err := tx.Get(BlobsTable, key)
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		e, err := decodeEntry(raw)
		if err != nil {
			return err
		}
		e.LastAccessed = s.now()
		b, err := encodeEntry(e)
		if err != nil {
			return err
		}
		accessed = e.LastAccessed
		return tx.Put(BlobsTable, key, b)
	})
	return accessed, err
}

// Evict removes key and returns the payload bytes freed.
func (s *Store) Evict(ctx context.Context, key string) (uint64, error) {
	return s.evict(ctx, key, "explicit")
}

func (s *Store) evict(ctx context.Context, key, reason string) (uint64, error) {
	var freed uint64
	err := s.kv.Update(ctx, func(tx kv.Tx) error {
		raw, err := tx.Get(BlobsTable, key)
		if err != nil {
			return err
		}
		if e, err := decodeEntry(raw); err == nil {
			freed = e.Size
		}
		if err := tx.Delete(BlobsTable, key); err != nil {
			return err
		}
		return tx.Delete(BlobDataTable, dataKey(key))
	})
	if errors.Is(err, kv.ErrNotFound) {
		return 0, &playgroundstore.NotFoundError{Key: key}
	}
	if err != nil {
		return 0, &playgroundstore.DatabaseError{Op: "cache evict", Err: err}
	}

	telemetry.RecordCacheEviction(ctx, reason, int64(freed)) //nolint:gosec // blob sizes fit in int64
	s.logger.Debug("evicted cache entry", "key", key, "reason", reason, "size", freed)
	return freed, nil
}

// Clear removes every entry and returns how many entries and payload bytes
// were removed.
func (s *Store) Clear(ctx context.Context) (int, uint64, error) {
	entries, err := s.Entries(ctx)
	if err != nil {
		return 0, 0, err
	}

	var (
		count int
		bytes uint64
	)
	for _, e := range entries {
		freed, err := s.evict(ctx, e.Key, "clear")
		if playgroundstore.IsNotFound(err) {
			continue
		}
		if err != nil {
			return count, bytes, err
		}
		count++
		bytes += freed
	}

	s.logger.Info("cleared cache", "entries", count, "bytes", bytes)
	telemetry.UpdateCacheState(ctx, 0, 0)
	return count, bytes, nil
}

// Stats summarises the cache from metadata only.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	for rec, err := range s.kv.Scan(ctx, BlobsTable, "", kv.All) {
		if err != nil {
			return Stats{}, &playgroundstore.DatabaseError{Op: "cache stats", Err: err}
		}
		e, err := decodeEntry(rec.Value)
		if err != nil {
			s.logger.Warn("skipping unreadable cache entry", "key", rec.Key, "error", err)
			continue
		}
		st.FileCount++
		st.TotalSize += e.Size
		if st.OldestEntry == nil || e.FetchedAt.Before(*st.OldestEntry) {
			t := e.FetchedAt
			st.OldestEntry = &t
		}
		if st.NewestEntry == nil || e.FetchedAt.After(*st.NewestEntry) {
			t := e.FetchedAt
			st.NewestEntry = &t
		}
	}

	telemetry.UpdateCacheState(ctx, st.FileCount, int64(st.TotalSize)) //nolint:gosec // sizes fit in int64
	return st, nil
}

// Entries lists all entry metadata in key order.
func (s *Store) Entries(ctx context.Context) ([]*Entry, error) {
	var out []*Entry
	for rec, err := range s.kv.Scan(ctx, BlobsTable, "", kv.All) {
		if err != nil {
			return nil, &playgroundstore.DatabaseError{Op: "cache list", Err: err}
		}
		e, err := decodeEntry(rec.Value)
		if err != nil {
			s.logger.Warn("skipping unreadable cache entry", "key", rec.Key, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func isUnreadable(err error) bool {
	var serr *playgroundstore.SerializationError
	return errors.As(err, &serr)
}

func (s *Store) entry(ctx context.Context, key string) (*Entry, error) {
	raw, err := s.kv.Get(ctx, BlobsTable, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, &playgroundstore.NotFoundError{Key: key}
	}
	if err != nil {
		return nil, &playgroundstore.DatabaseError{Op: "cache read", Err: err}
	}
	return decodeEntry(raw)
}
