package cache

import (
	"context"
	"time"

	playgroundstore "github.com/wolfeidau/playground-store"
	"github.com/wolfeidau/playground-store/kv"
)

// evictLRU removes least recently accessed entries until need bytes are
// freed or the entry count reaches MinEntries. The entry for exclude is
// never chosen.
func (s *Store) evictLRU(ctx context.Context, need uint64, exclude, reason string) EvictionResult {
	return s.evictOldest(ctx, kv.All, need, exclude, reason)
}

// evictOldest walks the last_accessed index through r, oldest first,
// evicting until need bytes are freed or the floor is reached.
func (s *Store) evictOldest(ctx context.Context, r kv.Range, need uint64, exclude, reason string) EvictionResult {
	start := s.now()
	result := EvictionResult{}

	stats, err := s.Stats(ctx)
	if err != nil {
		s.logger.Error("failed to read cache stats for eviction", "error", err)
		result.Errors++
		return result
	}
	count := stats.FileCount

	for rec, err := range s.kv.Scan(ctx, BlobsTable, "last_accessed", r) {
		if err != nil {
			s.logger.Error("eviction scan failed", "error", err)
			result.Errors++
			break
		}
		if result.BytesFreed >= need {
			break
		}
		// Removing one more would take the cache below its floor.
		if count <= s.config.MinEntries {
			s.logger.Debug("eviction stopped at entry floor", "entries", count, "min_entries", s.config.MinEntries)
			break
		}
		if rec.Key == exclude {
			continue
		}

		freed, err := s.evict(ctx, rec.Key, reason)
		if playgroundstore.IsNotFound(err) {
			continue
		}
		if err != nil {
			s.logger.Warn("failed to evict cache entry", "key", rec.Key, "error", err)
			result.Errors++
			continue
		}

		result.Evicted++
		result.BytesFreed += freed
		count--
	}

	result.Duration = s.now().Sub(start)

	if result.Evicted > 0 {
		s.logger.Info("eviction complete",
			"reason", reason,
			"evicted", result.Evicted,
			"bytes_freed", result.BytesFreed,
			"requested", need,
		)
	}
	return result
}

// Cleanup evicts least recently used entries until the cache holds at most
// targetBytes, never going below MinEntries.
func (s *Store) Cleanup(ctx context.Context, targetBytes uint64) (EvictionResult, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return EvictionResult{}, err
	}
	if stats.TotalSize <= targetBytes {
		return EvictionResult{}, nil
	}
	return s.evictLRU(ctx, stats.TotalSize-targetBytes, "", "lru"), nil
}

// ExpireOlderThan evicts entries last accessed more than maxAge ago,
// never going below MinEntries.
func (s *Store) ExpireOlderThan(ctx context.Context, maxAge time.Duration) EvictionResult {
	cutoff := s.now().Add(-maxAge)
	r := kv.Range{End: kv.TimeKey(cutoff)}
	return s.evictOldest(ctx, r, ^uint64(0), "", "max_age")
}
