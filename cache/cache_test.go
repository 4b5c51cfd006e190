package cache

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	playgroundstore "github.com/wolfeidau/playground-store"
	"github.com/wolfeidau/playground-store/kv"
	"github.com/wolfeidau/playground-store/quota"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testSchema() kv.Schema {
	return kv.Schema{Version: 1, Tables: Tables()}
}

func newBoltStore(t *testing.T) kv.Store {
	t.Helper()
	s, err := kv.Open(filepath.Join(t.TempDir(), "cache.db"), testSchema(), kv.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestCache(t *testing.T, store kv.Store, monitor *quota.Monitor, cfg Config) (*Store, *testClock) {
	t.Helper()
	clock := newTestClock()
	cfg.Now = clock.Now
	if store == nil {
		store = newBoltStore(t)
	}
	return New(store, monitor, cfg), clock
}

func payload(n int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

func TestCheck_FreshnessWindow(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(t, nil, nil, DefaultConfig())

	status, entry, err := c.Check(ctx, "X", nil)
	require.NoError(t, err)
	assert.Equal(t, Missing, status)
	assert.Nil(t, entry)

	_, err = c.Put(ctx, "X", payload(10*1024*1024, 'x'), nil)
	require.NoError(t, err)

	status, entry, err = c.Check(ctx, "X", nil)
	require.NoError(t, err)
	assert.Equal(t, Valid, status)
	assert.Equal(t, uint64(10*1024*1024), entry.Size)

	clock.Advance(25 * time.Hour)
	status, _, err = c.Check(ctx, "X", nil)
	require.NoError(t, err)
	assert.Equal(t, Stale, status)
}

func TestCheck_Validator(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(t, nil, nil, DefaultConfig())

	v1, v2 := "etag-1", "etag-2"
	_, err := c.Put(ctx, "https://example.com/a.parquet", []byte("data"), &v1)
	require.NoError(t, err)

	// A matching validator wins over age.
	clock.Advance(72 * time.Hour)
	status, _, err := c.Check(ctx, "https://example.com/a.parquet", &v1)
	require.NoError(t, err)
	assert.Equal(t, Valid, status)

	status, _, err = c.Check(ctx, "https://example.com/a.parquet", &v2)
	require.NoError(t, err)
	assert.Equal(t, Stale, status)
}

func TestCheck_PolicyRules(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Policy.Rules = []Rule{{Pattern: regexp.MustCompile(`^https://slow\.example\.com/`), Window: 7 * 24 * time.Hour}}
	c, clock := newTestCache(t, nil, nil, cfg)

	_, err := c.Put(ctx, "https://slow.example.com/dump.csv", []byte("slow"), nil)
	require.NoError(t, err)
	_, err = c.Put(ctx, "https://fast.example.com/live.csv", []byte("fast"), nil)
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)
	status, _, err := c.Check(ctx, "https://slow.example.com/dump.csv", nil)
	require.NoError(t, err)
	assert.Equal(t, Valid, status)

	status, _, err = c.Check(ctx, "https://fast.example.com/live.csv", nil)
	require.NoError(t, err)
	assert.Equal(t, Stale, status)

	clock.Advance(7 * 24 * time.Hour)
	status, _, err = c.Check(ctx, "https://slow.example.com/dump.csv", nil)
	require.NoError(t, err)
	assert.Equal(t, Stale, status)
}

func TestGet(t *testing.T) {
	ctx := context.Background()

	t.Run("returns payload and updates last access", func(t *testing.T) {
		c, clock := newTestCache(t, nil, nil, DefaultConfig())
		data := []byte("hello blob")

		put, err := c.Put(ctx, "k", data, nil)
		require.NoError(t, err)
		assert.True(t, put.ContentHash.Matches(data))

		clock.Advance(time.Minute)
		got, entry, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, data, got)
		assert.True(t, entry.LastAccessed.Equal(put.FetchedAt.Add(time.Minute)))
		assert.True(t, entry.FetchedAt.Equal(put.FetchedAt))
	})

	t.Run("missing key is not found", func(t *testing.T) {
		c, _ := newTestCache(t, nil, nil, DefaultConfig())
		_, _, err := c.Get(ctx, "nope")
		require.True(t, playgroundstore.IsNotFound(err))
	})

	t.Run("corrupted payload is evicted", func(t *testing.T) {
		store := newBoltStore(t)
		c, _ := newTestCache(t, store, nil, DefaultConfig())

		_, err := c.Put(ctx, "k", []byte("original"), nil)
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, BlobDataTable, dataKey("k"), []byte("tampered")))

		_, _, err = c.Get(ctx, "k")
		require.True(t, playgroundstore.IsCorrupted(err))

		status, _, err := c.Check(ctx, "k", nil)
		require.NoError(t, err)
		assert.Equal(t, Missing, status)

		_, err = store.Get(ctx, BlobDataTable, dataKey("k"))
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("missing payload reads as a miss", func(t *testing.T) {
		store := newBoltStore(t)
		c, _ := newTestCache(t, store, nil, DefaultConfig())

		_, err := c.Put(ctx, "k", []byte("v"), nil)
		require.NoError(t, err)
		require.NoError(t, store.Delete(ctx, BlobDataTable, dataKey("k")))

		_, _, err = c.Get(ctx, "k")
		require.True(t, playgroundstore.IsNotFound(err))
	})

	t.Run("key ending in :data does not collide with payloads", func(t *testing.T) {
		c, _ := newTestCache(t, nil, nil, DefaultConfig())

		_, err := c.Put(ctx, "a", []byte("first"), nil)
		require.NoError(t, err)
		_, err = c.Put(ctx, "a:data", []byte("second"), nil)
		require.NoError(t, err)

		got, _, err := c.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), got)
	})
}

func TestTouch_DoesNotResurrect(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, nil, nil, DefaultConfig())

	_, err := c.Put(ctx, "k", []byte("v"), nil)
	require.NoError(t, err)
	_, err = c.Evict(ctx, "k")
	require.NoError(t, err)

	accessed, err := c.touch(ctx, "k")
	require.NoError(t, err)
	assert.True(t, accessed.IsZero())

	status, _, err := c.Check(ctx, "k", nil)
	require.NoError(t, err)
	assert.Equal(t, Missing, status)
}

func TestEvict_Idempotent(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, nil, nil, DefaultConfig())

	_, err := c.Put(ctx, "k", payload(123, 'a'), nil)
	require.NoError(t, err)

	freed, err := c.Evict(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, uint64(123), freed)

	_, err = c.Evict(ctx, "k")
	require.True(t, playgroundstore.IsNotFound(err))
}

func TestPut_EvictsLeastRecentlyAccessed(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxSize = 10 * 100
	c, clock := newTestCache(t, nil, nil, cfg)

	for i := 1; i <= 10; i++ {
		clock.Advance(time.Second)
		_, err := c.Put(ctx, fmt.Sprintf("e%d", i), payload(100, byte(i)), nil)
		require.NoError(t, err)
	}
	for i := 1; i <= 10; i++ {
		clock.Advance(time.Second)
		_, _, err := c.Get(ctx, fmt.Sprintf("e%d", i))
		require.NoError(t, err)
	}

	clock.Advance(time.Second)
	_, err := c.Put(ctx, "e11", payload(100, 11), nil)
	require.NoError(t, err)

	status, _, err := c.Check(ctx, "e1", nil)
	require.NoError(t, err)
	assert.Equal(t, Missing, status)

	for i := 2; i <= 11; i++ {
		status, _, err := c.Check(ctx, fmt.Sprintf("e%d", i), nil)
		require.NoError(t, err)
		assert.Equal(t, Valid, status, "e%d", i)
	}

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.FileCount)
	assert.Equal(t, uint64(1000), stats.TotalSize)
}

func TestPut_QuotaExceededAtFloor(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxSize = 100
	cfg.MinEntries = 5
	c, clock := newTestCache(t, nil, nil, cfg)

	for i := range 5 {
		clock.Advance(time.Second)
		_, err := c.Put(ctx, fmt.Sprintf("e%d", i), payload(20, 'a'), nil)
		require.NoError(t, err)
	}

	_, err := c.Put(ctx, "big", payload(50, 'b'), nil)
	var qe *playgroundstore.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, uint64(50), qe.Required)
	assert.Equal(t, uint64(0), qe.Available)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.FileCount)
}

func TestPut_OversizedBlobKeepsCache(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxSize = 100
	cfg.MinEntries = 0
	c, clock := newTestCache(t, nil, nil, cfg)

	for i := range 3 {
		clock.Advance(time.Second)
		_, err := c.Put(ctx, fmt.Sprintf("e%d", i), payload(20, 'a'), nil)
		require.NoError(t, err)
	}

	_, err := c.Put(ctx, "huge", payload(150, 'h'), nil)
	var qe *playgroundstore.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, uint64(150), qe.Required)
	assert.Equal(t, uint64(40), qe.Available)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.FileCount)
	assert.Equal(t, uint64(60), stats.TotalSize)
}

func TestPut_RequestsTrimAboveHighWater(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxSize = 1000
	cfg.HighWater = 0.8
	c, _ := newTestCache(t, nil, nil, cfg)

	_, err := c.Put(ctx, "a", payload(800, 'a'), nil)
	require.NoError(t, err)
	assert.Empty(t, c.trim, "at the mark is not above it")

	_, err = c.Put(ctx, "b", payload(100, 'b'), nil)
	require.NoError(t, err)
	assert.Len(t, c.trim, 1)

	_, err = c.Put(ctx, "c", payload(50, 'c'), nil)
	require.NoError(t, err)
	assert.Len(t, c.trim, 1, "requests coalesce")
}

func TestCheck_UnreadableMetadataIsMissing(t *testing.T) {
	ctx := context.Background()
	store := newBoltStore(t)
	c, _ := newTestCache(t, store, nil, DefaultConfig())

	_, err := c.Put(ctx, "k", []byte("v"), nil)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, BlobsTable, "k", []byte("not json")))

	status, entry, err := c.Check(ctx, "k", nil)
	require.NoError(t, err)
	assert.Equal(t, Missing, status)
	assert.Nil(t, entry)

	_, err = store.Get(ctx, BlobsTable, "k")
	require.ErrorIs(t, err, kv.ErrNotFound)
	_, err = store.Get(ctx, BlobDataTable, dataKey("k"))
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestPut_ReplacingKeyReusesItsSpace(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxSize = 100
	c, _ := newTestCache(t, nil, nil, cfg)

	_, err := c.Put(ctx, "k", payload(100, 'a'), nil)
	require.NoError(t, err)
	_, err = c.Put(ctx, "k", payload(100, 'b'), nil)
	require.NoError(t, err)

	got, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, payload(100, 'b'), got)
}

func TestPut_RetriesAfterStoreRejectsWrite(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxSize = 0
	cfg.MinEntries = 0

	t.Run("eviction frees room", func(t *testing.T) {
		store, err := kv.NewMemory(testSchema(), kv.WithMaxBytes(2000))
		require.NoError(t, err)
		c, clock := newTestCache(t, store, nil, cfg)

		_, err = c.Put(ctx, "a", payload(900, 'a'), nil)
		require.NoError(t, err)
		clock.Advance(time.Second)
		_, err = c.Put(ctx, "b", payload(900, 'b'), nil)
		require.NoError(t, err)

		status, _, err := c.Check(ctx, "a", nil)
		require.NoError(t, err)
		assert.Equal(t, Missing, status)
		status, _, err = c.Check(ctx, "b", nil)
		require.NoError(t, err)
		assert.Equal(t, Valid, status)
	})

	t.Run("second rejection is surfaced", func(t *testing.T) {
		store, err := kv.NewMemory(testSchema(), kv.WithMaxBytes(500))
		require.NoError(t, err)
		c, _ := newTestCache(t, store, nil, cfg)

		_, err = c.Put(ctx, "a", payload(900, 'a'), nil)
		require.True(t, playgroundstore.IsQuotaExceeded(err))
	})
}

func TestPut_QuotaAccountingIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := newBoltStore(t)
	monitor := quota.New(store, quota.Fixed{Total: 1 << 30})
	c, _ := newTestCache(t, store, monitor, DefaultConfig())

	before, err := monitor.Estimate(ctx)
	require.NoError(t, err)

	data := payload(4096, 'q')
	_, err = c.Put(ctx, "k", data, nil)
	require.NoError(t, err)

	after, err := monitor.Estimate(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, after.Used-before.Used, uint64(len(data)))
}

func TestPut_QuotaLimitsBudget(t *testing.T) {
	ctx := context.Background()
	store := newBoltStore(t)
	monitor := quota.New(store, quota.Fixed{Total: 1000})
	c, _ := newTestCache(t, store, monitor, DefaultConfig())

	_, err := c.Put(ctx, "k", payload(2000, 'q'), nil)
	var qe *playgroundstore.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, uint64(2000), qe.Required)
	assert.Equal(t, uint64(1000), qe.Available)
}

func TestClearAndStats(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(t, nil, nil, DefaultConfig())

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.FileCount)
	assert.Nil(t, stats.OldestEntry)

	first := clock.Now()
	_, err = c.Put(ctx, "a", payload(10, 'a'), nil)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = c.Put(ctx, "b", payload(30, 'b'), nil)
	require.NoError(t, err)

	stats, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FileCount)
	assert.Equal(t, uint64(40), stats.TotalSize)
	assert.True(t, stats.OldestEntry.Equal(first))
	assert.True(t, stats.NewestEntry.Equal(first.Add(time.Hour)))

	count, freed, err := c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, uint64(40), freed)

	stats, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.FileCount)
}

func TestCleanup_RespectsFloor(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MinEntries = 5
	c, clock := newTestCache(t, nil, nil, cfg)

	for i := range 8 {
		clock.Advance(time.Second)
		_, err := c.Put(ctx, fmt.Sprintf("e%d", i), payload(10, 'a'), nil)
		require.NoError(t, err)
	}

	result, err := c.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Evicted)
	assert.Equal(t, uint64(30), result.BytesFreed)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.FileCount)

	// Already at the floor: nothing more goes.
	result, err = c.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, result.Evicted)
}

func TestParseRule(t *testing.T) {
	r, err := ParseRule(`^https://slow\.example\.com/=168h`)
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, r.Window)
	assert.True(t, r.Pattern.MatchString("https://slow.example.com/a"))

	for _, bad := range []string{"", "=1h", "abc", "abc=", "abc=-1h", "[=1h"} {
		_, err := ParseRule(bad)
		assert.Error(t, err, bad)
	}
}
