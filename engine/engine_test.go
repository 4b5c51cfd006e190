package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/playground-store/cache"
	"github.com/wolfeidau/playground-store/notebook"
	"github.com/wolfeidau/playground-store/quota"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
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

func newTestEngine(t *testing.T, mutate ...func(*Config)) (*Engine, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}

	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "store.db")
	cfg.NoSync = true
	cfg.Quota = quota.Unknown{}
	cfg.Cache.Now = clock.Now
	for _, fn := range mutate {
		fn(&cfg)
	}

	e, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, clock
}

func command(t *testing.T, typ string, payload any) Command {
	t.Helper()
	cmd := Command{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		cmd.Payload = raw
	}
	return cmd
}

func execute(t *testing.T, e *Engine, typ string, payload any) Event {
	t.Helper()
	return e.Execute(context.Background(), command(t, typ, payload))
}

func requireError(t *testing.T, evt Event, errType string) ErrorPayload {
	t.Helper()
	require.Equal(t, EvtError, evt.Type)
	p, ok := evt.Payload.(ErrorPayload)
	require.True(t, ok)
	require.Equal(t, errType, p.Error.Type, "details: %v", p.Error.Details)
	return p
}

func TestSchema(t *testing.T) {
	s := Schema()
	require.NoError(t, s.Validate())

	names := make([]string, len(s.Tables))
	for i, tbl := range s.Tables {
		names[i] = tbl.Name
	}
	assert.ElementsMatch(t, []string{"blobs", "blob_data", "documents", "document_summaries", "preferences"}, names)
}

func TestCacheFreshness(t *testing.T) {
	e, clock := newTestEngine(t)
	blob := bytes.Repeat([]byte{0xab}, 10*1024*1024)

	evt := execute(t, e, CmdCacheBlob, map[string]any{"key": "X", "bytes": blob})
	require.Equal(t, EvtBlobCached, evt.Type)
	assert.Equal(t, BlobCachedPayload{Key: "X", Size: uint64(len(blob))}, evt.Payload)

	evt = execute(t, e, CmdCheckCache, map[string]any{"key": "X"})
	require.Equal(t, EvtCacheStatus, evt.Type)
	assert.Equal(t, cache.Valid, evt.Payload.(CacheStatusPayload).Status)

	clock.Advance(25 * time.Hour)
	evt = execute(t, e, CmdCheckCache, map[string]any{"key": "X"})
	assert.Equal(t, cache.Stale, evt.Payload.(CacheStatusPayload).Status)

	evt = execute(t, e, CmdCheckCache, map[string]any{"key": "Y"})
	assert.Equal(t, cache.Missing, evt.Payload.(CacheStatusPayload).Status)
	assert.Nil(t, evt.Payload.(CacheStatusPayload).Metadata)
}

func TestCacheCommands(t *testing.T) {
	e, _ := newTestEngine(t)

	execute(t, e, CmdCacheBlob, map[string]any{"key": "a", "bytes": []byte("alpha"), "validator": "etag-1"})

	evt := execute(t, e, CmdGetCachedBlob, map[string]any{"key": "a"})
	require.Equal(t, EvtBlobLoaded, evt.Type)
	loaded := evt.Payload.(BlobLoadedPayload)
	assert.Equal(t, []byte("alpha"), loaded.Bytes)
	assert.Equal(t, "etag-1", *loaded.Metadata.Validator)

	evt = execute(t, e, CmdGetCacheStats, nil)
	require.Equal(t, EvtCacheStats, evt.Type)
	assert.Equal(t, 1, evt.Payload.(cache.Stats).FileCount)

	evt = execute(t, e, CmdEvictCache, map[string]any{"key": "a"})
	assert.Equal(t, CacheEvictedPayload{Key: "a", FreedBytes: 5}, evt.Payload)

	p := requireError(t, execute(t, e, CmdEvictCache, map[string]any{"key": "a"}), ErrTypeNotFound)
	assert.Equal(t, CmdEvictCache, p.Operation)
	requireError(t, execute(t, e, CmdGetCachedBlob, map[string]any{"key": "a"}), ErrTypeNotFound)

	execute(t, e, CmdCacheBlob, map[string]any{"key": "b", "bytes": []byte("bb")})
	execute(t, e, CmdCacheBlob, map[string]any{"key": "c", "bytes": []byte("ccc")})
	evt = execute(t, e, CmdClearCache, nil)
	assert.Equal(t, CacheClearedPayload{Count: 2, Bytes: 5}, evt.Payload)

	evt = execute(t, e, CmdRunCleanup, map[string]any{"target_bytes": 0})
	require.Equal(t, EvtCleanupComplete, evt.Type)
}

func TestCacheBlob_QuotaExceeded(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		c.Cache.MaxSize = 100
		c.Cache.MinEntries = 1
	})

	require.Equal(t, EvtBlobCached, execute(t, e, CmdCacheBlob, map[string]any{"key": "keep", "bytes": bytes.Repeat([]byte{1}, 60)}).Type)

	p := requireError(t, execute(t, e, CmdCacheBlob, map[string]any{"key": "big", "bytes": bytes.Repeat([]byte{2}, 50)}), ErrTypeQuotaExceeded)
	assert.Equal(t, map[string]uint64{"required": 50, "available": 40}, p.Error.Details)
}

func TestDocuments(t *testing.T) {
	e, _ := newTestEngine(t)
	id := uuid.New()

	first := execute(t, e, CmdSaveDocument, notebook.Notebook{ID: id, Title: "first"})
	require.Equal(t, EvtDocumentSaved, first.Type)
	second := execute(t, e, CmdSaveDocument, notebook.Notebook{ID: id, Title: "second"})
	require.Equal(t, EvtDocumentSaved, second.Type)
	assert.True(t, second.Payload.(DocumentSavedPayload).UpdatedAt.After(first.Payload.(DocumentSavedPayload).UpdatedAt))

	evt := execute(t, e, CmdLoadDocument, map[string]any{"id": id})
	require.Equal(t, EvtDocumentLoaded, evt.Type)
	assert.Equal(t, "second", evt.Payload.(DocumentLoadedPayload).Notebook.Title)

	evt = execute(t, e, CmdListDocuments, nil)
	require.Equal(t, EvtDocumentList, evt.Type)
	assert.Len(t, evt.Payload.([]notebook.Summary), 1)

	evt = execute(t, e, CmdExportDocument, map[string]any{"id": id})
	require.Equal(t, EvtDocumentExported, evt.Type)
	exported := evt.Payload.(DocumentExportedPayload).Data

	evt = execute(t, e, CmdImportDocument, map[string]any{"data": exported})
	require.Equal(t, EvtDocumentImported, evt.Type)
	imported := evt.Payload.(DocumentLoadedPayload).Notebook
	assert.NotEqual(t, id, imported.ID)
	assert.Equal(t, "second", imported.Title)

	evt = execute(t, e, CmdDeleteDocument, map[string]any{"id": id})
	assert.Equal(t, DocumentIDPayload{ID: id}, evt.Payload)
	requireError(t, execute(t, e, CmdLoadDocument, map[string]any{"id": id}), ErrTypeNotFound)
	requireError(t, execute(t, e, CmdDeleteDocument, map[string]any{"id": id}), ErrTypeNotFound)
}

func TestFindPublishedDocument(t *testing.T) {
	e, _ := newTestEngine(t)
	pid := "note1published"

	saved := execute(t, e, CmdSaveDocument, notebook.Notebook{Title: "shared", ExternalPublishID: &pid})
	require.Equal(t, EvtDocumentSaved, saved.Type)
	execute(t, e, CmdSaveDocument, notebook.Notebook{Title: "draft"})

	evt := execute(t, e, CmdFindPublished, map[string]any{"external_publish_id": pid})
	require.Equal(t, EvtDocumentFound, evt.Type)
	summary := evt.Payload.(*notebook.Summary)
	assert.Equal(t, saved.Payload.(DocumentSavedPayload).ID, summary.ID)
	assert.Equal(t, "shared", summary.Title)

	requireError(t, execute(t, e, CmdFindPublished, map[string]any{"external_publish_id": "note1other"}), ErrTypeNotFound)
	requireError(t, execute(t, e, CmdFindPublished, map[string]any{}), ErrTypeInvalidCommand)
}

func TestSecret(t *testing.T) {
	e, _ := newTestEngine(t)

	requireError(t, execute(t, e, CmdUnlockSecret, map[string]any{"passphrase": "correct"}), ErrTypeNotFound)

	evt := execute(t, e, CmdConfigureSecret, map[string]any{"secret": []byte("s3cr3t"), "passphrase": "correct"})
	require.Equal(t, EvtSecretConfigured, evt.Type)

	requireError(t, execute(t, e, CmdUnlockSecret, map[string]any{"passphrase": "wrong"}), ErrTypeWrongPassphrase)

	evt = execute(t, e, CmdUnlockSecret, map[string]any{"passphrase": "correct"})
	require.Equal(t, EvtSecretUnlocked, evt.Type)
	assert.Equal(t, []byte("s3cr3t"), evt.Payload.(SecretUnlockedPayload).Secret)

	require.Equal(t, EvtSecretCleared, execute(t, e, CmdClearSecret, nil).Type)
	requireError(t, execute(t, e, CmdUnlockSecret, map[string]any{"passphrase": "correct"}), ErrTypeNotFound)

	requireError(t, execute(t, e, CmdConfigureSecret, map[string]any{"passphrase": "p"}), ErrTypeInvalidCommand)
}

func TestPreferences(t *testing.T) {
	e, _ := newTestEngine(t)

	evt := execute(t, e, CmdGetPreferences, nil)
	require.Equal(t, EvtPreferences, evt.Type)
	assert.Equal(t, "system", evt.Payload.(PreferencesPayload).Preferences.Theme)

	evt = execute(t, e, CmdSetPreference, map[string]any{"key": "theme", "value": "dark"})
	require.Equal(t, EvtPreferencesUpdated, evt.Type)
	assert.Equal(t, "dark", evt.Payload.(PreferencesPayload).Preferences.Theme)

	requireError(t, execute(t, e, CmdSetPreference, map[string]any{"key": "editor.font_size", "value": "huge"}), ErrTypeInvalidCommand)

	prefs := evt.Payload.(PreferencesPayload).Preferences
	prefs.Editor.FontSize = 18
	evt = execute(t, e, CmdUpdatePreferences, PreferencesPayload{Preferences: prefs})
	require.Equal(t, EvtPreferencesUpdated, evt.Type)
	assert.Equal(t, uint32(18), evt.Payload.(PreferencesPayload).Preferences.Editor.FontSize)
	assert.Equal(t, "dark", evt.Payload.(PreferencesPayload).Preferences.Theme)

	evt = execute(t, e, CmdClearPreferences, nil)
	assert.Equal(t, "system", evt.Payload.(PreferencesPayload).Preferences.Theme)
	assert.Equal(t, uint32(14), evt.Payload.(PreferencesPayload).Preferences.Editor.FontSize)
}

func TestExportImportAll(t *testing.T) {
	src, _ := newTestEngine(t)
	id := uuid.New()
	execute(t, src, CmdSaveDocument, notebook.Notebook{ID: id, Title: "kept"})
	execute(t, src, CmdSetPreference, map[string]any{"key": "query.auto_run", "value": true})

	evt := execute(t, src, CmdExportAll, nil)
	require.Equal(t, EvtBackupExported, evt.Type)
	data := evt.Payload.(BackupExportedPayload).Data

	dst, _ := newTestEngine(t)
	evt = execute(t, dst, CmdImportAll, map[string]any{"data": data})
	require.Equal(t, EvtBackupImported, evt.Type)

	evt = execute(t, dst, CmdLoadDocument, map[string]any{"id": id})
	require.Equal(t, EvtDocumentLoaded, evt.Type)
	evt = execute(t, dst, CmdGetPreferences, nil)
	assert.True(t, evt.Payload.(PreferencesPayload).Preferences.Query.AutoRun)

	requireError(t, execute(t, dst, CmdImportAll, map[string]any{"data": []byte("not an archive")}), ErrTypeSerialization)
}

func TestQuotaAndPersistence(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		c.Quota = quota.Fixed{Total: 1 << 20}
	})

	evt := execute(t, e, CmdGetQuota, nil)
	require.Equal(t, EvtQuotaInfo, evt.Type)
	est := evt.Payload.(quota.Estimate)
	require.NotNil(t, est.Total)
	assert.Equal(t, uint64(1<<20), *est.Total)

	execute(t, e, CmdCacheBlob, map[string]any{"key": "k", "bytes": bytes.Repeat([]byte{7}, 1000)})
	after := execute(t, e, CmdGetQuota, nil).Payload.(quota.Estimate)
	assert.GreaterOrEqual(t, after.Used, est.Used+1000)

	evt = execute(t, e, CmdRequestPersistence, nil)
	assert.Equal(t, PersistencePayload{Persisted: true}, evt.Payload)
}

func TestQuotaWarningEvent(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		c.Quota = quota.Fixed{Total: 1000}
		c.WarnThreshold = 0.5
	})

	require.Equal(t, EvtBlobCached, execute(t, e, CmdCacheBlob, map[string]any{"key": "k", "bytes": bytes.Repeat([]byte{7}, 600)}).Type)

	select {
	case evt := <-e.Events():
		require.Equal(t, EvtQuotaWarning, evt.Type)
		w := evt.Payload.(quota.Warning)
		assert.Equal(t, uint64(1000), w.Total)
		assert.GreaterOrEqual(t, w.Used, uint64(600))
	case <-time.After(5 * time.Second):
		t.Fatal("no quota warning event")
	}
}

func TestOpen_FallsBackToMemory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	e, _ := newTestEngine(t, func(c *Config) {
		c.Path = filepath.Join(blocker, "store.db")
	})
	assert.False(t, e.Durable())

	evt := execute(t, e, CmdSaveDocument, notebook.Notebook{ID: uuid.New(), Title: "ephemeral"})
	require.Equal(t, EvtDocumentSaved, evt.Type)

	requireError(t, execute(t, e, CmdRequestPersistence, nil), ErrTypeNotSupported)
}

func TestOpen_DataSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	cfg := DefaultConfig()
	cfg.Path = path
	cfg.NoSync = true
	cfg.Quota = quota.Unknown{}

	e, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	id := uuid.New()
	require.Equal(t, EvtDocumentSaved, execute(t, e, CmdSaveDocument, notebook.Notebook{ID: id, Title: "durable"}).Type)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	e, err = Open(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = e.Close() }()
	assert.True(t, e.Durable())
	evt := execute(t, e, CmdLoadDocument, map[string]any{"id": id})
	require.Equal(t, EvtDocumentLoaded, evt.Type)
}

func TestExecute_InvalidCommands(t *testing.T) {
	e, _ := newTestEngine(t)

	p := requireError(t, e.Execute(context.Background(), Command{Type: "Teleport"}), ErrTypeInvalidCommand)
	assert.Equal(t, "Teleport", p.Operation)

	requireError(t, e.Execute(context.Background(), Command{Type: CmdCheckCache, Payload: json.RawMessage(`{"key": 7}`)}), ErrTypeInvalidCommand)
	requireError(t, execute(t, e, CmdCheckCache, map[string]any{}), ErrTypeInvalidCommand)
}

func TestExecuteJSON(t *testing.T) {
	e, _ := newTestEngine(t)

	out := e.ExecuteJSON(context.Background(), []byte(`{"type":"CacheBlob","payload":{"key":"k","bytes":"aGVsbG8="}}`))
	assert.JSONEq(t, `{"type":"BlobCached","payload":{"key":"k","size":5}}`, string(out))

	out = e.ExecuteJSON(context.Background(), []byte(`{"type":"EvictCache","payload":{"key":"missing"}}`))
	assert.JSONEq(t, `{"type":"error","payload":{"operation":"EvictCache","error":{"type":"NotFound","details":{"key":"missing"}}}}`, string(out))

	out = e.ExecuteJSON(context.Background(), []byte(`{"type":`))
	var evt struct {
		Type    string `json:"type"`
		Payload struct {
			Error ErrorInfo `json:"error"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(out, &evt))
	assert.Equal(t, EvtError, evt.Type)
	assert.Equal(t, ErrTypeInvalidCommand, evt.Payload.Error.Type)
}
