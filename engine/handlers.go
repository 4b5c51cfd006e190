package engine

import (
	"context"
	"encoding/json"

	playgroundstore "github.com/wolfeidau/playground-store"
	"github.com/wolfeidau/playground-store/cache"
	"github.com/wolfeidau/playground-store/notebook"
	"github.com/wolfeidau/playground-store/prefs"
	"github.com/wolfeidau/playground-store/telemetry"
)

func (e *Engine) routes() map[string]handler {
	return map[string]handler{
		CmdCheckCache:         e.checkCache,
		CmdCacheBlob:          e.cacheBlob,
		CmdGetCachedBlob:      e.getCachedBlob,
		CmdEvictCache:         e.evictCache,
		CmdClearCache:         e.clearCache,
		CmdGetCacheStats:      e.getCacheStats,
		CmdRunCleanup:         e.runCleanup,
		CmdSaveDocument:       e.saveDocument,
		CmdLoadDocument:       e.loadDocument,
		CmdListDocuments:      e.listDocuments,
		CmdDeleteDocument:     e.deleteDocument,
		CmdExportDocument:     e.exportDocument,
		CmdImportDocument:     e.importDocument,
		CmdFindPublished:      e.findPublished,
		CmdGetQuota:           e.getQuota,
		CmdRequestPersistence: e.requestPersistence,
		CmdConfigureSecret:    e.configureSecret,
		CmdUnlockSecret:       e.unlockSecret,
		CmdClearSecret:        e.clearSecret,
		CmdGetPreferences:     e.getPreferences,
		CmdUpdatePreferences:  e.updatePreferences,
		CmdSetPreference:      e.setPreference,
		CmdClearPreferences:   e.clearPreferences,
		CmdExportAll:          e.exportAll,
		CmdImportAll:          e.importAll,
	}
}

// decode unmarshals payload into v. An empty payload leaves v unchanged.
func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return &invalidCommandError{msg: "malformed payload", err: err}
	}
	return nil
}

func requireKey(key string) error {
	if key == "" {
		return &invalidCommandError{msg: "key is required"}
	}
	return nil
}

func (e *Engine) checkCache(ctx context.Context, payload json.RawMessage) (Event, error) {
	var p cacheKeyPayload
	if err := decode(payload, &p); err != nil {
		return Event{}, err
	}
	if err := requireKey(p.Key); err != nil {
		return Event{}, err
	}
	status, entry, err := e.cache.Check(ctx, p.Key, p.Validator)
	if err != nil {
		return Event{}, err
	}
	switch status {
	case cache.Valid:
		telemetry.SetCacheResult(ctx, telemetry.CacheHit)
	case cache.Stale:
		telemetry.SetCacheResult(ctx, telemetry.CacheStale)
	default:
		telemetry.SetCacheResult(ctx, telemetry.CacheMiss)
	}
	return Event{Type: EvtCacheStatus, Payload: CacheStatusPayload{Status: status, Metadata: entry}}, nil
}

func (e *Engine) cacheBlob(ctx context.Context, payload json.RawMessage) (Event, error) {
	var p cacheBlobPayload
	if err := decode(payload, &p); err != nil {
		return Event{}, err
	}
	if err := requireKey(p.Key); err != nil {
		return Event{}, err
	}
	entry, err := e.cache.Put(ctx, p.Key, p.Bytes, p.Validator)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: EvtBlobCached, Payload: BlobCachedPayload{Key: entry.Key, Size: entry.Size}}, nil
}

func (e *Engine) getCachedBlob(ctx context.Context, payload json.RawMessage) (Event, error) {
	var p cacheKeyPayload
	if err := decode(payload, &p); err != nil {
		return Event{}, err
	}
	if err := requireKey(p.Key); err != nil {
		return Event{}, err
	}
	data, entry, err := e.cache.Get(ctx, p.Key)
	switch {
	case playgroundstore.IsCorrupted(err):
		telemetry.SetCacheResult(ctx, telemetry.CacheCorrupted)
		return Event{}, err
	case err != nil:
		telemetry.SetCacheResult(ctx, telemetry.CacheMiss)
		return Event{}, err
	}
	telemetry.SetCacheResult(ctx, telemetry.CacheHit)
	return Event{Type: EvtBlobLoaded, Payload: BlobLoadedPayload{Key: p.Key, Bytes: data, Metadata: entry}}, nil
}

func (e *Engine) evictCache(ctx context.Context, payload json.RawMessage) (Event, error) {
	var p cacheKeyPayload
	if err := decode(payload, &p); err != nil {
		return Event{}, err
	}
	if err := requireKey(p.Key); err != nil {
		return Event{}, err
	}
	freed, err := e.cache.Evict(ctx, p.Key)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: EvtCacheEvicted, Payload: CacheEvictedPayload{Key: p.Key, FreedBytes: freed}}, nil
}

func (e *Engine) clearCache(ctx context.Context, _ json.RawMessage) (Event, error) {
	count, bytes, err := e.cache.Clear(ctx)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: EvtCacheCleared, Payload: CacheClearedPayload{Count: count, Bytes: bytes}}, nil
}

func (e *Engine) getCacheStats(ctx context.Context, _ json.RawMessage) (Event, error) {
	stats, err := e.cache.Stats(ctx)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: EvtCacheStats, Payload: stats}, nil
}

func (e *Engine) runCleanup(ctx context.Context, payload json.RawMessage) (Event, error) {
	var p cleanupPayload
	if err := decode(payload, &p); err != nil {
		return Event{}, err
	}
	result, err := e.cache.Cleanup(ctx, p.TargetBytes)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: EvtCleanupComplete, Payload: result}, nil
}

func (e *Engine) saveDocument(ctx context.Context, payload json.RawMessage) (Event, error) {
	var nb notebook.Notebook
	if err := decode(payload, &nb); err != nil {
		return Event{}, err
	}
	saved, err := e.notebooks.Save(ctx, &nb)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: EvtDocumentSaved, Payload: DocumentSavedPayload{ID: saved.ID, UpdatedAt: saved.UpdatedAt}}, nil
}

func (e *Engine) loadDocument(ctx context.Context, payload json.RawMessage) (Event, error) {
	var p documentIDPayload
	if err := decode(payload, &p); err != nil {
		return Event{}, err
	}
	nb, err := e.notebooks.Load(ctx, p.ID)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: EvtDocumentLoaded, Payload: DocumentLoadedPayload{Notebook: nb}}, nil
}

func (e *Engine) listDocuments(ctx context.Context, _ json.RawMessage) (Event, error) {
	summaries, err := e.notebooks.List(ctx)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: EvtDocumentList, Payload: summaries}, nil
}

// findPublished resolves an external publish id to the local notebook.
func (e *Engine) findPublished(ctx context.Context, payload json.RawMessage) (Event, error) {
	var p publishIDPayload
	if err := decode(payload, &p); err != nil {
		return Event{}, err
	}
	if p.ExternalPublishID == "" {
		return Event{}, &invalidCommandError{msg: "external_publish_id is required"}
	}
	summary, err := e.notebooks.FindByPublishID(ctx, p.ExternalPublishID)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: EvtDocumentFound, Payload: summary}, nil
}

func (e *Engine) deleteDocument(ctx context.Context, payload json.RawMessage) (Event, error) {
	var p documentIDPayload
	if err := decode(payload, &p); err != nil {
		return Event{}, err
	}
	if err := e.notebooks.Delete(ctx, p.ID); err != nil {
		return Event{}, err
	}
	return Event{Type: EvtDocumentDeleted, Payload: DocumentIDPayload{ID: p.ID}}, nil
}

func (e *Engine) exportDocument(ctx context.Context, payload json.RawMessage) (Event, error) {
	var p documentIDPayload
	if err := decode(payload, &p); err != nil {
		return Event{}, err
	}
	data, err := e.notebooks.Export(ctx, p.ID)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: EvtDocumentExported, Payload: DocumentExportedPayload{ID: p.ID, Data: data}}, nil
}

func (e *Engine) importDocument(ctx context.Context, payload json.RawMessage) (Event, error) {
	var p dataPayload
	if err := decode(payload, &p); err != nil {
		return Event{}, err
	}
	nb, err := e.notebooks.Import(ctx, p.Data)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: EvtDocumentImported, Payload: DocumentLoadedPayload{Notebook: nb}}, nil
}

func (e *Engine) getQuota(ctx context.Context, _ json.RawMessage) (Event, error) {
	est, err := e.quota.Estimate(ctx)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: EvtQuotaInfo, Payload: est}, nil
}

func (e *Engine) requestPersistence(ctx context.Context, _ json.RawMessage) (Event, error) {
	granted, err := e.quota.RequestPersistence(ctx)
	if err != nil {
		return Event{}, err
	}
	if !granted {
		return Event{}, playgroundstore.ErrNotSupported
	}
	return Event{Type: EvtPersistence, Payload: PersistencePayload{Persisted: true}}, nil
}

func (e *Engine) configureSecret(ctx context.Context, payload json.RawMessage) (Event, error) {
	var p configureSecretPayload
	if err := decode(payload, &p); err != nil {
		return Event{}, err
	}
	defer clear(p.Secret)
	if len(p.Secret) == 0 || p.Passphrase == "" {
		return Event{}, &invalidCommandError{msg: "secret and passphrase are required"}
	}
	passphrase := []byte(p.Passphrase)
	defer clear(passphrase)

	if err := e.vault.Configure(ctx, p.Secret, passphrase); err != nil {
		return Event{}, err
	}
	return Event{Type: EvtSecretConfigured}, nil
}

func (e *Engine) unlockSecret(ctx context.Context, payload json.RawMessage) (Event, error) {
	var p unlockSecretPayload
	if err := decode(payload, &p); err != nil {
		return Event{}, err
	}
	passphrase := []byte(p.Passphrase)
	defer clear(passphrase)

	secret, err := e.vault.Unlock(ctx, passphrase)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: EvtSecretUnlocked, Payload: SecretUnlockedPayload{Secret: secret}}, nil
}

func (e *Engine) clearSecret(ctx context.Context, _ json.RawMessage) (Event, error) {
	if err := e.vault.Clear(ctx); err != nil {
		return Event{}, err
	}
	return Event{Type: EvtSecretCleared}, nil
}

func (e *Engine) preferencesEvent(ctx context.Context, typ string) (Event, error) {
	p, err := e.prefs.Get(ctx)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, Payload: PreferencesPayload{Preferences: p}}, nil
}

func (e *Engine) getPreferences(ctx context.Context, _ json.RawMessage) (Event, error) {
	return e.preferencesEvent(ctx, EvtPreferences)
}

func (e *Engine) updatePreferences(ctx context.Context, payload json.RawMessage) (Event, error) {
	p := PreferencesPayload{Preferences: prefs.Defaults()}
	if err := decode(payload, &p); err != nil {
		return Event{}, err
	}
	if err := e.prefs.Update(ctx, p.Preferences); err != nil {
		return Event{}, err
	}
	return e.preferencesEvent(ctx, EvtPreferencesUpdated)
}

func (e *Engine) setPreference(ctx context.Context, payload json.RawMessage) (Event, error) {
	var p setPreferencePayload
	if err := decode(payload, &p); err != nil {
		return Event{}, err
	}
	var value any
	if err := decode(p.Value, &value); err != nil {
		return Event{}, err
	}
	if err := e.prefs.Set(ctx, p.Key, value); err != nil {
		return Event{}, err
	}
	return e.preferencesEvent(ctx, EvtPreferencesUpdated)
}

func (e *Engine) clearPreferences(ctx context.Context, _ json.RawMessage) (Event, error) {
	if err := e.prefs.Reset(ctx); err != nil {
		return Event{}, err
	}
	return e.preferencesEvent(ctx, EvtPreferencesUpdated)
}

func (e *Engine) exportAll(ctx context.Context, _ json.RawMessage) (Event, error) {
	data, err := e.backup.Export(ctx)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: EvtBackupExported, Payload: BackupExportedPayload{Data: data}}, nil
}

func (e *Engine) importAll(ctx context.Context, payload json.RawMessage) (Event, error) {
	var p dataPayload
	if err := decode(payload, &p); err != nil {
		return Event{}, err
	}
	result, err := e.backup.Import(ctx, p.Data)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: EvtBackupImported, Payload: result}, nil
}
