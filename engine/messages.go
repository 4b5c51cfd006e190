package engine

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	playgroundstore "github.com/wolfeidau/playground-store"
	"github.com/wolfeidau/playground-store/cache"
	"github.com/wolfeidau/playground-store/notebook"
	"github.com/wolfeidau/playground-store/prefs"
)

// Command is a request envelope: {"type": "...", "payload": {...}}.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is a result envelope. Failures use the "error" type with an
// ErrorPayload.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Command types.
const (
	CmdCheckCache         = "CheckCache"
	CmdCacheBlob          = "CacheBlob"
	CmdGetCachedBlob      = "GetCachedBlob"
	CmdEvictCache         = "EvictCache"
	CmdClearCache         = "ClearCache"
	CmdGetCacheStats      = "GetCacheStats"
	CmdRunCleanup         = "RunCleanup"
	CmdSaveDocument       = "SaveDocument"
	CmdLoadDocument       = "LoadDocument"
	CmdListDocuments      = "ListDocuments"
	CmdDeleteDocument     = "DeleteDocument"
	CmdExportDocument     = "ExportDocument"
	CmdImportDocument     = "ImportDocument"
	CmdFindPublished      = "FindPublishedDocument"
	CmdGetQuota           = "GetQuota"
	CmdRequestPersistence = "RequestPersistence"
	CmdConfigureSecret    = "ConfigureSecret"
	CmdUnlockSecret       = "UnlockSecret"
	CmdClearSecret        = "ClearSecret"
	CmdGetPreferences     = "GetPreferences"
	CmdUpdatePreferences  = "UpdatePreferences"
	CmdSetPreference      = "SetPreference"
	CmdClearPreferences   = "ClearPreferences"
	CmdExportAll          = "ExportAll"
	CmdImportAll          = "ImportAll"
)

// Event types.
const (
	EvtCacheStatus        = "CacheStatus"
	EvtBlobCached         = "BlobCached"
	EvtBlobLoaded         = "BlobLoaded"
	EvtCacheEvicted       = "CacheEvicted"
	EvtCacheCleared       = "CacheCleared"
	EvtCacheStats         = "CacheStats"
	EvtCleanupComplete    = "CleanupComplete"
	EvtDocumentSaved      = "DocumentSaved"
	EvtDocumentLoaded     = "DocumentLoaded"
	EvtDocumentList       = "DocumentList"
	EvtDocumentDeleted    = "DocumentDeleted"
	EvtDocumentExported   = "DocumentExported"
	EvtDocumentImported   = "DocumentImported"
	EvtDocumentFound      = "DocumentFound"
	EvtQuotaInfo          = "QuotaInfo"
	EvtQuotaWarning       = "QuotaWarning"
	EvtPersistence        = "PersistenceGranted"
	EvtSecretConfigured   = "SecretConfigured"
	EvtSecretUnlocked     = "SecretUnlocked"
	EvtSecretCleared      = "SecretCleared"
	EvtPreferences        = "Preferences"
	EvtPreferencesUpdated = "PreferencesUpdated"
	EvtBackupExported     = "BackupExported"
	EvtBackupImported     = "BackupImported"
	EvtError              = "error"
)

// Error types carried in ErrorInfo.Type.
const (
	ErrTypeQuotaExceeded   = "QuotaExceeded"
	ErrTypeNotFound        = "NotFound"
	ErrTypeCorrupted       = "Corrupted"
	ErrTypeDatabase        = "DatabaseError"
	ErrTypeWrongPassphrase = "WrongPassphrase"
	ErrTypeNotSupported    = "NotSupported"
	ErrTypeSerialization   = "SerializationError"
	ErrTypeInvalidCommand  = "InvalidCommand"
)

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Operation string    `json:"operation"`
	Error     ErrorInfo `json:"error"`
}

// ErrorInfo classifies a failure.
type ErrorInfo struct {
	Type    string `json:"type"`
	Details any    `json:"details,omitempty"`
}

// Command payloads.

type cacheKeyPayload struct {
	Key       string  `json:"key"`
	Validator *string `json:"validator,omitempty"`
}

type cacheBlobPayload struct {
	Key       string  `json:"key"`
	Bytes     []byte  `json:"bytes"`
	Validator *string `json:"validator,omitempty"`
}

type cleanupPayload struct {
	TargetBytes uint64 `json:"target_bytes"`
}

type documentIDPayload struct {
	ID uuid.UUID `json:"id"`
}

type publishIDPayload struct {
	ExternalPublishID string `json:"external_publish_id"`
}

type dataPayload struct {
	Data []byte `json:"data"`
}

type configureSecretPayload struct {
	Secret     []byte `json:"secret"`
	Passphrase string `json:"passphrase"`
}

type unlockSecretPayload struct {
	Passphrase string `json:"passphrase"`
}

type setPreferencePayload struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Event payloads.

// CacheStatusPayload answers CheckCache.
type CacheStatusPayload struct {
	Status   cache.Status `json:"status"`
	Metadata *cache.Entry `json:"metadata,omitempty"`
}

// BlobCachedPayload answers CacheBlob.
type BlobCachedPayload struct {
	Key  string `json:"key"`
	Size uint64 `json:"size"`
}

// BlobLoadedPayload answers GetCachedBlob.
type BlobLoadedPayload struct {
	Key      string       `json:"key"`
	Bytes    []byte       `json:"bytes"`
	Metadata *cache.Entry `json:"metadata"`
}

// CacheEvictedPayload answers EvictCache.
type CacheEvictedPayload struct {
	Key        string `json:"key"`
	FreedBytes uint64 `json:"freed_bytes"`
}

// CacheClearedPayload answers ClearCache.
type CacheClearedPayload struct {
	Count int    `json:"count"`
	Bytes uint64 `json:"bytes"`
}

// DocumentSavedPayload answers SaveDocument.
type DocumentSavedPayload struct {
	ID        uuid.UUID `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DocumentLoadedPayload answers LoadDocument.
type DocumentLoadedPayload struct {
	Notebook *notebook.Notebook `json:"notebook"`
}

// DocumentIDPayload answers DeleteDocument.
type DocumentIDPayload struct {
	ID uuid.UUID `json:"id"`
}

// DocumentExportedPayload answers ExportDocument.
type DocumentExportedPayload struct {
	ID   uuid.UUID `json:"id"`
	Data []byte    `json:"data"`
}

// PersistencePayload answers RequestPersistence.
type PersistencePayload struct {
	Persisted bool `json:"persisted"`
}

// SecretUnlockedPayload answers UnlockSecret.
type SecretUnlockedPayload struct {
	Secret []byte `json:"secret"`
}

// PreferencesPayload carries the merged preferences.
type PreferencesPayload struct {
	Preferences prefs.Preferences `json:"preferences"`
}

// BackupExportedPayload answers ExportAll.
type BackupExportedPayload struct {
	Data []byte `json:"data"`
}

// errorEvent maps err onto the error taxonomy.
func errorEvent(operation string, err error) Event {
	info := ErrorInfo{Type: ErrTypeDatabase, Details: map[string]string{"message": err.Error()}}

	var (
		quotaErr    *playgroundstore.QuotaExceededError
		notFound    *playgroundstore.NotFoundError
		corrupted   *playgroundstore.CorruptedError
		serialErr   *playgroundstore.SerializationError
		validateErr *prefs.ValidationError
		invalid     *invalidCommandError
	)
	switch {
	case errors.As(err, &quotaErr):
		info = ErrorInfo{Type: ErrTypeQuotaExceeded, Details: map[string]uint64{
			"required":  quotaErr.Required,
			"available": quotaErr.Available,
		}}
	case errors.As(err, &notFound):
		info = ErrorInfo{Type: ErrTypeNotFound, Details: map[string]string{"key": notFound.Key}}
	case errors.As(err, &corrupted):
		info = ErrorInfo{Type: ErrTypeCorrupted, Details: map[string]string{"key": corrupted.Key, "message": corrupted.Message}}
	case errors.Is(err, playgroundstore.ErrWrongPassphrase):
		info = ErrorInfo{Type: ErrTypeWrongPassphrase}
	case errors.Is(err, playgroundstore.ErrNotSupported):
		info = ErrorInfo{Type: ErrTypeNotSupported}
	case errors.As(err, &serialErr):
		info = ErrorInfo{Type: ErrTypeSerialization, Details: map[string]string{"message": serialErr.Err.Error()}}
	case errors.As(err, &validateErr), errors.As(err, &invalid):
		info = ErrorInfo{Type: ErrTypeInvalidCommand, Details: map[string]string{"message": err.Error()}}
	}

	return Event{Type: EvtError, Payload: ErrorPayload{Operation: operation, Error: info}}
}

type invalidCommandError struct {
	msg string
	err error
}

func (e *invalidCommandError) Error() string {
	if e.err == nil {
		return e.msg
	}
	return e.msg + ": " + e.err.Error()
}

func (e *invalidCommandError) Unwrap() error {
	return e.err
}
