// Package engine wires the storage components onto one store handle and
// exposes them through a command/event message surface.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	playgroundstore "github.com/wolfeidau/playground-store"
	"github.com/wolfeidau/playground-store/backend"
	"github.com/wolfeidau/playground-store/backup"
	"github.com/wolfeidau/playground-store/cache"
	"github.com/wolfeidau/playground-store/kv"
	"github.com/wolfeidau/playground-store/notebook"
	"github.com/wolfeidau/playground-store/prefs"
	"github.com/wolfeidau/playground-store/quota"
	"github.com/wolfeidau/playground-store/telemetry"
	"github.com/wolfeidau/playground-store/vault"
)

// SchemaVersion is the current version of the composed store schema.
const SchemaVersion uint32 = 1

const eventBuffer = 64

// Schema returns the tables of every component.
func Schema() kv.Schema {
	return kv.Schema{
		Version: SchemaVersion,
		Tables:  slices.Concat(cache.Tables(), notebook.Tables(), prefs.Tables()),
	}
}

// Config configures an Engine.
type Config struct {
	// Path is the database file. Empty selects an in-memory store.
	Path string

	// NoSync skips fsync after each commit.
	NoSync bool

	// MaxBytes is a hard limit on stored bytes enforced by the store.
	MaxBytes uint64

	Cache cache.Config

	// Quota reports platform capacity. Nil uses the filesystem holding Path,
	// or Unknown for an in-memory store.
	Quota quota.Source

	// WarnThreshold is the usage fraction that emits a QuotaWarning event.
	WarnThreshold float64

	// ArchiveDir enables stored backup archives.
	ArchiveDir string

	// Janitor starts the background expiry and trim loop.
	Janitor bool

	Logger *slog.Logger
}

// DefaultConfig returns an in-memory configuration with default cache
// limits.
func DefaultConfig() Config {
	return Config{
		Cache:         cache.DefaultConfig(),
		WarnThreshold: quota.DefaultWarnThreshold,
	}
}

// Engine owns the store handle and every component built on it.
type Engine struct {
	store   kv.Store
	durable bool
	logger  *slog.Logger

	quota     *quota.Monitor
	cache     *cache.Store
	janitor   *cache.Janitor
	notebooks *notebook.Store
	prefs     *prefs.Store
	vault     *vault.Vault
	backup    *backup.Service

	handlers map[string]handler
	events   chan Event
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	closeOnce sync.Once
}

type handler func(ctx context.Context, payload json.RawMessage) (Event, error)

// Open builds an Engine. If the durable store cannot be opened the engine
// degrades to an in-memory store and logs a single warning.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, durable, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	source := cfg.Quota
	if source == nil && durable {
		source = quota.Filesystem{Path: cfg.Path}
	}
	monitor := quota.New(store, source, quota.WithLogger(logger), quota.WithWarnThreshold(cfg.WarnThreshold))

	cacheCfg := cfg.Cache
	if cacheCfg.Logger == nil {
		cacheCfg.Logger = logger
	}
	blobs := cache.New(store, monitor, cacheCfg)

	notebooks, err := notebook.New(store, notebook.WithLogger(logger))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	preferences := prefs.New(store, prefs.WithLogger(logger))

	backupOpts := []backup.Option{backup.WithLogger(logger), backup.WithCache(blobs)}
	if cfg.ArchiveDir != "" {
		fs, err := backend.NewFilesystem(cfg.ArchiveDir)
		if err != nil {
			notebooks.Close()
			_ = store.Close()
			return nil, fmt.Errorf("opening archive directory: %w", err)
		}
		backupOpts = append(backupOpts, backup.WithArchive(backend.NewInstrumented(fs, "filesystem")))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &Engine{
		store:     store,
		durable:   durable,
		logger:    logger.With("component", "engine"),
		quota:     monitor,
		cache:     blobs,
		janitor:   cache.NewJanitor(blobs),
		notebooks: notebooks,
		prefs:     preferences,
		vault:     vault.New(store, vault.WithLogger(logger)),
		backup:    backup.New(notebooks, preferences, backupOpts...),
		events:    make(chan Event, eventBuffer),
		cancel:    cancel,
	}
	e.handlers = e.routes()

	warnings := monitor.Subscribe(8)
	e.wg.Add(1)
	go e.forwardWarnings(runCtx, warnings)

	if cfg.Janitor {
		e.janitor.Start(runCtx)
	}
	return e, nil
}

func openStore(cfg Config, logger *slog.Logger) (kv.Store, bool, error) {
	opts := []kv.Option{kv.WithLogger(logger), kv.WithNoSync(cfg.NoSync)}
	if cfg.MaxBytes > 0 {
		opts = append(opts, kv.WithMaxBytes(cfg.MaxBytes))
	}

	if cfg.Path != "" {
		store, err := kv.Open(cfg.Path, Schema(), opts...)
		if err == nil {
			return store, true, nil
		}
		if errors.Is(err, kv.ErrSchemaTooNew) {
			return nil, false, &playgroundstore.DatabaseError{Op: "open store", Err: err}
		}
		logger.Warn("durable storage unavailable, falling back to in-memory store; data will not survive restart",
			"path", cfg.Path,
			"error", err,
		)
	}

	store, err := kv.NewMemory(Schema(), opts...)
	if err != nil {
		return nil, false, &playgroundstore.DatabaseError{Op: "open store", Err: err}
	}
	return store, false, nil
}

// Durable reports whether data survives a restart.
func (e *Engine) Durable() bool {
	return e.durable
}

// Events returns the channel of unsolicited events such as QuotaWarning.
// Events are dropped when the channel is full.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Cache returns the blob cache.
func (e *Engine) Cache() *cache.Store { return e.cache }

// Janitor returns the cache janitor.
func (e *Engine) Janitor() *cache.Janitor { return e.janitor }

// Backup returns the backup service.
func (e *Engine) Backup() *backup.Service { return e.backup }

// Quota returns the quota monitor.
func (e *Engine) Quota() *quota.Monitor { return e.quota }

// Execute runs one command and returns its result or error event.
func (e *Engine) Execute(ctx context.Context, cmd Command) Event {
	telemetry.SetCommand(ctx, cmd.Type)

	h, ok := e.handlers[cmd.Type]
	if !ok {
		return errorEvent(cmd.Type, &invalidCommandError{msg: fmt.Sprintf("unknown command type %q", cmd.Type)})
	}

	start := time.Now()
	evt, err := h(ctx, cmd.Payload)
	if err != nil {
		e.logger.Debug("command failed", "command", cmd.Type, "duration", time.Since(start), "error", err)
		return errorEvent(cmd.Type, err)
	}
	e.logger.Debug("command complete", "command", cmd.Type, "duration", time.Since(start))
	return evt
}

// ExecuteJSON decodes a command envelope, runs it and encodes the result.
func (e *Engine) ExecuteJSON(ctx context.Context, raw []byte) []byte {
	var cmd Command
	var evt Event
	if err := json.Unmarshal(raw, &cmd); err != nil {
		evt = errorEvent("", &invalidCommandError{msg: "malformed command", err: err})
	} else {
		evt = e.Execute(ctx, cmd)
	}

	out, err := json.Marshal(evt)
	if err != nil {
		out, _ = json.Marshal(errorEvent(cmd.Type, &playgroundstore.SerializationError{Err: err}))
	}
	return out
}

func (e *Engine) forwardWarnings(ctx context.Context, warnings <-chan quota.Warning) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-warnings:
			e.publish(Event{Type: EvtQuotaWarning, Payload: w})
		}
	}
}

func (e *Engine) publish(evt Event) {
	select {
	case e.events <- evt:
	default:
		e.logger.Debug("dropping event, no reader", "type", evt.Type)
	}
}

// Close stops background work and closes the store.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.janitor.Stop()
		e.cancel()
		e.wg.Wait()
		e.notebooks.Close()
		err = e.store.Close()
	})
	return err
}
