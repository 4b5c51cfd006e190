// Package backup exports and restores user data as a single archive:
// every notebook, the stored preference overrides and, for reference, the
// cache metadata. Cached payloads are not included.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"

	playgroundstore "github.com/wolfeidau/playground-store"
	"github.com/wolfeidau/playground-store/backend"
	"github.com/wolfeidau/playground-store/cache"
	"github.com/wolfeidau/playground-store/notebook"
	"github.com/wolfeidau/playground-store/prefs"
)

const (
	// Format identifies backup archives.
	Format = "playground-backup"

	// Version is the archive version written by this package.
	Version uint32 = 1

	// MaxBundleSize bounds the decompressed size of an archive.
	MaxBundleSize = 256 * 1024 * 1024

	encodingZstd = "zstd"
)

// Bundle is the decoded archive body.
type Bundle struct {
	Format       string               `json:"format"`
	Version      uint32               `json:"version"`
	CreatedAt    time.Time            `json:"created_at"`
	Notebooks    []*notebook.Notebook `json:"notebooks"`
	Preferences  []prefs.Entry        `json:"preferences"`
	CacheEntries []*cache.Entry       `json:"cache_entries,omitempty"`
}

// Result summarises a restore.
type Result struct {
	Notebooks          int `json:"notebooks"`
	Preferences        int `json:"preferences"`
	SkippedPreferences int `json:"skipped_preferences"`
}

// Service builds and restores archives.
type Service struct {
	notebooks *notebook.Store
	prefs     *prefs.Store
	cache     *cache.Store
	archive   backend.Backend
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithCache includes cache metadata in exported archives.
func WithCache(c *cache.Store) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// WithArchive sets where Save and Load keep archives.
func WithArchive(b backend.Backend) Option {
	return func(s *Service) {
		s.archive = b
	}
}

// New creates a backup service.
func New(notebooks *notebook.Store, preferences *prefs.Store, opts ...Option) *Service {
	s := &Service{
		notebooks: notebooks,
		prefs:     preferences,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "backup")
	return s
}

// Export returns a framed, compressed archive of all user data.
func (s *Service) Export(ctx context.Context) ([]byte, error) {
	bundle, err := s.collect(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(bundle)
	if err != nil {
		return nil, &playgroundstore.SerializationError{Err: err}
	}
	digest := playgroundstore.HashBytes(body)

	var compressed bytes.Buffer
	zw, err := zstd.NewWriter(&compressed)
	if err != nil {
		return nil, fmt.Errorf("creating zstd writer: %w", err)
	}
	if _, err := zw.Write(body); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("compressing archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing archive: %w", err)
	}

	header := &backend.Header{
		Format:        Format,
		Version:       Version,
		CreatedAt:     bundle.CreatedAt.Format(time.RFC3339),
		Encoding:      encodingZstd,
		ContentLength: int64(len(body)),
		ContentHash:   "blake3:" + digest.String(),
		Counts: map[string]int{
			"notebooks":     len(bundle.Notebooks),
			"preferences":   len(bundle.Preferences),
			"cache_entries": len(bundle.CacheEntries),
		},
	}

	var out bytes.Buffer
	if err := backend.WriteFramed(&out, header, &compressed); err != nil {
		return nil, err
	}

	s.logger.Info("exported archive",
		"notebooks", len(bundle.Notebooks),
		"preferences", len(bundle.Preferences),
		"bytes", out.Len(),
	)
	return out.Bytes(), nil
}

func (s *Service) collect(ctx context.Context) (*Bundle, error) {
	nbs, err := s.notebooks.All(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := s.prefs.Entries(ctx)
	if err != nil {
		return nil, err
	}
	bundle := &Bundle{
		Format:      Format,
		Version:     Version,
		CreatedAt:   s.now().UTC(),
		Notebooks:   nbs,
		Preferences: entries,
	}
	if bundle.Notebooks == nil {
		bundle.Notebooks = []*notebook.Notebook{}
	}
	if s.cache != nil {
		if bundle.CacheEntries, err = s.cache.Entries(ctx); err != nil {
			return nil, err
		}
	}
	return bundle, nil
}

// Decode parses an archive. Plain JSON bundles are accepted as well as
// framed ones.
func Decode(data []byte) (*Bundle, error) {
	body := data
	if backend.IsFramed(data) {
		var err error
		if body, err = unframe(data); err != nil {
			return nil, err
		}
	}

	var bundle Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, &playgroundstore.SerializationError{Err: err}
	}
	if bundle.Format != Format {
		return nil, &playgroundstore.SerializationError{Err: fmt.Errorf("not a backup archive (format %q)", bundle.Format)}
	}
	if bundle.Version > Version {
		return nil, &playgroundstore.SerializationError{Err: fmt.Errorf("archive version %d is newer than supported %d", bundle.Version, Version)}
	}
	return &bundle, nil
}

func unframe(data []byte) ([]byte, error) {
	header, body, err := backend.ReadFramed(bytes.NewReader(data))
	if err != nil {
		return nil, &playgroundstore.SerializationError{Err: err}
	}
	if header.Encoding != encodingZstd {
		return nil, &playgroundstore.SerializationError{Err: fmt.Errorf("unsupported archive encoding %q", header.Encoding)}
	}

	zr, err := zstd.NewReader(body, zstd.WithDecoderMaxMemory(MaxBundleSize))
	if err != nil {
		return nil, &playgroundstore.SerializationError{Err: err}
	}
	defer zr.Close()

	hr := playgroundstore.NewHashingReader(io.LimitReader(zr, MaxBundleSize+1))
	out, err := io.ReadAll(hr)
	if err != nil {
		return nil, &playgroundstore.CorruptedError{Key: "archive", Message: err.Error()}
	}
	if len(out) > MaxBundleSize {
		return nil, &playgroundstore.SerializationError{Err: errors.New("archive exceeds maximum size")}
	}
	if want := "blake3:" + hr.Sum().String(); want != header.ContentHash {
		return nil, &playgroundstore.CorruptedError{Key: "archive", Message: "content hash mismatch"}
	}
	return out, nil
}

// Import restores an archive. Notebooks keep their ids and overwrite any
// notebook with the same id; preferences unknown to this build are skipped.
// Cache metadata is informational and never restored.
func (s *Service) Import(ctx context.Context, data []byte) (Result, error) {
	bundle, err := Decode(data)
	if err != nil {
		return Result{}, err
	}

	var result Result
	for _, nb := range bundle.Notebooks {
		if nb == nil {
			continue
		}
		if err := s.notebooks.Restore(ctx, nb); err != nil {
			return result, err
		}
		result.Notebooks++
	}

	restored, err := s.prefs.Restore(ctx, bundle.Preferences)
	result.Preferences = restored
	result.SkippedPreferences = len(bundle.Preferences) - restored
	if err != nil {
		return result, err
	}

	s.logger.Info("imported archive",
		"notebooks", result.Notebooks,
		"preferences", result.Preferences,
		"skipped_preferences", result.SkippedPreferences,
	)
	return result, nil
}

// Save exports an archive and stores it under name.
func (s *Service) Save(ctx context.Context, name string) (backend.Info, error) {
	if s.archive == nil {
		return backend.Info{}, errors.New("backup: no archive backend configured")
	}
	data, err := s.Export(ctx)
	if err != nil {
		return backend.Info{}, err
	}
	if err := s.archive.Write(ctx, name, bytes.NewReader(data)); err != nil {
		return backend.Info{}, &playgroundstore.DatabaseError{Op: "save archive", Err: err}
	}
	return backend.Info{Key: name, Size: int64(len(data))}, nil
}

// Load reads the archive stored under name and imports it.
func (s *Service) Load(ctx context.Context, name string) (Result, error) {
	if s.archive == nil {
		return Result{}, errors.New("backup: no archive backend configured")
	}
	rc, err := s.archive.Read(ctx, name)
	if errors.Is(err, backend.ErrNotFound) {
		return Result{}, &playgroundstore.NotFoundError{Key: name}
	}
	if err != nil {
		return Result{}, &playgroundstore.DatabaseError{Op: "load archive", Err: err}
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(io.LimitReader(rc, MaxBundleSize))
	if err != nil {
		return Result{}, &playgroundstore.DatabaseError{Op: "load archive", Err: err}
	}
	return s.Import(ctx, data)
}

// List returns the stored archives.
func (s *Service) List(ctx context.Context) ([]backend.Info, error) {
	if s.archive == nil {
		return []backend.Info{}, nil
	}
	return s.archive.List(ctx, "")
}
