// Package notebook persists user notebooks. Full documents are stored
// compressed in one partition and a cell-free summary in another, so
// listing never decodes cells.
package notebook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	playgroundstore "github.com/wolfeidau/playground-store"
	"github.com/wolfeidau/playground-store/kv"
)

// Table names owned by the notebook store.
const (
	DocumentsTable = "documents"
	SummariesTable = "document_summaries"
)

const exportFormat = "playground-notebook"

// Tables returns the notebook partitions for inclusion in the store schema.
func Tables() []kv.Table {
	return []kv.Table{
		{Name: DocumentsTable, Since: 1},
		{
			Name:  SummariesTable,
			Since: 1,
			Indexes: []kv.Index{
				{Name: "title", Since: 1, Key: summaryIndex(func(s *Summary) ([]byte, bool) {
					return kv.StringKey(strings.ToLower(s.Title)), true
				})},
				{Name: "created_at", Since: 1, Key: summaryIndex(func(s *Summary) ([]byte, bool) {
					return kv.TimeKey(s.CreatedAt), true
				})},
				{Name: "updated_at", Since: 1, Key: summaryIndex(func(s *Summary) ([]byte, bool) {
					return kv.TimeKey(s.UpdatedAt), true
				})},
				{Name: "external_publish_id", Since: 1, Key: summaryIndex(func(s *Summary) ([]byte, bool) {
					if s.ExternalPublishID == nil || *s.ExternalPublishID == "" {
						return nil, false
					}
					return kv.StringKey(*s.ExternalPublishID), true
				})},
			},
		},
	}
}

func summaryIndex(fn func(*Summary) ([]byte, bool)) kv.IndexFunc {
	return func(_ string, value []byte) ([]byte, bool) {
		var s Summary
		if err := json.Unmarshal(value, &s); err != nil {
			return nil, false
		}
		return fn(&s)
	}
}

// Store persists notebooks.
type Store struct {
	kv     kv.Store
	codec  *Codec
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a notebook store over store.
func New(store kv.Store, opts ...Option) (*Store, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}
	s := &Store{
		kv:     store,
		codec:  codec,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "notebook")
	return s, nil
}

// Close releases the codec.
func (s *Store) Close() {
	s.codec.Close()
}

// Save upserts nb by id. UpdatedAt is always set from the store clock and
// strictly increases across saves of the same notebook; CreatedAt of an
// existing notebook is kept. The saved notebook is returned.
func (s *Store) Save(ctx context.Context, nb *Notebook) (*Notebook, error) {
	saved := *nb
	saved.Cells = slices.Clone(nb.Cells)
	saved.normalize()

	err := s.kv.Update(ctx, func(tx kv.Tx) error {
		now := s.now().UTC()

		prev, err := getSummary(tx, saved.ID)
		switch {
		case err == nil:
			saved.CreatedAt = prev.CreatedAt
			if !now.After(prev.UpdatedAt) {
				now = prev.UpdatedAt.Add(time.Nanosecond)
			}
		case errors.Is(err, kv.ErrNotFound):
			if saved.CreatedAt.IsZero() {
				saved.CreatedAt = now
			}
		default:
			return err
		}
		saved.UpdatedAt = now

		return s.put(tx, &saved)
	})
	if err != nil {
		return nil, wrapError("save document", err)
	}

	s.logger.Debug("saved notebook", "id", saved.ID, "cells", len(saved.Cells))
	return &saved, nil
}

// Restore writes nb exactly as given, keeping its id and timestamps.
func (s *Store) Restore(ctx context.Context, nb *Notebook) error {
	restored := *nb
	restored.normalize()
	err := s.kv.Update(ctx, func(tx kv.Tx) error {
		return s.put(tx, &restored)
	})
	return wrapError("restore document", err)
}

func (s *Store) put(tx kv.Tx, nb *Notebook) error {
	doc, err := json.Marshal(nb)
	if err != nil {
		return &playgroundstore.SerializationError{Err: err}
	}
	framed, err := s.codec.Encode(doc)
	if err != nil {
		return &playgroundstore.SerializationError{Err: err}
	}
	summary, err := json.Marshal(nb.Summary())
	if err != nil {
		return &playgroundstore.SerializationError{Err: err}
	}

	key := nb.ID.String()
	if err := tx.Put(DocumentsTable, key, framed); err != nil {
		return err
	}
	return tx.Put(SummariesTable, key, summary)
}

// Load returns the notebook with id.
func (s *Store) Load(ctx context.Context, id uuid.UUID) (*Notebook, error) {
	framed, err := s.kv.Get(ctx, DocumentsTable, id.String())
	if errors.Is(err, kv.ErrNotFound) {
		return nil, &playgroundstore.NotFoundError{Key: id.String()}
	}
	if err != nil {
		return nil, &playgroundstore.DatabaseError{Op: "load document", Err: err}
	}
	return s.decode(id.String(), framed)
}

func (s *Store) decode(key string, framed []byte) (*Notebook, error) {
	doc, err := s.codec.Decode(framed)
	if errors.Is(err, ErrDigestMismatch) {
		return nil, &playgroundstore.CorruptedError{Key: key, Message: err.Error()}
	}
	if err != nil {
		return nil, &playgroundstore.SerializationError{Err: err}
	}
	var nb Notebook
	if err := json.Unmarshal(doc, &nb); err != nil {
		return nil, &playgroundstore.SerializationError{Err: err}
	}
	return &nb, nil
}

// Delete removes the notebook with id.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	key := id.String()
	err := s.kv.Update(ctx, func(tx kv.Tx) error {
		if _, err := tx.Get(SummariesTable, key); err != nil {
			return err
		}
		if err := tx.Delete(DocumentsTable, key); err != nil {
			return err
		}
		return tx.Delete(SummariesTable, key)
	})
	if errors.Is(err, kv.ErrNotFound) {
		return &playgroundstore.NotFoundError{Key: key}
	}
	if err != nil {
		return &playgroundstore.DatabaseError{Op: "delete document", Err: err}
	}
	s.logger.Debug("deleted notebook", "id", key)
	return nil
}

// List returns all summaries, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	out := []Summary{}
	for rec, err := range s.kv.Scan(ctx, SummariesTable, "updated_at", kv.All) {
		if err != nil {
			return nil, &playgroundstore.DatabaseError{Op: "list documents", Err: err}
		}
		var sum Summary
		if err := json.Unmarshal(rec.Value, &sum); err != nil {
			s.logger.Warn("skipping unreadable summary", "id", rec.Key, "error", err)
			continue
		}
		out = append(out, sum)
	}
	slices.Reverse(out)
	return out, nil
}

// All returns every notebook in id order.
func (s *Store) All(ctx context.Context) ([]*Notebook, error) {
	var out []*Notebook
	for rec, err := range s.kv.Scan(ctx, DocumentsTable, "", kv.All) {
		if err != nil {
			return nil, &playgroundstore.DatabaseError{Op: "read documents", Err: err}
		}
		nb, err := s.decode(rec.Key, rec.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, nb)
	}
	return out, nil
}

// FindByPublishID returns the summary of the notebook published under pid.
func (s *Store) FindByPublishID(ctx context.Context, pid string) (*Summary, error) {
	ik := kv.StringKey(pid)
	r := kv.Range{Start: ik, End: append(slices.Clone(ik), 0)}
	for rec, err := range s.kv.Scan(ctx, SummariesTable, "external_publish_id", r) {
		if err != nil {
			return nil, &playgroundstore.DatabaseError{Op: "find document", Err: err}
		}
		var sum Summary
		if err := json.Unmarshal(rec.Value, &sum); err != nil {
			return nil, &playgroundstore.SerializationError{Err: err}
		}
		return &sum, nil
	}
	return nil, &playgroundstore.NotFoundError{Key: pid}
}

type exportEnvelope struct {
	Format   string    `json:"format"`
	Version  uint32    `json:"version"`
	Notebook *Notebook `json:"notebook"`
}

// Export serializes the notebook with id for sharing.
func (s *Store) Export(ctx context.Context, id uuid.UUID) ([]byte, error) {
	nb, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(exportEnvelope{Format: exportFormat, Version: CurrentSchemaVersion, Notebook: nb})
	if err != nil {
		return nil, &playgroundstore.SerializationError{Err: err}
	}
	return b, nil
}

// Import saves an exported notebook under a fresh id with fresh timestamps.
func (s *Store) Import(ctx context.Context, data []byte) (*Notebook, error) {
	var env exportEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &playgroundstore.SerializationError{Err: err}
	}
	if env.Format != exportFormat || env.Notebook == nil {
		return nil, &playgroundstore.SerializationError{Err: fmt.Errorf("not a notebook export (format %q)", env.Format)}
	}
	if env.Version > CurrentSchemaVersion {
		return nil, &playgroundstore.SerializationError{Err: fmt.Errorf("notebook export version %d is newer than supported %d", env.Version, CurrentSchemaVersion)}
	}

	nb := env.Notebook
	nb.ID = uuid.New()
	nb.CreatedAt = time.Time{}
	nb.UpdatedAt = time.Time{}
	return s.Save(ctx, nb)
}

func getSummary(tx kv.Tx, id uuid.UUID) (*Summary, error) {
	raw, err := tx.Get(SummariesTable, id.String())
	if err != nil {
		return nil, err
	}
	var sum Summary
	if err := json.Unmarshal(raw, &sum); err != nil {
		return nil, &playgroundstore.SerializationError{Err: err}
	}
	return &sum, nil
}

// wrapError maps store failures onto the error taxonomy, leaving already
// classified errors untouched.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var serr *playgroundstore.SerializationError
	if errors.As(err, &serr) {
		return err
	}
	return &playgroundstore.DatabaseError{Op: op, Err: err}
}
