// Package prefs stores user preferences as per-key overrides of compiled-in
// defaults. Reads always return a complete Preferences value.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	playgroundstore "github.com/wolfeidau/playground-store"
	"github.com/wolfeidau/playground-store/kv"
)

// PreferencesTable holds one record per overridden preference key.
const PreferencesTable = "preferences"

// ErrUnknownKey is returned when setting a key that is not a preference.
var ErrUnknownKey = errors.New("unknown preference key")

// ValidationError reports a value of the wrong type or out of range.
type ValidationError struct {
	Key string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid preference %s: %v", e.Key, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Tables returns the preference partitions for inclusion in the store schema.
func Tables() []kv.Table {
	return []kv.Table{{Name: PreferencesTable, Since: 1}}
}

// Entry is one stored override.
type Entry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes preferences.
type Store struct {
	kv     kv.Store
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

// New creates a preference store over store.
func New(store kv.Store, opts ...Option) *Store {
	s := &Store{
		kv:     store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "prefs")
	return s
}

// Get returns the defaults merged with every stored override. Unknown keys
// and values that no longer validate are skipped.
func (s *Store) Get(ctx context.Context) (Preferences, error) {
	p := Defaults()
	for rec, err := range s.kv.Scan(ctx, PreferencesTable, "", kv.All) {
		if err != nil {
			return Preferences{}, &playgroundstore.DatabaseError{Op: "get preferences", Err: err}
		}
		f, ok := lookup(rec.Key)
		if !ok {
			s.logger.Debug("ignoring unknown preference", "key", rec.Key)
			continue
		}
		v, _, err := decodeValue(rec.Value)
		if err != nil {
			s.logger.Warn("skipping unreadable preference", "key", rec.Key, "error", err)
			continue
		}
		if err := f.set(&p, v); err != nil {
			s.logger.Warn("skipping invalid preference", "key", rec.Key, "error", err)
		}
	}
	return p, nil
}

// Set stores a single preference. value must be a string, bool, number or
// list of strings matching the key's type.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	f, ok := lookup(key)
	if !ok {
		return &ValidationError{Key: key, Err: ErrUnknownKey}
	}
	if list, ok := value.([]string); ok {
		items := make([]any, len(list))
		for i, item := range list {
			items[i] = item
		}
		value = items
	}
	v, err := structpb.NewValue(value)
	if err != nil {
		return &ValidationError{Key: key, Err: err}
	}
	scratch := Defaults()
	if err := f.set(&scratch, v); err != nil {
		return &ValidationError{Key: key, Err: err}
	}

	raw, err := encodeValue(v, s.now())
	if err != nil {
		return err
	}
	if err := s.kv.Put(ctx, PreferencesTable, key, raw); err != nil {
		return &playgroundstore.DatabaseError{Op: "set preference", Err: err}
	}
	s.logger.Debug("set preference", "key", key)
	return nil
}

// Update stores every field of p that differs from its default and removes
// overrides for fields equal to their default.
func (s *Store) Update(ctx context.Context, p Preferences) error {
	defaults := Defaults()
	now := s.now()

	err := s.kv.Update(ctx, func(tx kv.Tx) error {
		for _, f := range fields {
			v := f.get(&p)
			var check Preferences
			if err := f.set(&check, v); err != nil {
				return &ValidationError{Key: f.key, Err: err}
			}
			if proto.Equal(v, f.get(&defaults)) {
				if err := tx.Delete(PreferencesTable, f.key); err != nil {
					return err
				}
				continue
			}
			raw, err := encodeValue(v, now)
			if err != nil {
				return err
			}
			if err := tx.Put(PreferencesTable, f.key, raw); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapError("update preferences", err)
}

// Reset removes every override.
func (s *Store) Reset(ctx context.Context) error {
	entries, err := s.Entries(ctx)
	if err != nil {
		return err
	}
	err = s.kv.Update(ctx, func(tx kv.Tx) error {
		for _, e := range entries {
			if err := tx.Delete(PreferencesTable, e.Key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &playgroundstore.DatabaseError{Op: "reset preferences", Err: err}
	}
	s.logger.Info("preferences reset", "overrides", len(entries))
	return nil
}

// Entries returns the stored overrides, including unknown keys.
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	out := []Entry{}
	for rec, err := range s.kv.Scan(ctx, PreferencesTable, "", kv.All) {
		if err != nil {
			return nil, &playgroundstore.DatabaseError{Op: "read preferences", Err: err}
		}
		v, updated, err := decodeValue(rec.Value)
		if err != nil {
			s.logger.Warn("skipping unreadable preference", "key", rec.Key, "error", err)
			continue
		}
		out = append(out, Entry{Key: rec.Key, Value: v.AsInterface(), UpdatedAt: updated})
	}
	return out, nil
}

// Restore writes entries back, skipping keys that are unknown or invalid.
// It returns the number restored.
func (s *Store) Restore(ctx context.Context, entries []Entry) (int, error) {
	restored := 0
	for _, e := range entries {
		err := s.Set(ctx, e.Key, e.Value)
		var verr *ValidationError
		if errors.As(err, &verr) {
			s.logger.Warn("skipping preference on restore", "key", e.Key, "error", err)
			continue
		}
		if err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

func encodeValue(v *structpb.Value, updated time.Time) ([]byte, error) {
	rec := &structpb.Struct{Fields: map[string]*structpb.Value{
		"value":      v,
		"updated_at": structpb.NewStringValue(updated.UTC().Format(time.RFC3339Nano)),
	}}
	raw, err := proto.Marshal(rec)
	if err != nil {
		return nil, &playgroundstore.SerializationError{Err: err}
	}
	return raw, nil
}

func decodeValue(raw []byte) (*structpb.Value, time.Time, error) {
	var rec structpb.Struct
	if err := proto.Unmarshal(raw, &rec); err != nil {
		return nil, time.Time{}, err
	}
	v, ok := rec.GetFields()["value"]
	if !ok {
		return nil, time.Time{}, errors.New("missing value")
	}
	updated, _ := time.Parse(time.RFC3339Nano, rec.GetFields()["updated_at"].GetStringValue())
	return v, updated, nil
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var verr *ValidationError
	var serr *playgroundstore.SerializationError
	if errors.As(err, &verr) || errors.As(err, &serr) {
		return err
	}
	return &playgroundstore.DatabaseError{Op: op, Err: err}
}
