package kv

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
)

// Memory implements Store in process memory. Nothing survives Close.
type Memory struct {
	mu     sync.RWMutex
	cfg    config
	tables map[string]*Table
	data   map[string]map[string][]byte
	used   uint64
	logger *slog.Logger
}

// NewMemory creates an empty in-memory store for schema.
func NewMemory(schema Schema, opts ...Option) (*Memory, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	cfg := newConfig(opts)
	m := &Memory{
		cfg:    cfg,
		tables: schema.tables(),
		data:   make(map[string]map[string][]byte),
		logger: cfg.logger,
	}
	for name := range m.tables {
		m.data[name] = make(map[string][]byte)
	}
	return m, nil
}

// Durable reports false.
func (m *Memory) Durable() bool {
	return false
}

// Close drops all data.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.data {
		m.data[name] = make(map[string][]byte)
	}
	m.used = 0
	return nil
}

func (m *Memory) Get(ctx context.Context, table, key string) ([]byte, error) {
	var out []byte
	err := m.View(ctx, func(tx Tx) error {
		v, err := tx.Get(table, key)
		out = v
		return err
	})
	return out, err
}

func (m *Memory) Put(ctx context.Context, table, key string, value []byte) error {
	return m.Update(ctx, func(tx Tx) error {
		return tx.Put(table, key, value)
	})
}

func (m *Memory) Delete(ctx context.Context, table, key string) error {
	return m.Update(ctx, func(tx Tx) error {
		return tx.Delete(table, key)
	})
}

// Update runs fn with writers serialized. Writes are staged and applied
// only if fn succeeds.
func (m *Memory) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{m: m, writable: true, used: m.used, staged: make(map[string]map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}

	for table, writes := range tx.staged {
		for k, v := range writes {
			if v == nil {
				delete(m.data[table], k)
				continue
			}
			m.data[table][k] = v
		}
	}
	m.used = tx.used
	return nil
}

func (m *Memory) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{m: m})
}

func (m *Memory) Usage(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used, nil
}

// Scan snapshots the matching records under a read lock and yields them
// after releasing it.
func (m *Memory) Scan(ctx context.Context, table, index string, r Range) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(Record{}, err)
			return
		}
		recs, err := m.snapshot(table, index, r)
		if err != nil {
			yield(Record{}, err)
			return
		}
		for _, rec := range recs {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (m *Memory) snapshot(table, index string, r Range) ([]Record, error) {
	t, ok := m.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	var idx *Index
	if index != "" {
		if idx, ok = t.index(index); !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, table, index)
		}
	}

	type entry struct {
		sortKey []byte
		rec     Record
	}

	m.mu.RLock()
	entries := make([]entry, 0, len(m.data[table]))
	for k, v := range m.data[table] {
		sk := []byte(k)
		if idx != nil {
			ik, ok := idx.Key(k, v)
			if !ok {
				continue
			}
			if !inRange(ik, r) {
				continue
			}
			sk = makeIndexEntry(ik, k)
		} else if !inRange(sk, r) {
			continue
		}
		entries = append(entries, entry{sortKey: sk, rec: Record{Key: k, Value: bytes.Clone(v)}})
	}
	m.mu.RUnlock()

	slices.SortFunc(entries, func(a, b entry) int {
		return bytes.Compare(a.sortKey, b.sortKey)
	})

	out := make([]Record, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	return out, nil
}

type memTx struct {
	m        *Memory
	writable bool
	used     uint64
	staged   map[string]map[string][]byte
}

func (t *memTx) lookup(table, key string) ([]byte, error) {
	if _, ok := t.m.tables[table]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if w, ok := t.staged[table]; ok {
		if v, ok := w[key]; ok {
			if v == nil {
				return nil, ErrNotFound
			}
			return v, nil
		}
	}
	v, ok := t.m.data[table][key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (t *memTx) Get(table, key string) ([]byte, error) {
	v, err := t.lookup(table, key)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(v), nil
}

func (t *memTx) Put(table, key string, value []byte) error {
	if !t.writable {
		return ErrReadOnly
	}
	old, err := t.lookup(table, key)
	if err != nil && err != ErrNotFound {
		return err
	}

	var oldSize uint64
	if err == nil {
		oldSize = recordSize(key, old)
	}
	newSize := recordSize(key, value)
	next := t.used + newSize - min(oldSize, t.used+newSize)
	if limit := t.m.cfg.maxBytes; limit > 0 && newSize > oldSize && next > limit {
		return fmt.Errorf("%w: %d bytes used, %d more requested, limit %d", ErrNoSpace, t.used, newSize-oldSize, limit)
	}
	t.used = next

	t.stage(table, key, append([]byte{}, value...))
	return nil
}

func (t *memTx) Delete(table, key string) error {
	if !t.writable {
		return ErrReadOnly
	}
	old, err := t.lookup(table, key)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	t.used -= min(recordSize(key, old), t.used)
	t.stage(table, key, nil)
	return nil
}

func (t *memTx) stage(table, key string, value []byte) {
	w, ok := t.staged[table]
	if !ok {
		w = make(map[string][]byte)
		t.staged[table] = w
	}
	w[key] = value
}

// Compile-time interface check
var _ Store = (*Memory)(nil)
