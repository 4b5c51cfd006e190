package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"go.etcd.io/bbolt"
)

// Bolt implements Store on a bbolt database file.
type Bolt struct {
	db     *bbolt.DB
	cfg    config
	schema Schema
	tables map[string]*Table
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and migrates it to
// schema.Version. Tables and indexes missing from the file are created and
// new indexes are backfilled from existing rows. Nothing is ever dropped.
func Open(path string, schema Schema, opts ...Option) (*Bolt, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	cfg := newConfig(opts)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  cfg.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	b := &Bolt{
		db:     db,
		cfg:    cfg,
		schema: schema,
		tables: schema.tables(),
		logger: cfg.logger,
	}

	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	b.logger.Debug("opened kv store", "path", path, "schema_version", schema.Version, "noSync", cfg.noSync)
	return b, nil
}

func (b *Bolt) migrate() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		internal, err := tx.CreateBucketIfNotExists(bucketInternal)
		if err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucketInternal, err)
		}

		stored := uint32(decodeUint64(internal.Get(keySchemaVer))) //nolint:gosec // written from a uint32
		if stored > b.schema.Version {
			return fmt.Errorf("%w: stored %d, requested %d", ErrSchemaTooNew, stored, b.schema.Version)
		}

		for _, t := range b.tables {
			data, err := tx.CreateBucketIfNotExists(dataBucket(t.Name))
			if err != nil {
				return fmt.Errorf("creating table %s: %w", t.Name, err)
			}

			for i := range t.Indexes {
				idx := &t.Indexes[i]
				name := indexBucket(t.Name, idx.Name)
				if tx.Bucket(name) != nil {
					continue
				}
				ib, err := tx.CreateBucket(name)
				if err != nil {
					return fmt.Errorf("creating index %s: %w", name, err)
				}
				n, err := backfillIndex(data, ib, idx)
				if err != nil {
					return fmt.Errorf("backfilling index %s: %w", name, err)
				}
				if n > 0 {
					b.logger.Info("backfilled index", "table", t.Name, "index", idx.Name, "entries", n)
				}
			}
		}

		if stored != b.schema.Version {
			if err := internal.Put(keySchemaVer, encodeUint64(uint64(b.schema.Version))); err != nil {
				return fmt.Errorf("storing schema version: %w", err)
			}
			b.logger.Info("migrated kv schema", "from", stored, "to", b.schema.Version)
		}
		return nil
	})
}

func backfillIndex(data, ib *bbolt.Bucket, idx *Index) (int, error) {
	n := 0
	err := data.ForEach(func(k, v []byte) error {
		ik, ok := idx.Key(string(k), v)
		if !ok {
			return nil
		}
		n++
		return ib.Put(makeIndexEntry(ik, string(k)), bytes.Clone(k))
	})
	return n, err
}

// Close closes the database file.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing kv store")
	return b.db.Close()
}

// Durable reports true: every committed transaction is on disk.
func (b *Bolt) Durable() bool {
	return true
}

// Get returns a copy of the value stored at key.
func (b *Bolt) Get(ctx context.Context, table, key string) ([]byte, error) {
	var out []byte
	err := b.View(ctx, func(tx Tx) error {
		v, err := tx.Get(table, key)
		out = v
		return err
	})
	return out, err
}

// Put stores value at key, maintaining the table's indexes.
func (b *Bolt) Put(ctx context.Context, table, key string, value []byte) error {
	return b.Update(ctx, func(tx Tx) error {
		return tx.Put(table, key, value)
	})
}

// Delete removes key. Missing keys are ignored.
func (b *Bolt) Delete(ctx context.Context, table, key string) error {
	return b.Update(ctx, func(tx Tx) error {
		return tx.Delete(table, key)
	})
}

// Update runs fn in a read-write transaction.
func (b *Bolt) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx, b: b})
	})
	return mapError(err)
}

// View runs fn in a read-only transaction.
func (b *Bolt) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx, b: b})
	})
}

// Usage returns the stored byte counter.
func (b *Bolt) Usage(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var used uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		internal := tx.Bucket(bucketInternal)
		if internal == nil {
			return nil
		}
		used = decodeUint64(internal.Get(keyBytesUsed))
		return nil
	})
	return used, err
}

// Scan pages through the table or index in bounded read transactions, so
// callers may write to the store between iterations. Index entries whose
// record is gone or has moved to another index key are skipped.
func (b *Bolt) Scan(ctx context.Context, table, index string, r Range) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		var after []byte
		for {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			page, next, err := b.scanPage(table, index, r, after)
			if err != nil {
				yield(Record{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if next == nil {
				return
			}
			after = next
		}
	}
}

// scanPage reads up to pageSize cursor positions after the given key.
// It returns the cursor key to resume from, or nil when the range is done.
func (b *Bolt) scanPage(table, index string, r Range, after []byte) ([]Record, []byte, error) {
	t, ok := b.tables[table]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	var idx *Index
	if index != "" {
		idx, ok = t.index(index)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, table, index)
		}
	}

	var (
		page []Record
		next []byte
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(dataBucket(table))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrUnknownTable, table)
		}

		bucket := data
		if idx != nil {
			bucket = tx.Bucket(indexBucket(table, idx.Name))
			if bucket == nil {
				return fmt.Errorf("%w: %s.%s", ErrUnknownIndex, table, index)
			}
		}

		cursor := bucket.Cursor()
		var k, v []byte
		switch {
		case after != nil:
			k, v = cursor.Seek(after)
			if k != nil && bytes.Equal(k, after) {
				k, v = cursor.Next()
			}
		case r.Start != nil:
			k, v = cursor.Seek(r.Start)
		default:
			k, v = cursor.First()
		}

		var last []byte
		seen := 0
		for ; k != nil; k, v = cursor.Next() {
			if seen == b.cfg.pageSize {
				next = last
				return nil
			}
			seen++
			last = bytes.Clone(k)

			if idx == nil {
				if !inRange(k, r) {
					if r.End != nil && bytes.Compare(k, r.End) >= 0 {
						return nil
					}
					continue
				}
				page = append(page, Record{Key: string(k), Value: bytes.Clone(v)})
				continue
			}

			ik := splitIndexEntry(k, v)
			if r.End != nil && bytes.Compare(ik, r.End) >= 0 {
				return nil
			}
			if !inRange(ik, r) {
				continue
			}
			val := data.Get(v)
			if val == nil {
				continue
			}
			if cur, ok := idx.Key(string(v), val); !ok || !bytes.Equal(cur, ik) {
				continue
			}
			page = append(page, Record{Key: string(v), Value: bytes.Clone(val)})
		}
		return nil
	})
	return page, next, err
}

type boltTx struct {
	tx *bbolt.Tx
	b  *Bolt
}

func (t *boltTx) bucket(table string) (*bbolt.Bucket, *Table, error) {
	tbl, ok := t.b.tables[table]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	bk := t.tx.Bucket(dataBucket(table))
	if bk == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return bk, tbl, nil
}

func (t *boltTx) Get(table, key string) ([]byte, error) {
	bk, _, err := t.bucket(table)
	if err != nil {
		return nil, err
	}
	v := bk.Get([]byte(key))
	if v == nil {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (t *boltTx) Put(table, key string, value []byte) error {
	if !t.tx.Writable() {
		return ErrReadOnly
	}
	bk, tbl, err := t.bucket(table)
	if err != nil {
		return err
	}

	k := []byte(key)
	old := bytes.Clone(bk.Get(k))

	var oldSize uint64
	if old != nil {
		oldSize = recordSize(key, old)
	}
	if err := t.adjustUsage(oldSize, recordSize(key, value)); err != nil {
		return err
	}

	for i := range tbl.Indexes {
		if err := t.reindex(tbl, &tbl.Indexes[i], key, old, value); err != nil {
			return err
		}
	}

	if err := bk.Put(k, value); err != nil {
		return fmt.Errorf("putting %s/%s: %w", table, key, err)
	}
	return nil
}

func (t *boltTx) Delete(table, key string) error {
	if !t.tx.Writable() {
		return ErrReadOnly
	}
	bk, tbl, err := t.bucket(table)
	if err != nil {
		return err
	}

	k := []byte(key)
	old := bytes.Clone(bk.Get(k))
	if old == nil {
		return nil
	}

	for i := range tbl.Indexes {
		if err := t.reindex(tbl, &tbl.Indexes[i], key, old, nil); err != nil {
			return err
		}
	}
	if err := t.adjustUsage(recordSize(key, old), 0); err != nil {
		return err
	}
	if err := bk.Delete(k); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", table, key, err)
	}
	return nil
}

// reindex removes the index entry derived from old and adds the one derived
// from value. A nil value only removes.
func (t *boltTx) reindex(tbl *Table, idx *Index, key string, old, value []byte) error {
	ib := t.tx.Bucket(indexBucket(tbl.Name, idx.Name))
	if ib == nil {
		return fmt.Errorf("%w: %s.%s", ErrUnknownIndex, tbl.Name, idx.Name)
	}
	if old != nil {
		if ik, ok := idx.Key(key, old); ok {
			if err := ib.Delete(makeIndexEntry(ik, key)); err != nil {
				return fmt.Errorf("deleting index entry: %w", err)
			}
		}
	}
	if value != nil {
		if ik, ok := idx.Key(key, value); ok {
			if err := ib.Put(makeIndexEntry(ik, key), []byte(key)); err != nil {
				return fmt.Errorf("putting index entry: %w", err)
			}
		}
	}
	return nil
}

func (t *boltTx) adjustUsage(oldSize, newSize uint64) error {
	internal := t.tx.Bucket(bucketInternal)
	if internal == nil {
		return errors.New("kv: internal bucket missing")
	}
	used := decodeUint64(internal.Get(keyBytesUsed))
	next := used + newSize - min(oldSize, used+newSize)
	if limit := t.b.cfg.maxBytes; limit > 0 && newSize > oldSize && next > limit {
		return fmt.Errorf("%w: %d bytes used, %d more requested, limit %d", ErrNoSpace, used, newSize-oldSize, limit)
	}
	return internal.Put(keyBytesUsed, encodeUint64(next))
}

// mapError maps filesystem exhaustion to ErrNoSpace.
func mapError(err error) error {
	if err == nil || errors.Is(err, ErrNoSpace) {
		return err
	}
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %w", ErrNoSpace, err)
	}
	return err
}

// Compile-time interface check
var _ Store = (*Bolt)(nil)
