package kv

import (
	"bytes"
	"encoding/binary"
	"time"
)

// Internal bucket names. Table data lives in "t/<table>", index entries in
// "i/<table>/<index>", and store bookkeeping in "_kv".
var (
	bucketInternal  = []byte("_kv")
	keySchemaVer    = []byte("schema_version")
	keyBytesUsed    = []byte("bytes_used")
	indexSeparator  = byte(0)
	dataBucketPref  = "t/"
	indexBucketPref = "i/"
)

func dataBucket(table string) []byte {
	return []byte(dataBucketPref + table)
}

func indexBucket(table, index string) []byte {
	return []byte(indexBucketPref + table + "/" + index)
}

// TimeKey encodes t as a fixed-width big-endian key that sorts in time
// order, including dates before 1970.
func TimeKey(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	// Shift [MinInt64, MaxInt64] onto [0, MaxUint64] to keep ordering.
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// Uint64Key encodes n as a fixed-width big-endian key.
func Uint64Key(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

// StringKey encodes s for use as an index key. NUL bytes are dropped since
// NUL separates the index key from the primary key.
func StringKey(s string) []byte {
	return bytes.ReplaceAll([]byte(s), []byte{indexSeparator}, nil)
}

// makeIndexEntry builds an index bucket key.
// Format: [index key][NUL][primary key]
func makeIndexEntry(indexKey []byte, primary string) []byte {
	out := make([]byte, len(indexKey)+1+len(primary))
	copy(out, indexKey)
	out[len(indexKey)] = indexSeparator
	copy(out[len(indexKey)+1:], primary)
	return out
}

// splitIndexEntry extracts the index key given the primary key stored as the
// entry's value.
func splitIndexEntry(entry []byte, primary []byte) []byte {
	n := len(entry) - len(primary) - 1
	if n < 0 {
		return nil
	}
	return entry[:n]
}

// inRange reports whether k is within r.
func inRange(k []byte, r Range) bool {
	if r.Start != nil && bytes.Compare(k, r.Start) < 0 {
		return false
	}
	if r.End != nil && bytes.Compare(k, r.End) >= 0 {
		return false
	}
	return true
}

func encodeUint64(n uint64) []byte {
	return Uint64Key(n)
}

func decodeUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
