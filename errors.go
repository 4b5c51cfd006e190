// Package playgroundstore holds the types shared by the playground storage
// engine: content hashes and the storage error taxonomy.
//
// Corruption and not-found errors are resolved locally where possible (the
// cache evicts corrupted entries, misses are not fatal). Quota and database
// errors carry full context so callers can decide whether to prompt the user
// to free space.
package playgroundstore

import (
	"errors"
	"fmt"
)

var (
	// ErrWrongPassphrase is returned when a secret cannot be decrypted with
	// the supplied passphrase.
	ErrWrongPassphrase = errors.New("wrong passphrase")

	// ErrNotSupported is returned when the host cannot provide durable storage.
	ErrNotSupported = errors.New("durable storage not supported")
)

// QuotaExceededError reports a write that does not fit in the remaining space.
type QuotaExceededError struct {
	Required  uint64
	Available uint64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: required %d bytes, available %d bytes", e.Required, e.Available)
}

// NotFoundError reports a missing cache entry, document or setting.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Key)
}

// CorruptedError reports stored data that failed an integrity check.
type CorruptedError struct {
	Key     string
	Message string
}

func (e *CorruptedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("corrupted: %s", e.Key)
	}
	return fmt.Sprintf("corrupted: %s: %s", e.Key, e.Message)
}

// DatabaseError reports a failure of the underlying durable store.
// It is surfaced to callers and never retried automatically.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error: %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// SerializationError reports a document or value that could not be encoded
// or decoded.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error: %v", e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsCorrupted reports whether err is, or wraps, a CorruptedError.
func IsCorrupted(err error) bool {
	var c *CorruptedError
	return errors.As(err, &c)
}

// IsQuotaExceeded reports whether err is, or wraps, a QuotaExceededError.
func IsQuotaExceeded(err error) bool {
	var q *QuotaExceededError
	return errors.As(err, &q)
}
