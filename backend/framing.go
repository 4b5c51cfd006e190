package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// MagicBytes is the 4-byte prefix of every framed archive.
	MagicBytes = []byte("PSA1")

	// ErrInvalidMagic is returned when data does not start with MagicBytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected PSA1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")
)

// MaxHeaderSize bounds the JSON header (64 KiB).
const MaxHeaderSize = 64 * 1024

// Header describes the body of a framed archive.
type Header struct {
	Format        string         `json:"format"`
	Version       uint32         `json:"version"`
	CreatedAt     string         `json:"created_at"`
	Encoding      string         `json:"encoding"`
	ContentLength int64          `json:"content_length"`
	ContentHash   string         `json:"content_hash"`
	Counts        map[string]int `json:"counts,omitempty"`
}

// WriteFramed writes header and body to w.
// Layout: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODYBYTES
func WriteFramed(w io.Writer, header *Header, body io.Reader) error {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	if len(headerBytes) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(headerBytes))); err != nil { //nolint:gosec // bounded by MaxHeaderSize
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	return nil
}

// ReadFramed parses the header from r and returns it with a reader
// positioned at the start of the body.
func ReadFramed(r io.Reader) (*Header, io.Reader, error) {
	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}
	return &header, r, nil
}

// IsFramed reports whether data starts with MagicBytes.
func IsFramed(data []byte) bool {
	return bytes.HasPrefix(data, MagicBytes)
}
