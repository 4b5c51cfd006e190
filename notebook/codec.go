package notebook

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	playgroundstore "github.com/wolfeidau/playground-store"
)

const (
	// CompressionThreshold is the minimum document size before compression is considered.
	CompressionThreshold = 2048

	// MaxDocumentSize is the maximum allowed uncompressed document size.
	MaxDocumentSize = 64 * 1024 * 1024 // 64MB

	encodingIdentity byte = 0
	encodingZstd     byte = 1

	headerSize = 1 + playgroundstore.HashSize
)

var (
	// ErrDocumentTooLarge is returned when a document exceeds MaxDocumentSize.
	ErrDocumentTooLarge = errors.New("document exceeds maximum size")

	// ErrDigestMismatch is returned when a stored document fails verification.
	ErrDigestMismatch = errors.New("document digest mismatch")
)

// Codec frames stored documents as [encoding][blake3 digest][body], where
// body is zstd-compressed when that makes it smaller.
// Encoder and decoder are goroutine-safe and can be reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a codec with pooled zstd encoder/decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDocumentSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode frames data for storage.
func (c *Codec) Encode(data []byte) ([]byte, error) {
	if len(data) > MaxDocumentSize {
		return nil, ErrDocumentTooLarge
	}

	digest := playgroundstore.HashBytes(data)
	body, encoding := data, encodingIdentity

	if len(data) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()

		if enc != nil {
			if compressed := enc.EncodeAll(data, nil); len(compressed) < len(data) {
				body, encoding = compressed, encodingZstd
			}
		}
	}

	out := make([]byte, 0, headerSize+len(body))
	out = append(out, encoding)
	out = append(out, digest[:]...)
	return append(out, body...), nil
}

// Decode reverses Encode and verifies the digest.
func (c *Codec) Decode(framed []byte) ([]byte, error) {
	if len(framed) < headerSize {
		return nil, fmt.Errorf("document frame too short: %d bytes", len(framed))
	}
	encoding := framed[0]
	var digest playgroundstore.Hash
	copy(digest[:], framed[1:headerSize])
	body := framed[headerSize:]

	var data []byte
	switch encoding {
	case encodingIdentity:
		data = body
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		var err error
		data, err = dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing document: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported document encoding: %d", encoding)
	}

	if !digest.Matches(data) {
		return nil, ErrDigestMismatch
	}
	return data, nil
}
