package playgroundstore

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 hash of empty input
	h := HashBytes([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, h.String())
}

func TestHashShortString(t *testing.T) {
	h := HashBytes([]byte("hello"))
	short := h.ShortString()
	require.Len(t, short, 16)
	require.True(t, strings.HasPrefix(h.String(), short))
}

func TestHashIsZero(t *testing.T) {
	var zero Hash
	require.True(t, zero.IsZero())
	require.False(t, HashBytes([]byte("x")).IsZero())
}

func TestHashMatches(t *testing.T) {
	data := []byte("parquet bytes")
	h := HashBytes(data)

	require.True(t, h.Matches(data))
	require.False(t, h.Matches([]byte("parquet bytez")))
}

func TestHashTextRoundTrip(t *testing.T) {
	original := HashBytes([]byte("test data"))

	text, err := original.MarshalText()
	require.NoError(t, err)

	var parsed Hash
	require.NoError(t, parsed.UnmarshalText(text))
	require.Equal(t, original, parsed)

	parsed2, err := ParseHash(string(text))
	require.NoError(t, err)
	require.True(t, original.Equal(parsed2))
}

func TestParseHashInvalid(t *testing.T) {
	_, err := ParseHash("abc")
	require.Error(t, err)

	_, err = ParseHash(strings.Repeat("zz", HashSize))
	require.Error(t, err)
}

func TestHashingReader(t *testing.T) {
	data := []byte("streamed through the reader")
	hr := NewHashingReader(bytes.NewReader(data))

	out, err := io.ReadAll(hr)
	require.NoError(t, err)
	require.Equal(t, data, out)
	require.Equal(t, HashBytes(data), hr.Sum())
	require.Equal(t, int64(len(data)), hr.BytesRead())
}
