package backend

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(filepath.Join(t.TempDir(), "archives"))
	require.NoError(t, err)
	return fs
}

func TestNewFilesystem_CreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "archives")
	fs, err := NewFilesystem(root)
	require.NoError(t, err)
	require.Equal(t, root, fs.Root())

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystem_WriteReadDelete(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "backups/one.psa", strings.NewReader("first")))
	require.NoError(t, fs.Write(ctx, "backups/one.psa", strings.NewReader("second")))

	rc, err := fs.Read(ctx, "backups/one.psa")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "second", string(got))

	require.NoError(t, fs.Delete(ctx, "backups/one.psa"))
	require.NoError(t, fs.Delete(ctx, "backups/one.psa"))

	_, err = fs.Read(ctx, "backups/one.psa")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystem_RejectsEscapingKeys(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	for _, key := range []string{"", "../outside", "/etc/passwd", "a/../../b"} {
		err := fs.Write(ctx, key, strings.NewReader("x"))
		require.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestFilesystem_FailedWriteLeavesPrevious(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "a.psa", strings.NewReader("good")))
	err := fs.Write(ctx, "a.psa", io.MultiReader(strings.NewReader("partial"), errReader{}))
	require.Error(t, err)

	rc, err := fs.Read(ctx, "a.psa")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "good", string(got))

	infos, err := fs.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, infos, 1, "temp files are cleaned up")
}

func TestFilesystem_List(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	for _, key := range []string{"b/2.psa", "a/1.psa", "b/1.psa"} {
		require.NoError(t, fs.Write(ctx, key, strings.NewReader(key)))
	}

	infos, err := fs.List(ctx, "b/")
	require.NoError(t, err)
	require.Equal(t, []Info{{Key: "b/1.psa", Size: 7}, {Key: "b/2.psa", Size: 7}}, infos)

	all, err := fs.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "a/1.psa", all[0].Key)
}

func TestInstrumented_Delegates(t *testing.T) {
	ib := NewInstrumented(newTestFilesystem(t), "filesystem")
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "k.psa", strings.NewReader("instrumented")))

	rc, err := ib.Read(ctx, "k.psa")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.NoError(t, rc.Close())
	require.Equal(t, "instrumented", string(got))

	_, err = ib.Read(ctx, "missing.psa")
	require.ErrorIs(t, err, ErrNotFound)

	infos, err := ib.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, infos, 1)

	require.NoError(t, ib.Delete(ctx, "k.psa"))
	require.IsType(t, &Filesystem{}, ib.Unwrap())
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "error", outcomeFromError(io.ErrUnexpectedEOF))
}

func TestFraming_RoundTrip(t *testing.T) {
	header := &Header{
		Format:        "playground-backup",
		Version:       1,
		CreatedAt:     "2026-01-15T10:30:00Z",
		Encoding:      "zstd",
		ContentLength: 5,
		ContentHash:   "blake3:deadbeef",
		Counts:        map[string]int{"notebooks": 2},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFramed(&buf, header, strings.NewReader("hello")))
	require.True(t, IsFramed(buf.Bytes()))

	got, body, err := ReadFramed(&buf)
	require.NoError(t, err)
	require.Equal(t, header, got)

	rest, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "hello", string(rest))
}

func TestFraming_Rejects(t *testing.T) {
	_, _, err := ReadFramed(strings.NewReader("XXXX...."))
	require.ErrorIs(t, err, ErrInvalidMagic)
	require.False(t, IsFramed([]byte(`{"format":"playground-backup"}`)))

	var buf bytes.Buffer
	buf.Write(MagicBytes)
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(MaxHeaderSize+1)))
	_, _, err = ReadFramed(&buf)
	require.ErrorIs(t, err, ErrHeaderTooLarge)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}
