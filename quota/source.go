package quota

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Source reports the platform's storage capacity. A nil total or available
// means the platform does not know.
type Source interface {
	Capacity(ctx context.Context) (total, available *uint64, err error)
}

// Filesystem reports the capacity of the filesystem holding Path.
type Filesystem struct {
	Path string
}

// Capacity implements Source using statfs on Path, falling back to its
// parent when Path does not exist yet.
func (f Filesystem) Capacity(ctx context.Context) (*uint64, *uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var stat unix.Statfs_t
	path := f.Path
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = filepath.Dir(path)
	}
	if err := unix.Statfs(path, &stat); err != nil {
		return nil, nil, fmt.Errorf("statfs %s: %w", path, err)
	}

	bsize := uint64(stat.Bsize) //nolint:gosec // block size is never negative
	total := stat.Blocks * bsize
	available := stat.Bavail * bsize
	return &total, &available, nil
}

// Fixed is a configured byte budget with no platform limit beneath it.
type Fixed struct {
	Total uint64
}

// Capacity implements Source.
func (f Fixed) Capacity(context.Context) (*uint64, *uint64, error) {
	total := f.Total
	return &total, nil, nil
}

// Unknown reports no capacity information.
type Unknown struct{}

// Capacity implements Source.
func (Unknown) Capacity(context.Context) (*uint64, *uint64, error) {
	return nil, nil, nil
}
