package cache

import (
	"context"
	"slices"

	"golang.org/x/sync/singleflight"
)

type readFunc func(ctx context.Context, key string) ([]byte, *Entry, error)

type loaded struct {
	data  []byte
	entry *Entry
}

// loader deduplicates concurrent reads of the same key. It uses DoChan so
// each caller can respect its own context without cancelling the in-flight
// read for others.
type loader struct {
	group singleflight.Group
}

// load runs fn once for all concurrent callers of key. The read gets a
// detached context so one caller giving up does not fail the others.
// Callers that shared a result get their own copy of the payload.
func (l *loader) load(ctx context.Context, key string, fn readFunc) ([]byte, *Entry, error) {
	ch := l.group.DoChan(key, func() (any, error) {
		data, e, err := fn(context.WithoutCancel(ctx), key)
		if err != nil {
			return nil, err
		}
		return &loaded{data: data, entry: e}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, nil, res.Err
		}
		out := res.Val.(*loaded)
		if !res.Shared {
			return out.data, out.entry, nil
		}
		e := *out.entry
		return slices.Clone(out.data), &e, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}
