// Package quota accounts for the storage used by the engine against the
// platform's capacity, warns when usage runs high, and records whether
// durable persistence has been requested.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	playgroundstore "github.com/wolfeidau/playground-store"
	"github.com/wolfeidau/playground-store/kv"
	"github.com/wolfeidau/playground-store/telemetry"
)

const (
	// DefaultWarnThreshold is the usage fraction that triggers a Warning.
	DefaultWarnThreshold = 0.8

	persistedKey = "quota.persisted"
)

// Estimate is a snapshot of storage accounting.
type Estimate struct {
	Total        *uint64  `json:"total,omitempty"`
	Used         uint64   `json:"used"`
	Available    *uint64  `json:"available,omitempty"`
	UsagePercent *float64 `json:"usage_percent,omitempty"`
}

// Warning is emitted when usage crosses the warning threshold.
type Warning struct {
	Used    uint64  `json:"used"`
	Total   uint64  `json:"total"`
	Percent float64 `json:"percent"`
}

// Monitor combines the store's byte counter with a capacity Source.
type Monitor struct {
	store     kv.Store
	source    Source
	logger    *slog.Logger
	threshold float64

	mu     sync.Mutex
	warned bool
	subs   []chan Warning
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithWarnThreshold sets the usage fraction (0-1] that triggers a Warning.
func WithWarnThreshold(f float64) Option {
	return func(m *Monitor) {
		if f > 0 && f <= 1 {
			m.threshold = f
		}
	}
}

// New creates a Monitor. A nil source reports unknown capacity.
func New(store kv.Store, source Source, opts ...Option) *Monitor {
	if source == nil {
		source = Unknown{}
	}
	m := &Monitor{
		store:     store,
		source:    source,
		logger:    slog.Default(),
		threshold: DefaultWarnThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "quota")
	return m
}

// Subscribe returns a channel receiving Warnings. Warnings are dropped
// when the channel is full.
func (m *Monitor) Subscribe(buffer int) <-chan Warning {
	ch := make(chan Warning, max(buffer, 1))
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Estimate reports total, used and available bytes. Used is the store's
// byte counter, so it grows with every successful write. Total is the
// smaller of the source's total and used plus the platform's free space;
// Available is total minus used.
func (m *Monitor) Estimate(ctx context.Context) (Estimate, error) {
	used, err := m.store.Usage(ctx)
	if err != nil {
		return Estimate{}, &playgroundstore.DatabaseError{Op: "usage", Err: err}
	}

	total, platformAvail, err := m.source.Capacity(ctx)
	if err != nil {
		return Estimate{}, fmt.Errorf("reading capacity: %w", err)
	}

	if platformAvail != nil {
		reachable := used + *platformAvail
		if total == nil || reachable < *total {
			total = &reachable
		}
	}

	est := Estimate{Total: total, Used: used}
	if total != nil {
		avail := *total - min(used, *total)
		est.Available = &avail

		if *total > 0 {
			pct := float64(used) / float64(*total) * 100
			est.UsagePercent = &pct
		}
	}

	telemetry.UpdateQuotaUsed(ctx, int64(used)) //nolint:gosec // byte counts fit in int64
	m.observe(ctx, est)
	return est, nil
}

// Check returns a QuotaExceededError when required bytes do not fit in the
// known available space. Unknown capacity always passes.
func (m *Monitor) Check(ctx context.Context, required uint64) error {
	est, err := m.Estimate(ctx)
	if err != nil {
		return err
	}
	if est.Available != nil && required > *est.Available {
		return &playgroundstore.QuotaExceededError{Required: required, Available: *est.Available}
	}
	return nil
}

// RequestPersistence records that storage should not be reclaimed by the
// platform. It reports whether the store is durable.
func (m *Monitor) RequestPersistence(ctx context.Context) (bool, error) {
	if !m.store.Durable() {
		m.logger.Warn("persistence requested on a non-durable store")
		return false, nil
	}
	if err := m.store.Put(ctx, kv.MetaTable, persistedKey, []byte{1}); err != nil {
		return false, &playgroundstore.DatabaseError{Op: "request persistence", Err: err}
	}
	return true, nil
}

// Persisted reports whether persistence has been requested.
func (m *Monitor) Persisted(ctx context.Context) (bool, error) {
	_, err := m.store.Get(ctx, kv.MetaTable, persistedKey)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, kv.ErrNotFound):
		return false, nil
	default:
		return false, &playgroundstore.DatabaseError{Op: "read persistence flag", Err: err}
	}
}

// observe emits a Warning when usage crosses the threshold upwards. The
// warning re-arms once usage falls back below it.
func (m *Monitor) observe(ctx context.Context, est Estimate) {
	if est.Total == nil || *est.Total == 0 {
		return
	}
	over := float64(est.Used) >= float64(*est.Total)*m.threshold

	m.mu.Lock()
	defer m.mu.Unlock()

	if !over {
		m.warned = false
		return
	}
	if m.warned {
		return
	}
	m.warned = true

	w := Warning{Used: est.Used, Total: *est.Total, Percent: *est.UsagePercent}
	m.logger.Warn("storage usage above threshold", "used", w.Used, "total", w.Total, "percent", w.Percent)
	telemetry.RecordQuotaWarning(ctx)

	for _, ch := range m.subs {
		select {
		case ch <- w:
		default:
			m.logger.Debug("dropping quota warning for slow subscriber")
		}
	}
}
