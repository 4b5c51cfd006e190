package cache

import (
	"context"
	"sync"
	"time"

	"github.com/wolfeidau/playground-store/telemetry"
)

// Janitor periodically removes entries past MaxAge and trims the cache back
// to its high-water mark.
type Janitor struct {
	store *Store

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// JanitorResult contains the results of a janitor run.
type JanitorResult struct {
	Expired EvictionResult `json:"expired"`
	Trimmed EvictionResult `json:"trimmed"`
}

// NewJanitor creates a janitor for s using its CheckInterval.
func NewJanitor(s *Store) *Janitor {
	return &Janitor{
		store:  s,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background checks.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	if j.stopped || j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.mu.Unlock()

	go j.run(ctx)
}

// Stop stops background checks and waits for a running pass to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running || j.stopped {
		j.mu.Unlock()
		return
	}
	j.stopped = true
	j.mu.Unlock()

	close(j.stopCh)
	<-j.doneCh
}

func (j *Janitor) run(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.store.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	j.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stopCh:
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		case <-j.store.trim:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pass.
func (j *Janitor) RunOnce(ctx context.Context) JanitorResult {
	s := j.store
	start := s.now()
	var result JanitorResult

	s.logger.Debug("starting janitor pass")

	if s.config.MaxAge > 0 {
		result.Expired = s.ExpireOlderThan(ctx, s.config.MaxAge)
	}

	if s.config.MaxSize > 0 {
		target := uint64(float64(s.config.MaxSize) * s.config.HighWater)
		trimmed, err := s.Cleanup(ctx, target)
		if err != nil {
			s.logger.Error("janitor trim failed", "error", err)
			trimmed.Errors++
		}
		result.Trimmed = trimmed
	}

	deleted := result.Expired.Evicted + result.Trimmed.Evicted
	telemetry.RecordJanitorCycle(ctx, deleted, s.now().Sub(start))

	if deleted > 0 {
		s.logger.Info("janitor pass complete",
			"expired", result.Expired.Evicted,
			"trimmed", result.Trimmed.Evicted,
			"bytes_freed", result.Expired.BytesFreed+result.Trimmed.BytesFreed,
		)
	} else {
		s.logger.Debug("janitor pass complete, nothing to remove")
	}
	return result
}
