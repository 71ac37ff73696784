package incident

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MaxStatsWindow bounds how much resolution history the aggregator
// retains. Snapshot windows larger than this are truncated to it.
const MaxStatsWindow = 30 * 24 * time.Hour

// Stats is a windowed resolution-time snapshot. Window membership is
// half-open: resolved_at in [now-window, now), with now evaluated at
// snapshot time.
type Stats struct {
	Window         time.Duration `json:"window_seconds"`
	CountResolved  int           `json:"count_resolved"`
	CountActive    int           `json:"count_active"`
	MeanResolution time.Duration `json:"mean_resolution_seconds"`

	// HasData is false when no incident resolved inside the window;
	// MeanResolution is meaningless then and must not be reported.
	HasData bool `json:"has_data"`
}

type resolutionSample struct {
	resolvedAt time.Time
	duration   time.Duration
}

// Aggregator maintains rolling resolution-time statistics. Updates are
// incremental: each resolution adds one sample, each reopen retracts
// the incident's sample, so snapshots never rescan full history.
type Aggregator struct {
	mu      sync.Mutex
	samples map[string]resolutionSample // incident id -> sample
	clock   func() time.Time
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		samples: make(map[string]resolutionSample),
		clock:   time.Now,
	}
}

// WithClock overrides the aggregator's clock, for tests.
func (a *Aggregator) WithClock(clock func() time.Time) *Aggregator {
	a.clock = clock
	return a
}

// Observe records a resolution. The incident must have ResolvedAt set.
func (a *Aggregator) Observe(in *Incident) {
	if in.ResolvedAt == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples[in.ID] = resolutionSample{
		resolvedAt: *in.ResolvedAt,
		duration:   in.ResolvedAt.Sub(in.CreatedAt),
	}
	a.pruneLocked()
}

// Retract removes an incident's contribution after a reopen un-resolves
// it.
func (a *Aggregator) Retract(incidentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.samples, incidentID)
}

// Snapshot reports resolution statistics for the trailing window.
// CountActive is filled in by the caller; the aggregator only tracks
// resolutions.
func (a *Aggregator) Snapshot(window time.Duration) Stats {
	if window <= 0 || window > MaxStatsWindow {
		window = MaxStatsWindow
	}
	now := a.clock().UTC()
	start := now.Add(-window)

	a.mu.Lock()
	defer a.mu.Unlock()

	var count int
	var total time.Duration
	for _, s := range a.samples {
		if s.resolvedAt.Before(start) || !s.resolvedAt.Before(now) {
			continue
		}
		count++
		total += s.duration
	}

	st := Stats{Window: window, CountResolved: count}
	if count > 0 {
		st.HasData = true
		st.MeanResolution = total / time.Duration(count)
	}
	return st
}

// Rebuild reloads the aggregator from the store's recent resolved
// history. Run at startup and whenever out-of-band edits may have
// invalidated the incremental state.
func (a *Aggregator) Rebuild(ctx context.Context, store Store) error {
	now := a.clock().UTC()
	incidents, err := store.List(ctx, Filter{
		Statuses:      []Status{StatusResolved, StatusClosed},
		ResolvedSince: now.Add(-MaxStatsWindow),
	})
	if err != nil {
		return fmt.Errorf("list resolved incidents: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples = make(map[string]resolutionSample, len(incidents))
	for _, in := range incidents {
		if in.ResolvedAt == nil {
			continue
		}
		a.samples[in.ID] = resolutionSample{
			resolvedAt: *in.ResolvedAt,
			duration:   in.ResolvedAt.Sub(in.CreatedAt),
		}
	}
	return nil
}

// pruneLocked drops samples that fell out of the largest window. Caller
// holds the lock.
func (a *Aggregator) pruneLocked() {
	cutoff := a.clock().UTC().Add(-MaxStatsWindow)
	for id, s := range a.samples {
		if s.resolvedAt.Before(cutoff) {
			delete(a.samples, id)
		}
	}
}
