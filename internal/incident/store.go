package incident

import (
	"context"
	"time"
)

// Filter narrows List queries. Zero values mean "no constraint".
type Filter struct {
	// Statuses restricts results to these statuses.
	Statuses []Status

	// ResolvedSince restricts results to incidents resolved at or after
	// this instant.
	ResolvedSince time.Time

	// Limit caps the number of results (most recently created first).
	Limit int
}

// Matches reports whether the incident satisfies the filter. Store
// implementations without native query support use it directly.
func (f Filter) Matches(in *Incident) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if in.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.ResolvedSince.IsZero() {
		if in.ResolvedAt == nil || in.ResolvedAt.Before(f.ResolvedSince) {
			return false
		}
	}
	return true
}

// Store is the persistence interface for incidents. Implementations
// must return copies, keep the per-incident timeline append-only, and
// enforce optimistic concurrency: Create requires Version == 1 and no
// existing row; Update succeeds only when the stored Version is exactly
// one less than the written one, otherwise it fails with ErrConflict.
type Store interface {
	// Get retrieves an incident by id.
	Get(ctx context.Context, id string) (*Incident, bool, error)

	// LatestByFingerprint retrieves the most recently created incident
	// with the given fingerprint.
	LatestByFingerprint(ctx context.Context, fp string) (*Incident, bool, error)

	// Create persists a new incident.
	Create(ctx context.Context, in *Incident) error

	// Update persists a mutated incident under the CAS contract above.
	Update(ctx context.Context, in *Incident) error

	// List returns incidents matching the filter, most recently created
	// first.
	List(ctx context.Context, f Filter) ([]*Incident, error)

	// CountActive returns the number of incidents whose status is
	// neither resolved nor closed.
	CountActive(ctx context.Context) (int, error)
}
