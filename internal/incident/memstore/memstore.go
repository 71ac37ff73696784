// Package memstore provides an in-memory implementation of
// incident.Store. Suitable for dev/testing.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/linnemanlabs/beacon/internal/incident"
)

// Store holds incidents in memory. All methods return copies so
// callers never share mutable state with the store.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident // incident ID -> record
	byFP      map[string][]string           // fingerprint -> IDs, creation order
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		incidents: make(map[string]*incident.Incident),
		byFP:      make(map[string][]string),
	}
}

// Get retrieves an incident by its ID.
func (s *Store) Get(_ context.Context, id string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	return in.Clone(), true, nil
}

// LatestByFingerprint retrieves the most recently created incident with
// the given fingerprint.
func (s *Store) LatestByFingerprint(_ context.Context, fp string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byFP[fp]
	if len(ids) == 0 {
		return nil, false, nil
	}
	in := s.incidents[ids[len(ids)-1]]
	return in.Clone(), true, nil
}

// Create stores a new incident. It fails with ErrConflict when the ID
// already exists or the record's version is not 1.
func (s *Store) Create(_ context.Context, in *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.Version != 1 {
		return incident.ErrConflict
	}
	if _, exists := s.incidents[in.ID]; exists {
		return incident.ErrConflict
	}
	s.incidents[in.ID] = in.Clone()
	s.byFP[in.Fingerprint] = append(s.byFP[in.Fingerprint], in.ID)
	return nil
}

// Update stores a mutated incident. The write succeeds only when the
// stored version is exactly one less than the written one.
func (s *Store) Update(_ context.Context, in *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.incidents[in.ID]
	if !ok {
		return incident.ErrNotFound
	}
	if cur.Version != in.Version-1 {
		return incident.ErrConflict
	}
	s.incidents[in.ID] = in.Clone()
	return nil
}

// List returns incidents matching the filter, most recently created
// first.
func (s *Store) List(_ context.Context, f incident.Filter) ([]*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*incident.Incident
	for _, in := range s.incidents {
		if f.Matches(in) {
			out = append(out, in.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CountActive returns the number of incidents whose status is neither
// resolved nor closed.
func (s *Store) CountActive(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, in := range s.incidents {
		if in.Status.Active() {
			n++
		}
	}
	return n, nil
}
