package incident

import (
	"context"
	"sort"
	"sync"
)

// stubStore is a minimal in-package Store for service and aggregator
// tests. The real in-memory implementation lives in memstore, which
// cannot be imported from here.
type stubStore struct {
	mu        sync.Mutex
	incidents map[string]*Incident
	byFP      map[string][]string

	// failUpdates forces the next N Update calls to return ErrConflict,
	// for exercising the retry path.
	failUpdates int
}

func newStubStore() *stubStore {
	return &stubStore{
		incidents: make(map[string]*Incident),
		byFP:      make(map[string][]string),
	}
}

func (s *stubStore) Get(_ context.Context, id string) (*Incident, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	return in.Clone(), true, nil
}

func (s *stubStore) LatestByFingerprint(_ context.Context, fp string) (*Incident, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byFP[fp]
	if len(ids) == 0 {
		return nil, false, nil
	}
	return s.incidents[ids[len(ids)-1]].Clone(), true, nil
}

func (s *stubStore) Create(_ context.Context, in *Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.Version != 1 {
		return ErrConflict
	}
	if _, ok := s.incidents[in.ID]; ok {
		return ErrConflict
	}
	s.incidents[in.ID] = in.Clone()
	s.byFP[in.Fingerprint] = append(s.byFP[in.Fingerprint], in.ID)
	return nil
}

func (s *stubStore) Update(_ context.Context, in *Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdates > 0 {
		s.failUpdates--
		return ErrConflict
	}
	cur, ok := s.incidents[in.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != in.Version-1 {
		return ErrConflict
	}
	s.incidents[in.ID] = in.Clone()
	return nil
}

func (s *stubStore) List(_ context.Context, f Filter) ([]*Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Incident
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

func (s *stubStore) CountActive(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, in := range s.incidents {
		if in.Status.Active() {
			n++
		}
	}
	return n, nil
}
