package incident

import (
	"context"
	"fmt"
	"sort"
)

// Default similarity tuning. The token/label split is a judgment call
// with no authoritative source; both knobs are configuration.
const (
	DefaultTokenWeight   = 0.7
	DefaultLabelWeight   = 0.3
	DefaultMinScore      = 0.1
	DefaultMaxCandidates = 500
)

// Match is one similarity result: a resolved historical incident and
// its score in [0,1].
type Match struct {
	Incident *Incident `json:"incident"`
	Score    float64   `json:"score"`
}

// MatcherOptions tunes similarity scoring. Zero values get defaults.
type MatcherOptions struct {
	// TokenWeight scales the cosine similarity of feature vectors.
	TokenWeight float64

	// LabelWeight scales the exact label key/value overlap bonus.
	LabelWeight float64

	// MinScore excludes candidates scoring below it.
	MinScore float64

	// MaxCandidates bounds how much resolved history one query scans.
	MaxCandidates int

	// Metrics is optional.
	Metrics *Metrics
}

// Matcher ranks resolved historical incidents against a current one to
// surface probable root causes. It is read-only against the store and
// may run concurrently with writers.
type Matcher struct {
	store   Store
	opts    MatcherOptions
	metrics *Metrics
}

// NewMatcher creates a Matcher over the given store.
func NewMatcher(store Store, opts MatcherOptions) *Matcher {
	if opts.TokenWeight <= 0 && opts.LabelWeight <= 0 {
		opts.TokenWeight = DefaultTokenWeight
		opts.LabelWeight = DefaultLabelWeight
	}
	if opts.MinScore <= 0 {
		opts.MinScore = DefaultMinScore
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = DefaultMaxCandidates
	}
	return &Matcher{store: store, opts: opts, metrics: opts.Metrics}
}

// FindSimilar returns up to k resolved or closed incidents ranked by
// similarity to in, highest score first. Identical inputs always yield
// identical ordering; ties order by created_at descending (recency is
// more actionable), then by id.
func (m *Matcher) FindSimilar(ctx context.Context, in *Incident, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	candidates, err := m.store.List(ctx, Filter{
		Statuses: []Status{StatusResolved, StatusClosed},
		Limit:    m.opts.MaxCandidates,
	})
	if err != nil {
		return nil, fmt.Errorf("list resolved incidents: %w", err)
	}

	if m.metrics != nil {
		m.metrics.SimilarityQueries.Inc()
		m.metrics.SimilarityCandidates.Observe(float64(len(candidates)))
	}

	// Weights normalize to sum 1 so scores stay in [0,1].
	wt, wl := m.opts.TokenWeight, m.opts.LabelWeight
	total := wt + wl
	wt, wl = wt/total, wl/total

	matches := make([]Match, 0, len(candidates))
	for _, cand := range candidates {
		if cand.ID == in.ID {
			continue
		}
		score := wt*cosine(in.Features, cand.Features) + wl*labelOverlap(in.Labels, cand.Labels)
		if score < m.opts.MinScore {
			continue
		}
		matches = append(matches, Match{Incident: cand, Score: score})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if !matches[i].Incident.CreatedAt.Equal(matches[j].Incident.CreatedAt) {
			return matches[i].Incident.CreatedAt.After(matches[j].Incident.CreatedAt)
		}
		return matches[i].Incident.ID > matches[j].Incident.ID
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}
