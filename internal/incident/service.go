package incident

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/beacon/internal/alert"
)

// DefaultReopenWindow is how long after resolution a recurring alert
// reopens the same incident instead of creating a new, linked one.
const DefaultReopenWindow = 24 * time.Hour

// maxConflictRetries bounds CAS retries inside one Submit/Transition.
// The per-fingerprint lock serializes the engine's own writers, so
// conflicts only come from out-of-band store writers.
const maxConflictRetries = 3

// SubmitResult is the outcome of submitting an alert for correlation.
type SubmitResult struct {
	Incident *Incident
	Created  bool
}

// Options tunes a Service. Zero values get defaults.
type Options struct {
	// ReopenWindow overrides DefaultReopenWindow.
	ReopenWindow time.Duration

	// Metrics, Notifier and Aggregator are optional collaborators.
	Metrics    *Metrics
	Notifier   Notifier
	Aggregator *Aggregator

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Service is the business boundary for incident operations: alert
// correlation, lifecycle transitions, feature/suggestion attachment,
// and the notification stream.
type Service struct {
	store        Store
	normalizer   *alert.Normalizer
	logger       log.Logger
	notifier     Notifier
	metrics      *Metrics
	aggregator   *Aggregator
	reopenWindow time.Duration
	clock        func() time.Time
	locks        keyLock
}

// NewService creates a new incident service.
func NewService(store Store, normalizer *alert.Normalizer, logger log.Logger, opts Options) *Service {
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if normalizer == nil {
		panic(xerrors.New("alert normalizer is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	s := &Service{
		store:        store,
		normalizer:   normalizer,
		logger:       logger,
		notifier:     opts.Notifier,
		metrics:      opts.Metrics,
		aggregator:   opts.Aggregator,
		reopenWindow: opts.ReopenWindow,
		clock:        opts.Clock,
	}
	if s.reopenWindow <= 0 {
		s.reopenWindow = DefaultReopenWindow
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	return s
}

// SetNotifier installs the notifier after construction, for
// collaborators that themselves need the service (the advisor). It must
// be called before the service starts receiving traffic.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Submit accepts a normalized alert and correlates it into the incident
// set: merge into a live incident, reopen a recently resolved one, or
// create a new incident. The read-decide-write sequence is serialized
// per fingerprint.
func (s *Service) Submit(ctx context.Context, a *alert.Alert) (*SubmitResult, error) {
	if err := a.Validate(); err != nil {
		s.countSubmit("rejected")
		return nil, err
	}
	if len(alert.NormalizeTokens(a.Title)) == 0 {
		s.countSubmit("rejected")
		return nil, &alert.ValidationError{Field: "title", Reason: "normalizes to an empty signature"}
	}

	fp := s.normalizer.Fingerprint(a)

	mu := s.locks.lock(fp)
	defer mu.Unlock()

	var res *SubmitResult
	var err error
	for attempt := 0; ; attempt++ {
		res, err = s.correlate(ctx, fp, a)
		if !errors.Is(err, ErrConflict) || attempt >= maxConflictRetries {
			break
		}
		if s.metrics != nil {
			s.metrics.CorrelationConflicts.Inc()
		}
	}
	if err != nil {
		s.countSubmit("error")
		return nil, err
	}
	return res, nil
}

// correlate runs one read-decide-write attempt for a fingerprint.
func (s *Service) correlate(ctx context.Context, fp string, a *alert.Alert) (*SubmitResult, error) {
	now := s.clock().UTC()

	prior, ok, err := s.store.LatestByFingerprint(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("lookup fingerprint: %w", err)
	}

	switch {
	case ok && prior.Status.Active():
		return s.mergeInto(ctx, prior, a, now)

	case ok && prior.ResolvedAt != nil && now.Sub(*prior.ResolvedAt) <= s.reopenWindow:
		return s.reopen(ctx, prior, a, now)

	case ok:
		// Reopen window expired (or the prior record never recorded a
		// resolution time): new incident with explicit lineage.
		return s.create(ctx, fp, a, now, []string{prior.ID})

	default:
		return s.create(ctx, fp, a, now, nil)
	}
}

func (s *Service) create(ctx context.Context, fp string, a *alert.Alert, now time.Time, related []string) (*SubmitResult, error) {
	in := &Incident{
		ID:          ulid.Make().String(),
		Fingerprint: fp,
		Title:       a.Title,
		Description: a.Description,
		Severity:    a.Severity,
		Status:      StatusOpen,
		Labels:      copyLabels(a.Labels),
		CreatedAt:   now,
		UpdatedAt:   now,
		RelatedIDs:  related,
		Features:    featuresFromAlert(a),
		Version:     1,
	}
	in.appendEvent(now, EventCreated, map[string]string{
		"source":   a.Source,
		"severity": string(a.Severity),
	})

	if err := s.store.Create(ctx, in); err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}

	outcome := "created"
	if len(related) > 0 {
		outcome = "superseded"
	}
	s.countSubmit(outcome)
	s.logger.Info(ctx, "incident created",
		"incident_id", in.ID,
		"fingerprint", fp,
		"severity", in.Severity,
		"related", len(related),
	)
	s.notify(ctx, Notification{
		Kind:        EventCreated,
		IncidentID:  in.ID,
		Fingerprint: fp,
		Title:       in.Title,
		Severity:    in.Severity,
		Next:        StatusOpen,
	})

	return &SubmitResult{Incident: in, Created: true}, nil
}

func (s *Service) mergeInto(ctx context.Context, in *Incident, a *alert.Alert, now time.Time) (*SubmitResult, error) {
	in.Severity = in.Severity.Max(a.Severity)
	in.Labels = unionLabels(in.Labels, a.Labels)
	in.Features = mergeFeatures(in.Features, featuresFromAlert(a))
	in.UpdatedAt = now
	in.appendEvent(now, EventMerged, map[string]string{
		"source":   a.Source,
		"severity": string(a.Severity),
	})
	in.Version++

	if err := s.store.Update(ctx, in); err != nil {
		return nil, err
	}

	s.countSubmit("merged")
	s.logger.Info(ctx, "alert merged",
		"incident_id", in.ID,
		"fingerprint", in.Fingerprint,
		"severity", in.Severity,
		"events", len(in.Timeline),
	)
	s.notify(ctx, Notification{
		Kind:        EventMerged,
		IncidentID:  in.ID,
		Fingerprint: in.Fingerprint,
		Title:       in.Title,
		Severity:    in.Severity,
		Previous:    in.Status,
		Next:        in.Status,
	})

	return &SubmitResult{Incident: in, Created: false}, nil
}

func (s *Service) reopen(ctx context.Context, in *Incident, a *alert.Alert, now time.Time) (*SubmitResult, error) {
	prev := in.Status
	in.Status = StatusInvestigating
	in.ResolvedAt = nil
	in.Severity = in.Severity.Max(a.Severity)
	in.Labels = unionLabels(in.Labels, a.Labels)
	in.Features = mergeFeatures(in.Features, featuresFromAlert(a))
	in.UpdatedAt = now
	in.appendEvent(now, EventReopened, map[string]string{
		"source":   a.Source,
		"previous": string(prev),
		"next":     string(StatusInvestigating),
	})
	in.Version++

	if err := s.store.Update(ctx, in); err != nil {
		return nil, err
	}

	// The resolution this incident previously contributed is void.
	if s.aggregator != nil {
		s.aggregator.Retract(in.ID)
	}

	s.countSubmit("reopened")
	s.logger.Info(ctx, "incident reopened",
		"incident_id", in.ID,
		"fingerprint", in.Fingerprint,
		"previous", prev,
	)
	s.notify(ctx, Notification{
		Kind:        EventReopened,
		IncidentID:  in.ID,
		Fingerprint: in.Fingerprint,
		Title:       in.Title,
		Severity:    in.Severity,
		Previous:    prev,
		Next:        StatusInvestigating,
	})

	return &SubmitResult{Incident: in, Created: false}, nil
}

// Transition applies a status change through the state machine. The
// incident is left unchanged when the transition is not permitted.
func (s *Service) Transition(ctx context.Context, id string, next Status) (*Incident, error) {
	seed, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	mu := s.locks.lock(seed.Fingerprint)
	defer mu.Unlock()

	var in *Incident
	for attempt := 0; ; attempt++ {
		in, err = s.transition(ctx, id, next)
		if !errors.Is(err, ErrConflict) || attempt >= maxConflictRetries {
			break
		}
	}
	return in, err
}

func (s *Service) transition(ctx context.Context, id string, next Status) (*Incident, error) {
	in, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	now := s.clock().UTC()
	prev := in.Status

	if !CanTransition(prev, next) {
		if s.metrics != nil {
			s.metrics.InvalidTransitions.Inc()
		}
		return nil, &InvalidTransitionError{From: prev, To: next}
	}
	if next == StatusResolved && !now.After(in.CreatedAt) {
		if s.metrics != nil {
			s.metrics.InvalidTransitions.Inc()
		}
		return nil, &InvalidTransitionError{From: prev, To: next}
	}

	reopening := !prev.Active() && next == StatusInvestigating

	in.Status = next
	in.UpdatedAt = now

	kind := EventStatusChanged
	payload := map[string]string{
		"previous": string(prev),
		"next":     string(next),
	}
	switch {
	case reopening:
		kind = EventReopened
		in.ResolvedAt = nil
	case next == StatusResolved:
		kind = EventResolved
		t := now
		in.ResolvedAt = &t
		payload["resolution_seconds"] = strconv.FormatInt(int64(now.Sub(in.CreatedAt).Seconds()), 10)
	}
	in.appendEvent(now, kind, payload)
	in.Version++

	if err := s.store.Update(ctx, in); err != nil {
		return nil, err
	}

	switch {
	case reopening:
		if s.aggregator != nil {
			s.aggregator.Retract(in.ID)
		}
	case next == StatusResolved:
		if s.aggregator != nil {
			s.aggregator.Observe(in)
		}
		if s.metrics != nil {
			s.metrics.ResolutionSeconds.Observe(now.Sub(in.CreatedAt).Seconds())
		}
	}

	if s.metrics != nil {
		s.metrics.TransitionsTotal.WithLabelValues(string(prev), string(next)).Inc()
	}
	s.logger.Info(ctx, "status changed",
		"incident_id", in.ID,
		"fingerprint", in.Fingerprint,
		"previous", prev,
		"next", next,
	)
	s.notify(ctx, Notification{
		Kind:        kind,
		IncidentID:  in.ID,
		Fingerprint: in.Fingerprint,
		Title:       in.Title,
		Severity:    in.Severity,
		Previous:    prev,
		Next:        next,
	})

	return in, nil
}

// UpdateFeatures folds externally gathered feature tokens (error
// signatures, log excerpts) into the incident's feature vector ahead of
// a similarity query.
func (s *Service) UpdateFeatures(ctx context.Context, id string, tokens []string) (*Incident, error) {
	return s.mutate(ctx, id, func(in *Incident, now time.Time) {
		extra := make(map[string]float64)
		for _, raw := range tokens {
			for _, tok := range alert.NormalizeTokens(raw) {
				extra[tok] += titleTokenWeight
			}
		}
		in.Features = mergeFeatures(in.Features, extra)
	})
}

// AttachSuggestion stores opaque analysis output from an external
// collaborator on the incident.
func (s *Service) AttachSuggestion(ctx context.Context, id, text string, confidence float64) (*Incident, error) {
	return s.mutate(ctx, id, func(in *Incident, now time.Time) {
		in.Suggestion = &Suggestion{
			Text:       text,
			Confidence: confidence,
			AttachedAt: now,
		}
	})
}

// mutate applies fn to the incident under the per-fingerprint lock and
// persists the result. fn must not touch status, timeline, or
// resolution fields.
func (s *Service) mutate(ctx context.Context, id string, fn func(in *Incident, now time.Time)) (*Incident, error) {
	seed, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	mu := s.locks.lock(seed.Fingerprint)
	defer mu.Unlock()

	for attempt := 0; ; attempt++ {
		in, ok, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get incident: %w", err)
		}
		if !ok {
			return nil, ErrNotFound
		}

		now := s.clock().UTC()
		fn(in, now)
		in.UpdatedAt = now
		in.Version++

		err = s.store.Update(ctx, in)
		if err == nil {
			return in, nil
		}
		if !errors.Is(err, ErrConflict) || attempt >= maxConflictRetries {
			return nil, err
		}
	}
}

// Get retrieves an incident by id.
func (s *Service) Get(ctx context.Context, id string) (*Incident, bool, error) {
	return s.store.Get(ctx, id)
}

// List returns incidents matching the filter.
func (s *Service) List(ctx context.Context, f Filter) ([]*Incident, error) {
	return s.store.List(ctx, f)
}

// Stats reports windowed resolution statistics plus the current number
// of active incidents.
func (s *Service) Stats(ctx context.Context, window time.Duration) (Stats, error) {
	var st Stats
	if s.aggregator != nil {
		st = s.aggregator.Snapshot(window)
	} else {
		st = Stats{Window: window}
	}
	active, err := s.store.CountActive(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count active: %w", err)
	}
	st.CountActive = active
	return st, nil
}

// notify hands the notification off to the configured notifier without
// blocking the caller; delivery runs outside the critical section.
func (s *Service) notify(ctx context.Context, n Notification) {
	if s.notifier == nil {
		return
	}
	go func(ctx context.Context) {
		if err := s.notifier.Notify(ctx, n); err != nil {
			if s.metrics != nil {
				s.metrics.NotifyFailures.Inc()
			}
			s.logger.Error(ctx, err, "notification delivery failed",
				"incident_id", n.IncidentID,
				"kind", n.Kind,
			)
		}
	}(context.WithoutCancel(ctx))
}

func (s *Service) countSubmit(outcome string) {
	if s.metrics != nil {
		s.metrics.SubmitsTotal.WithLabelValues(outcome).Inc()
	}
}

func copyLabels(labels map[string]string) map[string]string {
	cp := make(map[string]string, len(labels))
	for k, v := range labels {
		cp[k] = v
	}
	return cp
}

func unionLabels(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
