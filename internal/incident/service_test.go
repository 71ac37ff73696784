package incident

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/beacon/internal/alert"
)

// fakeClock is a hand-advanced clock shared between the service and the
// aggregator under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testNormalizer() *alert.Normalizer {
	return alert.NewNormalizer([]alert.Rule{
		{Source: "prometheus", LabelKeys: []string{"service"}},
	})
}

func diskUsageAlert() *alert.Alert {
	return &alert.Alert{
		Source:   "prometheus",
		Title:    "Disk usage above 90% on node-7",
		Severity: alert.SeverityMedium,
		Labels:   map[string]string{"service": "storage", "region": "eu-west-1"},
	}
}

// drive walks an incident to resolved through the intermediate states.
func drive(t *testing.T, svc *Service, id string, clock *fakeClock) *Incident {
	t.Helper()
	var in *Incident
	var err error
	for _, next := range []Status{StatusAcknowledged, StatusInvestigating, StatusMitigated, StatusResolved} {
		clock.Advance(10 * time.Minute)
		in, err = svc.Transition(context.Background(), id, next)
		if err != nil {
			t.Fatalf("Transition(%s): %v", next, err)
		}
	}
	return in
}

func TestSubmit_CreatesIncident(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := newStubStore()
	svc := NewService(store, testNormalizer(), log.Nop(), Options{Clock: clock.Now})

	res, err := svc.Submit(context.Background(), diskUsageAlert())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Created {
		t.Fatal("Created = false, want true")
	}

	in := res.Incident
	if in.ID == "" {
		t.Fatal("empty incident id")
	}
	if len(in.Fingerprint) != 16 {
		t.Fatalf("fingerprint %q, want 16 hex chars", in.Fingerprint)
	}
	if in.Status != StatusOpen {
		t.Fatalf("status = %s, want open", in.Status)
	}
	if in.Severity != alert.SeverityMedium {
		t.Fatalf("severity = %s, want medium", in.Severity)
	}
	if in.Version != 1 {
		t.Fatalf("version = %d, want 1", in.Version)
	}
	if !in.CreatedAt.Equal(clock.Now().UTC()) {
		t.Fatalf("created_at = %v, want %v", in.CreatedAt, clock.Now().UTC())
	}
	if got := in.Labels["service"]; got != "storage" {
		t.Fatalf("labels[service] = %q, want storage", got)
	}
	if len(in.Features) == 0 {
		t.Fatal("empty feature vector")
	}
	if len(in.Timeline) != 1 || in.Timeline[0].Kind != EventCreated {
		t.Fatalf("timeline = %+v, want single created event", in.Timeline)
	}
	if got := in.Timeline[0].Payload["source"]; got != "prometheus" {
		t.Fatalf("created payload source = %q", got)
	}
}

func TestSubmit_RejectsInvalidAlerts(t *testing.T) {
	t.Parallel()

	svc := NewService(newStubStore(), testNormalizer(), log.Nop(), Options{})

	tests := []struct {
		name   string
		mutate func(a *alert.Alert)
		field  string
	}{
		{"missing source", func(a *alert.Alert) { a.Source = " " }, "source"},
		{"missing title", func(a *alert.Alert) { a.Title = "" }, "title"},
		{"unknown severity", func(a *alert.Alert) { a.Severity = "catastrophic" }, "severity"},
		{"all-variable title", func(a *alert.Alert) { a.Title = "12345 deadbeefcafe 2025-03-01T12:00:00Z" }, "title"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := diskUsageAlert()
			tt.mutate(a)
			_, err := svc.Submit(context.Background(), a)
			var verr *alert.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Fatalf("field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestSubmit_MergesIntoActiveIncident(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	svc := NewService(newStubStore(), testNormalizer(), log.Nop(), Options{Clock: clock.Now})
	ctx := context.Background()

	first, err := svc.Submit(ctx, diskUsageAlert())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	clock.Advance(5 * time.Minute)
	dup := diskUsageAlert()
	dup.Severity = alert.SeverityHigh
	dup.Labels["zone"] = "eu-west-1a"
	second, err := svc.Submit(ctx, dup)
	if err != nil {
		t.Fatalf("Submit duplicate: %v", err)
	}

	if second.Created {
		t.Fatal("duplicate created a new incident")
	}
	if second.Incident.ID != first.Incident.ID {
		t.Fatalf("merged into %s, want %s", second.Incident.ID, first.Incident.ID)
	}
	if second.Incident.Severity != alert.SeverityHigh {
		t.Fatalf("severity = %s, want high after escalation", second.Incident.Severity)
	}
	if got := second.Incident.Labels["zone"]; got != "eu-west-1a" {
		t.Fatalf("labels[zone] = %q, want eu-west-1a", got)
	}
	if second.Incident.Version != 2 {
		t.Fatalf("version = %d, want 2", second.Incident.Version)
	}
	last := second.Incident.Timeline[len(second.Incident.Timeline)-1]
	if last.Kind != EventMerged {
		t.Fatalf("last event = %s, want merged", last.Kind)
	}

	// Severity never goes back down.
	low := diskUsageAlert()
	low.Severity = alert.SeverityLow
	third, err := svc.Submit(ctx, low)
	if err != nil {
		t.Fatalf("Submit low: %v", err)
	}
	if third.Incident.Severity != alert.SeverityHigh {
		t.Fatalf("severity = %s after low alert, want high", third.Incident.Severity)
	}
}

func TestSubmit_ReopensWithinWindow(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	agg := NewAggregator().WithClock(clock.Now)
	svc := NewService(newStubStore(), testNormalizer(), log.Nop(), Options{
		Clock:      clock.Now,
		Aggregator: agg,
	})
	ctx := context.Background()

	res, err := svc.Submit(ctx, diskUsageAlert())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	drive(t, svc, res.Incident.ID, clock)

	// Window membership is half-open; step past the resolution instant.
	clock.Advance(time.Minute)
	if st := agg.Snapshot(time.Hour); st.CountResolved != 1 {
		t.Fatalf("resolved count = %d before reopen, want 1", st.CountResolved)
	}

	clock.Advance(2 * time.Hour)
	again, err := svc.Submit(ctx, diskUsageAlert())
	if err != nil {
		t.Fatalf("Submit after resolve: %v", err)
	}

	if again.Created {
		t.Fatal("recurrence created a new incident inside the reopen window")
	}
	in := again.Incident
	if in.ID != res.Incident.ID {
		t.Fatalf("reopened %s, want %s", in.ID, res.Incident.ID)
	}
	if in.Status != StatusInvestigating {
		t.Fatalf("status = %s, want investigating", in.Status)
	}
	if in.ResolvedAt != nil {
		t.Fatalf("resolved_at = %v, want nil", in.ResolvedAt)
	}
	last := in.Timeline[len(in.Timeline)-1]
	if last.Kind != EventReopened {
		t.Fatalf("last event = %s, want reopened", last.Kind)
	}
	if last.Payload["previous"] != string(StatusResolved) {
		t.Fatalf("reopen payload previous = %q", last.Payload["previous"])
	}

	// The earlier resolution no longer counts.
	if st := agg.Snapshot(24 * time.Hour); st.CountResolved != 0 {
		t.Fatalf("resolved count = %d after reopen, want 0", st.CountResolved)
	}
}

func TestSubmit_LineageAfterWindowExpires(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	svc := NewService(newStubStore(), testNormalizer(), log.Nop(), Options{
		Clock:        clock.Now,
		ReopenWindow: time.Hour,
	})
	ctx := context.Background()

	res, err := svc.Submit(ctx, diskUsageAlert())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	drive(t, svc, res.Incident.ID, clock)

	clock.Advance(2 * time.Hour)
	again, err := svc.Submit(ctx, diskUsageAlert())
	if err != nil {
		t.Fatalf("Submit after window: %v", err)
	}

	if !again.Created {
		t.Fatal("recurrence outside the window did not create a new incident")
	}
	in := again.Incident
	if in.ID == res.Incident.ID {
		t.Fatal("recurrence reused the resolved incident's id")
	}
	if len(in.RelatedIDs) != 1 || in.RelatedIDs[0] != res.Incident.ID {
		t.Fatalf("related = %v, want [%s]", in.RelatedIDs, res.Incident.ID)
	}

	prior, ok, err := svc.Get(ctx, res.Incident.ID)
	if err != nil || !ok {
		t.Fatalf("Get prior: ok=%v err=%v", ok, err)
	}
	if prior.Status != StatusResolved {
		t.Fatalf("prior status = %s, want resolved untouched", prior.Status)
	}
}

func TestTransition_Resolve(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	agg := NewAggregator().WithClock(clock.Now)
	svc := NewService(newStubStore(), testNormalizer(), log.Nop(), Options{
		Clock:      clock.Now,
		Aggregator: agg,
	})
	ctx := context.Background()

	res, err := svc.Submit(ctx, diskUsageAlert())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	clock.Advance(90 * time.Minute)
	in, err := svc.Transition(ctx, res.Incident.ID, StatusResolved)
	if err != nil {
		t.Fatalf("Transition(resolved): %v", err)
	}

	if in.ResolvedAt == nil || !in.ResolvedAt.Equal(clock.Now().UTC()) {
		t.Fatalf("resolved_at = %v, want %v", in.ResolvedAt, clock.Now().UTC())
	}
	last := in.Timeline[len(in.Timeline)-1]
	if last.Kind != EventResolved {
		t.Fatalf("last event = %s, want resolved", last.Kind)
	}
	if got := last.Payload["resolution_seconds"]; got != "5400" {
		t.Fatalf("resolution_seconds = %q, want 5400", got)
	}

	clock.Advance(time.Minute)
	st := agg.Snapshot(24 * time.Hour)
	if !st.HasData || st.MeanResolution != 90*time.Minute {
		t.Fatalf("snapshot = %+v, want mean 90m", st)
	}
}

func TestTransition_Errors(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	svc := NewService(newStubStore(), testNormalizer(), log.Nop(), Options{Clock: clock.Now})
	ctx := context.Background()

	res, err := svc.Submit(ctx, diskUsageAlert())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	id := res.Incident.ID

	if _, err := svc.Transition(ctx, "01JNOPE", StatusAcknowledged); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id err = %v, want ErrNotFound", err)
	}

	if _, err := svc.Transition(ctx, id, StatusClosed); !IsInvalidTransition(err) {
		t.Fatalf("open->closed err = %v, want invalid transition", err)
	}

	// Resolution must be strictly after creation.
	if _, err := svc.Transition(ctx, id, StatusResolved); !IsInvalidTransition(err) {
		t.Fatalf("resolve at creation instant err = %v, want invalid transition", err)
	}

	// A rejected transition leaves the incident untouched.
	in, _, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if in.Status != StatusOpen || in.Version != 1 {
		t.Fatalf("incident mutated by rejected transition: status=%s version=%d", in.Status, in.Version)
	}
}

func TestTransition_ReopenFromClosed(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	agg := NewAggregator().WithClock(clock.Now)
	svc := NewService(newStubStore(), testNormalizer(), log.Nop(), Options{
		Clock:      clock.Now,
		Aggregator: agg,
	})
	ctx := context.Background()

	res, err := svc.Submit(ctx, diskUsageAlert())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	drive(t, svc, res.Incident.ID, clock)

	clock.Advance(time.Minute)
	if _, err := svc.Transition(ctx, res.Incident.ID, StatusClosed); err != nil {
		t.Fatalf("Transition(closed): %v", err)
	}

	clock.Advance(time.Minute)
	in, err := svc.Transition(ctx, res.Incident.ID, StatusInvestigating)
	if err != nil {
		t.Fatalf("Transition(investigating) from closed: %v", err)
	}
	if in.ResolvedAt != nil {
		t.Fatalf("resolved_at = %v after reopen, want nil", in.ResolvedAt)
	}
	if last := in.Timeline[len(in.Timeline)-1]; last.Kind != EventReopened {
		t.Fatalf("last event = %s, want reopened", last.Kind)
	}
	if st := agg.Snapshot(24 * time.Hour); st.CountResolved != 0 {
		t.Fatalf("resolved count = %d after manual reopen, want 0", st.CountResolved)
	}
}

func TestSubmit_RetriesOnConflict(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	svc := NewService(store, testNormalizer(), log.Nop(), Options{})
	ctx := context.Background()

	if _, err := svc.Submit(ctx, diskUsageAlert()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	store.mu.Lock()
	store.failUpdates = 2
	store.mu.Unlock()

	res, err := svc.Submit(ctx, diskUsageAlert())
	if err != nil {
		t.Fatalf("Submit with transient conflicts: %v", err)
	}
	if res.Created {
		t.Fatal("retry created a new incident instead of merging")
	}

	store.mu.Lock()
	store.failUpdates = maxConflictRetries + 2
	store.mu.Unlock()

	if _, err := svc.Submit(ctx, diskUsageAlert()); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v after exhausted retries, want ErrConflict", err)
	}
}

func TestSubmit_ConcurrentSameFingerprint(t *testing.T) {
	t.Parallel()

	svc := NewService(newStubStore(), testNormalizer(), log.Nop(), Options{})
	ctx := context.Background()

	const n = 16
	results := make(chan *SubmitResult, n)
	errs := make(chan error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Submit(ctx, diskUsageAlert())
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("Submit: %v", err)
	}

	var created int
	ids := make(map[string]bool)
	for res := range results {
		if res.Created {
			created++
		}
		ids[res.Incident.ID] = true
	}
	if created != 1 {
		t.Fatalf("created %d incidents, want exactly 1", created)
	}
	if len(ids) != 1 {
		t.Fatalf("submissions landed on %d incidents, want 1", len(ids))
	}
}

func TestUpdateFeatures(t *testing.T) {
	t.Parallel()

	svc := NewService(newStubStore(), testNormalizer(), log.Nop(), Options{})
	ctx := context.Background()

	res, err := svc.Submit(ctx, diskUsageAlert())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	in, err := svc.UpdateFeatures(ctx, res.Incident.ID, []string{"OOMKilled", "CrashLoopBackOff"})
	if err != nil {
		t.Fatalf("UpdateFeatures: %v", err)
	}
	if in.Features["oomkilled"] == 0 || in.Features["crashloopbackoff"] == 0 {
		t.Fatalf("features = %v, want oomkilled and crashloopbackoff present", in.Features)
	}
	if in.Version != 2 {
		t.Fatalf("version = %d, want 2", in.Version)
	}

	if _, err := svc.UpdateFeatures(ctx, "01JNOPE", []string{"x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id err = %v, want ErrNotFound", err)
	}
}

func TestAttachSuggestion(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	svc := NewService(newStubStore(), testNormalizer(), log.Nop(), Options{Clock: clock.Now})
	ctx := context.Background()

	res, err := svc.Submit(ctx, diskUsageAlert())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	in, err := svc.AttachSuggestion(ctx, res.Incident.ID, "rotate the volume, see runbook 12", 0.82)
	if err != nil {
		t.Fatalf("AttachSuggestion: %v", err)
	}
	if in.Suggestion == nil {
		t.Fatal("suggestion not attached")
	}
	if in.Suggestion.Text != "rotate the volume, see runbook 12" || in.Suggestion.Confidence != 0.82 {
		t.Fatalf("suggestion = %+v", in.Suggestion)
	}
	if !in.Suggestion.AttachedAt.Equal(clock.Now().UTC()) {
		t.Fatalf("attached_at = %v", in.Suggestion.AttachedAt)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	agg := NewAggregator().WithClock(clock.Now)
	svc := NewService(newStubStore(), testNormalizer(), log.Nop(), Options{
		Clock:      clock.Now,
		Aggregator: agg,
	})
	ctx := context.Background()

	res, err := svc.Submit(ctx, diskUsageAlert())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	drive(t, svc, res.Incident.ID, clock)

	other := diskUsageAlert()
	other.Title = "Postgres replication lag on primary"
	if _, err := svc.Submit(ctx, other); err != nil {
		t.Fatalf("Submit other: %v", err)
	}

	clock.Advance(time.Minute)
	st, err := svc.Stats(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.CountResolved != 1 || !st.HasData {
		t.Fatalf("stats = %+v, want one resolved sample", st)
	}
	if st.MeanResolution != 40*time.Minute {
		t.Fatalf("mean = %v, want 40m", st.MeanResolution)
	}
	if st.CountActive != 1 {
		t.Fatalf("active = %d, want 1", st.CountActive)
	}
}

func TestStats_NoAggregator(t *testing.T) {
	t.Parallel()

	svc := NewService(newStubStore(), testNormalizer(), log.Nop(), Options{})
	ctx := context.Background()

	if _, err := svc.Submit(ctx, diskUsageAlert()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	st, err := svc.Stats(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.HasData || st.CountResolved != 0 {
		t.Fatalf("stats = %+v, want empty", st)
	}
	if st.CountActive != 1 {
		t.Fatalf("active = %d, want 1", st.CountActive)
	}
}

func TestNotifications(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	got := make(chan Notification, 8)
	svc := NewService(newStubStore(), testNormalizer(), log.Nop(), Options{
		Clock: clock.Now,
		Notifier: NotifierFunc(func(_ context.Context, n Notification) error {
			got <- n
			return nil
		}),
	})
	ctx := context.Background()

	await := func(want EventKind) Notification {
		t.Helper()
		select {
		case n := <-got:
			if n.Kind != want {
				t.Fatalf("notification kind = %s, want %s", n.Kind, want)
			}
			return n
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s notification", want)
			return Notification{}
		}
	}

	res, err := svc.Submit(ctx, diskUsageAlert())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	n := await(EventCreated)
	if n.IncidentID != res.Incident.ID || n.Next != StatusOpen {
		t.Fatalf("created notification = %+v", n)
	}

	if _, err := svc.Submit(ctx, diskUsageAlert()); err != nil {
		t.Fatalf("Submit duplicate: %v", err)
	}
	await(EventMerged)

	clock.Advance(time.Minute)
	if _, err := svc.Transition(ctx, res.Incident.ID, StatusAcknowledged); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	n = await(EventStatusChanged)
	if n.Previous != StatusOpen || n.Next != StatusAcknowledged {
		t.Fatalf("status notification = %+v", n)
	}

	clock.Advance(time.Minute)
	if _, err := svc.Transition(ctx, res.Incident.ID, StatusResolved); err != nil {
		t.Fatalf("Transition(resolved): %v", err)
	}
	await(EventResolved)
}

func TestNewService_NilDependenciesPanic(t *testing.T) {
	t.Parallel()

	mustPanic := func(name string, fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Fatalf("%s: no panic", name)
			}
		}()
		fn()
	}

	mustPanic("nil store", func() {
		NewService(nil, testNormalizer(), log.Nop(), Options{})
	})
	mustPanic("nil normalizer", func() {
		NewService(newStubStore(), nil, log.Nop(), Options{})
	})
}
