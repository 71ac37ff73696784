package advisor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/incident"
	"github.com/linnemanlabs/beacon/internal/incident/memstore"
)

type fakeLLM struct {
	reply  string
	err    error
	system string
	prompt string
	calls  int
}

func (f *fakeLLM) Complete(_ context.Context, system, prompt string, _ int) (string, error) {
	f.calls++
	f.system = system
	f.prompt = prompt
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

// newFixture builds a service with one resolved incident similar to the
// open one, both sharing disk/full/node tokens and the storage label.
func newFixture(t *testing.T, llm *fakeLLM) (*Advisor, string) {
	t.Helper()

	store := memstore.New()
	base := time.Date(2026, 2, 26, 12, 0, 0, 0, time.UTC)
	now := base
	svc := incident.NewService(store, alert.NewNormalizer(nil), nil, incident.Options{
		Clock: func() time.Time { now = now.Add(time.Minute); return now },
	})

	past, err := svc.Submit(context.Background(), &alert.Alert{
		Source:      "prometheus",
		Title:       "disk full on node",
		Description: "root volume at 98%",
		Severity:    alert.SeverityHigh,
		Labels:      map[string]string{"service": "storage"},
	})
	if err != nil {
		t.Fatalf("submit past alert: %v", err)
	}
	for _, next := range []incident.Status{
		incident.StatusInvestigating, incident.StatusResolved,
	} {
		if _, err := svc.Transition(context.Background(), past.Incident.ID, next); err != nil {
			t.Fatalf("transition past incident to %s: %v", next, err)
		}
	}

	current, err := svc.Submit(context.Background(), &alert.Alert{
		Source:   "datadog",
		Title:    "disk almost full node alarm",
		Severity: alert.SeverityMedium,
		Labels:   map[string]string{"service": "storage"},
	})
	if err != nil {
		t.Fatalf("submit current alert: %v", err)
	}

	matcher := incident.NewMatcher(store, incident.MatcherOptions{})
	return New(nil, llm, svc, matcher), current.Incident.ID
}

func TestAdvise_AttachesSuggestion(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{reply: "Free space on the root volume and check retention settings."}
	adv, id := newFixture(t, llm)

	if err := adv.Advise(context.Background(), id); err != nil {
		t.Fatalf("Advise: %v", err)
	}

	if llm.calls != 1 {
		t.Fatalf("llm calls = %d, want 1", llm.calls)
	}
	if !strings.Contains(llm.prompt, "disk almost full node alarm") {
		t.Errorf("prompt missing current incident title:\n%s", llm.prompt)
	}
	if !strings.Contains(llm.prompt, "disk full on node") {
		t.Errorf("prompt missing similar incident title:\n%s", llm.prompt)
	}
	if !strings.Contains(llm.prompt, "service=storage") {
		t.Errorf("prompt missing labels:\n%s", llm.prompt)
	}

	in, ok, err := adv.svc.Get(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("get incident: ok=%v err=%v", ok, err)
	}
	if in.Suggestion == nil {
		t.Fatal("no suggestion attached")
	}
	if in.Suggestion.Text != llm.reply {
		t.Errorf("suggestion text = %q, want llm reply", in.Suggestion.Text)
	}
	if in.Suggestion.Confidence <= 0 || in.Suggestion.Confidence > 1 {
		t.Errorf("confidence = %g, want in (0, 1]", in.Suggestion.Confidence)
	}
}

func TestAdvise_NoSimilarHistory(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	svc := incident.NewService(store, alert.NewNormalizer(nil), nil, incident.Options{})
	res, err := svc.Submit(context.Background(), &alert.Alert{
		Source: "prometheus", Title: "first ever incident", Severity: alert.SeverityLow,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	llm := &fakeLLM{reply: "should never be used"}
	adv := New(nil, llm, svc, incident.NewMatcher(store, incident.MatcherOptions{}))

	if err := adv.Advise(context.Background(), res.Incident.ID); err != nil {
		t.Fatalf("Advise: %v", err)
	}
	if llm.calls != 0 {
		t.Errorf("llm calls = %d, want 0 without similar history", llm.calls)
	}

	in, _, _ := svc.Get(context.Background(), res.Incident.ID)
	if in.Suggestion != nil {
		t.Error("suggestion attached despite empty history")
	}
}

func TestAdvise_UnknownIncident(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	svc := incident.NewService(store, alert.NewNormalizer(nil), nil, incident.Options{})
	llm := &fakeLLM{}
	adv := New(nil, llm, svc, incident.NewMatcher(store, incident.MatcherOptions{}))

	if err := adv.Advise(context.Background(), "nope"); err != nil {
		t.Fatalf("Advise on unknown id should be a no-op, got: %v", err)
	}
	if llm.calls != 0 {
		t.Errorf("llm calls = %d, want 0", llm.calls)
	}
}

func TestAdvise_CompleteError(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{err: errors.New("rate limited")}
	adv, id := newFixture(t, llm)

	err := adv.Advise(context.Background(), id)
	if err == nil {
		t.Fatal("expected error when completion fails")
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("error = %v, want to wrap the llm failure", err)
	}
}

func TestNotify_OnlyCreationTriggers(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{reply: "remediate"}
	adv, id := newFixture(t, llm)

	for _, kind := range []incident.EventKind{
		incident.EventMerged, incident.EventStatusChanged,
		incident.EventReopened, incident.EventResolved,
	} {
		if err := adv.Notify(context.Background(), incident.Notification{Kind: kind, IncidentID: id}); err != nil {
			t.Fatalf("Notify(%s): %v", kind, err)
		}
	}
	if llm.calls != 0 {
		t.Fatalf("llm calls = %d, want 0 for non-creation events", llm.calls)
	}

	if err := adv.Notify(context.Background(), incident.Notification{Kind: incident.EventCreated, IncidentID: id}); err != nil {
		t.Fatalf("Notify(created): %v", err)
	}
	if llm.calls != 1 {
		t.Errorf("llm calls = %d, want 1 after creation event", llm.calls)
	}
}

func TestNew_NilDeps_Panic(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New with nil completer did not panic")
		}
	}()
	New(nil, nil, nil, nil)
}
