package postgres

import (
	"context"
	"testing"
	"time"
)

func TestWithHTTPMethod_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithHTTPMethod(context.Background(), "POST")
	got, _ := ctx.Value(ctxKeyHTTPMethod).(string)
	if got != "POST" {
		t.Fatalf("method = %q, want POST", got)
	}
}

func TestWithHTTPMethod_Empty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if got := WithHTTPMethod(ctx, ""); got != ctx {
		t.Fatal("empty method should return the original context")
	}
}

func TestSetQueryObserver(t *testing.T) {
	type obs struct {
		method, route, outcome string
		dur                    time.Duration
	}
	var got []obs

	SetQueryObserver(QueryObserverFunc(func(_ context.Context, method, route, outcome string, dur time.Duration) {
		got = append(got, obs{method, route, outcome, dur})
	}))
	t.Cleanup(func() { SetQueryObserver(nil) })

	h := queryObserver.Load()
	if h == nil {
		t.Fatal("observer not stored")
	}
	h.ObserveQuery(context.Background(), "GET", "/api/v1/incidents", "ok", 5*time.Millisecond)

	if len(got) != 1 {
		t.Fatalf("observations = %d, want 1", len(got))
	}
	if got[0].method != "GET" || got[0].route != "/api/v1/incidents" || got[0].outcome != "ok" {
		t.Fatalf("unexpected observation: %+v", got[0])
	}

	SetQueryObserver(nil)
	if queryObserver.Load() != nil {
		t.Fatal("observer not cleared")
	}
}
