package incident

import (
	"context"

	"github.com/linnemanlabs/beacon/internal/alert"
)

// Notification is the lifecycle change event emitted on every accepted
// state machine transition and every merge/creation. External notifiers
// subscribe to this stream; the engine never blocks on them.
type Notification struct {
	Kind        EventKind      `json:"kind"`
	IncidentID  string         `json:"incident_id"`
	Fingerprint string         `json:"fingerprint"`
	Title       string         `json:"title"`
	Severity    alert.Severity `json:"severity"`
	Previous    Status         `json:"previous_status,omitempty"`
	Next        Status         `json:"next_status"`
}

// Notifier consumes lifecycle notifications. Implementations must be
// safe for concurrent use; errors are logged by the caller, never
// propagated into the engine.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Fanout delivers each notification to every registered notifier. It
// keeps going after individual failures and returns the last error.
type Fanout struct {
	notifiers []Notifier
}

// NewFanout creates a Fanout over the given notifiers. Nil entries are
// skipped.
func NewFanout(notifiers ...Notifier) *Fanout {
	f := &Fanout{}
	for _, n := range notifiers {
		if n != nil {
			f.notifiers = append(f.notifiers, n)
		}
	}
	return f
}

// Notify implements Notifier.
func (f *Fanout) Notify(ctx context.Context, n Notification) error {
	var last error
	for _, nf := range f.notifiers {
		if err := nf.Notify(ctx, n); err != nil {
			last = err
		}
	}
	return last
}
