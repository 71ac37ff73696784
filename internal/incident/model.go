package incident

import (
	"time"

	"github.com/linnemanlabs/beacon/internal/alert"
)

// Status tracks where an incident is in its lifecycle.
type Status string

const (
	// StatusOpen means newly created, not yet looked at.
	StatusOpen Status = "open"

	// StatusAcknowledged means a responder has seen it.
	StatusAcknowledged Status = "acknowledged"

	// StatusInvestigating means root cause analysis is underway.
	StatusInvestigating Status = "investigating"

	// StatusMitigated means impact is contained but the fix is not final.
	StatusMitigated Status = "mitigated"

	// StatusResolved means the underlying problem is fixed.
	StatusResolved Status = "resolved"

	// StatusClosed is terminal; closed incidents only change via reopen.
	StatusClosed Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAcknowledged, StatusInvestigating,
		StatusMitigated, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Active reports whether an incident in this status still counts as
// live for correlation: new alerts with the same fingerprint merge into
// it instead of creating a new incident.
func (s Status) Active() bool {
	return s != StatusResolved && s != StatusClosed
}

// EventKind identifies a timeline event.
type EventKind string

const (
	EventCreated       EventKind = "created"
	EventMerged        EventKind = "merged"
	EventStatusChanged EventKind = "status_changed"
	EventReopened      EventKind = "reopened"
	EventResolved      EventKind = "resolved"
)

// Event is one entry in an incident's append-only timeline.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Kind      EventKind         `json:"kind"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// Suggestion is opaque analysis output written back by an external
// collaborator. The engine stores it and never interprets it.
type Suggestion struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	AttachedAt time.Time `json:"attached_at"`
}

// Incident is the persistent record the engine maintains per underlying
// problem. ID and CreatedAt are immutable after creation; Severity only
// ever increases; Timeline is append-only.
type Incident struct {
	ID          string             `json:"id"`
	Fingerprint string             `json:"fingerprint"`
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	Severity    alert.Severity     `json:"severity"`
	Status      Status             `json:"status"`
	Labels      map[string]string  `json:"labels,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	ResolvedAt  *time.Time         `json:"resolved_at,omitempty"`
	Timeline    []Event            `json:"timeline"`
	RelatedIDs  []string           `json:"related_incident_ids,omitempty"`
	Features    map[string]float64 `json:"feature_vector,omitempty"`
	Suggestion  *Suggestion        `json:"suggestion,omitempty"`

	// Version supports optimistic concurrency in Store.Update.
	// Callers bump it before writing; stale writes fail with ErrConflict.
	Version int64 `json:"version"`
}

// Clone returns a deep copy so stores can hand out values without
// sharing mutable state with callers.
func (in *Incident) Clone() *Incident {
	cp := *in
	if in.Labels != nil {
		cp.Labels = make(map[string]string, len(in.Labels))
		for k, v := range in.Labels {
			cp.Labels[k] = v
		}
	}
	if in.Features != nil {
		cp.Features = make(map[string]float64, len(in.Features))
		for k, v := range in.Features {
			cp.Features[k] = v
		}
	}
	if in.ResolvedAt != nil {
		t := *in.ResolvedAt
		cp.ResolvedAt = &t
	}
	if in.Suggestion != nil {
		s := *in.Suggestion
		cp.Suggestion = &s
	}
	cp.Timeline = make([]Event, len(in.Timeline))
	for i, ev := range in.Timeline {
		cp.Timeline[i] = ev
		if ev.Payload != nil {
			p := make(map[string]string, len(ev.Payload))
			for k, v := range ev.Payload {
				p[k] = v
			}
			cp.Timeline[i].Payload = p
		}
	}
	cp.RelatedIDs = append([]string(nil), in.RelatedIDs...)
	return &cp
}

// appendEvent adds a timeline event. The timeline is append-only;
// nothing ever removes or reorders entries.
func (in *Incident) appendEvent(ts time.Time, kind EventKind, payload map[string]string) {
	in.Timeline = append(in.Timeline, Event{Timestamp: ts, Kind: kind, Payload: payload})
}
