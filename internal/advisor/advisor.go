// Package advisor generates remediation suggestions for new incidents
// by prompting an LLM with similar, already-resolved incidents.
package advisor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/beacon/internal/incident"
)

const (
	defaultMaxMatches = 3
	defaultMaxTokens  = 1024

	systemPrompt = "You are an SRE assistant. Given a new incident and similar " +
		"past incidents that were already resolved, suggest the most likely " +
		"remediation in at most three short sentences. Be concrete. If the past " +
		"incidents do not suggest a remediation, say so."
)

// Completer is the LLM surface the advisor needs.
type Completer interface {
	Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error)
}

// Service is the incident surface the advisor writes back to.
type Service interface {
	Get(ctx context.Context, id string) (*incident.Incident, bool, error)
	AttachSuggestion(ctx context.Context, id, text string, confidence float64) (*incident.Incident, error)
}

// Matcher finds resolved incidents resembling a given one.
type Matcher interface {
	FindSimilar(ctx context.Context, in *incident.Incident, k int) ([]incident.Match, error)
}

// Advisor subscribes to the incident notification stream and attaches a
// remediation suggestion to each newly created incident. It implements
// incident.Notifier.
type Advisor struct {
	logger     log.Logger
	llm        Completer
	svc        Service
	matcher    Matcher
	maxMatches int
	maxTokens  int
}

// New creates an Advisor.
func New(logger log.Logger, llm Completer, svc Service, matcher Matcher) *Advisor {
	if logger == nil {
		logger = log.Nop()
	}
	if llm == nil {
		panic(xerrors.New("completer is required"))
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	if matcher == nil {
		panic(xerrors.New("matcher is required"))
	}
	return &Advisor{
		logger:     logger,
		llm:        llm,
		svc:        svc,
		matcher:    matcher,
		maxMatches: defaultMaxMatches,
		maxTokens:  defaultMaxTokens,
	}
}

// Notify implements incident.Notifier. Only creation events trigger a
// suggestion; merges and transitions pass through untouched.
func (a *Advisor) Notify(ctx context.Context, n incident.Notification) error {
	if n.Kind != incident.EventCreated {
		return nil
	}
	return a.Advise(ctx, n.IncidentID)
}

// Advise looks up similar resolved incidents for the given incident,
// asks the LLM for a remediation, and attaches the result. Incidents
// with no similar history are skipped: there is nothing to ground a
// suggestion on.
func (a *Advisor) Advise(ctx context.Context, id string) error {
	in, ok, err := a.svc.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("advisor: get incident: %w", err)
	}
	if !ok {
		return nil
	}

	matches, err := a.matcher.FindSimilar(ctx, in, a.maxMatches)
	if err != nil {
		return fmt.Errorf("advisor: find similar: %w", err)
	}
	if len(matches) == 0 {
		a.logger.Info(ctx, "no similar incidents, skipping suggestion", "id", id)
		return nil
	}

	text, err := a.llm.Complete(ctx, systemPrompt, buildPrompt(in, matches), a.maxTokens)
	if err != nil {
		return fmt.Errorf("advisor: complete: %w", err)
	}

	if _, err := a.svc.AttachSuggestion(ctx, id, text, confidence(matches)); err != nil {
		return fmt.Errorf("advisor: attach suggestion: %w", err)
	}
	a.logger.Info(ctx, "suggestion attached", "id", id, "similar", len(matches))
	return nil
}

// buildPrompt renders the incident and its similar resolved incidents
// into the user prompt.
func buildPrompt(in *incident.Incident, matches []incident.Match) string {
	var b strings.Builder

	fmt.Fprintf(&b, "New incident: %s (severity %s)\n", in.Title, in.Severity)
	if in.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", in.Description)
	}
	if len(in.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", formatLabels(in.Labels))
	}

	b.WriteString("\nSimilar resolved incidents:\n")
	for i, m := range matches {
		fmt.Fprintf(&b, "%d. [score %.2f] %s (severity %s", i+1, m.Score, m.Incident.Title, m.Incident.Severity)
		if d, ok := resolutionTime(m.Incident); ok {
			fmt.Fprintf(&b, ", resolved in %s", d.Round(time.Minute))
		}
		b.WriteString(")\n")
		if m.Incident.Description != "" {
			fmt.Fprintf(&b, "   %s\n", m.Incident.Description)
		}
	}

	return b.String()
}

func formatLabels(labels map[string]string) string {
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, " ")
}

func resolutionTime(in *incident.Incident) (time.Duration, bool) {
	if in.ResolvedAt == nil {
		return 0, false
	}
	return in.ResolvedAt.Sub(in.CreatedAt), true
}

// confidence maps the best match score into the suggestion confidence.
func confidence(matches []incident.Match) float64 {
	best := matches[0].Score
	if best > 1 {
		best = 1
	}
	if best < 0 {
		best = 0
	}
	return best
}
