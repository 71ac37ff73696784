// Package slack sends incident lifecycle notifications to Slack via
// incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/incident"
)

const httpTimeout = 10 * time.Second

// Notifier posts incident notifications to a Slack webhook. It
// implements incident.Notifier.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Notify posts the notification to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Notify(ctx context.Context, note incident.Notification) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(note)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(note incident.Notification) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(note),
			{"type": "divider"},
			fieldsBlock(note),
			{"type": "divider"},
			contextBlock(note),
		},
	}
}

func headerBlock(note incident.Notification) map[string]any {
	text := fmt.Sprintf("%s %s: %s", severityEmoji(note.Severity), kindTitle(note.Kind), note.Title)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(note incident.Notification) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Severity:* %s", note.Severity),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Status:* %s", note.Next),
		},
	}
	if note.Previous != "" && note.Previous != note.Next {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Was:* %s", note.Previous),
		})
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func contextBlock(note incident.Notification) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("beacon • incident %s • fingerprint %s", note.IncidentID, note.Fingerprint),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func kindTitle(kind incident.EventKind) string {
	switch kind {
	case incident.EventCreated:
		return "New Incident"
	case incident.EventMerged:
		return "Alert Merged"
	case incident.EventReopened:
		return "Incident Reopened"
	case incident.EventResolved:
		return "Incident Resolved"
	default:
		return "Incident Updated"
	}
}

func severityEmoji(severity alert.Severity) string {
	switch severity {
	case alert.SeverityCritical, alert.SeverityHigh:
		return "\U0001f534" // red circle
	case alert.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}
