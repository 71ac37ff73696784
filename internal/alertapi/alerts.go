package alertapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/beacon/internal/alert"
)

type ingestRequest struct {
	Source      string            `json:"source"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Severity    string            `json:"severity"`
	Labels      map[string]string `json:"labels"`
	ReceivedAt  time.Time         `json:"received_at"`
}

type ingestResponse struct {
	IncidentID string `json:"incident_id"`
	Created    bool   `json:"created"`
}

func (a *API) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	al := &alert.Alert{
		Source:      req.Source,
		Title:       req.Title,
		Description: req.Description,
		Severity:    alert.ParseSeverity(req.Severity),
		Labels:      req.Labels,
		ReceivedAt:  req.ReceivedAt,
	}

	res, err := a.svc.Submit(r.Context(), al)
	if err != nil {
		var verr *alert.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		a.logger.Error(r.Context(), err, "alert submit failed", "source", req.Source)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("beacon.incident.id", res.Incident.ID),
		attribute.Bool("beacon.incident.created", res.Created),
	)

	writeJSON(w, http.StatusAccepted, ingestResponse{
		IncidentID: res.Incident.ID,
		Created:    res.Created,
	})
}

// amWebhook is the subset of the Prometheus Alertmanager webhook payload
// beacon consumes.
type amWebhook struct {
	Alerts []amAlert `json:"alerts"`
}

type amAlert struct {
	Status      string            `json:"status"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
}

func (a *API) handleAlertmanagerWebhook(w http.ResponseWriter, r *http.Request) {
	var wh amWebhook
	if err := json.NewDecoder(r.Body).Decode(&wh); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	var accepted []ingestResponse

	for _, am := range wh.Alerts {
		// resolved notifications do not open or merge incidents
		if am.Status != "firing" {
			continue
		}

		al := alertFromAlertmanager(am)
		res, err := a.svc.Submit(r.Context(), al)
		if err != nil {
			var verr *alert.ValidationError
			if errors.As(err, &verr) {
				a.logger.Info(r.Context(), "skipping malformed alertmanager alert",
					"reason", verr.Error(), "alertname", am.Labels["alertname"])
				continue
			}
			a.logger.Error(r.Context(), err, "alertmanager submit failed",
				"alertname", am.Labels["alertname"])
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		accepted = append(accepted, ingestResponse{
			IncidentID: res.Incident.ID,
			Created:    res.Created,
		})
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": accepted})
}

// alertFromAlertmanager maps the vendor shape onto the canonical alert:
// alertname becomes the title, the summary annotation the description,
// and all remaining labels carry over.
func alertFromAlertmanager(am amAlert) *alert.Alert {
	title := am.Labels["alertname"]
	if title == "" {
		title = summaryTitle(am.Annotations["summary"])
	}

	labels := make(map[string]string, len(am.Labels))
	for k, v := range am.Labels {
		if k == "alertname" || k == "severity" {
			continue
		}
		labels[k] = v
	}

	desc := am.Annotations["description"]
	if desc == "" {
		desc = am.Annotations["summary"]
	}

	return &alert.Alert{
		Source:      "alertmanager",
		Title:       title,
		Description: desc,
		Severity:    alert.ParseSeverity(am.Labels["severity"]),
		Labels:      labels,
		ReceivedAt:  am.StartsAt,
	}
}

// summaryTitle falls back to the first few words of the summary when the
// alertname label is missing.
func summaryTitle(summary string) string {
	fields := strings.Fields(summary)
	if len(fields) > 8 {
		fields = fields[:8]
	}
	return strings.Join(fields, " ")
}
