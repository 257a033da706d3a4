package render

import (
	"time"

	"github.com/t77yq/alertflow/internal/model"
)

// Context is the flat variable map a template sees
type Context map[string]any

// keys that labels may not shadow
var reserved = map[string]struct{}{
	"fingerprint":   {},
	"name":          {},
	"status":        {},
	"severity":      {},
	"source":        {},
	"instance":      {},
	"labels":        {},
	"annotations":   {},
	"summary":       {},
	"description":   {},
	"firing_count":  {},
	"first_seen":    {},
	"last_seen":     {},
	"started_at":    {},
	"ended_at":      {},
	"ticket_key":    {},
	"generator_url": {},
	"transition":    {},
}

// NewContext builds the template context for an incident and its latest
// occurrence. occurrence may be nil.
func NewContext(incident *model.Incident, occurrence *model.Occurrence, transition model.Status) Context {
	annotations := map[string]string{}
	var startedAt, endedAt, generatorURL string
	if occurrence != nil {
		for k, v := range occurrence.Annotations {
			annotations[k] = v
		}
		startedAt = formatTime(occurrence.StartedAt)
		if occurrence.EndedAt != nil {
			endedAt = formatTime(*occurrence.EndedAt)
		}
		generatorURL = occurrence.GeneratorURL
	}

	labels := map[string]string{}
	for k, v := range incident.Labels {
		labels[k] = v
	}

	ctx := Context{
		"fingerprint":   incident.Fingerprint,
		"name":          incident.Name,
		"status":        string(incident.Status),
		"severity":      string(incident.Severity),
		"source":        incident.Source,
		"instance":      incident.Instance,
		"labels":        labels,
		"annotations":   annotations,
		"summary":       annotations["summary"],
		"description":   annotations["description"],
		"firing_count":  incident.FiringCount,
		"first_seen":    formatTime(incident.FirstSeen),
		"last_seen":     formatTime(incident.LastSeen),
		"started_at":    startedAt,
		"ended_at":      endedAt,
		"ticket_key":    incident.TicketKey,
		"generator_url": generatorURL,
		"transition":    string(transition),
	}

	for k, v := range labels {
		if _, ok := reserved[k]; ok {
			continue
		}
		ctx[k] = v
	}
	return ctx
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
