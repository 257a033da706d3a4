package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Payload is a single inbound alert as emitted by the monitoring source
type Payload struct {
	Fingerprint  string            `json:"fingerprint"`
	Status       Status            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       *time.Time        `json:"endsAt,omitempty"`
	GeneratorURL string            `json:"generatorURL,omitempty"`
}

// envelope is the grouped webhook body carrying several alerts
type envelope struct {
	Alerts []json.RawMessage `json:"alerts"`
}

// UnmarshalJSON normalizes the zero end time to nil and times to UTC
func (p *Payload) UnmarshalJSON(data []byte) error {
	type alias Payload
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Payload(raw)
	p.Normalize()
	return nil
}

// Normalize converts times to UTC and drops the zero end time sentinel
func (p *Payload) Normalize() {
	p.StartsAt = p.StartsAt.UTC()
	if p.EndsAt != nil {
		if p.EndsAt.IsZero() {
			p.EndsAt = nil
		} else {
			t := p.EndsAt.UTC()
			p.EndsAt = &t
		}
	}
}

// DecodePayloads accepts either a single alert object or an
// envelope of the form {"alerts": [...]}.
func DecodePayloads(data []byte) ([]Payload, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("payload must be a JSON object")
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Alerts != nil {
		payloads := make([]Payload, 0, len(env.Alerts))
		for i, raw := range env.Alerts {
			var p Payload
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("alert %d: %w", i, err)
			}
			payloads = append(payloads, p)
		}
		return payloads, nil
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return []Payload{p}, nil
}

// Validate checks that the payload carries the fields ingest relies on
func (p *Payload) Validate() error {
	if p.Fingerprint == "" {
		return &ValidationError{Field: "fingerprint", Reason: "is required"}
	}
	if p.Labels == nil {
		return &ValidationError{Field: "labels", Reason: "is required"}
	}
	if p.Status != StatusFiring && p.Status != StatusResolved {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", p.Status)}
	}
	if p.StartsAt.IsZero() {
		return &ValidationError{Field: "startsAt", Reason: "is required"}
	}
	return nil
}

// AlertName returns the display name derived from labels
func (p *Payload) AlertName() string {
	if name := p.Labels["alertname"]; name != "" {
		return name
	}
	return "Unknown Alert"
}
