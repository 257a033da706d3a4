package model

import "time"

// Event is published after every successful ingest
type Event struct {
	Incident   *Incident   `json:"incident"`
	Occurrence *Occurrence `json:"occurrence,omitempty"`
	Status     Status      `json:"status"`
	Duplicate  bool        `json:"duplicate"`
	// Stale is set for late deliveries about an already closed episode
	Stale bool      `json:"stale,omitempty"`
	At    time.Time `json:"at"`
}
