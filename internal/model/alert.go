package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle status of an incident or occurrence
type Status string

const (
	StatusFiring   Status = "firing"
	StatusResolved Status = "resolved"
)

// Severity represents the severity level of an incident
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// ParseSeverity maps a label value to a severity, defaulting to warning
func ParseSeverity(v string) Severity {
	switch Severity(v) {
	case SeverityCritical, SeverityWarning, SeverityInfo:
		return Severity(v)
	}
	return SeverityWarning
}

// ResolutionKind records how an occurrence was closed
type ResolutionKind string

const (
	ResolutionNormal   ResolutionKind = "normal"
	ResolutionInferred ResolutionKind = "inferred"
	ResolutionManual   ResolutionKind = "manual"
)

// Labels is a string map stored as a JSON document
type Labels map[string]string

// Value implements driver.Valuer
func (l Labels) Value() (driver.Value, error) {
	if l == nil {
		return "{}", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (l *Labels) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*l = Labels{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("labels: unsupported type %T", value)
	}
	out := Labels{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return err
		}
	}
	*l = out
	return nil
}

// Incident is the deduplicated record for one alerting condition
type Incident struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Fingerprint    string     `gorm:"uniqueIndex;size:255;not null" json:"fingerprint"`
	Name           string     `gorm:"size:255" json:"name"`
	Labels         Labels     `gorm:"type:text" json:"labels"`
	Severity       Severity   `gorm:"size:20;index" json:"severity"`
	Source         string     `gorm:"size:100" json:"source"`
	Instance       string     `gorm:"size:255" json:"instance,omitempty"`
	Status         Status     `gorm:"size:20;index" json:"status"`
	FirstSeen      time.Time  `json:"first_seen"`
	LastSeen       time.Time  `json:"last_seen"`
	FiringCount    int        `json:"firing_count"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `gorm:"size:150" json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	Silenced       bool       `gorm:"index" json:"silenced"`
	SilencedUntil  *time.Time `json:"silenced_until,omitempty"`
	TicketKey      string     `gorm:"size:50" json:"ticket_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName pins the table name
func (Incident) TableName() string {
	return "incidents"
}

// Occurrence is one firing-to-resolved interval within an incident
type Occurrence struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	IncidentID     uint           `gorm:"index;not null" json:"incident_id"`
	Status         Status         `gorm:"size:20" json:"status"`
	StartedAt      time.Time      `gorm:"index" json:"started_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	Annotations    Labels         `gorm:"type:text" json:"annotations"`
	GeneratorURL   string         `gorm:"size:1024" json:"generator_url,omitempty"`
	ResolutionKind ResolutionKind `gorm:"size:20" json:"resolution_kind,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// TableName pins the table name
func (Occurrence) TableName() string {
	return "occurrences"
}

// IsOpen reports whether the occurrence is still firing with no end time
func (o *Occurrence) IsOpen() bool {
	return o.Status == StatusFiring && o.EndedAt == nil
}

// Resolve closes the occurrence with the given end time and kind
func (o *Occurrence) Resolve(endedAt *time.Time, kind ResolutionKind) {
	o.Status = StatusResolved
	o.EndedAt = endedAt
	o.ResolutionKind = kind
}
