package model

import (
	"time"
)

// TaskStatus represents the current status of a channel task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusAborted   TaskStatus = "aborted"
)

// TaskKind identifies which channel handler executes a task
type TaskKind string

const (
	TaskKindTicket TaskKind = "ticket"
	TaskKindChat   TaskKind = "chat"
	TaskKindSMS    TaskKind = "sms"
)

// KindForFamily maps a rule family to the task kind that serves it
func KindForFamily(f RuleFamily) TaskKind {
	switch f {
	case FamilyTicketing:
		return TaskKindTicket
	case FamilyChat:
		return TaskKindChat
	default:
		return TaskKindSMS
	}
}

// Task is a unit of channel work published to the task queue
type Task struct {
	ID          string     `json:"id"`
	Kind        TaskKind   `json:"kind"`
	IncidentID  uint       `json:"incident_id"`
	RuleID      uint       `json:"rule_id"`
	Transition  Status     `json:"transition,omitempty"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`

	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}
