package scheduler

import (
	"time"

	"github.com/t77yq/alertflow/internal/model"
)

const (
	notifyStreamName  = "NOTIFY"
	taskSubjectPrefix = "notify.task."
	deadLetterSubject = "notify.deadletter"

	streamMaxAge     = 24 * time.Hour
	streamMaxMsgs    = -1
	operationTimeout = 30 * time.Second
)

// StreamName is the JetStream stream holding channel tasks and dead letters
func StreamName() string {
	return notifyStreamName
}

// SubjectForKind is the subject a task kind is published on
func SubjectForKind(kind model.TaskKind) string {
	return taskSubjectPrefix + string(kind)
}

// DeadLetterSubject is where exhausted tasks are published
func DeadLetterSubject() string {
	return deadLetterSubject
}
