package monitor

import "context"

// Metric names reported by the engine
const (
	AlertsReceived     = "alertflow_alerts_received_total"
	AlertsDuplicate    = "alertflow_alerts_duplicate_total"
	IngestFailures     = "alertflow_ingest_failures_total"
	SilenceChanges     = "alertflow_silence_changes_total"
	SilencedIncidents  = "alertflow_silenced_incidents"
	TasksEnqueued      = "alertflow_tasks_enqueued_total"
	Notifications      = "alertflow_notifications_total"
	TemplateFailures   = "alertflow_template_render_failures_total"
	ProcessCPUPercent  = "alertflow_process_cpu_percent"
	ProcessMemPercent  = "alertflow_process_memory_percent"
	LastFlushTimestamp = "alertflow_last_metrics_write_timestamp"
)

var help = map[string]string{
	AlertsReceived:     "Inbound alert payloads processed, by status and source.",
	AlertsDuplicate:    "Inbound alert payloads recognised as re-deliveries.",
	IngestFailures:     "Inbound messages that failed processing, by reason.",
	SilenceChanges:     "Incident silence state transitions.",
	SilencedIncidents:  "Non-resolved incidents currently silenced.",
	TasksEnqueued:      "Channel tasks published to the task queue, by kind.",
	Notifications:      "Channel task outcomes, by kind and status.",
	TemplateFailures:   "Template renders that fell back to a default.",
	ProcessCPUPercent:  "Host CPU utilisation sampled at flush time.",
	ProcessMemPercent:  "Host memory utilisation sampled at flush time.",
	LastFlushTimestamp: "Unix time of the last metrics flush.",
}

// Collector receives metric updates from components. Implementations own
// their locking and are safe for concurrent use.
type Collector interface {
	Increment(name string, labels map[string]string)
	Set(name string, labels map[string]string, value float64)
	Flush(ctx context.Context) error
}

// Nop discards all metrics
type Nop struct{}

func (Nop) Increment(string, map[string]string)    {}
func (Nop) Set(string, map[string]string, float64) {}
func (Nop) Flush(context.Context) error            { return nil }
