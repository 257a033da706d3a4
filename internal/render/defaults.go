package render

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/t77yq/alertflow/internal/model"
)

// maxTitleLength is the longest ticket summary the tracker accepts
const maxTitleLength = 250

// DefaultTicketTitle is used when a rule has no title template or it fails
func DefaultTicketTitle(ctx Context) string {
	severity := str(ctx["severity"])
	if severity == "" {
		severity = "default"
	}
	summary := str(ctx["summary"])
	if summary == "" {
		summary = str(ctx["name"])
	}
	return Truncate(fmt.Sprintf("[%s] Alert: %s", capitalize(severity), summary), maxTitleLength)
}

// DefaultTicketDescription renders the incident in tracker wiki markup
func DefaultTicketDescription(ctx Context) string {
	occurredAt := str(ctx["started_at"])
	if occurredAt == "" {
		occurredAt = str(ctx["last_seen"])
	}
	if occurredAt == "" {
		occurredAt = "N/A"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*Fingerprint:* %s\n", str(ctx["fingerprint"]))
	fmt.Fprintf(&b, "*Status:* %s\n", capitalize(str(ctx["transition"])))
	fmt.Fprintf(&b, "*Occurred At:* %s\n", occurredAt)
	b.WriteString("\n*Labels:*\n{code:json}\n")
	b.WriteString(prettyJSON(ctx["labels"]))
	b.WriteString("\n{code}\n\n*Annotations:*\n{code:json}\n")
	b.WriteString(prettyJSON(ctx["annotations"]))
	b.WriteString("\n{code}")
	if url := str(ctx["generator_url"]); url != "" {
		fmt.Fprintf(&b, "\n\n[View source|%s]", url)
	}
	return b.String()
}

// DefaultUpdateComment is added to an open ticket when the incident fires again
func DefaultUpdateComment(ctx Context, now time.Time) string {
	comment := fmt.Sprintf("Incident '%s' is firing again at %s.", str(ctx["fingerprint"]), now.UTC().Format(time.RFC3339))
	if summary := str(ctx["summary"]); summary != "" {
		comment += fmt.Sprintf("\n*Latest Summary:* %s", summary)
	}
	if description := str(ctx["description"]); description != "" {
		comment += fmt.Sprintf("\n*Latest Description:* %s", description)
	}
	return comment
}

// DefaultResolvedComment is added to an open ticket when the incident resolves
func DefaultResolvedComment(ctx Context, now time.Time) string {
	return fmt.Sprintf("Incident '%s' was resolved at %s.", str(ctx["fingerprint"]), now.UTC().Format(time.RFC3339))
}

// DefaultChatMessage is posted when a chat rule has no usable template
func DefaultChatMessage(ctx Context) string {
	icon := ":red_circle:"
	state := "FIRING"
	if str(ctx["transition"]) == string(model.StatusResolved) {
		icon = ":large_green_circle:"
		state = "RESOLVED"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s (%s)", icon, state, str(ctx["name"]), str(ctx["severity"]))
	if summary := str(ctx["summary"]); summary != "" {
		fmt.Fprintf(&b, "\n%s", summary)
	}
	if instance := str(ctx["instance"]); instance != "" {
		fmt.Fprintf(&b, "\nInstance: %s", instance)
	}
	fmt.Fprintf(&b, "\nLabels: %s", formatLabels(ctx["labels"]))
	return b.String()
}

// DefaultSmsMessage is a short text suitable for SMS
func DefaultSmsMessage(ctx Context) string {
	state := "FIRING"
	if str(ctx["transition"]) == string(model.StatusResolved) {
		state = "RESOLVED"
	}
	msg := fmt.Sprintf("%s: %s [%s]", state, str(ctx["name"]), str(ctx["severity"]))
	if instance := str(ctx["instance"]); instance != "" {
		msg += " on " + instance
	}
	if summary := str(ctx["summary"]); summary != "" {
		msg += " - " + summary
	}
	return msg
}

// Truncate cuts s to at most max runes
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

func prettyJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// formatLabels renders labels as sorted key=value pairs
func formatLabels(v any) string {
	labels, _ := v.(map[string]string)
	if len(labels) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+labels[k])
	}
	return strings.Join(pairs, ", ")
}
