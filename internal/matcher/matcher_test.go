package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/alertflow/internal/model"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		key  string
		want Predicate
	}{
		{"labels.app", Predicate{NamespaceLabel, "app", LookupExact}},
		{"labels__app", Predicate{NamespaceLabel, "app", LookupExact}},
		{"app", Predicate{NamespaceLabel, "app", LookupExact}},
		{"source", Predicate{NamespaceAttribute, "source", LookupExact}},
		{"ticket_key__isnull", Predicate{NamespaceAttribute, "ticket_key", LookupIsNull}},
		{"team__isnull", Predicate{NamespaceLabel, "team__isnull", LookupExact}},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseKey(tt.key))
		})
	}
}

func TestSubset(t *testing.T) {
	labels := map[string]string{"job": "api", "severity": "critical"}

	assert.True(t, Subset(map[string]string{"job": "api"}, labels))
	assert.True(t, Subset(map[string]string{}, labels))
	assert.False(t, Subset(map[string]string{"job": "web"}, labels))
	assert.False(t, Subset(map[string]string{"team": "core"}, labels))
}

func TestMatchIncident(t *testing.T) {
	inc := &model.Incident{
		Fingerprint: "fp1",
		Name:        "HighLatency",
		Labels:      model.Labels{"app": "api", "env": "prod-eu"},
		Severity:    model.SeverityCritical,
		Source:      "prometheus",
		Status:      model.StatusFiring,
	}
	target := ForIncident(inc)

	tests := []struct {
		name       string
		predicates map[string]string
		regex      bool
		want       bool
	}{
		{"empty matches everything", map[string]string{}, false, true},
		{"label exact", map[string]string{"labels.app": "api"}, false, true},
		{"label mismatch", map[string]string{"labels.app": "web"}, false, false},
		{"missing label", map[string]string{"labels.team": "core"}, false, false},
		{"attribute and label", map[string]string{"labels.app": "api", "source": "prometheus"}, false, true},
		{"attribute mismatch", map[string]string{"severity": "info"}, false, false},
		{"isnull true on empty ticket", map[string]string{"ticket_key__isnull": "true"}, false, true},
		{"isnull false on empty ticket", map[string]string{"ticket_key__isnull": "false"}, false, false},
		{"bool attribute", map[string]string{"acknowledged": "False"}, false, true},
		{"regex full match", map[string]string{"env": "prod-.*"}, true, true},
		{"regex partial is not enough", map[string]string{"env": "prod"}, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Match(tt.predicates, target, tt.regex)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("invalid regex", func(t *testing.T) {
		_, err := Match(map[string]string{"env": "("}, target, true)
		assert.Error(t, err)
	})

	t.Run("invalid isnull value", func(t *testing.T) {
		_, err := Match(map[string]string{"source__isnull": "maybe"}, target, false)
		assert.Error(t, err)
	})

	t.Run("ticket key present", func(t *testing.T) {
		withTicket := *inc
		withTicket.TicketKey = "OPS-1"
		got, err := Match(map[string]string{"ticket_key__isnull": "false"}, ForIncident(&withTicket), false)
		require.NoError(t, err)
		assert.True(t, got)
	})
}

func TestMatchIncident_LabelsNamedLikeAttributes(t *testing.T) {
	inc := &model.Incident{
		Name:   "DiskFull",
		Labels: model.Labels{"name": "db-01", "status": "degraded"},
		Source: "prometheus",
		Status: model.StatusFiring,
	}
	target := ForIncident(inc)

	tests := []struct {
		name       string
		predicates map[string]string
		want       bool
	}{
		{"bare name compares the label", map[string]string{"name": "db-01"}, true},
		{"bare name ignores the incident name when a label exists", map[string]string{"name": "DiskFull"}, false},
		{"prefixed status compares the label", map[string]string{"labels.status": "degraded"}, true},
		{"bare status compares the label", map[string]string{"status": "degraded"}, true},
		{"bare source falls back to the attribute", map[string]string{"source": "prometheus"}, true},
		{"isnull stays on the attribute", map[string]string{"status__isnull": "false"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Match(tt.predicates, target, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("without the label the attribute is used", func(t *testing.T) {
		plain := *inc
		plain.Labels = model.Labels{}
		got, err := Match(map[string]string{"name": "DiskFull", "status": "firing"}, ForIncident(&plain), false)
		require.NoError(t, err)
		assert.True(t, got)
	})
}
