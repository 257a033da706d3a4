package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayloads(t *testing.T) {
	t.Run("single alert with zero end time", func(t *testing.T) {
		data := []byte(`{
			"fingerprint": "fp1",
			"status": "firing",
			"labels": {"alertname": "HighCPU", "severity": "warning"},
			"annotations": {"summary": "cpu is high"},
			"startsAt": "2024-01-01T10:00:00Z",
			"endsAt": "0001-01-01T00:00:00Z",
			"generatorURL": "http://prom/graph"
		}`)

		payloads, err := DecodePayloads(data)
		require.NoError(t, err)
		require.Len(t, payloads, 1)

		p := payloads[0]
		assert.Equal(t, "fp1", p.Fingerprint)
		assert.Equal(t, StatusFiring, p.Status)
		assert.Nil(t, p.EndsAt)
		assert.True(t, p.StartsAt.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)))
		assert.Equal(t, "HighCPU", p.AlertName())
		assert.NoError(t, p.Validate())
	})

	t.Run("grouped envelope", func(t *testing.T) {
		data := []byte(`{"receiver": "hub", "alerts": [
			{"fingerprint": "a", "status": "firing", "labels": {}, "startsAt": "2024-01-01T10:00:00Z"},
			{"fingerprint": "b", "status": "resolved", "labels": {}, "startsAt": "2024-01-01T10:00:00Z", "endsAt": "2024-01-01T10:05:00+02:00"}
		]}`)

		payloads, err := DecodePayloads(data)
		require.NoError(t, err)
		require.Len(t, payloads, 2)
		require.NotNil(t, payloads[1].EndsAt)
		assert.Equal(t, time.UTC, payloads[1].EndsAt.Location())
		assert.True(t, payloads[1].EndsAt.Equal(time.Date(2024, 1, 1, 8, 5, 0, 0, time.UTC)))
		assert.Equal(t, "Unknown Alert", payloads[0].AlertName())
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := DecodePayloads([]byte(`{"fingerprint":`))
		require.Error(t, err)

		_, err = DecodePayloads([]byte(`[1,2]`))
		require.Error(t, err)
	})
}

func TestPayloadValidate(t *testing.T) {
	base := func() Payload {
		return Payload{
			Fingerprint: "fp",
			Status:      StatusFiring,
			Labels:      map[string]string{},
			StartsAt:    time.Now(),
		}
	}

	tests := []struct {
		name   string
		mutate func(p *Payload)
		field  string
	}{
		{"missing fingerprint", func(p *Payload) { p.Fingerprint = "" }, "fingerprint"},
		{"missing labels", func(p *Payload) { p.Labels = nil }, "labels"},
		{"unknown status", func(p *Payload) { p.Status = "pending" }, "status"},
		{"missing start", func(p *Payload) { p.StartsAt = time.Time{} }, "startsAt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestLabelsScan(t *testing.T) {
	var l Labels
	require.NoError(t, l.Scan([]byte(`{"job":"api"}`)))
	assert.Equal(t, "api", l["job"])

	require.NoError(t, l.Scan(`{"env":"prod"}`))
	assert.Equal(t, Labels{"env": "prod"}, l)

	require.NoError(t, l.Scan(nil))
	assert.Empty(t, l)

	v, err := Labels(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", v)
}

func TestSilenceWindowActive(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	w := &SilenceWindow{
		Matchers: Labels{"job": "api"},
		StartsAt: now,
		EndsAt:   now.Add(time.Hour),
	}

	assert.True(t, w.IsActive(now))
	assert.True(t, w.IsActive(now.Add(59*time.Minute)))
	assert.False(t, w.IsActive(now.Add(time.Hour)))
	assert.False(t, w.IsActive(now.Add(-time.Second)))
	assert.NoError(t, w.Validate())

	w.Matchers = Labels{}
	assert.Error(t, w.Validate())

	w.Matchers = Labels{"job": "api"}
	w.EndsAt = w.StartsAt
	assert.Error(t, w.Validate())
}
