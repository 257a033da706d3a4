package chat

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/client"
)

func TestNormalizeChannel(t *testing.T) {
	tests := map[string]string{
		"alerts":    "#alerts",
		"#alerts":   "#alerts",
		"C12345":    "C12345",
		"G12345":    "G12345",
		"U12345":    "U12345",
		"D12345":    "D12345",
		" ops-team": "#ops-team",
		"":          "",
	}
	for in, expected := range tests {
		assert.Equal(t, expected, NormalizeChannel(in), in)
	}
}

func TestSlackClient_Post(t *testing.T) {
	var gotChannel, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotChannel = r.Form.Get("channel")
		gotText = r.Form.Get("text")

		w.Header().Set("Content-Type", "application/json")
		switch gotChannel {
		case "#missing":
			io.WriteString(w, `{"ok":false,"error":"channel_not_found"}`)
		case "#broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			io.WriteString(w, `{"ok":true,"channel":"C1","ts":"1700000000.000100"}`)
		}
	}))
	defer srv.Close()

	c := NewSlackClient(Config{Token: "xoxb-test", APIURL: srv.URL + "/", Timeout: 5 * time.Second}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Post(ctx, "alerts", "disk full"))
	assert.Equal(t, "#alerts", gotChannel)
	assert.Equal(t, "disk full", gotText)

	err := c.Post(ctx, "missing", "x")
	require.Error(t, err)
	assert.True(t, client.IsPermanent(err))

	err = c.Post(ctx, "broken", "x")
	require.Error(t, err)
	assert.False(t, client.IsPermanent(err))
}
