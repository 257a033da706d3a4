// Package chat posts notifications to Slack channels.
package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/client"
)

const provider = "slack"

// Client posts plain text messages to a channel
type Client interface {
	Post(ctx context.Context, channel, text string) error
}

// Config holds Slack connection settings
type Config struct {
	Token string
	// APIURL overrides the Slack API base URL, mainly for tests
	APIURL  string
	Timeout time.Duration
}

// API errors that retrying cannot fix
var permanentErrors = map[string]struct{}{
	"channel_not_found": {},
	"not_in_channel":    {},
	"is_archived":       {},
	"msg_too_long":      {},
	"no_text":           {},
	"invalid_auth":      {},
	"not_authed":        {},
	"account_inactive":  {},
	"token_revoked":     {},
	"missing_scope":     {},
}

// SlackClient implements Client with the Slack Web API
type SlackClient struct {
	api    *slack.Client
	logger *zap.Logger
}

// NewSlackClient creates a new Slack client
func NewSlackClient(cfg Config, logger *zap.Logger) *SlackClient {
	options := []slack.Option{
		slack.OptionDebug(false),
		slack.OptionHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.APIURL != "" {
		options = append(options, slack.OptionAPIURL(cfg.APIURL))
	}

	return &SlackClient{
		api:    slack.New(cfg.Token, options...),
		logger: logger.Named("slack"),
	}
}

// Post implements Client
func (c *SlackClient) Post(ctx context.Context, channel, text string) error {
	target := NormalizeChannel(channel)
	_, _, err := c.api.PostMessageContext(ctx, target, slack.MsgOptionText(text, false))
	if err != nil {
		return classify(err)
	}

	c.logger.Info("Message posted",
		zap.String("channel", target),
		zap.String("preview", preview(text, 200)))
	return nil
}

// NormalizeChannel prefixes plain channel names with '#'. Names that are
// already prefixed or look like Slack IDs are kept.
func NormalizeChannel(channel string) string {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return channel
	}
	switch channel[0] {
	case '#', 'C', 'G', 'U', 'D':
		return channel
	}
	return "#" + channel
}

func classify(err error) error {
	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) {
		return client.FromStatus(provider, http.StatusTooManyRequests, "rate limited", err)
	}

	var statusErr slack.StatusCodeError
	if errors.As(err, &statusErr) {
		return client.FromStatus(provider, statusErr.Code, statusErr.Status, err)
	}

	var apiErr slack.SlackErrorResponse
	if errors.As(err, &apiErr) {
		_, permanent := permanentErrors[apiErr.Err]
		return &client.Error{Provider: provider, Reason: apiErr.Err, Retryable: !permanent, Err: err}
	}

	return client.FromStatus(provider, 0, "", err)
}

func preview(text string, max int) string {
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	return string(r[:max]) + "…"
}
