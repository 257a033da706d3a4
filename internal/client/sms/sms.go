// Package sms sends text messages through an HTTP SMS gateway.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/client"
)

const provider = "sms"

// Result reports per-recipient delivery
type Result struct {
	Sent   []string
	Failed map[string]error
}

// Client sends one text to many numbers
type Client interface {
	SendBulk(ctx context.Context, numbers []string, text string) (*Result, error)
}

// Config holds gateway settings
type Config struct {
	URL     string
	APIKey  string
	Sender  string
	Timeout time.Duration
}

// GatewayClient posts one JSON request per recipient to the gateway
type GatewayClient struct {
	config Config
	http   *http.Client
	logger *zap.Logger
}

type sendRequest struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Message string `json:"message"`
}

// NewGatewayClient creates a new gateway client
func NewGatewayClient(cfg Config, logger *zap.Logger) (*GatewayClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("sms gateway url is required")
	}
	return &GatewayClient{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("sms"),
	}, nil
}

// SendBulk implements Client. It fails only when no recipient was reached;
// partial failures are reported in the result.
func (c *GatewayClient) SendBulk(ctx context.Context, numbers []string, text string) (*Result, error) {
	result := &Result{Failed: make(map[string]error)}
	if len(numbers) == 0 {
		return result, nil
	}

	var lastErr error
	for _, number := range numbers {
		if err := c.send(ctx, number, text); err != nil {
			c.logger.Warn("Failed to send SMS",
				zap.String("number", number),
				zap.Error(err))
			result.Failed[number] = err
			lastErr = err
			continue
		}
		result.Sent = append(result.Sent, number)
	}

	if len(result.Sent) == 0 {
		return result, fmt.Errorf("all %d recipients failed: %w", len(numbers), lastErr)
	}
	c.logger.Info("SMS sent",
		zap.Int("sent", len(result.Sent)),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}

func (c *GatewayClient) send(ctx context.Context, number, text string) error {
	body, err := json.Marshal(sendRequest{From: c.config.Sender, To: number, Message: text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return client.FromStatus(provider, 0, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return client.FromStatus(provider, resp.StatusCode, strings.TrimSpace(string(data)), nil)
	}
	return nil
}
