// Package tracker creates and updates incident tickets in Jira.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jira "github.com/andygrunwald/go-jira"
	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/client"
)

const provider = "jira"

// Category is how a ticket's status category is treated
type Category int

const (
	CategoryUnknown Category = iota
	CategoryOpen
	CategoryClosed
)

// Issue is a ticket to create
type Issue struct {
	Project  string
	Type     string
	Title    string
	Body     string
	Assignee string
}

// Client is the issue tracker used by the ticket handler
type Client interface {
	Create(ctx context.Context, issue Issue) (string, error)
	Comment(ctx context.Context, key, body string) error
	// StatusCategory returns "" with a nil error when the ticket no longer exists
	StatusCategory(ctx context.Context, key string) (string, error)
}

// Config holds Jira connection settings
type Config struct {
	URL              string
	Username         string
	Token            string
	Timeout          time.Duration
	OpenCategories   []string
	ClosedCategories []string
}

// Classify maps a status category name to open, closed or unknown
func (c Config) Classify(name string) Category {
	open := c.OpenCategories
	if len(open) == 0 {
		open = []string{"To Do", "In Progress"}
	}
	closed := c.ClosedCategories
	if len(closed) == 0 {
		closed = []string{"Done"}
	}

	for _, o := range open {
		if strings.EqualFold(o, name) {
			return CategoryOpen
		}
	}
	for _, c := range closed {
		if strings.EqualFold(c, name) {
			return CategoryClosed
		}
	}
	return CategoryUnknown
}

// JiraClient implements Client over the Jira REST API
type JiraClient struct {
	client *jira.Client
	logger *zap.Logger
}

// NewJiraClient creates a new Jira client using basic auth with an API token
func NewJiraClient(cfg Config, logger *zap.Logger) (*JiraClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("jira url is required")
	}

	tp := jira.BasicAuthTransport{
		Username: cfg.Username,
		Password: cfg.Token,
	}
	httpClient := tp.Client()
	httpClient.Timeout = cfg.Timeout

	c, err := jira.NewClient(httpClient, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create jira client: %w", err)
	}

	return &JiraClient{
		client: c,
		logger: logger.Named("jira"),
	}, nil
}

// Create implements Client
func (c *JiraClient) Create(ctx context.Context, issue Issue) (string, error) {
	fields := &jira.IssueFields{
		Project:     jira.Project{Key: issue.Project},
		Type:        jira.IssueType{Name: issue.Type},
		Summary:     issue.Title,
		Description: issue.Body,
	}
	if issue.Assignee != "" {
		fields.Assignee = &jira.User{Name: issue.Assignee}
	}

	created, resp, err := c.client.Issue.CreateWithContext(ctx, &jira.Issue{Fields: fields})
	if err != nil {
		return "", wrap("create issue", resp, err)
	}

	c.logger.Info("Issue created",
		zap.String("key", created.Key),
		zap.String("project", issue.Project))
	return created.Key, nil
}

// Comment implements Client
func (c *JiraClient) Comment(ctx context.Context, key, body string) error {
	_, resp, err := c.client.Issue.AddCommentWithContext(ctx, key, &jira.Comment{Body: body})
	if err != nil {
		return wrap("comment on "+key, resp, err)
	}
	c.logger.Debug("Comment added", zap.String("key", key))
	return nil
}

// StatusCategory implements Client
func (c *JiraClient) StatusCategory(ctx context.Context, key string) (string, error) {
	issue, resp, err := c.client.Issue.GetWithContext(ctx, key, &jira.GetQueryOptions{Fields: "status"})
	if err != nil {
		if resp != nil && resp.Response != nil && resp.StatusCode == http.StatusNotFound {
			c.logger.Warn("Issue not found", zap.String("key", key))
			return "", nil
		}
		return "", wrap("get issue "+key, resp, err)
	}
	if issue.Fields == nil || issue.Fields.Status == nil {
		return "", nil
	}
	return issue.Fields.Status.StatusCategory.Name, nil
}

func wrap(op string, resp *jira.Response, err error) error {
	code := 0
	reason := op
	if resp != nil && resp.Response != nil {
		code = resp.StatusCode
		if resp.Body != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			if len(body) > 0 {
				reason = fmt.Sprintf("%s: %s", op, strings.TrimSpace(string(body)))
			}
		}
	}
	return client.FromStatus(provider, code, reason, err)
}
