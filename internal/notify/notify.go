package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/datacollector/internal/export"
)

// Notifier is the interface for sending acquisition run notifications.
type Notifier interface {
	SendSuccess(ctx context.Context, result *export.BatchResult, run string, duration time.Duration) error
	SendFailure(ctx context.Context, result *export.BatchResult, run string, duration time.Duration, err error) error
	SendFault(ctx context.Context, deviceID string, err error) error
}

// Client implements the ntfy notification client.
type Client struct {
	httpClient *http.Client
	config     *Config
	logger     *zap.Logger
	now        func() time.Time
}

// NewClient creates a new ntfy client.
func NewClient(cfg *Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

func (c *Client) SendSuccess(ctx context.Context, result *export.BatchResult, run string, duration time.Duration) error {
	return c.Post(ctx, RunMessage(result, run, duration, nil))
}

// SendFailure posts the run summary at high priority.
func (c *Client) SendFailure(ctx context.Context, result *export.BatchResult, run string, duration time.Duration, err error) error {
	if err == nil {
		err = fmt.Errorf("%d failures", result.Failed)
	}
	return c.Post(ctx, RunMessage(result, run, duration, err))
}

func (c *Client) SendFault(ctx context.Context, deviceID string, err error) error {
	return c.Post(ctx, FaultMessage(deviceID, err, c.now()))
}

// Post publishes msg to the configured topic. Configured tags are prepended
// to the message's own, and an empty priority falls back to the configured one.
func (c *Client) Post(ctx context.Context, msg Message) error {
	if !c.config.Enabled {
		return nil
	}

	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.config.Server, "/"), c.config.Topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	priority := msg.Priority
	if priority == "" {
		priority = c.config.Priority
	}
	req.Header.Set("Title", msg.Title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", joinTags(c.config.Tags, msg.Tags))
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to send notification", zap.String("title", msg.Title), zap.Error(err))
		return fmt.Errorf("sending notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain response body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("notification rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("title", msg.Title),
		)
		return fmt.Errorf("notification failed with status: %d", resp.StatusCode)
	}

	c.logger.Debug("notification sent", zap.String("title", msg.Title))
	return nil
}

// NoopNotifier is used when notifications are disabled.
type NoopNotifier struct{}

func (NoopNotifier) SendSuccess(context.Context, *export.BatchResult, string, time.Duration) error {
	return nil
}

func (NoopNotifier) SendFailure(context.Context, *export.BatchResult, string, time.Duration, error) error {
	return nil
}

func (NoopNotifier) SendFault(context.Context, string, error) error { return nil }

// New creates the appropriate notifier based on config.
func New(cfg *Config, logger *zap.Logger) Notifier {
	if !cfg.Enabled {
		return NoopNotifier{}
	}
	return NewClient(cfg, logger)
}

func joinTags(base, extra string) string {
	switch {
	case base == "":
		return extra
	case extra == "":
		return base
	}
	return base + "," + extra
}
