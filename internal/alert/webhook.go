package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/outflowhq/outflow/pkg/schema"
)

// WebhookConfig configures the webhook alert notifier.
type WebhookConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

const defaultWebhookTimeout = 10 * time.Second

// WebhookNotifier POSTs alerts as JSON to a configured endpoint.
type WebhookNotifier struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookNotifier creates a webhook-backed notifier.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	return &WebhookNotifier{
		config: cfg,
		client: &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "alert webhook: failed to marshal event").WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, n.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, n.config.URL, bytes.NewReader(body))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "alert webhook: failed to create request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+n.config.Token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "alert webhook: post failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return schema.NewErrorf(schema.ErrCodeExecution, "alert webhook: endpoint returned %d", resp.StatusCode)
	}
	return nil
}
