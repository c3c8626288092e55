package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/outflowhq/outflow/pkg/schema"
)

// SendRequest is one outbound message for one contact.
type SendRequest struct {
	Channel     string            `json:"channel"`
	Recipient   string            `json:"recipient"`
	Subject     string            `json:"subject,omitempty"`
	TemplateRef string            `json:"template_ref,omitempty"`
	Content     string            `json:"content,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// SendResult is a provider's reply for one send attempt. Err reports a
// provider-level failure carried in an otherwise well-formed response.
type SendResult struct {
	Err       bool   `json:"error"`
	MessageID string `json:"message_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// UnmarshalJSON accepts both string and numeric message ids.
func (r *SendResult) UnmarshalJSON(data []byte) error {
	var raw struct {
		Err       bool            `json:"error"`
		MessageID json.RawMessage `json:"message_id"`
		Detail    string          `json:"detail"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Err = raw.Err
	r.Detail = raw.Detail
	r.MessageID = ""
	if len(raw.MessageID) > 0 && string(raw.MessageID) != "null" {
		var s string
		if err := json.Unmarshal(raw.MessageID, &s); err == nil {
			r.MessageID = s
			return nil
		}
		var n json.Number
		if err := json.Unmarshal(raw.MessageID, &n); err != nil {
			return schema.NewErrorf(schema.ErrCodeDispatch, "unsupported message_id value %s", raw.MessageID)
		}
		r.MessageID = n.String()
	}
	return nil
}

// Provider delivers messages on a channel.
type Provider interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// ChannelEndpoint is one provider endpoint.
type ChannelEndpoint struct {
	URL   string
	Token string
}

// HTTPProviderConfig configures the JSON-over-HTTP provider client.
type HTTPProviderConfig struct {
	Endpoints       map[string]ChannelEndpoint
	Timeout         time.Duration
	MaxResponseBody int64
}

const (
	defaultSendTimeout      = 30 * time.Second
	defaultSendResponseBody = 1 << 20 // 1MB
)

// HTTPProvider POSTs sends to per-channel endpoints and decodes the JSON
// reply into a SendResult.
type HTTPProvider struct {
	config HTTPProviderConfig
	client *http.Client
}

// NewHTTPProvider creates an HTTP provider client.
func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSendTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultSendResponseBody
	}
	return &HTTPProvider{
		config: cfg,
		client: &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
	}
}

func (p *HTTPProvider) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	ep, ok := p.config.Endpoints[req.Channel]
	if !ok {
		return SendResult{}, schema.NewErrorf(schema.ErrCodeDispatch, "no endpoint configured for channel %q", req.Channel)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return SendResult{}, schema.NewErrorf(schema.ErrCodeDispatch, "failed to marshal send request").WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, schema.NewErrorf(schema.ErrCodeDispatch, "failed to create send request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if ep.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+ep.Token)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return SendResult{}, schema.NewErrorf(schema.ErrCodeDispatch, "send on channel %q failed: %v", req.Channel, err).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, p.config.MaxResponseBody))
	if err != nil {
		return SendResult{}, schema.NewErrorf(schema.ErrCodeDispatch, "failed to read provider response").WithCause(err)
	}

	if resp.StatusCode >= 400 {
		return SendResult{}, schema.NewErrorf(schema.ErrCodeDispatch, "provider returned %d on channel %q", resp.StatusCode, req.Channel).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": string(respBody)})
	}

	var result SendResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return SendResult{}, schema.NewErrorf(schema.ErrCodeDispatch, "failed to decode provider response").WithCause(err)
	}
	if result.Err {
		detail := result.Detail
		if detail == "" {
			detail = "provider reported failure"
		}
		return result, schema.NewErrorf(schema.ErrCodeDispatch, "send on channel %q rejected: %s", req.Channel, detail)
	}
	return result, nil
}

// LogProvider writes sends to the structured log instead of a network
// endpoint. Used in dev mode; every send succeeds with a generated id.
type LogProvider struct {
	logger *slog.Logger
}

// NewLogProvider creates a log-backed provider.
func NewLogProvider(logger *slog.Logger) *LogProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogProvider{logger: logger}
}

func (p *LogProvider) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	id := "log-" + uuid.NewString()
	p.logger.InfoContext(ctx, "message dispatched",
		slog.String("channel", req.Channel),
		slog.String("recipient", req.Recipient),
		slog.String("template_ref", req.TemplateRef),
		slog.String("message_id", id))
	return SendResult{MessageID: id}, nil
}
