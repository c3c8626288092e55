package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/itchyny/gojq"

	"github.com/outflowhq/outflow/pkg/schema"
)

// HTTPConfig configures the HTTP metrics provider.
type HTTPConfig struct {
	// Endpoint is the tracking backend base URL; stats are read from
	// GET {Endpoint}/messages/{id}/stats.
	Endpoint string
	Token    string
	Timeout  time.Duration
	// Paths maps each check param to the jq path extracting its count
	// from the stats document. Unset params use defaultPaths.
	Paths map[schema.CheckParam]string
}

const (
	defaultFetchTimeout  = 15 * time.Second
	maxStatsResponseBody = 1 << 20 // 1MB
)

func defaultPaths() map[schema.CheckParam]string {
	return map[schema.CheckParam]string{
		schema.ParamViews:        ".stats.views",
		schema.ParamClicks:       ".stats.clicks",
		schema.ParamBounces:      ".stats.bounces",
		schema.ParamUnsubscribes: ".stats.unsubscribes",
	}
}

// HTTPProvider reads message stats over HTTP and extracts counts with
// jq paths compiled once at construction.
type HTTPProvider struct {
	config HTTPConfig
	client *http.Client
	codes  map[schema.CheckParam]*gojq.Code
}

// NewHTTPProvider compiles the extraction paths and returns the provider.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}

	paths := defaultPaths()
	for param, path := range cfg.Paths {
		paths[param] = path
	}

	codes := make(map[schema.CheckParam]*gojq.Code, len(paths))
	for param, path := range paths {
		query, err := gojq.Parse(path)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"jq parse error in metric path %q for %s", path, param).WithCause(err)
		}
		code, err := gojq.Compile(query,
			// Sandbox: return empty env to block $ENV and env access.
			gojq.WithEnvironLoader(func() []string { return nil }),
		)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"jq compile error in metric path %q for %s", path, param).WithCause(err)
		}
		codes[param] = code
	}

	return &HTTPProvider{
		config: cfg,
		client: &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		codes:  codes,
	}, nil
}

func (p *HTTPProvider) Fetch(ctx context.Context, param schema.CheckParam, messageID string) (int, error) {
	code, ok := p.codes[param]
	if !ok {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "no metric path for check param %q", param)
	}

	statsURL := strings.TrimSuffix(p.config.Endpoint, "/") + "/messages/" + url.PathEscape(messageID) + "/stats"

	reqCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, statsURL, nil)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeExecution, "failed to create stats request").WithCause(err)
	}
	if p.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeExecution, "stats fetch for message %q failed: %v", messageID, err).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatsResponseBody))
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeExecution, "failed to read stats response").WithCause(err)
	}
	if resp.StatusCode >= 400 {
		return 0, schema.NewErrorf(schema.ErrCodeExecution, "stats endpoint returned %d for message %q", resp.StatusCode, messageID).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeExecution, "failed to decode stats response").WithCause(err)
	}

	return extractCount(ctx, code, doc, param)
}

// extractCount runs the compiled path against the stats document. A null
// result counts as zero (the backend has no events yet for the metric).
func extractCount(ctx context.Context, code *gojq.Code, doc any, param schema.CheckParam) (int, error) {
	iter := code.RunWithContext(ctx, doc)
	val, ok := iter.Next()
	if !ok || val == nil {
		return 0, nil
	}
	if err, isErr := val.(error); isErr {
		return 0, schema.NewErrorf(schema.ErrCodeExecution, "metric extraction for %s failed: %s", param, err.Error()).WithCause(err)
	}

	switch n := val.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, schema.NewErrorf(schema.ErrCodeExecution, "metric %s is not numeric: %T", param, val)
	}
}
