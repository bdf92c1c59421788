package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/leadwire/flowengine/pkg/schema"
)

// HTTPConfig configures the outbound custom_webhook executor.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client
	Breaker         BreakerConfig
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const customWebhookConfigSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "timeout": {"type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"},
    "output_key": {"type": "string", "minLength": 1},
    "fail_on_error_status": {"type": "boolean"}
  },
  "required": ["url"]
}`

// CustomWebhookExecutor calls an external HTTP endpoint and stores the
// response under a run variable. Network failures and 5xx responses are
// retryable per node policy; 4xx responses are not. A per-host circuit
// breaker fails calls fast while an endpoint keeps failing.
type CustomWebhookExecutor struct {
	config  HTTPConfig
	breaker *CircuitBreaker
}

// NewCustomWebhookExecutor creates a custom_webhook executor.
func NewCustomWebhookExecutor(cfg HTTPConfig) *CustomWebhookExecutor {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &CustomWebhookExecutor{
		config:  cfg,
		breaker: NewCircuitBreaker(cfg.Breaker),
	}
}

func (e *CustomWebhookExecutor) Type() string { return "custom_webhook" }

func (e *CustomWebhookExecutor) Spec() Spec {
	return Spec{
		Description:  "Calls an external HTTP endpoint and stores the response in run variables.",
		ConfigSchema: json.RawMessage(customWebhookConfigSchema),
		DefaultRetry: &schema.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     "exponential",
			Delay:       "1s",
			MaxDelay:    "30s",
		},
		DefaultTimeout: defaultHTTPTimeout,
	}
}

func (e *CustomWebhookExecutor) Execute(ctx context.Context, in Input) (*Result, error) {
	cfg := in.Node.Config
	rawURL := stringParam(cfg, "url", "")
	if rawURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "custom_webhook: missing 'url'").
			WithNode(in.Node.ID)
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "custom_webhook: invalid url %q", rawURL).
			WithNode(in.Node.ID)
	}
	if cbErr := e.breaker.Allow(u.Host); cbErr != nil {
		return nil, cbErr
	}

	method := strings.ToUpper(stringParam(cfg, "method", http.MethodPost))
	outputKey := stringParam(cfg, "output_key", "webhook_response")
	failOnErrorStatus := boolParam(cfg, "fail_on_error_status", true)
	timeout := durationParam(cfg, "timeout", e.config.DefaultTimeout)

	var bodyReader io.Reader
	if rawBody, ok := cfg["body"]; ok && rawBody != nil {
		b, err := json.Marshal(rawBody)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeNodeExecution,
				"custom_webhook: failed to marshal body").
				WithNode(in.Node.ID).WithCause(err)
		}
		bodyReader = strings.NewReader(string(b))
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeNodeExecution,
			"custom_webhook: failed to create request").
			WithNode(in.Node.ID).WithCause(err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if hdrs := mapParam(cfg, "headers"); hdrs != nil {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	start := time.Now()
	resp, err := e.config.Client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		e.breaker.Failure(u.Host)
		// Distinguish the node deadline from a transport failure so the
		// engine records timed_out rather than failed.
		if reqCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"custom_webhook: request exceeded %s", timeout).
				WithNode(in.Node.ID).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
			"custom_webhook: request failed: %v", err).
			WithNode(in.Node.ID).WithCause(err).AsRetryable()
	}
	defer resp.Body.Close()

	// 5xx counts against the host even when the node is configured to
	// pass error statuses through; 4xx means the endpoint is alive.
	if resp.StatusCode >= 500 {
		e.breaker.Failure(u.Host)
	} else {
		e.breaker.Success(u.Host)
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, e.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeNodeExecution,
			"custom_webhook: failed to read response body").
			WithNode(in.Node.ID).WithCause(err).AsRetryable()
	}

	var parsedBody any
	if len(bodyBytes) > 0 {
		contentType := resp.Header.Get("Content-Type")
		if strings.Contains(contentType, "application/json") {
			var jsonBody any
			if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
				parsedBody = jsonBody
			} else {
				parsedBody = string(bodyBytes)
			}
		} else {
			parsedBody = string(bodyBytes)
		}
	}

	response := map[string]any{
		"status_code": resp.StatusCode,
		"body":        parsedBody,
		"duration_ms": durationMs,
	}

	if failOnErrorStatus && resp.StatusCode >= 400 {
		execErr := schema.NewErrorf(schema.ErrCodeNodeExecution,
			"custom_webhook: endpoint returned %d", resp.StatusCode).
			WithNode(in.Node.ID).
			WithDetails(response)
		if resp.StatusCode >= 500 {
			execErr = execErr.AsRetryable()
		}
		return nil, execErr
	}

	return &Result{Output: map[string]any{outputKey: response}}, nil
}
