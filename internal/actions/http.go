package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hatchpad/runway/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPConfig configures the http.request action.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

// HTTPActions returns all HTTP-related actions.
func HTTPActions(cfg HTTPConfig) []Action {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return []Action{
		&httpRequestAction{cfg: cfg},
	}
}

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "timeout": {"type": "string"}
  },
  "required": ["url"]
}`

type httpRequestAction struct {
	cfg HTTPConfig
}

func (a *httpRequestAction) Name() string { return "http.request" }

func (a *httpRequestAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Perform an HTTP request, auto-parsing JSON response bodies.",
		InputSchema: json.RawMessage(httpRequestInputSchema),
	}
}

func (a *httpRequestAction) Validate(input map[string]any) error {
	if stringParam(input, "url", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "http.request: missing required param 'url'")
	}
	return nil
}

func (a *httpRequestAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(params, "method", "GET"))
	rawURL := stringParam(params, "url", "")
	headers := stringMapParam(params, "headers")

	timeout := a.cfg.DefaultTimeout
	if timeoutStr := stringParam(params, "timeout", ""); timeoutStr != "" {
		if d, err := time.ParseDuration(timeoutStr); err == nil {
			timeout = d
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if body, ok := params["body"]; ok && body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: encode body: %v", err).WithCause(err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: %v", err).WithCause(err)
	}
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: read response: %v", err).WithCause(err)
	}
	durationMs := time.Since(start).Milliseconds()

	var parsedBody any = string(raw)
	if len(raw) > 0 && json.Valid(raw) {
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			parsedBody = parsed
		}
	}

	result := map[string]any{
		"status":      resp.StatusCode,
		"headers":     flattenHeaders(resp.Header),
		"body":        parsedBody,
		"duration_ms": durationMs,
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: failed to marshal output").WithCause(err)
	}

	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"http.request: %s %s returned status %d", method, rawURL, resp.StatusCode)
	}
	return &ActionOutput{Data: json.RawMessage(data)}, nil
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k := range h {
		flat[k] = h.Get(k)
	}
	return flat
}
