package actions

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// HTTPConfig configures the HTTP actions.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
	defaultHTTPVariable    = "response"
)

const httpRequestConfigSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object"},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text","raw"], "default": "json"},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer","basic","api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "max_redirects": {"type": "integer", "default": 10},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "fail_on_error_status": {"type": "boolean", "default": false},
    "variable": {"type": "string", "default": "response"}
  },
  "required": ["url"]
}`

// HTTPActions returns http.request, http.get and http.post.
func HTTPActions(cfg HTTPConfig, interp *expressions.Interpolator) []Action {
	req := NewHTTPRequestAction(cfg, interp)
	return []Action{
		req,
		&httpMethodAction{name: "http.get", method: http.MethodGet, inner: req},
		&httpMethodAction{name: "http.post", method: http.MethodPost, inner: req},
	}
}

// HTTPRequestAction implements the "http.request" action. Template tags in the
// configuration are expanded against the run context before the request is
// built, and the response is stored under config.variable.
type HTTPRequestAction struct {
	config HTTPConfig
	interp *expressions.Interpolator
}

// NewHTTPRequestAction creates a new http.request action.
func NewHTTPRequestAction(cfg HTTPConfig, interp *expressions.Interpolator) *HTTPRequestAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPRequestAction{config: cfg, interp: interp}
}

func (a *HTTPRequestAction) Name() string { return "http.request" }

func (a *HTTPRequestAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Execute an HTTP request and store the response in a context variable.",
		ConfigSchema: json.RawMessage(httpRequestConfigSchema),
	}
}

// Validate checks the static configuration. A url containing template tags is
// only checked after expansion.
func (a *HTTPRequestAction) Validate(config map[string]any) error {
	rawURL := stringParam(config, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http.request: missing required param 'url'")
	}
	if expressions.HasInterpolation(rawURL) {
		return nil
	}
	return validateURL(rawURL)
}

func validateURL(rawURL string) error {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}
	return nil
}

func (a *HTTPRequestAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params, err := expandConfig(ctx, a.interp, input)
	if err != nil {
		return nil, err
	}
	call, err := parseHTTPCall(params, a.config.DefaultTimeout)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, call.timeout)
	defer cancel()
	req, err := call.request(reqCtx)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: build request: %v", err).WithCause(err)
	}

	start := time.Now()
	resp, err := call.client().Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: %s %s: %v", call.method, call.url, err).WithCause(err)
	}
	defer resp.Body.Close()

	result, err := responseRecord(resp, a.config.MaxResponseBody, time.Since(start))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: read response: %v", err).WithCause(err)
	}
	if call.failOnStatus && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: server returned %d", resp.StatusCode).
			WithDetails(result)
	}
	return delta(call.variable, result), nil
}

// httpCall is an expanded http.request configuration.
type httpCall struct {
	method       string
	url          string
	body         any
	encoding     string
	headers      map[string]any
	auth         map[string]any
	timeout      time.Duration
	follow       bool
	maxRedirects int
	insecure     bool
	failOnStatus bool
	variable     string
}

func parseHTTPCall(params map[string]any, defaultTimeout time.Duration) (*httpCall, error) {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http.request: missing required param 'url'")
	}
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	call := &httpCall{
		method:       strings.ToUpper(stringParam(params, "method", http.MethodGet)),
		url:          rawURL,
		body:         params["body"],
		encoding:     stringParam(params, "body_encoding", "json"),
		timeout:      defaultTimeout,
		follow:       boolParam(params, "follow_redirects", true),
		maxRedirects: intParam(params, "max_redirects", 10),
		insecure:     boolParam(params, "tls_skip_verify", false),
		failOnStatus: boolParam(params, "fail_on_error_status", false),
		variable:     stringParam(params, "variable", defaultHTTPVariable),
	}
	call.headers, _ = params["headers"].(map[string]any)
	call.auth, _ = params["auth"].(map[string]any)
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			call.timeout = d
		}
	}
	return call, nil
}

// encodeBody returns the request body and its content type. Form bodies that
// are not records are dropped.
func (c *httpCall) encodeBody() (io.Reader, string, error) {
	if c.body == nil {
		return nil, "", nil
	}
	switch c.encoding {
	case "form":
		fields, ok := c.body.(map[string]any)
		if !ok {
			return nil, "", nil
		}
		vals := url.Values{}
		for k, v := range fields {
			vals.Set(k, fmt.Sprint(v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprint(c.body)), "text/plain", nil
	case "raw":
		return strings.NewReader(fmt.Sprint(c.body)), "", nil
	default:
		b, err := json.Marshal(c.body)
		if err != nil {
			return nil, "", fmt.Errorf("encode json body: %w", err)
		}
		return bytes.NewReader(b), "application/json", nil
	}
}

func (c *httpCall) request(ctx context.Context) (*http.Request, error) {
	body, contentType, err := c.encodeBody()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, c.method, c.url, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range c.headers {
		req.Header.Set(k, fmt.Sprint(v))
	}

	switch stringParam(c.auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(c.auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(c.auth, "username", ""), stringParam(c.auth, "password", ""))
	case "api_key":
		if name := stringParam(c.auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(c.auth, "header_value", ""))
		}
	}
	return req, nil
}

// client builds a per-call client. The default transport is cloned, never mutated.
func (c *httpCall) client() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if c.insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	limit := c.maxRedirects
	switch {
	case !c.follow:
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	case limit > 0:
		client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}
	return client
}

// responseRecord converts a response into the record stored in the context.
// JSON bodies are decoded; anything else is kept as text. Numbers are float64
// so the record survives a context round-trip unchanged.
func responseRecord(resp *http.Response, limit int64, elapsed time.Duration) (map[string]any, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	var body any
	if len(raw) > 0 {
		body = string(raw)
		var decoded any
		if strings.Contains(contentType, "application/json") && json.Unmarshal(raw, &decoded) == nil {
			body = decoded
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status_code":  float64(resp.StatusCode),
		"status":       resp.Status,
		"headers":      headers,
		"body":         body,
		"content_type": contentType,
		"duration_ms":  float64(elapsed.Milliseconds()),
	}, nil
}

// httpMethodAction pins the method of http.request.
type httpMethodAction struct {
	name   string
	method string
	inner  *HTTPRequestAction
}

func (a *httpMethodAction) Name() string { return a.name }

func (a *httpMethodAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  fmt.Sprintf("Convenience action for HTTP %s requests.", a.method),
		ConfigSchema: json.RawMessage(httpRequestConfigSchema),
	}
}

func (a *httpMethodAction) Validate(config map[string]any) error {
	return a.inner.Validate(config)
}

func (a *httpMethodAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	cfg := maps.Clone(input.Config)
	if cfg == nil {
		cfg = map[string]any{}
	}
	cfg["method"] = a.method
	input.Config = cfg
	return a.inner.Execute(ctx, input)
}
