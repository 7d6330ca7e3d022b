package agents

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// HTTPConfig bounds what a single http step may do.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

// HTTPAgent calls an external API and returns status_code, status, headers,
// body, content_type and duration_ms. JSON bodies are decoded.
type HTTPAgent struct {
	config HTTPConfig
}

func NewHTTPAgent(cfg HTTPConfig) *HTTPAgent {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = 10 << 20
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	return &HTTPAgent{config: cfg}
}

func (a *HTTPAgent) Name() string { return "http" }

func (a *HTTPAgent) Description() string {
	return "Call an HTTP API with method, headers, body and auth."
}

// httpCall is the step input of the http agent.
type httpCall struct {
	method          string
	url             string
	headers         map[string]any
	body            any
	encoding        string // json, form, text or raw
	auth            map[string]any
	timeout         time.Duration
	followRedirects bool
	maxRedirects    int
	insecure        bool
	failOnStatus    bool
}

func (a *HTTPAgent) parseCall(params map[string]any) (httpCall, error) {
	c := httpCall{
		method:          strings.ToUpper(stringParam(params, "method", http.MethodGet)),
		url:             stringParam(params, "url", ""),
		body:            params["body"],
		encoding:        stringParam(params, "body_encoding", "json"),
		timeout:         durationParam(params, "timeout", a.config.DefaultTimeout),
		followRedirects: boolParam(params, "follow_redirects", true),
		maxRedirects:    intParam(params, "max_redirects", 10),
		insecure:        boolParam(params, "tls_skip_verify", false),
		failOnStatus:    boolParam(params, "fail_on_error_status", false),
	}
	c.headers, _ = params["headers"].(map[string]any)
	c.auth, _ = params["auth"].(map[string]any)

	u, err := url.ParseRequestURI(c.url)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return c, schema.NewErrorf(schema.ErrCodeValidation, "http: invalid url %q", c.url)
	}
	return c, nil
}

func (a *HTTPAgent) Execute(ctx context.Context, in Input) (*schema.AgentResult, error) {
	call, err := a.parseCall(in.Params())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, call.timeout)
	defer cancel()
	req, err := call.request(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := call.client().Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAgentExecution, "http: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	out, err := a.readResponse(resp)
	if err != nil {
		return nil, err
	}
	out["duration_ms"] = time.Since(start).Milliseconds()

	if call.failOnStatus && resp.StatusCode >= http.StatusBadRequest {
		res := schema.Failed(schema.ErrCodeAgentExecution, fmt.Sprintf("http: server returned %d", resp.StatusCode))
		res.Data = out
		return res, nil
	}
	return schema.Succeeded(out), nil
}

func (c httpCall) encodeBody() (io.Reader, string, error) {
	if c.body == nil {
		return nil, "", nil
	}
	switch c.encoding {
	case "form":
		fields, ok := c.body.(map[string]any)
		if !ok {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http: form body must be an object")
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
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http: body is not JSON-serializable").WithCause(err)
		}
		return bytes.NewReader(b), "application/json", nil
	}
}

func (c httpCall) request(ctx context.Context) (*http.Request, error) {
	body, contentType, err := c.encodeBody()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, c.method, c.url, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http: %v", err).WithCause(err)
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

// client is built per call so TLS and redirect settings stay step-local.
func (c httpCall) client() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if c.insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	limit := c.maxRedirects
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			switch {
			case !c.followRedirects:
				return http.ErrUseLastResponse
			case limit > 0 && len(via) >= limit:
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		},
	}
}

func (a *HTTPAgent) readResponse(resp *http.Response) (map[string]any, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAgentExecution, "http: reading response body").WithCause(err)
	}

	contentType := resp.Header.Get("Content-Type")
	var body any
	if len(raw) > 0 {
		var decoded any
		if strings.Contains(contentType, "json") && json.Unmarshal(raw, &decoded) == nil {
			body = decoded
		} else {
			body = string(raw)
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      headers,
		"body":         body,
		"content_type": contentType,
	}, nil
}
