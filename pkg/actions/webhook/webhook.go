// Package webhook provides the HTTP webhook action handler.
package webhook

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/ruleflow/pkg/actions"
	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/pool"
	"github.com/dukex/ruleflow/pkg/protocol"
)

const (
	Kind = "webhook"

	SignatureHeader = "X-Signature"

	defaultTimeout = 30 * time.Second
	maxDumpBytes   = 4096
)

// Config is the rendered configuration of a webhook action.
type Config struct {
	URL     string            `json:"url"     validate:"required,url"`
	Method  string            `json:"method"  validate:"oneof=POST PUT"`
	Headers map[string]string `json:"headers"`
	Payload string            `json:"payload"`
	Secret  string            `json:"secret"`
	Timeout time.Duration     `json:"timeout"`
}

// Request is the job data of a webhook job.
type Request struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body"`
	Signature string            `json:"signature,omitempty"`
	Timeout   time.Duration     `json:"timeout"`
}

type Handler struct {
	renderer protocol.Renderer
	clients  *pool.Pool[time.Duration, *http.Client]
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Handler)

// WithTransport sets the transport used by pooled clients.
func WithTransport(transport http.RoundTripper) Option {
	return func(h *Handler) {
		h.clients = newClientPool(transport)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

func WithNow(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func New(renderer protocol.Renderer, opts ...Option) *Handler {
	h := &Handler{
		renderer: renderer,
		clients:  newClientPool(http.DefaultTransport),
		now:      time.Now,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(h)
	}

	h.logger = h.logger.With("action_kind", Kind)

	return h
}

func newClientPool(transport http.RoundTripper) *pool.Pool[time.Duration, *http.Client] {
	return pool.New(func(_ context.Context, timeout time.Duration) (*http.Client, error) {
		return &http.Client{Timeout: timeout, Transport: transport}, nil
	})
}

func (h *Handler) Kind() string { return Kind }

func (h *Handler) Name() string { return "Webhook" }

func (h *Handler) Description() string {
	return "Sends the event or a rendered payload to an HTTP endpoint, optionally signed with a shared secret"
}

func (h *Handler) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Endpoint URL. Supports placeholders such as $APP_NAME",
			},
			"method": map[string]any{
				"type":    "string",
				"default": "POST",
				"enum":    []any{"POST", "PUT"},
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Additional headers, values support placeholders",
			},
			"payload": map[string]any{
				"type":        "string",
				"description": "Body template; the event JSON is sent when empty",
			},
			"secret": map[string]any{
				"type":        "string",
				"description": "Shared secret used to sign the body in the X-Signature header",
			},
			"timeout": map[string]any{
				"type":        "number",
				"description": "Request timeout in seconds",
				"default":     30,
				"minimum":     1,
				"maximum":     300,
			},
		},
		"required": []any{"url"},
	}
}

func (h *Handler) CreateJob(ctx context.Context, event *models.DomainEvent, action models.Action) (models.Job, error) {
	config := Config{
		URL:     strings.TrimSpace(h.renderer.Render(ctx, actions.String(action.Config, "url"), event)),
		Method:  strings.ToUpper(actions.String(action.Config, "method")),
		Headers: map[string]string{},
		Payload: actions.String(action.Config, "payload"),
		Secret:  actions.String(action.Config, "secret"),
		Timeout: time.Duration(actions.Int(action.Config, "timeout", 0)) * time.Second,
	}

	if config.Method == "" {
		config.Method = http.MethodPost
	}

	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	for key, value := range actions.StringMap(action.Config, "headers") {
		config.Headers[key] = h.renderer.Render(ctx, value, event)
	}

	if err := actions.Validate(config); err != nil {
		return models.Job{}, err
	}

	body, err := actions.Payload(ctx, h.renderer, config.Payload, event)
	if err != nil {
		return models.Job{}, err
	}

	request := Request{
		URL:     config.URL,
		Method:  config.Method,
		Headers: config.Headers,
		Body:    body,
		Timeout: config.Timeout,
	}

	if config.Secret != "" {
		request.Signature = Sign(body, config.Secret)
	}

	return models.Job{
		ActionKind:  Kind,
		Description: fmt.Sprintf("Send event to webhook %s", config.URL),
		Data:        request,
	}, nil
}

func (h *Handler) ExecuteJob(ctx context.Context, job models.Job) models.ExecutionResult {
	request, ok := actions.JobData[Request](job)
	if !ok {
		return models.Failed(fmt.Sprintf("unexpected job data %T", job.Data), false, "")
	}

	client, err := h.clients.GetOrCreate(ctx, request.Timeout)
	if err != nil {
		return actions.ErrorResult(err, "")
	}

	req, err := http.NewRequestWithContext(ctx, request.Method, request.URL, bytes.NewBufferString(request.Body))
	if err != nil {
		return models.Failed(fmt.Sprintf("failed to create request: %v", err), false, "")
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ruleflow/1.0")

	for key, value := range request.Headers {
		req.Header.Set(key, value)
	}

	if request.Signature != "" {
		req.Header.Set(SignatureHeader, request.Signature)
	}

	resp, err := client.Do(req)
	if err != nil {
		h.logger.DebugContext(ctx, "webhook request failed", "url", request.URL, "error", err)

		return actions.ErrorResult(err, fmt.Sprintf("%s %s", request.Method, request.URL))
	}
	defer resp.Body.Close()

	responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxDumpBytes))
	dump := fmt.Sprintf("%s %s\n\n%s\n%s", request.Method, request.URL, resp.Status, responseBody)

	return h.resultFromResponse(resp, dump)
}

func (h *Handler) resultFromResponse(resp *http.Response, dump string) models.ExecutionResult {
	after, hasRetryAfter := actions.ParseRetryAfter(resp.Header.Get("Retry-After"), h.now())

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return models.Complete(dump)
	case code == http.StatusTooManyRequests:
		return models.Retry(after, resp.Status, dump)
	case code >= 500 && hasRetryAfter:
		return models.Retry(after, resp.Status, dump)
	case code >= 500:
		return models.Failed(resp.Status, true, dump)
	default:
		return models.Failed(resp.Status, false, dump)
	}
}

// Sign returns base64(sha256(body + secret)).
func Sign(body, secret string) string {
	sum := sha256.Sum256([]byte(body + secret))

	return base64.StdEncoding.EncodeToString(sum[:])
}
