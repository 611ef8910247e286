package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sicko7947/hubflow"
)

// IdempotencyHeader carries the run/step key to the remote system
const IdempotencyHeader = "Idempotency-Key"

// HTTPAction describes how one action type maps onto an HTTP request
type HTTPAction struct {
	Method  string            `yaml:"method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	URL     string            `yaml:"url" validate:"required,url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout" validate:"gte=0"`
}

// HTTPAdapter performs actions as JSON HTTP calls.
//
// The step input is sent as the JSON body (query parameters for GET and
// DELETE). A JSON object response becomes the step output; any other body
// is returned under "body". Retries belong to the engine, so the client
// never retries on its own.
type HTTPAdapter struct {
	client  *resty.Client
	actions map[string]HTTPAction
	logger  zerolog.Logger
}

// HTTPOption configures an HTTPAdapter
type HTTPOption func(*HTTPAdapter)

// WithHTTPClient replaces the underlying resty client
func WithHTTPClient(client *resty.Client) HTTPOption {
	return func(a *HTTPAdapter) {
		a.client = client
	}
}

// WithHTTPLogger sets the request logger
func WithHTTPLogger(logger zerolog.Logger) HTTPOption {
	return func(a *HTTPAdapter) {
		a.logger = logger
	}
}

// NewHTTPAdapter creates an adapter serving the given actions
func NewHTTPAdapter(actions map[string]HTTPAction, opts ...HTTPOption) (*HTTPAdapter, error) {
	a := &HTTPAdapter{
		client:  resty.New().SetRetryCount(0),
		actions: make(map[string]HTTPAction, len(actions)),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}

	for name, action := range actions {
		action.Method = strings.ToUpper(action.Method)
		if err := validate.Struct(action); err != nil {
			return nil, fmt.Errorf("invalid http action %s: %w", name, err)
		}
		a.actions[name] = action
	}
	return a, nil
}

// Actions returns the configured action types
func (a *HTTPAdapter) Actions() []string {
	names := make([]string, 0, len(a.actions))
	for name := range a.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register routes every configured action type of a through m
func (a *HTTPAdapter) Register(m *Mux) {
	for name := range a.actions {
		m.Handle(name, a)
	}
}

// Execute implements hubflow.Adapter
func (a *HTTPAdapter) Execute(ctx context.Context, actionType string, input map[string]any) (map[string]any, error) {
	action, ok := a.actions[actionType]
	if !ok {
		return nil, hubflow.Permanent(fmt.Sprintf("no http action %q", actionType), nil)
	}

	if action.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, action.Timeout)
		defer cancel()
	}

	req := a.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetHeaders(action.Headers)

	if info, ok := hubflow.ExecutionFromContext(ctx); ok {
		req.SetHeader(IdempotencyHeader, info.IdempotencyKey())
	}

	switch action.Method {
	case http.MethodGet, http.MethodDelete:
		req.SetQueryParams(queryParams(input))
	default:
		req.SetHeader("Content-Type", "application/json").SetBody(input)
	}

	start := time.Now()
	resp, err := req.Execute(action.Method, action.URL)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}
		return nil, hubflow.Retryable(fmt.Sprintf("%s %s failed", action.Method, action.URL), err)
	}

	status := resp.StatusCode()
	a.logger.Debug().
		Str("action_type", actionType).
		Str("method", action.Method).
		Str("url", action.URL).
		Int("status", status).
		Dur("duration", time.Since(start)).
		Msg("HTTP action completed")

	if resp.IsError() {
		return nil, classifyStatus(status, action, resp.Body())
	}
	return decodeOutput(resp.Body())
}

func classifyStatus(status int, action HTTPAction, body []byte) error {
	message := fmt.Sprintf("%s %s returned %d", action.Method, action.URL, status)
	if detail := strings.TrimSpace(string(body)); detail != "" {
		if len(detail) > 256 {
			detail = detail[:256]
		}
		message += ": " + detail
	}

	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= http.StatusInternalServerError:
		return hubflow.Retryable(message, nil)
	default:
		return hubflow.Permanent(message, nil)
	}
}

func decodeOutput(body []byte) (map[string]any, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return map[string]any{}, nil
	}

	var output map[string]any
	if err := json.Unmarshal(body, &output); err == nil && output != nil {
		return output, nil
	}

	var value any
	if err := json.Unmarshal(body, &value); err == nil {
		return map[string]any{"body": value}, nil
	}
	return map[string]any{"body": string(body)}, nil
}

func queryParams(input map[string]any) map[string]string {
	params := make(map[string]string, len(input))
	for k, v := range input {
		switch val := v.(type) {
		case string:
			params[k] = val
		case nil:
		default:
			data, err := json.Marshal(val)
			if err != nil {
				params[k] = fmt.Sprint(val)
				continue
			}
			params[k] = string(data)
		}
	}
	return params
}
