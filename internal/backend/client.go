package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Executor is the contract with the external generation backend. The result
// payload is opaque to the task core.
type Executor interface {
	Execute(ctx context.Context, serviceID string, input map[string]any) (map[string]any, error)
}

// Error is a classified backend failure. Transient errors are retried by the
// dispatcher; permanent ones fail the task immediately.
type Error struct {
	Status    int
	Msg       string
	Transient bool
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Status != 0 {
		return fmt.Sprintf("backend %s error (status %d): %s", kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("backend %s error: %s", kind, e.Msg)
}

// IsTransient reports whether err is a backend error worth retrying.
// Transport-level failures (timeouts, refused connections) count as
// transient: the backend may simply be briefly unreachable.
func IsTransient(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Transient
	}
	return err != nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// HTTPClient invokes a JSON-over-HTTP generation endpoint.
type HTTPClient struct {
	url    string
	client *http.Client
}

// NewHTTP builds a client with a bounded request timeout.
func NewHTTP(url string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type executeRequest struct {
	ServiceID string         `json:"service_id"`
	Input     map[string]any `json:"input"`
}

type executeResponse struct {
	Result map[string]any `json:"result"`
	Error  string         `json:"error"`
}

// Execute posts the task input and returns the backend's result payload.
func (c *HTTPClient) Execute(ctx context.Context, serviceID string, input map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(executeRequest{ServiceID: serviceID, Input: input})
	if err != nil {
		return nil, &Error{Msg: fmt.Sprintf("marshal request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Msg: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, &Error{Msg: err.Error(), Transient: true}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, &Error{Msg: fmt.Sprintf("read response: %v", err), Transient: true}
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := string(body)
		var er executeResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		return nil, &Error{Status: res.StatusCode, Msg: msg, Transient: retryableStatus(res.StatusCode)}
	}

	var er executeResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, &Error{Status: res.StatusCode, Msg: fmt.Sprintf("decode response: %v", err)}
	}
	if er.Result == nil {
		er.Result = map[string]any{}
	}
	return er.Result, nil
}
