package outbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"casework/internal/domain"
)

const defaultClientTimeout = 10 * time.Second

// TaskAPI is the black-box remote contract the poller relies on: 2xx means
// success, and an initiate response must carry a task identity.
type TaskAPI interface {
	Do(ctx context.Context, action domain.TaskAction, payload string) (Result, error)
}

type Result struct {
	Code int
	Body []byte
}

// StatusError is a non-2xx response from the task service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Client dispatches outbox actions to the external task service over HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTP:    &http.Client{Timeout: defaultClientTimeout},
	}
}

func (c *Client) Do(ctx context.Context, action domain.TaskAction, payload string) (Result, error) {
	url := c.BaseURL + pathFor(action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(payload)))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.HTTP.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Result{Code: res.StatusCode, Body: body}, &StatusError{
			Code: res.StatusCode,
			Body: strings.TrimSpace(string(body)),
		}
	}
	return Result{Code: res.StatusCode, Body: body}, nil
}

func pathFor(action domain.TaskAction) string {
	switch action {
	case domain.TaskInitiate:
		return "/task"
	case domain.TaskComplete:
		return "/task/complete"
	case domain.TaskCancel:
		return "/task/cancel"
	case domain.TaskReconfigure:
		return "/task/reconfigure"
	}
	return "/task/" + string(action)
}
