package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentfleet/fleetd/pkg/resilience"
)

// APIError is a non-2xx response from a managed platform API. 4xx
// responses are terminal; 5xx responses are retried.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform API returned %d: %s", e.Status, e.Body)
}

// restClient is the shared HTTP layer for managed platform adapters:
// bearer-token JSON requests with bounded retry and a per-platform
// circuit breaker.
type restClient struct {
	baseURL string
	token   string
	client  *http.Client
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
	logger  *slog.Logger
}

func newRESTClient(name, baseURL, token string) *restClient {
	return &restClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		breaker: resilience.NewBreaker(resilience.DefaultBreakerConfig(name)),
		retry:   resilience.DefaultRetryConfig(),
		logger:  slog.Default().With("component", "deploy."+name),
	}
}

// do issues one API call. The request body is marshaled as JSON when
// non-nil; a 2xx response body is decoded into out when out is non-nil.
// Transport errors and 5xx responses are retried through the breaker;
// 4xx responses fail immediately.
func (c *restClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	var respBody []byte
	attempt := func() error {
		return c.breaker.Do(func() error {
			var reader io.Reader
			if payload != nil {
				reader = bytes.NewReader(payload)
			}
			req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
			if err != nil {
				return resilience.Permanent(err)
			}
			req.Header.Set("Authorization", "Bearer "+c.token)
			req.Header.Set("Accept", "application/json")
			if payload != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := c.client.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()

			data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return err
			}

			switch {
			case resp.StatusCode >= 500:
				return &APIError{Status: resp.StatusCode, Body: string(data)}
			case resp.StatusCode >= 400:
				return resilience.Permanent(&APIError{Status: resp.StatusCode, Body: string(data)})
			}
			respBody = data
			return nil
		})
	}

	if err := resilience.Retry(ctx, c.retry, attempt); err != nil {
		return err
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
