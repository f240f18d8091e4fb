package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"cafa-ticket/utils"
)

// apiClient sends provider API calls through a circuit breaker. Transport
// errors and 5xx answers count as provider failures; 4xx answers do not.
type apiClient struct {
	http    *http.Client
	breaker *utils.CircuitBreaker
}

type apiResponse struct {
	status int
	body   []byte
}

type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api returned %d: %s", e.Provider, e.Status, e.Body)
}

func (c *apiClient) do(ctx context.Context, req *http.Request, out any) error {
	req = req.WithContext(ctx)

	result, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		r := &apiResponse{status: resp.StatusCode, body: body}
		if resp.StatusCode >= 500 {
			return r, &APIError{Provider: c.breaker.Name(), Status: resp.StatusCode, Body: string(body)}
		}
		return r, nil
	})
	if err != nil {
		return err
	}

	r := result.(*apiResponse)
	if r.status >= 400 {
		return &APIError{Provider: c.breaker.Name(), Status: r.status, Body: string(r.body)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(r.body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.breaker.Name(), err)
	}
	return nil
}
