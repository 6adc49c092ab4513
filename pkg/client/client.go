// Package client is a Go client for the sandout execution API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rhuss/sandout/pkg/api"
	"github.com/rhuss/sandout/pkg/transport"
)

// Client calls a sandout server.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// New creates a client. A zero timeout leaves requests bounded only by
// their context, since executions may run for minutes.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// Create runs an execution and blocks until its final record is available.
func (c *Client) Create(ctx context.Context, req *api.CreateExecutionRequest) (*api.Execution, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	var exec api.Execution
	if err := c.do(ctx, http.MethodPost, "/v1/executions", bytes.NewReader(body), &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// Get fetches a stored execution.
func (c *Client) Get(ctx context.Context, id string) (*api.Execution, error) {
	var exec api.Execution
	if err := c.do(ctx, http.MethodGet, "/v1/executions/"+url.PathEscape(id), nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// Cancel signals a running execution to stop.
func (c *Client) Cancel(ctx context.Context, id string) (*api.CancellationConfirmation, error) {
	var conf api.CancellationConfirmation
	if err := c.do(ctx, http.MethodPost, "/v1/executions/"+url.PathEscape(id)+"/cancel", nil, &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Delete removes a stored execution.
func (c *Client) Delete(ctx context.Context, id string) (*api.DeletionConfirmation, error) {
	var conf api.DeletionConfirmation
	if err := c.do(ctx, http.MethodDelete, "/v1/executions/"+url.PathEscape(id), nil, &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

// List returns a page of stored executions.
func (c *Client) List(ctx context.Context, opts transport.ListOptions) (*api.ExecutionList, error) {
	q := url.Values{}
	if opts.After != "" {
		q.Set("after", opts.After)
	}
	if opts.Before != "" {
		q.Set("before", opts.Before)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Order != "" {
		q.Set("order", opts.Order)
	}

	path := "/v1/executions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list api.ExecutionList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errorFromResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// errorFromResponse returns the server's *api.APIError, or a generic one
// when the body is not an error document.
func errorFromResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body api.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error != nil {
		return body.Error
	}

	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = resp.Status
	}
	return &api.APIError{Type: typeForStatus(resp.StatusCode), Message: msg}
}

func typeForStatus(code int) api.ErrorType {
	switch {
	case code == http.StatusNotFound:
		return api.ErrorTypeNotFound
	case code == http.StatusConflict:
		return api.ErrorTypeConflict
	case code == http.StatusTooManyRequests:
		return api.ErrorTypeTooManyRequests
	case code >= 400 && code < 500:
		return api.ErrorTypeInvalidRequest
	default:
		return api.ErrorTypeServerError
	}
}

// IsNotFound reports whether err is a not_found API error.
func IsNotFound(err error) bool {
	var apiErr *api.APIError
	return errors.As(err, &apiErr) && apiErr.Type == api.ErrorTypeNotFound
}
