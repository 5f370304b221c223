// Package client is a Go client for the ToolGate HTTP API.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Client talks to a running ToolGate gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the gateway at baseURL (e.g. http://localhost:8001).
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// constructAPIEndpoint joins the base URL with an API path.
func (c *Client) constructAPIEndpoint(path string) (string, error) {
	return url.JoinPath(c.baseURL, "/api", path)
}

func (c *Client) newRequest(method, endpoint string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		serialized, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(serialized)
	}

	req, err := http.NewRequest(method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// parseErrorResponse extracts the gateway's {"detail": ...} error body.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Detail == "" {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, payload.Detail)
}

// do sends the request and decodes a JSON response into out (when non-nil).
func (c *Client) do(method, endpoint string, body, out any, wantStatus int) error {
	req, err := c.newRequest(method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
