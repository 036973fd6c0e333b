// Package client talks to a running subgen server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fxnlabs/subgen/internal/catalog"
	"github.com/fxnlabs/subgen/internal/history"
	"github.com/fxnlabs/subgen/internal/orchestrator"
	"github.com/fxnlabs/subgen/internal/server"
)

// APIError is a non-2xx response.
type APIError struct {
	Status int
	server.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("request failed with status %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.Status, e.Message)
}

// Client sends requests to the server at baseURL.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a Client. A nil httpClient uses http.DefaultClient.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: httpClient}
}

// Transcribe runs one request on the server.
func (c *Client) Transcribe(ctx context.Context, req server.TranscriptionRequest) (*orchestrator.Result, error) {
	var res orchestrator.Result
	if err := c.do(ctx, http.MethodPost, "/v1/transcriptions", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Batch runs several requests on the server.
func (c *Client) Batch(ctx context.Context, reqs []server.TranscriptionRequest) ([]server.BatchItem, error) {
	var items []server.BatchItem
	if err := c.do(ctx, http.MethodPost, "/v1/transcriptions/batch", server.BatchRequest{Requests: reqs}, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Hardware returns the server's detected devices.
func (c *Client) Hardware(ctx context.Context) (*server.HardwareResponse, error) {
	var hw server.HardwareResponse
	if err := c.do(ctx, http.MethodGet, "/v1/hardware", nil, &hw); err != nil {
		return nil, err
	}
	return &hw, nil
}

// Chain returns the server's fallback chain for pref.
func (c *Client) Chain(ctx context.Context, pref catalog.Preference) ([]catalog.Candidate, error) {
	path := "/v1/chain"
	if pref != "" {
		path += "?preference=" + url.QueryEscape(string(pref))
	}
	var chain []catalog.Candidate
	if err := c.do(ctx, http.MethodGet, path, nil, &chain); err != nil {
		return nil, err
	}
	return chain, nil
}

// History returns up to limit recent requests.
func (c *Client) History(ctx context.Context, limit int) ([]history.Entry, error) {
	path := "/v1/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var entries []history.Entry
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr.ErrorResponse) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
