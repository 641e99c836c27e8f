// Package kbase provides JSON-RPC clients for the KBase services the
// expression service talks to: the Workspace, GenomeSearchUtil and
// MetagenomeUtils, plus a Shock blob downloader.
package kbase

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ServerError is an error returned by a KBase service.
type ServerError struct {
	Name    string `json:"name"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"error"`
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s (code %d)", e.Name, e.Code)
}

// ErrEmptyResult is returned when a call succeeds but carries no result.
var ErrEmptyResult = errors.New("kbase: empty result")

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the token sent in the Authorization header.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithServiceVersion selects a dynamic service version (e.g. "dev").
func WithServiceVersion(ver string) ClientOption {
	return func(c *Client) { c.serviceVer = ver }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// Client is a JSON-RPC 1.1 client for one KBase endpoint.
type Client struct {
	url        string
	token      string
	serviceVer string
	httpClient *http.Client
}

// NewClient creates a client for the service at url.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	Version string            `json:"version"`
	Method  string            `json:"method"`
	Params  []interface{}     `json:"params"`
	ID      string            `json:"id"`
	Context map[string]string `json:"context,omitempty"`
}

type rpcResponse struct {
	Result []json.RawMessage `json:"result"`
	Error  *ServerError      `json:"error"`
}

// Call invokes method with params and decodes the first element of the
// result array into result. A nil result discards the response body.
func (c *Client) Call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	req := rpcRequest{
		Version: "1.1",
		Method:  method,
		Params:  params,
		ID:      requestID(),
	}
	if c.serviceVer != "" {
		req.Context = map[string]string{"service_ver": c.serviceVer}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: failed to read response: %w", method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: HTTP %d: %s", method, resp.StatusCode, truncate(data, 200))
		}
		return fmt.Errorf("%s: failed to decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d", method, resp.StatusCode)
	}
	if result == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("%s: %w", method, ErrEmptyResult)
	}
	if err := json.Unmarshal(rpcResp.Result[0], result); err != nil {
		return fmt.Errorf("%s: failed to decode result: %w", method, err)
	}
	return nil
}

func requestID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
