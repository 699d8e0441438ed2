// Package ollama provides an Ollama embedding client.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client embeds text through Ollama's HTTP API.
type Client struct {
	http  *resty.Client
	model string
}

// Option configures a Client.
type Option func(*resty.Client)

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *resty.Client) { c.SetTimeout(d) }
}

// WithRetries retries failed requests and 5xx responses.
func WithRetries(n int, wait time.Duration) Option {
	return func(c *resty.Client) {
		c.SetRetryCount(n).
			SetRetryWaitTime(wait).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= http.StatusInternalServerError
			})
	}
}

// NewClient creates a client for the Ollama server at baseURL.
func NewClient(baseURL, model string, opts ...Option) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(30 * time.Second)
	for _, o := range opts {
		o(rc)
	}
	return &Client{http: rc, model: model}
}

// HTTPClient exposes the underlying client, e.g. for transport mocks.
func (c *Client) HTTPClient() *http.Client { return c.http.GetClient() }

type embedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type errorResp struct {
	Error string `json:"error"`
}

// Embed returns one vector per input text, in order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var (
		out  embedResp
		fail errorResp
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(embedReq{Model: c.model, Input: texts}).
		SetResult(&out).
		SetError(&fail).
		ForceContentType("application/json").
		Post("/api/embed")
	if err != nil {
		return nil, fmt.Errorf("ollama: embed: %w", err)
	}
	if resp.IsError() {
		if fail.Error != "" {
			return nil, fmt.Errorf("ollama: embed: status %d: %s", resp.StatusCode(), fail.Error)
		}
		return nil, fmt.Errorf("ollama: embed: status %d", resp.StatusCode())
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama: embed: got %d vectors for %d inputs", len(out.Embeddings), len(texts))
	}
	return out.Embeddings, nil
}
