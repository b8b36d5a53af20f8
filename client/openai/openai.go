// Package openai adapts any OpenAI-compatible chat completion API to the
// router's GenerationClient interface. Works with OpenAI, Grok/xAI,
// Together, Ollama, and others.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ledgerline/genroute"
)

// Pricing converts token usage into USD cost. Zero values mean the
// backend is free and every generation costs 0.
type Pricing struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// Client calls a chat completion endpoint.
type Client struct {
	name       string
	baseURL    string
	apiKey     string
	path       string
	pricing    Pricing
	httpClient *http.Client
}

var _ genroute.GenerationClient = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithPath overrides the completion endpoint path.
func WithPath(path string) Option {
	return func(cl *Client) { cl.path = path }
}

// WithPricing sets per-1K-token prices used to report generation cost.
func WithPricing(p Pricing) Option {
	return func(cl *Client) { cl.pricing = p }
}

// New creates a client for an OpenAI-compatible API.
func New(name, baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		path:       "/chat/completions",
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewOpenAI creates a client for OpenAI.
func NewOpenAI(apiKey string, opts ...Option) *Client {
	return New("openai", "https://api.openai.com/v1", apiKey, opts...)
}

// NewGrok creates a client for Grok/xAI.
func NewGrok(apiKey string, opts ...Option) *Client {
	return New("grok", "https://api.x.ai/v1", apiKey, opts...)
}

// NewOllama creates a client for a local Ollama server.
func NewOllama(baseURL string, opts ...Option) *Client {
	return New("ollama", baseURL+"/v1", "", opts...)
}

func (c *Client) Name() string { return c.name }

// apiRequest is the chat completion request format.
type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature *float64     `json:"temperature,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
	TopP        *float64     `json:"top_p,omitempty"`
	Stop        []string     `json:"stop,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// apiResponse is the chat completion response format.
type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int        `json:"index"`
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (c *Client) Generate(ctx context.Context, req genroute.GenerationRequest) (genroute.GenerationResult, error) {
	httpResp, err := c.doRequest(ctx, c.buildRequest(req))
	if err != nil {
		return genroute.GenerationResult{}, err
	}
	defer httpResp.Body.Close()

	if err := c.mapHTTPError(httpResp); err != nil {
		return genroute.GenerationResult{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return genroute.GenerationResult{}, fmt.Errorf("genroute: decode response: %w", err)
	}

	if len(resp.Choices) == 0 {
		return genroute.GenerationResult{}, fmt.Errorf("genroute: empty choices in response")
	}

	usage := genroute.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	return genroute.GenerationResult{
		Output: resp.Choices[0].Message.Content,
		Usage:  usage,
		Cost:   c.pricing.cost(usage),
	}, nil
}

func (c *Client) buildRequest(req genroute.GenerationRequest) apiRequest {
	return apiRequest{
		Model:       req.Model,
		Messages:    []apiMessage{{Role: "user", Content: req.Prompt}},
		Temperature: floatParam(req.Params, "temperature"),
		MaxTokens:   intParam(req.Params, "max_tokens"),
		TopP:        floatParam(req.Params, "top_p"),
		Stop:        stringsParam(req.Params, "stop"),
	}
}

func (c *Client) doRequest(ctx context.Context, body apiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("genroute: marshal request: %w", err)
	}

	url := c.baseURL + c.path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("genroute: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &genroute.GenerationError{
			Provider:  c.name,
			Retryable: true,
			Message:   "request failed",
			Err:       err,
		}
	}
	return resp, nil
}

func (c *Client) mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	return &genroute.GenerationError{
		Provider:   c.name,
		StatusCode: resp.StatusCode,
		Retryable:  retryableStatus(resp.StatusCode),
		Message:    strings.TrimSpace(string(body)),
	}
}

// retryableStatus reports whether a status is worth retrying against
// another deployment of the same backend. Rate limits and server errors
// are; auth and malformed-request errors are not.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func (p Pricing) cost(u genroute.Usage) float64 {
	return float64(u.PromptTokens)/1000*p.PromptPer1K +
		float64(u.CompletionTokens)/1000*p.CompletionPer1K
}

func floatParam(params genroute.Params, key string) *float64 {
	switch v := params[key].(type) {
	case float64:
		return &v
	case float32:
		f := float64(v)
		return &f
	case int:
		f := float64(v)
		return &f
	case int64:
		f := float64(v)
		return &f
	}
	return nil
}

func intParam(params genroute.Params, key string) *int {
	switch v := params[key].(type) {
	case int:
		return &v
	case int64:
		n := int(v)
		return &n
	case float64:
		n := int(v)
		return &n
	}
	return nil
}

func stringsParam(params genroute.Params, key string) []string {
	switch v := params[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
