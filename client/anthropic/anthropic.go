// Package anthropic adapts the Anthropic Messages API to the router's
// GenerationClient interface.
package anthropic

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

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"

	// defaultMaxTokens applies when the request carries no max_tokens
	// param; the Messages API requires the field.
	defaultMaxTokens = 4096
)

// Pricing converts token usage into USD cost.
type Pricing struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// Client calls the Anthropic Messages API.
type Client struct {
	name       string
	baseURL    string
	apiKey     string
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

// WithBaseURL overrides the API endpoint, for proxies and tests.
func WithBaseURL(baseURL string) Option {
	return func(cl *Client) { cl.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithPricing sets per-1K-token prices used to report generation cost.
func WithPricing(p Pricing) Option {
	return func(cl *Client) { cl.pricing = p }
}

// New creates an Anthropic client.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		name:       "anthropic",
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return c.name }

// apiRequest is the Messages API request format.
type apiRequest struct {
	Model         string       `json:"model"`
	MaxTokens     int          `json:"max_tokens"`
	Messages      []apiMessage `json:"messages"`
	Temperature   *float64     `json:"temperature,omitempty"`
	TopP          *float64     `json:"top_p,omitempty"`
	StopSequences []string     `json:"stop_sequences,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// apiResponse is the Messages API response format.
type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
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

	var output strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			output.WriteString(block.Text)
		}
	}

	usage := genroute.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	return genroute.GenerationResult{
		Output: output.String(),
		Usage:  usage,
		Cost:   c.pricing.cost(usage),
	}, nil
}

func (c *Client) buildRequest(req genroute.GenerationRequest) apiRequest {
	maxTokens := defaultMaxTokens
	if n := intParam(req.Params, "max_tokens"); n != nil {
		maxTokens = *n
	}
	return apiRequest{
		Model:         req.Model,
		MaxTokens:     maxTokens,
		Messages:      []apiMessage{{Role: "user", Content: req.Prompt}},
		Temperature:   floatParam(req.Params, "temperature"),
		TopP:          floatParam(req.Params, "top_p"),
		StopSequences: stringsParam(req.Params, "stop"),
	}
}

func (c *Client) doRequest(ctx context.Context, body apiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("genroute: marshal request: %w", err)
	}

	url := c.baseURL + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("genroute: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

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

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	return &genroute.GenerationError{
		Provider:   c.name,
		StatusCode: resp.StatusCode,
		Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		Message:    strings.TrimSpace(string(body)),
	}
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
