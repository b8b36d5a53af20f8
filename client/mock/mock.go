// Package mock provides a configurable in-memory generation client for
// testing routers without a real backend.
package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ledgerline/genroute"
)

// Client is a mock generation client for testing.
type Client struct {
	name         string
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	output       string
	cost         float64
	usage        genroute.Usage
	generateFunc func(genroute.GenerationRequest) (genroute.GenerationResult, error)
}

var _ genroute.GenerationClient = (*Client)(nil)

// Option configures a mock Client.
type Option func(*Client)

// New creates a mock client with the given options.
func New(opts ...Option) *Client {
	c := &Client{
		name:   "mock",
		output: "Hello from mock client",
		usage: genroute.Usage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithName sets the client name.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(c *Client) { c.latency = d }
}

// WithFailAfter makes the client fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(c *Client) { c.failAfter = n }
}

// WithError makes the client always return this error.
func WithError(err error) Option {
	return func(c *Client) { c.staticErr = err }
}

// WithOutput sets the text returned by the mock.
func WithOutput(output string) Option {
	return func(c *Client) { c.output = output }
}

// WithCost sets the cost reported per generation.
func WithCost(cost float64) Option {
	return func(c *Client) { c.cost = cost }
}

// WithUsage sets the usage returned by the mock.
func WithUsage(u genroute.Usage) Option {
	return func(c *Client) { c.usage = u }
}

// WithGenerateFunc sets a custom generate function.
func WithGenerateFunc(fn func(genroute.GenerationRequest) (genroute.GenerationResult, error)) Option {
	return func(c *Client) { c.generateFunc = fn }
}

func (c *Client) Name() string { return c.name }

func (c *Client) Generate(ctx context.Context, req genroute.GenerationRequest) (genroute.GenerationResult, error) {
	if c.latency > 0 {
		select {
		case <-time.After(c.latency):
		case <-ctx.Done():
			return genroute.GenerationResult{}, ctx.Err()
		}
	}

	count := c.callCount.Add(1)

	if c.staticErr != nil {
		return genroute.GenerationResult{}, c.staticErr
	}

	if c.failAfter > 0 && int(count) > c.failAfter {
		return genroute.GenerationResult{}, &genroute.GenerationError{
			Provider:   c.name,
			StatusCode: 503,
			Retryable:  true,
			Message:    "mock backend unavailable",
		}
	}

	if c.generateFunc != nil {
		return c.generateFunc(req)
	}

	return genroute.GenerationResult{
		Output: c.output,
		Usage:  c.usage,
		Cost:   c.cost,
	}, nil
}

// CallCount returns the number of calls made to the client.
func (c *Client) CallCount() int64 { return c.callCount.Load() }
