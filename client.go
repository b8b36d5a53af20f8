package genroute

import "context"

// GenerationClient is the boundary to one model backend. Implementations
// must be safe for concurrent use; a descriptor binds to a client through
// its provider name.
type GenerationClient interface {
	// Name returns the provider identifier descriptors bind to.
	Name() string

	// Generate performs a single generation call. Backend failures are
	// returned as *GenerationError.
	Generate(ctx context.Context, req GenerationRequest) (GenerationResult, error)
}

// GenerationRequest is the request passed to a client.
type GenerationRequest struct {
	Model  string
	Prompt string
	Params Params
}

// GenerationResult is a successful client response. Cost is the dollar cost
// of the call as computed by the client from its pricing.
type GenerationResult struct {
	Output string
	Usage  Usage
	Cost   float64
}
