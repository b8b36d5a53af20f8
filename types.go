package genroute

// Params holds generation parameters (temperature, max_tokens, top_p, ...).
// Values must be JSON-marshalable; they are part of the cache key.
type Params map[string]any

// RoutedGeneration is the outcome of a routed generation request. The same
// value is returned whether it came from the backend, from the cache, or
// from another caller's in-flight execution.
type RoutedGeneration struct {
	Model            string  `json:"model"`
	Output           string  `json:"output"`
	LatencyMS        int64   `json:"latency_ms"`
	Cost             float64 `json:"cost"`
	CacheHit         bool    `json:"cache_hit"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}
