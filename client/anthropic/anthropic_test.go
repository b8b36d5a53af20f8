package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/genroute"
)

func newMockServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.Error(w, "wrong path: "+r.URL.Path, 500)
			return
		}
		if r.Header.Get("x-api-key") != "test-key" {
			http.Error(w, "missing api key header", 500)
			return
		}
		if r.Header.Get("anthropic-version") != "2023-06-01" {
			http.Error(w, "missing version header", 500)
			return
		}

		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad body: "+err.Error(), 500)
			return
		}
		if req.MaxTokens <= 0 {
			http.Error(w, "max_tokens is required", 500)
			return
		}

		json.NewEncoder(w).Encode(map[string]any{
			"id":    "msg-1",
			"model": req.Model,
			"content": []map[string]string{
				{"type": "text", "text": "Hello"},
				{"type": "text", "text": " world"},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]int64{"input_tokens": 12, "output_tokens": 6},
		})
	}))
}

func TestName(t *testing.T) {
	assert.Equal(t, "anthropic", New("k").Name())
}

func TestGenerate(t *testing.T) {
	srv := newMockServer(t)
	defer srv.Close()

	c := New("test-key", WithBaseURL(srv.URL),
		WithPricing(Pricing{PromptPer1K: 3, CompletionPer1K: 15}))

	res, err := c.Generate(context.Background(), genroute.GenerationRequest{
		Model:  "claude-sonnet",
		Prompt: "hello",
	})
	require.NoError(t, err)

	// Text blocks concatenate in order.
	assert.Equal(t, "Hello world", res.Output)
	assert.Equal(t, int64(12), res.Usage.PromptTokens)
	assert.Equal(t, int64(6), res.Usage.CompletionTokens)
	assert.Equal(t, int64(18), res.Usage.TotalTokens)
	// 12 input tokens at $3/1K plus 6 output tokens at $15/1K.
	assert.InDelta(t, 0.126, res.Cost, 1e-9)
}

func TestGenerate_ParamMapping(t *testing.T) {
	var got apiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": "ok"}},
			"usage":   map[string]int64{"input_tokens": 1, "output_tokens": 1},
		})
	}))
	defer srv.Close()

	c := New("test-key", WithBaseURL(srv.URL))
	_, err := c.Generate(context.Background(), genroute.GenerationRequest{
		Model:  "claude-sonnet",
		Prompt: "hello",
		Params: genroute.Params{
			"temperature": 0.5,
			"max_tokens":  1024,
			"stop":        "END",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "claude-sonnet", got.Model)
	assert.Equal(t, 1024, got.MaxTokens)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.5, *got.Temperature, 1e-9)
	assert.Equal(t, []string{"END"}, got.StopSequences)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "hello", got.Messages[0].Content)
}

func TestGenerate_DefaultMaxTokens(t *testing.T) {
	var got apiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": "ok"}},
			"usage":   map[string]int64{"input_tokens": 1, "output_tokens": 1},
		})
	}))
	defer srv.Close()

	c := New("test-key", WithBaseURL(srv.URL))
	_, err := c.Generate(context.Background(), genroute.GenerationRequest{
		Model:  "claude-sonnet",
		Prompt: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, defaultMaxTokens, got.MaxTokens)
}

func TestGenerate_SkipsNonTextBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{
				{"type": "thinking", "text": "hmm"},
				{"type": "text", "text": "answer"},
			},
			"usage": map[string]int64{"input_tokens": 1, "output_tokens": 1},
		})
	}))
	defer srv.Close()

	c := New("test-key", WithBaseURL(srv.URL))
	res, err := c.Generate(context.Background(), genroute.GenerationRequest{
		Model:  "claude-sonnet",
		Prompt: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "answer", res.Output)
}

func TestGenerate_HTTPErrors(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{529, true}, // anthropic "overloaded"
		{http.StatusBadRequest, false},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("status %d", tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, `{"type":"error"}`)
			}))
			defer srv.Close()

			c := New("test-key", WithBaseURL(srv.URL))
			_, err := c.Generate(context.Background(), genroute.GenerationRequest{
				Model:  "claude-sonnet",
				Prompt: "hello",
			})

			var genErr *genroute.GenerationError
			require.ErrorAs(t, err, &genErr)
			assert.Equal(t, "anthropic", genErr.Provider)
			assert.Equal(t, tc.status, genErr.StatusCode)
			assert.Equal(t, tc.retryable, genErr.Retryable)
		})
	}
}

func TestGenerate_AuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"type":"error","error":{"type":"authentication_error"}}`)
	}))
	defer srv.Close()

	c := New("bad-key", WithBaseURL(srv.URL))
	_, err := c.Generate(context.Background(), genroute.GenerationRequest{
		Model:  "claude-sonnet",
		Prompt: "hello",
	})

	var genErr *genroute.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, http.StatusUnauthorized, genErr.StatusCode)
	assert.False(t, genErr.Retryable)
	assert.Contains(t, genErr.Message, "authentication_error")
}
