package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiencelab/threadscout/internal/resilience"
)

func fastRetry() Option {
	return WithRetryPolicy(resilience.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
}

func newTestEmbedder(srvURL string) Embedder {
	return New(Config{
		APIKey:     "test-key",
		BaseURL:    srvURL + "/v1",
		Model:      "text-embedding-3-small",
		Dimensions: 4,
	}, fastRetry())
}

func TestEmbed_ReturnsVectorsInInputOrder(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req struct {
			Input      []string `json:"input"`
			Model      string   `json:"model"`
			Dimensions int      `json:"dimensions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"first", "second"}, req.Input)
		assert.Equal(t, "text-embedding-3-small", req.Model)
		assert.Equal(t, 4, req.Dimensions)

		// Vectors deliberately out of order; indexes are authoritative.
		fmt.Fprint(w, `{"object":"list","data":[
			{"object":"embedding","index":1,"embedding":[0.4,0.4,0.4,0.4]},
			{"object":"embedding","index":0,"embedding":[0.1,0.1,0.1,0.1]}
		],"model":"text-embedding-3-small","usage":{"prompt_tokens":6,"total_tokens":6}}`)
	}))
	defer srv.Close()

	result, err := newTestEmbedder(srv.URL).Embed(context.Background(), []string{"first", "second"})

	require.NoError(t, err)
	require.Len(t, result.Vectors, 2)
	assert.Equal(t, []float32{0.1, 0.1, 0.1, 0.1}, result.Vectors[0])
	assert.Equal(t, []float32{0.4, 0.4, 0.4, 0.4}, result.Vectors[1])
	assert.Equal(t, 6, result.PromptTokens)
	assert.Equal(t, 6, result.TotalTokens)
}

func TestEmbed_EmptyInputSkipsTheAPI(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("no request expected for empty input")
	}))
	defer srv.Close()

	result, err := newTestEmbedder(srv.URL).Embed(context.Background(), nil)

	require.NoError(t, err)
	assert.Empty(t, result.Vectors)
	assert.Zero(t, result.TotalTokens)
}

func TestEmbed_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
			return
		}
		fmt.Fprint(w, `{"object":"list","data":[
			{"object":"embedding","index":0,"embedding":[1,0,0,0]}
		],"usage":{"prompt_tokens":2,"total_tokens":2}}`)
	}))
	defer srv.Close()

	result, err := newTestEmbedder(srv.URL).Embed(context.Background(), []string{"hello"})

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []float32{1, 0, 0, 0}, result.Vectors[0])
}

func TestEmbed_DoesNotRetryAuthFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	_, err := newTestEmbedder(srv.URL).Embed(context.Background(), []string{"hello"})

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbed_RejectsShortResponses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"object":"list","data":[
			{"object":"embedding","index":0,"embedding":[1,0,0,0]}
		],"usage":{"prompt_tokens":2,"total_tokens":2}}`)
	}))
	defer srv.Close()

	_, err := newTestEmbedder(srv.URL).Embed(context.Background(), []string{"one", "two"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 vectors for 2 inputs")
}
