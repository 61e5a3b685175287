package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/version", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"version": "0.5.4"})
	}))
	defer srv.Close()

	st := NewClient(srv.URL).CheckStatus(context.Background())
	assert.True(t, st.Running)
	assert.Equal(t, "0.5.4", st.Version)
}

func TestCheckStatusDown(t *testing.T) {
	c := NewClient("http://127.0.0.1:1") // nothing listens here
	assert.False(t, c.CheckStatus(context.Background()).Running)
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.2:3b","size":2019393189},{"name":"nomic-embed-text","size":274302450}]}`))
	}))
	defer srv.Close()

	models, err := NewClient(srv.URL).ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3.2:3b", models[0].Name)
}

func TestGenerateCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3.2:3b", req["model"])
		assert.Equal(t, false, req["stream"])
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "42"})
	}))
	defer srv.Close()

	out, err := NewClient(srv.URL).GenerateCompletion(context.Background(), "req-1", "llama3.2:3b", "meaning of life?")
	require.NoError(t, err)
	assert.Equal(t, "42", out)
}

func TestGenerateCompletionErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).GenerateCompletion(context.Background(), "", "nope", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestCancelAbortsCompletion(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = c.GenerateCompletion(context.Background(), "slow-req", "m", "p")
	}()

	<-started
	assert.True(t, c.Cancel("slow-req"))
	wg.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// already gone
	assert.False(t, c.Cancel("slow-req"))
	assert.False(t, c.Cancel("never-existed"))
}

func TestGenerateEmbedding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	vec, err := NewClient(srv.URL).GenerateEmbedding(context.Background(), "nomic-embed-text", "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestGenerateEmbeddingTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := NewClient(srv.URL).GenerateEmbedding(ctx, "m", "p")
	assert.Error(t, err)
}

func TestBuildColumnPrompt(t *testing.T) {
	p := BuildColumnPrompt("which column predicts churn?", []string{"age", "tenure"}, []string{"tenure is months subscribed"})
	assert.Contains(t, p, "age, tenure")
	assert.Contains(t, p, "tenure is months subscribed")
	assert.Contains(t, p, "which column predicts churn?")
}
