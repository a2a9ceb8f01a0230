package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopy-rag/canopy/pkg/models"
)

func TestPassthroughReranker(t *testing.T) {
	chunks := []models.Chunk{chunk("a", 0.9), chunk("b", 0.8), chunk("c", 0.7)}

	out, err := PassthroughReranker{}.Rerank(context.Background(), "q", chunks, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(out))

	// topN larger than the input returns everything.
	out, err = PassthroughReranker{}.Rerank(context.Background(), "q", chunks, 10)
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestHTTPReranker_ReordersByProviderScore(t *testing.T) {
	var gotReq rerankRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 2, "relevance_score": 0.95},
				{"index": 0, "relevance_score": 0.40},
			},
		})
	}))
	defer srv.Close()

	chunks := []models.Chunk{chunk("a", 0.9), chunk("b", 0.8), chunk("c", 0.7)}
	rr := NewHTTPReranker(srv.URL, "key", "rerank-v3.5", nil)

	out, err := rr.Rerank(context.Background(), "billing query", chunks, 2)
	require.NoError(t, err)

	assert.Equal(t, []string{"c", "a"}, ids(out))
	assert.Equal(t, 0.95, out[0].Score)
	assert.Equal(t, "rerank-v3.5", gotReq.Model)
	assert.Equal(t, 2, gotReq.TopN)
	assert.Len(t, gotReq.Documents, 3)
}

func TestHTTPReranker_OutOfRangeIndexIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 7, "relevance_score": 0.99},
				{"index": 1, "relevance_score": 0.80},
			},
		})
	}))
	defer srv.Close()

	chunks := []models.Chunk{chunk("a", 0.9), chunk("b", 0.8)}
	rr := NewHTTPReranker(srv.URL, "", "rerank-v3.5", nil)

	out, err := rr.Rerank(context.Background(), "q", chunks, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(out))
}

func TestHTTPReranker_ErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	rr := NewHTTPReranker(srv.URL, "", "rerank-v3.5", nil)
	_, err := rr.Rerank(context.Background(), "q", []models.Chunk{chunk("a", 0.9)}, 1)
	assert.Error(t, err)
}

func TestHTTPReranker_EmptyInput(t *testing.T) {
	rr := NewHTTPReranker("http://unused", "", "rerank-v3.5", nil)
	out, err := rr.Rerank(context.Background(), "q", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, out)
}
