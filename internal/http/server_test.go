package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/open-assistants-lab/recall/internal/search"
	"github.com/open-assistants-lab/recall/internal/store"
)

type fixedEmbedder struct{}

func (fixedEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.6, 0.8}
	}
	return out, nil
}

func (fixedEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{0.6, 0.8}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.New(store.Config{
		Path: filepath.Join(t.TempDir(), "recall.db"),
	}, fixedEmbedder{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engine, err := search.NewEngine(st, search.Config{}, zap.NewNop())
	require.NoError(t, err)

	s, err := NewServer(st, engine, zap.NewNop(), ":0")
	require.NoError(t, err)
	return s
}

func doJSON(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestInsertDocument(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/api/v1/documents",
		`{"workspace":"ws","thread":"th","document_id":"doc1","text":"First paragraph.\n\nSecond paragraph."}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp InsertResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "doc1", resp.DocumentID)
	assert.Equal(t, "ws__th", resp.Partition)
	assert.Equal(t, 2, resp.Chunks)
}

func TestInsertGeneratesID(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/api/v1/documents",
		`{"workspace":"ws","thread":"th","text":"hello"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp InsertResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.DocumentID)
}

func TestInsertInvalidMetadata(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/api/v1/documents",
		`{"workspace":"ws","thread":"th","text":"hello","metadata":{"nested":{"not":"allowed"}}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInsertMalformedBody(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/api/v1/documents", `{"text": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchRoundTrip(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/api/v1/documents",
		`{"workspace":"ws","thread":"th","document_id":"doc1","text":"alpha beta gamma"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(s, http.MethodPost, "/api/v1/search",
		`{"workspace":"ws","thread":"th","query":"alpha","limit":5}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "doc1#00000", resp.Results[0].ChunkID)
	assert.Equal(t, "doc1", resp.Results[0].DocumentID)
	assert.Equal(t, "alpha beta gamma", resp.Results[0].Content)
	assert.Greater(t, resp.Results[0].Score, 0.0)
}

func TestSearchPerRequestWeights(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/api/v1/documents",
		`{"workspace":"ws","thread":"th","document_id":"doc1","text":"alpha beta"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Lexical-only weights exclude the vector-only match for a query
	// with no term overlap.
	rec = doJSON(s, http.MethodPost, "/api/v1/search",
		`{"workspace":"ws","thread":"th","query":"unrelated","lexical_weight":1,"vector_weight":0}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Results)

	rec = doJSON(s, http.MethodPost, "/api/v1/search",
		`{"workspace":"ws","thread":"th","query":"unrelated","lexical_weight":0,"vector_weight":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "doc1#00000", resp.Results[0].ChunkID)
}

func TestSearchNegativeWeights(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/api/v1/search",
		`{"workspace":"ws","thread":"th","query":"x","lexical_weight":-1,"vector_weight":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchUnknownMode(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/api/v1/search",
		`{"workspace":"ws","thread":"th","query":"x","mode":"psychic"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteDocument(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/api/v1/documents",
		`{"workspace":"ws","thread":"th","document_id":"doc1","text":"alpha beta"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(s, http.MethodDelete, "/api/v1/documents/doc1?workspace=ws&thread=th", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(s, http.MethodPost, "/api/v1/search",
		`{"workspace":"ws","thread":"th","query":"alpha","mode":"lexical"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Results)
}

func TestDeleteAbsentDocument(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodDelete, "/api/v1/documents/ghost?workspace=ws&thread=th", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
