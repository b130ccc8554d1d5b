// Package http provides the recalld HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/open-assistants-lab/recall/internal/chunk"
	"github.com/open-assistants-lab/recall/internal/partition"
	"github.com/open-assistants-lab/recall/internal/search"
	"github.com/open-assistants-lab/recall/internal/store"
)

// Server exposes the store and search engine over HTTP.
type Server struct {
	echo   *echo.Echo
	store  *store.Store
	search *search.Engine
	logger *zap.Logger
	addr   string
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(st *store.Store, engine *search.Engine, logger *zap.Logger, addr string) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("search engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if addr == "" {
		addr = ":8090"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:   e,
		store:  st,
		search: engine,
		logger: logger,
		addr:   addr,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/documents", s.handleInsert)
	v1.DELETE("/documents/:id", s.handleDelete)
	v1.POST("/search", s.handleSearch)
}

// InsertRequest is the request body for POST /api/v1/documents.
type InsertRequest struct {
	Workspace  string         `json:"workspace"`
	Thread     string         `json:"thread"`
	DocumentID string         `json:"document_id"`
	Text       string         `json:"text"`
	Metadata   chunk.Metadata `json:"metadata"`
}

// InsertResponse is the response body for POST /api/v1/documents.
type InsertResponse struct {
	DocumentID string `json:"document_id"`
	Partition  string `json:"partition"`
	Chunks     int    `json:"chunks"`
}

// SearchRequest is the request body for POST /api/v1/search. The weights
// are optional; when both are omitted the server's configured fusion
// weights apply.
type SearchRequest struct {
	Workspace     string  `json:"workspace"`
	Thread        string  `json:"thread"`
	Query         string  `json:"query"`
	Limit         int     `json:"limit"`
	Mode          string  `json:"mode"`
	AllChunks     bool    `json:"all_chunks"`
	LexicalWeight float64 `json:"lexical_weight"`
	VectorWeight  float64 `json:"vector_weight"`
}

// SearchHit is one result in a SearchResponse.
type SearchHit struct {
	ChunkID      string         `json:"chunk_id"`
	DocumentID   string         `json:"document_id"`
	Ordinal      int            `json:"ordinal"`
	Content      string         `json:"content"`
	Score        float64        `json:"score"`
	LexicalScore float64        `json:"lexical_score,omitempty"`
	VectorScore  float64        `json:"vector_score,omitempty"`
	Metadata     chunk.Metadata `json:"metadata,omitempty"`
}

// SearchResponse is the response body for POST /api/v1/search.
type SearchResponse struct {
	Results []SearchHit `json:"results"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleInsert(c echo.Context) error {
	var req InsertRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	key := partition.NewKey(req.Workspace, req.Thread)
	doc, chunks, err := s.store.Insert(c.Request().Context(), key, chunk.Document{
		ID:       req.DocumentID,
		Text:     req.Text,
		Metadata: req.Metadata,
	})
	if err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusCreated, InsertResponse{
		DocumentID: doc.ID,
		Partition:  key.String(),
		Chunks:     len(chunks),
	})
}

func (s *Server) handleDelete(c echo.Context) error {
	documentID := c.Param("id")
	key := partition.NewKey(c.QueryParam("workspace"), c.QueryParam("thread"))

	if err := s.store.Delete(c.Request().Context(), key, documentID); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	switch search.Mode(req.Mode) {
	case "", search.ModeHybrid, search.ModeLexical, search.ModeVector:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown search mode %q", req.Mode))
	}

	key := partition.NewKey(req.Workspace, req.Thread)
	results, err := s.search.Search(c.Request().Context(), key, req.Query, search.Options{
		Limit:         req.Limit,
		Mode:          search.Mode(req.Mode),
		AllChunks:     req.AllChunks,
		LexicalWeight: req.LexicalWeight,
		VectorWeight:  req.VectorWeight,
	})
	if err != nil {
		return s.mapError(err)
	}

	hits := make([]SearchHit, len(results))
	for i, r := range results {
		hits[i] = SearchHit{
			ChunkID:      r.Chunk.ID,
			DocumentID:   r.Chunk.DocumentID,
			Ordinal:      r.Chunk.Ordinal,
			Content:      r.Chunk.Content,
			Score:        r.Score,
			LexicalScore: r.LexicalScore,
			VectorScore:  r.VectorScore,
			Metadata:     r.Chunk.Metadata,
		}
	}
	return c.JSON(http.StatusOK, SearchResponse{Results: hits})
}

// mapError translates store errors to HTTP status codes.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, store.ErrInvalidDocument), errors.Is(err, store.ErrInvalidPartition),
		errors.Is(err, search.ErrInvalidWeights):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrDocumentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrSchemaMismatch):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrEmbeddingFailed):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("internal error", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.addr))
	return s.echo.Start(s.addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
