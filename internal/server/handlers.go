package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/mirip/internal/config"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/search"
	"github.com/hyperjump/mirip/internal/storage"
	"github.com/hyperjump/mirip/internal/vector"
)

func (s *Server) handleSearchImage(w http.ResponseWriter, r *http.Request) {
	k, ok := s.queryK(w, r, s.config.Search.DefaultLimit)
	if !ok {
		return
	}
	maxBytes := s.config.Server.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = config.DefaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge, "image too large")
			return
		}
		s.respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "could not read upload")
		return
	}

	s.logger.Debug("image search request", zap.String("filename", header.Filename), zap.Int("bytes", len(data)), zap.Int("k", k))
	resp, err := s.engine.QueryByImage(r.Context(), data, k)
	if err != nil {
		s.respondQueryError(w, "image search", err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearchVector(w http.ResponseWriter, r *http.Request) {
	var query models.VectorQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := query.Validate(s.config.Search.DefaultLimit, s.config.Search.MaxLimit); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Debug("vector search request", zap.Int("dimensions", len(query.Vector)), zap.Int("k", query.K))
	resp, err := s.engine.QueryByVector(r.Context(), query.Vector, query.K, query.ExcludeID)
	if err != nil {
		s.respondQueryError(w, "vector search", err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleItemSimilar(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	k, ok := s.queryK(w, r, s.config.Search.ItemDefaultLimit)
	if !ok {
		return
	}
	s.logger.Debug("similar items request", zap.Int64("id", id), zap.Int("k", k))
	resp, err := s.engine.QueryByItem(r.Context(), id, k)
	if err != nil {
		s.respondQueryError(w, "similar items", err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("resync requested")
	s.index.Resync()
	s.respondJSON(w, http.StatusAccepted, s.index.Status())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := models.StatusResponse{
		Index: s.index.Status(),
		Config: models.StatusConfig{
			EmbeddingDimensions: s.config.Embedding.Dimensions,
			DatabasePath:        s.config.Storage.DatabasePath,
			ModelPath:           s.config.Embedding.ModelPath,
			PageSize:            s.config.Index.PageSize,
			ParallelThreshold:   s.config.Index.ParallelThresholdOrDefault(),
			WatchStore:          s.config.Index.WatchStore,
		},
	}
	if size, err := storage.DatabaseSizeBytes(s.config.Storage.DatabasePath); err == nil {
		resp.DatabaseSizeBytes = &size
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// queryK reads ?k=, applying def when absent or zero and capping at the configured maximum.
func (s *Server) queryK(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	k := 0
	if raw := r.URL.Query().Get("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "k must be an integer")
			return 0, false
		}
		k = n
	}
	k, err := models.ClampK(k, def, s.config.Search.MaxLimit)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return k, true
}

func (s *Server) respondQueryError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, search.ErrCouldNotProcessImage):
		s.respondError(w, http.StatusBadRequest, "could not process image")
	case errors.Is(err, vector.ErrNotReady):
		s.respondError(w, http.StatusServiceUnavailable, "index not ready")
	case errors.Is(err, vector.ErrDimensionMismatch),
		errors.Is(err, vector.ErrInvalidVector),
		errors.Is(err, vector.ErrInvalidK):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.respondError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
