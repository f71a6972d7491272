package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/brunobiangulo/localdocs"
)

type handler struct {
	db *localdocs.Database
}

func newHandler(db *localdocs.Database) *handler {
	return &handler{db: db}
}

// GET /collections
func (h *handler) handleCollections(w http.ResponseWriter, r *http.Request) {
	items, err := h.db.Collections(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list collections")
		slog.Error("list collections error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"collections": items,
	})
}

// GET /collections/{name}
func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sts, err := h.db.Status(r.Context(), name)
	if errors.Is(err, localdocs.ErrCollectionNotFound) {
		writeError(w, http.StatusNotFound, "collection not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read status")
		slog.Error("status error", "collection", name, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"collection": name,
		"folders":    sts,
	})
}

// POST /collections/{name}/folders
func (h *handler) handleAddFolder(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req struct {
		Path           string `json:"path"`
		EmbeddingModel string `json:"embedding_model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	err := h.db.AddFolder(r.Context(), name, req.Path, req.EmbeddingModel)
	if errors.Is(err, localdocs.ErrFolderNotFound) {
		writeError(w, http.StatusBadRequest, "path must be an existing directory")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to add folder")
		slog.Error("add folder error", "collection", name, "path", req.Path, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"collection": name,
		"path":       req.Path,
		"status":     "indexing",
	})
}

// DELETE /collections/{name}/folders
func (h *handler) handleRemoveFolder(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	err := h.db.RemoveFolder(r.Context(), name, req.Path)
	if errors.Is(err, localdocs.ErrFolderNotFound) || errors.Is(err, localdocs.ErrCollectionNotFound) {
		writeError(w, http.StatusNotFound, "no such collection folder")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to remove folder")
		slog.Error("remove folder error", "collection", name, "path", req.Path, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// POST /collections/{name}/force-index
func (h *handler) handleForceIndexing(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req struct {
		EmbeddingModel string `json:"embedding_model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.EmbeddingModel == "" {
		writeError(w, http.StatusBadRequest, "embedding_model is required")
		return
	}

	err := h.db.ForceIndexing(r.Context(), name, req.EmbeddingModel)
	if errors.Is(err, localdocs.ErrCollectionNotFound) {
		writeError(w, http.StatusNotFound, "collection not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to force indexing")
		slog.Error("force indexing error", "collection", name, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "indexing"})
}

// POST /retrieve
func (h *handler) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Collections []string `json:"collections"`
		Text        string   `json:"text"`
		TopK        int      `json:"top_k,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.TopK < 0 || req.TopK > 100 {
		req.TopK = 0 // use default
	}

	results, err := h.db.Retrieve(r.Context(), req.Collections, req.Text, req.TopK)
	if errors.Is(err, localdocs.ErrEmbeddingFailed) {
		writeError(w, http.StatusBadGateway, "embedding provider unavailable")
		slog.Error("retrieve embedding error", "error", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "retrieval failed")
		slog.Error("retrieve error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
	})
}

// POST /settings/chunk-size
func (h *handler) handleChunkSize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChunkSize int `json:"chunk_size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	err := h.db.ChangeChunkSize(r.Context(), req.ChunkSize)
	if errors.Is(err, localdocs.ErrInvalidConfig) {
		writeError(w, http.StatusBadRequest, "chunk_size must be a positive integer")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to change chunk size")
		slog.Error("chunk size error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chunk_size": req.ChunkSize,
		"status":     "reindexing",
	})
}

// POST /settings/extensions
func (h *handler) handleExtensions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Extensions []string `json:"extensions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	err := h.db.ChangeFileExtensions(r.Context(), req.Extensions)
	if errors.Is(err, localdocs.ErrInvalidConfig) {
		writeError(w, http.StatusBadRequest, "extensions must be a non-empty list")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to change extensions")
		slog.Error("extensions error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"extensions": req.Extensions,
		"status":     "reindexing",
	})
}

// GET /events
// Streams engine events as server-sent events until the client disconnects.
func (h *handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, ok := <-h.db.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
