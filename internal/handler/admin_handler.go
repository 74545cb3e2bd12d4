// Package handler provides the HTTP handlers for the admin and routing
// APIs.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/devrev/shardrouter/internal/directory"
	"github.com/devrev/shardrouter/internal/migration"
	"github.com/devrev/shardrouter/internal/router"
	"github.com/devrev/shardrouter/internal/strategy"
)

// ErrorCode represents application-specific error codes.
type ErrorCode string

const (
	ErrorCodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrorCodeShardNotFound     ErrorCode = "SHARD_NOT_FOUND"
	ErrorCodeShardBusy         ErrorCode = "SHARD_BUSY"
	ErrorCodeSpanBusy          ErrorCode = "SPAN_BUSY"
	ErrorCodeIllegalTransition ErrorCode = "ILLEGAL_TRANSITION"
	ErrorCodeMigrationNotFound ErrorCode = "MIGRATION_NOT_FOUND"
	ErrorCodeMigrationFinished ErrorCode = "MIGRATION_FINISHED"
	ErrorCodeNoShards          ErrorCode = "NO_SHARDS_AVAILABLE"
	ErrorCodeShardUnavailable  ErrorCode = "SHARD_UNAVAILABLE"
	ErrorCodeInternalError     ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Status    string    `json:"status"`
	ErrorCode ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
}

// Handlers contains the HTTP handlers and their dependencies.
type Handlers struct {
	rt     *router.Router
	logger *zap.Logger
}

// NewHandlers creates a Handlers instance over the router facade.
func NewHandlers(rt *router.Router, logger *zap.Logger) *Handlers {
	return &Handlers{rt: rt, logger: logger}
}

type addShardRequest struct {
	Endpoint string `json:"endpoint"`
	Weight   int    `json:"weight"`
}

type addShardResponse struct {
	ShardID string `json:"shard_id"`
}

// AddShard handles POST /shards.
func (h *Handlers) AddShard(w http.ResponseWriter, r *http.Request) {
	var req addShardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "endpoint is required")
		return
	}

	shardID, err := h.rt.AddShard(r.Context(), req.Endpoint, req.Weight)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, addShardResponse{ShardID: shardID})
}

// RemoveShard handles DELETE /shards/{shardID}.
func (h *Handlers) RemoveShard(w http.ResponseWriter, r *http.Request) {
	shardID := chi.URLParam(r, "shardID")
	if err := h.rt.RemoveShard(r.Context(), shardID); err != nil {
		h.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ListShards handles GET /shards.
func (h *Handlers) ListShards(w http.ResponseWriter, r *http.Request) {
	shards, err := h.rt.ListShards(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, shards)
}

// GetMigration handles GET /migrations/{taskID}.
func (h *Handlers) GetMigration(w http.ResponseWriter, r *http.Request) {
	task, err := h.rt.GetMigration(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

// ListMigrations handles GET /migrations.
func (h *Handlers) ListMigrations(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.rt.ListMigrations())
}

// AbortMigration handles POST /migrations/{taskID}/abort.
func (h *Handlers) AbortMigration(w http.ResponseWriter, r *http.Request) {
	if err := h.rt.AbortMigration(r.Context(), chi.URLParam(r, "taskID")); err != nil {
		h.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetryMigration handles POST /migrations/{taskID}/retry.
func (h *Handlers) RetryMigration(w http.ResponseWriter, r *http.Request) {
	if err := h.rt.RetryMigration(r.Context(), chi.URLParam(r, "taskID")); err != nil {
		h.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Resolve handles GET /resolve?key=...&intent=read|write.
func (h *Handlers) Resolve(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "key is required")
		return
	}
	intent := router.Intent(r.URL.Query().Get("intent"))
	switch intent {
	case "":
		intent = router.IntentRead
	case router.IntentRead, router.IntentWrite:
	default:
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "intent must be read or write")
		return
	}

	res, err := h.rt.Resolve(key, intent)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, directory.ErrShardNotFound):
		h.writeError(w, http.StatusNotFound, ErrorCodeShardNotFound, err.Error())
	case errors.Is(err, directory.ErrShardBusy):
		h.writeError(w, http.StatusConflict, ErrorCodeShardBusy, err.Error())
	case errors.Is(err, directory.ErrIllegalTransition):
		h.writeError(w, http.StatusConflict, ErrorCodeIllegalTransition, err.Error())
	case errors.Is(err, migration.ErrSpanBusy):
		h.writeError(w, http.StatusConflict, ErrorCodeSpanBusy, err.Error())
	case errors.Is(err, migration.ErrTaskNotFound):
		h.writeError(w, http.StatusNotFound, ErrorCodeMigrationNotFound, err.Error())
	case errors.Is(err, migration.ErrTaskTerminal), errors.Is(err, migration.ErrNotStalled):
		h.writeError(w, http.StatusConflict, ErrorCodeMigrationFinished, err.Error())
	case errors.Is(err, strategy.ErrNoShardsAvailable):
		h.writeError(w, http.StatusServiceUnavailable, ErrorCodeNoShards, err.Error())
	case errors.Is(err, router.ErrShardUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, ErrorCodeShardUnavailable, err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, ErrorCodeInternalError, "internal error")
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	h.writeJSON(w, status, ErrorResponse{Status: "error", ErrorCode: code, Message: message})
}
