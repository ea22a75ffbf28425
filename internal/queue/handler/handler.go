package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"attest/internal/queue"
	"attest/pkg/platform/sentinel"
)

// Handler exposes the producer enqueue interface and the operator surface of
// the dead-letter queue. It delegates to the queue without embedding pipeline
// logic so transport concerns stay isolated.
type Handler struct {
	queue  queue.Queue
	dlq    queue.DeadLetters
	logger *slog.Logger
}

func New(q queue.Queue, dlq queue.DeadLetters, logger *slog.Logger) *Handler {
	return &Handler{queue: q, dlq: dlq, logger: logger}
}

// Register mounts queue endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/enqueue", h.HandleEnqueue)
	r.Get("/deadletters", h.HandleListDeadLetters)
	r.Post("/deadletters/{id}/replay", h.HandleReplay)
}

type enqueueRequest struct {
	Subject string `json:"subject"`
	Action  string `json:"action"`
	Signal  string `json:"signal"`
}

// HandleEnqueue accepts a verification request from a producer. Validation of
// the request shape happens in the worker; the queue accepts anything the
// producer durably hands over.
func (h *Handler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	id, err := h.queue.Enqueue(r.Context(), queue.Request{
		Subject: req.Subject,
		Action:  req.Action,
		Signal:  req.Signal,
	})
	if err != nil {
		h.logger.Error("enqueue failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "queue unavailable"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// HandleListDeadLetters returns the most recently parked requests.
func (h *Handler) HandleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	letters, err := h.dlq.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("dead letter list failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list failed"})
		return
	}
	if letters == nil {
		letters = []queue.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

// HandleReplay moves a dead letter back to ingress for a fresh attempt.
func (h *Handler) HandleReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.dlq.Replay(r.Context(), id); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown dead letter"})
			return
		}
		h.logger.Error("replay failed", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "replay failed"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
