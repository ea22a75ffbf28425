package render

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"
)

var (
	rendersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attest_renders_total",
		Help: "Render requests, labeled by result",
	}, []string{"result"})
)

// Handler serves the render endpoint. It is stateless and unauthenticated:
// the payloads it draws carry no secrets, and the concurrency ceiling is the
// only admission control. Beyond the ceiling, requests are rejected with 503
// rather than queued, so a render burst cannot hold worker invocation slots.
type Handler struct {
	encoder Encoder
	sem     *semaphore.Weighted
	maxAge  time.Duration
	logger  *slog.Logger
}

// New constructs a render handler bounded to `concurrency` simultaneous
// encodes.
func New(encoder Encoder, concurrency int64, maxAge time.Duration, logger *slog.Logger) *Handler {
	return &Handler{
		encoder: encoder,
		sem:     semaphore.NewWeighted(concurrency),
		maxAge:  maxAge,
		logger:  logger,
	}
}

// Register mounts render endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/render", h.HandleRender)
	r.Post("/render", h.HandleRender)
	r.Options("/render", h.handlePreflight)
}

type renderRequest struct {
	Payload string `json:"payload"`
}

// HandleRender renders the payload as an image. Accepts the payload either as
// a `payload` query parameter or a JSON body.
func (h *Handler) HandleRender(w http.ResponseWriter, r *http.Request) {
	allowCORS(w)

	if !h.sem.TryAcquire(1) {
		rendersTotal.WithLabelValues("overloaded").Inc()
		writeJSONError(w, http.StatusServiceUnavailable, "overloaded")
		return
	}
	defer h.sem.Release(1)

	payload := r.URL.Query().Get("payload")
	if payload == "" && r.Body != nil {
		var req renderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			payload = req.Payload
		}
	}
	if payload == "" {
		rendersTotal.WithLabelValues("invalid").Inc()
		writeJSONError(w, http.StatusBadRequest, "payload required")
		return
	}

	img, err := h.encoder.Encode(payload)
	if err != nil {
		rendersTotal.WithLabelValues("error").Inc()
		h.logger.Error("render failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "render failed")
		return
	}

	rendersTotal.WithLabelValues("ok").Inc()
	w.Header().Set("Content-Type", h.encoder.ContentType())
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(h.maxAge.Seconds())))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

func (h *Handler) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	allowCORS(w)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func allowCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
