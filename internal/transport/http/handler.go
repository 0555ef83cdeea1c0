package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"ai-worker/internal/entity"
	"ai-worker/internal/service"
	"ai-worker/internal/worker"
)

// StatsSource is implemented by *worker.Stats.
type StatsSource interface {
	Snapshot() worker.StatsSnapshot
}

// Readiness reports the broker consumer state (implementation: *service.RabbitQueue).
type Readiness interface {
	State() service.State
}

type PoisonLister interface {
	Recent(ctx context.Context, limit int64) ([]entity.PoisonMessage, error)
}

type Handler struct {
	jobSvc *service.JobService
	stats  StatsSource
	ready  Readiness
	poison PoisonLister
}

type HandlerOption func(*Handler)

// WithPoisonLister enables GET /poison.
func WithPoisonLister(p PoisonLister) HandlerOption {
	return func(h *Handler) { h.poison = p }
}

func NewHandler(jobSvc *service.JobService, stats StatsSource, ready Readiness, opts ...HandlerOption) *Handler {
	h := &Handler{jobSvc: jobSvc, stats: stats, ready: ready}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type createJobDTO struct {
	JobID      string `json:"job_id,omitempty"`
	SourceFile string `json:"source_file"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
	Duration   int64  `json:"duration,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

type createJobResp struct {
	ID string `json:"id"`
}

type readyResp struct {
	Status string `json:"status"`
	Queue  string `json:"queue"`
}

type poisonResp struct {
	ID         string `json:"id"`
	Queue      string `json:"queue"`
	MessageID  string `json:"message_id,omitempty"`
	Reason     string `json:"reason"`
	Body       string `json:"body"`
	ReceivedAt string `json:"received_at"`
}

// CreateJob godoc
// @Summary Enqueue a job
// @Description Validates the descriptor and publishes it to the jobs queue, the same way the api-gateway does.
// @Tags jobs
// @Accept json
// @Produce json
// @Param X-Service-API-Key header string true "service api key"
// @Param request body createJobDTO true "job descriptor (job_id generated when empty)"
// @Success 202 {object} createJobResp
// @Failure 400 {object} apiError
// @Failure 401 {object} apiError
// @Failure 500 {object} apiError
// @Router /jobs [post]
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var dto createJobDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	id, err := h.jobSvc.CreateJob(r.Context(), service.CreateJobRequest{
		JobID:      dto.JobID,
		SourceFile: dto.SourceFile,
		SourceLang: dto.SourceLang,
		TargetLang: dto.TargetLang,
		Duration:   dto.Duration,
		UserID:     dto.UserID,
	})
	if err != nil {
		if errors.Is(err, entity.ErrInvalidJob) {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("enqueue job", slog.String("job_id", dto.JobID), slog.String("error", err.Error()))
		writeErr(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	writeJSON(w, http.StatusAccepted, createJobResp{ID: id})
}

// Stats godoc
// @Summary Worker counters since start
// @Tags ops
// @Produce json
// @Success 200 {object} worker.StatsSnapshot
// @Router /stats [get]
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Snapshot())
}

// Ready godoc
// @Summary Readiness check
// @Description 200 while the worker is consuming from the broker, 503 otherwise.
// @Tags ops
// @Produce json
// @Success 200 {object} readyResp
// @Failure 503 {object} readyResp
// @Router /ready [get]
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	state := h.ready.State()
	if state != service.StateConsuming {
		writeJSON(w, http.StatusServiceUnavailable, readyResp{Status: "not ready", Queue: state.String()})
		return
	}
	writeJSON(w, http.StatusOK, readyResp{Status: "ready", Queue: state.String()})
}

// ListPoison godoc
// @Summary Recently dropped messages
// @Tags ops
// @Produce json
// @Param limit query int false "max records (default 50, max 500)"
// @Success 200 {array} poisonResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 500 {object} apiError
// @Router /poison [get]
func (h *Handler) ListPoison(w http.ResponseWriter, r *http.Request) {
	if h.poison == nil {
		writeErr(w, http.StatusNotFound, "poison audit disabled")
		return
	}

	limit := int64(50)
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			writeErr(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, 500)
	}

	msgs, err := h.poison.Recent(r.Context(), limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "poison audit unavailable")
		return
	}

	resp := make([]poisonResp, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, poisonResp{
			ID:         m.ID.String(),
			Queue:      m.Queue,
			MessageID:  m.MessageID,
			Reason:     m.Reason,
			Body:       string(m.Body),
			ReceivedAt: m.ReceivedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
