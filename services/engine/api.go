package engine

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quantlab/alphaflow/internal/domain"
	"github.com/quantlab/alphaflow/internal/kafka"
	"github.com/quantlab/alphaflow/internal/postgres"
	redisstore "github.com/quantlab/alphaflow/internal/redis"
)

// API is the engine's control surface: task lookup, submission and
// pool management.
type API struct {
	store    postgres.TaskStore
	cache    redisstore.StateStore
	producer kafka.Producer
	pool     *Pool
	logger   *slog.Logger
}

// NewAPI builds the HTTP control surface. cache and producer may be
// nil; the matching endpoints then fall back to the store or 503.
func NewAPI(store postgres.TaskStore, cache redisstore.StateStore, producer kafka.Producer, pool *Pool, logger *slog.Logger) *API {
	return &API{
		store:    store,
		cache:    cache,
		producer: producer,
		pool:     pool,
		logger:   logger,
	}
}

// Router assembles the chi router for the API.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", a.submitTask)
		r.Get("/tasks/{id}", a.getTask)
		r.Get("/tasks/{id}/status", a.getTaskStatus)
		r.Get("/tasks", a.listTasks)
		r.Get("/pool/status", a.poolStatus)
		r.Post("/pool/scale", a.scalePool)
	})
	return r
}

func (a *API) submitTask(w http.ResponseWriter, r *http.Request) {
	if a.producer == nil {
		a.writeError(w, http.StatusServiceUnavailable, "submissions disabled")
		return
	}
	var req kafka.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Regular == "" || len(req.Settings) == 0 {
		a.writeError(w, http.StatusBadRequest, "regular and settings are required")
		return
	}

	// Derive the identity here so the caller gets the signature back
	// even though the row is created asynchronously by ingest.
	task, err := BuildTask(req.Regular, req.Priority, req.Settings)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload, _ := json.Marshal(req)
	if err := a.producer.Publish(r.Context(), kafka.TopicTaskSubmissions, task.Signature, payload); err != nil {
		a.logger.Error("failed to publish submission", slog.String("error", err.Error()))
		a.writeError(w, http.StatusBadGateway, "submission broker unavailable")
		return
	}

	a.writeJSON(w, http.StatusAccepted, map[string]string{
		"signature": task.Signature,
		"group_key": task.GroupKey,
	})
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := a.store.GetTask(r.Context(), id)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			a.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		a.logger.Error("task lookup failed", slog.String("task_id", id), slog.String("error", err.Error()))
		a.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	a.writeJSON(w, http.StatusOK, task)
}

// getTaskStatus serves from the Redis cache when possible and only
// falls through to Postgres on a miss.
func (a *API) getTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if a.cache != nil {
		if status, err := a.cache.GetStatus(r.Context(), id); err == nil {
			a.writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": string(status)})
			return
		}
	}

	task, err := a.store.GetTask(r.Context(), id)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			a.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		a.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": string(task.Status)})
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	status := domain.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.StatusPending
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			a.writeError(w, http.StatusBadRequest, "limit must be in 1..500")
			return
		}
		limit = n
	}

	tasks, err := a.store.ListByStatus(r.Context(), status, limit)
	if err != nil {
		a.logger.Error("task list failed", slog.String("error", err.Error()))
		a.writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (a *API) poolStatus(w http.ResponseWriter, _ *http.Request) {
	if a.pool == nil {
		a.writeError(w, http.StatusServiceUnavailable, "pool not running here")
		return
	}
	a.writeJSON(w, http.StatusOK, a.pool.Stats())
}

func (a *API) scalePool(w http.ResponseWriter, r *http.Request) {
	if a.pool == nil {
		a.writeError(w, http.StatusServiceUnavailable, "pool not running here")
		return
	}
	var req struct {
		Delta int `json:"delta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Delta == 0 {
		a.writeError(w, http.StatusBadRequest, "delta must be a non-zero integer")
		return
	}

	var err error
	if req.Delta > 0 {
		err = a.pool.ScaleUp(r.Context(), req.Delta)
	} else {
		err = a.pool.ScaleDown(-req.Delta)
	}
	if err != nil {
		a.writeError(w, http.StatusConflict, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, a.pool.Stats())
}

func (a *API) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (a *API) writeError(w http.ResponseWriter, code int, msg string) {
	a.writeJSON(w, code, map[string]string{"error": msg})
}
