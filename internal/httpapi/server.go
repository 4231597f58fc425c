package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inferd/internal/events"
	"inferd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() ([]types.Model, error)
	SelectModel(fileName string) error
	Status(ctx context.Context) (types.StatusResponse, error)
	SubmitAnalysis(req types.AnalyzeRequest) (string, error)
	EnqueueBatch(req types.BatchRequest) (string, error)
	SubmitChat(messages []types.ChatMessage) (string, error)
	RequestStop()
	Ready() bool
	Subscribe(buffer int) (<-chan events.Event, func())
}

type handlers struct {
	svc Service
}

// NewMux builds the router. Configure package options (SetMaxBodyBytes,
// SetCORSOptions, SetLogger) before calling it.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(AccessLog)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	h := &handlers{svc: svc}

	// The websocket stream stays outside the compressed group.
	r.Get("/events", h.events)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Get("/models", h.listModels)
		r.Post("/models/select", h.selectModel)
		r.Get("/status", h.status)
		r.Post("/analyze", h.analyze)
		r.Post("/batch", h.batch)
		r.Post("/chat", h.chat)
		r.Post("/stop", h.stop)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

// decodeJSON enforces the content type and body cap, then decodes into v.
// It writes the error response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// Oversized bodies surface here too; report them as plain bad requests.
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// listModels godoc
// @Summary      List models
// @Description  Rescans the models directory.
// @Tags         models
// @Produce      json
// @Success      200  {object}  types.ModelsResponse
// @Failure      500  {object}  types.ErrorResponse
// @Router       /models [get]
func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.svc.ListModels()
	if err != nil {
		writeServiceError(w, err, "models")
		return
	}
	if models == nil {
		models = []types.Model{}
	}
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models})
}

// selectModel godoc
// @Summary      Select the active model
// @Description  Relaunches the server with the model, or defers the switch while a job drains.
// @Tags         models
// @Accept       json
// @Produce      json
// @Param        body  body      types.SelectRequest  true  "Model to select"
// @Success      204
// @Failure      400  {object}  types.ErrorResponse
// @Failure      404  {object}  types.ErrorResponse
// @Failure      503  {object}  types.ErrorResponse
// @Router       /models/select [post]
func (h *handlers) selectModel(w http.ResponseWriter, r *http.Request) {
	var req types.SelectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	if err := h.svc.SelectModel(req.Model); err != nil {
		writeServiceError(w, err, "select")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// status godoc
// @Summary      Server, queue and resource status
// @Tags         status
// @Produce      json
// @Success      200  {object}  types.StatusResponse
// @Failure      503  {object}  types.ErrorResponse
// @Router       /status [get]
func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context())
	if err != nil {
		writeServiceError(w, err, "status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// analyze godoc
// @Summary      Submit an analysis job
// @Description  One request per item; results arrive on /events. Rejected while any job is in flight.
// @Tags         jobs
// @Accept       json
// @Produce      json
// @Param        body  body      types.AnalyzeRequest  true  "Items to analyse"
// @Success      202   {object}  types.JobResponse
// @Failure      400   {object}  types.ErrorResponse
// @Failure      429   {object}  types.ErrorResponse
// @Router       /analyze [post]
func (h *handlers) analyze(w http.ResponseWriter, r *http.Request) {
	var req types.AnalyzeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		writeJSONError(w, http.StatusBadRequest, "items are required")
		return
	}
	id, err := h.svc.SubmitAnalysis(req)
	if err != nil {
		writeServiceError(w, err, "analyze")
		return
	}
	writeJSON(w, http.StatusAccepted, types.JobResponse{JobID: id})
}

// batch godoc
// @Summary      Enqueue a batch job
// @Description  Appends a shared-prompt job to the batch queue.
// @Tags         jobs
// @Accept       json
// @Produce      json
// @Param        body  body      types.BatchRequest  true  "Batch job"
// @Success      202   {object}  types.JobResponse
// @Failure      400   {object}  types.ErrorResponse
// @Router       /batch [post]
func (h *handlers) batch(w http.ResponseWriter, r *http.Request) {
	var req types.BatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		writeJSONError(w, http.StatusBadRequest, "items are required")
		return
	}
	id, err := h.svc.EnqueueBatch(req)
	if err != nil {
		writeServiceError(w, err, "batch")
		return
	}
	writeJSON(w, http.StatusAccepted, types.JobResponse{JobID: id})
}

// stop godoc
// @Summary      Stop all work
// @Description  Cancels the active job, drops queued jobs and stops the server.
// @Tags         jobs
// @Success      204
// @Router       /stop [post]
func (h *handlers) stop(w http.ResponseWriter, r *http.Request) {
	h.svc.RequestStop()
	w.WriteHeader(http.StatusNoContent)
}
