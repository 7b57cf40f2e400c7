package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"docket/internal/logging"
	"docket/internal/queue"
)

const defaultPageSize = 50

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// Token guards every route except /health when non-empty.
	Token  string
	Logger *slog.Logger
}

type handlers struct {
	svc    *QueueService
	logger *slog.Logger
}

// NewRouter builds the HTTP API served by `docket serve`.
func NewRouter(svc *QueueService, opts RouterOptions) http.Handler {
	h := &handlers{
		svc:    svc,
		logger: logging.NewComponentLogger(opts.Logger, "api-server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(strings.TrimSpace(opts.Token)))
		r.Get("/dead-letter", h.deadLetter)
		r.Get("/runs", h.runs)
		r.Get("/hearings/{id}", h.hearing)
		r.Get("/published", h.published)
	})
	return r
}

// health answers 200 when the gate passes and 503 when it fails or the
// store cannot be read.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Health(r.Context())
	if err != nil {
		logging.WarnWithContext(h.logger, "health collection failed", "api_health_failed",
			logging.String(logging.FieldErrorHint, "check queue database access"),
			logging.Error(err),
		)
		writeError(h.logger, w, http.StatusServiceUnavailable, err.Error())
		return
	}
	status := http.StatusOK
	if resp.Status != StatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(h.logger, w, status, resp)
}

func (h *handlers) deadLetter(w http.ResponseWriter, r *http.Request) {
	filter := queue.DeadLetterFilter{
		Limit:           queryInt(r, "limit", defaultPageSize),
		Offset:          queryInt(r, "offset", 0),
		IncludeResolved: queryBool(r, "all"),
	}
	resp, err := h.svc.DeadLetter(r.Context(), filter)
	if err != nil {
		writeError(h.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(h.logger, w, http.StatusOK, resp)
}

func (h *handlers) runs(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Runs(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		writeError(h.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(h.logger, w, http.StatusOK, resp)
}

func (h *handlers) hearing(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	resp, err := h.svc.Describe(r.Context(), id)
	if err != nil {
		writeError(h.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	if resp == nil {
		writeError(h.logger, w, http.StatusNotFound, "hearing not found")
		return
	}
	writeJSON(h.logger, w, http.StatusOK, resp)
}

func (h *handlers) published(w http.ResponseWriter, _ *http.Request) {
	resp, err := h.svc.Published()
	if err != nil {
		writeError(h.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(h.logger, w, http.StatusOK, resp)
}
