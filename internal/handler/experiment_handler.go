package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/freeeve/bandit-arena/internal/arena"
	"github.com/freeeve/bandit-arena/internal/auth"
	"github.com/freeeve/bandit-arena/internal/service"
)

const maxExperimentBody = 1 << 20

// ExperimentHandler handles experiment submission and result endpoints.
type ExperimentHandler struct {
	experimentSvc *service.ExperimentService
}

// NewExperimentHandler creates an ExperimentHandler.
func NewExperimentHandler(experimentSvc *service.ExperimentService) *ExperimentHandler {
	return &ExperimentHandler{experimentSvc: experimentSvc}
}

// CreateExperiment handles POST /api/v1/experiments. The body is an
// experiment definition in JSON or YAML. A seeded definition that already
// finished answers 200 with the stored report; otherwise the run starts in
// the background and the handler answers 202.
func (h *ExperimentHandler) CreateExperiment(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxExperimentBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	cfg, err := arena.ParseExperiment(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := h.experimentSvc.Submit(r.Context(), userID, *cfg)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if sub.Cached {
		writeJSON(w, http.StatusOK, sub)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

// ListExperiments handles GET /api/v1/experiments
func (h *ExperimentHandler) ListExperiments(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	exps, err := h.experimentSvc.List(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exps)
}

// GetExperiment handles GET /api/v1/experiments/{id}
func (h *ExperimentHandler) GetExperiment(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	exp, err := h.experimentSvc.Get(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// GetResults handles GET /api/v1/experiments/{id}/results
func (h *ExperimentHandler) GetResults(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	rows, err := h.experimentSvc.Results(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// writeServiceError maps service and arena errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, arena.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrTooLarge):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrAlreadyRunning):
		status = http.StatusConflict
	case errors.Is(err, service.ErrExperimentNotFound), errors.Is(err, service.ErrNotOwner):
		// Foreign experiments look the same as missing ones.
		writeError(w, http.StatusNotFound, service.ErrExperimentNotFound.Error())
		return
	}
	writeError(w, status, err.Error())
}
