package handler

import (
	"net/http"

	"github.com/freeeve/bandit-arena/internal/auth"
	"github.com/freeeve/bandit-arena/internal/model"
	"github.com/freeeve/bandit-arena/internal/repository"
)

// UserHandler serves the signed-in researcher's profile.
type UserHandler struct {
	userRepo       repository.UserRepository
	experimentRepo repository.ExperimentRepository
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(userRepo repository.UserRepository, experimentRepo repository.ExperimentRepository) *UserHandler {
	return &UserHandler{userRepo: userRepo, experimentRepo: experimentRepo}
}

// profile is the user plus a count of their experiments by status.
type profile struct {
	*model.User
	Experiments map[string]int `json:"experiments"`
}

// GetMe handles GET /api/v1/users/me
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	user, err := h.userRepo.FindByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	exps, err := h.experimentRepo.ListByOwner(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	counts := map[string]int{
		model.StatusPending:  0,
		model.StatusRunning:  0,
		model.StatusFinished: 0,
		model.StatusFailed:   0,
	}
	for _, e := range exps {
		counts[e.Status]++
	}
	writeJSON(w, http.StatusOK, profile{User: user, Experiments: counts})
}
