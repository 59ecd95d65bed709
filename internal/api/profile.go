package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jrobador/mathIA-sub000/internal/diagnostic"
	"github.com/jrobador/mathIA-sub000/internal/domain"
	"github.com/jrobador/mathIA-sub000/internal/identity"
)

// ProfileHandler handles onboarding endpoints: learner profile and the
// diagnostic quiz.
type ProfileHandler struct {
	*Handler
}

// NewProfileHandler creates a profile handler.
func NewProfileHandler(base *Handler) *ProfileHandler {
	return &ProfileHandler{Handler: base}
}

// RegisterRoutes registers profile and diagnostic routes.
func (h *ProfileHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/profile", h.GetProfile)
		r.Post("/profile", h.SaveProfile)
		r.Post("/diagnostic", h.SubmitDiagnostic)
	})
}

// GetProfile handles GET /api/profile.
func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	learner, err := h.repo.GetLearner(r.Context(), userID)
	if err != nil || learner == nil {
		Error(w, http.StatusInternalServerError, "failed to load learner profile")
		return
	}
	JSON(w, http.StatusOK, learner)
}

type saveProfileRequest struct {
	Name         string `json:"name,omitempty"`
	Theme        string `json:"theme,omitempty"`
	LearningPath string `json:"learning_path,omitempty"`
}

// SaveProfile handles POST /api/profile: each onboarding screen saves only
// the choice it collected; empty fields leave stored values untouched.
func (h *ProfileHandler) SaveProfile(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	var req saveProfileRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" && req.Theme == "" && req.LearningPath == "" {
		Error(w, http.StatusBadRequest, "nothing to save")
		return
	}

	now := time.Now()
	err := h.repo.UpsertLearner(r.Context(), &domain.Learner{
		UserID:       userID,
		Name:         req.Name,
		Theme:        req.Theme,
		LearningPath: req.LearningPath,
		LastSeenAt:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to save profile")
		return
	}

	learner, err := h.repo.GetLearner(r.Context(), userID)
	if err != nil || learner == nil {
		Error(w, http.StatusInternalServerError, "failed to load learner profile")
		return
	}
	JSON(w, http.StatusOK, learner)
}

type submitDiagnosticRequest struct {
	Results []diagnostic.Result `json:"results"`
}

type submitDiagnosticResponse struct {
	diagnostic.Summary
	RecommendedLevel string `json:"recommended_level"`
}

// SubmitDiagnostic handles POST /api/diagnostic: scores the quiz, persists
// the raw results alongside the recommended level, and returns both.
func (h *ProfileHandler) SubmitDiagnostic(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	var req submitDiagnosticRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	summary := diagnostic.Score(req.Results)

	raw, err := json.Marshal(req.Results)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid diagnostic results")
		return
	}
	if err := h.repo.SaveDiagnostic(r.Context(), userID, string(raw), string(summary.Tier)); err != nil {
		Error(w, http.StatusInternalServerError, "failed to save diagnostic")
		return
	}

	JSON(w, http.StatusOK, submitDiagnosticResponse{
		Summary:          summary,
		RecommendedLevel: string(summary.Tier),
	})
}
