package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jrobador/mathIA-sub000/internal/diagnostic"
	"github.com/jrobador/mathIA-sub000/internal/domain"
	"github.com/jrobador/mathIA-sub000/internal/identity"
	"github.com/jrobador/mathIA-sub000/internal/transcript"
	"github.com/jrobador/mathIA-sub000/internal/tutor"
)

// maxRequestBodySize bounds lesson request bodies (64KB).
const maxRequestBodySize = 64 << 10

// LessonHandler exposes the tutoring session surface to the child-facing UI.
type LessonHandler struct {
	*Handler
	mgr         *Manager
	rateLimiter *RateLimiter
}

// NewLessonHandler creates a lesson handler.
func NewLessonHandler(base *Handler, mgr *Manager) *LessonHandler {
	return &LessonHandler{
		Handler:     base,
		mgr:         mgr,
		rateLimiter: NewRateLimiter(30, time.Minute),
	}
}

// RegisterRoutes registers lesson routes.
func (h *LessonHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/lesson", func(r chi.Router) {
		r.Post("/start", h.Start)
		r.Post("/answer", h.Answer)
		r.Post("/continue", h.Continue)
		r.Post("/end", h.End)
		r.Post("/clear-evaluation", h.ClearEvaluation)
		r.Post("/clear-messages", h.ClearMessages)
		r.Get("/state", h.State)
		r.Get("/stream", h.Stream)
	})
}

// stateResponse is the consumer-facing view of a lesson session.
type stateResponse struct {
	SessionID         string               `json:"session_id,omitempty"`
	Phase             string               `json:"phase"`
	Output            *domain.AgentOutput  `json:"output,omitempty"`
	Mastery           float64              `json:"mastery"`
	IsLoading         bool                 `json:"is_loading"`
	EvaluationPending bool                 `json:"evaluation_pending"`
	PushConnected     bool                 `json:"push_connected"`
	Error             string               `json:"error,omitempty"`
	Messages          []transcript.Message `json:"messages"`
}

func stateOf(a *transcript.Adapter) stateResponse {
	snap := a.Snapshot()
	resp := stateResponse{
		SessionID:         snap.SessionID,
		Phase:             snap.Phase.String(),
		Output:            snap.Output,
		Mastery:           snap.Mastery,
		IsLoading:         snap.IsLoading,
		EvaluationPending: snap.EvaluationPending,
		PushConnected:     snap.Connected,
		Messages:          a.Messages(),
	}
	if snap.Err != nil {
		resp.Error = snap.Err.Error()
	}
	return resp
}

type startLessonRequest struct {
	Message string `json:"message,omitempty"`
	Topic   string `json:"topic,omitempty"`
}

// Start handles POST /api/lesson/start: it assembles the session-start
// configuration from the learner's stored onboarding choices and begins a
// session. Duplicate triggers are absorbed by the state machine's guard.
func (h *LessonHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	tabID := identity.TabIDFromContext(r.Context())

	var req startLessonRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	learner, err := h.repo.GetLearner(r.Context(), userID)
	if err != nil || learner == nil {
		Error(w, http.StatusInternalServerError, "failed to load learner profile")
		return
	}

	cfg := tutor.StartConfig{
		UserID:         userID,
		Theme:          learner.Theme,
		DisplayMessage: req.Message,
		InitialLevel:   learner.RecommendedLevel,
		InitialTopic:   req.Topic,
		LearningPath:   learner.LearningPath,
	}
	if learner.HasCompletedDiagnostic() {
		cfg.DiagnosticDetails = json.RawMessage(learner.DiagnosticJSON)
		var results []diagnostic.Result
		if err := json.Unmarshal([]byte(learner.DiagnosticJSON), &results); err == nil {
			cfg.DiagnosticScore = diagnostic.Score(results).Percent
		}
	}

	adapter := h.mgr.Adapter(r.Context(), userID, tabID)
	startErr := adapter.Start(r.Context(), transcript.StartOptions{
		Config:         cfg,
		Welcome:        welcomeFor(learner),
		DisplayMessage: req.Message,
	})
	if startErr != nil {
		slog.Warn("lesson start failed", "user_id", userID, "error", startErr)
		h.writeOperationError(w, adapter, startErr)
		return
	}

	JSON(w, http.StatusOK, stateOf(adapter))
}

type answerRequest struct {
	Text string `json:"text"`
}

// Answer handles POST /api/lesson/answer.
func (h *LessonHandler) Answer(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	tabID := identity.TabIDFromContext(r.Context())

	if !h.rateLimiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req answerRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		Error(w, http.StatusBadRequest, "text is required")
		return
	}

	adapter := h.mgr.Adapter(r.Context(), userID, tabID)
	if err := adapter.Send(r.Context(), req.Text); err != nil {
		h.writeOperationError(w, adapter, err)
		return
	}
	JSON(w, http.StatusOK, stateOf(adapter))
}

// Continue handles POST /api/lesson/continue.
func (h *LessonHandler) Continue(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	tabID := identity.TabIDFromContext(r.Context())

	adapter := h.mgr.Adapter(r.Context(), userID, tabID)
	if err := adapter.Continue(r.Context()); err != nil {
		h.writeOperationError(w, adapter, err)
		return
	}
	JSON(w, http.StatusOK, stateOf(adapter))
}

// End handles POST /api/lesson/end. Local state resets regardless of the
// backend teardown outcome, so this always reports success.
func (h *LessonHandler) End(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	tabID := identity.TabIDFromContext(r.Context())

	adapter := h.mgr.Adapter(r.Context(), userID, tabID)
	if err := adapter.End(r.Context()); err != nil {
		slog.Warn("lesson end reported error", "user_id", userID, "error", err)
	}
	JSON(w, http.StatusOK, stateOf(adapter))
}

// ClearEvaluation handles POST /api/lesson/clear-evaluation.
func (h *LessonHandler) ClearEvaluation(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	tabID := identity.TabIDFromContext(r.Context())

	adapter := h.mgr.Adapter(r.Context(), userID, tabID)
	adapter.ClearEvaluation()
	JSON(w, http.StatusOK, stateOf(adapter))
}

// ClearMessages handles POST /api/lesson/clear-messages.
func (h *LessonHandler) ClearMessages(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	tabID := identity.TabIDFromContext(r.Context())

	adapter := h.mgr.Adapter(r.Context(), userID, tabID)
	adapter.ClearMessages()
	JSON(w, http.StatusOK, stateOf(adapter))
}

// State handles GET /api/lesson/state.
func (h *LessonHandler) State(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	tabID := identity.TabIDFromContext(r.Context())

	adapter := h.mgr.Adapter(r.Context(), userID, tabID)
	JSON(w, http.StatusOK, stateOf(adapter))
}

// Stream handles GET /api/lesson/stream: an SSE feed of replaced agent
// outputs so the UI re-renders without polling.
func (h *LessonHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	tabID := identity.TabIDFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	outputs, unsubscribe := h.mgr.SubscribeOutputs(r.Context(), userID, tabID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	slog.Info("lesson stream opened", "user_id", userID, "tab_id", tabID)
	for {
		select {
		case <-r.Context().Done():
			slog.Debug("lesson stream closed", "user_id", userID)
			return
		case out, ok := <-outputs:
			if !ok {
				return
			}
			data, err := json.Marshal(out)
			if err != nil {
				slog.Warn("failed to marshal stream output", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: output\ndata: %s\n\n", data); err != nil {
				slog.Debug("lesson stream write failed", "user_id", userID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// writeOperationError maps state-machine errors onto HTTP statuses. The
// session machinery already recorded the error; the status code just tells
// the UI which failure panel to show.
func (h *LessonHandler) writeOperationError(w http.ResponseWriter, adapter *transcript.Adapter, err error) {
	status := http.StatusBadGateway
	var backendErr *tutor.BackendError
	switch {
	case errors.Is(err, tutor.ErrNoActiveSession):
		status = http.StatusConflict
	case tutor.IsSessionNotFound(err):
		status = http.StatusGone
	case errors.As(err, &backendErr):
		status = http.StatusBadGateway
	}
	resp := stateOf(adapter)
	if resp.Error == "" {
		resp.Error = err.Error()
	}
	JSON(w, status, resp)
}

func welcomeFor(learner *domain.Learner) string {
	if learner.Name != "" {
		return "Hi " + learner.Name + "! Ready for today's math adventure?"
	}
	return "Welcome! Let's do some math."
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}
