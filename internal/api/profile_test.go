package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/jrobador/mathIA-sub000/internal/config"
	"github.com/jrobador/mathIA-sub000/internal/diagnostic"
	"github.com/jrobador/mathIA-sub000/internal/domain"
	"github.com/jrobador/mathIA-sub000/internal/identity"
)

func newProfileTestServer(t *testing.T, repo *fakeRepo) http.Handler {
	t.Helper()
	handler := NewProfileHandler(NewHandler(repo, &config.Config{}))

	r := chi.NewRouter()
	r.Use(identity.Middleware(repo, true))
	handler.RegisterRoutes(r)
	return r
}

func TestSaveProfileAccumulatesAcrossScreens(t *testing.T) {
	repo := newFakeRepo()
	srv := newProfileTestServer(t, repo)
	client := newAPIClient(srv)

	// Each onboarding screen posts only the field it collected.
	if rr := client.do(http.MethodPost, "/api/profile", "tab-a", map[string]string{"name": "Ada"}); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 saving name, got %d", rr.Code)
	}
	rr := client.do(http.MethodPost, "/api/profile", "tab-a", map[string]string{"theme": "dinosaurs"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 saving theme, got %d", rr.Code)
	}

	var learner domain.Learner
	if err := json.NewDecoder(rr.Body).Decode(&learner); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if learner.Name != "Ada" {
		t.Errorf("expected earlier name to survive, got %q", learner.Name)
	}
	if learner.Theme != "dinosaurs" {
		t.Errorf("expected theme dinosaurs, got %q", learner.Theme)
	}
}

func TestSaveProfileRejectsEmptyBody(t *testing.T) {
	repo := newFakeRepo()
	srv := newProfileTestServer(t, repo)
	client := newAPIClient(srv)

	rr := client.do(http.MethodPost, "/api/profile", "tab-a", map[string]string{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestSubmitDiagnosticScoresAndPersists(t *testing.T) {
	repo := newFakeRepo()
	srv := newProfileTestServer(t, repo)
	client := newAPIClient(srv)

	body := map[string]any{
		"results": []diagnostic.Result{
			{QuestionID: "q1", Correct: true},
			{QuestionID: "q2", Correct: true},
			{QuestionID: "q3", Correct: false},
			{QuestionID: "q4", Correct: true},
		},
	}
	rr := client.do(http.MethodPost, "/api/diagnostic", "tab-a", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp submitDiagnosticResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Percent != 75 {
		t.Errorf("expected 75 percent, got %v", resp.Percent)
	}
	if resp.RecommendedLevel != string(diagnostic.TierIntermediate) {
		t.Errorf("expected intermediate level, got %q", resp.RecommendedLevel)
	}

	repo.mu.Lock()
	savedLevel := repo.diagLevel
	savedJSON := repo.diagJSON
	repo.mu.Unlock()
	if savedLevel != string(diagnostic.TierIntermediate) {
		t.Errorf("expected persisted level intermediate, got %q", savedLevel)
	}
	if savedJSON == "" {
		t.Error("expected raw diagnostic results to be persisted")
	}
}
