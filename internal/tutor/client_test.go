package tutor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jrobador/mathIA-sub000/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(ClientConfig{BaseURL: srv.URL, RequestTimeout: 2 * time.Second}, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client, srv
}

func TestStartSession(t *testing.T) {
	t.Parallel()

	var gotBody StartConfig
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/session/start" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(StartResult{
			SessionID:     "sess-9",
			InitialOutput: &domain.AgentOutput{Text: "hello", Action: domain.ActionStep},
		})
	}))

	result, err := client.StartSession(context.Background(), StartConfig{
		UserID: "anon_1", Theme: "space", InitialLevel: "beginner",
	})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if result.SessionID != "sess-9" {
		t.Fatalf("unexpected session id: %q", result.SessionID)
	}
	if gotBody.Theme != "space" || gotBody.InitialLevel != "beginner" {
		t.Fatalf("request body not forwarded: %+v", gotBody)
	}
}

func TestStartSessionRejectsEmptySessionID(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(StartResult{})
	}))

	_, err := client.StartSession(context.Background(), StartConfig{})
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("expected BackendError, got %v", err)
	}
}

func TestSubmitAnswerErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		body     string
		wantGone bool
	}{
		{"backend failure", http.StatusInternalServerError, `{"error":"model unavailable"}`, false},
		{"http 404", http.StatusNotFound, `{"error":"unknown session"}`, true},
		{"error code", http.StatusBadRequest, `{"error":"gone","code":"session_not_found"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))

			_, err := client.SubmitAnswer(context.Background(), "sess-1", "42")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := IsSessionNotFound(err); got != tt.wantGone {
				t.Fatalf("IsSessionNotFound = %v, want %v (err=%v)", got, tt.wantGone, err)
			}
			if !tt.wantGone {
				var be *BackendError
				if !errors.As(err, &be) {
					t.Fatalf("expected BackendError, got %v", err)
				}
				if be.Message != "model unavailable" {
					t.Fatalf("server message not surfaced: %q", be.Message)
				}
			}
		})
	}
}

func TestNetworkErrorOnUnreachableBackend(t *testing.T) {
	t.Parallel()

	client, err := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1", RequestTimeout: 500 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = client.SubmitAnswer(context.Background(), "sess-1", "1")
	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
}

func TestRequestTimeoutSurfacesAsNetworkError(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server watches the connection; the context is
		// then cancelled when the timed-out client goes away, unblocking the
		// handler and letting the server shut down cleanly.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	client.http.Timeout = 200 * time.Millisecond

	_, err := client.SubmitAnswer(context.Background(), "sess-1", "1")
	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NetworkError on timeout, got %v", err)
	}
}

func TestEndSessionAndContinue(t *testing.T) {
	t.Parallel()

	var sawDelete, sawContinue bool
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete && r.URL.Path == "/api/session/sess-1":
			sawDelete = true
		case r.Method == http.MethodPost && r.URL.Path == "/api/session/sess-1/continue":
			sawContinue = true
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	if err := client.RequestContinue(context.Background(), "sess-1"); err != nil {
		t.Fatalf("RequestContinue failed: %v", err)
	}
	if err := client.EndSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if !sawDelete || !sawContinue {
		t.Fatalf("expected both requests, delete=%v continue=%v", sawDelete, sawContinue)
	}
}

func TestSessionStatus(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/session/sess-1/status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(SessionStatus{
			SessionID:    "sess-1",
			CurrentTopic: "fractions",
			Mastery:      map[string]float64{"fractions": 0.7},
			Active:       true,
		})
	}))

	status, err := client.SessionStatus(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("SessionStatus failed: %v", err)
	}
	if status.CurrentTopic != "fractions" || status.Mastery["fractions"] != 0.7 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestParsePushMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		wantKind PushKind
		check    func(t *testing.T, msg PushMessage)
	}{
		{
			name:     "agent response",
			raw:      `{"type":"agent-response","seq":3,"data":{"text":"next","action":"step","requires_input":true}}`,
			wantKind: PushAgentResponse,
			check: func(t *testing.T, msg PushMessage) {
				if msg.Output == nil || msg.Output.Text != "next" || !msg.Output.RequiresInput {
					t.Fatalf("bad output: %+v", msg.Output)
				}
				if msg.Seq != 3 {
					t.Fatalf("seq = %d", msg.Seq)
				}
			},
		},
		{
			name:     "state update",
			raw:      `{"type":"state-update","data":{"session_id":"sess-2","mastery":0.5}}`,
			wantKind: PushStateUpdate,
			check: func(t *testing.T, msg PushMessage) {
				if msg.State == nil || msg.State.SessionID != "sess-2" || msg.State.Mastery == nil || *msg.State.Mastery != 0.5 {
					t.Fatalf("bad state: %+v", msg.State)
				}
			},
		},
		{
			name:     "error",
			raw:      `{"type":"error","data":{"code":"session_not_found","message":"expired"}}`,
			wantKind: PushError,
			check: func(t *testing.T, msg PushMessage) {
				if msg.Err == nil || !msg.Err.SessionGone() {
					t.Fatalf("bad error payload: %+v", msg.Err)
				}
			},
		},
		{
			name:     "pong",
			raw:      `{"type":"pong"}`,
			wantKind: PushPong,
			check:    func(t *testing.T, msg PushMessage) {},
		},
		{
			name:     "unknown kind preserved",
			raw:      `{"type":"telemetry","data":{"x":1}}`,
			wantKind: PushKind("telemetry"),
			check:    func(t *testing.T, msg PushMessage) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, err := ParsePushMessage([]byte(tt.raw))
			if err != nil {
				t.Fatalf("ParsePushMessage failed: %v", err)
			}
			if msg.Kind != tt.wantKind {
				t.Fatalf("kind = %q, want %q", msg.Kind, tt.wantKind)
			}
			tt.check(t, msg)
		})
	}

	if _, err := ParsePushMessage([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed envelope")
	}
}
