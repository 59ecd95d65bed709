// Package tutor provides the transport client for the remote tutoring agent:
// request/response operations over HTTP and a persistent WebSocket push
// channel for asynchronously delivered agent output.
package tutor

import (
	"encoding/json"
	"fmt"

	"github.com/jrobador/mathIA-sub000/internal/domain"
)

// StartConfig carries the session-start configuration assembled from the
// learner's onboarding choices and diagnostic results.
type StartConfig struct {
	UserID            string          `json:"user_id"`
	Theme             string          `json:"theme,omitempty"`
	DisplayMessage    string          `json:"message,omitempty"`
	InitialLevel      string          `json:"initial_level,omitempty"`
	InitialTopic      string          `json:"initial_topic,omitempty"`
	LearningPath      string          `json:"learning_path,omitempty"`
	DiagnosticScore   float64         `json:"diagnostic_score,omitempty"`
	DiagnosticDetails json.RawMessage `json:"diagnostic_details,omitempty"`
}

// StartResult is the payload of a successful session start.
type StartResult struct {
	SessionID     string              `json:"session_id"`
	InitialOutput *domain.AgentOutput `json:"output"`
}

// ProcessResult is the payload of a successful answer submission.
type ProcessResult struct {
	Output  *domain.AgentOutput `json:"output"`
	Mastery *float64            `json:"mastery,omitempty"`
}

// SessionStatus is a diagnostic snapshot of a session, off the critical path.
type SessionStatus struct {
	SessionID    string             `json:"session_id"`
	CurrentTopic string             `json:"current_topic,omitempty"`
	Mastery      map[string]float64 `json:"mastery,omitempty"`
	Active       bool               `json:"active"`
}

// PushKind tags an inbound push-channel envelope.
type PushKind string

const (
	PushAgentResponse PushKind = "agent-response"
	PushStateUpdate   PushKind = "state-update"
	PushError         PushKind = "error"
	PushPong          PushKind = "pong"
)

// StateSnapshot is the payload of a state-update push message.
type StateSnapshot struct {
	SessionID string   `json:"session_id"`
	Mastery   *float64 `json:"mastery,omitempty"`
}

// PushErrorInfo is the payload of an error push message.
type PushErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// SessionGone reports whether the pushed error means the backend dropped the
// session.
func (e *PushErrorInfo) SessionGone() bool {
	return e.Code == "session_not_found"
}

// PushMessage is a decoded push-channel envelope. Exactly one payload field is
// non-nil, matching Kind. Unrecognized kinds keep their raw tag so consumers
// can ignore them without failing.
type PushMessage struct {
	Kind   PushKind
	Seq    int64
	Output *domain.AgentOutput
	State  *StateSnapshot
	Err    *PushErrorInfo
}

type pushEnvelope struct {
	Type string          `json:"type"`
	Seq  int64           `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParsePushMessage decodes a raw push-channel frame into a tagged PushMessage.
// A malformed envelope is an error; an unknown type is not.
func ParsePushMessage(raw []byte) (PushMessage, error) {
	var env pushEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return PushMessage{}, fmt.Errorf("decode push envelope: %w", err)
	}

	msg := PushMessage{Kind: PushKind(env.Type), Seq: env.Seq}
	switch msg.Kind {
	case PushAgentResponse:
		var out domain.AgentOutput
		if err := json.Unmarshal(env.Data, &out); err != nil {
			return PushMessage{}, fmt.Errorf("decode agent-response payload: %w", err)
		}
		msg.Output = &out
	case PushStateUpdate:
		var snap StateSnapshot
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			return PushMessage{}, fmt.Errorf("decode state-update payload: %w", err)
		}
		msg.State = &snap
	case PushError:
		var pe PushErrorInfo
		if err := json.Unmarshal(env.Data, &pe); err != nil {
			return PushMessage{}, fmt.Errorf("decode error payload: %w", err)
		}
		msg.Err = &pe
	case PushPong:
		// Keep-alive, no payload.
	default:
		// Forward-compatible: unknown kinds carry only their tag.
	}
	return msg, nil
}
