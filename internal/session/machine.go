// Package session implements the tutoring session state machine: it owns
// session identity and the current agent output, arbitrates concurrent
// start/send/continue/end calls, and merges push-channel messages with
// request/response results into one coherent view.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jrobador/mathIA-sub000/internal/domain"
	"github.com/jrobador/mathIA-sub000/internal/tutor"
)

// Phase is the coarse lifecycle state of a machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseActive
	PhaseEnding
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseActive:
		return "active"
	case PhaseEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// Snapshot is a read-only view of the machine for consumers.
type Snapshot struct {
	Phase             Phase
	SessionID         string
	Output            *domain.AgentOutput
	Mastery           float64
	IsLoading         bool
	EvaluationPending bool
	Connected         bool
	Err               error
}

// OutputListener is invoked each time the current agent output is replaced,
// whether by a direct response or a pushed message.
type OutputListener func(*domain.AgentOutput)

// Machine is the session state machine. All state is mutated under one mutex;
// guard flags are set before the awaited network call begins and cleared on
// every exit path, so at most one start and one send/continue are ever in
// flight, with the documented evaluation-pending relaxation for continue.
type Machine struct {
	backend tutor.Backend
	push    tutor.PushSource
	logger  *slog.Logger
	timeout time.Duration

	mu          sync.Mutex
	phase       Phase
	sessionID   string
	output      *domain.AgentOutput
	mastery     float64
	processing  bool
	evalPending bool
	lastErr     error
	closed      bool

	onOutput    OutputListener
	unsubscribe func()
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the machine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

// WithPush attaches a push source; the machine subscribes for the whole of
// its lifetime and unsubscribes on Close.
func WithPush(src tutor.PushSource) Option {
	return func(m *Machine) { m.push = src }
}

// WithTimeout bounds each outbound request.
func WithTimeout(d time.Duration) Option {
	return func(m *Machine) { m.timeout = d }
}

// WithOutputListener registers the output listener. The listener must not
// call back into the machine synchronously.
func WithOutputListener(fn OutputListener) Option {
	return func(m *Machine) { m.onOutput = fn }
}

// New creates an idle machine bound to the given backend.
func New(backend tutor.Backend, opts ...Option) *Machine {
	m := &Machine{
		backend: backend,
		logger:  slog.Default(),
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.push != nil {
		m.unsubscribe = m.push.Subscribe(m.handlePush)
	}
	return m
}

// Snapshot returns the current consumer-visible state. IsLoading is defined
// as "a request is outstanding and no evaluation is awaiting dismissal":
// evaluation results must be shown without a spinner even while an unrelated
// request is still in flight.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	connected := false
	if m.push != nil {
		connected = m.push.Connected()
	}
	return Snapshot{
		Phase:             m.phase,
		SessionID:         m.sessionID,
		Output:            m.output,
		Mastery:           m.mastery,
		IsLoading:         m.processing && !m.evalPending,
		EvaluationPending: m.evalPending,
		Connected:         connected,
		Err:               m.lastErr,
	}
}

// Start creates a new session. A duplicate trigger while a session exists or
// another start is pending is a silent no-op, so re-rendering UIs cannot
// create a second session.
func (m *Machine) Start(ctx context.Context, cfg tutor.StartConfig) error {
	m.mu.Lock()
	if m.closed || m.phase != PhaseIdle {
		m.mu.Unlock()
		return nil
	}
	m.phase = PhaseStarting
	m.sessionID = ""
	m.output = nil
	m.mastery = 0
	m.processing = false
	m.evalPending = false
	m.lastErr = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	result, err := m.backend.StartSession(ctx, cfg)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		m.lastErr = err
		m.phase = PhaseIdle
		m.mu.Unlock()
		m.logger.Warn("session start failed", "error", err)
		return err
	}

	m.phase = PhaseActive
	m.sessionID = result.SessionID
	m.applyOutputLocked(result.InitialOutput)
	notify := m.output
	m.mu.Unlock()

	m.logger.Info("session started", "session_id", result.SessionID)
	m.emit(notify)
	return nil
}

// Send submits the learner's answer. A second call while a request is in
// flight (and no evaluation is pending) is a silent no-op — the classic
// double-submit guard. Any stale evaluation state is cleared before the new
// request goes out: answering supersedes the previous verdict display.
func (m *Machine) Send(ctx context.Context, text string) error {
	m.mu.Lock()
	if m.sessionID == "" {
		m.lastErr = tutor.ErrNoActiveSession
		m.mu.Unlock()
		return tutor.ErrNoActiveSession
	}
	if m.processing && !m.evalPending {
		m.mu.Unlock()
		return nil
	}
	m.evalPending = false
	m.processing = true
	sid := m.sessionID
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	result, err := m.backend.SubmitAnswer(ctx, sid, text)

	m.mu.Lock()
	if m.sessionID != sid {
		// Session was reset while the request was in flight; the result no
		// longer has a home.
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		m.failRequestLocked(err)
		m.mu.Unlock()
		return err
	}

	out := result.Output
	if result.Mastery != nil {
		m.mastery = *result.Mastery
	}
	if out != nil && out.IsEvaluation() {
		// Keep processing set: the spinner condition is processing AND NOT
		// evaluation-pending, and the verdict must display without flicker.
		m.evalPending = true
		m.applyOutputLocked(out)
	} else {
		m.processing = false
		m.evalPending = false
		m.applyOutputLocked(out)
	}
	notify := out
	m.mu.Unlock()

	m.emit(notify)
	return nil
}

// Continue asks the agent to advance past the current step. Unlike Send, it
// is permitted while a request is outstanding if an evaluation is pending, so
// the learner can dismiss a verdict without waiting on an unrelated call.
// The resulting output may arrive via the push channel.
func (m *Machine) Continue(ctx context.Context) error {
	m.mu.Lock()
	if m.sessionID == "" {
		m.lastErr = tutor.ErrNoActiveSession
		m.mu.Unlock()
		return tutor.ErrNoActiveSession
	}
	if m.processing && !m.evalPending {
		m.mu.Unlock()
		return nil
	}
	m.evalPending = false
	m.processing = true
	sid := m.sessionID
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.backend.RequestContinue(ctx, sid)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionID != sid {
		return nil
	}
	if err != nil {
		m.failRequestLocked(err)
		return err
	}
	// Success: processing stays set until the follow-on agent response
	// arrives, directly or over the push channel.
	return nil
}

// End tears the session down. The backend call is best-effort; local state is
// reset unconditionally because the learner's "I am done" must be honored
// even when the network is not cooperating.
func (m *Machine) End(ctx context.Context) error {
	m.mu.Lock()
	if m.sessionID == "" {
		m.mu.Unlock()
		return nil
	}
	m.phase = PhaseEnding
	sid := m.sessionID
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.backend.EndSession(ctx, sid); err != nil {
		m.logger.Warn("backend session teardown failed", "session_id", sid, "error", err)
	}

	m.mu.Lock()
	m.resetLocked()
	m.lastErr = nil
	m.mu.Unlock()

	m.logger.Info("session ended", "session_id", sid)
	return nil
}

// ClearEvaluation dismisses a displayed verdict with no other side effect.
func (m *Machine) ClearEvaluation() {
	m.mu.Lock()
	m.evalPending = false
	m.mu.Unlock()
}

// Close releases the machine deterministically: best-effort backend teardown
// of any live session, then unsubscription from the push source. The machine
// accepts no operations afterward.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sid := m.sessionID
	m.resetLocked()
	m.lastErr = nil
	unsub := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if sid != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.backend.EndSession(ctx, sid); err != nil {
			m.logger.Warn("backend session teardown failed on close", "session_id", sid, "error", err)
		}
	}
}

// handlePush merges an asynchronously delivered message into machine state.
// Direct responses and pushed messages describing the same turn may arrive in
// either order; last-applied output wins.
func (m *Machine) handlePush(msg tutor.PushMessage) {
	var notify *domain.AgentOutput

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	switch msg.Kind {
	case tutor.PushAgentResponse:
		if m.sessionID == "" || msg.Output == nil {
			m.mu.Unlock()
			return
		}
		if msg.Output.IsEvaluation() {
			m.evalPending = true
			m.applyOutputLocked(msg.Output)
		} else {
			m.evalPending = false
			m.processing = false
			m.applyOutputLocked(msg.Output)
		}
		notify = msg.Output
	case tutor.PushStateUpdate:
		if msg.State == nil {
			break
		}
		if msg.State.SessionID != "" {
			m.sessionID = msg.State.SessionID
		}
		if msg.State.Mastery != nil {
			m.mastery = *msg.State.Mastery
		}
		m.processing = false
	case tutor.PushError:
		if msg.Err == nil {
			break
		}
		m.lastErr = &tutor.BackendError{Op: "push", Message: msg.Err.Message}
		m.processing = false
		if msg.Err.SessionGone() {
			m.resetLocked()
		}
	case tutor.PushPong:
		// Keep-alive only.
	default:
		// Unknown kinds are ignored for forward compatibility.
	}
	m.mu.Unlock()

	m.emit(notify)
}

// failRequestLocked records a send/continue failure. A backend-reported
// unknown session forces a full local reset so a fresh start can occur; any
// other failure leaves the session addressable for a retry.
func (m *Machine) failRequestLocked(err error) {
	m.lastErr = err
	if tutor.IsSessionNotFound(err) {
		m.logger.Warn("backend lost the session, resetting", "session_id", m.sessionID)
		m.resetLocked()
		return
	}
	m.processing = false
}

// applyOutputLocked replaces the current output and refreshes mastery from
// its metadata when present.
func (m *Machine) applyOutputLocked(out *domain.AgentOutput) {
	if out == nil {
		return
	}
	m.output = out
	if v, ok := out.Mastery(); ok {
		m.mastery = v
	}
}

// resetLocked returns the machine to idle. lastErr is deliberately left
// alone: reset-on-failure must stay visible to the consumer, while End and
// Close clear it explicitly.
func (m *Machine) resetLocked() {
	m.phase = PhaseIdle
	m.sessionID = ""
	m.output = nil
	m.mastery = 0
	m.processing = false
	m.evalPending = false
}

func (m *Machine) emit(out *domain.AgentOutput) {
	if out != nil && m.onOutput != nil {
		m.onOutput(out)
	}
}
