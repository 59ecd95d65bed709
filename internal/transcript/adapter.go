// Package transcript wraps the session state machine with a derived,
// append-only message log suitable for transcript-style UIs.
package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrobador/mathIA-sub000/internal/domain"
	"github.com/jrobador/mathIA-sub000/internal/session"
	"github.com/jrobador/mathIA-sub000/internal/tutor"
)

// Role distinguishes transcript entry authors.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one ordered transcript entry. The log is derived state, never
// authoritative: it mirrors machine activity for display only.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// StartOptions configures a session start through the adapter.
type StartOptions struct {
	Config tutor.StartConfig

	// Welcome is the system entry appended when the session starts.
	Welcome string

	// DisplayMessage, if set, is mirrored as a user entry so the UI can show
	// what the learner "said" to initiate the session. It is not sent to the
	// backend as a turn.
	DisplayMessage string
}

// Adapter owns a session machine and the transcript derived from it.
type Adapter struct {
	machine *session.Machine

	mu       sync.Mutex
	messages []Message
	notify   func(*domain.AgentOutput)
}

// New builds an adapter and its machine. The adapter registers itself as the
// machine's output listener so pushed and directly-returned outputs both land
// in the transcript.
func New(backend tutor.Backend, opts ...session.Option) *Adapter {
	a := &Adapter{}
	opts = append(opts, session.WithOutputListener(a.recordOutput))
	a.machine = session.New(backend, opts...)
	return a
}

// Machine exposes the wrapped state machine for direct observation.
func (a *Adapter) Machine() *session.Machine { return a.machine }

// Start begins a session and seeds the transcript with the welcome entry and
// the optional mirrored user entry.
func (a *Adapter) Start(ctx context.Context, opts StartOptions) error {
	// A duplicate trigger is absorbed by the machine's start guard; skip the
	// seeding too so a double-click cannot duplicate the welcome entries.
	seeded := 0
	if a.machine.Snapshot().Phase == session.PhaseIdle {
		welcome := opts.Welcome
		if welcome == "" {
			welcome = "Welcome! Let's do some math."
		}
		a.append(RoleSystem, welcome)
		seeded++
		if opts.DisplayMessage != "" {
			a.append(RoleUser, opts.DisplayMessage)
			seeded++
		}
	}
	if opts.Config.DisplayMessage == "" {
		opts.Config.DisplayMessage = opts.DisplayMessage
	}
	err := a.machine.Start(ctx, opts.Config)
	if err != nil {
		// A failed start leaves no trace, so the retry reseeds exactly once.
		a.dropLast(seeded)
	}
	return err
}

// Send appends the learner's entry optimistically, before the network result
// is known, then submits it.
func (a *Adapter) Send(ctx context.Context, text string) error {
	a.append(RoleUser, text)
	return a.machine.Send(ctx, text)
}

// Continue advances past the current step.
func (a *Adapter) Continue(ctx context.Context) error {
	return a.machine.Continue(ctx)
}

// End tears the session down.
func (a *Adapter) End(ctx context.Context) error {
	return a.machine.End(ctx)
}

// ClearEvaluation dismisses a displayed verdict.
func (a *Adapter) ClearEvaluation() {
	a.machine.ClearEvaluation()
}

// Close releases the machine deterministically.
func (a *Adapter) Close() {
	a.machine.Close()
}

// Snapshot returns the machine's consumer-visible state.
func (a *Adapter) Snapshot() session.Snapshot {
	return a.machine.Snapshot()
}

// Messages returns a copy of the transcript.
func (a *Adapter) Messages() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Message, len(a.messages))
	copy(out, a.messages)
	return out
}

// ClearMessages empties the transcript without touching session state.
func (a *Adapter) ClearMessages() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = nil
}

// SetOutputNotifier registers a callback invoked, in delivery order, for
// every replaced agent output, including redeliveries the transcript dedupes
// away. The callback must not block and must not call back into the adapter.
func (a *Adapter) SetOutputNotifier(fn func(*domain.AgentOutput)) {
	a.mu.Lock()
	a.notify = fn
	a.mu.Unlock()
}

// recordOutput mirrors a new agent output into the transcript. The same
// output can be redelivered by a direct response and a push echo; comparing
// role+text against the latest entry keeps the log free of duplicates.
func (a *Adapter) recordOutput(out *domain.AgentOutput) {
	if out == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.notify != nil {
		a.notify(out)
	}
	if out.Text == "" {
		return
	}
	if n := len(a.messages); n > 0 {
		last := a.messages[n-1]
		if last.Role == RoleAssistant && last.Content == out.Text {
			return
		}
	}
	a.messages = append(a.messages, Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Content:   out.Text,
		Timestamp: time.Now(),
	})
}

func (a *Adapter) dropLast(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > len(a.messages) {
		n = len(a.messages)
	}
	a.messages = a.messages[:len(a.messages)-n]
}

func (a *Adapter) append(role Role, content string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
}
