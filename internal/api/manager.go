package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jrobador/mathIA-sub000/internal/domain"
	"github.com/jrobador/mathIA-sub000/internal/session"
	"github.com/jrobador/mathIA-sub000/internal/transcript"
	"github.com/jrobador/mathIA-sub000/internal/tutor"
)

// PushDialer opens a push channel for one learner tab. Returning nil means
// push is unavailable and the tutor runs on request/response alone.
type PushDialer func(ctx context.Context, userID, tabID string) *tutor.PushChannel

// Manager owns one session state machine (wrapped in a transcript adapter)
// per learner tab, created lazily and reaped after idling.
type Manager struct {
	backend tutor.Backend
	dial    PushDialer
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	tutors map[string]*tutorEntry
}

type tutorEntry struct {
	adapter  *transcript.Adapter
	push     *tutor.PushChannel
	lastUsed time.Time

	subMu sync.Mutex
	subs  map[int]chan *domain.AgentOutput
	next  int
}

// NewManager creates a manager for the given backend.
func NewManager(backend tutor.Backend, dial PushDialer, timeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		backend: backend,
		dial:    dial,
		timeout: timeout,
		logger:  logger,
		tutors:  make(map[string]*tutorEntry),
	}
}

func tutorKey(userID, tabID string) string {
	return userID + ":" + tabID
}

// Adapter returns the tutoring adapter for a learner tab, creating it on
// first use.
func (m *Manager) Adapter(ctx context.Context, userID, tabID string) *transcript.Adapter {
	return m.entry(ctx, userID, tabID).adapter
}

func (m *Manager) entry(ctx context.Context, userID, tabID string) *tutorEntry {
	key := tutorKey(userID, tabID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.tutors[key]; ok {
		e.lastUsed = time.Now()
		return e
	}

	e := &tutorEntry{
		lastUsed: time.Now(),
		subs:     make(map[int]chan *domain.AgentOutput),
	}

	opts := []session.Option{
		session.WithLogger(m.logger.With("user_id", userID, "tab_id", tabID)),
		session.WithTimeout(m.timeout),
	}
	if m.dial != nil {
		// The channel outlives individual sessions; the machine's own guards
		// filter messages that arrive with no session active.
		if push := m.dial(context.WithoutCancel(ctx), userID, tabID); push != nil {
			e.push = push
			opts = append(opts, session.WithPush(push))
		}
	}

	e.adapter = transcript.New(m.backend, opts...)
	e.adapter.SetOutputNotifier(e.fanOut)
	m.tutors[key] = e

	m.logger.Info("tutor created", "user_id", userID, "tab_id", tabID)
	return e
}

// SubscribeOutputs registers a stream consumer for a learner tab, creating
// the tutor if needed. Slow consumers lose messages rather than blocking the
// session machinery.
func (m *Manager) SubscribeOutputs(ctx context.Context, userID, tabID string) (<-chan *domain.AgentOutput, func()) {
	e := m.entry(ctx, userID, tabID)

	e.subMu.Lock()
	defer e.subMu.Unlock()
	id := e.next
	e.next++
	ch := make(chan *domain.AgentOutput, 16)
	e.subs[id] = ch
	return ch, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
	}
}

func (e *tutorEntry) fanOut(out *domain.AgentOutput) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- out:
		default:
		}
	}
}

// ReapIdle closes tutors untouched for longer than ttl.
func (m *Manager) ReapIdle(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	var victims []*tutorEntry
	for key, e := range m.tutors {
		if e.lastUsed.Before(cutoff) {
			victims = append(victims, e)
			delete(m.tutors, key)
			m.logger.Info("reaping idle tutor", "key", key)
		}
	}
	m.mu.Unlock()

	for _, e := range victims {
		e.close()
	}
}

// StartReaper runs ReapIdle periodically until ctx ends.
func (m *Manager) StartReaper(ctx context.Context, ttl time.Duration) {
	go func() {
		ticker := time.NewTicker(ttl / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ReapIdle(ttl)
			}
		}
	}()
}

// Close tears down every tutor deterministically.
func (m *Manager) Close() {
	m.mu.Lock()
	entries := make([]*tutorEntry, 0, len(m.tutors))
	for _, e := range m.tutors {
		entries = append(entries, e)
	}
	m.tutors = make(map[string]*tutorEntry)
	m.mu.Unlock()

	for _, e := range entries {
		e.close()
	}
}

func (e *tutorEntry) close() {
	e.adapter.Close()
	if e.push != nil {
		e.push.Close()
	}
	e.subMu.Lock()
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
	e.subMu.Unlock()
}
