// Package session owns the table of active conversations and enforces
// transcript ordering across concurrent turns.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kmahone/promptrelay/pkg/domain"
	"github.com/kmahone/promptrelay/pkg/gateway"
	"github.com/kmahone/promptrelay/pkg/store"
)

// ErrSessionNotFound indicates an operation referenced a session id that was
// never created or has already been closed.
var ErrSessionNotFound = errors.New("session not found")

// Options tunes the manager's eviction behavior. Zero values disable eviction,
// matching the accumulate-until-closed default.
type Options struct {
	// MaxSessions caps the table size; creating a session beyond the cap
	// evicts the least recently used one. 0 means unlimited.
	MaxSessions int
	// IdleTimeout marks sessions for removal by CloseIdle once they have been
	// untouched for this long. 0 means sessions never expire.
	IdleTimeout time.Duration
}

// Manager owns the in-memory session table. The table lock covers
// insert/lookup/delete only; each session carries its own lock that is held
// for the full append-call-append of one turn, so turns on one session
// serialize while other sessions proceed unimpeded.
type Manager struct {
	gw   gateway.Gateway
	log  store.ExchangeStore // optional audit log, may be nil
	opts Options

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id    string
	model string

	// mu serializes turns. The table lock is never held across a model call;
	// this one is.
	mu    sync.Mutex
	turns []domain.Turn

	// lastActivity is guarded by the Manager's table lock.
	lastActivity time.Time
}

// NewManager creates a Manager backed by the given gateway. log may be nil to
// disable exchange auditing.
func NewManager(gw gateway.Gateway, log store.ExchangeStore, opts Options) *Manager {
	return &Manager{
		gw:       gw,
		log:      log,
		opts:     opts,
		sessions: make(map[string]*session),
	}
}

// Create allocates a new session bound to model for its lifetime. A non-empty
// systemPrompt becomes the transcript's single leading system turn.
func (m *Manager) Create(model, systemPrompt string) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}

	sess := &session{
		id:           id.String(),
		model:        model,
		lastActivity: time.Now(),
	}
	if systemPrompt != "" {
		sess.turns = append(sess.turns, domain.Turn{Role: domain.RoleSystem, Content: systemPrompt})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opts.MaxSessions > 0 && len(m.sessions) >= m.opts.MaxSessions {
		m.evictOldestLocked()
	}
	m.sessions[sess.id] = sess
	return sess.id, nil
}

// SendTurn appends userMessage to the session's transcript, runs a chat
// completion over the full transcript, and appends the reply on success. A
// gateway failure leaves the unanswered user turn in place; a retry resends it
// as context.
func (m *Manager) SendTurn(ctx context.Context, id, userMessage string, parameters map[string]any) (string, error) {
	// A caller disconnect must not abort the in-flight daemon request; it is
	// allowed to complete or time out on its own, and the transcript reflects
	// whatever it resolved to. The gateway's own timeout still bounds the call.
	ctx = context.WithoutCancel(ctx)

	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("session %q: %w", id, ErrSessionNotFound)
	}
	sess.lastActivity = time.Now()
	m.mu.Unlock()

	sess.mu.Lock()
	sess.turns = append(sess.turns, domain.Turn{Role: domain.RoleUser, Content: userMessage})

	start := time.Now()
	reply, err := m.gw.CompleteChat(ctx, sess.model, sess.turns, parameters)
	if err == nil {
		sess.turns = append(sess.turns, domain.Turn{Role: domain.RoleAssistant, Content: reply})
	}
	sess.mu.Unlock()

	// Audit outside the session lock so a slow log never delays the next turn.
	m.record(ctx, id, sess.model, userMessage, reply, err, time.Since(start))
	if err != nil {
		return "", err
	}
	return reply, nil
}

// SendStateless runs a one-shot completion with no session involvement.
func (m *Manager) SendStateless(ctx context.Context, model, instruction string, parameters map[string]any) (string, error) {
	// Detached for the same reason as SendTurn.
	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	reply, err := m.gw.CompleteSingle(ctx, model, instruction, parameters)
	m.record(ctx, "", model, instruction, reply, err, time.Since(start))
	if err != nil {
		return "", err
	}
	return reply, nil
}

// Close removes the session if present. Closing an unknown or already-closed
// id is a no-op.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Transcript returns a copy of the session's transcript in turn order.
func (m *Manager) Transcript(id string) ([]domain.Turn, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrSessionNotFound)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	turns := make([]domain.Turn, len(sess.turns))
	copy(turns, sess.turns)
	return turns, nil
}

// Len reports the number of active sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseIdle removes sessions untouched for longer than IdleTimeout and
// returns how many were removed. It is a no-op when IdleTimeout is 0.
func (m *Manager) CloseIdle() int {
	if m.opts.IdleTimeout <= 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, sess := range m.sessions {
		if now.Sub(sess.lastActivity) > m.opts.IdleTimeout {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// evictOldestLocked drops the least recently used session. Caller holds the
// table lock.
func (m *Manager) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, sess := range m.sessions {
		if oldestID == "" || sess.lastActivity.Before(oldest) {
			oldestID = id
			oldest = sess.lastActivity
		}
	}
	if oldestID != "" {
		delete(m.sessions, oldestID)
		slog.Info("evicted least recently used session", "id", oldestID)
	}
}

func (m *Manager) record(ctx context.Context, chatID, model, instruction, reply string, callErr error, d time.Duration) {
	if m.log == nil {
		return
	}

	ex := &domain.Exchange{
		ID:          uuid.New().String(),
		ChatID:      chatID,
		Model:       model,
		Instruction: instruction,
		Reply:       reply,
		Duration:    d,
		Timestamp:   time.Now().UTC(),
	}
	if callErr != nil {
		ex.Error = callErr.Error()
	}

	// Auditing is best-effort; a dead log never fails the request.
	if err := m.log.Append(ctx, ex); err != nil {
		slog.Warn("failed to record exchange", "error", err)
	}
}
