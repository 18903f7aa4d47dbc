package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"gatewatch/internal/logging"
	"gatewatch/internal/pipeline"
)

// ErrNotConfirmed is returned when a destructive action lacks confirmation
var ErrNotConfirmed = errors.New("starting a new session requires confirmation")

// Remote is the server side of session management.
// analysis.Client implements it.
type Remote interface {
	GetSessionDetails(ctx context.Context, id string) (*pipeline.Session, error)
	CreateSession(ctx context.Context, form pipeline.SessionForm) (*pipeline.Session, error)
}

// InvalidFunc is called with the id of a session the server no longer knows
type InvalidFunc func(id string)

// Manager owns the single active session. Every write to the persisted id
// goes through it and every read returns a copy.
type Manager struct {
	store  Store
	remote Remote

	mu        sync.Mutex
	current   *pipeline.Session
	listeners map[uint64]InvalidFunc
	nextID    uint64

	log zerolog.Logger
}

// NewManager creates a manager with no active session. Call Restore to
// resume a persisted one.
func NewManager(store Store, remote Remote) *Manager {
	return &Manager{
		store:     store,
		remote:    remote,
		listeners: make(map[uint64]InvalidFunc),
		log:       logging.Component("session"),
	}
}

// Restore validates the persisted id with the server.
// A session the server does not know is cleared and reported to the
// invalidation listeners; the bool result is then false with a nil error.
// Other failures keep the persisted id so a later Restore can retry.
func (m *Manager) Restore(ctx context.Context) (pipeline.Session, bool, error) {
	id, err := m.store.Load()
	if err != nil {
		return pipeline.Session{}, false, fmt.Errorf("failed to load persisted session: %w", err)
	}
	if id == "" {
		return pipeline.Session{}, false, nil
	}

	s, err := m.remote.GetSessionDetails(ctx, id)
	if err != nil {
		if pipeline.IsSessionInvalid(err) {
			m.log.Warn().Str("session_id", id).Msg("persisted session no longer exists")
			m.mu.Lock()
			if cerr := m.store.Clear(); cerr != nil {
				m.log.Error().Err(cerr).Msg("failed to clear persisted session")
			}
			m.current = nil
			listeners := m.listenersLocked()
			m.mu.Unlock()
			notify(listeners, id)
			return pipeline.Session{}, false, nil
		}
		return pipeline.Session{}, false, fmt.Errorf("failed to validate session %s: %w", id, err)
	}

	restored := *s
	restored.ID = id

	m.mu.Lock()
	m.current = &restored
	m.mu.Unlock()

	m.log.Info().Str("session_id", id).Str("class", restored.ClassName).Msg("session restored")
	return restored, true, nil
}

// Create starts a session on the server and persists its id before
// returning, so a restart right after still resumes it
func (m *Manager) Create(ctx context.Context, form pipeline.SessionForm) (pipeline.Session, error) {
	if err := form.Validate(); err != nil {
		return pipeline.Session{}, err
	}
	s, err := m.remote.CreateSession(ctx, form)
	if err != nil {
		return pipeline.Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	created := *s
	m.mu.Lock()
	if err := m.store.Save(created.ID); err != nil {
		m.mu.Unlock()
		return pipeline.Session{}, fmt.Errorf("failed to persist session %s: %w", created.ID, err)
	}
	m.current = &created
	m.mu.Unlock()

	m.log.Info().Str("session_id", created.ID).Str("class", created.ClassName).Msg("session created")
	return created, nil
}

// New discards the active session. It is destructive and must be confirmed.
func (m *Manager) New(confirmed bool) error {
	if !confirmed {
		return ErrNotConfirmed
	}
	return m.clear("new session")
}

// Logout discards the active session
func (m *Manager) Logout() error {
	return m.clear("logout")
}

func (m *Manager) clear(reason string) error {
	m.mu.Lock()
	previous := m.current
	m.current = nil
	err := m.store.Clear()
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to clear persisted session: %w", err)
	}
	if previous != nil {
		m.log.Info().Str("session_id", previous.ID).Str("reason", reason).Msg("session cleared")
	}
	return nil
}

// PersistedID returns the stored session id without validating it with the
// server. It is empty when no session is persisted.
func (m *Manager) PersistedID() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := m.store.Load()
	if err != nil {
		return "", fmt.Errorf("failed to load persisted session: %w", err)
	}
	return id, nil
}

// Current returns a copy of the active session
func (m *Manager) Current() (pipeline.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return pipeline.Session{}, false
	}
	return *m.current, true
}

// ActiveSessionID implements pipeline.SessionSource
func (m *Manager) ActiveSessionID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", false
	}
	return m.current.ID, true
}

// ReportNotFound implements pipeline.SessionSource
func (m *Manager) ReportNotFound(id string) {
	m.Invalidate(id)
}

// Invalidate drops the session if id is still the active one and notifies
// the listeners. Reports about an older session are ignored.
func (m *Manager) Invalidate(id string) bool {
	m.mu.Lock()
	if m.current == nil || m.current.ID != id {
		m.mu.Unlock()
		return false
	}
	m.current = nil
	if err := m.store.Clear(); err != nil {
		m.log.Error().Err(err).Msg("failed to clear persisted session")
	}
	listeners := m.listenersLocked()
	m.mu.Unlock()

	m.log.Warn().Str("session_id", id).Msg("session invalidated by server")

	notify(listeners, id)
	return true
}

// OnInvalid registers fn and returns a function that removes it.
// Listeners run on the goroutine that detected the invalidation, with no
// manager lock held.
func (m *Manager) OnInvalid(fn InvalidFunc) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) listenersLocked() []InvalidFunc {
	out := make([]InvalidFunc, 0, len(m.listeners))
	for _, fn := range m.listeners {
		out = append(out, fn)
	}
	return out
}

func notify(listeners []InvalidFunc, id string) {
	for _, fn := range listeners {
		fn(id)
	}
}

var _ pipeline.SessionSource = (*Manager)(nil)
