package app

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"gatewatch/internal/config"
	"gatewatch/internal/logging"
	"gatewatch/internal/pipeline"
	"gatewatch/internal/session"
)

var (
	// ErrShutdown is returned by transitions after Shutdown
	ErrShutdown = errors.New("application is shutting down")
	// ErrSessionActive is returned when starting a session while one is live
	ErrSessionActive = errors.New("a session is already active, start a new session first")
)

// View is what the operator currently sees
type View string

const (
	// ViewInactive is shown while no session is active
	ViewInactive View = "inactive"
	// ViewLive is shown while a session is active and the channels run
	ViewLive View = "live"
)

// Sessions is the session owner. session.Manager implements it.
type Sessions interface {
	Restore(ctx context.Context) (pipeline.Session, bool, error)
	Create(ctx context.Context, form pipeline.SessionForm) (pipeline.Session, error)
	New(confirmed bool) error
	Logout() error
	Current() (pipeline.Session, bool)
	OnInvalid(fn session.InvalidFunc) func()
}

// Channels runs the per-channel pipelines. pipeline.Manager implements it.
type Channels interface {
	StartAll(ctx context.Context) error
	StopAll()
	SwitchMode(ctx context.Context, channel pipeline.Channel, mode pipeline.Mode) error
	Status() []pipeline.ChannelStatus
}

// Reports refreshes the session report. report.Poller implements it.
type Reports interface {
	Start()
	Stop()
	Clear()
}

// StateWriter persists small key/value settings. database.Database implements it.
type StateWriter interface {
	SaveState(key, value string) error
}

// State is a point-in-time view of the application
type State struct {
	View     View                     `json:"view"`
	Session  *pipeline.Session        `json:"session,omitempty"`
	Channels []pipeline.ChannelStatus `json:"channels"`
}

// App is the application state. It is created at startup, changed only
// through its transition methods and torn down by Shutdown.
type App struct {
	sessions Sessions
	channels Channels
	reports  Reports
	state    StateWriter

	mu          sync.Mutex
	view        View
	closed      bool
	unsubscribe func()

	log zerolog.Logger
}

// New creates the application in the inactive view and subscribes to
// session invalidation. state may be nil.
func New(sessions Sessions, channels Channels, reports Reports, state StateWriter) *App {
	a := &App{
		sessions: sessions,
		channels: channels,
		reports:  reports,
		state:    state,
		view:     ViewInactive,
		log:      logging.Component("app"),
	}
	a.unsubscribe = sessions.OnInvalid(a.onInvalid)
	return a
}

// Resume restores the persisted session and goes live when the server still
// knows it. A session the server has forgotten leaves the app inactive.
// Other failures also leave it inactive and are returned.
func (a *App) Resume(ctx context.Context) (View, error) {
	// Restore may notify invalidation listeners, onInvalid among them
	s, ok, err := a.sessions.Restore(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return a.view, ErrShutdown
	}
	if err != nil {
		a.log.Warn().Err(err).Msg("could not restore session")
		return a.view, err
	}
	if !ok {
		return a.view, nil
	}
	a.activateLocked(ctx, s)
	return a.view, nil
}

// StartSession creates a session and goes live
func (a *App) StartSession(ctx context.Context, form pipeline.SessionForm) (pipeline.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return pipeline.Session{}, ErrShutdown
	}
	if a.view == ViewLive {
		return pipeline.Session{}, ErrSessionActive
	}

	s, err := a.sessions.Create(ctx, form)
	if err != nil {
		return pipeline.Session{}, err
	}
	a.activateLocked(ctx, s)
	return s, nil
}

// NewSession discards the active session after confirmation
func (a *App) NewSession(confirmed bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.sessions.New(confirmed); err != nil {
		return err
	}
	a.deactivateLocked("new session")
	return nil
}

// Logout discards the active session
func (a *App) Logout() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.sessions.Logout(); err != nil {
		return err
	}
	a.deactivateLocked("logout")
	return nil
}

// SwitchMode changes a channel's mode and remembers it for the next run
func (a *App) SwitchMode(ctx context.Context, channel pipeline.Channel, mode pipeline.Mode) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrShutdown
	}
	if err := a.channels.SwitchMode(ctx, channel, mode); err != nil {
		return err
	}
	if a.state != nil {
		if err := a.state.SaveState(config.StateKeyMode+string(channel), string(mode)); err != nil {
			a.log.Warn().Err(err).Str("channel", string(channel)).Msg("failed to persist mode")
		}
	}
	return nil
}

// View returns the current view
func (a *App) View() View {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.view
}

// State returns the view, the session and the channel status
func (a *App) State() State {
	a.mu.Lock()
	view := a.view
	a.mu.Unlock()

	st := State{View: view, Channels: a.channels.Status()}
	if s, ok := a.sessions.Current(); ok {
		st.Session = &s
	}
	return st
}

// Shutdown stops every channel and the report loop. Later transitions fail
// with ErrShutdown. It is idempotent.
func (a *App) Shutdown() {
	a.unsubscribe()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.deactivateLocked("shutdown")
	a.closed = true
}

func (a *App) onInvalid(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.log.Warn().Str("session_id", id).Msg("session invalidated, returning to inactive view")
	a.deactivateLocked("invalidated")
}

func (a *App) activateLocked(ctx context.Context, s pipeline.Session) {
	if err := a.channels.StartAll(ctx); err != nil {
		// a channel whose device failed runs in upload mode; SwitchMode retries live
		a.log.Error().Err(err).Msg("not every channel started")
	}
	a.reports.Start()
	a.view = ViewLive
	a.log.Info().Str("session_id", s.ID).Str("class", s.ClassName).Msg("session live")
}

func (a *App) deactivateLocked(reason string) {
	a.channels.StopAll()
	a.reports.Stop()
	a.reports.Clear()
	if a.view != ViewInactive {
		a.log.Info().Str("reason", reason).Msg("session inactive")
	}
	a.view = ViewInactive
}
