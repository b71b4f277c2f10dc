package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livetalk/internal/config"
	"github.com/MrWong99/livetalk/internal/observe"
	"github.com/MrWong99/livetalk/internal/session"
	"github.com/MrWong99/livetalk/pkg/audio/playback"
	"github.com/MrWong99/livetalk/pkg/provider/s2s"
)

// ErrNoActiveSession is returned by [SessionManager.Stop] when nothing is
// running.
var ErrNoActiveSession = errors.New("app: no active session")

// closedCh is returned by Done when no session was ever started.
var closedCh = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// SessionInfo holds metadata about the current session.
type SessionInfo struct {
	// SessionID is the controller's unique identifier.
	SessionID string

	// Provider is the configured provider name.
	Provider string

	// Persona is the persona style the session was started with.
	Persona string

	// StartedAt is when the session reached Active.
	StartedAt time.Time
}

// SessionManager owns at most one [session.Controller] at a time. Controllers
// are single-use, so every Start builds a fresh capture source and controller
// from config. All exported methods are safe for concurrent use.
type SessionManager struct {
	mu   sync.Mutex
	ctrl *session.Controller
	info SessionInfo

	cfg      *config.Config
	registry *config.Registry
	provider s2s.Provider
	metrics  *observe.Metrics
	onClosed func(SessionInfo, string)
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config   *config.Config
	Registry *config.Registry
	Provider s2s.Provider
	Metrics  *observe.Metrics

	// OnClosed, if set, is called when an active session ends on its own or
	// through Stop.
	OnClosed func(info SessionInfo, reason string)
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		cfg:      cfg.Config,
		registry: cfg.Registry,
		provider: cfg.Provider,
		metrics:  cfg.Metrics,
		onClosed: cfg.OnClosed,
	}
}

// Start builds a controller from config and starts it with the configured
// persona. It returns an error if a session is already running; a failed
// Start leaves no session behind.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.activeLocked() {
		return fmt.Errorf("app: a session is already active (id=%s)", sm.info.SessionID)
	}

	p, err := sm.cfg.Session.PersonaConfig()
	if err != nil {
		return fmt.Errorf("app: persona: %w", err)
	}

	capture, err := sm.registry.CreateCapture(sm.cfg.Audio.Capture)
	if err != nil {
		return fmt.Errorf("app: create capture %q: %w", sm.cfg.Audio.Capture.Backend, err)
	}

	var info SessionInfo
	ctrl, err := session.New(session.Config{
		Capture:      capture,
		Provider:     sm.provider,
		ProviderName: sm.cfg.Provider.Name,
		NewOutput:    sm.newOutput,
		LeadTime:     sm.cfg.Audio.Playback.LeadTime,
		IdleTimeout:  sm.cfg.Session.IdleTimeout,
		MaxDuration:  time.Duration(sm.provider.Capabilities().MaxSessionDurationMs) * time.Millisecond,
		Metrics:      sm.metrics,
		OnInterrupted: func() {
			slog.Debug("session: interrupted, playback flushed", "session_id", info.SessionID)
		},
		OnClosed: func(reason string) {
			slog.Info("session ended", "session_id", info.SessionID, "reason", reason)
			if sm.onClosed != nil {
				sm.onClosed(info, reason)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("app: build session: %w", err)
	}

	info = SessionInfo{
		SessionID: ctrl.ID(),
		Provider:  sm.cfg.Provider.Name,
		Persona:   p.Style.String(),
	}
	if err := ctrl.Start(ctx, p); err != nil {
		return fmt.Errorf("app: start session: %w", err)
	}
	info.StartedAt = time.Now().UTC()

	sm.ctrl = ctrl
	sm.info = info

	slog.Info("session started",
		"session_id", info.SessionID,
		"provider", info.Provider,
		"persona", info.Persona,
		"capture", sm.cfg.Audio.Capture.Backend,
		"playback", sm.cfg.Audio.Playback.Backend,
	)
	return nil
}

// newOutput opens the configured playback device behind a [playback.Renderer].
func (sm *SessionManager) newOutput() (playback.Output, error) {
	pc := sm.cfg.Audio.Playback
	dev, err := sm.registry.CreatePlayback(pc)
	if err != nil {
		return nil, fmt.Errorf("create playback %q: %w", pc.Backend, err)
	}
	return playback.NewRenderer(dev, playback.WithBlockSize(pc.BlockSize)), nil
}

// Stop ends the running session and waits for its teardown.
func (sm *SessionManager) Stop() error {
	sm.mu.Lock()
	ctrl := sm.ctrl
	active := sm.activeLocked()
	sm.mu.Unlock()

	if !active {
		return ErrNoActiveSession
	}
	return ctrl.Stop()
}

// activeLocked must be called with sm.mu held.
func (sm *SessionManager) activeLocked() bool {
	if sm.ctrl == nil {
		return false
	}
	select {
	case <-sm.ctrl.Done():
		return false
	default:
		return true
	}
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.activeLocked()
}

// Info returns metadata about the most recent session. Returns the zero
// value if no session was ever started.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Current returns the most recent controller, or nil.
func (sm *SessionManager) Current() *session.Controller {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.ctrl
}

// Done returns a channel closed when the current session has terminated.
// Without a session the channel is already closed.
func (sm *SessionManager) Done() <-chan struct{} {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.ctrl == nil {
		return closedCh
	}
	return sm.ctrl.Done()
}

// ToggleMute flips the current session's mute state and returns the new
// value. Without a session it returns false.
func (sm *SessionManager) ToggleMute() bool {
	sm.mu.Lock()
	ctrl := sm.ctrl
	sm.mu.Unlock()
	if ctrl == nil {
		return false
	}
	muted := !ctrl.Muted()
	ctrl.SetMuted(muted)
	return muted
}
