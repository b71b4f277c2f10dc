// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to inject inbound events and inspect which frames the caller
// sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Push(s2s.AudioChunk(payload))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livetalk/pkg/audio"
	"github.com/MrWong99/livetalk/pkg/provider/s2s"
)

// Compile-time interface assertions.
var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
	_ s2s.DropCounter   = (*Session)(nil)
)

// eventBuffer is the capacity of a Session's event channel. Push never blocks,
// so it must comfortably exceed what a single test injects.
const eventBuffer = 256

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new Session from NewSession.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Block, if non-nil, makes Connect wait until Block is closed or the
	// context is done. A done context yields an *s2s.ConnectionError.
	Block chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, &s2s.ConnectionError{Provider: "mock", Err: ctx.Err()}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// ConnectCount returns the number of Connect calls so far. Thread-safe.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastConfig returns the SessionConfig of the most recent Connect call.
func (p *Provider) LastConfig() (s2s.SessionConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ConnectCalls) == 0 {
		return s2s.SessionConfig{}, false
	}
	return p.ConnectCalls[len(p.ConnectCalls)-1].Cfg, true
}

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is a mock implementation of s2s.SessionHandle. Like the real
// dialects, it closes its event channel after a terminal event or Close.
type Session struct {
	mu           sync.Mutex
	events       chan s2s.Event
	eventsClosed bool
	sent         []audio.EncodedFrame
	closeCalls   int
	closed       chan struct{}

	dropped      int64

	// CloseErr is returned by Close.
	CloseErr error

	// QueueLimit, if positive, caps how many frames Send accepts; later
	// frames are counted as dropped, like a full outbound queue.
	QueueLimit int
}

// NewSession returns a Session ready for use.
func NewSession() *Session {
	return &Session{
		events: make(chan s2s.Event, eventBuffer),
		closed: make(chan struct{}),
	}
}

// Push injects an inbound event. It reports false when the event channel is
// already closed or full. A terminal event closes the channel after delivery.
func (s *Session) Push(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsClosed {
		return false
	}
	select {
	case s.events <- ev:
	default:
		return false
	}
	if ev.IsTerminal() {
		s.eventsClosed = true
		close(s.events)
	}
	return true
}

// Send records frame unless the session was closed.
func (s *Session) Send(frame audio.EncodedFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCalls > 0 {
		return
	}
	if s.QueueLimit > 0 && len(s.sent) >= s.QueueLimit {
		s.dropped++
		return
	}
	s.sent = append(s.sent, frame)
}

// Dropped returns how many frames Send discarded because of QueueLimit.
func (s *Session) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Events returns the inbound event channel.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Close records the call and closes the event channel. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if s.closeCalls == 1 {
		close(s.closed)
	}
	if !s.eventsClosed {
		s.eventsClosed = true
		close(s.events)
	}
	return s.CloseErr
}

// Sent returns a snapshot of every frame passed to Send.
func (s *Session) Sent() []audio.EncodedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.EncodedFrame, len(s.sent))
	copy(out, s.sent)
	return out
}

// CloseCalls returns how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Closed returns a channel that is closed on the first Close call.
func (s *Session) Closed() <-chan struct{} { return s.closed }
