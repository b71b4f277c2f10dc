// Package session implements the lifecycle of one live voice conversation.
//
// A [Controller] owns every per-session resource: the capture source, the
// duplex channel to the remote speech service, the playback scheduler and the
// real-time output. It wires them together on Start and tears them down, in a
// fixed order and exactly once, on Stop or when the remote side ends the
// conversation.
//
// All control flow runs on one dispatch goroutine per session. Captured
// frames, inbound channel events, playback completions, stop requests and the
// optional idle timer reach it as channel messages; the capture and render
// goroutines never touch session state directly.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livetalk/internal/observe"
	"github.com/MrWong99/livetalk/internal/persona"
	"github.com/MrWong99/livetalk/pkg/audio"
	"github.com/MrWong99/livetalk/pkg/audio/playback"
	"github.com/MrWong99/livetalk/pkg/provider/s2s"
	"github.com/google/uuid"
)

const defaultFrameBuffer = 32

// Config configures a [Controller].
type Config struct {
	// Capture is the microphone. Required.
	Capture audio.CaptureSource

	// Provider opens the duplex channel. Required.
	Provider s2s.Provider

	// ProviderName labels logs and metrics (e.g. "gemini").
	ProviderName string

	// NewOutput opens the real-time output context. It is called once per
	// Start, after capture was acquired. Required.
	NewOutput func() (playback.Output, error)

	// LeadTime is the jitter buffer's initial head start. Zero or negative
	// selects [playback.DefaultLeadTime].
	LeadTime time.Duration

	// IdleTimeout ends the session when no inbound event arrives for this
	// long. Zero disables the check.
	IdleTimeout time.Duration

	// MaxDuration ends the session once it has been Active this long,
	// typically the provider's documented session limit. Zero disables it.
	MaxDuration time.Duration

	// FrameBuffer is the capacity of the captured-frame queue between the
	// capture goroutine and the dispatch goroutine. Defaults to 32.
	FrameBuffer int

	// Metrics receives session instrumentation. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Callbacks run on the dispatch goroutine. They must return quickly and
	// must not call Stop synchronously.

	// OnPlaybackData receives every decoded buffer that was scheduled.
	OnPlaybackData func(samples []float32)

	// OnInterrupted is called after queued playback was flushed on barge-in.
	OnInterrupted func()

	// OnClosed is called once when an active session ends, with a
	// human-readable reason. Start failures are reported by Start instead.
	OnClosed func(reason string)

	// OnStateChange is called after every state transition.
	OnStateChange func(State)
}

// Controller drives a single voice session through
// Idle → Connecting → Active → Terminated.
//
// Start, Stop, SetMuted and the accessors are safe for concurrent use.
type Controller struct {
	cfg     Config
	id      string
	log     *slog.Logger
	metrics *observe.Metrics

	mu            sync.Mutex
	state         State
	stopRequested bool
	connectCancel context.CancelFunc
	reason        string

	active atomic.Bool
	muted  atomic.Bool

	frames   chan audio.AudioFrame
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// Completed unit IDs handed over by the render goroutine. The list is
	// unbounded so a completion is never lost; completedSig wakes the
	// dispatch goroutine.
	completedMu  sync.Mutex
	completed    []uint64
	completedSig chan struct{}

	// Set up by Start before the dispatch goroutine runs; owned by it after.
	sessCancel     context.CancelFunc
	captureStarted bool
	handle         s2s.SessionHandle
	out            playback.Output
	sched          *playback.Scheduler
	drops          s2s.DropCounter
	dropsSeen      int64
	teardownOnce   sync.Once
}

// New validates cfg and returns an Idle Controller.
func New(cfg Config) (*Controller, error) {
	var errs []error
	if cfg.Capture == nil {
		errs = append(errs, errors.New("session: capture source is required"))
	}
	if cfg.Provider == nil {
		errs = append(errs, errors.New("session: provider is required"))
	}
	if cfg.NewOutput == nil {
		errs = append(errs, errors.New("session: output factory is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.LeadTime <= 0 {
		cfg.LeadTime = playback.DefaultLeadTime
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = defaultFrameBuffer
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "unknown"
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}

	id := uuid.NewString()
	return &Controller{
		cfg:          cfg,
		id:           id,
		log:          observe.Logger(observe.WithSession(context.Background(), id)),
		metrics:      m,
		frames:       make(chan audio.AudioFrame, cfg.FrameBuffer),
		completedSig: make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}, nil
}

// ID returns the unique session identifier.
func (c *Controller) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reason returns why the session terminated, or "" while it is not
// Terminated.
func (c *Controller) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Done returns a channel that is closed once the session is Terminated.
func (c *Controller) Done() <-chan struct{} { return c.done }

// SetMuted toggles outbound audio. Capture keeps running while muted so that
// un-muting is instant; captured frames are dropped before they are sent.
func (c *Controller) SetMuted(muted bool) {
	if c.muted.Swap(muted) != muted {
		c.log.Info("session: mute changed", "muted", muted)
	}
}

// Muted reports whether outbound audio is muted.
func (c *Controller) Muted() bool { return c.muted.Load() }

// Start acquires the capture source, opens the output and connects the
// duplex channel using p. It is only valid from Idle.
//
// An invalid persona is rejected before any resource is touched and leaves
// the controller Idle. A capture failure (wrapping
// [audio.ErrDeviceUnavailable]) or a connection failure (wrapping
// [*s2s.ConnectionError]) releases whatever was acquired and moves the
// controller straight to Terminated. If Stop is called while connecting,
// Start returns an error wrapping [ErrStopped].
func (c *Controller) Start(ctx context.Context, p persona.Config) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("session: start: %w", err)
	}

	ctx = observe.WithSession(ctx, c.id)

	c.mu.Lock()
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidState, st)
	}
	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.connectCancel = cancel
	c.state = StateConnecting
	c.mu.Unlock()

	c.notifyState(StateConnecting)
	c.log.Info("session: starting",
		"provider", c.cfg.ProviderName,
		"persona", p.Style,
		"voice", p.Voice,
	)

	sessCtx, sessCancel := context.WithCancel(context.WithoutCancel(ctx))
	c.sessCancel = sessCancel

	// Capture comes first: a missing microphone must not cost a connection.
	if err := c.cfg.Capture.Start(sessCtx, c.deliver); err != nil {
		c.abortStart(observe.EndCaptureUnavailable, "capture unavailable")
		return fmt.Errorf("session: start capture: %w", err)
	}
	c.captureStarted = true

	out, err := c.cfg.NewOutput()
	if err != nil {
		c.abortStart(observe.EndOutputUnavailable, "output unavailable")
		return fmt.Errorf("session: open output: %w", err)
	}
	c.out = out

	handle, err := c.connect(connectCtx, p)
	if err != nil {
		if c.wasStopRequested() {
			c.abortStart(observe.EndStopped, ReasonStopped)
			return fmt.Errorf("%w: %w", ErrStopped, err)
		}
		c.abortStart(observe.EndConnectionFailed, "connection failed")
		return fmt.Errorf("session: connect: %w", err)
	}
	c.handle = handle
	c.drops, _ = handle.(s2s.DropCounter)

	c.mu.Lock()
	if c.stopRequested {
		c.mu.Unlock()
		c.abortStart(observe.EndStopped, ReasonStopped)
		return ErrStopped
	}
	c.sched = playback.NewScheduler(out, c.unitDone, playback.WithLeadTime(c.cfg.LeadTime))
	c.state = StateActive
	c.active.Store(true)
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(context.Background(), 1)
	c.notifyState(StateActive)
	c.log.Info("session: active")

	go c.run()
	return nil
}

// connect opens the duplex channel inside a trace span and records its
// latency.
func (c *Controller) connect(ctx context.Context, p persona.Config) (s2s.SessionHandle, error) {
	ctx, span := observe.StartSpan(ctx, "session.connect")
	defer span.End()

	start := time.Now()
	handle, err := c.cfg.Provider.Connect(ctx, p.SessionConfig())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		var ce *s2s.ConnectionError
		if !errors.As(err, &ce) {
			err = &s2s.ConnectionError{Provider: c.cfg.ProviderName, Err: err}
		}
	}
	c.metrics.RecordConnect(ctx, c.cfg.ProviderName, status, time.Since(start).Seconds())
	return handle, err
}

// Stop ends the session. From Connecting it aborts the connection attempt;
// from Active it halts capture, flushes playback and closes the channel, in
// that order. Stop blocks until the session is Terminated and is idempotent.
// Calling Stop on an Idle controller returns [ErrInvalidState].
func (c *Controller) Stop() error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return fmt.Errorf("%w: stop from %s", ErrInvalidState, StateIdle)
	case StateConnecting:
		c.stopRequested = true
		if c.connectCancel != nil {
			c.connectCancel()
		}
	case StateActive:
		c.stopOnce.Do(func() { close(c.stopCh) })
	}
	c.mu.Unlock()

	<-c.done
	return nil
}

func (c *Controller) wasStopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested
}

// ── Capture and output context hand-off ───────────────────────────────────────

// deliver runs on the capture goroutine. It never blocks.
func (c *Controller) deliver(frame audio.AudioFrame) {
	ctx := context.Background()
	c.metrics.FramesCaptured.Add(ctx, 1)
	if !c.active.Load() {
		c.metrics.RecordFrameDropped(ctx, observe.DropNotActive)
		return
	}
	if c.muted.Load() {
		c.metrics.RecordFrameDropped(ctx, observe.DropMuted)
		return
	}
	select {
	case c.frames <- frame:
	default:
		c.metrics.RecordFrameDropped(ctx, observe.DropBackpressure)
	}
}

// unitDone runs on the output's render goroutine. It never blocks and never
// loses a completion.
func (c *Controller) unitDone(id uint64) {
	c.completedMu.Lock()
	c.completed = append(c.completed, id)
	c.completedMu.Unlock()
	select {
	case c.completedSig <- struct{}{}:
	default:
	}
}

// takeCompleted returns and clears the completions handed over so far.
func (c *Controller) takeCompleted() []uint64 {
	c.completedMu.Lock()
	defer c.completedMu.Unlock()
	ids := c.completed
	c.completed = nil
	return ids
}

// ── Dispatch loop ─────────────────────────────────────────────────────────────

func (c *Controller) run() {
	var idle <-chan time.Time
	var timer *time.Timer
	if c.cfg.IdleTimeout > 0 {
		timer = time.NewTimer(c.cfg.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}
	var limit <-chan time.Time
	if c.cfg.MaxDuration > 0 {
		t := time.NewTimer(c.cfg.MaxDuration)
		defer t.Stop()
		limit = t.C
	}

	events := c.handle.Events()
	outDone := c.out.Done()
	for {
		select {
		case <-c.stopCh:
			c.end(observe.EndStopped, ReasonStopped)
			return

		case frame := <-c.frames:
			c.sendFrame(frame)

		case <-c.completedSig:
			for _, id := range c.takeCompleted() {
				c.sched.Complete(id)
			}

		case <-outDone:
			err := c.out.Err()
			if err == nil {
				err = errors.New("stopped rendering")
			}
			c.log.Error("session: output failed", "err", err)
			c.end(observe.EndOutputFailed, "output failed: "+err.Error())
			return

		case ev, ok := <-events:
			if !ok {
				c.end(observe.EndRemoteClosed, s2s.ErrChannelClosed.Error())
				return
			}
			if timer != nil {
				timer.Reset(c.cfg.IdleTimeout)
			}
			if !c.handleEvent(ev) {
				return
			}

		case <-idle:
			c.log.Warn("session: no inbound events", "timeout", c.cfg.IdleTimeout, "err", ErrIdleTimeout)
			c.end(observe.EndIdleTimeout, ReasonIdleTimeout)
			return

		case <-limit:
			c.log.Warn("session: duration limit reached", "limit", c.cfg.MaxDuration)
			c.end(observe.EndMaxDuration, ReasonMaxDuration)
			return
		}
	}
}

func (c *Controller) sendFrame(frame audio.AudioFrame) {
	ctx := context.Background()
	// Mute may have been enabled while the frame was queued.
	if c.muted.Load() {
		c.metrics.RecordFrameDropped(ctx, observe.DropMuted)
		return
	}
	c.handle.Send(audio.Encode(frame))
	c.metrics.FramesSent.Add(ctx, 1)

	if c.drops != nil {
		n := c.drops.Dropped()
		c.metrics.RecordFramesDropped(ctx, observe.DropQueueFull, n-c.dropsSeen)
		c.dropsSeen = n
	}
}

// handleEvent reacts to one inbound event. It returns false once the session
// has ended.
func (c *Controller) handleEvent(ev s2s.Event) bool {
	ctx := context.Background()
	switch ev.Kind {
	case s2s.EventAudioChunk:
		samples, err := audio.Decode(ev.Payload)
		if err != nil {
			c.metrics.DecodeErrors.Add(ctx, 1)
			c.log.Warn("session: dropping undecodable audio", "err", err)
			return true
		}
		unit, ok := c.sched.Schedule(samples)
		if !ok {
			return true
		}
		c.metrics.UnitsScheduled.Add(ctx, 1)
		c.metrics.PlaybackLead.Record(ctx, max(unit.Start-c.out.Now(), 0).Seconds())
		if c.cfg.OnPlaybackData != nil {
			c.cfg.OnPlaybackData(samples)
		}

	case s2s.EventInterrupted:
		discarded := c.sched.Buffered()
		n := c.sched.Flush()
		c.metrics.Interruptions.Add(ctx, 1)
		c.log.Debug("session: playback flushed on interruption", "units", n, "discarded", discarded)
		if c.cfg.OnInterrupted != nil {
			c.cfg.OnInterrupted()
		}

	case s2s.EventClosed:
		reason := ev.Reason
		if reason == "" {
			reason = s2s.ErrChannelClosed.Error()
		}
		c.log.Info("session: channel closed by remote", "reason", reason)
		c.end(observe.EndRemoteClosed, reason)
		return false

	case s2s.EventError:
		reason := ev.Reason
		if reason == "" {
			reason = "channel error"
		}
		c.log.Error("session: channel failed", "reason", reason, "err", ev.Err)
		c.end(observe.EndChannelError, reason)
		return false
	}
	return true
}

// ── Teardown ──────────────────────────────────────────────────────────────────

// teardown releases every acquired resource exactly once: capture first, so
// nothing is sent into a half-closed channel, then playback, the channel and
// finally the output context.
func (c *Controller) teardown() {
	c.teardownOnce.Do(func() {
		c.active.Store(false)
		var errs []error
		if c.captureStarted {
			if err := c.cfg.Capture.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop capture: %w", err))
			}
		}
		if c.sched != nil {
			c.sched.Flush()
		}
		if c.handle != nil {
			if err := c.handle.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close channel: %w", err))
			}
		}
		if c.out != nil {
			if err := c.out.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close output: %w", err))
			}
		}
		if c.sessCancel != nil {
			c.sessCancel()
		}
		if err := errors.Join(errs...); err != nil {
			c.log.Warn("session: teardown", "err", err)
		}
	})
}

// abortStart tears down a session that never became Active. cause is one of
// the observe.End* constants; reason is the human-readable text.
func (c *Controller) abortStart(cause, reason string) {
	c.teardown()
	c.metrics.RecordSessionEnd(context.Background(), c.cfg.ProviderName, cause)
	c.finish(reason, false)
}

// end tears down an Active session and reports reason through OnClosed.
func (c *Controller) end(cause, reason string) {
	c.teardown()
	ctx := context.Background()
	c.metrics.ActiveSessions.Add(ctx, -1)
	c.metrics.RecordSessionEnd(ctx, c.cfg.ProviderName, cause)
	c.finish(reason, true)
}

func (c *Controller) finish(reason string, notifyClosed bool) {
	c.mu.Lock()
	c.state = StateTerminated
	c.reason = reason
	c.mu.Unlock()
	close(c.done)

	c.log.Info("session: terminated", "reason", reason)
	c.notifyState(StateTerminated)
	if notifyClosed && c.cfg.OnClosed != nil {
		c.cfg.OnClosed(reason)
	}
}

func (c *Controller) notifyState(s State) {
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}
