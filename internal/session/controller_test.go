package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livetalk/internal/observe"
	"github.com/MrWong99/livetalk/internal/persona"
	"github.com/MrWong99/livetalk/pkg/audio"
	audiomock "github.com/MrWong99/livetalk/pkg/audio/mock"
	"github.com/MrWong99/livetalk/pkg/audio/playback"
	"github.com/MrWong99/livetalk/pkg/provider/s2s"
	s2smock "github.com/MrWong99/livetalk/pkg/provider/s2s/mock"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const waitTimeout = 2 * time.Second

// harness bundles a Controller with the mocks behind it and channels fed by
// its callbacks.
type harness struct {
	capture  *audiomock.Capture
	provider *s2smock.Provider
	sess     *s2smock.Session
	out      *audiomock.Output
	reader   *sdkmetric.ManualReader
	ctrl     *Controller

	closed      chan string
	interrupted chan struct{}
	played      chan []float32

	mu     sync.Mutex
	states []State
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		capture:     &audiomock.Capture{},
		sess:        s2smock.NewSession(),
		out:         audiomock.NewOutput(),
		reader:      reader,
		closed:      make(chan string, 4),
		interrupted: make(chan struct{}, 16),
		played:      make(chan []float32, 64),
	}
	h.provider = &s2smock.Provider{Session: h.sess}

	cfg := Config{
		Capture:      h.capture,
		Provider:     h.provider,
		ProviderName: "mock",
		NewOutput:    func() (playback.Output, error) { return h.out, nil },
		Metrics:      metrics,
		OnPlaybackData: func(samples []float32) {
			h.played <- samples
		},
		OnInterrupted: func() { h.interrupted <- struct{}{} },
		OnClosed:      func(reason string) { h.closed <- reason },
		OnStateChange: func(s State) {
			h.mu.Lock()
			h.states = append(h.states, s)
			h.mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h.ctrl, err = New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if h.ctrl.State() != StateIdle {
			_ = h.ctrl.Stop()
		}
	})
	return h
}

func (h *harness) stateLog() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.ctrl.Start(context.Background(), testPersona(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.ctrl.State(); got != StateActive {
		t.Fatalf("state after Start = %s, want active", got)
	}
}

// droppedBy returns the frames_dropped counter for reason.
func (h *harness) droppedBy(t *testing.T, reason string) int64 {
	t.Helper()
	return h.counter(t, "livetalk.channel.frames_dropped", reason)
}

// endsBy returns the session_ends counter for cause.
func (h *harness) endsBy(t *testing.T, cause string) int64 {
	t.Helper()
	return h.counter(t, "livetalk.session.ends", cause)
}

func (h *harness) counter(t *testing.T, name, reason string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum := m.Data.(metricdata.Sum[int64])
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("reason")); ok && v.AsString() == reason {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func testPersona(t *testing.T) persona.Config {
	t.Helper()
	p, err := persona.New(persona.StyleSkeptic, "Puck", "Pitching a new product.")
	if err != nil {
		t.Fatalf("persona.New: %v", err)
	}
	return p
}

func frame(n int) audio.AudioFrame {
	return audio.AudioFrame{Samples: make([]float32, n), SampleRate: audio.CaptureSampleRate}
}

// payload returns a base64 PCM16 chunk of n samples.
func payload(n int) string {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.25
	}
	return audio.Encode(audio.AudioFrame{Samples: samples}).Data
}

func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: "+format, args...)
}

func waitClosed(t *testing.T, h *harness) string {
	t.Helper()
	select {
	case reason := <-h.closed:
		return reason
	case <-time.After(waitTimeout):
		t.Fatal("OnClosed was not called")
		return ""
	}
}

// ── Construction ──────────────────────────────────────────────────────────────

func TestNew_RequiresResources(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	if err == nil {
		t.Fatal("expected error for empty config")
	}
	for _, want := range []string{"capture source", "provider", "output factory"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestNew_StartsIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	if got := h.ctrl.State(); got != StateIdle {
		t.Errorf("State() = %s, want idle", got)
	}
	if h.ctrl.ID() == "" {
		t.Error("ID() is empty")
	}
	if h.ctrl.Reason() != "" {
		t.Errorf("Reason() = %q before termination", h.ctrl.Reason())
	}
}

// ── Start ─────────────────────────────────────────────────────────────────────

func TestStart_ConnectsWithPersona(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	cfg, ok := h.provider.LastConfig()
	if !ok {
		t.Fatal("Connect was not called")
	}
	if cfg.Voice != "Puck" {
		t.Errorf("voice = %q, want Puck", cfg.Voice)
	}
	if !strings.Contains(cfg.Instructions, "Pitching a new product.") {
		t.Errorf("instructions lack extra context: %q", cfg.Instructions)
	}
	if !h.capture.Running() {
		t.Error("capture not running after Start")
	}

	states := h.stateLog()
	if len(states) != 2 || states[0] != StateConnecting || states[1] != StateActive {
		t.Errorf("state log = %v, want [connecting active]", states)
	}
}

func TestStart_CaptureUnavailable(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.capture.StartErr = fmt.Errorf("no input device: %w", audio.ErrDeviceUnavailable)

	err := h.ctrl.Start(context.Background(), testPersona(t))
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Start error = %v, want ErrDeviceUnavailable", err)
	}
	if got := h.ctrl.State(); got != StateTerminated {
		t.Errorf("state = %s, want terminated", got)
	}
	if n := h.provider.ConnectCount(); n != 0 {
		t.Errorf("Connect calls = %d, want 0", n)
	}
	select {
	case <-h.ctrl.Done():
	default:
		t.Error("Done not closed after failed start")
	}
	select {
	case r := <-h.closed:
		t.Errorf("OnClosed(%q) called for a start failure", r)
	default:
	}
}

func TestStart_ConnectFailureReleasesResources(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.provider.ConnectErr = errors.New("handshake refused")

	err := h.ctrl.Start(context.Background(), testPersona(t))
	var ce *s2s.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("Start error = %v, want *s2s.ConnectionError", err)
	}
	if ce.Provider != "mock" {
		t.Errorf("ConnectionError.Provider = %q", ce.Provider)
	}
	if got := h.ctrl.State(); got != StateTerminated {
		t.Errorf("state = %s, want terminated", got)
	}
	if n := h.capture.StopCount(); n != 1 {
		t.Errorf("capture Stop calls = %d, want 1", n)
	}
	if n := h.out.CloseCalls(); n != 1 {
		t.Errorf("output Close calls = %d, want 1", n)
	}
}

func TestStart_OutputFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) {
		c.NewOutput = func() (playback.Output, error) { return nil, errors.New("no sink") }
	})

	if err := h.ctrl.Start(context.Background(), testPersona(t)); err == nil {
		t.Fatal("expected error")
	}
	if n := h.provider.ConnectCount(); n != 0 {
		t.Errorf("Connect calls = %d, want 0", n)
	}
	if n := h.capture.StopCount(); n != 1 {
		t.Errorf("capture Stop calls = %d, want 1", n)
	}
}

func TestStart_InvalidPersonaStaysIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	err := h.ctrl.Start(context.Background(), persona.Config{Style: "bard"})
	if !errors.Is(err, persona.ErrUnknownStyle) {
		t.Fatalf("Start error = %v, want ErrUnknownStyle", err)
	}
	if got := h.ctrl.State(); got != StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if h.capture.StartCalls != 0 {
		t.Errorf("capture Start calls = %d, want 0", h.capture.StartCalls)
	}
}

func TestStart_OnlyFromIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	if err := h.ctrl.Start(context.Background(), testPersona(t)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Start = %v, want ErrInvalidState", err)
	}
	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.ctrl.Start(context.Background(), testPersona(t)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Start after Stop = %v, want ErrInvalidState", err)
	}
}

func TestStop_WhileConnecting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.provider.Block = make(chan struct{})

	errCh := make(chan error, 1)
	go func() { errCh <- h.ctrl.Start(context.Background(), testPersona(t)) }()

	eventually(t, func() bool {
		return h.ctrl.State() == StateConnecting && h.provider.ConnectCount() == 1
	}, "controller to reach connecting")

	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("Start error = %v, want ErrStopped", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Start did not return after Stop")
	}
	if got := h.ctrl.State(); got != StateTerminated {
		t.Errorf("state = %s, want terminated", got)
	}
	if n := h.capture.StopCount(); n != 1 {
		t.Errorf("capture Stop calls = %d, want 1", n)
	}
}

func TestStop_Idle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	if err := h.ctrl.Stop(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Stop on idle = %v, want ErrInvalidState", err)
	}
}

// ── Outbound audio ────────────────────────────────────────────────────────────

func TestCapturedFramesAreSent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	for range 3 {
		if !h.capture.Emit(frame(320)) {
			t.Fatal("Emit reported capture not running")
		}
	}
	eventually(t, func() bool { return len(h.sess.Sent()) == 3 }, "3 frames sent, got %d", len(h.sess.Sent()))

	got := h.sess.Sent()[0]
	if got.MIMEType != audio.CaptureMIMEType {
		t.Errorf("MIMEType = %q", got.MIMEType)
	}
	// 320 samples → 640 bytes → 856 base64 characters (with padding).
	if len(got.Data) != 856 {
		t.Errorf("encoded length = %d, want 856", len(got.Data))
	}
}

func TestMutedFramesAreDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	h.ctrl.SetMuted(true)
	if !h.ctrl.Muted() {
		t.Fatal("Muted() = false after SetMuted(true)")
	}
	for range 5 {
		if !h.capture.Emit(frame(320)) {
			t.Fatal("capture stopped while muted")
		}
	}
	if n := len(h.sess.Sent()); n != 0 {
		t.Errorf("sent %d frames while muted", n)
	}
	if n := h.droppedBy(t, observe.DropMuted); n != 5 {
		t.Errorf("muted drops = %d, want 5", n)
	}

	h.ctrl.SetMuted(false)
	h.capture.Emit(frame(320))
	eventually(t, func() bool { return len(h.sess.Sent()) == 1 }, "one frame sent after unmute")
}

// ── Inbound audio ─────────────────────────────────────────────────────────────

func TestAudioChunksScheduledInOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.LeadTime = 50 * time.Millisecond })
	h.start(t)

	// 2400 samples at 24 kHz = 100 ms each.
	h.sess.Push(s2s.AudioChunk(payload(2400)))
	h.sess.Push(s2s.AudioChunk(payload(2400)))

	eventually(t, func() bool { return len(h.out.Plays()) == 2 }, "two units played")

	plays := h.out.Plays()
	if plays[0].Start != 50*time.Millisecond {
		t.Errorf("first unit start = %v, want 50ms", plays[0].Start)
	}
	if plays[1].Start != 150*time.Millisecond {
		t.Errorf("second unit start = %v, want 150ms", plays[1].Start)
	}
	for range 2 {
		select {
		case samples := <-h.played:
			if len(samples) != 2400 {
				t.Errorf("OnPlaybackData got %d samples", len(samples))
			}
		case <-time.After(waitTimeout):
			t.Fatal("OnPlaybackData not called")
		}
	}
}

func TestEmptyChunkIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	h.sess.Push(s2s.AudioChunk(""))
	h.sess.Push(s2s.AudioChunk(payload(240)))

	eventually(t, func() bool { return len(h.out.Plays()) >= 1 }, "unit played")
	plays := h.out.Plays()
	if len(plays) != 1 {
		t.Fatalf("plays = %d, want 1", len(plays))
	}
	if plays[0].Start != playback.DefaultLeadTime {
		t.Errorf("start = %v, want %v", plays[0].Start, playback.DefaultLeadTime)
	}
}

func TestUndecodableChunkDoesNotEndSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	h.sess.Push(s2s.AudioChunk("%%% not base64 %%%"))
	h.sess.Push(s2s.AudioChunk(payload(240)))

	eventually(t, func() bool { return len(h.out.Plays()) == 1 }, "valid unit played after bad one")
	if got := h.ctrl.State(); got != StateActive {
		t.Errorf("state = %s, want active", got)
	}
}

func TestInterruptionFlushesPlayback(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	for range 3 {
		h.sess.Push(s2s.AudioChunk(payload(2400)))
	}
	eventually(t, func() bool { return len(h.out.Plays()) == 3 }, "three units played")

	h.out.SetNow(120 * time.Millisecond)
	h.sess.Push(s2s.Interrupted())

	select {
	case <-h.interrupted:
	case <-time.After(waitTimeout):
		t.Fatal("OnInterrupted not called")
	}
	for i, p := range h.out.Plays() {
		if !p.Stopped {
			t.Errorf("unit %d not stopped", i)
		}
	}

	// The next unit plays immediately instead of after the flushed queue.
	h.sess.Push(s2s.AudioChunk(payload(240)))
	eventually(t, func() bool { return len(h.out.Plays()) == 4 }, "unit after interruption")
	if got := h.out.Plays()[3].Start; got != 120*time.Millisecond {
		t.Errorf("start after flush = %v, want 120ms", got)
	}
}

func TestCompletionAfterFlushIsHarmless(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	h.sess.Push(s2s.AudioChunk(payload(240)))
	eventually(t, func() bool { return len(h.out.Plays()) == 1 }, "unit played")

	if !h.out.Finish(0) {
		t.Fatal("completion callback did not run")
	}
	h.sess.Push(s2s.AudioChunk(payload(240)))
	eventually(t, func() bool { return len(h.out.Plays()) == 2 }, "second unit played")
	if got := h.ctrl.State(); got != StateActive {
		t.Errorf("state = %s, want active", got)
	}
}

// ── Termination ───────────────────────────────────────────────────────────────

func TestStop_TearsDownOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	h.sess.Push(s2s.AudioChunk(payload(2400)))
	eventually(t, func() bool { return len(h.out.Plays()) == 1 }, "unit played")

	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if got := h.ctrl.State(); got != StateTerminated {
		t.Errorf("state = %s, want terminated", got)
	}
	if n := h.capture.StopCount(); n != 1 {
		t.Errorf("capture Stop calls = %d, want 1", n)
	}
	if n := h.sess.CloseCalls(); n != 1 {
		t.Errorf("session Close calls = %d, want 1", n)
	}
	if n := h.out.CloseCalls(); n != 1 {
		t.Errorf("output Close calls = %d, want 1", n)
	}
	if !h.out.Plays()[0].Stopped {
		t.Error("queued playback not flushed on Stop")
	}
	if reason := waitClosed(t, h); reason != ReasonStopped {
		t.Errorf("OnClosed reason = %q, want %q", reason, ReasonStopped)
	}
	if h.capture.Emit(frame(320)) {
		t.Error("capture still delivering after Stop")
	}
}

func TestConcurrentStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.ctrl.Stop(); err != nil {
				t.Errorf("Stop: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := h.sess.CloseCalls(); n != 1 {
		t.Errorf("session Close calls = %d, want 1", n)
	}
}

func TestRemoteCloseEndsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	h.sess.Push(s2s.Closed("session limit reached"))

	if reason := waitClosed(t, h); reason != "session limit reached" {
		t.Errorf("reason = %q", reason)
	}
	<-h.ctrl.Done()
	if got := h.ctrl.State(); got != StateTerminated {
		t.Errorf("state = %s, want terminated", got)
	}
	if got := h.ctrl.Reason(); got != "session limit reached" {
		t.Errorf("Reason() = %q", got)
	}
	if n := h.capture.StopCount(); n != 1 {
		t.Errorf("capture Stop calls = %d, want 1", n)
	}
	if err := h.ctrl.Stop(); err != nil {
		t.Errorf("Stop after remote close: %v", err)
	}

	states := h.stateLog()
	if states[len(states)-1] != StateTerminated {
		t.Errorf("last state = %s, want terminated", states[len(states)-1])
	}
}

func TestChannelErrorEndsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	h.sess.Push(s2s.Failed(&s2s.ChannelError{Provider: "mock", Err: errors.New("connection reset")}))

	reason := waitClosed(t, h)
	if !strings.Contains(reason, "connection reset") {
		t.Errorf("reason = %q, want it to mention the cause", reason)
	}
	if n := h.out.CloseCalls(); n != 1 {
		t.Errorf("output Close calls = %d, want 1", n)
	}
}

func TestIdleTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.IdleTimeout = 40 * time.Millisecond })
	h.start(t)

	if reason := waitClosed(t, h); reason != ReasonIdleTimeout {
		t.Errorf("reason = %q, want %q", reason, ReasonIdleTimeout)
	}
	if got := h.ctrl.State(); got != StateTerminated {
		t.Errorf("state = %s, want terminated", got)
	}
}

func TestIdleTimerResetByEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.IdleTimeout = 150 * time.Millisecond })
	h.start(t)

	for range 4 {
		time.Sleep(50 * time.Millisecond)
		h.sess.Push(s2s.AudioChunk(payload(24)))
	}
	if got := h.ctrl.State(); got != StateActive {
		t.Errorf("state = %s, want active while events keep arriving", got)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    State
		want string
	}{
		{StateIdle, "idle"},
		{StateConnecting, "connecting"},
		{StateActive, "active"},
		{StateTerminated, "terminated"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestRemoteCloseReasonLabelIsBounded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	h.sess.Push(s2s.Closed("websocket: close 1011 (internal error): quota exceeded for project 12345"))
	waitClosed(t, h)

	if n := h.endsBy(t, observe.EndRemoteClosed); n != 1 {
		t.Errorf("remote_closed ends = %d, want 1", n)
	}
	if n := h.endsBy(t, "websocket: close 1011 (internal error): quota exceeded for project 12345"); n != 0 {
		t.Error("free-form close text used as a metric label")
	}
}

func TestMaxDurationEndsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.MaxDuration = 40 * time.Millisecond })
	h.start(t)

	if reason := waitClosed(t, h); reason != ReasonMaxDuration {
		t.Errorf("reason = %q, want %q", reason, ReasonMaxDuration)
	}
	if n := h.endsBy(t, observe.EndMaxDuration); n != 1 {
		t.Errorf("max_duration ends = %d, want 1", n)
	}
}

// ── Output failure ────────────────────────────────────────────────────────────

func TestOutputFailureEndsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	h.out.Fail(errors.New("speaker unplugged"))

	reason := waitClosed(t, h)
	if !strings.Contains(reason, "speaker unplugged") {
		t.Errorf("reason = %q, want it to mention the device error", reason)
	}
	if got := h.ctrl.State(); got != StateTerminated {
		t.Errorf("state = %s, want terminated", got)
	}
	if n := h.sess.CloseCalls(); n != 1 {
		t.Errorf("session Close calls = %d, want 1", n)
	}
	if n := h.endsBy(t, observe.EndOutputFailed); n != 1 {
		t.Errorf("output_failed ends = %d, want 1", n)
	}
}

func TestFailedDeviceDoesNotWedgeStop(t *testing.T) {
	t.Parallel()
	dev := &audiomock.Device{WriteErr: errors.New("device gone")}
	h := newHarness(t, func(c *Config) {
		c.NewOutput = func() (playback.Output, error) {
			return playback.NewRenderer(dev, playback.WithBlockSize(64)), nil
		}
	})
	h.start(t)

	// Far more chunks than the renderer buffers commands for.
	for range 400 {
		h.sess.Push(s2s.AudioChunk(payload(240)))
	}
	select {
	case <-h.ctrl.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session kept running after the playback device failed")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- h.ctrl.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Stop blocked after the playback device failed")
	}

	if reason := h.ctrl.Reason(); !strings.Contains(reason, "device gone") {
		t.Errorf("Reason() = %q, want the device error", reason)
	}
	if n := dev.CloseCalls(); n != 1 {
		t.Errorf("device Close calls = %d, want 1", n)
	}
}

// ── Completions and drops ─────────────────────────────────────────────────────

func TestCompletionBurstRetiresEveryUnit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	const units = 300
	for i := range units {
		for !h.sess.Push(s2s.AudioChunk(payload(24))) {
			if h.ctrl.State() != StateActive {
				t.Fatalf("session ended after %d chunks", i)
			}
			time.Sleep(time.Millisecond)
		}
	}
	eventually(t, func() bool { return len(h.out.Plays()) == units }, "%d units played", units)

	// The whole burst arrives before the dispatch goroutine gets a turn.
	for i := range units {
		if !h.out.Finish(i) {
			t.Fatalf("unit %d did not report completion", i)
		}
	}
	eventually(t, func() bool {
		h.ctrl.completedMu.Lock()
		defer h.ctrl.completedMu.Unlock()
		return len(h.ctrl.completed) == 0
	}, "completions consumed")

	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Teardown flushes whatever is still active; completed units must not be.
	for i, p := range h.out.Plays() {
		if p.Stopped {
			t.Fatalf("unit %d still active after completing", i)
		}
	}
}

func TestChannelQueueOverflowCountsAsDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.sess.QueueLimit = 2
	h.start(t)

	for range 5 {
		h.capture.Emit(frame(320))
	}
	eventually(t, func() bool { return h.sess.Dropped() == 3 }, "three frames refused by the channel")
	eventually(t, func() bool { return h.droppedBy(t, observe.DropQueueFull) == 3 },
		"queue_full drops recorded")
	if n := len(h.sess.Sent()); n != 2 {
		t.Errorf("sent = %d, want 2", n)
	}
}

func TestSetMutedWhileStarting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				h.ctrl.SetMuted(i%2 == 0)
			}
		}
	}()

	h.start(t)
	close(stop)
	wg.Wait()
}
