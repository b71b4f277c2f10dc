// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The Realtime API consumes PCM16 at 24 kHz, so captured 16 kHz frames are
// resampled on the write path before being appended to the input buffer.
// Server-side voice activity detection drives barge-in: speech_started is
// surfaced as [s2s.EventInterrupted].
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livetalk/pkg/audio"
	"github.com/MrWong99/livetalk/pkg/provider/s2s"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)
var _ s2s.DropCounter = (*session)(nil)

const (
	providerName = "openai"

	defaultModel        = "gpt-4o-realtime-preview"
	defaultBaseURL      = "wss://api.openai.com/v1/realtime"
	defaultSetupTimeout = 10 * time.Second

	// inputRate is the PCM16 rate the Realtime API expects for input audio.
	inputRate = 24000

	sendQueueSize  = 64
	eventQueueSize = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSetupTimeout bounds how long Connect waits for session.updated.
// Non-positive values are ignored.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.setupTimeout = d
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	setupTimeout time.Duration
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		baseURL:      defaultBaseURL,
		setupTimeout: defaultSetupTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:      inputRate,
		OutputSampleRate:     audio.PlaybackSampleRate,
		MaxSessionDurationMs: 30 * 60 * 1000,
		Voices:               []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect establishes a new OpenAI Realtime session. It sends session.update
// and returns once the server confirms it with session.updated.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	setupCtx, cancel := context.WithTimeout(ctx, p.setupTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(setupCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, &s2s.ConnectionError{Provider: providerName, Err: fmt.Errorf("dial: %w", err)}
	}
	conn.SetReadLimit(8 << 20)

	if err := writeJSON(setupCtx, conn, buildSessionUpdate(cfg)); err != nil {
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, &s2s.ConnectionError{Provider: providerName, Err: fmt.Errorf("session update: %w", err)}
	}
	if err := awaitSessionUpdated(setupCtx, conn); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "session rejected")
		return nil, &s2s.ConnectionError{Provider: providerName, Err: err}
	}

	rs, err := audio.NewResampler(audio.CaptureSampleRate, inputRate)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "resampler")
		return nil, &s2s.ConnectionError{Provider: providerName, Err: err}
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:      conn,
		resampler: rs,
		sendCh:    make(chan audio.EncodedFrame, sendQueueSize),
		events:    make(chan s2s.Event, eventQueueSize),
		ctx:       sessCtx,
		cancel:    sessCancel,
	}

	go sess.receiveLoop()
	go sess.writeLoop()

	return sess, nil
}

// awaitSessionUpdated reads server events until session.updated arrives. An
// error event or a closed socket aborts the handshake.
func awaitSessionUpdated(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("await session.updated: %w", err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.updated":
			return nil
		case "error":
			return evt.errorDetail()
		}
	}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string       `json:"modalities"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverErrorDetail) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("server error %s: %s", e.Code, msg)
	}
	return "server error: " + msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

func (e *serverEvent) errorDetail() error {
	if e.Error == nil {
		return &serverErrorDetail{}
	}
	return e.Error
}

func buildSessionUpdate(cfg s2s.SessionConfig) sessionUpdateMessage {
	return sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:        []string{"audio", "text"},
			Voice:             cfg.Voice,
			Instructions:      cfg.Instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     &turnDetection{Type: "server_vad"},
		},
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn      *websocket.Conn
	resampler *audio.Resampler // owned by writeLoop
	sendCh    chan audio.EncodedFrame
	events    chan s2s.Event

	dropped atomic.Int64
	closed  atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// receiveLoop reads events from the WebSocket and translates them. It owns
// the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)
	defer s.cancel()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.emit(terminalEvent(err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}

		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent emits the event carried by evt. It returns false once a
// terminal event was emitted or the session was closed.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "response.audio.delta", "response.output_audio.delta":
		if evt.Delta == "" {
			return true
		}
		return s.emit(s2s.AudioChunk(evt.Delta))
	case "input_audio_buffer.speech_started":
		return s.emit(s2s.Interrupted())
	case "error":
		// Client-side protocol mistakes are reported as invalid_request_error
		// and leave the session usable.
		if evt.Error != nil && evt.Error.Type == "invalid_request_error" {
			slog.Warn("openai: request rejected", "code", evt.Error.Code, "message", evt.Error.Message)
			return true
		}
		s.emit(s2s.Failed(&s2s.ChannelError{Provider: providerName, Err: evt.errorDetail()}))
		return false
	}
	return true
}

// terminalEvent maps a read failure to Closed for an orderly remote close and
// to Error otherwise.
func terminalEvent(err error) s2s.Event {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		var ce websocket.CloseError
		if errors.As(err, &ce) && ce.Reason != "" {
			return s2s.Closed(ce.Reason)
		}
		return s2s.Closed(s2s.ErrChannelClosed.Error())
	}
	return s2s.Failed(&s2s.ChannelError{Provider: providerName, Err: err})
}

// emit delivers ev unless the session is closed first.
func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// writeLoop resamples queued frames to 24 kHz and appends them to the input
// audio buffer. It is the only goroutine that touches the resampler.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.sendCh:
			data, err := s.appendMessage(frame)
			if err != nil {
				slog.Debug("openai: dropping frame", "err", err)
				continue
			}
			if data == nil {
				continue
			}
			if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
				if s.ctx.Err() == nil {
					slog.Debug("openai: write failed", "err", err)
				}
				return
			}
		}
	}
}

// appendMessage converts one 16 kHz frame into an input_audio_buffer.append
// message. It returns nil data while the resampler is still priming.
func (s *session) appendMessage(frame audio.EncodedFrame) ([]byte, error) {
	samples, err := audio.Decode(frame.Data)
	if err != nil {
		return nil, err
	}
	up, err := s.resampler.Process(samples)
	if err != nil {
		return nil, err
	}
	if len(up) == 0 {
		return nil, nil
	}
	msg := appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(audio.FloatToPCM16(up)),
	}
	return json.Marshal(msg)
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// Send queues an encoded 16 kHz capture frame. Frames are dropped when the
// session is closed or the send queue is full.
func (s *session) Send(frame audio.EncodedFrame) {
	if s.closed.Load() || s.ctx.Err() != nil {
		return
	}
	select {
	case s.sendCh <- frame:
	default:
		s.dropped.Add(1)
	}
}

// Events returns the inbound event stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Dropped returns how many outbound frames were discarded because the send
// queue was full.
func (s *session) Dropped() int64 { return s.dropped.Load() }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
