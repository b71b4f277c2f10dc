// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Captured audio is sent as base64-encoded 16 kHz PCM media chunks; synthesised
// audio arrives as inline data parts of the model turn and is surfaced
// unchanged as [s2s.EventAudioChunk] events.
package gemini

import (
	"context"
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
	providerName = "gemini"

	defaultModel        = "gemini-2.0-flash-live-001"
	defaultBaseURL      = "wss://generativelanguage.googleapis.com/ws"
	defaultSetupTimeout = 10 * time.Second

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	sendQueueSize  = 64
	eventQueueSize = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSetupTimeout bounds how long Connect waits for the server to acknowledge
// the setup message. Non-positive values are ignored.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.setupTimeout = d
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	setupTimeout time.Duration
}

// New creates a new Gemini Live Provider with the given API key and options.
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

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:      audio.CaptureSampleRate,
		OutputSampleRate:     audio.PlaybackSampleRate,
		MaxSessionDurationMs: 15 * 60 * 1000,
		Voices:               []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Connect dials the Gemini Live endpoint, sends the setup message and waits
// for setupComplete. The returned SessionHandle accepts audio immediately.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	setupCtx, cancel := context.WithTimeout(ctx, p.setupTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(setupCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, &s2s.ConnectionError{Provider: providerName, Err: fmt.Errorf("dial: %w", err)}
	}
	// Inline audio payloads routinely exceed the 32 KiB default.
	conn.SetReadLimit(8 << 20)

	if err := writeJSON(setupCtx, conn, buildSetup(p.model, cfg)); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, &s2s.ConnectionError{Provider: providerName, Err: fmt.Errorf("setup: %w", err)}
	}
	if err := awaitSetupComplete(setupCtx, conn); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "setup rejected")
		return nil, &s2s.ConnectionError{Provider: providerName, Err: err}
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		sendCh: make(chan []byte, sendQueueSize),
		events: make(chan s2s.Event, eventQueueSize),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	go sess.receiveLoop()
	go sess.writeLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// awaitSetupComplete reads server frames until setupComplete arrives. A server
// error frame or a closed socket aborts the handshake.
func awaitSetupComplete(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("await setupComplete: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != 0 {
		return fmt.Sprintf("server error %d: %s", e.Code, msg)
	}
	return "server error: " + msg
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

func buildSetup(model string, cfg s2s.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	return msg
}

// writeJSON marshals v and writes it as a text WebSocket message.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	sendCh chan []byte
	events chan s2s.Event

	dropped atomic.Int64
	closed  atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// receiveLoop reads messages from the WebSocket and translates them into
// events. It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)
	// Any remote-side termination also stops the writer and keepalive loops.
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

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}

		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage emits the events carried by msg. It returns false once a
// terminal event was emitted or the session was closed.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		s.emit(s2s.Failed(&s2s.ChannelError{Provider: providerName, Err: msg.Error}))
		return false
	}
	if msg.GoAway != nil {
		slog.Info("gemini: server announced disconnect", "time_left", msg.GoAway.TimeLeft)
	}
	sc := msg.ServerContent
	if sc == nil {
		return true
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			if !s.emit(s2s.AudioChunk(p.InlineData.Data)) {
				return false
			}
		}
	}
	if sc.Interrupted {
		return s.emit(s2s.Interrupted())
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

// writeLoop is the only goroutine that writes audio to the socket.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.sendCh:
			if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
				if s.ctx.Err() == nil {
					slog.Debug("gemini: write failed", "err", err)
				}
				return
			}
		}
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// Send queues an encoded capture frame as a realtimeInput media chunk. Frames
// are dropped when the session is closed or the send queue is full.
func (s *session) Send(frame audio.EncodedFrame) {
	if s.closed.Load() || s.ctx.Err() != nil {
		return
	}
	mime := frame.MIMEType
	if mime == "" {
		mime = audio.CaptureMIMEType
	}
	data, err := json.Marshal(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{MIMEType: mime, Data: frame.Data}},
		},
	})
	if err != nil {
		return
	}
	select {
	case s.sendCh <- data:
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
		s.cancel() // unblocks receiveLoop, writeLoop and keepaliveLoop
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
