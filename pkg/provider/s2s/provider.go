// Package s2s defines the duplex channel to a remote Speech-to-Speech (S2S)
// conversational service.
//
// An S2S provider wraps a real-time voice AI service that accepts raw audio
// input and returns synthesised audio output in a single, stateful session.
// Examples include the Gemini Live API and the OpenAI Realtime API.
//
// The central abstraction is [SessionHandle]: a bidirectional channel that
// carries captured audio upstream and delivers a closed set of tagged
// [Event] values downstream. Callers consume every inbound signal from one
// place, [SessionHandle.Events], instead of registering separate callbacks
// for open/message/close/error.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/livetalk/pkg/audio"
)

// ErrChannelClosed is reported when the remote side closes the channel.
var ErrChannelClosed = errors.New("s2s: channel closed")

// ConnectionError is returned by [Provider.Connect] when the channel could not
// be opened. It is fatal for the session.
type ConnectionError struct {
	// Provider names the dialect that failed (e.g. "gemini").
	Provider string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("s2s: %s: connect: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ChannelError reports a fatal transport or protocol failure after the
// channel was open.
type ChannelError struct {
	Provider string
	Err      error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("s2s: %s: %v", e.Provider, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// EventKind tags an inbound [Event].
type EventKind int

const (
	// EventAudioChunk carries one base64 PCM16 payload at
	// [audio.PlaybackSampleRate].
	EventAudioChunk EventKind = iota

	// EventInterrupted signals barge-in: the remote side detected the user
	// speaking over synthesised audio and all queued playback must be dropped.
	EventInterrupted

	// EventClosed signals an orderly close by the remote side. Terminal.
	EventClosed

	// EventError signals a fatal channel failure. Terminal.
	EventError
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAudioChunk:
		return "AUDIO_CHUNK"
	case EventInterrupted:
		return "INTERRUPTED"
	case EventClosed:
		return "CLOSED"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is one inbound signal from the remote service.
type Event struct {
	Kind EventKind

	// Payload is the base64 PCM16 audio for [EventAudioChunk].
	Payload string

	// Reason is a human-readable explanation for [EventClosed] and
	// [EventError].
	Reason string

	// Err is the underlying failure for [EventError].
	Err error
}

// IsTerminal reports whether no further events follow e.
func (e Event) IsTerminal() bool {
	return e.Kind == EventClosed || e.Kind == EventError
}

// AudioChunk builds an [EventAudioChunk] event.
func AudioChunk(payload string) Event { return Event{Kind: EventAudioChunk, Payload: payload} }

// Interrupted builds an [EventInterrupted] event.
func Interrupted() Event { return Event{Kind: EventInterrupted} }

// Closed builds an [EventClosed] event.
func Closed(reason string) Event { return Event{Kind: EventClosed, Reason: reason} }

// Failed builds an [EventError] event from err.
func Failed(err error) Event {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	return Event{Kind: EventError, Reason: reason, Err: err}
}

// SessionConfig is the initial configuration for a new S2S session. It is
// fixed for the lifetime of the session.
type SessionConfig struct {
	// Instructions is the system-level prompt defining the assistant's
	// persona and behaviour.
	Instructions string

	// Voice is the provider-specific prebuilt voice identifier. Empty selects
	// the provider default.
	Voice string
}

// Capabilities describes static properties of the S2S provider.
type Capabilities struct {
	// InputSampleRate is the PCM rate the provider consumes natively.
	InputSampleRate int

	// OutputSampleRate is the PCM rate of [EventAudioChunk] payloads.
	OutputSampleRate int

	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds, as imposed by the provider. Zero means no documented limit.
	MaxSessionDurationMs int

	// Voices lists the voice identifiers available for this provider.
	Voices []string
}

// SessionHandle represents an open duplex channel. It is an interface so that
// test code can supply mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// Send queues one encoded capture frame for delivery. It never blocks and
	// reports nothing: frames are dropped silently when the outbound queue is
	// full or the channel is not open, since stale real-time audio has no
	// value.
	Send(frame audio.EncodedFrame)

	// Events returns the inbound event stream. Events arrive in the order the
	// remote side produced them. After a terminal event (Closed or Error), or
	// after Close, the channel is closed.
	Events() <-chan Event

	// Close terminates the session and releases all resources. Outbound
	// frames still queued are discarded. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// DropCounter is implemented by session handles whose outbound queue can
// overflow. Dropped returns the running total of frames Send discarded
// because the queue was full.
type DropCounter interface {
	Dropped() int64
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect establishes a new session. It returns once the remote side has
	// accepted the configuration and the channel is open; the returned handle
	// accepts audio immediately. Failures are reported as a
	// [*ConnectionError]. ctx bounds the connection attempt only.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
