// Package playback schedules decoded speech for gapless, ordered output.
//
// Two layers cooperate:
//
//   - [Scheduler] is the jitter buffer. It decides when each unit starts,
//     keeps the single nextStart cursor and the set of in-flight units, and
//     flushes everything on barge-in. It is driven from one goroutine only.
//   - [Output] is the real-time output context that plays samples at the
//     start times the Scheduler chose. [Renderer] is the production
//     implementation: it mixes scheduled units block by block into a
//     [Device] on its own goroutine.
//
// The two layers talk through [Output.Play] and the completion callback only;
// no mutable state is shared between the scheduling goroutine and the render
// goroutine.
package playback

import "time"

// Handle cancels a unit previously passed to [Output.Play].
type Handle interface {
	// Stop silences the unit immediately. Stopping a finished or already
	// stopped unit is a no-op. A stopped unit never reports completion.
	Stop()
}

// Output is a timeline onto which sample buffers are placed.
//
// Implementations must be safe for concurrent use: Now may be read from any
// goroutine, and Play/Stop are called from the scheduling goroutine while the
// output renders on its own.
type Output interface {
	// Now returns the current position of the output timeline. Samples placed
	// at Now will be the next ones heard.
	Now() time.Duration

	// Play places samples (at the output's sample rate) on the timeline at
	// start. onDone, if non-nil, is called once from the output's own
	// goroutine after the last sample has been rendered; it must not block.
	Play(samples []float32, start time.Duration, onDone func()) Handle

	// Done is closed when the output stops rendering, either because the
	// device failed or because Close was called. Play after Done never
	// blocks and the unit is discarded.
	Done() <-chan struct{}

	// Err reports why rendering stopped, or nil while it is running.
	Err() error

	// Close stops rendering and releases the underlying device. Idempotent.
	Close() error
}

// Device is a sink for rendered blocks of mono float32 samples.
//
// Write is called sequentially from a single render goroutine and is
// expected to block roughly for the duration of the block (a hardware stream
// or a paced stand-in); that blocking is what clocks the [Renderer].
type Device interface {
	Write(block []float32) error
	Close() error
}
