package playback

import (
	"time"

	"github.com/MrWong99/livetalk/pkg/audio"
)

// DefaultLeadTime is the initial head start given to the first unit so that
// early network jitter does not immediately starve the output.
const DefaultLeadTime = 200 * time.Millisecond

// Unit is one decoded chunk of inbound speech. It is owned by the [Scheduler]
// from Schedule until completion or flush.
type Unit struct {
	// ID is unique per Scheduler and increases in arrival order.
	ID uint64

	// Samples are mono float32 samples at [audio.PlaybackSampleRate].
	Samples []float32

	// Duration is the playback length of Samples.
	Duration time.Duration

	// Start is the position on the output timeline where the unit begins.
	Start time.Duration

	handle Handle
}

// End returns the timeline position right after the unit's last sample.
func (u *Unit) End() time.Duration { return u.Start + u.Duration }

// SchedulerOption configures a [Scheduler] during construction.
type SchedulerOption func(*Scheduler)

// WithLeadTime overrides [DefaultLeadTime]. Negative values are treated as 0.
func WithLeadTime(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.lead = max(d, 0)
	}
}

// Scheduler is the jitter buffer for inbound speech. For a unit of duration D
// arriving when the output clock reads now:
//
//	start = max(now, nextStart)
//	play(unit, start)
//	nextStart = start + D
//
// so consecutive units abut exactly, a late unit starts immediately rather
// than in the past, and a unit never overlaps its predecessor.
//
// A Scheduler is not safe for concurrent use. All methods must be called from
// the same goroutine (the session's dispatch loop). Completion notifications
// from the output's render goroutine reach it only through the onDone
// callback, which should forward the ID back to that goroutine.
type Scheduler struct {
	out    Output
	onDone func(id uint64)
	lead   time.Duration

	nextStart time.Duration
	seq       uint64
	active    map[uint64]*Unit
}

// NewScheduler creates a Scheduler placing units on out. onDone, if non-nil,
// is invoked from the output's goroutine with the ID of every unit that
// finished playing; the owner should pass the ID to [Scheduler.Complete] from
// the scheduling goroutine.
//
// The nextStart cursor is initialised to out.Now() plus the lead time.
func NewScheduler(out Output, onDone func(id uint64), opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		out:    out,
		onDone: onDone,
		lead:   DefaultLeadTime,
		active: make(map[uint64]*Unit),
	}
	for _, o := range opts {
		o(s)
	}
	s.nextStart = out.Now() + s.lead
	return s
}

// Schedule places samples on the output after everything already scheduled.
// It returns the scheduled unit and true, or nil and false when samples is
// empty (a no-op that leaves nextStart untouched).
func (s *Scheduler) Schedule(samples []float32) (*Unit, bool) {
	d := audio.SamplesDuration(len(samples), audio.PlaybackSampleRate)
	if d <= 0 {
		return nil, false
	}

	now := s.out.Now()
	start := max(now, s.nextStart)

	s.seq++
	u := &Unit{
		ID:       s.seq,
		Samples:  samples,
		Duration: d,
		Start:    start,
	}

	var done func()
	if s.onDone != nil {
		id := u.ID
		done = func() { s.onDone(id) }
	}
	u.handle = s.out.Play(samples, start, done)

	s.nextStart = start + d
	s.active[u.ID] = u
	return u, true
}

// Complete removes a finished unit from the active set. It reports whether the
// unit was still active; completions that race with a flush return false.
func (s *Scheduler) Complete(id uint64) bool {
	if _, ok := s.active[id]; !ok {
		return false
	}
	delete(s.active, id)
	return true
}

// Flush stops every in-flight unit, empties the active set and resets
// nextStart to the current output time so the next unit plays immediately.
// It returns the number of units cancelled.
func (s *Scheduler) Flush() int {
	n := len(s.active)
	for id, u := range s.active {
		if u.handle != nil {
			u.handle.Stop()
		}
		delete(s.active, id)
	}
	s.nextStart = s.out.Now()
	return n
}

// NextStart returns the timeline position at which the next unit would start
// if it arrived no later than that.
func (s *Scheduler) NextStart() time.Duration { return s.nextStart }

// Active returns the number of units scheduled but neither completed nor
// flushed.
func (s *Scheduler) Active() int { return len(s.active) }

// Buffered returns how much scheduled audio is still ahead of the output
// clock. It is zero when playback has drained.
func (s *Scheduler) Buffered() time.Duration {
	return max(s.nextStart-s.out.Now(), 0)
}
