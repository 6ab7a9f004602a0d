// Package resize debounces layout size observations into frame height
// reports.
package resize

import "time"

// DefaultDelay is the quiescence window between the last size change and the
// report.
const DefaultDelay = 100 * time.Millisecond

// Timer is a pending callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it through
// RealAfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

// RealAfterFunc schedules on the runtime clock.
func RealAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Reporter owns at most one pending timer. It is not safe for concurrent use;
// the frame instance drives it from its event loop.
type Reporter struct {
	delay time.Duration
	after AfterFunc
	send  func(height int)

	observed bool
	current  int
	pending  Timer
	gen      uint64
}

func New(delay time.Duration, after AfterFunc, send func(height int)) *Reporter {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if after == nil {
		after = RealAfterFunc
	}
	return &Reporter{delay: delay, after: after, send: send}
}

// Observe records a size. An unchanged size is ignored; a new size cancels
// the pending report and schedules another one.
func (r *Reporter) Observe(height int) {
	if r.observed && height == r.current {
		return
	}
	r.observed = true
	r.current = height
	r.cancel()

	r.gen++
	gen := r.gen
	r.pending = r.after(r.delay, func() { r.fire(gen) })
}

// Pending reports whether a report is scheduled.
func (r *Reporter) Pending() bool { return r.pending != nil }

// Current is the last observed size.
func (r *Reporter) Current() int { return r.current }

// Stop cancels any pending report.
func (r *Reporter) Stop() { r.cancel() }

func (r *Reporter) cancel() {
	if r.pending != nil {
		r.pending.Stop()
		r.pending = nil
	}
	r.gen++
}

func (r *Reporter) fire(gen uint64) {
	// a superseded timer that fired before Stop reached it
	if gen != r.gen {
		return
	}
	r.pending = nil
	r.send(r.current)
}
