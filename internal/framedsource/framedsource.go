// Package framedsource defines the asynchronous one-frame-per-call producer
// contract (component C4) that file readers, codec framers, fragmenters,
// and RTP packetizers all speak, matching live555's FramedSource contract
// (liveMedia/include/FramedSource.hh) but expressed with Go callbacks
// scheduled through internal/scheduler instead of a C++ virtual dispatch
// table.
package framedsource

import (
	"time"

	"github.com/ethan/rtspd/internal/scheduler"
)

// AfterGetting is invoked once a frame has been delivered into the buffer
// passed to GetNextFrame. frameSize is always <= the requested maxSize; if
// the underlying frame was larger, numTruncatedBytes reports the discarded
// tail and frameSize == maxSize.
type AfterGetting func(frameSize, numTruncatedBytes uint, presentationTime time.Time, durationMicroseconds uint)

// OnClose is invoked instead of AfterGetting when the source has reached
// end-of-stream.
type OnClose func()

// Source is the frame producer contract. Exactly one GetNextFrame call may
// be outstanding at a time; a second call before the first completes is a
// programming error. GetNextFrame must invoke its callbacks via the
// scheduler (never synchronously), so callers can rely on never reentering
// themselves from within GetNextFrame.
type Source interface {
	// GetNextFrame requests up to len(to) bytes of the next frame,
	// notifying afterGetting on success or onClose at end-of-stream.
	GetNextFrame(to []byte, afterGetting AfterGetting, onClose OnClose)

	// StopGettingFrames cancels any outstanding request idempotently. A
	// subsequent GetNextFrame restarts cleanly.
	StopGettingFrames()

	// MaxFrameSize returns the largest frame this source may ever
	// deliver, or 0 if unknown.
	MaxFrameSize() uint
}

// Base implements the bookkeeping shared by every concrete Source: the
// in-flight guard, the scheduler used to dispatch callbacks, and the
// HandleClosure helper. Concrete sources embed Base and implement
// GetNextFrame.
type Base struct {
	Scheduler *scheduler.Scheduler

	to                     []byte
	afterGetting           AfterGetting
	onClose                OnClose
	awaitingData           bool
}

// NewBase constructs a Base bound to sched.
func NewBase(sched *scheduler.Scheduler) Base {
	return Base{Scheduler: sched}
}

// IsCurrentlyAwaitingData reports whether a GetNextFrame call is
// outstanding.
func (b *Base) IsCurrentlyAwaitingData() bool { return b.awaitingData }

// StartGetNextFrame records the pending request's callbacks; concrete
// sources call this at the top of their GetNextFrame before doing any
// work, then carry on with their own frame production.
func (b *Base) StartGetNextFrame(to []byte, afterGetting AfterGetting, onClose OnClose) []byte {
	if b.awaitingData {
		panic("framedsource: getNextFrame called while a request is already outstanding")
	}
	b.to = to
	b.afterGetting = afterGetting
	b.onClose = onClose
	b.awaitingData = true
	return to
}

// AfterGetting schedules the stored success callback to run on the
// scheduler loop, matching FramedSource::afterGetting's "never call the
// client back synchronously" contract.
func (b *Base) AfterGetting(frameSize, numTruncatedBytes uint, presentationTime time.Time, durationMicroseconds uint) {
	b.awaitingData = false
	cb := b.afterGetting
	if cb == nil {
		return
	}
	b.Scheduler.Enqueue(func() {
		cb(frameSize, numTruncatedBytes, presentationTime, durationMicroseconds)
	})
}

// HandleClosure schedules the stored close callback.
func (b *Base) HandleClosure() {
	b.awaitingData = false
	cb := b.onClose
	if cb == nil {
		return
	}
	b.Scheduler.Enqueue(func() {
		cb()
	})
}

// StopGettingFrames clears the in-flight guard so a later GetNextFrame
// restarts cleanly. Concrete sources with their own teardown (cancelling a
// timer, resetting a fragmenter buffer) should call this from their own
// StopGettingFrames after doing that work.
func (b *Base) StopGettingFrames() {
	b.awaitingData = false
	b.to = nil
	b.afterGetting = nil
	b.onClose = nil
}

// Filter is a Source that wraps another Source, forwarding
// StopGettingFrames and optionally reassigning its input. Concrete filters
// (the NAL framer, the fragmenter) embed Filter.
type Filter struct {
	Base
	Input Source
}

// NewFilter constructs a Filter wrapping input.
func NewFilter(sched *scheduler.Scheduler, input Source) Filter {
	return Filter{Base: NewBase(sched), Input: input}
}

// StopGettingFrames forwards cancellation to the upstream source as well
// as clearing our own in-flight guard.
func (f *Filter) StopGettingFrames() {
	if f.Input != nil {
		f.Input.StopGettingFrames()
	}
	f.Base.StopGettingFrames()
}

// ReassignInput swaps the upstream source. Per the open question in
// section 9 of the design, any pending overflow in a downstream fragmenter
// is not assumed valid across a reassignment: callers that hold such state
// must discard it themselves when calling this.
func (f *Filter) ReassignInput(input Source) {
	f.Input = input
}
