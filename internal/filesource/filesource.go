// Package filesource implements the byte-stream file source (component
// C5), grounded in live555's ByteStreamFileSource
// (liveMedia/include/ByteStreamFileSource.hh, consulted via
// FramedSource.hh's contract) but reading through Go's os.File and
// bufio.Reader instead of a raw POSIX fd.
package filesource

import (
	"bufio"
	"io"
	"os"
	"time"

	"github.com/ethan/rtspd/internal/framedsource"
	"github.com/ethan/rtspd/internal/scheduler"
)

// Source reads raw bytes from a file, delivering them in caller-sized
// chunks honoring a preferred frame size and a configurable play time per
// frame used to advance presentationTime the way a live camera feed would.
type Source struct {
	framedsource.Base

	file   *os.File
	r      *bufio.Reader
	closed bool

	preferredFrameSize  uint
	playTimePerFrameUsec uint
	limitBytes          int64 // <0 means unlimited
	presentationTime    time.Time

	readToken scheduler.Token
}

// Option configures Source at construction.
type Option func(*Source)

// WithPreferredFrameSize caps how many bytes a single getNextFrame call
// reads, even if the caller's buffer is larger. 0 means unspecified (use
// the caller's capacity).
func WithPreferredFrameSize(n uint) Option {
	return func(s *Source) { s.preferredFrameSize = n }
}

// WithPlayTimePerFrame sets how many microseconds of "play time" each
// delivered frame represents, used to advance presentationTime as though this were a
// live, clocked source rather than a file being read as fast as possible.
func WithPlayTimePerFrame(usecPerFrame uint) Option {
	return func(s *Source) { s.playTimePerFrameUsec = usecPerFrame }
}

// New opens path for reading and wraps it as a Source.
func New(sched *scheduler.Scheduler, path string, opts ...Option) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Source{
		Base:             framedsource.NewBase(sched),
		file:             f,
		r:                bufio.NewReader(f),
		limitBytes:       -1,
		presentationTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SeekToByteAbsolute repositions the file to an absolute offset, optionally
// bounding subsequent reads to numBytes (0 = unlimited).
func (s *Source) SeekToByteAbsolute(offset int64, numBytes int64) error {
	if _, err := s.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	s.r.Reset(s.file)
	if numBytes > 0 {
		s.limitBytes = numBytes
	} else {
		s.limitBytes = -1
	}
	return nil
}

// SeekToByteRelative repositions the file offset bytes forward from its
// current position.
func (s *Source) SeekToByteRelative(offset int64) error {
	if _, err := s.file.Seek(offset, io.SeekCurrent); err != nil {
		return err
	}
	s.r.Reset(s.file)
	return nil
}

// SeekToEnd forces end-of-stream on the next getNextFrame call.
func (s *Source) SeekToEnd() {
	s.limitBytes = 0
}

// MaxFrameSize reports the preferred frame size, or 0 if unbounded.
func (s *Source) MaxFrameSize() uint { return s.preferredFrameSize }

// GetNextFrame reads up to len(to) bytes (bounded further by
// preferredFrameSize and any outstanding seek limit), delivering them via
// afterGetting, or invokes onClose at end-of-stream.
func (s *Source) GetNextFrame(to []byte, afterGetting framedsource.AfterGetting, onClose framedsource.OnClose) {
	s.StartGetNextFrame(to, afterGetting, onClose)

	if s.closed {
		s.HandleClosure()
		return
	}

	want := uint(len(to))
	if s.preferredFrameSize > 0 && want > s.preferredFrameSize {
		want = s.preferredFrameSize
	}
	if s.limitBytes == 0 {
		s.HandleClosure()
		return
	}
	if s.limitBytes > 0 && int64(want) > s.limitBytes {
		want = uint(s.limitBytes)
	}

	// Register readability first; most local files are always "ready",
	// so this resolves on the next scheduler tick rather than blocking
	// the caller, matching the spec's "if the file is seekable the
	// source registers a readable-fd callback with the scheduler"
	// requirement.
	s.readToken = s.Scheduler.ScheduleReadable(s.r, func() {
		s.doRead(to[:want])
	})
}

func (s *Source) doRead(to []byte) {
	// ScheduleReadable is a persistent, self-rearming registration (it
	// keeps firing until cancelled); a file read is one-shot per
	// GetNextFrame call, so cancel it before delivering the frame instead
	// of leaving it armed to poll and re-invoke this call's to/callback.
	s.readToken.Cancel()

	n, err := io.ReadFull(s.r, to)
	if n == 0 && err != nil {
		s.closed = true
		s.HandleClosure()
		return
	}
	if err != nil && err != io.ErrUnexpectedEOF {
		// A short, non-EOF read (ReadFull only returns ErrUnexpectedEOF
		// or nil for partial success) still delivers what we got.
	}
	if s.limitBytes > 0 {
		s.limitBytes -= int64(n)
	}
	durationUsec := s.playTimePerFrameUsec
	pt := s.presentationTime
	s.presentationTime = s.presentationTime.Add(time.Duration(durationUsec) * time.Microsecond)
	s.AfterGetting(uint(n), 0, pt, durationUsec)
}

// StopGettingFrames cancels any outstanding readability registration.
func (s *Source) StopGettingFrames() {
	s.readToken.Cancel()
	s.Base.StopGettingFrames()
}

// Close releases the underlying file.
func (s *Source) Close() error {
	s.closed = true
	return s.file.Close()
}
