// Package multirtpsink implements the multi-frame RTP sink producer
// consumer loop (component C9): pulling frames from a FramedSource chain,
// packing as many as will fit into one RTP packet, and sending it, exactly
// mirroring live555's MultiFramedRTPSink
// (original_source/liveMedia/include/MultiFramedRTPSink.hh).
package multirtpsink

import (
	"time"

	"github.com/ethan/rtspd/internal/framedsource"
	"github.com/ethan/rtspd/internal/outpacket"
	"github.com/ethan/rtspd/internal/rtpsink"
	"github.com/ethan/rtspd/internal/scheduler"
)

const rtpHeaderSize = 12

// SpecialFrameHandler is the per-codec hook invoked after each frame is
// packed but before the "should we send now" decision; H.264/5 sinks use
// it to set the marker bit and timestamp (spec §4.8).
type SpecialFrameHandler func(frameStart []byte, numBytesInFrame uint, framePresentationTime time.Time, numRemainingBytes uint)

// CanAppearAfterPacketStart decides whether a given frame is allowed to be
// concatenated after other frames already packed into the current packet.
// H.264/5 fragments always return false (spec §4.8).
type CanAppearAfterPacketStart func(frameStart []byte, numBytesInFrame uint) bool

// Sink drives the producer-consumer packetization loop over Source,
// emitting packets through an *rtpsink.Base / transport pair.
type Sink struct {
	sched  *scheduler.Scheduler
	rtp    *rtpsink.Base
	source framedsource.Source
	outBuf *outpacket.Buffer

	frameSpecificHeaderSize   uint
	doSpecialFrameHandling    SpecialFrameHandler
	frameCanAppearAfterStart  CanAppearAfterPacketStart

	numFramesUsedSoFar      uint
	accumulatedDurationUsec uint
	isFirstPacket           bool
	playing                 bool

	sendTimer scheduler.Token

	afterPlaying func()
}

// New constructs a Sink. maxPacketSize bounds the OutPacketBuffer; the
// frameSpecificHeaderSize/doSpecialFrameHandling/canAppearAfterStart hooks
// are supplied by the codec-specific specialization (see
// internal/h264sink).
func New(sched *scheduler.Scheduler, rtp *rtpsink.Base, preferredPacketSize, maxPacketSize uint, frameSpecificHeaderSize uint, doSpecialFrameHandling SpecialFrameHandler, canAppearAfterStart CanAppearAfterPacketStart) *Sink {
	return &Sink{
		sched:                    sched,
		rtp:                      rtp,
		outBuf:                   outpacket.New(preferredPacketSize, maxPacketSize, 0),
		frameSpecificHeaderSize:  frameSpecificHeaderSize,
		doSpecialFrameHandling:   doSpecialFrameHandling,
		frameCanAppearAfterStart: canAppearAfterStart,
	}
}

// IsPlaying reports whether the packetization loop is currently active.
func (s *Sink) IsPlaying() bool { return s.playing }

// DiscardOverflow drops any buffered overflow bytes left over from the
// previous upstream source. Per the design's resolution of the
// overflow-across-reassignment open question, a codec sink must call this
// before resuming playback over a newly reassigned input, since overflow
// captured from the old source's last NAL is not valid content for the new
// one.
func (s *Sink) DiscardOverflow() { s.outBuf.ResetOverflowData() }

// ContinuePlaying starts (or resumes) pulling frames from source and
// sending packets. afterPlaying is invoked once, when source reaches
// end-of-stream.
func (s *Sink) ContinuePlaying(source framedsource.Source, afterPlaying func()) {
	s.source = source
	s.afterPlaying = afterPlaying
	s.playing = true
	s.isFirstPacket = true
	s.buildAndSendPacket()
}

// StopPlaying cancels the pending source request and any armed send
// timer, leaving the OutPacketBuffer's overflow state intact so a later
// ContinuePlaying resumes cleanly.
func (s *Sink) StopPlaying() {
	s.playing = false
	s.sendTimer.Cancel()
	if s.source != nil {
		s.source.StopGettingFrames()
	}
}

func (s *Sink) buildAndSendPacket() {
	s.outBuf.ResetPacketStart()
	s.outBuf.ResetOffset()
	s.outBuf.SkipBytes(rtpHeaderSize)
	s.numFramesUsedSoFar = 0
	s.accumulatedDurationUsec = 0
	s.packFrame()
}

func (s *Sink) packFrame() {
	if !s.playing {
		return
	}
	if s.outBuf.HaveOverflowData() {
		overflowSize := s.outBuf.OverflowDataSize()
		sec, usec := s.outBuf.OverflowPresentationTime()
		dur := s.outBuf.OverflowDurationMicroseconds()
		s.outBuf.UseOverflowData()
		// UseOverflowData already counted the adopted bytes; onFrameArrival
		// counts them again as a freshly delivered frame.
		s.outBuf.Decrement(overflowSize)
		s.onFrameArrival(overflowSize, 0, time.Unix(sec, usec*1000), dur)
		return
	}

	headerSize := s.frameSpecificHeaderSize
	to := s.outBuf.CurPtr()
	if uint(len(to)) < headerSize {
		s.sendPacketIfNecessary()
		return
	}
	capacity := s.outBuf.TotalBytesAvailable() - headerSize
	dest := to[headerSize:]
	if uint(len(dest)) > capacity {
		dest = dest[:capacity]
	}
	s.outBuf.Increment(headerSize)

	s.source.GetNextFrame(dest, func(frameSize, numTruncated uint, presentationTime time.Time, durationMicroseconds uint) {
		s.onFrameArrival(frameSize, numTruncated, presentationTime, durationMicroseconds)
	}, func() {
		s.outBuf.Decrement(headerSize)
		s.handleSourceClosure()
	})
}

func (s *Sink) onFrameArrival(numBytesRead, numTruncated uint, presentationTime time.Time, durationMicroseconds uint) {
	if s.outBuf.WouldOverflow(numBytesRead) {
		overflowBytes := s.outBuf.NumOverflowBytes(numBytesRead)
		keep := numBytesRead - overflowBytes
		s.outBuf.Increment(keep)
		s.outBuf.SetOverflowData(s.outBuf.CurPacketSize(), overflowBytes, presentationTime.Unix(), int64(presentationTime.Nanosecond()/1000), durationMicroseconds)
		s.sendPacketIfNecessary()
		return
	}

	frameStart := s.outBuf.CurPtr()
	numBytesInFrame := numBytesRead
	s.outBuf.Increment(numBytesRead)
	s.numFramesUsedSoFar++
	s.accumulatedDurationUsec += durationMicroseconds

	if s.doSpecialFrameHandling != nil {
		s.doSpecialFrameHandling(frameStart, numBytesInFrame, presentationTime, numTruncated)
	}

	if s.shouldSendNow(frameStart, numBytesInFrame) {
		s.sendPacketIfNecessary()
		return
	}
	s.packFrame()
}

func (s *Sink) shouldSendNow(frameStart []byte, numBytesInFrame uint) bool {
	if s.numFramesUsedSoFar == 0 {
		return false
	}
	if s.outBuf.IsPreferredSize() {
		return true
	}
	if s.frameCanAppearAfterStart != nil && !s.frameCanAppearAfterStart(frameStart, numBytesInFrame) {
		return true
	}
	return false
}

func (s *Sink) sendPacketIfNecessary() {
	if s.outBuf.CurPacketSize() > 0 {
		s.rtp.StampHeaderAndSend(s.outBuf.Packet())
	}
	s.isFirstPacket = false

	if !s.playing {
		return
	}
	if s.outBuf.HaveOverflowData() {
		s.buildAndSendPacket()
		return
	}
	// nextSendTime (spec §4.7 step 4): pace the next pack by the media
	// duration this packet just consumed, rather than firing immediately,
	// so playback isn't blasted at full read speed.
	delay := time.Duration(s.accumulatedDurationUsec) * time.Microsecond
	s.sendTimer = s.sched.ScheduleDelayed(delay, s.buildAndSendPacket)
}

func (s *Sink) handleSourceClosure() {
	s.playing = false
	if s.afterPlaying != nil {
		s.afterPlaying()
	}
}
