// Package fragmenter implements the H.264/H.265 fragmenter (component C7):
// a FramedFilter that mediates between a framer emitting one whole NAL per
// frame and an RTP sink that needs fragments bounded by a maximum output
// packet size, grounded in live555's H264or5Fragmenter::doGetNextFrame
// (original_source/liveMedia/H264or5VideoRTPSink.cpp), including its input
// buffer being sized off a NAL-size bound independent of the per-packet
// output cap.
package fragmenter

import (
	"time"

	"github.com/ethan/rtspd/internal/framedsource"
	"github.com/ethan/rtspd/internal/h264framer"
	"github.com/ethan/rtspd/internal/scheduler"
)

// DefaultInputBufferMax bounds how large a single whole NAL unit the
// fragmenter will hold before fragmenting it, independent of
// maxOutputPacketSize. It matches live555's OutPacketBuffer::maxSize
// default (H264or5VideoRTPSink.cpp:134 sizes the fragmenter's input buffer
// from this, not from maxOutputPacketSize).
const DefaultInputBufferMax = 60000

// Fragmenter splits each NAL unit from its input into one or more RTP
// payload fragments no larger than maxOutputPacketSize, using the FU-A
// (H.264) or FU (H.265) fragmentation scheme. Its internal buffer holds one
// whole NAL (up to inputBufferMax bytes) plus one reserved byte 0, used to
// stamp the FU indicator/header in place over the NAL's own header
// byte(s); the buffer is sized independently of maxOutputPacketSize so a
// NAL larger than the output packet size is still read in full and then
// split across fragments, rather than truncated on read.
type Fragmenter struct {
	framedsource.Filter

	codec               h264framer.Codec
	maxOutputPacketSize uint

	buffer []byte

	numValidDataBytes uint // bytes of the current NAL resident, incl. reserved byte 0
	curDataOffset     uint // bytes of the current NAL already emitted, incl. reserved byte 0

	lastFragmentCompletedNALUnit bool

	to               []byte
	presentationTime time.Time
}

// New constructs a Fragmenter reading whole NALs from input (typically an
// *h264framer.Framer) and emitting fragments no larger than
// maxOutputPacketSize. Its input buffer is sized to hold a whole NAL up to
// DefaultInputBufferMax bytes (or maxOutputPacketSize, whichever is
// larger), so fragmentation of NALs exceeding maxOutputPacketSize actually
// occurs instead of being truncated on read.
func New(sched *scheduler.Scheduler, input framedsource.Source, codec h264framer.Codec, maxOutputPacketSize uint) *Fragmenter {
	inputBufferMax := uint(DefaultInputBufferMax)
	if maxOutputPacketSize > inputBufferMax {
		inputBufferMax = maxOutputPacketSize
	}
	return &Fragmenter{
		Filter:              framedsource.NewFilter(sched, input),
		codec:               codec,
		maxOutputPacketSize: maxOutputPacketSize,
		buffer:              make([]byte, inputBufferMax+1),
		numValidDataBytes:   1,
		curDataOffset:       1,
	}
}

// LastFragmentCompletedNALUnit reports whether the fragment most recently
// delivered was the final fragment of its NAL unit (or the whole NAL, if
// it fit in one piece). The H.264/5 RTP sink ANDs this with the framer's
// PictureEndMarker to decide the RTP marker bit.
func (fr *Fragmenter) LastFragmentCompletedNALUnit() bool { return fr.lastFragmentCompletedNALUnit }

// MaxFrameSize is the configured maximum output packet size.
func (fr *Fragmenter) MaxFrameSize() uint { return fr.maxOutputPacketSize }

// GetNextFrame delivers the next fragment into to; a fragment never exceeds
// maxOutputPacketSize, however large to is.
func (fr *Fragmenter) GetNextFrame(to []byte, afterGetting framedsource.AfterGetting, onClose framedsource.OnClose) {
	fr.StartGetNextFrame(to, afterGetting, onClose)
	fr.to = to
	fr.doGetNextFrame()
}

func (fr *Fragmenter) doGetNextFrame() {
	if fr.numValidDataBytes == 1 {
		// Empty state: fetch a whole NAL from upstream into buffer[1:].
		fr.Input.GetNextFrame(fr.buffer[1:], func(frameSize, _ uint, presentationTime time.Time, _ uint) {
			fr.numValidDataBytes = 1 + frameSize
			fr.curDataOffset = 1
			fr.presentationTime = presentationTime
			fr.doGetNextFrame()
		}, func() {
			fr.HandleClosure()
		})
		return
	}

	fMaxSize := uint(len(fr.to))
	if fMaxSize > fr.maxOutputPacketSize {
		fMaxSize = fr.maxOutputPacketSize
	}
	nalSize := fr.numValidDataBytes - 1

	if fr.curDataOffset == 1 {
		if nalSize <= fMaxSize {
			// Whole NAL fits: emit as-is.
			n := copy(fr.to, fr.buffer[1:fr.numValidDataBytes])
			fr.curDataOffset = fr.numValidDataBytes
			fr.lastFragmentCompletedNALUnit = true
			fr.finishAndMaybeReset(uint(n))
			return
		}
		fr.emitFirstFragment(fMaxSize)
		return
	}

	fr.emitMiddleOrLastFragment(fMaxSize)
}

// emitFirstFragment stamps the FU indicator/header over the reserved byte
// and the NAL's own header byte(s), in place, then emits fMaxSize bytes
// starting at buffer[0].
func (fr *Fragmenter) emitFirstFragment(fMaxSize uint) {
	switch fr.codec {
	case h264framer.H264:
		nalHeader := fr.buffer[1]
		fr.buffer[0] = (nalHeader & 0xE0) | 28
		fr.buffer[1] = 0x80 | (nalHeader & 0x1F)
	case h264framer.H265:
		b1, b2 := fr.buffer[1], fr.buffer[2]
		nalType := (b1 & 0x7E) >> 1
		fr.buffer[0] = (b1 & 0x81) | (49 << 1)
		fr.buffer[1] = b2
		fr.buffer[2] = 0x80 | nalType
	}

	n := copy(fr.to, fr.buffer[:fMaxSize])
	fr.curDataOffset += fMaxSize - 1
	fr.lastFragmentCompletedNALUnit = false
	fr.finishAndMaybeReset(uint(n))
}

// emitMiddleOrLastFragment prepends a fresh FU indicator/header (without
// the S-bit) just before curDataOffset and copies as much remaining
// payload as fits, setting the E-bit if this fragment finishes the NAL.
func (fr *Fragmenter) emitMiddleOrLastFragment(fMaxSize uint) {
	var headerSize uint
	switch fr.codec {
	case h264framer.H264:
		headerSize = 2
	case h264framer.H265:
		headerSize = 3
	}

	headerStart := fr.curDataOffset - headerSize
	remaining := fr.numValidDataBytes - fr.curDataOffset
	isLast := remaining+headerSize <= fMaxSize

	switch fr.codec {
	case h264framer.H264:
		fuIndicator := fr.buffer[0]
		fuHeader := fr.buffer[1] & 0x1F // NAL type bits only, S/E cleared
		if isLast {
			fuHeader |= 0x40
		}
		fr.buffer[headerStart] = fuIndicator
		fr.buffer[headerStart+1] = fuHeader
	case h264framer.H265:
		payloadHdr1 := fr.buffer[0]
		payloadHdr2 := fr.buffer[1]
		fuHeader := fr.buffer[2] & 0x3F // type bits only, S/E cleared
		if isLast {
			fuHeader |= 0x40
		}
		fr.buffer[headerStart] = payloadHdr1
		fr.buffer[headerStart+1] = payloadHdr2
		fr.buffer[headerStart+2] = fuHeader
	}

	available := fMaxSize
	toEmit := remaining + headerSize
	if toEmit > available {
		toEmit = available
	}
	n := copy(fr.to, fr.buffer[headerStart:headerStart+toEmit])
	fr.curDataOffset += toEmit - headerSize
	fr.lastFragmentCompletedNALUnit = isLast
	fr.finishAndMaybeReset(uint(n))
}

// finishAndMaybeReset resets to the empty state once the whole NAL has
// been emitted, then delivers the fragment.
func (fr *Fragmenter) finishAndMaybeReset(frameSize uint) {
	if fr.curDataOffset >= fr.numValidDataBytes {
		fr.numValidDataBytes = 1
		fr.curDataOffset = 1
	}
	fr.AfterGetting(frameSize, 0, fr.presentationTime, 0)
}
