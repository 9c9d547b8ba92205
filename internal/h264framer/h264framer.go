// Package h264framer implements the H.264/H.265 stream framer (component
// C6): a FramedFilter that turns a raw byte stream into one NAL unit per
// frame, stripping Annex B start codes and tracking access-unit
// boundaries, grounded in live555's H264or5VideoStreamFramer (referenced
// from liveMedia/include/FramedSource.hh's FramedFilter contract).
package h264framer

import (
	"time"

	"github.com/ethan/rtspd/internal/framedsource"
	"github.com/ethan/rtspd/internal/scheduler"
)

// Codec selects which NAL header layout governs access-unit detection.
type Codec int

const (
	H264 Codec = 264
	H265 Codec = 265
)

const scratchChunkSize = 4096

// Framer repackages a start-code-delimited byte stream into discrete NAL
// units, exposing PictureEndMarker for the fragmenter/RTP sink to consume
// and clear.
type Framer struct {
	framedsource.Filter

	codec Codec

	to  []byte // destination recorded for the in-flight GetNextFrame call
	acc []byte // raw bytes read from upstream, not yet split into NALs
	nalQueue [][]byte
	eof      bool

	presentationTime time.Time
	pictureEndMarker bool
}

// New wraps input, interpreting its byte stream as codec's NAL stream.
func New(sched *scheduler.Scheduler, input framedsource.Source, codec Codec) *Framer {
	return &Framer{
		Filter: framedsource.NewFilter(sched, input),
		codec:  codec,
	}
}

// PictureEndMarker reports whether the most recently delivered NAL ended
// an access unit. Consumers (the fragmenter, via the RTP sink) read this
// and then call ClearPictureEndMarker.
func (f *Framer) PictureEndMarker() bool { return f.pictureEndMarker }

// ClearPictureEndMarker resets the flag after a consumer has acted on it.
func (f *Framer) ClearPictureEndMarker() { f.pictureEndMarker = false }

// MaxFrameSize is unbounded: a NAL unit may be arbitrarily large.
func (f *Framer) MaxFrameSize() uint { return 0 }

// GetNextFrame delivers the next NAL unit (start code stripped) into to.
func (f *Framer) GetNextFrame(to []byte, afterGetting framedsource.AfterGetting, onClose framedsource.OnClose) {
	f.StartGetNextFrame(to, afterGetting, onClose)
	f.to = to
	f.pump()
}

// pump advances the extraction state machine: deliver a queued NAL if one
// is safely known-complete (we have a following NAL, or we're at EOF), else
// pull more raw bytes from upstream.
func (f *Framer) pump() {
	if len(f.nalQueue) >= 2 || (f.eof && len(f.nalQueue) >= 1) {
		nal := f.nalQueue[0]
		f.nalQueue = f.nalQueue[1:]

		if len(f.nalQueue) > 0 {
			f.pictureEndMarker = f.startsNewAccessUnit(f.nalQueue[0])
		} else {
			// Last NAL of the stream necessarily ends the final AU.
			f.pictureEndMarker = true
		}

		n := copy(f.to, nal)
		truncated := uint(0)
		if len(nal) > len(f.to) {
			truncated = uint(len(nal) - len(f.to))
		}
		f.AfterGetting(uint(n), truncated, f.presentationTime, 0)
		return
	}

	if f.eof {
		f.HandleClosure()
		return
	}

	scratch := make([]byte, scratchChunkSize)
	f.Input.GetNextFrame(scratch, func(frameSize, _ uint, presentationTime time.Time, _ uint) {
		f.acc = append(f.acc, scratch[:frameSize]...)
		f.presentationTime = presentationTime
		f.extractCompleteNALs()
		f.pump()
	}, func() {
		f.eof = true
		f.flushTrailingNAL()
		f.pump()
	})
}

// extractCompleteNALs scans f.acc for Annex B start codes and moves every
// fully-delimited NAL (one with both a leading and trailing start code
// already seen) into nalQueue, leaving any trailing partial NAL in f.acc.
func (f *Framer) extractCompleteNALs() {
	starts := findStartCodes(f.acc)
	if len(starts) < 2 {
		return
	}
	for i := 0; i < len(starts)-1; i++ {
		nal := f.acc[starts[i].end:starts[i+1].start]
		if len(nal) > 0 {
			f.nalQueue = append(f.nalQueue, append([]byte(nil), nal...))
		}
	}
	f.acc = append([]byte(nil), f.acc[starts[len(starts)-1].end:]...)
	// The bytes before the first start code (if any junk preceded sync)
	// are discarded implicitly by the slicing above.
}

// flushTrailingNAL is called once at end-of-stream to push whatever
// remains in f.acc (the final NAL, with no trailing start code to confirm
// it) into the queue.
func (f *Framer) flushTrailingNAL() {
	starts := findStartCodes(f.acc)
	if len(starts) == 0 {
		if len(f.acc) > 0 {
			f.nalQueue = append(f.nalQueue, append([]byte(nil), f.acc...))
		}
		f.acc = nil
		return
	}
	last := starts[len(starts)-1]
	if tail := f.acc[last.end:]; len(tail) > 0 {
		f.nalQueue = append(f.nalQueue, append([]byte(nil), tail...))
	}
	f.acc = nil
}

type startCode struct{ start, end int }

// findStartCodes locates every Annex B start code (3- or 4-byte form) in
// buf, returning their [start,end) spans in order.
func findStartCodes(buf []byte) []startCode {
	var out []startCode
	for i := 0; i+2 < len(buf); i++ {
		if buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 1 {
			start := i
			if i > 0 && buf[i-1] == 0 {
				start = i - 1 // 4-byte form: 00 00 00 01
			}
			out = append(out, startCode{start: start, end: i + 3})
			i += 2
			continue
		}
	}
	return out
}

// startsNewAccessUnit decides whether nal begins a new access unit, using
// the cheap header-level signals available without a full slice-header
// parse: for H.264, a VCL NAL whose first_mb_in_slice ue(v) is 0; for
// H.265, a VCL NAL whose first_slice_segment_in_pic_flag bit is set.
func (f *Framer) startsNewAccessUnit(nal []byte) bool {
	if len(nal) == 0 {
		return false
	}
	switch f.codec {
	case H264:
		nalType := nal[0] & 0x1F
		switch nalType {
		case 7, 8, 9: // SPS, PPS, AUD always begin a new AU
			return true
		case 1, 5: // non-IDR / IDR slice
			if len(nal) < 2 {
				return false
			}
			firstMB, ok := decodeUE(nal[1:])
			return ok && firstMB == 0
		default:
			return false
		}
	case H265:
		if len(nal) < 3 {
			return false
		}
		nalType := (nal[0] & 0x7E) >> 1
		switch {
		case nalType == 35 || nalType == 32 || nalType == 33 || nalType == 34: // AUD, VPS, SPS, PPS
			return true
		case nalType <= 31: // VCL
			return nal[2]&0x80 != 0 // first_slice_segment_in_pic_flag
		default:
			return false
		}
	default:
		return false
	}
}

// decodeUE decodes an Exp-Golomb unsigned value from the leading bits of
// data, returning (value, ok). At most 16 leading zero bits are accepted;
// ok is false for a longer prefix or when data ends before the code does.
func decodeUE(data []byte) (uint32, bool) {
	if len(data) == 0 {
		return 0, false
	}
	bitpos := 0
	leadingZeros := 0
	for {
		byteIdx := bitpos / 8
		if byteIdx >= len(data) {
			return 0, false
		}
		bit := (data[byteIdx] >> (7 - uint(bitpos%8))) & 1
		bitpos++
		if bit == 1 {
			break
		}
		leadingZeros++
		if leadingZeros > 16 {
			return 0, false
		}
	}
	if leadingZeros == 0 {
		return 0, true
	}
	var value uint32 = 1
	for i := 0; i < leadingZeros; i++ {
		byteIdx := bitpos / 8
		if byteIdx >= len(data) {
			return 0, false
		}
		bit := (data[byteIdx] >> (7 - uint(bitpos%8))) & 1
		bitpos++
		value = value<<1 | uint32(bit)
	}
	return value - 1, true
}
