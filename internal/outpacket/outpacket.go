// Package outpacket implements OutPacketBuffer (component C3): a single
// reusable RTP assembly buffer with overflow carry-over, matching
// live555's OutPacketBuffer (liveMedia/include/MediaSink.hh).
package outpacket

import "encoding/binary"

// DefaultMaxSize is the largest buffer OutPacketBuffer will allocate unless
// told otherwise, mirroring OutPacketBuffer::maxSize's default of 60000.
const DefaultMaxSize = 60000

// Buffer is a flat byte buffer with three cursors: packetStart (where the
// RTP header begins), curOffset (next write within the current packet),
// and an overflow region holding the tail of the previous frame that
// didn't fit and must seed the next packet.
//
// Invariant: packetStart+curOffset <= limit always holds.
// Invariant: overflowDataSize > 0 iff a prior frame was partially written.
type Buffer struct {
	buf []byte

	packetStart uint
	curOffset   uint
	preferred   uint
	max         uint
	limit       uint

	overflowDataOffset             uint
	overflowDataSize               uint
	overflowPresentationTimeSec    int64
	overflowPresentationTimeUsec   int64
	overflowDurationMicroseconds   uint
}

// New allocates a Buffer. If maxBufferSize is 0, DefaultMaxSize is used to
// size the underlying allocation instead of maxPacketSize.
func New(preferredPacketSize, maxPacketSize, maxBufferSize uint) *Buffer {
	limit := maxBufferSize
	if limit == 0 {
		limit = DefaultMaxSize
	}
	return &Buffer{
		buf:       make([]byte, limit),
		preferred: preferredPacketSize,
		max:       maxPacketSize,
		limit:     limit,
	}
}

// CurPtr returns the slice starting at the next write position within the
// current packet, sized to however much room remains in the buffer.
func (b *Buffer) CurPtr() []byte {
	return b.buf[b.packetStart+b.curOffset:]
}

// TotalBytesAvailable is how much room remains for the current packet
// before hitting the buffer limit.
func (b *Buffer) TotalBytesAvailable() uint {
	return b.limit - (b.packetStart + b.curOffset)
}

// TotalBufferSize returns the overall allocation size.
func (b *Buffer) TotalBufferSize() uint { return b.limit }

// Packet returns the bytes of the current packet (header included).
func (b *Buffer) Packet() []byte {
	return b.buf[b.packetStart : b.packetStart+b.curOffset]
}

// CurPacketSize is how many bytes have been written to the current packet.
func (b *Buffer) CurPacketSize() uint { return b.curOffset }

// Increment advances curOffset, used after writing directly into CurPtr().
func (b *Buffer) Increment(numBytes uint) { b.curOffset += numBytes }

// Decrement retreats curOffset, used to undo a speculative reservation
// (e.g. frame-specific header room requested before the source reported
// end-of-stream).
func (b *Buffer) Decrement(numBytes uint) { b.curOffset -= numBytes }

// Enqueue appends from to the end of the current packet.
func (b *Buffer) Enqueue(from []byte) {
	n := copy(b.buf[b.packetStart+b.curOffset:], from)
	b.curOffset += uint(n)
}

// EnqueueWord appends word as 4 big-endian bytes.
func (b *Buffer) EnqueueWord(word uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], word)
	b.Enqueue(tmp[:])
}

// Insert writes from at the given absolute position within the current
// packet (not relative to packetStart's sibling offset semantics: position
// is measured from the packet's own start, like live555's toPosition).
func (b *Buffer) Insert(from []byte, position uint) {
	copy(b.buf[b.packetStart+position:], from)
	end := position + uint(len(from))
	if end > b.curOffset {
		b.curOffset = end
	}
}

// InsertWord inserts word (big-endian) at position.
func (b *Buffer) InsertWord(word uint32, position uint) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], word)
	b.Insert(tmp[:], position)
}

// Extract copies numBytes starting at fromPosition (relative to the
// packet start) into a new slice.
func (b *Buffer) Extract(fromPosition, numBytes uint) []byte {
	out := make([]byte, numBytes)
	copy(out, b.buf[b.packetStart+fromPosition:b.packetStart+fromPosition+numBytes])
	return out
}

// ExtractWord reads a big-endian uint32 at fromPosition.
func (b *Buffer) ExtractWord(fromPosition uint) uint32 {
	return binary.BigEndian.Uint32(b.buf[b.packetStart+fromPosition:])
}

// SkipBytes advances curOffset without writing (used to reserve header
// room that will be filled in later via Insert).
func (b *Buffer) SkipBytes(numBytes uint) { b.curOffset += numBytes }

// IsPreferredSize reports whether the current packet has reached the
// preferred size.
func (b *Buffer) IsPreferredSize() bool { return b.curOffset >= b.preferred }

// WouldOverflow reports whether adding numBytes more would exceed the
// configured maximum packet size.
func (b *Buffer) WouldOverflow(numBytes uint) bool {
	return b.curOffset+numBytes > b.max
}

// NumOverflowBytes is how many bytes of numBytes would not fit within the
// maximum packet size, given what's already buffered.
func (b *Buffer) NumOverflowBytes(numBytes uint) uint {
	return (b.curOffset + numBytes) - b.max
}

// IsTooBigForAPacket reports whether numBytes alone could never fit in a
// packet regardless of what else is queued.
func (b *Buffer) IsTooBigForAPacket(numBytes uint) bool {
	return numBytes > b.max
}

// SetOverflowData records the tail of a frame that didn't fit in the
// current packet, to be folded into the next one via UseOverflowData.
func (b *Buffer) SetOverflowData(overflowDataOffset, overflowDataSize uint, presentationTimeSec, presentationTimeUsec int64, durationMicroseconds uint) {
	b.overflowDataOffset = overflowDataOffset
	b.overflowDataSize = overflowDataSize
	b.overflowPresentationTimeSec = presentationTimeSec
	b.overflowPresentationTimeUsec = presentationTimeUsec
	b.overflowDurationMicroseconds = durationMicroseconds
}

// OverflowDataSize is the number of bytes awaiting adoption by the next
// packet.
func (b *Buffer) OverflowDataSize() uint { return b.overflowDataSize }

// OverflowPresentationTime returns the presentation time (seconds,
// microseconds) recorded for the overflow data.
func (b *Buffer) OverflowPresentationTime() (sec, usec int64) {
	return b.overflowPresentationTimeSec, b.overflowPresentationTimeUsec
}

// OverflowDurationMicroseconds returns the duration recorded alongside the
// overflow data.
func (b *Buffer) OverflowDurationMicroseconds() uint { return b.overflowDurationMicroseconds }

// HaveOverflowData reports whether there is pending overflow data.
func (b *Buffer) HaveOverflowData() bool { return b.overflowDataSize > 0 }

// UseOverflowData adopts the previously stashed overflow bytes into the
// start of the current packet. After this call curOffset == the adopted
// size and the overflow record is cleared.
func (b *Buffer) UseOverflowData() {
	extra := b.overflowDataSize
	copy(b.buf[b.packetStart+b.curOffset:], b.buf[b.packetStart+b.overflowDataOffset:b.packetStart+b.overflowDataOffset+extra])
	b.curOffset += extra
	b.overflowDataSize = 0
}

// AdjustPacketStart moves packetStart backward (or forward) by numBytes.
// Nothing in this server calls it; the TCP interleave header is written
// separately by rtpinterface.
func (b *Buffer) AdjustPacketStart(numBytes int) {
	if numBytes < 0 {
		b.packetStart -= uint(-numBytes)
	} else {
		b.packetStart += uint(numBytes)
	}
}

// ResetPacketStart returns packetStart to zero.
func (b *Buffer) ResetPacketStart() { b.packetStart = 0 }

// ResetOffset zeroes curOffset, discarding the current packet's contents.
func (b *Buffer) ResetOffset() { b.curOffset = 0 }

// ResetOverflowData discards any pending overflow.
func (b *Buffer) ResetOverflowData() {
	b.overflowDataOffset = 0
	b.overflowDataSize = 0
}
