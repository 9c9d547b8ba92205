package outpacket

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnqueueAndPacket(t *testing.T) {
	b := New(1400, 1400, 4000)
	b.Enqueue([]byte{1, 2, 3})
	require.Equal(t, uint(3), b.CurPacketSize())
	require.Equal(t, []byte{1, 2, 3}, b.Packet())
}

func TestOverflowRoundTrip(t *testing.T) {
	b := New(100, 100, 1000)
	b.Enqueue(make([]byte, 90))
	require.False(t, b.WouldOverflow(5))
	require.True(t, b.WouldOverflow(20))

	// Stash the tail that didn't fit, then flush (simulated by resetting
	// curOffset the way buildAndSendPacket would after a send).
	tail := []byte{0xAA, 0xBB, 0xCC}
	copy(b.buf[b.packetStart+b.curOffset:], tail)
	b.SetOverflowData(b.curOffset, uint(len(tail)), 0, 0, 0)
	require.True(t, b.HaveOverflowData())

	b.ResetOffset()
	b.UseOverflowData()

	require.Equal(t, uint(len(tail)), b.CurOffsetForTest())
	require.Equal(t, uint(0), b.OverflowDataSize())
	require.Equal(t, tail, b.Packet())
}

func TestInvariantAfterRandomOps(t *testing.T) {
	b := New(200, 200, 500)
	b.Enqueue(make([]byte, 50))
	b.EnqueueWord(0x01020304)
	b.SkipBytes(12)
	b.InsertWord(0xAABBCCDD, 0)

	require.LessOrEqual(t, b.packetStart+b.curOffset, b.limit)
}

// CurOffsetForTest exposes curOffset for white-box assertions without
// widening the exported API.
func (b *Buffer) CurOffsetForTest() uint { return b.curOffset }
