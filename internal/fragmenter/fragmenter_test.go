package fragmenter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethan/rtspd/internal/framedsource"
	"github.com/ethan/rtspd/internal/h264framer"
	"github.com/ethan/rtspd/internal/scheduler"
)

// stubSource delivers a single fixed NAL unit, then end-of-stream.
type stubSource struct {
	framedsource.Base
	nal       []byte
	delivered bool
}

func newStubSource(sched *scheduler.Scheduler, nal []byte) *stubSource {
	return &stubSource{Base: framedsource.NewBase(sched), nal: nal}
}

func (s *stubSource) GetNextFrame(to []byte, afterGetting framedsource.AfterGetting, onClose framedsource.OnClose) {
	s.StartGetNextFrame(to, afterGetting, onClose)
	if s.delivered {
		s.HandleClosure()
		return
	}
	s.delivered = true
	n := copy(to, s.nal)
	s.AfterGetting(uint(n), 0, time.Now(), 0)
}

func (s *stubSource) MaxFrameSize() uint { return 0 }

// collectFragments drives frag to completion, returning every emitted
// fragment along with the LastFragmentCompletedNALUnit flag observed right
// after each one.
func collectFragments(t *testing.T, frag *Fragmenter) (fragments [][]byte, lastFlags []bool) {
	t.Helper()
	done := make(chan struct{})

	var request func()
	request = func() {
		to := make([]byte, 1400)
		frag.GetNextFrame(to, func(frameSize, _ uint, _ time.Time, _ uint) {
			fragments = append(fragments, append([]byte(nil), to[:frameSize]...))
			lastFlags = append(lastFlags, frag.LastFragmentCompletedNALUnit())
			if frag.LastFragmentCompletedNALUnit() {
				close(done)
				return
			}
			request()
		}, func() {
			close(done)
		})
	}
	request()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fragmenter never completed")
	}
	return fragments, lastFlags
}

func TestWholeNALFitsInSingleFragment(t *testing.T) {
	sched := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)
	defer cancel()

	nal := make([]byte, 1200)
	for i := range nal {
		nal[i] = byte(i)
	}
	nal[0] = 0x65 // IDR slice NAL header

	src := newStubSource(sched, nal)
	frag := New(sched, src, h264framer.H264, 1400)

	fragments, lastFlags := collectFragments(t, frag)

	require.Len(t, fragments, 1)
	require.True(t, lastFlags[0])
	require.Equal(t, nal, fragments[0])
}

func TestLargeNALSplitsIntoFUAFragments(t *testing.T) {
	sched := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)
	defer cancel()

	nal := make([]byte, 3500)
	for i := range nal {
		nal[i] = byte(i)
	}
	nal[0] = 0x65 // forbidden=0, ref_idc=3, type=5 (IDR)

	src := newStubSource(sched, nal)
	frag := New(sched, src, h264framer.H264, 1400)

	fragments, lastFlags := collectFragments(t, frag)

	require.Len(t, fragments, 3, "a 3500-byte NAL at 1400-byte packets needs 3 FU-A fragments")
	for i, f := range fragments {
		require.LessOrEqual(t, len(f), 1400)
		require.Equal(t, i == len(fragments)-1, lastFlags[i])
	}

	// Every fragment's FU indicator reports type 28 (FU-A) and preserves
	// the original NAL's ref_idc bits.
	for _, f := range fragments {
		require.Equal(t, byte(28), f[0]&0x1F)
		require.Equal(t, nal[0]&0x60, f[0]&0x60)
	}

	firstHeader := fragments[0][1]
	require.NotZero(t, firstHeader&0x80, "S bit must be set on the first fragment")
	require.Zero(t, firstHeader&0x40, "E bit must be clear on the first fragment")
	require.Equal(t, nal[0]&0x1F, firstHeader&0x1F, "FU header must carry the original NAL type")

	for _, f := range fragments[1 : len(fragments)-1] {
		require.Zero(t, f[1]&0x80, "S bit must be clear on middle fragments")
		require.Zero(t, f[1]&0x40, "E bit must be clear on middle fragments")
	}

	lastHeader := fragments[len(fragments)-1][1]
	require.Zero(t, lastHeader&0x80, "S bit must be clear on the last fragment")
	require.NotZero(t, lastHeader&0x40, "E bit must be set on the last fragment")

	// Reassemble: first fragment's payload starts right after its 2-byte
	// FU indicator+header (replacing the original 1-byte NAL header), each
	// later fragment's payload starts after its own 2-byte FU header.
	reassembled := append([]byte{nal[0]}, fragments[0][2:]...)
	for _, f := range fragments[1:] {
		reassembled = append(reassembled, f[2:]...)
	}
	require.Equal(t, nal, reassembled)
}

func TestH265LargeNALSplitsIntoFUFragments(t *testing.T) {
	sched := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)
	defer cancel()

	// H.265 NAL header is 2 bytes: byte0 bits [6:1] carry nal_unit_type.
	// type 19 = IDR_W_RADL, layer id 0, TID 1.
	nal := make([]byte, 3000)
	for i := range nal {
		nal[i] = byte(i)
	}
	nal[0] = 19 << 1 // forbidden_zero_bit=0, type=19, low layer_id bit=0
	nal[1] = 0x01    // layer_id low bits + nuh_temporal_id_plus1

	src := newStubSource(sched, nal)
	frag := New(sched, src, h264framer.H265, 1400)

	fragments, lastFlags := collectFragments(t, frag)

	require.Len(t, fragments, 3)
	for i, f := range fragments {
		require.LessOrEqual(t, len(f), 1400)
		require.Equal(t, i == len(fragments)-1, lastFlags[i])
	}

	// PayloadHdr byte 1 reports FU type 49 in bits [6:1], preserving the
	// original NAL's F bit (0) and layer-id high bit.
	for _, f := range fragments {
		require.Equal(t, byte(49<<1), f[0]&0xFE)
	}

	firstFUHeader := fragments[0][2]
	require.NotZero(t, firstFUHeader&0x80, "S bit must be set on the first fragment")
	require.Zero(t, firstFUHeader&0x40, "E bit must be clear on the first fragment")
	require.Equal(t, byte(19), firstFUHeader&0x3F, "FU header must carry the original NAL type")

	for _, f := range fragments[1 : len(fragments)-1] {
		require.Zero(t, f[2]&0x80, "S bit must be clear on middle fragments")
		require.Zero(t, f[2]&0x40, "E bit must be clear on middle fragments")
	}

	lastFUHeader := fragments[len(fragments)-1][2]
	require.Zero(t, lastFUHeader&0x80, "S bit must be clear on the last fragment")
	require.NotZero(t, lastFUHeader&0x40, "E bit must be set on the last fragment")

	// Reassemble: byte 0 comes back from PayloadHdr byte1's F-bit/layer-id
	// bit (0x81) combined with the FU header's type field shifted into
	// nal_unit_type position; byte 1 is PayloadHdr byte2 verbatim; the rest
	// is each fragment's payload after its own 3-byte FU header.
	reconstructedByte0 := (fragments[0][0] & 0x81) | ((firstFUHeader & 0x3F) << 1)
	reassembled := []byte{reconstructedByte0, fragments[0][1]}
	reassembled = append(reassembled, fragments[0][3:]...)
	for _, f := range fragments[1:] {
		reassembled = append(reassembled, f[3:]...)
	}
	require.Equal(t, nal, reassembled)
}

func TestH265SmallNALFitsInSingleFragment(t *testing.T) {
	sched := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)
	defer cancel()

	nal := make([]byte, 1200)
	for i := range nal {
		nal[i] = byte(i)
	}
	nal[0] = 32 << 1 // VPS_NUT

	src := newStubSource(sched, nal)
	frag := New(sched, src, h264framer.H265, 1400)

	fragments, lastFlags := collectFragments(t, frag)

	require.Len(t, fragments, 1)
	require.True(t, lastFlags[0])
	require.Equal(t, nal, fragments[0])
}
