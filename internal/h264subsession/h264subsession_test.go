package h264subsession

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethan/rtspd/internal/h264framer"
	"github.com/ethan/rtspd/internal/scheduler"
)

func TestCodecForPath(t *testing.T) {
	require.Equal(t, h264framer.H264, codecForPath("stream.264"))
	require.Equal(t, h264framer.H264, codecForPath("/videos/test.h264"))
	require.Equal(t, h264framer.H265, codecForPath("stream.265"))
	require.Equal(t, h264framer.H265, codecForPath("/videos/TEST.H265"))
	require.Equal(t, h264framer.H265, codecForPath("cam1.hevc"))
}

func TestNewBuildsH264Subsession(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1E}
	pps := []byte{0x68, 0xCE, 0x3C, 0x80}
	idr := []byte{0x65, 0x01, 0x02, 0x03}

	path := writeAnnexB(t, "test.264", sps, pps, idr)

	sched := scheduler.New()
	desc, sub, err := New(sched, 96, path, 6970, false, false)
	require.NoError(t, err)
	require.Equal(t, "H264", desc.CodecName)
	require.Contains(t, desc.FmtpParams, "sprop-parameter-sets=")
	require.NotNil(t, sub)
}

func TestNewBuildsH265Subsession(t *testing.T) {
	vps := []byte{0x40, 0x01, 0x0C}
	sps := []byte{0x42, 0x01, 0x01}
	pps := []byte{0x44, 0x01}
	idr := []byte{0x26, 0x01, 0x02, 0x03}

	path := writeAnnexB(t, "test.h265", vps, sps, pps, idr)

	sched := scheduler.New()
	desc, sub, err := New(sched, 96, path, 6970, false, false)
	require.NoError(t, err)
	require.Equal(t, "H265", desc.CodecName)
	require.Contains(t, desc.FmtpParams, "sprop-vps=")
	require.NotNil(t, sub)
}

// writeAnnexB writes each nal prefixed by a 4-byte Annex B start code into
// a temp file named name, returning its path.
func writeAnnexB(t *testing.T, name string, nals ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	var buf []byte
	for _, nal := range nals {
		buf = append(buf, 0x00, 0x00, 0x00, 0x01)
		buf = append(buf, nal...)
	}
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}
