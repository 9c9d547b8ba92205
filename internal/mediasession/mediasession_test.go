package mediasession

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescribeSingleTrackH264SDP(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1E}
	pps := []byte{0x68, 0xCE, 0x3C, 0x80}

	sess := New("test", "example", "")
	sess.AddSubsession(&Subsession{
		MediaType:   "video",
		PayloadType: 96,
		CodecName:   "H264",
		ClockRate:   90000,
		FmtpParams:  BuildH264Fmtp(sps, pps),
	})

	sdpBytes, err := sess.GenerateSDP("127.0.0.1")
	require.NoError(t, err)
	text := string(sdpBytes)

	require.Contains(t, text, "m=video 0 RTP/AVP 96")
	require.Contains(t, text, "a=rtpmap:96 H264/90000")
	require.Contains(t, text, "a=fmtp:96 packetization-mode=1;profile-level-id=42001E;sprop-parameter-sets=Z0IAHg==,aM48gA==")
	require.Contains(t, text, "a=control:track1")
}

func TestDescribeH265SDP(t *testing.T) {
	vps := []byte{0x40, 0x01, 0x0C}
	sps := []byte{0x42, 0x01, 0x01}
	pps := []byte{0x44, 0x01}

	sess := New("test265", "example", "")
	sess.AddSubsession(&Subsession{
		MediaType:   "video",
		PayloadType: 96,
		CodecName:   "H265",
		ClockRate:   90000,
		FmtpParams:  BuildH265Fmtp(vps, sps, pps),
	})

	sdpBytes, err := sess.GenerateSDP("127.0.0.1")
	require.NoError(t, err)
	text := string(sdpBytes)

	require.Contains(t, text, "m=video 0 RTP/AVP 96")
	require.Contains(t, text, "a=rtpmap:96 H265/90000")
	require.Contains(t, text, "sprop-vps=")
	require.Contains(t, text, "sprop-sps=")
	require.Contains(t, text, "sprop-pps=")
}

func TestLookupSubsessionByTrackID(t *testing.T) {
	sess := New("test", "example", "")
	sess.AddSubsession(&Subsession{MediaType: "video", PayloadType: 96, CodecName: "H264", ClockRate: 90000})
	sess.AddSubsession(&Subsession{MediaType: "audio", PayloadType: 97, CodecName: "MPEG4-GENERIC", ClockRate: 44100, Channels: 2})

	sub, ok := sess.LookupSubsession("track2")
	require.True(t, ok)
	require.Equal(t, "audio", sub.MediaType)

	_, ok = sess.LookupSubsession("track3")
	require.False(t, ok)
}
