// Package h264sink implements the H.264/H.265 specialization of the
// multi-frame RTP sink (§4.8): marker-bit law, RTP timestamp presentation,
// and the cached VPS/SPS/PPS a subsession needs to build its SDP fmtp
// line, grounded in live555's H264or5VideoRTPSink
// (original_source/liveMedia/H264or5VideoRTPSink.cpp). It wires
// internal/h264framer and internal/fragmenter underneath internal/
// multirtpsink's generic producer/consumer loop, instantiating both
// lazily on the first ContinuePlaying so a Subsession's CreateSink
// factory can build the sink before a source exists.
package h264sink

import (
	"time"

	"github.com/ethan/rtspd/internal/fragmenter"
	"github.com/ethan/rtspd/internal/framedsource"
	"github.com/ethan/rtspd/internal/h264framer"
	"github.com/ethan/rtspd/internal/mediasession"
	"github.com/ethan/rtspd/internal/multirtpsink"
	"github.com/ethan/rtspd/internal/rtpinterface"
	"github.com/ethan/rtspd/internal/rtpsink"
	"github.com/ethan/rtspd/internal/scheduler"
)

// ClockRate is the fixed 90kHz RTP clock rate used by both codecs (§6).
const ClockRate = 90000

// Sink streams H.264/H.265 access units as RTP packets, relying on
// internal/fragmenter to split NALs larger than maxOutputPacketSize into
// FU-A/FU fragments and internal/h264framer to delimit NALs and flag
// access-unit (picture) boundaries.
type Sink struct {
	*multirtpsink.Sink
	Base *rtpsink.Base

	sched               *scheduler.Scheduler
	codec               h264framer.Codec
	maxOutputPacketSize uint

	framer     *h264framer.Framer
	fragmenter *fragmenter.Fragmenter

	vps, sps, pps []byte
}

// New constructs a Sink transmitting codec (h264framer.H264 or H265) over
// transport at payloadType, with RTP payload fragments bounded by
// maxOutputPacketSize (the RTP payload capacity, i.e. not counting the
// 12-byte RTP header multirtpsink reserves separately).
func New(sched *scheduler.Scheduler, transport *rtpinterface.Interface, payloadType uint8, codec h264framer.Codec, maxOutputPacketSize uint) *Sink {
	base := rtpsink.New(payloadType, ClockRate, transport)
	s := &Sink{
		Base:                base,
		sched:               sched,
		codec:               codec,
		maxOutputPacketSize: maxOutputPacketSize,
	}
	totalPacketSize := maxOutputPacketSize + 12
	s.Sink = multirtpsink.New(sched, base, totalPacketSize, totalPacketSize, 0, s.doSpecialFrameHandling, s.frameCanAppearAfterPacketStart)
	return s
}

// NextSequenceNumber reports the sequence number the next packet this
// sink sends will carry, for a PLAY response's RTP-Info header.
func (s *Sink) NextSequenceNumber() uint16 { return s.Base.NextSequenceNumber() }

// PresetNextTimestamp aligns the RTP timestamp to wall-clock time without
// waiting for the next frame, for a PLAY-after-seek response's RTP-Info.
func (s *Sink) PresetNextTimestamp() uint32 { return s.Base.PresetNextTimestamp() }

// SetParameterSets caches the codec's out-of-band parameter sets (VPS is
// nil/empty for H.264) used to build the track's SDP fmtp line.
func (s *Sink) SetParameterSets(vps, sps, pps []byte) {
	s.vps, s.sps, s.pps = vps, sps, pps
}

// FmtpLine renders the a=fmtp value for this sink's cached parameter sets,
// matching the scenario 1 byte-for-byte format for H.264.
func (s *Sink) FmtpLine() string {
	if s.codec == h264framer.H265 {
		return mediasession.BuildH265Fmtp(s.vps, s.sps, s.pps)
	}
	return mediasession.BuildH264Fmtp(s.sps, s.pps)
}

// ContinuePlaying instantiates the framer/fragmenter chain over rawSource
// on first use, or reassigns the framer's input on a later call (e.g. a
// PLAY after a prior TEARDOWN rebuilt the upstream source), and starts the
// multirtpsink loop over the fragmenter.
//
// Per the design's resolution of the overflow-across-reassignment open
// question, any OutPacketBuffer overflow left over from the previous
// source is explicitly discarded on reassignment rather than assumed
// still valid for the new one.
func (s *Sink) ContinuePlaying(rawSource framedsource.Source, afterPlaying func()) {
	if s.framer == nil {
		s.framer = h264framer.New(s.sched, rawSource, s.codec)
		s.fragmenter = fragmenter.New(s.sched, s.framer, s.codec, s.maxOutputPacketSize)
	} else {
		s.framer.ReassignInput(rawSource)
		s.Sink.DiscardOverflow()
	}
	s.Sink.ContinuePlaying(s.fragmenter, afterPlaying)
}

// doSpecialFrameHandling implements §4.8's marker-bit law: the RTP M bit
// is set iff the fragment just packed completed both its NAL unit and the
// NAL's access unit.
func (s *Sink) doSpecialFrameHandling(frameStart []byte, numBytesInFrame uint, framePresentationTime time.Time, numRemainingBytes uint) {
	marker := s.fragmenter.LastFragmentCompletedNALUnit() && s.framer.PictureEndMarker()
	s.Base.SetMarkerBit(marker)
	s.framer.ClearPictureEndMarker()
	s.Base.SetTimestamp(framePresentationTime)
}

// frameCanAppearAfterPacketStart is always false: an H.264/5 fragment is
// always the sole content of its RTP packet.
func (s *Sink) frameCanAppearAfterPacketStart(frameStart []byte, numBytesInFrame uint) bool {
	return false
}
