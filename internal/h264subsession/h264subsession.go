// Package h264subsession assembles the concrete on-demand subsession for
// one H.264 or H.265 file track: the source/sink factory pair
// ondemand.Subsession needs, plus the SDP description mediasession.Session
// publishes, wired together the way live555's testOnDemandRTSPServer wires
// an H264VideoFileServerMediaSubsession / H265VideoFileServerMediaSubsession
// over a plain file. The codec is selected by the file extension
// (.h265/.265/.hevc select H.265; anything else is treated as H.264), since
// both codecs share every mechanism below except NAL header layout and SDP
// fmtp shape.
package h264subsession

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethan/rtspd/internal/filesource"
	"github.com/ethan/rtspd/internal/framedsource"
	"github.com/ethan/rtspd/internal/h264framer"
	"github.com/ethan/rtspd/internal/h264sink"
	"github.com/ethan/rtspd/internal/mediasession"
	"github.com/ethan/rtspd/internal/ondemand"
	"github.com/ethan/rtspd/internal/rtpinterface"
	"github.com/ethan/rtspd/internal/scheduler"
)

// MaxOutputPacketSize is the RTP payload capacity fragments are bounded to,
// 12 bytes below the 1460 a 1500-byte Ethernet MTU leaves after the IP (20),
// UDP (8) and RTP (12) headers.
const MaxOutputPacketSize = 1448

// NAL unit type codes (Annex B, low 5 bits of the H.264 header byte).
const (
	nalTypeSPS = 7
	nalTypePPS = 8
)

// NAL unit type codes for H.265 (bits 1-6 of the header's first byte).
const (
	nalTypeVPSH265 = 32
	nalTypeSPSH265 = 33
	nalTypePPSH265 = 34
)

// New builds a track for streaming path, probing its out-of-band parameter
// sets up front so DESCRIBE can report them before any client has streamed
// a single frame, and returns both the SDP-facing mediasession.Subsession
// and the streaming-facing ondemand.Subsession. The codec is inferred from
// path's extension (see package doc).
func New(sched *scheduler.Scheduler, payloadType uint8, path string, initialPortNum uint16, multiplexRTCPWithRTP, reuseFirstSource bool) (*mediasession.Subsession, *ondemand.Subsession, error) {
	codec := codecForPath(path)

	var desc *mediasession.Subsession
	var vps, sps, pps []byte
	var err error

	if codec == h264framer.H265 {
		vps, sps, pps, err = probeH265ParameterSets(path)
		if err != nil {
			return nil, nil, fmt.Errorf("h264subsession %s: %w", path, err)
		}
		desc = &mediasession.Subsession{
			MediaType:   "video",
			PayloadType: payloadType,
			CodecName:   "H265",
			ClockRate:   h264sink.ClockRate,
			FmtpParams:  mediasession.BuildH265Fmtp(vps, sps, pps),
		}
	} else {
		sps, pps, err = probeH264ParameterSets(path)
		if err != nil {
			return nil, nil, fmt.Errorf("h264subsession %s: %w", path, err)
		}
		desc = &mediasession.Subsession{
			MediaType:   "video",
			PayloadType: payloadType,
			CodecName:   "H264",
			ClockRate:   h264sink.ClockRate,
			FmtpParams:  mediasession.BuildH264Fmtp(sps, pps),
		}
	}

	createSource := func(clientSessionID string, estBitrateKbps uint) (framedsource.Source, error) {
		return filesource.New(sched, path, filesource.WithPreferredFrameSize(MaxOutputPacketSize))
	}

	createSink := func(sinkSched *scheduler.Scheduler, transport *rtpinterface.Interface, pt uint8) ondemand.Sink {
		sink := h264sink.New(sinkSched, transport, pt, codec, MaxOutputPacketSize)
		sink.SetParameterSets(vps, sps, pps)
		return sink
	}

	sub := ondemand.NewSubsession(desc, createSource, createSink, initialPortNum, multiplexRTCPWithRTP, reuseFirstSource)
	return desc, sub, nil
}

// codecForPath infers H.264 vs H.265 from path's extension.
func codecForPath(path string) h264framer.Codec {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".h265") || strings.HasSuffix(lower, ".265") || strings.HasSuffix(lower, ".hevc") {
		return h264framer.H265
	}
	return h264framer.H264
}

// probeFirstBytes reads up to 1MiB from path, generous for an SPS/PPS (or
// VPS/SPS/PPS) near the start of any real stream.
func probeFirstBytes(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	const probeSize = 1 << 20
	buf := make([]byte, probeSize)
	r := bufio.NewReader(f)
	n, readErr := io.ReadFull(r, buf)
	if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
		return nil, readErr
	}
	return buf[:n], nil
}

// probeH264ParameterSets scans the first chunk of path for its first SPS
// and PPS NAL units (Annex B start-code delimited), the way a real
// deployment would read them from a container's out-of-band codec config
// instead.
func probeH264ParameterSets(path string) (sps, pps []byte, err error) {
	buf, err := probeFirstBytes(path)
	if err != nil {
		return nil, nil, err
	}

	for _, nal := range splitAnnexB(buf) {
		if len(nal) == 0 {
			continue
		}
		switch nal[0] & 0x1F {
		case nalTypeSPS:
			if sps == nil {
				sps = append([]byte(nil), nal...)
			}
		case nalTypePPS:
			if pps == nil {
				pps = append([]byte(nil), nal...)
			}
		}
		if sps != nil && pps != nil {
			break
		}
	}
	if sps == nil || pps == nil {
		return nil, nil, fmt.Errorf("no SPS/PPS found in first %d bytes", len(buf))
	}
	return sps, pps, nil
}

// probeH265ParameterSets scans the first chunk of path for its first VPS,
// SPS, and PPS NAL units.
func probeH265ParameterSets(path string) (vps, sps, pps []byte, err error) {
	buf, err := probeFirstBytes(path)
	if err != nil {
		return nil, nil, nil, err
	}

	for _, nal := range splitAnnexB(buf) {
		if len(nal) == 0 {
			continue
		}
		switch (nal[0] & 0x7E) >> 1 {
		case nalTypeVPSH265:
			if vps == nil {
				vps = append([]byte(nil), nal...)
			}
		case nalTypeSPSH265:
			if sps == nil {
				sps = append([]byte(nil), nal...)
			}
		case nalTypePPSH265:
			if pps == nil {
				pps = append([]byte(nil), nal...)
			}
		}
		if vps != nil && sps != nil && pps != nil {
			break
		}
	}
	if vps == nil || sps == nil || pps == nil {
		return nil, nil, nil, fmt.Errorf("no VPS/SPS/PPS found in first %d bytes", len(buf))
	}
	return vps, sps, pps, nil
}

// splitAnnexB splits buf on 3- or 4-byte Annex B start codes, returning
// each delimited NAL unit (start code stripped).
func splitAnnexB(buf []byte) [][]byte {
	var starts []int
	for i := 0; i+2 < len(buf); i++ {
		if buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 1 {
			starts = append(starts, i+3)
		}
	}
	var nals [][]byte
	for i, start := range starts {
		end := len(buf)
		if i+1 < len(starts) {
			end = starts[i+1] - 3
			if end > 0 && buf[end-1] == 0 {
				end--
			}
		}
		if start < end {
			nals = append(nals, buf[start:end])
		}
	}
	return nals
}
