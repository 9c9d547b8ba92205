// Package mediasession implements ServerMediaSession and its per-track
// subsessions (component C12): the description of one stream's tracks and
// the SDP generated to describe them, grounded in live555's
// ServerMediaSession (original_source/liveMedia/include/ServerMediaSession.hh)
// and built on github.com/pion/sdp/v3 the way the teacher repo already
// depends on that package for its WebRTC signalling.
package mediasession

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pion/sdp/v3"
)

// Subsession describes one track: its payload type, RTP clock rate, and
// the codec-specific fmtp parameters needed for SDP.
type Subsession struct {
	TrackID     string // e.g. "track1"
	MediaType   string // "video" or "audio"
	PayloadType uint8
	CodecName   string // "H264", "H265", "MPEG4-GENERIC", ...
	ClockRate   uint32
	Channels    uint8 // audio channel count; 0 for video

	// FmtpParams, if non-empty, is rendered verbatim as this track's
	// a=fmtp line value (already semicolon-joined by the caller, e.g.
	// BuildH264Fmtp's output).
	FmtpParams string

	BitrateKbps uint

	// PresetNextTimestamp, if set, is called to obtain the timestamp a
	// PLAY response should echo for this track before streaming begins.
	PresetNextTimestamp func() uint32
	// NextSequenceNumber returns the sequence number a PLAY response
	// should echo.
	NextSequenceNumber func() uint16
}

// BuildH264Fmtp renders the fmtp value for an H.264 track given its SPS
// and PPS, matching scenario 1 of the spec's testable properties exactly:
// "packetization-mode=1;profile-level-id=42001E;sprop-parameter-sets=Z0IAHg==,aM48gA==".
func BuildH264Fmtp(sps, pps []byte) string {
	profileLevelID := fmt.Sprintf("%02X%02X%02X", sps[1], sps[2], sps[3])
	return fmt.Sprintf("packetization-mode=1;profile-level-id=%s;sprop-parameter-sets=%s,%s",
		profileLevelID,
		base64.StdEncoding.EncodeToString(sps),
		base64.StdEncoding.EncodeToString(pps))
}

// BuildH265Fmtp renders the fmtp value for an H.265 track given its VPS,
// SPS, and PPS.
func BuildH265Fmtp(vps, sps, pps []byte) string {
	return fmt.Sprintf("sprop-vps=%s;sprop-sps=%s;sprop-pps=%s",
		base64.StdEncoding.EncodeToString(vps),
		base64.StdEncoding.EncodeToString(sps),
		base64.StdEncoding.EncodeToString(pps))
}

// Session is one named, describable stream: metadata plus an ordered list
// of subsessions (tracks).
type Session struct {
	mu sync.Mutex

	StreamName  string
	Info        string
	Description string
	DurationSec float64 // 0 = unbounded/live

	subsessions []*Subsession
	originID    uint64
}

// New constructs a Session with a random SDP o= session id, matching
// live555's ServerMediaSession constructor picking a random id once per
// session (kept stable across repeated DESCRIBEs, per the spec's "SDP
// generated for a fixed session... is byte-stable across runs" property
// given a fixed id).
func New(streamName, info, description string) *Session {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return &Session{
		StreamName:  streamName,
		Info:        info,
		Description: description,
		originID:    binary.BigEndian.Uint64(buf[:]),
	}
}

// AddSubsession appends a track, assigning it the next trackN control URL
// if TrackID is empty.
func (s *Session) AddSubsession(sub *Subsession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.TrackID == "" {
		sub.TrackID = fmt.Sprintf("track%d", len(s.subsessions)+1)
	}
	s.subsessions = append(s.subsessions, sub)
}

// Subsessions returns the track list in SETUP/PLAY order.
func (s *Session) Subsessions() []*Subsession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Subsession(nil), s.subsessions...)
}

// LookupSubsession finds a track by its control URL suffix (e.g.
// "track1").
func (s *Session) LookupSubsession(trackID string) (*Subsession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subsessions {
		if sub.TrackID == trackID {
			return sub, true
		}
	}
	return nil, false
}

// GenerateSDP builds the full session description as seen by DESCRIBE,
// with serverAddress used for the SDP o= connection address.
func (s *Session) GenerateSDP(serverAddress string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      s.originID,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: serverAddress,
		},
		SessionName: sdp.SessionName(s.Info),
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
	if s.Description != "" {
		info := sdp.Information(s.Description)
		desc.SessionInformation = &info
	}
	if s.DurationSec > 0 {
		desc.Attributes = append(desc.Attributes, sdp.Attribute{
			Key:   "range",
			Value: fmt.Sprintf("npt=0-%.3f", s.DurationSec),
		})
	} else {
		desc.Attributes = append(desc.Attributes, sdp.Attribute{Key: "range", Value: "npt=0-"})
	}
	desc.Attributes = append(desc.Attributes, sdp.Attribute{Key: "control", Value: "*"})

	for _, sub := range s.subsessions {
		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   sub.MediaType,
				Port:    sdp.RangedPort{Value: 0},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{fmt.Sprintf("%d", sub.PayloadType)},
			},
			ConnectionInformation: &sdp.ConnectionInformation{
				NetworkType: "IN",
				AddressType: "IP4",
				Address:     &sdp.Address{Address: serverAddress},
			},
		}
		if sub.BitrateKbps > 0 {
			md.Bandwidth = append(md.Bandwidth, sdp.Bandwidth{Type: "AS", Bandwidth: uint64(sub.BitrateKbps)})
		}

		rtpmap := fmt.Sprintf("%d %s/%d", sub.PayloadType, sub.CodecName, sub.ClockRate)
		if sub.Channels > 0 {
			rtpmap = fmt.Sprintf("%s/%d", rtpmap, sub.Channels)
		}
		md.Attributes = append(md.Attributes, sdp.Attribute{Key: "rtpmap", Value: rtpmap})

		if sub.FmtpParams != "" {
			md.Attributes = append(md.Attributes, sdp.Attribute{
				Key:   "fmtp",
				Value: fmt.Sprintf("%d %s", sub.PayloadType, sub.FmtpParams),
			})
		}
		md.Attributes = append(md.Attributes, sdp.Attribute{Key: "control", Value: sub.TrackID})

		desc.MediaDescriptions = append(desc.MediaDescriptions, md)
	}

	return desc.Marshal()
}
