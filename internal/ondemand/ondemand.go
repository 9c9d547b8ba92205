// Package ondemand implements the on-demand subsession and shared stream
// state (component C13): per-track factories that build a source+sink
// graph lazily on first SETUP, and the reference-counted StreamState that
// lets multiple clients share one upstream source when configured to,
// grounded in live555's OnDemandServerMediaSubsession
// (consulted via liveMedia/include/ServerMediaSession.hh's subsession
// model and the spec's §4.10).
package ondemand

import (
	"fmt"
	"net"
	"sync"

	"github.com/ethan/rtspd/internal/framedsource"
	"github.com/ethan/rtspd/internal/groupsock"
	"github.com/ethan/rtspd/internal/mediasession"
	"github.com/ethan/rtspd/internal/rtpinterface"
	"github.com/ethan/rtspd/internal/rtpsink"
	"github.com/ethan/rtspd/internal/rtsperr"
	"github.com/ethan/rtspd/internal/scheduler"
)

// CreateSourceFunc builds the media source for one stream instance.
// clientSessionID identifies the requesting client (used by sources that
// key per-client buffering); estBitrateKbps is advisory.
type CreateSourceFunc func(clientSessionID string, estBitrateKbps uint) (framedsource.Source, error)

// Sink is the capability a StreamState needs from the RTP sink a
// CreateSinkFunc builds: start/stop the packetization loop. Codec-specific
// sinks (internal/h264sink) satisfy this while adding their own
// specialization on top of internal/multirtpsink's generic loop, which is
// why StreamState holds this interface instead of *multirtpsink.Sink
// directly (a codec sink embeds, but does not equal, that type).
type Sink interface {
	IsPlaying() bool
	ContinuePlaying(source framedsource.Source, afterPlaying func())
	StopPlaying()
	NextSequenceNumber() uint16
	PresetNextTimestamp() uint32
}

// CreateSinkFunc builds the RTP sink that will consume frames from the
// source and transmit them over transport.
type CreateSinkFunc func(sched *scheduler.Scheduler, transport *rtpinterface.Interface, payloadType uint8) Sink

// Subsession is one track's factory pair plus its SDP description.
type Subsession struct {
	Desc *mediasession.Subsession

	CreateSource CreateSourceFunc
	CreateSink   CreateSinkFunc

	InitialPortNum       uint16
	MultiplexRTCPWithRTP bool
	ReuseFirstSource     bool

	mu      sync.Mutex
	shared  *StreamState // set only when ReuseFirstSource
	byOwner map[string]*StreamState
}

// NewSubsession constructs a Subsession. initialPortNum seeds the even-port
// search for UDP transport allocation.
func NewSubsession(desc *mediasession.Subsession, createSource CreateSourceFunc, createSink CreateSinkFunc, initialPortNum uint16, multiplexRTCPWithRTP, reuseFirstSource bool) *Subsession {
	return &Subsession{
		Desc:                 desc,
		CreateSource:         createSource,
		CreateSink:           createSink,
		InitialPortNum:       initialPortNum,
		MultiplexRTCPWithRTP: multiplexRTCPWithRTP,
		ReuseFirstSource:     reuseFirstSource,
		byOwner:              make(map[string]*StreamState),
	}
}

// Destination is one client's delivery target for a stream: either a UDP
// pair or a TCP-interleaved channel pair.
type Destination struct {
	ClientSessionID string

	// UDP destinations (nil if interleaved).
	RTPAddr, RTCPAddr *net.UDPAddr

	// TCP-interleaved destination (nil if UDP).
	Conn                 net.Conn
	RTPChannel, RTCPChan byte
}

// StreamState is the shared source+sink+transport graph for one track,
// possibly serving several clients when ReuseFirstSource is set.
type StreamState struct {
	mu sync.Mutex

	sched     *scheduler.Scheduler
	source    framedsource.Source
	sink      Sink
	transport *rtpinterface.Interface
	statsDB   *rtpsink.DB

	rtpGroupsock, rtcpGroupsock *groupsock.GroupSock
	rtpPort, rtcpPort           uint16

	referenceCount int
	destinations   map[string]Destination
}

// RTPPort and RTCPPort report the server-side UDP ports negotiated for
// this stream, for the SETUP response's server_port parameter.
func (s *StreamState) RTPPort() uint16  { return s.rtpPort }
func (s *StreamState) RTCPPort() uint16 { return s.rtcpPort }

// GetStreamParameters implements §4.10's getStreamParameters: build (or,
// if ReuseFirstSource and one already exists, reuse) the StreamState for
// clientSessionID.
func (s *Subsession) GetStreamParameters(sched *scheduler.Scheduler, clientSessionID string, estBitrateKbps uint) (*StreamState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ReuseFirstSource && s.shared != nil {
		s.shared.mu.Lock()
		s.shared.referenceCount++
		s.shared.mu.Unlock()
		return s.shared, nil
	}

	src, err := s.CreateSource(clientSessionID, estBitrateKbps)
	if err != nil {
		return nil, rtsperr.ResourceExhausted("createNewStreamSource", err)
	}

	rtpSock, rtcpSock, rtpPort, rtcpPort, err := allocatePortPair(s.InitialPortNum, s.MultiplexRTCPWithRTP)
	if err != nil {
		return nil, rtsperr.ResourceExhausted("allocate RTP/RTCP ports", err)
	}

	transport := rtpinterface.New()
	transport.SetGroupSock(rtpSock, nil)

	sink := s.CreateSink(sched, transport, s.Desc.PayloadType)

	ss := &StreamState{
		sched:          sched,
		source:         src,
		sink:           sink,
		transport:      transport,
		statsDB:        rtpsink.NewDB(),
		rtpGroupsock:   rtpSock,
		rtcpGroupsock:  rtcpSock,
		rtpPort:        rtpPort,
		rtcpPort:       rtcpPort,
		referenceCount: 1,
		destinations:   make(map[string]Destination),
	}

	if s.ReuseFirstSource {
		s.shared = ss
	} else {
		s.byOwner[clientSessionID] = ss
	}
	ss.startRTCPReader()
	return ss, nil
}

// startRTCPReader runs a blocking UDP receive loop for incoming RTCP
// Receiver Reports, handing each packet to the scheduler so statsDB
// mutation stays on the single event-loop goroutine like every other
// piece of session state. The loop exits once rtcpGroupsock is closed by
// DeleteStream.
func (ss *StreamState) startRTCPReader() {
	go func() {
		buf := make([]byte, 2048)
		for {
			n, _, err := ss.rtcpGroupsock.ReadFrom(buf)
			if err != nil {
				return
			}
			pkt := append([]byte(nil), buf[:n]...)
			ss.sched.Enqueue(func() {
				_ = ss.statsDB.NoteIncomingRTCP(pkt)
			})
		}
	}()
}

// Stats reports this track's current reception statistics for ssrc, for
// GET_PARAMETER diagnostics or future RTCP SR construction.
func (ss *StreamState) Stats(ssrc uint32) (rtpsink.ReceptionStats, bool) {
	return ss.statsDB.Lookup(ssrc)
}

// allocatePortPair scans upward from startPort for a free even UDP port
// (the RTP port) and, unless multiplexed, the following odd port (RTCP).
func allocatePortPair(startPort uint16, multiplexRTCPWithRTP bool) (rtpSock, rtcpSock *groupsock.GroupSock, rtpPort, rtcpPort uint16, err error) {
	port := startPort
	if port%2 != 0 {
		port++
	}
	for tries := 0; tries < 1000; tries, port = tries+1, port+2 {
		rs, err1 := groupsock.NewUnicast(port)
		if err1 != nil {
			continue
		}
		if multiplexRTCPWithRTP {
			return rs, rs, rs.LocalPort(), rs.LocalPort(), nil
		}
		cs, err2 := groupsock.NewUnicast(port + 1)
		if err2 != nil {
			rs.Close()
			continue
		}
		return rs, cs, rs.LocalPort(), cs.LocalPort(), nil
	}
	return nil, nil, 0, 0, fmt.Errorf("ondemand: no free port pair found starting at %d", startPort)
}

// StartStream implements §4.10's startStream: register dest, start the
// sink if it isn't already playing, and return the sequence number and
// timestamp the PLAY response should echo.
func (ss *StreamState) StartStream(dest Destination) (seq uint16, rtptime uint32, err error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	ss.destinations[dest.ClientSessionID] = dest
	if dest.RTPAddr != nil {
		ss.transport.SetGroupSock(ss.rtpGroupsock, dest.RTPAddr)
	}
	if dest.Conn != nil {
		ss.transport.AddTCPStream(dest.Conn, dest.RTPChannel)
	}

	seq = ss.sink.NextSequenceNumber()
	rtptime = ss.sink.PresetNextTimestamp()

	if !ss.sink.IsPlaying() {
		ss.sink.ContinuePlaying(ss.source, func() {})
	}
	return seq, rtptime, nil
}

// PauseStream implements §4.10's pauseStream: detach dest's destinations,
// stopping the sink only if this was the last active client.
func (ss *StreamState) PauseStream(clientSessionID string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.destinations, clientSessionID)
	if len(ss.destinations) == 0 {
		ss.sink.StopPlaying()
	}
}

// DeleteStream implements §4.10's deleteStream: decrement the reference
// count, tearing the whole graph down once it reaches zero.
func (s *Subsession) DeleteStream(ss *StreamState, clientSessionID string) {
	ss.mu.Lock()
	ss.referenceCount--
	refs := ss.referenceCount
	delete(ss.destinations, clientSessionID)
	ss.mu.Unlock()

	if refs > 0 {
		return
	}

	ss.sink.StopPlaying()
	ss.source.StopGettingFrames()
	ss.rtpGroupsock.Close()
	if ss.rtcpGroupsock != ss.rtpGroupsock {
		ss.rtcpGroupsock.Close()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shared == ss {
		s.shared = nil
	}
	delete(s.byOwner, clientSessionID)
}
