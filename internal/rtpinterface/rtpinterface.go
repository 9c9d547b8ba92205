// Package rtpinterface implements the transport abstraction (component
// C10) shared by every RTP sink: send to a UDP group socket and/or to zero
// or more TCP-interleaved streams, demultiplexing inbound TCP bytes by
// channel id back to RTCP handling or to the RTSP command path, grounded
// in live555's RTPInterface
// (original_source/liveMedia/include/RTPInterface.hh).
package rtpinterface

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/ethan/rtspd/internal/groupsock"
	"github.com/ethan/rtspd/internal/scheduler"
)

// AlternativeByteHandler is installed on a TCP-interleaved connection to
// receive any byte that doesn't belong to a '$'-framed RTP/RTCP packet —
// i.e. the start of a new RTSP request arriving on the same socket used
// for interleaved media.
type AlternativeByteHandler func(b byte)

// tcpStream is one interleaved {connection, channel id} pair a sink writes
// to, mirroring live555's tcpStreamRecord.
type tcpStream struct {
	conn      net.Conn
	channelID byte
}

// Interface is the per-sink transport: an optional UDP group socket plus
// any number of TCP-interleaved destinations.
type Interface struct {
	mu sync.Mutex

	gs          *groupsock.GroupSock
	udpDest     *net.UDPAddr
	tcpStreams  []tcpStream
}

// New constructs an Interface with no destinations yet; SetGroupSock
// and AddTCPStream populate it per SETUP.
func New() *Interface {
	return &Interface{}
}

// SetGroupSock installs the UDP socket used for unicast/multicast sends.
func (i *Interface) SetGroupSock(gs *groupsock.GroupSock, dest *net.UDPAddr) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.gs = gs
	i.udpDest = dest
}

// AddTCPStream registers an interleaved destination.
func (i *Interface) AddTCPStream(conn net.Conn, channelID byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tcpStreams = append(i.tcpStreams, tcpStream{conn: conn, channelID: channelID})
}

// RemoveTCPStream drops an interleaved destination (TEARDOWN/connection
// close).
func (i *Interface) RemoveTCPStream(conn net.Conn) {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := i.tcpStreams[:0]
	for _, s := range i.tcpStreams {
		if s.conn != conn {
			out = append(out, s)
		}
	}
	i.tcpStreams = out
}

// SendPacket writes packet to the UDP destination (if configured) and to
// every TCP-interleaved stream, each prefixed with the 4-byte interleave
// header `0x24 channelId lenHi lenLo`. Every destination is attempted; only
// the first failure is returned, later ones are dropped. Callers (RTP sink
// Send) treat any error as
// non-fatal per the spec's TransportSendError semantics.
func (i *Interface) SendPacket(packet []byte) error {
	i.mu.Lock()
	gs, udpDest := i.gs, i.udpDest
	streams := append([]tcpStream(nil), i.tcpStreams...)
	i.mu.Unlock()

	var firstErr error
	if gs != nil {
		if _, err := gs.SendTo(packet, udpDest); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("udp send: %w", err)
		}
	}
	for _, s := range streams {
		if err := writeInterleaved(s.conn, s.channelID, packet); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tcp interleaved send (channel %d): %w", s.channelID, err)
		}
	}
	return firstErr
}

func writeInterleaved(w io.Writer, channelID byte, packet []byte) error {
	if len(packet) > 0xFFFF {
		return fmt.Errorf("rtpinterface: packet too large for interleave framing: %d bytes", len(packet))
	}
	header := [4]byte{0x24, channelID, byte(len(packet) >> 8), byte(len(packet))}
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	// Best-effort retry on partial write: bufio/net.Conn.Write already
	// loops internally for stream sockets, but callers may hand us an
	// io.Writer that doesn't; loop explicitly to match the spec.
	total := 0
	for total < len(packet) {
		n, err := w.Write(packet[total:])
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}

// StartNetworkReading registers readability for an inbound RTCP UDP socket.
// handler is invoked with each complete inbound datagram (RTCP).
// TCP-interleaved connections are not read here.
func StartNetworkReading(sched *scheduler.Scheduler, gs *groupsock.GroupSock, handler func(packet []byte, from *net.UDPAddr)) scheduler.Token {
	if gs == nil {
		return scheduler.Token{}
	}
	return sched.ScheduleReadable(udpReadable{gs}, func() {
		buf := make([]byte, 2048)
		n, from, err := gs.ReadFrom(buf)
		if err != nil {
			return
		}
		handler(buf[:n], from)
	})
}

// udpReadable adapts GroupSock to scheduler.Readable by peeking via a
// zero-byte read deadline probe; UDP sockets don't support bufio.Peek, so
// instead we just always report "possibly readable" and rely on handler's
// non-blocking ReadFrom to no-op when nothing is pending. For a production
// deployment this would instead use the runtime-integrated readiness the
// net poller already provides; see DESIGN.md.
type udpReadable struct {
	gs *groupsock.GroupSock
}

func (u udpReadable) Peek(n int) ([]byte, error) {
	return nil, nil
}

// DemuxTCPReader reads interleaved frames from an RTSP TCP connection,
// dispatching '$'-prefixed frames to onPacket(channelID, payload) and
// every other byte to onAlternative, matching
// ServerRequestAlternativeByteHandler's role of handing control back to
// the RTSP command parser when interleaved framing isn't present.
type DemuxTCPReader struct {
	r *bufio.Reader

	onPacket     func(channelID byte, payload []byte)
	onAlternative AlternativeByteHandler
}

// NewDemuxTCPReader wraps r.
func NewDemuxTCPReader(r *bufio.Reader, onPacket func(channelID byte, payload []byte), onAlternative AlternativeByteHandler) *DemuxTCPReader {
	return &DemuxTCPReader{r: r, onPacket: onPacket, onAlternative: onAlternative}
}

// ReadOne consumes exactly one interleaved frame or one alternative byte
// from the stream, returning io.EOF (or the underlying read error) at
// end-of-stream.
func (d *DemuxTCPReader) ReadOne() error {
	b, err := d.r.ReadByte()
	if err != nil {
		return err
	}
	if b != 0x24 {
		d.onAlternative(b)
		return nil
	}
	var hdr [3]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return err
	}
	channelID := hdr[0]
	size := int(hdr[1])<<8 | int(hdr[2])
	payload := make([]byte, size)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return err
	}
	d.onPacket(channelID, payload)
	return nil
}
