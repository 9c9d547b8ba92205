// Package rtpsink implements the RTP sink base (component C8): RTP header
// construction, sequence/timestamp bookkeeping, and per-stream
// transmission statistics, grounded in live555's RTPSink and
// RTPTransmissionStatsDB (original_source/liveMedia/include/RTPSink.hh)
// but built atop github.com/pion/rtp for header marshaling, the way the
// teacher repo uses pion/rtp in pkg/rtp for depacketization.
package rtpsink

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// SendError is reported via OnSendError when a transport write fails.
// Per the spec, a send error is not fatal: sequence numbers keep advancing.
type SendError struct {
	Err error
}

// Transport is the minimal send capability an RTP sink needs; satisfied
// by internal/rtpinterface.Interface.
type Transport interface {
	SendPacket(packet []byte) error
}

// Base constructs RTP headers and tracks the running sequence number,
// timestamp base, and transmission counters for one outgoing stream.
type Base struct {
	mu sync.Mutex

	payloadType byte
	clockRate   uint32
	ssrc        uint32

	seq           uint16
	timestampBase uint32
	presetNext    bool
	presetValue   uint32
	baseTime      time.Time

	markerBit bool

	transport   Transport
	onSendError func(SendError)

	stats Stats
}

// Stats mirrors RTPTransmissionStats: counters consumed by RTCP SR
// generation.
type Stats struct {
	PacketCount uint32
	OctetCount  uint32
	LastSeq     uint16
}

// New constructs a Base for payloadType at clockRate Hz, sending through
// transport. Sequence number and SSRC are initialized from
// crypto/rand, matching the spec's "initialized randomly" requirement more
// strongly than live555's libc rand().
func New(payloadType byte, clockRate uint32, transport Transport) *Base {
	b := &Base{
		payloadType: payloadType,
		clockRate:   clockRate,
		transport:   transport,
		seq:         randUint16(),
		ssrc:        randUint32(),
		timestampBase: randUint32(),
	}
	return b
}

func randUint16() uint16 {
	var buf [2]byte
	_, _ = rand.Read(buf[:])
	return binary.BigEndian.Uint16(buf[:])
}

func randUint32() uint32 {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}

// SSRC returns this sink's synchronization source identifier.
func (b *Base) SSRC() uint32 { return b.ssrc }

// SetOnSendError installs a callback invoked on transport write failure.
func (b *Base) SetOnSendError(fn func(SendError)) { b.onSendError = fn }

// SetMarkerBit sets the RTP marker bit for the next packet built by
// BuildPacket.
func (b *Base) SetMarkerBit(set bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markerBit = set
}

// SetTimestamp records presentationTime as the basis for the next packet's
// RTP timestamp, relative to the first timestamp ever computed (baseTime),
// offset by the random timestampBase.
func (b *Base) SetTimestamp(presentationTime time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.baseTime.IsZero() {
		b.baseTime = presentationTime
	}
	if b.presetNext {
		b.presetNext = false
		return
	}
	b.presetValue = b.computeTimestamp(presentationTime)
}

// PresetNextTimestamp forces the next packet's timestamp to the value that
// would be computed for time "now", without waiting for SetTimestamp to be
// called from frame delivery — used by live555 subsessions to report the
// timestamp a PLAY response should echo before the stream has actually
// started.
func (b *Base) PresetNextTimestamp() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.baseTime.IsZero() {
		b.baseTime = time.Now()
	}
	b.presetValue = b.computeTimestamp(time.Now())
	b.presetNext = true
	return b.timestampBase + b.presetValue
}

func (b *Base) computeTimestamp(presentationTime time.Time) uint32 {
	delta := presentationTime.Sub(b.baseTime)
	sec := uint32(delta / time.Second)
	usec := uint32((delta % time.Second) / time.Microsecond)
	return sec*b.clockRate + uint32((uint64(usec)*uint64(b.clockRate))/1000000)
}

// NextSequenceNumber returns the sequence number that will be stamped on
// the next packet without consuming it.
func (b *Base) NextSequenceNumber() uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// BuildPacket constructs a full RTP packet (12-byte header plus payload),
// consuming the current marker bit and timestamp, and advancing the
// sequence number.
func (b *Base) BuildPacket(payload []byte) ([]byte, error) {
	b.mu.Lock()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Padding:        false,
			Extension:      false,
			Marker:         b.markerBit,
			PayloadType:    b.payloadType,
			SequenceNumber: b.seq,
			Timestamp:      b.timestampBase + b.presetValue,
			SSRC:           b.ssrc,
		},
		Payload: payload,
	}
	b.seq++
	b.stats.PacketCount++
	b.stats.OctetCount += uint32(len(payload))
	b.stats.LastSeq = pkt.SequenceNumber
	b.mu.Unlock()

	return pkt.Marshal()
}

// Send builds and transmits a packet, reporting any transport failure via
// onSendError without returning it: per the spec, send errors are not
// fatal to the stream.
func (b *Base) Send(payload []byte) {
	packet, err := b.BuildPacket(payload)
	if err != nil {
		b.reportSendError(err)
		return
	}
	if err := b.transport.SendPacket(packet); err != nil {
		b.reportSendError(err)
	}
}

// StampHeaderAndSend writes a 12-byte RTP header into packet[:12]
// (consuming the current marker bit, timestamp, and sequence number,
// matching BuildPacket's bookkeeping) and transmits the whole buffer,
// avoiding the extra payload copy BuildPacket/Send would incur when the
// caller (the multi-frame RTP sink) has already assembled header-plus-
// payload into one contiguous OutPacketBuffer.
func (b *Base) StampHeaderAndSend(packet []byte) {
	if len(packet) < 12 {
		b.reportSendError(fmt.Errorf("rtpsink: packet too small for RTP header: %d bytes", len(packet)))
		return
	}

	b.mu.Lock()
	header := rtp.Header{
		Version:        2,
		Marker:         b.markerBit,
		PayloadType:    b.payloadType,
		SequenceNumber: b.seq,
		Timestamp:      b.timestampBase + b.presetValue,
		SSRC:           b.ssrc,
	}
	b.seq++
	b.stats.PacketCount++
	b.stats.OctetCount += uint32(len(packet) - 12)
	b.stats.LastSeq = header.SequenceNumber
	b.mu.Unlock()

	if _, err := header.MarshalTo(packet[:12]); err != nil {
		b.reportSendError(err)
		return
	}
	if err := b.transport.SendPacket(packet); err != nil {
		b.reportSendError(err)
	}
}

func (b *Base) reportSendError(err error) {
	if b.onSendError != nil {
		b.onSendError(SendError{Err: err})
	}
}

// StatsSnapshot returns a copy of the current transmission counters for
// RTCP SR generation.
func (b *Base) StatsSnapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// DB tracks per-remote-SSRC reception statistics derived from incoming
// RTCP reports, mirroring RTPTransmissionStatsDB.
type DB struct {
	mu    sync.Mutex
	bySSRC map[uint32]*ReceptionStats
}

// ReceptionStats mirrors RTPReceptionStats: what the server learns about a
// remote receiver from its RTCP RRs.
type ReceptionStats struct {
	SSRC            uint32
	FractionLost    uint8
	CumulativeLost  uint32
	HighestSeqRecv  uint32
	Jitter          uint32
	LastSRTimestamp uint32
	LastSeen        time.Time
}

// NewDB constructs an empty stats database.
func NewDB() *DB {
	return &DB{bySSRC: make(map[uint32]*ReceptionStats)}
}

// NoteIncomingRTCP parses an incoming RTCP compound packet and records
// every Receiver Report it carries, the way a session's RTCP socket
// reader feeds received bytes into the stats database.
func (d *DB) NoteIncomingRTCP(packet []byte) error {
	pkts, err := rtcp.Unmarshal(packet)
	if err != nil {
		return fmt.Errorf("rtpsink: unmarshal RTCP: %w", err)
	}
	for _, pkt := range pkts {
		rr, ok := pkt.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, report := range rr.Reports {
			d.NoteIncomingRR(report.SSRC, report.FractionLost, report.TotalLost, report.LastSequenceNumber, report.Jitter, report.LastSenderReport)
		}
	}
	return nil
}

// NoteIncomingRR records a receiver report's fields, creating the entry if
// this is the first RR seen from that SSRC.
func (d *DB) NoteIncomingRR(ssrc uint32, fractionLost uint8, cumulativeLost, highestSeq, jitter, lastSR uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rs, ok := d.bySSRC[ssrc]
	if !ok {
		rs = &ReceptionStats{SSRC: ssrc}
		d.bySSRC[ssrc] = rs
	}
	rs.FractionLost = fractionLost
	rs.CumulativeLost = cumulativeLost
	rs.HighestSeqRecv = highestSeq
	rs.Jitter = jitter
	rs.LastSRTimestamp = lastSR
	rs.LastSeen = time.Now()
}

// Lookup returns the stats recorded for ssrc, if any.
func (d *DB) Lookup(ssrc uint32) (ReceptionStats, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rs, ok := d.bySSRC[ssrc]
	if !ok {
		return ReceptionStats{}, false
	}
	return *rs, true
}
