package rtspserver

import (
	"sync"
	"time"

	"github.com/ethan/rtspd/internal/ondemand"
	"github.com/ethan/rtspd/internal/scheduler"
)

// trackStream is one SETUP'd track within a ClientSession: the shared
// StreamState it was handed, plus where this client wants packets sent.
type trackStream struct {
	subsession *ondemand.Subsession
	state      *ondemand.StreamState
	dest       ondemand.Destination
}

// ClientSession is the full per-session state a SETUP creates and PLAY/
// PAUSE/TEARDOWN/GET_PARAMETER/SET_PARAMETER operate on. SessionID and
// SessionStreamName satisfy mediaserver.ClientSession, letting the
// generic server tables index and sweep these richer objects directly.
type ClientSession struct {
	ID         string
	StreamName string

	mu     sync.Mutex
	tracks map[string]*trackStream // by track id ("track1", ...)

	reclamationTimer scheduler.Token
}

// NewClientSession constructs an empty session for streamName under id.
func NewClientSession(id, streamName string) *ClientSession {
	return &ClientSession{
		ID:         id,
		StreamName: streamName,
		tracks:     make(map[string]*trackStream),
	}
}

// SessionID implements mediaserver.ClientSession.
func (cs *ClientSession) SessionID() string { return cs.ID }

// SessionStreamName implements mediaserver.ClientSession.
func (cs *ClientSession) SessionStreamName() string { return cs.StreamName }

// AddTrack records that trackID's stream graph for this session is state,
// created via the subsession's factories during SETUP.
func (cs *ClientSession) AddTrack(trackID string, subsession *ondemand.Subsession, state *ondemand.StreamState) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.tracks[trackID] = &trackStream{subsession: subsession, state: state}
}

// Track returns the recorded stream graph for trackID.
func (cs *ClientSession) Track(trackID string) (*ondemand.Subsession, *ondemand.StreamState, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	ts, ok := cs.tracks[trackID]
	if !ok {
		return nil, nil, false
	}
	return ts.subsession, ts.state, true
}

// Play starts (or resumes) every track's stream toward this session's
// registered destinations, returning per-track RTP-Info fields.
func (cs *ClientSession) Play() map[string]PlayInfo {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	out := make(map[string]PlayInfo, len(cs.tracks))
	for trackID, ts := range cs.tracks {
		seq, rtptime, _ := ts.state.StartStream(ts.dest)
		out[trackID] = PlayInfo{Seq: seq, RTPTime: rtptime}
	}
	return out
}

// PlayInfo carries the fields an RTP-Info header reports for one track.
type PlayInfo struct {
	Seq     uint16
	RTPTime uint32
}

// Pause detaches this session from every track's shared stream.
func (cs *ClientSession) Pause() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, ts := range cs.tracks {
		ts.state.PauseStream(cs.ID)
	}
}

// Teardown releases every track's stream graph, decrementing reference
// counts and closing the graph entirely once it reaches zero.
func (cs *ClientSession) Teardown() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, ts := range cs.tracks {
		ts.subsession.DeleteStream(ts.state, cs.ID)
	}
	cs.tracks = make(map[string]*trackStream)
}

// SetDestination records where trackID's packets should go, established
// during SETUP before the first PLAY.
func (cs *ClientSession) SetDestination(trackID string, dest ondemand.Destination) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if ts, ok := cs.tracks[trackID]; ok {
		ts.dest = dest
	}
}

// Touch resets the reclamation timer; called on every RTSP request that
// names this session. Incoming RTCP receiver reports do not call it, so
// they do not keep the session alive.
func (cs *ClientSession) Touch(sched *scheduler.Scheduler, reclamationSeconds uint32, onExpire func()) {
	cs.reclamationTimer.Cancel()
	cs.reclamationTimer = sched.ScheduleDelayed(time.Duration(reclamationSeconds)*time.Second, onExpire)
}

// CancelReclamation stops the liveness timer (explicit TEARDOWN).
func (cs *ClientSession) CancelReclamation() {
	cs.reclamationTimer.Cancel()
}
