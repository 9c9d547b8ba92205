// Package mediaserver implements the generic media server tables
// (component C14): the registries of named ServerMediaSessions, open
// client connections, and active client sessions shared by every RTSP
// server instance, grounded in live555's GenericMediaServer
// (referenced from liveMedia/include/ServerMediaSession.hh's session
// model and spec §4.12).
package mediaserver

import (
	"sync"

	"github.com/ethan/rtspd/internal/mediasession"
)

// Server holds the three tables every RTSP server instance needs.
type Server struct {
	mu sync.RWMutex

	serverMediaSessions map[string]*mediasession.Session
	clientConnections   map[any]struct{}
	clientSessions      map[string]ClientSession
}

// New constructs an empty Server.
func New() *Server {
	return &Server{
		serverMediaSessions: make(map[string]*mediasession.Session),
		clientConnections:   make(map[any]struct{}),
		clientSessions:      make(map[string]ClientSession),
	}
}

// AddServerMediaSession registers sess under its StreamName.
func (s *Server) AddServerMediaSession(sess *mediasession.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverMediaSessions[sess.StreamName] = sess
}

// LookupServerMediaSession resolves a URL suffix (the stream name) to its
// session description, used by DESCRIBE and SETUP.
func (s *Server) LookupServerMediaSession(streamName string) (*mediasession.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.serverMediaSessions[streamName]
	return sess, ok
}

// RemoveServerMediaSession unregisters a session by name without touching
// any clients already streaming it.
func (s *Server) RemoveServerMediaSession(streamName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.serverMediaSessions, streamName)
}

// DeleteServerMediaSession closes every client session currently
// referencing streamName, then removes the registration.
func (s *Server) DeleteServerMediaSession(streamName string, closeFn func(ClientSession)) {
	s.CloseAllClientSessionsForServerMediaSession(streamName, closeFn)
	s.RemoveServerMediaSession(streamName)
}

// CloseAllClientSessionsForServerMediaSession invokes closeFn for every
// ClientSession whose StreamName matches, then removes them from the
// table.
func (s *Server) CloseAllClientSessionsForServerMediaSession(streamName string, closeFn func(ClientSession)) {
	s.mu.Lock()
	var victims []ClientSession
	for id, cs := range s.clientSessions {
		if cs.SessionStreamName() == streamName {
			victims = append(victims, cs)
			delete(s.clientSessions, id)
		}
	}
	s.mu.Unlock()

	for _, cs := range victims {
		closeFn(cs)
	}
}

// RegisterClientConnection records a connection's identity for liveness
// tracking/diagnostics.
func (s *Server) RegisterClientConnection(conn any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientConnections[conn] = struct{}{}
}

// DeregisterClientConnection removes a closed connection from the table.
func (s *Server) DeregisterClientConnection(conn any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clientConnections, conn)
}

// ClientSession is the minimal identity every SETUP-established client
// session must expose so the generic tables can index and sweep them,
// regardless of what richer per-protocol state (timers, subsession
// streams) the concrete RTSP server package attaches. rtspserver.ClientSession
// satisfies this directly.
type ClientSession interface {
	SessionID() string
	SessionStreamName() string
}

// AddClientSession registers cs under its session id.
func (s *Server) AddClientSession(cs ClientSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientSessions[cs.SessionID()] = cs
}

// LookupClientSession resolves a `Session:` header value to its
// ClientSession.
func (s *Server) LookupClientSession(id string) (ClientSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.clientSessions[id]
	return cs, ok
}

// RemoveClientSession deregisters a session (TEARDOWN or reclamation).
func (s *Server) RemoveClientSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clientSessions, id)
}

// SessionIDExists reports whether id is currently assigned, for use as
// the collision check passed to medium.Environment.NewSessionID.
func (s *Server) SessionIDExists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.clientSessions[id]
	return exists
}
