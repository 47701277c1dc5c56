package dispatch

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ridepool/internal/observability"
)

var ErrNoSession = errors.New("no realtime session")

// WSSession is one participant's realtime connection.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry tracks realtime connections keyed by participant id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession

	// onConnect runs after a participant connects, used to replay
	// undelivered notifications.
	onConnect func(participantID string)
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession)}
}

func (r *WSRegistry) OnConnect(fn func(participantID string)) { r.onConnect = fn }

// Add registers the connection and returns its session handle. A reconnect
// displaces the previous connection, which is closed here; its reader
// goroutine then calls Remove with the old handle, a no-op.
func (r *WSRegistry) Add(participantID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old, replaced := r.sessions[participantID]
	r.sessions[participantID] = s
	r.mu.Unlock()
	if replaced {
		_ = old.conn.Close()
	} else {
		observability.WSConnections.Inc()
	}
	if r.onConnect != nil {
		r.onConnect(participantID)
	}
	return s
}

// Remove drops the participant's session only if it is still the given one,
// so a dying connection cannot evict its replacement.
func (r *WSRegistry) Remove(participantID string, s *WSSession) {
	r.mu.Lock()
	cur, ok := r.sessions[participantID]
	if ok && cur == s {
		delete(r.sessions, participantID)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		observability.WSConnections.Dec()
		_ = s.conn.Close()
	}
}

func (r *WSRegistry) Send(participantID string, v interface{}) error {
	r.mu.RLock()
	s, ok := r.sessions[participantID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(v)
}
