package registry

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the authentication state of a session.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	default:
		return "UNKNOWN"
	}
}

// Identity binds a device to the principal its token resolved to.
// It never changes once assigned to a session.
type Identity struct {
	DeviceID    string
	PrincipalID int64
	Role        string
}

// Socket is the transport handle a session sends on. Send is never called
// concurrently for one socket; Close and Ping may race with Send.
type Socket interface {
	Send(data []byte) error
	Ping() error
	Close(code int, reason string) error
}

// Session is the server-side record of one device connection. It is
// created and mutated only by the Registry.
type Session struct {
	id        string
	identity  Identity
	socket    Socket
	createdAt time.Time

	// sendMu serializes sends with each other and with closing, so a
	// push either completes on the open socket or observes closed.
	sendMu sync.Mutex
	closed atomic.Bool

	state           atomic.Int32
	lastHeartbeatAt atomic.Int64
	authenticatedAt atomic.Int64
	pushes          atomic.Uint64
	lastPushAt      atomic.Int64
}

func newSession(id string, identity Identity, socket Socket, now time.Time) *Session {
	s := &Session{
		id:        id,
		identity:  identity,
		socket:    socket,
		createdAt: now,
	}
	s.lastHeartbeatAt.Store(now.UnixNano())
	return s
}

// ID returns the unique session identifier.
func (s *Session) ID() string { return s.id }

// Identity returns the device identity bound to the session.
func (s *Session) Identity() Identity { return s.identity }

func (s *Session) currentState() State { return State(s.state.Load()) }

func (s *Session) live() bool {
	return !s.closed.Load() && s.currentState() == StateAuthenticated
}

// touch advances lastHeartbeatAt to at unless it is already later.
func (s *Session) touch(at time.Time) {
	next := at.UnixNano()
	for {
		cur := s.lastHeartbeatAt.Load()
		if next <= cur {
			return
		}
		if s.lastHeartbeatAt.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (s *Session) info() SessionInfo {
	info := SessionInfo{
		SessionID:       s.id,
		DeviceID:        s.identity.DeviceID,
		PrincipalID:     s.identity.PrincipalID,
		Role:            s.identity.Role,
		State:           s.currentState(),
		CreatedAt:       s.createdAt,
		LastHeartbeatAt: time.Unix(0, s.lastHeartbeatAt.Load()),
		Pushes:          s.pushes.Load(),
	}
	if at := s.authenticatedAt.Load(); at != 0 {
		info.AuthenticatedAt = time.Unix(0, at)
	}
	if at := s.lastPushAt.Load(); at != 0 {
		info.LastPushAt = time.Unix(0, at)
	}
	return info
}

// SessionInfo is a point-in-time copy of a session's state.
type SessionInfo struct {
	SessionID       string    `json:"sessionId"`
	DeviceID        string    `json:"robotId"`
	PrincipalID     int64     `json:"principalId"`
	Role            string    `json:"role,omitempty"`
	State           State     `json:"-"`
	CreatedAt       time.Time `json:"createdAt"`
	AuthenticatedAt time.Time `json:"authenticatedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	LastPushAt      time.Time `json:"lastPushAt,omitempty"`
	Pushes          uint64    `json:"pushes"`
}
