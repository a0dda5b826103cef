// Package registry keeps the one live session per device identity and is
// the single source of truth for whether a robot is online.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/robot-link/robot-link-server/internal/clock"
	"github.com/robot-link/robot-link-server/pkg/protocol"
)

// Common errors
var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrSessionClosed = errors.New("session closed")
	ErrShutdown      = errors.New("registry shut down")
)

// Observer is notified when sessions become live and when live sessions
// end. Calls happen outside registry locks; a panicking observer is
// recovered and logged.
type Observer interface {
	SessionOpened(info SessionInfo)
	SessionClosed(info SessionInfo, reason string, at time.Time)
}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver adds a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

// WithLogger replaces the default logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry maps device IDs to their current session. All methods are safe
// for concurrent use; the map lock is never held across socket I/O.
type Registry struct {
	clock     clock.Clock
	logger    zerolog.Logger
	observers []Observer

	mu       sync.Mutex
	sessions map[string]*Session
	shutdown bool
}

// New creates an empty registry.
func New(c clock.Clock, opts ...Option) *Registry {
	r := &Registry{
		clock:    c,
		logger:   log.With().Str("component", "registry").Logger(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs a new unauthenticated session for identity. A live
// session for the same device is closed as superseded.
func (r *Registry) Register(identity Identity, socket Socket) (*Session, error) {
	s := newSession(uuid.New().String(), identity, socket, r.clock.Now())

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil, ErrShutdown
	}
	prev := r.sessions[identity.DeviceID]
	r.sessions[identity.DeviceID] = s
	r.mu.Unlock()

	if prev != nil {
		r.logger.Info().
			Str("robot_id", identity.DeviceID).
			Str("session_id", prev.id).
			Str("new_session_id", s.id).
			Msg("Session superseded by newer connection")
		r.closeSession(prev, protocol.ReasonSuperseded)
	}

	r.logger.Debug().
		Str("robot_id", identity.DeviceID).
		Str("session_id", s.id).
		Msg("Session registered")
	return s, nil
}

// MarkAuthenticated promotes the device's current session. It fails when
// the device is unknown or its socket is already closed.
func (r *Registry) MarkAuthenticated(deviceID string) error {
	return r.markAuthenticated(deviceID, r.lookup(deviceID))
}

// MarkSessionAuthenticated is MarkAuthenticated restricted to one session.
// A handshake that lost a race against a newer connection gets
// ErrUnknownDevice instead of promoting its successor.
func (r *Registry) MarkSessionAuthenticated(deviceID, sessionID string) error {
	return r.markAuthenticated(deviceID, r.lookupSession(deviceID, sessionID))
}

func (r *Registry) markAuthenticated(deviceID string, s *Session) error {
	if s == nil {
		r.logger.Warn().Str("robot_id", deviceID).Msg("MarkAuthenticated for unknown device")
		return ErrUnknownDevice
	}

	s.sendMu.Lock()
	if s.closed.Load() {
		s.sendMu.Unlock()
		r.logger.Warn().Str("robot_id", deviceID).Str("session_id", s.id).Msg("MarkAuthenticated on closed session")
		return ErrSessionClosed
	}
	if s.currentState() == StateAuthenticated {
		s.sendMu.Unlock()
		return nil
	}
	now := r.clock.Now()
	s.authenticatedAt.Store(now.UnixNano())
	s.touch(now)
	s.state.Store(int32(StateAuthenticated))
	s.sendMu.Unlock()

	info := s.info()
	r.logger.Info().
		Str("robot_id", deviceID).
		Str("session_id", s.id).
		Int64("principal_id", info.PrincipalID).
		Msg("Session authenticated")
	r.notifyOpened(info)
	return nil
}

// TouchHeartbeat records a device-originated heartbeat. lastHeartbeatAt
// never moves backwards.
func (r *Registry) TouchHeartbeat(deviceID string, at time.Time) error {
	s := r.lookup(deviceID)
	if s == nil {
		return ErrUnknownDevice
	}
	s.touch(at)
	return nil
}

// TouchSessionHeartbeat is TouchHeartbeat restricted to one session, so a
// heartbeat read from a superseded socket cannot keep its successor alive.
func (r *Registry) TouchSessionHeartbeat(deviceID, sessionID string, at time.Time) error {
	s := r.lookupSession(deviceID, sessionID)
	if s == nil {
		return ErrUnknownDevice
	}
	s.touch(at)
	return nil
}

// Push hands frame to the device's authenticated session. It returns
// false without side effects when no authenticated session exists, and
// false when the send fails; the failing session is then unregistered.
// True means the transport accepted the frame, not that it was delivered.
func (r *Registry) Push(deviceID string, frame protocol.Frame) bool {
	data, err := protocol.Encode(frame)
	if err != nil {
		r.logger.Error().Err(err).Str("robot_id", deviceID).Str("type", string(frame.Type)).Msg("Refusing to push invalid frame")
		return false
	}

	s := r.lookup(deviceID)
	if s == nil || !s.live() {
		return false
	}

	s.sendMu.Lock()
	if !s.live() {
		s.sendMu.Unlock()
		return false
	}
	err = s.socket.Send(data)
	if err == nil {
		s.pushes.Add(1)
		s.lastPushAt.Store(r.clock.Now().UnixNano())
	}
	s.sendMu.Unlock()

	if err != nil {
		r.logger.Warn().Err(err).
			Str("robot_id", deviceID).
			Str("session_id", s.id).
			Str("type", string(frame.Type)).
			Msg("Push failed, dropping session")
		r.UnregisterSession(deviceID, s.id, protocol.ReasonConnectionClosed)
		return false
	}
	return true
}

// Probe sends a transport-level ping on the device's session. It does not
// advance lastHeartbeatAt.
func (r *Registry) Probe(deviceID string) error {
	s := r.lookup(deviceID)
	if s == nil {
		return ErrUnknownDevice
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.socket.Ping()
}

// Unregister removes and closes the device's session. Repeated calls are
// no-ops and report false.
func (r *Registry) Unregister(deviceID, reason string) bool {
	r.mu.Lock()
	s, ok := r.sessions[deviceID]
	if ok {
		delete(r.sessions, deviceID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.closeSession(s, reason)
	return true
}

// UnregisterSession is Unregister restricted to one session, so a stale
// connection or a late eviction never removes the session that replaced
// it. The session is closed even if it was already superseded.
func (r *Registry) UnregisterSession(deviceID, sessionID, reason string) bool {
	r.mu.Lock()
	s, ok := r.sessions[deviceID]
	if ok && s.id == sessionID {
		delete(r.sessions, deviceID)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.closeSession(s, reason)
	return true
}

// ListOnline returns the IDs of devices with an authenticated session,
// sorted. The result is a snapshot.
func (r *Registry) ListOnline() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s.live() {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Get returns a snapshot of the device's session.
func (r *Registry) Get(deviceID string) (SessionInfo, bool) {
	s := r.lookup(deviceID)
	if s == nil {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// Snapshot returns copies of every registered session.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.info())
	}
	return infos
}

// Len returns the number of registered sessions, authenticated or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown closes every session and rejects further registrations.
func (r *Registry) Shutdown(reason string) {
	r.mu.Lock()
	r.shutdown = true
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		r.closeSession(s, reason)
	}
	r.logger.Info().Int("sessions", len(sessions)).Str("reason", reason).Msg("Registry shut down")
}

func (r *Registry) lookup(deviceID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[deviceID]
}

func (r *Registry) lookupSession(deviceID, sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.sessions[deviceID]; s != nil && s.id == sessionID {
		return s
	}
	return nil
}

// closeSession marks s closed under its send lock, then closes the socket.
// Observers hear about it only if the session had been authenticated.
func (r *Registry) closeSession(s *Session, reason string) {
	s.sendMu.Lock()
	if s.closed.Load() {
		s.sendMu.Unlock()
		return
	}
	s.closed.Store(true)
	wasOpen := s.currentState() == StateAuthenticated
	s.sendMu.Unlock()

	if err := s.socket.Close(protocol.CloseCodeFor(reason), reason); err != nil {
		r.logger.Debug().Err(err).Str("session_id", s.id).Msg("Socket close error")
	}

	r.logger.Info().
		Str("robot_id", s.identity.DeviceID).
		Str("session_id", s.id).
		Str("reason", reason).
		Msg("Session closed")

	if wasOpen {
		r.notifyClosed(s.info(), reason, r.clock.Now())
	}
}

func (r *Registry) notifyOpened(info SessionInfo) {
	for _, o := range r.observers {
		r.safeNotify(func() { o.SessionOpened(info) })
	}
}

func (r *Registry) notifyClosed(info SessionInfo, reason string, at time.Time) {
	for _, o := range r.observers {
		r.safeNotify(func() { o.SessionClosed(info, reason, at) })
	}
}

func (r *Registry) safeNotify(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Msg("Session observer panicked")
		}
	}()
	fn()
}
