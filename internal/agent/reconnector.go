// Package agent is the device side of the robot link: it keeps one
// authenticated socket to the server, sends heartbeats while active and
// reconnects with linear backoff after abnormal closes.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/robot-link/robot-link-server/internal/clock"
	"github.com/robot-link/robot-link-server/internal/config"
	"github.com/robot-link/robot-link-server/pkg/protocol"
)

// ErrNotActive is returned by Send outside PhaseActive.
var ErrNotActive = errors.New("agent: connection not active")

// Config controls a Reconnector.
type Config struct {
	ServerURL            string
	RobotID              string
	Token                string
	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	AutoReconnect        bool
}

// NewConfig builds a Config from the agent section of the config file.
func NewConfig(c config.AgentConfig) Config {
	return Config{
		ServerURL:            c.ServerURL,
		RobotID:              c.RobotID,
		Token:                c.Token,
		HeartbeatInterval:    c.HeartbeatInterval,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		ReconnectBaseDelay:   c.ReconnectBaseDelay,
		AutoReconnect:        c.AutoReconnect(),
	}
}

// StatusFunc supplies the payload of each outgoing heartbeat.
type StatusFunc func() protocol.HeartbeatPayload

// Reconnector owns the client socket lifecycle. All transitions run on the
// goroutine executing Run; the public methods only enqueue requests.
type Reconnector struct {
	cfg    Config
	dialer Dialer
	clock  clock.Clock
	status StatusFunc
	logger zerolog.Logger

	inbox *mailbox

	listenersMu sync.RWMutex
	listeners   []Listener

	stateMu sync.RWMutex
	state   State

	// writeMu serializes writes on conn; active is the conn Send may use.
	writeMu sync.Mutex
	active  Conn

	// Owned by the loop goroutine.
	phase            Phase
	attempts         int
	lastError        string
	conn             Conn
	connGen          uint64
	reconnectTimer   *clock.Timer
	reconnectGen     uint64
	heartbeatTimer   *clock.Timer
	heartbeatGen     uint64
	heartbeatRunning bool
	runCtx           context.Context
}

// New creates a Reconnector in PhaseDisconnected. Nothing happens until
// Run is started and Connect is called.
func New(cfg Config, dialer Dialer, c clock.Clock) *Reconnector {
	started := c.Now()
	return &Reconnector{
		cfg:    cfg,
		dialer: dialer,
		clock:  c,
		status: func() protocol.HeartbeatPayload {
			return protocol.HeartbeatPayload{
				Status:    "ok",
				UptimeSec: int64(c.Now().Sub(started).Seconds()),
			}
		},
		logger: log.With().Str("component", "agent").Str("robot_id", cfg.RobotID).Logger(),
		inbox:  newMailbox(),
	}
}

// SetStatusFunc replaces the heartbeat payload source. Call before Run.
func (r *Reconnector) SetStatusFunc(fn StatusFunc) {
	r.status = fn
}

// Subscribe adds a listener. Listeners are called in registration order;
// a panicking listener is logged and skipped.
func (r *Reconnector) Subscribe(l Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// State returns the current state snapshot.
func (r *Reconnector) State() State {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state
}

// Connect starts connecting from PhaseDisconnected and resets the attempt
// counter. It is ignored in any other phase.
func (r *Reconnector) Connect() {
	r.inbox.post(connectRequest{})
}

// Disconnect closes the socket with a normal close, cancels pending
// reconnect and heartbeat timers and moves to PhaseDisconnected. The
// attempt counter is left as it was.
func (r *Reconnector) Disconnect() {
	r.inbox.post(disconnectRequest{})
}

// Send writes frame on the active socket.
func (r *Reconnector) Send(frame protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.active == nil {
		return ErrNotActive
	}
	return r.active.WriteMessage(data)
}

// Run processes events until ctx is cancelled, then closes any open socket.
func (r *Reconnector) Run(ctx context.Context) error {
	r.runCtx = ctx
	for {
		select {
		case <-ctx.Done():
			r.disconnect(protocol.CloseNormal, protocol.ReasonClientDisconnect)
			return ctx.Err()
		case <-r.inbox.ready():
		}
		for _, msg := range r.inbox.drain() {
			r.handle(msg)
		}
	}
}

// Messages processed by the loop. Generation fields tie callbacks to the
// connection or timer that produced them; anything stale is dropped.
type (
	connectRequest    struct{}
	disconnectRequest struct{}
	dialResult        struct {
		gen  uint64
		conn Conn
		err  error
	}
	frameReceived struct {
		gen  uint64
		data []byte
	}
	connClosed struct {
		gen uint64
		err error
	}
	reconnectDue struct{ gen uint64 }
	heartbeatDue struct{ gen uint64 }
)

func (r *Reconnector) handle(msg interface{}) {
	switch m := msg.(type) {
	case connectRequest:
		if r.phase != PhaseDisconnected {
			r.logger.Debug().Str("phase", r.phase.String()).Msg("Connect ignored")
			return
		}
		r.attempts = 0
		r.lastError = ""
		r.dial()

	case disconnectRequest:
		r.disconnect(protocol.CloseNormal, protocol.ReasonClientDisconnect)

	case dialResult:
		r.onDialed(m)

	case frameReceived:
		if m.gen != r.connGen {
			return
		}
		r.onFrame(m.data)

	case connClosed:
		if m.gen != r.connGen {
			return
		}
		code, reason := protocol.CloseAbnormal, ""
		var ce *CloseError
		if errors.As(m.err, &ce) {
			code, reason = ce.Code, ce.Reason
		} else if m.err != nil {
			reason = m.err.Error()
		}
		r.connectionLost(code, reason)

	case reconnectDue:
		if m.gen != r.reconnectGen || r.phase != PhaseReconnecting {
			return
		}
		r.reconnectTimer = nil
		r.dial()

	case heartbeatDue:
		if m.gen != r.heartbeatGen || !r.heartbeatRunning || r.phase != PhaseActive {
			return
		}
		r.armHeartbeat()
		r.sendHeartbeat()
	}
}

func (r *Reconnector) dial() {
	r.connGen++
	gen := r.connGen
	r.setPhase(PhaseConnecting)

	ctx := r.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	rawURL, err := SocketURL(r.cfg.ServerURL, r.cfg.RobotID, r.cfg.Token)
	if err != nil {
		r.inbox.post(dialResult{gen: gen, err: err})
		return
	}
	r.logger.Info().Int("attempt", r.attempts).Msg("Connecting")
	go func() {
		conn, err := r.dialer.Dial(ctx, rawURL)
		r.inbox.post(dialResult{gen: gen, conn: conn, err: err})
	}()
}

func (r *Reconnector) onDialed(m dialResult) {
	if m.gen != r.connGen || r.phase != PhaseConnecting {
		if m.conn != nil {
			m.conn.Close(protocol.CloseNormal, protocol.ReasonClientDisconnect)
		}
		return
	}
	if m.err != nil {
		r.logger.Warn().Err(m.err).Msg("Dial failed")
		r.lastError = m.err.Error()
		r.emit(ErrorEvent{Err: m.err})
		r.retryOrGiveUp()
		return
	}

	r.conn = m.conn
	gen := m.gen
	go r.readLoop(m.conn, gen)

	r.setPhase(PhaseAuthenticating)
	r.emit(OpenEvent{})

	// Credentials go out on every new socket.
	auth, err := protocol.NewFrameAt(protocol.TypeAuthenticate, protocol.AuthenticatePayload{
		RobotID: r.cfg.RobotID,
		Token:   r.cfg.Token,
	}, r.clock.Now())
	if err == nil {
		err = r.write(m.conn, auth)
	}
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to send credentials")
		r.emit(ErrorEvent{Err: err})
		r.connectionLost(protocol.CloseAbnormal, err.Error())
	}
}

func (r *Reconnector) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			r.inbox.post(connClosed{gen: gen, err: err})
			return
		}
		r.inbox.post(frameReceived{gen: gen, data: data})
	}
}

func (r *Reconnector) onFrame(data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Dropping malformed frame")
		r.emit(ErrorEvent{Err: err})
		return
	}

	switch frame.Type {
	case protocol.TypeAuthenticated:
		if r.phase != PhaseAuthenticating {
			r.logger.Debug().Str("phase", r.phase.String()).Msg("Unexpected authenticated frame")
			return
		}
		var p protocol.AuthenticatedPayload
		if err := frame.DecodePayload(&p); err != nil {
			r.emit(ErrorEvent{Err: err})
		}
		r.attempts = 0
		r.lastError = ""
		r.writeMu.Lock()
		r.active = r.conn
		r.writeMu.Unlock()
		r.setPhase(PhaseActive)
		r.startHeartbeat()
		r.logger.Info().Str("session_id", p.SessionID).Msg("Authenticated")
		r.emit(AuthenticatedEvent{Payload: p})

	case protocol.TypeHeartbeatAck:
		var p protocol.HeartbeatAckPayload
		frame.DecodePayload(&p)
		r.emit(HeartbeatAckEvent{ServerTimeMs: p.ServerTimeMs})

	case protocol.TypeHeartbeatWarning:
		var p protocol.HeartbeatWarningPayload
		frame.DecodePayload(&p)
		r.logger.Warn().Str("reason", p.Reason).Msg("Server flagged degraded health")
		r.emit(HeartbeatWarningEvent{Reason: p.Reason, Status: p.Status})

	case protocol.TypeError:
		var p protocol.ErrorPayload
		frame.DecodePayload(&p)
		r.logger.Warn().Str("code", p.Code).Str("message", p.Message).Msg("Server reported error")
		r.emit(ErrorEvent{Err: &ServerError{Code: p.Code, Message: p.Message}})

	default:
		r.emit(MessageEvent{Frame: frame})
	}
}

// connectionLost tears down the current socket and decides whether to retry.
func (r *Reconnector) connectionLost(code int, reason string) {
	r.stopHeartbeat()
	r.clearActive()
	r.connGen++
	if r.conn != nil {
		r.conn.Close(protocol.CloseNormal, protocol.ReasonClientDisconnect)
		r.conn = nil
	}

	r.logger.Info().Int("code", code).Str("reason", reason).Msg("Connection closed")
	if code != protocol.CloseNormal {
		r.lastError = reason
	}
	r.publishState()
	r.emit(CloseEvent{Code: code, Reason: reason})

	if code == protocol.CloseNormal {
		r.setPhase(PhaseDisconnected)
		return
	}
	r.retryOrGiveUp()
}

// retryOrGiveUp arms the next reconnect with delay base*attempt, or gives
// up once the attempt budget is spent. The timer is armed before the
// event is emitted.
func (r *Reconnector) retryOrGiveUp() {
	if !r.cfg.AutoReconnect {
		r.setPhase(PhaseDisconnected)
		return
	}
	if r.attempts >= r.cfg.MaxReconnectAttempts {
		r.setPhase(PhaseDisconnected)
		r.logger.Error().Int("attempts", r.attempts).Msg("Giving up reconnecting")
		r.emit(ReconnectFailedEvent{Attempts: r.attempts})
		return
	}

	r.attempts++
	delay := r.cfg.ReconnectBaseDelay * time.Duration(r.attempts)
	r.reconnectGen++
	gen := r.reconnectGen
	r.reconnectTimer = r.clock.AfterFunc(delay, func() {
		r.inbox.post(reconnectDue{gen: gen})
	})
	r.setPhase(PhaseReconnecting)

	r.logger.Info().
		Int("attempt", r.attempts).
		Int("max", r.cfg.MaxReconnectAttempts).
		Dur("delay", delay).
		Msg("Reconnecting")
	r.emit(ReconnectingEvent{Attempt: r.attempts, Max: r.cfg.MaxReconnectAttempts, Delay: delay})
}

func (r *Reconnector) disconnect(code int, reason string) {
	if r.phase == PhaseDisconnected {
		return
	}
	r.cancelReconnect()
	r.stopHeartbeat()
	r.clearActive()
	r.connGen++
	if r.conn != nil {
		r.conn.Close(code, reason)
		r.conn = nil
	}
	r.setPhase(PhaseDisconnected)
	r.logger.Info().Str("reason", reason).Msg("Disconnected")
	r.emit(CloseEvent{Code: code, Reason: reason})
}

func (r *Reconnector) cancelReconnect() {
	r.reconnectGen++
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
		r.reconnectTimer = nil
	}
}

// startHeartbeat runs once per entry into PhaseActive.
func (r *Reconnector) startHeartbeat() {
	if r.heartbeatRunning {
		r.logger.Warn().Msg("Heartbeat already running")
		return
	}
	r.heartbeatRunning = true
	r.armHeartbeat()
}

func (r *Reconnector) armHeartbeat() {
	r.heartbeatGen++
	gen := r.heartbeatGen
	r.heartbeatTimer = r.clock.AfterFunc(r.cfg.HeartbeatInterval, func() {
		r.inbox.post(heartbeatDue{gen: gen})
	})
}

func (r *Reconnector) stopHeartbeat() {
	if !r.heartbeatRunning {
		return
	}
	r.heartbeatRunning = false
	r.heartbeatGen++
	if r.heartbeatTimer != nil {
		r.heartbeatTimer.Stop()
		r.heartbeatTimer = nil
	}
}

func (r *Reconnector) sendHeartbeat() {
	frame, err := protocol.NewFrameAt(protocol.TypeHeartbeat, r.status(), r.clock.Now())
	if err == nil {
		err = r.write(r.conn, frame)
	}
	if err != nil {
		// The read loop reports the close if the socket is gone.
		r.logger.Warn().Err(err).Msg("Heartbeat send failed")
		r.emit(ErrorEvent{Err: err})
	}
}

func (r *Reconnector) write(conn Conn, frame protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteMessage(data)
}

func (r *Reconnector) clearActive() {
	r.writeMu.Lock()
	r.active = nil
	r.writeMu.Unlock()
}

func (r *Reconnector) setPhase(p Phase) {
	r.phase = p
	r.publishState()
}

func (r *Reconnector) publishState() {
	r.stateMu.Lock()
	r.state = State{Phase: r.phase, ReconnectAttempts: r.attempts, LastError: r.lastError}
	r.stateMu.Unlock()
}

func (r *Reconnector) emit(ev Event) {
	r.listenersMu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.listenersMu.RUnlock()

	for _, l := range listeners {
		r.deliver(l, ev)
	}
}

func (r *Reconnector) deliver(l Listener, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Msgf("Listener panicked on %T", ev)
		}
	}()
	l(ev)
}

// mailbox is an unbounded FIFO feeding the loop.
type mailbox struct {
	mu     sync.Mutex
	queue  []interface{}
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) post(msg interface{}) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) ready() <-chan struct{} {
	return m.notify
}

func (m *mailbox) drain() []interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.queue
	m.queue = nil
	return msgs
}
