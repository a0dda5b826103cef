// Package gateway accepts robot sockets, drives them through the
// authentication handshake and relays their frames once they are live.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/robot-link/robot-link-server/internal/auth"
	"github.com/robot-link/robot-link-server/internal/clock"
	"github.com/robot-link/robot-link-server/internal/registry"
	"github.com/robot-link/robot-link-server/internal/validation"
	"github.com/robot-link/robot-link-server/pkg/protocol"
)

// Config holds the per-socket timings.
type Config struct {
	AuthTimeout    time.Duration
	VerifyTimeout  time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
}

// FrameHandler receives inbound application frames from authenticated
// robots. The frame is passed through unopened.
type FrameHandler func(robotID string, frame protocol.Frame)

// HealthPolicy decides whether a heartbeat warrants a HEARTBEAT_WARNING.
type HealthPolicy func(robotID string, hb protocol.HeartbeatPayload) (warn bool, reason string)

// WarningHandler is told about every HEARTBEAT_WARNING sent to a robot.
type WarningHandler func(robotID, reason string, hb protocol.HeartbeatPayload)

// LowBatteryPercent is the battery level below which DefaultHealthPolicy warns.
const LowBatteryPercent = 10

// DefaultHealthPolicy warns on degraded status reports and low battery.
func DefaultHealthPolicy(_ string, hb protocol.HeartbeatPayload) (bool, string) {
	switch hb.Status {
	case "degraded", "error", "critical":
		return true, "status_" + hb.Status
	}
	if hb.Battery != nil && *hb.Battery < LowBatteryPercent {
		return true, "low_battery"
	}
	return false, ""
}

// Option configures a Handler.
type Option func(*Handler)

// WithFrameHandler sets the callback for inbound application frames.
func WithFrameHandler(fn FrameHandler) Option {
	return func(h *Handler) { h.onFrame = fn }
}

// WithHealthPolicy replaces DefaultHealthPolicy. A nil policy never warns.
func WithHealthPolicy(p HealthPolicy) Option {
	return func(h *Handler) { h.health = p }
}

// WithWarningHandler sets the callback for health warnings.
func WithWarningHandler(fn WarningHandler) Option {
	return func(h *Handler) { h.onWarn = fn }
}

// Handler is the http.Handler mounted at the robot socket path.
type Handler struct {
	registry *registry.Registry
	verifier auth.Verifier
	clock    clock.Clock
	cfg      Config
	upgrader websocket.Upgrader
	onFrame  FrameHandler
	health   HealthPolicy
	onWarn   WarningHandler
	logger   zerolog.Logger
}

// New creates a Handler.
func New(reg *registry.Registry, verifier auth.Verifier, c clock.Clock, cfg Config, opts ...Option) *Handler {
	h := &Handler{
		registry: reg,
		verifier: verifier,
		clock:    c,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			// Robots are not browsers; origin carries no meaning here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		health: DefaultHealthPolicy,
		logger: log.With().Str("component", "gateway").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the request and serves the socket until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	robotID := query.Get(protocol.QueryRobotID)
	token := query.Get(protocol.QueryToken)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	sock := newSocket(conn, h.cfg.WriteTimeout)

	if robotID == "" || token == "" {
		h.logger.Warn().
			Str("remote", r.RemoteAddr).
			Bool("has_robot_id", robotID != "").
			Bool("has_token", token != "").
			Msg("Missing handshake parameters")
		sock.Close(protocol.ClosePolicyViolation, protocol.ReasonProtocolViolation)
		return
	}
	if !validation.ValidRobotID(robotID) {
		h.logger.Warn().
			Str("remote", r.RemoteAddr).
			Str("robot_id", robotID).
			Msg("Invalid robot id")
		sock.Close(protocol.ClosePolicyViolation, protocol.ReasonProtocolViolation)
		return
	}

	if h.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageSize)
	}

	logger := h.logger.With().Str("robot_id", robotID).Str("remote", r.RemoteAddr).Logger()
	session, ok := h.handshake(r.Context(), conn, sock, robotID, token, logger)
	if !ok {
		return
	}
	h.serveSession(conn, sock, session, logger.With().Str("session_id", session.ID()).Logger())
}

// handshake waits for AUTHENTICATE under the auth timer and installs the
// session. On failure the socket is already closed when it returns.
func (h *Handler) handshake(ctx context.Context, conn *websocket.Conn, sock *wsSocket, robotID, queryToken string, logger zerolog.Logger) (*registry.Session, bool) {
	timer := h.clock.AfterFunc(h.cfg.AuthTimeout, func() {
		logger.Warn().Dur("timeout", h.cfg.AuthTimeout).Msg("Authentication timed out")
		sock.Close(protocol.CloseAuthTimeout, protocol.ReasonAuthTimeout)
	})
	defer timer.Stop()

	_, data, err := conn.ReadMessage()
	if err != nil {
		logger.Debug().Err(err).Msg("Socket closed before authentication")
		return nil, false
	}

	frame, err := protocol.Decode(data)
	if err != nil {
		h.reject(sock, protocol.ErrCodeMalformed, err.Error(), protocol.ReasonProtocolViolation, logger)
		return nil, false
	}
	if frame.Type != protocol.TypeAuthenticate {
		h.reject(sock, protocol.ErrCodeUnexpectedFrame,
			fmt.Sprintf("expected %s, got %s", protocol.TypeAuthenticate, frame.Type),
			protocol.ReasonProtocolViolation, logger)
		return nil, false
	}

	var payload protocol.AuthenticatePayload
	if err := frame.DecodePayload(&payload); err != nil {
		h.reject(sock, protocol.ErrCodeMalformed, err.Error(), protocol.ReasonProtocolViolation, logger)
		return nil, false
	}
	if payload.RobotID != robotID {
		h.reject(sock, protocol.ErrCodeAuthFailed, "robot id does not match connection", protocol.ReasonAuthFailed, logger)
		return nil, false
	}

	token := payload.Token
	if token == "" {
		token = queryToken
	}
	principal, err := h.verify(ctx, token)
	if err != nil {
		h.reject(sock, protocol.ErrCodeAuthFailed, "invalid credentials", protocol.ReasonAuthFailed, logger.With().Err(err).Logger())
		return nil, false
	}
	if principal.RobotID != "" && principal.RobotID != robotID {
		h.reject(sock, protocol.ErrCodeAuthFailed, "token not issued for this robot", protocol.ReasonAuthFailed, logger)
		return nil, false
	}

	// Lost the race against the auth timer; the socket is closed.
	if !timer.Stop() {
		return nil, false
	}

	identity := registry.Identity{
		DeviceID:    robotID,
		PrincipalID: principal.PrincipalID,
		Role:        principal.Role,
	}
	session, err := h.registry.Register(identity, sock)
	if err != nil {
		logger.Warn().Err(err).Msg("Register failed")
		sock.Close(protocol.CloseGoingAway, protocol.ReasonServerShutdown)
		return nil, false
	}
	if err := h.registry.MarkSessionAuthenticated(robotID, session.ID()); err != nil {
		h.registry.UnregisterSession(robotID, session.ID(), protocol.ReasonConnectionClosed)
		return nil, false
	}

	now := h.clock.Now()
	ack, err := protocol.NewFrameAt(protocol.TypeAuthenticated, protocol.AuthenticatedPayload{
		RobotID:      robotID,
		PrincipalID:  principal.PrincipalID,
		Role:         principal.Role,
		SessionID:    session.ID(),
		ServerTimeMs: now.UnixMilli(),
	}, now)
	if err == nil {
		err = h.send(sock, ack)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to confirm authentication")
		h.registry.UnregisterSession(robotID, session.ID(), protocol.ReasonConnectionClosed)
		return nil, false
	}

	logger.Info().
		Str("session_id", session.ID()).
		Int64("principal_id", principal.PrincipalID).
		Msg("Robot authenticated")
	return session, true
}

func (h *Handler) verify(parent context.Context, token string) (*auth.Principal, error) {
	ctx := parent
	if h.cfg.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, h.cfg.VerifyTimeout)
		defer cancel()
	}
	return h.verifier.Verify(ctx, token)
}

// serveSession reads frames from an authenticated robot until the socket
// fails or the session is closed from elsewhere.
func (h *Handler) serveSession(conn *websocket.Conn, sock *wsSocket, session *registry.Session, logger zerolog.Logger) {
	robotID := session.Identity().DeviceID

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			reason := protocol.ReasonConnectionClosed
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				reason = protocol.ReasonClientDisconnect
			}
			if h.registry.UnregisterSession(robotID, session.ID(), reason) {
				logger.Info().Err(err).Str("reason", reason).Msg("Robot disconnected")
			}
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			h.violation(sock, session, protocol.ErrCodeMalformed, err.Error(), logger)
			return
		}

		switch {
		case frame.Type == protocol.TypeHeartbeat:
			if err := h.heartbeat(sock, session, frame, logger); err != nil {
				h.violation(sock, session, protocol.ErrCodeMalformed, err.Error(), logger)
				return
			}
		case frame.Type.Application():
			h.dispatch(robotID, frame, logger)
		case frame.Type == protocol.TypeAuthenticate:
			h.sendError(sock, protocol.ErrCodeAlreadyAuthenticated, "session already authenticated", logger)
		default:
			h.violation(sock, session, protocol.ErrCodeUnexpectedFrame,
				fmt.Sprintf("%s is not accepted from robots", frame.Type), logger)
			return
		}
	}
}

func (h *Handler) heartbeat(sock *wsSocket, session *registry.Session, frame protocol.Frame, logger zerolog.Logger) error {
	robotID := session.Identity().DeviceID
	var hb protocol.HeartbeatPayload
	if err := frame.DecodePayload(&hb); err != nil {
		return err
	}

	now := h.clock.Now()
	if err := h.registry.TouchSessionHeartbeat(robotID, session.ID(), now); err != nil && !errors.Is(err, registry.ErrUnknownDevice) {
		return err
	}

	ack, err := protocol.NewFrameAt(protocol.TypeHeartbeatAck, protocol.HeartbeatAckPayload{ServerTimeMs: now.UnixMilli()}, now)
	if err != nil {
		return err
	}
	if err := h.send(sock, ack); err != nil {
		logger.Debug().Err(err).Msg("Failed to send heartbeat ack")
	}

	if h.health == nil {
		return nil
	}
	if warn, reason := h.health(robotID, hb); warn {
		logger.Warn().
			Str("status", hb.Status).
			Str("reason", reason).
			Msg("Robot reported degraded health")
		warning, err := protocol.NewFrameAt(protocol.TypeHeartbeatWarning,
			protocol.HeartbeatWarningPayload{Reason: reason, Status: hb.Status}, now)
		if err != nil {
			return err
		}
		if err := h.send(sock, warning); err != nil {
			logger.Debug().Err(err).Msg("Failed to send heartbeat warning")
		}
		if h.onWarn != nil {
			h.onWarn(robotID, reason, hb)
		}
	}
	return nil
}

func (h *Handler) dispatch(robotID string, frame protocol.Frame, logger zerolog.Logger) {
	if h.onFrame == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Str("type", string(frame.Type)).Msg("Frame handler panicked")
		}
	}()
	h.onFrame(robotID, frame)
}

// reject answers a pre-auth failure with an ERROR frame and closes the socket.
func (h *Handler) reject(sock *wsSocket, code, message, reason string, logger zerolog.Logger) {
	logger.Warn().Str("code", code).Str("reason", reason).Msg(message)
	h.sendError(sock, code, message, logger)
	sock.Close(protocol.CloseCodeFor(reason), reason)
}

// violation is reject for authenticated sessions; the registry closes the
// socket so observers see the session end.
func (h *Handler) violation(sock *wsSocket, session *registry.Session, code, message string, logger zerolog.Logger) {
	logger.Warn().Str("code", code).Msg("Protocol violation: " + message)
	h.sendError(sock, code, message, logger)
	if !h.registry.UnregisterSession(session.Identity().DeviceID, session.ID(), protocol.ReasonProtocolViolation) {
		sock.Close(protocol.ClosePolicyViolation, protocol.ReasonProtocolViolation)
	}
}

func (h *Handler) sendError(sock *wsSocket, code, message string, logger zerolog.Logger) {
	now := h.clock.Now()
	frame, err := protocol.NewFrameAt(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message}, now)
	if err != nil {
		return
	}
	if err := h.send(sock, frame); err != nil {
		logger.Debug().Err(err).Msg("Failed to send error frame")
	}
}

func (h *Handler) send(sock *wsSocket, frame protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	return sock.Send(data)
}
