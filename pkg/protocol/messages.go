package protocol

// Query parameters required to open a robot socket.
const (
	QueryRobotID = "robotId"
	QueryToken   = "token"
)

// Close codes used on robot sockets. 4000-4999 are reserved for
// applications by RFC 6455.
const (
	CloseNormal           = 1000
	CloseGoingAway        = 1001
	CloseAbnormal         = 1006
	ClosePolicyViolation  = 1008
	CloseInternalError    = 1011
	CloseAuthFailed       = 4001
	CloseAuthTimeout      = 4002
	CloseSuperseded       = 4003
	CloseHeartbeatTimeout = 4004
)

// Close and eviction reasons.
const (
	ReasonClientDisconnect  = "client_disconnect"
	ReasonServerShutdown    = "server_shutdown"
	ReasonProtocolViolation = "protocol_violation"
	ReasonAuthFailed        = "auth_failed"
	ReasonAuthTimeout       = "auth_timeout"
	ReasonSuperseded        = "superseded"
	ReasonHeartbeatTimeout  = "heartbeat_timeout"
	ReasonConnectionClosed  = "connection_closed"
)

// Error codes carried in ERROR frames.
const (
	ErrCodeMalformed            = "malformed_frame"
	ErrCodeUnexpectedFrame      = "unexpected_frame"
	ErrCodeAuthFailed           = "auth_failed"
	ErrCodeAlreadyAuthenticated = "already_authenticated"
)

// AuthenticatePayload is sent by the device on every socket open.
type AuthenticatePayload struct {
	RobotID string `json:"robotId"`
	Token   string `json:"token"`
}

// AuthenticatedPayload confirms the handshake.
type AuthenticatedPayload struct {
	RobotID      string `json:"robotId"`
	PrincipalID  int64  `json:"principalId"`
	Role         string `json:"role,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	ServerTimeMs int64  `json:"serverTimeMs"`
}

// HeartbeatPayload is the device-reported liveness status.
type HeartbeatPayload struct {
	Status    string   `json:"status,omitempty"`
	Battery   *float64 `json:"battery,omitempty"`
	UptimeSec int64    `json:"uptimeSec,omitempty"`
}

// HeartbeatAckPayload answers a device heartbeat.
type HeartbeatAckPayload struct {
	ServerTimeMs int64 `json:"serverTimeMs"`
}

// HeartbeatWarningPayload flags degraded device health.
type HeartbeatWarningPayload struct {
	Reason string `json:"reason"`
	Status string `json:"status,omitempty"`
}

// ErrorPayload is the body of an ERROR frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// CloseCodeFor maps a close reason to the socket close code.
func CloseCodeFor(reason string) int {
	switch reason {
	case ReasonClientDisconnect:
		return CloseNormal
	case ReasonServerShutdown:
		return CloseGoingAway
	case ReasonProtocolViolation:
		return ClosePolicyViolation
	case ReasonAuthFailed:
		return CloseAuthFailed
	case ReasonAuthTimeout:
		return CloseAuthTimeout
	case ReasonSuperseded:
		return CloseSuperseded
	case ReasonHeartbeatTimeout:
		return CloseHeartbeatTimeout
	default:
		return CloseInternalError
	}
}
