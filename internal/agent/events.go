package agent

import (
	"fmt"
	"time"

	"github.com/robot-link/robot-link-server/pkg/protocol"
)

// Phase is the connection phase of the reconnector.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseAuthenticating
	PhaseActive
	PhaseReconnecting
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "DISCONNECTED"
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseAuthenticating:
		return "AUTHENTICATING"
	case PhaseActive:
		return "ACTIVE"
	case PhaseReconnecting:
		return "RECONNECTING"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is a snapshot of the client connection state.
type State struct {
	Phase             Phase
	ReconnectAttempts int
	LastError         string
}

// Event is delivered to listeners. The concrete types below form a closed set.
type Event interface {
	event()
}

// OpenEvent fires when a socket opens, before credentials are sent.
type OpenEvent struct{}

// AuthenticatedEvent fires on entry into PhaseActive.
type AuthenticatedEvent struct {
	Payload protocol.AuthenticatedPayload
}

type HeartbeatAckEvent struct {
	ServerTimeMs int64
}

type HeartbeatWarningEvent struct {
	Reason string
	Status string
}

// MessageEvent carries every frame the reconnector does not consume itself,
// such as COMMAND_PUSH and CONFIG_PUSH.
type MessageEvent struct {
	Frame protocol.Frame
}

// ReconnectingEvent fires once the retry timer is armed.
type ReconnectingEvent struct {
	Attempt int
	Max     int
	Delay   time.Duration
}

// ReconnectFailedEvent is terminal until the next Connect.
type ReconnectFailedEvent struct {
	Attempts int
}

type CloseEvent struct {
	Code   int
	Reason string
}

type ErrorEvent struct {
	Err error
}

func (OpenEvent) event()             {}
func (AuthenticatedEvent) event()    {}
func (HeartbeatAckEvent) event()     {}
func (HeartbeatWarningEvent) event() {}
func (MessageEvent) event()          {}
func (ReconnectingEvent) event()     {}
func (ReconnectFailedEvent) event()  {}
func (CloseEvent) event()            {}
func (ErrorEvent) event()            {}

// Listener receives events in order on the reconnector's loop goroutine.
// It must not block; it may call Send, Connect and Disconnect.
type Listener func(Event)

// ServerError is reported through ErrorEvent when the server sends an ERROR frame.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}
