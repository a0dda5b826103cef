package models

import (
    "time"

    "github.com/google/uuid"
)

// EventLog represents an event log entry
type EventLog struct {
    ID        uuid.UUID `json:"id" db:"id"`
    CreatedAt time.Time `json:"createdAt" db:"created_at"`

    RobotID   string `json:"robotId,omitempty" db:"robot_id"`
    SessionID string `json:"sessionId,omitempty" db:"session_id"`

    Type        EventType  `json:"type" db:"type"`
    Level       EventLevel `json:"level" db:"level"`
    Code        string     `json:"code" db:"code"`
    Description string     `json:"description" db:"description"`

    Details Details `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
    // Session lifecycle
    EventTypeSessionOpened EventType = "SESSION_OPENED"
    EventTypeSessionClosed EventType = "SESSION_CLOSED"

    // Server to robot
    EventTypeCommandPush EventType = "COMMAND_PUSH"
    EventTypeConfigPush  EventType = "CONFIG_PUSH"

    // Robot to server
    EventTypeResult           EventType = "RESULT"
    EventTypeConfigAck        EventType = "CONFIG_ACK"
    EventTypeConfigNack       EventType = "CONFIG_NACK"
    EventTypeMessage          EventType = "MESSAGE"
    EventTypeHeartbeatWarning EventType = "HEARTBEAT_WARNING"
)

// EventLevel represents event severity levels
type EventLevel string

const (
    EventLevelDebug   EventLevel = "DEBUG"
    EventLevelInfo    EventLevel = "INFO"
    EventLevelWarning EventLevel = "WARNING"
    EventLevelError   EventLevel = "ERROR"
    EventLevelFatal   EventLevel = "FATAL"
)
