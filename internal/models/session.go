package models

import (
    "time"

    "github.com/google/uuid"
)

// SessionRecord is the persisted history of one authenticated robot session.
// ClosedAt stays nil while the session is live or if the server died before
// recording the close.
type SessionRecord struct {
    ID          uuid.UUID  `json:"id" db:"id"`
    SessionID   string     `json:"sessionId" db:"session_id"`
    RobotID     string     `json:"robotId" db:"robot_id"`
    PrincipalID int64      `json:"principalId" db:"principal_id"`
    Role        string     `json:"role,omitempty" db:"role"`
    OpenedAt    time.Time  `json:"openedAt" db:"opened_at"`
    ClosedAt    *time.Time `json:"closedAt,omitempty" db:"closed_at"`
    CloseReason string     `json:"closeReason,omitempty" db:"close_reason"`
    Pushes      int64      `json:"pushes" db:"pushes"`
}

// Open reports whether the session has no recorded close.
func (r *SessionRecord) Open() bool {
    return r.ClosedAt == nil
}
