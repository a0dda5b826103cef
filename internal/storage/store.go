package storage

import (
	"context"
	"errors"
	"time"

	"github.com/robot-link/robot-link-server/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Session record methods
	CreateSessionRecord(ctx context.Context, record *models.SessionRecord) error
	CloseSessionRecord(ctx context.Context, sessionID string, closedAt time.Time, reason string, pushes int64) error
	GetSessionRecord(ctx context.Context, sessionID string) (*models.SessionRecord, error)
	ListSessionRecords(ctx context.Context, robotID string, limit, offset int) ([]*models.SessionRecord, int64, error)
	CloseDanglingSessions(ctx context.Context, closedAt time.Time, reason string) (int64, error)

	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// Close the store
	Close() error
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	RobotID   *string
	SessionID *string
	Type      *models.EventType
	Level     *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}
