package storage

import (
    "context"
    "fmt"
    "time"

    "github.com/google/uuid"
    "github.com/robot-link/robot-link-server/internal/models"
)

const eventLogColumns = "id, created_at, robot_id, session_id, type, level, code, description, details"

// CreateEventLog creates an event log entry
func (s *PostgresStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
    if event.Type == "" {
        return ErrInvalidData
    }
    if event.ID == uuid.Nil {
        event.ID = uuid.New()
    }
    if event.CreatedAt.IsZero() {
        event.CreatedAt = time.Now()
    }
    if event.Level == "" {
        event.Level = models.EventLevelInfo
    }

    query := `
        INSERT INTO event_logs (` + eventLogColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

    _, err := s.getDB().ExecContext(ctx, query,
        event.ID, event.CreatedAt, event.RobotID, event.SessionID,
        event.Type, event.Level, event.Code, event.Description, event.Details,
    )
    return translateError(err)
}

// ListEventLogs lists event logs with filters
func (s *PostgresStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
    where, args := filters.where()

    var count int64
    err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM event_logs"+where, args...).Scan(&count)
    if err != nil {
        return nil, 0, err
    }

    n := len(args)
    selectQuery := fmt.Sprintf("SELECT %s FROM event_logs%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
        eventLogColumns, where, n+1, n+2)
    args = append(args, limit, offset)

    rows, err := s.getDB().QueryContext(ctx, selectQuery, args...)
    if err != nil {
        return nil, 0, err
    }
    defer rows.Close()

    var events []*models.EventLog
    for rows.Next() {
        event := &models.EventLog{}
        err := rows.Scan(
            &event.ID, &event.CreatedAt, &event.RobotID, &event.SessionID,
            &event.Type, &event.Level, &event.Code, &event.Description,
            &event.Details,
        )
        if err != nil {
            return nil, 0, err
        }
        events = append(events, event)
    }

    return events, count, rows.Err()
}

// where builds the WHERE clause and its positional arguments
func (f EventLogFilters) where() (string, []interface{}) {
    clause := " WHERE 1=1"
    args := []interface{}{}

    add := func(column, op string, value interface{}) {
        args = append(args, value)
        clause += fmt.Sprintf(" AND %s %s $%d", column, op, len(args))
    }

    if f.RobotID != nil {
        add("robot_id", "=", *f.RobotID)
    }
    if f.SessionID != nil {
        add("session_id", "=", *f.SessionID)
    }
    if f.Type != nil {
        add("type", "=", *f.Type)
    }
    if f.Level != nil {
        add("level", "=", *f.Level)
    }
    if f.StartTime != nil {
        add("created_at", ">=", *f.StartTime)
    }
    if f.EndTime != nil {
        add("created_at", "<=", *f.EndTime)
    }

    return clause, args
}
