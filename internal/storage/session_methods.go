package storage

import (
    "context"
    "time"

    "github.com/google/uuid"
    "github.com/robot-link/robot-link-server/internal/models"
)

// ========== Session Record Methods ==========

// insertSessionRecord skips conflicting rows instead of raising 23505, which
// would abort the surrounding transaction.
const insertSessionRecord = `
        INSERT INTO session_records (
            id, session_id, robot_id, principal_id, role, opened_at,
            closed_at, close_reason, pushes
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (session_id) DO NOTHING`

// CreateSessionRecord inserts the record for a newly authenticated session.
// It returns ErrDuplicateKey, with the transaction still usable, when a record
// for the session already exists.
func (s *PostgresStore) CreateSessionRecord(ctx context.Context, record *models.SessionRecord) error {
    if record.SessionID == "" || record.RobotID == "" {
        return ErrInvalidData
    }
    if record.ID == uuid.Nil {
        record.ID = uuid.New()
    }
    if record.OpenedAt.IsZero() {
        record.OpenedAt = time.Now()
    }

    result, err := s.getDB().ExecContext(ctx, insertSessionRecord,
        record.ID, record.SessionID, record.RobotID, record.PrincipalID,
        record.Role, record.OpenedAt, record.ClosedAt, record.CloseReason,
        record.Pushes,
    )
    if err != nil {
        return translateError(err)
    }
    inserted, err := result.RowsAffected()
    if err != nil {
        return err
    }
    if inserted == 0 {
        return ErrDuplicateKey
    }
    return nil
}

// CloseSessionRecord stamps the close time and reason on an open record
func (s *PostgresStore) CloseSessionRecord(ctx context.Context, sessionID string, closedAt time.Time, reason string, pushes int64) error {
    query := `
        UPDATE session_records
        SET closed_at = $2, close_reason = $3, pushes = $4
        WHERE session_id = $1 AND closed_at IS NULL`

    result, err := s.getDB().ExecContext(ctx, query, sessionID, closedAt, reason, pushes)
    if err != nil {
        return translateError(err)
    }

    rows, err := result.RowsAffected()
    if err != nil {
        return err
    }
    if rows == 0 {
        return ErrNotFound
    }
    return nil
}

// GetSessionRecord gets a session record by session ID
func (s *PostgresStore) GetSessionRecord(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
    query := `
        SELECT id, session_id, robot_id, principal_id, role, opened_at,
               closed_at, close_reason, pushes
        FROM session_records
        WHERE session_id = $1`

    record := &models.SessionRecord{}
    err := s.getDB().QueryRowContext(ctx, query, sessionID).Scan(
        &record.ID, &record.SessionID, &record.RobotID, &record.PrincipalID,
        &record.Role, &record.OpenedAt, &record.ClosedAt, &record.CloseReason,
        &record.Pushes,
    )
    if err != nil {
        return nil, translateError(err)
    }
    return record, nil
}

// ListSessionRecords lists a robot's sessions, newest first
func (s *PostgresStore) ListSessionRecords(ctx context.Context, robotID string, limit, offset int) ([]*models.SessionRecord, int64, error) {
    var count int64
    err := s.getDB().QueryRowContext(ctx,
        "SELECT COUNT(*) FROM session_records WHERE robot_id = $1", robotID,
    ).Scan(&count)
    if err != nil {
        return nil, 0, err
    }

    query := `
        SELECT id, session_id, robot_id, principal_id, role, opened_at,
               closed_at, close_reason, pushes
        FROM session_records
        WHERE robot_id = $1
        ORDER BY opened_at DESC
        LIMIT $2 OFFSET $3`

    rows, err := s.getDB().QueryContext(ctx, query, robotID, limit, offset)
    if err != nil {
        return nil, 0, err
    }
    defer rows.Close()

    var records []*models.SessionRecord
    for rows.Next() {
        record := &models.SessionRecord{}
        err := rows.Scan(
            &record.ID, &record.SessionID, &record.RobotID, &record.PrincipalID,
            &record.Role, &record.OpenedAt, &record.ClosedAt, &record.CloseReason,
            &record.Pushes,
        )
        if err != nil {
            return nil, 0, err
        }
        records = append(records, record)
    }

    return records, count, rows.Err()
}

// CloseDanglingSessions closes every record left open by a previous process.
// Live sessions do not survive a restart, so this runs once at startup.
func (s *PostgresStore) CloseDanglingSessions(ctx context.Context, closedAt time.Time, reason string) (int64, error) {
    result, err := s.getDB().ExecContext(ctx, `
        UPDATE session_records
        SET closed_at = $1, close_reason = $2
        WHERE closed_at IS NULL`, closedAt, reason)
    if err != nil {
        return 0, err
    }
    return result.RowsAffected()
}
