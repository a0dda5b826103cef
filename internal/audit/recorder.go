// Package audit persists session history and robot traffic. Writes are
// fire-and-forget: a slow or failed database never blocks the socket path.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/robot-link/robot-link-server/internal/models"
	"github.com/robot-link/robot-link-server/internal/registry"
	"github.com/robot-link/robot-link-server/internal/storage"
	"github.com/robot-link/robot-link-server/pkg/protocol"
)

const defaultWriteTimeout = 5 * time.Second

// Recorder implements registry.Observer on top of a storage.Store.
type Recorder struct {
	store   storage.Store
	timeout time.Duration
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

// NewRecorder creates a recorder. A non-positive timeout selects 5s.
func NewRecorder(store storage.Store, timeout time.Duration) *Recorder {
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &Recorder{
		store:   store,
		timeout: timeout,
		logger:  log.With().Str("component", "audit").Logger(),
	}
}

// SessionOpened inserts the session record and a SESSION_OPENED event.
func (r *Recorder) SessionOpened(info registry.SessionInfo) {
	r.async("session_opened", info.DeviceID, func(ctx context.Context) error {
		return r.withTx(ctx, func(tx storage.Store) error {
			err := tx.CreateSessionRecord(ctx, &models.SessionRecord{
				SessionID:   info.SessionID,
				RobotID:     info.DeviceID,
				PrincipalID: info.PrincipalID,
				Role:        info.Role,
				OpenedAt:    info.AuthenticatedAt,
			})
			switch {
			case errors.Is(err, storage.ErrDuplicateKey):
				// The close already landed and created the record.
				return nil
			case err != nil:
				return fmt.Errorf("create session record: %w", err)
			}
			return tx.CreateEventLog(ctx, &models.EventLog{
				CreatedAt:   info.AuthenticatedAt,
				RobotID:     info.DeviceID,
				SessionID:   info.SessionID,
				Type:        models.EventTypeSessionOpened,
				Level:       models.EventLevelInfo,
				Description: "Robot session opened",
				Details: models.Details{
					"principalId": info.PrincipalID,
					"role":        info.Role,
				},
			})
		})
	})
}

// SessionClosed closes the session record and writes a SESSION_CLOSED event.
func (r *Recorder) SessionClosed(info registry.SessionInfo, reason string, at time.Time) {
	r.async("session_closed", info.DeviceID, func(ctx context.Context) error {
		return r.withTx(ctx, func(tx storage.Store) error {
			pushes := int64(info.Pushes)
			err := tx.CloseSessionRecord(ctx, info.SessionID, at, reason, pushes)
			if errors.Is(err, storage.ErrNotFound) {
				closedAt := at
				err = tx.CreateSessionRecord(ctx, &models.SessionRecord{
					SessionID:   info.SessionID,
					RobotID:     info.DeviceID,
					PrincipalID: info.PrincipalID,
					Role:        info.Role,
					OpenedAt:    info.AuthenticatedAt,
					ClosedAt:    &closedAt,
					CloseReason: reason,
					Pushes:      pushes,
				})
				if errors.Is(err, storage.ErrDuplicateKey) {
					// The open landed after the first attempt.
					err = tx.CloseSessionRecord(ctx, info.SessionID, at, reason, pushes)
					if errors.Is(err, storage.ErrNotFound) {
						err = nil
					}
				}
			}
			if err != nil {
				return fmt.Errorf("close session record: %w", err)
			}
			return tx.CreateEventLog(ctx, &models.EventLog{
				CreatedAt:   at,
				RobotID:     info.DeviceID,
				SessionID:   info.SessionID,
				Type:        models.EventTypeSessionClosed,
				Level:       closeLevel(reason),
				Code:        reason,
				Description: "Robot session closed",
				Details: models.Details{
					"closeCode": protocol.CloseCodeFor(reason),
					"pushes":    pushes,
					"duration":  at.Sub(info.AuthenticatedAt).String(),
				},
			})
		})
	})
}

// RecordFrame logs an inbound application frame. It matches
// gateway.FrameHandler.
func (r *Recorder) RecordFrame(robotID string, frame protocol.Frame) {
	eventType, level, ok := inboundEvent(frame.Type)
	if !ok {
		return
	}
	r.writeEvent(&models.EventLog{
		RobotID:     robotID,
		Type:        eventType,
		Level:       level,
		Code:        frame.CorrelationID,
		Description: fmt.Sprintf("Robot sent %s", frame.Type),
		Details:     frameDetails(frame),
	})
}

// RecordPush logs a server-initiated push and whether it was written to a
// live session.
func (r *Recorder) RecordPush(robotID string, frame protocol.Frame, delivered bool) {
	eventType := models.EventTypeCommandPush
	if frame.Type == protocol.TypeConfigPush {
		eventType = models.EventTypeConfigPush
	}
	level := models.EventLevelInfo
	description := fmt.Sprintf("Pushed %s", frame.Type)
	if !delivered {
		level = models.EventLevelWarning
		description = fmt.Sprintf("Dropped %s: robot offline", frame.Type)
	}
	details := frameDetails(frame)
	details["delivered"] = delivered
	r.writeEvent(&models.EventLog{
		RobotID:     robotID,
		Type:        eventType,
		Level:       level,
		Code:        frame.CorrelationID,
		Description: description,
		Details:     details,
	})
}

// RecordHeartbeatWarning logs a degraded health report.
func (r *Recorder) RecordHeartbeatWarning(robotID, reason string, hb protocol.HeartbeatPayload) {
	details := models.Details{"status": hb.Status}
	if hb.Battery != nil {
		details["battery"] = *hb.Battery
	}
	r.writeEvent(&models.EventLog{
		RobotID:     robotID,
		Type:        models.EventTypeHeartbeatWarning,
		Level:       models.EventLevelWarning,
		Code:        reason,
		Description: "Robot reported degraded health",
		Details:     details,
	})
}

// Wait blocks until all in-flight writes finish.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func (r *Recorder) writeEvent(event *models.EventLog) {
	r.async("event", event.RobotID, func(ctx context.Context) error {
		return r.store.CreateEventLog(ctx, event)
	})
}

func (r *Recorder) async(op, robotID string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.logger.Error().
				Err(err).
				Str("op", op).
				Str("robot_id", robotID).
				Msg("Failed to write audit record")
		}
	}()
}

func (r *Recorder) withTx(ctx context.Context, fn func(tx storage.Store) error) error {
	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func inboundEvent(t protocol.Type) (models.EventType, models.EventLevel, bool) {
	switch t {
	case protocol.TypeResult:
		return models.EventTypeResult, models.EventLevelInfo, true
	case protocol.TypeConfigAck:
		return models.EventTypeConfigAck, models.EventLevelInfo, true
	case protocol.TypeConfigNack:
		return models.EventTypeConfigNack, models.EventLevelWarning, true
	case protocol.TypeMessage:
		return models.EventTypeMessage, models.EventLevelDebug, true
	default:
		return "", "", false
	}
}

func closeLevel(reason string) models.EventLevel {
	switch reason {
	case protocol.ReasonClientDisconnect, protocol.ReasonServerShutdown, protocol.ReasonSuperseded:
		return models.EventLevelInfo
	default:
		return models.EventLevelWarning
	}
}

func frameDetails(frame protocol.Frame) models.Details {
	return models.Details{
		"messageId":   frame.CorrelationID,
		"timestampMs": frame.TimestampMs,
		"size":        len(frame.Payload),
	}
}
