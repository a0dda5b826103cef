package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/robot-link/robot-link-server/internal/clock"
	"github.com/robot-link/robot-link-server/internal/validation"
	"github.com/robot-link/robot-link-server/pkg/protocol"
)

// ErrInvalidPush is returned for push requests that can never be delivered.
var ErrInvalidPush = errors.New("invalid push request")

// Pusher delivers frames to live sessions. *registry.Registry satisfies it.
type Pusher interface {
	Push(deviceID string, frame protocol.Frame) bool
}

// PushRecorder is told about every push attempt.
type PushRecorder interface {
	RecordPush(robotID string, frame protocol.Frame, delivered bool)
}

// PushRequest asks for one COMMAND_PUSH or CONFIG_PUSH.
type PushRequest struct {
	Type      protocol.Type   `json:"type" validate:"required,oneof=command_push config_push"`
	Data      json.RawMessage `json:"data"`
	MessageID string          `json:"messageId,omitempty" validate:"omitempty,max=128"`
}

// PushResult reports the message ID used and whether the frame was written
// to a live session. Delivered does not mean the robot processed it.
type PushResult struct {
	MessageID string `json:"messageId"`
	Delivered bool   `json:"delivered"`
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithPushRecorder adds a recorder for push attempts.
func WithPushRecorder(r PushRecorder) DispatcherOption {
	return func(d *Dispatcher) { d.recorder = r }
}

// Dispatcher turns push requests from the REST and bus surfaces into
// registry pushes.
type Dispatcher struct {
	pusher    Pusher
	clock     clock.Clock
	validator *validation.Validator
	recorder  PushRecorder
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(p Pusher, c clock.Clock, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		pusher:    p,
		clock:     c,
		validator: validation.NewValidator(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Push validates req, fills in a message ID when absent and pushes the
// frame to robotID.
func (d *Dispatcher) Push(robotID string, req PushRequest) (PushResult, error) {
	if !validation.ValidRobotID(robotID) {
		return PushResult{}, fmt.Errorf("%w: robot id %q", ErrInvalidPush, robotID)
	}
	if err := d.validator.Validate(&req); err != nil {
		return PushResult{}, fmt.Errorf("%w: %v", ErrInvalidPush, err)
	}
	if len(req.Data) > 0 && !json.Valid(req.Data) {
		return PushResult{}, fmt.Errorf("%w: data is not valid JSON", ErrInvalidPush)
	}

	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	frame := protocol.Frame{
		Type:          req.Type,
		Payload:       req.Data,
		TimestampMs:   d.clock.Now().UnixMilli(),
		CorrelationID: req.MessageID,
	}
	delivered := d.pusher.Push(robotID, frame)

	log.Info().
		Str("robot_id", robotID).
		Str("type", string(req.Type)).
		Str("message_id", req.MessageID).
		Bool("delivered", delivered).
		Msg("Push dispatched")

	if d.recorder != nil {
		d.recorder.RecordPush(robotID, frame, delivered)
	}
	return PushResult{MessageID: req.MessageID, Delivered: delivered}, nil
}
