package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type identifies a frame in the closed set exchanged over a robot socket.
type Type string

const (
	TypeAuthenticate     Type = "authenticate"
	TypeAuthenticated    Type = "authenticated"
	TypeHeartbeat        Type = "heartbeat"
	TypeHeartbeatAck     Type = "heartbeat_ack"
	TypeHeartbeatWarning Type = "heartbeat_warning"
	TypeCommandPush      Type = "command_push"
	TypeResult           Type = "result"
	TypeConfigPush       Type = "config_push"
	TypeConfigAck        Type = "config_ack"
	TypeConfigNack       Type = "config_nack"
	TypeMessage          Type = "message"
	TypeError            Type = "error"
)

var knownTypes = map[Type]bool{
	TypeAuthenticate:     true,
	TypeAuthenticated:    true,
	TypeHeartbeat:        true,
	TypeHeartbeatAck:     true,
	TypeHeartbeatWarning: true,
	TypeCommandPush:      true,
	TypeResult:           true,
	TypeConfigPush:       true,
	TypeConfigAck:        true,
	TypeConfigNack:       true,
	TypeMessage:          true,
	TypeError:            true,
}

// Valid reports whether t belongs to the frame set.
func (t Type) Valid() bool {
	return knownTypes[t]
}

// Correlated reports whether frames of this type must carry a message ID.
func (t Type) Correlated() bool {
	switch t {
	case TypeCommandPush, TypeResult, TypeConfigPush, TypeConfigAck, TypeConfigNack:
		return true
	}
	return false
}

// Application reports whether the frame is an inbound application frame
// that the core forwards to upper layers without interpreting it.
func (t Type) Application() bool {
	switch t {
	case TypeResult, TypeConfigAck, TypeConfigNack, TypeMessage:
		return true
	}
	return false
}

// ErrMalformed is wrapped by every DecodeError.
var ErrMalformed = errors.New("malformed frame")

// ErrInvalidFrame is returned by Encode for frames that cannot be put on the wire.
var ErrInvalidFrame = errors.New("invalid frame")

// DecodeError describes why a payload could not be decoded.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed frame: %s: %v", e.Reason, e.Err)
	}
	return "malformed frame: " + e.Reason
}

// Is makes errors.Is(err, ErrMalformed) hold for every DecodeError.
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformed
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Frame is the typed envelope carried by every socket message.
type Frame struct {
	Type          Type
	Payload       json.RawMessage
	TimestampMs   int64
	CorrelationID string
}

// wireFrame is the JSON shape on the wire.
type wireFrame struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp *int64          `json:"timestamp"`
	MessageID string          `json:"messageId,omitempty"`
}

// NewFrame builds a frame stamped with the current time. The payload is
// marshaled to JSON; a nil payload leaves the data field empty.
func NewFrame(t Type, payload interface{}) (Frame, error) {
	return NewFrameAt(t, payload, time.Now())
}

// NewFrameAt is NewFrame with an explicit timestamp.
func NewFrameAt(t Type, payload interface{}, at time.Time) (Frame, error) {
	f := Frame{Type: t, TimestampMs: at.UnixMilli()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		f.Payload = data
	}
	return f, nil
}

// WithCorrelation returns a copy of f carrying the given message ID.
func (f Frame) WithCorrelation(id string) Frame {
	f.CorrelationID = id
	return f
}

// DecodePayload unmarshals the frame data into v. An empty payload leaves v untouched.
func (f Frame) DecodePayload(v interface{}) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return &DecodeError{Reason: fmt.Sprintf("%s payload", f.Type), Err: err}
	}
	return nil
}

// Encode serializes a frame to its JSON wire form.
func Encode(f Frame) ([]byte, error) {
	if !f.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, f.Type)
	}
	if f.Type.Correlated() && f.CorrelationID == "" {
		return nil, fmt.Errorf("%w: %s requires a message id", ErrInvalidFrame, f.Type)
	}
	if len(f.Payload) > 0 && !json.Valid(f.Payload) {
		return nil, fmt.Errorf("%w: %s payload is not valid JSON", ErrInvalidFrame, f.Type)
	}

	ts := f.TimestampMs
	return json.Marshal(wireFrame{
		Type:      f.Type,
		Data:      f.Payload,
		Timestamp: &ts,
		MessageID: f.CorrelationID,
	})
}

// Decode parses a wire frame. Empty, truncated or non-conforming input
// yields a *DecodeError; Decode never panics.
func Decode(data []byte) (Frame, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Frame{}, &DecodeError{Reason: "empty payload"}
	}

	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return Frame{}, &DecodeError{Reason: "invalid json", Err: err}
	}
	if w.Type == "" {
		return Frame{}, &DecodeError{Reason: "missing type"}
	}
	if !w.Type.Valid() {
		return Frame{}, &DecodeError{Reason: fmt.Sprintf("unknown type %q", w.Type)}
	}
	if w.Timestamp == nil {
		return Frame{}, &DecodeError{Reason: "missing timestamp"}
	}
	if w.Type.Correlated() && w.MessageID == "" {
		return Frame{}, &DecodeError{Reason: fmt.Sprintf("%s without messageId", w.Type)}
	}

	f := Frame{
		Type:          w.Type,
		TimestampMs:   *w.Timestamp,
		CorrelationID: w.MessageID,
	}
	if len(w.Data) > 0 && !bytes.Equal(bytes.TrimSpace(w.Data), []byte("null")) {
		f.Payload = w.Data
	}
	return f, nil
}
