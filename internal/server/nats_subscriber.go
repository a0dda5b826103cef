package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/robot-link/robot-link-server/pkg/protocol"
)

// NATSSubscriber accepts push requests published on
// "<prefix>.<robotId>.push".
type NATSSubscriber struct {
	nc         *nats.Conn
	dispatcher *Dispatcher
	prefix     string
	subs       []*nats.Subscription
}

// NewNATSSubscriber creates NATS subscriber
func NewNATSSubscriber(nc *nats.Conn, dispatcher *Dispatcher, prefix string) *NATSSubscriber {
	return &NATSSubscriber{
		nc:         nc,
		dispatcher: dispatcher,
		prefix:     prefix,
		subs:       make([]*nats.Subscription, 0),
	}
}

// Start subscribes and blocks until ctx is done.
func (s *NATSSubscriber) Start(ctx context.Context) error {
	subject := s.prefix + ".*.push"
	sub, err := s.nc.Subscribe(subject, s.handlePush)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.subs = append(s.subs, sub)

	log.Info().
		Int("subscriptions", len(s.subs)).
		Str("subject", subject).
		Msg("NATS subscriber started")

	<-ctx.Done()

	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("subject", sub.Subject).Msg("Failed to unsubscribe")
		}
	}

	return ctx.Err()
}

// pushReply is sent back when the request carried a reply subject.
type pushReply struct {
	PushResult
	Error string `json:"error,omitempty"`
}

func (s *NATSSubscriber) handlePush(msg *nats.Msg) {
	log.Debug().
		Str("subject", msg.Subject).
		Int("size", len(msg.Data)).
		Msg("Received push request")

	reply := s.dispatch(msg.Subject, msg.Data)
	if reply.Error != "" {
		log.Warn().Str("subject", msg.Subject).Str("error", reply.Error).Msg("Rejected push request")
	}

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal push reply")
		return
	}
	if err := msg.Respond(data); err != nil && !errors.Is(err, nats.ErrMsgNoReply) {
		log.Error().Err(err).Str("reply", msg.Reply).Msg("Failed to send push reply")
	}
}

func (s *NATSSubscriber) dispatch(subject string, data []byte) pushReply {
	robotID, ok := s.robotFromSubject(subject)
	if !ok {
		return pushReply{Error: fmt.Sprintf("unexpected subject %q", subject)}
	}

	var req PushRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return pushReply{Error: "invalid json: " + err.Error()}
	}
	if req.Type == "" {
		req.Type = protocol.TypeCommandPush
	}

	res, err := s.dispatcher.Push(robotID, req)
	if err != nil {
		return pushReply{PushResult: res, Error: err.Error()}
	}
	return pushReply{PushResult: res}
}

func (s *NATSSubscriber) robotFromSubject(subject string) (string, bool) {
	rest, ok := strings.CutPrefix(subject, s.prefix+".")
	if !ok {
		return "", false
	}
	robotID, ok := strings.CutSuffix(rest, ".push")
	if !ok || robotID == "" || strings.Contains(robotID, ".") {
		return "", false
	}
	return robotID, true
}
