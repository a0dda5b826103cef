package agent

import (
	"github.com/rs/zerolog/log"

	"github.com/robot-link/robot-link-server/pkg/protocol"
)

// Sender writes frames to the server. *Reconnector satisfies it.
type Sender interface {
	Send(frame protocol.Frame) error
}

// ResultPayload is the body of the RESULT sent by EchoResponder.
type ResultPayload struct {
	Status string `json:"status"`
}

// EchoResponder returns a listener that acknowledges every COMMAND_PUSH with
// a RESULT and every CONFIG_PUSH with a CONFIG_ACK, reusing the push's
// message ID. It stands in for real robot logic in the agent binary.
func EchoResponder(s Sender) Listener {
	return func(ev Event) {
		msg, ok := ev.(MessageEvent)
		if !ok {
			return
		}

		var reply protocol.Frame
		var err error
		switch msg.Frame.Type {
		case protocol.TypeCommandPush:
			reply, err = protocol.NewFrame(protocol.TypeResult, ResultPayload{Status: "received"})
		case protocol.TypeConfigPush:
			reply, err = protocol.NewFrame(protocol.TypeConfigAck, nil)
		default:
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("Failed to build reply")
			return
		}

		if err := s.Send(reply.WithCorrelation(msg.Frame.CorrelationID)); err != nil {
			log.Warn().
				Err(err).
				Str("type", string(reply.Type)).
				Str("message_id", msg.Frame.CorrelationID).
				Msg("Failed to send reply")
		}
	}
}
