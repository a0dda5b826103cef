package integration

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/robot-link/robot-link-server/internal/registry"
	"github.com/robot-link/robot-link-server/pkg/protocol"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type published struct {
	subject  string
	retained bool
	data     []byte
}

type fakeNATS struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (n *fakeNATS) Publish(subject string, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.msgs = append(n.msgs, published{subject: subject, data: data})
	return nil
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMQTT struct {
	mu   sync.Mutex
	msgs []published
	qos  []byte
}

func (m *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, published{subject: topic, retained: retained, data: payload.([]byte)})
	m.qos = append(m.qos, qos)
	return doneToken{}
}

func TestOnFramePublishesWireFrame(t *testing.T) {
	nc := &fakeNATS{}
	mq := &fakeMQTT{}
	f := NewForwarder(WithNATS(nc, "robot"), WithMQTT(mq, "robots", 1))

	frame := protocol.Frame{
		Type:          protocol.TypeResult,
		Payload:       []byte(`{"status":"done"}`),
		TimestampMs:   epoch.UnixMilli(),
		CorrelationID: "m-1",
	}
	f.OnFrame("r1", frame)

	if len(nc.msgs) != 1 || nc.msgs[0].subject != "robot.r1.rx" {
		t.Fatalf("nats = %+v", nc.msgs)
	}
	decoded, err := protocol.Decode(nc.msgs[0].data)
	if err != nil {
		t.Fatalf("decode forwarded frame: %v", err)
	}
	if decoded.Type != protocol.TypeResult || decoded.CorrelationID != "m-1" {
		t.Fatalf("decoded = %+v", decoded)
	}

	if len(mq.msgs) != 1 || mq.msgs[0].subject != "robots/r1/rx" || mq.msgs[0].retained {
		t.Fatalf("mqtt = %+v", mq.msgs)
	}
	if mq.qos[0] != 1 {
		t.Fatalf("qos = %d", mq.qos[0])
	}
}

func TestPresence(t *testing.T) {
	nc := &fakeNATS{}
	mq := &fakeMQTT{}
	f := NewForwarder(WithNATS(nc, "robot"), WithMQTT(mq, "robots", 0))

	info := registry.SessionInfo{SessionID: "s-1", DeviceID: "r1", AuthenticatedAt: epoch}
	f.SessionOpened(info)
	f.SessionClosed(info, protocol.ReasonHeartbeatTimeout, epoch.Add(90*time.Second))

	if len(nc.msgs) != 2 || nc.msgs[0].subject != "robot.r1.online" || nc.msgs[1].subject != "robot.r1.offline" {
		t.Fatalf("nats = %+v", nc.msgs)
	}
	var p Presence
	if err := json.Unmarshal(nc.msgs[1].data, &p); err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	if p.Online || p.Reason != protocol.ReasonHeartbeatTimeout || p.SessionID != "s-1" {
		t.Fatalf("presence = %+v", p)
	}

	for _, m := range mq.msgs {
		if m.subject != "robots/r1/presence" || !m.retained {
			t.Fatalf("mqtt presence = %+v", m)
		}
	}
}

func TestPublishErrorIsSwallowed(t *testing.T) {
	nc := &fakeNATS{err: errors.New("nats: connection closed")}
	f := NewForwarder(WithNATS(nc, "robot"))
	f.OnFrame("r1", protocol.Frame{Type: protocol.TypeMessage, Payload: []byte(`{}`)})
}

func TestInvalidFrameNotForwarded(t *testing.T) {
	nc := &fakeNATS{}
	f := NewForwarder(WithNATS(nc, "robot"))
	f.OnFrame("r1", protocol.Frame{Type: protocol.TypeResult, Payload: []byte(`{}`)})
	if len(nc.msgs) != 0 {
		t.Fatalf("frame without message id forwarded: %+v", nc.msgs)
	}
}

func TestSubjectToken(t *testing.T) {
	tests := map[string]string{
		"r1":          "r1",
		"site.a/r1":   "site_a_r1",
		"r*>+#":       "r____",
		"arm 7":       "arm_7",
		"robot-42_ok": "robot-42_ok",
	}
	for in, want := range tests {
		if got := subjectToken(in); got != want {
			t.Errorf("subjectToken(%q) = %q, want %q", in, got, want)
		}
	}
}
