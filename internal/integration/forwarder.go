package integration

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/robot-link/robot-link-server/internal/config"
	"github.com/robot-link/robot-link-server/internal/registry"
	"github.com/robot-link/robot-link-server/pkg/protocol"
)

const mqttPublishTimeout = 5 * time.Second

// Publisher is the NATS side of the forwarder. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// MQTTPublisher is the MQTT side of the forwarder. mqtt.Client satisfies it.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Presence is published whenever a robot session becomes live or ends.
type Presence struct {
	RobotID   string `json:"robotId"`
	Online    bool   `json:"online"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
	AtMs      int64  `json:"atMs"`
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithNATS enables publishing to NATS under prefix.
func WithNATS(p Publisher, prefix string) Option {
	return func(f *Forwarder) {
		f.nats = p
		f.natsPrefix = prefix
	}
}

// WithMQTT enables publishing to MQTT under prefix.
func WithMQTT(p MQTTPublisher, prefix string, qos byte) Option {
	return func(f *Forwarder) {
		f.mqtt = p
		f.mqttPrefix = prefix
		f.qos = qos
	}
}

// Forwarder fans robot traffic and presence out to the message buses. It
// implements registry.Observer and its OnFrame matches gateway.FrameHandler.
type Forwarder struct {
	nats       Publisher
	natsPrefix string
	mqtt       MQTTPublisher
	mqttPrefix string
	qos        byte
	logger     zerolog.Logger
}

// NewForwarder creates a forwarder. Without options it drops everything.
func NewForwarder(opts ...Option) *Forwarder {
	f := &Forwarder{
		natsPrefix: "robot",
		mqttPrefix: "robots",
		logger:     log.With().Str("component", "integration").Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// OnFrame publishes an inbound application frame in its wire form.
func (f *Forwarder) OnFrame(robotID string, frame protocol.Frame) {
	data, err := protocol.Encode(frame)
	if err != nil {
		f.logger.Error().Err(err).Str("robot_id", robotID).Msg("Failed to encode frame for forwarding")
		return
	}
	token := subjectToken(robotID)
	f.publishNATS(fmt.Sprintf("%s.%s.rx", f.natsPrefix, token), data)
	f.publishMQTT(fmt.Sprintf("%s/%s/rx", f.mqttPrefix, token), false, data)
}

func (f *Forwarder) SessionOpened(info registry.SessionInfo) {
	f.presence(Presence{
		RobotID:   info.DeviceID,
		Online:    true,
		SessionID: info.SessionID,
		AtMs:      info.AuthenticatedAt.UnixMilli(),
	})
}

func (f *Forwarder) SessionClosed(info registry.SessionInfo, reason string, at time.Time) {
	f.presence(Presence{
		RobotID:   info.DeviceID,
		SessionID: info.SessionID,
		Reason:    reason,
		AtMs:      at.UnixMilli(),
	})
}

func (f *Forwarder) presence(p Presence) {
	data, err := json.Marshal(p)
	if err != nil {
		f.logger.Error().Err(err).Msg("Failed to marshal presence")
		return
	}
	state := "offline"
	if p.Online {
		state = "online"
	}
	token := subjectToken(p.RobotID)
	f.publishNATS(fmt.Sprintf("%s.%s.%s", f.natsPrefix, token, state), data)
	// Retained so late subscribers see the current state.
	f.publishMQTT(fmt.Sprintf("%s/%s/presence", f.mqttPrefix, token), true, data)
}

func (f *Forwarder) publishNATS(subject string, data []byte) {
	if f.nats == nil {
		return
	}
	if err := f.nats.Publish(subject, data); err != nil {
		f.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish to NATS")
		return
	}
	f.logger.Debug().Str("subject", subject).Int("size", len(data)).Msg("Forwarded to NATS")
}

// publishMQTT does not wait for the broker; completion is logged from a
// separate goroutine.
func (f *Forwarder) publishMQTT(topic string, retained bool, data []byte) {
	if f.mqtt == nil {
		return
	}
	token := f.mqtt.Publish(topic, f.qos, retained, data)
	go func() {
		if !token.WaitTimeout(mqttPublishTimeout) {
			f.logger.Error().Str("topic", topic).Msg("MQTT publish timeout")
			return
		}
		if err := token.Error(); err != nil {
			f.logger.Error().Err(err).Str("topic", topic).Msg("Failed to publish to MQTT")
			return
		}
		f.logger.Debug().Str("topic", topic).Int("size", len(data)).Msg("Forwarded to MQTT")
	}()
}

// subjectToken makes a robot ID safe as a single NATS subject token and a
// single MQTT topic level.
func subjectToken(robotID string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', '/', '+', '#', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, robotID)
}

// ConnectMQTT dials the broker described by cfg.
func ConnectMQTT(cfg config.MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	if strings.HasPrefix(cfg.Broker, "ssl://") || strings.HasPrefix(cfg.Broker, "tls://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.Broker).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect mqtt %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", cfg.Broker, err)
	}
	return client, nil
}
