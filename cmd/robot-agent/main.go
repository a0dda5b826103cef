package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/robot-link/robot-link-server/internal/agent"
	"github.com/robot-link/robot-link-server/internal/clock"
	"github.com/robot-link/robot-link-server/internal/config"
	"github.com/robot-link/robot-link-server/pkg/protocol"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "config/robot-agent.yml", "Configuration file path")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg.Log.Apply()

	if cfg.Agent.ServerURL == "" || cfg.Agent.RobotID == "" || cfg.Agent.Token == "" {
		log.Fatal().Msg("agent.server_url, agent.robot_id and agent.token are required")
	}

	started := time.Now()
	dialer := agent.NewWebSocketDialer(cfg.Agent.HandshakeTimeout, cfg.Session.WriteTimeout, cfg.Agent.InsecureSkipVerify)
	client := agent.New(agent.NewConfig(cfg.Agent), dialer, clock.Real())
	client.SetStatusFunc(func() protocol.HeartbeatPayload {
		return protocol.HeartbeatPayload{
			Status:    "ok",
			UptimeSec: int64(time.Since(started).Seconds()),
		}
	})
	client.Subscribe(logEvents)
	client.Subscribe(agent.EchoResponder(client))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Agent loop stopped")
		}
	}()

	client.Connect()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, disconnecting")

	client.Disconnect()
	deadline := time.Now().Add(2 * time.Second)
	for client.State().Phase != agent.PhaseDisconnected && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done

	log.Info().Msg("Robot agent stopped")
}

func logEvents(ev agent.Event) {
	switch e := ev.(type) {
	case agent.OpenEvent:
		log.Info().Msg("Socket open, authenticating")
	case agent.AuthenticatedEvent:
		log.Info().
			Str("robot_id", e.Payload.RobotID).
			Str("session_id", e.Payload.SessionID).
			Msg("Authenticated")
	case agent.HeartbeatAckEvent:
		log.Debug().Int64("server_time_ms", e.ServerTimeMs).Msg("Heartbeat acknowledged")
	case agent.HeartbeatWarningEvent:
		log.Warn().Str("reason", e.Reason).Str("status", e.Status).Msg("Server flagged health")
	case agent.MessageEvent:
		log.Info().
			Str("type", string(e.Frame.Type)).
			Str("message_id", e.Frame.CorrelationID).
			Int("size", len(e.Frame.Payload)).
			Msg("Frame received")
	case agent.ReconnectingEvent:
		log.Warn().
			Int("attempt", e.Attempt).
			Int("max", e.Max).
			Dur("delay", e.Delay).
			Msg("Reconnecting")
	case agent.ReconnectFailedEvent:
		log.Error().Int("attempts", e.Attempts).Msg("Giving up on reconnection")
	case agent.CloseEvent:
		log.Info().Int("code", e.Code).Str("reason", e.Reason).Msg("Socket closed")
	case agent.ErrorEvent:
		log.Error().Err(e.Err).Msg("Agent error")
	}
}
