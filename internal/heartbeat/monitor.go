// Package heartbeat evicts robot sessions whose devices stopped sending
// heartbeats and probes the ones that are still alive.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/robot-link/robot-link-server/internal/clock"
	"github.com/robot-link/robot-link-server/internal/registry"
	"github.com/robot-link/robot-link-server/pkg/protocol"
)

// Sessions is the part of the registry the monitor works on.
type Sessions interface {
	Snapshot() []registry.SessionInfo
	Probe(deviceID string) error
	UnregisterSession(deviceID, sessionID, reason string) bool
}

// Monitor scans Sessions on a fixed tick.
type Monitor struct {
	sessions Sessions
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewMonitor creates a monitor. timeout must exceed interval.
func NewMonitor(sessions Sessions, c clock.Clock, interval, timeout time.Duration) *Monitor {
	return &Monitor{
		sessions: sessions,
		clock:    c,
		interval: interval,
		timeout:  timeout,
		logger:   log.With().Str("component", "heartbeat").Logger(),
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info().
		Dur("interval", m.interval).
		Dur("timeout", m.timeout).
		Msg("Heartbeat monitor started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Heartbeat monitor stopped")
			return ctx.Err()
		case at := <-ticker.C:
			m.Sweep(at)
		}
	}
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Checked int
	Evicted int
	Failed  int
}

// Sweep evicts every authenticated session silent for longer than the
// timeout and pings the rest. A probe only checks the transport; it never
// counts as a heartbeat.
func (m *Monitor) Sweep(now time.Time) SweepResult {
	var res SweepResult
	for _, info := range m.sessions.Snapshot() {
		if info.State != registry.StateAuthenticated {
			continue
		}
		res.Checked++

		evicted, err := m.check(info, now)
		switch {
		case err != nil:
			res.Failed++
			m.logger.Warn().Err(err).
				Str("robot_id", info.DeviceID).
				Str("session_id", info.SessionID).
				Msg("Heartbeat check failed")
		case evicted:
			res.Evicted++
		}
	}

	if res.Evicted > 0 || res.Failed > 0 {
		m.logger.Info().
			Int("checked", res.Checked).
			Int("evicted", res.Evicted).
			Int("failed", res.Failed).
			Msg("Heartbeat sweep")
	}
	return res
}

// check handles one session. Panics are turned into errors so one bad
// session cannot stop the sweep.
func (m *Monitor) check(info registry.SessionInfo, now time.Time) (evicted bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic during heartbeat check: %v", rec)
		}
	}()

	silence := now.Sub(info.LastHeartbeatAt)
	if silence > m.timeout {
		if m.sessions.UnregisterSession(info.DeviceID, info.SessionID, protocol.ReasonHeartbeatTimeout) {
			m.logger.Info().
				Str("robot_id", info.DeviceID).
				Str("session_id", info.SessionID).
				Dur("silence", silence).
				Msg("Evicted robot after heartbeat timeout")
			return true, nil
		}
		return false, nil
	}

	if err := m.sessions.Probe(info.DeviceID); err != nil {
		if errors.Is(err, registry.ErrUnknownDevice) || errors.Is(err, registry.ErrSessionClosed) {
			return false, nil
		}
		m.sessions.UnregisterSession(info.DeviceID, info.SessionID, protocol.ReasonConnectionClosed)
		return false, fmt.Errorf("probe: %w", err)
	}
	return false, nil
}
