// Package heartbeat tracks the last observed caller activity and triggers an
// idle shutdown signal when the gateway has been silent for too long.
package heartbeat

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// State is the shared last-activity timestamp in unix seconds. Many request
// handlers write it concurrently; which write wins is irrelevant, but the
// stored value never regresses and is never torn.
type State struct {
	last atomic.Int64
}

// NewState seeds the timestamp so an idle server still measures from startup.
func NewState(now time.Time) *State {
	s := &State{}
	s.last.Store(now.Unix())
	return s
}

// Touch records activity and returns the current timestamp.
func (s *State) Touch(now time.Time) int64 {
	ts := now.Unix()
	for {
		cur := s.last.Load()
		if cur >= ts {
			return cur
		}
		if s.last.CompareAndSwap(cur, ts) {
			return ts
		}
	}
}

// Last returns the most recent activity timestamp.
func (s *State) Last() int64 {
	return s.last.Load()
}

// Monitor periodically compares the activity timestamp against an idle
// threshold and fires the notify callback once per breach.
type Monitor struct {
	state  *State
	poll   time.Duration
	idle   time.Duration
	notify func()
	logger *slog.Logger

	now func() time.Time
}

// NewMonitor constructs an idle monitor. notify is invoked at most once.
func NewMonitor(state *State, poll, idle time.Duration, notify func(), logger *slog.Logger) *Monitor {
	m := &Monitor{
		state:  state,
		poll:   poll,
		idle:   idle,
		notify: notify,
		logger: logger,
		now:    time.Now,
	}
	if m.logger != nil {
		m.logger = m.logger.With("component", "heartbeat")
	}
	return m
}

// Run polls until the context is cancelled or the idle threshold is breached.
// It returns after firing; the server is shutting down at that point and there
// is nothing left to monitor.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	m.logger.Info("heartbeat monitor started", "poll", m.poll, "idle", m.idle)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat monitor stopped")
			return
		case <-ticker.C:
			silence := m.now().Unix() - m.state.Last()
			if silence >= int64(m.idle/time.Second) {
				m.logger.Info("idle threshold breached", "silence_seconds", silence)
				m.notify()
				return
			}
		}
	}
}
