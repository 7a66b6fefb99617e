// Package services contains core business logic
package services

import (
	"log/slog"
	"sync"
	"time"

	"connect-bridge/internal/core/domain"
)

// failedThreshold is the consecutive-failure count at which a subsystem is
// considered failed (rather than degraded) and a reconnect is scheduled.
const failedThreshold = 3

// ReconnectFunc is the action a subsystem owner registers for the monitor to
// call when its backoff timer fires. The monitor itself never talks to the
// platform.
type ReconnectFunc func()

// slot holds the health state of one subsystem. Each slot has its own mutex;
// there is no cross-subsystem locking, so reporters never contend with each
// other.
type slot struct {
	mu                sync.Mutex
	status            domain.HealthStatus
	lastError         string
	failureStreak     int
	lastSuccessAt     *time.Time
	reconnectAttempts int
	reconnect         ReconnectFunc
	timer             *time.Timer
}

// ConnectionMonitor supervises the believed state of {webhook, platform API,
// real-time transport}. One explicitly constructed instance per process,
// passed by reference to every component — deliberately not a package-level
// singleton so tests can hold their own.
type ConnectionMonitor struct {
	slots   map[domain.Subsystem]*slot
	backoff BackoffPolicy
}

// NewConnectionMonitor creates a monitor with all subsystems at unknown.
func NewConnectionMonitor(backoff BackoffPolicy) *ConnectionMonitor {
	m := &ConnectionMonitor{
		slots:   make(map[domain.Subsystem]*slot),
		backoff: backoff,
	}
	for _, s := range []domain.Subsystem{
		domain.SubsystemWebhook,
		domain.SubsystemPlatformAPI,
		domain.SubsystemRealtime,
	} {
		m.slots[s] = &slot{status: domain.StatusUnknown}
	}
	return m
}

// SetReconnect registers the reconnect action for a subsystem. Owners call
// this once at wiring time.
func (m *ConnectionMonitor) SetReconnect(sub domain.Subsystem, fn ReconnectFunc) {
	s := m.slots[sub]
	s.mu.Lock()
	s.reconnect = fn
	s.mu.Unlock()
}

// Report records the outcome of one externally visible operation. err == nil
// resets the failure streak, cancels any pending reconnect timer, and marks
// the subsystem healthy. A failure bumps the streak and, past the threshold,
// schedules a reconnect with doubling capped backoff.
func (m *ConnectionMonitor) Report(sub domain.Subsystem, err error) {
	s, ok := m.slots[sub]
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		now := time.Now()
		s.status = domain.StatusHealthy
		s.lastError = ""
		s.failureStreak = 0
		s.reconnectAttempts = 0
		s.lastSuccessAt = &now
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		return
	}

	s.failureStreak++
	s.lastError = err.Error()
	if s.failureStreak >= failedThreshold {
		s.status = domain.StatusFailed
	} else {
		s.status = domain.StatusDegraded
	}

	slog.Warn("Subsystem operation failed",
		"subsystem", string(sub),
		"streak", s.failureStreak,
		"status", string(s.status),
		"error", err,
	)

	if s.failureStreak >= failedThreshold {
		m.scheduleReconnectLocked(sub, s)
	}
}

// scheduleReconnectLocked arms the reconnect timer for a slot. Caller holds
// s.mu. A timer already pending is left alone; the attempt counter only
// advances when a timer actually fires.
func (m *ConnectionMonitor) scheduleReconnectLocked(sub domain.Subsystem, s *slot) {
	if s.timer != nil || s.reconnect == nil {
		return
	}

	delay := m.backoff.Delay(s.reconnectAttempts + 2) // +2: Delay(1) is zero
	if delay <= 0 {
		delay = m.backoff.BaseDelay
	}

	s.status = domain.StatusConnecting
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.timer = nil
		s.reconnectAttempts++
		fn := s.reconnect
		s.mu.Unlock()

		slog.Info("Reconnect attempt firing", "subsystem", string(sub))
		if fn != nil {
			fn()
		}
	})

	slog.Info("Reconnect scheduled",
		"subsystem", string(sub),
		"delay", delay,
		"attempt", s.reconnectAttempts+1,
	)
}

// Snapshot returns a read-only copy of every subsystem's health. It takes
// each slot lock only long enough to copy, never blocking producers for the
// duration of the whole read.
func (m *ConnectionMonitor) Snapshot() map[domain.Subsystem]domain.SubsystemHealth {
	out := make(map[domain.Subsystem]domain.SubsystemHealth, len(m.slots))
	for sub, s := range m.slots {
		s.mu.Lock()
		h := domain.SubsystemHealth{
			Status:            s.status,
			LastError:         s.lastError,
			FailureStreak:     s.failureStreak,
			ReconnectAttempts: s.reconnectAttempts,
		}
		if s.lastSuccessAt != nil {
			t := *s.lastSuccessAt
			h.LastSuccessAt = &t
		}
		s.mu.Unlock()
		out[sub] = h
	}
	return out
}

// Status returns the health of a single subsystem.
func (m *ConnectionMonitor) Status(sub domain.Subsystem) domain.SubsystemHealth {
	return m.Snapshot()[sub]
}
