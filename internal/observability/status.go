package observability

import (
	"sync"
	"time"
)

// Status tracks process liveness for the health endpoint.
type Status struct {
	mu             sync.RWMutex
	startedAt      time.Time
	lastHeartbeat  time.Time
	activeSessions int
	lastCommand    string
}

func NewStatus() *Status {
	now := time.Now()
	return &Status{startedAt: now, lastHeartbeat: now}
}

// Heartbeat updates the last heartbeat time.
func (s *Status) Heartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = time.Now()
}

func (s *Status) SessionStarted(command string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeSessions++
	s.lastCommand = command
	SessionsActive.Inc()
}

func (s *Status) SessionFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSessions > 0 {
		s.activeSessions--
		SessionsActive.Dec()
	}
}

// Snapshot is a copy of the status fields.
type Snapshot struct {
	Health         string
	Uptime         time.Duration
	LastHeartbeat  time.Time
	ActiveSessions int
	LastCommand    string
}

// Snapshot classifies liveness from heartbeat age: healthy under 40s,
// lagging under 90s, stalled beyond.
func (s *Status) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	health := "stalled"
	switch delta := time.Since(s.lastHeartbeat); {
	case delta < 40*time.Second:
		health = "healthy"
	case delta < 90*time.Second:
		health = "lagging"
	}
	return Snapshot{
		Health:         health,
		Uptime:         time.Since(s.startedAt).Round(time.Second),
		LastHeartbeat:  s.lastHeartbeat,
		ActiveSessions: s.activeSessions,
		LastCommand:    s.lastCommand,
	}
}
