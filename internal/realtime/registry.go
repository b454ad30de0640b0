package realtime

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rahul/jarvis/internal/agent"
	"github.com/rahul/jarvis/internal/observability"
)

var (
	// ErrRegistryClosed is returned by Register after Shutdown.
	ErrRegistryClosed = errors.New("registry is shut down")
	// ErrRegistryFull is returned by Register at the connection limit.
	ErrRegistryFull = errors.New("too many connections")
)

// Message is the outbound frame shape.
type Message struct {
	Type      string    `json:"type"`
	Module    string    `json:"module"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
}

// Inbound is a frame received from a client.
type Inbound struct {
	Module  string          `json:"module"`
	ID      json.RawMessage `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CorrelationID renders the inbound id, which clients send as a string or
// a number, as a string.
func (in Inbound) CorrelationID() string {
	if len(in.ID) == 0 || string(in.ID) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(in.ID, &s); err == nil {
		return s
	}
	return string(in.ID)
}

// Connection is one live observer.
type Connection interface {
	ID() string
	Send(msg Message) error
	Close() error
}

// Registry tracks live connections and fans messages out to all of them.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]Connection
	max    int
	closed bool
	logger *zap.Logger
}

type RegistryOption func(*Registry)

// WithMaxConnections caps the number of registered connections. Zero means
// no cap.
func WithMaxConnections(n int) RegistryOption {
	return func(r *Registry) { r.max = n }
}

func NewRegistry(logger *zap.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		conns:  make(map[string]Connection),
		logger: logger.Named("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Full reports whether the connection cap is reached. It is advisory;
// Register enforces the cap.
func (r *Registry) Full() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.max > 0 && len(r.conns) >= r.max
}

func (r *Registry) Register(c Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if _, ok := r.conns[c.ID()]; !ok {
		if r.max > 0 && len(r.conns) >= r.max {
			return ErrRegistryFull
		}
		observability.ConnectionsActive.Inc()
	}
	r.conns[c.ID()] = c
	r.logger.Debug("connection registered", zap.String("conn_id", c.ID()), zap.Int("connections", len(r.conns)))
	return nil
}

// Unregister removes c. Removing an absent connection is a no-op.
func (r *Registry) Unregister(c Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[c.ID()]; ok && cur == c {
		delete(r.conns, c.ID())
		observability.ConnectionsActive.Dec()
		r.logger.Debug("connection unregistered", zap.String("conn_id", c.ID()), zap.Int("connections", len(r.conns)))
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast sends msg to every registered connection. A connection whose
// send fails is unregistered and closed; the others still receive msg.
func (r *Registry) Broadcast(msg Message) {
	r.mu.RLock()
	targets := make([]Connection, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			observability.BroadcastFailures.Inc()
			r.logger.Debug("dropping connection after failed send", zap.String("conn_id", c.ID()), zap.Error(err))
			r.Unregister(c)
			_ = c.Close()
		}
	}
}

// Publish broadcasts a session progress event.
func (r *Registry) Publish(evt agent.Event) {
	r.Broadcast(Message{
		Type:      string(evt.Type),
		Module:    "agent",
		Payload:   evt.Payload,
		Timestamp: evt.Timestamp,
		ID:        evt.CorrelationID,
		SessionID: evt.SessionID,
	})
}

// Shutdown closes every connection and rejects later registrations.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	conns := r.conns
	r.conns = make(map[string]Connection)
	r.mu.Unlock()

	for _, c := range conns {
		observability.ConnectionsActive.Dec()
		_ = c.Close()
	}
	r.logger.Info("registry shut down", zap.Int("closed", len(conns)))
}

var connSeq struct {
	mu sync.Mutex
	n  uint64
}

func nextConnID() string {
	connSeq.mu.Lock()
	defer connSeq.mu.Unlock()
	connSeq.n++
	return "conn-" + strconv.FormatUint(connSeq.n, 10)
}
