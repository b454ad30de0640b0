package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer. Screenshots travel inbound as base64.
	maxMessageSize = 16 << 20
	sendBuffer     = 256
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSlowConsumer     = errors.New("send buffer full")
)

// Dispatcher handles one inbound frame. Replies go back through conn.Send.
type Dispatcher func(ctx context.Context, conn *WSConnection, in Inbound)

// NewUpgrader accepts requests without an Origin header and those whose
// origin is listed. An empty list or "*" accepts any origin.
func NewUpgrader(allowed []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 {
				return true
			}
			for _, o := range allowed {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
}

// WSConnection is a Connection backed by a gorilla websocket. One goroutine
// writes and one reads; Send only enqueues.
type WSConnection struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	limiter  *rate.Limiter
	dispatch Dispatcher
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// NewWSConnection wraps an upgraded connection. limiter may be nil.
func NewWSConnection(conn *websocket.Conn, limiter *rate.Limiter, dispatch Dispatcher, logger *zap.Logger) *WSConnection {
	ctx, cancel := context.WithCancel(context.Background())
	id := nextConnID()
	return &WSConnection{
		id:       id,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		limiter:  limiter,
		dispatch: dispatch,
		logger:   logger.With(zap.String("conn_id", id)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *WSConnection) ID() string { return c.id }

// Send queues msg for the write pump. It never blocks; a full buffer is
// reported as ErrSlowConsumer.
func (c *WSConnection) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close stops the write pump, which sends a close frame and releases the
// socket. Safe to call more than once.
func (c *WSConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	close(c.send)
	return nil
}

// Serve runs both pumps and returns once the peer is gone and every
// in-flight dispatch has finished. onClose runs before the socket is
// released.
func (c *WSConnection) Serve(onClose func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()

	c.readPump()
	if onClose != nil {
		onClose()
	}
	_ = c.Close()
	c.inflight.Wait()
	<-done
}

func (c *WSConnection) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.logger.Debug("malformed inbound frame", zap.Error(err))
			_ = c.Send(Message{Type: "error", Module: "gateway", Payload: map[string]any{"success": false, "error": "malformed message: " + err.Error()}, Timestamp: time.Now()})
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			_ = c.Send(Message{Type: "error", Module: in.Module, ID: in.CorrelationID(), Payload: map[string]any{"success": false, "error": "rate limit exceeded"}, Timestamp: time.Now()})
			continue
		}
		if c.dispatch == nil {
			continue
		}

		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			c.dispatch(c.ctx, c, in)
		}()
	}
}

func (c *WSConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}
