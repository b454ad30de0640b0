package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/rahul/jarvis/internal/errors"
	"github.com/rahul/jarvis/internal/realtime"
	"github.com/rahul/jarvis/internal/service"
)

// sessionPayload addresses an existing session over the real-time channel.
type sessionPayload struct {
	SessionID string `json:"session_id"`
}

// handleWS upgrades the request and keeps the connection registered until
// the peer goes away, on every exit path.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.registry.Full() {
		respondError(w, http.StatusServiceUnavailable, apperrors.New(apperrors.KindValidation, "too many connections"))
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.logger.Debug("websocket handshake failed", zap.Error(err))
		return
	}

	var limiter *rate.Limiter
	if s.cfg.InboundRate > 0 {
		burst := s.cfg.InboundBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.cfg.InboundRate), burst)
	}

	conn := realtime.NewWSConnection(ws, limiter, s.dispatch, s.logger)
	if err := s.registry.Register(conn); err != nil {
		// A concurrent handshake can take the last slot after Full.
		s.logger.Debug("rejecting connection", zap.Error(err))
		code := websocket.CloseGoingAway
		if errors.Is(err, realtime.ErrRegistryFull) {
			code = websocket.CloseTryAgainLater
		}
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, err.Error()), time.Now().Add(time.Second))
		_ = conn.Close()
		conn.Serve(nil)
		return
	}
	s.logger.Info("websocket client connected", zap.String("conn_id", conn.ID()), zap.String("remote", r.RemoteAddr))

	conn.Serve(func() { s.registry.Unregister(conn) })
	s.logger.Info("websocket client disconnected", zap.String("conn_id", conn.ID()))
}

// dispatch routes one inbound frame to the façade and replies on the same
// connection with a "response" message echoing the inbound id.
func (s *Server) dispatch(ctx context.Context, conn *realtime.WSConnection, in realtime.Inbound) {
	id := in.CorrelationID()
	reply := realtime.Message{
		Type:   "response",
		Module: in.Module,
		ID:     id,
	}
	if reply.Module == "" {
		reply.Module = "system"
	}

	payload, err := s.route(ctx, in, id)
	if err != nil {
		e := apperrors.Ensure(err, apperrors.KindValidation)
		payload = service.Result{Error: e.Error(), ErrorKind: e.Kind}
	}
	reply.Payload = payload
	reply.Timestamp = time.Now()
	if err := conn.Send(reply); err != nil {
		s.logger.Debug("failed to deliver reply", zap.String("conn_id", conn.ID()), zap.Error(err))
	}
}

func (s *Server) route(ctx context.Context, in realtime.Inbound, id string) (any, error) {
	switch in.Module {
	case "", "system":
		return map[string]any{"status": "received", "original": in}, nil
	case "health":
		return s.svc.Health(), nil
	case "vision":
		var req service.VisionRequest
		if err := unmarshalPayload(in.Payload, &req); err != nil {
			return nil, err
		}
		return s.svc.Vision(ctx, req), nil
	case "actions", "action":
		var req service.ActionRequest
		if err := unmarshalPayload(in.Payload, &req); err != nil {
			return nil, err
		}
		return s.svc.Action(ctx, req), nil
	case "planner":
		var req service.PlanRequest
		if err := unmarshalPayload(in.Payload, &req); err != nil {
			return nil, err
		}
		return s.svc.Plan(ctx, req), nil
	case "agent":
		var req service.CommandRequest
		if err := unmarshalPayload(in.Payload, &req); err != nil {
			return nil, err
		}
		req.CorrelationID = id
		return s.svc.Command(ctx, req), nil
	case "chat":
		var req service.ChatRequest
		if err := unmarshalPayload(in.Payload, &req); err != nil {
			return nil, err
		}
		req.CorrelationID = id
		return s.svc.Chat(ctx, "", req), nil
	case "confirm", "reject", "cancel", "session":
		var req sessionPayload
		if err := unmarshalPayload(in.Payload, &req); err != nil {
			return nil, err
		}
		switch in.Module {
		case "confirm":
			return s.svc.Confirm(req.SessionID), nil
		case "reject":
			return s.svc.Reject(req.SessionID), nil
		case "cancel":
			return s.svc.Cancel(req.SessionID), nil
		}
		return s.svc.Session(req.SessionID), nil
	}
	return nil, apperrors.UnknownAction(in.Module)
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.New(apperrors.KindValidation, "malformed payload: %v", err)
	}
	return nil
}
