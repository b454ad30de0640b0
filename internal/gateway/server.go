package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apperrors "github.com/rahul/jarvis/internal/errors"
	"github.com/rahul/jarvis/internal/realtime"
	"github.com/rahul/jarvis/internal/service"
	"github.com/rahul/jarvis/pkg/config"
)

const maxBodyBytes = 16 << 20

// Server exposes the request façade over HTTP and the real-time channel
// over WebSocket.
type Server struct {
	svc      *service.Service
	registry *realtime.Registry
	cfg      config.ServerConfig
	upgrader *websocket.Upgrader
	logger   *zap.Logger
}

func NewServer(cfg config.ServerConfig, svc *service.Service, registry *realtime.Registry, logger *zap.Logger) *Server {
	return &Server{
		svc:      svc,
		registry: registry,
		cfg:      cfg,
		upgrader: realtime.NewUpgrader(cfg.AllowedOrigins),
		logger:   logger.Named("http"),
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWS)

	r.Post("/vision", s.handleVision)
	r.Post("/actions", s.handleActions)
	r.Post("/planner", s.handlePlanner)

	r.Route("/agent", func(r chi.Router) {
		r.Post("/", s.handleAgent)
		r.Post("/chat", s.handleChat)
		r.Get("/sessions", s.handleListSessions)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleSession)
			r.Post("/confirm", s.handleConfirm)
			r.Post("/reject", s.handleReject)
			r.Post("/cancel", s.handleCancel)
		})
		r.Route("/schedule", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Post("/", s.handleAddSchedule)
			r.Delete("/{scheduleID}", s.handleDeleteSchedule)
		})
	})
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.HTTPAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	// Hijacked WebSocket connections are not tracked by Shutdown.
	s.registry.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				s.logger.Error("handler panicked", zap.String("path", r.URL.Path), zap.Any("panic", p))
				respondError(w, http.StatusInternalServerError, apperrors.New(apperrors.KindInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err *apperrors.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(service.Result{Error: err.Error(), ErrorKind: err.Kind})
}

// decode reads a JSON body into v. An empty body leaves v unchanged.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, apperrors.New(apperrors.KindValidation, "malformed request body: %v", err))
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.svc.Health())
}

func (s *Server) handleVision(w http.ResponseWriter, r *http.Request) {
	var req service.VisionRequest
	if !decode(w, r, &req) {
		return
	}
	respondJSON(w, s.svc.Vision(r.Context(), req))
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	var req service.ActionRequest
	if !decode(w, r, &req) {
		return
	}
	respondJSON(w, s.svc.Action(r.Context(), req))
}

func (s *Server) handlePlanner(w http.ResponseWriter, r *http.Request) {
	var req service.PlanRequest
	if !decode(w, r, &req) {
		return
	}
	respondJSON(w, s.svc.Plan(r.Context(), req))
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	var req service.CommandRequest
	if !decode(w, r, &req) {
		return
	}
	req.CorrelationID = r.Header.Get("X-Request-ID")
	respondJSON(w, s.svc.Command(r.Context(), req))
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req service.ChatRequest
	if !decode(w, r, &req) {
		return
	}
	req.CorrelationID = r.Header.Get("X-Request-ID")
	respondJSON(w, s.svc.Chat(r.Context(), "", req))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, apperrors.New(apperrors.KindValidation, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	respondJSON(w, s.svc.ListSessions(limit))
}

// handleSession reports a session. With ?wait=<duration> it long-polls until
// the session is terminal or the duration elapses.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		respondJSON(w, s.svc.Session(id))
		return
	}
	wait, err := time.ParseDuration(raw)
	if err != nil || wait <= 0 {
		respondError(w, http.StatusBadRequest, apperrors.New(apperrors.KindValidation, "wait must be a positive duration"))
		return
	}
	respondJSON(w, s.svc.WaitSession(r.Context(), id, wait))
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.svc.Confirm(chi.URLParam(r, "sessionID")))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.svc.Reject(chi.URLParam(r, "sessionID")))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.svc.Cancel(chi.URLParam(r, "sessionID")))
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.svc.ListSchedules())
}

func (s *Server) handleAddSchedule(w http.ResponseWriter, r *http.Request) {
	var req service.ScheduleRequest
	if !decode(w, r, &req) {
		return
	}
	respondJSON(w, s.svc.AddSchedule(req))
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "scheduleID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, apperrors.New(apperrors.KindValidation, "schedule id must be an integer"))
		return
	}
	respondJSON(w, s.svc.DeleteSchedule(id))
}
