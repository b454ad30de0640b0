// Package service is the request façade: synchronous entry points shared by
// the HTTP, WebSocket and chat front ends. No collaborator failure crosses
// it; every call returns a response with success and error set.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rahul/jarvis/internal/agent"
	"github.com/rahul/jarvis/internal/capability"
	apperrors "github.com/rahul/jarvis/internal/errors"
	"github.com/rahul/jarvis/internal/observability"
	"github.com/rahul/jarvis/internal/planner"
	"github.com/rahul/jarvis/internal/store"
)

// Modules is the fixed module list reported by Health.
var Modules = []string{"vision", "actions", "planner", "agent"}

// History stores conversational turns per chat.
type History interface {
	AddMessage(chatID, role, content string) error
	GetHistory(chatID string, limit int) ([]store.Message, error)
	ClearHistory(chatID string) error
}

// SessionLog lists journaled sessions, newest first.
type SessionLog interface {
	ListSessions(limit int) ([]store.SessionRecord, error)
}

const (
	defaultSessionList = 20
	maxSessionList     = 200
)

// resetCommand clears a conversation instead of running a turn.
const resetCommand = "/reset"

// maxSessionWait bounds WaitSession.
const maxSessionWait = time.Minute

// Schedules manages recurring commands.
type Schedules interface {
	AddSchedule(command, mode string, intervalSeconds int) (store.Schedule, error)
	ListSchedules() ([]store.Schedule, error)
	DeleteSchedule(id int64) error
}

type Service struct {
	executor     *agent.Executor
	planner      planner.Planner
	orch         *agent.Orchestrator
	scheduler    *agent.Scheduler
	history      History
	schedules    Schedules
	sessionLog   SessionLog
	status       *observability.Status
	connections  func() int
	historyLimit int
	logger       *zap.Logger
}

type Option func(*Service)

// WithScheduler routes async commands through the scheduler queue instead
// of starting them directly.
func WithScheduler(s *agent.Scheduler) Option {
	return func(svc *Service) { svc.scheduler = s }
}

func WithHistory(h History, limit int) Option {
	return func(svc *Service) {
		svc.history = h
		svc.historyLimit = limit
	}
}

func WithSchedules(s Schedules) Option {
	return func(svc *Service) { svc.schedules = s }
}

func WithSessionLog(l SessionLog) Option {
	return func(svc *Service) { svc.sessionLog = l }
}

func WithStatus(s *observability.Status) Option {
	return func(svc *Service) { svc.status = s }
}

// WithConnections reports the live observer count in Health.
func WithConnections(count func() int) Option {
	return func(svc *Service) { svc.connections = count }
}

func New(exec *agent.Executor, p planner.Planner, orch *agent.Orchestrator, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		executor:     exec,
		planner:      p,
		orch:         orch,
		historyLimit: 20,
		logger:       logger.Named("service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.status == nil {
		s.status = observability.NewStatus()
	}
	return s
}

// guard turns a panic in op into a failed result.
func (s *Service) guard(op string, r *Result) {
	if p := recover(); p != nil {
		s.logger.Error("request panicked", zap.String("op", op), zap.Any("panic", p))
		*r = failure(apperrors.New(apperrors.KindInternal, "%s panicked: %v", op, p))
	}
}

// Vision proxies to the perception provider.
func (s *Service) Vision(ctx context.Context, req VisionRequest) (resp VisionResponse) {
	defer s.guard("vision", &resp.Result)

	action, err := capability.ParseVisionAction(req.Action)
	if err != nil {
		resp.Result = failure(err)
		return resp
	}
	out, err := s.executor.Invoke(ctx, "", action, capability.Params(req.Data))
	if err != nil {
		resp.Result = failure(err)
		return resp
	}
	resp.Result = ok()
	resp.Data = out.Data
	if resp.Data == nil && out.Message != "" {
		resp.Data = map[string]any{"message": out.Message}
	}
	return resp
}

// Action proxies to the input actuator through the governance policy.
func (s *Service) Action(ctx context.Context, req ActionRequest) (resp ActionResponse) {
	defer s.guard("actions", &resp.Result)

	action, err := capability.ParseInputAction(req.Action)
	if err != nil {
		resp.Result = failure(err)
		return resp
	}
	out, err := s.executor.Invoke(ctx, "", action, capability.Params(req.Data))
	if err != nil {
		resp.Result = failure(err)
		return resp
	}
	resp.Result = ok()
	resp.Message = out.Message
	resp.Data = out.Data
	return resp
}

// Plan asks the planner directly, bypassing execution.
func (s *Service) Plan(ctx context.Context, req PlanRequest) (resp PlanResponse) {
	defer s.guard("planner", &resp.Result)

	plan, err := s.planner.Generate(ctx, req.Goal, planner.Context(req.Context))
	if err == nil {
		err = plan.Validate(false)
	}
	if err != nil {
		resp.Result = failure(apperrors.Ensure(err, apperrors.KindPlanning))
		return resp
	}
	resp.Result = ok()
	resp.Plan = plan
	return resp
}

// Command runs the full orchestration path. With Async set it returns as
// soon as the session is queued; progress arrives through the publisher.
func (s *Service) Command(ctx context.Context, req CommandRequest) (resp CommandResponse) {
	defer s.guard("agent", &resp.Result)

	areq, err := req.toAgent()
	if err != nil {
		resp.Result = failure(err)
		return resp
	}

	if req.Async {
		var snap agent.Snapshot
		if s.scheduler != nil {
			snap, err = s.scheduler.Submit(areq)
		} else {
			snap, err = s.orch.Start(ctx, areq)
		}
		if err != nil {
			resp.Result = failure(err)
			return resp
		}
		resp.Result = ok()
		resp.SessionID = snap.ID
		resp.Status = snap.Status
		resp.Response = "Session " + snap.ID + " accepted"
		resp.ActionsTaken = []ActionTaken{}
		resp.Results = []agent.StepResult{}
		return resp
	}

	snap, err := s.orch.Run(ctx, areq)
	if err != nil {
		resp.Result = failure(err)
		return resp
	}
	return commandResponse(snap)
}

// Chat runs a conversational turn. A conversation id in the context (or
// chatID from a gateway) loads prior turns from history and records the new
// exchange.
func (s *Service) Chat(ctx context.Context, chatID string, req ChatRequest) (resp ChatResponse) {
	defer s.guard("chat", &resp.Result)

	pctx := planner.Context{}
	for k, v := range req.Context {
		pctx[k] = v
	}
	if chatID == "" {
		chatID, _ = pctx["conversation_id"].(string)
	}
	if strings.TrimSpace(req.Command) == resetCommand {
		if chatID == "" || s.history == nil {
			resp.Result = failure(apperrors.New(apperrors.KindValidation, "no conversation to reset"))
			return resp
		}
		if err := s.history.ClearHistory(chatID); err != nil {
			resp.Result = failure(apperrors.Wrap(err, apperrors.KindInternal, "failed to clear history"))
			return resp
		}
		resp.Result = ok()
		resp.Response = "Conversation cleared"
		return resp
	}
	if chatID != "" && s.history != nil {
		if _, given := pctx["conversation_history"]; !given {
			turns, err := s.loadHistory(chatID)
			if err != nil {
				s.logger.Warn("failed to load history", zap.String("chat_id", chatID), zap.Error(err))
			} else if len(turns) > 0 {
				pctx["conversation_history"] = turns
			}
		}
	}

	snap, err := s.orch.Run(ctx, agent.Request{
		Command:        req.Command,
		Mode:           agent.ModeAuto,
		Context:        pctx,
		CorrelationID:  req.CorrelationID,
		AllowEmptyPlan: true,
	})
	if err != nil {
		resp.Result = failure(err)
		return resp
	}

	resp.SessionID = snap.ID
	resp.Response = summarize(snap)
	if snap.Status == agent.StatusCompleted {
		resp.Result = ok()
	} else {
		resp.Result = failure(snap.Error)
	}

	if chatID != "" && s.history != nil {
		if err := s.history.AddMessage(chatID, "user", req.Command); err != nil {
			s.logger.Warn("failed to record message", zap.String("chat_id", chatID), zap.Error(err))
		}
		if err := s.history.AddMessage(chatID, "assistant", resp.Response); err != nil {
			s.logger.Warn("failed to record message", zap.String("chat_id", chatID), zap.Error(err))
		}
	}
	return resp
}

func (s *Service) loadHistory(chatID string) ([]planner.Turn, error) {
	msgs, err := s.history.GetHistory(chatID, s.historyLimit)
	if err != nil {
		return nil, err
	}
	turns := make([]planner.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, planner.Turn{Role: m.Role, Content: m.Content})
	}
	return turns, nil
}

// Session returns a live or finished session.
func (s *Service) Session(id string) (resp CommandResponse) {
	defer s.guard("session", &resp.Result)

	snap, err := s.orch.Get(id)
	if err != nil {
		resp.Result = failure(notFound(err, id))
		return resp
	}
	return commandResponse(snap)
}

// WaitSession blocks until the session is terminal or timeout elapses, then
// reports it like Session. A session still running at the deadline is
// returned as is.
func (s *Service) WaitSession(ctx context.Context, id string, timeout time.Duration) (resp CommandResponse) {
	defer s.guard("session", &resp.Result)

	if timeout <= 0 || timeout > maxSessionWait {
		timeout = maxSessionWait
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	snap, err := s.orch.Wait(ctx, id)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		resp.Result = failure(notFound(err, id))
		return resp
	}
	return commandResponse(snap)
}

// ListSessions returns up to limit journaled sessions. Without a journal
// the list is empty.
func (s *Service) ListSessions(limit int) (resp SessionListResponse) {
	defer s.guard("sessions", &resp.Result)

	if limit <= 0 {
		limit = defaultSessionList
	}
	limit = min(limit, maxSessionList)
	resp.Sessions = []SessionSummary{}
	if s.sessionLog == nil {
		resp.Result = ok()
		return resp
	}
	recs, err := s.sessionLog.ListSessions(limit)
	if err != nil {
		resp.Result = failure(apperrors.Wrap(err, apperrors.KindInternal, "failed to list sessions"))
		return resp
	}
	for _, rec := range recs {
		resp.Sessions = append(resp.Sessions, SessionSummary{
			ID:         rec.ID,
			Command:    rec.Command,
			Mode:       rec.Mode,
			Status:     rec.Status,
			Error:      rec.Error,
			CreatedAt:  rec.CreatedAt,
			FinishedAt: rec.FinishedAt,
		})
	}
	resp.Result = ok()
	return resp
}

func (s *Service) Confirm(id string) Result {
	return s.signal("confirm", id, s.orch.Confirm)
}

func (s *Service) Reject(id string) Result {
	return s.signal("reject", id, s.orch.Reject)
}

func (s *Service) Cancel(id string) Result {
	return s.signal("cancel", id, s.orch.Cancel)
}

func (s *Service) signal(op, id string, fn func(string) error) (r Result) {
	defer s.guard(op, &r)
	if err := fn(id); err != nil {
		return failure(notFound(err, id))
	}
	return ok()
}

func (s *Service) AddSchedule(req ScheduleRequest) (resp ScheduleResponse) {
	defer s.guard("schedule", &resp.Result)

	if s.schedules == nil {
		resp.Result = failure(apperrors.New(apperrors.KindValidation, "scheduling requires memory.path"))
		return resp
	}
	if strings.TrimSpace(req.Command) == "" {
		resp.Result = failure(apperrors.New(apperrors.KindValidation, "command is required"))
		return resp
	}
	if req.IntervalSeconds < 0 {
		resp.Result = failure(apperrors.New(apperrors.KindValidation, "interval_seconds must not be negative"))
		return resp
	}
	mode, err := agent.ParseMode(req.Mode)
	if err != nil {
		resp.Result = failure(err)
		return resp
	}
	if mode == agent.ModeConfirm {
		resp.Result = failure(apperrors.New(apperrors.KindValidation, "scheduled commands cannot wait for confirmation"))
		return resp
	}
	sc, err := s.schedules.AddSchedule(req.Command, string(mode), req.IntervalSeconds)
	if err != nil {
		resp.Result = failure(apperrors.Wrap(err, apperrors.KindInternal, "failed to add schedule"))
		return resp
	}
	resp.Result = ok()
	resp.Schedules = []store.Schedule{sc}
	return resp
}

func (s *Service) ListSchedules() (resp ScheduleResponse) {
	defer s.guard("schedule", &resp.Result)

	if s.schedules == nil {
		resp.Result = ok()
		resp.Schedules = []store.Schedule{}
		return resp
	}
	list, err := s.schedules.ListSchedules()
	if err != nil {
		resp.Result = failure(apperrors.Wrap(err, apperrors.KindInternal, "failed to list schedules"))
		return resp
	}
	if list == nil {
		list = []store.Schedule{}
	}
	resp.Result = ok()
	resp.Schedules = list
	return resp
}

func (s *Service) DeleteSchedule(id int64) (r Result) {
	defer s.guard("schedule", &r)

	if s.schedules == nil {
		return failure(apperrors.New(apperrors.KindValidation, "scheduling requires memory.path"))
	}
	if err := s.schedules.DeleteSchedule(id); err != nil {
		return failure(notFound(err, fmt.Sprint(id)))
	}
	return ok()
}

// Health reports liveness and the fixed module list.
func (s *Service) Health() HealthResponse {
	snap := s.status.Snapshot()
	resp := HealthResponse{
		Status:         "healthy",
		Modules:        Modules,
		Timestamp:      time.Now(),
		Uptime:         snap.Uptime.String(),
		ActiveSessions: snap.ActiveSessions,
		LastCommand:    snap.LastCommand,
	}
	if snap.Health == "stalled" {
		resp.Status = "degraded"
	}
	if s.connections != nil {
		resp.Connections = s.connections()
	}
	return resp
}

func notFound(err error, id string) error {
	if errors.Is(err, agent.ErrSessionNotFound) || errors.Is(err, store.ErrNotFound) {
		return apperrors.New(apperrors.KindValidation, "%s not found", id)
	}
	return err
}

// summarize renders the human-readable response of a finished session.
func summarize(snap agent.Snapshot) string {
	switch snap.Status {
	case agent.StatusCancelled:
		return "Session cancelled"
	case agent.StatusFailed:
		failures := snap.Failures()
		if len(failures) == 0 && snap.Error != nil {
			return snap.Error.Error()
		}
		msgs := make([]string, 0, len(failures))
		for _, f := range failures {
			msgs = append(msgs, f.Error())
		}
		return fmt.Sprintf("Failed after %d of %d step(s): %s", len(snap.Attempted()), stepCount(snap), strings.Join(msgs, "; "))
	}

	if snap.Plan != nil && snap.Plan.Reply != "" {
		return snap.Plan.Reply
	}
	if snap.Mode == agent.ModePlanOnly {
		if snap.Plan != nil && snap.Plan.Reasoning != "" {
			return snap.Plan.Reasoning
		}
		return fmt.Sprintf("Planned %d step(s)", stepCount(snap))
	}
	msgs := make([]string, 0, len(snap.Results))
	for _, r := range snap.Results {
		if r.Output != nil && r.Output.Message != "" {
			msgs = append(msgs, r.Output.Message)
		}
	}
	if len(msgs) == 0 {
		return fmt.Sprintf("Completed %d step(s)", len(snap.Attempted()))
	}
	return strings.Join(msgs, "\n")
}

func stepCount(snap agent.Snapshot) int {
	if snap.Plan == nil {
		return 0
	}
	return len(snap.Plan.Steps)
}
