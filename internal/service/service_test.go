package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/rahul/jarvis/internal/agent"
	"github.com/rahul/jarvis/internal/capability"
	apperrors "github.com/rahul/jarvis/internal/errors"
	"github.com/rahul/jarvis/internal/governance"
	"github.com/rahul/jarvis/internal/planner"
	"github.com/rahul/jarvis/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type planFunc func(ctx context.Context, goal string, pctx planner.Context) (*planner.Plan, error)

func (f planFunc) Generate(ctx context.Context, goal string, pctx planner.Context) (*planner.Plan, error) {
	return f(ctx, goal, pctx)
}

type memoryHistory struct {
	mu   sync.Mutex
	msgs map[string][]store.Message
}

func (h *memoryHistory) AddMessage(chatID, role, content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.msgs == nil {
		h.msgs = map[string][]store.Message{}
	}
	h.msgs[chatID] = append(h.msgs[chatID], store.Message{Role: role, Content: content})
	return nil
}

func (h *memoryHistory) GetHistory(chatID string, limit int) ([]store.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.msgs[chatID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]store.Message(nil), msgs...), nil
}

func (h *memoryHistory) ClearHistory(chatID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.msgs, chatID)
	return nil
}

type memorySchedules struct {
	next int64
	list []store.Schedule
}

func (m *memorySchedules) AddSchedule(command, mode string, interval int) (store.Schedule, error) {
	m.next++
	sc := store.Schedule{ID: m.next, Command: command, Mode: mode, IntervalSeconds: interval}
	m.list = append(m.list, sc)
	return sc, nil
}

func (m *memorySchedules) ListSchedules() ([]store.Schedule, error) { return m.list, nil }

func (m *memorySchedules) DeleteSchedule(id int64) error {
	for i, sc := range m.list {
		if sc.ID == id {
			m.list = append(m.list[:i], m.list[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

type fixture struct {
	svc     *Service
	orch    *agent.Orchestrator
	backend *capability.SimulatedBackend
}

func newFixture(t *testing.T, p planner.Planner, execOpts []agent.ExecutorOption, opts ...Option) *fixture {
	t.Helper()
	backend := capability.NewSimulatedBackend()
	exec := agent.NewExecutor(backend, backend, zap.NewNop(), execOpts...)
	orch := agent.NewOrchestrator(p, exec, nil, zap.NewNop())
	t.Cleanup(orch.Close)
	return &fixture{
		svc:     New(exec, p, orch, zap.NewNop(), opts...),
		orch:    orch,
		backend: backend,
	}
}

func TestActionUnknownIsStructured(t *testing.T) {
	f := newFixture(t, planner.NewRulePlanner(), nil)

	resp := f.svc.Action(context.Background(), ActionRequest{Action: "teleport"})
	assert.False(t, resp.Success)
	assert.Equal(t, "UnknownAction: teleport", resp.Error)
	assert.Equal(t, apperrors.KindUnknownAction, resp.ErrorKind)
	assert.Empty(t, f.backend.Calls())
}

func TestActionClick(t *testing.T) {
	f := newFixture(t, planner.NewRulePlanner(), nil)

	resp := f.svc.Action(context.Background(), ActionRequest{Action: "click", Data: map[string]any{"x": 100, "y": 200}})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "Clicked left at (100, 200)", resp.Message)

	resp = f.svc.Action(context.Background(), ActionRequest{Action: "click", Data: map[string]any{"y": 200}})
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestActionDeniedByPolicy(t *testing.T) {
	policy, err := governance.NewPolicyEngine([]string{"hotkey"}, nil)
	require.NoError(t, err)
	f := newFixture(t, planner.NewRulePlanner(), []agent.ExecutorOption{agent.WithPolicy(policy)})

	resp := f.svc.Action(context.Background(), ActionRequest{Action: "hotkey", Data: map[string]any{"keys": []any{"ctrl", "c"}}})
	assert.False(t, resp.Success)
	assert.Equal(t, apperrors.KindAction, resp.ErrorKind)
	assert.Empty(t, f.backend.Calls())
}

func TestVision(t *testing.T) {
	f := newFixture(t, planner.NewRulePlanner(), nil)

	resp := f.svc.Vision(context.Background(), VisionRequest{Action: "capture_screen"})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, 1920, resp.Data["width"])

	resp = f.svc.Vision(context.Background(), VisionRequest{Action: "click"})
	assert.False(t, resp.Success)
	assert.Equal(t, "UnknownAction: click", resp.Error)
}

func TestPlan(t *testing.T) {
	f := newFixture(t, planner.NewRulePlanner(), nil)

	resp := f.svc.Plan(context.Background(), PlanRequest{Goal: "take a screenshot and click at (100,200)"})
	require.True(t, resp.Success, resp.Error)
	require.Len(t, resp.Plan.Steps, 2)
	assert.Equal(t, capability.ActionCaptureScreen, resp.Plan.Steps[0].Action)
	assert.Equal(t, capability.ActionClick, resp.Plan.Steps[1].Action)
	assert.NotEmpty(t, resp.Plan.Reasoning)
	assert.Empty(t, f.backend.Calls())

	resp = f.svc.Plan(context.Background(), PlanRequest{Goal: ""})
	assert.False(t, resp.Success)
	assert.Equal(t, apperrors.KindPlanning, resp.ErrorKind)
}

func TestPlanRecoversPanic(t *testing.T) {
	p := planFunc(func(ctx context.Context, goal string, pctx planner.Context) (*planner.Plan, error) {
		panic("boom")
	})
	f := newFixture(t, p, nil)

	resp := f.svc.Plan(context.Background(), PlanRequest{Goal: "anything"})
	assert.False(t, resp.Success)
	assert.Equal(t, apperrors.KindInternal, resp.ErrorKind)
	assert.Contains(t, resp.Error, "boom")
}

func TestCommandScenario(t *testing.T) {
	f := newFixture(t, planner.NewRulePlanner(), nil)

	resp := f.svc.Command(context.Background(), CommandRequest{Command: "take a screenshot and click at (100,200)"})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, agent.StatusCompleted, resp.Status)
	require.Len(t, resp.ActionsTaken, 2)
	assert.Equal(t, capability.ActionCaptureScreen, resp.ActionsTaken[0].Action)
	assert.Equal(t, agent.StepSucceeded, resp.ActionsTaken[1].Status)
	assert.Equal(t, "Clicked left at (100, 200)", resp.Response)
	assert.NotNil(t, resp.Plan)
	assert.Len(t, resp.Results, 2)
}

func TestCommandFailureReportsPartialResults(t *testing.T) {
	policy, err := governance.NewPolicyEngine([]string{"click"}, nil)
	require.NoError(t, err)
	f := newFixture(t, planner.NewRulePlanner(), []agent.ExecutorOption{agent.WithPolicy(policy)})

	resp := f.svc.Command(context.Background(), CommandRequest{Command: "take a screenshot and click at (1,2) and take a screenshot"})
	assert.False(t, resp.Success)
	assert.Equal(t, agent.StatusFailed, resp.Status)
	assert.Equal(t, apperrors.KindAction, resp.ErrorKind)
	assert.Len(t, resp.ActionsTaken, 2)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, agent.StepSkipped, resp.Results[2].Status)
	assert.Len(t, resp.Failures, 1)
	assert.Contains(t, resp.Response, "Failed after 2 of 3 step(s)")
}

func TestCommandPlanOnly(t *testing.T) {
	f := newFixture(t, planner.NewRulePlanner(), nil)

	resp := f.svc.Command(context.Background(), CommandRequest{Command: "click at (5,6)", Mode: "plan_only"})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, agent.StatusCompleted, resp.Status)
	assert.Empty(t, resp.ActionsTaken)
	require.NotNil(t, resp.Plan)
	assert.Len(t, resp.Plan.Steps, 1)
	assert.Empty(t, f.backend.Calls())
}

func TestCommandValidation(t *testing.T) {
	f := newFixture(t, planner.NewRulePlanner(), nil)

	resp := f.svc.Command(context.Background(), CommandRequest{Command: "take a screenshot", Mode: "yolo"})
	assert.False(t, resp.Success)
	assert.Equal(t, apperrors.KindValidation, resp.ErrorKind)

	resp = f.svc.Command(context.Background(), CommandRequest{Command: "take a screenshot", Policy: "retry"})
	assert.Equal(t, apperrors.KindValidation, resp.ErrorKind)

	resp = f.svc.Command(context.Background(), CommandRequest{Command: ""})
	assert.False(t, resp.Success)
	assert.Equal(t, agent.StatusFailed, resp.Status)
	assert.Equal(t, apperrors.KindPlanning, resp.ErrorKind)
	assert.Empty(t, resp.Results)
}

func TestCommandAsync(t *testing.T) {
	f := newFixture(t, planner.NewRulePlanner(), nil)

	resp := f.svc.Command(context.Background(), CommandRequest{Command: "take a screenshot", Async: true})
	require.True(t, resp.Success, resp.Error)
	require.NotEmpty(t, resp.SessionID)

	snap, err := f.orch.Wait(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, snap.Status)

	got := f.svc.Session(resp.SessionID)
	require.True(t, got.Success, got.Error)
	assert.Len(t, got.ActionsTaken, 1)
}

func TestCommandAsyncThroughScheduler(t *testing.T) {
	backend := capability.NewSimulatedBackend()
	exec := agent.NewExecutor(backend, backend, zap.NewNop())
	p := planner.NewRulePlanner()
	orch := agent.NewOrchestrator(p, exec, nil, zap.NewNop())
	defer orch.Close()
	sched := agent.NewScheduler(orch, nil, 1, 4, time.Hour, zap.NewNop())
	svc := New(exec, p, orch, zap.NewNop(), WithScheduler(sched))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(done)
	}()

	resp := svc.Command(context.Background(), CommandRequest{Command: "read the screen", Async: true})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, agent.StatusPlanning, resp.Status)

	snap, err := orch.Wait(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, snap.Status)

	cancel()
	<-done
}

func TestSessionSignalsOnUnknownID(t *testing.T) {
	f := newFixture(t, planner.NewRulePlanner(), nil)

	for _, r := range []Result{f.svc.Confirm("nope"), f.svc.Reject("nope"), f.svc.Cancel("nope"), f.svc.Session("nope").Result} {
		assert.False(t, r.Success)
		assert.Equal(t, apperrors.KindValidation, r.ErrorKind)
		assert.Contains(t, r.Error, "not found")
	}
}

func TestConfirmThroughFacade(t *testing.T) {
	f := newFixture(t, planner.NewRulePlanner(), nil)

	resp := f.svc.Command(context.Background(), CommandRequest{Command: "take a screenshot", Mode: "confirm", Async: true})
	require.True(t, resp.Success, resp.Error)

	require.Eventually(t, func() bool {
		return f.svc.Session(resp.SessionID).Status == agent.StatusAwaitingConfirmation
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, f.svc.Confirm(resp.SessionID).Success)
	snap, err := f.orch.Wait(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, snap.Status)
}

func TestWaitSession(t *testing.T) {
	f := newFixture(t, planner.NewRulePlanner(), nil)

	resp := f.svc.Command(context.Background(), CommandRequest{Command: "take a screenshot", Mode: "confirm", Async: true})
	require.True(t, resp.Success, resp.Error)
	require.Eventually(t, func() bool {
		return f.svc.Session(resp.SessionID).Status == agent.StatusAwaitingConfirmation
	}, 2*time.Second, 5*time.Millisecond)

	got := f.svc.WaitSession(context.Background(), resp.SessionID, 20*time.Millisecond)
	require.True(t, got.Success, got.Error)
	assert.Equal(t, agent.StatusAwaitingConfirmation, got.Status)

	require.True(t, f.svc.Confirm(resp.SessionID).Success)
	got = f.svc.WaitSession(context.Background(), resp.SessionID, 2*time.Second)
	require.True(t, got.Success, got.Error)
	assert.Equal(t, agent.StatusCompleted, got.Status)
	assert.Len(t, got.ActionsTaken, 1)

	got = f.svc.WaitSession(context.Background(), "nope", time.Second)
	assert.False(t, got.Success)
	assert.Contains(t, got.Error, "not found")
}

func TestChatResetClearsHistory(t *testing.T) {
	p := planFunc(func(ctx context.Context, goal string, pctx planner.Context) (*planner.Plan, error) {
		return &planner.Plan{Reply: "ok"}, nil
	})
	history := &memoryHistory{}
	f := newFixture(t, p, nil, WithHistory(history, 10))

	resp := f.svc.Chat(context.Background(), "c1", ChatRequest{Command: "hi"})
	require.True(t, resp.Success, resp.Error)
	msgs, err := history.GetHistory("c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	resp = f.svc.Chat(context.Background(), "c1", ChatRequest{Command: " /reset "})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "Conversation cleared", resp.Response)
	assert.Empty(t, resp.SessionID)
	msgs, err = history.GetHistory("c1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	resp = f.svc.Chat(context.Background(), "", ChatRequest{Command: "/reset"})
	assert.False(t, resp.Success)
	assert.Equal(t, apperrors.KindValidation, resp.ErrorKind)
}

type sessionLogFunc func(limit int) ([]store.SessionRecord, error)

func (f sessionLogFunc) ListSessions(limit int) ([]store.SessionRecord, error) { return f(limit) }

func TestListSessions(t *testing.T) {
	f := newFixture(t, planner.NewRulePlanner(), nil)
	resp := f.svc.ListSessions(0)
	require.True(t, resp.Success, resp.Error)
	assert.NotNil(t, resp.Sessions)
	assert.Empty(t, resp.Sessions)

	var asked int
	log := sessionLogFunc(func(limit int) ([]store.SessionRecord, error) {
		asked = limit
		return []store.SessionRecord{{ID: "s1", Command: "read the screen", Mode: "auto", Status: "completed"}}, nil
	})
	f = newFixture(t, planner.NewRulePlanner(), nil, WithSessionLog(log))

	resp = f.svc.ListSessions(0)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, defaultSessionList, asked)
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, "s1", resp.Sessions[0].ID)
	assert.Equal(t, "completed", resp.Sessions[0].Status)

	f.svc.ListSessions(10_000)
	assert.Equal(t, maxSessionList, asked)

	failing := sessionLogFunc(func(int) ([]store.SessionRecord, error) { return nil, errors.New("disk I/O error") })
	f = newFixture(t, planner.NewRulePlanner(), nil, WithSessionLog(failing))
	resp = f.svc.ListSessions(5)
	assert.False(t, resp.Success)
	assert.Equal(t, apperrors.KindInternal, resp.ErrorKind)
}

func TestChatUsesHistory(t *testing.T) {
	var mu sync.Mutex
	var seen [][]planner.Turn
	p := planFunc(func(ctx context.Context, goal string, pctx planner.Context) (*planner.Plan, error) {
		mu.Lock()
		seen = append(seen, pctx.History())
		mu.Unlock()
		return &planner.Plan{Reply: "Hello! You said: " + goal}, nil
	})
	history := &memoryHistory{}
	f := newFixture(t, p, nil, WithHistory(history, 10))

	resp := f.svc.Chat(context.Background(), "", ChatRequest{Command: "hi", Context: map[string]any{"conversation_id": "c1"}})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "Hello! You said: hi", resp.Response)

	resp = f.svc.Chat(context.Background(), "", ChatRequest{Command: "again", Context: map[string]any{"conversation_id": "c1"}})
	require.True(t, resp.Success, resp.Error)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Empty(t, seen[0])
	assert.Equal(t, []planner.Turn{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "Hello! You said: hi"},
	}, seen[1])
}

func TestChatPassesGivenHistoryThrough(t *testing.T) {
	var got []planner.Turn
	p := planFunc(func(ctx context.Context, goal string, pctx planner.Context) (*planner.Plan, error) {
		got = pctx.History()
		return &planner.Plan{Reply: "ok"}, nil
	})
	f := newFixture(t, p, nil)

	resp := f.svc.Chat(context.Background(), "", ChatRequest{
		Command: "and now?",
		Context: map[string]any{"conversation_history": []any{
			map[string]any{"role": "user", "content": "open the browser"},
		}},
	})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, []planner.Turn{{Role: "user", Content: "open the browser"}}, got)
}

func TestSchedules(t *testing.T) {
	f := newFixture(t, planner.NewRulePlanner(), nil)
	resp := f.svc.AddSchedule(ScheduleRequest{Command: "take a screenshot", IntervalSeconds: 60})
	assert.False(t, resp.Success)
	assert.True(t, f.svc.ListSchedules().Success)

	schedules := &memorySchedules{}
	f = newFixture(t, planner.NewRulePlanner(), nil, WithSchedules(schedules))

	resp = f.svc.AddSchedule(ScheduleRequest{Command: "take a screenshot", IntervalSeconds: 60})
	require.True(t, resp.Success, resp.Error)
	require.Len(t, resp.Schedules, 1)
	assert.Equal(t, "auto", resp.Schedules[0].Mode)

	assert.False(t, f.svc.AddSchedule(ScheduleRequest{Command: " "}).Success)
	assert.False(t, f.svc.AddSchedule(ScheduleRequest{Command: "x", IntervalSeconds: -1}).Success)
	assert.False(t, f.svc.AddSchedule(ScheduleRequest{Command: "x", Mode: "confirm"}).Success)

	assert.Len(t, f.svc.ListSchedules().Schedules, 1)
	assert.True(t, f.svc.DeleteSchedule(resp.Schedules[0].ID).Success)
	r := f.svc.DeleteSchedule(resp.Schedules[0].ID)
	assert.False(t, r.Success)
	assert.Equal(t, apperrors.KindValidation, r.ErrorKind)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, planner.NewRulePlanner(), nil, WithConnections(func() int { return 3 }))

	h := f.svc.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, []string{"vision", "actions", "planner", "agent"}, h.Modules)
	assert.Equal(t, 3, h.Connections)
	assert.WithinDuration(t, time.Now(), h.Timestamp, time.Second)
}
