package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/rahul/jarvis/internal/errors"
	"github.com/rahul/jarvis/internal/observability"
	"github.com/rahul/jarvis/internal/planner"
	"github.com/rahul/jarvis/internal/store"
)

// ErrSessionNotFound is returned for ids that are neither live, recent nor
// journaled.
var ErrSessionNotFound = errors.New("session not found")

const recentLimit = 128

// Orchestrator owns session lifecycles: it asks the planner for a plan,
// executes the steps in order and publishes progress.
type Orchestrator struct {
	planner   planner.Planner
	executor  *Executor
	publisher Publisher
	journal   Journal
	status    *observability.Status
	recorder  *observability.Recorder
	logger    *zap.Logger

	policy         FailurePolicy
	confirmTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
	recent   map[string]Snapshot
	order    []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Orchestrator)

func WithFailurePolicy(p FailurePolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithConfirmTimeout cancels sessions left awaiting confirmation longer
// than d. Zero waits forever.
func WithConfirmTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.confirmTimeout = d }
}

func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

func WithStatus(s *observability.Status) Option {
	return func(o *Orchestrator) { o.status = s }
}

func WithRecorder(r *observability.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func NewOrchestrator(p planner.Planner, exec *Executor, pub Publisher, logger *zap.Logger, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		planner:   p,
		executor:  exec,
		publisher: pub,
		logger:    logger.Named("orchestrator"),
		policy:    PolicyAbort,
		sessions:  make(map[string]*session),
		recent:    make(map[string]Snapshot),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.status == nil {
		o.status = observability.NewStatus()
	}
	return o
}

// Run executes a session to its terminal status and returns it. The error
// is non-nil only when the request itself is malformed.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Snapshot, error) {
	snap, err := o.Prepare(req)
	if err != nil {
		return Snapshot{}, err
	}
	return o.Execute(ctx, snap.ID)
}

// Start launches a session in the background and returns its initial
// snapshot. The session outlives ctx and stops only on Cancel or Close.
func (o *Orchestrator) Start(ctx context.Context, req Request) (Snapshot, error) {
	snap, err := o.Prepare(req)
	if err != nil {
		return Snapshot{}, err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Execute(o.ctx, snap.ID)
	}()
	return snap, nil
}

// Prepare registers a session in the planning status without running it.
// Execute must follow, or the session stays live until then.
func (o *Orchestrator) Prepare(req Request) (Snapshot, error) {
	s, err := o.create(req)
	if err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(), nil
}

// Execute runs a prepared session to its terminal status.
func (o *Orchestrator) Execute(ctx context.Context, id string) (Snapshot, error) {
	o.mu.RLock()
	s, ok := o.sessions[id]
	o.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	if !s.started.CompareAndSwap(false, true) {
		return Snapshot{}, apperrors.New(apperrors.KindValidation, "session %s is already running", id)
	}
	return o.run(ctx, s), nil
}

// Wait blocks until the session finishes or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (Snapshot, error) {
	o.mu.RLock()
	s, ok := o.sessions[id]
	o.mu.RUnlock()
	if ok {
		select {
		case <-s.done:
		case <-ctx.Done():
			return s.snapshot(), ctx.Err()
		}
	}
	return o.Get(id)
}

func (o *Orchestrator) Confirm(id string) error {
	return o.signal(id, true)
}

// Reject cancels a session awaiting confirmation.
func (o *Orchestrator) Reject(id string) error {
	return o.signal(id, false)
}

func (o *Orchestrator) signal(id string, ok bool) error {
	o.mu.RLock()
	s, found := o.sessions[id]
	o.mu.RUnlock()
	if !found {
		return ErrSessionNotFound
	}
	if s.status() != StatusAwaitingConfirmation {
		return apperrors.New(apperrors.KindValidation, "session %s is not awaiting confirmation", id)
	}
	select {
	case s.confirm <- ok:
	default:
	}
	return nil
}

// Cancel requests cooperative cancellation. It takes effect before the
// next step begins.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.RLock()
	s, found := o.sessions[id]
	o.mu.RUnlock()
	if !found {
		if _, err := o.Get(id); err == nil {
			return apperrors.New(apperrors.KindValidation, "session %s already finished", id)
		}
		return ErrSessionNotFound
	}
	s.requestCancel()
	return nil
}

// Get returns a live or recently finished session, falling back to the
// journal.
func (o *Orchestrator) Get(id string) (Snapshot, error) {
	o.mu.RLock()
	s, live := o.sessions[id]
	snap, recent := o.recent[id]
	o.mu.RUnlock()
	if live {
		return s.snapshot(), nil
	}
	if recent {
		return snap, nil
	}
	if o.journal != nil {
		rec, err := o.journal.GetSession(id)
		if err == nil {
			return fromRecord(rec)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return Snapshot{}, err
		}
	}
	return Snapshot{}, ErrSessionNotFound
}

// Active counts sessions that have not reached a terminal status.
func (o *Orchestrator) Active() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.sessions)
}

// Close cancels background sessions and waits for them.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) create(req Request) (*session, error) {
	mode, err := ParseMode(string(req.Mode))
	if err != nil {
		return nil, err
	}
	req.Mode = mode
	policy, err := ParseFailurePolicy(string(req.Policy))
	if err != nil {
		return nil, err
	}
	if policy == "" {
		policy = o.policy
	}

	s := newSession(uuid.NewString(), req, policy)
	o.mu.Lock()
	o.sessions[s.snap.ID] = s
	o.mu.Unlock()
	return s, nil
}

func (o *Orchestrator) run(ctx context.Context, s *session) (final Snapshot) {
	snap := s.snapshot()
	log := o.logger.With(zap.String("session_id", snap.ID), zap.String("mode", string(snap.Mode)))
	log.Info("session started", zap.String("command", snap.Command))
	o.status.SessionStarted(snap.Command)

	defer func() {
		if r := recover(); r != nil {
			log.Error("session panicked", zap.Any("panic", r))
			final = s.finish(StatusFailed, apperrors.New(apperrors.KindInternal, "session panicked: %v", r))
			o.emit(s, EventSessionFailed, final)
		}
		o.status.SessionFinished()
		observability.SessionsTotal.WithLabelValues(string(final.Status)).Inc()
		o.retire(final)
		close(s.done)
		log.Info("session finished", zap.String("status", string(final.Status)), zap.Int("results", len(final.Results)))
	}()

	if s.cancelled.Load() || ctx.Err() != nil {
		return o.cancelled(s, nil, 0)
	}

	pctx := planner.Context{}
	for k, v := range s.pctx {
		pctx[k] = v
	}
	pctx["session_id"] = snap.ID

	plan, err := o.planner.Generate(ctx, snap.Command, pctx)
	if err == nil {
		err = plan.Validate(s.allowEmptyPlan)
	}
	if err != nil {
		if s.cancelled.Load() || ctx.Err() != nil {
			return o.cancelled(s, nil, 0)
		}
		return o.failed(s, apperrors.Ensure(err, apperrors.KindPlanning))
	}
	s.setPlan(plan)
	o.recorder.Log(observability.Event{Type: observability.EventTypePlan, SessionID: snap.ID, Data: plan})
	o.emit(s, EventPlanReady, plan)

	if s.cancelled.Load() {
		return o.cancelled(s, plan.Steps, 0)
	}

	switch snap.Mode {
	case ModePlanOnly:
		return o.completed(s)
	case ModeConfirm:
		if !o.awaitConfirmation(ctx, s, plan) {
			return o.cancelled(s, plan.Steps, 0)
		}
	}

	s.setStatus(StatusExecuting)
	var firstFailure *apperrors.Error
	for i, step := range plan.Steps {
		if s.cancelled.Load() || ctx.Err() != nil {
			return o.cancelled(s, plan.Steps, i)
		}
		o.emit(s, EventStepStarted, step)
		res := o.executor.Execute(ctx, snap.ID, step)
		s.addResult(res)
		o.emit(s, EventStepFinished, res)

		// The in-flight step is recorded; a cancel requested meanwhile wins
		// over both the next step and the session's own outcome.
		if s.cancelled.Load() || ctx.Err() != nil {
			return o.cancelled(s, plan.Steps, i+1)
		}
		if res.Status == StepFailed {
			if firstFailure == nil {
				firstFailure = res.Error
			}
			if snap.Policy == PolicyAbort {
				s.skipFrom(plan.Steps, i+1)
				return o.failed(s, res.Error)
			}
		}
	}
	if firstFailure != nil {
		return o.failed(s, firstFailure)
	}
	return o.completed(s)
}

func (o *Orchestrator) awaitConfirmation(ctx context.Context, s *session, plan *planner.Plan) bool {
	s.setStatus(StatusAwaitingConfirmation)
	o.emit(s, EventAwaitingConfirmation, plan)

	var timeout <-chan time.Time
	if o.confirmTimeout > 0 {
		t := time.NewTimer(o.confirmTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case ok := <-s.confirm:
		return ok && !s.cancelled.Load()
	case <-s.cancelCh:
	case <-ctx.Done():
	case <-timeout:
		o.logger.Info("confirmation timed out", zap.String("session_id", s.snap.ID))
	}
	return false
}

func (o *Orchestrator) completed(s *session) Snapshot {
	snap := s.finish(StatusCompleted, nil)
	o.emit(s, EventSessionCompleted, snap)
	return snap
}

func (o *Orchestrator) failed(s *session, err *apperrors.Error) Snapshot {
	snap := s.finish(StatusFailed, err)
	o.emit(s, EventSessionFailed, snap)
	return snap
}

func (o *Orchestrator) cancelled(s *session, steps []planner.Step, from int) Snapshot {
	if from < len(steps) {
		s.skipFrom(steps, from)
	}
	snap := s.finish(StatusCancelled, apperrors.New(apperrors.KindCancelled, "session cancelled"))
	o.emit(s, EventSessionCancelled, snap)
	return snap
}

func (o *Orchestrator) emit(s *session, typ EventType, payload any) {
	if o.publisher == nil {
		return
	}
	o.publisher.Publish(Event{
		SessionID:     s.snap.ID,
		Type:          typ,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: s.snap.CorrelationID,
	})
}

// retire moves a finished session out of the live table into the bounded
// recent cache and the journal.
func (o *Orchestrator) retire(snap Snapshot) {
	o.mu.Lock()
	delete(o.sessions, snap.ID)
	o.recent[snap.ID] = snap
	o.order = append(o.order, snap.ID)
	if len(o.order) > recentLimit {
		delete(o.recent, o.order[0])
		o.order = o.order[1:]
	}
	o.mu.Unlock()

	if o.journal == nil {
		return
	}
	rec, err := toRecord(snap)
	if err == nil {
		err = o.journal.SaveSession(rec)
	}
	if err != nil {
		o.logger.Warn("failed to journal session", zap.String("session_id", snap.ID), zap.Error(err))
	}
}
