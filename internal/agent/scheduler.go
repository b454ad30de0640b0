package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/rahul/jarvis/internal/errors"
	"github.com/rahul/jarvis/internal/store"
)

// ScheduleStore is the part of the store the scheduler polls.
type ScheduleStore interface {
	DueSchedules(now time.Time) ([]store.Schedule, error)
	MarkScheduleRun(id int64, at time.Time) error
	DeleteSchedule(id int64) error
}

// Scheduler serializes background sessions through one queue and runs at
// most maxConcurrent of them at a time. It also starts scheduled commands
// when they fall due.
type Scheduler struct {
	orch   *Orchestrator
	store  ScheduleStore
	queue  chan string
	sem    chan struct{}
	poll   time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewScheduler(orch *Orchestrator, schedules ScheduleStore, maxConcurrent, queueSize int, poll time.Duration, logger *zap.Logger) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if poll <= 0 {
		poll = 30 * time.Second
	}
	return &Scheduler{
		orch:   orch,
		store:  schedules,
		queue:  make(chan string, queueSize),
		sem:    make(chan struct{}, maxConcurrent),
		poll:   poll,
		logger: logger.Named("scheduler"),
	}
}

// Submit registers a session and queues it. The returned snapshot is in the
// planning status; progress arrives through the publisher.
func (s *Scheduler) Submit(req Request) (Snapshot, error) {
	snap, err := s.orch.Prepare(req)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.discard(snap.ID)
		return Snapshot{}, apperrors.New(apperrors.KindValidation, "scheduler is shutting down")
	}
	select {
	case s.queue <- snap.ID:
		return snap, nil
	default:
		s.discard(snap.ID)
		return Snapshot{}, apperrors.New(apperrors.KindValidation, "session queue is full")
	}
}

// discard finishes a prepared session as cancelled without planning it.
func (s *Scheduler) discard(id string) {
	_ = s.orch.Cancel(id)
	_, _ = s.orch.Execute(context.Background(), id)
}

// Start dispatches queued sessions and polls schedules until ctx is done.
// Sessions still queued at that point are cancelled; running ones see ctx
// cancelled and are waited for.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started", zap.Int("max_concurrent", cap(s.sem)), zap.Duration("poll", s.poll))

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	if s.store != nil {
		s.pollAndSubmit()
	}

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-ticker.C:
			if s.store != nil {
				s.pollAndSubmit()
			}
		case id := <-s.queue:
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				s.discard(id)
				s.shutdown()
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer func() { <-s.sem }()
				if _, err := s.orch.Execute(ctx, id); err != nil {
					s.logger.Error("failed to execute queued session", zap.String("session_id", id), zap.Error(err))
				}
			}()
		}
	}
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	for {
		select {
		case id := <-s.queue:
			s.discard(id)
		default:
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return
		}
	}
}

func (s *Scheduler) pollAndSubmit() {
	now := time.Now()
	due, err := s.store.DueSchedules(now)
	if err != nil {
		s.logger.Error("error polling schedules", zap.Error(err))
		return
	}

	for _, sc := range due {
		snap, err := s.Submit(Request{Command: sc.Command, Mode: Mode(sc.Mode)})
		if err != nil {
			s.logger.Warn("failed to submit scheduled command", zap.Int64("schedule_id", sc.ID), zap.Error(err))
			continue
		}
		s.logger.Info("scheduled command submitted",
			zap.Int64("schedule_id", sc.ID),
			zap.String("session_id", snap.ID),
			zap.String("command", sc.Command))

		if err := s.store.MarkScheduleRun(sc.ID, now); err != nil {
			s.logger.Error("error updating last run", zap.Int64("schedule_id", sc.ID), zap.Error(err))
		}
		// One-time schedules are removed after their first run.
		if sc.IntervalSeconds == 0 {
			if err := s.store.DeleteSchedule(sc.ID); err != nil {
				s.logger.Error("error deleting one-time schedule", zap.Int64("schedule_id", sc.ID), zap.Error(err))
			}
		}
	}
}
