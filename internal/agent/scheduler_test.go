package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/rahul/jarvis/internal/errors"
	"github.com/rahul/jarvis/internal/planner"
	"github.com/rahul/jarvis/internal/store"
)

type memorySchedules struct {
	mu       sync.Mutex
	due      []store.Schedule
	marked   []int64
	deleted  []int64
	returned bool
}

func (m *memorySchedules) DueSchedules(now time.Time) ([]store.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.returned {
		return nil, nil
	}
	m.returned = true
	return m.due, nil
}

func (m *memorySchedules) MarkScheduleRun(id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = append(m.marked, id)
	return nil
}

func (m *memorySchedules) DeleteSchedule(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, id)
	return nil
}

func TestSchedulerRunsQueuedSessions(t *testing.T) {
	log := &eventLog{}
	o := newTestOrchestrator(planner.NewRulePlanner(), newFlaky(), log)
	defer o.Close()
	s := NewScheduler(o, nil, 2, 8, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	var ids []string
	for i := 0; i < 4; i++ {
		snap, err := s.Submit(Request{Command: "take a screenshot"})
		require.NoError(t, err)
		assert.Equal(t, StatusPlanning, snap.Status)
		ids = append(ids, snap.ID)
	}
	for _, id := range ids {
		snap, err := o.Wait(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, snap.Status)
	}

	cancel()
	<-done

	_, err := s.Submit(Request{Command: "take a screenshot"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Equal(t, 0, o.Active())
}

func TestSchedulerQueueFull(t *testing.T) {
	log := &eventLog{}
	o := newTestOrchestrator(planner.NewRulePlanner(), newFlaky(), log)
	defer o.Close()
	s := NewScheduler(o, nil, 1, 1, time.Hour, zap.NewNop())

	first, err := s.Submit(Request{Command: "take a screenshot"})
	require.NoError(t, err)
	_, err = s.Submit(Request{Command: "take a screenshot"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	// Never dispatched: shutting down cancels what is still queued.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Start(ctx)

	snap, err := o.Get(first.ID)
	require.NoError(t, err)
	assert.Contains(t, []Status{StatusCancelled, StatusCompleted}, snap.Status)
	assert.Equal(t, 0, o.Active())
}

func TestSchedulerSubmitsDueSchedules(t *testing.T) {
	log := &eventLog{}
	o := newTestOrchestrator(planner.NewRulePlanner(), newFlaky(), log)
	defer o.Close()
	schedules := &memorySchedules{due: []store.Schedule{
		{ID: 1, Command: "take a screenshot", Mode: "auto", IntervalSeconds: 60},
		{ID: 2, Command: "read the screen", Mode: "plan_only"},
	}}
	s := NewScheduler(o, schedules, 2, 8, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		log.mu.Lock()
		defer log.mu.Unlock()
		finished := 0
		for _, e := range log.events {
			if e.Type == EventSessionCompleted {
				finished++
			}
		}
		return finished == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done

	schedules.mu.Lock()
	defer schedules.mu.Unlock()
	assert.Equal(t, []int64{1, 2}, schedules.marked)
	assert.Equal(t, []int64{2}, schedules.deleted)
}
