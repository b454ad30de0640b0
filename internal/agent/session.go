package agent

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/rahul/jarvis/internal/errors"
	"github.com/rahul/jarvis/internal/planner"
	"github.com/rahul/jarvis/internal/store"
)

// session is owned by the goroutine running it. Other goroutines only read
// through snapshot() or signal through confirm and cancel.
type session struct {
	mu   sync.Mutex
	snap Snapshot

	pctx           planner.Context
	allowEmptyPlan bool

	confirm    chan bool
	cancelOnce sync.Once
	cancelCh   chan struct{}
	cancelled  atomic.Bool
	started    atomic.Bool
	done       chan struct{}
}

func newSession(id string, req Request, policy FailurePolicy) *session {
	return &session{
		snap: Snapshot{
			ID:            id,
			Command:       req.Command,
			Mode:          req.Mode,
			Policy:        policy,
			Status:        StatusPlanning,
			Results:       []StepResult{},
			CorrelationID: req.CorrelationID,
			CreatedAt:     time.Now(),
		},
		pctx:           req.Context,
		allowEmptyPlan: req.AllowEmptyPlan,
		confirm:        make(chan bool, 1),
		cancelCh:       make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	snap.Results = append([]StepResult(nil), s.snap.Results...)
	return snap
}

func (s *session) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Status
}

func (s *session) setStatus(st Status) {
	s.mu.Lock()
	s.snap.Status = st
	s.mu.Unlock()
}

func (s *session) setPlan(p *planner.Plan) {
	s.mu.Lock()
	s.snap.Plan = p
	s.mu.Unlock()
}

func (s *session) addResult(r StepResult) {
	s.mu.Lock()
	s.snap.Results = append(s.snap.Results, r)
	s.mu.Unlock()
}

// skipFrom records every step from index i on as skipped.
func (s *session) skipFrom(steps []planner.Step, i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, step := range steps[i:] {
		s.snap.Results = append(s.snap.Results, StepResult{StepID: step.ID, Action: step.Action, Status: StepSkipped})
	}
}

func (s *session) finish(st Status, err *apperrors.Error) Snapshot {
	s.mu.Lock()
	s.snap.Status = st
	s.snap.Error = err
	s.snap.FinishedAt = time.Now()
	s.mu.Unlock()
	return s.snapshot()
}

func (s *session) requestCancel() {
	s.cancelled.Store(true)
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// Journal persists terminal sessions.
type Journal interface {
	SaveSession(rec store.SessionRecord) error
	GetSession(id string) (*store.SessionRecord, error)
}

func toRecord(snap Snapshot) (store.SessionRecord, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return store.SessionRecord{}, err
	}
	rec := store.SessionRecord{
		ID:         snap.ID,
		Command:    snap.Command,
		Mode:       string(snap.Mode),
		Status:     string(snap.Status),
		Snapshot:   data,
		CreatedAt:  snap.CreatedAt,
		FinishedAt: snap.FinishedAt,
	}
	if snap.Error != nil {
		rec.Error = snap.Error.Error()
	}
	return rec, nil
}

func fromRecord(rec *store.SessionRecord) (Snapshot, error) {
	var snap Snapshot
	err := json.Unmarshal(rec.Snapshot, &snap)
	return snap, err
}
