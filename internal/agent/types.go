package agent

import (
	"time"

	"github.com/rahul/jarvis/internal/capability"
	apperrors "github.com/rahul/jarvis/internal/errors"
	"github.com/rahul/jarvis/internal/planner"
)

// Mode selects how far a session goes after planning.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeConfirm  Mode = "confirm"
	ModePlanOnly Mode = "plan_only"
)

// ParseMode accepts the empty string as auto.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeConfirm, ModePlanOnly:
		return Mode(s), nil
	}
	return "", apperrors.New(apperrors.KindValidation, "mode must be auto, confirm or plan_only, got %q", s)
}

// FailurePolicy decides what happens after a failed step.
type FailurePolicy string

const (
	PolicyAbort    FailurePolicy = "abort"
	PolicyContinue FailurePolicy = "continue"
)

// ParseFailurePolicy returns "" for the empty string, meaning the
// orchestrator default.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "":
		return "", nil
	case PolicyAbort, PolicyContinue:
		return FailurePolicy(s), nil
	}
	return "", apperrors.New(apperrors.KindValidation, "failure policy must be abort or continue, got %q", s)
}

type Status string

const (
	StatusPlanning             Status = "planning"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusExecuting            Status = "executing"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusCancelled            Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult is the outcome of one step. Skipped steps carry no times.
type StepResult struct {
	StepID     int                `json:"step_id"`
	Action     capability.Action  `json:"action"`
	Status     StepStatus         `json:"status"`
	Output     *capability.Output `json:"output,omitempty"`
	Error      *apperrors.Error   `json:"error,omitempty"`
	StartedAt  time.Time          `json:"started_at,omitzero"`
	FinishedAt time.Time          `json:"finished_at,omitzero"`
}

// Request is what a caller submits to start a session.
type Request struct {
	Command string
	Mode    Mode
	// Policy overrides the orchestrator default when set.
	Policy  FailurePolicy
	Context planner.Context
	// CorrelationID is echoed on every event of the session.
	CorrelationID string
	// AllowEmptyPlan admits reply-only plans, used for chat turns.
	AllowEmptyPlan bool
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID            string           `json:"id"`
	Command       string           `json:"command"`
	Mode          Mode             `json:"mode"`
	Policy        FailurePolicy    `json:"policy"`
	Status        Status           `json:"status"`
	Plan          *planner.Plan    `json:"plan,omitempty"`
	Results       []StepResult     `json:"results"`
	Error         *apperrors.Error `json:"error,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	FinishedAt    time.Time        `json:"finished_at,omitzero"`
}

// Failures returns the errors of every failed step in order.
func (s Snapshot) Failures() []*apperrors.Error {
	var out []*apperrors.Error
	for _, r := range s.Results {
		if r.Status == StepFailed && r.Error != nil {
			out = append(out, r.Error)
		}
	}
	return out
}

// Attempted returns the results of steps that actually ran.
func (s Snapshot) Attempted() []StepResult {
	var out []StepResult
	for _, r := range s.Results {
		if r.Status != StepSkipped {
			out = append(out, r)
		}
	}
	return out
}

type EventType string

const (
	EventPlanReady            EventType = "plan_ready"
	EventAwaitingConfirmation EventType = "awaiting_confirmation"
	EventStepStarted          EventType = "step_started"
	EventStepFinished         EventType = "step_finished"
	EventSessionCompleted     EventType = "session_completed"
	EventSessionFailed        EventType = "session_failed"
	EventSessionCancelled     EventType = "session_cancelled"
)

// Event is a progress notification. Delivery is fire-and-forget.
type Event struct {
	SessionID     string    `json:"session_id"`
	Type          EventType `json:"event_type"`
	Payload       any       `json:"payload,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Publisher receives every event of every session. Publish must not block
// for long; it runs on the session goroutine.
type Publisher interface {
	Publish(evt Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(evt Event) { f(evt) }
