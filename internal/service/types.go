package service

import (
	"errors"
	"time"

	"github.com/rahul/jarvis/internal/agent"
	"github.com/rahul/jarvis/internal/capability"
	apperrors "github.com/rahul/jarvis/internal/errors"
	"github.com/rahul/jarvis/internal/planner"
	"github.com/rahul/jarvis/internal/store"
)

// Result is embedded in every response.
type Result struct {
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	ErrorKind apperrors.Kind `json:"error_kind,omitempty"`
}

func ok() Result { return Result{Success: true} }

func failure(err error) Result {
	var e *apperrors.Error
	if errors.As(err, &e) && e == nil {
		err = nil
	}
	if err == nil {
		err = apperrors.New(apperrors.KindInternal, "unknown failure")
	}
	e = apperrors.Ensure(err, apperrors.KindInternal)
	return Result{Error: e.Error(), ErrorKind: e.Kind}
}

type VisionRequest struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
}

type VisionResponse struct {
	Result
	Data map[string]any `json:"data,omitempty"`
}

type ActionRequest struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
}

type ActionResponse struct {
	Result
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

type PlanRequest struct {
	Goal    string         `json:"goal"`
	Context map[string]any `json:"context,omitempty"`
}

type PlanResponse struct {
	Result
	Plan *planner.Plan `json:"plan,omitempty"`
}

type CommandRequest struct {
	Command string         `json:"command"`
	Mode    string         `json:"mode,omitempty"`
	Policy  string         `json:"failure_policy,omitempty"`
	Context map[string]any `json:"context,omitempty"`
	Async   bool           `json:"async,omitempty"`
	// CorrelationID is set by transports that carry a request id.
	CorrelationID string `json:"-"`
}

func (r CommandRequest) toAgent() (agent.Request, error) {
	mode, err := agent.ParseMode(r.Mode)
	if err != nil {
		return agent.Request{}, err
	}
	policy, err := agent.ParseFailurePolicy(r.Policy)
	if err != nil {
		return agent.Request{}, err
	}
	return agent.Request{
		Command:       r.Command,
		Mode:          mode,
		Policy:        policy,
		Context:       planner.Context(r.Context),
		CorrelationID: r.CorrelationID,
	}, nil
}

// ActionTaken is one attempted step as reported to the caller.
type ActionTaken struct {
	StepID      int               `json:"step_id"`
	Action      capability.Action `json:"action"`
	Description string            `json:"description,omitempty"`
	Status      agent.StepStatus  `json:"status"`
	Message     string            `json:"message,omitempty"`
	Error       string            `json:"error,omitempty"`
}

type CommandResponse struct {
	Result
	Response     string             `json:"response"`
	ActionsTaken []ActionTaken      `json:"actions_taken"`
	Plan         *planner.Plan      `json:"plan"`
	SessionID    string             `json:"session_id,omitempty"`
	Status       agent.Status       `json:"status,omitempty"`
	Results      []agent.StepResult `json:"results"`
	// Failures lists the first failing step's error under abort and every
	// failing step's error under continue.
	Failures []*apperrors.Error `json:"failures,omitempty"`
}

func commandResponse(snap agent.Snapshot) CommandResponse {
	resp := CommandResponse{
		Response:     summarize(snap),
		ActionsTaken: actionsTaken(snap),
		Plan:         snap.Plan,
		SessionID:    snap.ID,
		Status:       snap.Status,
		Results:      snap.Results,
		Failures:     snap.Failures(),
	}
	if resp.Results == nil {
		resp.Results = []agent.StepResult{}
	}
	switch snap.Status {
	case agent.StatusCompleted:
		resp.Result = ok()
	case agent.StatusFailed, agent.StatusCancelled:
		resp.Result = failure(snap.Error)
	default:
		// Still running: the lookup itself succeeded.
		resp.Result = ok()
	}
	return resp
}

func actionsTaken(snap agent.Snapshot) []ActionTaken {
	desc := map[int]string{}
	if snap.Plan != nil {
		for _, s := range snap.Plan.Steps {
			desc[s.ID] = s.Description
		}
	}
	out := []ActionTaken{}
	for _, r := range snap.Attempted() {
		at := ActionTaken{
			StepID:      r.StepID,
			Action:      r.Action,
			Description: desc[r.StepID],
			Status:      r.Status,
		}
		if r.Output != nil {
			at.Message = r.Output.Message
		}
		if r.Error != nil {
			at.Error = r.Error.Error()
		}
		out = append(out, at)
	}
	return out
}

type ChatRequest struct {
	Command       string         `json:"command"`
	Context       map[string]any `json:"context,omitempty"`
	CorrelationID string         `json:"-"`
}

type ChatResponse struct {
	Result
	Response  string `json:"response"`
	SessionID string `json:"session_id,omitempty"`
}

type ScheduleRequest struct {
	Command         string `json:"command"`
	Mode            string `json:"mode,omitempty"`
	IntervalSeconds int    `json:"interval_seconds"`
}

type ScheduleResponse struct {
	Result
	Schedules []store.Schedule `json:"schedules,omitempty"`
}

// SessionSummary is one journal entry in a listing.
type SessionSummary struct {
	ID         string    `json:"session_id"`
	Command    string    `json:"command"`
	Mode       string    `json:"mode"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type SessionListResponse struct {
	Result
	Sessions []SessionSummary `json:"sessions"`
}

type HealthResponse struct {
	Status         string    `json:"status"`
	Modules        []string  `json:"modules"`
	Timestamp      time.Time `json:"timestamp"`
	Uptime         string    `json:"uptime,omitempty"`
	ActiveSessions int       `json:"active_sessions"`
	Connections    int       `json:"connections"`
	LastCommand    string    `json:"last_command,omitempty"`
}
