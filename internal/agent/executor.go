package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rahul/jarvis/internal/capability"
	apperrors "github.com/rahul/jarvis/internal/errors"
	"github.com/rahul/jarvis/internal/governance"
	"github.com/rahul/jarvis/internal/observability"
	"github.com/rahul/jarvis/internal/planner"
)

// Executor performs single steps against the capability providers. Input
// actions pass the policy engine first.
type Executor struct {
	perceiver capability.Perceiver
	actuator  capability.Actuator
	policy    governance.PolicyEngine
	timeout   time.Duration
	logger    *zap.Logger
}

type ExecutorOption func(*Executor)

// WithPolicy checks every input action before it reaches the actuator.
func WithPolicy(p governance.PolicyEngine) ExecutorOption {
	return func(e *Executor) { e.policy = p }
}

// WithActionTimeout bounds each provider call. Zero means no bound.
func WithActionTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

func NewExecutor(perceiver capability.Perceiver, actuator capability.Actuator, logger *zap.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		perceiver: perceiver,
		actuator:  actuator,
		logger:    logger.Named("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one plan step and always returns a result.
func (e *Executor) Execute(ctx context.Context, sessionID string, step planner.Step) StepResult {
	res := StepResult{StepID: step.ID, Action: step.Action, StartedAt: time.Now()}

	out, err := e.Invoke(ctx, sessionID, step.Action, step.Parameters)
	res.FinishedAt = time.Now()
	observability.StepDuration.WithLabelValues(string(step.Action)).Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())

	if err != nil {
		res.Status = StepFailed
		res.Error = apperrors.Ensure(err, apperrors.KindInternal)
		kind := apperrors.KindOf(err)
		observability.StepFailures.WithLabelValues(string(kind)).Inc()
		e.logger.Warn("step failed",
			zap.String("session_id", sessionID),
			zap.Int("step", step.ID),
			zap.String("action", string(step.Action)),
			zap.String("kind", string(kind)),
			zap.Error(err))
	} else {
		res.Status = StepSucceeded
		res.Output = &out
		e.logger.Debug("step succeeded",
			zap.String("session_id", sessionID),
			zap.Int("step", step.ID),
			zap.String("action", string(step.Action)))
	}
	observability.StepsTotal.WithLabelValues(string(step.Action), string(res.Status)).Inc()
	return res
}

// Invoke dispatches one action to the provider owning it. Errors are always
// *apperrors.Error.
func (e *Executor) Invoke(ctx context.Context, sessionID string, action capability.Action, params capability.Params) (out capability.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.KindInternal, "%s panicked: %v", action, r)
		}
	}()

	switch {
	case action.IsComposite():
		return e.composite(ctx, sessionID, params)
	case action.IsVision():
		return e.bounded(ctx, apperrors.KindPerception, func(ctx context.Context) (capability.Output, error) {
			return e.perceiver.Perceive(ctx, action, params)
		})
	case action.IsInput():
		if err := e.authorize(ctx, sessionID, action, params); err != nil {
			return capability.Output{}, err
		}
		return e.bounded(ctx, apperrors.KindAction, func(ctx context.Context) (capability.Output, error) {
			return e.actuator.Act(ctx, action, params)
		})
	}
	return capability.Output{}, apperrors.UnknownAction(string(action))
}

func (e *Executor) authorize(ctx context.Context, sessionID string, action capability.Action, params capability.Params) error {
	if e.policy == nil {
		return nil
	}
	res, err := e.policy.Evaluate(ctx, governance.Request{
		Action:    string(action),
		Arguments: capability.Describe(action, params),
		SessionID: sessionID,
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindAction, "policy evaluation failed")
	}
	if res.Effect == governance.EffectDeny {
		e.logger.Warn("action denied by policy", zap.String("action", string(action)), zap.String("reason", res.Reason))
		return apperrors.New(apperrors.KindAction, "policy denied %s: %s", action, res.Reason)
	}
	return nil
}

// bounded applies the per-call timeout. A timeout of the call itself is a
// provider failure, not a cancellation.
func (e *Executor) bounded(ctx context.Context, kind apperrors.Kind, call func(context.Context) (capability.Output, error)) (capability.Output, error) {
	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	out, err := call(callCtx)
	if err == nil {
		return out, nil
	}
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return capability.Output{}, apperrors.New(kind, "timed out after %s", e.timeout)
	}
	return capability.Output{}, apperrors.Ensure(err, kind)
}

// composite runs the sub-steps in order and stops at the first failure.
func (e *Executor) composite(ctx context.Context, sessionID string, params capability.Params) (capability.Output, error) {
	subs, err := planner.Step{Action: capability.ActionComposite, Parameters: params}.SubSteps()
	if err != nil {
		return capability.Output{}, err
	}
	outputs := make([]capability.Output, 0, len(subs))
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return capability.Output{}, apperrors.Ensure(err, apperrors.KindCancelled)
		}
		out, err := e.Invoke(ctx, sessionID, sub.Action, sub.Parameters)
		if err != nil {
			ae := apperrors.Ensure(err, apperrors.KindAction)
			return capability.Output{}, &apperrors.Error{
				Kind:    ae.Kind,
				Message: fmt.Sprintf("sub-step %d (%s): %s", sub.ID, sub.Action, ae.Message),
				Cause:   ae,
			}
		}
		outputs = append(outputs, out)
	}
	return capability.Output{
		Message: fmt.Sprintf("Ran %d sub-steps", len(outputs)),
		Data:    map[string]any{"steps": outputs},
	}, nil
}
