package rule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ottohome/ottoengine/internal/enginelog"
	"github.com/ottohome/ottoengine/internal/model"
)

// ErrConditionFalse is returned by a ConditionAction whose condition
// evaluated false. It aborts the containing sequence without failing
// the rule invocation.
var ErrConditionFalse = errors.New("condition evaluated false")

// Action is one step of an action sequence. Execute blocks until the
// step completes or ctx is cancelled.
type Action interface {
	Execute(ctx context.Context, env Env) error
	Serialize() map[string]any
}

// ServiceAction invokes a remote service with optional data.
type ServiceAction struct {
	Domain  string
	Service string
	Data    map[string]any
}

func (a *ServiceAction) Execute(ctx context.Context, env Env) error {
	call := model.NewServiceCall(a.Domain, a.Service, a.Data)
	if err := env.CallService(ctx, call); err != nil {
		return fmt.Errorf("call %s.%s: %w", a.Domain, a.Service, err)
	}
	env.EngineLog().Add(enginelog.TypeServiceCalled, map[string]any{
		"domain":       a.Domain,
		"service":      a.Service,
		"service_data": call.ServiceData,
	})
	return nil
}

func (a *ServiceAction) Serialize() map[string]any {
	d := map[string]any{
		"domain":  a.Domain,
		"service": a.Service,
	}
	if len(a.Data) > 0 {
		d["data"] = a.Data
	}
	return d
}

// ConditionAction evaluates an inline condition mid-sequence. False
// stops the rest of the sequence via ErrConditionFalse.
type ConditionAction struct {
	Condition Condition
}

func (a *ConditionAction) Execute(ctx context.Context, env Env) error {
	if !a.Condition.Evaluate(env) {
		return ErrConditionFalse
	}
	return nil
}

func (a *ConditionAction) Serialize() map[string]any {
	return a.Condition.Serialize()
}

// DelayAction pauses the sequence. Cancellation of ctx aborts the wait.
type DelayAction struct {
	Delay time.Duration
}

func (a *DelayAction) Execute(ctx context.Context, env Env) error {
	timer := time.NewTimer(a.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (a *DelayAction) Serialize() map[string]any {
	return map[string]any{"delay": formatOffset(a.Delay)}
}

// LogAction writes a message to the engine log.
type LogAction struct {
	Message string
}

func (a *LogAction) Execute(ctx context.Context, env Env) error {
	env.EngineLog().Add(enginelog.TypeDebug, map[string]any{"message": a.Message})
	return nil
}

func (a *LogAction) Serialize() map[string]any {
	return map[string]any{"log_message": a.Message}
}
