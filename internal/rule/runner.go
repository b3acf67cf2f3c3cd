package rule

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ottohome/ottoengine/internal/enginelog"
)

// Runner executes rule invocations. Each invocation runs on its own
// goroutine; the runner only reads engine state through Env, so
// concurrent invocations are safe.
type Runner struct {
	env    Env
	logger *slog.Logger
}

// NewRunner builds a Runner over the given environment.
func NewRunner(env Env, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{env: env, logger: logger}
}

// Invoke runs one firing of a rule. For event-driven firings ev is the
// matched event and the trigger is re-checked against it; for
// scheduled firings ev is nil and the check is skipped. A panic
// anywhere in the invocation is contained here.
func (r *Runner) Invoke(ctx context.Context, rule *AutomationRule, trigger Trigger, ev any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("rule invocation panicked", "rule_id", rule.ID, "panic", rec)
			r.env.EngineLog().AddError("rule " + rule.ID + " panicked")
		}
	}()

	if !rule.Enabled {
		return
	}

	if ev != nil {
		matcher, ok := trigger.(EventMatcher)
		if !ok || !matcher.MatchesEvent(ev) {
			return
		}
	}
	r.env.EngineLog().Add(enginelog.TypeTriggerFired, map[string]any{
		"rule_id":  rule.ID,
		"platform": trigger.Platform(),
	})

	if rule.RuleCondition != nil {
		passed := rule.RuleCondition.Evaluate(r.env)
		r.env.EngineLog().Add(enginelog.TypeConditionTested, map[string]any{
			"rule_id": rule.ID,
			"result":  passed,
		})
		if !passed {
			return
		}
		r.env.EngineLog().Add(enginelog.TypeConditionPassed, map[string]any{
			"rule_id": rule.ID,
		})
	}

	for i, seq := range rule.Actions {
		if seq.Condition != nil && !seq.Condition.Evaluate(r.env) {
			r.logger.Debug("action sequence gated off",
				"rule_id", rule.ID, "sequence", i)
			continue
		}
		if err := r.runSequence(ctx, rule, i, seq); err != nil {
			return
		}
	}
	r.env.EngineLog().Add(enginelog.TypeRuleCompleted, map[string]any{
		"rule_id": rule.ID,
	})
}

// runSequence runs one sequence's steps in order. A false mid-sequence
// condition stops this sequence only (nil return); any other failure
// aborts the whole invocation (non-nil return).
func (r *Runner) runSequence(ctx context.Context, rule *AutomationRule, idx int, seq *ActionSequence) error {
	for step, action := range seq.Sequence {
		err := action.Execute(ctx, r.env)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrConditionFalse) {
			r.logger.Info("sequence stopped by condition",
				"rule_id", rule.ID, "sequence", idx, "step", step)
			return nil
		}
		r.logger.Error("action failed",
			"rule_id", rule.ID, "sequence", idx, "step", step, "error", err)
		r.env.EngineLog().AddError("rule " + rule.ID + ": " + err.Error())
		return err
	}
	return nil
}
