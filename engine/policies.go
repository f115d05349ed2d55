package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/maestroflow/maestro/expr"
	"github.com/maestroflow/maestro/rpc"
	"github.com/maestroflow/maestro/store"
	"github.com/maestroflow/maestro/workflow"
)

// A policy wraps a task with behavior applied before dispatch and after
// completion. Hooks run inside the engine transaction and may mutate the
// task's state and runtime context; a before hook that leaves the task in a
// state other than RUNNING aborts dispatch, and an after hook that moves a
// completed task back to DELAYED aborts successor evaluation. All policy
// bookkeeping lives in the task's runtime context so it survives restarts.
type policy interface {
	beforeTaskStart(ctx context.Context, p *policyContext) error
	afterTaskComplete(ctx context.Context, p *policyContext, result workflow.TaskResult) error
}

// policyContext carries the transactional surroundings of a policy hook.
type policyContext struct {
	engine *Engine
	tx     store.Tx
	ex     *workflow.Execution
	task   *workflow.TaskExecution
	spec   *workflow.TaskSpec
}

// buildPolicies assembles the ordered policy chain for a task. Task-level
// policies win over workflow task defaults field by field.
func buildPolicies(wf *workflow.Spec, ts *workflow.TaskSpec) []policy {
	p := effectivePolicies(wf, ts)
	var chain []policy
	if p.WaitBefore > 0 {
		chain = append(chain, &waitBeforePolicy{delay: p.WaitBefore})
	}
	if p.WaitAfter > 0 {
		chain = append(chain, &waitAfterPolicy{delay: p.WaitAfter})
	}
	if p.Retry != nil && p.Retry.Count > 0 {
		chain = append(chain, &retryPolicy{spec: p.Retry})
	}
	if p.Timeout > 0 {
		chain = append(chain, &timeoutPolicy{seconds: p.Timeout})
	}
	if p.PauseBefore != "" {
		chain = append(chain, &pauseBeforePolicy{expression: p.PauseBefore})
	}
	if p.Concurrency > 0 {
		chain = append(chain, &concurrencyPolicy{cap: p.Concurrency})
	}
	return chain
}

// effectivePolicies merges the task policies with the workflow task defaults.
func effectivePolicies(wf *workflow.Spec, ts *workflow.TaskSpec) workflow.Policies {
	var out workflow.Policies
	if wf.TaskDefaults != nil {
		out = *wf.TaskDefaults
	}
	if ts.Policies == nil {
		return out
	}
	p := ts.Policies
	if p.WaitBefore > 0 {
		out.WaitBefore = p.WaitBefore
	}
	if p.WaitAfter > 0 {
		out.WaitAfter = p.WaitAfter
	}
	if p.Retry != nil {
		out.Retry = p.Retry
	}
	if p.Timeout > 0 {
		out.Timeout = p.Timeout
	}
	if p.PauseBefore != "" {
		out.PauseBefore = p.PauseBefore
	}
	if p.Concurrency > 0 {
		out.Concurrency = p.Concurrency
	}
	return out
}

// policyBag returns the named sub-map of the task runtime context, creating
// both as needed.
func policyBag(task *workflow.TaskExecution, key string) map[string]any {
	if task.RuntimeContext == nil {
		task.RuntimeContext = make(map[string]any)
	}
	if bag, ok := task.RuntimeContext[key].(map[string]any); ok {
		return bag
	}
	bag := make(map[string]any)
	task.RuntimeContext[key] = bag
	return bag
}

// waitBeforePolicy defers the dispatch of a task by a fixed delay. The skip
// flag distinguishes the initial pass from the re-entry fired by the
// scheduled call.
type waitBeforePolicy struct {
	delay int
}

func (w *waitBeforePolicy) beforeTaskStart(ctx context.Context, p *policyContext) error {
	bag := policyBag(p.task, workflow.WaitBeforePolicyKey)
	if skip, _ := bag["skip"].(bool); skip {
		delete(p.task.RuntimeContext, workflow.WaitBeforePolicyKey)
		return nil
	}
	bag["skip"] = true
	p.task.State = workflow.StateDelayed
	traceTaskDelay(ctx, p.task, workflow.StateIdle, w.delay)
	return p.engine.sched.ScheduleCall(ctx, p.tx, rpc.MethodRunTask, time.Duration(w.delay)*time.Second,
		map[string]any{rpc.ArgTaskExecutionID: p.task.ID}, nil)
}

func (w *waitBeforePolicy) afterTaskComplete(ctx context.Context, p *policyContext, result workflow.TaskResult) error {
	return nil
}

// waitAfterPolicy defers successor evaluation after completion. The original
// result travels through the scheduled-call arguments so the re-entry does
// not depend on re-reading it from the store.
type waitAfterPolicy struct {
	delay int
}

func (w *waitAfterPolicy) beforeTaskStart(ctx context.Context, p *policyContext) error {
	return nil
}

func (w *waitAfterPolicy) afterTaskComplete(ctx context.Context, p *policyContext, result workflow.TaskResult) error {
	bag := policyBag(p.task, workflow.WaitAfterPolicyKey)
	if skip, _ := bag["skip"].(bool); skip {
		delete(p.task.RuntimeContext, workflow.WaitAfterPolicyKey)
		return nil
	}
	bag["skip"] = true
	prev := p.task.State
	p.task.State = workflow.StateDelayed
	traceTaskDelay(ctx, p.task, prev, w.delay)
	return p.engine.sched.ScheduleCall(ctx, p.tx, rpc.MethodOnTaskResult, time.Duration(w.delay)*time.Second,
		map[string]any{
			rpc.ArgTaskExecutionID: p.task.ID,
			rpc.ArgResult:          result,
		},
		map[string]string{rpc.ArgResult: workflow.TaskResultSerializerName},
	)
}

// retryPolicy re-runs a task that completed with an error while the attempt
// budget lasts. The counter is removed on every completion and written back
// only when another attempt is scheduled, so it is absent once the task is
// finally terminal.
type retryPolicy struct {
	spec *workflow.RetrySpec
}

func (r *retryPolicy) beforeTaskStart(ctx context.Context, p *policyContext) error {
	return nil
}

func (r *retryPolicy) afterTaskComplete(ctx context.Context, p *policyContext, result workflow.TaskResult) error {
	bag := policyBag(p.task, workflow.RetryPolicyKey)
	retryNo := intFrom(bag["retry_no"])
	delete(p.task.RuntimeContext, workflow.RetryPolicyKey)

	if !result.IsError() {
		return nil
	}
	if retryNo+1 >= r.spec.Count {
		return nil
	}
	if r.spec.BreakOn != "" {
		// break-on sees the attempt's outcome: the payload is exposed under
		// the task name, and map payloads expose their fields directly on
		// top of the in-context.
		data := cloneMap(p.task.InContext)
		payload := result.Data
		if result.IsError() {
			payload = result.Error
		}
		data[p.task.Name] = payload
		if m, ok := payload.(map[string]any); ok {
			data = mergeMaps(data, m)
		}
		v, err := p.engine.eval.Evaluate(r.spec.BreakOn, data)
		if err != nil {
			return err
		}
		if expr.Truthy(v) {
			return nil
		}
	}

	bag = policyBag(p.task, workflow.RetryPolicyKey)
	bag["retry_no"] = retryNo + 1
	prev := p.task.State
	p.task.State = workflow.StateDelayed
	traceTaskDelay(ctx, p.task, prev, r.spec.Delay)
	return p.engine.sched.ScheduleCall(ctx, p.tx, rpc.MethodRunTask, time.Duration(r.spec.Delay)*time.Second,
		map[string]any{rpc.ArgTaskExecutionID: p.task.ID}, nil)
}

// timeoutPolicy schedules a forced-error callback at dispatch. The callback
// is a no-op if the task completed in time.
type timeoutPolicy struct {
	seconds int
}

func (t *timeoutPolicy) beforeTaskStart(ctx context.Context, p *policyContext) error {
	return p.engine.sched.ScheduleCall(ctx, p.tx, rpc.MethodFailTaskIfIncomplete, time.Duration(t.seconds)*time.Second,
		map[string]any{
			rpc.ArgTaskExecutionID: p.task.ID,
			rpc.ArgTimeout:         t.seconds,
		}, nil)
}

func (t *timeoutPolicy) afterTaskComplete(ctx context.Context, p *policyContext, result workflow.TaskResult) error {
	return nil
}

// pauseBeforePolicy parks the workflow in PAUSED before dispatch when its
// condition holds. The skip flag lets the task proceed after the workflow is
// resumed instead of pausing again.
type pauseBeforePolicy struct {
	expression string
}

func (pb *pauseBeforePolicy) beforeTaskStart(ctx context.Context, p *policyContext) error {
	bag := policyBag(p.task, workflow.PauseBeforePolicyKey)
	if skip, _ := bag["skip"].(bool); skip {
		delete(p.task.RuntimeContext, workflow.PauseBeforePolicyKey)
		return nil
	}
	v, err := p.engine.eval.Evaluate(pb.expression, p.task.InContext)
	if err != nil {
		return err
	}
	if !expr.Truthy(v) {
		delete(p.task.RuntimeContext, workflow.PauseBeforePolicyKey)
		return nil
	}
	bag["skip"] = true
	p.task.State = workflow.StateIdle
	prev := p.ex.State
	p.ex.State = workflow.StatePaused
	p.ex.StateInfo = fmt.Sprintf("Paused before task %q", p.task.Name)
	p.ex.UpdatedAt = time.Now()
	if err := p.tx.UpdateWorkflowExecution(ctx, p.ex); err != nil {
		return err
	}
	traceWorkflow(ctx, p.ex, prev)
	return nil
}

func (pb *pauseBeforePolicy) afterTaskComplete(ctx context.Context, p *policyContext, result workflow.TaskResult) error {
	return nil
}

// concurrencyPolicy records the cap; enforcement happens at dispatch where
// the engine counts RUNNING siblings.
type concurrencyPolicy struct {
	cap int
}

func (c *concurrencyPolicy) beforeTaskStart(ctx context.Context, p *policyContext) error {
	if p.task.RuntimeContext == nil {
		p.task.RuntimeContext = make(map[string]any)
	}
	p.task.RuntimeContext[workflow.ConcurrencyKey] = c.cap
	return nil
}

func (c *concurrencyPolicy) afterTaskComplete(ctx context.Context, p *policyContext, result workflow.TaskResult) error {
	return nil
}

// intFrom converts the numeric representations a runtime-context value can
// take after store round-trips.
func intFrom(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}
