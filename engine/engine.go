// Package engine implements the workflow execution engine: workflow and task
// state machines, the policy pipeline, direct and reverse control-flow
// handlers and action dispatch. Every operation runs inside a single store
// transaction and is guarded by the persisted state, which makes the
// operations idempotent under the scheduler's at-least-once delivery and
// safe under concurrent workers. Side effects that must not happen inside
// the transaction (action dispatch, cascading results) are collected and
// applied after commit.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/clue/log"

	"github.com/maestroflow/maestro/expr"
	"github.com/maestroflow/maestro/rpc"
	"github.com/maestroflow/maestro/scheduler"
	"github.com/maestroflow/maestro/store"
	"github.com/maestroflow/maestro/telemetry"
	"github.com/maestroflow/maestro/workflow"
	"github.com/maestroflow/maestro/workflow/parser"
)

type (
	// Options configures an Engine.
	Options struct {
		// Store is the transactional persistence backend. Required.
		Store store.Store
		// Catalog resolves workflow names to specs. Required.
		Catalog *parser.Catalog
		// Scheduler persists delayed calls for policies and timeouts. Required.
		Scheduler *scheduler.Scheduler
		// Dispatcher hands ready actions off for execution. Required.
		Dispatcher Dispatcher
		// Evaluator is the expression evaluator. Defaults to the jq evaluator.
		Evaluator expr.Evaluator
		// Metrics records engine telemetry. Optional.
		Metrics *telemetry.Metrics
	}

	// Engine is the default EngineClient implementation.
	Engine struct {
		store      store.Store
		catalog    *parser.Catalog
		sched      *scheduler.Scheduler
		dispatcher Dispatcher
		eval       expr.Evaluator
		metrics    *telemetry.Metrics
		schemas    sync.Map // *workflow.Spec -> *jsonschema.Schema
	}

	// effects collects post-commit side effects of one engine transaction.
	effects struct {
		dispatches []*workflow.ActionExecution
		results    []taskResultEffect
	}

	taskResultEffect struct {
		taskExID string
		result   workflow.TaskResult
	}

	// handler is the per-workflow-type control-flow strategy.
	handler interface {
		// initialTasks returns the task specs activated at start.
		initialTasks(ex *workflow.Execution) ([]*workflow.TaskSpec, error)
		// onTaskComplete evaluates successors and termination after a task
		// reached a terminal state and was marked processed.
		onTaskComplete(ctx context.Context, tx store.Tx, ex *workflow.Execution, task *workflow.TaskExecution, eff *effects) error
	}
)

var _ rpc.EngineClient = (*Engine)(nil)

// New returns an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	eval := opts.Evaluator
	if eval == nil {
		eval = expr.New()
	}
	return &Engine{
		store:      opts.Store,
		catalog:    opts.Catalog,
		sched:      opts.Scheduler,
		dispatcher: opts.Dispatcher,
		eval:       eval,
		metrics:    opts.Metrics,
	}, nil
}

// StartWorkflow validates the input, creates a RUNNING execution and
// activates its initial tasks.
func (e *Engine) StartWorkflow(ctx context.Context, workflowName string, input map[string]any, params map[string]any) (*workflow.Execution, error) {
	spec, err := e.catalog.Get(workflowName)
	if err != nil {
		return nil, err
	}
	eff := &effects{}
	var ex *workflow.Execution
	err = e.store.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ex, err = e.startWorkflowTx(ctx, tx, spec, input, params, "", eff)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.metrics.WorkflowStarted(ctx, spec.Name)
	e.applyEffects(ctx, eff)
	return ex, nil
}

// RunTask moves a waiting task into RUNNING and dispatches its action. It is
// the target of delayed activation and retry calls; completed tasks are left
// alone.
func (e *Engine) RunTask(ctx context.Context, taskExID string) error {
	eff := &effects{}
	err := e.store.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		task, err := tx.GetTaskExecution(ctx, taskExID)
		if err != nil {
			return err
		}
		if task.State.Completed() || task.Processed {
			return nil
		}
		ex, err := tx.GetWorkflowExecution(ctx, task.WorkflowExecutionID)
		if err != nil {
			return err
		}
		return e.runTaskTx(ctx, tx, ex, task, eff)
	})
	if err != nil {
		return err
	}
	e.applyEffects(ctx, eff)
	return nil
}

// OnActionComplete records the action outcome and forwards it to the owning
// task within the same transaction.
func (e *Engine) OnActionComplete(ctx context.Context, actionExID string, result workflow.TaskResult) (*workflow.ActionExecution, error) {
	eff := &effects{}
	var actionEx *workflow.ActionExecution
	err := e.store.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.GetActionExecution(ctx, actionExID)
		if err != nil {
			return err
		}
		actionEx = a
		if a.State.Completed() {
			return nil
		}
		if result.IsError() {
			a.State = workflow.StateError
		} else {
			a.State = workflow.StateSuccess
		}
		a.UpdatedAt = time.Now()
		if err := tx.UpdateActionExecution(ctx, a); err != nil {
			return err
		}
		return e.onTaskResultTx(ctx, tx, a.TaskExecutionID, result, eff)
	})
	if err != nil {
		return nil, err
	}
	e.applyEffects(ctx, eff)
	return actionEx, nil
}

// OnTaskResult applies a task result: completion policies, publish, successor
// evaluation. A second call for a processed task is a no-op.
func (e *Engine) OnTaskResult(ctx context.Context, taskExID string, result workflow.TaskResult) error {
	eff := &effects{}
	err := e.store.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return e.onTaskResultTx(ctx, tx, taskExID, result, eff)
	})
	if err != nil {
		return err
	}
	e.applyEffects(ctx, eff)
	return nil
}

// FailTaskIfIncomplete forces a timeout error unless the task has already
// completed. It is the target of the timeout policy callback.
func (e *Engine) FailTaskIfIncomplete(ctx context.Context, taskExID string, timeoutSeconds int) error {
	var due bool
	err := e.store.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		task, err := tx.GetTaskExecution(ctx, taskExID)
		if err != nil {
			return err
		}
		due = !task.State.Completed() && !task.Processed
		return nil
	})
	if err != nil || !due {
		return err
	}
	msg := fmt.Sprintf("Task timed out after %d second(s)", timeoutSeconds)
	return e.OnTaskResult(ctx, taskExID, workflow.ErrorResult(msg))
}

// PauseWorkflow moves a running execution to PAUSED. Tasks already dispatched
// keep running; their results are recorded but successors are held until
// resume.
func (e *Engine) PauseWorkflow(ctx context.Context, execID string) (*workflow.Execution, error) {
	var ex *workflow.Execution
	err := e.store.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ex, err = tx.GetWorkflowExecution(ctx, execID)
		if err != nil {
			return err
		}
		if ex.State.Completed() {
			return fmt.Errorf("workflow execution %q is already completed", execID)
		}
		if ex.State == workflow.StatePaused {
			return nil
		}
		prev := ex.State
		ex.State = workflow.StatePaused
		ex.UpdatedAt = time.Now()
		if err := tx.UpdateWorkflowExecution(ctx, ex); err != nil {
			return err
		}
		traceWorkflow(ctx, ex, prev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ex, nil
}

// ResumeWorkflow moves a paused execution back to RUNNING and re-drives its
// parked tasks.
func (e *Engine) ResumeWorkflow(ctx context.Context, execID string) (*workflow.Execution, error) {
	eff := &effects{}
	var ex *workflow.Execution
	err := e.store.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ex, err = tx.GetWorkflowExecution(ctx, execID)
		if err != nil {
			return err
		}
		if ex.State != workflow.StatePaused {
			return fmt.Errorf("workflow execution %q is not paused", execID)
		}
		ex.State = workflow.StateRunning
		ex.StateInfo = ""
		ex.UpdatedAt = time.Now()
		if err := tx.UpdateWorkflowExecution(ctx, ex); err != nil {
			return err
		}
		traceWorkflow(ctx, ex, workflow.StatePaused)
		idle, err := tx.ListTaskExecutions(ctx, store.TaskFilter{
			WorkflowExecutionID: ex.ID,
			States:              []workflow.State{workflow.StateIdle},
		})
		if err != nil {
			return err
		}
		for _, task := range idle {
			if err := e.runTaskTx(ctx, tx, ex, task, eff); err != nil {
				return err
			}
		}
		// Tasks that completed while the workflow was paused were recorded
		// but never drove their successors; finish them now.
		completed, err := tx.ListTaskExecutions(ctx, store.TaskFilter{
			WorkflowExecutionID: ex.ID,
			States:              []workflow.State{workflow.StateSuccess, workflow.StateError},
		})
		if err != nil {
			return err
		}
		for _, task := range completed {
			if task.Processed {
				continue
			}
			task.Processed = true
			if err := e.persistTask(ctx, tx, task); err != nil {
				return err
			}
			if err := e.handler(ex.Spec).onTaskComplete(ctx, tx, ex, task, eff); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.applyEffects(ctx, eff)
	return ex, nil
}

// StopWorkflow forces an execution into the given terminal state.
func (e *Engine) StopWorkflow(ctx context.Context, execID string, state workflow.State, message string) (*workflow.Execution, error) {
	if state != workflow.StateSuccess && state != workflow.StateError {
		return nil, fmt.Errorf("stop state must be %s or %s, got %q", workflow.StateSuccess, workflow.StateError, state)
	}
	eff := &effects{}
	var ex *workflow.Execution
	err := e.store.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ex, err = tx.GetWorkflowExecution(ctx, execID)
		if err != nil {
			return err
		}
		if ex.State.Completed() {
			return nil
		}
		if state == workflow.StateError {
			return e.failWorkflowTx(ctx, tx, ex, message, eff)
		}
		return e.completeWorkflowTx(ctx, tx, ex, message, eff)
	})
	if err != nil {
		return nil, err
	}
	e.applyEffects(ctx, eff)
	return ex, nil
}

// startWorkflowTx creates and starts one execution. parentTaskID links
// sub-workflow executions to the task that spawned them.
func (e *Engine) startWorkflowTx(ctx context.Context, tx store.Tx, spec *workflow.Spec, input map[string]any, params map[string]any, parentTaskID string, eff *effects) (*workflow.Execution, error) {
	if err := e.validateInput(spec, input); err != nil {
		return nil, err
	}
	if spec.Type == workflow.TypeReverse {
		goal, _ := params["task_name"].(string)
		if goal == "" {
			return nil, &workflow.InvalidInputError{Workflow: spec.Name, Reason: "reverse workflow requires the task_name start parameter"}
		}
		if _, ok := spec.Tasks[goal]; !ok {
			return nil, &workflow.InvalidInputError{Workflow: spec.Name, Reason: fmt.Sprintf("unknown goal task %q", goal)}
		}
	}

	now := time.Now()
	ex := &workflow.Execution{
		ID:           uuid.NewString(),
		WorkflowName: spec.Name,
		Spec:         spec,
		Input:        input,
		Context:      initialContext(spec, input),
		State:        workflow.StateRunning,
		StartParams:  params,
		ParentTaskID: parentTaskID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tx.CreateWorkflowExecution(ctx, ex); err != nil {
		return nil, err
	}

	initial, err := e.handler(ex.Spec).initialTasks(ex)
	if err != nil {
		return nil, err
	}
	if len(initial) == 0 {
		return nil, fmt.Errorf("workflow %q has no startable task", spec.Name)
	}
	for _, ts := range initial {
		if err := e.activateTask(ctx, tx, ex, ts, cloneMap(ex.Context), eff); err != nil {
			return nil, err
		}
	}
	return ex, nil
}

// activateTask creates a task execution in IDLE with the given in-context
// snapshot and immediately attempts to run it.
func (e *Engine) activateTask(ctx context.Context, tx store.Tx, ex *workflow.Execution, ts *workflow.TaskSpec, inContext map[string]any, eff *effects) error {
	now := time.Now()
	task := &workflow.TaskExecution{
		ID:                  uuid.NewString(),
		Name:                ts.Name,
		WorkflowExecutionID: ex.ID,
		WorkflowName:        ex.WorkflowName,
		InContext:           inContext,
		State:               workflow.StateIdle,
		RuntimeContext:      make(map[string]any),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := tx.CreateTaskExecution(ctx, task); err != nil {
		return err
	}
	return e.runTaskTx(ctx, tx, ex, task, eff)
}

// runTaskTx drives one task toward dispatch: before policies, concurrency
// cap, input resolution, then either an action invocation or a sub-workflow
// start. Any state other than RUNNING after the policy chain parks the task.
func (e *Engine) runTaskTx(ctx context.Context, tx store.Tx, ex *workflow.Execution, task *workflow.TaskExecution, eff *effects) error {
	if task.State.Completed() || task.Processed {
		return nil
	}
	ts, ok := ex.Spec.Tasks[task.Name]
	if !ok {
		return fmt.Errorf("task %q is not part of workflow %q", task.Name, ex.WorkflowName)
	}
	if ex.State != workflow.StateRunning {
		task.State = workflow.StateIdle
		return e.persistTask(ctx, tx, task)
	}

	prev := task.State
	task.State = workflow.StateRunning
	pctx := &policyContext{engine: e, tx: tx, ex: ex, task: task, spec: ts}
	for _, pol := range buildPolicies(ex.Spec, ts) {
		if err := pol.beforeTaskStart(ctx, pctx); err != nil {
			return e.applyResultTx(ctx, tx, ex, task, workflow.ErrorResult(err.Error()), eff)
		}
		if task.State != workflow.StateRunning {
			return e.persistTask(ctx, tx, task)
		}
	}

	if cap := intFrom(task.RuntimeContext[workflow.ConcurrencyKey]); cap > 0 {
		running, err := tx.ListTaskExecutions(ctx, store.TaskFilter{
			WorkflowExecutionID: ex.ID,
			Name:                task.Name,
			States:              []workflow.State{workflow.StateRunning},
		})
		if err != nil {
			return err
		}
		n := 0
		for _, sib := range running {
			if sib.ID != task.ID {
				n++
			}
		}
		if n >= cap {
			task.State = workflow.StateIdle
			return e.persistTask(ctx, tx, task)
		}
	}

	traceTask(ctx, task, prev)

	input, err := e.eval.EvaluateMap(ts.Input, task.InContext)
	if err != nil {
		return e.applyResultTx(ctx, tx, ex, task, workflow.ErrorResult(err.Error()), eff)
	}
	task.Input = input

	if ts.Workflow != "" {
		if err := e.persistTask(ctx, tx, task); err != nil {
			return err
		}
		subSpec, err := e.resolveSubWorkflow(ex, ts.Workflow)
		if err != nil {
			return e.applyResultTx(ctx, tx, ex, task, workflow.ErrorResult(err.Error()), eff)
		}
		if _, err := e.startWorkflowTx(ctx, tx, subSpec, input, nil, task.ID, eff); err != nil {
			return e.applyResultTx(ctx, tx, ex, task, workflow.ErrorResult(err.Error()), eff)
		}
		return nil
	}

	actionName := ts.Action
	if actionName == "" {
		actionName = "std.noop"
	}
	now := time.Now()
	actionEx := &workflow.ActionExecution{
		ID:                  uuid.NewString(),
		Name:                actionName,
		TaskExecutionID:     task.ID,
		WorkflowExecutionID: ex.ID,
		Input:               input,
		State:               workflow.StateRunning,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := tx.CreateActionExecution(ctx, actionEx); err != nil {
		return err
	}
	if err := e.persistTask(ctx, tx, task); err != nil {
		return err
	}
	eff.dispatches = append(eff.dispatches, actionEx)
	return nil
}

// onTaskResultTx applies a result to the task identified by taskExID.
func (e *Engine) onTaskResultTx(ctx context.Context, tx store.Tx, taskExID string, result workflow.TaskResult, eff *effects) error {
	task, err := tx.GetTaskExecution(ctx, taskExID)
	if err != nil {
		return err
	}
	if task.Processed {
		return nil
	}
	ex, err := tx.GetWorkflowExecution(ctx, task.WorkflowExecutionID)
	if err != nil {
		return err
	}
	return e.applyResultTx(ctx, tx, ex, task, result, eff)
}

// applyResultTx is the completion path shared by worker callbacks, policy
// re-entries, dispatch failures and timeouts.
func (e *Engine) applyResultTx(ctx context.Context, tx store.Tx, ex *workflow.Execution, task *workflow.TaskExecution, result workflow.TaskResult, eff *effects) error {
	if task.Processed {
		return nil
	}
	ts, ok := ex.Spec.Tasks[task.Name]
	if !ok {
		return fmt.Errorf("task %q is not part of workflow %q", task.Name, ex.WorkflowName)
	}

	prev := task.State
	if result.IsError() {
		task.State = workflow.StateError
		task.StateInfo = result.ErrorString()
	} else {
		task.State = workflow.StateSuccess
		task.StateInfo = ""
	}
	task.Result = &result

	// A completed workflow only records the result; no policies, no
	// successors.
	if ex.State.Completed() {
		traceTask(ctx, task, prev)
		task.Processed = true
		return e.persistTask(ctx, tx, task)
	}

	pctx := &policyContext{engine: e, tx: tx, ex: ex, task: task, spec: ts}
	for _, pol := range buildPolicies(ex.Spec, ts) {
		if err := pol.afterTaskComplete(ctx, pctx, result); err != nil {
			return err
		}
		if task.State == workflow.StateDelayed {
			return e.persistTask(ctx, tx, task)
		}
	}

	if task.State == workflow.StateSuccess && len(ts.Publish) > 0 {
		data := cloneMap(task.InContext)
		data[task.Name] = result.Data
		published, err := e.eval.EvaluateMap(ts.Publish, data)
		if err != nil {
			task.State = workflow.StateError
			task.StateInfo = err.Error()
			errResult := workflow.ErrorResult(err.Error())
			task.Result = &errResult
		} else {
			task.Published = published
			ex.Context = mergeMaps(ex.Context, published)
			if ex.Spec.Type == workflow.TypeReverse {
				ex.Context[task.Name] = published
			}
			ex.UpdatedAt = time.Now()
			if err := tx.UpdateWorkflowExecution(ctx, ex); err != nil {
				return err
			}
		}
	}

	traceTask(ctx, task, prev)

	// A paused workflow records the result but defers successor evaluation:
	// the task stays unprocessed so resume can pick it up.
	if ex.State == workflow.StatePaused {
		if err := e.persistTask(ctx, tx, task); err != nil {
			return err
		}
		e.metrics.TaskCompleted(ctx, task.Name, task.State)
		return nil
	}

	task.Processed = true
	if err := e.persistTask(ctx, tx, task); err != nil {
		return err
	}
	e.metrics.TaskCompleted(ctx, task.Name, task.State)

	if err := e.handler(ex.Spec).onTaskComplete(ctx, tx, ex, task, eff); err != nil {
		return err
	}

	// A completion frees a concurrency slot; re-drive parked siblings.
	if cap := intFrom(task.RuntimeContext[workflow.ConcurrencyKey]); cap > 0 {
		idle, err := tx.ListTaskExecutions(ctx, store.TaskFilter{
			WorkflowExecutionID: ex.ID,
			Name:                task.Name,
			States:              []workflow.State{workflow.StateIdle},
		})
		if err != nil {
			return err
		}
		for _, sib := range idle {
			err := e.sched.ScheduleCall(ctx, tx, rpc.MethodRunTask, 0,
				map[string]any{rpc.ArgTaskExecutionID: sib.ID}, nil)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// completeWorkflowTx moves the execution to SUCCESS, composing its output
// from the final context.
func (e *Engine) completeWorkflowTx(ctx context.Context, tx store.Tx, ex *workflow.Execution, info string, eff *effects) error {
	if ex.State.Completed() {
		return nil
	}
	output, err := e.composeOutput(ex)
	if err != nil {
		return e.failWorkflowTx(ctx, tx, ex, err.Error(), eff)
	}
	prev := ex.State
	ex.Output = output
	ex.State = workflow.StateSuccess
	ex.StateInfo = info
	ex.UpdatedAt = time.Now()
	if err := tx.UpdateWorkflowExecution(ctx, ex); err != nil {
		return err
	}
	traceWorkflow(ctx, ex, prev)
	e.metrics.WorkflowCompleted(ctx, ex.WorkflowName, ex.State)
	if ex.ParentTaskID != "" {
		eff.results = append(eff.results, taskResultEffect{
			taskExID: ex.ParentTaskID,
			result:   workflow.SuccessResult(ex.Output),
		})
	}
	return nil
}

// failWorkflowTx moves the execution to ERROR with an explanation.
func (e *Engine) failWorkflowTx(ctx context.Context, tx store.Tx, ex *workflow.Execution, info string, eff *effects) error {
	if ex.State.Completed() {
		return nil
	}
	prev := ex.State
	ex.State = workflow.StateError
	ex.StateInfo = info
	ex.UpdatedAt = time.Now()
	if err := tx.UpdateWorkflowExecution(ctx, ex); err != nil {
		return err
	}
	traceWorkflow(ctx, ex, prev)
	e.metrics.WorkflowCompleted(ctx, ex.WorkflowName, ex.State)
	if ex.ParentTaskID != "" {
		eff.results = append(eff.results, taskResultEffect{
			taskExID: ex.ParentTaskID,
			result:   workflow.ErrorResult(info),
		})
	}
	return nil
}

func (e *Engine) composeOutput(ex *workflow.Execution) (map[string]any, error) {
	if len(ex.Spec.Output) == 0 {
		return cloneMap(ex.Context), nil
	}
	return e.eval.EvaluateMap(ex.Spec.Output, ex.Context)
}

func (e *Engine) handler(spec *workflow.Spec) handler {
	if spec.Type == workflow.TypeReverse {
		return &reverseHandler{engine: e}
	}
	return &directHandler{engine: e}
}

func (e *Engine) persistTask(ctx context.Context, tx store.Tx, task *workflow.TaskExecution) error {
	task.UpdatedAt = time.Now()
	return tx.UpdateTaskExecution(ctx, task)
}

// Operators read execution progress from the transition trace lines, so they
// carry the name, both states and the delay when one applies.
func traceTask(ctx context.Context, task *workflow.TaskExecution, from workflow.State) {
	if from == task.State {
		return
	}
	log.Printf(ctx, "Task '%s' [%s -> %s]", task.Name, from, task.State)
}

func traceTaskDelay(ctx context.Context, task *workflow.TaskExecution, from workflow.State, delaySec int) {
	log.Printf(ctx, "Task '%s' [%s -> %s, delay = %d sec]", task.Name, from, task.State, delaySec)
}

func traceWorkflow(ctx context.Context, ex *workflow.Execution, from workflow.State) {
	if from == ex.State {
		return
	}
	log.Printf(ctx, "Workflow '%s' [%s -> %s]", ex.WorkflowName, from, ex.State)
}

// applyEffects runs the side effects collected during a committed
// transaction. A synchronous dispatch failure is fed back into the task as an
// error result so the task is not lost.
func (e *Engine) applyEffects(ctx context.Context, eff *effects) {
	for _, actionEx := range eff.dispatches {
		e.metrics.ActionDispatched(ctx, actionEx.Name)
		if err := e.dispatcher.Dispatch(ctx, actionEx); err != nil {
			if _, cerr := e.OnActionComplete(ctx, actionEx.ID, workflow.ErrorResult(err.Error())); cerr != nil {
				log.Errorf(ctx, cerr, "record dispatch failure")
			}
		}
	}
	for _, r := range eff.results {
		if err := e.OnTaskResult(ctx, r.taskExID, r.result); err != nil {
			log.Errorf(ctx, err, "apply cascaded task result")
		}
	}
}

// resolveSubWorkflow looks a sub-workflow name up in the catalog, falling
// back to the parent's workbook qualification.
func (e *Engine) resolveSubWorkflow(ex *workflow.Execution, name string) (*workflow.Spec, error) {
	spec, err := e.catalog.Get(name)
	if err == nil {
		return spec, nil
	}
	if i := strings.LastIndex(ex.WorkflowName, "."); i > 0 {
		if qualified, qerr := e.catalog.Get(ex.WorkflowName[:i+1] + name); qerr == nil {
			return qualified, nil
		}
	}
	return nil, err
}

// validateInput checks the input map against the declared workflow
// parameters using a generated JSON schema: unknown and missing parameters
// both fail.
func (e *Engine) validateInput(spec *workflow.Spec, input map[string]any) error {
	sch, err := e.inputSchema(spec)
	if err != nil {
		return err
	}
	norm, err := normalizeJSON(input)
	if err != nil {
		return &workflow.InvalidInputError{Workflow: spec.Name, Reason: err.Error()}
	}
	if err := sch.Validate(norm); err != nil {
		return &workflow.InvalidInputError{Workflow: spec.Name, Reason: err.Error()}
	}
	return nil
}

func (e *Engine) inputSchema(spec *workflow.Spec) (*jsonschema.Schema, error) {
	if cached, ok := e.schemas.Load(spec); ok {
		return cached.(*jsonschema.Schema), nil
	}
	properties := make(map[string]any, len(spec.Input))
	required := make([]any, 0, len(spec.Input))
	for _, p := range spec.Input {
		properties[p.Name] = map[string]any{}
		if !p.HasDefault {
			required = append(required, p.Name)
		}
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
	compiler := jsonschema.NewCompiler()
	url := "maestro://workflows/" + spec.Name + "/input.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("compile input schema for %q: %w", spec.Name, err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile input schema for %q: %w", spec.Name, err)
	}
	e.schemas.Store(spec, sch)
	return sch, nil
}

// initialContext seeds the workflow context from parameter defaults and the
// caller input.
func initialContext(spec *workflow.Spec, input map[string]any) map[string]any {
	out := make(map[string]any, len(input)+len(spec.Input))
	for _, p := range spec.Input {
		if p.HasDefault {
			out[p.Name] = p.Default
		}
	}
	for k, v := range input {
		out[k] = v
	}
	return out
}

// normalizeJSON converts the input into the value set the schema validator
// accepts by round-tripping through JSON.
func normalizeJSON(m map[string]any) (any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// mergeMaps returns a new map with overlay keys winning over base.
func mergeMaps(base, overlay map[string]any) map[string]any {
	out := cloneMap(base)
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
