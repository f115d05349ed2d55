// Package rpc defines the engine invocation contract. The engine, the HTTP
// API, the action worker and the scheduler all speak through EngineClient,
// so the engine can run in-process today and behind a transport later
// without touching callers.
package rpc

import (
	"context"
	"fmt"

	"github.com/maestroflow/maestro/scheduler"
	"github.com/maestroflow/maestro/workflow"
)

// Scheduled-call method names. Calls persisted under these names survive
// restarts, so the strings are part of the durable format and must not
// change.
const (
	MethodRunTask              = "engine.run_task"
	MethodOnTaskResult         = "engine.on_task_result"
	MethodFailTaskIfIncomplete = "engine.policies.fail_task_if_incomplete"
)

// Argument names used by scheduled engine calls.
const (
	ArgTaskExecutionID = "task_ex_id"
	ArgResult          = "result"
	ArgTimeout         = "timeout"
)

// EngineClient is the full engine operation surface.
type EngineClient interface {
	// StartWorkflow validates input, creates an execution and activates its
	// initial tasks.
	StartWorkflow(ctx context.Context, workflowName string, input map[string]any, params map[string]any) (*workflow.Execution, error)
	// RunTask moves a waiting task into RUNNING and dispatches its action.
	// It is the target of delayed activation and retry calls and is
	// idempotent for completed tasks.
	RunTask(ctx context.Context, taskExID string) error
	// OnActionComplete records an action result and forwards it to the
	// owning task.
	OnActionComplete(ctx context.Context, actionExID string, result workflow.TaskResult) (*workflow.ActionExecution, error)
	// OnTaskResult applies a task result: policies, completion, successor
	// evaluation. Idempotent once the task is processed.
	OnTaskResult(ctx context.Context, taskExID string, result workflow.TaskResult) error
	// FailTaskIfIncomplete fails the task with a timeout message unless it
	// has already completed.
	FailTaskIfIncomplete(ctx context.Context, taskExID string, timeoutSeconds int) error
	// PauseWorkflow moves a RUNNING execution to PAUSED.
	PauseWorkflow(ctx context.Context, execID string) (*workflow.Execution, error)
	// ResumeWorkflow moves a PAUSED execution back to RUNNING and re-drives
	// its waiting tasks.
	ResumeWorkflow(ctx context.Context, execID string) (*workflow.Execution, error)
	// StopWorkflow forces an execution into SUCCESS or ERROR with a message.
	StopWorkflow(ctx context.Context, execID string, state workflow.State, message string) (*workflow.Execution, error)
}

// RegisterSchedulerTargets wires the engine methods invoked by durable
// delayed calls into the scheduler's target registry.
func RegisterSchedulerTargets(s *scheduler.Scheduler, client EngineClient) {
	s.RegisterTarget(MethodRunTask, func(ctx context.Context, args map[string]any) error {
		id, err := stringArg(args, ArgTaskExecutionID)
		if err != nil {
			return err
		}
		return client.RunTask(ctx, id)
	})
	s.RegisterTarget(MethodOnTaskResult, func(ctx context.Context, args map[string]any) error {
		id, err := stringArg(args, ArgTaskExecutionID)
		if err != nil {
			return err
		}
		result, err := resultArg(args, ArgResult)
		if err != nil {
			return err
		}
		return client.OnTaskResult(ctx, id, result)
	})
	s.RegisterTarget(MethodFailTaskIfIncomplete, func(ctx context.Context, args map[string]any) error {
		id, err := stringArg(args, ArgTaskExecutionID)
		if err != nil {
			return err
		}
		timeout, _ := intArg(args, ArgTimeout)
		return client.FailTaskIfIncomplete(ctx, id, timeout)
	})
}

func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("scheduled call argument %q is missing or not a string", name)
	}
	return v, nil
}

func resultArg(args map[string]any, name string) (workflow.TaskResult, error) {
	switch t := args[name].(type) {
	case workflow.TaskResult:
		return t, nil
	case *workflow.TaskResult:
		return *t, nil
	default:
		return workflow.TaskResult{}, fmt.Errorf("scheduled call argument %q is not a task result", name)
	}
}

func intArg(args map[string]any, name string) (int, bool) {
	switch t := args[name].(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}
