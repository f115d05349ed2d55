// Package store defines the transactional persistence boundary of the
// engine: workflow executions, task executions, action invocations, action
// definitions and scheduled calls. Implementations must serialize the effects
// of InTransaction so concurrent engine operations observe a consistent view;
// the engine's correctness under parallel workers rides on this.
package store

import (
	"context"
	"time"

	"github.com/maestroflow/maestro/workflow"
)

type (
	// Tx is the operation set available both inside a transaction and as
	// auto-commit operations directly on a Store.
	Tx interface {
		// CreateWorkflowExecution persists a new execution row.
		CreateWorkflowExecution(ctx context.Context, ex *workflow.Execution) error
		// GetWorkflowExecution loads an execution by ID. Returns
		// workflow.ErrNotFound when missing.
		GetWorkflowExecution(ctx context.Context, id string) (*workflow.Execution, error)
		// UpdateWorkflowExecution persists the current state of an execution.
		UpdateWorkflowExecution(ctx context.Context, ex *workflow.Execution) error
		// ListWorkflowExecutions returns all executions in creation order.
		ListWorkflowExecutions(ctx context.Context) ([]*workflow.Execution, error)

		// CreateTaskExecution persists a new task row.
		CreateTaskExecution(ctx context.Context, task *workflow.TaskExecution) error
		// GetTaskExecution loads a task by ID. Returns workflow.ErrNotFound
		// when missing.
		GetTaskExecution(ctx context.Context, id string) (*workflow.TaskExecution, error)
		// UpdateTaskExecution persists the current state of a task.
		UpdateTaskExecution(ctx context.Context, task *workflow.TaskExecution) error
		// ListTaskExecutions returns tasks matching the filter in creation
		// order.
		ListTaskExecutions(ctx context.Context, filter TaskFilter) ([]*workflow.TaskExecution, error)

		// CreateActionExecution persists a new action invocation row.
		CreateActionExecution(ctx context.Context, action *workflow.ActionExecution) error
		// GetActionExecution loads an action invocation by ID.
		GetActionExecution(ctx context.Context, id string) (*workflow.ActionExecution, error)
		// UpdateActionExecution persists the current state of an invocation.
		UpdateActionExecution(ctx context.Context, action *workflow.ActionExecution) error
		// ListActionExecutions returns the invocations issued for one task in
		// creation order.
		ListActionExecutions(ctx context.Context, taskExecutionID string) ([]*workflow.ActionExecution, error)

		// CreateScheduledCall persists a durable delayed call.
		CreateScheduledCall(ctx context.Context, call *workflow.ScheduledCall) error
		// DeleteScheduledCall removes an invoked call.
		DeleteScheduledCall(ctx context.Context, id string) error

		// CreateActionDefinition persists a new action definition. Returns
		// workflow.ErrDuplicate on name collision.
		CreateActionDefinition(ctx context.Context, def *workflow.ActionDefinition) error
		// GetActionDefinition loads a definition by name. Returns
		// workflow.ErrNotFound when missing.
		GetActionDefinition(ctx context.Context, name string) (*workflow.ActionDefinition, error)
		// UpdateActionDefinition persists the current state of a definition.
		UpdateActionDefinition(ctx context.Context, def *workflow.ActionDefinition) error
		// ListActionDefinitions returns all definitions in creation order.
		ListActionDefinitions(ctx context.Context) ([]*workflow.ActionDefinition, error)
	}

	// Store is the full persistence contract. Operations called directly on
	// the Store auto-commit; InTransaction groups operations atomically.
	Store interface {
		Tx

		// InTransaction runs fn within a single transaction. The Tx passed to
		// fn must not be retained after fn returns. A non-nil error from fn
		// aborts the transaction.
		InTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

		// ClaimDueCalls atomically claims up to limit scheduled calls that
		// are due (execute_at <= now) and unclaimed (locked_until < now) by
		// advancing their lease to now+lease. Claims are visible to
		// concurrent pollers immediately, outside any caller transaction.
		ClaimDueCalls(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*workflow.ScheduledCall, error)
	}

	// TaskFilter narrows ListTaskExecutions. Zero fields match everything.
	TaskFilter struct {
		// WorkflowExecutionID restricts tasks to one execution.
		WorkflowExecutionID string
		// Name restricts tasks to one spec name.
		Name string
		// States restricts tasks to the given states.
		States []workflow.State
	}
)

// Matches reports whether the task satisfies the filter.
func (f TaskFilter) Matches(task *workflow.TaskExecution) bool {
	if f.WorkflowExecutionID != "" && task.WorkflowExecutionID != f.WorkflowExecutionID {
		return false
	}
	if f.Name != "" && task.Name != f.Name {
		return false
	}
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if task.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
