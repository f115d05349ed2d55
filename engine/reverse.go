package engine

import (
	"context"
	"fmt"

	"github.com/maestroflow/maestro/store"
	"github.com/maestroflow/maestro/workflow"
)

// reverseHandler implements goal-driven control flow: the start parameters
// name a goal task, the handler pulls in the transitive closure of its
// requires dependencies and activates tasks as their requirements succeed.
// The workflow completes when the goal succeeds and fails when any required
// task errors.
type reverseHandler struct {
	engine *Engine
}

func (h *reverseHandler) goal(ex *workflow.Execution) (string, error) {
	goal, _ := ex.StartParams["task_name"].(string)
	if goal == "" {
		return "", fmt.Errorf("execution %q has no goal task", ex.ID)
	}
	return goal, nil
}

func (h *reverseHandler) initialTasks(ex *workflow.Execution) ([]*workflow.TaskSpec, error) {
	goal, err := h.goal(ex)
	if err != nil {
		return nil, err
	}
	closure := ex.Spec.RequiresClosure(goal)
	var initial []*workflow.TaskSpec
	for _, name := range ex.Spec.TaskOrder {
		if !closure[name] {
			continue
		}
		ts := ex.Spec.Tasks[name]
		if len(ts.Requires) == 0 {
			initial = append(initial, ts)
		}
	}
	return initial, nil
}

func (h *reverseHandler) onTaskComplete(ctx context.Context, tx store.Tx, ex *workflow.Execution, task *workflow.TaskExecution, eff *effects) error {
	if ex.State != workflow.StateRunning {
		return nil
	}
	if task.State == workflow.StateError {
		return h.engine.failWorkflowTx(ctx, tx, ex,
			fmt.Sprintf("Failure caused by error in tasks: %s", task.Name), eff)
	}

	goal, err := h.goal(ex)
	if err != nil {
		return err
	}
	if task.Name == goal {
		return h.engine.completeWorkflowTx(ctx, tx, ex, "", eff)
	}

	closure := ex.Spec.RequiresClosure(goal)
	for _, name := range ex.Spec.TaskOrder {
		if !closure[name] {
			continue
		}
		ts := ex.Spec.Tasks[name]
		if len(ts.Requires) == 0 {
			continue
		}
		existing, err := tx.ListTaskExecutions(ctx, store.TaskFilter{
			WorkflowExecutionID: ex.ID,
			Name:                name,
		})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			continue
		}
		ready, err := h.requiresSatisfied(ctx, tx, ex, ts)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		if err := h.engine.activateTask(ctx, tx, ex, ts, cloneMap(ex.Context), eff); err != nil {
			return err
		}
	}
	return nil
}

// requiresSatisfied reports whether every required task has a successful
// execution.
func (h *reverseHandler) requiresSatisfied(ctx context.Context, tx store.Tx, ex *workflow.Execution, ts *workflow.TaskSpec) (bool, error) {
	for _, req := range ts.Requires {
		done, err := tx.ListTaskExecutions(ctx, store.TaskFilter{
			WorkflowExecutionID: ex.ID,
			Name:                req,
			States:              []workflow.State{workflow.StateSuccess},
		})
		if err != nil {
			return false, err
		}
		if len(done) == 0 {
			return false, nil
		}
	}
	return true, nil
}
