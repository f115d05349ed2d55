package engine

import (
	"context"
	"fmt"

	"github.com/maestroflow/maestro/expr"
	"github.com/maestroflow/maestro/store"
	"github.com/maestroflow/maestro/workflow"
)

// directHandler implements forward edge-driven control flow: each task lists
// its successors through on-success, on-error and on-complete edges, joins
// gate multi-predecessor tasks, and sentinels terminate the workflow from
// within an edge list.
type directHandler struct {
	engine *Engine
}

func (h *directHandler) initialTasks(ex *workflow.Execution) ([]*workflow.TaskSpec, error) {
	return ex.Spec.InitialDirectTasks(), nil
}

func (h *directHandler) onTaskComplete(ctx context.Context, tx store.Tx, ex *workflow.Execution, task *workflow.TaskExecution, eff *effects) error {
	if ex.State != workflow.StateRunning {
		return nil
	}
	ts := ex.Spec.Tasks[task.Name]

	var candidates []workflow.Edge
	if task.State == workflow.StateSuccess {
		candidates = append(candidates, ts.OnSuccess...)
	} else {
		candidates = append(candidates, ts.OnError...)
	}
	candidates = append(candidates, ts.OnComplete...)

	data := mergeMaps(ex.Context, task.Published)
	if task.Result != nil {
		data[task.Name] = task.Result.Data
	}

	handled := false
	for _, edge := range candidates {
		if edge.Condition != "" {
			v, err := h.engine.eval.Evaluate(edge.Condition, data)
			if err != nil {
				return err
			}
			if !expr.Truthy(v) {
				continue
			}
		}
		switch edge.Task {
		case workflow.SentinelNoop:
			handled = true
		case workflow.SentinelSucceed:
			// Later entries are not activated.
			return h.engine.completeWorkflowTx(ctx, tx, ex, "", eff)
		case workflow.SentinelFail:
			return h.engine.failWorkflowTx(ctx, tx, ex, fmt.Sprintf("Workflow stopped by 'fail' edge of task %q", task.Name), eff)
		default:
			handled = true
			if err := h.activate(ctx, tx, ex, edge.Task, eff); err != nil {
				return err
			}
		}
	}

	if task.State == workflow.StateError && !handled {
		return h.engine.failWorkflowTx(ctx, tx, ex,
			fmt.Sprintf("Failure caused by error in tasks: %s", task.Name), eff)
	}

	incomplete, err := tx.ListTaskExecutions(ctx, store.TaskFilter{
		WorkflowExecutionID: ex.ID,
		States:              []workflow.State{workflow.StateIdle, workflow.StateRunning, workflow.StateDelayed},
	})
	if err != nil {
		return err
	}
	if len(incomplete) == 0 && ex.State == workflow.StateRunning {
		return h.engine.completeWorkflowTx(ctx, tx, ex, "", eff)
	}
	return nil
}

// activate creates and runs the named successor. Join targets go through
// readiness evaluation and are created at most once per execution.
func (h *directHandler) activate(ctx context.Context, tx store.Tx, ex *workflow.Execution, name string, eff *effects) error {
	ts, ok := ex.Spec.Tasks[name]
	if !ok {
		return fmt.Errorf("task %q is not part of workflow %q", name, ex.WorkflowName)
	}
	if ts.Join != nil {
		return h.activateJoin(ctx, tx, ex, ts, eff)
	}
	return h.engine.activateTask(ctx, tx, ex, ts, cloneMap(ex.Context), eff)
}

func (h *directHandler) activateJoin(ctx context.Context, tx store.Tx, ex *workflow.Execution, ts *workflow.TaskSpec, eff *effects) error {
	existing, err := tx.ListTaskExecutions(ctx, store.TaskFilter{
		WorkflowExecutionID: ex.ID,
		Name:                ts.Name,
	})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	preds := ex.Spec.Predecessors(ts.Name)
	terminal := 0
	for _, pred := range preds {
		latest, err := h.latestTask(ctx, tx, ex.ID, pred)
		if err != nil {
			return err
		}
		if latest != nil && latest.State.Completed() {
			terminal++
		}
	}

	need := len(preds)
	switch {
	case ts.Join.Kind == workflow.JoinOne:
		need = 1
	case ts.Join.Kind == "" && ts.Join.Count > 0:
		need = ts.Join.Count
		// An N beyond the predecessor count degrades to a full join.
		if need > len(preds) {
			need = len(preds)
		}
	}
	if terminal < need {
		return nil
	}

	// The workflow context already holds every predecessor's publishes in
	// completion order, so its snapshot is the last-completer-wins merge.
	return h.engine.activateTask(ctx, tx, ex, ts, cloneMap(ex.Context), eff)
}

// latestTask returns the most recently created execution of the named task,
// or nil when the task never ran. Cyclic graphs can run a task several times;
// the join decision uses the latest state.
func (h *directHandler) latestTask(ctx context.Context, tx store.Tx, execID, name string) (*workflow.TaskExecution, error) {
	tasks, err := tx.ListTaskExecutions(ctx, store.TaskFilter{
		WorkflowExecutionID: execID,
		Name:                name,
	})
	if err != nil {
		return nil, err
	}
	var latest *workflow.TaskExecution
	for _, t := range tasks {
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	return latest, nil
}
