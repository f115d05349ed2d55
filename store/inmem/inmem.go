// Package inmem provides an in-memory implementation of the store.
//
// This implementation is suitable for development, testing, and single-node
// deployments where persistence across restarts is not required. A single
// mutex serializes transactions, which gives the engine the same
// transactional guarantees the MongoDB store provides through sessions.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/maestroflow/maestro/store"
	"github.com/maestroflow/maestro/workflow"
)

// Store is an in-memory implementation of store.Store. It is safe for
// concurrent use.
type Store struct {
	mu sync.Mutex
	t  tables
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

type tables struct {
	executions   map[string]*workflow.Execution
	execOrder    []string
	tasks        map[string]*workflow.TaskExecution
	taskOrder    []string
	actions      map[string]*workflow.ActionExecution
	actionOrder  []string
	calls        map[string]*workflow.ScheduledCall
	callOrder    []string
	definitions  map[string]*workflow.ActionDefinition
	defnOrder    []string
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		t: tables{
			executions:  make(map[string]*workflow.Execution),
			tasks:       make(map[string]*workflow.TaskExecution),
			actions:     make(map[string]*workflow.ActionExecution),
			calls:       make(map[string]*workflow.ScheduledCall),
			definitions: make(map[string]*workflow.ActionDefinition),
		},
	}
}

// InTransaction runs fn while holding the store mutex so the grouped
// operations are atomic with respect to every other store access.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx, &tx{t: &s.t})
}

// ClaimDueCalls claims up to limit due, unclaimed scheduled calls.
func (s *Store) ClaimDueCalls(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*workflow.ScheduledCall, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []*workflow.ScheduledCall
	for _, id := range s.t.callOrder {
		if len(claimed) >= limit {
			break
		}
		call, ok := s.t.calls[id]
		if !ok || call.Processed {
			continue
		}
		if call.ExecuteAt.After(now) || call.LockedUntil.After(now) {
			continue
		}
		call.LockedUntil = now.Add(lease)
		claimed = append(claimed, clone(call))
	}
	return claimed, nil
}

// tx implements store.Tx against the shared tables. The caller holds the
// store mutex for the duration of the transaction.
type tx struct {
	t *tables
}

var _ store.Tx = (*tx)(nil)

func (x *tx) CreateWorkflowExecution(_ context.Context, ex *workflow.Execution) error {
	if ex.ID == "" {
		return fmt.Errorf("workflow execution id is required")
	}
	x.t.executions[ex.ID] = clone(ex)
	x.t.execOrder = append(x.t.execOrder, ex.ID)
	return nil
}

func (x *tx) GetWorkflowExecution(_ context.Context, id string) (*workflow.Execution, error) {
	ex, ok := x.t.executions[id]
	if !ok {
		return nil, fmt.Errorf("workflow execution %q: %w", id, workflow.ErrNotFound)
	}
	return clone(ex), nil
}

func (x *tx) UpdateWorkflowExecution(_ context.Context, ex *workflow.Execution) error {
	if _, ok := x.t.executions[ex.ID]; !ok {
		return fmt.Errorf("workflow execution %q: %w", ex.ID, workflow.ErrNotFound)
	}
	x.t.executions[ex.ID] = clone(ex)
	return nil
}

func (x *tx) ListWorkflowExecutions(_ context.Context) ([]*workflow.Execution, error) {
	out := make([]*workflow.Execution, 0, len(x.t.execOrder))
	for _, id := range x.t.execOrder {
		out = append(out, clone(x.t.executions[id]))
	}
	return out, nil
}

func (x *tx) CreateTaskExecution(_ context.Context, task *workflow.TaskExecution) error {
	if task.ID == "" {
		return fmt.Errorf("task execution id is required")
	}
	x.t.tasks[task.ID] = clone(task)
	x.t.taskOrder = append(x.t.taskOrder, task.ID)
	return nil
}

func (x *tx) GetTaskExecution(_ context.Context, id string) (*workflow.TaskExecution, error) {
	task, ok := x.t.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task execution %q: %w", id, workflow.ErrNotFound)
	}
	return clone(task), nil
}

func (x *tx) UpdateTaskExecution(_ context.Context, task *workflow.TaskExecution) error {
	if _, ok := x.t.tasks[task.ID]; !ok {
		return fmt.Errorf("task execution %q: %w", task.ID, workflow.ErrNotFound)
	}
	x.t.tasks[task.ID] = clone(task)
	return nil
}

func (x *tx) ListTaskExecutions(_ context.Context, filter store.TaskFilter) ([]*workflow.TaskExecution, error) {
	var out []*workflow.TaskExecution
	for _, id := range x.t.taskOrder {
		task := x.t.tasks[id]
		if filter.Matches(task) {
			out = append(out, clone(task))
		}
	}
	return out, nil
}

func (x *tx) CreateActionExecution(_ context.Context, action *workflow.ActionExecution) error {
	if action.ID == "" {
		return fmt.Errorf("action execution id is required")
	}
	x.t.actions[action.ID] = clone(action)
	x.t.actionOrder = append(x.t.actionOrder, action.ID)
	return nil
}

func (x *tx) GetActionExecution(_ context.Context, id string) (*workflow.ActionExecution, error) {
	action, ok := x.t.actions[id]
	if !ok {
		return nil, fmt.Errorf("action execution %q: %w", id, workflow.ErrNotFound)
	}
	return clone(action), nil
}

func (x *tx) UpdateActionExecution(_ context.Context, action *workflow.ActionExecution) error {
	if _, ok := x.t.actions[action.ID]; !ok {
		return fmt.Errorf("action execution %q: %w", action.ID, workflow.ErrNotFound)
	}
	x.t.actions[action.ID] = clone(action)
	return nil
}

func (x *tx) ListActionExecutions(_ context.Context, taskExecutionID string) ([]*workflow.ActionExecution, error) {
	var out []*workflow.ActionExecution
	for _, id := range x.t.actionOrder {
		action := x.t.actions[id]
		if taskExecutionID == "" || action.TaskExecutionID == taskExecutionID {
			out = append(out, clone(action))
		}
	}
	return out, nil
}

func (x *tx) CreateScheduledCall(_ context.Context, call *workflow.ScheduledCall) error {
	if call.ID == "" {
		return fmt.Errorf("scheduled call id is required")
	}
	x.t.calls[call.ID] = clone(call)
	x.t.callOrder = append(x.t.callOrder, call.ID)
	return nil
}

func (x *tx) DeleteScheduledCall(_ context.Context, id string) error {
	delete(x.t.calls, id)
	return nil
}

func (x *tx) CreateActionDefinition(_ context.Context, def *workflow.ActionDefinition) error {
	if _, dup := x.t.definitions[def.Name]; dup {
		return fmt.Errorf("action %q: %w", def.Name, workflow.ErrDuplicate)
	}
	x.t.definitions[def.Name] = clone(def)
	x.t.defnOrder = append(x.t.defnOrder, def.Name)
	return nil
}

func (x *tx) GetActionDefinition(_ context.Context, name string) (*workflow.ActionDefinition, error) {
	def, ok := x.t.definitions[name]
	if !ok {
		return nil, fmt.Errorf("action %q: %w", name, workflow.ErrNotFound)
	}
	return clone(def), nil
}

func (x *tx) UpdateActionDefinition(_ context.Context, def *workflow.ActionDefinition) error {
	if _, ok := x.t.definitions[def.Name]; !ok {
		return fmt.Errorf("action %q: %w", def.Name, workflow.ErrNotFound)
	}
	x.t.definitions[def.Name] = clone(def)
	return nil
}

func (x *tx) ListActionDefinitions(_ context.Context) ([]*workflow.ActionDefinition, error) {
	out := make([]*workflow.ActionDefinition, 0, len(x.t.defnOrder))
	for _, name := range x.t.defnOrder {
		out = append(out, clone(x.t.definitions[name]))
	}
	return out, nil
}

// Auto-commit operations delegate to a single-operation transaction.

func (s *Store) CreateWorkflowExecution(ctx context.Context, ex *workflow.Execution) error {
	return s.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateWorkflowExecution(ctx, ex)
	})
}

func (s *Store) GetWorkflowExecution(ctx context.Context, id string) (ex *workflow.Execution, err error) {
	err = s.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		ex, err = tx.GetWorkflowExecution(ctx, id)
		return err
	})
	return
}

func (s *Store) UpdateWorkflowExecution(ctx context.Context, ex *workflow.Execution) error {
	return s.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateWorkflowExecution(ctx, ex)
	})
}

func (s *Store) ListWorkflowExecutions(ctx context.Context) (out []*workflow.Execution, err error) {
	err = s.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		out, err = tx.ListWorkflowExecutions(ctx)
		return err
	})
	return
}

func (s *Store) CreateTaskExecution(ctx context.Context, task *workflow.TaskExecution) error {
	return s.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateTaskExecution(ctx, task)
	})
}

func (s *Store) GetTaskExecution(ctx context.Context, id string) (task *workflow.TaskExecution, err error) {
	err = s.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		task, err = tx.GetTaskExecution(ctx, id)
		return err
	})
	return
}

func (s *Store) UpdateTaskExecution(ctx context.Context, task *workflow.TaskExecution) error {
	return s.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateTaskExecution(ctx, task)
	})
}

func (s *Store) ListTaskExecutions(ctx context.Context, filter store.TaskFilter) (out []*workflow.TaskExecution, err error) {
	err = s.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		out, err = tx.ListTaskExecutions(ctx, filter)
		return err
	})
	return
}

func (s *Store) CreateActionExecution(ctx context.Context, action *workflow.ActionExecution) error {
	return s.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateActionExecution(ctx, action)
	})
}

func (s *Store) GetActionExecution(ctx context.Context, id string) (action *workflow.ActionExecution, err error) {
	err = s.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		action, err = tx.GetActionExecution(ctx, id)
		return err
	})
	return
}

func (s *Store) UpdateActionExecution(ctx context.Context, action *workflow.ActionExecution) error {
	return s.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateActionExecution(ctx, action)
	})
}

func (s *Store) ListActionExecutions(ctx context.Context, taskExecutionID string) (out []*workflow.ActionExecution, err error) {
	err = s.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		out, err = tx.ListActionExecutions(ctx, taskExecutionID)
		return err
	})
	return
}

func (s *Store) CreateScheduledCall(ctx context.Context, call *workflow.ScheduledCall) error {
	return s.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateScheduledCall(ctx, call)
	})
}

func (s *Store) DeleteScheduledCall(ctx context.Context, id string) error {
	return s.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.DeleteScheduledCall(ctx, id)
	})
}

func (s *Store) CreateActionDefinition(ctx context.Context, def *workflow.ActionDefinition) error {
	return s.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateActionDefinition(ctx, def)
	})
}

func (s *Store) GetActionDefinition(ctx context.Context, name string) (def *workflow.ActionDefinition, err error) {
	err = s.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		def, err = tx.GetActionDefinition(ctx, name)
		return err
	})
	return
}

func (s *Store) UpdateActionDefinition(ctx context.Context, def *workflow.ActionDefinition) error {
	return s.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateActionDefinition(ctx, def)
	})
}

func (s *Store) ListActionDefinitions(ctx context.Context) (out []*workflow.ActionDefinition, err error) {
	err = s.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		out, err = tx.ListActionDefinitions(ctx)
		return err
	})
	return
}

// clone deep-copies a record through JSON so callers never alias stored
// state. Records are JSON-serializable by construction.
func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("inmem store: clone: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		panic(fmt.Sprintf("inmem store: clone: %v", err))
	}
	return out
}
