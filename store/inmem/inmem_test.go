package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestroflow/maestro/store"
	"github.com/maestroflow/maestro/workflow"
)

func TestWorkflowExecutionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	ex := &workflow.Execution{
		ID:           "ex1",
		WorkflowName: "wf",
		State:        workflow.StateRunning,
		Context:      map[string]any{"k": "v"},
	}
	require.NoError(t, s.CreateWorkflowExecution(ctx, ex))

	got, err := s.GetWorkflowExecution(ctx, "ex1")
	require.NoError(t, err)
	assert.Equal(t, "wf", got.WorkflowName)
	assert.Equal(t, workflow.StateRunning, got.State)

	got.State = workflow.StateSuccess
	require.NoError(t, s.UpdateWorkflowExecution(ctx, got))
	got, err = s.GetWorkflowExecution(ctx, "ex1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateSuccess, got.State)

	_, err = s.GetWorkflowExecution(ctx, "missing")
	require.ErrorIs(t, err, workflow.ErrNotFound)
	require.ErrorIs(t, s.UpdateWorkflowExecution(ctx, &workflow.Execution{ID: "missing"}), workflow.ErrNotFound)
}

func TestReturnedRecordsDoNotAliasStoredState(t *testing.T) {
	ctx := context.Background()
	s := New()

	ex := &workflow.Execution{ID: "ex1", Context: map[string]any{"k": "v"}}
	require.NoError(t, s.CreateWorkflowExecution(ctx, ex))

	// Mutating the input after create must not leak into the store.
	ex.Context["k"] = "mutated"
	got, err := s.GetWorkflowExecution(ctx, "ex1")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Context["k"])

	// Mutating a read result must not leak either.
	got.Context["k"] = "mutated again"
	again, err := s.GetWorkflowExecution(ctx, "ex1")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Context["k"])
}

func TestTaskExecutionFilter(t *testing.T) {
	ctx := context.Background()
	s := New()

	mk := func(id, exID, name string, state workflow.State) {
		require.NoError(t, s.CreateTaskExecution(ctx, &workflow.TaskExecution{
			ID:                  id,
			Name:                name,
			WorkflowExecutionID: exID,
			State:               state,
		}))
	}
	mk("t1", "ex1", "alpha", workflow.StateRunning)
	mk("t2", "ex1", "beta", workflow.StateSuccess)
	mk("t3", "ex2", "alpha", workflow.StateError)

	all, err := s.ListTaskExecutions(ctx, store.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Creation order is preserved.
	assert.Equal(t, "t1", all[0].ID)
	assert.Equal(t, "t3", all[2].ID)

	byExec, err := s.ListTaskExecutions(ctx, store.TaskFilter{WorkflowExecutionID: "ex1"})
	require.NoError(t, err)
	assert.Len(t, byExec, 2)

	byName, err := s.ListTaskExecutions(ctx, store.TaskFilter{Name: "alpha"})
	require.NoError(t, err)
	assert.Len(t, byName, 2)

	byState, err := s.ListTaskExecutions(ctx, store.TaskFilter{
		WorkflowExecutionID: "ex1",
		States:              []workflow.State{workflow.StateRunning, workflow.StateDelayed},
	})
	require.NoError(t, err)
	require.Len(t, byState, 1)
	assert.Equal(t, "t1", byState[0].ID)
}

func TestActionExecutionsByTask(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateActionExecution(ctx, &workflow.ActionExecution{ID: "a1", TaskExecutionID: "t1"}))
	require.NoError(t, s.CreateActionExecution(ctx, &workflow.ActionExecution{ID: "a2", TaskExecutionID: "t2"}))
	require.NoError(t, s.CreateActionExecution(ctx, &workflow.ActionExecution{ID: "a3", TaskExecutionID: "t1"}))

	forTask, err := s.ListActionExecutions(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, forTask, 2)
	assert.Equal(t, "a1", forTask[0].ID)
	assert.Equal(t, "a3", forTask[1].ID)

	all, err := s.ListActionExecutions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestActionDefinitionDuplicates(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateActionDefinition(ctx, &workflow.ActionDefinition{ID: "d1", Name: "my.action"}))
	err := s.CreateActionDefinition(ctx, &workflow.ActionDefinition{ID: "d2", Name: "my.action"})
	require.ErrorIs(t, err, workflow.ErrDuplicate)

	defs, err := s.ListActionDefinitions(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "d1", defs[0].ID)
}

func TestInTransactionGroupsOperations(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateWorkflowExecution(ctx, &workflow.Execution{ID: "ex1"}); err != nil {
			return err
		}
		return tx.CreateTaskExecution(ctx, &workflow.TaskExecution{ID: "t1", WorkflowExecutionID: "ex1"})
	})
	require.NoError(t, err)

	_, err = s.GetWorkflowExecution(ctx, "ex1")
	require.NoError(t, err)
	_, err = s.GetTaskExecution(ctx, "t1")
	require.NoError(t, err)
}

func TestClaimDueCalls(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	mk := func(id string, executeAt time.Time) {
		require.NoError(t, s.CreateScheduledCall(ctx, &workflow.ScheduledCall{
			ID:        id,
			Method:    "engine.run_task",
			ExecuteAt: executeAt,
		}))
	}
	mk("due1", now.Add(-time.Second))
	mk("due2", now.Add(-2*time.Second))
	mk("future", now.Add(time.Hour))

	claimed, err := s.ClaimDueCalls(ctx, now, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// Claimed calls are leased and invisible to concurrent pollers.
	again, err := s.ClaimDueCalls(ctx, now, 30*time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	// The lease expires and the calls become claimable again.
	later := now.Add(31 * time.Second)
	expired, err := s.ClaimDueCalls(ctx, later, 30*time.Second, 10)
	require.NoError(t, err)
	assert.Len(t, expired, 2)
}

func TestClaimDueCallsHonorsLimit(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, s.CreateScheduledCall(ctx, &workflow.ScheduledCall{
			ID:        id,
			Method:    "engine.run_task",
			ExecuteAt: now.Add(-time.Second),
		}))
	}

	claimed, err := s.ClaimDueCalls(ctx, now, time.Minute, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "c1", claimed[0].ID)
	assert.Equal(t, "c2", claimed[1].ID)
}

func TestDeleteScheduledCall(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	require.NoError(t, s.CreateScheduledCall(ctx, &workflow.ScheduledCall{
		ID:        "c1",
		Method:    "engine.run_task",
		ExecuteAt: now.Add(-time.Second),
	}))
	require.NoError(t, s.DeleteScheduledCall(ctx, "c1"))

	claimed, err := s.ClaimDueCalls(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}
