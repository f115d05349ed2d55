package engine

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"github.com/maestroflow/maestro/action"
	"github.com/maestroflow/maestro/rpc"
	"github.com/maestroflow/maestro/scheduler"
	"github.com/maestroflow/maestro/store"
	"github.com/maestroflow/maestro/store/inmem"
	"github.com/maestroflow/maestro/workflow"
	"github.com/maestroflow/maestro/workflow/parser"
)

const awaitTimeout = 10 * time.Second

// testEnv wires a complete in-process engine: in-memory store, fast
// scheduler, local dispatcher.
type testEnv struct {
	t       *testing.T
	store   *inmem.Store
	catalog *parser.Catalog
	engine  *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := inmem.New()
	cat := parser.NewCatalog()
	sched, err := scheduler.New(scheduler.Options{
		Store:        st,
		PollInterval: 5 * time.Millisecond,
		Lease:        time.Second,
	})
	require.NoError(t, err)
	disp := NewLocalDispatcher(action.NewRegistry())
	eng, err := New(Options{
		Store:      st,
		Catalog:    cat,
		Scheduler:  sched,
		Dispatcher: disp,
	})
	require.NoError(t, err)
	disp.SetClient(eng)
	rpc.RegisterSchedulerTargets(sched, eng)
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)
	return &testEnv{t: t, store: st, catalog: cat, engine: eng}
}

func (env *testEnv) define(definition string) {
	env.t.Helper()
	_, err := env.catalog.CreateWorkflows(definition)
	require.NoError(env.t, err)
}

func (env *testEnv) start(name string, input, params map[string]any) *workflow.Execution {
	env.t.Helper()
	ex, err := env.engine.StartWorkflow(context.Background(), name, input, params)
	require.NoError(env.t, err)
	return ex
}

func (env *testEnv) await(execID string, state workflow.State) *workflow.Execution {
	env.t.Helper()
	var ex *workflow.Execution
	require.Eventually(env.t, func() bool {
		var err error
		ex, err = env.store.GetWorkflowExecution(context.Background(), execID)
		return err == nil && ex.State == state
	}, awaitTimeout, 10*time.Millisecond, "workflow did not reach %s", state)
	return ex
}

func (env *testEnv) tasks(execID string) []*workflow.TaskExecution {
	env.t.Helper()
	tasks, err := env.store.ListTaskExecutions(context.Background(), store.TaskFilter{WorkflowExecutionID: execID})
	require.NoError(env.t, err)
	return tasks
}

func (env *testEnv) task(execID, name string) *workflow.TaskExecution {
	env.t.Helper()
	tasks, err := env.store.ListTaskExecutions(context.Background(), store.TaskFilter{WorkflowExecutionID: execID, Name: name})
	require.NoError(env.t, err)
	require.Len(env.t, tasks, 1, "expected exactly one execution of task %q", name)
	return tasks[0]
}

func (env *testEnv) awaitTaskState(execID, name string, state workflow.State) {
	env.t.Helper()
	require.Eventually(env.t, func() bool {
		tasks, err := env.store.ListTaskExecutions(context.Background(), store.TaskFilter{WorkflowExecutionID: execID, Name: name, States: []workflow.State{state}})
		return err == nil && len(tasks) > 0
	}, awaitTimeout, 10*time.Millisecond, "task %q did not reach %s", name, state)
}

func TestLinearChainSucceeds(t *testing.T) {
	env := newTestEnv(t)
	env.define(`
wf:
  type: direct
  output:
    result: <% .result2 %>
  tasks:
    task1:
      action: std.echo output=a
      publish:
        result1: <% .task1 %>
      on-success:
        - task2
    task2:
      action: std.echo
      input:
        output: "<% .result1 %>+b"
      publish:
        result2: <% .task2 %>
`)
	ex := env.start("wf", nil, nil)
	done := env.await(ex.ID, workflow.StateSuccess)
	assert.Equal(t, map[string]any{"result": "a+b"}, done.Output)
	assert.Equal(t, "a", done.Context["result1"])
	for _, task := range env.tasks(ex.ID) {
		assert.Equal(t, workflow.StateSuccess, task.State)
		assert.True(t, task.Processed)
	}
}

func TestOnCompleteWithFailSentinel(t *testing.T) {
	env := newTestEnv(t)
	env.define(`
wf:
  type: direct
  tasks:
    task1:
      action: std.echo output=1
      on-complete:
        - task3
        - task4
        - fail
        - never_gets_here
    task3:
      action: std.echo output=3
    task4:
      action: std.echo output=4
    never_gets_here:
      action: std.echo output=0
`)
	ex := env.start("wf", nil, nil)
	done := env.await(ex.ID, workflow.StateError)
	assert.Contains(t, done.StateInfo, "fail")

	// task3 and task4 were created before the sentinel fired and still run
	// to completion; never_gets_here is never created.
	for _, name := range []string{"task1", "task3", "task4"} {
		env.awaitTaskState(ex.ID, name, workflow.StateSuccess)
	}
	require.Eventually(t, func() bool {
		return len(env.tasks(ex.ID)) == 3
	}, awaitTimeout, 10*time.Millisecond)
	for _, task := range env.tasks(ex.ID) {
		assert.NotEqual(t, "never_gets_here", task.Name)
	}
}

func TestSucceedSentinelCompletesWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.define(`
wf:
  type: direct
  output:
    result: <% .result1 %>
  tasks:
    task1:
      action: std.echo output=ok
      publish:
        result1: <% .task1 %>
      on-success:
        - succeed
        - task2
    task2:
      action: std.echo output=skipped
`)
	ex := env.start("wf", nil, nil)
	done := env.await(ex.ID, workflow.StateSuccess)
	assert.Equal(t, map[string]any{"result": "ok"}, done.Output)
	assert.Len(t, env.tasks(ex.ID), 1)
}

func TestFullJoinAllSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.define(`
wf:
  type: direct
  output:
    result: <% .result3 %>
  tasks:
    task1:
      action: std.echo output=1
      publish:
        result1: <% .task1 %>
      on-complete:
        - task3
    task2:
      action: std.echo output=2
      publish:
        result2: <% .task2 %>
      on-complete:
        - task3
    task3:
      join: all
      action: std.echo
      input:
        output: "<% .result1 %>,<% .result2 %>"
      publish:
        result3: <% .task3 %>
`)
	ex := env.start("wf", nil, nil)
	done := env.await(ex.ID, workflow.StateSuccess)
	assert.Equal(t, map[string]any{"result": "1,2"}, done.Output)
	assert.Len(t, env.tasks(ex.ID), 3)
}

func TestFullJoinWithErrors(t *testing.T) {
	env := newTestEnv(t)
	env.define(`
wf:
  type: direct
  output:
    result: <% .result3 %>
  tasks:
    task1:
      action: std.echo output=1
      publish:
        result1: <% .task1 %>
      on-complete:
        - task3
    task2:
      action: std.fail
      on-error:
        - task3
    task3:
      join: all
      action: std.echo
      input:
        output: "<% .result1 %>-<% .result1 %>"
      publish:
        result3: <% .task3 %>
`)
	ex := env.start("wf", nil, nil)
	done := env.await(ex.ID, workflow.StateSuccess)
	assert.Equal(t, map[string]any{"result": "1-1"}, done.Output)
	assert.Equal(t, workflow.StateError, env.task(ex.ID, "task2").State)
}

func TestPartialJoinFiresOnce(t *testing.T) {
	env := newTestEnv(t)
	env.define(`
wf:
  type: direct
  tasks:
    task1:
      action: std.echo output=1
      on-complete:
        - join_task
    task2:
      action: std.echo output=2
      on-complete:
        - join_task
    task3:
      action: std.fail
      on-complete:
        - join_task
    join_task:
      join: 2
      action: std.echo output=joined
      publish:
        joined: <% .join_task %>
`)
	ex := env.start("wf", nil, nil)
	done := env.await(ex.ID, workflow.StateSuccess)
	assert.Equal(t, "joined", done.Context["joined"])

	joins, err := env.store.ListTaskExecutions(context.Background(), store.TaskFilter{WorkflowExecutionID: ex.ID, Name: "join_task"})
	require.NoError(t, err)
	assert.Len(t, joins, 1)
}

func TestDiscriminatorJoinOne(t *testing.T) {
	env := newTestEnv(t)
	env.define(`
wf:
  type: direct
  output:
    result: <% .result4 %>
  tasks:
    task1:
      action: std.echo output=1
      publish:
        result1: <% .task1 %>
      on-complete:
        - task4
    task2:
      action: std.echo output=2
      policies:
        wait-before: 1
      publish:
        result2: <% .task2 %>
      on-complete:
        - task4
    task3:
      action: std.echo output=3
      policies:
        wait-before: 1
      publish:
        result3: <% .task3 %>
      on-complete:
        - task4
    task4:
      join: one
      action: std.echo
      input:
        output: "<% .result1 %>,<% .result2 %>,<% .result3 %>"
      publish:
        result4: <% .task4 %>
`)
	ex := env.start("wf", nil, nil)
	done := env.await(ex.ID, workflow.StateSuccess)

	result, ok := done.Output["result"].(string)
	require.True(t, ok)
	// The join fired on task1's completion; the other publishes were not
	// available yet.
	assert.Equal(t, 2, strings.Count(result, "None"))
	assert.Contains(t, result, "1")

	joins, err := env.store.ListTaskExecutions(context.Background(), store.TaskFilter{WorkflowExecutionID: ex.ID, Name: "task4"})
	require.NoError(t, err)
	assert.Len(t, joins, 1)
}

func TestConditionedEdges(t *testing.T) {
	env := newTestEnv(t)
	env.define(`
wf:
  type: direct
  input:
    - mode
  tasks:
    decide:
      action: std.echo
      input:
        output: <% .mode %>
      publish:
        mode_out: <% .decide %>
      on-success:
        - left: <% .mode_out == "left" %>
        - right: <% .mode_out == "right" %>
    left:
      action: std.echo output=went_left
      publish:
        path: <% .left %>
    right:
      action: std.echo output=went_right
      publish:
        path: <% .right %>
`)
	ex := env.start("wf", map[string]any{"mode": "left"}, nil)
	done := env.await(ex.ID, workflow.StateSuccess)
	assert.Equal(t, "went_left", done.Context["path"])
	assert.Len(t, env.tasks(ex.ID), 2)
}

func TestUnhandledErrorFailsWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.define(`
wf:
  type: direct
  tasks:
    task1:
      action: std.fail
`)
	ex := env.start("wf", nil, nil)
	done := env.await(ex.ID, workflow.StateError)
	assert.Contains(t, done.StateInfo, "task1")
	assert.Equal(t, workflow.StateError, env.task(ex.ID, "task1").State)
}

func TestReverseWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.define(`
wf:
  type: reverse
  input:
    - param1
    - param2
  tasks:
    task1:
      action: std.echo
      input:
        output: <% .param1 %>
      publish:
        result1: <% .task1 %>
    task2:
      action: std.echo
      input:
        output: "<% .param1 %> & <% .param2 %>"
      publish:
        result2: <% .task2 %>
      requires:
        - task1
`)
	ex := env.start("wf", map[string]any{"param1": "a", "param2": "b"}, map[string]any{"task_name": "task2"})
	done := env.await(ex.ID, workflow.StateSuccess)

	assert.Len(t, env.tasks(ex.ID), 2)
	nested, ok := done.Output["task2"].(map[string]any)
	require.True(t, ok, "expected task2 publishes nested in the output")
	assert.Equal(t, "a & b", nested["result2"])
	assert.Equal(t, "a & b", done.Output["result2"])
}

func TestReverseGoalWithoutRequires(t *testing.T) {
	env := newTestEnv(t)
	env.define(`
wf:
  type: reverse
  input:
    - param1
    - param2
  tasks:
    task1:
      action: std.echo
      input:
        output: <% .param1 %>
    task2:
      action: std.echo
      input:
        output: <% .param2 %>
      requires:
        - task1
`)
	ex := env.start("wf", map[string]any{"param1": "a", "param2": "b"}, map[string]any{"task_name": "task1"})
	env.await(ex.ID, workflow.StateSuccess)
	assert.Len(t, env.tasks(ex.ID), 1)
}

func TestReverseRequiredTaskErrorFailsWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.define(`
wf:
  type: reverse
  tasks:
    task1:
      action: std.fail
    task2:
      action: std.echo output=x
      requires:
        - task1
`)
	ex := env.start("wf", nil, map[string]any{"task_name": "task2"})
	done := env.await(ex.ID, workflow.StateError)
	assert.Contains(t, done.StateInfo, "task1")
}

func TestOnTaskResultIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.define(`
wf:
  type: direct
  tasks:
    task1:
      action: std.echo output=v
      publish:
        result1: <% .task1 %>
`)
	ex := env.start("wf", nil, nil)
	env.await(ex.ID, workflow.StateSuccess)
	task := env.task(ex.ID, "task1")

	require.NoError(t, env.engine.OnTaskResult(context.Background(), task.ID, workflow.ErrorResult("late duplicate")))

	after := env.task(ex.ID, "task1")
	assert.Equal(t, workflow.StateSuccess, after.State)
	done, err := env.store.GetWorkflowExecution(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateSuccess, done.State)
	assert.Equal(t, "v", done.Context["result1"])
}

func TestIndependentExecutions(t *testing.T) {
	env := newTestEnv(t)
	env.define(`
wf:
  type: direct
  input:
    - v
  tasks:
    task1:
      action: std.echo
      input:
        output: <% .v %>
      publish:
        out: <% .task1 %>
`)
	ex1 := env.start("wf", map[string]any{"v": "first"}, nil)
	ex2 := env.start("wf", map[string]any{"v": "second"}, nil)
	require.NotEqual(t, ex1.ID, ex2.ID)

	done1 := env.await(ex1.ID, workflow.StateSuccess)
	done2 := env.await(ex2.ID, workflow.StateSuccess)
	assert.Equal(t, "first", done1.Context["out"])
	assert.Equal(t, "second", done2.Context["out"])
}

func TestInvalidInputRejected(t *testing.T) {
	env := newTestEnv(t)
	env.define(`
wf:
  type: direct
  input:
    - required_param
    - optional_param: fallback
  tasks:
    task1:
      action: std.echo
      input:
        output: <% .optional_param %>
      publish:
        out: <% .task1 %>
`)
	ctx := context.Background()

	_, err := env.engine.StartWorkflow(ctx, "wf", nil, nil)
	var inputErr *workflow.InvalidInputError
	require.ErrorAs(t, err, &inputErr)

	_, err = env.engine.StartWorkflow(ctx, "wf", map[string]any{"required_param": 1, "bogus": 2}, nil)
	require.ErrorAs(t, err, &inputErr)

	ex := env.start("wf", map[string]any{"required_param": 1}, nil)
	done := env.await(ex.ID, workflow.StateSuccess)
	assert.Equal(t, "fallback", done.Context["out"])
}

func TestReverseRequiresGoalParam(t *testing.T) {
	env := newTestEnv(t)
	env.define(`
wf:
  type: reverse
  tasks:
    task1:
      action: std.noop
`)
	ctx := context.Background()
	var inputErr *workflow.InvalidInputError

	_, err := env.engine.StartWorkflow(ctx, "wf", nil, nil)
	require.ErrorAs(t, err, &inputErr)

	_, err = env.engine.StartWorkflow(ctx, "wf", nil, map[string]any{"task_name": "missing"})
	require.ErrorAs(t, err, &inputErr)
}

func TestUnknownActionFailsTaskAndWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.define(`
wf:
  type: direct
  tasks:
    task1:
      action: std.does_not_exist
`)
	ex := env.start("wf", nil, nil)
	done := env.await(ex.ID, workflow.StateError)
	assert.Contains(t, done.StateInfo, "task1")
	task := env.task(ex.ID, "task1")
	assert.Contains(t, task.StateInfo, "failed to initialize action")
}

func TestSubWorkflowTask(t *testing.T) {
	env := newTestEnv(t)
	env.define(`
sub:
  type: direct
  input:
    - base
  output:
    doubled: "<% .base %><% .base %>"
  tasks:
    t:
      action: std.echo
      input:
        output: <% .base %>
`)
	env.define(`
main:
  type: direct
  tasks:
    call:
      workflow: sub
      input:
        base: xy
      publish:
        sub_out: <% .call.doubled %>
`)
	ex := env.start("main", nil, nil)
	done := env.await(ex.ID, workflow.StateSuccess)
	assert.Equal(t, "xyxy", done.Context["sub_out"])

	subs, err := env.store.ListWorkflowExecutions(context.Background())
	require.NoError(t, err)
	var found bool
	for _, s := range subs {
		if s.WorkflowName == "sub" {
			found = true
			assert.Equal(t, workflow.StateSuccess, s.State)
			assert.NotEmpty(t, s.ParentTaskID)
		}
	}
	assert.True(t, found, "sub-workflow execution not created")
}

func TestStopWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.define(`
wf:
  type: direct
  tasks:
    slow:
      action: std.echo output=x delay=5
`)
	ex := env.start("wf", nil, nil)
	stopped, err := env.engine.StopWorkflow(context.Background(), ex.ID, workflow.StateError, "stopped by operator")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateError, stopped.State)
	assert.Equal(t, "stopped by operator", stopped.StateInfo)
}

func TestTaskCompletingWhilePausedResumesFlow(t *testing.T) {
	env := newTestEnv(t)
	env.define(`
wf:
  type: direct
  tasks:
    task1:
      action: std.echo output=first delay=1
      publish:
        first: <% .task1 %>
      on-success:
        - task2
    task2:
      action: std.echo output=second
      publish:
        second: <% .task2 %>
`)
	ex := env.start("wf", nil, nil)
	_, err := env.engine.PauseWorkflow(context.Background(), ex.ID)
	require.NoError(t, err)

	// The in-flight action finishes while the workflow is paused: the task
	// records its result but stays unprocessed and no successor appears.
	env.awaitTaskState(ex.ID, "task1", workflow.StateSuccess)
	assert.False(t, env.task(ex.ID, "task1").Processed)
	successors, err := env.store.ListTaskExecutions(context.Background(), store.TaskFilter{WorkflowExecutionID: ex.ID, Name: "task2"})
	require.NoError(t, err)
	assert.Empty(t, successors)

	// Resume picks the completed task up and drives the rest of the flow.
	_, err = env.engine.ResumeWorkflow(context.Background(), ex.ID)
	require.NoError(t, err)
	done := env.await(ex.ID, workflow.StateSuccess)
	assert.Equal(t, "first", done.Context["first"])
	assert.Equal(t, "second", done.Context["second"])
	assert.True(t, env.task(ex.ID, "task1").Processed)
}

func TestTaskTransitionsAreTraced(t *testing.T) {
	env := newTestEnv(t)
	env.define(`
wf:
  type: direct
  tasks:
    task1:
      action: std.echo output=x
      policies:
        wait-before: 1
`)
	var buf bytes.Buffer
	ctx := log.Context(context.Background(), log.WithOutput(&buf), log.WithFormat(log.FormatText))
	log.FlushAndDisableBuffering(ctx)

	// The wait-before delay is scheduled synchronously, so its trace line is
	// written before StartWorkflow returns.
	_, err := env.engine.StartWorkflow(ctx, "wf", nil, nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Task 'task1' [IDLE -> DELAYED, delay = 1 sec]")
}
