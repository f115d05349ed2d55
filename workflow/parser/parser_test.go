package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestroflow/maestro/workflow"
)

func parseOne(t *testing.T, definition string) *workflow.Spec {
	t.Helper()
	specs, err := Parse(definition)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	return specs[0]
}

func TestParseMinimalWorkflow(t *testing.T) {
	spec := parseOne(t, `
wf:
  tasks:
    task1:
      action: std.noop
`)
	assert.Equal(t, "wf", spec.Name)
	assert.Equal(t, workflow.TypeDirect, spec.Type)
	assert.Equal(t, []string{"task1"}, spec.TaskOrder)
	assert.Equal(t, "std.noop", spec.Tasks["task1"].Action)
}

func TestParseInlineActionArguments(t *testing.T) {
	spec := parseOne(t, `
wf:
  tasks:
    task1:
      action: std.echo output=1 message='a b' flag=true
`)
	task := spec.Tasks["task1"]
	assert.Equal(t, "std.echo", task.Action)
	assert.Equal(t, 1, task.Input["output"])
	assert.Equal(t, "a b", task.Input["message"])
	assert.Equal(t, true, task.Input["flag"])
}

func TestParseInlineAndBlockInputMerge(t *testing.T) {
	spec := parseOne(t, `
wf:
  tasks:
    task1:
      action: std.echo output=inline
      input:
        extra: <% .v %>
`)
	task := spec.Tasks["task1"]
	assert.Equal(t, "inline", task.Input["output"])
	assert.Equal(t, "<% .v %>", task.Input["extra"])
}

func TestParseEdgesAndConditions(t *testing.T) {
	spec := parseOne(t, `
wf:
  tasks:
    task1:
      action: std.noop
      on-success:
        - task2
        - task3: <% .mode == "left" %>
      on-error:
        - fail
      on-complete:
        - noop
    task2:
      action: std.noop
    task3:
      action: std.noop
`)
	task := spec.Tasks["task1"]
	require.Len(t, task.OnSuccess, 2)
	assert.Equal(t, workflow.Edge{Task: "task2"}, task.OnSuccess[0])
	assert.Equal(t, "task3", task.OnSuccess[1].Task)
	assert.Equal(t, `<% .mode == "left" %>`, task.OnSuccess[1].Condition)
	assert.Equal(t, []workflow.Edge{{Task: workflow.SentinelFail}}, task.OnError)
	assert.Equal(t, []workflow.Edge{{Task: workflow.SentinelNoop}}, task.OnComplete)
}

func TestParseEdgeToUnknownTaskFails(t *testing.T) {
	_, err := Parse(`
wf:
  tasks:
    task1:
      action: std.noop
      on-success:
        - ghost
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestParseJoin(t *testing.T) {
	spec := parseOne(t, `
wf:
  tasks:
    a:
      action: std.noop
      on-complete: [j1, j2, j3]
    j1:
      join: all
      action: std.noop
    j2:
      join: one
      action: std.noop
    j3:
      join: 2
      action: std.noop
`)
	assert.Equal(t, workflow.JoinAll, spec.Tasks["j1"].Join.Kind)
	assert.Equal(t, workflow.JoinOne, spec.Tasks["j2"].Join.Kind)
	assert.Equal(t, 2, spec.Tasks["j3"].Join.Count)
}

func TestParseInvalidJoinFails(t *testing.T) {
	_, err := Parse(`
wf:
  tasks:
    task1:
      join: sometimes
      action: std.noop
`)
	require.Error(t, err)
}

func TestParseInputParams(t *testing.T) {
	spec := parseOne(t, `
wf:
  input:
    - required_one
    - defaulted:
        nested: 1
    - simple_default: hello
  tasks:
    task1:
      action: std.noop
`)
	require.Len(t, spec.Input, 3)
	assert.Equal(t, workflow.ParamSpec{Name: "required_one"}, spec.Input[0])
	assert.Equal(t, "defaulted", spec.Input[1].Name)
	assert.True(t, spec.Input[1].HasDefault)
	assert.Equal(t, map[string]any{"nested": 1}, spec.Input[1].Default)
	assert.Equal(t, workflow.ParamSpec{Name: "simple_default", Default: "hello", HasDefault: true}, spec.Input[2])
}

func TestParsePoliciesAndTaskDefaults(t *testing.T) {
	spec := parseOne(t, `
wf:
  task-defaults:
    retry:
      count: 2
      delay: 1
  tasks:
    task1:
      action: std.noop
      policies:
        wait-before: 3
        wait-after: 4
        timeout: 5
        pause-before: <% .gate %>
        concurrency: 2
        retry:
          count: 7
          delay: 0
          break-on: <% .stop %>
`)
	require.NotNil(t, spec.TaskDefaults)
	require.NotNil(t, spec.TaskDefaults.Retry)
	assert.Equal(t, 2, spec.TaskDefaults.Retry.Count)

	p := spec.Tasks["task1"].Policies
	require.NotNil(t, p)
	assert.Equal(t, 3, p.WaitBefore)
	assert.Equal(t, 4, p.WaitAfter)
	assert.Equal(t, 5, p.Timeout)
	assert.Equal(t, "<% .gate %>", p.PauseBefore)
	assert.Equal(t, 2, p.Concurrency)
	require.NotNil(t, p.Retry)
	assert.Equal(t, 7, p.Retry.Count)
	assert.Equal(t, 0, p.Retry.Delay)
	assert.Equal(t, "<% .stop %>", p.Retry.BreakOn)
}

func TestParseReverseWorkflow(t *testing.T) {
	spec := parseOne(t, `
wf:
  type: reverse
  tasks:
    task1:
      action: std.noop
    task2:
      action: std.noop
      requires: [task1]
    task3:
      action: std.noop
      requires: task2
`)
	assert.Equal(t, workflow.TypeReverse, spec.Type)
	assert.Equal(t, []string{"task1"}, spec.Tasks["task2"].Requires)
	assert.Equal(t, []string{"task2"}, spec.Tasks["task3"].Requires)
}

func TestParseRequiresUnknownTaskFails(t *testing.T) {
	_, err := Parse(`
wf:
  type: reverse
  tasks:
    task1:
      action: std.noop
      requires: [ghost]
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestParseWorkbookQualifiesNames(t *testing.T) {
	specs, err := Parse(`
name: wb
workflows:
  wf1:
    tasks:
      task1:
        action: std.noop
  wf2:
    type: reverse
    tasks:
      task1:
        action: std.noop
`)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "wb.wf1", specs[0].Name)
	assert.Equal(t, "wb.wf2", specs[1].Name)
}

func TestParseWorkbookWithoutNameFails(t *testing.T) {
	_, err := Parse(`
workflows:
  wf1:
    tasks:
      task1:
        action: std.noop
`)
	require.Error(t, err)
}

func TestParseSubWorkflowTask(t *testing.T) {
	spec := parseOne(t, `
wf:
  tasks:
    call:
      workflow: other
`)
	assert.Equal(t, "other", spec.Tasks["call"].Workflow)
	assert.Empty(t, spec.Tasks["call"].Action)
}

func TestParseActionAndWorkflowAreExclusive(t *testing.T) {
	_, err := Parse(`
wf:
  tasks:
    call:
      action: std.noop
      workflow: other
`)
	require.Error(t, err)
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	cases := []struct {
		name       string
		definition string
	}{
		{"empty", ""},
		{"scalar top level", "just text"},
		{"no tasks", "wf:\n  type: direct\n"},
		{"unknown type", "wf:\n  type: sideways\n  tasks:\n    t:\n      action: std.noop\n"},
		{"bad yaml", "wf: [unclosed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.definition)
			require.Error(t, err)
		})
	}
}

func TestCatalogCreateGetAndList(t *testing.T) {
	c := NewCatalog()
	specs, err := c.CreateWorkflows("wf:\n  tasks:\n    t:\n      action: std.noop\n")
	require.NoError(t, err)
	require.Len(t, specs, 1)

	got, err := c.Get("wf")
	require.NoError(t, err)
	assert.Equal(t, specs[0], got)

	_, err = c.Get("missing")
	require.ErrorIs(t, err, workflow.ErrNotFound)

	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, "wf", list[0].Name)
}

func TestCatalogRejectsDuplicates(t *testing.T) {
	c := NewCatalog()
	_, err := c.CreateWorkflows("wf:\n  tasks:\n    t:\n      action: std.noop\n")
	require.NoError(t, err)

	_, err = c.CreateWorkflows("wf:\n  tasks:\n    other:\n      action: std.noop\n")
	require.ErrorIs(t, err, workflow.ErrDuplicate)

	// The failed create must not have replaced the original.
	got, err := c.Get("wf")
	require.NoError(t, err)
	assert.Contains(t, got.Tasks, "t")
}

func TestCatalogUpdateReplaces(t *testing.T) {
	c := NewCatalog()
	_, err := c.CreateWorkflows("wf:\n  tasks:\n    t:\n      action: std.noop\n")
	require.NoError(t, err)

	_, err = c.UpdateWorkflows("wf:\n  tasks:\n    other:\n      action: std.noop\n")
	require.NoError(t, err)

	got, err := c.Get("wf")
	require.NoError(t, err)
	assert.Contains(t, got.Tasks, "other")
}

func TestParseInlineTemplateArguments(t *testing.T) {
	spec := parseOne(t, `
wf:
  tasks:
    task1:
      action: std.echo output=<% .name %> greeting=<% .a + " " + .b %> mode=plain
`)
	task := spec.Tasks["task1"]
	assert.Equal(t, "std.echo", task.Action)
	assert.Equal(t, "<% .name %>", task.Input["output"])
	assert.Equal(t, `<% .a + " " + .b %>`, task.Input["greeting"])
	assert.Equal(t, "plain", task.Input["mode"])
}

func TestParseInlineUnterminatedTemplateFails(t *testing.T) {
	_, err := Parse(`
wf:
  tasks:
    task1:
      action: std.echo output=<% .name
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unterminated template")
}
