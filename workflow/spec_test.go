package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func graph(tasks map[string]*TaskSpec, order ...string) *Spec {
	for name, t := range tasks {
		t.Name = name
	}
	return &Spec{Name: "wf", Type: TypeDirect, Tasks: tasks, TaskOrder: order}
}

func TestInitialDirectTasks(t *testing.T) {
	spec := graph(map[string]*TaskSpec{
		"a": {OnSuccess: []Edge{{Task: "c"}}},
		"b": {OnComplete: []Edge{{Task: "c"}, {Task: SentinelFail}}},
		"c": {OnError: []Edge{{Task: SentinelNoop}}},
	}, "a", "b", "c")

	initial := spec.InitialDirectTasks()
	require.Len(t, initial, 2)
	assert.Equal(t, "a", initial[0].Name)
	assert.Equal(t, "b", initial[1].Name)
}

func TestInitialDirectTasksIgnoreSentinelTargets(t *testing.T) {
	spec := graph(map[string]*TaskSpec{
		"only": {OnComplete: []Edge{{Task: SentinelSucceed}}},
	}, "only")
	initial := spec.InitialDirectTasks()
	require.Len(t, initial, 1)
	assert.Equal(t, "only", initial[0].Name)
}

func TestPredecessorsCountEachArcOnce(t *testing.T) {
	spec := graph(map[string]*TaskSpec{
		// a points at join twice through different edge lists; it is still
		// a single predecessor.
		"a":    {OnSuccess: []Edge{{Task: "join"}}, OnComplete: []Edge{{Task: "join"}}},
		"b":    {OnError: []Edge{{Task: "join"}}},
		"c":    {},
		"join": {Join: &JoinSpec{Kind: JoinAll}},
	}, "a", "b", "c", "join")

	preds := spec.Predecessors("join")
	assert.Equal(t, []string{"a", "b"}, preds)
	assert.Empty(t, spec.Predecessors("c"))
}

func TestRequiresClosure(t *testing.T) {
	spec := &Spec{
		Name: "wf",
		Type: TypeReverse,
		Tasks: map[string]*TaskSpec{
			"base":      {Name: "base"},
			"mid":       {Name: "mid", Requires: []string{"base"}},
			"goal":      {Name: "goal", Requires: []string{"mid", "base"}},
			"unrelated": {Name: "unrelated"},
		},
		TaskOrder: []string{"base", "mid", "goal", "unrelated"},
	}

	closure := spec.RequiresClosure("goal")
	assert.Equal(t, map[string]bool{"base": true, "mid": true, "goal": true}, closure)

	solo := spec.RequiresClosure("base")
	assert.Equal(t, map[string]bool{"base": true}, solo)
}

func TestStateCompleted(t *testing.T) {
	assert.True(t, StateSuccess.Completed())
	assert.True(t, StateError.Completed())
	assert.False(t, StateIdle.Completed())
	assert.False(t, StateRunning.Completed())
	assert.False(t, StateDelayed.Completed())
	assert.False(t, StatePaused.Completed())
}

func TestTaskResultHelpers(t *testing.T) {
	ok := SuccessResult(map[string]any{"k": "v"})
	assert.False(t, ok.IsError())
	assert.Empty(t, ok.ErrorString())

	bad := ErrorResult("boom")
	assert.True(t, bad.IsError())
	assert.Equal(t, "boom", bad.ErrorString())

	structured := ErrorResult(map[string]any{"code": 1})
	assert.True(t, structured.IsError())
	assert.NotEmpty(t, structured.ErrorString())
}

func TestTaskResultSerializerRoundTrip(t *testing.T) {
	var ser TaskResultSerializer
	s, err := ser.Serialize(ErrorResult("boom"))
	require.NoError(t, err)

	v, err := ser.Deserialize(s)
	require.NoError(t, err)
	r, ok := v.(TaskResult)
	require.True(t, ok)
	assert.Equal(t, "boom", r.Error)

	_, err = ser.Deserialize("{not json")
	require.Error(t, err)
}

func TestIsSentinel(t *testing.T) {
	assert.True(t, IsSentinel(SentinelSucceed))
	assert.True(t, IsSentinel(SentinelFail))
	assert.True(t, IsSentinel(SentinelNoop))
	assert.False(t, IsSentinel("task1"))
}
