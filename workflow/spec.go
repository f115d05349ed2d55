package workflow

// Type distinguishes the two workflow control-flow models.
type Type string

const (
	// TypeDirect is the forward edge-driven model: each task explicitly lists
	// its successors through on-success/on-error/on-complete edges.
	TypeDirect Type = "direct"
	// TypeReverse is the goal-driven model: a target task pulls in the
	// transitive closure of its requires dependencies.
	TypeReverse Type = "reverse"
)

// Sentinel task names usable in on-* edge lists. They terminate or shape the
// workflow instead of naming a successor task.
const (
	// SentinelSucceed terminates the workflow with state SUCCESS.
	SentinelSucceed = "succeed"
	// SentinelFail terminates the workflow with state ERROR.
	SentinelFail = "fail"
	// SentinelNoop is ignored.
	SentinelNoop = "noop"
)

// IsSentinel reports whether name is one of the terminal edge sentinels.
func IsSentinel(name string) bool {
	return name == SentinelSucceed || name == SentinelFail || name == SentinelNoop
}

// Join cardinalities. A positive JoinSpec.Count carries the N-of-M form.
const (
	// JoinAll activates the task once every predecessor is terminal.
	JoinAll = "all"
	// JoinOne activates the task on the first predecessor completion.
	JoinOne = "one"
)

type (
	// Spec is the immutable, validated definition of a workflow derived from
	// YAML. Executions embed a point-in-time snapshot of their Spec; later
	// edits to definitions never affect running executions.
	Spec struct {
		// Name is the workflow name, qualified with the workbook name when the
		// definition came from a workbook ("wb.wf").
		Name string `json:"name" bson:"name"`
		// Type selects the control-flow model. Empty means direct.
		Type Type `json:"type" bson:"type"`
		// Input declares the workflow parameters in order.
		Input []ParamSpec `json:"input,omitempty" bson:"input,omitempty"`
		// Output maps output names to expressions evaluated against the final
		// workflow context when the execution succeeds.
		Output map[string]any `json:"output,omitempty" bson:"output,omitempty"`
		// Tasks maps task names to their specifications.
		Tasks map[string]*TaskSpec `json:"tasks" bson:"tasks"`
		// TaskOrder preserves the task declaration order of the definition.
		TaskOrder []string `json:"task_order" bson:"task_order"`
		// TaskDefaults holds workflow-level policies inherited by every task
		// that does not declare the corresponding policy itself.
		TaskDefaults *Policies `json:"task_defaults,omitempty" bson:"task_defaults,omitempty"`
	}

	// ParamSpec declares a single workflow input parameter.
	ParamSpec struct {
		// Name is the parameter name.
		Name string `json:"name" bson:"name"`
		// Default is the value used when the caller omits the parameter.
		// Meaningful only when HasDefault is true.
		Default any `json:"default,omitempty" bson:"default,omitempty"`
		// HasDefault distinguishes an explicit nil default from no default.
		HasDefault bool `json:"has_default" bson:"has_default"`
	}

	// TaskSpec is the immutable definition of one task within a workflow.
	TaskSpec struct {
		// Name is the task name, unique within the workflow.
		Name string `json:"name" bson:"name"`
		// Action names the action to invoke ("std.echo"). Empty when the task
		// runs a sub-workflow instead.
		Action string `json:"action,omitempty" bson:"action,omitempty"`
		// Workflow names a sub-workflow to run in place of an action.
		Workflow string `json:"workflow,omitempty" bson:"workflow,omitempty"`
		// Input maps action input names to expressions evaluated against the
		// task in-context at dispatch time. Values may be literals.
		Input map[string]any `json:"input,omitempty" bson:"input,omitempty"`
		// Publish maps variable names to expressions evaluated on success and
		// merged into the workflow context.
		Publish map[string]any `json:"publish,omitempty" bson:"publish,omitempty"`
		// OnSuccess, OnError and OnComplete are the ordered outbound edges
		// evaluated when the task reaches a terminal state.
		OnSuccess  []Edge `json:"on_success,omitempty" bson:"on_success,omitempty"`
		OnError    []Edge `json:"on_error,omitempty" bson:"on_error,omitempty"`
		OnComplete []Edge `json:"on_complete,omitempty" bson:"on_complete,omitempty"`
		// Requires lists the tasks that must complete before this one in
		// reverse workflows.
		Requires []string `json:"requires,omitempty" bson:"requires,omitempty"`
		// Join holds the join cardinality, nil when the task is not a join.
		Join *JoinSpec `json:"join,omitempty" bson:"join,omitempty"`
		// Policies holds the task-level policies, nil when none are declared.
		Policies *Policies `json:"policies,omitempty" bson:"policies,omitempty"`
	}

	// Edge is one entry of an on-* list: a successor task name (or sentinel)
	// with an optional guard condition.
	Edge struct {
		// Task is the successor task name or a sentinel.
		Task string `json:"task" bson:"task"`
		// Condition guards the edge. Empty means unconditional; otherwise the
		// edge activates only when the expression evaluates truthy.
		Condition string `json:"condition,omitempty" bson:"condition,omitempty"`
	}

	// JoinSpec describes how many predecessor completions activate a join
	// task.
	JoinSpec struct {
		// Kind is JoinAll, JoinOne, or empty when Count carries an N-of-M
		// cardinality.
		Kind string `json:"kind,omitempty" bson:"kind,omitempty"`
		// Count is the minimum number of terminal predecessors for the N-of-M
		// form. Zero unless Kind is empty.
		Count int `json:"count,omitempty" bson:"count,omitempty"`
	}

	// Policies groups the per-task policies. Zero values mean "no policy".
	Policies struct {
		// WaitBefore delays the first dispatch by the given seconds.
		WaitBefore int `json:"wait_before,omitempty" bson:"wait_before,omitempty" yaml:"wait-before"`
		// WaitAfter delays successor evaluation after completion.
		WaitAfter int `json:"wait_after,omitempty" bson:"wait_after,omitempty" yaml:"wait-after"`
		// Retry re-runs the task on error within the configured budget.
		Retry *RetrySpec `json:"retry,omitempty" bson:"retry,omitempty" yaml:"retry"`
		// Timeout forces an error result if the task is not terminal after the
		// given seconds.
		Timeout int `json:"timeout,omitempty" bson:"timeout,omitempty" yaml:"timeout"`
		// PauseBefore pauses the workflow before dispatch when the expression
		// evaluates truthy.
		PauseBefore string `json:"pause_before,omitempty" bson:"pause_before,omitempty" yaml:"pause-before"`
		// Concurrency caps simultaneous RUNNING instances of this task spec
		// within one workflow execution.
		Concurrency int `json:"concurrency,omitempty" bson:"concurrency,omitempty" yaml:"concurrency"`
	}

	// RetrySpec configures the retry policy.
	RetrySpec struct {
		// Count is the total number of attempts, including the first one.
		Count int `json:"count" bson:"count" yaml:"count"`
		// Delay is the delay in seconds between attempts.
		Delay int `json:"delay" bson:"delay" yaml:"delay"`
		// BreakOn stops retrying early when the expression evaluates truthy
		// against the task result.
		BreakOn string `json:"break_on,omitempty" bson:"break_on,omitempty" yaml:"break-on"`
	}
)

// InitialDirectTasks returns the tasks with no inbound edges from any other
// task, in declaration order. Only meaningful for direct workflows.
func (s *Spec) InitialDirectTasks() []*TaskSpec {
	inbound := make(map[string]bool)
	for _, name := range s.TaskOrder {
		t := s.Tasks[name]
		for _, edges := range [][]Edge{t.OnSuccess, t.OnError, t.OnComplete} {
			for _, e := range edges {
				if !IsSentinel(e.Task) {
					inbound[e.Task] = true
				}
			}
		}
	}
	var initial []*TaskSpec
	for _, name := range s.TaskOrder {
		if !inbound[name] {
			initial = append(initial, s.Tasks[name])
		}
	}
	return initial
}

// Predecessors returns the names of the tasks that have at least one edge
// pointing at the named task. Diamonds and cycles collapse to set membership:
// each (predecessor, successor) arc counts once.
func (s *Spec) Predecessors(task string) []string {
	var preds []string
	for _, name := range s.TaskOrder {
		t := s.Tasks[name]
		seen := false
		for _, edges := range [][]Edge{t.OnSuccess, t.OnError, t.OnComplete} {
			for _, e := range edges {
				if e.Task == task && !seen {
					preds = append(preds, name)
					seen = true
				}
			}
		}
	}
	return preds
}

// RequiresClosure computes the transitive closure of requires: dependencies
// starting from (and including) the goal task. Only meaningful for reverse
// workflows.
func (s *Spec) RequiresClosure(goal string) map[string]bool {
	closure := make(map[string]bool)
	var visit func(name string)
	visit = func(name string) {
		if closure[name] {
			return
		}
		closure[name] = true
		t, ok := s.Tasks[name]
		if !ok {
			return
		}
		for _, req := range t.Requires {
			visit(req)
		}
	}
	visit(goal)
	return closure
}
