package workflow

import "time"

type (
	// Execution is the persistent record of one workflow execution. It is
	// created by start_workflow and retained forever as history.
	Execution struct {
		// ID is the execution UUID.
		ID string `json:"id" bson:"id"`
		// WorkflowName names the definition this execution was started from.
		WorkflowName string `json:"workflow_name" bson:"workflow_name"`
		// Spec is the embedded point-in-time snapshot of the definition.
		Spec *Spec `json:"spec" bson:"spec"`
		// Input is the validated start input.
		Input map[string]any `json:"input,omitempty" bson:"input,omitempty"`
		// Output is the composed result, set when the execution succeeds.
		Output map[string]any `json:"output,omitempty" bson:"output,omitempty"`
		// Context is the accumulating publish namespace. It grows
		// monotonically; publish maps merge last-writer-wins.
		Context map[string]any `json:"context,omitempty" bson:"context,omitempty"`
		// State is the execution lifecycle state.
		State State `json:"state" bson:"state"`
		// StateInfo carries a human-readable explanation for ERROR and PAUSED
		// states.
		StateInfo string `json:"state_info,omitempty" bson:"state_info,omitempty"`
		// StartParams holds the caller-provided start parameters (for reverse
		// workflows, the goal task_name).
		StartParams map[string]any `json:"start_params,omitempty" bson:"start_params,omitempty"`
		// ParentTaskID links a sub-workflow execution to the task that started
		// it. Empty for top-level executions.
		ParentTaskID string `json:"parent_task_id,omitempty" bson:"parent_task_id,omitempty"`

		CreatedAt time.Time `json:"created_at" bson:"created_at"`
		UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
	}

	// TaskExecution is the persistent record of one task within a workflow
	// execution. It is created when the workflow handler declares the task
	// ready and mutated only within engine-owned transactions.
	TaskExecution struct {
		// ID is the task execution UUID.
		ID string `json:"id" bson:"id"`
		// Name is the task name from the spec.
		Name string `json:"name" bson:"name"`
		// WorkflowExecutionID references the owning execution.
		WorkflowExecutionID string `json:"workflow_execution_id" bson:"workflow_execution_id"`
		// WorkflowName is denormalized for API views.
		WorkflowName string `json:"workflow_name" bson:"workflow_name"`
		// InContext is the workflow context snapshot taken when the task was
		// activated; input expressions evaluate against it.
		InContext map[string]any `json:"in_context,omitempty" bson:"in_context,omitempty"`
		// Input holds the resolved action input.
		Input map[string]any `json:"input,omitempty" bson:"input,omitempty"`
		// Result is the last reported task result.
		Result *TaskResult `json:"result,omitempty" bson:"result,omitempty"`
		// Published holds the evaluated publish variables of a successful run.
		Published map[string]any `json:"published,omitempty" bson:"published,omitempty"`
		// State is the task lifecycle state.
		State State `json:"state" bson:"state"`
		// StateInfo carries a human-readable explanation for the ERROR state.
		StateInfo string `json:"state_info,omitempty" bson:"state_info,omitempty"`
		// RuntimeContext is the free-form policy bookkeeping bag (retry
		// counters, skip flags, concurrency caps).
		RuntimeContext map[string]any `json:"runtime_context,omitempty" bson:"runtime_context,omitempty"`
		// Processed records that the task's completion has driven successor
		// evaluation. Completion handling is a no-op once set.
		Processed bool `json:"processed" bson:"processed"`

		CreatedAt time.Time `json:"created_at" bson:"created_at"`
		UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
	}

	// ActionExecution is the persistent record of one action invocation
	// issued for a task. A task owns at most one live action invocation at a
	// time; retries create new records.
	ActionExecution struct {
		ID                  string         `json:"id" bson:"id"`
		Name                string         `json:"name" bson:"name"`
		TaskExecutionID     string         `json:"task_execution_id" bson:"task_execution_id"`
		WorkflowExecutionID string         `json:"workflow_execution_id" bson:"workflow_execution_id"`
		Input               map[string]any `json:"input,omitempty" bson:"input,omitempty"`
		State               State          `json:"state" bson:"state"`

		CreatedAt time.Time `json:"created_at" bson:"created_at"`
		UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
	}

	// ScheduledCall is a durable future invocation of a named target. It is
	// the only mechanism for producing future work: policies and timeouts
	// never sleep in-process.
	ScheduledCall struct {
		// ID is the call UUID.
		ID string `json:"id" bson:"id"`
		// Target identifies the client factory used to resolve the invocation
		// ("engine"). Empty means Method is a fully qualified function name.
		Target string `json:"target,omitempty" bson:"target,omitempty"`
		// Method is the method or function name to invoke.
		Method string `json:"method" bson:"method"`
		// ExecuteAt is the absolute due time.
		ExecuteAt time.Time `json:"execute_at" bson:"execute_at"`
		// Args holds the structured invocation arguments. Non-primitive
		// values are stored textually per Serializers.
		Args map[string]any `json:"args,omitempty" bson:"args,omitempty"`
		// Serializers maps argument names to serializer registry keys used to
		// rehydrate non-primitive arguments before invocation.
		Serializers map[string]string `json:"serializers,omitempty" bson:"serializers,omitempty"`
		// LockedUntil is the claim lease. A call is claimable when due and the
		// lease has expired; failed invocations retry after lease expiry.
		LockedUntil time.Time `json:"locked_until,omitempty" bson:"locked_until,omitempty"`
		// Processed marks a successfully invoked call.
		Processed bool `json:"processed" bson:"processed"`

		CreatedAt time.Time `json:"created_at" bson:"created_at"`
	}

	// ActionDefinition is the persistent record of a registered action.
	ActionDefinition struct {
		ID string `json:"id" bson:"id"`
		// Name is the unique action name ("std.echo").
		Name        string `json:"name" bson:"name"`
		Description string `json:"description,omitempty" bson:"description,omitempty"`
		// Definition is the raw YAML text the action was created from.
		Definition string `json:"definition,omitempty" bson:"definition,omitempty"`
		// IsSystem marks builtin actions, which cannot be modified.
		IsSystem bool `json:"is_system" bson:"is_system"`

		CreatedAt time.Time `json:"created_at" bson:"created_at"`
		UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
	}
)

// Policy runtime-context keys. All policy bookkeeping lives in
// TaskExecution.RuntimeContext under these keys and is persisted with the
// task.
const (
	WaitBeforePolicyKey  = "wait_before_policy"
	WaitAfterPolicyKey   = "wait_after_policy"
	RetryPolicyKey       = "retry_task_policy"
	PauseBeforePolicyKey = "pause_before_policy"
	ConcurrencyKey       = "concurrency"
)
