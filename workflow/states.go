// Package workflow defines the domain model shared by the engine, the
// scheduler and the stores: workflow and task specifications parsed from
// workbook definitions, persistent execution records, task results, and the
// error taxonomy surfaced by engine operations.
package workflow

// State represents the lifecycle state of a workflow or task execution.
type State string

const (
	// StateIdle indicates the execution has been created but not started yet.
	StateIdle State = "IDLE"
	// StateRunning indicates the execution is actively running.
	StateRunning State = "RUNNING"
	// StateDelayed indicates a task execution parked until a scheduled call
	// re-drives it (wait/retry policies).
	StateDelayed State = "DELAYED"
	// StatePaused indicates a workflow execution parked awaiting an explicit
	// resume.
	StatePaused State = "PAUSED"
	// StateSuccess indicates the execution finished successfully.
	StateSuccess State = "SUCCESS"
	// StateError indicates the execution failed permanently.
	StateError State = "ERROR"
)

// Completed reports whether the state is terminal. Terminal executions are
// never revived; engine operations use this as their idempotence guard.
func (s State) Completed() bool {
	return s == StateSuccess || s == StateError
}
