package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that no record exists for the given identifier.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate indicates a name collision when creating workflows or
	// actions.
	ErrDuplicate = errors.New("duplicate entry")
)

// InvalidInputError indicates that the workflow input does not match the
// declared parameters. Returned synchronously by start_workflow.
type InvalidInputError struct {
	Workflow string
	Reason   string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input for workflow %q: %s", e.Workflow, e.Reason)
}

// InvalidActionError indicates that an action name could not be resolved or
// that its argument set does not match the action signature. Raised
// synchronously at dispatch time.
type InvalidActionError struct {
	Action string
	Reason string
}

func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("failed to initialize action %q: %s", e.Action, e.Reason)
}

// ExpressionError indicates that the expression evaluator rejected a
// template. It surfaces as an error task result and terminates the workflow
// through the normal error path.
type ExpressionError struct {
	Expression string
	Err        error
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("expression %q: %v", e.Expression, e.Err)
}

func (e *ExpressionError) Unwrap() error { return e.Err }

// InvalidResultError indicates that an externally submitted task result is
// not valid JSON text.
type InvalidResultError struct {
	Reason string
}

func (e *InvalidResultError) Error() string {
	return fmt.Sprintf("invalid task result: %s", e.Reason)
}
