package workflow

import (
	"encoding/json"
	"fmt"
)

// TaskResult carries the outcome of a single action invocation. Exactly one
// of Data and Error is meaningful: a result with a non-nil Error is an error
// result regardless of Data. Both fields hold arbitrary JSON values; the
// engine treats them as opaque blobs.
type TaskResult struct {
	// Data is the action output on success.
	Data any `json:"data,omitempty"`
	// Error is the failure payload reported by the worker, the dispatcher or
	// a policy (timeouts). Nil means success.
	Error any `json:"error,omitempty"`
}

// SuccessResult returns a successful TaskResult wrapping data.
func SuccessResult(data any) TaskResult {
	return TaskResult{Data: data}
}

// ErrorResult returns a failed TaskResult wrapping the given error payload.
func ErrorResult(err any) TaskResult {
	return TaskResult{Error: err}
}

// IsError reports whether the result represents a failure.
func (r TaskResult) IsError() bool {
	return r.Error != nil
}

// ErrorString renders the error payload as text for state_info fields.
func (r TaskResult) ErrorString() string {
	if r.Error == nil {
		return ""
	}
	if s, ok := r.Error.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", r.Error)
}

// TaskResultSerializerName is the registry key under which the TaskResult
// serializer is installed. Scheduled calls reference serializers by this
// stable name so arguments survive process restarts.
const TaskResultSerializerName = "workflow.TaskResultSerializer"

// TaskResultSerializer converts TaskResult values to and from their textual
// form used by scheduled-call argument storage.
type TaskResultSerializer struct{}

// Serialize encodes the value as JSON text.
func (TaskResultSerializer) Serialize(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serialize task result: %w", err)
	}
	return string(b), nil
}

// Deserialize decodes JSON text produced by Serialize back into a TaskResult.
func (TaskResultSerializer) Deserialize(s string) (any, error) {
	var r TaskResult
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, fmt.Errorf("deserialize task result: %w", err)
	}
	return r, nil
}
