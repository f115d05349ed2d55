// Package telemetry instruments the engine with OpenTelemetry metrics. A nil
// *Metrics disables recording, so callers never guard their call sites.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/maestroflow/maestro/workflow"
)

// Metrics holds the engine instruments.
type Metrics struct {
	workflowsStarted   metric.Int64Counter
	workflowsCompleted metric.Int64Counter
	tasksCompleted     metric.Int64Counter
	actionsDispatched  metric.Int64Counter
}

// NewMetrics creates the engine instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	started, err := meter.Int64Counter("maestro.workflows.started",
		metric.WithDescription("Workflow executions started"))
	if err != nil {
		return nil, err
	}
	completed, err := meter.Int64Counter("maestro.workflows.completed",
		metric.WithDescription("Workflow executions reaching a terminal state"))
	if err != nil {
		return nil, err
	}
	tasks, err := meter.Int64Counter("maestro.tasks.completed",
		metric.WithDescription("Task executions reaching a terminal state"))
	if err != nil {
		return nil, err
	}
	actions, err := meter.Int64Counter("maestro.actions.dispatched",
		metric.WithDescription("Action invocations handed to the dispatcher"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		workflowsStarted:   started,
		workflowsCompleted: completed,
		tasksCompleted:     tasks,
		actionsDispatched:  actions,
	}, nil
}

// WorkflowStarted records one started execution.
func (m *Metrics) WorkflowStarted(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.workflowsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", name)))
}

// WorkflowCompleted records one terminal execution.
func (m *Metrics) WorkflowCompleted(ctx context.Context, name string, state workflow.State) {
	if m == nil {
		return
	}
	m.workflowsCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", name),
		attribute.String("state", string(state)),
	))
}

// TaskCompleted records one terminal task.
func (m *Metrics) TaskCompleted(ctx context.Context, name string, state workflow.State) {
	if m == nil {
		return
	}
	m.tasksCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task", name),
		attribute.String("state", string(state)),
	))
}

// ActionDispatched records one action handed to the dispatcher.
func (m *Metrics) ActionDispatched(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.actionsDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("action", name)))
}
