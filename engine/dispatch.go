package engine

import (
	"context"
	"fmt"

	"goa.design/clue/log"

	"github.com/maestroflow/maestro/action"
	"github.com/maestroflow/maestro/rpc"
	"github.com/maestroflow/maestro/workflow"
)

// Dispatcher hands a ready action invocation off for execution. Dispatch
// returns immediately; the executing side reports the outcome through
// EngineClient.OnActionComplete. A synchronous error means the action could
// not even be initialized (unknown name, bad argument set) and the engine
// converts it into an error task result so the task is not lost.
type Dispatcher interface {
	Dispatch(ctx context.Context, actionEx *workflow.ActionExecution) error
}

// LocalDispatcher runs actions in-process. It resolves the runner
// synchronously, so definition errors surface at dispatch time, and executes
// it on a goroutine that reports back through the engine client.
type LocalDispatcher struct {
	registry *action.Registry
	client   rpc.EngineClient
}

var _ Dispatcher = (*LocalDispatcher)(nil)

// NewLocalDispatcher returns a LocalDispatcher over the given registry. The
// engine client is injected with SetClient once the engine exists.
func NewLocalDispatcher(registry *action.Registry) *LocalDispatcher {
	return &LocalDispatcher{registry: registry}
}

// SetClient installs the completion callback target. Must be called before
// the first Dispatch.
func (d *LocalDispatcher) SetClient(client rpc.EngineClient) {
	d.client = client
}

// Dispatch resolves and asynchronously runs the action.
func (d *LocalDispatcher) Dispatch(ctx context.Context, actionEx *workflow.ActionExecution) error {
	if d.client == nil {
		return fmt.Errorf("dispatcher has no engine client")
	}
	runner, err := d.registry.Resolve(actionEx.Name, actionEx.Input)
	if err != nil {
		return err
	}
	// The invocation outlives the request that triggered it.
	runCtx := context.WithoutCancel(ctx)
	go func() {
		out, runErr := runner.Run(runCtx, actionEx.Input)
		var result workflow.TaskResult
		if runErr != nil {
			result = workflow.ErrorResult(runErr.Error())
		} else {
			result = workflow.SuccessResult(out)
		}
		if _, err := d.client.OnActionComplete(runCtx, actionEx.ID, result); err != nil {
			lctx := log.With(runCtx, log.KV{K: "action_ex_id", V: actionEx.ID})
			log.Errorf(lctx, err, "report action completion")
		}
	}()
	return nil
}
