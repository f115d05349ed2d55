// Package worker runs actions published on the dispatch stream. A worker
// attaches a Pulse sink (consumer group) to the stream, resolves each
// invocation against its action registry, runs it, and reports the outcome to
// the engine. Multiple workers sharing a sink name split the load; unacked
// events are redelivered, so handling is idempotent on the engine side.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"goa.design/pulse/streaming"

	"github.com/maestroflow/maestro/action"
	"github.com/maestroflow/maestro/dispatch/pulse"
	"github.com/maestroflow/maestro/rpc"
	"github.com/maestroflow/maestro/workflow"
)

// DefaultSinkName is the consumer group shared by action workers.
const DefaultSinkName = "maestro-workers"

type (
	// Options configures a worker.
	Options struct {
		// Redis is the connection backing the dispatch stream. Required.
		Redis *redis.Client
		// Registry resolves action names to runners. Required.
		Registry *action.Registry
		// Client reports action outcomes back to the engine. Required.
		Client rpc.EngineClient
		// SinkName overrides the consumer group name. Defaults to
		// DefaultSinkName.
		SinkName string
	}

	// Worker consumes the dispatch stream and executes actions.
	Worker struct {
		registry *action.Registry
		client   rpc.EngineClient
		sink     *streaming.Sink
		wg       sync.WaitGroup
	}
)

// New attaches a sink to the dispatch stream and returns a stopped worker.
func New(ctx context.Context, opts Options) (*Worker, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("action registry is required")
	}
	if opts.Client == nil {
		return nil, errors.New("engine client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = DefaultSinkName
	}
	stream, err := streaming.NewStream(pulse.StreamName, opts.Redis)
	if err != nil {
		return nil, fmt.Errorf("open dispatch stream: %w", err)
	}
	sink, err := stream.NewSink(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create dispatch sink: %w", err)
	}
	return &Worker{
		registry: opts.Registry,
		client:   opts.Client,
		sink:     sink,
	}, nil
}

// Start consumes the sink until Stop is called or the sink channel closes.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ch := w.sink.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				w.handle(ctx, evt)
			}
		}
	}()
}

// Stop closes the sink and waits for in-flight invocations to drain.
func (w *Worker) Stop(ctx context.Context) {
	w.sink.Close(ctx)
	w.wg.Wait()
}

func (w *Worker) handle(ctx context.Context, evt *streaming.Event) {
	var actionEx workflow.ActionExecution
	if err := json.Unmarshal(evt.Payload, &actionEx); err != nil {
		// Malformed payloads can never succeed, ack to drop them.
		log.Errorf(ctx, err, "decode action invocation")
		w.ack(ctx, evt)
		return
	}
	lctx := log.With(ctx, log.KV{K: "action_ex_id", V: actionEx.ID}, log.KV{K: "action", V: actionEx.Name})

	result := w.run(lctx, &actionEx)
	if _, err := w.client.OnActionComplete(lctx, actionEx.ID, result); err != nil {
		// Leave the event pending so another worker retries delivery.
		log.Errorf(lctx, err, "report action completion")
		return
	}
	w.ack(lctx, evt)
}

// run executes the action and converts both definition errors and runtime
// failures into error results.
func (w *Worker) run(ctx context.Context, actionEx *workflow.ActionExecution) workflow.TaskResult {
	runner, err := w.registry.Resolve(actionEx.Name, actionEx.Input)
	if err != nil {
		return workflow.ErrorResult(err.Error())
	}
	data, err := runner.Run(ctx, actionEx.Input)
	if err != nil {
		return workflow.ErrorResult(err.Error())
	}
	return workflow.SuccessResult(data)
}

func (w *Worker) ack(ctx context.Context, evt *streaming.Event) {
	if err := w.sink.Ack(ctx, evt); err != nil {
		log.Errorf(ctx, err, "ack dispatch event")
	}
}
