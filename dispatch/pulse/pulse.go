// Package pulse implements action dispatch over a Pulse stream backed by
// Redis. The engine publishes one event per action invocation; action workers
// consume the stream through a sink (consumer group) and report outcomes back
// through the engine client. Publishing is fire-and-forget: definition errors
// surface on the worker side as error task results.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/maestroflow/maestro/workflow"
)

const (
	// StreamName is the Pulse stream carrying action invocations.
	StreamName = "maestro.actions"
	// EventActionDispatch is the event name of one invocation.
	EventActionDispatch = "action.dispatch"
)

// Options configures the pulse dispatcher.
type Options struct {
	// Redis is the connection backing the Pulse stream. Required.
	Redis *redis.Client
	// StreamMaxLen bounds the number of entries kept in the stream. Zero
	// uses Pulse defaults.
	StreamMaxLen int
}

// Dispatcher publishes action invocations to the dispatch stream.
type Dispatcher struct {
	stream *streaming.Stream
}

// NewDispatcher opens the dispatch stream.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	var streamOptions []streamopts.Stream
	if opts.StreamMaxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(opts.StreamMaxLen))
	}
	stream, err := streaming.NewStream(StreamName, opts.Redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create dispatch stream: %w", err)
	}
	return &Dispatcher{stream: stream}, nil
}

// Dispatch publishes the invocation.
func (d *Dispatcher) Dispatch(ctx context.Context, actionEx *workflow.ActionExecution) error {
	payload, err := json.Marshal(actionEx)
	if err != nil {
		return fmt.Errorf("encode action invocation: %w", err)
	}
	if _, err := d.stream.Add(ctx, EventActionDispatch, payload); err != nil {
		return fmt.Errorf("publish action invocation: %w", err)
	}
	return nil
}

// Stream exposes the underlying stream so workers can attach sinks.
func (d *Dispatcher) Stream() *streaming.Stream {
	return d.stream
}
