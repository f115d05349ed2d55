// Package scheduler implements durable delayed calls. A scheduled call names
// a registered target method plus arguments and an absolute due time; a poll
// loop claims due calls with a lease and invokes the target. Invocation is
// at-least-once: a call is deleted only after its target returns without
// error, and a crashed or failed invocation is retried once the lease
// expires. Targets must therefore be idempotent.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/maestroflow/maestro/store"
	"github.com/maestroflow/maestro/workflow"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultLease        = 30 * time.Second
	defaultBatchSize    = 10
)

type (
	// TargetFunc is an invocable scheduled-call target. Args are the
	// deserialized call arguments.
	TargetFunc func(ctx context.Context, args map[string]any) error

	// Serializer converts a non-primitive argument to and from the textual
	// form stored with the call.
	Serializer interface {
		Serialize(v any) (string, error)
		Deserialize(s string) (any, error)
	}

	// Options configures a Scheduler.
	Options struct {
		// Store is the persistence backend. Required.
		Store store.Store
		// PollInterval is the claim cadence. Defaults to 500ms.
		PollInterval time.Duration
		// Lease is the claim duration. A failed invocation becomes claimable
		// again once its lease expires. Defaults to 30s.
		Lease time.Duration
		// BatchSize bounds the number of calls claimed per poll. Defaults
		// to 10.
		BatchSize int
	}

	// Scheduler persists future invocations and drives them when due.
	Scheduler struct {
		store       store.Store
		interval    time.Duration
		lease       time.Duration
		batch       int
		limiter     *rate.Limiter
		mu          sync.RWMutex
		targets     map[string]TargetFunc
		serializers map[string]Serializer
		stop        chan struct{}
		done        chan struct{}
		started     bool
	}
)

// New returns a Scheduler. The TaskResult serializer is pre-registered so
// policies can round-trip results through scheduled-call arguments.
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	lease := opts.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	s := &Scheduler{
		store:       opts.Store,
		interval:    interval,
		lease:       lease,
		batch:       batch,
		limiter:     rate.NewLimiter(rate.Every(interval), 1),
		targets:     make(map[string]TargetFunc),
		serializers: make(map[string]Serializer),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.RegisterSerializer(workflow.TaskResultSerializerName, workflow.TaskResultSerializer{})
	return s, nil
}

// RegisterTarget installs the function invoked for calls scheduled under
// method. Later registrations replace earlier ones.
func (s *Scheduler) RegisterTarget(method string, fn TargetFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[method] = fn
}

// RegisterSerializer installs a named argument serializer.
func (s *Scheduler) RegisterSerializer(name string, ser Serializer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serializers[name] = ser
}

// ScheduleCall persists a call to method due after delay. Arguments named in
// serializers are stored in serialized form and rehydrated before invocation.
// The call is created through tx so it commits with the caller's transaction.
func (s *Scheduler) ScheduleCall(ctx context.Context, tx store.Tx, method string, delay time.Duration, args map[string]any, serializers map[string]string) error {
	stored := make(map[string]any, len(args))
	for k, v := range args {
		stored[k] = v
	}
	for name, serName := range serializers {
		ser, err := s.serializer(serName)
		if err != nil {
			return err
		}
		v, ok := stored[name]
		if !ok {
			continue
		}
		text, err := ser.Serialize(v)
		if err != nil {
			return fmt.Errorf("serialize argument %q: %w", name, err)
		}
		stored[name] = text
	}
	call := &workflow.ScheduledCall{
		ID:          uuid.NewString(),
		Method:      method,
		ExecuteAt:   time.Now().Add(delay),
		Args:        stored,
		Serializers: serializers,
		CreatedAt:   time.Now(),
	}
	return tx.CreateScheduledCall(ctx, call)
}

// Start launches the poll loop. It returns immediately; Stop shuts the loop
// down and waits for in-flight invocations.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		for {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			default:
			}
			s.poll(ctx)
		}
	}()
}

// Stop terminates the poll loop and blocks until it exits.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	close(s.stop)
	<-s.done
}

// poll claims and invokes one batch of due calls. Claims happen outside any
// transaction, so a concurrent scheduler never sees the same call while the
// lease holds.
func (s *Scheduler) poll(ctx context.Context) {
	calls, err := s.store.ClaimDueCalls(ctx, time.Now(), s.lease, s.batch)
	if err != nil {
		log.Errorf(ctx, err, "claim due calls")
		return
	}
	for _, call := range calls {
		s.invoke(ctx, call)
	}
}

func (s *Scheduler) invoke(ctx context.Context, call *workflow.ScheduledCall) {
	ctx = log.With(ctx, log.KV{K: "call_id", V: call.ID}, log.KV{K: "method", V: call.Method})
	fn, err := s.target(call.Method)
	if err != nil {
		log.Errorf(ctx, err, "resolve scheduled call target")
		return
	}
	args, err := s.rehydrate(call)
	if err != nil {
		log.Errorf(ctx, err, "rehydrate scheduled call arguments")
		return
	}
	if err := fn(ctx, args); err != nil {
		// Leave the call for retry after lease expiry.
		log.Errorf(ctx, err, "scheduled call failed")
		return
	}
	if err := s.store.DeleteScheduledCall(ctx, call.ID); err != nil {
		log.Errorf(ctx, err, "delete processed scheduled call")
	}
}

func (s *Scheduler) rehydrate(call *workflow.ScheduledCall) (map[string]any, error) {
	args := make(map[string]any, len(call.Args))
	for k, v := range call.Args {
		args[k] = v
	}
	for name, serName := range call.Serializers {
		ser, err := s.serializer(serName)
		if err != nil {
			return nil, err
		}
		text, ok := args[name].(string)
		if !ok {
			continue
		}
		v, err := ser.Deserialize(text)
		if err != nil {
			return nil, fmt.Errorf("deserialize argument %q: %w", name, err)
		}
		args[name] = v
	}
	return args, nil
}

func (s *Scheduler) target(method string) (TargetFunc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.targets[method]
	if !ok {
		return nil, fmt.Errorf("no target registered for %q", method)
	}
	return fn, nil
}

func (s *Scheduler) serializer(name string) (Serializer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ser, ok := s.serializers[name]
	if !ok {
		return nil, fmt.Errorf("no serializer registered for %q", name)
	}
	return ser, nil
}
