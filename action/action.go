// Package action provides the action runner registry and the builtin system
// actions. An action is resolved by name at dispatch time; resolution
// validates the supplied input against the action's declared parameters so a
// typo in a workflow definition fails the task instead of silently dropping
// the value.
package action

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maestroflow/maestro/workflow"
)

type (
	// Runner executes one action invocation.
	Runner interface {
		// Run executes the action with the resolved input and returns its
		// output. A returned error becomes an error task result, not an
		// engine failure.
		Run(ctx context.Context, input map[string]any) (any, error)
	}

	// Descriptor describes a registered action: its name, the parameters it
	// accepts and a constructor.
	Descriptor struct {
		// Name is the unique action name ("std.echo").
		Name string
		// Description is shown in the action catalog.
		Description string
		// Params lists the accepted input parameter names.
		Params []string
		// Required lists parameters that must be present.
		Required []string
		// New returns a Runner bound to the given input.
		New func(input map[string]any) Runner
	}

	// Registry resolves action names to runners. Safe for concurrent use.
	Registry struct {
		mu          sync.RWMutex
		descriptors map[string]Descriptor
	}
)

// NewRegistry returns a Registry pre-populated with the builtin std actions.
func NewRegistry() *Registry {
	r := &Registry{descriptors: make(map[string]Descriptor)}
	for _, d := range builtins() {
		r.Register(d)
	}
	return r
}

// Register installs a descriptor, replacing any previous registration.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[d.Name] = d
}

// Describe returns the descriptor registered under name.
func (r *Registry) Describe(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve validates input against the action's declared parameters and
// returns a runner bound to it. Unknown actions and invalid inputs fail with
// workflow.InvalidActionError.
func (r *Registry) Resolve(name string, input map[string]any) (Runner, error) {
	d, ok := r.Describe(name)
	if !ok {
		return nil, &workflow.InvalidActionError{Action: name, Reason: "action is not registered"}
	}
	declared := make(map[string]bool, len(d.Params))
	for _, p := range d.Params {
		declared[p] = true
	}
	for k := range input {
		if !declared[k] {
			return nil, &workflow.InvalidActionError{
				Action: name,
				Reason: fmt.Sprintf("unexpected parameter %q", k),
			}
		}
	}
	for _, p := range d.Required {
		if _, ok := input[p]; !ok {
			return nil, &workflow.InvalidActionError{
				Action: name,
				Reason: fmt.Sprintf("missing required parameter %q", p),
			}
		}
	}
	return d.New(input), nil
}

type runnerFunc func(ctx context.Context, input map[string]any) (any, error)

func (f runnerFunc) Run(ctx context.Context, input map[string]any) (any, error) {
	return f(ctx, input)
}

func builtins() []Descriptor {
	return []Descriptor{
		{
			Name:        "std.echo",
			Description: "Returns its output parameter unchanged.",
			Params:      []string{"output", "delay"},
			Required:    []string{"output"},
			New: func(input map[string]any) Runner {
				return runnerFunc(func(ctx context.Context, in map[string]any) (any, error) {
					if d, ok := numberSeconds(in["delay"]); ok && d > 0 {
						select {
						case <-time.After(d):
						case <-ctx.Done():
							return nil, ctx.Err()
						}
					}
					return in["output"], nil
				})
			},
		},
		{
			Name:        "std.noop",
			Description: "Does nothing and succeeds.",
			New: func(input map[string]any) Runner {
				return runnerFunc(func(ctx context.Context, in map[string]any) (any, error) {
					return nil, nil
				})
			},
		},
		{
			Name:        "std.fail",
			Description: "Always fails. Useful for exercising error paths.",
			Params:      []string{"error_data"},
			New: func(input map[string]any) Runner {
				return runnerFunc(func(ctx context.Context, in map[string]any) (any, error) {
					if data, ok := in["error_data"]; ok {
						return nil, fmt.Errorf("%v", data)
					}
					return nil, fmt.Errorf("fail action expected failure")
				})
			},
		},
	}
}

// numberSeconds interprets a delay parameter, which decodes as an int, int64
// or float64 depending on the source.
func numberSeconds(v any) (time.Duration, bool) {
	switch t := v.(type) {
	case int:
		return time.Duration(t) * time.Second, true
	case int64:
		return time.Duration(t) * time.Second, true
	case float64:
		return time.Duration(t * float64(time.Second)), true
	default:
		return 0, false
	}
}
