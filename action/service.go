package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maestroflow/maestro/store"
	"github.com/maestroflow/maestro/workflow"
)

// ErrSystemAction indicates an attempt to modify a builtin system action.
var ErrSystemAction = errors.New("system actions cannot be modified")

// Service manages the persistent action catalog. Builtin actions are seeded
// as system definitions, which cannot be modified through the service.
type Service struct {
	store    store.Store
	registry *Registry
}

// NewService returns a Service over the given store and registry.
func NewService(st store.Store, registry *Registry) *Service {
	return &Service{store: st, registry: registry}
}

// EnsureBuiltins seeds a definition row for every registered builtin action.
// Existing rows are left untouched, so the call is safe at every startup.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	for _, d := range s.registry.List() {
		now := time.Now()
		def := &workflow.ActionDefinition{
			ID:          uuid.NewString(),
			Name:        d.Name,
			Description: d.Description,
			IsSystem:    true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.store.CreateActionDefinition(ctx, def); err != nil {
			if errors.Is(err, workflow.ErrDuplicate) {
				continue
			}
			return fmt.Errorf("seed action %q: %w", d.Name, err)
		}
	}
	return nil
}

// Create registers a new action definition. Name collisions fail with
// workflow.ErrDuplicate.
func (s *Service) Create(ctx context.Context, name, description, definition string) (*workflow.ActionDefinition, error) {
	now := time.Now()
	def := &workflow.ActionDefinition{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Definition:  definition,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateActionDefinition(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

// Update replaces an existing non-system definition.
func (s *Service) Update(ctx context.Context, name, description, definition string) (*workflow.ActionDefinition, error) {
	def, err := s.store.GetActionDefinition(ctx, name)
	if err != nil {
		return nil, err
	}
	if def.IsSystem {
		return nil, fmt.Errorf("action %q: %w", name, ErrSystemAction)
	}
	def.Description = description
	def.Definition = definition
	def.UpdatedAt = time.Now()
	if err := s.store.UpdateActionDefinition(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

// Get returns the definition registered under name.
func (s *Service) Get(ctx context.Context, name string) (*workflow.ActionDefinition, error) {
	return s.store.GetActionDefinition(ctx, name)
}

// List returns all definitions in creation order.
func (s *Service) List(ctx context.Context) ([]*workflow.ActionDefinition, error) {
	return s.store.ListActionDefinitions(ctx)
}
