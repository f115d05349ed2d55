package parser

import (
	"fmt"
	"sort"
	"sync"

	"github.com/maestroflow/maestro/workflow"
)

// Catalog is an in-memory registry of workflow definitions keyed by
// (qualified) workflow name. It is safe for concurrent use. Executions embed
// a snapshot of the spec at start time, so updating a definition never
// affects running executions.
type Catalog struct {
	mu    sync.RWMutex
	specs map[string]*workflow.Spec
}

// NewCatalog returns an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{specs: make(map[string]*workflow.Spec)}
}

// CreateWorkflows parses the YAML definition and registers every workflow it
// contains. Name collisions with already registered workflows fail with
// workflow.ErrDuplicate and register nothing.
func (c *Catalog) CreateWorkflows(definition string) ([]*workflow.Spec, error) {
	specs, err := Parse(definition)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, spec := range specs {
		if _, dup := c.specs[spec.Name]; dup {
			return nil, fmt.Errorf("workflow %q: %w", spec.Name, workflow.ErrDuplicate)
		}
	}
	for _, spec := range specs {
		c.specs[spec.Name] = spec
	}
	return specs, nil
}

// UpdateWorkflows parses the YAML definition and registers or replaces every
// workflow it contains.
func (c *Catalog) UpdateWorkflows(definition string) ([]*workflow.Spec, error) {
	specs, err := Parse(definition)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, spec := range specs {
		c.specs[spec.Name] = spec
	}
	return specs, nil
}

// List returns every registered spec sorted by name.
func (c *Catalog) List() []*workflow.Spec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	specs := make([]*workflow.Spec, 0, len(c.specs))
	for _, spec := range c.specs {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Get returns the spec registered under name, or workflow.ErrNotFound.
func (c *Catalog) Get(name string) (*workflow.Spec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.specs[name]
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", name, workflow.ErrNotFound)
	}
	return spec, nil
}
