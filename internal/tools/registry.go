// Package tools provides the tool registry and the per-session executor that
// runs LLM-requested tool calls against backend integrations.
//
// A [Registry] maps tool slugs to descriptors; each descriptor lists the
// integrations that can back the tool (e.g. the "product_stock" tool backed
// by the "woocommerce" integration). Agents enable tools through their
// agent_tools bindings; the [Executor] resolves a call to the bound
// integration, instantiates it once per session, and returns the result as a
// tagged JSON document.
package tools

import (
	"context"
	"fmt"
	"sync"
)

// Integration executes a single tool against one backend. Implementations
// are created per session by a [Factory] and closed when the session ends.
type Integration interface {
	// Execute runs the tool with the given arguments and returns the result
	// document. A returned error is converted into a {"success":false}
	// result by the executor; integrations should reserve errors for
	// backend failures and encode domain outcomes ("not found", "not
	// verified") in the result itself.
	Execute(ctx context.Context, args map[string]any) (map[string]any, error)

	// Close releases any resources held by the integration.
	Close() error
}

// Factory builds an [Integration] from the binding's config map
// (endpoint URLs, credentials, options).
type Factory func(config map[string]any) (Integration, error)

// Descriptor declares one tool: its LLM-facing schema and the integrations
// that can back it.
type Descriptor struct {
	// Slug is the stable tool identifier used in agent_tools bindings and in
	// LLM tool definitions.
	Slug string

	// Name is the human-readable tool name.
	Name string

	// Description is included in LLM prompts.
	Description string

	// Parameters is the JSON Schema for the tool's arguments.
	Parameters map[string]any

	// Integrations maps integration slugs to their factories.
	Integrations map[string]Factory

	// Catalog marks tools whose integration can export a product catalog for
	// RAG indexing (implements [CatalogSource]).
	Catalog bool
}

// Registry maps tool slugs to descriptors. Populate it once during startup;
// it is safe for concurrent reads afterwards.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]Descriptor)}
}

// Register adds a descriptor under its slug. Subsequent calls with the same
// slug overwrite the previous registration.
func (r *Registry) Register(d Descriptor) error {
	if d.Slug == "" {
		return fmt.Errorf("tools: register: slug must not be empty")
	}
	if len(d.Integrations) == 0 {
		return fmt.Errorf("tools: register %q: at least one integration required", d.Slug)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[d.Slug] = d
	return nil
}

// Get returns the descriptor registered under slug.
func (r *Registry) Get(slug string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[slug]
	return d, ok
}

// Factory resolves the factory for a (tool, integration) pair.
func (r *Registry) Factory(toolSlug, integrationSlug string) (Factory, error) {
	d, ok := r.Get(toolSlug)
	if !ok {
		return nil, fmt.Errorf("tools: unknown tool %q", toolSlug)
	}
	f, ok := d.Integrations[integrationSlug]
	if !ok {
		return nil, fmt.Errorf("tools: tool %q has no integration %q", toolSlug, integrationSlug)
	}
	return f, nil
}

// CatalogSlugs returns the slugs of all registered catalog-capable tools.
// The product sync scheduler sweeps bindings of these tools.
func (r *Registry) CatalogSlugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var slugs []string
	for slug, d := range r.descriptors {
		if d.Catalog {
			slugs = append(slugs, slug)
		}
	}
	return slugs
}
