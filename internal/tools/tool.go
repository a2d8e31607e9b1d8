// Package tools defines the tool contract, the registry, and the dispatch
// pipeline that sits between the agent runtime and tool execution.
package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/clawdbot/internal/providers"
)

// Tool is the contract every executable tool implements. Parameters returns
// a JSON Schema object; params passed to Execute have already been validated
// against it by the dispatcher.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry holds the tools available to an agent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool under its canonical name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get looks up a tool by name, resolving aliases first.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[NormalizeName(name)]
	return t, ok
}

// List returns the canonical names of all registered tools, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeName maps an alias (e.g. "bash") to its canonical tool name.
func NormalizeName(name string) string {
	return resolveAlias(name)
}

// ToProviderDef converts a tool to the definition format sent to providers.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}
