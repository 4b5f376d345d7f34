package tools

import (
	"sync"

	"github.com/pkg/errors"
)

// Registry manages the tool table exposed to a generation run.
type Registry interface {
	RegisterTool(name string, def Definition) error
	GetTool(name string) (*Definition, error)
	ListTools() []Definition
	UnregisterTool(name string) error

	Clone() Registry
	Merge(other Registry) Registry
}

// InMemoryRegistry is a thread-safe in-memory implementation of Registry.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]Definition
	order []string
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		tools: make(map[string]Definition),
	}
}

var _ Registry = (*InMemoryRegistry)(nil)

func (r *InMemoryRegistry) RegisterTool(name string, def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return errors.New("tool name cannot be empty")
	}
	if def.Name != "" && def.Name != name {
		return errors.Errorf("tool definition name (%s) does not match registry name (%s)", def.Name, name)
	}

	def.Name = name
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = def
	return nil
}

func (r *InMemoryRegistry) GetTool(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	if !exists {
		return nil, errors.Errorf("tool not found: %s", name)
	}
	toolCopy := tool
	return &toolCopy, nil
}

// ListTools returns the registered tools in registration order.
func (r *InMemoryRegistry) ListTools() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Definition, 0, len(r.tools))
	for _, name := range r.order {
		if tool, ok := r.tools[name]; ok {
			tools = append(tools, tool)
		}
	}
	return tools
}

func (r *InMemoryRegistry) UnregisterTool(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return errors.Errorf("tool not found: %s", name)
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *InMemoryRegistry) Clone() Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cloned := NewInMemoryRegistry()
	for _, name := range r.order {
		cloned.tools[name] = r.tools[name]
		cloned.order = append(cloned.order, name)
	}
	return cloned
}

// Merge returns a registry containing tools from both; on conflict the
// other registry wins.
func (r *InMemoryRegistry) Merge(other Registry) Registry {
	merged := r.Clone().(*InMemoryRegistry)
	for _, tool := range other.ListTools() {
		_ = merged.RegisterTool(tool.Name, tool)
	}
	return merged
}

func (r *InMemoryRegistry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.tools[name]
	return exists
}

func (r *InMemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
