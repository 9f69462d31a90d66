package capability

import (
	"context"
	"fmt"
	"sort"
)

// Tool is a callable capability the oracle may request during a stage.
// Invoke returns the raw textual result; expected failures come back as
// errors, never panics.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Invoke(ctx context.Context, args map[string]interface{}) (string, error)
}

// ErrToolMissing indicates a required tool is not registered.
var ErrToolMissing = fmt.Errorf("required tool missing")

// Registry holds tools keyed by name. Lookups on unknown names report
// absence through the ok bool rather than failing.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry registers tools and ensures every required name exists.
func NewRegistry(tools []Tool, required []string) (*Registry, error) {
	reg := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t == nil {
			continue
		}
		if _, dup := reg.tools[t.Name()]; dup {
			return nil, fmt.Errorf("duplicate tool registration: %s", t.Name())
		}
		reg.tools[t.Name()] = t
	}
	for _, name := range required {
		if _, ok := reg.tools[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrToolMissing, name)
		}
	}
	return reg, nil
}

// Resolve returns the tool registered under name.
func (r *Registry) Resolve(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subset builds a registry restricted to the named tools. Unknown names are
// skipped so stage tool lists can be tuned without breaking startup.
func (r *Registry) Subset(names ...string) *Registry {
	sub := &Registry{tools: make(map[string]Tool, len(names))}
	for _, name := range names {
		if t, ok := r.Resolve(name); ok {
			sub.tools[name] = t
		}
	}
	return sub
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName        string
	ToolDescription string
	ToolParameters  map[string]interface{}
	Fn              func(ctx context.Context, args map[string]interface{}) (string, error)
}

func (f Func) Name() string                       { return f.ToolName }
func (f Func) Description() string                { return f.ToolDescription }
func (f Func) Parameters() map[string]interface{} { return f.ToolParameters }

func (f Func) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	return f.Fn(ctx, args)
}
