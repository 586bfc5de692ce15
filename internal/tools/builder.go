package tools

import "fmt"

// Capabilities selects which optional tool groups a turn may use.
// The base tools are always present.
type Capabilities struct {
	WebSearch bool
	Email     bool
	Memory    bool
}

// Builder assembles a per-turn [Registry] from a base tool list plus
// capability-gated optional groups. Construct once per request, bind
// tool handlers to the turn, then Build.
type Builder struct {
	base      []*Tool
	webSearch []*Tool
	email     []*Tool
	memory    []*Tool
}

// NewBuilder creates an empty tool set builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Base adds always-available tools.
func (b *Builder) Base(t ...*Tool) *Builder {
	b.base = append(b.base, t...)
	return b
}

// WebSearch adds tools available only when Capabilities.WebSearch is set.
func (b *Builder) WebSearch(t ...*Tool) *Builder {
	b.webSearch = append(b.webSearch, t...)
	return b
}

// Email adds tools available only when Capabilities.Email is set.
func (b *Builder) Email(t ...*Tool) *Builder {
	b.email = append(b.email, t...)
	return b
}

// Memory adds tools available only when Capabilities.Memory is set.
func (b *Builder) Memory(t ...*Tool) *Builder {
	b.memory = append(b.memory, t...)
	return b
}

// Build produces the immutable registry for the given capability set.
// Duplicate tool names are a programming error and rejected.
func (b *Builder) Build(caps Capabilities) (*Registry, error) {
	selected := make([]*Tool, 0, len(b.base)+len(b.webSearch)+len(b.email)+len(b.memory))
	selected = append(selected, b.base...)
	if caps.WebSearch {
		selected = append(selected, b.webSearch...)
	}
	if caps.Email {
		selected = append(selected, b.email...)
	}
	if caps.Memory {
		selected = append(selected, b.memory...)
	}

	r := &Registry{tools: make(map[string]*Tool, len(selected))}
	for _, t := range selected {
		if t == nil || t.Name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if t.Handler == nil {
			return nil, fmt.Errorf("tool %q has no handler", t.Name)
		}
		if _, dup := r.tools[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tool name %q", t.Name)
		}
		r.tools[t.Name] = t
		r.order = append(r.order, t.Name)
	}
	return r, nil
}
