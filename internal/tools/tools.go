// Package tools provides the tool registry and execution framework for
// the agent. Tools are declared as data (name, description, JSON schema)
// plus a handler; the orchestration loop looks them up by name and
// executes them sequentially.
package tools

import (
	"context"
	"fmt"
)

// Handler executes a tool with validated-enough arguments and returns
// formatted text (or JSON) for the LLM. Handlers are responsible for
// required-argument checks; a returned error becomes an error-shaped
// payload at the loop boundary rather than aborting the turn.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Registry holds the effective tool set for one turn. It is immutable
// after construction; build a fresh registry per request via [Builder].
type Registry struct {
	tools map[string]*Tool
	order []string
}

// Get retrieves a tool by name, or nil if not registered.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Definitions returns all tools in OpenAI function format for the LLM.
// Order is deterministic (registration order).
func (r *Registry) Definitions() []map[string]any {
	var result []map[string]any
	for _, name := range r.order {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name with the given arguments.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	return tool.Handler(ctx, args)
}

// --- Argument extraction helpers shared by tool handlers ---

// StringArg extracts a string argument, returning "" when absent.
func StringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// IntArg extracts an integer argument. JSON numbers arrive as float64.
func IntArg(args map[string]any, key string) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return 0
}

// FloatArg extracts a float argument, returning 0 when absent.
func FloatArg(args map[string]any, key string) float64 {
	if v, ok := args[key].(float64); ok {
		return v
	}
	return 0
}

// BoolArg extracts a boolean argument, returning false when absent.
func BoolArg(args map[string]any, key string) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return false
}

// StringSliceArg extracts a []string argument from a JSON array.
func StringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// IntArgOr extracts an integer argument, returning def when the key is
// absent or not a number. An explicit zero is returned as zero.
func IntArgOr(args map[string]any, key string, def int) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return def
}

// ClampInt bounds n to [lo, hi]. Tool handlers use this for
// result-count arguments, so an out-of-range request is narrowed
// rather than rejected.
func ClampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the effective registry. This indicates a capability
// mismatch (feature-gated, or nonexistent), not a transient execution
// failure. Callers should break the iteration loop rather than retrying.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}
