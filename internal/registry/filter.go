package registry

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// ToolFilter hides configured tools from discovery and blocks calls to them
// at the envelope layer (spec.md §6: disabled tools surface TOOL_DISABLED,
// not NOT_FOUND, so a client can tell "never existed" from "turned off").
type ToolFilter struct {
	disabled map[string]struct{}
}

// NewToolFilter builds a filter from a configured disabled-tool name list.
// Names turned off by feature flags (e.g. recalc_enabled=false) are added
// afterwards with Disable.
func NewToolFilter(disabledNames []string) *ToolFilter {
	set := make(map[string]struct{}, len(disabledNames))
	for _, n := range disabledNames {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			set[n] = struct{}{}
		}
	}
	return &ToolFilter{disabled: set}
}

// Disable adds a tool name to the disabled set, e.g. when a feature flag
// turns off an entire family of tools (recalc, write) at startup.
func (f *ToolFilter) Disable(name string) {
	f.disabled[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
}

// IsDisabled reports whether the named tool is currently disabled.
func (f *ToolFilter) IsDisabled(name string) bool {
	_, ok := f.disabled[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// FilterTools implements mcp-go's server.ToolFilterFunc: it hides disabled
// tools from list_tools discovery entirely.
func (f *ToolFilter) FilterTools(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
	if len(f.disabled) == 0 {
		return tools
	}
	out := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		if f.IsDisabled(t.Name) {
			continue
		}
		out = append(out, t)
	}
	return out
}
