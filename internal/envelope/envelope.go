// Package envelope layers the request-level guarantees spec.md's Request
// Envelope component promises on top of internal/runtime's concurrency and
// timeout middleware: tool-disabled rejection (so a client that calls an
// undiscovered-but-disabled tool by name still gets a coded rejection, not a
// silent pass-through) and a response-size cap that fires regardless of
// whether the underlying handler itself succeeded.
package envelope

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/vinodismyname/sheetforge/internal/registry"
	"github.com/vinodismyname/sheetforge/pkg/mcperr"
)

// Middleware enforces the tool-disabled set and the response-size cap
// around every tool call, in addition to whatever concurrency/timeout
// middleware the caller also installs.
type Middleware struct {
	filter           *registry.ToolFilter
	maxResponseBytes int
}

// New constructs an envelope Middleware. maxResponseBytes <= 0 disables the
// response-size cap.
func New(filter *registry.ToolFilter, maxResponseBytes int) *Middleware {
	return &Middleware{filter: filter, maxResponseBytes: maxResponseBytes}
}

// ToolMiddleware implements mcp-go's tool handler middleware interface.
func (m *Middleware) ToolMiddleware(next server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if m.filter != nil && m.filter.IsDisabled(req.Params.Name) {
			return mcperr.New(mcperr.ToolDisabled, "tool \""+req.Params.Name+"\" is disabled by server configuration"), nil
		}

		res, err := next(ctx, req)
		if err != nil || res == nil {
			return res, err
		}

		if m.maxResponseBytes > 0 {
			if size, sizeErr := responseSize(res); sizeErr == nil && size > m.maxResponseBytes {
				return mcperr.New(mcperr.ResponseTooLarge, "response payload exceeds the configured maximum"), nil
			}
		}

		return res, err
	}
}

// responseSize approximates the wire size of a CallToolResult by
// JSON-marshaling it the same way a transport would serialize it back to
// the client.
func responseSize(res *mcp.CallToolResult) (int, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}
