package envelope

import (
	"context"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/vinodismyname/sheetforge/internal/registry"
	"github.com/vinodismyname/sheetforge/pkg/mcperr"
)

func okHandler(text string) func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(text), nil
	}
}

func TestToolMiddlewareRejectsDisabledTool(t *testing.T) {
	filter := registry.NewToolFilter([]string{"save_fork"})
	mw := New(filter, 0)

	req := mcp.CallToolRequest{}
	req.Params.Name = "save_fork"

	handler := mw.ToolMiddleware(okHandler("should not run"))
	res, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected an error result for a disabled tool")
	}
	if !strings.Contains(textOf(res), string(mcperr.ToolDisabled)) {
		t.Fatalf("expected tool_disabled code in result, got %q", textOf(res))
	}
}

func TestToolMiddlewarePassesThroughEnabledTool(t *testing.T) {
	filter := registry.NewToolFilter(nil)
	mw := New(filter, 0)

	req := mcp.CallToolRequest{}
	req.Params.Name = "list_workbooks"

	handler := mw.ToolMiddleware(okHandler("ok"))
	res, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsError {
		t.Fatalf("expected success, got error result: %q", textOf(res))
	}
}

func TestToolMiddlewareCapsResponseSize(t *testing.T) {
	filter := registry.NewToolFilter(nil)
	mw := New(filter, 64)

	req := mcp.CallToolRequest{}
	req.Params.Name = "range_values"

	handler := mw.ToolMiddleware(okHandler(strings.Repeat("x", 1024)))
	res, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected response_too_large error result")
	}
	if !strings.Contains(textOf(res), string(mcperr.ResponseTooLarge)) {
		t.Fatalf("expected response_too_large code, got %q", textOf(res))
	}
}

func TestToolMiddlewareAllowsResponseUnderCap(t *testing.T) {
	filter := registry.NewToolFilter(nil)
	mw := New(filter, 1024*1024)

	req := mcp.CallToolRequest{}
	req.Params.Name = "range_values"

	handler := mw.ToolMiddleware(okHandler("small"))
	res, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsError {
		t.Fatalf("expected success under the cap, got error: %q", textOf(res))
	}
}

func textOf(res *mcp.CallToolResult) string {
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}
