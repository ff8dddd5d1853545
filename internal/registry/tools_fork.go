package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/vinodismyname/sheetforge/internal/diffengine"
	"github.com/vinodismyname/sheetforge/internal/forks"
	"github.com/vinodismyname/sheetforge/internal/recalc"
	"github.com/vinodismyname/sheetforge/internal/runtime"
	"github.com/vinodismyname/sheetforge/pkg/mcperr"
)

// --- create_fork ---

// CreateForkInput names the workbook to fork.
type CreateForkInput struct {
	WorkbookID string `json:"workbook_id" validate:"workbookid" jsonschema_description:"Canonical workbook id or unambiguous alias"`
}

// CreateForkOutput reports the new fork's identity.
type CreateForkOutput struct {
	ForkID     string `json:"fork_id"`
	Alias      string `json:"alias"`
	WorkbookID string `json:"workbook_id"`
}

// --- edit_batch ---

// CellEditInput is one client-supplied cell mutation.
type CellEditInput struct {
	Sheet     string `json:"sheet" jsonschema_description:"Sheet name"`
	Address   string `json:"address" jsonschema_description:"A1 cell address, e.g. B7"`
	Value     any    `json:"value" jsonschema_description:"Literal value, or formula text when is_formula is true"`
	IsFormula bool   `json:"is_formula,omitempty" jsonschema_description:"Treat value as a formula (without the leading '=')"`
}

// EditBatchInput stages a batch of cell edits against a fork.
type EditBatchInput struct {
	ForkID string          `json:"fork_id" validate:"workbookid" jsonschema_description:"Fork id returned by create_fork"`
	Edits  []CellEditInput `json:"edits" jsonschema_description:"Ordered batch of cell edits, applied all-or-nothing"`
}

// EditBatchOutput reports how many edits were applied.
type EditBatchOutput struct {
	ForkID  string `json:"fork_id"`
	Applied int    `json:"applied"`
}

// --- recalculate ---

// RecalculateInput names the fork to recalculate.
type RecalculateInput struct {
	ForkID string `json:"fork_id" validate:"workbookid" jsonschema_description:"Fork id returned by create_fork"`
}

// RecalculateOutput confirms recalculation completed.
type RecalculateOutput struct {
	ForkID string `json:"fork_id"`
	Status string `json:"status"`
}

// --- get_changeset ---

// GetChangesetInput names the fork whose changes should be diffed against
// its base workbook.
type GetChangesetInput struct {
	ForkID string `json:"fork_id" validate:"workbookid" jsonschema_description:"Fork id returned by create_fork"`
}

// GetChangesetOutput carries the computed changeset.
type GetChangesetOutput struct {
	ForkID    string               `json:"fork_id"`
	Changeset diffengine.Changeset `json:"changeset"`
}

// --- save_fork ---

// SaveForkInput writes a fork's work file to a workspace-relative target.
type SaveForkInput struct {
	ForkID         string `json:"fork_id" validate:"workbookid" jsonschema_description:"Fork id returned by create_fork"`
	TargetPath     string `json:"target_path" validate:"filepath_ext" jsonschema_description:"Destination path, resolved within the workspace root"`
	AllowOverwrite bool   `json:"allow_overwrite,omitempty" jsonschema_description:"Overwrite target_path if it already exists"`
}

// SaveForkOutput confirms the save and reports the fork as discarded.
type SaveForkOutput struct {
	ForkID     string `json:"fork_id"`
	TargetPath string `json:"target_path"`
}

// --- discard_fork ---

// DiscardForkInput names the fork to discard without saving.
type DiscardForkInput struct {
	ForkID string `json:"fork_id" validate:"workbookid" jsonschema_description:"Fork id returned by create_fork"`
}

// DiscardForkOutput confirms the discard.
type DiscardForkOutput struct {
	ForkID string `json:"fork_id"`
}

// RegisterForkTools registers the fork lifecycle and edit/recalc/diff tool
// surface: create_fork, edit_batch, recalculate, get_changeset, save_fork,
// discard_fork.
func RegisterForkTools(s *server.MCPServer, reg *Registry, forkRegistry *forks.Registry, orchestrator *recalc.Orchestrator, limits runtime.Limits) {
	registerCreateFork(s, reg, forkRegistry)
	registerEditBatch(s, reg, forkRegistry, limits)
	registerRecalculate(s, reg, orchestrator)
	registerGetChangeset(s, reg, forkRegistry, limits)
	registerSaveFork(s, reg, forkRegistry)
	registerDiscardFork(s, reg, forkRegistry)
}

func registerCreateFork(s *server.MCPServer, reg *Registry, forkRegistry *forks.Registry) {
	tool := mcp.NewTool(
		"create_fork",
		mcp.WithDescription("Create an isolated, writable fork of a workbook for staged edits"),
		mcp.WithString("workbook_id", mcp.Required(), mcp.Description("Canonical workbook id or unambiguous alias")),
		mcp.WithOutputSchema[CreateForkOutput](),
	)
	s.AddTool(tool, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in CreateForkInput) (*mcp.CallToolResult, error) {
		return createForkCore(ctx, forkRegistry, in)
	}))
	reg.Register(tool)
}

func createForkCore(ctx context.Context, forkRegistry *forks.Registry, in CreateForkInput) (*mcp.CallToolResult, error) {
	if res, bad := validateInput(in); bad {
		return res, nil
	}
	workbookID := strings.TrimSpace(in.WorkbookID)
	if workbookID == "" {
		return mcperr.New(mcperr.Validation, "workbook_id is required"), nil
	}
	f, err := forkRegistry.CreateFork(ctx, workbookID)
	if err != nil {
		return forkErrorResult("create_fork", err), nil
	}
	out := CreateForkOutput{ForkID: f.ID, Alias: f.Alias, WorkbookID: f.WorkbookID}
	text := fmt.Sprintf("fork=%s workbook=%s", f.ID, f.WorkbookID)
	res := mcp.NewToolResultStructured(out, text)
	res.Content = []mcp.Content{mcp.NewTextContent(text)}
	return res, nil
}

func registerEditBatch(s *server.MCPServer, reg *Registry, forkRegistry *forks.Registry, limits runtime.Limits) {
	tool := mcp.NewTool(
		"edit_batch",
		mcp.WithDescription("Apply an ordered, all-or-nothing batch of cell edits to a fork"),
		mcp.WithInputSchema[EditBatchInput](),
		mcp.WithOutputSchema[EditBatchOutput](),
	)
	s.AddTool(tool, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in EditBatchInput) (*mcp.CallToolResult, error) {
		return editBatchCore(forkRegistry, limits, in)
	}))
	reg.Register(tool)
}

func editBatchCore(forkRegistry *forks.Registry, limits runtime.Limits, in EditBatchInput) (*mcp.CallToolResult, error) {
	if res, bad := validateInput(in); bad {
		return res, nil
	}
	forkID := strings.TrimSpace(in.ForkID)
	if forkID == "" {
		return mcperr.New(mcperr.Validation, "fork_id is required"), nil
	}
	if len(in.Edits) == 0 {
		return mcperr.New(mcperr.Validation, "edits must be non-empty"), nil
	}
	if limits.MaxCellsPerOp > 0 && len(in.Edits) > limits.MaxCellsPerOp {
		return mcperr.Wrapf(mcperr.LimitExceeded, "edit_batch: %d edits exceeds the per-operation limit of %d", len(in.Edits), limits.MaxCellsPerOp), nil
	}

	f, err := forkRegistry.Get(forkID)
	if err != nil {
		return forkErrorResult("edit_batch", err), nil
	}

	edits := make([]forks.CellEdit, 0, len(in.Edits))
	for _, e := range in.Edits {
		edits = append(edits, forks.CellEdit{
			Sheet:     e.Sheet,
			Address:   e.Address,
			Value:     e.Value,
			IsFormula: e.IsFormula,
		})
	}

	applied, err := forks.ApplyEditBatch(f, edits)
	if err != nil {
		return forkErrorResult("edit_batch", err), nil
	}
	out := EditBatchOutput{ForkID: forkID, Applied: applied}
	text := fmt.Sprintf("fork=%s applied=%d", forkID, applied)
	res := mcp.NewToolResultStructured(out, text)
	res.Content = []mcp.Content{mcp.NewTextContent(text)}
	return res, nil
}

func registerRecalculate(s *server.MCPServer, reg *Registry, orchestrator *recalc.Orchestrator) {
	tool := mcp.NewTool(
		"recalculate",
		mcp.WithDescription("Recalculate a fork's formulas via the configured spreadsheet engine, checkpointing first"),
		mcp.WithString("fork_id", mcp.Required(), mcp.Description("Fork id returned by create_fork")),
		mcp.WithOutputSchema[RecalculateOutput](),
	)
	s.AddTool(tool, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in RecalculateInput) (*mcp.CallToolResult, error) {
		return recalculateCore(ctx, orchestrator, in)
	}))
	reg.Register(tool)
}

func recalculateCore(ctx context.Context, orchestrator *recalc.Orchestrator, in RecalculateInput) (*mcp.CallToolResult, error) {
	if res, bad := validateInput(in); bad {
		return res, nil
	}
	forkID := strings.TrimSpace(in.ForkID)
	if forkID == "" {
		return mcperr.New(mcperr.Validation, "fork_id is required"), nil
	}
	if err := orchestrator.Recalculate(ctx, forkID); err != nil {
		return forkErrorResult("recalculate", err), nil
	}
	out := RecalculateOutput{ForkID: forkID, Status: "recalculated"}
	text := fmt.Sprintf("fork=%s status=recalculated", forkID)
	res := mcp.NewToolResultStructured(out, text)
	res.Content = []mcp.Content{mcp.NewTextContent(text)}
	return res, nil
}

func registerGetChangeset(s *server.MCPServer, reg *Registry, forkRegistry *forks.Registry, limits runtime.Limits) {
	tool := mcp.NewTool(
		"get_changeset",
		mcp.WithDescription("Diff a fork's current work file against its base workbook, sheet by sheet"),
		mcp.WithString("fork_id", mcp.Required(), mcp.Description("Fork id returned by create_fork")),
		mcp.WithOutputSchema[GetChangesetOutput](),
	)
	s.AddTool(tool, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in GetChangesetInput) (*mcp.CallToolResult, error) {
		return getChangesetCore(forkRegistry, limits, in)
	}))
	reg.Register(tool)
}

func getChangesetCore(forkRegistry *forks.Registry, limits runtime.Limits, in GetChangesetInput) (*mcp.CallToolResult, error) {
	if res, bad := validateInput(in); bad {
		return res, nil
	}
	forkID := strings.TrimSpace(in.ForkID)
	if forkID == "" {
		return mcperr.New(mcperr.Validation, "fork_id is required"), nil
	}
	f, err := forkRegistry.Get(forkID)
	if err != nil {
		return forkErrorResult("get_changeset", err), nil
	}
	cs, err := diffengine.Compute(f.BasePath, f.WorkPath, limits.MaxDiffEntries)
	if err != nil {
		return forkErrorResult("get_changeset", err), nil
	}
	out := GetChangesetOutput{ForkID: forkID, Changeset: cs}
	text := fmt.Sprintf("fork=%s sheets_changed=%d", forkID, len(cs.Sheets))
	res := mcp.NewToolResultStructured(out, text)
	res.Content = []mcp.Content{mcp.NewTextContent(text)}
	return res, nil
}

func registerSaveFork(s *server.MCPServer, reg *Registry, forkRegistry *forks.Registry) {
	tool := mcp.NewTool(
		"save_fork",
		mcp.WithDescription("Atomically write a fork's work file to a workspace-relative path, then discard the fork"),
		mcp.WithString("fork_id", mcp.Required(), mcp.Description("Fork id returned by create_fork")),
		mcp.WithString("target_path", mcp.Required(), mcp.Description("Destination path, resolved within the workspace root")),
		mcp.WithBoolean("allow_overwrite", mcp.DefaultBool(false), mcp.Description("Overwrite target_path if it already exists")),
		mcp.WithOutputSchema[SaveForkOutput](),
	)
	s.AddTool(tool, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in SaveForkInput) (*mcp.CallToolResult, error) {
		return saveForkCore(forkRegistry, in)
	}))
	reg.Register(tool)
}

func saveForkCore(forkRegistry *forks.Registry, in SaveForkInput) (*mcp.CallToolResult, error) {
	if res, bad := validateInput(in); bad {
		return res, nil
	}
	forkID := strings.TrimSpace(in.ForkID)
	target := strings.TrimSpace(in.TargetPath)
	if forkID == "" || target == "" {
		return mcperr.New(mcperr.Validation, "fork_id and target_path are required"), nil
	}
	if err := forkRegistry.SaveFork(forkID, target, in.AllowOverwrite); err != nil {
		return forkErrorResult("save_fork", err), nil
	}
	out := SaveForkOutput{ForkID: forkID, TargetPath: target}
	text := fmt.Sprintf("fork=%s saved to %s", forkID, target)
	res := mcp.NewToolResultStructured(out, text)
	res.Content = []mcp.Content{mcp.NewTextContent(text)}
	return res, nil
}

func registerDiscardFork(s *server.MCPServer, reg *Registry, forkRegistry *forks.Registry) {
	tool := mcp.NewTool(
		"discard_fork",
		mcp.WithDescription("Discard a fork and its scratch-directory work file without saving"),
		mcp.WithString("fork_id", mcp.Required(), mcp.Description("Fork id returned by create_fork")),
		mcp.WithOutputSchema[DiscardForkOutput](),
	)
	s.AddTool(tool, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in DiscardForkInput) (*mcp.CallToolResult, error) {
		return discardForkCore(forkRegistry, in)
	}))
	reg.Register(tool)
}

func discardForkCore(forkRegistry *forks.Registry, in DiscardForkInput) (*mcp.CallToolResult, error) {
	if res, bad := validateInput(in); bad {
		return res, nil
	}
	forkID := strings.TrimSpace(in.ForkID)
	if forkID == "" {
		return mcperr.New(mcperr.Validation, "fork_id is required"), nil
	}
	if err := forkRegistry.DiscardFork(forkID); err != nil {
		return forkErrorResult("discard_fork", err), nil
	}
	out := DiscardForkOutput{ForkID: forkID}
	text := fmt.Sprintf("fork=%s discarded", forkID)
	res := mcp.NewToolResultStructured(out, text)
	res.Content = []mcp.Content{mcp.NewTextContent(text)}
	return res, nil
}

// forkErrorResult renders err as a coded tool result. forks/recalc/
// diffengine already wrap their failures in *mcperr.Error via
// mcperr.Errorf, so the common case just replays the code; anything else
// falls back to an internal io_error.
func forkErrorResult(toolName string, err error) *mcp.CallToolResult {
	if coded, ok := err.(*mcperr.Error); ok {
		return mcperr.New(coded.Code, coded.Message)
	}
	return mcperr.Wrapf(mcperr.IOError, "%s: %v", toolName, err)
}
