package registry

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/xuri/excelize/v2"

	"github.com/vinodismyname/sheetforge/internal/runtime"
	"github.com/vinodismyname/sheetforge/internal/wbcache"
	"github.com/vinodismyname/sheetforge/internal/workspace"
	"github.com/vinodismyname/sheetforge/pkg/a1"
	"github.com/vinodismyname/sheetforge/pkg/mcperr"
	"github.com/vinodismyname/sheetforge/pkg/pagination"
	"github.com/vinodismyname/sheetforge/pkg/validation"
)

// validateInput runs in through validation.Validator()'s tagged rules
// (workbook id shape, cursor decodability, ...) before a handler's own
// field-by-field checks run. bad is true when in failed validation, in
// which case res is the coded result the caller should return as-is.
func validateInput(in any) (res *mcp.CallToolResult, bad bool) {
	msg := validation.ValidateStruct(in)
	if msg == "" {
		return nil, false
	}
	if strings.HasPrefix(msg, "CURSOR_INVALID:") {
		return mcperr.New(mcperr.CursorInvalid, msg), true
	}
	return mcperr.New(mcperr.Validation, msg), true
}

// --- list_workbooks ---

// ListWorkbooksInput narrows the workspace listing by glob or substring.
type ListWorkbooksInput struct {
	Glob      string `json:"glob,omitempty" jsonschema_description:"Glob matched against the canonical workbook id"`
	Substring string `json:"substring,omitempty" jsonschema_description:"Case-insensitive substring matched against the canonical workbook id"`
}

// WorkbookEntry is one workbook discovered under the workspace root.
type WorkbookEntry struct {
	WorkbookID string `json:"workbook_id"`
	Alias      string `json:"alias"`
	SizeBytes  int64  `json:"size_bytes"`
}

// ListWorkbooksOutput enumerates the matching workbooks.
type ListWorkbooksOutput struct {
	Workbooks []WorkbookEntry `json:"workbooks"`
}

// --- describe_workbook ---

// DescribeWorkbookInput resolves a workbook by canonical id or alias.
type DescribeWorkbookInput struct {
	WorkbookID string `json:"workbook_id" validate:"workbookid" jsonschema_description:"Canonical workbook id or unambiguous alias"`
}

// DescribeWorkbookOutput summarizes every sheet in the workbook.
type DescribeWorkbookOutput struct {
	WorkbookID string                  `json:"workbook_id"`
	Sheets     []wbcache.SheetSummary  `json:"sheets"`
}

// --- list_sheets ---

// ListSheetsInput resolves a workbook by canonical id or alias.
type ListSheetsInput struct {
	WorkbookID string `json:"workbook_id" validate:"workbookid" jsonschema_description:"Canonical workbook id or unambiguous alias"`
}

// ListSheetsOutput is the bare ordered list of sheet names.
type ListSheetsOutput struct {
	WorkbookID string   `json:"workbook_id"`
	Sheets     []string `json:"sheets"`
}

// --- sheet_overview ---

// SheetOverviewInput names the sheet to profile.
type SheetOverviewInput struct {
	WorkbookID string `json:"workbook_id" validate:"workbookid" jsonschema_description:"Canonical workbook id or unambiguous alias"`
	Sheet      string `json:"sheet" jsonschema_description:"Sheet name"`
}

// SheetOverviewOutput reports the sheet's shape plus its detected regions.
type SheetOverviewOutput struct {
	Summary wbcache.SheetSummary `json:"summary"`
	Atlas   wbcache.RegionAtlas  `json:"atlas"`
}

// --- read_table ---

// ReadTableInput identifies a region previously surfaced by sheet_overview.
type ReadTableInput struct {
	WorkbookID string `json:"workbook_id" validate:"workbookid" jsonschema_description:"Canonical workbook id or unambiguous alias"`
	Sheet      string `json:"sheet" jsonschema_description:"Sheet name"`
	Range      string `json:"range" jsonschema_description:"A1 range of the region to read (e.g. A1:D50)"`
	PageSize   int    `json:"page_size,omitempty" jsonschema_description:"Max rows per page (bounded)"`
	Cursor     string `json:"cursor,omitempty" validate:"omitempty,cursor" jsonschema_description:"Opaque pagination cursor; takes precedence over range/page_size"`
}

// ReadTableOutput streams one page of a region's rows.
type ReadTableOutput struct {
	WorkbookID string     `json:"workbook_id"`
	Sheet      string     `json:"sheet"`
	Range      string     `json:"range"`
	Rows       [][]string `json:"rows"`
	Meta       PageMeta   `json:"meta"`
}

// PageMeta captures paging/truncation metadata, matching the teacher's
// foundation-tools shape.
type PageMeta struct {
	Total      int    `json:"total"`
	Returned   int    `json:"returned"`
	Truncated  bool   `json:"truncated"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// --- range_values ---

// RangeValuesInput reads a bounded cell range.
type RangeValuesInput struct {
	WorkbookID string `json:"workbook_id" validate:"workbookid" jsonschema_description:"Canonical workbook id or unambiguous alias"`
	Sheet      string `json:"sheet" jsonschema_description:"Sheet name"`
	Range      string `json:"range" jsonschema_description:"A1-style cell range (e.g. A1:D50)"`
	MaxCells   int    `json:"max_cells,omitempty" jsonschema_description:"Max cells to return (bounded)"`
	Cursor     string `json:"cursor,omitempty" validate:"omitempty,cursor" jsonschema_description:"Opaque pagination cursor; takes precedence over range/max_cells"`
}

// RangeValuesOutput reports one page of cell values in row-major order.
type RangeValuesOutput struct {
	WorkbookID string     `json:"workbook_id"`
	Sheet      string     `json:"sheet"`
	Range      string     `json:"range"`
	Rows       [][]string `json:"rows"`
	Meta       PageMeta   `json:"meta"`
}

// --- sheet_page ---

// SheetPageInput paginates an entire sheet without a caller-supplied range.
type SheetPageInput struct {
	WorkbookID string `json:"workbook_id" validate:"workbookid" jsonschema_description:"Canonical workbook id or unambiguous alias"`
	Sheet      string `json:"sheet" jsonschema_description:"Sheet name"`
	PageSize   int    `json:"page_size,omitempty" jsonschema_description:"Max rows per page (bounded)"`
	Cursor     string `json:"cursor,omitempty" validate:"omitempty,cursor" jsonschema_description:"Opaque pagination cursor; takes precedence over page_size"`
}

// SheetPageOutput reports one page of a sheet's rows.
type SheetPageOutput struct {
	WorkbookID string     `json:"workbook_id"`
	Sheet      string     `json:"sheet"`
	Rows       [][]string `json:"rows"`
	Meta       PageMeta   `json:"meta"`
}

// --- find_value ---

// FindValueInput searches cell values for a literal or regex match.
type FindValueInput struct {
	WorkbookID string `json:"workbook_id" validate:"workbookid" jsonschema_description:"Canonical workbook id or unambiguous alias"`
	Sheet      string `json:"sheet" jsonschema_description:"Sheet name"`
	Query      string `json:"query" validate:"omitempty,valid_regex" jsonschema_description:"Literal value or regex pattern to search for"`
	Regex      bool   `json:"regex,omitempty" jsonschema_description:"Interpret query as a regular expression"`
	MaxResults int    `json:"max_results,omitempty" jsonschema_description:"Max matches to return (bounded)"`
	Cursor     string `json:"cursor,omitempty" validate:"omitempty,cursor" jsonschema_description:"Opaque pagination cursor; takes precedence over query/max_results"`
}

// ValueMatch is one matching cell.
type ValueMatch struct {
	Address string `json:"address"`
	Value   string `json:"value"`
}

// FindValueOutput reports one page of matches.
type FindValueOutput struct {
	WorkbookID string       `json:"workbook_id"`
	Sheet      string       `json:"sheet"`
	Matches    []ValueMatch `json:"matches"`
	Meta       PageMeta     `json:"meta"`
}

// --- find_formula ---

// FindFormulaInput filters a sheet's formula atlas by a substring.
type FindFormulaInput struct {
	WorkbookID string `json:"workbook_id" validate:"workbookid" jsonschema_description:"Canonical workbook id or unambiguous alias"`
	Sheet      string `json:"sheet" jsonschema_description:"Sheet name"`
	Contains   string `json:"contains,omitempty" jsonschema_description:"Only return formulas containing this substring (case-insensitive)"`
}

// FindFormulaOutput lists the matching formula entries.
type FindFormulaOutput struct {
	WorkbookID string                 `json:"workbook_id"`
	Sheet      string                 `json:"sheet"`
	Formulas   []wbcache.FormulaEntry `json:"formulas"`
}

// RegisterReadTools registers the read-only tool surface spec.md §6's
// catalog names: list_workbooks, describe_workbook, list_sheets,
// sheet_overview, read_table, range_values, sheet_page, find_value, and
// find_formula. Every handler resolves WorkbookID through ix/cache and
// never mutates the underlying file.
func RegisterReadTools(s *server.MCPServer, reg *Registry, ix *workspace.Indexer, cache *wbcache.Cache, limits runtime.Limits) {
	registerListWorkbooks(s, reg, ix)
	registerDescribeWorkbook(s, reg, cache)
	registerListSheets(s, reg, cache)
	registerSheetOverview(s, reg, cache)
	registerReadTable(s, reg, cache, limits)
	registerRangeValues(s, reg, cache, limits)
	registerSheetPage(s, reg, cache, limits)
	registerFindValue(s, reg, cache, limits)
	registerFindFormula(s, reg, cache)
}

func registerListWorkbooks(s *server.MCPServer, reg *Registry, ix *workspace.Indexer) {
	tool := mcp.NewTool(
		"list_workbooks",
		mcp.WithDescription("Enumerate workbooks under the workspace root, optionally narrowed by glob or substring"),
		mcp.WithString("glob", mcp.Description("Glob matched against the canonical workbook id")),
		mcp.WithString("substring", mcp.Description("Case-insensitive substring matched against the canonical workbook id")),
		mcp.WithOutputSchema[ListWorkbooksOutput](),
	)
	s.AddTool(tool, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in ListWorkbooksInput) (*mcp.CallToolResult, error) {
		return listWorkbooksCore(ctx, ix, in)
	}))
	reg.Register(tool)
}

// listWorkbooksCore implements list_workbooks; split out so it is directly
// testable without going through the mcp-go typed-handler/schema layer.
func listWorkbooksCore(ctx context.Context, ix *workspace.Indexer, in ListWorkbooksInput) (*mcp.CallToolResult, error) {
	entries, err := ix.List(ctx, workspace.Filter{Glob: in.Glob, Substring: in.Substring})
	if err != nil {
		return mcperr.Wrapf(mcperr.Validation, "list_workbooks: %v", err), nil
	}
	out := ListWorkbooksOutput{Workbooks: make([]WorkbookEntry, 0, len(entries))}
	for _, e := range entries {
		out.Workbooks = append(out.Workbooks, WorkbookEntry{WorkbookID: e.WorkbookID, Alias: e.Alias, SizeBytes: e.Size})
	}
	summary := fmt.Sprintf("found %d workbook(s)", len(out.Workbooks))
	res := mcp.NewToolResultStructured(out, summary)
	res.Content = []mcp.Content{mcp.NewTextContent(summary)}
	return res, nil
}

func registerDescribeWorkbook(s *server.MCPServer, reg *Registry, cache *wbcache.Cache) {
	tool := mcp.NewTool(
		"describe_workbook",
		mcp.WithDescription("Summarize every sheet in a workbook: dimensions, formulas, merged cells, visibility"),
		mcp.WithString("workbook_id", mcp.Required(), mcp.Description("Canonical workbook id or unambiguous alias")),
		mcp.WithOutputSchema[DescribeWorkbookOutput](),
	)
	s.AddTool(tool, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in DescribeWorkbookInput) (*mcp.CallToolResult, error) {
		return describeWorkbookCore(ctx, cache, in)
	}))
	reg.Register(tool)
}

// describeWorkbookCore implements describe_workbook; split out so it is
// directly testable without going through the mcp-go typed-handler/schema
// layer.
func describeWorkbookCore(ctx context.Context, cache *wbcache.Cache, in DescribeWorkbookInput) (*mcp.CallToolResult, error) {
	if res, bad := validateInput(in); bad {
		return res, nil
	}
	wc, res, done := openContext(ctx, cache, in.WorkbookID)
	if done {
		return res, nil
	}
	names := wc.SheetNames()
	out := DescribeWorkbookOutput{WorkbookID: wc.WorkbookID, Sheets: make([]wbcache.SheetSummary, 0, len(names))}
	for _, name := range names {
		summary, err := wc.GetSheetSummary(name)
		if err != nil {
			return mcperr.Wrapf(mcperr.ReadFailed, "describe_workbook: sheet %q: %v", name, err), nil
		}
		out.Sheets = append(out.Sheets, summary)
	}
	summary := fmt.Sprintf("workbook=%s sheets=%d", out.WorkbookID, len(out.Sheets))
	result := mcp.NewToolResultStructured(out, summary)
	result.Content = []mcp.Content{mcp.NewTextContent(summary)}
	return result, nil
}

func registerListSheets(s *server.MCPServer, reg *Registry, cache *wbcache.Cache) {
	tool := mcp.NewTool(
		"list_sheets",
		mcp.WithDescription("List a workbook's sheet names in file order"),
		mcp.WithString("workbook_id", mcp.Required(), mcp.Description("Canonical workbook id or unambiguous alias")),
		mcp.WithOutputSchema[ListSheetsOutput](),
	)
	s.AddTool(tool, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in ListSheetsInput) (*mcp.CallToolResult, error) {
		return listSheetsCore(ctx, cache, in)
	}))
	reg.Register(tool)
}

// listSheetsCore implements list_sheets; split out so it is directly
// testable without going through the mcp-go typed-handler/schema layer.
func listSheetsCore(ctx context.Context, cache *wbcache.Cache, in ListSheetsInput) (*mcp.CallToolResult, error) {
	if res, bad := validateInput(in); bad {
		return res, nil
	}
	wc, res, done := openContext(ctx, cache, in.WorkbookID)
	if done {
		return res, nil
	}
	out := ListSheetsOutput{WorkbookID: wc.WorkbookID, Sheets: wc.SheetNames()}
	summary := fmt.Sprintf("workbook=%s sheets=%v", out.WorkbookID, out.Sheets)
	result := mcp.NewToolResultStructured(out, summary)
	result.Content = []mcp.Content{mcp.NewTextContent(summary)}
	return result, nil
}

func registerSheetOverview(s *server.MCPServer, reg *Registry, cache *wbcache.Cache) {
	tool := mcp.NewTool(
		"sheet_overview",
		mcp.WithDescription("Summarize one sheet's shape and detected data regions (tables, lists, labels)"),
		mcp.WithString("workbook_id", mcp.Required(), mcp.Description("Canonical workbook id or unambiguous alias")),
		mcp.WithString("sheet", mcp.Required(), mcp.Description("Sheet name")),
		mcp.WithOutputSchema[SheetOverviewOutput](),
	)
	s.AddTool(tool, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in SheetOverviewInput) (*mcp.CallToolResult, error) {
		return sheetOverviewCore(ctx, cache, in)
	}))
	reg.Register(tool)
}

// sheetOverviewCore implements sheet_overview; split out so it is directly
// testable without going through the mcp-go typed-handler/schema layer.
func sheetOverviewCore(ctx context.Context, cache *wbcache.Cache, in SheetOverviewInput) (*mcp.CallToolResult, error) {
	if res, bad := validateInput(in); bad {
		return res, nil
	}
	wc, res, done := openContext(ctx, cache, in.WorkbookID)
	if done {
		return res, nil
	}
	sheet := strings.TrimSpace(in.Sheet)
	if sheet == "" {
		return mcperr.New(mcperr.Validation, "sheet is required"), nil
	}
	summary, err := wc.GetSheetSummary(sheet)
	if err != nil {
		return mcperr.Wrapf(mcperr.InvalidSheet, "sheet_overview: %v", err), nil
	}
	atlas, err := wc.GetRegionAtlas(sheet)
	if err != nil {
		return mcperr.Wrapf(mcperr.ReadFailed, "sheet_overview: %v", err), nil
	}
	out := SheetOverviewOutput{Summary: summary, Atlas: atlas}
	text := fmt.Sprintf("sheet=%s rows=%d cols=%d regions=%d", sheet, summary.MaxRow, summary.MaxCol, len(atlas.Regions))
	result := mcp.NewToolResultStructured(out, text)
	result.Content = []mcp.Content{mcp.NewTextContent(text)}
	return result, nil
}

func registerReadTable(s *server.MCPServer, reg *Registry, cache *wbcache.Cache, limits runtime.Limits) {
	tool := mcp.NewTool(
		"read_table",
		mcp.WithDescription("Read a bounded A1 region row by row, paginated"),
		mcp.WithString("workbook_id", mcp.Required(), mcp.Description("Canonical workbook id or unambiguous alias")),
		mcp.WithString("sheet", mcp.Required(), mcp.Description("Sheet name")),
		mcp.WithString("range", mcp.Description("A1 range of the region to read")),
		mcp.WithNumber("page_size", mcp.DefaultNumber(float64(limits.PreviewRowLimit)), mcp.Min(1), mcp.Description("Max rows per page")),
		mcp.WithString("cursor", mcp.Description("Opaque pagination cursor")),
		mcp.WithOutputSchema[ReadTableOutput](),
	)
	s.AddTool(tool, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in ReadTableInput) (*mcp.CallToolResult, error) {
		if res, bad := validateInput(in); bad {
			return res, nil
		}
		return pageRows(ctx, cache, limits, in.WorkbookID, in.Sheet, in.Range, in.PageSize, in.Cursor, "read_table")
	}))
	reg.Register(tool)
}

func registerRangeValues(s *server.MCPServer, reg *Registry, cache *wbcache.Cache, limits runtime.Limits) {
	tool := mcp.NewTool(
		"range_values",
		mcp.WithDescription("Read a bounded A1 cell range, paginated by cell count"),
		mcp.WithString("workbook_id", mcp.Required(), mcp.Description("Canonical workbook id or unambiguous alias")),
		mcp.WithString("sheet", mcp.Required(), mcp.Description("Sheet name")),
		mcp.WithString("range", mcp.Required(), mcp.Description("A1-style cell range (e.g. A1:D50)")),
		mcp.WithNumber("max_cells", mcp.DefaultNumber(float64(limits.MaxCellsPerOp)), mcp.Min(1), mcp.Description("Max cells to return")),
		mcp.WithString("cursor", mcp.Description("Opaque pagination cursor")),
		mcp.WithOutputSchema[RangeValuesOutput](),
	)
	s.AddTool(tool, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in RangeValuesInput) (*mcp.CallToolResult, error) {
		return rangeValuesCore(ctx, cache, limits, in)
	}))
	reg.Register(tool)
}

// rangeValuesCore implements range_values; split out from the registered
// closure so it can be exercised directly in tests without going through
// the mcp-go typed-handler/schema layer.
func rangeValuesCore(ctx context.Context, cache *wbcache.Cache, limits runtime.Limits, in RangeValuesInput) (*mcp.CallToolResult, error) {
	if res, bad := validateInput(in); bad {
		return res, nil
	}
	wc, res, done := openContext(ctx, cache, in.WorkbookID)
	if done {
		return res, nil
	}
	rng := strings.TrimSpace(in.Range)
	sheet := strings.TrimSpace(in.Sheet)
	offset := 0
	maxCells := in.MaxCells
	if maxCells <= 0 || maxCells > limits.MaxCellsPerOp {
		maxCells = limits.MaxCellsPerOp
	}
	if cur := strings.TrimSpace(in.Cursor); cur != "" {
		decoded, err := pagination.DecodeCursor(cur)
		if err != nil {
			return mcperr.Wrapf(mcperr.CursorInvalid, "range_values: %v", err), nil
		}
		if decoded.Wid != wc.WorkbookID {
			return mcperr.New(mcperr.CursorInvalid, "cursor does not match resolved workbook"), nil
		}
		sheet, rng, offset, maxCells = decoded.S, decoded.R, decoded.Off, decoded.Ps
	}
	if sheet == "" || rng == "" {
		return mcperr.New(mcperr.Validation, "sheet and range are required"), nil
	}
	parsed, err := a1.ParseRange(rng)
	if err != nil {
		return mcperr.Wrapf(mcperr.Validation, "range_values: %v", err), nil
	}

	var rows [][]string
	total := parsed.Cells()
	taken := 0
	skip := offset
	err = wc.WithRead(func(f *excelize.File) error {
		for row := parsed.StartRow; row <= parsed.EndRow; row++ {
			var line []string
			for col := parsed.StartCol; col <= parsed.EndCol; col++ {
				if skip > 0 {
					skip--
					continue
				}
				if taken >= maxCells {
					return nil
				}
				addr, _ := (a1.Address{Col: col, Row: row}).Format()
				val, _ := f.GetCellValue(sheet, addr)
				line = append(line, val)
				taken++
			}
			if len(line) > 0 {
				rows = append(rows, line)
			}
		}
		return nil
	})
	if err != nil {
		return mcperr.Wrapf(mcperr.ReadFailed, "range_values: %v", err), nil
	}

	meta := PageMeta{Total: total, Returned: taken}
	nextOffset := offset + taken
	if nextOffset < total {
		meta.Truncated = true
		token, cerr := pagination.EncodeCursor(pagination.Cursor{
			Wid: wc.WorkbookID, S: sheet, R: rng, U: pagination.UnitCells,
			Off: nextOffset, Ps: maxCells,
		})
		if cerr != nil {
			return mcperr.Wrapf(mcperr.CursorBuildFailed, "range_values: %v", cerr), nil
		}
		meta.NextCursor = token
	}
	out := RangeValuesOutput{WorkbookID: wc.WorkbookID, Sheet: sheet, Range: rng, Rows: rows, Meta: meta}
	text := fmt.Sprintf("sheet=%s range=%s returned=%d/%d", sheet, rng, meta.Returned, meta.Total)
	result := mcp.NewToolResultStructured(out, text)
	result.Content = []mcp.Content{mcp.NewTextContent(text)}
	return result, nil
}

func registerSheetPage(s *server.MCPServer, reg *Registry, cache *wbcache.Cache, limits runtime.Limits) {
	tool := mcp.NewTool(
		"sheet_page",
		mcp.WithDescription("Paginate an entire sheet's rows without specifying a range up front"),
		mcp.WithString("workbook_id", mcp.Required(), mcp.Description("Canonical workbook id or unambiguous alias")),
		mcp.WithString("sheet", mcp.Required(), mcp.Description("Sheet name")),
		mcp.WithNumber("page_size", mcp.DefaultNumber(float64(limits.PreviewRowLimit)), mcp.Min(1), mcp.Description("Max rows per page")),
		mcp.WithString("cursor", mcp.Description("Opaque pagination cursor")),
		mcp.WithOutputSchema[SheetPageOutput](),
	)
	s.AddTool(tool, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in SheetPageInput) (*mcp.CallToolResult, error) {
		if res, bad := validateInput(in); bad {
			return res, nil
		}
		res, err := pageRows(ctx, cache, limits, in.WorkbookID, in.Sheet, "", in.PageSize, in.Cursor, "sheet_page")
		return res, err
	}))
	reg.Register(tool)
}

// pageRows is the shared row-pagination path for read_table and
// sheet_page: read_table bounds rows to a caller-supplied range, sheet_page
// paginates the sheet's full used range.
func pageRows(ctx context.Context, cache *wbcache.Cache, limits runtime.Limits, workbookID, sheetIn, rangeIn string, pageSize int, cursorIn, toolName string) (*mcp.CallToolResult, error) {
	wc, res, done := openContext(ctx, cache, workbookID)
	if done {
		return res, nil
	}
	sheet := strings.TrimSpace(sheetIn)
	rng := strings.TrimSpace(rangeIn)
	offset := 0
	if pageSize <= 0 {
		pageSize = limits.PreviewRowLimit
	}
	if cur := strings.TrimSpace(cursorIn); cur != "" {
		decoded, err := pagination.DecodeCursor(cur)
		if err != nil {
			return mcperr.Wrapf(mcperr.CursorInvalid, "%s: %v", toolName, err), nil
		}
		if decoded.Wid != wc.WorkbookID {
			return mcperr.New(mcperr.CursorInvalid, "cursor does not match resolved workbook"), nil
		}
		sheet, rng, offset, pageSize = decoded.S, decoded.R, decoded.Off, decoded.Ps
	}
	if sheet == "" {
		return mcperr.New(mcperr.Validation, "sheet is required"), nil
	}
	if rng == "" {
		summary, err := wc.GetSheetSummary(sheet)
		if err != nil {
			return mcperr.Wrapf(mcperr.InvalidSheet, "%s: %v", toolName, err), nil
		}
		maxRow, maxCol := summary.MaxRow, summary.MaxCol
		if maxRow == 0 {
			maxRow = 1
		}
		if maxCol == 0 {
			maxCol = 1
		}
		formatted, err := (a1.Range{StartCol: 1, StartRow: 1, EndCol: maxCol, EndRow: maxRow}).Format()
		if err != nil {
			return mcperr.Wrapf(mcperr.ReadFailed, "%s: %v", toolName, err), nil
		}
		rng = formatted
	}
	parsed, err := a1.ParseRange(rng)
	if err != nil {
		return mcperr.Wrapf(mcperr.Validation, "%s: %v", toolName, err), nil
	}

	totalRows := parsed.EndRow - parsed.StartRow + 1
	if totalRows < 0 {
		totalRows = 0
	}
	startRow := parsed.StartRow + offset
	endRow := startRow + pageSize - 1
	if endRow > parsed.EndRow {
		endRow = parsed.EndRow
	}

	var rows [][]string
	err = wc.WithRead(func(f *excelize.File) error {
		for row := startRow; row <= endRow; row++ {
			var line []string
			for col := parsed.StartCol; col <= parsed.EndCol; col++ {
				addr, _ := (a1.Address{Col: col, Row: row}).Format()
				val, _ := f.GetCellValue(sheet, addr)
				line = append(line, val)
			}
			rows = append(rows, line)
		}
		return nil
	})
	if err != nil {
		return mcperr.Wrapf(mcperr.ReadFailed, "%s: %v", toolName, err), nil
	}

	returned := endRow - startRow + 1
	if returned < 0 {
		returned = 0
	}
	meta := PageMeta{Total: totalRows, Returned: returned}
	nextOffset := offset + returned
	if startRow+returned <= parsed.EndRow && nextOffset < totalRows {
		meta.Truncated = true
		token, cerr := pagination.EncodeCursor(pagination.Cursor{
			Wid: wc.WorkbookID, S: sheet, R: rng, U: pagination.UnitRows,
			Off: nextOffset, Ps: pageSize,
		})
		if cerr != nil {
			return mcperr.Wrapf(mcperr.CursorBuildFailed, "%s: %v", toolName, cerr), nil
		}
		meta.NextCursor = token
	}

	text := fmt.Sprintf("sheet=%s range=%s returned=%d/%d rows", sheet, rng, meta.Returned, meta.Total)
	if toolName == "read_table" {
		out := ReadTableOutput{WorkbookID: wc.WorkbookID, Sheet: sheet, Range: rng, Rows: rows, Meta: meta}
		result := mcp.NewToolResultStructured(out, text)
		result.Content = []mcp.Content{mcp.NewTextContent(text)}
		return result, nil
	}
	out := SheetPageOutput{WorkbookID: wc.WorkbookID, Sheet: sheet, Rows: rows, Meta: meta}
	result := mcp.NewToolResultStructured(out, text)
	result.Content = []mcp.Content{mcp.NewTextContent(text)}
	return result, nil
}

func registerFindValue(s *server.MCPServer, reg *Registry, cache *wbcache.Cache, limits runtime.Limits) {
	tool := mcp.NewTool(
		"find_value",
		mcp.WithDescription("Search a sheet's cell values for a literal string or regular expression"),
		mcp.WithString("workbook_id", mcp.Required(), mcp.Description("Canonical workbook id or unambiguous alias")),
		mcp.WithString("sheet", mcp.Required(), mcp.Description("Sheet name")),
		mcp.WithString("query", mcp.Description("Literal value or regex pattern to search for")),
		mcp.WithBoolean("regex", mcp.DefaultBool(false), mcp.Description("Interpret query as a regular expression")),
		mcp.WithNumber("max_results", mcp.DefaultNumber(float64(limits.PreviewRowLimit)), mcp.Min(1), mcp.Description("Max matches to return")),
		mcp.WithString("cursor", mcp.Description("Opaque pagination cursor")),
		mcp.WithOutputSchema[FindValueOutput](),
	)
	s.AddTool(tool, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in FindValueInput) (*mcp.CallToolResult, error) {
		return findValueCore(ctx, cache, limits, in)
	}))
	reg.Register(tool)
}

// findValueCore implements find_value; split out so it is directly
// testable without going through the mcp-go typed-handler/schema layer.
func findValueCore(ctx context.Context, cache *wbcache.Cache, limits runtime.Limits, in FindValueInput) (*mcp.CallToolResult, error) {
	if res, bad := validateInput(in); bad {
		return res, nil
	}
	wc, res, done := openContext(ctx, cache, in.WorkbookID)
	if done {
		return res, nil
	}
	sheet := strings.TrimSpace(in.Sheet)
	query := in.Query
	isRegex := in.Regex
	maxResults := in.MaxResults
	offset := 0
	if maxResults <= 0 {
		maxResults = limits.PreviewRowLimit
	}
	if cur := strings.TrimSpace(in.Cursor); cur != "" {
		decoded, err := pagination.DecodeCursor(cur)
		if err != nil {
			return mcperr.Wrapf(mcperr.CursorInvalid, "find_value: %v", err), nil
		}
		if decoded.Wid != wc.WorkbookID {
			return mcperr.New(mcperr.CursorInvalid, "cursor does not match resolved workbook"), nil
		}
		sheet, query, isRegex, offset, maxResults = decoded.S, decoded.Q, decoded.Rg, decoded.Off, decoded.Ps
	}
	if sheet == "" || query == "" {
		return mcperr.New(mcperr.Validation, "sheet and query are required"), nil
	}

	var matcher *regexp.Regexp
	if isRegex {
		var err error
		matcher, err = regexp.Compile(query)
		if err != nil {
			return mcperr.Wrapf(mcperr.Validation, "find_value: invalid regex: %v", err), nil
		}
	}

	var all []ValueMatch
	err := wc.WithRead(func(f *excelize.File) error {
		rows, rerr := f.Rows(sheet)
		if rerr != nil {
			return rerr
		}
		defer rows.Close()
		rowIdx := 0
		for rows.Next() {
			rowIdx++
			cols, cerr := rows.Columns()
			if cerr != nil {
				return cerr
			}
			for colIdx, v := range cols {
				matched := false
				if isRegex {
					matched = matcher.MatchString(v)
				} else {
					matched = strings.Contains(v, query)
				}
				if !matched {
					continue
				}
				addr, _ := excelize.CoordinatesToCellName(colIdx+1, rowIdx)
				all = append(all, ValueMatch{Address: addr, Value: v})
			}
		}
		return rows.Error()
	})
	if err != nil {
		return mcperr.Wrapf(mcperr.SearchFailed, "find_value: %v", err), nil
	}

	total := len(all)
	end := offset + maxResults
	if end > total {
		end = total
	}
	var page []ValueMatch
	if offset < total {
		page = all[offset:end]
	}

	meta := PageMeta{Total: total, Returned: len(page)}
	if end < total {
		meta.Truncated = true
		token, cerr := pagination.EncodeCursor(pagination.Cursor{
			Wid: wc.WorkbookID, S: sheet, R: "search", U: pagination.UnitRows,
			Off: end, Ps: maxResults, Q: query, Rg: isRegex,
		})
		if cerr != nil {
			return mcperr.Wrapf(mcperr.CursorBuildFailed, "find_value: %v", cerr), nil
		}
		meta.NextCursor = token
	}

	out := FindValueOutput{WorkbookID: wc.WorkbookID, Sheet: sheet, Matches: page, Meta: meta}
	text := fmt.Sprintf("sheet=%s query=%q matches=%d/%d", sheet, query, meta.Returned, meta.Total)
	result := mcp.NewToolResultStructured(out, text)
	result.Content = []mcp.Content{mcp.NewTextContent(text)}
	return result, nil
}

func registerFindFormula(s *server.MCPServer, reg *Registry, cache *wbcache.Cache) {
	tool := mcp.NewTool(
		"find_formula",
		mcp.WithDescription("List a sheet's formulas, optionally filtered by a substring"),
		mcp.WithString("workbook_id", mcp.Required(), mcp.Description("Canonical workbook id or unambiguous alias")),
		mcp.WithString("sheet", mcp.Required(), mcp.Description("Sheet name")),
		mcp.WithString("contains", mcp.Description("Only return formulas containing this substring")),
		mcp.WithOutputSchema[FindFormulaOutput](),
	)
	s.AddTool(tool, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in FindFormulaInput) (*mcp.CallToolResult, error) {
		return findFormulaCore(ctx, cache, in)
	}))
	reg.Register(tool)
}

// findFormulaCore implements find_formula; split out so it is directly
// testable without going through the mcp-go typed-handler/schema layer.
func findFormulaCore(ctx context.Context, cache *wbcache.Cache, in FindFormulaInput) (*mcp.CallToolResult, error) {
	if res, bad := validateInput(in); bad {
		return res, nil
	}
	wc, res, done := openContext(ctx, cache, in.WorkbookID)
	if done {
		return res, nil
	}
	sheet := strings.TrimSpace(in.Sheet)
	if sheet == "" {
		return mcperr.New(mcperr.Validation, "sheet is required"), nil
	}
	entries, err := wc.GetFormulaEntries(sheet)
	if err != nil {
		return mcperr.Wrapf(mcperr.ReadFailed, "find_formula: %v", err), nil
	}
	filter := strings.ToLower(strings.TrimSpace(in.Contains))
	var matched []wbcache.FormulaEntry
	for _, e := range entries {
		if filter == "" || strings.Contains(strings.ToLower(e.Formula), filter) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Address < matched[j].Address })
	out := FindFormulaOutput{WorkbookID: wc.WorkbookID, Sheet: sheet, Formulas: matched}
	text := fmt.Sprintf("sheet=%s formulas=%d", sheet, len(matched))
	result := mcp.NewToolResultStructured(out, text)
	result.Content = []mcp.Content{mcp.NewTextContent(text)}
	return result, nil
}

// openContext resolves workbookID through cache and returns its Context.
// When resolution fails, done is true and res carries the coded error
// result the caller should return as-is.
func openContext(ctx context.Context, cache *wbcache.Cache, workbookID string) (*wbcache.Context, *mcp.CallToolResult, bool) {
	workbookID = strings.TrimSpace(workbookID)
	if workbookID == "" {
		return nil, mcperr.New(mcperr.Validation, "workbook_id is required"), true
	}
	wc, err := cache.Open(ctx, workbookID)
	if err != nil {
		switch err {
		case workspace.ErrNotFound:
			return nil, mcperr.Wrapf(mcperr.NotFound, "workbook %q not found", workbookID), true
		case workspace.ErrAmbiguous:
			return nil, mcperr.Wrapf(mcperr.Ambiguous, "workbook id %q is ambiguous", workbookID), true
		default:
			return nil, mcperr.Wrapf(mcperr.OpenFailed, "open workbook: %v", err), true
		}
	}
	return wc, nil, false
}
