package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/xuri/excelize/v2"

	"github.com/vinodismyname/sheetforge/internal/runtime"
	"github.com/vinodismyname/sheetforge/internal/wbcache"
	"github.com/vinodismyname/sheetforge/internal/workspace"
	"github.com/vinodismyname/sheetforge/pkg/mcperr"
)

func textOf(res *mcp.CallToolResult) string {
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

func writeSheetWorkbook(t *testing.T, path string, rows [][]string) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for r, row := range rows {
		for c, v := range row {
			addr, _ := excelize.CoordinatesToCellName(c+1, r+1)
			_ = f.SetCellValue("Sheet1", addr, v)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}
}

func newTestCache(t *testing.T, root string) (*workspace.Indexer, *wbcache.Cache) {
	t.Helper()
	ix, err := workspace.New(root, []string{"xlsx"}, nil)
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	cache, err := wbcache.New(ix, 5, 1000)
	if err != nil {
		t.Fatalf("wbcache.New: %v", err)
	}
	return ix, cache
}

func TestOpenContextRejectsMissingWorkbook(t *testing.T) {
	root := t.TempDir()
	_, cache := newTestCache(t, root)

	_, res, done := openContext(context.Background(), cache, "nope")
	if !done {
		t.Fatal("expected done=true for a missing workbook")
	}
	if !res.IsError || textOf(res) == "" {
		t.Fatalf("expected a coded error result, got %+v", res)
	}
	if want := string(mcperr.NotFound); !contains(textOf(res), want) {
		t.Fatalf("expected %q in result, got %q", want, textOf(res))
	}
}

func TestOpenContextRejectsEmptyWorkbookID(t *testing.T) {
	root := t.TempDir()
	_, cache := newTestCache(t, root)

	_, res, done := openContext(context.Background(), cache, "   ")
	if !done {
		t.Fatal("expected done=true for an empty workbook id")
	}
	if want := string(mcperr.Validation); !contains(textOf(res), want) {
		t.Fatalf("expected %q in result, got %q", want, textOf(res))
	}
}

func TestPageRowsPaginatesSheetPage(t *testing.T) {
	root := t.TempDir()
	var rows [][]string
	for i := 0; i < 25; i++ {
		rows = append(rows, []string{"a", "b"})
	}
	writeSheetWorkbook(t, filepath.Join(root, "book.xlsx"), rows)
	_, cache := newTestCache(t, root)
	limits := runtime.NewLimits(4, 4)

	res, err := pageRows(context.Background(), cache, limits, "book", "Sheet1", "", 10, "", "sheet_page")
	if err != nil {
		t.Fatalf("pageRows: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %q", textOf(res))
	}
	out, ok := res.StructuredContent.(SheetPageOutput)
	if !ok {
		t.Fatalf("expected SheetPageOutput, got %T", res.StructuredContent)
	}
	if out.Meta.Returned != 10 {
		t.Fatalf("Returned = %d, want 10", out.Meta.Returned)
	}
	if !out.Meta.Truncated || out.Meta.NextCursor == "" {
		t.Fatalf("expected a truncated first page with a next cursor, got %+v", out.Meta)
	}

	res2, err := pageRows(context.Background(), cache, limits, "book", "", "", 0, out.Meta.NextCursor, "sheet_page")
	if err != nil {
		t.Fatalf("pageRows (page 2): %v", err)
	}
	out2 := res2.StructuredContent.(SheetPageOutput)
	if out2.Meta.Returned != 10 {
		t.Fatalf("page 2 Returned = %d, want 10", out2.Meta.Returned)
	}
}

func TestPageRowsCursorWorkbookMismatchIsRejected(t *testing.T) {
	root := t.TempDir()
	writeSheetWorkbook(t, filepath.Join(root, "a.xlsx"), [][]string{{"1"}, {"2"}})
	writeSheetWorkbook(t, filepath.Join(root, "b.xlsx"), [][]string{{"1"}, {"2"}})
	_, cache := newTestCache(t, root)
	limits := runtime.NewLimits(4, 4)

	resA, err := pageRows(context.Background(), cache, limits, "a", "Sheet1", "", 1, "", "sheet_page")
	if err != nil || resA.IsError {
		t.Fatalf("pageRows a: %v / %+v", err, resA)
	}
	// Cursor issued for "a" must be rejected when replayed against "b".
	cur := resA.StructuredContent.(SheetPageOutput).Meta.NextCursor
	if cur == "" {
		t.Skip("single-row sheet did not truncate; nothing to replay")
	}
	res, err := pageRows(context.Background(), cache, limits, "b", "", "", 0, cur, "sheet_page")
	if err != nil {
		t.Fatalf("pageRows b: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected cursor/workbook mismatch to be rejected")
	}
}

func TestRangeValuesCorePaginatesByCellCount(t *testing.T) {
	root := t.TempDir()
	writeSheetWorkbook(t, filepath.Join(root, "book.xlsx"), [][]string{
		{"1", "2", "3"},
		{"4", "5", "6"},
	})
	_, cache := newTestCache(t, root)
	limits := runtime.NewLimits(4, 4)

	in := RangeValuesInput{WorkbookID: "book", Sheet: "Sheet1", Range: "A1:C2", MaxCells: 4}
	res, err := rangeValuesCore(context.Background(), cache, limits, in)
	if err != nil {
		t.Fatalf("rangeValuesCore: %v", err)
	}
	out := res.StructuredContent.(RangeValuesOutput)
	if out.Meta.Total != 6 || out.Meta.Returned != 4 {
		t.Fatalf("meta = %+v, want total=6 returned=4", out.Meta)
	}
	if !out.Meta.Truncated || out.Meta.NextCursor == "" {
		t.Fatal("expected truncation with a next cursor")
	}

	in2 := RangeValuesInput{WorkbookID: "book", Cursor: out.Meta.NextCursor}
	res2, err := rangeValuesCore(context.Background(), cache, limits, in2)
	if err != nil {
		t.Fatalf("rangeValuesCore page 2: %v", err)
	}
	out2 := res2.StructuredContent.(RangeValuesOutput)
	if out2.Meta.Returned != 2 {
		t.Fatalf("page 2 returned = %d, want 2", out2.Meta.Returned)
	}
	if out2.Meta.Truncated {
		t.Fatal("expected the final page to be untruncated")
	}
}

func TestFindValueCoreLiteralAndRegex(t *testing.T) {
	root := t.TempDir()
	writeSheetWorkbook(t, filepath.Join(root, "book.xlsx"), [][]string{
		{"apple", "banana"},
		{"grape", "applesauce"},
	})
	_, cache := newTestCache(t, root)
	limits := runtime.NewLimits(4, 4)

	res, err := findValueCore(context.Background(), cache, limits, FindValueInput{
		WorkbookID: "book", Sheet: "Sheet1", Query: "apple",
	})
	if err != nil {
		t.Fatalf("findValueCore: %v", err)
	}
	out := res.StructuredContent.(FindValueOutput)
	if len(out.Matches) != 2 {
		t.Fatalf("expected 2 literal matches, got %d: %+v", len(out.Matches), out.Matches)
	}

	resRe, err := findValueCore(context.Background(), cache, limits, FindValueInput{
		WorkbookID: "book", Sheet: "Sheet1", Query: "^grape$", Regex: true,
	})
	if err != nil {
		t.Fatalf("findValueCore regex: %v", err)
	}
	outRe := resRe.StructuredContent.(FindValueOutput)
	if len(outRe.Matches) != 1 || outRe.Matches[0].Value != "grape" {
		t.Fatalf("expected exactly one regex match for grape, got %+v", outRe.Matches)
	}
}

func TestFindValueCoreRejectsInvalidRegex(t *testing.T) {
	root := t.TempDir()
	writeSheetWorkbook(t, filepath.Join(root, "book.xlsx"), [][]string{{"a"}})
	_, cache := newTestCache(t, root)
	limits := runtime.NewLimits(4, 4)

	res, err := findValueCore(context.Background(), cache, limits, FindValueInput{
		WorkbookID: "book", Sheet: "Sheet1", Query: "(", Regex: true,
	})
	if err != nil {
		t.Fatalf("findValueCore: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected an error result for an invalid regex")
	}
}

func contains(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}

func TestListWorkbooksCoreFiltersBySubstring(t *testing.T) {
	root := t.TempDir()
	writeSheetWorkbook(t, filepath.Join(root, "budget.xlsx"), [][]string{{"1"}})
	writeSheetWorkbook(t, filepath.Join(root, "roster.xlsx"), [][]string{{"1"}})
	ix, _ := newTestCache(t, root)

	res, err := listWorkbooksCore(context.Background(), ix, ListWorkbooksInput{Substring: "budg"})
	if err != nil {
		t.Fatalf("listWorkbooksCore: %v", err)
	}
	out := res.StructuredContent.(ListWorkbooksOutput)
	if len(out.Workbooks) != 1 || out.Workbooks[0].WorkbookID != "budget" {
		t.Fatalf("unexpected workbooks: %+v", out.Workbooks)
	}
}

func TestDescribeWorkbookCoreReportsAllSheets(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "book.xlsx")
	f := excelize.NewFile()
	_, _ = f.NewSheet("Extra")
	_ = f.SetCellValue("Sheet1", "A1", 1)
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}
	_ = f.Close()
	_, cache := newTestCache(t, root)

	res, err := describeWorkbookCore(context.Background(), cache, DescribeWorkbookInput{WorkbookID: "book"})
	if err != nil {
		t.Fatalf("describeWorkbookCore: %v", err)
	}
	out := res.StructuredContent.(DescribeWorkbookOutput)
	if len(out.Sheets) != 2 {
		t.Fatalf("expected 2 sheets, got %d: %+v", len(out.Sheets), out.Sheets)
	}
}

func TestListSheetsCoreReturnsFileOrder(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "book.xlsx")
	f := excelize.NewFile()
	_, _ = f.NewSheet("Second")
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}
	_ = f.Close()
	_, cache := newTestCache(t, root)

	res, err := listSheetsCore(context.Background(), cache, ListSheetsInput{WorkbookID: "book"})
	if err != nil {
		t.Fatalf("listSheetsCore: %v", err)
	}
	out := res.StructuredContent.(ListSheetsOutput)
	if len(out.Sheets) != 2 || out.Sheets[0] != "Sheet1" || out.Sheets[1] != "Second" {
		t.Fatalf("unexpected sheets: %+v", out.Sheets)
	}
}

func TestSheetOverviewCoreRejectsMissingSheet(t *testing.T) {
	root := t.TempDir()
	writeSheetWorkbook(t, filepath.Join(root, "book.xlsx"), [][]string{{"1"}})
	_, cache := newTestCache(t, root)

	res, err := sheetOverviewCore(context.Background(), cache, SheetOverviewInput{WorkbookID: "book", Sheet: "  "})
	if err != nil {
		t.Fatalf("sheetOverviewCore: %v", err)
	}
	if !contains(textOf(res), string(mcperr.Validation)) {
		t.Fatalf("expected validation error, got %q", textOf(res))
	}

	res2, err := sheetOverviewCore(context.Background(), cache, SheetOverviewInput{WorkbookID: "book", Sheet: "Sheet1"})
	if err != nil {
		t.Fatalf("sheetOverviewCore: %v", err)
	}
	if res2.IsError {
		t.Fatalf("unexpected error result: %q", textOf(res2))
	}
}

func TestFindFormulaCoreFiltersByContainsAndSortsByAddress(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "book.xlsx")
	f := excelize.NewFile()
	_ = f.SetCellFormula("Sheet1", "B2", "=A1+A2")
	_ = f.SetCellFormula("Sheet1", "A3", "=SUM(A1:A2)")
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}
	_ = f.Close()
	_, cache := newTestCache(t, root)

	res, err := findFormulaCore(context.Background(), cache, FindFormulaInput{WorkbookID: "book", Sheet: "Sheet1", Contains: "SUM"})
	if err != nil {
		t.Fatalf("findFormulaCore: %v", err)
	}
	out := res.StructuredContent.(FindFormulaOutput)
	if len(out.Formulas) != 1 || out.Formulas[0].Address != "A3" {
		t.Fatalf("unexpected formulas: %+v", out.Formulas)
	}

	resAll, err := findFormulaCore(context.Background(), cache, FindFormulaInput{WorkbookID: "book", Sheet: "Sheet1"})
	if err != nil {
		t.Fatalf("findFormulaCore (all): %v", err)
	}
	outAll := resAll.StructuredContent.(FindFormulaOutput)
	if len(outAll.Formulas) != 2 || outAll.Formulas[0].Address != "A3" || outAll.Formulas[1].Address != "B2" {
		t.Fatalf("expected formulas sorted by address, got %+v", outAll.Formulas)
	}
}
