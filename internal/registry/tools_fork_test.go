package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/vinodismyname/sheetforge/internal/forks"
	"github.com/vinodismyname/sheetforge/internal/recalc"
	"github.com/vinodismyname/sheetforge/internal/runtime"
	"github.com/vinodismyname/sheetforge/internal/wbcache"
	"github.com/vinodismyname/sheetforge/internal/workspace"
	"github.com/vinodismyname/sheetforge/pkg/mcperr"
)

func newTestForkRegistry(t *testing.T, maxForks int) (*forks.Registry, string) {
	t.Helper()
	root := t.TempDir()
	f := excelize.NewFile()
	_ = f.SetCellValue("Sheet1", "A1", 1)
	_ = f.SetCellValue("Sheet1", "A2", 2)
	_ = f.SetCellFormula("Sheet1", "A3", "=A1+A2")
	if err := f.SaveAs(filepath.Join(root, "budget.xlsx")); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}
	_ = f.Close()

	ix, err := workspace.New(root, []string{"xlsx"}, nil)
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	cache, err := wbcache.New(ix, 10, 1000)
	if err != nil {
		t.Fatalf("wbcache.New: %v", err)
	}
	scratch := filepath.Join(t.TempDir(), "scratch")
	reg, err := forks.NewRegistry(ix, cache, nil, scratch, maxForks, time.Hour, 3)
	if err != nil {
		t.Fatalf("forks.NewRegistry: %v", err)
	}
	return reg, root
}

func newTestOrchestrator(forkRegistry *forks.Registry, limits runtime.Limits) *recalc.Orchestrator {
	ctrl := runtime.NewController(limits)
	return recalc.New(recalc.NoopBackend{}, forkRegistry, ctrl)
}

func TestCreateForkCoreSuccessAndNotFound(t *testing.T) {
	forkRegistry, _ := newTestForkRegistry(t, 10)

	res, err := createForkCore(context.Background(), forkRegistry, CreateForkInput{WorkbookID: "budget"})
	if err != nil {
		t.Fatalf("createForkCore: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %q", textOf(res))
	}
	out := res.StructuredContent.(CreateForkOutput)
	if out.WorkbookID != "budget" || out.ForkID == "" {
		t.Fatalf("unexpected output: %+v", out)
	}

	resMissing, err := createForkCore(context.Background(), forkRegistry, CreateForkInput{WorkbookID: "nope"})
	if err != nil {
		t.Fatalf("createForkCore (missing): %v", err)
	}
	if !resMissing.IsError || !contains(textOf(resMissing), string(mcperr.NotFound)) {
		t.Fatalf("expected not_found, got %q", textOf(resMissing))
	}
}

func TestCreateForkCoreRejectsEmptyWorkbookID(t *testing.T) {
	forkRegistry, _ := newTestForkRegistry(t, 10)
	res, err := createForkCore(context.Background(), forkRegistry, CreateForkInput{WorkbookID: "  "})
	if err != nil {
		t.Fatalf("createForkCore: %v", err)
	}
	if !contains(textOf(res), string(mcperr.Validation)) {
		t.Fatalf("expected validation error, got %q", textOf(res))
	}
}

func TestEditBatchCoreAppliesValidBatch(t *testing.T) {
	forkRegistry, _ := newTestForkRegistry(t, 10)
	limits := runtime.NewLimits(4, 4)

	created, err := createForkCore(context.Background(), forkRegistry, CreateForkInput{WorkbookID: "budget"})
	if err != nil {
		t.Fatalf("createForkCore: %v", err)
	}
	forkID := created.StructuredContent.(CreateForkOutput).ForkID

	res, err := editBatchCore(forkRegistry, limits, EditBatchInput{
		ForkID: forkID,
		Edits: []CellEditInput{
			{Sheet: "Sheet1", Address: "A1", Value: 10},
			{Sheet: "Sheet1", Address: "A2", Value: 20},
		},
	})
	if err != nil {
		t.Fatalf("editBatchCore: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %q", textOf(res))
	}
	out := res.StructuredContent.(EditBatchOutput)
	if out.Applied != 2 {
		t.Fatalf("Applied = %d, want 2", out.Applied)
	}
}

func TestEditBatchCoreRejectsEmptyEdits(t *testing.T) {
	forkRegistry, _ := newTestForkRegistry(t, 10)
	limits := runtime.NewLimits(4, 4)

	created, err := createForkCore(context.Background(), forkRegistry, CreateForkInput{WorkbookID: "budget"})
	if err != nil {
		t.Fatalf("createForkCore: %v", err)
	}
	forkID := created.StructuredContent.(CreateForkOutput).ForkID

	res, err := editBatchCore(forkRegistry, limits, EditBatchInput{ForkID: forkID})
	if err != nil {
		t.Fatalf("editBatchCore: %v", err)
	}
	if !contains(textOf(res), string(mcperr.Validation)) {
		t.Fatalf("expected validation error, got %q", textOf(res))
	}
}

func TestEditBatchCoreEnforcesMaxCellsPerOp(t *testing.T) {
	forkRegistry, _ := newTestForkRegistry(t, 10)
	limits := runtime.NewLimits(4, 4)
	limits.MaxCellsPerOp = 1

	created, err := createForkCore(context.Background(), forkRegistry, CreateForkInput{WorkbookID: "budget"})
	if err != nil {
		t.Fatalf("createForkCore: %v", err)
	}
	forkID := created.StructuredContent.(CreateForkOutput).ForkID

	res, err := editBatchCore(forkRegistry, limits, EditBatchInput{
		ForkID: forkID,
		Edits: []CellEditInput{
			{Sheet: "Sheet1", Address: "A1", Value: 1},
			{Sheet: "Sheet1", Address: "A2", Value: 2},
		},
	})
	if err != nil {
		t.Fatalf("editBatchCore: %v", err)
	}
	if !contains(textOf(res), string(mcperr.LimitExceeded)) {
		t.Fatalf("expected limit_exceeded, got %q", textOf(res))
	}
}

func TestRecalculateCoreSucceedsWithNoopBackend(t *testing.T) {
	forkRegistry, _ := newTestForkRegistry(t, 10)
	limits := runtime.NewLimits(4, 4)
	orchestrator := newTestOrchestrator(forkRegistry, limits)

	created, err := createForkCore(context.Background(), forkRegistry, CreateForkInput{WorkbookID: "budget"})
	if err != nil {
		t.Fatalf("createForkCore: %v", err)
	}
	forkID := created.StructuredContent.(CreateForkOutput).ForkID

	res, err := recalculateCore(context.Background(), orchestrator, RecalculateInput{ForkID: forkID})
	if err != nil {
		t.Fatalf("recalculateCore: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %q", textOf(res))
	}
	out := res.StructuredContent.(RecalculateOutput)
	if out.Status != "recalculated" {
		t.Fatalf("Status = %q, want recalculated", out.Status)
	}
}

func TestGetChangesetCoreReflectsStagedEdits(t *testing.T) {
	forkRegistry, _ := newTestForkRegistry(t, 10)
	limits := runtime.NewLimits(4, 4)

	created, err := createForkCore(context.Background(), forkRegistry, CreateForkInput{WorkbookID: "budget"})
	if err != nil {
		t.Fatalf("createForkCore: %v", err)
	}
	forkID := created.StructuredContent.(CreateForkOutput).ForkID

	if _, err := editBatchCore(forkRegistry, limits, EditBatchInput{
		ForkID: forkID,
		Edits:  []CellEditInput{{Sheet: "Sheet1", Address: "A1", Value: 99}},
	}); err != nil {
		t.Fatalf("editBatchCore: %v", err)
	}

	res, err := getChangesetCore(forkRegistry, limits, GetChangesetInput{ForkID: forkID})
	if err != nil {
		t.Fatalf("getChangesetCore: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %q", textOf(res))
	}
	out := res.StructuredContent.(GetChangesetOutput)
	if len(out.Changeset.Sheets) == 0 {
		t.Fatal("expected at least one changed sheet after an edit")
	}
}

func TestSaveForkCoreRejectsExistingTargetThenOverwriteSucceeds(t *testing.T) {
	forkRegistry, root := newTestForkRegistry(t, 10)

	created, err := createForkCore(context.Background(), forkRegistry, CreateForkInput{WorkbookID: "budget"})
	if err != nil {
		t.Fatalf("createForkCore: %v", err)
	}
	forkID := created.StructuredContent.(CreateForkOutput).ForkID
	target := filepath.Join(root, "budget.xlsx")

	res, err := saveForkCore(forkRegistry, SaveForkInput{ForkID: forkID, TargetPath: target})
	if err != nil {
		t.Fatalf("saveForkCore: %v", err)
	}
	if !contains(textOf(res), string(mcperr.TargetExists)) {
		t.Fatalf("expected target_exists, got %q", textOf(res))
	}

	res2, err := saveForkCore(forkRegistry, SaveForkInput{ForkID: forkID, TargetPath: target, AllowOverwrite: true})
	if err != nil {
		t.Fatalf("saveForkCore (overwrite): %v", err)
	}
	if res2.IsError {
		t.Fatalf("unexpected error result: %q", textOf(res2))
	}
}

func TestDiscardForkCoreThenNotFoundOnReuse(t *testing.T) {
	forkRegistry, _ := newTestForkRegistry(t, 10)

	created, err := createForkCore(context.Background(), forkRegistry, CreateForkInput{WorkbookID: "budget"})
	if err != nil {
		t.Fatalf("createForkCore: %v", err)
	}
	forkID := created.StructuredContent.(CreateForkOutput).ForkID

	res, err := discardForkCore(forkRegistry, DiscardForkInput{ForkID: forkID})
	if err != nil {
		t.Fatalf("discardForkCore: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %q", textOf(res))
	}

	resAgain, err := discardForkCore(forkRegistry, DiscardForkInput{ForkID: forkID})
	if err != nil {
		t.Fatalf("discardForkCore (reuse): %v", err)
	}
	if !contains(textOf(resAgain), string(mcperr.NotFound)) {
		t.Fatalf("expected not_found on reuse, got %q", textOf(resAgain))
	}
}
