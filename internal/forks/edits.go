package forks

import (
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/vinodismyname/sheetforge/pkg/a1"
	"github.com/vinodismyname/sheetforge/pkg/mcperr"
)

// ApplyEditBatch opens the fork's work file, applies edits in order, and
// writes the workbook back to the same path. All edits are validated
// up front so the batch is all-or-nothing: a single out-of-bounds address
// fails the whole call before anything is opened or written.
func ApplyEditBatch(f *Fork, edits []CellEdit) (int, error) {
	for _, e := range edits {
		if strings.TrimSpace(e.Sheet) == "" {
			return 0, mcperr.Errorf(mcperr.Validation, "edit batch: sheet is required")
		}
		if _, err := a1.Parse(e.Address); err != nil {
			return 0, mcperr.Errorf(mcperr.Validation, "edit batch: invalid address %q: %v", e.Address, err)
		}
	}

	wb, err := excelize.OpenFile(f.WorkPath)
	if err != nil {
		return 0, mcperr.Errorf(mcperr.OpenFailed, "edit batch: open work file: %v", err)
	}
	defer wb.Close()

	for _, e := range edits {
		if e.IsFormula {
			formula, _ := e.Value.(string)
			if err := wb.SetCellFormula(e.Sheet, e.Address, formula); err != nil {
				return 0, mcperr.Errorf(mcperr.WriteFailed, "edit batch: set formula %s!%s: %v", e.Sheet, e.Address, err)
			}
			continue
		}
		if err := wb.SetCellValue(e.Sheet, e.Address, e.Value); err != nil {
			return 0, mcperr.Errorf(mcperr.WriteFailed, "edit batch: set value %s!%s: %v", e.Sheet, e.Address, err)
		}
	}

	if err := wb.Save(); err != nil {
		return 0, mcperr.Errorf(mcperr.WriteFailed, "edit batch: save work file: %v", err)
	}

	f.appendStaged(edits)
	return len(edits), nil
}
