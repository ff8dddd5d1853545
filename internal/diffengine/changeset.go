package diffengine

import (
	"archive/zip"
	"crypto/sha256"

	"github.com/vinodismyname/sheetforge/pkg/a1"
	"github.com/vinodismyname/sheetforge/pkg/mcperr"
)

// CellChange is one added, removed, or modified cell between base and work.
type CellChange struct {
	Address     string `json:"address"`
	Kind        string `json:"kind"` // added, removed, modified
	OldValue    string `json:"old_value,omitempty"`
	NewValue    string `json:"new_value,omitempty"`
	OldFormula  string `json:"old_formula,omitempty"`
	NewFormula  string `json:"new_formula,omitempty"`
}

// TableChange is one created, removed, or resized table on a sheet.
type TableChange struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"` // created, removed, resized
	OldRef string `json:"old_ref,omitempty"`
	NewRef string `json:"new_ref,omitempty"`
}

// DefinedNameChange is one added, removed, or modified workbook-level name.
type DefinedNameChange struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"` // added, removed, modified
	OldExpr string `json:"old_expr,omitempty"`
	NewExpr string `json:"new_expr,omitempty"`
}

// SheetDiff is the structured diff for one sheet.
type SheetDiff struct {
	Sheet     string               `json:"sheet"`
	Cells     []CellChange         `json:"cells,omitempty"`
	Tables    []TableChange        `json:"tables,omitempty"`
	Truncated bool                 `json:"truncated"`
	Status    string               `json:"status,omitempty"` // "added", "removed" when the whole sheet is new/gone
}

// Changeset is the complete structured diff between a base workbook and a
// fork's work file.
type Changeset struct {
	Sheets       []SheetDiff          `json:"sheets"`
	DefinedNames []DefinedNameChange  `json:"defined_names,omitempty"`
}

// Compute diffs basePath against workPath at the OOXML part level, without
// fully materializing either workbook. maxCellDiffsPerSheet bounds the
// number of cell diff entries emitted for any one sheet.
func Compute(basePath, workPath string, maxCellDiffsPerSheet int) (Changeset, error) {
	baseZip, err := zip.OpenReader(basePath)
	if err != nil {
		return Changeset{}, mcperr.Errorf(mcperr.DiffFailed, "open base archive: %v", err)
	}
	defer baseZip.Close()
	workZip, err := zip.OpenReader(workPath)
	if err != nil {
		return Changeset{}, mcperr.Errorf(mcperr.DiffFailed, "open work archive: %v", err)
	}
	defer workZip.Close()

	baseWB, err := openPart(&baseZip.Reader, "xl/workbook.xml")
	if err != nil {
		return Changeset{}, mcperr.Errorf(mcperr.DiffFailed, "read base workbook.xml: %v", err)
	}
	workWB, err := openPart(&workZip.Reader, "xl/workbook.xml")
	if err != nil {
		return Changeset{}, mcperr.Errorf(mcperr.DiffFailed, "read work workbook.xml: %v", err)
	}

	baseSheets, err := parseWorkbookSheets(baseWB)
	if err != nil {
		return Changeset{}, mcperr.Errorf(mcperr.DiffFailed, "%v", err)
	}
	workSheets, err := parseWorkbookSheets(workWB)
	if err != nil {
		return Changeset{}, mcperr.Errorf(mcperr.DiffFailed, "%v", err)
	}

	baseRels, err := parseRelationships(mustPart(&baseZip.Reader, "xl/_rels/workbook.xml.rels"), "xl/workbook.xml")
	if err != nil {
		return Changeset{}, mcperr.Errorf(mcperr.DiffFailed, "%v", err)
	}
	workRels, err := parseRelationships(mustPart(&workZip.Reader, "xl/_rels/workbook.xml.rels"), "xl/workbook.xml")
	if err != nil {
		return Changeset{}, mcperr.Errorf(mcperr.DiffFailed, "%v", err)
	}

	baseShared, err := parseSharedStrings(mustPart(&baseZip.Reader, "xl/sharedStrings.xml"))
	if err != nil {
		return Changeset{}, mcperr.Errorf(mcperr.DiffFailed, "%v", err)
	}
	workShared, err := parseSharedStrings(mustPart(&workZip.Reader, "xl/sharedStrings.xml"))
	if err != nil {
		return Changeset{}, mcperr.Errorf(mcperr.DiffFailed, "%v", err)
	}

	baseByName := map[string]string{}
	for _, s := range baseSheets {
		baseByName[s.Name] = baseRels[s.RID]
	}
	workByName := map[string]string{}
	for _, s := range workSheets {
		workByName[s.Name] = workRels[s.RID]
	}

	names := map[string]struct{}{}
	for n := range baseByName {
		names[n] = struct{}{}
	}
	for n := range workByName {
		names[n] = struct{}{}
	}

	var sheetDiffs []SheetDiff
	for name := range names {
		basePart, inBase := baseByName[name]
		workPart, inWork := workByName[name]
		switch {
		case inBase && !inWork:
			sheetDiffs = append(sheetDiffs, SheetDiff{Sheet: name, Status: "removed"})
			continue
		case !inBase && inWork:
			sheetDiffs = append(sheetDiffs, SheetDiff{Sheet: name, Status: "added"})
			continue
		}

		baseData, err := openPart(&baseZip.Reader, basePart)
		if err != nil {
			return Changeset{}, mcperr.Errorf(mcperr.DiffFailed, "sheet %q: %v", name, err)
		}
		workData, err := openPart(&workZip.Reader, workPart)
		if err != nil {
			return Changeset{}, mcperr.Errorf(mcperr.DiffFailed, "sheet %q: %v", name, err)
		}

		if identical(baseData, workData) {
			continue
		}

		baseCells, err := parseSheetCells(baseData, baseShared)
		if err != nil {
			return Changeset{}, mcperr.Errorf(mcperr.DiffFailed, "sheet %q: %v", name, err)
		}
		workCells, err := parseSheetCells(workData, workShared)
		if err != nil {
			return Changeset{}, mcperr.Errorf(mcperr.DiffFailed, "sheet %q: %v", name, err)
		}

		cellChanges, truncated := diffCells(baseCells, workCells, maxCellDiffsPerSheet)

		baseTables, err := sheetTables(&baseZip.Reader, basePart)
		if err != nil {
			return Changeset{}, mcperr.Errorf(mcperr.DiffFailed, "sheet %q tables: %v", name, err)
		}
		workTables, err := sheetTables(&workZip.Reader, workPart)
		if err != nil {
			return Changeset{}, mcperr.Errorf(mcperr.DiffFailed, "sheet %q tables: %v", name, err)
		}
		tableChanges := diffTables(baseTables, workTables)

		if len(cellChanges) == 0 && len(tableChanges) == 0 {
			continue
		}
		sheetDiffs = append(sheetDiffs, SheetDiff{
			Sheet:     name,
			Cells:     cellChanges,
			Tables:    tableChanges,
			Truncated: truncated,
		})
	}

	baseDN, err := parseDefinedNames(mustPart(&baseZip.Reader, "xl/workbook.xml"))
	if err != nil {
		return Changeset{}, mcperr.Errorf(mcperr.DiffFailed, "%v", err)
	}
	workDN, err := parseDefinedNames(mustPart(&workZip.Reader, "xl/workbook.xml"))
	if err != nil {
		return Changeset{}, mcperr.Errorf(mcperr.DiffFailed, "%v", err)
	}
	dnChanges := diffDefinedNames(baseDN, workDN)

	return Changeset{Sheets: sheetDiffs, DefinedNames: dnChanges}, nil
}

func mustPart(r *zip.Reader, name string) []byte {
	data, _ := openPart(r, name)
	return data
}

func identical(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return sha256.Sum256(a) == sha256.Sum256(b)
}

// diffCells merges two row-major cell streams using a two-cursor scan, as
// spec.md §4.7 describes: advance whichever side has the lower address when
// they disagree, compare value/formula when addresses match.
func diffCells(base, work []sheetCell, maxEntries int) ([]CellChange, bool) {
	i, j := 0, 0
	var out []CellChange
	truncated := false
	emit := func(c CellChange) bool {
		if maxEntries > 0 && len(out) >= maxEntries {
			truncated = true
			return false
		}
		out = append(out, c)
		return true
	}

	for i < len(base) || j < len(work) {
		if truncated {
			break
		}
		switch {
		case i >= len(base):
			c := work[j]
			if !emit(CellChange{Address: c.Address, Kind: "added", NewValue: c.Value, NewFormula: c.Formula}) {
				break
			}
			j++
		case j >= len(work):
			c := base[i]
			if !emit(CellChange{Address: c.Address, Kind: "removed", OldValue: c.Value, OldFormula: c.Formula}) {
				break
			}
			i++
		default:
			cmp := compareAddress(base[i].Address, work[j].Address)
			switch {
			case cmp == 0:
				bc, wc := base[i], work[j]
				if bc.Value != wc.Value || bc.Formula != wc.Formula {
					emit(CellChange{
						Address:    bc.Address,
						Kind:       "modified",
						OldValue:   bc.Value,
						NewValue:   wc.Value,
						OldFormula: bc.Formula,
						NewFormula: wc.Formula,
					})
				}
				i++
				j++
			case cmp < 0:
				c := base[i]
				emit(CellChange{Address: c.Address, Kind: "removed", OldValue: c.Value, OldFormula: c.Formula})
				i++
			default:
				c := work[j]
				emit(CellChange{Address: c.Address, Kind: "added", NewValue: c.Value, NewFormula: c.Formula})
				j++
			}
		}
	}
	return out, truncated
}

// compareAddress orders two A1 addresses in row-major order: row first,
// then column. Unparseable addresses fall back to a stable string compare
// so a malformed cell never panics the diff.
func compareAddress(a, b string) int {
	pa, errA := a1.Parse(a)
	pb, errB := a1.Parse(b)
	if errA != nil || errB != nil {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	}
	if pa.Row != pb.Row {
		return pa.Row - pb.Row
	}
	return pa.Col - pb.Col
}

func diffTables(base, work []sheetTable) []TableChange {
	baseByName := map[string]sheetTable{}
	for _, t := range base {
		baseByName[t.Name] = t
	}
	workByName := map[string]sheetTable{}
	for _, t := range work {
		workByName[t.Name] = t
	}
	var out []TableChange
	for name, bt := range baseByName {
		if wt, ok := workByName[name]; ok {
			if bt.Ref != wt.Ref {
				out = append(out, TableChange{Name: name, Kind: "resized", OldRef: bt.Ref, NewRef: wt.Ref})
			}
			continue
		}
		out = append(out, TableChange{Name: name, Kind: "removed", OldRef: bt.Ref})
	}
	for name, wt := range workByName {
		if _, ok := baseByName[name]; !ok {
			out = append(out, TableChange{Name: name, Kind: "created", NewRef: wt.Ref})
		}
	}
	return out
}

func diffDefinedNames(base, work []definedName) []DefinedNameChange {
	baseByName := map[string]string{}
	for _, d := range base {
		baseByName[d.Name] = d.Expr
	}
	workByName := map[string]string{}
	for _, d := range work {
		workByName[d.Name] = d.Expr
	}
	var out []DefinedNameChange
	for name, expr := range baseByName {
		if wexpr, ok := workByName[name]; ok {
			if expr != wexpr {
				out = append(out, DefinedNameChange{Name: name, Kind: "modified", OldExpr: expr, NewExpr: wexpr})
			}
			continue
		}
		out = append(out, DefinedNameChange{Name: name, Kind: "removed", OldExpr: expr})
	}
	for name, expr := range workByName {
		if _, ok := baseByName[name]; !ok {
			out = append(out, DefinedNameChange{Name: name, Kind: "added", NewExpr: expr})
		}
	}
	return out
}
