package diffengine

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"
)

func writeWorkbook(t *testing.T, path string, build func(f *excelize.File)) {
	t.Helper()
	f := excelize.NewFile()
	build(f)
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("SaveAs %q: %v", path, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close %q: %v", path, err)
	}
}

func TestComputeDetectsModifiedCells(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.xlsx")
	workPath := filepath.Join(dir, "work.xlsx")

	writeWorkbook(t, basePath, func(f *excelize.File) {
		_ = f.SetCellValue("Sheet1", "A1", 1)
		_ = f.SetCellValue("Sheet1", "A2", 2)
		_ = f.SetCellFormula("Sheet1", "A3", "=A1+A2")
	})
	writeWorkbook(t, workPath, func(f *excelize.File) {
		_ = f.SetCellValue("Sheet1", "A1", 5)
		_ = f.SetCellValue("Sheet1", "A2", 2)
		_ = f.SetCellFormula("Sheet1", "A3", "=A1+A2")
	})

	cs, err := Compute(basePath, workPath, 0)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(cs.Sheets) != 1 {
		t.Fatalf("expected one sheet diff, got %d: %+v", len(cs.Sheets), cs.Sheets)
	}
	sd := cs.Sheets[0]
	if sd.Sheet != "Sheet1" {
		t.Fatalf("expected Sheet1, got %q", sd.Sheet)
	}
	found := false
	for _, c := range sd.Cells {
		if c.Address == "A1" {
			found = true
			if c.Kind != "modified" {
				t.Fatalf("expected A1 modified, got %q", c.Kind)
			}
			if c.OldValue != "1" || c.NewValue != "5" {
				t.Fatalf("expected old=1 new=5, got old=%q new=%q", c.OldValue, c.NewValue)
			}
		}
	}
	if !found {
		t.Fatal("expected a cell change at A1")
	}
}

func TestComputeDetectsAddedAndRemovedCells(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.xlsx")
	workPath := filepath.Join(dir, "work.xlsx")

	writeWorkbook(t, basePath, func(f *excelize.File) {
		_ = f.SetCellValue("Sheet1", "A1", 1)
		_ = f.SetCellValue("Sheet1", "B1", "gone")
	})
	writeWorkbook(t, workPath, func(f *excelize.File) {
		_ = f.SetCellValue("Sheet1", "A1", 1)
		_ = f.SetCellValue("Sheet1", "C1", "new")
	})

	cs, err := Compute(basePath, workPath, 0)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(cs.Sheets) != 1 {
		t.Fatalf("expected one sheet diff, got %d", len(cs.Sheets))
	}
	var sawAdded, sawRemoved bool
	for _, c := range cs.Sheets[0].Cells {
		switch {
		case c.Address == "C1" && c.Kind == "added":
			sawAdded = true
		case c.Address == "B1" && c.Kind == "removed":
			sawRemoved = true
		}
	}
	if !sawAdded {
		t.Fatal("expected C1 added")
	}
	if !sawRemoved {
		t.Fatal("expected B1 removed")
	}
}

func TestComputeNoDiffWhenIdentical(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.xlsx")
	workPath := filepath.Join(dir, "work.xlsx")

	build := func(f *excelize.File) {
		_ = f.SetCellValue("Sheet1", "A1", "same")
	}
	writeWorkbook(t, basePath, build)
	writeWorkbook(t, workPath, build)

	cs, err := Compute(basePath, workPath, 0)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(cs.Sheets) != 0 {
		t.Fatalf("expected no sheet diffs for identical workbooks, got %+v", cs.Sheets)
	}
}

func TestComputeTruncatesAtMaxCellDiffs(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.xlsx")
	workPath := filepath.Join(dir, "work.xlsx")

	const rows = 200
	writeWorkbook(t, basePath, func(f *excelize.File) {
		for i := 1; i <= rows; i++ {
			_ = f.SetCellValue("Sheet1", fmt.Sprintf("A%d", i), i)
		}
	})
	writeWorkbook(t, workPath, func(f *excelize.File) {
		for i := 1; i <= rows; i++ {
			_ = f.SetCellValue("Sheet1", fmt.Sprintf("A%d", i), i+1000)
		}
	})

	cs, err := Compute(basePath, workPath, 10)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(cs.Sheets) != 1 {
		t.Fatalf("expected one sheet diff, got %d", len(cs.Sheets))
	}
	sd := cs.Sheets[0]
	if !sd.Truncated {
		t.Fatal("expected truncated=true")
	}
	if len(sd.Cells) != 10 {
		t.Fatalf("expected exactly 10 cell changes, got %d", len(sd.Cells))
	}
}

func TestComputeDetectsAddedSheet(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.xlsx")
	workPath := filepath.Join(dir, "work.xlsx")

	writeWorkbook(t, basePath, func(f *excelize.File) {
		_ = f.SetCellValue("Sheet1", "A1", 1)
	})
	writeWorkbook(t, workPath, func(f *excelize.File) {
		_ = f.SetCellValue("Sheet1", "A1", 1)
		if _, err := f.NewSheet("Extra"); err != nil {
			t.Fatalf("NewSheet: %v", err)
		}
		_ = f.SetCellValue("Extra", "A1", "hi")
	})

	cs, err := Compute(basePath, workPath, 0)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	var sawAdded bool
	for _, sd := range cs.Sheets {
		if sd.Sheet == "Extra" && sd.Status == "added" {
			sawAdded = true
		}
	}
	if !sawAdded {
		t.Fatalf("expected Extra sheet reported as added, got %+v", cs.Sheets)
	}
}

func TestCompareAddressOrdersByRowThenColumn(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"A1", "A1", 0},
		{"A1", "A2", -1},
		{"A2", "A1", 1},
		{"A10", "A9", 1},
		{"B1", "A1", 1},
	}
	for _, c := range cases {
		got := compareAddress(c.a, c.b)
		switch {
		case c.want == 0 && got != 0:
			t.Errorf("compareAddress(%q,%q) = %d, want 0", c.a, c.b, got)
		case c.want < 0 && got >= 0:
			t.Errorf("compareAddress(%q,%q) = %d, want <0", c.a, c.b, got)
		case c.want > 0 && got <= 0:
			t.Errorf("compareAddress(%q,%q) = %d, want >0", c.a, c.b, got)
		}
	}
}
