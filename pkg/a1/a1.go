// Package a1 parses and formats Excel A1-style cell addresses, enforcing
// the row and column bounds a real worksheet supports.
package a1

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// MaxRow and MaxCol are the largest 1-based row/column an XLSX sheet
// supports (1,048,576 rows by 16,384 columns, i.e. through column XFD).
const (
	MaxRow = 1048576
	MaxCol = 16384
)

// Address is a parsed, bounds-checked A1 cell reference.
type Address struct {
	Col int // 1-based
	Row int // 1-based
}

// Parse validates and decodes an A1-style address such as "B7".
// It rejects empty input, digits-first input, row 0, and anything
// past column XFD or row 1048576.
func Parse(a1 string) (Address, error) {
	if a1 == "" {
		return Address{}, fmt.Errorf("a1: empty address")
	}
	col, row, err := excelize.CellNameToCoordinates(a1)
	if err != nil {
		return Address{}, fmt.Errorf("a1: %w", err)
	}
	if row < 1 || row > MaxRow {
		return Address{}, fmt.Errorf("a1: row %d out of bounds [1,%d]", row, MaxRow)
	}
	if col < 1 || col > MaxCol {
		return Address{}, fmt.Errorf("a1: column %d out of bounds [1,%d]", col, MaxCol)
	}
	return Address{Col: col, Row: row}, nil
}

// Format renders an Address back to A1 notation, e.g. {Col:2,Row:7} -> "B7".
func (a Address) Format() (string, error) {
	return excelize.CoordinatesToCellName(a.Col, a.Row)
}

// MustFormat panics on error; reserved for call sites that already
// validated the address (e.g. loop bounds derived from ParseRange).
func (a Address) MustFormat() string {
	s, err := a.Format()
	if err != nil {
		panic(err)
	}
	return s
}

// Range is a bounds-checked rectangular A1 range, inclusive on both ends.
type Range struct {
	StartCol, StartRow int
	EndCol, EndRow     int
}

// Cells returns the number of cells the range covers.
func (r Range) Cells() int {
	cols := r.EndCol - r.StartCol + 1
	rows := r.EndRow - r.StartRow + 1
	if cols <= 0 || rows <= 0 {
		return 0
	}
	return cols * rows
}

// ParseRange parses "A1:D50" style ranges, normalizing so Start <= End.
func ParseRange(input string) (Range, error) {
	start, end, err := splitRange(input)
	if err != nil {
		return Range{}, err
	}
	a, err := Parse(start)
	if err != nil {
		return Range{}, err
	}
	b, err := Parse(end)
	if err != nil {
		return Range{}, err
	}
	r := Range{StartCol: a.Col, StartRow: a.Row, EndCol: b.Col, EndRow: b.Row}
	if r.StartCol > r.EndCol {
		r.StartCol, r.EndCol = r.EndCol, r.StartCol
	}
	if r.StartRow > r.EndRow {
		r.StartRow, r.EndRow = r.EndRow, r.StartRow
	}
	return r, nil
}

func splitRange(input string) (string, string, error) {
	for i := 0; i < len(input); i++ {
		if input[i] == ':' {
			start := input[:i]
			end := input[i+1:]
			if start == "" || end == "" {
				return "", "", fmt.Errorf("a1: malformed range %q", input)
			}
			return start, end, nil
		}
	}
	// A single cell is a degenerate 1x1 range.
	if input == "" {
		return "", "", fmt.Errorf("a1: empty range")
	}
	return input, input, nil
}

// Format renders the range back to "A1:D50" notation.
func (r Range) Format() (string, error) {
	start, err := (Address{Col: r.StartCol, Row: r.StartRow}).Format()
	if err != nil {
		return "", err
	}
	end, err := (Address{Col: r.EndCol, Row: r.EndRow}).Format()
	if err != nil {
		return "", err
	}
	return start + ":" + end, nil
}
