package wbcache

import (
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Region is one contiguous rectangular block of non-empty cells detected on
// a sheet, classified by shape and header heuristics.
type Region struct {
	Range      string     `json:"range"`
	Kind       string     `json:"kind"` // table, list, label
	Rows       int        `json:"rows"`
	Cols       int        `json:"cols"`
	Header     []string   `json:"header,omitempty"`
	Confidence float64    `json:"confidence"`
	Sample     [][]string `json:"sample,omitempty"`
}

// RegionAtlas is the cached result of scanning one sheet for data regions.
type RegionAtlas struct {
	Sheet   string   `json:"sheet"`
	Regions []Region `json:"regions"`
}

const (
	regionMaxScanRows  = 2000
	regionMaxScanCols  = 256
	regionSampleRows   = 2
	regionSampleCols   = 12
	regionMinDimension = 2 // blobs with a side shorter than this are classified as labels, not tables
)

// buildRegionAtlas scans sheet for connected components of non-empty cells
// and classifies each as table-like (multi-row, header-ish first row),
// list-like (a single column of two or more rows, or a multi-row,
// multi-column block without a header-like first row), or label-like
// (anything else, e.g. a single row or cell).
func buildRegionAtlas(f *excelize.File, sheet string) (RegionAtlas, error) {
	atlas := RegionAtlas{Sheet: sheet}

	rows, cols, present, values, err := scanPresence(f, sheet)
	if err != nil {
		return atlas, err
	}
	if rows == 0 || cols == 0 {
		return atlas, nil
	}

	comps := connectedComponents(present, rows, cols)
	regions := make([]Region, 0, len(comps))
	for _, c := range comps {
		regions = append(regions, classify(c, values))
	}
	atlas.Regions = regions
	return atlas, nil
}

type rect struct{ r1, c1, r2, c2 int }

func scanPresence(f *excelize.File, sheet string) (rows, cols int, present [][]bool, values [][]string, err error) {
	usedRows, usedCols := 0, 0
	if dim, derr := f.GetSheetDimension(sheet); derr == nil && dim != "" {
		parts := strings.Split(dim, ":")
		if len(parts) == 2 {
			x1, y1, e1 := excelize.CellNameToCoordinates(parts[0])
			x2, y2, e2 := excelize.CellNameToCoordinates(parts[1])
			if e1 == nil && e2 == nil && x2 >= x1 && y2 >= y1 {
				usedCols, usedRows = x2, y2
			}
		}
	}
	if usedRows <= 0 || usedRows > regionMaxScanRows {
		usedRows = regionMaxScanRows
	}
	if usedCols <= 0 || usedCols > regionMaxScanCols {
		usedCols = regionMaxScanCols
	}

	present = make([][]bool, usedRows)
	values = make([][]string, usedRows)
	for i := range present {
		present[i] = make([]bool, usedCols)
		values[i] = make([]string, usedCols)
	}

	r, err := f.Rows(sheet)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	defer r.Close()

	rowIdx := 0
	for r.Next() {
		rowIdx++
		if rowIdx > usedRows {
			break
		}
		vals, cerr := r.Columns()
		if cerr != nil {
			return 0, 0, nil, nil, cerr
		}
		for c := 0; c < usedCols && c < len(vals); c++ {
			v := strings.TrimSpace(vals[c])
			if v != "" {
				present[rowIdx-1][c] = true
				values[rowIdx-1][c] = v
			}
		}
	}
	if err := r.Error(); err != nil {
		return 0, 0, nil, nil, err
	}
	return usedRows, usedCols, present, values, nil
}

func connectedComponents(present [][]bool, rows, cols int) []rect {
	visited := make([][]bool, rows)
	for i := range visited {
		visited[i] = make([]bool, cols)
	}
	var comps []rect
	var queue [][2]int
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if !present[r][c] || visited[r][c] {
				continue
			}
			visited[r][c] = true
			queue = queue[:0]
			queue = append(queue, [2]int{r, c})
			r1, c1, r2, c2 := r, c, r, c
			for len(queue) > 0 {
				p := queue[0]
				queue = queue[1:]
				cr, cc := p[0], p[1]
				if cr < r1 {
					r1 = cr
				}
				if cr > r2 {
					r2 = cr
				}
				if cc < c1 {
					c1 = cc
				}
				if cc > c2 {
					c2 = cc
				}
				neighbors := [4][2]int{{cr - 1, cc}, {cr + 1, cc}, {cr, cc - 1}, {cr, cc + 1}}
				for _, n := range neighbors {
					nr, nc := n[0], n[1]
					if nr < 0 || nr >= rows || nc < 0 || nc >= cols {
						continue
					}
					if present[nr][nc] && !visited[nr][nc] {
						visited[nr][nc] = true
						queue = append(queue, [2]int{nr, nc})
					}
				}
			}
			comps = append(comps, rect{r1: r1, c1: c1, r2: r2, c2: c2})
		}
	}
	return comps
}

func classify(c rect, values [][]string) Region {
	rowCount := c.r2 - c.r1 + 1
	colCount := c.c2 - c.c1 + 1

	header := make([]string, 0, colCount)
	for cc := c.c1; cc <= c.c2; cc++ {
		header = append(header, values[c.r1][cc])
	}
	hconf := headerConfidence(header)

	kind := "label"
	switch {
	case rowCount >= regionMinDimension && colCount >= regionMinDimension && hconf >= 0.5:
		kind = "table"
	case colCount == 1 && rowCount >= regionMinDimension:
		kind = "list"
	case rowCount >= regionMinDimension && colCount >= regionMinDimension:
		kind = "list"
	}

	sampleRows := regionSampleRows
	if sampleRows > rowCount {
		sampleRows = rowCount
	}
	sampleCols := regionSampleCols
	if sampleCols > colCount {
		sampleCols = colCount
	}
	sample := make([][]string, 0, sampleRows)
	for rr := 0; rr < sampleRows; rr++ {
		row := make([]string, 0, sampleCols)
		for cc := 0; cc < sampleCols; cc++ {
			row = append(row, values[c.r1+rr][c.c1+cc])
		}
		sample = append(sample, row)
	}

	tl, _ := excelize.CoordinatesToCellName(c.c1+1, c.r1+1)
	br, _ := excelize.CoordinatesToCellName(c.c2+1, c.r2+1)

	return Region{
		Range:      tl + ":" + br,
		Kind:       kind,
		Rows:       rowCount,
		Cols:       colCount,
		Header:     trimTrailingEmpties(header),
		Confidence: round3(hconf),
		Sample:     sample,
	}
}

func headerConfidence(hdr []string) float64 {
	nonEmpty, numeric := 0, 0
	uniq := map[string]struct{}{}
	for _, v := range hdr {
		s := strings.TrimSpace(v)
		if s == "" {
			continue
		}
		nonEmpty++
		if _, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64); err == nil {
			numeric++
		}
		uniq[strings.ToLower(s)] = struct{}{}
	}
	if nonEmpty == 0 {
		return 0
	}
	uniqRatio := float64(len(uniq)) / float64(nonEmpty)
	numericRatio := float64(numeric) / float64(nonEmpty)
	return clamp01(0.5*uniqRatio + 0.5*(1.0-numericRatio))
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func round3(x float64) float64 {
	return float64(int(x*1000+0.5)) / 1000
}

func trimTrailingEmpties(xs []string) []string {
	i := len(xs)
	for i > 0 && strings.TrimSpace(xs[i-1]) == "" {
		i--
	}
	return xs[:i]
}
