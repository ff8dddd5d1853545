package wbcache

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xuri/excelize/v2"
	"golang.org/x/sync/singleflight"
)

// SheetSummary describes one sheet's shape and a small set of flags.
type SheetSummary struct {
	Name         string `json:"name"`
	MaxRow       int    `json:"max_row"`
	MaxCol       int    `json:"max_col"`
	NonEmpty     int    `json:"non_empty_cells"`
	HasFormulas  bool   `json:"has_formulas"`
	HasMerged    bool   `json:"has_merged_cells"`
	IsHidden     bool   `json:"is_hidden"`
}

// FormulaEntry is one parsed formula cell within a sheet's formula atlas.
type FormulaEntry struct {
	Address    string   `json:"address"`
	Formula    string   `json:"formula"`
	DependsOn  []string `json:"depends_on,omitempty"`
	Volatile   bool     `json:"volatile"`
}

// Context is a shared, immutable-after-load handle on a parsed workbook
// plus its per-sheet derived caches. Multiple concurrent readers are
// supported; each derived cache has its own short critical section so
// atlas computation for one sheet never blocks summary reads for another.
type Context struct {
	WorkbookID string
	Path       string

	fileMu sync.RWMutex
	file   *excelize.File

	summaryMu    sync.Mutex
	summaryOnce  map[string]*sync.Once
	summaries    map[string]SheetSummary
	summaryErr   map[string]error

	atlasGroup singleflight.Group
	atlasMu    sync.RWMutex
	atlas      map[string]RegionAtlas

	formulaMu      sync.Mutex
	formulaOrder   []string // sheet names, least-recently-used at front
	formulas       map[string][]FormulaEntry
	formulaEntries int
	maxFormulaEntries int
}

// Load opens the workbook at path and returns a fresh Context. The parse
// itself is the expensive, blocking step the cache keeps off its own lock.
func Load(path, workbookID string, maxFormulaEntries int) (*Context, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("wbcache: open %q: %w", path, err)
	}
	if maxFormulaEntries <= 0 {
		maxFormulaEntries = 1000
	}
	return &Context{
		WorkbookID:        workbookID,
		Path:              path,
		file:              f,
		summaryOnce:       map[string]*sync.Once{},
		summaries:         map[string]SheetSummary{},
		summaryErr:        map[string]error{},
		atlas:             map[string]RegionAtlas{},
		formulas:          map[string][]FormulaEntry{},
		maxFormulaEntries: maxFormulaEntries,
	}, nil
}

// Close releases the underlying parsed file.
func (c *Context) Close() error {
	c.fileMu.Lock()
	defer c.fileMu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

// WithRead runs fn with a read lock on the underlying excelize file.
func (c *Context) WithRead(fn func(f *excelize.File) error) error {
	c.fileMu.RLock()
	defer c.fileMu.RUnlock()
	if c.file == nil {
		return fmt.Errorf("wbcache: workbook context closed")
	}
	return fn(c.file)
}

// SheetNames returns the workbook's sheet names in file order.
func (c *Context) SheetNames() []string {
	var names []string
	_ = c.WithRead(func(f *excelize.File) error {
		names = f.GetSheetList()
		return nil
	})
	return names
}

// GetSheetSummary computes (on first call) and returns the SheetSummary for
// name. Subsequent calls are a cheap map lookup.
func (c *Context) GetSheetSummary(name string) (SheetSummary, error) {
	c.summaryMu.Lock()
	once, ok := c.summaryOnce[name]
	if !ok {
		once = &sync.Once{}
		c.summaryOnce[name] = once
	}
	c.summaryMu.Unlock()

	once.Do(func() {
		summary, err := computeSheetSummary(c, name)
		c.summaryMu.Lock()
		c.summaries[name] = summary
		c.summaryErr[name] = err
		c.summaryMu.Unlock()
	})

	c.summaryMu.Lock()
	defer c.summaryMu.Unlock()
	return c.summaries[name], c.summaryErr[name]
}

func computeSheetSummary(c *Context, name string) (SheetSummary, error) {
	summary := SheetSummary{Name: name}
	err := c.WithRead(func(f *excelize.File) error {
		dim, derr := f.GetSheetDimension(name)
		if derr != nil {
			return derr
		}
		if dim != "" {
			parts := strings.Split(dim, ":")
			if len(parts) == 2 {
				x2, y2, cerr := excelize.CellNameToCoordinates(parts[1])
				if cerr == nil {
					summary.MaxCol, summary.MaxRow = x2, y2
				}
			}
		}
		merged, merr := f.GetMergeCells(name)
		if merr == nil && len(merged) > 0 {
			summary.HasMerged = true
		}
		visible, verr := f.GetSheetVisible(name)
		if verr == nil {
			summary.IsHidden = !visible
		}

		rows, rerr := f.Rows(name)
		if rerr != nil {
			return rerr
		}
		defer rows.Close()
		nonEmpty := 0
		hasFormula := false
		rowIdx := 0
		for rows.Next() {
			rowIdx++
			cols, cerr := rows.Columns()
			if cerr != nil {
				return cerr
			}
			for colIdx, v := range cols {
				if strings.TrimSpace(v) == "" {
					continue
				}
				nonEmpty++
				cellName, _ := excelize.CoordinatesToCellName(colIdx+1, rowIdx)
				if formula, ferr := f.GetCellFormula(name, cellName); ferr == nil && formula != "" {
					hasFormula = true
				}
			}
		}
		summary.NonEmpty = nonEmpty
		summary.HasFormulas = hasFormula
		return rows.Error()
	})
	return summary, err
}

// GetRegionAtlas returns the cached RegionAtlas for name, computing it at
// most once even under concurrent callers (single-flight per sheet).
func (c *Context) GetRegionAtlas(name string) (RegionAtlas, error) {
	c.atlasMu.RLock()
	if a, ok := c.atlas[name]; ok {
		c.atlasMu.RUnlock()
		return a, nil
	}
	c.atlasMu.RUnlock()

	v, err, _ := c.atlasGroup.Do(name, func() (any, error) {
		var result RegionAtlas
		rerr := c.WithRead(func(f *excelize.File) error {
			a, berr := buildRegionAtlas(f, name)
			result = a
			return berr
		})
		if rerr != nil {
			return RegionAtlas{}, rerr
		}
		c.atlasMu.Lock()
		c.atlas[name] = result
		c.atlasMu.Unlock()
		return result, nil
	})
	if err != nil {
		return RegionAtlas{}, err
	}
	return v.(RegionAtlas), nil
}

// GetFormulaEntries returns the parsed formula entries for name, computing
// them on first access. The total entry count across all cached sheets is
// bounded; when a new sheet's entries would exceed the bound, the
// least-recently-accessed sheet's entries are evicted first.
func (c *Context) GetFormulaEntries(name string) ([]FormulaEntry, error) {
	c.formulaMu.Lock()
	if entries, ok := c.formulas[name]; ok {
		c.touchFormulaSheet(name)
		c.formulaMu.Unlock()
		out := make([]FormulaEntry, len(entries))
		copy(out, entries)
		return out, nil
	}
	c.formulaMu.Unlock()

	entries, err := computeFormulaEntries(c, name)
	if err != nil {
		return nil, err
	}

	c.formulaMu.Lock()
	defer c.formulaMu.Unlock()
	c.formulas[name] = entries
	c.formulaEntries += len(entries)
	c.formulaOrder = append(c.formulaOrder, name)
	for c.formulaEntries > c.maxFormulaEntries && len(c.formulaOrder) > 1 {
		evictSheet := c.formulaOrder[0]
		c.formulaOrder = c.formulaOrder[1:]
		c.formulaEntries -= len(c.formulas[evictSheet])
		delete(c.formulas, evictSheet)
	}
	out := make([]FormulaEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// touchFormulaSheet moves name to the most-recently-used end of the
// eviction order. Caller must hold formulaMu.
func (c *Context) touchFormulaSheet(name string) {
	for i, n := range c.formulaOrder {
		if n == name {
			c.formulaOrder = append(c.formulaOrder[:i], c.formulaOrder[i+1:]...)
			break
		}
	}
	c.formulaOrder = append(c.formulaOrder, name)
}

func computeFormulaEntries(c *Context, name string) ([]FormulaEntry, error) {
	var entries []FormulaEntry
	err := c.WithRead(func(f *excelize.File) error {
		rows, rerr := f.Rows(name)
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
			for colIdx := range cols {
				cellName, _ := excelize.CoordinatesToCellName(colIdx+1, rowIdx)
				formula, ferr := f.GetCellFormula(name, cellName)
				if ferr != nil || formula == "" {
					continue
				}
				entries = append(entries, FormulaEntry{
					Address:   cellName,
					Formula:   formula,
					Volatile:  isVolatileFormula(formula),
					DependsOn: extractFormulaRefs(formula),
				})
			}
		}
		return rows.Error()
	})
	return entries, err
}

var volatileFunctions = []string{"NOW(", "TODAY(", "RAND(", "RANDBETWEEN(", "OFFSET(", "INDIRECT("}

func isVolatileFormula(formula string) bool {
	upper := strings.ToUpper(formula)
	for _, fn := range volatileFunctions {
		if strings.Contains(upper, fn) {
			return true
		}
	}
	return false
}

// extractFormulaRefs does a best-effort scan for A1-style cell and range
// references inside a formula string; it is a heuristic, not a parser.
func extractFormulaRefs(formula string) []string {
	var refs []string
	seen := map[string]struct{}{}
	var cur strings.Builder
	flush := func() {
		tok := cur.String()
		cur.Reset()
		if tok == "" {
			return
		}
		if looksLikeCellRef(tok) {
			if _, ok := seen[tok]; !ok {
				seen[tok] = struct{}{}
				refs = append(refs, tok)
			}
		}
	}
	for _, r := range formula {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '$', r == ':':
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	sort.Strings(refs)
	return refs
}

func looksLikeCellRef(tok string) bool {
	tok = strings.ReplaceAll(tok, "$", "")
	parts := strings.SplitN(tok, ":", 2)
	for _, p := range parts {
		if !singleCellRefPattern(p) {
			return false
		}
	}
	return true
}

func singleCellRefPattern(s string) bool {
	i := 0
	for i < len(s) && ((s[i] >= 'A' && s[i] <= 'Z') || (s[i] >= 'a' && s[i] <= 'z')) {
		i++
	}
	if i == 0 || i == len(s) {
		return false
	}
	for _, r := range s[i:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
