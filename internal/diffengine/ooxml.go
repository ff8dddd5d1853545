package diffengine

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// openPart reads one named part out of an OOXML zip archive. Returns nil,
// nil when the part is absent (a legitimate state for, e.g., sharedStrings
// or tables on a workbook that has none).
func openPart(r *zip.Reader, name string) ([]byte, error) {
	for _, f := range r.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, nil
}

// localName strips an XML namespace prefix, so token scanning matches on
// element/attribute names regardless of which prefix a producer chose.
func localName(n xml.Name) string {
	if i := strings.IndexByte(n.Local, ':'); i >= 0 {
		return n.Local[i+1:]
	}
	return n.Local
}

func attr(attrs []xml.Attr, name string) (string, bool) {
	for _, a := range attrs {
		if localName(a.Name) == name {
			return a.Value, true
		}
	}
	return "", false
}

// sheetRef is one <sheet> entry from xl/workbook.xml.
type sheetRef struct {
	Name string
	RID  string
}

func parseWorkbookSheets(data []byte) ([]sheetRef, error) {
	if data == nil {
		return nil, nil
	}
	dec := xml.NewDecoder(bytes.NewReader(data))
	var refs []sheetRef
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("diffengine: parse workbook.xml: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || localName(se.Name) != "sheet" {
			continue
		}
		name, _ := attr(se.Attr, "name")
		rid, _ := attr(se.Attr, "id")
		refs = append(refs, sheetRef{Name: name, RID: rid})
	}
	return refs, nil
}

// parseRelationships maps relationship ids to their zip-relative targets,
// resolved against the directory of base (the part path that owns the _rels file).
func parseRelationships(data []byte, base string) (map[string]string, error) {
	out := map[string]string{}
	if data == nil {
		return out, nil
	}
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("diffengine: parse relationships: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || localName(se.Name) != "Relationship" {
			continue
		}
		id, _ := attr(se.Attr, "Id")
		target, _ := attr(se.Attr, "Target")
		out[id] = resolveZipPath(base, target)
	}
	return out, nil
}

func resolveZipPath(base, target string) string {
	if strings.HasPrefix(target, "/") {
		return strings.TrimPrefix(target, "/")
	}
	parts := strings.Split(base, "/")
	if len(parts) > 0 {
		parts = parts[:len(parts)-1]
	}
	for _, seg := range strings.Split(target, "/") {
		switch seg {
		case ".":
			continue
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			}
		default:
			parts = append(parts, seg)
		}
	}
	return strings.Join(parts, "/")
}

func parseSharedStrings(data []byte) ([]string, error) {
	if data == nil {
		return nil, nil
	}
	dec := xml.NewDecoder(bytes.NewReader(data))
	var out []string
	var cur strings.Builder
	inSI := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("diffengine: parse sharedStrings.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if localName(t.Name) == "si" {
				inSI = true
				cur.Reset()
			}
		case xml.CharData:
			if inSI {
				cur.Write(t)
			}
		case xml.EndElement:
			if localName(t.Name) == "si" {
				inSI = false
				out = append(out, cur.String())
			}
		}
	}
	return out, nil
}

// definedName is one workbook-level defined name and its expression.
type definedName struct {
	Name string
	Expr string
}

func parseDefinedNames(data []byte) ([]definedName, error) {
	if data == nil {
		return nil, nil
	}
	dec := xml.NewDecoder(bytes.NewReader(data))
	var out []definedName
	var cur *definedName
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("diffengine: parse defined names: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if localName(t.Name) == "definedName" {
				name, _ := attr(t.Attr, "name")
				cur = &definedName{Name: name}
				text.Reset()
			}
		case xml.CharData:
			if cur != nil {
				text.Write(t)
			}
		case xml.EndElement:
			if localName(t.Name) == "definedName" && cur != nil {
				cur.Expr = text.String()
				out = append(out, *cur)
				cur = nil
			}
		}
	}
	return out, nil
}

// sheetCell is one parsed <c> element from a worksheet XML part.
type sheetCell struct {
	Address string
	Value   string
	Formula string
}

// parseSheetCells streams a worksheet XML part in row-major document order,
// resolving shared-string indices via shared. Cells with no value and no
// formula are skipped (an OOXML writer typically omits them entirely, but
// defensive skipping keeps the diff from reporting phantom blanks).
func parseSheetCells(data []byte, shared []string) ([]sheetCell, error) {
	if data == nil {
		return nil, nil
	}
	dec := xml.NewDecoder(bytes.NewReader(data))

	var out []sheetCell
	var curAddr, curType, curFormula string
	var curValue strings.Builder
	var inValue, inFormula bool

	flush := func() {
		if curAddr == "" {
			return
		}
		val := curValue.String()
		if curType == "s" {
			if idx, err := strconv.Atoi(val); err == nil && shared != nil && idx >= 0 && idx < len(shared) {
				val = shared[idx]
			}
		}
		if val != "" || curFormula != "" {
			out = append(out, sheetCell{Address: curAddr, Value: val, Formula: curFormula})
		}
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("diffengine: parse worksheet xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch localName(t.Name) {
			case "c":
				flush()
				curAddr, _ = attr(t.Attr, "r")
				curType, _ = attr(t.Attr, "t")
				curFormula = ""
				curValue.Reset()
			case "v":
				inValue = true
			case "f":
				inFormula = true
			}
		case xml.CharData:
			if inValue {
				curValue.Write(t)
			}
			if inFormula {
				curFormula += string(t)
			}
		case xml.EndElement:
			switch localName(t.Name) {
			case "v":
				inValue = false
			case "f":
				inFormula = false
			case "c":
				flush()
				curAddr = ""
			}
		}
	}
	return out, nil
}

// sheetTable is one table definition (xl/tables/tableN.xml) bound to a sheet.
type sheetTable struct {
	Name string
	Ref  string
}

func parseTable(data []byte) (sheetTable, error) {
	var t sheetTable
	if data == nil {
		return t, nil
	}
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return t, fmt.Errorf("diffengine: parse table xml: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || localName(se.Name) != "table" {
			continue
		}
		t.Name, _ = attr(se.Attr, "name")
		t.Ref, _ = attr(se.Attr, "ref")
		break
	}
	return t, nil
}

// sheetTables locates and parses every table definition referenced by a
// sheet's own relationships part (xl/worksheets/_rels/sheetN.xml.rels).
func sheetTables(r *zip.Reader, worksheetPart string) ([]sheetTable, error) {
	dir := worksheetPart[:strings.LastIndex(worksheetPart, "/")+1]
	name := worksheetPart[len(dir):]
	relsPart := dir + "_rels/" + name + ".rels"
	relsData, err := openPart(r, relsPart)
	if err != nil || relsData == nil {
		return nil, err
	}
	rels, err := parseRelationships(relsData, worksheetPart)
	if err != nil {
		return nil, err
	}
	var tables []sheetTable
	for _, target := range rels {
		if !strings.Contains(target, "/tables/") {
			continue
		}
		data, err := openPart(r, target)
		if err != nil {
			return nil, err
		}
		tbl, err := parseTable(data)
		if err != nil {
			return nil, err
		}
		if tbl.Name != "" {
			tables = append(tables, tbl)
		}
	}
	return tables, nil
}
