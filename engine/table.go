package engine

import "strings"

// TableDef is a defined table: a named rectangular region on one sheet
// with a header row naming its columns. Its bounding box is live - growing or shrinking it is
// the updateTable operation, and every structured reference against it
// re-resolves against the current box rather than a snapshot. Name is
// unique across the whole engine (invariant I2); Workbook/Sheet record
// where the table actually lives.
type TableDef struct {
	Name     string
	Workbook string
	Sheet    string
	Headers  []string // column name at each offset, in header order
	// StartRow/StartCol is the header row; the data area is the rows
	// below it down to EndRow.
	StartRow, StartCol, EndRow, EndCol int
}

func (t *TableDef) columnIndex(col string) (int, bool) {
	target := strings.ToUpper(col)
	for i, h := range t.Headers {
		if strings.ToUpper(h) == target {
			return i, true
		}
	}
	return -1, false
}

// HeaderRange returns the single-row range holding the header cells,
// optionally narrowed to one column.
func (t *TableDef) HeaderRange(col string) (RangeAddr, bool) {
	startCol, endCol := t.StartCol, t.EndCol
	if col != "" {
		idx, ok := t.columnIndex(col)
		if !ok {
			return RangeAddr{}, false
		}
		startCol, endCol = t.StartCol+idx, t.StartCol+idx
	}
	return NewFiniteRange("", t.Sheet, t.StartRow, startCol, t.StartRow, endCol), true
}

// DataRange returns the data-rows range (excluding the header row),
// optionally narrowed to specific columns and/or a single current row.
func (t *TableDef) DataRange(cols []string, currentRow int, narrowToCurrentRow bool) (RangeAddr, bool) {
	startRow := t.StartRow + 1
	endRow := t.EndRow
	if startRow > endRow {
		// header-only table: empty data area collapses to the row right
		// below the header, per spec's "a table with no data rows".
		endRow = startRow
	}
	if narrowToCurrentRow {
		startRow, endRow = currentRow, currentRow
	}
	startCol, endCol := t.StartCol, t.EndCol
	if len(cols) > 0 {
		lo, hi := -1, -1
		for _, c := range cols {
			idx, ok := t.columnIndex(c)
			if !ok {
				return RangeAddr{}, false
			}
			if lo == -1 || idx < lo {
				lo = idx
			}
			if hi == -1 || idx > hi {
				hi = idx
			}
		}
		startCol, endCol = t.StartCol+lo, t.StartCol+hi
	}
	return NewFiniteRange("", t.Sheet, startRow, startCol, endRow, endCol), true
}

// AllRange returns the whole table including the header row.
func (t *TableDef) AllRange() RangeAddr {
	return NewFiniteRange("", t.Sheet, t.StartRow, t.StartCol, t.EndRow, t.EndCol)
}

// Resolve computes the concrete range a structured reference's
// TableArea selects against this table's current bounding box.
func (t *TableDef) Resolve(area TableArea, currentRow int) (RangeAddr, bool) {
	switch area.Kind {
	case AreaHeaders:
		col := ""
		if len(area.Columns) == 1 {
			col = area.Columns[0]
		}
		return t.HeaderRange(col)
	case AreaAll:
		return t.AllRange(), true
	case AreaAllData:
		return t.DataRange(nil, currentRow, false)
	default:
		return t.DataRange(area.Columns, currentRow, area.CurrentRow)
	}
}

// TableManager owns every table defined across the whole engine, keyed
// case-sensitively by name (table names, unlike sheet/named-expression
// names, are conventionally exact-case in spreadsheet tools). Name
// uniqueness is engine-wide (invariant I2): two workbooks can never
// register the same table name, so a caller only has to check Get
// against this one map, never per-workbook.
type TableManager struct {
	tables map[string]*TableDef
}

func NewTableManager() *TableManager {
	return &TableManager{tables: make(map[string]*TableDef)}
}

func (tm *TableManager) Add(def *TableDef) { tm.tables[def.Name] = def }

func (tm *TableManager) Remove(name string) bool {
	if _, ok := tm.tables[name]; !ok {
		return false
	}
	delete(tm.tables, name)
	return true
}

func (tm *TableManager) Get(name string) (*TableDef, bool) {
	t, ok := tm.tables[name]
	return t, ok
}

func (tm *TableManager) Rename(oldName, newName string) bool {
	t, ok := tm.tables[oldName]
	if !ok {
		return false
	}
	delete(tm.tables, oldName)
	t.Name = newName
	tm.tables[newName] = t
	return true
}

// TablesOnSheet returns every table defined on the given workbook/sheet,
// used when a sheet is removed or renamed.
func (tm *TableManager) TablesOnSheet(workbook, sheet string) []*TableDef {
	var result []*TableDef
	for _, t := range tm.tables {
		if t.Workbook == workbook && t.Sheet == sheet {
			result = append(result, t)
		}
	}
	return result
}

// tableFootprint returns the rectangular area area selects against t,
// ignoring any CurrentRow narrowing: used for "does this table's
// defined region cover address A" containment checks, where there is
// no single referencing formula row to narrow against.
func tableFootprint(t *TableDef, area TableArea) (RangeAddr, bool) {
	switch area.Kind {
	case AreaHeaders:
		col := ""
		if len(area.Columns) == 1 {
			col = area.Columns[0]
		}
		return t.HeaderRange(col)
	case AreaAll:
		return t.AllRange(), true
	case AreaAllData:
		return t.DataRange(nil, 0, false)
	default:
		return t.DataRange(area.Columns, 0, false)
	}
}
