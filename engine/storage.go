package engine

// Workbook groups the sheets and workbook/sheet-scoped named
// expressions that belong together under one name. Tables are not
// workbook state: invariant I2 names them engine-wide, so they live on
// Storage instead (see TableManager).
type Workbook struct {
	name   string
	sheets *SheetTable
	names  *NamedExprStore
}

func NewWorkbook(name string) *Workbook {
	wb := &Workbook{
		name:   name,
		sheets: NewSheetTable(),
	}
	wb.names = NewNamedExprStore(name)
	return wb
}

// Storage holds every table shared across the whole engine: all
// workbooks, the engine-wide table registry, the global named-
// expression scope, the dependency graph, and the interning caches
// that deduplicate formula ASTs and strings.
type Storage struct {
	workbooks   map[string]*Workbook
	tables      *TableManager
	globalNames *NamedExprStore
	graph       *Graph
	formulas    *FormulaCache
	strings     *StringTable
}

func NewStorage() *Storage {
	return &Storage{
		workbooks:   make(map[string]*Workbook),
		tables:      NewTableManager(),
		globalNames: NewNamedExprStore(""),
		graph:       NewGraph(),
		formulas:    NewFormulaCache(),
		strings:     NewStringTable(),
	}
}

func (s *Storage) Workbook(name string) (*Workbook, bool) {
	wb, ok := s.workbooks[name]
	return wb, ok
}

func (s *Storage) Sheet(workbook, sheet string) (*Sheet, bool) {
	wb, ok := s.workbooks[workbook]
	if !ok {
		return nil, false
	}
	return wb.sheets.Get(sheet)
}
