package engine

import "strings"

// namedEntry is one defined named expression: its display name (as
// defined) and parsed formula body.
type namedEntry struct {
	Name string
	AST  Node
}

// NamedExprStore holds the names defined at one workbook's workbook-
// scope plus every sheet-scope within it (or, when scopeWorkbook=="",
// the single global scope - sheetNames is simply left unused). Lookup
// keys are case-insensitive while Name preserves
// the originally defined casing for printing.
type NamedExprStore struct {
	scopeWorkbook string
	workbookNames map[string]*namedEntry            // upper(name) -> entry
	sheetNames    map[string]map[string]*namedEntry // sheet -> upper(name) -> entry
}

func NewNamedExprStore(workbook string) *NamedExprStore {
	return &NamedExprStore{
		scopeWorkbook: workbook,
		workbookNames: make(map[string]*namedEntry),
		sheetNames:    make(map[string]map[string]*namedEntry),
	}
}

func key(name string) string { return strings.ToUpper(name) }

// DefineWorkbook adds or replaces a workbook-scoped (or global, when
// this store represents the global scope) named expression.
func (s *NamedExprStore) DefineWorkbook(name string, ast Node) {
	s.workbookNames[key(name)] = &namedEntry{Name: name, AST: ast}
}

func (s *NamedExprStore) RemoveWorkbook(name string) bool {
	k := key(name)
	if _, ok := s.workbookNames[k]; !ok {
		return false
	}
	delete(s.workbookNames, k)
	return true
}

func (s *NamedExprStore) DefineSheet(sheet, name string, ast Node) {
	if s.sheetNames[sheet] == nil {
		s.sheetNames[sheet] = make(map[string]*namedEntry)
	}
	s.sheetNames[sheet][key(name)] = &namedEntry{Name: name, AST: ast}
}

func (s *NamedExprStore) RemoveSheet(sheet, name string) bool {
	m := s.sheetNames[sheet]
	if m == nil {
		return false
	}
	k := key(name)
	if _, ok := m[k]; !ok {
		return false
	}
	delete(m, k)
	if len(m) == 0 {
		delete(s.sheetNames, sheet)
	}
	return true
}

// RemoveSheetScope drops every sheet-scoped name belonging to a sheet
// that's being removed entirely.
func (s *NamedExprStore) RemoveSheetScope(sheet string) {
	delete(s.sheetNames, sheet)
}

func (s *NamedExprStore) LookupWorkbook(name string) (*namedEntry, bool) {
	e, ok := s.workbookNames[key(name)]
	return e, ok
}

func (s *NamedExprStore) LookupSheet(sheet, name string) (*namedEntry, bool) {
	m, ok := s.sheetNames[sheet]
	if !ok {
		return nil, false
	}
	e, ok := m[key(name)]
	return e, ok
}

// Rename updates the display name of a defined entry (used when the
// engine's renameNamedExpression operation renames in place without
// disturbing dependents, which key on scope+name, not identity).
func (s *NamedExprStore) RenameWorkbook(oldName, newName string) bool {
	e, ok := s.LookupWorkbook(oldName)
	if !ok {
		return false
	}
	delete(s.workbookNames, key(oldName))
	e.Name = newName
	s.workbookNames[key(newName)] = e
	return true
}

func (s *NamedExprStore) RenameSheet(sheet, oldName, newName string) bool {
	e, ok := s.LookupSheet(sheet, oldName)
	if !ok {
		return false
	}
	delete(s.sheetNames[sheet], key(oldName))
	e.Name = newName
	s.sheetNames[sheet][key(newName)] = e
	return true
}

// Resolve implements the sheet -> workbook -> global chain:
// a bare reference to NAME first checks the evaluating sheet's own
// sheet-scoped names, then the workbook's workbook-scoped names, then
// the engine's global scope.
func (storage *Storage) Resolve(workbook, sheet, name string) (Node, NameScope, bool) {
	if wb, ok := storage.workbooks[workbook]; ok {
		if e, ok := wb.names.LookupSheet(sheet, name); ok {
			return e.AST, SheetScope(workbook, sheet), true
		}
		if e, ok := wb.names.LookupWorkbook(name); ok {
			return e.AST, WorkbookScope(workbook), true
		}
	}
	if e, ok := storage.globalNames.LookupWorkbook(name); ok {
		return e.AST, GlobalScope(), true
	}
	return nil, NameScope{}, false
}
