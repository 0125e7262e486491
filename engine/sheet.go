package engine

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/text/cases"
)

var foldCaser = cases.Fold()

// foldName is the Unicode-aware case folding used for case-insensitive
// sheet and name resolution, in place of a bare strings.ToUpper.
func foldName(s string) string { return foldCaser.String(s) }

// Engine is the public API: storage, parsing, the dependency graph, and
// evaluation combined into one object, serving any number of workbooks.
type Engine struct {
	storage  *Storage
	registry *FunctionRegistry
	config   Config
	logger   zerolog.Logger
	events   *EventBus
	validate *validator.Validate
}

// NewEngine builds an empty Engine with default configuration and a
// no-op logger.
func NewEngine() *Engine {
	return NewEngineWithConfig(DefaultConfig(), newNopLogger())
}

func NewEngineWithLogger(logger zerolog.Logger) *Engine {
	return NewEngineWithConfig(DefaultConfig(), logger)
}

func NewEngineWithConfig(cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		storage:  NewStorage(),
		registry: NewFunctionRegistry(),
		config:   cfg,
		logger:   logger.Level(parseLogLevel(cfg.LogLevel)),
		events:   NewEventBus(),
		validate: validator.New(),
	}
}

// --- Workbook operations ---

type AddWorkbookRequest struct {
	Name string `validate:"required"`
}

func (e *Engine) AddWorkbook(req AddWorkbookRequest) error {
	if err := e.validate.Struct(req); err != nil {
		return NewEngineError(InvalidArgument, err.Error())
	}
	if _, exists := e.storage.workbooks[req.Name]; exists {
		return NewEngineError(AlreadyExists, "workbook already exists: "+req.Name)
	}
	e.storage.workbooks[req.Name] = NewWorkbook(req.Name)
	return nil
}

func (e *Engine) RemoveWorkbook(name string) error {
	wb, ok := e.storage.workbooks[name]
	if !ok {
		return NewEngineError(NotFound, "workbook not found: "+name)
	}
	for _, sheetName := range wb.sheets.Names() {
		e.removeSheetGraphState(name, sheetName)
		for _, t := range e.storage.tables.TablesOnSheet(name, sheetName) {
			e.storage.tables.Remove(t.Name)
		}
	}
	delete(e.storage.workbooks, name)
	return nil
}

// --- Sheet operations ---

type AddSheetRequest struct {
	Workbook string `validate:"required"`
	Name     string `validate:"required"`
}

func (e *Engine) AddSheet(req AddSheetRequest) error {
	if err := e.validate.Struct(req); err != nil {
		return NewEngineError(InvalidArgument, err.Error())
	}
	wb, ok := e.storage.workbooks[req.Workbook]
	if !ok {
		return NewEngineError(NotFound, "workbook not found: "+req.Workbook)
	}
	if wb.sheets.Contains(req.Name) {
		return NewEngineError(AlreadyExists, "sheet already exists: "+req.Name)
	}
	wb.sheets.Add(req.Workbook, req.Name)
	return nil
}

func (e *Engine) RemoveSheet(workbook, sheet string) error {
	wb, ok := e.storage.workbooks[workbook]
	if !ok {
		return NewEngineError(NotFound, "workbook not found: "+workbook)
	}
	if !wb.sheets.Contains(sheet) {
		return NewEngineError(NotFound, "sheet not found: "+sheet)
	}
	e.removeSheetGraphState(workbook, sheet)
	wb.names.RemoveSheetScope(sheet)
	for _, t := range e.storage.tables.TablesOnSheet(workbook, sheet) {
		e.storage.tables.Remove(t.Name)
	}
	wb.sheets.Remove(sheet)
	e.recomputeWorkbook(workbook)
	return nil
}

func (e *Engine) removeSheetGraphState(workbook, sheet string) {
	sh, ok := e.storage.Sheet(workbook, sheet)
	if !ok {
		return
	}
	sh.Each(func(row, col int, cell *storedCell) {
		addr := CellAddr{Workbook: workbook, Sheet: sheet, Row: row, Col: col}
		e.storage.graph.RemoveNode(DepNode{Kind: NodeCell, Cell: addr})
		if cell.isFormula {
			e.storage.formulas.Release(addr)
		}
		e.releaseLiteralString(cell)
	})
}

func (e *Engine) RenameSheet(workbook, oldName, newName string) error {
	wb, ok := e.storage.workbooks[workbook]
	if !ok {
		return NewEngineError(NotFound, "workbook not found: "+workbook)
	}
	if !wb.sheets.Contains(oldName) {
		return NewEngineError(NotFound, "sheet not found: "+oldName)
	}
	if wb.sheets.Contains(newName) {
		return NewEngineError(AlreadyExists, "sheet already exists: "+newName)
	}
	wb.sheets.Rename(oldName, newName)

	sheet, _ := wb.sheets.Get(newName)
	sheet.Each(func(row, col int, cell *storedCell) {
		if cell.isFormula {
			rewritten := renameSheetRefs(cell.ast, oldName, newName)
			cell.ast = rewritten
			cell.raw = rewriteFormula(rewritten)
		}
	})
	for _, t := range e.storage.tables.TablesOnSheet(workbook, oldName) {
		t.Sheet = newName
	}
	e.recomputeWorkbook(workbook)
	return nil
}

// --- Cell content ---

// SetCellContent stores raw at (row, col) and recomputes everything
// transitively dependent on it. raw beginning with "="
// is a formula; anything else is a literal, coerced the way a typed
// cell value is (number, boolean, error literal, else text).
func (e *Engine) SetCellContent(workbook, sheet string, row, col int, raw string) error {
	sh, ok := e.storage.Sheet(workbook, sheet)
	if !ok {
		return NewEngineError(NotFound, "sheet not found: "+workbook+"/"+sheet)
	}
	addr := CellAddr{Workbook: workbook, Sheet: sheet, Row: row, Col: col}
	old := sh.Get(row, col)
	if old != nil && old.raw == raw {
		return nil // semantic-equality filtering: identical content is a no-op
	}

	origins := []DepNode{{Kind: NodeCell, Cell: addr}}
	if old != nil && old.spillOf != nil {
		// old is currently occupied by another cell's spill; editing it
		// over top obstructs that spill, so its origin needs a chance to
		// re-evaluate into #SPILL! (invariant I5).
		origins = append(origins, DepNode{Kind: NodeCell, Cell: *old.spillOf})
	}
	origins = append(origins, e.blockedSpillOriginsCovering(sh, row, col)...)

	if old != nil && old.isFormula {
		e.storage.formulas.Release(addr)
	}
	e.releaseLiteralString(old)
	e.storage.graph.ClearPrecedents(DepNode{Kind: NodeCell, Cell: addr})

	if raw == "" {
		sh.Clear(row, col)
	} else {
		cell := &storedCell{raw: raw}
		if strings.HasPrefix(raw, "=") {
			ast := Parse(raw[1:])
			cell.isFormula = true
			cell.ast = ast
			cell.formulaID = e.storage.formulas.Intern(ast, addr)
		} else {
			cell.value = parseLiteral(raw)
			cell.hasValue = true
			e.internLiteralString(cell)
		}
		sh.Set(row, col, cell)
	}

	e.recompute(origins)
	return nil
}

// internLiteralString dedups a text-literal cell's value against the
// engine-wide StringTable, so repeated labels (column headers,
// category names) share one backing string instead of one per cell.
func (e *Engine) internLiteralString(cell *storedCell) {
	if cell.value.Kind != KindString {
		return
	}
	cell.stringID = e.storage.strings.Intern(cell.value.Str)
	if shared, ok := e.storage.strings.GetString(cell.stringID); ok {
		cell.value.Str = shared
	}
}

func (e *Engine) releaseLiteralString(old *storedCell) {
	if old == nil || old.stringID == 0 {
		return
	}
	e.storage.strings.Release(old.stringID)
}

// parseLiteral coerces a non-formula raw cell string into its computed
// value: an error literal, boolean, number, or else plain text.
func parseLiteral(raw string) CellValue {
	if raw == "" {
		return EmptyValue()
	}
	if kind, ok := ErrorKindFromLiteral(raw); ok {
		return ErrorValue(kind)
	}
	switch strings.ToUpper(raw) {
	case "TRUE":
		return BoolValue(true)
	case "FALSE":
		return BoolValue(false)
	}
	if n, err := parseNumberLiteral(strings.TrimSpace(raw)); err == nil {
		return NumberValue(n)
	}
	return StringValue(raw)
}

// SetSheetContent replaces a sheet's content wholesale: any currently
// occupied cell missing from content is cleared (the symmetric
// difference against current content, including cells implicitly
// cleared by omission), then the cascade runs once over the union of
// dirty cells.
func (e *Engine) SetSheetContent(workbook, sheet string, content map[string]string) error {
	sh, ok := e.storage.Sheet(workbook, sheet)
	if !ok {
		return NewEngineError(NotFound, "sheet not found: "+workbook+"/"+sheet)
	}

	wanted := make(map[int]string, len(content))
	for ref, raw := range content {
		parsed, err := ParseCellRef(ref)
		if err != nil {
			return NewEngineError(InvalidArgument, "invalid cell reference: "+ref)
		}
		wanted[parsed.Row*1<<20+parsed.Col] = raw
	}

	var dirty []DepNode
	sh.Each(func(row, col int, cell *storedCell) {
		idx := row*1<<20 + col
		if _, present := wanted[idx]; !present {
			addr := CellAddr{Workbook: workbook, Sheet: sheet, Row: row, Col: col}
			if cell.isFormula {
				e.storage.formulas.Release(addr)
			}
			e.releaseLiteralString(cell)
			e.storage.graph.ClearPrecedents(DepNode{Kind: NodeCell, Cell: addr})
			if cell.spillOf != nil {
				// clearing a spilled-into cell obstructs its origin no
				// more than before, but it frees up room: requeue the
				// origin so it can re-spill into the now-vacant cell.
				dirty = append(dirty, DepNode{Kind: NodeCell, Cell: *cell.spillOf})
			}
			dirty = append(dirty, e.blockedSpillOriginsCovering(sh, row, col)...)
			sh.Clear(row, col)
			dirty = append(dirty, DepNode{Kind: NodeCell, Cell: addr})
		}
	})

	for ref, raw := range content {
		parsed, _ := ParseCellRef(ref)
		addr := CellAddr{Workbook: workbook, Sheet: sheet, Row: parsed.Row, Col: parsed.Col}
		old := sh.Get(parsed.Row, parsed.Col)
		if old != nil && old.raw == raw {
			continue
		}
		if old != nil && old.isFormula {
			e.storage.formulas.Release(addr)
		}
		e.releaseLiteralString(old)
		e.storage.graph.ClearPrecedents(DepNode{Kind: NodeCell, Cell: addr})
		if old != nil && old.spillOf != nil {
			// old is currently occupied by another cell's spill;
			// overwriting it obstructs that spill (invariant I5).
			dirty = append(dirty, DepNode{Kind: NodeCell, Cell: *old.spillOf})
		}
		dirty = append(dirty, e.blockedSpillOriginsCovering(sh, parsed.Row, parsed.Col)...)
		if raw == "" {
			sh.Clear(parsed.Row, parsed.Col)
			dirty = append(dirty, DepNode{Kind: NodeCell, Cell: addr})
			continue
		}
		cell := &storedCell{raw: raw}
		if strings.HasPrefix(raw, "=") {
			ast := Parse(raw[1:])
			cell.isFormula = true
			cell.ast = ast
			cell.formulaID = e.storage.formulas.Intern(ast, addr)
		} else {
			cell.value = parseLiteral(raw)
			cell.hasValue = true
			e.internLiteralString(cell)
		}
		sh.Set(parsed.Row, parsed.Col, cell)
		dirty = append(dirty, DepNode{Kind: NodeCell, Cell: addr})
	}

	e.recompute(dirty)
	return nil
}

// GetCellValue returns the evaluated value at (row, col).
func (e *Engine) GetCellValue(workbook, sheet string, row, col int) (CellValue, error) {
	sh, ok := e.storage.Sheet(workbook, sheet)
	if !ok {
		return CellValue{}, NewEngineError(NotFound, "sheet not found: "+workbook+"/"+sheet)
	}
	cell := sh.Get(row, col)
	if cell == nil || !cell.hasValue {
		return EmptyValue(), nil
	}
	return cell.value, nil
}

// GetCellSerialized returns the raw entered text at (row, col), empty
// for a non-origin cell currently occupied by a spill.
func (e *Engine) GetCellSerialized(workbook, sheet string, row, col int) (string, error) {
	sh, ok := e.storage.Sheet(workbook, sheet)
	if !ok {
		return "", NewEngineError(NotFound, "sheet not found: "+workbook+"/"+sheet)
	}
	cell := sh.Get(row, col)
	if cell == nil || cell.spillOf != nil {
		return "", nil
	}
	return cell.raw, nil
}

// GetSheetSerialized returns every occupied cell's raw text keyed by A1
// reference, excluding spilled-into cells per invariant 8.
func (e *Engine) GetSheetSerialized(workbook, sheet string) (map[string]string, error) {
	sh, ok := e.storage.Sheet(workbook, sheet)
	if !ok {
		return nil, NewEngineError(NotFound, "sheet not found: "+workbook+"/"+sheet)
	}
	result := make(map[string]string)
	sh.Each(func(row, col int, cell *storedCell) {
		if cell.spillOf != nil || cell.raw == "" {
			return
		}
		result[FormatCellRef(row, col, false, false)] = cell.raw
	})
	return result, nil
}

// --- Named expressions ---

type AddNamedExpressionRequest struct {
	Scope   NameScope
	Name    string `validate:"required"`
	Formula string `validate:"required"`
}

func (e *Engine) AddNamedExpression(req AddNamedExpressionRequest) error {
	if err := e.validate.Struct(req); err != nil {
		return NewEngineError(InvalidArgument, err.Error())
	}
	store, err := e.namedStoreFor(req.Scope)
	if err != nil {
		return err
	}
	ast := Parse(req.Formula)
	switch req.Scope.Kind {
	case ScopeSheet:
		store.DefineSheet(req.Scope.Sheet, req.Name, ast)
	default:
		store.DefineWorkbook(req.Name, ast)
	}
	e.recomputeAfterNameChange(req.Scope)
	return nil
}

func (e *Engine) RemoveNamedExpression(scope NameScope, name string) error {
	store, err := e.namedStoreFor(scope)
	if err != nil {
		return err
	}
	var removed bool
	if scope.Kind == ScopeSheet {
		removed = store.RemoveSheet(scope.Sheet, name)
	} else {
		removed = store.RemoveWorkbook(name)
	}
	if !removed {
		return NewEngineError(NotFound, "named expression not found: "+name)
	}
	e.recomputeAfterNameChange(scope)
	return nil
}

func (e *Engine) RenameNamedExpression(scope NameScope, oldName, newName string) error {
	store, err := e.namedStoreFor(scope)
	if err != nil {
		return err
	}
	var ok bool
	if scope.Kind == ScopeSheet {
		ok = store.RenameSheet(scope.Sheet, oldName, newName)
	} else {
		ok = store.RenameWorkbook(oldName, newName)
	}
	if !ok {
		return NewEngineError(NotFound, "named expression not found: "+oldName)
	}
	e.rewriteNamedExpressionReferences(scope.Workbook, oldName, newName)
	e.recomputeAfterNameChange(scope)
	return nil
}

func (e *Engine) namedStoreFor(scope NameScope) (*NamedExprStore, error) {
	if scope.Kind == ScopeGlobal {
		return e.storage.globalNames, nil
	}
	wb, ok := e.storage.workbooks[scope.Workbook]
	if !ok {
		return nil, NewEngineError(NotFound, "workbook not found: "+scope.Workbook)
	}
	return wb.names, nil
}

// rewriteNamedExpressionReferences textually rewrites every formula
// cell that might reference oldName to reference newName instead, since
// renaming changes the DepNode key that dependency edges were filed
// under. Scoped to the given workbook when non-empty, else engine-wide
// (a global rename can be referenced from any workbook).
func (e *Engine) rewriteNamedExpressionReferences(workbook, oldName, newName string) {
	workbooks := []string{workbook}
	if workbook == "" {
		workbooks = nil
		for name := range e.storage.workbooks {
			workbooks = append(workbooks, name)
		}
	}
	for _, wbName := range workbooks {
		wb, ok := e.storage.workbooks[wbName]
		if !ok {
			continue
		}
		for _, sheetName := range wb.sheets.Names() {
			sh, _ := wb.sheets.Get(sheetName)
			sh.Each(func(row, col int, cell *storedCell) {
				if !cell.isFormula {
					return
				}
				rewritten := renameNamedExpressionRefs(cell.ast, oldName, newName)
				cell.ast = rewritten
				cell.raw = rewriteFormula(rewritten)
			})
		}
	}
}

// recomputeAfterNameChange falls back to a workbook-wide (or engine-
// wide, for a global name) recompute: a name add/remove/rename can
// affect cells that previously had no graph edge to it at all (a
// formerly-#NAME? reference becoming valid), which precise dependent
// tracking keyed by name wouldn't catch without scanning every area
// variant ever referenced.
func (e *Engine) recomputeAfterNameChange(scope NameScope) {
	if scope.Kind == ScopeGlobal {
		e.recomputeAll()
		return
	}
	e.recomputeWorkbook(scope.Workbook)
}

// --- Tables ---

type AddTableRequest struct {
	Workbook string   `validate:"required"`
	Sheet    string   `validate:"required"`
	Name     string   `validate:"required"`
	Headers  []string `validate:"required,min=1"`
	StartRow int
	StartCol int
}

// AddTable defines a new table. Table names are unique engine-wide
// (invariant I2), so the existence check runs against the shared
// registry, not just req.Workbook's own tables.
func (e *Engine) AddTable(req AddTableRequest) error {
	if err := e.validate.Struct(req); err != nil {
		return NewEngineError(InvalidArgument, err.Error())
	}
	wb, ok := e.storage.workbooks[req.Workbook]
	if !ok {
		return NewEngineError(NotFound, "workbook not found: "+req.Workbook)
	}
	if !wb.sheets.Contains(req.Sheet) {
		return NewEngineError(NotFound, "sheet not found: "+req.Sheet)
	}
	if _, exists := e.storage.tables.Get(req.Name); exists {
		return NewEngineError(AlreadyExists, "table already exists: "+req.Name)
	}
	def := &TableDef{
		Name: req.Name, Workbook: req.Workbook, Sheet: req.Sheet, Headers: req.Headers,
		StartRow: req.StartRow, StartCol: req.StartCol,
		EndRow: req.StartRow, EndCol: req.StartCol + len(req.Headers) - 1,
	}
	e.storage.tables.Add(def)
	e.recomputeWorkbook(req.Workbook)
	return nil
}

func (e *Engine) RemoveTable(workbook, name string) error {
	def, ok := e.storage.tables.Get(name)
	if !ok || def.Workbook != workbook {
		return NewEngineError(NotFound, "table not found: "+name)
	}
	e.storage.tables.Remove(name)
	e.recomputeWorkbook(workbook)
	return nil
}

// UpdateTable grows or shrinks a table's bounding box and/or header set
// in place; structured references against it resolve live, so this
// needs no AST rewriting, only a recompute.
func (e *Engine) UpdateTable(workbook, name string, endRow int, headers []string) error {
	def, ok := e.storage.tables.Get(name)
	if !ok || def.Workbook != workbook {
		return NewEngineError(NotFound, "table not found: "+name)
	}
	def.EndRow = endRow
	if headers != nil {
		def.Headers = headers
		def.EndCol = def.StartCol + len(headers) - 1
	}
	e.recomputeWorkbook(workbook)
	return nil
}

// RenameTable renames a table and rewrites every structured reference
// against it engine-wide, not just within workbook: invariant I2 makes
// the name engine-wide, so a formula in any workbook could reference
// it.
func (e *Engine) RenameTable(workbook, oldName, newName string) error {
	def, ok := e.storage.tables.Get(oldName)
	if !ok || def.Workbook != workbook {
		return NewEngineError(NotFound, "table not found: "+oldName)
	}
	if _, exists := e.storage.tables.Get(newName); exists {
		return NewEngineError(AlreadyExists, "table already exists: "+newName)
	}
	e.storage.tables.Rename(oldName, newName)
	for _, wb := range e.storage.workbooks {
		for _, sheetName := range wb.sheets.Names() {
			sh, _ := wb.sheets.Get(sheetName)
			sh.Each(func(row, col int, cell *storedCell) {
				if !cell.isFormula {
					return
				}
				rewritten := renameTableRefs(cell.ast, oldName, newName)
				cell.ast = rewritten
				cell.raw = rewriteFormula(rewritten)
			})
		}
	}
	e.recomputeAll()
	return nil
}

// --- Subscriptions ---

func (e *Engine) OnUpdate(fn func(UpdateEvent)) uuid.UUID {
	return e.events.OnUpdate(fn)
}

func (e *Engine) OffUpdate(id uuid.UUID) {
	e.events.OffUpdate(id)
}

func (e *Engine) OnCellsUpdate(fn func(CellsUpdateEvent)) uuid.UUID {
	return e.events.OnCellsUpdate(fn)
}

func (e *Engine) OffCellsUpdate(id uuid.UUID) {
	e.events.OffCellsUpdate(id)
}

// --- Range-like dependency matching ---

// rangeLikeDependencyMatches finds every range, multi-sheet range, and
// table node in the dependency graph whose bounds cover addr, using the
// graph's range index rather than scanning every node. The caller folds
// each match's own TransitiveDependents into the recompute subset: the
// match itself is never a cell and is never evaluated directly.
func (e *Engine) rangeLikeDependencyMatches(addr CellAddr) []DepNode {
	var matches []DepNode
	seen := make(map[string]struct{})
	candidates := e.storage.graph.RangeLikeKeysInBucket(addr.Workbook, addr.Sheet)
	candidates = append(candidates, e.storage.graph.RangeLikeKeysForWorkbook(addr.Workbook)...)
	for _, key := range candidates {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		node, err := DecodeKey(key)
		if err != nil {
			continue
		}
		if e.rangeLikeContains(node, addr) {
			matches = append(matches, node)
		}
	}
	return matches
}

func (e *Engine) rangeLikeContains(node DepNode, addr CellAddr) bool {
	switch node.Kind {
	case NodeRange:
		return node.Range.Contains(addr.Row, addr.Col)
	case NodeMultiSheetRange:
		return e.multiRangeContains(node.MultiRange, addr)
	case NodeTable:
		return e.tableNodeContains(node, addr)
	default:
		return false
	}
}

func (e *Engine) multiRangeContains(mr MultiSheetRangeAddr, addr CellAddr) bool {
	if mr.Workbook != addr.Workbook {
		return false
	}
	if !e.sheetInSelector(mr.Workbook, mr.Sheets, addr.Sheet) {
		return false
	}
	if addr.Row < mr.StartRow || addr.Col < mr.StartCol {
		return false
	}
	if !mr.EndRow.Infinite && addr.Row > mr.EndRow.Index {
		return false
	}
	if !mr.EndCol.Infinite && addr.Col > mr.EndCol.Index {
		return false
	}
	return true
}

// sheetInSelector reports whether sheet falls within a multi-sheet
// range's sheet span, resolving a Start..End span against the
// workbook's current sheet order the same way evalMultiSheetRange does.
func (e *Engine) sheetInSelector(workbook string, sel SheetSelector, sheet string) bool {
	if len(sel.List) > 0 {
		for _, s := range sel.List {
			if foldName(s) == foldName(sheet) {
				return true
			}
		}
		return false
	}
	wb, ok := e.storage.Workbook(workbook)
	if !ok {
		return false
	}
	for _, s := range wb.sheets.SheetsBetween(sel.Start, sel.End) {
		if foldName(s) == foldName(sheet) {
			return true
		}
	}
	return false
}

func (e *Engine) tableNodeContains(node DepNode, addr CellAddr) bool {
	if node.TableWorkbook != addr.Workbook || node.TableSheet != addr.Sheet {
		return false
	}
	def, ok := e.storage.tables.Get(node.TableName)
	if !ok {
		return false
	}
	footprint, ok := tableFootprint(def, node.Area)
	if !ok {
		return false
	}
	return footprint.Contains(addr.Row, addr.Col)
}

// anyPrecedentChanged reports whether any of key's direct precedents is
// in changed, the signal that key's own re-evaluation could possibly
// produce a different value than before.
func (e *Engine) anyPrecedentChanged(key string, changed map[string]struct{}) bool {
	for prec := range e.storage.graph.precedents[key] {
		if _, ok := changed[prec]; ok {
			return true
		}
	}
	return false
}

// cellValueSnapshot reads a cell's current value, reporting false if the
// cell has never been evaluated (or doesn't exist), so callers can tell
// "unchanged" from "no prior value to compare against".
func (e *Engine) cellValueSnapshot(addr CellAddr) (CellValue, bool) {
	sh, ok := e.storage.Sheet(addr.Workbook, addr.Sheet)
	if !ok {
		return CellValue{}, false
	}
	cell := sh.Get(addr.Row, addr.Col)
	if cell == nil || !cell.hasValue {
		return CellValue{}, false
	}
	return cell.value, true
}

// recompute re-evaluates origins and everything transitively dependent
// on them, in topological order, plus anything reached only through the
// range index (Dirty = transitiveDependents(X) ∪ rangeIndexMatches(X)):
// a cell edit can fall inside a range, multi-sheet range, or table a
// formula reads without that formula holding a direct edge to the cell
// itself. Cells caught in a dependency cycle receive #CYCLE!: a cycle
// already in the graph is found before evaluation and its cells are not
// evaluated, while a cycle closed by edges traced during this pass is
// found by a second sort afterwards. A cell is only actually re-evaluated if it is an
// origin or at least one of its direct precedents changed value in this
// same pass, short-circuiting cascades that would re-evaluate to an
// identical value.
func (e *Engine) recompute(origins []DepNode) {
	if len(origins) == 0 {
		return
	}
	subset := make(map[string]struct{})
	changed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		key := o.Encode()
		subset[key] = struct{}{}
		changed[key] = struct{}{}
		for k := range e.storage.graph.TransitiveDependents(o) {
			subset[k] = struct{}{}
		}
		if o.Kind != NodeCell {
			continue
		}
		for _, match := range e.rangeLikeDependencyMatches(o.Cell) {
			changed[match.Encode()] = struct{}{}
			for k := range e.storage.graph.TransitiveDependents(match) {
				subset[k] = struct{}{}
			}
		}
	}

	order, err := e.storage.graph.TopoSort(subset)
	var cyclic map[string]struct{}
	if cycleErr, ok := err.(*CycleError); ok {
		cyclic = cycleErr.Cycle
		e.logger.Warn().Int("size", len(cyclic)).Msg("dependency cycle detected during recompute")
	}

	touched := make(map[string]map[CellAddr]struct{}) // workbook\x1fsheet -> cells
	markTouched := func(addr CellAddr) {
		key := sheetBucket(addr.Workbook, addr.Sheet)
		if touched[key] == nil {
			touched[key] = make(map[CellAddr]struct{})
		}
		touched[key][addr] = struct{}{}
	}

	for _, key := range order {
		node, decodeErr := DecodeKey(key)
		if decodeErr != nil || node.Kind != NodeCell {
			continue
		}
		_, isOrigin := changed[key]
		if !isOrigin && !e.anyPrecedentChanged(key, changed) {
			continue
		}
		before, hadBefore := e.cellValueSnapshot(node.Cell)
		e.evaluateCell(node.Cell)
		after, hasAfter := e.cellValueSnapshot(node.Cell)
		valueChanged := !hadBefore || !hasAfter || before != after
		if isOrigin || valueChanged {
			markTouched(node.Cell)
			changed[key] = struct{}{}
		}
	}
	if cyclic == nil {
		// edges traced during this pass can close a cycle the first sort
		// could not see (A1 "=B1", then B1 "=A1"), so sort once more
		if _, err := e.storage.graph.TopoSort(subset); err != nil {
			if cycleErr, ok := err.(*CycleError); ok {
				cyclic = cycleErr.Cycle
			}
		}
	}
	for key := range cyclic {
		node, decodeErr := DecodeKey(key)
		if decodeErr != nil || node.Kind != NodeCell {
			continue
		}
		sh, ok := e.storage.Sheet(node.Cell.Workbook, node.Cell.Sheet)
		if !ok {
			continue
		}
		cell := sh.Get(node.Cell.Row, node.Cell.Col)
		if cell != nil {
			cell.value = ErrorValue(ErrCycle)
			cell.hasValue = true
		}
		markTouched(node.Cell)
	}

	workbooksTouched := make(map[string]struct{})
	for key, cells := range touched {
		parts := strings.SplitN(key, keySep, 2)
		if len(parts) != 2 {
			continue
		}
		cellList := make([]CellAddr, 0, len(cells))
		for addr := range cells {
			cellList = append(cellList, addr)
		}
		workbooksTouched[parts[0]] = struct{}{}
		e.events.emitCellsUpdate(CellsUpdateEvent{Workbook: parts[0], Sheet: parts[1], Cells: cellList})
	}
	var wbList []string
	for wb := range workbooksTouched {
		wbList = append(wbList, wb)
	}
	e.events.emitUpdate(UpdateEvent{Workbooks: wbList})
}

// recomputeWorkbook recomputes every formula cell in a workbook - the
// fallback used for table/named-expression topology changes that can
// affect previously-unresolved (#NAME?) references.
func (e *Engine) recomputeWorkbook(workbook string) {
	wb, ok := e.storage.workbooks[workbook]
	if !ok {
		return
	}
	var origins []DepNode
	for _, sheetName := range wb.sheets.Names() {
		sh, _ := wb.sheets.Get(sheetName)
		sh.Each(func(row, col int, cell *storedCell) {
			if cell.isFormula {
				origins = append(origins, DepNode{Kind: NodeCell, Cell: CellAddr{Workbook: workbook, Sheet: sheetName, Row: row, Col: col}})
			}
		})
	}
	e.recompute(origins)
}

func (e *Engine) recomputeAll() {
	var origins []DepNode
	for name, wb := range e.storage.workbooks {
		for _, sheetName := range wb.sheets.Names() {
			sh, _ := wb.sheets.Get(sheetName)
			sh.Each(func(row, col int, cell *storedCell) {
				if cell.isFormula {
					origins = append(origins, DepNode{Kind: NodeCell, Cell: CellAddr{Workbook: name, Sheet: sheetName, Row: row, Col: col}})
				}
			})
		}
	}
	e.recompute(origins)
}

// evaluateCell re-evaluates one formula cell, rewrites its precedent
// edges from what the walk actually traced, and materializes a spill if
// the result is an array.
func (e *Engine) evaluateCell(addr CellAddr) {
	sh, ok := e.storage.Sheet(addr.Workbook, addr.Sheet)
	if !ok {
		return
	}
	cell := sh.Get(addr.Row, addr.Col)
	if cell == nil || !cell.isFormula {
		return
	}

	ctx := NewEvalContext(e.storage, e.registry, addr)
	ctx.scanBound = e.config.InfiniteRangeScanBound
	ctx.maxDepth = e.config.RecursionBudget
	result := evalNode(ctx, cell.ast)

	depNode := DepNode{Kind: NodeCell, Cell: addr}
	e.storage.graph.ClearPrecedents(depNode)
	for _, d := range ctx.deps {
		e.storage.graph.AddEdge(depNode, d)
	}

	e.clearExistingSpill(sh, addr)
	if result.Array != nil {
		e.materializeSpill(sh, addr, result.Array)
	} else {
		cell.value = result.Value
		cell.hasValue = true
	}
}

// blockedSpillOriginsCovering returns every spill origin on sh currently
// showing #SPILL! whose last-attempted footprint covers (row, col):
// editing or clearing a cell that obstructs a blocked spill is the only
// event that can let that spill materialize, and nothing in the
// dependency graph points from the obstructing cell back to the origin
// that wants it, so the blocked-spill set is consulted directly instead.
func (e *Engine) blockedSpillOriginsCovering(sh *Sheet, row, col int) []DepNode {
	var result []DepNode
	for _, origin := range sh.BlockedSpillOrigins() {
		oc := sh.Get(origin.Row, origin.Col)
		if oc == nil {
			continue
		}
		if row >= origin.Row && row < origin.Row+oc.spillRows &&
			col >= origin.Col && col < origin.Col+oc.spillCols {
			result = append(result, DepNode{Kind: NodeCell, Cell: origin})
		}
	}
	return result
}

func (e *Engine) clearExistingSpill(sh *Sheet, origin CellAddr) {
	sh.ClearSpillBlocked(origin)
	originCell := sh.Get(origin.Row, origin.Col)
	if originCell == nil || originCell.spillRows == 0 {
		return
	}
	for r := 0; r < originCell.spillRows; r++ {
		for c := 0; c < originCell.spillCols; c++ {
			if r == 0 && c == 0 {
				continue
			}
			target := sh.Get(origin.Row+r, origin.Col+c)
			if target != nil && target.spillOf != nil && *target.spillOf == origin {
				sh.Clear(origin.Row+r, origin.Col+c)
			}
		}
	}
	originCell.spillRows, originCell.spillCols = 0, 0
}

func (e *Engine) materializeSpill(sh *Sheet, origin CellAddr, arr *ArrayValue) {
	originCell := sh.Get(origin.Row, origin.Col)
	obstructed := false
	for r := 0; r < arr.Rows && !obstructed; r++ {
		for c := 0; c < arr.Cols; c++ {
			if r == 0 && c == 0 {
				continue
			}
			target := sh.Get(origin.Row+r, origin.Col+c)
			if target != nil && target.spillOf == nil {
				obstructed = true
				break
			}
		}
	}
	// Record the attempted footprint regardless of outcome: a blocked
	// attempt still needs these dimensions so a later edit to the
	// obstructing cell can find its way back to this origin.
	originCell.spillRows, originCell.spillCols = arr.Rows, arr.Cols
	if obstructed {
		originCell.value = ErrorValue(ErrSpill)
		originCell.hasValue = true
		sh.MarkSpillBlocked(origin)
		return
	}

	for r := 0; r < arr.Rows; r++ {
		for c := 0; c < arr.Cols; c++ {
			v := arr.Get(r, c)
			if r == 0 && c == 0 {
				originCell.value = v
				originCell.hasValue = true
				continue
			}
			target := sh.Get(origin.Row+r, origin.Col+c)
			if target == nil {
				target = &storedCell{}
				sh.Set(origin.Row+r, origin.Col+c, target)
			}
			o := origin
			target.spillOf = &o
			target.value = v
			target.hasValue = true
		}
	}
}
