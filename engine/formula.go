package engine

// ASTKey is the normalized-print-form string used to deduplicate
// structurally identical formulas (e.g. a column filled down with the
// same relative shape after substitution still differs per cell here,
// since this cache key is the literal, already-resolved AST text - the
// benefit is formulas repeated verbatim, like `=SUM(A1:A10)` pasted
// into many cells via setSheetContent).
type ASTKey string

// FormulaCache interns parsed ASTs by their canonical printed form,
// keeping one cached AST per distinct formula text, and tracks which
// cells currently use each cached entry. Each cell still parses its own
// formula and evaluates its own AST; cells do not read the cached AST back.
type FormulaCache struct {
	astIndex  map[ASTKey]uint32
	astCache  map[uint32]Node
	refCounts map[uint32]int

	cellsUsingFormula map[uint32]map[CellAddr]struct{}
	formulaAtCell     map[CellAddr]uint32

	nextID uint32
}

func NewFormulaCache() *FormulaCache {
	return &FormulaCache{
		astIndex:          make(map[ASTKey]uint32),
		astCache:          make(map[uint32]Node),
		refCounts:         make(map[uint32]int),
		cellsUsingFormula: make(map[uint32]map[CellAddr]struct{}),
		formulaAtCell:     make(map[CellAddr]uint32),
		nextID:            1,
	}
}

func normalizeAST(ast Node) ASTKey {
	if ast == nil {
		return ""
	}
	return ASTKey(astToString(ast))
}

// Intern adds ast to the cache (or reuses an existing entry with the
// same printed form) and records that cell now uses it, detaching cell
// from whatever formula it previously held.
func (fc *FormulaCache) Intern(ast Node, cell CellAddr) uint32 {
	key := normalizeAST(ast)
	if id, exists := fc.astIndex[key]; exists {
		fc.refCounts[id]++
		fc.trackCellUsage(id, cell)
		return id
	}
	id := fc.nextID
	fc.nextID++
	fc.astIndex[key] = id
	fc.astCache[id] = ast
	fc.refCounts[id] = 1
	fc.trackCellUsage(id, cell)
	return id
}

func (fc *FormulaCache) trackCellUsage(id uint32, cell CellAddr) {
	if old, exists := fc.formulaAtCell[cell]; exists && old != id {
		fc.dropCellFromFormula(old, cell)
	}
	if fc.cellsUsingFormula[id] == nil {
		fc.cellsUsingFormula[id] = make(map[CellAddr]struct{})
	}
	fc.cellsUsingFormula[id][cell] = struct{}{}
	fc.formulaAtCell[cell] = id
}

func (fc *FormulaCache) dropCellFromFormula(id uint32, cell CellAddr) {
	if cells, ok := fc.cellsUsingFormula[id]; ok {
		delete(cells, cell)
		if len(cells) == 0 {
			delete(fc.cellsUsingFormula, id)
		}
	}
}

// GetAST retrieves the cached AST for a formula ID.
func (fc *FormulaCache) GetAST(id uint32) (Node, bool) {
	ast, ok := fc.astCache[id]
	return ast, ok
}

// GetFormulaAtCell returns the formula ID currently interned at cell.
func (fc *FormulaCache) GetFormulaAtCell(cell CellAddr) (uint32, bool) {
	id, ok := fc.formulaAtCell[cell]
	return id, ok
}

// Release decrements the formula's reference count for cell, evicting
// the cache entry once no cell uses it. Returns true if the formula was
// evicted entirely.
func (fc *FormulaCache) Release(cell CellAddr) bool {
	id, exists := fc.formulaAtCell[cell]
	if !exists {
		return false
	}
	fc.dropCellFromFormula(id, cell)
	delete(fc.formulaAtCell, cell)
	fc.refCounts[id]--
	if fc.refCounts[id] <= 0 {
		fc.evict(id)
		return true
	}
	return false
}

func (fc *FormulaCache) evict(id uint32) {
	if ast, ok := fc.astCache[id]; ok {
		delete(fc.astIndex, normalizeAST(ast))
	}
	delete(fc.astCache, id)
	delete(fc.refCounts, id)
	delete(fc.cellsUsingFormula, id)
}

// Count returns the number of distinct cached formulas.
func (fc *FormulaCache) Count() int { return len(fc.astIndex) }

// Clear empties the cache.
func (fc *FormulaCache) Clear() {
	fc.astIndex = make(map[ASTKey]uint32)
	fc.astCache = make(map[uint32]Node)
	fc.refCounts = make(map[uint32]int)
	fc.cellsUsingFormula = make(map[uint32]map[CellAddr]struct{})
	fc.formulaAtCell = make(map[CellAddr]uint32)
	fc.nextID = 1
}
