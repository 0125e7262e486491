package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// CellAddr identifies a cell within the whole engine: workbook, sheet,
// and zero-based row/col.
type CellAddr struct {
	Workbook string
	Sheet    string
	Row      int
	Col      int
}

var cellRefPattern = regexp.MustCompile(`^(\$?)([A-Za-z]+)(\$?)(\d+)$`)

// ColumnToLetters converts a zero-based column index to A1-style letters
// using base-26 with no zero digit (col=0 -> "A", col=25 -> "Z",
// col=26 -> "AA").
func ColumnToLetters(col int) string {
	if col < 0 {
		return ""
	}
	var b strings.Builder
	col++
	var letters []byte
	for col > 0 {
		col--
		letters = append(letters, byte('A'+col%26))
		col /= 26
	}
	for i := len(letters) - 1; i >= 0; i-- {
		b.WriteByte(letters[i])
	}
	return b.String()
}

// LettersToColumn is the inverse of ColumnToLetters.
func LettersToColumn(letters string) (int, error) {
	letters = strings.ToUpper(letters)
	if letters == "" {
		return 0, fmt.Errorf("empty column letters")
	}
	col := 0
	for _, r := range letters {
		if r < 'A' || r > 'Z' {
			return 0, fmt.Errorf("invalid column letters %q", letters)
		}
		col = col*26 + int(r-'A'+1)
	}
	return col - 1, nil
}

// ParsedCellRef is the decomposition of an A1-style cell reference token,
// including the absolute-reference ($) markers the printer must preserve.
type ParsedCellRef struct {
	Row, Col         int
	AbsRow, AbsCol   bool
}

// ParseCellRef accepts `^[A-Z]+\d+$` (with optional `$` absolute markers)
// and returns the zero-based row/col.
func ParseCellRef(ref string) (ParsedCellRef, error) {
	m := cellRefPattern.FindStringSubmatch(ref)
	if m == nil {
		return ParsedCellRef{}, fmt.Errorf("invalid cell reference %q", ref)
	}
	col, err := LettersToColumn(m[2])
	if err != nil {
		return ParsedCellRef{}, err
	}
	row, err := strconv.Atoi(m[4])
	if err != nil || row < 1 {
		return ParsedCellRef{}, fmt.Errorf("invalid row in reference %q", ref)
	}
	return ParsedCellRef{
		Row:    row - 1,
		Col:    col,
		AbsCol: m[1] == "$",
		AbsRow: m[3] == "$",
	}, nil
}

// FormatCellRef is the inverse of ParseCellRef, emitting the canonical
// A1-style text with absolute markers preserved.
func FormatCellRef(row, col int, absRow, absCol bool) string {
	colPart := ""
	if absCol {
		colPart = "$"
	}
	colPart += ColumnToLetters(col)
	rowPart := ""
	if absRow {
		rowPart = "$"
	}
	rowPart += strconv.Itoa(row + 1)
	return colPart + rowPart
}

// Bound is a range endpoint component: either a finite zero-based index
// or +∞, used independently for the row axis and the column axis so that
// `A5:A` (col-bounded, row-infinite) and `A5:10` (row-bounded, col-
// infinite) can both be represented.
type Bound struct {
	Infinite bool
	Index    int
}

func FiniteBound(i int) Bound { return Bound{Index: i} }

var InfiniteBound = Bound{Infinite: true}

func (b Bound) Less(i int) bool {
	if b.Infinite {
		return false
	}
	return b.Index < i
}

func (b Bound) String(isRow bool, abs bool) string {
	if b.Infinite {
		return ""
	}
	if isRow {
		s := strconv.Itoa(b.Index + 1)
		if abs {
			return "$" + s
		}
		return s
	}
	s := ColumnToLetters(b.Index)
	if abs {
		return "$" + s
	}
	return s
}

// RangeAddr is a rectangular region within one (workbook, sheet). Start
// is always finite; End is one-sided-capable per axis (§4.1).
type RangeAddr struct {
	Workbook string
	Sheet    string
	StartRow int
	StartCol int
	EndRow   Bound
	EndCol   Bound

	AbsStartRow, AbsStartCol, AbsEndRow, AbsEndCol bool
}

// NewFiniteRange builds a fully bounded range.
func NewFiniteRange(workbook, sheet string, startRow, startCol, endRow, endCol int) RangeAddr {
	if endRow < startRow {
		startRow, endRow = endRow, startRow
	}
	if endCol < startCol {
		startCol, endCol = endCol, startCol
	}
	return RangeAddr{
		Workbook: workbook, Sheet: sheet,
		StartRow: startRow, StartCol: startCol,
		EndRow: FiniteBound(endRow), EndCol: FiniteBound(endCol),
	}
}

func (r RangeAddr) IsRowInfinite() bool { return r.EndRow.Infinite }
func (r RangeAddr) IsColInfinite() bool { return r.EndCol.Infinite }
func (r RangeAddr) IsInfinite() bool    { return r.EndRow.Infinite || r.EndCol.Infinite }

// Contains reports whether (row, col) falls inside the range.
func (r RangeAddr) Contains(row, col int) bool {
	if row < r.StartRow || col < r.StartCol {
		return false
	}
	if !r.EndRow.Infinite && row > r.EndRow.Index {
		return false
	}
	if !r.EndCol.Infinite && col > r.EndCol.Index {
		return false
	}
	return true
}

// Bounded returns a finite view of the range by clamping infinite ends
// to maxRow/maxCol (the sheet's current dense extent, per §9's chosen
// bound for infinite-range reductions).
func (r RangeAddr) Bounded(maxRow, maxCol int) (startRow, startCol, endRow, endCol int) {
	endRow = r.EndRow.Index
	if r.EndRow.Infinite {
		endRow = maxRow
	}
	endCol = r.EndCol.Index
	if r.EndCol.Infinite {
		endCol = maxCol
	}
	return r.StartRow, r.StartCol, endRow, endCol
}

// RangeIntersection returns the overlapping region of two ranges within
// the same (workbook, sheet), or ok=false if they are disjoint or on
// different sheets.
func RangeIntersection(a, b RangeAddr) (RangeAddr, bool) {
	if a.Workbook != b.Workbook || a.Sheet != b.Sheet {
		return RangeAddr{}, false
	}
	startRow := maxInt(a.StartRow, b.StartRow)
	startCol := maxInt(a.StartCol, b.StartCol)
	endRow := minBound(a.EndRow, b.EndRow)
	endCol := minBound(a.EndCol, b.EndCol)
	if !endRow.Infinite && endRow.Index < startRow {
		return RangeAddr{}, false
	}
	if !endCol.Infinite && endCol.Index < startCol {
		return RangeAddr{}, false
	}
	return RangeAddr{
		Workbook: a.Workbook, Sheet: a.Sheet,
		StartRow: startRow, StartCol: startCol,
		EndRow: endRow, EndCol: endCol,
	}, true
}

// RangeUnion returns the smallest range covering both a and b (bounding
// box union, not a set union of non-contiguous cells).
func RangeUnion(a, b RangeAddr) RangeAddr {
	return RangeAddr{
		Workbook: a.Workbook, Sheet: a.Sheet,
		StartRow: minInt(a.StartRow, b.StartRow),
		StartCol: minInt(a.StartCol, b.StartCol),
		EndRow:   maxBound(a.EndRow, b.EndRow),
		EndCol:   maxBound(a.EndCol, b.EndCol),
	}
}

// IterateFinite yields every address in a finite range in row-major
// order. It panics if the range is infinite; callers must bound the
// range first (see RangeAddr.Bounded), matching §4.1's "fails loudly on
// infinite input" contract.
func IterateFinite(r RangeAddr, yield func(row, col int) bool) {
	if r.IsInfinite() {
		panic("engine: IterateFinite called on an infinite range")
	}
	for row := r.StartRow; row <= r.EndRow.Index; row++ {
		for col := r.StartCol; col <= r.EndCol.Index; col++ {
			if !yield(row, col) {
				return
			}
		}
	}
}

func (r RangeAddr) String() string {
	var b strings.Builder
	if r.Sheet != "" {
		b.WriteString(quoteSheetName(r.Sheet))
		b.WriteString("!")
	}
	b.WriteString(FormatCellRef(r.StartRow, r.StartCol, r.AbsStartRow, r.AbsStartCol))
	b.WriteString(":")
	switch {
	case r.EndRow.Infinite && r.EndCol.Infinite:
		b.WriteString("INFINITY")
	case r.EndRow.Infinite:
		b.WriteString(r.EndCol.String(false, r.AbsEndCol))
	case r.EndCol.Infinite:
		b.WriteString(r.EndRow.String(true, r.AbsEndRow))
	default:
		b.WriteString(FormatCellRef(r.EndRow.Index, r.EndCol.Index, r.AbsEndRow, r.AbsEndCol))
	}
	return b.String()
}

func quoteSheetName(name string) string {
	if needsSheetQuoting(name) {
		return "'" + strings.ReplaceAll(name, "'", "''") + "'"
	}
	return name
}

func needsSheetQuoting(name string) bool {
	for i, r := range name {
		if r == ' ' || r == '!' || r == '\'' || r == ':' {
			return true
		}
		if i == 0 && (r >= '0' && r <= '9') {
			return true
		}
	}
	return name == ""
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func minBound(a, b Bound) Bound {
	if a.Infinite {
		return b
	}
	if b.Infinite {
		return a
	}
	if a.Index < b.Index {
		return a
	}
	return b
}

func maxBound(a, b Bound) Bound {
	if a.Infinite || b.Infinite {
		return InfiniteBound
	}
	if a.Index > b.Index {
		return a
	}
	return b
}
