package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColumnLettersRoundTrip(t *testing.T) {
	cases := []struct {
		col     int
		letters string
	}{
		{0, "A"}, {1, "B"}, {25, "Z"}, {26, "AA"}, {27, "AB"}, {701, "ZZ"}, {702, "AAA"},
	}
	for _, c := range cases {
		assert.Equal(t, c.letters, ColumnToLetters(c.col))
		col, err := LettersToColumn(c.letters)
		require.NoError(t, err)
		assert.Equal(t, c.col, col)
	}
}

func TestParseCellRefZeroBased(t *testing.T) {
	ref, err := ParseCellRef("A1")
	require.NoError(t, err)
	assert.Equal(t, 0, ref.Row)
	assert.Equal(t, 0, ref.Col)
	assert.False(t, ref.AbsRow)
	assert.False(t, ref.AbsCol)

	ref, err = ParseCellRef("$B$2")
	require.NoError(t, err)
	assert.Equal(t, 1, ref.Row)
	assert.Equal(t, 1, ref.Col)
	assert.True(t, ref.AbsRow)
	assert.True(t, ref.AbsCol)
}

func TestParseCellRefRejectsMalformed(t *testing.T) {
	_, err := ParseCellRef("1A")
	assert.Error(t, err)
	_, err = ParseCellRef("")
	assert.Error(t, err)
	_, err = ParseCellRef("A0")
	assert.Error(t, err)
}

func TestFormatCellRefRoundTrip(t *testing.T) {
	cases := []struct {
		row, col       int
		absRow, absCol bool
		text           string
	}{
		{0, 0, false, false, "A1"},
		{1, 1, true, true, "$B$2"},
		{9, 26, false, true, "$AA10"},
	}
	for _, c := range cases {
		text := FormatCellRef(c.row, c.col, c.absRow, c.absCol)
		assert.Equal(t, c.text, text)

		parsed, err := ParseCellRef(text)
		require.NoError(t, err)
		assert.Equal(t, c.row, parsed.Row)
		assert.Equal(t, c.col, parsed.Col)
		assert.Equal(t, c.absRow, parsed.AbsRow)
		assert.Equal(t, c.absCol, parsed.AbsCol)
	}
}

func TestRangeAddrContains(t *testing.T) {
	r := NewFiniteRange("W1", "Sheet1", 0, 0, 4, 1)
	assert.True(t, r.Contains(0, 0))
	assert.True(t, r.Contains(4, 1))
	assert.False(t, r.Contains(5, 0))
	assert.False(t, r.Contains(0, 2))
}

func TestRangeAddrBoundedClampsInfiniteEnds(t *testing.T) {
	r := RangeAddr{Workbook: "W1", Sheet: "Sheet1", StartRow: 0, StartCol: 0, EndRow: InfiniteBound, EndCol: FiniteBound(0)}
	startRow, startCol, endRow, endCol := r.Bounded(10, 5)
	assert.Equal(t, 0, startRow)
	assert.Equal(t, 0, startCol)
	assert.Equal(t, 10, endRow)
	assert.Equal(t, 0, endCol)
}

func TestRangeIntersectionOverlap(t *testing.T) {
	a := NewFiniteRange("W1", "Sheet1", 0, 0, 4, 4)
	b := NewFiniteRange("W1", "Sheet1", 2, 2, 6, 6)
	inter, ok := RangeIntersection(a, b)
	require.True(t, ok)
	assert.Equal(t, 2, inter.StartRow)
	assert.Equal(t, 2, inter.StartCol)
	assert.Equal(t, 4, inter.EndRow.Index)
	assert.Equal(t, 4, inter.EndCol.Index)
}

func TestRangeIntersectionDisjoint(t *testing.T) {
	a := NewFiniteRange("W1", "Sheet1", 0, 0, 1, 1)
	b := NewFiniteRange("W1", "Sheet1", 5, 5, 6, 6)
	_, ok := RangeIntersection(a, b)
	assert.False(t, ok)
}

func TestRangeIntersectionDifferentSheetsAlwaysDisjoint(t *testing.T) {
	a := NewFiniteRange("W1", "Sheet1", 0, 0, 4, 4)
	b := NewFiniteRange("W1", "Sheet2", 0, 0, 4, 4)
	_, ok := RangeIntersection(a, b)
	assert.False(t, ok)
}

func TestRangeUnionBoundingBox(t *testing.T) {
	a := NewFiniteRange("W1", "Sheet1", 0, 0, 1, 1)
	b := NewFiniteRange("W1", "Sheet1", 5, 5, 6, 6)
	u := RangeUnion(a, b)
	assert.Equal(t, 0, u.StartRow)
	assert.Equal(t, 0, u.StartCol)
	assert.Equal(t, 6, u.EndRow.Index)
	assert.Equal(t, 6, u.EndCol.Index)
}

func TestRangeUnionWithInfiniteBoundStaysInfinite(t *testing.T) {
	a := RangeAddr{StartRow: 0, StartCol: 0, EndRow: InfiniteBound, EndCol: FiniteBound(0)}
	b := NewFiniteRange("", "", 0, 0, 3, 3)
	u := RangeUnion(a, b)
	assert.True(t, u.EndRow.Infinite)
	assert.Equal(t, 3, u.EndCol.Index)
}

func TestIterateFinitePanicsOnInfiniteRange(t *testing.T) {
	r := RangeAddr{StartRow: 0, StartCol: 0, EndRow: InfiniteBound, EndCol: FiniteBound(0)}
	assert.Panics(t, func() {
		IterateFinite(r, func(row, col int) bool { return true })
	})
}

func TestIterateFiniteRowMajorOrder(t *testing.T) {
	r := NewFiniteRange("W1", "Sheet1", 0, 0, 1, 1)
	var visited [][2]int
	IterateFinite(r, func(row, col int) bool {
		visited = append(visited, [2]int{row, col})
		return true
	})
	assert.Equal(t, [][2]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}}, visited)
}
