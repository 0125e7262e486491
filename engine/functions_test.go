package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setFormula(t *testing.T, e *Engine, row, col int, formula string) {
	t.Helper()
	require.NoError(t, e.SetCellContent("W1", "Sheet1", row, col, formula))
}

func TestSumAndAverage(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA1, cA1, "1"))
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA2, cA2, "2"))
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA3, cA3, "3"))
	setFormula(t, e, rB1, cB1, "=SUM(A1:A3)")
	setFormula(t, e, rB2, cB2, "=AVERAGE(A1:A3)")

	assert.Equal(t, float64(6), cellNumber(t, e, "W1", "Sheet1", rB1, cB1))
	assert.Equal(t, float64(2), cellNumber(t, e, "W1", "Sheet1", rB2, cB2))
}

func TestIfBranches(t *testing.T) {
	e := newTestEngine(t)
	setFormula(t, e, rA1, cA1, "=IF(1>0,\"yes\",\"no\")")
	v, err := e.GetCellValue("W1", "Sheet1", rA1, cA1)
	require.NoError(t, err)
	assert.Equal(t, "yes", v.Str)
}

func TestIfErrorSuppressesUpstreamError(t *testing.T) {
	e := newTestEngine(t)
	setFormula(t, e, rA1, cA1, "=IFERROR(1/0,-1)")
	assert.Equal(t, float64(-1), cellNumber(t, e, "W1", "Sheet1", rA1, cA1))
}

func TestSumifCountif(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA1, cA1, "10"))
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA2, cA2, "20"))
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA3, cA3, "30"))
	setFormula(t, e, rB1, cB1, "=SUMIF(A1:A3,\">15\")")
	setFormula(t, e, rB2, cB2, "=COUNTIF(A1:A3,\">15\")")

	assert.Equal(t, float64(50), cellNumber(t, e, "W1", "Sheet1", rB1, cB1))
	assert.Equal(t, float64(2), cellNumber(t, e, "W1", "Sheet1", rB2, cB2))
}

func TestSequenceSpillsDownward(t *testing.T) {
	e := newTestEngine(t)
	setFormula(t, e, rA1, cA1, "=SEQUENCE(3)")
	for row := 0; row < 3; row++ {
		assert.Equal(t, float64(row+1), cellNumber(t, e, "W1", "Sheet1", row, 0))
	}
}

func TestIndexMatchVlookup(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA1, cA1, "apple"))
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA2, cA2, "banana"))
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA3, cA3, "cherry"))
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rB1, cB1, "1"))
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rB2, cB2, "2"))

	setFormula(t, e, rC1, cC1, "=INDEX(A1:A3,2)")
	v, err := e.GetCellValue("W1", "Sheet1", rC1, cC1)
	require.NoError(t, err)
	assert.Equal(t, "banana", v.Str)

	setFormula(t, e, rA4, cA4, "=MATCH(\"cherry\",A1:A3,0)")
	assert.Equal(t, float64(3), cellNumber(t, e, "W1", "Sheet1", rA4, cA4))

	setFormula(t, e, rA5, cA5, "=VLOOKUP(\"banana\",A1:B3,2,FALSE)")
	assert.Equal(t, float64(2), cellNumber(t, e, "W1", "Sheet1", rA5, cA5))
}

func TestOffsetResolvesRelativeToAnchor(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA2, cA2, "99"))
	setFormula(t, e, rB1, cB1, "=OFFSET(A1,1,0)")
	assert.Equal(t, float64(99), cellNumber(t, e, "W1", "Sheet1", rB1, cB1))
}
