package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cell indices throughout this file are zero-based (row 0 = "1", col 0 = "A").
const (
	rA1, cA1 = 0, 0
	rA2, cA2 = 1, 0
	rA3, cA3 = 2, 0
	rA4, cA4 = 3, 0
	rA5, cA5 = 4, 0
	rB1, cB1 = 0, 1
	rB2, cB2 = 1, 1
	rC1, cC1 = 0, 2
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine()
	require.NoError(t, e.AddWorkbook(AddWorkbookRequest{Name: "W1"}))
	require.NoError(t, e.AddSheet(AddSheetRequest{Workbook: "W1", Name: "Sheet1"}))
	return e
}

func cellNumber(t *testing.T, e *Engine, workbook, sheet string, row, col int) float64 {
	t.Helper()
	v, err := e.GetCellValue(workbook, sheet, row, col)
	require.NoError(t, err)
	n, ok := v.ToNumber()
	require.True(t, ok, "expected numeric value, got %v", v)
	return n
}

// S1 - arithmetic cascade.
func TestArithmeticCascade(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA1, cA1, "10"))
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rB1, cB1, "=A1*2"))
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rC1, cC1, "=B1+5"))

	assert.Equal(t, float64(25), cellNumber(t, e, "W1", "Sheet1", rC1, cC1))

	var updates int
	e.OnCellsUpdate(func(ev CellsUpdateEvent) { updates++ })
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA1, cA1, "20"))
	assert.Equal(t, float64(45), cellNumber(t, e, "W1", "Sheet1", rC1, cC1))
	assert.Equal(t, 1, updates)
}

// S2 - cycle detection.
func TestCycleDetection(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA1, cA1, "=B1"))
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rB1, cB1, "=A1"))

	a1, err := e.GetCellValue("W1", "Sheet1", rA1, cA1)
	require.NoError(t, err)
	b1, err := e.GetCellValue("W1", "Sheet1", rB1, cB1)
	require.NoError(t, err)

	kindA, isErrA := a1.AsError()
	kindB, isErrB := b1.AsError()
	require.True(t, isErrA)
	require.True(t, isErrB)
	assert.Equal(t, ErrCycle, kindA)
	assert.Equal(t, ErrCycle, kindB)
}

// S3 - cross-sheet range reference.
func TestCrossSheetRange(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddSheet(AddSheetRequest{Workbook: "W1", Name: "Sheet2"}))
	require.NoError(t, e.SetCellContent("W1", "Sheet2", rB1, cB1, "50"))
	require.NoError(t, e.SetCellContent("W1", "Sheet2", rB2, cB2, "100"))
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA1, cA1, "=AVERAGE(Sheet2!B1:B2)"))

	assert.Equal(t, float64(75), cellNumber(t, e, "W1", "Sheet1", rA1, cA1))
}

// S4 - spill and obstruction.
func TestSpillAndObstruction(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA1, cA1, "=SEQUENCE(5)"))

	for row := 0; row < 5; row++ {
		assert.Equal(t, float64(row+1), cellNumber(t, e, "W1", "Sheet1", row, 0))
	}

	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA3, cA3, "X"))
	v, err := e.GetCellValue("W1", "Sheet1", rA1, cA1)
	require.NoError(t, err)
	kind, isErr := v.AsError()
	require.True(t, isErr)
	assert.Equal(t, ErrSpill, kind)

	x, err := e.GetCellValue("W1", "Sheet1", rA3, cA3)
	require.NoError(t, err)
	assert.Equal(t, "X", x.Str)

	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA3, cA3, ""))
	for row := 0; row < 5; row++ {
		assert.Equal(t, float64(row+1), cellNumber(t, e, "W1", "Sheet1", row, 0))
	}
}

// S5 - table rename propagates into referencing formulas.
func TestTableRenamePropagation(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA1, cA1, "Price"))
	require.NoError(t, e.AddTable(AddTableRequest{
		Workbook: "W1", Sheet: "Sheet1", Name: "T",
		Headers: []string{"Price"}, StartRow: rA1, StartCol: cA1,
	}))
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rB1, cB1, "=SUM(T[Price])"))

	require.NoError(t, e.RenameTable("W1", "T", "Sales"))

	raw, err := e.GetCellSerialized("W1", "Sheet1", rB1, cB1)
	require.NoError(t, err)
	assert.Equal(t, "=SUM(Sales[Price])", raw)
}

// S6 - named-expression scoping: global vs workbook override.
func TestNamedExpressionScoping(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.AddWorkbook(AddWorkbookRequest{Name: "W1"}))
	require.NoError(t, e.AddWorkbook(AddWorkbookRequest{Name: "W2"}))
	require.NoError(t, e.AddSheet(AddSheetRequest{Workbook: "W1", Name: "Sheet1"}))
	require.NoError(t, e.AddSheet(AddSheetRequest{Workbook: "W2", Name: "Sheet1"}))

	require.NoError(t, e.AddNamedExpression(AddNamedExpressionRequest{
		Scope: GlobalScope(), Name: "RATE", Formula: "0.1",
	}))
	require.NoError(t, e.AddNamedExpression(AddNamedExpressionRequest{
		Scope: WorkbookScope("W1"), Name: "RATE", Formula: "0.2",
	}))

	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA1, cA1, "=RATE*100"))
	require.NoError(t, e.SetCellContent("W2", "Sheet1", rA1, cA1, "=RATE*100"))

	assert.Equal(t, float64(20), cellNumber(t, e, "W1", "Sheet1", rA1, cA1))
	assert.Equal(t, float64(10), cellNumber(t, e, "W2", "Sheet1", rA1, cA1))
}

func TestSetCellContentNoOpSuppression(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA1, cA1, "=1+1"))

	var updates int
	e.OnCellsUpdate(func(ev CellsUpdateEvent) { updates++ })
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA1, cA1, "=1+1"))
	assert.Equal(t, 0, updates)
}

func TestSheetNameCaseInsensitiveResolution(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA1, cA1, "7"))
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rB1, cB1, "=SHEET1!A1*2"))
	assert.Equal(t, float64(14), cellNumber(t, e, "W1", "Sheet1", rB1, cB1))
}

func TestSetSheetContentClearsOmittedCells(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA1, cA1, "42"))
	require.NoError(t, e.SetSheetContent("W1", "Sheet1", map[string]string{"B1": "1"}))

	v, err := e.GetCellValue("W1", "Sheet1", rA1, cA1)
	require.NoError(t, err)
	assert.Equal(t, KindEmpty, v.Kind)
}
