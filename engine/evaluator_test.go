package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func arr(rows, cols int, vals ...float64) *ArrayValue {
	return &ArrayValue{Rows: rows, Cols: cols, Get: func(r, c int) CellValue {
		return NumberValue(vals[r*cols+c])
	}}
}

// (V,V): plain scalar arithmetic, no array involved.
func TestEvalBroadcastScalarScalar(t *testing.T) {
	res := evalBroadcast(OpAdd, scalar(NumberValue(2)), scalar(NumberValue(3)))
	require.Nil(t, res.Array)
	n, ok := res.Value.ToNumber()
	require.True(t, ok)
	assert.Equal(t, float64(5), n)
}

// (V,S): a scalar combined with an array broadcasts the scalar across
// every array cell.
func TestEvalBroadcastScalarArray(t *testing.T) {
	a := arr(1, 3, 1, 2, 3)
	res := evalBroadcast(OpMul, scalar(NumberValue(10)), EvalResult{Array: a})
	require.NotNil(t, res.Array)
	assert.Equal(t, 1, res.Array.Rows)
	assert.Equal(t, 3, res.Array.Cols)
	for c := 0; c < 3; c++ {
		n, _ := res.Array.Get(0, c).ToNumber()
		assert.Equal(t, float64((c+1)*10), n)
	}
}

// (S,V): same as above with the array on the left.
func TestEvalBroadcastArrayScalar(t *testing.T) {
	a := arr(2, 1, 5, 7)
	res := evalBroadcast(OpAdd, EvalResult{Array: a}, scalar(NumberValue(1)))
	require.NotNil(t, res.Array)
	v0, _ := res.Array.Get(0, 0).ToNumber()
	v1, _ := res.Array.Get(1, 0).ToNumber()
	assert.Equal(t, float64(6), v0)
	assert.Equal(t, float64(8), v1)
}

// (S,S) of matching shape: pointwise combination.
func TestEvalBroadcastArrayArraySameShape(t *testing.T) {
	a := arr(1, 2, 1, 2)
	b := arr(1, 2, 10, 20)
	res := evalBroadcast(OpAdd, EvalResult{Array: a}, EvalResult{Array: b})
	require.NotNil(t, res.Array)
	v0, _ := res.Array.Get(0, 0).ToNumber()
	v1, _ := res.Array.Get(0, 1).ToNumber()
	assert.Equal(t, float64(11), v0)
	assert.Equal(t, float64(22), v1)
}

// (S,S) of mismatched shape: offsets outside the smaller operand's
// extent produce #REF! rather than panicking or silently truncating.
func TestEvalBroadcastArrayArrayMismatchedShape(t *testing.T) {
	a := arr(1, 2, 1, 2)
	b := arr(2, 2, 10, 20, 30, 40)
	res := evalBroadcast(OpAdd, EvalResult{Array: a}, EvalResult{Array: b})
	require.NotNil(t, res.Array)
	assert.Equal(t, 2, res.Array.Rows)

	v0, _ := res.Array.Get(0, 0).ToNumber()
	assert.Equal(t, float64(11), v0)

	kind, isErr := res.Array.Get(1, 0).AsError()
	require.True(t, isErr)
	assert.Equal(t, ErrRef, kind)
}

// an error operand short-circuits the combination regardless of shape.
func TestEvalBroadcastPropagatesError(t *testing.T) {
	res := evalBroadcast(OpAdd, scalar(ErrorValue(ErrDiv0)), scalar(NumberValue(1)))
	kind, isErr := res.Value.AsError()
	require.True(t, isErr)
	assert.Equal(t, ErrDiv0, kind)
}

// deeply nested unary negation should hit the recursion budget and
// report an error rather than overflow the Go stack.
func TestEvalNodeRecursionBudget(t *testing.T) {
	var n Node = &NumberNode{Value: 1}
	for i := 0; i < defaultMaxRecursionDepth+50; i++ {
		n = &UnaryOpNode{Op: OpUMinus, Operand: n}
	}

	ctx := &EvalContext{
		visiting: make(map[string]struct{}),
		deps:     make(map[string]DepNode),
		maxDepth: defaultMaxRecursionDepth,
	}
	res := evalNode(ctx, n)
	kind, isErr := res.Value.AsError()
	require.True(t, isErr)
	assert.Equal(t, ErrError, kind)
}

// a named expression that (directly or transitively) refers to itself
// must be caught via ctx.visiting rather than recursing forever.
func TestNamedExpressionSelfReferenceIsCycle(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddNamedExpression(AddNamedExpressionRequest{
		Scope: GlobalScope(), Name: "LOOP", Formula: "LOOP+1",
	}))
	require.NoError(t, e.SetCellContent("W1", "Sheet1", rA1, cA1, "=LOOP"))

	v, err := e.GetCellValue("W1", "Sheet1", rA1, cA1)
	require.NoError(t, err)
	kind, isErr := v.AsError()
	require.True(t, isErr)
	assert.Equal(t, ErrCycle, kind)
}
