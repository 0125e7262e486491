package engine

import (
	"math"
	"sort"
	"strings"
)

// BuiltinFunc receives the raw argument ASTs rather than pre-evaluated
// values so that functions needing lazy or short-circuit evaluation
// (IF, IFERROR, AND, OR) control exactly when and whether each argument
// is walked.
type BuiltinFunc func(ctx *EvalContext, args []Node) EvalResult

// FunctionRegistry maps uppercased function names to implementations,
// keyed as a plain map rather than a type switch so new functions
// register without touching a central dispatcher.
type FunctionRegistry struct {
	funcs map[string]BuiltinFunc
}

func NewFunctionRegistry() *FunctionRegistry {
	r := &FunctionRegistry{funcs: make(map[string]BuiltinFunc)}
	registerMathFunctions(r)
	registerLogicalFunctions(r)
	registerInfoFunctions(r)
	registerTextFunctions(r)
	registerArrayFunctions(r)
	registerLookupFunctions(r)
	return r
}

func (r *FunctionRegistry) Register(name string, fn BuiltinFunc) {
	r.funcs[strings.ToUpper(name)] = fn
}

func (r *FunctionRegistry) Lookup(name string) (BuiltinFunc, bool) {
	fn, ok := r.funcs[strings.ToUpper(name)]
	return fn, ok
}

// isVolatileFunction reports whether a function must be recomputed on
// every recalculation regardless of dependency-graph dirtiness; this
// engine's registry defines no volatile functions (no NOW, TODAY, RAND),
// but the hook stays so a consumer's custom registration can opt in.
func isVolatileFunction(name string) bool { return false }

// forEachScalar walks every evaluated argument, flattening arrays into
// their individual scalars in row-major order, and hands each to fn; it
// stops (returning the error value fn gave) as soon as fn asks to stop,
// so each reduction decides for itself whether an error value ends it.
func forEachScalar(ctx *EvalContext, args []Node, fn func(CellValue) (stop bool, err CellValue)) (CellValue, bool) {
	for _, arg := range args {
		res := evalNode(ctx, arg)
		rows, cols := res.Dims()
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				v := res.At(r, c)
				if stop, errv := fn(v); stop {
					return errv, true
				}
			}
		}
	}
	return CellValue{}, false
}

func registerMathFunctions(r *FunctionRegistry) {
	r.Register("SUM", func(ctx *EvalContext, args []Node) EvalResult {
		sum := 0.0
		if errv, stopped := forEachScalar(ctx, args, func(v CellValue) (bool, CellValue) {
			if v.IsError() {
				return true, v
			}
			if n, ok := v.ToNumber(); ok {
				sum += n
			}
			return false, CellValue{}
		}); stopped {
			return scalar(errv)
		}
		return scalar(NumberValue(sum))
	})

	r.Register("AVERAGE", func(ctx *EvalContext, args []Node) EvalResult {
		sum, count := 0.0, 0
		if errv, stopped := forEachScalar(ctx, args, func(v CellValue) (bool, CellValue) {
			if v.IsError() {
				return true, v
			}
			if n, ok := v.ToNumber(); ok {
				sum += n
				count++
			}
			return false, CellValue{}
		}); stopped {
			return scalar(errv)
		}
		if count == 0 {
			return errResult(ErrDiv0)
		}
		return scalar(NumberValue(sum / float64(count)))
	})

	r.Register("COUNT", func(ctx *EvalContext, args []Node) EvalResult {
		count := 0
		forEachScalar(ctx, args, func(v CellValue) (bool, CellValue) {
			if v.Kind == KindNumber {
				count++
			}
			return false, CellValue{}
		})
		return scalar(NumberValue(float64(count)))
	})

	r.Register("MAX", func(ctx *EvalContext, args []Node) EvalResult {
		max := math.Inf(-1)
		found := false
		if errv, stopped := forEachScalar(ctx, args, func(v CellValue) (bool, CellValue) {
			if v.IsError() {
				return true, v
			}
			if n, ok := v.ToNumber(); ok {
				found = true
				if n > max {
					max = n
				}
			}
			return false, CellValue{}
		}); stopped {
			return scalar(errv)
		}
		if !found {
			return scalar(NumberValue(0))
		}
		return scalar(NumberValue(max))
	})

	r.Register("MIN", func(ctx *EvalContext, args []Node) EvalResult {
		min := math.Inf(1)
		found := false
		if errv, stopped := forEachScalar(ctx, args, func(v CellValue) (bool, CellValue) {
			if v.IsError() {
				return true, v
			}
			if n, ok := v.ToNumber(); ok {
				found = true
				if n < min {
					min = n
				}
			}
			return false, CellValue{}
		}); stopped {
			return scalar(errv)
		}
		if !found {
			return scalar(NumberValue(0))
		}
		return scalar(NumberValue(min))
	})

	r.Register("SUMIF", func(ctx *EvalContext, args []Node) EvalResult {
		return sumOrCountIf(ctx, args, true)
	})
	r.Register("COUNTIF", func(ctx *EvalContext, args []Node) EvalResult {
		return sumOrCountIf(ctx, args, false)
	})

	r.Register("POWER", unaryOrBinaryNumeric2(func(base, exp float64) CellValue {
		result := math.Pow(base, exp)
		if math.IsNaN(result) {
			return ErrorValue(ErrNum)
		}
		return NumberValue(result)
	}))

	r.Register("ABS", unaryNumeric(func(n float64) CellValue { return NumberValue(math.Abs(n)) }))
	r.Register("MOD", unaryOrBinaryNumeric2(func(a, b float64) CellValue {
		if b == 0 {
			return ErrorValue(ErrDiv0)
		}
		return NumberValue(math.Mod(a, b))
	}))

	r.Register("ROUND", roundLike(func(n float64, places int) float64 {
		mult := math.Pow(10, float64(places))
		return math.Round(n*mult) / mult
	}))
	r.Register("ROUNDUP", roundLike(func(n float64, places int) float64 {
		mult := math.Pow(10, float64(places))
		if n >= 0 {
			return math.Ceil(n*mult) / mult
		}
		return math.Floor(n*mult) / mult
	}))
	r.Register("ROUNDDOWN", roundLike(func(n float64, places int) float64 {
		mult := math.Pow(10, float64(places))
		if n >= 0 {
			return math.Floor(n*mult) / mult
		}
		return math.Ceil(n*mult) / mult
	}))
}

func sumOrCountIf(ctx *EvalContext, args []Node, sum bool) EvalResult {
	if len(args) < 2 {
		return errResult(ErrValue)
	}
	rangeRes := evalNode(ctx, args[0])
	critRes := evalNode(ctx, args[1])
	if critRes.Value.IsError() {
		return scalar(critRes.Value)
	}
	sumRange := rangeRes
	if sum && len(args) >= 3 {
		sumRange = evalNode(ctx, args[2])
	}
	rows, cols := rangeRes.Dims()
	total := 0.0
	count := 0
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if matchesCriteria(rangeRes.At(r, c), critRes.Value) {
				count++
				if sum {
					if n, ok := sumRange.At(r, c).ToNumber(); ok {
						total += n
					}
				}
			}
		}
	}
	if sum {
		return scalar(NumberValue(total))
	}
	return scalar(NumberValue(float64(count)))
}

func matchesCriteria(v, crit CellValue) bool {
	if crit.Kind == KindString {
		text := crit.Str
		for _, op := range []string{">=", "<=", "<>", ">", "<", "="} {
			if strings.HasPrefix(text, op) {
				rest := strings.TrimPrefix(text, op)
				num, ok := StringValue(rest).ToNumber()
				if !ok {
					break
				}
				n, ok := v.ToNumber()
				if !ok {
					return false
				}
				switch op {
				case ">=":
					return n >= num
				case "<=":
					return n <= num
				case "<>":
					return n != num
				case ">":
					return n > num
				case "<":
					return n < num
				case "=":
					return n == num
				}
			}
		}
	}
	cmp, ok := compareValues(v, crit)
	return ok && cmp == 0
}

func unaryNumeric(fn func(float64) CellValue) BuiltinFunc {
	return func(ctx *EvalContext, args []Node) EvalResult {
		if len(args) != 1 {
			return errResult(ErrValue)
		}
		v := evalNode(ctx, args[0]).Value
		if v.IsError() {
			return scalar(v)
		}
		n, ok := v.ToNumber()
		if !ok {
			return errResult(ErrValue)
		}
		return scalar(fn(n))
	}
}

func unaryOrBinaryNumeric2(fn func(a, b float64) CellValue) BuiltinFunc {
	return func(ctx *EvalContext, args []Node) EvalResult {
		if len(args) != 2 {
			return errResult(ErrValue)
		}
		a := evalNode(ctx, args[0]).Value
		if a.IsError() {
			return scalar(a)
		}
		b := evalNode(ctx, args[1]).Value
		if b.IsError() {
			return scalar(b)
		}
		an, aok := a.ToNumber()
		bn, bok := b.ToNumber()
		if !aok || !bok {
			return errResult(ErrValue)
		}
		return scalar(fn(an, bn))
	}
}

func roundLike(fn func(n float64, places int) float64) BuiltinFunc {
	return func(ctx *EvalContext, args []Node) EvalResult {
		if len(args) < 1 || len(args) > 2 {
			return errResult(ErrValue)
		}
		v := evalNode(ctx, args[0]).Value
		if v.IsError() {
			return scalar(v)
		}
		n, ok := v.ToNumber()
		if !ok {
			return errResult(ErrValue)
		}
		places := 0
		if len(args) == 2 {
			pv := evalNode(ctx, args[1]).Value
			if pv.IsError() {
				return scalar(pv)
			}
			pn, ok := pv.ToNumber()
			if !ok {
				return errResult(ErrValue)
			}
			places = int(pn)
		}
		return scalar(NumberValue(fn(n, places)))
	}
}

// sequenceFn implements SEQUENCE(rows, cols?, start?, step?), producing
// a spillable Rows x Cols array.
func sequenceFn(ctx *EvalContext, args []Node) EvalResult {
	if len(args) < 1 || len(args) > 4 {
		return errResult(ErrValue)
	}
	nums := make([]float64, 4)
	nums[1], nums[2], nums[3] = 1, 1, 1
	for i, arg := range args {
		v := evalNode(ctx, arg).Value
		if v.IsError() {
			return scalar(v)
		}
		n, ok := v.ToNumber()
		if !ok {
			return errResult(ErrValue)
		}
		nums[i] = n
	}
	rows, cols, start, step := int(nums[0]), int(nums[1]), nums[2], nums[3]
	if rows <= 0 || cols <= 0 {
		return errResult(ErrValue)
	}
	return EvalResult{Array: &ArrayValue{Rows: rows, Cols: cols, Get: func(y, x int) CellValue {
		return NumberValue(start + float64(y*cols+x)*step)
	}}}
}

func registerLogicalFunctions(r *FunctionRegistry) {
	r.Register("IF", func(ctx *EvalContext, args []Node) EvalResult {
		if len(args) < 2 || len(args) > 3 {
			return errResult(ErrValue)
		}
		cond := evalNode(ctx, args[0])
		if cond.Value.IsError() {
			return cond
		}
		truthy, ok := cond.Value.ToBool()
		if !ok {
			return errResult(ErrValue)
		}
		if truthy {
			return evalNode(ctx, args[1])
		}
		if len(args) == 3 {
			return evalNode(ctx, args[2])
		}
		return scalar(BoolValue(false))
	})

	r.Register("AND", func(ctx *EvalContext, args []Node) EvalResult {
		result := true
		if errv, stopped := forEachScalar(ctx, args, func(v CellValue) (bool, CellValue) {
			if v.IsError() {
				return true, v
			}
			b, ok := v.ToBool()
			if !ok {
				return true, ErrorValue(ErrValue)
			}
			if !b {
				result = false
			}
			return false, CellValue{}
		}); stopped {
			return scalar(errv)
		}
		return scalar(BoolValue(result))
	})

	r.Register("OR", func(ctx *EvalContext, args []Node) EvalResult {
		result := false
		if errv, stopped := forEachScalar(ctx, args, func(v CellValue) (bool, CellValue) {
			if v.IsError() {
				return true, v
			}
			b, ok := v.ToBool()
			if !ok {
				return true, ErrorValue(ErrValue)
			}
			if b {
				result = true
			}
			return false, CellValue{}
		}); stopped {
			return scalar(errv)
		}
		return scalar(BoolValue(result))
	})

	r.Register("NOT", func(ctx *EvalContext, args []Node) EvalResult {
		if len(args) != 1 {
			return errResult(ErrValue)
		}
		v := evalNode(ctx, args[0]).Value
		if v.IsError() {
			return scalar(v)
		}
		b, ok := v.ToBool()
		if !ok {
			return errResult(ErrValue)
		}
		return scalar(BoolValue(!b))
	})

	r.Register("TRUE", func(ctx *EvalContext, args []Node) EvalResult { return scalar(BoolValue(true)) })
	r.Register("FALSE", func(ctx *EvalContext, args []Node) EvalResult { return scalar(BoolValue(false)) })

	r.Register("IFERROR", func(ctx *EvalContext, args []Node) EvalResult {
		if len(args) != 2 {
			return errResult(ErrValue)
		}
		res := evalNode(ctx, args[0])
		if res.Array == nil && res.Value.IsError() {
			return evalNode(ctx, args[1])
		}
		return res
	})
}

func registerInfoFunctions(r *FunctionRegistry) {
	r.Register("ISBLANK", infoPredicate(func(v CellValue) bool { return v.Kind == KindEmpty }))
	r.Register("ISERROR", infoPredicate(func(v CellValue) bool { return v.IsError() }))
	r.Register("ISNA", infoPredicate(func(v CellValue) bool { k, ok := v.AsError(); return ok && k == ErrNA }))
	r.Register("ISNUMBER", infoPredicate(func(v CellValue) bool { return v.Kind == KindNumber }))
	r.Register("ISTEXT", infoPredicate(func(v CellValue) bool { return v.Kind == KindString }))
	r.Register("ISLOGICAL", infoPredicate(func(v CellValue) bool { return v.Kind == KindBoolean }))
	r.Register("ISEVEN", infoPredicate(func(v CellValue) bool {
		n, ok := v.ToNumber()
		return ok && math.Mod(math.Trunc(n), 2) == 0
	}))
	r.Register("ISODD", infoPredicate(func(v CellValue) bool {
		n, ok := v.ToNumber()
		return ok && math.Mod(math.Trunc(n), 2) != 0
	}))
	r.Register("NA", func(ctx *EvalContext, args []Node) EvalResult { return errResult(ErrNA) })
}

// infoPredicate wraps an ISxxx-style classification function: these are
// the one family that inspects its argument's error-ness rather than
// propagating it.
func infoPredicate(pred func(CellValue) bool) BuiltinFunc {
	return func(ctx *EvalContext, args []Node) EvalResult {
		if len(args) != 1 {
			return errResult(ErrValue)
		}
		v := evalNode(ctx, args[0]).Value
		return scalar(BoolValue(pred(v)))
	}
}

func registerTextFunctions(r *FunctionRegistry) {
	r.Register("CONCATENATE", func(ctx *EvalContext, args []Node) EvalResult {
		var b strings.Builder
		if errv, stopped := forEachScalar(ctx, args, func(v CellValue) (bool, CellValue) {
			if v.IsError() {
				return true, v
			}
			b.WriteString(v.ToText())
			return false, CellValue{}
		}); stopped {
			return scalar(errv)
		}
		return scalar(StringValue(b.String()))
	})

	r.Register("LEN", unaryText(func(s string) CellValue { return NumberValue(float64(len(s))) }))
	r.Register("UPPER", unaryText(func(s string) CellValue { return StringValue(strings.ToUpper(s)) }))
	r.Register("LOWER", unaryText(func(s string) CellValue { return StringValue(strings.ToLower(s)) }))
}

func unaryText(fn func(string) CellValue) BuiltinFunc {
	return func(ctx *EvalContext, args []Node) EvalResult {
		if len(args) != 1 {
			return errResult(ErrValue)
		}
		v := evalNode(ctx, args[0]).Value
		if v.IsError() {
			return scalar(v)
		}
		return scalar(fn(v.ToText()))
	}
}

func registerArrayFunctions(r *FunctionRegistry) {
	r.Register("FILTER", func(ctx *EvalContext, args []Node) EvalResult {
		if len(args) < 2 {
			return errResult(ErrValue)
		}
		data := evalNode(ctx, args[0])
		include := evalNode(ctx, args[1])
		dRows, dCols := data.Dims()
		iRows, _ := include.Dims()
		if iRows != dRows {
			return errResult(ErrValue)
		}
		var kept []int
		for row := 0; row < dRows; row++ {
			b, ok := include.At(row, 0).ToBool()
			if ok && b {
				kept = append(kept, row)
			}
		}
		if len(kept) == 0 {
			return errResult(ErrNA)
		}
		return collapse(len(kept), dCols, func(r, c int) CellValue { return data.At(kept[r], c) })
	})

	r.Register("SORT", func(ctx *EvalContext, args []Node) EvalResult {
		if len(args) < 1 {
			return errResult(ErrValue)
		}
		data := evalNode(ctx, args[0])
		rows, cols := data.Dims()
		sortCol := 0
		ascending := true
		if len(args) >= 2 {
			n, ok := evalNode(ctx, args[1]).Value.ToNumber()
			if ok {
				sortCol = int(n) - 1
			}
		}
		if len(args) >= 3 {
			n, ok := evalNode(ctx, args[2]).Value.ToNumber()
			if ok && n < 0 {
				ascending = false
			}
		}
		grid := make([][]CellValue, rows)
		for row := 0; row < rows; row++ {
			grid[row] = make([]CellValue, cols)
			for c := 0; c < cols; c++ {
				grid[row][c] = data.At(row, c)
			}
		}
		sort.SliceStable(grid, func(i, j int) bool {
			col := sortCol
			if col < 0 || col >= cols {
				col = 0
			}
			cmp, _ := compareValues(grid[i][col], grid[j][col])
			if ascending {
				return cmp < 0
			}
			return cmp > 0
		})
		return collapse(rows, cols, func(r, c int) CellValue { return grid[r][c] })
	})

	r.Register("UNIQUE", func(ctx *EvalContext, args []Node) EvalResult {
		if len(args) < 1 {
			return errResult(ErrValue)
		}
		data := evalNode(ctx, args[0])
		rows, cols := data.Dims()
		seen := make(map[string]struct{})
		var kept []int
		for row := 0; row < rows; row++ {
			var key strings.Builder
			for c := 0; c < cols; c++ {
				key.WriteString(data.At(row, c).String())
				key.WriteByte('\x1f')
			}
			if _, ok := seen[key.String()]; !ok {
				seen[key.String()] = struct{}{}
				kept = append(kept, row)
			}
		}
		return collapse(len(kept), cols, func(r, c int) CellValue { return data.At(kept[r], c) })
	})

	r.Register("ARRAY_CONSTRAIN", func(ctx *EvalContext, args []Node) EvalResult {
		if len(args) != 3 {
			return errResult(ErrValue)
		}
		data := evalNode(ctx, args[0])
		rowsV, ok1 := evalNode(ctx, args[1]).Value.ToNumber()
		colsV, ok2 := evalNode(ctx, args[2]).Value.ToNumber()
		if !ok1 || !ok2 {
			return errResult(ErrValue)
		}
		dRows, dCols := data.Dims()
		rows, cols := int(rowsV), int(colsV)
		if rows > dRows {
			rows = dRows
		}
		if cols > dCols {
			cols = dCols
		}
		if rows <= 0 || cols <= 0 {
			return errResult(ErrValue)
		}
		return collapse(rows, cols, func(r, c int) CellValue { return data.At(r, c) })
	})

	r.Register("SEQUENCE", sequenceFn)
}

func registerLookupFunctions(r *FunctionRegistry) {
	r.Register("INDEX", func(ctx *EvalContext, args []Node) EvalResult {
		if len(args) < 2 || len(args) > 3 {
			return errResult(ErrValue)
		}
		data := evalNode(ctx, args[0])
		rows, cols := data.Dims()
		rowN, ok := evalNode(ctx, args[1]).Value.ToNumber()
		if !ok {
			return errResult(ErrValue)
		}
		row := int(rowN) - 1
		col := 0
		if len(args) == 3 {
			colN, ok := evalNode(ctx, args[2]).Value.ToNumber()
			if !ok {
				return errResult(ErrValue)
			}
			col = int(colN) - 1
		}
		if row < 0 || row >= rows || col < 0 || col >= cols {
			return errResult(ErrRef)
		}
		return scalar(data.At(row, col))
	})

	r.Register("MATCH", func(ctx *EvalContext, args []Node) EvalResult {
		if len(args) < 2 || len(args) > 3 {
			return errResult(ErrValue)
		}
		target := evalNode(ctx, args[0]).Value
		data := evalNode(ctx, args[1])
		rows, cols := data.Dims()
		n := rows
		get := func(i int) CellValue { return data.At(i, 0) }
		if rows == 1 && cols > 1 {
			n = cols
			get = func(i int) CellValue { return data.At(0, i) }
		}
		matchType := 1
		if len(args) == 3 {
			if mn, ok := evalNode(ctx, args[2]).Value.ToNumber(); ok {
				matchType = int(mn)
			}
		}
		if matchType == 0 {
			for i := 0; i < n; i++ {
				if cmp, ok := compareValues(get(i), target); ok && cmp == 0 {
					return scalar(NumberValue(float64(i + 1)))
				}
			}
			return errResult(ErrNA)
		}
		best := -1
		for i := 0; i < n; i++ {
			cmp, ok := compareValues(get(i), target)
			if !ok {
				continue
			}
			if matchType > 0 && cmp <= 0 {
				best = i
			}
			if matchType < 0 && cmp >= 0 && best == -1 {
				best = i
			}
		}
		if best == -1 {
			return errResult(ErrNA)
		}
		return scalar(NumberValue(float64(best + 1)))
	})

	r.Register("VLOOKUP", func(ctx *EvalContext, args []Node) EvalResult {
		if len(args) < 3 || len(args) > 4 {
			return errResult(ErrValue)
		}
		target := evalNode(ctx, args[0]).Value
		table := evalNode(ctx, args[1])
		colN, ok := evalNode(ctx, args[2]).Value.ToNumber()
		if !ok {
			return errResult(ErrValue)
		}
		col := int(colN) - 1
		rows, cols := table.Dims()
		if col < 0 || col >= cols {
			return errResult(ErrRef)
		}
		approx := true
		if len(args) == 4 {
			if b, ok := evalNode(ctx, args[3]).Value.ToBool(); ok {
				approx = b
			}
		}
		bestRow := -1
		for row := 0; row < rows; row++ {
			cmp, ok := compareValues(table.At(row, 0), target)
			if !ok {
				continue
			}
			if cmp == 0 {
				return scalar(table.At(row, col))
			}
			if approx && cmp < 0 {
				bestRow = row
			}
		}
		if approx && bestRow != -1 {
			return scalar(table.At(bestRow, col))
		}
		return errResult(ErrNA)
	})

	r.Register("OFFSET", func(ctx *EvalContext, args []Node) EvalResult {
		if len(args) < 3 || len(args) > 5 {
			return errResult(ErrValue)
		}
		cellRef, ok := args[0].(*CellRefNode)
		if !ok {
			return errResult(ErrValue)
		}
		rowOff, ok1 := evalNode(ctx, args[1]).Value.ToNumber()
		colOff, ok2 := evalNode(ctx, args[2]).Value.ToNumber()
		if !ok1 || !ok2 {
			return errResult(ErrValue)
		}
		height, width := 1, 1
		if len(args) >= 4 {
			if n, ok := evalNode(ctx, args[3]).Value.ToNumber(); ok {
				height = int(n)
			}
		}
		if len(args) == 5 {
			if n, ok := evalNode(ctx, args[4]).Value.ToNumber(); ok {
				width = int(n)
			}
		}
		wb, sh := ctx.resolveQualifiers(cellRef.Workbook, cellRef.Sheet)
		sheet, ok := ctx.storage.Sheet(wb, sh)
		if !ok {
			return errResult(ErrRef)
		}
		startRow := cellRef.Row + int(rowOff)
		startCol := cellRef.Col + int(colOff)
		if startRow < 0 || startCol < 0 || height <= 0 || width <= 0 {
			return errResult(ErrRef)
		}
		ctx.addDep(DepNode{Kind: NodeRange, Range: NewFiniteRange(wb, sh, startRow, startCol, startRow+height-1, startCol+width-1)})
		return collapse(height, width, func(r, c int) CellValue {
			return readCell(sheet, startRow+r, startCol+c)
		})
	})
}
