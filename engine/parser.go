package engine

import (
	"regexp"
	"strconv"
	"strings"
)

// Parser is a recursive-descent parser over a token stream. Sheet and
// workbook qualifiers left unwritten in the source (current-sheet cell
// refs, unqualified named expressions)
// are stored as "" on the AST node and resolved against the evaluating
// cell's own (workbook, sheet) at evaluation time, so the parser itself
// needs no ambient context.
type Parser struct {
	tokens []Token
	pos    int
}

func NewParser(tokens []Token) *Parser {
	return &Parser{tokens: tokens}
}

// Parse converts formula body text (without the leading '=') into an
// AST. It never returns a Go error: malformed input yields an ErrorNode
//; the parser never throws out of the engine.
func Parse(body string) Node {
	lexer := NewLexer(body)
	tokens, err := lexer.Tokenize()
	if err != nil {
		return &ErrorNode{Message: err.Error()}
	}
	p := NewParser(tokens)
	node, err := p.parseExpr()
	if err != nil {
		return &ErrorNode{Message: err.Error()}
	}
	if p.cur().Type != TokEOF {
		return &ErrorNode{Message: "trailing tokens after expression"}
	}
	return node
}

func (p *Parser) cur() Token {
	if p.pos >= len(p.tokens) {
		return Token{Type: TokEOF}
	}
	return p.tokens[p.pos]
}

func (p *Parser) peek(offset int) Token {
	idx := p.pos + offset
	if idx >= len(p.tokens) {
		return Token{Type: TokEOF}
	}
	return p.tokens[idx]
}

func (p *Parser) advance() Token {
	t := p.cur()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *Parser) expect(tt TokenType, what string) (Token, error) {
	if p.cur().Type != tt {
		return Token{}, &ParseError{Message: "expected " + what, Pos: p.cur().Pos}
	}
	return p.advance(), nil
}

func (p *Parser) save() int     { return p.pos }
func (p *Parser) restore(m int) { p.pos = m }

// parseExpr is the grammar's Expr/OrExpr/AndExpr/CmpExpr chain. AND/OR
// are ordinary function calls, not operators, so the
// precedence chain collapses straight to comparison.
func (p *Parser) parseExpr() (Node, error) {
	return p.parseComparison()
}

func (p *Parser) parseComparison() (Node, error) {
	left, err := p.parseConcat()
	if err != nil {
		return nil, err
	}
	for {
		var op BinOp
		switch p.cur().Type {
		case TokEq:
			op = OpEq
		case TokNe:
			op = OpNe
		case TokLt:
			op = OpLt
		case TokLte:
			op = OpLte
		case TokGt:
			op = OpGt
		case TokGte:
			op = OpGte
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseConcat()
		if err != nil {
			return nil, err
		}
		left = &BinaryOpNode{Op: op, Left: left, Right: right}
	}
}

func (p *Parser) parseConcat() (Node, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	for p.cur().Type == TokAmpersand {
		p.advance()
		right, err := p.parseAdd()
		if err != nil {
			return nil, err
		}
		left = &BinaryOpNode{Op: OpConcat, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAdd() (Node, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for p.cur().Type == TokPlus || p.cur().Type == TokMinus {
		op := OpAdd
		if p.cur().Type == TokMinus {
			op = OpSub
		}
		p.advance()
		right, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		left = &BinaryOpNode{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseMul() (Node, error) {
	left, err := p.parsePow()
	if err != nil {
		return nil, err
	}
	for p.cur().Type == TokStar || p.cur().Type == TokSlash {
		op := OpMul
		if p.cur().Type == TokSlash {
			op = OpDiv
		}
		p.advance()
		right, err := p.parsePow()
		if err != nil {
			return nil, err
		}
		left = &BinaryOpNode{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parsePow() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur().Type == TokCaret {
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryOpNode{Op: OpPow, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseUnary() (Node, error) {
	switch p.cur().Type {
	case TokPlus:
		p.advance()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryOpNode{Op: OpUPlus, Operand: inner}, nil
	case TokMinus:
		p.advance()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryOpNode{Op: OpUMinus, Operand: inner}, nil
	default:
		return p.parsePostfix()
	}
}

func (p *Parser) parsePostfix() (Node, error) {
	inner, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.cur().Type == TokPercent {
		p.advance()
		inner = &UnaryOpNode{Op: OpUnaryPercent, Operand: inner}
	}
	return inner, nil
}

var cellShape = regexp.MustCompile(`^[A-Za-z]+[0-9]+$`)
var colShape = regexp.MustCompile(`^[A-Za-z]+$`)

func (p *Parser) parsePrimary() (Node, error) {
	tok := p.cur()

	switch tok.Type {
	case TokNumber:
		p.advance()
		v, err := parseNumberLiteral(tok.Value)
		if err != nil {
			return nil, &ParseError{Message: "invalid number " + tok.Value, Pos: tok.Pos}
		}
		return &NumberNode{Value: v}, nil
	case TokString:
		p.advance()
		return &StringNode{Value: tok.Value}, nil
	case TokBoolean:
		p.advance()
		return &BoolNode{Value: tok.Value == "TRUE"}, nil
	case TokInfinity:
		p.advance()
		return &InfinityNode{Sign: 1}, nil
	case TokHash:
		p.advance()
		if kind, ok := ErrorKindFromLiteral(tok.Value); ok {
			return &ErrorLiteralNode{Kind: kind}, nil
		}
		return nil, &ParseError{Message: "unknown error literal " + tok.Value, Pos: tok.Pos}
	case TokLParen:
		p.advance()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case TokLBrace:
		return p.parseArrayLiteral()
	case TokLBracket:
		return p.parseWorkbookQualified()
	case TokSheetRef:
		return p.parseAfterSheetName(tok.Value, true)
	case TokDollar:
		return p.parseDollarLeadingReference()
	case TokIdent:
		return p.parseIdentLed()
	default:
		return nil, &ParseError{Message: "unexpected token", Pos: tok.Pos}
	}
}

func (p *Parser) parseArrayLiteral() (Node, error) {
	if _, err := p.expect(TokLBrace, "'{'"); err != nil {
		return nil, err
	}
	var rows [][]Node
	for {
		row, err := p.parseArrayRow()
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
		if p.cur().Type == TokSemicolon {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(TokRBrace, "'}'"); err != nil {
		return nil, err
	}
	return &ArrayLiteralNode{Rows: rows}, nil
}

func (p *Parser) parseArrayRow() ([]Node, error) {
	var cells []Node
	for {
		cell, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		cells = append(cells, cell)
		if p.cur().Type == TokComma {
			p.advance()
			continue
		}
		break
	}
	return cells, nil
}

// parseWorkbookQualified handles `[Book]Sheet!...` references.
func (p *Parser) parseWorkbookQualified() (Node, error) {
	p.advance() // consume '['
	nameTok, err := p.expect(TokIdent, "workbook name")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokRBracket, "']'"); err != nil {
		return nil, err
	}
	workbook := nameTok.Value

	var sheet string
	if p.cur().Type == TokSheetRef {
		sheet = p.advance().Value
	} else if p.cur().Type == TokIdent {
		sheet = p.advance().Value
	} else {
		return nil, &ParseError{Message: "expected sheet name after workbook qualifier", Pos: p.cur().Pos}
	}

	// possible cross-sheet span: Sheet1:Sheet2
	if p.cur().Type == TokColon && isSheetSpanAhead(p, 0) {
		p.advance()
		sheetEnd := p.advance().Value
		return p.finishMultiSheetRange(workbook, sheet, sheetEnd)
	}

	if _, err := p.expect(TokBang, "'!'"); err != nil {
		return nil, err
	}
	return p.parseReferenceBody(workbook, sheet)
}

// isSheetSpanAhead looks past a ':' (at offset colonOffset from the
// current token) to see whether a sheet name then '!' follows,
// disambiguating `Sheet1:Sheet3!A1` from a plain range start like
// `A1:A5` that happens to follow a sheet-qualified token.
func isSheetSpanAhead(p *Parser, colonOffset int) bool {
	next := p.peek(colonOffset + 1)
	if next.Type != TokIdent && next.Type != TokSheetRef {
		return false
	}
	after := p.peek(colonOffset + 2)
	return after.Type == TokBang
}

func (p *Parser) parseAfterSheetName(sheet string, wasQuoted bool) (Node, error) {
	p.advance() // consume sheet token (ident or quoted)

	if p.cur().Type == TokColon && isSheetSpanAhead(p, 0) {
		p.advance()
		sheetEnd := p.advance().Value
		return p.finishMultiSheetRange("", sheet, sheetEnd)
	}

	if _, err := p.expect(TokBang, "'!'"); err != nil {
		return nil, err
	}
	return p.parseReferenceBody("", sheet)
}

func (p *Parser) finishMultiSheetRange(workbook, sheetStart, sheetEnd string) (Node, error) {
	if _, err := p.expect(TokBang, "'!'"); err != nil {
		return nil, err
	}
	start, err := p.parseBareCellRef()
	if err != nil {
		return nil, err
	}
	n := &MultiSheetRangeNode{
		Workbook: workbook, SheetStart: sheetStart, SheetEnd: sheetEnd,
		StartRow: start.Row, StartCol: start.Col,
		EndRow: FiniteBound(start.Row), EndCol: FiniteBound(start.Col),
	}
	if p.cur().Type == TokColon {
		p.advance()
		endRow, endCol, err := p.parseRangeEndAfterColon()
		if err != nil {
			return nil, err
		}
		n.EndRow, n.EndCol = endRow, endCol
	}
	return n, nil
}

// parseReferenceBody parses the cell/range part that follows a resolved
// sheet qualifier.
func (p *Parser) parseReferenceBody(workbook, sheet string) (Node, error) {
	start, err := p.parseLeadingDollarCellRef()
	if err != nil {
		return nil, err
	}
	if p.cur().Type != TokColon {
		return &CellRefNode{
			Workbook: workbook, Sheet: sheet,
			Row: start.Row, Col: start.Col, AbsRow: start.AbsRow, AbsCol: start.AbsCol,
		}, nil
	}
	p.advance()
	endRow, endCol, abs, err := p.parseRangeEndAfterColonAbs()
	if err != nil {
		return nil, err
	}
	return &RangeRefNode{
		Workbook: workbook, Sheet: sheet,
		StartRow: start.Row, StartCol: start.Col,
		EndRow: endRow, EndCol: endCol,
		AbsStartRow: start.AbsRow, AbsStartCol: start.AbsCol,
		AbsEndRow: abs.AbsRow, AbsEndCol: abs.AbsCol,
	}, nil
}

type absFlags struct{ AbsRow, AbsCol bool }

func (p *Parser) parseRangeEndAfterColon() (Bound, Bound, error) {
	r, c, _, err := p.parseRangeEndAfterColonAbs()
	return r, c, err
}

func (p *Parser) parseRangeEndAfterColonAbs() (Bound, Bound, absFlags, error) {
	if p.cur().Type == TokInfinity {
		p.advance()
		return InfiniteBound, InfiniteBound, absFlags{}, nil
	}
	leadingDollar := false
	if p.cur().Type == TokDollar {
		leadingDollar = true
		p.advance()
	}
	switch p.cur().Type {
	case TokNumber:
		// row-only end, e.g. A5:10
		tok := p.advance()
		row, err := strconv.Atoi(tok.Value)
		if err != nil || row < 1 {
			return Bound{}, Bound{}, absFlags{}, &ParseError{Message: "invalid row bound", Pos: tok.Pos}
		}
		return FiniteBound(row - 1), InfiniteBound, absFlags{AbsRow: leadingDollar}, nil
	case TokIdent:
		text := p.cur().Value
		if colShape.MatchString(text) && !p.nextLooksLikeDigitsAfterIdent() {
			// column-only end, e.g. A5:A (whole rows down to infinity)
			p.advance()
			col, err := LettersToColumn(text)
			if err != nil {
				return Bound{}, Bound{}, absFlags{}, &ParseError{Message: err.Error()}
			}
			return InfiniteBound, FiniteBound(col), absFlags{AbsCol: leadingDollar}, nil
		}
		end, err := p.parseLeadingDollarCellRefContinuation(leadingDollar)
		if err != nil {
			return Bound{}, Bound{}, absFlags{}, err
		}
		return FiniteBound(end.Row), FiniteBound(end.Col), absFlags{AbsRow: end.AbsRow, AbsCol: end.AbsCol}, nil
	default:
		return Bound{}, Bound{}, absFlags{}, &ParseError{Message: "expected range end", Pos: p.cur().Pos}
	}
}

// nextLooksLikeDigitsAfterIdent is a narrow lookahead: when a bare
// column-shaped identifier is immediately followed by `$` + digits
// (e.g. `A$5`), it's a full cell ref split by the lexer, not a lone
// column.
func (p *Parser) nextLooksLikeDigitsAfterIdent() bool {
	return p.peek(1).Type == TokDollar && p.peek(2).Type == TokNumber
}

func (p *Parser) parseLeadingDollarCellRef() (ParsedCellRef, error) {
	leadingDollar := false
	if p.cur().Type == TokDollar {
		leadingDollar = true
		p.advance()
	}
	return p.parseLeadingDollarCellRefContinuation(leadingDollar)
}

func (p *Parser) parseLeadingDollarCellRefContinuation(leadingDollar bool) (ParsedCellRef, error) {
	tok, err := p.expect(TokIdent, "cell reference")
	if err != nil {
		return ParsedCellRef{}, err
	}
	text := tok.Value
	if cellShape.MatchString(text) {
		ref, err := ParseCellRef(text)
		if err != nil {
			return ParsedCellRef{}, &ParseError{Message: err.Error(), Pos: tok.Pos}
		}
		ref.AbsCol = ref.AbsCol || leadingDollar
		return ref, nil
	}
	if colShape.MatchString(text) {
		col, err := LettersToColumn(text)
		if err != nil {
			return ParsedCellRef{}, &ParseError{Message: err.Error(), Pos: tok.Pos}
		}
		absRow := false
		if p.cur().Type == TokDollar {
			absRow = true
			p.advance()
		}
		rowTok, err := p.expect(TokNumber, "row number")
		if err != nil {
			return ParsedCellRef{}, err
		}
		row, err := strconv.Atoi(rowTok.Value)
		if err != nil || row < 1 {
			return ParsedCellRef{}, &ParseError{Message: "invalid row", Pos: rowTok.Pos}
		}
		return ParsedCellRef{Row: row - 1, Col: col, AbsCol: leadingDollar, AbsRow: absRow}, nil
	}
	return ParsedCellRef{}, &ParseError{Message: "invalid cell reference " + text, Pos: tok.Pos}
}

func (p *Parser) parseBareCellRef() (ParsedCellRef, error) {
	return p.parseLeadingDollarCellRef()
}

func (p *Parser) parseDollarLeadingReference() (Node, error) {
	start, err := p.parseLeadingDollarCellRef()
	if err != nil {
		return nil, err
	}
	if p.cur().Type != TokColon {
		return &CellRefNode{Row: start.Row, Col: start.Col, AbsRow: start.AbsRow, AbsCol: start.AbsCol}, nil
	}
	p.advance()
	endRow, endCol, abs, err := p.parseRangeEndAfterColonAbs()
	if err != nil {
		return nil, err
	}
	return &RangeRefNode{
		StartRow: start.Row, StartCol: start.Col,
		EndRow: endRow, EndCol: endCol,
		AbsStartRow: start.AbsRow, AbsStartCol: start.AbsCol,
		AbsEndRow: abs.AbsRow, AbsEndCol: abs.AbsCol,
	}, nil
}

// parseIdentLed disambiguates the many things a bare identifier token
// can start: a function call, a structured reference, a sheet-qualified
// reference, a same-sheet cell/range reference, or a named expression.
func (p *Parser) parseIdentLed() (Node, error) {
	tok := p.cur()
	name := tok.Value

	// function call: NAME(
	if p.peek(1).Type == TokLParen {
		p.advance()
		return p.parseFunctionCallArgs(strings.ToUpper(name))
	}

	// structured reference: Table[...
	if p.peek(1).Type == TokLBracket {
		p.advance()
		return p.parseStructuredRef(name)
	}

	// sheet-qualified: Sheet!... or Sheet1:Sheet3!...
	if p.peek(1).Type == TokBang {
		return p.parseAfterSheetName(name, false)
	}
	if p.peek(1).Type == TokColon && isSheetSpanAhead(p, 1) {
		return p.parseAfterSheetName(name, false)
	}

	// same-sheet cell or range reference
	if cellShape.MatchString(name) {
		p.advance()
		ref, err := ParseCellRef(name)
		if err != nil {
			return nil, &ParseError{Message: err.Error(), Pos: tok.Pos}
		}
		if p.cur().Type != TokColon {
			return &CellRefNode{Row: ref.Row, Col: ref.Col, AbsRow: ref.AbsRow, AbsCol: ref.AbsCol}, nil
		}
		p.advance()
		endRow, endCol, abs, err := p.parseRangeEndAfterColonAbs()
		if err != nil {
			return nil, err
		}
		return &RangeRefNode{
			StartRow: ref.Row, StartCol: ref.Col,
			EndRow: endRow, EndCol: endCol,
			AbsStartRow: ref.AbsRow, AbsStartCol: ref.AbsCol,
			AbsEndRow: abs.AbsRow, AbsEndCol: abs.AbsCol,
		}, nil
	}

	// column-only reference only makes sense as the start of a whole-
	// column range, e.g. A:A
	if colShape.MatchString(name) && p.peek(1).Type == TokColon {
		save := p.save()
		p.advance() // ident
		p.advance() // colon
		endRow, endCol, abs, err := p.parseRangeEndAfterColonAbs()
		if err == nil {
			if col, colErr := LettersToColumn(name); colErr == nil {
				return &RangeRefNode{
					StartRow: 0, StartCol: col,
					EndRow: endRow, EndCol: endCol,
					AbsEndRow: abs.AbsRow, AbsEndCol: abs.AbsCol,
				}, nil
			}
		}
		p.restore(save)
	}

	// plain identifier: named expression
	p.advance()
	return &NamedRefNode{Name: name}, nil
}

func (p *Parser) parseFunctionCallArgs(name string) (Node, error) {
	if _, err := p.expect(TokLParen, "'('"); err != nil {
		return nil, err
	}
	var args []Node
	if p.cur().Type != TokRParen {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.cur().Type == TokComma {
				p.advance()
				continue
			}
			break
		}
	}
	if _, err := p.expect(TokRParen, "')'"); err != nil {
		return nil, err
	}
	return &FunctionCallNode{Name: name, Args: args}, nil
}

func (p *Parser) parseStructuredRef(table string) (Node, error) {
	if _, err := p.expect(TokLBracket, "'['"); err != nil {
		return nil, err
	}
	if p.cur().Type == TokAt {
		p.advance()
		colTok, err := p.expect(TokIdent, "column name")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRBracket, "']'"); err != nil {
			return nil, err
		}
		return &StructuredRefNode{Table: table, Area: TableArea{Kind: AreaData, CurrentRow: true, Columns: []string{colTok.Value}}}, nil
	}
	if p.cur().Type != TokLBracket {
		colTok, err := p.expect(TokIdent, "column name")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRBracket, "']'"); err != nil {
			return nil, err
		}
		return &StructuredRefNode{Table: table, Area: TableArea{Kind: AreaData, Columns: []string{colTok.Value}}}, nil
	}

	var modifiers []string
	var columns []string
	for p.cur().Type == TokLBracket {
		p.advance()
		if p.cur().Type == TokHash {
			tag := p.advance().Value
			modifiers = append(modifiers, strings.ToUpper(strings.TrimPrefix(tag, "#")))
		} else {
			colTok, err := p.expect(TokIdent, "column name")
			if err != nil {
				return nil, err
			}
			columns = append(columns, colTok.Value)
		}
		if _, err := p.expect(TokRBracket, "']'"); err != nil {
			return nil, err
		}
		if p.cur().Type == TokComma {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(TokRBracket, "']'"); err != nil {
		return nil, err
	}

	area := TableArea{Columns: columns}
	switch {
	case contains(modifiers, "HEADERS"):
		area.Kind = AreaHeaders
	case contains(modifiers, "ALL"):
		area.Kind = AreaAll
	case contains(modifiers, "DATA") && len(columns) == 0:
		area.Kind = AreaAllData
	default:
		area.Kind = AreaData
	}
	if contains(modifiers, "THISROW") {
		area.CurrentRow = true
		area.Kind = AreaData
	}
	return &StructuredRefNode{Table: table, Area: area}, nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
