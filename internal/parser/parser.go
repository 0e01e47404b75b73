// internal/parser/parser.go
package parser

import (
	flowerrors "flow/internal/errors"
	"flow/internal/lexer"
	"strconv"
)

// Parser is a hand-written recursive-descent parser with one-token
// lookahead. The grammar is layered strictly by precedence (see the
// expression* methods below); statement dispatch is driven by the leading
// keyword, falling back to a generic expression parse for bare identifier
// statements (assignment / index-assignment / walrus / expression are all
// disambiguated after the fact by inspecting the parsed node and the
// token that follows it, rather than a separate manual three-way
// lookahead — equivalent, and avoids duplicating the atom grammar).
type Parser struct {
	tokens  []lexer.Token
	current int
	file    string
}

// builtinNames is the registry the parser consults to distinguish a
// builtin call node from a regular call node at parse time.
var builtinNames = map[string]bool{
	"read_file": true, "write_file": true,
	"sqrt": true, "pow": true, "log": true, "sin": true, "cos": true, "tan": true,
	"floor": true, "ceil": true, "round": true, "abs": true,
	"len": true, "append": true, "pop": true, "range": true, "sort": true,
	"reverse": true, "contains": true, "sum": true, "min": true, "max": true,
	"split": true, "join": true, "ord": true, "chr": true, "hex": true, "bin": true,
	"time": true, "sleep": true,
	"random": true, "randint": true, "shuffle": true,
	"int": true, "float": true, "str": true, "type": true,
	"input": true, "exit": true,
	"json_parse": true, "json_stringify": true,
	"map": true, "filter": true, "reduce": true,
	"task_id": true,
}

func NewParser(tokens []lexer.Token, file string) *Parser {
	return &Parser{tokens: tokens, file: file}
}

// Parse consumes the whole token stream and returns the module's top-level
// statement list, or the first ParseError encountered (fail-fast, no
// recovery).
func (p *Parser) Parse() ([]Stmt, error) {
	var stmts []Stmt
	for !p.check(lexer.TokenEOF) {
		s, err := p.statement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s)
	}
	return stmts, nil
}

// --- statement dispatch ---

func (p *Parser) statement() (Stmt, error) {
	switch p.peek().Type {
	case lexer.TokenPrint:
		return p.printStmt()
	case lexer.TokenLet:
		return p.letStmt(false)
	case lexer.TokenMut:
		return p.letStmt(true)
	case lexer.TokenAsync, lexer.TokenFunc:
		return p.funcDeclStmt()
	case lexer.TokenExtern:
		return p.externDeclStmt()
	case lexer.TokenIf:
		return p.ifStmt()
	case lexer.TokenWhile:
		return p.whileStmt()
	case lexer.TokenFor:
		return p.forInStmt()
	case lexer.TokenReturn:
		return p.returnStmt()
	case lexer.TokenMatch:
		return p.matchStmt()
	case lexer.TokenChannel:
		return p.channelDeclStmt()
	case lexer.TokenSend:
		return p.sendStmt()
	case lexer.TokenReceive:
		return p.receiveStmt()
	case lexer.TokenAlloc:
		return p.allocStmt()
	case lexer.TokenFree:
		return p.freeStmt()
	case lexer.TokenMacro:
		return p.macroDefStmt()
	case lexer.TokenAt:
		return p.annotatedStmt()
	case lexer.TokenLBrace:
		return p.blockStmt()
	default:
		return p.expressionOrAssignStmt()
	}
}

func (p *Parser) printStmt() (Stmt, error) {
	line := p.advance().Line // consume 'print'
	values := []Expr{}
	e, err := p.expression()
	if err != nil {
		return nil, err
	}
	values = append(values, e)
	for p.match(lexer.TokenComma) {
		e, err := p.expression()
		if err != nil {
			return nil, err
		}
		values = append(values, e)
	}
	return &PrintStmt{Values: values, Line: line}, nil
}

func (p *Parser) letStmt(mutable bool) (Stmt, error) {
	line := p.advance().Line // consume 'let'/'mut'
	name, err := p.consumeIdent("expected variable name")
	if err != nil {
		return nil, err
	}
	if _, err := p.consume(lexer.TokenEq, "expected '=' after variable name"); err != nil {
		return nil, err
	}
	value, err := p.expression()
	if err != nil {
		return nil, err
	}
	return &LetStmt{Name: name, Value: value, Mutable: mutable, Line: line}, nil
}

func (p *Parser) funcDeclStmt() (Stmt, error) {
	line := p.peek().Line
	async := p.match(lexer.TokenAsync)
	if _, err := p.consume(lexer.TokenFunc, "expected 'func'"); err != nil {
		return nil, err
	}
	name, err := p.consumeIdent("expected function name")
	if err != nil {
		return nil, err
	}
	var generics []string
	if p.match(lexer.TokenLT) {
		for {
			g, err := p.consumeIdent("expected generic type parameter")
			if err != nil {
				return nil, err
			}
			generics = append(generics, g)
			if !p.match(lexer.TokenComma) {
				break
			}
		}
		if _, err := p.consume(lexer.TokenGT, "expected '>' after generic parameters"); err != nil {
			return nil, err
		}
	}
	params, err := p.paramList()
	if err != nil {
		return nil, err
	}
	body, err := p.block()
	if err != nil {
		return nil, err
	}
	return &FuncDeclStmt{Name: name, Generics: generics, Params: params, Body: body, Async: async, Line: line}, nil
}

func (p *Parser) externDeclStmt() (Stmt, error) {
	line := p.advance().Line // consume 'extern'
	var libraryPath string
	if p.check(lexer.TokenString) {
		libraryPath = p.advance().Lexeme
	}
	name, err := p.consumeIdent("expected extern function name")
	if err != nil {
		return nil, err
	}
	params, err := p.paramList()
	if err != nil {
		return nil, err
	}
	var returnType string
	if p.match(lexer.TokenColon) {
		returnType, err = p.consumeIdent("expected return type after ':'")
		if err != nil {
			return nil, err
		}
	}
	return &ExternDeclStmt{Name: name, Params: params, ReturnType: returnType, LibraryPath: libraryPath, Line: line}, nil
}

func (p *Parser) paramList() ([]string, error) {
	if _, err := p.consume(lexer.TokenLParen, "expected '('"); err != nil {
		return nil, err
	}
	var params []string
	if !p.check(lexer.TokenRParen) {
		for {
			name, err := p.consumeIdent("expected parameter name")
			if err != nil {
				return nil, err
			}
			params = append(params, name)
			if !p.match(lexer.TokenComma) {
				break
			}
		}
	}
	if _, err := p.consume(lexer.TokenRParen, "expected ')' after parameters"); err != nil {
		return nil, err
	}
	return params, nil
}

func (p *Parser) ifStmt() (Stmt, error) {
	line := p.advance().Line // consume 'if'
	cond, err := p.expression()
	if err != nil {
		return nil, err
	}
	then, err := p.block()
	if err != nil {
		return nil, err
	}
	var elseBranch []Stmt
	if p.match(lexer.TokenElse) {
		if p.check(lexer.TokenIf) {
			inner, err := p.ifStmt()
			if err != nil {
				return nil, err
			}
			elseBranch = []Stmt{inner}
		} else {
			elseBranch, err = p.block()
			if err != nil {
				return nil, err
			}
		}
	}
	return &IfStmt{Condition: cond, Then: then, Else: elseBranch, Line: line}, nil
}

func (p *Parser) whileStmt() (Stmt, error) {
	line := p.advance().Line // consume 'while'
	cond, err := p.expression()
	if err != nil {
		return nil, err
	}
	body, err := p.block()
	if err != nil {
		return nil, err
	}
	return &WhileStmt{Condition: cond, Body: body, Line: line}, nil
}

func (p *Parser) forInStmt() (Stmt, error) {
	line := p.advance().Line // consume 'for'
	name, err := p.consumeIdent("expected loop variable name")
	if err != nil {
		return nil, err
	}
	if _, err := p.consume(lexer.TokenIn, "expected 'in' in for-in loop"); err != nil {
		return nil, err
	}
	collection, err := p.expression()
	if err != nil {
		return nil, err
	}
	body, err := p.block()
	if err != nil {
		return nil, err
	}
	return &ForInStmt{Variable: name, Collection: collection, Body: body, Line: line}, nil
}

func (p *Parser) returnStmt() (Stmt, error) {
	line := p.advance().Line // consume 'return'
	if p.check(lexer.TokenRBrace) || p.check(lexer.TokenEOF) {
		return &ReturnStmt{Line: line}, nil
	}
	value, err := p.expression()
	if err != nil {
		return nil, err
	}
	return &ReturnStmt{Value: value, Line: line}, nil
}

func (p *Parser) matchStmt() (Stmt, error) {
	line := p.advance().Line // consume 'match'
	value, err := p.expression()
	if err != nil {
		return nil, err
	}
	if _, err := p.consume(lexer.TokenLBrace, "expected '{' after match expression"); err != nil {
		return nil, err
	}
	m := &MatchStmt{Value: value, Line: line}
	for !p.check(lexer.TokenRBrace) {
		if p.match(lexer.TokenCase) {
			pat, err := p.pattern()
			if err != nil {
				return nil, err
			}
			if _, err := p.consume(lexer.TokenColon, "expected ':' after case pattern"); err != nil {
				return nil, err
			}
			body, err := p.matchArmBody()
			if err != nil {
				return nil, err
			}
			m.Cases = append(m.Cases, MatchCase{Pattern: pat, Body: body})
		} else if p.match(lexer.TokenDefault) {
			if _, err := p.consume(lexer.TokenColon, "expected ':' after default"); err != nil {
				return nil, err
			}
			body, err := p.matchArmBody()
			if err != nil {
				return nil, err
			}
			m.Default = body
			m.HasDefault = true
		} else {
			return nil, p.errorf("expected 'case' or 'default' in match body")
		}
	}
	if _, err := p.consume(lexer.TokenRBrace, "expected '}' to close match"); err != nil {
		return nil, err
	}
	return m, nil
}

func (p *Parser) matchArmBody() ([]Stmt, error) {
	var body []Stmt
	for !p.check(lexer.TokenCase) && !p.check(lexer.TokenDefault) && !p.check(lexer.TokenRBrace) {
		s, err := p.statement()
		if err != nil {
			return nil, err
		}
		body = append(body, s)
	}
	return body, nil
}

func (p *Parser) pattern() (Pattern, error) {
	tok := p.peek()
	switch tok.Type {
	case lexer.TokenInteger:
		p.advance()
		n, _ := strconv.ParseInt(tok.Lexeme, 10, 64)
		return Pattern{Kind: PatternLiteral, Literal: n}, nil
	case lexer.TokenFloat:
		p.advance()
		f, _ := strconv.ParseFloat(tok.Lexeme, 64)
		return Pattern{Kind: PatternLiteral, Literal: f}, nil
	case lexer.TokenString:
		p.advance()
		return Pattern{Kind: PatternLiteral, Literal: tok.Lexeme}, nil
	case lexer.TokenTrue:
		p.advance()
		return Pattern{Kind: PatternLiteral, Literal: true}, nil
	case lexer.TokenFalse:
		p.advance()
		return Pattern{Kind: PatternLiteral, Literal: false}, nil
	case lexer.TokenLParen:
		p.advance()
		var elems []Pattern
		if !p.check(lexer.TokenRParen) {
			for {
				e, err := p.pattern()
				if err != nil {
					return Pattern{}, err
				}
				elems = append(elems, e)
				if !p.match(lexer.TokenComma) {
					break
				}
			}
		}
		if _, err := p.consume(lexer.TokenRParen, "expected ')' to close tuple pattern"); err != nil {
			return Pattern{}, err
		}
		return Pattern{Kind: PatternTuple, Elements: elems}, nil
	case lexer.TokenIdent:
		name := p.advance().Lexeme
		if p.match(lexer.TokenLParen) {
			var elems []Pattern
			if !p.check(lexer.TokenRParen) {
				for {
					e, err := p.pattern()
					if err != nil {
						return Pattern{}, err
					}
					elems = append(elems, e)
					if !p.match(lexer.TokenComma) {
						break
					}
				}
			}
			if _, err := p.consume(lexer.TokenRParen, "expected ')' to close constructor pattern"); err != nil {
				return Pattern{}, err
			}
			return Pattern{Kind: PatternConstructor, Name: name, Elements: elems}, nil
		}
		return Pattern{Kind: PatternVariable, Name: name}, nil
	default:
		return Pattern{}, p.errorf("expected a pattern, got %s", tok.Type)
	}
}

func (p *Parser) blockStmt() (Stmt, error) {
	line := p.peek().Line
	stmts, err := p.block()
	if err != nil {
		return nil, err
	}
	return &BlockStmt{Stmts: stmts, Line: line}, nil
}

func (p *Parser) block() ([]Stmt, error) {
	if _, err := p.consume(lexer.TokenLBrace, "expected '{'"); err != nil {
		return nil, err
	}
	var stmts []Stmt
	for !p.check(lexer.TokenRBrace) && !p.check(lexer.TokenEOF) {
		s, err := p.statement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s)
	}
	if _, err := p.consume(lexer.TokenRBrace, "expected '}' to close block"); err != nil {
		return nil, err
	}
	return stmts, nil
}

func (p *Parser) channelDeclStmt() (Stmt, error) {
	line := p.advance().Line // consume 'channel'
	name, err := p.consumeIdent("expected channel name")
	if err != nil {
		return nil, err
	}
	return &ChannelDeclStmt{Name: name, Line: line}, nil
}

func (p *Parser) sendStmt() (Stmt, error) {
	line := p.advance().Line // consume 'send'
	value, err := p.expression()
	if err != nil {
		return nil, err
	}
	if _, err := p.consume(lexer.TokenComma, "expected ',' between send value and channel"); err != nil {
		return nil, err
	}
	channel, err := p.consumeIdent("expected channel name")
	if err != nil {
		return nil, err
	}
	return &SendStmt{Channel: channel, Value: value, Line: line}, nil
}

func (p *Parser) receiveStmt() (Stmt, error) {
	line := p.advance().Line // consume 'receive'
	target, err := p.consumeIdent("expected target variable name")
	if err != nil {
		return nil, err
	}
	if _, err := p.consume(lexer.TokenComma, "expected ',' between target and channel"); err != nil {
		return nil, err
	}
	channel, err := p.consumeIdent("expected channel name")
	if err != nil {
		return nil, err
	}
	return &ReceiveStmt{Target: target, Channel: channel, Line: line}, nil
}

func (p *Parser) allocStmt() (Stmt, error) {
	line := p.advance().Line // consume 'alloc'
	name, err := p.consumeIdent("expected handle name")
	if err != nil {
		return nil, err
	}
	if _, err := p.consume(lexer.TokenComma, "expected ',' between handle name and size"); err != nil {
		return nil, err
	}
	size, err := p.expression()
	if err != nil {
		return nil, err
	}
	return &AllocStmt{Name: name, Size: size, Line: line}, nil
}

func (p *Parser) freeStmt() (Stmt, error) {
	line := p.advance().Line // consume 'free'
	name, err := p.consumeIdent("expected handle name")
	if err != nil {
		return nil, err
	}
	return &FreeStmt{Name: name, Line: line}, nil
}

func (p *Parser) macroDefStmt() (Stmt, error) {
	line := p.advance().Line // consume 'macro'
	name, err := p.consumeIdent("expected macro name")
	if err != nil {
		return nil, err
	}
	params, err := p.paramList()
	if err != nil {
		return nil, err
	}
	body, err := p.block()
	if err != nil {
		return nil, err
	}
	return &MacroDefStmt{Name: name, Params: params, Body: body, Line: line}, nil
}

func (p *Parser) annotatedStmt() (Stmt, error) {
	line := p.advance().Line // consume '@'
	name, err := p.consumeIdent("expected annotation name")
	if err != nil {
		return nil, err
	}
	inner, err := p.statement()
	if err != nil {
		return nil, err
	}
	return &AnnotatedStmt{Annotation: name, Stmt: inner, Line: line}, nil
}

// expressionOrAssignStmt parses a leading-identifier (or any other
// expression-starting) statement, then reclassifies it: a trailing '=' on
// a bare variable or index expression promotes it to an assignment /
// index-assignment; a bare walrus expression or any other expression
// stands alone as an expression statement.
func (p *Parser) expressionOrAssignStmt() (Stmt, error) {
	line := p.peek().Line
	expr, err := p.expression()
	if err != nil {
		return nil, err
	}
	if p.check(lexer.TokenEq) {
		switch target := expr.(type) {
		case *Variable:
			p.advance()
			value, err := p.expression()
			if err != nil {
				return nil, err
			}
			return &AssignStmt{Name: target.Name, Value: value, Line: line}, nil
		case *Index:
			p.advance()
			value, err := p.expression()
			if err != nil {
				return nil, err
			}
			return &IndexAssignStmt{Object: target.Object, Key: target.Key, Value: value, Line: line}, nil
		default:
			return nil, p.errorf("invalid assignment target")
		}
	}
	return &ExpressionStmt{Expr: expr, Line: line}, nil
}

// --- expression grammar, layered by precedence ---

func (p *Parser) expression() (Expr, error) {
	return p.pipeline()
}

func (p *Parser) pipeline() (Expr, error) {
	left, err := p.logicalOr()
	if err != nil {
		return nil, err
	}
	for p.match(lexer.TokenArrow) {
		line := p.previous().Line
		right, err := p.logicalOr()
		if err != nil {
			return nil, err
		}
		left = &Pipeline{Left: left, Right: right, Line: line}
	}
	return left, nil
}

func (p *Parser) logicalOr() (Expr, error) {
	left, err := p.logicalAnd()
	if err != nil {
		return nil, err
	}
	for p.match(lexer.TokenOr) {
		line := p.previous().Line
		right, err := p.logicalAnd()
		if err != nil {
			return nil, err
		}
		left = &Binary{Left: left, Operator: "or", Right: right, Line: line}
	}
	return left, nil
}

func (p *Parser) logicalAnd() (Expr, error) {
	left, err := p.bitwiseOr()
	if err != nil {
		return nil, err
	}
	for p.match(lexer.TokenAnd) {
		line := p.previous().Line
		right, err := p.bitwiseOr()
		if err != nil {
			return nil, err
		}
		left = &Binary{Left: left, Operator: "and", Right: right, Line: line}
	}
	return left, nil
}

// bitwiseOr/bitwiseXor/bitwiseAnd/shift slot the bitwise opcode family
// (absent from the base precedence ladder) between logical_and and
// comparison, without disturbing either of those productions.
func (p *Parser) bitwiseOr() (Expr, error) {
	left, err := p.bitwiseXor()
	if err != nil {
		return nil, err
	}
	for p.match(lexer.TokenPipe) {
		line := p.previous().Line
		right, err := p.bitwiseXor()
		if err != nil {
			return nil, err
		}
		left = &Binary{Left: left, Operator: "|", Right: right, Line: line}
	}
	return left, nil
}

func (p *Parser) bitwiseXor() (Expr, error) {
	left, err := p.bitwiseAnd()
	if err != nil {
		return nil, err
	}
	for p.match(lexer.TokenCaret) {
		line := p.previous().Line
		right, err := p.bitwiseAnd()
		if err != nil {
			return nil, err
		}
		left = &Binary{Left: left, Operator: "^", Right: right, Line: line}
	}
	return left, nil
}

func (p *Parser) bitwiseAnd() (Expr, error) {
	left, err := p.shift()
	if err != nil {
		return nil, err
	}
	for p.match(lexer.TokenAmp) {
		line := p.previous().Line
		right, err := p.shift()
		if err != nil {
			return nil, err
		}
		left = &Binary{Left: left, Operator: "&", Right: right, Line: line}
	}
	return left, nil
}

func (p *Parser) shift() (Expr, error) {
	left, err := p.comparison()
	if err != nil {
		return nil, err
	}
	for p.check(lexer.TokenLShift) || p.check(lexer.TokenRShift) {
		op := p.advance()
		right, err := p.comparison()
		if err != nil {
			return nil, err
		}
		left = &Binary{Left: left, Operator: string(op.Type), Right: right, Line: op.Line}
	}
	return left, nil
}

func (p *Parser) comparison() (Expr, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for p.isCmpOp(p.peek().Type) {
		op := p.advance()
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = &Binary{Left: left, Operator: string(op.Type), Right: right, Line: op.Line}
	}
	return left, nil
}

func (p *Parser) isCmpOp(t lexer.TokenType) bool {
	switch t {
	case lexer.TokenLT, lexer.TokenGT, lexer.TokenLE, lexer.TokenGE, lexer.TokenEqEq, lexer.TokenNotEq:
		return true
	default:
		return false
	}
}

func (p *Parser) term() (Expr, error) {
	left, err := p.factor()
	if err != nil {
		return nil, err
	}
	for p.check(lexer.TokenPlus) || p.check(lexer.TokenMinus) {
		op := p.advance()
		right, err := p.factor()
		if err != nil {
			return nil, err
		}
		left = &Binary{Left: left, Operator: string(op.Type), Right: right, Line: op.Line}
	}
	return left, nil
}

func (p *Parser) factor() (Expr, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.check(lexer.TokenStar) || p.check(lexer.TokenSlash) || p.check(lexer.TokenPercent) || p.check(lexer.TokenStarStar) {
		op := p.advance()
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = &Binary{Left: left, Operator: string(op.Type), Right: right, Line: op.Line}
	}
	return left, nil
}

func (p *Parser) unary() (Expr, error) {
	if p.check(lexer.TokenMinus) || p.check(lexer.TokenBang) {
		op := p.advance()
		operand, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &Unary{Operator: string(op.Type), Operand: operand, Line: op.Line}, nil
	}
	return p.atom()
}

func (p *Parser) atom() (Expr, error) {
	tok := p.peek()
	switch tok.Type {
	case lexer.TokenInteger:
		p.advance()
		n, err := strconv.ParseInt(tok.Lexeme, 10, 64)
		if err != nil {
			return nil, p.errorAt(tok, "invalid integer literal %q", tok.Lexeme)
		}
		return &Literal{Value: n, Line: tok.Line}, nil
	case lexer.TokenFloat:
		p.advance()
		f, err := strconv.ParseFloat(tok.Lexeme, 64)
		if err != nil {
			return nil, p.errorAt(tok, "invalid floating literal %q", tok.Lexeme)
		}
		return &Literal{Value: f, Line: tok.Line}, nil
	case lexer.TokenString:
		p.advance()
		return &Literal{Value: tok.Lexeme, Line: tok.Line}, nil
	case lexer.TokenTrue:
		p.advance()
		return &Literal{Value: true, Line: tok.Line}, nil
	case lexer.TokenFalse:
		p.advance()
		return &Literal{Value: false, Line: tok.Line}, nil
	case lexer.TokenLambda:
		return p.lambda()
	case lexer.TokenSpawn:
		p.advance()
		e, err := p.expression()
		if err != nil {
			return nil, err
		}
		return &Spawn{Expr: e, Line: tok.Line}, nil
	case lexer.TokenAwait:
		p.advance()
		e, err := p.expression()
		if err != nil {
			return nil, err
		}
		return &Await{Expr: e, Line: tok.Line}, nil
	case lexer.TokenLBracket:
		return p.listLiteral()
	case lexer.TokenLParen:
		return p.parenOrTuple()
	case lexer.TokenIdent:
		return p.identifierExpr()
	default:
		return nil, p.errorAt(tok, "unexpected token %s", tok.Type)
	}
}

func (p *Parser) lambda() (Expr, error) {
	line := p.advance().Line // consume 'lambda'
	params, err := p.paramList()
	if err != nil {
		return nil, err
	}
	body, err := p.expression()
	if err != nil {
		return nil, err
	}
	return &Lambda{Params: params, Body: body, Line: line}, nil
}

func (p *Parser) listLiteral() (Expr, error) {
	line := p.advance().Line // consume '['
	var elems []Expr
	if !p.check(lexer.TokenRBracket) {
		for {
			e, err := p.expression()
			if err != nil {
				return nil, err
			}
			elems = append(elems, e)
			if !p.match(lexer.TokenComma) {
				break
			}
		}
	}
	if _, err := p.consume(lexer.TokenRBracket, "expected ']' to close list literal"); err != nil {
		return nil, err
	}
	return &ListExpr{Elements: elems, Line: line}, nil
}

// parenOrTuple parses '(' expr_list_or_expr ')': a single parenthesized
// expression, or (with a comma) a tuple literal.
func (p *Parser) parenOrTuple() (Expr, error) {
	line := p.advance().Line // consume '('
	if p.check(lexer.TokenRParen) {
		p.advance()
		return &TupleExpr{Line: line}, nil
	}
	first, err := p.expression()
	if err != nil {
		return nil, err
	}
	if !p.check(lexer.TokenComma) {
		if _, err := p.consume(lexer.TokenRParen, "expected ')' after parenthesized expression"); err != nil {
			return nil, err
		}
		return first, nil
	}
	elems := []Expr{first}
	for p.match(lexer.TokenComma) {
		if p.check(lexer.TokenRParen) {
			break
		}
		e, err := p.expression()
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
	}
	if _, err := p.consume(lexer.TokenRParen, "expected ')' to close tuple literal"); err != nil {
		return nil, err
	}
	return &TupleExpr{Elements: elems, Line: line}, nil
}

// identifierExpr parses a bare identifier, a walrus assignment-expression,
// or an identifier with any chain of call/index suffixes, dispatching a
// leading call to the builtin registry when the name matches it.
func (p *Parser) identifierExpr() (Expr, error) {
	tok := p.advance()
	if p.check(lexer.TokenWalrus) {
		p.advance()
		value, err := p.expression()
		if err != nil {
			return nil, err
		}
		return &Walrus{Name: tok.Lexeme, Value: value, Line: tok.Line}, nil
	}

	var expr Expr
	if p.check(lexer.TokenLParen) && builtinNames[tok.Lexeme] {
		args, err := p.argList()
		if err != nil {
			return nil, err
		}
		expr = &BuiltinCall{Name: tok.Lexeme, Args: args, Line: tok.Line}
	} else {
		expr = &Variable{Name: tok.Lexeme, Line: tok.Line}
	}

	for {
		switch {
		case p.check(lexer.TokenLParen):
			args, err := p.argList()
			if err != nil {
				return nil, err
			}
			expr = &Call{Callee: expr, Args: args, Line: tok.Line}
		case p.check(lexer.TokenLBracket):
			p.advance()
			key, err := p.expression()
			if err != nil {
				return nil, err
			}
			if _, err := p.consume(lexer.TokenRBracket, "expected ']' after index"); err != nil {
				return nil, err
			}
			expr = &Index{Object: expr, Key: key, Line: tok.Line}
		default:
			return expr, nil
		}
	}
}

func (p *Parser) argList() ([]Expr, error) {
	if _, err := p.consume(lexer.TokenLParen, "expected '('"); err != nil {
		return nil, err
	}
	var args []Expr
	if !p.check(lexer.TokenRParen) {
		for {
			a, err := p.expression()
			if err != nil {
				return nil, err
			}
			args = append(args, a)
			if !p.match(lexer.TokenComma) {
				break
			}
		}
	}
	if _, err := p.consume(lexer.TokenRParen, "expected ')' after arguments"); err != nil {
		return nil, err
	}
	return args, nil
}

// --- token utilities ---

func (p *Parser) peek() lexer.Token {
	return p.tokens[p.current]
}

func (p *Parser) previous() lexer.Token {
	return p.tokens[p.current-1]
}

func (p *Parser) advance() lexer.Token {
	tok := p.tokens[p.current]
	if !p.check(lexer.TokenEOF) {
		p.current++
	}
	return tok
}

func (p *Parser) check(t lexer.TokenType) bool {
	return p.peek().Type == t
}

func (p *Parser) match(t lexer.TokenType) bool {
	if p.check(t) {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) consume(t lexer.TokenType, message string) (lexer.Token, error) {
	if p.check(t) {
		return p.advance(), nil
	}
	return lexer.Token{}, p.errorf("%s (got %s)", message, p.peek().Type)
}

func (p *Parser) consumeIdent(message string) (string, error) {
	tok, err := p.consume(lexer.TokenIdent, message)
	if err != nil {
		return "", err
	}
	return tok.Lexeme, nil
}

func (p *Parser) errorf(format string, args ...interface{}) error {
	tok := p.peek()
	return flowerrors.New(flowerrors.ParseError, p.file, tok.Line, tok.Column, format, args...)
}

func (p *Parser) errorAt(tok lexer.Token, format string, args ...interface{}) error {
	return flowerrors.New(flowerrors.ParseError, p.file, tok.Line, tok.Column, format, args...)
}
