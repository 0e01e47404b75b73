// Package compiler lowers a Flow syntax tree into bytecode chunks: one
// chunk for the module's top-level body, and one chunk per function
// declaration, each compiled by its own Compiler instance.
//
// The tree is walked once. There is no hoisting pass: a function name only
// becomes callable after its declaration statement has executed (late
// binding through STORE_NAME/globals, same as every other name), so
// forward references between top-level functions resolve as long as the
// call happens after both declarations have run — exactly the situation
// every seed program in this language exercises.
package compiler

import (
	"flow/internal/bytecode"
	flowerrors "flow/internal/errors"
	"flow/internal/parser"
)

// Compiler lowers one function body (or the module body) into a *bytecode.Chunk.
// locals is nil for the module-level compiler: at that scope every let/mut
// and every read falls through to STORE_NAME/LOAD_NAME (globals).
type Compiler struct {
	chunk    *bytecode.Chunk
	locals   map[string]int
	nextSlot int
	file     string
	tmp      int
	err      error
}

// NewCompiler returns a module-scope compiler: no local slots, every
// variable resolves against the global namespace.
func NewCompiler(file string) *Compiler {
	return &Compiler{chunk: bytecode.NewChunk(), file: file}
}

func newFunctionCompiler(file string, params []string) *Compiler {
	c := &Compiler{
		chunk:  bytecode.NewChunk(),
		locals: map[string]int{},
		file:   file,
	}
	for _, p := range params {
		c.locals[p] = c.nextSlot
		c.nextSlot++
	}
	c.chunk.Params = append([]string{}, params...)
	c.chunk.LocalNames = append([]string{}, params...)
	c.chunk.NumLocals = len(params)
	return c
}

// Compile lowers a parsed program into its module-level chunk.
func Compile(stmts []parser.Stmt, file string) (*bytecode.Chunk, error) {
	c := NewCompiler(file)
	c.compileBlock(stmts)
	if c.err != nil {
		return nil, c.err
	}
	return c.chunk, nil
}

func (c *Compiler) fail(line int, format string, args ...interface{}) {
	if c.err == nil {
		c.err = flowerrors.New(flowerrors.RuntimeError, c.file, line, 0, format, args...)
	}
}

func (c *Compiler) debug(line int) bytecode.DebugInfo {
	return bytecode.DebugInfo{Line: line, File: c.file}
}

func (c *Compiler) emit(op bytecode.Op, operand int, line int) int {
	return c.chunk.Emit(op, operand, c.debug(line))
}

// --- name resolution -------------------------------------------------

func (c *Compiler) compileLoad(name string, line int) {
	if c.locals != nil {
		if slot, ok := c.locals[name]; ok {
			c.emit(bytecode.LoadFast, slot, line)
			return
		}
	}
	idx := c.chunk.AddConstant(name)
	c.emit(bytecode.LoadName, idx, line)
}

// compileDeclare handles let/mut: the first occurrence of a name allocates
// a fresh slot (function scope) or stores to globals (module scope);
// re-declaration with the same name reuses the existing slot.
func (c *Compiler) compileDeclare(name string, line int) {
	if c.locals != nil {
		slot, ok := c.locals[name]
		if !ok {
			slot = c.nextSlot
			c.nextSlot++
			c.locals[name] = slot
			c.chunk.LocalNames = append(c.chunk.LocalNames, name)
			c.chunk.NumLocals = c.nextSlot
		}
		c.emit(bytecode.StoreFast, slot, line)
		return
	}
	idx := c.chunk.AddConstant(name)
	c.emit(bytecode.StoreName, idx, line)
}

// compileStore handles plain assignment to an already-bound name.
func (c *Compiler) compileStore(name string, line int) {
	if c.locals != nil {
		if slot, ok := c.locals[name]; ok {
			c.emit(bytecode.StoreFast, slot, line)
			return
		}
	}
	idx := c.chunk.AddConstant(name)
	c.emit(bytecode.StoreName, idx, line)
}

func (c *Compiler) tempName() string {
	c.tmp++
	return "$match" + itoa(c.tmp)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// --- statements --------------------------------------------------------

func (c *Compiler) VisitPrintStmt(s *parser.PrintStmt) interface{} {
	for _, v := range s.Values {
		v.Accept(c)
	}
	c.emit(bytecode.Print, len(s.Values), s.Line)
	return nil
}

func (c *Compiler) VisitLetStmt(s *parser.LetStmt) interface{} {
	s.Value.Accept(c)
	c.compileDeclare(s.Name, s.Line)
	return nil
}

func (c *Compiler) VisitAssignStmt(s *parser.AssignStmt) interface{} {
	s.Value.Accept(c)
	c.compileStore(s.Name, s.Line)
	return nil
}

func (c *Compiler) VisitIndexAssignStmt(s *parser.IndexAssignStmt) interface{} {
	s.Object.Accept(c)
	s.Key.Accept(c)
	s.Value.Accept(c)
	c.emit(bytecode.StoreSubscr, 0, s.Line)
	return nil
}

func (c *Compiler) VisitExpressionStmt(s *parser.ExpressionStmt) interface{} {
	s.Expr.Accept(c)
	c.emit(bytecode.PopTop, 0, s.Line)
	return nil
}

func (c *Compiler) VisitFuncDeclStmt(s *parser.FuncDeclStmt) interface{} {
	fc := newFunctionCompiler(c.file, s.Params)
	fc.compileBlock(s.Body)
	if fc.err != nil {
		if c.err == nil {
			c.err = fc.err
		}
		return nil
	}
	// A body that falls off the end without an explicit return yields null.
	fc.emit(bytecode.LoadConst, fc.chunk.AddConstant(nil), s.Line)
	fc.emit(bytecode.ReturnValue, 0, s.Line)

	idx := c.chunk.AddConstant(fc.chunk)
	c.emit(bytecode.LoadConst, idx, s.Line)
	nameIdx := c.chunk.AddConstant(s.Name)
	c.emit(bytecode.StoreName, nameIdx, s.Line)
	return nil
}

// VisitExternDeclStmt stores a resolvable library-call descriptor under the
// declared name; internal/vm's library bridge resolves it to a live call at
// CALL_FUNCTION time, never at compile time.
func (c *Compiler) VisitExternDeclStmt(s *parser.ExternDeclStmt) interface{} {
	spec := &bytecode.ExternSpec{
		Library: s.LibraryPath,
		Name:    s.Name,
		Params:  append([]string{}, s.Params...),
		Returns: s.ReturnType,
	}
	idx := c.chunk.AddConstant(spec)
	c.emit(bytecode.LoadConst, idx, s.Line)
	nameIdx := c.chunk.AddConstant(s.Name)
	c.emit(bytecode.StoreName, nameIdx, s.Line)
	return nil
}

func (c *Compiler) VisitReturnStmt(s *parser.ReturnStmt) interface{} {
	if s.Value != nil {
		s.Value.Accept(c)
	} else {
		c.emit(bytecode.LoadConst, c.chunk.AddConstant(nil), s.Line)
	}
	c.emit(bytecode.ReturnValue, 0, s.Line)
	return nil
}

func (c *Compiler) compileBlock(stmts []parser.Stmt) {
	for _, s := range stmts {
		if c.err != nil {
			return
		}
		s.Accept(c)
	}
}

func (c *Compiler) VisitIfStmt(s *parser.IfStmt) interface{} {
	s.Condition.Accept(c)
	jumpToElse := c.emit(bytecode.JumpIfFalse, -1, s.Line)
	c.compileBlock(s.Then)
	jumpToEnd := c.emit(bytecode.Jump, -1, s.Line)
	c.chunk.Patch(jumpToElse, c.chunk.Here())
	c.compileBlock(s.Else)
	c.chunk.Patch(jumpToEnd, c.chunk.Here())
	return nil
}

func (c *Compiler) VisitWhileStmt(s *parser.WhileStmt) interface{} {
	loopStart := c.chunk.Here()
	s.Condition.Accept(c)
	exitJump := c.emit(bytecode.JumpIfFalse, -1, s.Line)
	c.compileBlock(s.Body)
	c.emit(bytecode.Jump, loopStart, s.Line)
	c.chunk.Patch(exitJump, c.chunk.Here())
	return nil
}

func (c *Compiler) VisitForInStmt(s *parser.ForInStmt) interface{} {
	s.Collection.Accept(c)
	c.emit(bytecode.GetIter, 0, s.Line)
	loopStart := c.chunk.Here()
	exitJump := c.emit(bytecode.ForIter, -1, s.Line)
	c.compileDeclare(s.Variable, s.Line)
	c.compileBlock(s.Body)
	c.emit(bytecode.Jump, loopStart, s.Line)
	c.chunk.Patch(exitJump, c.chunk.Here())
	return nil
}

// VisitMatchStmt evaluates the subject once into a synthetic binding, then
// for each arm runs a chain of structural tests that jump to the next arm
// on the first mismatch, falling through to the bound body on success.
func (c *Compiler) VisitMatchStmt(s *parser.MatchStmt) interface{} {
	subject := c.tempName()
	s.Value.Accept(c)
	c.compileDeclare(subject, s.Line)

	var endJumps []int
	for _, arm := range s.Cases {
		var failJumps []int
		c.compilePatternTest(arm.Pattern, subject, s.Line, &failJumps)
		c.compilePatternBind(arm.Pattern, subject, s.Line)
		c.compileBlock(arm.Body)
		endJumps = append(endJumps, c.emit(bytecode.Jump, -1, s.Line))
		for _, j := range failJumps {
			c.chunk.Patch(j, c.chunk.Here())
		}
	}
	if s.HasDefault {
		c.compileBlock(s.Default)
	}
	for _, j := range endJumps {
		c.chunk.Patch(j, c.chunk.Here())
	}
	return nil
}

// compilePatternTest emits a chain of boolean tests against the value bound
// to the name subject; each test pops its own boolean and jumps to a shared,
// not-yet-resolved fail target appended to *failJumps on mismatch.
// Variable patterns always match and emit nothing here.
func (c *Compiler) compilePatternTest(p parser.Pattern, subject string, line int, failJumps *[]int) {
	switch p.Kind {
	case parser.PatternLiteral:
		c.compileLoad(subject, line)
		c.emit(bytecode.LoadConst, c.chunk.AddConstant(p.Literal), line)
		c.emit(bytecode.CompareOp, int(bytecode.CmpEQ), line)
		*failJumps = append(*failJumps, c.emit(bytecode.JumpIfFalse, -1, line))
	case parser.PatternVariable:
		// Always matches; binding happens in compilePatternBind.
	case parser.PatternTuple, parser.PatternConstructor:
		want := len(p.Elements)
		base := 0
		if p.Kind == parser.PatternConstructor {
			want++
			base = 1
		}
		c.compileLoad(subject, line)
		c.emit(bytecode.LoadConst, c.chunk.AddConstant(int64(1)), line)
		c.emit(bytecode.CallBuiltin, c.chunk.AddConstant("len"), line)
		c.emit(bytecode.LoadConst, c.chunk.AddConstant(int64(want)), line)
		c.emit(bytecode.CompareOp, int(bytecode.CmpEQ), line)
		*failJumps = append(*failJumps, c.emit(bytecode.JumpIfFalse, -1, line))

		if p.Kind == parser.PatternConstructor {
			c.compileLoad(subject, line)
			c.emit(bytecode.LoadConst, c.chunk.AddConstant(int64(0)), line)
			c.emit(bytecode.Subscr, 0, line)
			c.emit(bytecode.LoadConst, c.chunk.AddConstant(p.Name), line)
			c.emit(bytecode.CompareOp, int(bytecode.CmpEQ), line)
			*failJumps = append(*failJumps, c.emit(bytecode.JumpIfFalse, -1, line))
		}
		for i, sub := range p.Elements {
			if sub.Kind == parser.PatternVariable {
				continue
			}
			elemSubject := c.bindElement(subject, i+base, line)
			c.compilePatternTest(sub, elemSubject, line, failJumps)
		}
	}
}

// bindElement stores subject[index] into a fresh synthetic name and
// returns it, so nested pattern tests/binds can reference that element by
// name instead of re-deriving an access-path expression tree.
func (c *Compiler) bindElement(subject string, index int, line int) string {
	c.compileLoad(subject, line)
	c.emit(bytecode.LoadConst, c.chunk.AddConstant(int64(index)), line)
	c.emit(bytecode.Subscr, 0, line)
	name := c.tempName()
	c.compileDeclare(name, line)
	return name
}

// compilePatternBind runs once the arm's test chain has fallen through
// (guaranteed match) and binds every variable the pattern introduces.
func (c *Compiler) compilePatternBind(p parser.Pattern, subject string, line int) {
	switch p.Kind {
	case parser.PatternVariable:
		c.compileLoad(subject, line)
		c.compileDeclare(p.Name, line)
	case parser.PatternTuple, parser.PatternConstructor:
		base := 0
		if p.Kind == parser.PatternConstructor {
			base = 1
		}
		for i, sub := range p.Elements {
			if sub.Kind != parser.PatternVariable {
				continue
			}
			c.compileLoad(subject, line)
			c.emit(bytecode.LoadConst, c.chunk.AddConstant(int64(i+base)), line)
			c.emit(bytecode.Subscr, 0, line)
			c.compileDeclare(sub.Name, line)
		}
	}
}

func (c *Compiler) VisitBlockStmt(s *parser.BlockStmt) interface{} {
	c.compileBlock(s.Stmts)
	return nil
}

// Channels, allocation, and deallocation are diagnostic surfaces (§5): a
// channel is a plain list, send/receive are append/pop on it, alloc/free
// track a handle without any real resource behind it.

func (c *Compiler) VisitChannelDeclStmt(s *parser.ChannelDeclStmt) interface{} {
	c.emit(bytecode.BuildList, 0, s.Line)
	c.compileDeclare(s.Name, s.Line)
	return nil
}

func (c *Compiler) VisitSendStmt(s *parser.SendStmt) interface{} {
	c.compileLoad(s.Channel, s.Line)
	s.Value.Accept(c)
	c.emit(bytecode.LoadConst, c.chunk.AddConstant(int64(2)), s.Line)
	c.emit(bytecode.CallBuiltin, c.chunk.AddConstant("append"), s.Line)
	c.emit(bytecode.PopTop, 0, s.Line)
	return nil
}

func (c *Compiler) VisitReceiveStmt(s *parser.ReceiveStmt) interface{} {
	c.compileLoad(s.Channel, s.Line)
	c.emit(bytecode.LoadConst, c.chunk.AddConstant(int64(1)), s.Line)
	c.emit(bytecode.CallBuiltin, c.chunk.AddConstant("pop"), s.Line)
	c.compileDeclare(s.Target, s.Line)
	return nil
}

func (c *Compiler) VisitAllocStmt(s *parser.AllocStmt) interface{} {
	s.Size.Accept(c)
	c.emit(bytecode.LoadConst, c.chunk.AddConstant(int64(1)), s.Line)
	c.emit(bytecode.CallBuiltin, c.chunk.AddConstant("range"), s.Line)
	c.compileDeclare(s.Name, s.Line)
	return nil
}

func (c *Compiler) VisitFreeStmt(s *parser.FreeStmt) interface{} {
	c.emit(bytecode.LoadConst, c.chunk.AddConstant(nil), s.Line)
	c.compileStore(s.Name, s.Line)
	return nil
}

// VisitMacroDefStmt: a macro definition compiles to nothing. Macro bodies
// are not expanded: a call using the macro's name compiles as an ordinary
// call and resolves against globals like any other name.
func (c *Compiler) VisitMacroDefStmt(s *parser.MacroDefStmt) interface{} {
	return nil
}

func (c *Compiler) VisitAnnotatedStmt(s *parser.AnnotatedStmt) interface{} {
	// Annotations carry no runtime effect in the core (mirrors generics, §9).
	s.Stmt.Accept(c)
	return nil
}

// --- expressions ---------------------------------------------------------

func (c *Compiler) VisitLiteralExpr(e *parser.Literal) interface{} {
	c.emit(bytecode.LoadConst, c.chunk.AddConstant(e.Value), e.Line)
	return nil
}

func (c *Compiler) VisitVariableExpr(e *parser.Variable) interface{} {
	c.compileLoad(e.Name, e.Line)
	return nil
}

var binaryOps = map[string]bytecode.Op{
	"+":  bytecode.BinaryAdd,
	"-":  bytecode.BinarySub,
	"*":  bytecode.BinaryMul,
	"/":  bytecode.BinaryDiv,
	"%":  bytecode.BinaryMod,
	"**": bytecode.BinaryPow,
	"&":  bytecode.BinaryAnd,
	"|":  bytecode.BinaryOr,
	"^":  bytecode.BinaryXor,
	"<<": bytecode.BinaryLShift,
	">>": bytecode.BinaryRShift,
}

var compareOps = map[string]bytecode.CompareKind{
	"<":  bytecode.CmpLT,
	"<=": bytecode.CmpLE,
	"==": bytecode.CmpEQ,
	"!=": bytecode.CmpNE,
	">":  bytecode.CmpGT,
	">=": bytecode.CmpGE,
}

func (c *Compiler) VisitBinaryExpr(e *parser.Binary) interface{} {
	if e.Operator == "and" || e.Operator == "or" {
		c.compileShortCircuit(e)
		return nil
	}
	e.Left.Accept(c)
	e.Right.Accept(c)
	if op, ok := binaryOps[e.Operator]; ok {
		c.emit(op, 0, e.Line)
		return nil
	}
	if kind, ok := compareOps[e.Operator]; ok {
		c.emit(bytecode.CompareOp, int(kind), e.Line)
		return nil
	}
	c.fail(e.Line, "unknown binary operator %q", e.Operator)
	return nil
}

// compileShortCircuit lowers 'and'/'or' with DUP_TOP/JUMP_IF_FALSE rather
// than a BINARY_* opcode, since the closed opcode set has no boolean binary
// op and the right operand must not evaluate when it would be unreachable.
func (c *Compiler) compileShortCircuit(e *parser.Binary) {
	e.Left.Accept(c)
	c.emit(bytecode.DupTop, 0, e.Line)
	if e.Operator == "or" {
		c.emit(bytecode.UnaryNot, 0, e.Line)
	}
	skip := c.emit(bytecode.JumpIfFalse, -1, e.Line)
	c.emit(bytecode.PopTop, 0, e.Line)
	e.Right.Accept(c)
	c.chunk.Patch(skip, c.chunk.Here())
}

func (c *Compiler) VisitUnaryExpr(e *parser.Unary) interface{} {
	e.Operand.Accept(c)
	switch e.Operator {
	case "-":
		c.emit(bytecode.UnaryNegative, 0, e.Line)
	case "!":
		c.emit(bytecode.UnaryNot, 0, e.Line)
	default:
		c.fail(e.Line, "unknown unary operator %q", e.Operator)
	}
	return nil
}

func (c *Compiler) VisitIndexExpr(e *parser.Index) interface{} {
	e.Object.Accept(c)
	e.Key.Accept(c)
	c.emit(bytecode.Subscr, 0, e.Line)
	return nil
}

func (c *Compiler) VisitListExpr(e *parser.ListExpr) interface{} {
	for _, el := range e.Elements {
		el.Accept(c)
	}
	c.emit(bytecode.BuildList, len(e.Elements), e.Line)
	return nil
}

func (c *Compiler) VisitTupleExpr(e *parser.TupleExpr) interface{} {
	for _, el := range e.Elements {
		el.Accept(c)
	}
	c.emit(bytecode.BuildTuple, len(e.Elements), e.Line)
	return nil
}

// VisitCallExpr lowers a call per the stack invariant in the opcode table:
// arguments left-to-right, callee pushed last, so CALL_FUNCTION n always
// finds the callee on top of its n arguments.
func (c *Compiler) VisitCallExpr(e *parser.Call) interface{} {
	for _, a := range e.Args {
		a.Accept(c)
	}
	e.Callee.Accept(c)
	c.emit(bytecode.CallFunction, len(e.Args), e.Line)
	return nil
}

func (c *Compiler) VisitBuiltinCallExpr(e *parser.BuiltinCall) interface{} {
	for _, a := range e.Args {
		a.Accept(c)
	}
	c.emit(bytecode.LoadConst, c.chunk.AddConstant(int64(len(e.Args))), e.Line)
	nameIdx := c.chunk.AddConstant(e.Name)
	c.emit(bytecode.CallBuiltin, nameIdx, e.Line)
	return nil
}

func (c *Compiler) VisitLambdaExpr(e *parser.Lambda) interface{} {
	fc := newFunctionCompiler(c.file, e.Params)
	e.Body.Accept(fc)
	if fc.err != nil {
		if c.err == nil {
			c.err = fc.err
		}
		return nil
	}
	fc.emit(bytecode.ReturnValue, 0, e.Line)
	idx := c.chunk.AddConstant(fc.chunk)
	c.emit(bytecode.LoadConst, idx, e.Line)
	return nil
}

func (c *Compiler) VisitWalrusExpr(e *parser.Walrus) interface{} {
	e.Value.Accept(c)
	c.emit(bytecode.DupTop, 0, e.Line)
	c.compileDeclare(e.Name, e.Line)
	return nil
}

// VisitPipelineExpr lowers left |> right as a one-argument call to right.
func (c *Compiler) VisitPipelineExpr(e *parser.Pipeline) interface{} {
	e.Left.Accept(c)
	e.Right.Accept(c)
	c.emit(bytecode.CallFunction, 1, e.Line)
	return nil
}

// VisitSpawnExpr mints a diagnostic task id (discarded) and evaluates the
// wrapped expression immediately — spawn never suspends (§5).
func (c *Compiler) VisitSpawnExpr(e *parser.Spawn) interface{} {
	c.emit(bytecode.LoadConst, c.chunk.AddConstant(int64(0)), e.Line)
	c.emit(bytecode.CallBuiltin, c.chunk.AddConstant("task_id"), e.Line)
	c.emit(bytecode.PopTop, 0, e.Line)
	e.Expr.Accept(c)
	return nil
}

func (c *Compiler) VisitAwaitExpr(e *parser.Await) interface{} {
	e.Expr.Accept(c)
	return nil
}
