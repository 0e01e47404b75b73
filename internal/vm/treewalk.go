package vm

import (
	"github.com/google/uuid"

	"flow/internal/bytecode"
	flowerrors "flow/internal/errors"
	"flow/internal/ffi"
	"flow/internal/parser"
)

// Interpreter walks a parsed syntax tree directly — the semantic reference
// implementation every bytecode behavior is checked against. Function calls
// use the snapshot-and-restore discipline spec.md §5 describes: globals are
// copied whole on call entry, parameter names overwrite the live map, and
// the snapshot replaces the live map again on return, normal or early.
type Interpreter struct {
	globals  map[string]Value
	builtins map[string]*NativeFunction
	fileCache *fileCache

	file string
	err  error

	returning   bool
	returnValue Value

	lastTaskID string
	bridge     ffi.Bridge
}

// returning is modeled as interpreter state rather than a Go panic: each
// recursive exec call checks i.returning immediately after visiting a
// statement and stops walking the remaining siblings if it's set.

func NewInterpreter(file string) *Interpreter {
	return &Interpreter{
		globals:   make(map[string]Value),
		builtins:  registerBuiltins(),
		fileCache: newFileCache(),
		file:      file,
	}
}

func (i *Interpreter) SetBridge(b ffi.Bridge) { i.bridge = b }

// CallValue/ReadFile/WriteFile/MintTaskID implement Caller for built-ins.
func (i *Interpreter) CallValue(callee Value, args []Value) (Value, error) {
	return i.call(callee, args, 0)
}
func (i *Interpreter) ReadFile(path string) (string, error) { return i.fileCache.read(path) }
func (i *Interpreter) WriteFile(path, content string) error {
	if err := writeFile(path, content); err != nil {
		return err
	}
	i.fileCache.invalidate(path)
	return nil
}
func (i *Interpreter) MintTaskID() string {
	id := uuid.NewString()
	i.lastTaskID = id
	return id
}

// Run executes a parsed program top to bottom and returns the value of a
// top-level return, or null on falling off the end, mirroring the bytecode
// VM's terminal value.
func (i *Interpreter) Run(stmts []parser.Stmt) (Value, error) {
	for _, s := range stmts {
		i.exec(s)
		if i.err != nil {
			return nil, i.err
		}
		if i.returning {
			return i.returnValue, nil
		}
	}
	return nil, nil
}

func (i *Interpreter) fail(kind flowerrors.Kind, line int, format string, args ...interface{}) {
	if i.err == nil {
		i.err = flowerrors.New(kind, i.file, line, 0, format, args...)
	}
}

func (i *Interpreter) execBlock(stmts []parser.Stmt) {
	for _, s := range stmts {
		i.exec(s)
		if i.err != nil || i.returning {
			return
		}
	}
}

func (i *Interpreter) exec(s parser.Stmt) { s.Accept(i) }

func (i *Interpreter) eval(e parser.Expr) (Value, error) {
	res := e.Accept(i)
	if i.err != nil {
		return nil, i.err
	}
	v, _ := res.(Value)
	return v, nil
}

// --- StmtVisitor ---

func (i *Interpreter) VisitPrintStmt(s *parser.PrintStmt) interface{} {
	vals := make([]Value, len(s.Values))
	for idx, e := range s.Values {
		v, err := i.eval(e)
		if err != nil {
			return nil
		}
		vals[idx] = v
	}
	printValues(vals)
	return nil
}

func (i *Interpreter) VisitLetStmt(s *parser.LetStmt) interface{} {
	v, err := i.eval(s.Value)
	if err != nil {
		return nil
	}
	i.globals[s.Name] = v
	return nil
}

func (i *Interpreter) VisitAssignStmt(s *parser.AssignStmt) interface{} {
	v, err := i.eval(s.Value)
	if err != nil {
		return nil
	}
	if _, ok := i.globals[s.Name]; !ok {
		i.fail(flowerrors.NameError, s.Line, "name %q is not defined", s.Name)
		return nil
	}
	i.globals[s.Name] = v
	return nil
}

func (i *Interpreter) VisitIndexAssignStmt(s *parser.IndexAssignStmt) interface{} {
	obj, err := i.eval(s.Object)
	if err != nil {
		return nil
	}
	key, err := i.eval(s.Key)
	if err != nil {
		return nil
	}
	val, err := i.eval(s.Value)
	if err != nil {
		return nil
	}
	if err := storeSubscript(obj, key, val); err != nil {
		i.fail(errKind(err), s.Line, "%s", err.Error())
	}
	return nil
}

func (i *Interpreter) VisitExpressionStmt(s *parser.ExpressionStmt) interface{} {
	_, err := i.eval(s.Expr)
	_ = err
	return nil
}

func (i *Interpreter) VisitFuncDeclStmt(s *parser.FuncDeclStmt) interface{} {
	i.globals[s.Name] = s
	return nil
}

func (i *Interpreter) VisitExternDeclStmt(s *parser.ExternDeclStmt) interface{} {
	i.globals[s.Name] = &externValue{
		Library: s.LibraryPath,
		Name:    s.Name,
		Params:  s.Params,
		Returns: s.ReturnType,
	}
	return nil
}

func (i *Interpreter) VisitReturnStmt(s *parser.ReturnStmt) interface{} {
	if s.Value == nil {
		i.returnValue = nil
	} else {
		v, err := i.eval(s.Value)
		if err != nil {
			return nil
		}
		i.returnValue = v
	}
	i.returning = true
	return nil
}

func (i *Interpreter) VisitIfStmt(s *parser.IfStmt) interface{} {
	cond, err := i.eval(s.Condition)
	if err != nil {
		return nil
	}
	if Truthy(cond) {
		i.execBlock(s.Then)
	} else {
		i.execBlock(s.Else)
	}
	return nil
}

func (i *Interpreter) VisitWhileStmt(s *parser.WhileStmt) interface{} {
	for {
		cond, err := i.eval(s.Condition)
		if err != nil {
			return nil
		}
		if !Truthy(cond) {
			return nil
		}
		i.execBlock(s.Body)
		if i.err != nil || i.returning {
			return nil
		}
	}
}

func (i *Interpreter) VisitForInStmt(s *parser.ForInStmt) interface{} {
	coll, err := i.eval(s.Collection)
	if err != nil {
		return nil
	}
	it, terr := toIterator(coll)
	if terr != nil {
		i.fail(flowerrors.TypeError, s.Line, "%s", terr.Error())
		return nil
	}
	for _, item := range it.items {
		i.globals[s.Variable] = item
		i.execBlock(s.Body)
		if i.err != nil || i.returning {
			return nil
		}
	}
	return nil
}

func (i *Interpreter) VisitMatchStmt(s *parser.MatchStmt) interface{} {
	subject, err := i.eval(s.Value)
	if err != nil {
		return nil
	}
	for _, c := range s.Cases {
		bindings := map[string]Value{}
		if matchPattern(c.Pattern, subject, bindings) {
			for name, v := range bindings {
				i.globals[name] = v
			}
			i.execBlock(c.Body)
			return nil
		}
	}
	if s.HasDefault {
		i.execBlock(s.Default)
	}
	return nil
}

func matchPattern(p parser.Pattern, v Value, bindings map[string]Value) bool {
	switch p.Kind {
	case parser.PatternLiteral:
		return valuesEqual(coerceLiteral(p.Literal), v)
	case parser.PatternVariable:
		bindings[p.Name] = v
		return true
	case parser.PatternTuple:
		t, ok := v.(TupleValue)
		if !ok || len(t) != len(p.Elements) {
			return false
		}
		for idx, sub := range p.Elements {
			if !matchPattern(sub, t[idx], bindings) {
				return false
			}
		}
		return true
	case parser.PatternConstructor:
		t, ok := v.(TupleValue)
		if !ok || len(t) == 0 {
			return false
		}
		tag, ok := t[0].(string)
		if !ok || tag != p.Name {
			return false
		}
		rest := t[1:]
		if len(rest) != len(p.Elements) {
			return false
		}
		for idx, sub := range p.Elements {
			if !matchPattern(sub, rest[idx], bindings) {
				return false
			}
		}
		return true
	}
	return false
}

func coerceLiteral(lit interface{}) Value {
	switch x := lit.(type) {
	case int:
		return int64(x)
	default:
		return x
	}
}

func (i *Interpreter) VisitBlockStmt(s *parser.BlockStmt) interface{} {
	i.execBlock(s.Stmts)
	return nil
}

func (i *Interpreter) VisitChannelDeclStmt(s *parser.ChannelDeclStmt) interface{} {
	i.globals[s.Name] = &ListValue{}
	return nil
}

func (i *Interpreter) VisitSendStmt(s *parser.SendStmt) interface{} {
	v, err := i.eval(s.Value)
	if err != nil {
		return nil
	}
	ch, ok := i.globals[s.Channel].(*ListValue)
	if !ok {
		i.fail(flowerrors.NameError, s.Line, "channel %q is not declared", s.Channel)
		return nil
	}
	ch.Items = append(ch.Items, v)
	return nil
}

func (i *Interpreter) VisitReceiveStmt(s *parser.ReceiveStmt) interface{} {
	ch, ok := i.globals[s.Channel].(*ListValue)
	if !ok {
		i.fail(flowerrors.NameError, s.Line, "channel %q is not declared", s.Channel)
		return nil
	}
	if len(ch.Items) == 0 {
		i.fail(flowerrors.IndexError, s.Line, "receive on empty channel %q", s.Channel)
		return nil
	}
	v := ch.Items[len(ch.Items)-1]
	ch.Items = ch.Items[:len(ch.Items)-1]
	i.globals[s.Target] = v
	return nil
}

func (i *Interpreter) VisitAllocStmt(s *parser.AllocStmt) interface{} {
	size, err := i.eval(s.Size)
	if err != nil {
		return nil
	}
	n, terr := asInt("alloc", size)
	if terr != nil {
		i.fail(flowerrors.TypeError, s.Line, "%s", terr.Error())
		return nil
	}
	var items []Value
	for k := int64(0); k < n; k++ {
		items = append(items, k)
	}
	i.globals[s.Name] = &ListValue{Items: items}
	return nil
}

func (i *Interpreter) VisitFreeStmt(s *parser.FreeStmt) interface{} {
	i.globals[s.Name] = nil
	return nil
}

func (i *Interpreter) VisitMacroDefStmt(s *parser.MacroDefStmt) interface{} {
	return nil
}

func (i *Interpreter) VisitAnnotatedStmt(s *parser.AnnotatedStmt) interface{} {
	i.exec(s.Stmt)
	return nil
}

// --- ExprVisitor ---

func (i *Interpreter) VisitLiteralExpr(e *parser.Literal) interface{} {
	return coerceLiteral(e.Value)
}

func (i *Interpreter) VisitVariableExpr(e *parser.Variable) interface{} {
	v, ok := i.globals[e.Name]
	if !ok {
		i.fail(flowerrors.NameError, e.Line, "name %q is not defined", e.Name)
		return nil
	}
	return v
}

func (i *Interpreter) VisitBinaryExpr(e *parser.Binary) interface{} {
	if e.Operator == "and" || e.Operator == "or" {
		left, err := i.eval(e.Left)
		if err != nil {
			return nil
		}
		if e.Operator == "and" && !Truthy(left) {
			return left
		}
		if e.Operator == "or" && Truthy(left) {
			return left
		}
		right, err := i.eval(e.Right)
		if err != nil {
			return nil
		}
		return right
	}

	left, err := i.eval(e.Left)
	if err != nil {
		return nil
	}
	right, err := i.eval(e.Right)
	if err != nil {
		return nil
	}
	if op, ok := treeCompareOps[e.Operator]; ok {
		res, cerr := compare(op, left, right)
		if cerr != nil {
			i.fail(flowerrors.TypeError, e.Line, "%s", cerr.Error())
			return nil
		}
		return res
	}
	if op, ok := treeBinaryOps[e.Operator]; ok {
		res, berr := binaryOp(op, left, right)
		if berr != nil {
			i.fail(flowerrors.TypeError, e.Line, "%s", berr.Error())
			return nil
		}
		return res
	}
	i.fail(flowerrors.RuntimeError, e.Line, "unknown binary operator %q", e.Operator)
	return nil
}

func (i *Interpreter) VisitUnaryExpr(e *parser.Unary) interface{} {
	v, err := i.eval(e.Operand)
	if err != nil {
		return nil
	}
	switch e.Operator {
	case "-":
		res, nerr := negate(v)
		if nerr != nil {
			i.fail(flowerrors.TypeError, e.Line, "%s", nerr.Error())
			return nil
		}
		return res
	case "!":
		return !Truthy(v)
	}
	i.fail(flowerrors.RuntimeError, e.Line, "unknown unary operator %q", e.Operator)
	return nil
}

func (i *Interpreter) VisitIndexExpr(e *parser.Index) interface{} {
	obj, err := i.eval(e.Object)
	if err != nil {
		return nil
	}
	key, err := i.eval(e.Key)
	if err != nil {
		return nil
	}
	res, serr := subscript(obj, key)
	if serr != nil {
		i.fail(errKind(serr), e.Line, "%s", serr.Error())
		return nil
	}
	return res
}

func (i *Interpreter) VisitListExpr(e *parser.ListExpr) interface{} {
	items := make([]Value, len(e.Elements))
	for idx, el := range e.Elements {
		v, err := i.eval(el)
		if err != nil {
			return nil
		}
		items[idx] = v
	}
	return &ListValue{Items: items}
}

func (i *Interpreter) VisitTupleExpr(e *parser.TupleExpr) interface{} {
	items := make(TupleValue, len(e.Elements))
	for idx, el := range e.Elements {
		v, err := i.eval(el)
		if err != nil {
			return nil
		}
		items[idx] = v
	}
	return items
}

func (i *Interpreter) VisitCallExpr(e *parser.Call) interface{} {
	callee, err := i.eval(e.Callee)
	if err != nil {
		return nil
	}
	args := make([]Value, len(e.Args))
	for idx, a := range e.Args {
		v, err := i.eval(a)
		if err != nil {
			return nil
		}
		args[idx] = v
	}
	res, cerr := i.call(callee, args, e.Line)
	if cerr != nil {
		if i.err == nil {
			i.err = cerr
		}
		return nil
	}
	return res
}

// call dispatches to a user function (snapshot-and-restore globals), a
// native builtin, or an extern spec via the library bridge.
func (i *Interpreter) call(callee Value, args []Value, line int) (Value, error) {
	switch fn := callee.(type) {
	case *parser.FuncDeclStmt:
		snapshot := make(map[string]Value, len(i.globals))
		for k, v := range i.globals {
			snapshot[k] = v
		}
		for idx, p := range fn.Params {
			if idx < len(args) {
				i.globals[p] = args[idx]
			} else {
				i.globals[p] = nil // spec.md §7: arity mismatch pads with null
			}
		}
		prevReturning, prevReturnValue := i.returning, i.returnValue
		i.returning, i.returnValue = false, nil

		i.execBlock(fn.Body)

		result := i.returnValue
		returnErr := i.err
		i.globals = snapshot
		i.returning, i.returnValue = prevReturning, prevReturnValue
		if returnErr != nil {
			return nil, returnErr
		}
		return result, nil

	case *NativeFunction:
		return fn.Fn(i, args)

	case *lambdaValue:
		snapshot := make(map[string]Value, len(i.globals))
		for k, v := range i.globals {
			snapshot[k] = v
		}
		for idx, p := range fn.Params {
			if idx < len(args) {
				i.globals[p] = args[idx]
			} else {
				i.globals[p] = nil
			}
		}
		v, err := i.eval(fn.Body)
		i.globals = snapshot
		return v, err

	case *externValue:
		if i.bridge == nil {
			return nil, flowerrors.New(flowerrors.IOError, i.file, line, 0,
				"no library bridge configured for extern %q (library %q)", fn.Name, fn.Library)
		}
		iargs := make([]interface{}, len(args))
		copy(iargs, args)
		spec := &bytecode.ExternSpec{Library: fn.Library, Name: fn.Name, Params: fn.Params, Returns: fn.Returns}
		res, err := i.bridge.Call(spec, iargs)
		if err != nil {
			return nil, flowerrors.Wrap(flowerrors.IOError, i.file, line, 0, err, "extern call %s failed", fn.Name)
		}
		return res, nil

	default:
		return nil, flowerrors.New(flowerrors.TypeError, i.file, line, 0, "%s is not callable", TypeName(callee))
	}
}

func (i *Interpreter) VisitBuiltinCallExpr(e *parser.BuiltinCall) interface{} {
	nf, ok := i.builtins[e.Name]
	if !ok {
		i.fail(flowerrors.NameError, e.Line, "no such builtin %q", e.Name)
		return nil
	}
	args := make([]Value, len(e.Args))
	for idx, a := range e.Args {
		v, err := i.eval(a)
		if err != nil {
			return nil
		}
		args[idx] = v
	}
	res, err := nf.Fn(i, args)
	if err != nil {
		if i.err == nil {
			i.err = err
		}
		return nil
	}
	return res
}

func (i *Interpreter) VisitLambdaExpr(e *parser.Lambda) interface{} {
	return &lambdaValue{Params: e.Params, Body: e.Body}
}

func (i *Interpreter) VisitWalrusExpr(e *parser.Walrus) interface{} {
	v, err := i.eval(e.Value)
	if err != nil {
		return nil
	}
	i.globals[e.Name] = v
	return v
}

func (i *Interpreter) VisitPipelineExpr(e *parser.Pipeline) interface{} {
	left, err := i.eval(e.Left)
	if err != nil {
		return nil
	}
	right, err := i.eval(e.Right)
	if err != nil {
		return nil
	}
	res, cerr := i.call(right, []Value{left}, e.Line)
	if cerr != nil {
		if i.err == nil {
			i.err = cerr
		}
		return nil
	}
	return res
}

func (i *Interpreter) VisitSpawnExpr(e *parser.Spawn) interface{} {
	i.MintTaskID()
	v, err := i.eval(e.Expr)
	if err != nil {
		return nil
	}
	return v
}

func (i *Interpreter) VisitAwaitExpr(e *parser.Await) interface{} {
	v, err := i.eval(e.Expr)
	if err != nil {
		return nil
	}
	return v
}

// externValue is the tree-walker's runtime form of an extern declaration,
// mirroring *bytecode.ExternSpec without importing the bytecode package.
type externValue struct {
	Library string
	Name    string
	Params  []string
	Returns string
}

// lambdaValue is a callable tree-walking closure in everything but name —
// per spec.md §9 the core has no closure semantics, so calling one runs
// against whatever the interpreter's globals look like at call time.
type lambdaValue struct {
	Params []string
	Body   parser.Expr
}

var treeBinaryOps = map[string]bytecode.Op{
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

var treeCompareOps = map[string]bytecode.CompareKind{
	"<":  bytecode.CmpLT,
	"<=": bytecode.CmpLE,
	"==": bytecode.CmpEQ,
	"!=": bytecode.CmpNE,
	">":  bytecode.CmpGT,
	">=": bytecode.CmpGE,
}
