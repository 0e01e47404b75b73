package vm

import (
	"fmt"
	"math"

	"flow/internal/bytecode"
	flowerrors "flow/internal/errors"
	"flow/internal/ffi"
	"flow/internal/jit"
)

// frame is one activation record: its own instruction pointer, the chunk
// it's executing, and its local-slot vector. Parameters occupy slots
// 0..n-1; LOAD_FAST/STORE_FAST index directly into locals.
type frame struct {
	chunk  *bytecode.Chunk
	ip     int
	locals []Value

	// globalsSnapshot is a copy of vm.globals taken just before this frame's
	// call, restored when the frame returns or falls off the end — the
	// bytecode-path twin of treewalk.go's call()'s snapshot-and-restore, so
	// a STORE_NAME inside a function never outlives that call. nil for the
	// module-level frame, which isn't itself a call.
	globalsSnapshot map[string]Value
}

// iterator backs GET_ITER/FOR_ITER: a cursor over a materialized sequence
// of values, mutated in place as FOR_ITER advances it.
type iterator struct {
	items []Value
	index int
}

// DebugHook observes VM execution without altering it — internal/profiler
// implements this to stream instruction/call/return/error events.
type DebugHook interface {
	OnInstruction(vm *VM, ip int, debug bytecode.DebugInfo) bool
	OnCall(vm *VM, function string, debug bytecode.DebugInfo)
	OnReturn(vm *VM, debug bytecode.DebugInfo)
	OnError(vm *VM, err error, debug bytecode.DebugInfo)
}

// VM executes a compiled *bytecode.Chunk.
type VM struct {
	stack   []Value
	frames  []*frame
	globals map[string]Value

	builtins map[string]*NativeFunction
	fileCache *fileCache

	file      string
	lastTaskID string

	debugHook DebugHook
	bridge    ffi.Bridge

	jitCompiler *jit.Compiler
	jitProfiler *jit.Profiler
}

// NewVM builds a VM ready to run chunk, with the full built-in registry
// pre-populated.
func NewVM(chunk *bytecode.Chunk, file string) *VM {
	vm := &VM{
		globals:   make(map[string]Value),
		file:      file,
		fileCache: newFileCache(),
	}
	vm.builtins = registerBuiltins()
	vm.frames = []*frame{{chunk: chunk, locals: make([]Value, chunk.NumLocals)}}
	return vm
}

func (vm *VM) File() string { return vm.file }

// ReadFile/WriteFile/MintTaskID implement Caller for built-ins.
func (vm *VM) ReadFile(path string) (string, error)  { return vm.fileCache.read(path) }
func (vm *VM) WriteFile(path, content string) error {
	if err := writeFile(path, content); err != nil {
		return err
	}
	vm.fileCache.invalidate(path)
	return nil
}
func (vm *VM) MintTaskID() string { return vm.mintTaskID() }

// SetDebugHook attaches a profiler/debugger observer.
func (vm *VM) SetDebugHook(hook DebugHook) { vm.debugHook = hook }

// SetBridge injects the library bridge used to resolve extern calls.
func (vm *VM) SetBridge(b ffi.Bridge) { vm.bridge = b }

// SetJIT attaches the optional native accelerator: the profiler records
// every call to a chunk, and the call on which a chunk crosses a tier
// threshold tries compiling it to LLVM IR; all other calls interpret.
// Never required for correctness — a nil jit
// compiler (the default) just means every call interprets normally.
func (vm *VM) SetJIT(compiler *jit.Compiler, profiler *jit.Profiler) {
	vm.jitCompiler = compiler
	vm.jitProfiler = profiler
}

// tryJIT attempts to run fn natively in place of pushing an interpreter
// frame for it. Returns ok=false on anything that isn't a clean numeric
// result — the caller falls back to vm.invoke's normal frame-push path.
func (vm *VM) tryJIT(fn *bytecode.Chunk, args []Value) (Value, bool) {
	if vm.jitCompiler == nil || vm.jitProfiler == nil {
		return nil, false
	}
	if _, promoted := vm.jitProfiler.RecordCall(fn); !promoted {
		return nil, false
	}
	compiled, err := vm.jitCompiler.Compile(fn)
	if err != nil || compiled.Fn == nil {
		return nil, false
	}
	fargs := make([]float64, len(args))
	for i, a := range args {
		f, ok := toFloat(a)
		if !ok {
			return nil, false
		}
		fargs[i] = f
	}
	result, err := compiled.Fn(fargs)
	if err != nil {
		return nil, false
	}
	return result, true
}

func (vm *VM) push(v Value) { vm.stack = append(vm.stack, v) }

func (vm *VM) pop() Value {
	n := len(vm.stack)
	v := vm.stack[n-1]
	vm.stack = vm.stack[:n-1]
	return v
}

func (vm *VM) peek() Value { return vm.stack[len(vm.stack)-1] }

func (vm *VM) rt(line int, kind flowerrors.Kind, format string, args ...interface{}) error {
	return flowerrors.New(kind, vm.file, line, 0, format, args...)
}

// Run executes the module chunk to completion and returns its (normally
// discarded) fall-off-the-end value.
func (vm *VM) Run() (Value, error) {
	return vm.exec(0)
}

// CallValue invokes any callable Value (a function code object, a native
// builtin, or an extern spec) with args already evaluated, and returns its
// result — used by the map/filter/reduce builtins to call back into a
// Flow function value.
func (vm *VM) CallValue(callee Value, args []Value) (Value, error) {
	depth := len(vm.frames)
	if err := vm.invoke(callee, args, 0); err != nil {
		return nil, err
	}
	return vm.exec(depth)
}

// exec runs instructions until the frame stack depth returns to stopDepth,
// then returns the value the most recent RETURN_VALUE (or fall-through)
// left on top of the stack. Run() calls this with stopDepth 0; CallValue
// calls it with the depth recorded just before pushing the callee's frame.
func (vm *VM) exec(stopDepth int) (Value, error) {
	for {
		if len(vm.frames) <= stopDepth {
			return vm.pop(), nil
		}
		f := vm.frames[len(vm.frames)-1]

		if f.ip >= len(f.chunk.Instructions) {
			vm.popFrame(f)
			vm.push(nil)
			continue
		}

		instr := f.chunk.Instructions[f.ip]
		debug := f.chunk.GetDebugInfo(f.ip)
		f.ip++

		if vm.debugHook != nil {
			if cont := vm.debugHook.OnInstruction(vm, f.ip-1, debug); !cont {
				return nil, vm.rt(debug.Line, flowerrors.RuntimeError, "execution halted by debug hook")
			}
		}

		if err := vm.step(f, instr, debug); err != nil {
			if vm.debugHook != nil {
				vm.debugHook.OnError(vm, err, debug)
			}
			return nil, err
		}
	}
}

// popFrame pops f off the frame stack and, if f was a function call
// (globalsSnapshot set), restores vm.globals to what it was just before
// that call — the bytecode-path counterpart of treewalk.go's call()
// assigning i.globals = snapshot on the way out.
func (vm *VM) popFrame(f *frame) {
	vm.frames = vm.frames[:len(vm.frames)-1]
	if f.globalsSnapshot != nil {
		vm.globals = f.globalsSnapshot
	}
}

func (vm *VM) step(f *frame, instr bytecode.Instruction, debug bytecode.DebugInfo) error {
	line := debug.Line
	switch instr.Op {
	case bytecode.LoadConst:
		vm.push(f.chunk.Constants[instr.Operand])

	case bytecode.LoadName:
		name := f.chunk.Constants[instr.Operand].(string)
		v, ok := vm.globals[name]
		if !ok {
			return vm.rt(line, flowerrors.NameError, "name %q is not defined", name)
		}
		vm.push(v)

	case bytecode.StoreName:
		name := f.chunk.Constants[instr.Operand].(string)
		vm.globals[name] = vm.pop()

	case bytecode.LoadGlobal:
		name := f.chunk.Constants[instr.Operand].(string)
		v, ok := vm.globals[name]
		if !ok {
			return vm.rt(line, flowerrors.NameError, "name %q is not defined", name)
		}
		vm.push(v)

	case bytecode.StoreGlobal:
		name := f.chunk.Constants[instr.Operand].(string)
		vm.globals[name] = vm.pop()

	case bytecode.LoadFast:
		if instr.Operand >= len(f.locals) {
			return vm.rt(line, flowerrors.RuntimeError, "local slot %d out of range", instr.Operand)
		}
		vm.push(f.locals[instr.Operand])

	case bytecode.StoreFast:
		if instr.Operand >= len(f.locals) {
			return vm.rt(line, flowerrors.RuntimeError, "local slot %d out of range", instr.Operand)
		}
		f.locals[instr.Operand] = vm.pop()

	case bytecode.BinaryAdd, bytecode.BinarySub, bytecode.BinaryMul, bytecode.BinaryDiv,
		bytecode.BinaryMod, bytecode.BinaryPow, bytecode.BinaryAnd, bytecode.BinaryOr,
		bytecode.BinaryXor, bytecode.BinaryLShift, bytecode.BinaryRShift:
		right := vm.pop()
		left := vm.pop()
		res, err := binaryOp(instr.Op, left, right)
		if err != nil {
			return vm.rt(line, flowerrors.TypeError, "%s", err.Error())
		}
		vm.push(res)

	case bytecode.UnaryNegative:
		v := vm.pop()
		res, err := negate(v)
		if err != nil {
			return vm.rt(line, flowerrors.TypeError, "%s", err.Error())
		}
		vm.push(res)

	case bytecode.UnaryNot:
		vm.push(!Truthy(vm.pop()))

	case bytecode.CompareOp:
		right := vm.pop()
		left := vm.pop()
		res, err := compare(bytecode.CompareKind(instr.Operand), left, right)
		if err != nil {
			return vm.rt(line, flowerrors.TypeError, "%s", err.Error())
		}
		vm.push(res)

	case bytecode.Print:
		vals := make([]Value, instr.Operand)
		for i := instr.Operand - 1; i >= 0; i-- {
			vals[i] = vm.pop()
		}
		printValues(vals)

	case bytecode.Jump:
		f.ip = instr.Operand

	case bytecode.JumpIfFalse:
		if !Truthy(vm.pop()) {
			f.ip = instr.Operand
		}

	case bytecode.ReturnValue:
		val := vm.pop()
		vm.popFrame(f)
		vm.push(val)
		if vm.debugHook != nil {
			vm.debugHook.OnReturn(vm, debug)
		}

	case bytecode.CallFunction:
		n := instr.Operand
		args := make([]Value, n)
		for i := n - 1; i >= 0; i-- {
			args[i] = vm.pop()
		}
		callee := vm.pop()
		if vm.debugHook != nil {
			vm.debugHook.OnCall(vm, ToString(callee), debug)
		}
		if err := vm.invoke(callee, args, line); err != nil {
			return err
		}

	case bytecode.CallBuiltin:
		argc, ok := vm.pop().(int64)
		if !ok {
			return vm.rt(line, flowerrors.RuntimeError, "malformed builtin call: missing argument count")
		}
		args := make([]Value, argc)
		for i := int64(len(args)) - 1; i >= 0; i-- {
			args[i] = vm.pop()
		}
		name := f.chunk.Constants[instr.Operand].(string)
		nf, ok := vm.builtins[name]
		if !ok {
			return vm.rt(line, flowerrors.NameError, "no such builtin %q", name)
		}
		res, err := nf.Fn(vm, args)
		if err != nil {
			return err
		}
		vm.push(res)

	case bytecode.PopTop:
		vm.pop()

	case bytecode.BuildList:
		items := make([]Value, instr.Operand)
		for i := instr.Operand - 1; i >= 0; i-- {
			items[i] = vm.pop()
		}
		vm.push(&ListValue{Items: items})

	case bytecode.BuildTuple:
		items := make([]Value, instr.Operand)
		for i := instr.Operand - 1; i >= 0; i-- {
			items[i] = vm.pop()
		}
		vm.push(TupleValue(items))

	case bytecode.Subscr:
		key := vm.pop()
		obj := vm.pop()
		res, err := subscript(obj, key)
		if err != nil {
			return vm.rt(line, errKind(err), "%s", err.Error())
		}
		vm.push(res)

	case bytecode.StoreSubscr:
		val := vm.pop()
		key := vm.pop()
		obj := vm.pop()
		if err := storeSubscript(obj, key, val); err != nil {
			return vm.rt(line, errKind(err), "%s", err.Error())
		}

	case bytecode.DupTop:
		vm.push(vm.peek())

	case bytecode.GetIter:
		it, err := toIterator(vm.pop())
		if err != nil {
			return vm.rt(line, flowerrors.TypeError, "%s", err.Error())
		}
		vm.push(it)

	case bytecode.ForIter:
		it, ok := vm.peek().(*iterator)
		if !ok {
			return vm.rt(line, flowerrors.RuntimeError, "FOR_ITER on non-iterator")
		}
		if it.index >= len(it.items) {
			vm.pop()
			f.ip = instr.Operand
			return nil
		}
		v := it.items[it.index]
		it.index++
		vm.push(v)

	default:
		return vm.rt(line, flowerrors.RuntimeError, "unimplemented opcode %s", instr.Op)
	}
	return nil
}

// invoke dispatches a call to whichever kind of callable Value callee is,
// pushing a new frame for a code object or pushing the result directly for
// a native/extern call. The exec loop's next iteration naturally resumes
// in the new top frame, so no special-casing is needed at the call site.
func (vm *VM) invoke(callee Value, args []Value, line int) error {
	switch fn := callee.(type) {
	case *bytecode.Chunk:
		if result, ok := vm.tryJIT(fn, args); ok {
			vm.push(result)
			return nil
		}
		locals := make([]Value, fn.NumLocals)
		copy(locals, args) // spec.md §7: arity mismatch tolerated, padded with null
		snapshot := make(map[string]Value, len(vm.globals))
		for k, v := range vm.globals {
			snapshot[k] = v
		}
		vm.frames = append(vm.frames, &frame{chunk: fn, locals: locals, globalsSnapshot: snapshot})
		return nil
	case *NativeFunction:
		res, err := fn.Fn(vm, args)
		if err != nil {
			return err
		}
		vm.push(res)
		return nil
	case *bytecode.ExternSpec:
		if vm.bridge == nil {
			return vm.rt(line, flowerrors.IOError, "no library bridge configured for extern %q (library %q)", fn.Name, fn.Library)
		}
		iargs := make([]interface{}, len(args))
		copy(iargs, args)
		res, err := vm.bridge.Call(fn, iargs)
		if err != nil {
			return vm.rt(line, flowerrors.IOError, "extern call %s failed: %s", fn.Name, err.Error())
		}
		vm.push(res)
		return nil
	default:
		return vm.rt(line, flowerrors.TypeError, "%s is not callable", TypeName(callee))
	}
}

func errKind(err error) flowerrors.Kind {
	if _, ok := err.(indexErr); ok {
		return flowerrors.IndexError
	}
	return flowerrors.TypeError
}

type indexErr struct{ error }

func binaryOp(op bytecode.Op, left, right Value) (Value, error) {
	if op == bytecode.BinaryAdd {
		if ls, ok := left.(string); ok {
			if rs, ok := right.(string); ok {
				return ls + rs, nil
			}
		}
	}
	li, lIsInt := left.(int64)
	ri, rIsInt := right.(int64)
	if lIsInt && rIsInt {
		switch op {
		case bytecode.BinaryAdd:
			return li + ri, nil
		case bytecode.BinarySub:
			return li - ri, nil
		case bytecode.BinaryMul:
			return li * ri, nil
		case bytecode.BinaryDiv:
			if ri == 0 {
				return nil, errType("division by zero")
			}
			return li / ri, nil
		case bytecode.BinaryMod:
			if ri == 0 {
				return nil, errType("modulo by zero")
			}
			return li % ri, nil
		case bytecode.BinaryPow:
			return int64(math.Pow(float64(li), float64(ri))), nil
		case bytecode.BinaryAnd:
			return li & ri, nil
		case bytecode.BinaryOr:
			return li | ri, nil
		case bytecode.BinaryXor:
			return li ^ ri, nil
		case bytecode.BinaryLShift:
			return li << uint(ri), nil
		case bytecode.BinaryRShift:
			return li >> uint(ri), nil
		}
	}

	lf, lOK := toFloat(left)
	rf, rOK := toFloat(right)
	if lOK && rOK {
		switch op {
		case bytecode.BinaryAdd:
			return lf + rf, nil
		case bytecode.BinarySub:
			return lf - rf, nil
		case bytecode.BinaryMul:
			return lf * rf, nil
		case bytecode.BinaryDiv:
			if rf == 0 {
				return nil, errType("division by zero")
			}
			return lf / rf, nil
		case bytecode.BinaryMod:
			return math.Mod(lf, rf), nil
		case bytecode.BinaryPow:
			return math.Pow(lf, rf), nil
		}
		return nil, errType("bitwise operator requires integer operands")
	}
	return nil, errType("unsupported operand types for binary op: %s and %s", TypeName(left), TypeName(right))
}

func negate(v Value) (Value, error) {
	switch x := v.(type) {
	case int64:
		return -x, nil
	case float64:
		return -x, nil
	}
	return nil, errType("unary - requires a number, got %s", TypeName(v))
}

func compare(kind bytecode.CompareKind, left, right Value) (Value, error) {
	if kind == bytecode.CmpEQ {
		return valuesEqual(left, right), nil
	}
	if kind == bytecode.CmpNE {
		return !valuesEqual(left, right), nil
	}
	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok {
			switch kind {
			case bytecode.CmpLT:
				return ls < rs, nil
			case bytecode.CmpLE:
				return ls <= rs, nil
			case bytecode.CmpGT:
				return ls > rs, nil
			case bytecode.CmpGE:
				return ls >= rs, nil
			}
		}
	}
	lf, lOK := toFloat(left)
	rf, rOK := toFloat(right)
	if !lOK || !rOK {
		return nil, errType("unsupported comparison between %s and %s", TypeName(left), TypeName(right))
	}
	switch kind {
	case bytecode.CmpLT:
		return lf < rf, nil
	case bytecode.CmpLE:
		return lf <= rf, nil
	case bytecode.CmpGT:
		return lf > rf, nil
	case bytecode.CmpGE:
		return lf >= rf, nil
	}
	return nil, errType("unknown comparison operator")
}

func toFloat(v Value) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func subscript(obj, key Value) (Value, error) {
	idx, ok := key.(int64)
	if !ok {
		return nil, errType("index must be an integer, got %s", TypeName(key))
	}
	switch x := obj.(type) {
	case *ListValue:
		i, err := resolveIndex(idx, len(x.Items))
		if err != nil {
			return nil, err
		}
		return x.Items[i], nil
	case TupleValue:
		i, err := resolveIndex(idx, len(x))
		if err != nil {
			return nil, err
		}
		return x[i], nil
	case string:
		i, err := resolveIndex(idx, len(x))
		if err != nil {
			return nil, err
		}
		return string(x[i]), nil
	}
	return nil, errType("%s is not indexable", TypeName(obj))
}

func storeSubscript(obj, key, val Value) error {
	idx, ok := key.(int64)
	if !ok {
		return errType("index must be an integer, got %s", TypeName(key))
	}
	list, ok := obj.(*ListValue)
	if !ok {
		return errType("%s does not support item assignment", TypeName(obj))
	}
	i, err := resolveIndex(idx, len(list.Items))
	if err != nil {
		return err
	}
	list.Items[i] = val
	return nil
}

func resolveIndex(idx int64, length int) (int, error) {
	i := int(idx)
	if i < 0 {
		i += length
	}
	if i < 0 || i >= length {
		return 0, indexErr{errType("index %d out of range", idx)}
	}
	return i, nil
}

func toIterator(v Value) (*iterator, error) {
	switch x := v.(type) {
	case *ListValue:
		items := make([]Value, len(x.Items))
		copy(items, x.Items)
		return &iterator{items: items}, nil
	case TupleValue:
		items := make([]Value, len(x))
		copy(items, x)
		return &iterator{items: items}, nil
	case string:
		items := make([]Value, len(x))
		for i, r := range []byte(x) {
			items[i] = string(r)
		}
		return &iterator{items: items}, nil
	}
	return nil, errType("%s is not iterable", TypeName(v))
}

func errType(format string, args ...interface{}) error {
	return &typeErr{msg: fmt.Sprintf(format, args...)}
}

type typeErr struct{ msg string }

func (e *typeErr) Error() string { return e.msg }
