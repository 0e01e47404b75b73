package bytecode

// Instruction is an (opcode, optional operand) pair. Operand meaning
// depends on Op: a constant-pool index, a local slot, a jump target
// (an absolute instruction index), an argument count, or a CompareKind.
type Instruction struct {
	Op      Op
	Operand int
}

// DebugInfo stores the source position each instruction was emitted from.
type DebugInfo struct {
	Line     int
	Column   int
	File     string
	Function string
}

// Chunk is a code object: the immutable bundle returned from compiling one
// function body (or the module's top-level body) and consumed by the VM
// when that function is invoked.
type Chunk struct {
	Instructions []Instruction
	Constants    []interface{}
	Debug        []DebugInfo

	Params     []string
	NumLocals  int
	LocalNames []string
}

func NewChunk() *Chunk {
	return &Chunk{}
}

// Emit appends an instruction and returns its index, for later jump
// patching (Patch).
func (c *Chunk) Emit(op Op, operand int, debug DebugInfo) int {
	c.Instructions = append(c.Instructions, Instruction{Op: op, Operand: operand})
	c.Debug = append(c.Debug, debug)
	return len(c.Instructions) - 1
}

// Patch rewrites the operand of a previously emitted instruction — used to
// back-patch JUMP/JUMP_IF_FALSE placeholders to an absolute target index
// once that index is known.
func (c *Chunk) Patch(index, operand int) {
	c.Instructions[index].Operand = operand
}

// Here returns the index the next Emit call will produce — the current
// absolute instruction index, used as a jump target.
func (c *Chunk) Here() int {
	return len(c.Instructions)
}

// AddConstant deduplicates by structural equality: comparable values
// (strings, bools, ints, floats) that already occur in the pool return
// their existing index; non-comparable values (code objects, etc.) always
// get a fresh slot, since a Go map/== comparison would panic on them.
func (c *Chunk) AddConstant(val interface{}) int {
	if isComparable(val) {
		for i, existing := range c.Constants {
			if isComparable(existing) && existing == val {
				return i
			}
		}
	}
	c.Constants = append(c.Constants, val)
	return len(c.Constants) - 1
}

func isComparable(v interface{}) bool {
	switch v.(type) {
	case int64, float64, bool, string, nil:
		return true
	default:
		return false
	}
}

func (c *Chunk) GetDebugInfo(ip int) DebugInfo {
	if ip >= 0 && ip < len(c.Debug) {
		return c.Debug[ip]
	}
	return DebugInfo{}
}

// ExternSpec is the constant-pool payload an extern declaration compiles
// to: enough to resolve a library-bound call through internal/ffi at
// CALL_FUNCTION time, without the compiler ever linking against a driver.
type ExternSpec struct {
	Library string
	Name    string
	Params  []string
	Returns string
}
