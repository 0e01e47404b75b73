// Package bytecode defines Flow's closed instruction set and the code
// object (instructions + constant pool + locals metadata) the compiler
// produces and the VM consumes.
package bytecode

// Op is the closed, 35-member opcode set.
type Op byte

const (
	LoadConst Op = iota
	StoreName
	LoadName
	LoadFast
	StoreFast
	LoadGlobal
	StoreGlobal

	BinaryAdd
	BinarySub
	BinaryMul
	BinaryDiv
	BinaryMod
	BinaryPow
	BinaryAnd
	BinaryOr
	BinaryXor
	BinaryLShift
	BinaryRShift

	UnaryNegative
	UnaryNot

	CompareOp

	Print

	Jump
	JumpIfFalse

	ReturnValue

	CallFunction
	CallBuiltin

	PopTop
	BuildList
	BuildTuple
	Subscr
	StoreSubscr
	DupTop
	GetIter
	ForIter
)

var names = map[Op]string{
	LoadConst:     "LOAD_CONST",
	StoreName:     "STORE_NAME",
	LoadName:      "LOAD_NAME",
	LoadFast:      "LOAD_FAST",
	StoreFast:     "STORE_FAST",
	LoadGlobal:    "LOAD_GLOBAL",
	StoreGlobal:   "STORE_GLOBAL",
	BinaryAdd:     "BINARY_ADD",
	BinarySub:     "BINARY_SUB",
	BinaryMul:     "BINARY_MUL",
	BinaryDiv:     "BINARY_DIV",
	BinaryMod:     "BINARY_MOD",
	BinaryPow:     "BINARY_POW",
	BinaryAnd:     "BINARY_AND",
	BinaryOr:      "BINARY_OR",
	BinaryXor:     "BINARY_XOR",
	BinaryLShift:  "BINARY_LSHIFT",
	BinaryRShift:  "BINARY_RSHIFT",
	UnaryNegative: "UNARY_NEGATIVE",
	UnaryNot:      "UNARY_NOT",
	CompareOp:     "COMPARE_OP",
	Print:         "PRINT",
	Jump:          "JUMP",
	JumpIfFalse:   "JUMP_IF_FALSE",
	ReturnValue:   "RETURN_VALUE",
	CallFunction:  "CALL_FUNCTION",
	CallBuiltin:   "CALL_BUILTIN",
	PopTop:        "POP_TOP",
	BuildList:     "BUILD_LIST",
	BuildTuple:    "BUILD_TUPLE",
	Subscr:        "SUBSCR",
	StoreSubscr:   "STORE_SUBSCR",
	DupTop:        "DUP_TOP",
	GetIter:       "GET_ITER",
	ForIter:       "FOR_ITER",
}

func (o Op) String() string {
	if n, ok := names[o]; ok {
		return n
	}
	return "UNKNOWN_OP"
}

// CompareKind is COMPARE_OP's sub-operator.
type CompareKind int

const (
	CmpLT CompareKind = iota
	CmpLE
	CmpEQ
	CmpNE
	CmpGT
	CmpGE
)
