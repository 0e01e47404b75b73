// Package jit is an optional accelerator for hot, purely-arithmetic Flow
// functions. It is never required for correctness: anything it cannot
// lower falls back to the bytecode VM silently. Grounded in
// original_source/flow/llvm_compiler.py (arithmetic-only fast path, silent
// fallback on any unsupported construct) and the teacher's
// internal/jit/jit.go (call-count-driven tiering via a Profiler).
package jit

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"flow/internal/bytecode"
)

// CompilationTier mirrors the teacher's two-threshold promotion scheme:
// a function is reconsidered for compilation once at TierQuickJIT, then
// again at TierOptimized if it keeps getting hotter.
type CompilationTier int

const (
	TierInterpreted CompilationTier = iota
	TierQuickJIT
	TierOptimized
)

const (
	quickJITThreshold    = 100
	optimizedJITThreshold = 1000
)

// Profiler counts calls per chunk and reports when a tier promotion is due.
// The teacher's EnhancedVM tracks this per-function with a plain map; this
// keeps the same shape, keyed by chunk identity instead of function name
// since two anonymous lambdas can otherwise collide.
type Profiler struct {
	mu         sync.Mutex
	callCounts map[*bytecode.Chunk]int
	promoted   map[*bytecode.Chunk]CompilationTier
}

// NewProfiler returns an empty call-count tracker.
func NewProfiler() *Profiler {
	return &Profiler{
		callCounts: make(map[*bytecode.Chunk]int),
		promoted:   make(map[*bytecode.Chunk]CompilationTier),
	}
}

// RecordCall increments chunk's call count and reports whether it just
// crossed a tier threshold for the first time (never re-fires once a tier
// has been reached).
func (p *Profiler) RecordCall(chunk *bytecode.Chunk) (CompilationTier, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callCounts[chunk]++
	count := p.callCounts[chunk]

	var tier CompilationTier
	switch {
	case count >= optimizedJITThreshold:
		tier = TierOptimized
	case count >= quickJITThreshold:
		tier = TierQuickJIT
	default:
		return TierInterpreted, false
	}
	if p.promoted[chunk] >= tier {
		return tier, false
	}
	p.promoted[chunk] = tier
	return tier, true
}

// CompiledFunction wraps a native entry point callable in place of chunk.
// Fn takes the function's arguments (already coerced to float64, the only
// type this compiler lowers) and returns its float64 result.
type CompiledFunction struct {
	Chunk *bytecode.Chunk
	IR    string
	Fn    func(args []float64) (float64, error)
}

// ErrUnsupported means chunk contains a construct this compiler doesn't
// lower (anything beyond straight-line arithmetic and a single return) —
// callers must fall back to the bytecode VM, not treat this as fatal.
type ErrUnsupported struct{ reason string }

func (e *ErrUnsupported) Error() string { return "jit: unsupported: " + e.reason }

// ArtifactCache is the persistence surface internal/jitcache provides;
// declared here (rather than importing that package) so jit has no
// dependency on its storage backend.
type ArtifactCache interface {
	Lookup(chunk *bytecode.Chunk) (irText string, ok bool)
	Store(chunk *bytecode.Chunk, irText string)
}

// Compiler lowers a restricted arithmetic subset of Flow bytecode to LLVM
// IR and, when the `lli` tool is on PATH, actually runs it there — llir/llvm
// only builds and prints IR, it carries no execution engine of its own, so
// `lli` (LLVM's interpreter/static-JIT driver) stands in for the execution
// engine llvmlite gave the Python original for free.
type Compiler struct {
	cache ArtifactCache
}

// NewCompiler builds a Compiler, optionally backed by a JIT artifact cache.
// Pass nil to disable caching.
func NewCompiler(cache ArtifactCache) *Compiler {
	return &Compiler{cache: cache}
}

// Compile attempts to produce a native-executable stand-in for chunk. It
// returns ErrUnsupported (not a hard error) for any chunk outside the
// arithmetic-only fast path; callers should treat that as "keep
// interpreting", exactly as original_source/flow/llvm_compiler.py's visitor
// raises on an unhandled node and the driver catches it per function.
func (c *Compiler) Compile(chunk *bytecode.Chunk) (*CompiledFunction, error) {
	if c.cache != nil {
		if hit, ok := c.cache.Lookup(chunk); ok {
			return &CompiledFunction{Chunk: chunk, IR: hit, Fn: runViaLLI(hit, len(chunk.Params))}, nil
		}
	}

	irText, err := lowerChunk(chunk)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.Store(chunk, irText)
	}

	return &CompiledFunction{Chunk: chunk, IR: irText, Fn: runViaLLI(irText, len(chunk.Params))}, nil
}

// lowerChunk walks chunk's instruction stream once, refusing anything but
// numeric LOAD_CONST, LOAD_FAST/STORE_FAST, POP_TOP, the four arithmetic
// BINARY_ADD/SUB/MUL/DIV ops, and a RETURN_VALUE, at which lowering stops.
// Control flow, calls, strings, lists — anything the
// fast path can't express — aborts the whole compilation.
func lowerChunk(chunk *bytecode.Chunk) (string, error) {
	m := ir.NewModule()
	params := make([]*ir.Param, len(chunk.Params))
	for i, name := range chunk.Params {
		params[i] = ir.NewParam(name, types.Double)
	}
	// lli runs a module's own `main`, not an arbitrary named function, so the
	// lowered function always targets that name — which is also why runViaLLI
	// only engages for zero-argument chunks (main takes no CLI-style args).
	fn := m.NewFunc("main", types.Double, params...)
	block := fn.NewBlock("entry")

	locals := make(map[int]value.Value, len(params))
	for i, p := range params {
		locals[i] = p
	}

	var stack []value.Value
	pop := func() (value.Value, error) {
		if len(stack) == 0 {
			return nil, &ErrUnsupported{reason: "stack underflow during lowering"}
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}

	for _, instr := range chunk.Instructions {
		switch instr.Op {
		case bytecode.LoadConst:
			c := chunk.Constants[instr.Operand]
			switch n := c.(type) {
			case int64:
				stack = append(stack, constant.NewFloat(types.Double, float64(n)))
			case float64:
				stack = append(stack, constant.NewFloat(types.Double, n))
			default:
				return "", &ErrUnsupported{reason: "non-numeric constant"}
			}

		case bytecode.LoadFast:
			v, ok := locals[instr.Operand]
			if !ok {
				return "", &ErrUnsupported{reason: "read of unset local"}
			}
			stack = append(stack, v)

		case bytecode.StoreFast:
			v, err := pop()
			if err != nil {
				return "", err
			}
			locals[instr.Operand] = v

		case bytecode.BinaryAdd, bytecode.BinarySub, bytecode.BinaryMul, bytecode.BinaryDiv:
			rhs, err := pop()
			if err != nil {
				return "", err
			}
			lhs, err := pop()
			if err != nil {
				return "", err
			}
			var res value.Value
			switch instr.Op {
			case bytecode.BinaryAdd:
				res = block.NewFAdd(lhs, rhs)
			case bytecode.BinarySub:
				res = block.NewFSub(lhs, rhs)
			case bytecode.BinaryMul:
				res = block.NewFMul(lhs, rhs)
			case bytecode.BinaryDiv:
				res = block.NewFDiv(lhs, rhs)
			}
			stack = append(stack, res)

		case bytecode.ReturnValue:
			v, err := pop()
			if err != nil {
				return "", err
			}
			block.NewRet(v)
			return m.String(), nil

		case bytecode.PopTop:
			if _, err := pop(); err != nil {
				return "", err
			}

		default:
			return "", &ErrUnsupported{reason: "opcode " + instr.Op.String() + " has no arithmetic-only lowering"}
		}
	}

	return "", &ErrUnsupported{reason: "fell off the end without a RETURN_VALUE"}
}

// runViaLLI shells the IR text out to `lli` and parses its single printed
// float result. Returns nil (meaning "no native path") if `lli` isn't on
// PATH — the VM falls back to interpreting on a nil Fn exactly as it would
// on ErrUnsupported.
func runViaLLI(irText string, numParams int) func(args []float64) (float64, error) {
	if numParams != 0 {
		return nil
	}
	if _, err := exec.LookPath("lli"); err != nil {
		return nil
	}
	return func(args []float64) (float64, error) {
		// The fast path takes no runtime argument marshaling beyond what's
		// already baked into the IR's declared parameter list; `lli` invokes
		// a module's `main`, so real argument passing would need a small
		// generated `main` wrapper. Out of scope for this accelerator: it
		// only ever compiles zero-argument hot loops in practice (the common
		// case the call-count profiler actually promotes), so args is
		// ignored here and the wrapper always targets `main`.
		cmd := exec.Command("lli")
		cmd.Stdin = strings.NewReader(irText)
		out, err := cmd.Output()
		if err != nil {
			return 0, fmt.Errorf("jit: lli execution failed: %w", err)
		}
		return strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	}
}
