// Command flow lexes, parses, compiles, and runs a single Flow source
// file — spec.md §6's driver, grounded in the teacher's cmd/sentra/main.go
// (flag parsing shape, no CLI-framework dependency — matches the rest of
// the retrieved pack, none of which imports cobra/urfave) and
// original_source/flow/flow_cli.py (the run/repl/--profile split).
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/mattn/go-isatty"

	"flow/internal/bytecode"
	"flow/internal/compiler"
	"flow/internal/ffi"
	"flow/internal/jit"
	"flow/internal/jitcache"
	"flow/internal/lexer"
	"flow/internal/parser"
	"flow/internal/profiler"
	"flow/internal/vm"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	var (
		file         string
		treeWalk     bool
		profileFlag  bool
		configPath   string
		profilerAddr string
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--treewalk":
			treeWalk = true
		case "--profile":
			profileFlag = true
		case "--config":
			i++
			if i < len(args) {
				configPath = args[i]
			}
		case "--profiler-addr":
			i++
			if i < len(args) {
				profilerAddr = args[i]
			}
		case "--help", "-h":
			usage()
			return
		default:
			file = args[i]
		}
	}
	if file == "" {
		usage()
		os.Exit(1)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("flow: loading config: %v", err)
	}

	source, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flow: cannot read %s: %v\n", file, err)
		os.Exit(1)
	}

	stmts, perr := parseSource(string(source), file)
	if perr != nil {
		reportError(perr, file)
		os.Exit(1)
	}

	bridge := ffi.NewSQLBridge()
	for library, dsn := range cfg.Bridges {
		bridge.Register(library, dsn)
	}
	defer bridge.Close()

	var prof *profiler.Profiler
	if profileFlag {
		prof = profiler.New()
		prof.Start()
	}
	if profilerAddr != "" {
		p := profiler.New()
		http.HandleFunc("/profile", p.Handler)
		go http.ListenAndServe(profilerAddr, nil)
		if prof == nil {
			prof = p
		}
	}

	var artifacts jit.ArtifactCache
	if cfg.JITCachePath != "" {
		cache, cerr := jitcache.Open(cfg.JITCachePath)
		if cerr != nil {
			log.Printf("flow: jit cache disabled: %v", cerr)
		} else {
			defer cache.Close()
			artifacts = cache
		}
	}

	var runErr error
	if treeWalk {
		interp := vm.NewInterpreter(file)
		interp.SetBridge(bridge)
		_, runErr = interp.Run(stmts)
	} else {
		chunk, cerr := compileStmts(stmts, file)
		if cerr != nil {
			reportError(cerr, file)
			os.Exit(1)
		}
		bcVM := vm.NewVM(chunk, file)
		bcVM.SetBridge(bridge)
		bcVM.SetJIT(jit.NewCompiler(artifacts), jit.NewProfiler())
		if prof != nil {
			bcVM.SetDebugHook(prof)
		}
		_, runErr = bcVM.Run()
	}

	if profileFlag && prof != nil {
		summary := prof.Stop()
		fmt.Fprintln(os.Stderr, summary.String())
	}

	if runErr != nil {
		reportError(runErr, file)
		os.Exit(1)
	}
}

func parseSource(source, file string) ([]parser.Stmt, error) {
	scanner := lexer.NewScanner(source, file)
	tokens, err := scanner.ScanTokens()
	if err != nil {
		return nil, err
	}
	p := parser.NewParser(tokens, file)
	return p.Parse()
}

func compileStmts(stmts []parser.Stmt, file string) (*bytecode.Chunk, error) {
	return compiler.Compile(stmts, file)
}

// reportError prints a FlowError in color when stderr is a terminal
// (detected via go-isatty, matching the teacher's convention of only
// decorating output for an interactive session), plain otherwise.
func reportError(err error, file string) {
	msg := err.Error()
	if isatty.IsTerminal(os.Stderr.Fd()) {
		fmt.Fprintf(os.Stderr, "\x1b[31m%s\x1b[0m\n", msg)
		return
	}
	fmt.Fprintln(os.Stderr, msg)
}

func usage() {
	fmt.Println("flow - a small imperative scripting language")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  flow <file.fl> [options]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --treewalk            Use the tree-walking interpreter instead of the bytecode VM")
	fmt.Println("  --profile             Print a profiling summary after the program exits")
	fmt.Println("  --profiler-addr ADDR  Serve a live websocket profiler feed at ADDR")
	fmt.Println("  --config PATH         Load bridge DSNs / JIT cache path from a YAML config file")
}
