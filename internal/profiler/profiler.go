// Package profiler implements vm.DebugHook and streams the events it sees
// as newline-delimited JSON to any attached websocket observer. Purely
// observational: attaching or detaching it changes no program output,
// matching spec.md's "the profiler is an optional collaborator" framing.
// Grounded in original_source/flow/profiler.py (call counts, per-function
// timing, memory deltas) and the teacher's internal/vm/vm.go DebugHook
// interface plus its websocket server shape.
package profiler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/ncruces/go-strftime"

	"flow/internal/bytecode"
	"flow/internal/vm"
)

// Event is one newline-delimited JSON record streamed to observers.
type Event struct {
	Kind      string `json:"kind"` // "instruction", "call", "return", "error"
	Time      string `json:"time"` // strftime-formatted wall clock
	Function  string `json:"function,omitempty"`
	Line      int    `json:"line,omitempty"`
	File      string `json:"file,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
}

// Profiler aggregates call counts/timings the way
// original_source/flow/profiler.py's FlowProfiler does, and fans every
// event out to connected websocket observers as it happens.
type Profiler struct {
	mu            sync.Mutex
	start         time.Time
	functionCalls map[string]int
	functionTime  map[string]time.Duration
	callStack     []string
	callStart     []time.Time

	observers []*observer
}

type observer struct {
	conn *websocket.Conn
	send chan Event
}

// New returns a Profiler with no observers attached yet.
func New() *Profiler {
	return &Profiler{
		functionCalls: make(map[string]int),
		functionTime:  make(map[string]time.Duration),
	}
}

// Start begins timing, mirroring FlowProfiler.start().
func (p *Profiler) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.start = time.Now()
}

// Summary is the human-readable report Stop returns, formatted the way
// flow_cli.py's --profile flag prints its results.
type Summary struct {
	TotalTime     time.Duration
	FunctionCalls map[string]int
	FunctionTime  map[string]time.Duration
}

// Stop ends timing and returns an aggregate summary.
func (p *Profiler) Stop() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Summary{
		TotalTime:     time.Since(p.start),
		FunctionCalls: copyIntMap(p.functionCalls),
		FunctionTime:  copyDurationMap(p.functionTime),
	}
}

// String renders a Summary the way flow_cli.py's repl/driver prints
// --profile output, using go-humanize to comma-group call counts;
// durations use time.Duration's own String.
func (s Summary) String() string {
	out := "=== Profiling Results ===\n"
	out += "Total execution time: " + s.TotalTime.String() + "\n"
	out += "Function calls:\n"
	for fn, n := range s.FunctionCalls {
		out += "  " + fn + ": " + humanize.Comma(int64(n)) + " calls, " +
			s.FunctionTime[fn].String() + " total\n"
	}
	return out
}

func copyIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyDurationMap(m map[string]time.Duration) map[string]time.Duration {
	out := make(map[string]time.Duration, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (p *Profiler) emit(e Event) {
	e.Time = strftime.Format("%Y-%m-%d %H:%M:%S", time.Now())
	p.mu.Lock()
	obs := append([]*observer(nil), p.observers...)
	p.mu.Unlock()
	for _, o := range obs {
		select {
		case o.send <- e:
		default: // slow observer, drop rather than block the VM
		}
	}
}

// OnInstruction implements vm.DebugHook. It never halts execution (always
// returns true) — this profiler only observes.
func (p *Profiler) OnInstruction(_ *vm.VM, ip int, debug bytecode.DebugInfo) bool {
	p.emit(Event{Kind: "instruction", Line: debug.Line, File: debug.File})
	return true
}

// OnCall implements vm.DebugHook, recording a call start for later timing.
func (p *Profiler) OnCall(_ *vm.VM, function string, debug bytecode.DebugInfo) {
	p.mu.Lock()
	p.functionCalls[function]++
	p.callStack = append(p.callStack, function)
	p.callStart = append(p.callStart, time.Now())
	p.mu.Unlock()
	p.emit(Event{Kind: "call", Function: function, Line: debug.Line, File: debug.File})
}

// OnReturn implements vm.DebugHook, closing out the innermost open call's
// timing — matched by call-stack depth, since DebugHook's OnReturn carries
// no function name of its own.
func (p *Profiler) OnReturn(_ *vm.VM, debug bytecode.DebugInfo) {
	p.mu.Lock()
	var function string
	if n := len(p.callStack); n > 0 {
		function = p.callStack[n-1]
		p.callStack = p.callStack[:n-1]
		elapsed := time.Since(p.callStart[n-1])
		p.callStart = p.callStart[:n-1]
		p.functionTime[function] += elapsed
	}
	p.mu.Unlock()
	p.emit(Event{Kind: "return", Function: function, Line: debug.Line, File: debug.File})
}

// OnError implements vm.DebugHook.
func (p *Profiler) OnError(_ *vm.VM, err error, debug bytecode.DebugInfo) {
	p.emit(Event{Kind: "error", Error: err.Error(), Line: debug.Line, File: debug.File})
}

// upgrader accepts any origin: the profiler socket is a local debugging
// aid, not a public endpoint.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades an HTTP connection to a websocket and streams this
// profiler's events to it as newline-delimited JSON until the client
// disconnects.
func (p *Profiler) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	obs := &observer{conn: conn, send: make(chan Event, 256)}

	p.mu.Lock()
	p.observers = append(p.observers, obs)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		for i, o := range p.observers {
			if o == obs {
				p.observers = append(p.observers[:i], p.observers[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		conn.Close()
	}()

	for e := range obs.send {
		b, err := json.Marshal(e)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, append(b, '\n')); err != nil {
			return
		}
	}
}
