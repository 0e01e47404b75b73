package profiler

import (
	"testing"
	"time"

	"flow/internal/bytecode"

	"github.com/stretchr/testify/require"
)

func TestStopReportsCallCounts(t *testing.T) {
	p := New()
	p.Start()

	p.OnCall(nil, "fact", bytecode.DebugInfo{Line: 1})
	time.Sleep(time.Millisecond)
	p.OnReturn(nil, bytecode.DebugInfo{Line: 2})

	summary := p.Stop()
	require.Equal(t, 1, summary.FunctionCalls["fact"])
	require.Greater(t, summary.FunctionTime["fact"], time.Duration(0))
}

func TestNestedCallsTimeIndependently(t *testing.T) {
	p := New()
	p.Start()

	p.OnCall(nil, "outer", bytecode.DebugInfo{})
	p.OnCall(nil, "inner", bytecode.DebugInfo{})
	p.OnReturn(nil, bytecode.DebugInfo{}) // closes inner
	p.OnReturn(nil, bytecode.DebugInfo{}) // closes outer

	summary := p.Stop()
	require.Equal(t, 1, summary.FunctionCalls["outer"])
	require.Equal(t, 1, summary.FunctionCalls["inner"])
	require.GreaterOrEqual(t, summary.FunctionTime["outer"], summary.FunctionTime["inner"])
}

func TestRecursiveCallsDoNotClobberEachOthersTiming(t *testing.T) {
	p := New()
	p.Start()

	p.OnCall(nil, "fact", bytecode.DebugInfo{})
	p.OnCall(nil, "fact", bytecode.DebugInfo{})
	p.OnReturn(nil, bytecode.DebugInfo{})
	p.OnReturn(nil, bytecode.DebugInfo{})

	summary := p.Stop()
	require.Equal(t, 2, summary.FunctionCalls["fact"])
	require.Empty(t, p.callStart)
}

func TestSummaryStringIncludesCallCountAndDuration(t *testing.T) {
	summary := Summary{
		TotalTime:     5 * time.Millisecond,
		FunctionCalls: map[string]int{"fact": 3},
		FunctionTime:  map[string]time.Duration{"fact": 2 * time.Millisecond},
	}
	out := summary.String()
	require.Contains(t, out, "fact")
	require.Contains(t, out, "3 calls")
	require.Contains(t, out, "2ms total")
}

func TestOnErrorDoesNotPanicWithNoObservers(t *testing.T) {
	p := New()
	require.NotPanics(t, func() {
		p.OnError(nil, assertErr{}, bytecode.DebugInfo{Line: 9})
	})
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
