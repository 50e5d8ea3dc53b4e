package controller

import (
	"sync"
	"testing"

	"github.com/wachy-project/wachy/internal/program"
	"github.com/wachy-project/wachy/internal/tracer"
	"github.com/wachy-project/wachy/internal/traceprog"
	"github.com/wachy-project/wachy/internal/tracestack"
)

// fakeEngine is a scripted tracerEngine: Start/Rerun just record the
// program they were handed and bump a generation counter, without
// spawning any process.
type fakeEngine struct {
	mu         sync.Mutex
	generation uint64
	lastProg   traceprog.TraceProgram
	startErr   error
	sink       tracer.Sink
}

func (f *fakeEngine) Start(p traceprog.TraceProgram, sink tracer.Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.generation++
	f.lastProg = p
	f.sink = sink
	return nil
}

func (f *fakeEngine) Rerun(p traceprog.TraceProgram, sink tracer.Sink) error {
	return f.Start(p, sink)
}

func (f *fakeEngine) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

func workSym() program.FunctionSymbol {
	return program.FunctionSymbol{Name: "work(bool)", RawName: "_Z4workb", Address: 0x1000, Length: 0x40}
}

func fooSym() program.FunctionSymbol {
	return program.FunctionSymbol{Name: "foo()", RawName: "_Z3foov", Address: 0x2000, Length: 0x10}
}

// newTestController builds a Controller around a real Program search index
// (via a handcrafted instance) is overkill here; instead we exercise the
// pieces that don't require ELF parsing by driving the stack directly
// where the public API needs a live Program, and asserting on the fake
// engine / generation bookkeeping otherwise.
func newTestController(stack bool) (*Controller, *fakeEngine) {
	eng := &fakeEngine{}
	c := newController(nil, "/bin/demo", eng)
	if stack {
		c.stack = tracestack.New(workSym())
	}
	return c, eng
}

func TestOnTraceInfo_ComputesDeltaFromCumulative(t *testing.T) {
	c, eng := newTestController(true)
	if err := c.rerun(); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	gen := eng.Generation()

	c.OnTraceInfo(tracer.TraceInfo{Generation: gen, Time: 1, Lines: map[string][2]int64{"0": {1000, 1}}})
	c.OnTraceInfo(tracer.TraceInfo{Generation: gen, Time: 2, Lines: map[string][2]int64{"0": {3000, 3}}})

	cells := c.Cells()
	cell, ok := cells[0]
	if !ok {
		t.Fatalf("expected a cell for id 0, got %+v", cells)
	}
	wantAvg := float64(2000) / float64(2) // delta duration 2000 over delta count 2
	if cell.AvgNanos != wantAvg {
		t.Errorf("expected avg %v, got %v", wantAvg, cell.AvgNanos)
	}
}

func TestOnTraceInfo_DiscardsStaleGeneration(t *testing.T) {
	c, eng := newTestController(true)
	if err := c.rerun(); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	staleGen := eng.Generation()

	// Rerun again to advance the generation the Controller trusts.
	if err := c.rerun(); err != nil {
		t.Fatalf("second rerun: %v", err)
	}
	currentGen := eng.Generation()
	if currentGen == staleGen {
		t.Fatalf("expected generation to advance")
	}

	c.OnTraceInfo(tracer.TraceInfo{Generation: staleGen, Time: 1, Lines: map[string][2]int64{"0": {5000, 5}}})

	if len(c.Cells()) != 0 {
		t.Errorf("expected stale-generation event to be discarded, got %+v", c.Cells())
	}
}

func TestOnTerminal_SetsBanner(t *testing.T) {
	c, _ := newTestController(true)
	c.OnTerminal(tracer.TerminalEvent{Generation: 1, Err: errBoom})
	if c.LastBanner() == nil {
		t.Fatal("expected LastBanner to be set")
	}
}

func TestOnTerminal_NilErrIsNotABanner(t *testing.T) {
	c, _ := newTestController(true)
	c.OnTerminal(tracer.TerminalEvent{Generation: 1, Err: nil})
	if c.LastBanner() != nil {
		t.Fatalf("expected no banner, got %v", c.LastBanner())
	}
}

func TestPop_ResetsTickState(t *testing.T) {
	c, _ := newTestController(true)
	if err := c.stack.PushCallSite(directCallSite(42, fooSym())); err != nil {
		t.Fatalf("PushCallSite: %v", err)
	}
	c.cells[42] = LineCell{ID: 42, AvgNanos: 100}

	if err := c.Pop(); err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if len(c.Cells()) != 0 {
		t.Errorf("expected tick state reset after pop, got %+v", c.Cells())
	}
}

func directCallSite(line int, callee program.FunctionSymbol) program.CallSite {
	return program.CallSite{Offset: 0x10, Kind: program.Direct, TargetAddress: callee.Address, Callee: &callee, Loc: program.SourceLocation{File: "demo.cpp", Line: line}}
}

type boomErr string

func (e boomErr) Error() string { return string(e) }

var errBoom = boomErr("tracer exited unexpectedly")
