package tracer

import (
	"sync"
	"testing"
	"time"

	"github.com/wachy-project/wachy/internal/traceprog"
)

// fakeSink records every event delivered to it, safe for concurrent use by
// the reader goroutine.
type fakeSink struct {
	mu        sync.Mutex
	infos     []TraceInfo
	terminals []TerminalEvent
}

func (s *fakeSink) OnTraceInfo(ti TraceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos = append(s.infos, ti)
}

func (s *fakeSink) OnTerminal(e TerminalEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminals = append(s.terminals, e)
}

func (s *fakeSink) snapshot() ([]TraceInfo, []TerminalEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := append([]TraceInfo{}, s.infos...)
	terms := append([]TerminalEvent{}, s.terminals...)
	return infos, terms
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.After(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return
		}
		select {
		case <-ticker.C:
		case <-deadline:
			t.Fatal(msg)
		}
	}
}

// canned script emits two JSON ticks with a short delay, then exits cleanly.
const twoTickScript = `printf '{"time": 1, "lines": {"0": [1000, 1]}}\n'; sleep 0.05; printf '{"time": 2, "lines": {"0": [2500, 2]}}\n'`

func newShellTracer(script string) *Tracer {
	return New(Config{EnginePath: "sh", ExtraArgs: []string{"-c", script}})
}

func TestStart_ParsesTicksAndDeliversTerminal(t *testing.T) {
	tr := newShellTracer(twoTickScript)
	sink := &fakeSink{}
	prog := traceprog.New("/bin/demo", []traceprog.Probe{{ID: 0, Symbol: "_Z4workb", Depth: 0}})

	if err := tr.Start(prog, sink); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool {
		_, terms := sink.snapshot()
		return len(terms) == 1
	}, 2*time.Second, "expected a terminal event after the child exits")

	infos, terms := sink.snapshot()
	if len(infos) != 2 {
		t.Fatalf("expected 2 TraceInfo ticks, got %d: %+v", len(infos), infos)
	}
	if infos[0].Lines["0"][1] != 1 || infos[1].Lines["0"][1] != 2 {
		t.Errorf("unexpected tick contents: %+v", infos)
	}
	if terms[0].Err != nil {
		t.Errorf("expected clean exit, got %v", terms[0].Err)
	}
}

func TestStart_FailsWhenNotIdle(t *testing.T) {
	tr := newShellTracer("sleep 1")
	sink := &fakeSink{}
	prog := traceprog.New("/bin/demo", nil)

	if err := tr.Start(prog, sink); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer tr.Stop()

	if err := tr.Start(prog, sink); err == nil {
		t.Fatal("expected error starting while already running")
	}
}

func TestMalformedLine_SkippedNotFatal(t *testing.T) {
	script := `printf 'not json\n'; printf '{"time": 1, "lines": {"0": [1, 1]}}\n'`
	tr := newShellTracer(script)
	sink := &fakeSink{}
	prog := traceprog.New("/bin/demo", nil)

	if err := tr.Start(prog, sink); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool {
		infos, _ := sink.snapshot()
		return len(infos) == 1
	}, 2*time.Second, "expected the valid line to still be parsed after a malformed one")
}

func TestStop_ReturnsToIdleAndToleratesDoubleStop(t *testing.T) {
	tr := newShellTracer("sleep 5")
	sink := &fakeSink{}
	prog := traceprog.New("/bin/demo", nil)

	if err := tr.Start(prog, sink); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := tr.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := tr.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got: %v", err)
	}

	// After Stop, Start must succeed again (back to Idle) - property 7:
	// at most one live child at any time.
	if err := tr.Start(prog, sink); err != nil {
		t.Fatalf("Start after Stop: %v", err)
	}
	_ = tr.Stop()
}

func TestStop_EscalatesToSigkillWhenUnresponsive(t *testing.T) {
	tr := newShellTracer(`trap '' INT; sleep 5`)
	sink := &fakeSink{}
	prog := traceprog.New("/bin/demo", nil)

	if err := tr.Start(prog, sink); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = tr.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not escalate to SIGKILL within a reasonable bound")
	}
}

// TestGenerationDiscipline covers events from
// generation g are never delivered once the Tracer has advanced past it.
// The Controller (not Tracer) is responsible for discarding by generation
// number, so this test verifies the Tracer labels every event with the
// generation active when it was produced, which is what makes that
// discipline possible.
func TestGenerationDiscipline_EventsTaggedWithGeneration(t *testing.T) {
	tr := newShellTracer(twoTickScript)
	sink1 := &fakeSink{}
	prog := traceprog.New("/bin/demo", []traceprog.Probe{{ID: 0, Symbol: "_Z4workb", Depth: 0}})

	if err := tr.Start(prog, sink1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	gen1 := tr.Generation()
	if gen1 == 0 {
		t.Fatal("expected a non-zero generation while running")
	}

	sink2 := &fakeSink{}
	if err := tr.Rerun(prog, sink2); err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	gen2 := tr.Generation()
	if gen2 <= gen1 {
		t.Fatalf("expected generation to advance on rerun: %d -> %d", gen1, gen2)
	}

	waitFor(t, func() bool {
		infos, _ := sink2.snapshot()
		return len(infos) > 0
	}, 2*time.Second, "expected the new generation to deliver ticks")

	infos2, _ := sink2.snapshot()
	for _, ti := range infos2 {
		if ti.Generation != gen2 {
			t.Errorf("expected all post-rerun events tagged with generation %d, got %d", gen2, ti.Generation)
		}
	}

	_ = tr.Stop()
}

func TestMonotonicTimeWithinGeneration(t *testing.T) {
	tr := newShellTracer(twoTickScript)
	sink := &fakeSink{}
	prog := traceprog.New("/bin/demo", nil)

	if err := tr.Start(prog, sink); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool {
		infos, _ := sink.snapshot()
		return len(infos) == 2
	}, 2*time.Second, "expected both ticks")

	infos, _ := sink.snapshot()
	for i := 1; i < len(infos); i++ {
		if infos[i].Time < infos[i-1].Time {
			t.Errorf("expected non-decreasing time, got %d then %d", infos[i-1].Time, infos[i].Time)
		}
	}
}
