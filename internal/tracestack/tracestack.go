// Package tracestack maintains the user's drilldown model: an ordered
// stack of traced frames, each with per-line call-site measurements and
// optional entry/exit filters, and materializes it into a traceprog.TraceProgram.
package tracestack

import (
	"fmt"

	"github.com/wachy-project/wachy/internal/program"
	"github.com/wachy-project/wachy/internal/traceprog"
)

// LineTrace is a single per-line measurement attached to a frame: either a
// discovered CallSite (ordinary per-line trace) or a user-supplied function
// annotated onto a line where no call instruction is visible (inline trace).
type LineTrace struct {
	Line     int
	CallSite program.CallSite
	Inline   *program.FunctionSymbol // set for toggle_inline_trace; nil otherwise
}

// symbol returns the FunctionSymbol measured by this line trace (the zero
// value when there is none); Materialize uses its RawName as the probe symbol.
func (lt LineTrace) symbol() program.FunctionSymbol {
	if lt.Inline != nil {
		return *lt.Inline
	}
	if lt.CallSite.Callee != nil {
		return *lt.CallSite.Callee
	}
	return program.FunctionSymbol{}
}

// TraceFrame is one entry of the trace stack: the function being traced,
// the call sites currently measured per-line, and this frame's filters.
type TraceFrame struct {
	Func        program.FunctionSymbol
	Lines       []LineTrace
	EntryFilter string
	ExitFilter  string
	pushed      map[uint64]bool // call-site offsets already pushed into a child frame
}

func newFrame(fn program.FunctionSymbol) *TraceFrame {
	return &TraceFrame{Func: fn, pushed: make(map[uint64]bool)}
}

// lineIndex returns the index of the LineTrace at the given line with a
// matching call-site offset (or inline target), or -1.
func (f *TraceFrame) lineIndex(line int, cs program.CallSite, inline *program.FunctionSymbol) int {
	for i, lt := range f.Lines {
		if lt.Line != line {
			continue
		}
		if inline != nil {
			if lt.Inline != nil && lt.Inline.Equal(*inline) {
				return i
			}
			continue
		}
		if lt.Inline == nil && lt.CallSite.Offset == cs.Offset {
			return i
		}
	}
	return -1
}

// TraceStack is a non-empty ordered sequence of frames; index 0 is
// outermost. Every mutation that changes the materialized program advances
// Generation, so a Controller can detect "nothing changed" without diffing.
type TraceStack struct {
	frames     []*TraceFrame
	Generation uint64
}

// New creates a TraceStack with a single frame tracing fn.
func New(fn program.FunctionSymbol) *TraceStack {
	return &TraceStack{frames: []*TraceFrame{newFrame(fn)}}
}

// Top returns the topmost (innermost) frame.
func (s *TraceStack) Top() *TraceFrame {
	return s.frames[len(s.frames)-1]
}

// Depth returns the number of frames currently on the stack.
func (s *TraceStack) Depth() int {
	return len(s.frames)
}

// Frames returns the stack, outermost first. The returned slice must not be
// mutated by callers.
func (s *TraceStack) Frames() []*TraceFrame {
	return s.frames
}

func (s *TraceStack) bump() {
	s.Generation++
}

// PushCallSite pushes a new frame for cs's resolved callee. cs must be
// Direct; Dynamic call sites are not supported (the callee crosses a
// shared-library boundary the operator must name explicitly via
// PushFunction) and Indirect sites have no resolvable callee at all.
func (s *TraceStack) PushCallSite(cs program.CallSite) error {
	if cs.Kind != program.Direct {
		return fmt.Errorf("tracestack: cannot push %s call site: %w", cs.Kind, errUnsupportedPush)
	}
	if cs.Callee == nil {
		return fmt.Errorf("tracestack: direct call site has no resolved callee: %w", errUnsupportedPush)
	}
	top := s.Top()
	top.pushed[cs.Offset] = true
	s.frames = append(s.frames, newFrame(*cs.Callee))
	s.bump()
	return nil
}

// PushFunction appends a frame for an arbitrary function, used when the
// user must name the target of an Indirect call, or an arbitrary symbol via
// Controller.push_arbitrary.
func (s *TraceStack) PushFunction(fn program.FunctionSymbol) {
	s.frames = append(s.frames, newFrame(fn))
	s.bump()
}

var errUnsupportedPush = fmt.Errorf("push not supported for this call site kind")

// Pop removes the top frame. Fails if only one frame remains.
func (s *TraceStack) Pop() error {
	if len(s.frames) == 1 {
		return fmt.Errorf("tracestack: cannot pop the last remaining frame")
	}
	s.frames = s.frames[:len(s.frames)-1]
	s.bump()
	return nil
}

// ToggleLineTrace adds or removes a per-line measurement of cs on the top
// frame. At most one simultaneous measurement per (frame, line) is kept:
// toggling a second call site onto an already-traced line replaces it.
func (s *TraceStack) ToggleLineTrace(line int, cs program.CallSite) {
	top := s.Top()
	if i := top.lineIndex(line, cs, nil); i >= 0 {
		top.Lines = append(top.Lines[:i], top.Lines[i+1:]...)
		s.bump()
		return
	}
	top.Lines = replaceLine(top.Lines, LineTrace{Line: line, CallSite: cs})
	s.bump()
}

// ToggleInlineTrace attaches (or removes) a measurement of fn annotated to
// line, for callees the compiler inlined and that therefore have no visible
// CALL instruction.
func (s *TraceStack) ToggleInlineTrace(line int, fn program.FunctionSymbol) {
	top := s.Top()
	if i := top.lineIndex(line, program.CallSite{}, &fn); i >= 0 {
		top.Lines = append(top.Lines[:i], top.Lines[i+1:]...)
		s.bump()
		return
	}
	top.Lines = replaceLine(top.Lines, LineTrace{Line: line, Inline: &fn})
	s.bump()
}

// replaceLine drops any existing trace on lt.Line (enforcing the
// at-most-one-per-line invariant) and appends lt.
func replaceLine(lines []LineTrace, lt LineTrace) []LineTrace {
	out := lines[:0:0]
	for _, existing := range lines {
		if existing.Line != lt.Line {
			out = append(out, existing)
		}
	}
	return append(out, lt)
}

// SetEntryFilter sets (or, if expr is empty, clears) the top frame's entry
// filter expression.
func (s *TraceStack) SetEntryFilter(expr string) {
	s.Top().EntryFilter = expr
	s.bump()
}

// SetExitFilter sets (or clears) the top frame's exit filter expression.
// Exit filters on any frame but the topmost are ignored at materialization
// time but are still stored, so the UI can restore
// them if the user pops back down.
func (s *TraceStack) SetExitFilter(expr string) {
	s.Top().ExitFilter = expr
	s.bump()
}

// The stack never validates filter syntax itself: the engine is the
// authoritative validator, and a rejected filter surfaces as a
// TracerSpawnError on the next rerun.

// Materialize produces the TraceProgram for the current stack state.
// Deterministic: identical stack state always yields an identical
// TraceProgram (and hence identical serialized text).
//
// Depth semantics: frame i's probes gate entry on the thread depth counter
// equalling i; id 0 is reserved for the outermost frame's own entry/exit
// measurement, and per-line ids use the source line number of the call.
func (s *TraceStack) Materialize(binaryPath string) traceprog.TraceProgram {
	var probes []traceprog.Probe

	for depth, frame := range s.frames {
		exitFilter := ""
		if depth == len(s.frames)-1 {
			exitFilter = frame.ExitFilter
		}
		probes = append(probes, traceprog.Probe{
			ID:          frameEntryID(depth),
			Symbol:      frame.Func.RawName,
			Depth:       depth,
			EntryFilter: frame.EntryFilter,
			ExitFilter:  exitFilter,
		})

		for _, lt := range frame.Lines {
			sym := lt.symbol()
			if sym.RawName == "" {
				continue
			}
			probes = append(probes, traceprog.Probe{
				ID:     lt.Line,
				Symbol: sym.RawName,
				Depth:  depth + 1,
			})
		}
	}

	return traceprog.New(binaryPath, probes)
}

// TopEntryID returns the stable id that Materialize assigns to the top
// frame's own entry/exit measurement, for a Controller to recognize it
// among a tick's ids (e.g. to feed the histogram pane).
func (s *TraceStack) TopEntryID() int {
	return frameEntryID(len(s.frames) - 1)
}

// frameEntryIDBase pushes synthetic frame-entry ids for depth > 0 well
// above any realistic source line number, so they never collide with a
// per-line id. Ids are embedded verbatim into engine map names
// (@start<id>[tid]), so they must also stay non-negative: an id renders via
// strconv.Itoa, and a leading '-' would turn "@start-1[tid]" into a
// subtraction expression rather than a map name.
const frameEntryIDBase = 1_000_000

// frameEntryID is the stable id for a frame's own entry/exit measurement:
// 0 for the outermost frame, and a synthetic id derived from depth for
// inner frames that were pushed without an associated source line (e.g.
// via PushFunction).
func frameEntryID(depth int) int {
	if depth == 0 {
		return 0
	}
	return frameEntryIDBase + depth
}
