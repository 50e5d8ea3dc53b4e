// Package controller is the single-threaded authority wiring Program,
// TraceStack and Tracer together: it serves UI operations, translates them
// into TraceStack mutations, and turns Tracer events into per-line
// statistics and a latency histogram for the UI to render.
package controller

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/wachy-project/wachy/internal/program"
	"github.com/wachy-project/wachy/internal/tracer"
	"github.com/wachy-project/wachy/internal/traceprog"
	"github.com/wachy-project/wachy/internal/tracestack"
	"github.com/wachy-project/wachy/internal/view"
	"github.com/wachy-project/wachy/internal/werr"
)

// Picker lets the UI resolve ambiguity: choosing among several matching
// FunctionSymbols, or among several CallSites on one source line. The
// fuzzy-search matcher and the interactive list widget that implement this
// are external collaborators; Controller only calls
// through this seam.
type Picker interface {
	PickSymbol(candidates []program.FunctionSymbol) (program.FunctionSymbol, bool)
	PickCallSite(candidates []program.CallSite) (program.CallSite, bool)
}

// tracerEngine is the subset of *tracer.Tracer the Controller depends on,
// seamed out so tests can supply a fake engine instead of spawning a real
// tracing-engine child process.
type tracerEngine interface {
	Start(program traceprog.TraceProgram, sink tracer.Sink) error
	Rerun(program traceprog.TraceProgram, sink tracer.Sink) error
	Generation() uint64
}

// LineCell is the latest aggregate the Controller has computed for one
// measured id, ready for the UI to render via view.FormatLine.
type LineCell struct {
	ID       int
	Line     int
	Label    string
	AvgNanos float64
	Rate     float64
}

// Controller owns the Program, TraceStack and Tracer for one session, and
// serializes all access to them behind its mutex - only the UI thread ever
// calls its public operations, and the Tracer's reader goroutine never
// touches this state directly (it only posts events through onTraceInfo/
// onTerminal, which take the same lock).
type Controller struct {
	mu sync.Mutex

	prog   *program.Program
	stack  *tracestack.TraceStack
	tr     tracerEngine
	picker Picker

	binaryPath string
	generation uint64 // the generation this Controller currently trusts events from

	cells     map[int]LineCell
	prevTotal map[int][2]int64 // previous tick's cumulative (duration, count) per id, for delta computation
	prevTime  int64
	histogram *view.Histogram

	lastBanner error
}

// Option configures New.
type Option func(*Controller)

// WithPicker overrides the default Picker (tests supply a scripted one).
func WithPicker(p Picker) Option {
	return func(c *Controller) { c.picker = p }
}

// New constructs a Controller over an already-open Program and Tracer.
func New(prog *program.Program, binaryPath string, tr *tracer.Tracer, opts ...Option) *Controller {
	return newController(prog, binaryPath, tr, opts...)
}

func newController(prog *program.Program, binaryPath string, tr tracerEngine, opts ...Option) *Controller {
	c := &Controller{
		prog:       prog,
		tr:         tr,
		binaryPath: binaryPath,
		cells:      make(map[int]LineCell),
		prevTotal:  make(map[int][2]int64),
		histogram:  view.NewHistogram(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start resolves initial_query against prog, lets the Picker disambiguate
// if needed, seeds the stack with the chosen function, and launches the
// Tracer on its materialized program.
func (c *Controller) Start(query string) error {
	candidates := c.prog.Search(query)
	if len(candidates) == 0 {
		return &werr.NoMatchingSymbolError{Query: query}
	}
	fn := candidates[0]
	if len(candidates) > 1 && c.picker != nil {
		picked, ok := c.picker.PickSymbol(candidates)
		if ok {
			fn = picked
		}
	}

	c.mu.Lock()
	c.stack = tracestack.New(fn)
	c.mu.Unlock()

	return c.rerun()
}

// ToggleLine locates the call site on line (delegating to the Picker if
// more than one exists) and toggles a per-line trace on it.
func (c *Controller) ToggleLine(line int) error {
	c.mu.Lock()
	top := c.stack.Top()
	c.mu.Unlock()

	sites := callSitesOnLine(c.prog.CallSites(top.Func), line)
	if len(sites) == 0 {
		return fmt.Errorf("wachy: no call site on line %d", line)
	}
	cs := sites[0]
	if len(sites) > 1 && c.picker != nil {
		picked, ok := c.picker.PickCallSite(sites)
		if ok {
			cs = picked
		}
	}

	c.mu.Lock()
	c.stack.ToggleLineTrace(line, cs)
	c.mu.Unlock()
	return c.rerun()
}

// ToggleInline attaches (or detaches) a measurement of a Picker-chosen
// function onto line, for inlined callees with no visible CALL instruction.
func (c *Controller) ToggleInline(line int, candidates []program.FunctionSymbol) error {
	if c.picker == nil || len(candidates) == 0 {
		return fmt.Errorf("wachy: no function chosen for inline trace")
	}
	fn, ok := c.picker.PickSymbol(candidates)
	if !ok {
		return nil
	}
	c.mu.Lock()
	c.stack.ToggleInlineTrace(line, fn)
	c.mu.Unlock()
	return c.rerun()
}

// PushCurrentLine pushes into the call reached from line: Direct sites
// push directly, Indirect sites ask the Picker to name a target, and
// Dynamic sites are refused outright.
func (c *Controller) PushCurrentLine(line int) error {
	c.mu.Lock()
	top := c.stack.Top()
	c.mu.Unlock()

	sites := callSitesOnLine(c.prog.CallSites(top.Func), line)
	if len(sites) == 0 {
		return fmt.Errorf("wachy: no call site on line %d", line)
	}
	cs := sites[0]

	switch cs.Kind {
	case program.Dynamic:
		return fmt.Errorf("wachy: cannot push a dynamically-resolved call (%s); name a function explicitly", cs.DynSymbol)
	case program.Indirect:
		if c.picker == nil {
			return fmt.Errorf("wachy: indirect call on line %d needs a user-supplied target", line)
		}
		fn, ok := c.picker.PickSymbol(nil)
		if !ok {
			return nil
		}
		c.mu.Lock()
		c.stack.PushFunction(fn)
		c.mu.Unlock()
	default:
		c.mu.Lock()
		err := c.stack.PushCallSite(cs)
		c.mu.Unlock()
		if err != nil {
			return err
		}
	}

	return c.rerun()
}

// PushArbitrary lets the Picker fuzzy-search any symbol and pushes it.
func (c *Controller) PushArbitrary() error {
	if c.picker == nil {
		return fmt.Errorf("wachy: no symbol chosen")
	}
	fn, ok := c.picker.PickSymbol(c.prog.Search(""))
	if !ok {
		return nil
	}
	c.mu.Lock()
	c.stack.PushFunction(fn)
	c.mu.Unlock()
	return c.rerun()
}

// Pop removes the top frame and reruns against the restored parent view.
func (c *Controller) Pop() error {
	c.mu.Lock()
	err := c.stack.Pop()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.rerun()
}

// RestartTrace reruns the current program, resetting cumulative counters.
func (c *Controller) RestartTrace() error {
	return c.rerun()
}

// SetEntryFilter sets the top frame's entry filter and reruns.
func (c *Controller) SetEntryFilter(expr string) error {
	c.mu.Lock()
	c.stack.SetEntryFilter(expr)
	c.mu.Unlock()
	return c.rerun()
}

// SetExitFilter sets the top frame's exit filter and reruns.
func (c *Controller) SetExitFilter(expr string) error {
	c.mu.Lock()
	c.stack.SetExitFilter(expr)
	c.mu.Unlock()
	return c.rerun()
}

// Cells returns a snapshot of the current per-line statistics.
func (c *Controller) Cells() map[int]LineCell {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]LineCell, len(c.cells))
	for k, v := range c.cells {
		out[k] = v
	}
	return out
}

// Histogram returns the current latency histogram for the top frame's
// entry id.
func (c *Controller) Histogram() *view.Histogram {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.histogram
}

// LastBanner returns the most recent non-fatal tracer error, if any.
func (c *Controller) LastBanner() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastBanner
}

// rerun materializes the current stack and (re)starts the engine on it.
// A successful rerun always spawns a fresh generation whose engine-side
// @duration/@count counters start over at 0, so the delta state tracking
// the previous generation's cumulative totals is reset here too - the
// caller never has to remember to do it.
func (c *Controller) rerun() error {
	c.mu.Lock()
	prog := c.stack.Materialize(c.binaryPath)
	c.mu.Unlock()

	var err error
	if c.tr.Generation() == 0 {
		err = c.tr.Start(prog, c)
	} else {
		err = c.tr.Rerun(prog, c)
	}
	if err != nil {
		c.mu.Lock()
		c.lastBanner = err
		c.mu.Unlock()
		slog.Warn("controller: rerun failed", "error", err)
		return err
	}

	c.mu.Lock()
	c.generation = c.tr.Generation()
	c.prevTotal = make(map[int][2]int64)
	c.prevTime = 0
	c.cells = make(map[int]LineCell)
	c.histogram = view.NewHistogram()
	c.mu.Unlock()
	return nil
}

// OnTraceInfo implements tracer.Sink. It discards events from stale
// generations, computes per-tick deltas from the
// cumulative totals, and updates per-line cells and the histogram for the
// top frame's entry id.
func (c *Controller) OnTraceInfo(ti tracer.TraceInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ti.Generation != c.generation {
		return
	}

	topEntryID := 0
	if c.stack != nil {
		topEntryID = c.stack.TopEntryID()
	}

	for idStr, totals := range ti.Lines {
		id, err := parseID(idStr)
		if err != nil {
			continue
		}
		prev := c.prevTotal[id]
		dDur := totals[0] - prev[0]
		dCount := totals[1] - prev[1]
		c.prevTotal[id] = totals

		dTime := ti.Time - c.prevTime
		var avg, rate float64
		if dCount > 0 {
			avg = float64(dDur) / float64(dCount)
		}
		if dTime > 0 {
			rate = float64(dCount) / float64(dTime)
		}

		prevCell := c.cells[id]
		c.cells[id] = LineCell{ID: id, Line: prevCell.Line, Label: prevCell.Label, AvgNanos: avg, Rate: rate}

		if id == topEntryID && dCount > 0 && dDur > 0 {
			perCall := dDur / dCount
			for i := int64(0); i < dCount; i++ {
				c.histogram.Observe(perCall)
			}
		}
	}
	c.prevTime = ti.Time
}

// OnTerminal implements tracer.Sink: an unexpected child exit is surfaced
// as a banner, never a process exit.
func (c *Controller) OnTerminal(e tracer.TerminalEvent) {
	if e.Err == nil {
		return
	}
	c.mu.Lock()
	c.lastBanner = e.Err
	c.mu.Unlock()
	slog.Warn("controller: tracer exited", "error", e.Err, "generation", e.Generation)
}

func callSitesOnLine(sites []program.CallSite, line int) []program.CallSite {
	var out []program.CallSite
	for _, cs := range sites {
		if cs.Loc.Line == line {
			out = append(out, cs)
		}
	}
	return out
}

func parseID(s string) (int, error) {
	var id int
	_, err := fmt.Sscanf(s, "%d", &id)
	return id, err
}
