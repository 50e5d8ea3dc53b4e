// Package traceprog is the TraceProgram declarative value:
// a structured description of the uprobes/uretprobes and filters to
// install, serializable to the external tracing engine's expression
// language. TraceProgram is a value type — immutable once built, total and
// deterministic to serialize.
package traceprog

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Probe is one measured symbol: an (entry-probe, exit-probe) pair gated on
// a per-thread depth counter, optionally filtered on entry and/or exit.
type Probe struct {
	// ID is the stable numeric id used for this symbol's @start/@duration/
	// @count maps and for its "lines" key in the engine's JSON output.
	// Source-line-attached traces use the call's source line number;
	// frame-entry traces use 0 for the outermost frame (TraceStack assigns
	// inner frames a synthetic id above any line number).
	ID int
	// Symbol is the mangled symbol name passed to uprobe:/uretprobe:.
	Symbol string
	// Depth is the depth this probe's entry gates on (N); its uretprobe
	// gates on N+1 and restores the counter to N.
	Depth int
	// EntryFilter is ANDed with the depth gate on the uprobe, if non-empty.
	EntryFilter string
	// ExitFilter, if non-empty, gates whether the uretprobe accumulates
	// duration/count for this tick; "$duration" in its text is substituted
	// with the elapsed-nanoseconds expression before serialization.
	ExitFilter string
}

// TraceProgram is the full program materialized from a TraceStack: a
// BEGIN block, one Probe per measured symbol, and a 1-second interval
// block printing one JSON record enumerating every probe's cumulative
// duration and count.
type TraceProgram struct {
	Binary string
	Probes []Probe
}

// New builds a TraceProgram value. Probes are copied and re-sorted by ID
// for deterministic serialization independent of the order TraceStack
// happened to build them in.
func New(binary string, probes []Probe) TraceProgram {
	cp := make([]Probe, len(probes))
	copy(cp, probes)
	sort.Slice(cp, func(i, j int) bool { return cp[i].ID < cp[j].ID })
	return TraceProgram{Binary: binary, Probes: cp}
}

// substituteDuration replaces "$duration" in a user-provided filter
// expression with the engine expression for elapsed nanoseconds since
// this probe's start.
func substituteDuration(filter string, id int) string {
	return strings.ReplaceAll(filter, "$duration", fmt.Sprintf("(nsecs - @start%d[tid])", id))
}

// Serialize renders the program in the external tracing engine's
// expression language. Serialization is total (every
// TraceProgram value produces text) and deterministic: identical field
// values always produce byte-identical text.
func (tp TraceProgram) Serialize() string {
	var b strings.Builder

	b.WriteString("BEGIN { @start_time = nsecs; @depth[-1] = 0; }\n")

	for _, p := range tp.Probes {
		writeProbePair(&b, tp.Binary, p)
	}

	writeInterval(&b, tp.Probes)

	return b.String()
}

func writeProbePair(b *strings.Builder, binary string, p Probe) {
	id := strconv.Itoa(p.ID)
	entryPred := fmt.Sprintf("@depth[tid] == %d", p.Depth)
	if p.EntryFilter != "" {
		entryPred = fmt.Sprintf("%s && (%s)", entryPred, p.EntryFilter)
	}

	fmt.Fprintf(b, "uprobe:%s:%s /%s/ {\n", binary, p.Symbol, entryPred)
	fmt.Fprintf(b, "    @start%s[tid] = nsecs;\n", id)
	fmt.Fprintf(b, "    @depth[tid] = %d;\n", p.Depth+1)
	b.WriteString("}\n")

	fmt.Fprintf(b, "uretprobe:%s:%s /@depth[tid] == %d/ {\n", binary, p.Symbol, p.Depth+1)
	fmt.Fprintf(b, "    @depth[tid] = %d;\n", p.Depth)

	accumulate := fmt.Sprintf("    @duration%s += (nsecs - @start%s[tid]);\n    @count%s += 1;\n", id, id, id)
	if p.ExitFilter != "" {
		fmt.Fprintf(b, "    if (%s) {\n", substituteDuration(p.ExitFilter, p.ID))
		b.WriteString(indent(accumulate, "    "))
		b.WriteString("    }\n")
	} else {
		b.WriteString(accumulate)
	}
	fmt.Fprintf(b, "    delete(@start%s[tid]);\n", id)
	b.WriteString("}\n")
}

func indent(s, prefix string) string {
	lines := strings.SplitAfter(s, "\n")
	var out strings.Builder
	for _, l := range lines {
		if l == "" {
			continue
		}
		out.WriteString(prefix)
		out.WriteString(l)
	}
	return out.String()
}

func writeInterval(b *strings.Builder, probes []Probe) {
	b.WriteString("interval:s:1 {\n")
	b.WriteString(`    printf("{\"time\": %d, \"lines\": {", (nsecs - @start_time) / 1000000000);` + "\n")
	for i, p := range probes {
		sep := ", "
		if i == 0 {
			sep = ""
		}
		fmt.Fprintf(b, `    printf("%s\"%d\": [%%lld, %%lld]", @duration%d, @count%d);`+"\n", sep, p.ID, p.ID, p.ID)
	}
	b.WriteString(`    printf("}}\n");` + "\n")
	b.WriteString("}\n")
}
