package program

import (
	"debug/dwarf"
	"sort"

	"github.com/wachy-project/wachy/internal/werr"
)

// lineEntry is a flattened dwarf.LineEntry: just the address and the
// resolved (file, line) pair, sorted by Address for binary search.
// Program's DWARF contract is address -> (file, line) only; no type,
// location-expression, or CFI processing is needed or performed.
type lineEntry struct {
	Address uint64
	Loc     SourceLocation
}

// loadLineTable builds p.lines from the ELF's .debug_line, via whichever
// file (the binary itself, or its GNU debug-linked companion) carries it.
func (p *Program) loadLineTable(path string) error {
	f := p.elfFile
	if f.Section(".debug_line") == nil {
		linked, err := findDebugLinked(path, f)
		if err != nil {
			return &werr.MissingDebugInfoError{Path: path}
		}
		p.debugFile = linked
		f = linked
	}

	dwf, err := f.DWARF()
	if err != nil {
		return &werr.MissingDebugInfoError{Path: path}
	}
	p.dwarfData = dwf

	var entries []lineEntry
	reader := dwf.Reader()
	for {
		entry, err := reader.Next()
		if err != nil || entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			continue
		}
		lr, err := dwf.LineReader(entry)
		if err != nil || lr == nil {
			continue
		}
		var le dwarf.LineEntry
		for {
			if err := lr.Next(&le); err != nil {
				break
			}
			if le.EndSequence {
				continue
			}
			entries = append(entries, lineEntry{
				Address: le.Address,
				Loc:     SourceLocation{File: fileName(le), Line: le.Line},
			})
		}
		reader.SkipChildren()
	}

	if len(entries) == 0 {
		return &werr.MissingDebugInfoError{Path: path}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Address < entries[j].Address })
	p.lines = entries
	return nil
}

func fileName(le dwarf.LineEntry) string {
	if le.File == nil {
		return ""
	}
	return le.File.Name
}

// lineFor returns the SourceLocation for addr: the entry with the greatest
// Address <= addr.
func (p *Program) lineFor(addr uint64) SourceLocation {
	i := sort.Search(len(p.lines), func(i int) bool { return p.lines[i].Address > addr })
	if i == 0 {
		return SourceLocation{}
	}
	return p.lines[i-1].Loc
}
