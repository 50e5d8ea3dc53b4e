package program

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"sync"

	"github.com/wachy-project/wachy/internal/werr"
)

// Program owns a parsed ELF binary: its symbol table, DWARF line map, and a
// lazily-populated, per-function call-site cache. It is pure and stateless
// between queries — the call-site cache uses interior mutability behind a
// lock, but a Program never mutates its symbol or line
// indexes after Open returns.
type Program struct {
	Path string

	elfFile   *elf.File
	debugFile *elf.File // set when .debug_line came from a GNU debug-linked file
	dwarfData *dwarf.Data

	demangler Scheme

	symsByAddr    map[uint64]*FunctionSymbol
	symsByName    map[string][]*FunctionSymbol
	importsByName map[string]elf.Symbol
	allSyms       []*FunctionSymbol // sorted by Address

	pltStubs   map[uint64]string // PLT/.plt.sec stub address -> imported symbol
	gotSymbols map[uint64]string // GOT slot address -> imported symbol

	lines []lineEntry // sorted by Address

	mu            sync.Mutex
	callSiteCache map[string][]CallSite
}

// Open parses the ELF binary at path and its line-number DWARF (from the
// binary itself or, per the GNU debug-link convention, a separate
// neighbouring file) and builds the symbol and PLT indexes. Failure
// returns one of werr's distinct fatal-at-init error kinds.
func Open(path string) (*Program, error) {
	elfFile, err := openELF(path)
	if err != nil {
		return nil, err
	}

	p := &Program{
		Path:          path,
		elfFile:       elfFile,
		demangler:     itaniumDemangle,
		callSiteCache: make(map[string][]CallSite),
	}

	if err := p.buildSymbolIndex(); err != nil {
		return nil, err
	}
	p.loadPLT()

	if err := p.loadLineTable(path); err != nil {
		return nil, err
	}
	for _, fs := range p.allSyms {
		loc := p.lineFor(fs.Address)
		fs.File, fs.Line = loc.File, loc.Line
	}

	return p, nil
}

// Close releases the underlying ELF file handle(s).
func (p *Program) Close() error {
	var err error
	if p.debugFile != nil {
		err = p.debugFile.Close()
	}
	if cerr := p.elfFile.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// SourceLocation returns the DWARF line for fn's entry address.
func (p *Program) SourceLocation(fn FunctionSymbol) SourceLocation {
	return p.lineFor(fn.Address)
}

// LocationAt returns the DWARF line for an arbitrary address inside the
// binary's text, used to annotate a specific call instruction rather than
// a function's entry point.
func (p *Program) LocationAt(addr uint64) SourceLocation {
	return p.lineFor(addr)
}

// SymbolByAddress looks up the FunctionSymbol whose range contains addr,
// satisfying the address-to-symbol round-trip property:
// for any FunctionSymbol f, SymbolByAddress(f.Address) == f.
func (p *Program) SymbolByAddress(addr uint64) (FunctionSymbol, bool) {
	fs := p.symbolAtOrBefore(addr)
	if fs == nil {
		return FunctionSymbol{}, false
	}
	return *fs, true
}

// SymbolsByName returns every FunctionSymbol sharing the given demangled
// name (overloads and template instantiations may collide).
func (p *Program) SymbolsByName(name string) []FunctionSymbol {
	syms := p.symsByName[name]
	out := make([]FunctionSymbol, len(syms))
	for i, s := range syms {
		out[i] = *s
	}
	return out
}

// callSiteKey identifies a function for cache purposes: RawName+Address,
// matching FunctionSymbol's identity contract.
func callSiteKey(fn FunctionSymbol) string {
	return fmt.Sprintf("%s@%#x", fn.RawName, fn.Address)
}

// CallSites returns every CALL instruction inside fn's byte range,
// decoding and classifying it on first access and caching the result for
// subsequent calls.
func (p *Program) CallSites(fn FunctionSymbol) []CallSite {
	key := callSiteKey(fn)

	p.mu.Lock()
	if cached, ok := p.callSiteCache[key]; ok {
		p.mu.Unlock()
		return cached
	}
	p.mu.Unlock()

	sites := p.decodeCallSites(&fn)

	p.mu.Lock()
	p.callSiteCache[key] = sites
	p.mu.Unlock()

	return sites
}

// RequireSingle resolves the CLI's initial function-query argument
// to its top search result, or a NoMatchingSymbolError if the
// query matched nothing — failing fast rather than opening an empty UI.
func (p *Program) RequireSingle(query string) (FunctionSymbol, error) {
	results := p.Search(query)
	if len(results) == 0 {
		return FunctionSymbol{}, &werr.NoMatchingSymbolError{Query: query}
	}
	return results[0], nil
}
