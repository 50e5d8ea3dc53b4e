package program

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/wachy-project/wachy/internal/werr"
)

// openELF opens path and validates its architecture. It does not build the
// symbol table (see buildSymbolIndex) or load DWARF line info — callers use loadLineTable
// separately so the debug-link fallback path can retry against a different
// file.
func openELF(path string) (*elf.File, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, &werr.BinaryOpenError{Path: path, Err: err}
	}
	if f.Machine != elf.EM_X86_64 {
		f.Close()
		return nil, &werr.UnsupportedArchError{Arch: f.Machine.String()}
	}
	return f, nil
}

// buildSymbolIndex collects STT_FUNC symbols (static and dynamic) into the
// by-address and by-name indexes. Undefined (imported) symbols are
// excluded from the function index and recorded in importsByName instead;
// PLT resolution (loadPLT) works from the relocation tables, not that map.
func (p *Program) buildSymbolIndex() error {
	p.symsByAddr = make(map[uint64]*FunctionSymbol)
	p.symsByName = make(map[string][]*FunctionSymbol)
	p.importsByName = make(map[string]elf.Symbol)

	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC {
				continue
			}
			if s.Section == elf.SHN_UNDEF || s.Value == 0 {
				if s.Name != "" {
					p.importsByName[s.Name] = s
				}
				continue
			}
			fs := &FunctionSymbol{
				RawName: s.Name,
				Name:    p.demangler(s.Name),
				Address: s.Value,
				Length:  s.Size,
			}
			p.symsByAddr[fs.Address] = fs
			p.symsByName[fs.Name] = append(p.symsByName[fs.Name], fs)
			p.allSyms = append(p.allSyms, fs)
		}
	}

	if syms, err := p.elfFile.Symbols(); err == nil {
		add(syms)
	}
	if dynsyms, err := p.elfFile.DynamicSymbols(); err == nil {
		add(dynsyms)
	}

	sort.Slice(p.allSyms, func(i, j int) bool { return p.allSyms[i].Address < p.allSyms[j].Address })
	return nil
}

// symbolAtOrBefore returns the FunctionSymbol whose range [addr, addr+len)
// contains the given address, for resolving call targets and source lines
// that fall inside a function but not exactly on its entry address.
func (p *Program) symbolAtOrBefore(addr uint64) *FunctionSymbol {
	if fs, ok := p.symsByAddr[addr]; ok {
		return fs
	}
	i := sort.Search(len(p.allSyms), func(i int) bool { return p.allSyms[i].Address > addr })
	if i == 0 {
		return nil
	}
	cand := p.allSyms[i-1]
	if cand.Length > 0 && addr >= cand.Address+cand.Length {
		return nil
	}
	return cand
}

// loadPLT builds an address -> imported-symbol-name map for .plt and
// .plt.sec stubs, so call-site classification can follow a Direct call
// that actually lands in the PLT and reclassify it as Dynamic. Each PLT
// stub jumps indirectly through one GOT slot; the relocation table for
// that slot names the imported symbol.
func (p *Program) loadPLT() {
	p.pltStubs = make(map[uint64]string)
	p.gotSymbols = make(map[uint64]string)

	for _, relSectionName := range []string{".rela.plt", ".rel.plt", ".rela.dyn", ".rel.dyn"} {
		sec := p.elfFile.Section(relSectionName)
		if sec == nil {
			continue
		}
		rels, err := p.relocationGOTSymbols(sec)
		if err != nil {
			continue
		}
		for got, name := range rels {
			p.gotSymbols[got] = name
		}
	}
	if len(p.gotSymbols) == 0 {
		return
	}

	for _, pltName := range []string{".plt", ".plt.sec"} {
		sec := p.elfFile.Section(pltName)
		if sec == nil {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		p.scanPLTStubs(sec.Addr, data, p.gotSymbols)
	}
}

// relocationGOTSymbols parses a .rela.plt/.rel.plt section into a map from
// the relocated GOT address to the imported symbol name it resolves.
func (p *Program) relocationGOTSymbols(sec *elf.Section) (map[uint64]string, error) {
	// elf.File doesn't expose parsed Rela entries directly, so the raw
	// relocation records are decoded by hand below.
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}

	out := make(map[uint64]string)
	isRela := sec.Type == elf.SHT_RELA
	entSize := 16
	if isRela {
		entSize = 24
	}
	dynsyms, _ := p.elfFile.DynamicSymbols()

	for off := 0; off+entSize <= len(data); off += entSize {
		r := bytes.NewReader(data[off : off+entSize])
		var offset, info uint64
		binary.Read(r, binary.LittleEndian, &offset)
		binary.Read(r, binary.LittleEndian, &info)
		symIdx := info >> 32
		if int(symIdx) <= 0 || int(symIdx) > len(dynsyms) {
			continue
		}
		name := dynsyms[symIdx-1].Name
		if name != "" {
			out[offset] = name
		}
	}
	return out, nil
}

// scanPLTStubs walks a .plt/.plt.sec section's raw bytes looking for the
// `jmp *disp(%rip)` instruction each stub opens with (opcode FF 25,
// followed by a 4-byte little-endian RIP-relative displacement to a GOT
// slot). PLT stubs are a fixed, compiler-emitted shape, so a focused scan
// for this one pattern is simpler and more robust than fully decoding
// every stub instruction.
func (p *Program) scanPLTStubs(base uint64, data []byte, gotToSym map[uint64]string) {
	const stubLen = 16 // typical x86-64 PLT entry size
	for off := 0; off+6 <= len(data); off++ {
		if data[off] != 0xFF || data[off+1] != 0x25 {
			continue
		}
		disp := int32(binary.LittleEndian.Uint32(data[off+2 : off+6]))
		instrEnd := base + uint64(off) + 6
		got := uint64(int64(instrEnd) + int64(disp))
		if name, ok := gotToSym[got]; ok {
			stubAddr := base + uint64(off) - uint64(off%stubLen)
			p.pltStubs[stubAddr] = name
			// Also index the exact jmp-instruction address; some
			// compilers align stubs to 16 bytes with padding before
			// the jmp rather than the other way around.
			p.pltStubs[base+uint64(off)] = name
		}
	}
}

// resolvePLT returns the imported symbol name if addr falls inside a
// PLT/.plt.sec stub.
func (p *Program) resolvePLT(addr uint64) (string, bool) {
	name, ok := p.pltStubs[addr]
	return name, ok
}

// resolveGOT returns the imported symbol name bound to the GOT slot at
// addr, used to classify a `call [rip+disp]` that loads directly from the
// GOT without going through a PLT stub (common in -fno-plt builds).
func (p *Program) resolveGOT(addr uint64) (string, bool) {
	name, ok := p.gotSymbols[addr]
	return name, ok
}

// findDebugLinked opens the binary's separate debug-info file per the GNU
// "debug link" convention: a .gnu_debuglink section names a file, searched
// first in the binary's own directory and then in the current working
// directory.
func findDebugLinked(elfPath string, f *elf.File) (*elf.File, error) {
	sec := f.Section(".gnu_debuglink")
	if sec == nil {
		return nil, fmt.Errorf("no .gnu_debuglink section")
	}
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}
	nul := bytes.IndexByte(data, 0)
	if nul < 0 {
		return nil, fmt.Errorf("malformed .gnu_debuglink section")
	}
	name := string(data[:nul])

	candidates := []string{
		filepath.Join(filepath.Dir(elfPath), name),
		name, // relative to current working directory
	}
	for _, candidate := range candidates {
		if df, err := elf.Open(candidate); err == nil {
			return df, nil
		}
	}
	return nil, fmt.Errorf("debug-linked file %q not found next to %s or in cwd", name, elfPath)
}
