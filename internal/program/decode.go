package program

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/wachy-project/wachy/internal/werr"
	"github.com/wachy-project/wachy/internal/wlog"
)

// sectionData returns the raw bytes backing [addr, addr+size), or an error
// if no section covers that range.
func (p *Program) sectionData(addr, size uint64) ([]byte, error) {
	for _, sec := range p.elfFile.Sections {
		if sec.Addr == 0 || addr < sec.Addr || addr+size > sec.Addr+sec.Size {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, err
		}
		off := addr - sec.Addr
		if off+size > uint64(len(data)) {
			return nil, fmt.Errorf("section %s too short for range", sec.Name)
		}
		return data[off : off+size], nil
	}
	return nil, fmt.Errorf("no section covers address range [%#x, %#x)", addr, addr+size)
}

// decodeCallSites decodes every instruction in fn's byte range with the
// x86-64 decoder and returns one CallSite per CALL instruction found.
// Individual instruction decode failures are logged and skipped (the
// decoder resyncs by advancing one byte) rather than aborting the whole
// function, since code may contain interleaved data (e.g. jump tables).
func (p *Program) decodeCallSites(fn *FunctionSymbol) []CallSite {
	if fn.Length == 0 {
		return nil
	}
	data, err := p.sectionData(fn.Address, fn.Length)
	if err != nil {
		wlog.Debug("call site decode: no section data", "func", fn.Name, "error", err)
		return nil
	}
	return p.decodeInstructions(fn, data)
}

// decodeInstructions walks data (fn's raw machine code) one instruction at
// a time and returns one CallSite per CALL found. Split out from
// decodeCallSites so it can be exercised directly against hand-written
// byte sequences without a real ELF section backing it.
func (p *Program) decodeInstructions(fn *FunctionSymbol, data []byte) []CallSite {
	var sites []CallSite
	off := uint64(0)
	for off < uint64(len(data)) {
		inst, err := x86asm.Decode(data[off:], 64)
		if err != nil || inst.Len == 0 {
			if err == nil {
				err = fmt.Errorf("zero-length instruction")
			}
			wlog.Debug("partial disassembly", "error", &werr.DisassemblyPartialError{FuncName: fn.Name, Offset: int(off), Err: err})
			off++
			continue
		}
		if inst.Op == x86asm.CALL {
			if cs, ok := p.classifyCall(fn, off, inst); ok {
				sites = append(sites, cs)
			}
		}
		off += uint64(inst.Len)
	}
	return sites
}

// classifyCall turns a decoded CALL instruction into a CallSite, resolving
// its target: an immediate target is Direct unless it
// lands in the PLT (then Dynamic); a `[rip+disp]` load of a known GOT slot
// is Dynamic; everything else register/memory indirect is Indirect.
func (p *Program) classifyCall(fn *FunctionSymbol, off uint64, inst x86asm.Inst) (CallSite, bool) {
	addr := fn.Address + off
	loc := p.lineFor(addr)
	nextAddr := addr + uint64(inst.Len)

	arg := inst.Args[0]
	if arg == nil {
		return CallSite{}, false
	}

	switch a := arg.(type) {
	case x86asm.Rel:
		target := uint64(int64(nextAddr) + int64(a))
		if name, ok := p.resolvePLT(target); ok {
			return CallSite{Offset: off, Kind: Dynamic, DynSymbol: name, Callee: p.dynamicCallee(name), Loc: loc}, true
		}
		callee := p.symbolAtOrBefore(target)
		return CallSite{Offset: off, Kind: Direct, TargetAddress: target, Callee: callee, Loc: loc}, true

	case x86asm.Mem:
		if a.Base == x86asm.RIP {
			got := uint64(int64(nextAddr) + a.Disp)
			if name, ok := p.resolveGOT(got); ok {
				return CallSite{Offset: off, Kind: Dynamic, DynSymbol: name, Callee: p.dynamicCallee(name), Loc: loc}, true
			}
		}
		return CallSite{Offset: off, Kind: Indirect, Register: a.String(), Loc: loc}, true

	case x86asm.Reg:
		return CallSite{Offset: off, Kind: Indirect, Register: a.String(), Loc: loc}, true

	default:
		return CallSite{Offset: off, Kind: Indirect, Register: arg.String(), Loc: loc}, true
	}
}

// dynamicCallee returns the local FunctionSymbol for an imported dynamic
// symbol name, when one happens to be resolvable (e.g. a re-exported
// symbol); Dynamic callees commonly lack local source info,
// in which case this returns nil and the caller carries just DynSymbol.
func (p *Program) dynamicCallee(name string) *FunctionSymbol {
	syms := p.symsByName[name]
	if len(syms) == 0 {
		return nil
	}
	return syms[0]
}
