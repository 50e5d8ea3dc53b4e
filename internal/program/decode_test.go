package program

import "testing"

func newTestProgram() *Program {
	return &Program{
		symsByAddr:    make(map[uint64]*FunctionSymbol),
		symsByName:    make(map[string][]*FunctionSymbol),
		pltStubs:      make(map[uint64]string),
		gotSymbols:    make(map[uint64]string),
		callSiteCache: make(map[string][]CallSite),
	}
}

func TestDecodeInstructions_Direct(t *testing.T) {
	p := newTestProgram()
	callee := &FunctionSymbol{RawName: "_Z3barv", Name: "bar()", Address: 0x2000, Length: 0x10}
	p.symsByAddr[callee.Address] = callee
	p.allSyms = []*FunctionSymbol{callee}

	fn := &FunctionSymbol{RawName: "_Z4workb", Name: "work(bool)", Address: 0x1000, Length: 0x10}

	// CALL rel32 to 0x2000 from an instruction starting at 0x1000 (5 bytes,
	// next instruction address 0x1005): rel = 0x2000 - 0x1005 = 0xFFB.
	data := []byte{0xE8, 0xFB, 0x0F, 0x00, 0x00}

	sites := p.decodeInstructions(fn, data)
	if len(sites) != 1 {
		t.Fatalf("expected 1 call site, got %d", len(sites))
	}
	cs := sites[0]
	if cs.Kind != Direct {
		t.Errorf("expected Direct, got %v", cs.Kind)
	}
	if cs.TargetAddress != 0x2000 {
		t.Errorf("expected target 0x2000, got %#x", cs.TargetAddress)
	}
	if cs.Callee == nil || !cs.Callee.Equal(*callee) {
		t.Errorf("expected resolved callee %+v, got %+v", callee, cs.Callee)
	}
	if cs.Offset != 0 {
		t.Errorf("expected offset 0, got %d", cs.Offset)
	}
}

func TestDecodeInstructions_DirectReclassifiedAsDynamicViaPLT(t *testing.T) {
	p := newTestProgram()
	p.pltStubs[0x3000] = "printf"

	fn := &FunctionSymbol{RawName: "_Z4workb", Name: "work(bool)", Address: 0x1000, Length: 0x10}

	// rel = 0x3000 - 0x1005 = 0x1FFB
	data := []byte{0xE8, 0xFB, 0x1F, 0x00, 0x00}

	sites := p.decodeInstructions(fn, data)
	if len(sites) != 1 {
		t.Fatalf("expected 1 call site, got %d", len(sites))
	}
	if sites[0].Kind != Dynamic {
		t.Errorf("expected Dynamic (PLT reclassification), got %v", sites[0].Kind)
	}
	if sites[0].DynSymbol != "printf" {
		t.Errorf("expected DynSymbol printf, got %q", sites[0].DynSymbol)
	}
}

func TestDecodeInstructions_IndirectRegister(t *testing.T) {
	p := newTestProgram()
	fn := &FunctionSymbol{RawName: "_Z4workb", Address: 0x1000, Length: 0x10}

	// FF D0 = call rax
	data := []byte{0xFF, 0xD0}

	sites := p.decodeInstructions(fn, data)
	if len(sites) != 1 {
		t.Fatalf("expected 1 call site, got %d", len(sites))
	}
	if sites[0].Kind != Indirect {
		t.Errorf("expected Indirect, got %v", sites[0].Kind)
	}
	if sites[0].Register == "" {
		t.Errorf("expected a non-empty register description")
	}
}

func TestDecodeInstructions_DynamicViaGOTLoad(t *testing.T) {
	p := newTestProgram()
	p.gotSymbols[0x4000] = "malloc"
	fn := &FunctionSymbol{RawName: "_Z4workb", Address: 0x1000, Length: 0x10}

	// FF 15 <disp32> = call qword ptr [rip+disp]; next instr at 0x1006,
	// disp = 0x4000 - 0x1006 = 0x2FFA.
	data := []byte{0xFF, 0x15, 0xFA, 0x2F, 0x00, 0x00}

	sites := p.decodeInstructions(fn, data)
	if len(sites) != 1 {
		t.Fatalf("expected 1 call site, got %d", len(sites))
	}
	if sites[0].Kind != Dynamic {
		t.Errorf("expected Dynamic (GOT load), got %v", sites[0].Kind)
	}
	if sites[0].DynSymbol != "malloc" {
		t.Errorf("expected DynSymbol malloc, got %q", sites[0].DynSymbol)
	}
}

func TestDecodeInstructions_CountMatchesCallInstructions(t *testing.T) {
	p := newTestProgram()
	callee := &FunctionSymbol{RawName: "_Z3foov", Address: 0x2000}
	p.symsByAddr[callee.Address] = callee
	p.allSyms = []*FunctionSymbol{callee}

	fn := &FunctionSymbol{RawName: "_Z4workb", Address: 0x1000, Length: 0x20}

	// Two direct calls back to back, both targeting 0x2000.
	// First at offset 0 (next=0x1005): rel = 0x2000-0x1005 = 0xFFB
	// Second at offset 5 (addr 0x1005, next=0x100A): rel = 0x2000-0x100A = 0xFF6
	data := []byte{
		0xE8, 0xFB, 0x0F, 0x00, 0x00,
		0xE8, 0xF6, 0x0F, 0x00, 0x00,
	}

	sites := p.decodeInstructions(fn, data)
	if len(sites) != 2 {
		t.Fatalf("expected 2 call sites, got %d", len(sites))
	}
	if sites[0].Offset != 0 || sites[1].Offset != 5 {
		t.Errorf("unexpected offsets: %d, %d", sites[0].Offset, sites[1].Offset)
	}
}
