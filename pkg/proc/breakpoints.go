package proc

import (
	"sort"
)

// breakpointInstruction is the x86 INT3 opcode.
const breakpointInstruction = 0xCC

// Breakpoint is a software breakpoint installed in the tracee.
type Breakpoint struct {
	Addr uint64
	// OriginalWord is the memory word at Addr before the trap instruction
	// was written over its low byte.
	OriginalWord uint64
}

// SetBreakpointAt writes a trap instruction at addr and records the
// original word. It does not check whether addr already has a breakpoint,
// use SetBreakpointAtTextOffset for that. Setting it again rewrites the
// trap but keeps the word saved the first time.
func (d *Debugger) SetBreakpointAt(addr uint64) error {
	if err := d.checkExited(); err != nil {
		return err
	}
	cur, err := d.tracer.PeekWord(addr)
	if err != nil {
		return ReadMemoryError{Addr: addr, Err: err}
	}
	patched := cur&^0xff | breakpointInstruction
	if err := d.tracer.PokeWord(addr, patched); err != nil {
		return WriteMemoryError{Addr: addr, Err: err}
	}
	if _, ok := d.breakpoints[addr]; !ok {
		d.breakpoints[addr] = cur
	}
	d.log.Debugf("breakpoint set at %#x, original word %#016x", addr, d.breakpoints[addr])
	return nil
}

// SetBreakpointAtTextOffset sets a breakpoint at the live address of the
// static offset off. It returns the live address.
func (d *Debugger) SetBreakpointAtTextOffset(off uint64) (uint64, error) {
	return d.setBreakpointChecked(d.TextOffsetToAddr(off))
}

// SetBreakpointAtSymbol sets a breakpoint at the live address of the
// symbol name. It returns the live address.
func (d *Debugger) SetBreakpointAtSymbol(name string) (uint64, error) {
	addr, err := d.symbolAddr(name)
	if err != nil {
		return 0, err
	}
	return d.setBreakpointChecked(addr)
}

func (d *Debugger) setBreakpointChecked(addr uint64) (uint64, error) {
	if _, ok := d.breakpoints[addr]; ok {
		return addr, BreakpointExistsError{Addr: addr}
	}
	return addr, d.SetBreakpointAt(addr)
}

// ClearBreakpoint restores the original instruction byte at addr and
// forgets the breakpoint.
func (d *Debugger) ClearBreakpoint(addr uint64) error {
	if err := d.checkExited(); err != nil {
		return err
	}
	if _, ok := d.breakpoints[addr]; !ok {
		return NoBreakpointError{Addr: addr}
	}
	if err := d.restoreOriginalByte(addr); err != nil {
		return err
	}
	delete(d.breakpoints, addr)
	d.log.Debugf("breakpoint cleared at %#x", addr)
	return nil
}

// restoreOriginalByte puts the saved low byte back at addr. The rest of
// the word is taken from memory as it is now, so that a trap instruction
// installed later in the same word stays in place.
func (d *Debugger) restoreOriginalByte(addr uint64) error {
	orig := d.breakpoints[addr]
	cur, err := d.tracer.PeekWord(addr)
	if err != nil {
		return ReadMemoryError{Addr: addr, Err: err}
	}
	if err := d.tracer.PokeWord(addr, cur&^0xff|orig&0xff); err != nil {
		return WriteMemoryError{Addr: addr, Err: err}
	}
	return nil
}

// Breakpoints returns the installed breakpoints sorted by address.
func (d *Debugger) Breakpoints() []Breakpoint {
	r := make([]Breakpoint, 0, len(d.breakpoints))
	for addr, orig := range d.breakpoints {
		r = append(r, Breakpoint{Addr: addr, OriginalWord: orig})
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Addr < r[j].Addr })
	return r
}
