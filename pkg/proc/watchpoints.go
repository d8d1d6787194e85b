package proc

import (
	"fmt"

	"github.com/trapdbg/trapdbg/pkg/proc/amd64util"
)

// WatchKind distinguishes instruction fetch watchpoints from data
// watchpoints.
type WatchKind uint8

const (
	WatchExecution WatchKind = iota
	WatchData
)

// Watchpoint is the trigger condition of a hardware watchpoint.
type Watchpoint struct {
	Kind WatchKind
	// Cond and Length are only meaningful for WatchData.
	Cond   amd64util.WatchCondition
	Length amd64util.WatchLength
}

// ExecutionWatchpoint returns a watchpoint that traps when the instruction
// at its address is fetched.
func ExecutionWatchpoint() Watchpoint {
	return Watchpoint{Kind: WatchExecution}
}

// DataWatchpoint returns a watchpoint that traps on size byte accesses
// matching cond, which must be WatchWrite or WatchReadWrite.
func DataWatchpoint(cond amd64util.WatchCondition, size int) (Watchpoint, error) {
	length, err := amd64util.NewWatchLength(size)
	if err != nil {
		return Watchpoint{}, WatchpointLengthError{Length: size}
	}
	wp := Watchpoint{Kind: WatchData, Cond: cond, Length: length}
	if !wp.valid() {
		return Watchpoint{}, InvalidWatchpointError{Watchpoint: wp}
	}
	return wp, nil
}

func (wp Watchpoint) valid() bool {
	switch wp.Kind {
	case WatchExecution:
		return true
	case WatchData:
		return (wp.Cond == amd64util.WatchWrite || wp.Cond == amd64util.WatchReadWrite) && wp.Length.Size() != 0
	}
	return false
}

func (wp Watchpoint) String() string {
	if wp.Kind == WatchExecution {
		return "execute"
	}
	return fmt.Sprintf("%s/%d", wp.Cond, wp.Length.Size())
}

// dr7Config returns the condition and length to program in DR7. Execution
// watchpoints leave both fields zero.
func (wp Watchpoint) dr7Config() (amd64util.WatchCondition, amd64util.WatchLength) {
	if wp.Kind == WatchExecution {
		return amd64util.WatchExecute, amd64util.WatchLen1
	}
	return wp.Cond, wp.Length
}

// WatchpointSlot is an armed hardware watchpoint.
type WatchpointSlot struct {
	Slot       uint8
	Addr       uint64
	Watchpoint Watchpoint
}

// SetWatchpointAt arms wp at addr in the lowest free hardware slot and
// returns the slot. ErrMaxWatchpoints is returned, and nothing is
// changed, when all four slots are in use.
func (d *Debugger) SetWatchpointAt(addr uint64, wp Watchpoint) (uint8, error) {
	if err := d.checkExited(); err != nil {
		return 0, err
	}
	if !wp.valid() {
		return 0, InvalidWatchpointError{Watchpoint: wp}
	}
	slot, ok := d.freeWatchpointSlot()
	if !ok {
		return 0, ErrMaxWatchpoints
	}

	if err := d.SetDebugRegister(amd64util.AddrReg(slot), addr); err != nil {
		return 0, err
	}
	if err := d.enableWatchpointSlot(slot, wp); err != nil {
		if rerr := d.SetDebugRegister(amd64util.AddrReg(slot), 0); rerr != nil {
			d.log.Warnf("could not reset %s: %v", amd64util.AddrReg(slot), rerr)
		}
		return 0, err
	}

	d.watchpoints[slot] = &WatchpointSlot{Slot: slot, Addr: addr, Watchpoint: wp}
	d.log.Debugf("watchpoint %s set at %#x in slot %d", wp, addr, slot)
	return slot, nil
}

func (d *Debugger) enableWatchpointSlot(slot uint8, wp Watchpoint) error {
	dr7, err := d.DebugControl()
	if err != nil {
		return err
	}
	cond, length := wp.dr7Config()
	return d.SetDebugControl(amd64util.EnableSlot(dr7, slot, cond, length))
}

// SetWatchpointAtTextOffset arms wp at the live address of the static
// offset off.
func (d *Debugger) SetWatchpointAtTextOffset(off uint64, wp Watchpoint) (uint64, uint8, error) {
	addr := d.TextOffsetToAddr(off)
	slot, err := d.SetWatchpointAt(addr, wp)
	return addr, slot, err
}

// SetWatchpointAtSymbol arms wp at the live address of the symbol name.
func (d *Debugger) SetWatchpointAtSymbol(name string, wp Watchpoint) (uint64, uint8, error) {
	addr, err := d.symbolAddr(name)
	if err != nil {
		return 0, 0, err
	}
	slot, err := d.SetWatchpointAt(addr, wp)
	return addr, slot, err
}

// ClearWatchpoint disarms the watchpoint in slot.
func (d *Debugger) ClearWatchpoint(slot uint8) error {
	if err := d.checkExited(); err != nil {
		return err
	}
	if int(slot) >= len(d.watchpoints) || d.watchpoints[slot] == nil {
		return NoWatchpointError{Slot: slot}
	}
	dr7, err := d.DebugControl()
	if err != nil {
		return err
	}
	if err := d.SetDebugControl(amd64util.DisableSlot(dr7, slot)); err != nil {
		return err
	}
	if err := d.SetDebugRegister(amd64util.AddrReg(slot), 0); err != nil {
		return err
	}
	d.log.Debugf("watchpoint cleared in slot %d", slot)
	d.watchpoints[slot] = nil
	return nil
}

// Watchpoints returns the armed watchpoints ordered by slot.
func (d *Debugger) Watchpoints() []WatchpointSlot {
	r := []WatchpointSlot{}
	for _, wp := range d.watchpoints {
		if wp != nil {
			r = append(r, *wp)
		}
	}
	return r
}

func (d *Debugger) freeWatchpointSlot() (uint8, bool) {
	for i, wp := range d.watchpoints {
		if wp == nil {
			return uint8(i), true
		}
	}
	return 0, false
}

// DebugRegister reads debug register idx.
func (d *Debugger) DebugRegister(idx amd64util.DebugRegIndex) (uint64, error) {
	if err := d.checkExited(); err != nil {
		return 0, err
	}
	v, err := d.tracer.PeekDebugReg(idx)
	if err != nil {
		return 0, ReadRegistersError{Reg: idx.String(), Err: err}
	}
	return v, nil
}

// SetDebugRegister writes val to debug register idx.
func (d *Debugger) SetDebugRegister(idx amd64util.DebugRegIndex, val uint64) error {
	if err := d.checkExited(); err != nil {
		return err
	}
	if err := d.tracer.PokeDebugReg(idx, val); err != nil {
		d.log.Errorf("failed to write debug register %s: %v", idx, err)
		return WriteRegistersError{Reg: idx.String(), Err: err}
	}
	return nil
}

// DebugControl reads DR7.
func (d *Debugger) DebugControl() (uint64, error) {
	return d.DebugRegister(amd64util.DR7)
}

// SetDebugControl writes DR7.
func (d *Debugger) SetDebugControl(val uint64) error {
	return d.SetDebugRegister(amd64util.DR7, val)
}

// DebugStatus reads DR6.
func (d *Debugger) DebugStatus() (uint64, error) {
	return d.DebugRegister(amd64util.DR6)
}
