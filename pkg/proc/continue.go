package proc

import (
	"fmt"
	"syscall"

	"github.com/trapdbg/trapdbg/pkg/proc/amd64util"
)

// StopReason classifies why ContinueExecution returned.
type StopReason uint8

const (
	// StopOther is any stop that is neither a breakpoint nor a watchpoint:
	// a signal, or a trap not caused by us.
	StopOther StopReason = iota
	StopExited
	StopBreakpoint
	StopWatchpoint
)

func (r StopReason) String() string {
	switch r {
	case StopOther:
		return "other"
	case StopExited:
		return "exited"
	case StopBreakpoint:
		return "breakpoint"
	case StopWatchpoint:
		return "watchpoint"
	}
	return fmt.Sprintf("StopReason(%d)", uint8(r))
}

// StopEvent is the outcome of ContinueExecution.
type StopEvent struct {
	Reason StopReason

	// ExitStatus is set for StopExited. A tracee killed by a signal has
	// ExitStatus -1 and Signal set.
	ExitStatus int

	// Addr is the breakpoint address for StopBreakpoint and the watched
	// address for StopWatchpoint.
	Addr uint64

	// Slot and Watchpoint are set for StopWatchpoint.
	Slot       uint8
	Watchpoint Watchpoint

	// Signal is the stop signal for StopOther, or the killing signal for
	// StopExited.
	Signal syscall.Signal
}

func (ev StopEvent) String() string {
	switch ev.Reason {
	case StopExited:
		if ev.Signal != 0 {
			return fmt.Sprintf("process killed by %v", ev.Signal)
		}
		return fmt.Sprintf("process exited with status %d", ev.ExitStatus)
	case StopBreakpoint:
		return fmt.Sprintf("breakpoint hit at %#x", ev.Addr)
	case StopWatchpoint:
		return fmt.Sprintf("watchpoint %d (%s) hit at %#x", ev.Slot, ev.Watchpoint, ev.Addr)
	}
	if ev.Signal != 0 {
		return fmt.Sprintf("stopped by %v", ev.Signal)
	}
	return "stopped"
}

// ContinueExecution resumes the tracee and blocks until it stops again,
// then classifies the stop.
//
// Watchpoints are checked first, lowest slot first. Otherwise, if the
// instruction before the stopped pc is a breakpoint, the original
// instruction is executed once with a single step and the breakpoint is
// reinstalled before returning.
func (d *Debugger) ContinueExecution() (StopEvent, error) {
	if err := d.checkExited(); err != nil {
		return StopEvent{}, err
	}

	sig := d.pendingSignal
	d.pendingSignal = 0
	if err := d.tracer.Cont(int(sig)); err != nil {
		return StopEvent{}, ResumeError{Err: err}
	}
	ws, err := d.tracer.Wait()
	if err != nil {
		return StopEvent{}, ResumeError{Err: err}
	}

	if ev, exited := d.exitEvent(ws); exited {
		return ev, nil
	}
	if !ws.Stopped || ws.StopSignal != syscall.SIGTRAP {
		d.log.Debugf("stopped by signal %v", ws.StopSignal)
		if ws.StopSignal != syscall.SIGSTOP {
			d.pendingSignal = ws.StopSignal
		}
		return StopEvent{Reason: StopOther, Signal: ws.StopSignal}, nil
	}
	return d.classifyTrap()
}

func (d *Debugger) exitEvent(ws WaitStatus) (StopEvent, bool) {
	switch {
	case ws.Exited:
		d.postExit(ws.ExitStatus)
		return StopEvent{Reason: StopExited, ExitStatus: ws.ExitStatus}, true
	case ws.Signaled:
		d.postExit(-1)
		return StopEvent{Reason: StopExited, ExitStatus: -1, Signal: ws.Signal}, true
	}
	return StopEvent{}, false
}

func (d *Debugger) classifyTrap() (StopEvent, error) {
	dr6, err := d.DebugStatus()
	if err != nil {
		return StopEvent{}, err
	}
	for _, wp := range d.watchpoints {
		if wp == nil || !amd64util.Hit(dr6, wp.Slot) {
			continue
		}
		if err := d.SetDebugRegister(amd64util.DR6, amd64util.ClearHits(dr6)); err != nil {
			return StopEvent{}, err
		}
		d.log.Debugf("watchpoint %d hit at %#x", wp.Slot, wp.Addr)
		return StopEvent{Reason: StopWatchpoint, Addr: wp.Addr, Slot: wp.Slot, Watchpoint: wp.Watchpoint}, nil
	}

	pc, err := d.PC()
	if err != nil {
		return StopEvent{}, err
	}
	// INT3 is one byte long and the pc is already past it.
	addr := pc - 1
	if _, ok := d.breakpoints[addr]; !ok {
		return StopEvent{Reason: StopOther, Signal: syscall.SIGTRAP}, nil
	}
	d.log.Debugf("breakpoint hit at %#x", addr)
	return d.stepOverBreakpoint(addr)
}

// stepOverBreakpoint rewinds the pc to addr, executes the original
// instruction there and puts the trap back. If a write fails the
// breakpoint may be left disarmed.
func (d *Debugger) stepOverBreakpoint(addr uint64) (StopEvent, error) {
	if err := d.SetPC(addr); err != nil {
		return StopEvent{}, err
	}
	if err := d.restoreOriginalByte(addr); err != nil {
		return StopEvent{}, err
	}
	ws, err := d.singleStep()
	if err != nil {
		return StopEvent{}, err
	}
	if ev, exited := d.exitEvent(ws); exited {
		return ev, nil
	}
	if err := d.SetBreakpointAt(addr); err != nil {
		return StopEvent{}, err
	}
	return StopEvent{Reason: StopBreakpoint, Addr: addr}, nil
}

// singleStep executes one instruction. Signals that arrive before the
// step completes are kept for the next continue.
func (d *Debugger) singleStep() (WaitStatus, error) {
	for {
		if err := d.tracer.SingleStep(); err != nil {
			return WaitStatus{}, SingleStepError{Err: err}
		}
		ws, err := d.tracer.Wait()
		if err != nil {
			return WaitStatus{}, SingleStepError{Err: err}
		}
		if !ws.Stopped {
			return ws, nil
		}
		if ws.StopSignal == syscall.SIGTRAP {
			return ws, d.clearStepHits()
		}
		d.log.Debugf("signal %v received while single stepping", ws.StopSignal)
		if ws.StopSignal != syscall.SIGSTOP {
			d.pendingSignal = ws.StopSignal
		}
	}
}

// clearStepHits resets the DR6 condition bits left by a watchpoint that
// fired during a single step. The kernel does not clear them on a later
// INT3 trap, so a stale bit would make the next breakpoint look like a
// watchpoint hit.
func (d *Debugger) clearStepHits() error {
	if len(d.Watchpoints()) == 0 {
		return nil
	}
	dr6, err := d.DebugStatus()
	if err != nil {
		return err
	}
	if amd64util.ClearHits(dr6) == dr6 {
		return nil
	}
	for _, wp := range d.watchpoints {
		if wp != nil && amd64util.Hit(dr6, wp.Slot) {
			d.log.Debugf("watchpoint %d triggered by single step at %#x", wp.Slot, wp.Addr)
		}
	}
	return d.SetDebugRegister(amd64util.DR6, amd64util.ClearHits(dr6))
}

// StepInstructions executes n instructions one at a time and returns the
// resulting pc. Breakpoints and watchpoints are not interpreted.
func (d *Debugger) StepInstructions(n int) (uint64, error) {
	if err := d.checkExited(); err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		ws, err := d.singleStep()
		if err != nil {
			return 0, err
		}
		if _, exited := d.exitEvent(ws); exited {
			return 0, d.checkExited()
		}
	}
	return d.PC()
}
