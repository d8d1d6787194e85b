//go:build linux && amd64
// +build linux,amd64

package native

import (
	"encoding/binary"
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/trapdbg/trapdbg/pkg/proc"
	"github.com/trapdbg/trapdbg/pkg/proc/amd64util"
)

const debugRegUserOffset = 848 // offset of debug registers in the user struct, see source/arch/x86/kernel/ptrace.c

var errProcessReleased = errors.New("process already released")

// Pid returns the process id of the tracee.
func (dbp *nativeProcess) Pid() int {
	return dbp.pid
}

// run executes fn on the ptrace goroutine.
func (dbp *nativeProcess) run(fn func() error) error {
	if dbp.exited {
		return errProcessReleased
	}
	var err error
	dbp.execPtraceFunc(func() { err = fn() })
	return err
}

// PeekWord reads the word at addr with PTRACE_PEEKDATA.
func (dbp *nativeProcess) PeekWord(addr uint64) (uint64, error) {
	var buf [8]byte
	err := dbp.run(func() error {
		n, err := sys.PtracePeekData(dbp.pid, uintptr(addr), buf[:])
		if err == nil && n != len(buf) {
			err = fmt.Errorf("short read: %d bytes", n)
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	word := binary.LittleEndian.Uint64(buf[:])
	dbp.log.Debugf("peek %#x = %#016x", addr, word)
	return word, nil
}

// PokeWord writes word at addr with PTRACE_POKEDATA.
func (dbp *nativeProcess) PokeWord(addr, word uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], word)
	dbp.log.Debugf("poke %#x = %#016x", addr, word)
	return dbp.run(func() error {
		n, err := sys.PtracePokeData(dbp.pid, uintptr(addr), buf[:])
		if err == nil && n != len(buf) {
			err = fmt.Errorf("short write: %d bytes", n)
		}
		return err
	})
}

// PC returns the instruction pointer of the tracee.
func (dbp *nativeProcess) PC() (uint64, error) {
	var regs sys.PtraceRegs
	err := dbp.run(func() error { return sys.PtraceGetRegs(dbp.pid, &regs) })
	if err != nil {
		return 0, err
	}
	return regs.Rip, nil
}

// SetPC sets the instruction pointer of the tracee, leaving the other
// registers untouched.
func (dbp *nativeProcess) SetPC(pc uint64) error {
	return dbp.run(func() error {
		var regs sys.PtraceRegs
		if err := sys.PtraceGetRegs(dbp.pid, &regs); err != nil {
			return err
		}
		regs.Rip = pc
		return sys.PtraceSetRegs(dbp.pid, &regs)
	})
}

// PeekDebugReg reads a debug register out of the tracee's user area.
func (dbp *nativeProcess) PeekDebugReg(idx amd64util.DebugRegIndex) (uint64, error) {
	var val uint64
	err := dbp.run(func() error {
		_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_PEEKUSR, uintptr(dbp.pid), debugRegOffset(idx), uintptr(unsafe.Pointer(&val)), 0, 0)
		if err != syscall.Errno(0) {
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	dbp.log.Debugf("peekusr %s = %#x", idx, val)
	return val, nil
}

// PokeDebugReg writes a debug register in the tracee's user area.
func (dbp *nativeProcess) PokeDebugReg(idx amd64util.DebugRegIndex, val uint64) error {
	dbp.log.Debugf("pokeusr %s = %#x", idx, val)
	return dbp.run(func() error {
		_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_POKEUSR, uintptr(dbp.pid), debugRegOffset(idx), uintptr(val), 0, 0)
		if err != syscall.Errno(0) {
			return err
		}
		return nil
	})
}

func debugRegOffset(idx amd64util.DebugRegIndex) uintptr {
	return debugRegUserOffset + uintptr(idx)*unsafe.Sizeof(uint64(0))
}

// Cont executes ptrace PTRACE_CONT
func (dbp *nativeProcess) Cont(sig int) error {
	return dbp.run(func() error { return sys.PtraceCont(dbp.pid, sig) })
}

// SingleStep executes ptrace PTRACE_SINGLESTEP
func (dbp *nativeProcess) SingleStep() error {
	return dbp.run(func() error { return sys.PtraceSingleStep(dbp.pid) })
}

// Wait blocks until the tracee stops or terminates. It runs on the ptrace
// goroutine so that stops are reported to the thread that traces.
func (dbp *nativeProcess) Wait() (proc.WaitStatus, error) {
	var status sys.WaitStatus
	err := dbp.run(func() error {
		for {
			wpid, err := sys.Wait4(dbp.pid, &status, sys.WALL, nil)
			if err == sys.EINTR {
				continue
			}
			if err != nil {
				return err
			}
			if wpid != dbp.pid {
				return fmt.Errorf("wait4 returned pid %d, expected %d", wpid, dbp.pid)
			}
			return nil
		}
	})
	if err != nil {
		return proc.WaitStatus{}, err
	}
	ws := convertWaitStatus(status)
	dbp.log.Debugf("wait %d: %+v", dbp.pid, ws)
	if ws.Exited || ws.Signaled {
		dbp.release()
	}
	return ws, nil
}

func convertWaitStatus(status sys.WaitStatus) proc.WaitStatus {
	switch {
	case status.Exited():
		return proc.WaitStatus{Exited: true, ExitStatus: status.ExitStatus()}
	case status.Signaled():
		return proc.WaitStatus{Signaled: true, Signal: syscall.Signal(status.Signal())}
	case status.Stopped():
		return proc.WaitStatus{Stopped: true, StopSignal: syscall.Signal(status.StopSignal())}
	}
	return proc.WaitStatus{}
}

// Detach releases the tracee. With kill set the tracee is sent SIGKILL
// and reaped, otherwise it resumes running untraced.
func (dbp *nativeProcess) Detach(kill bool) error {
	if dbp.exited {
		return nil
	}
	defer dbp.release()
	if kill {
		if err := sys.Kill(dbp.pid, sys.SIGKILL); err != nil && err != sys.ESRCH {
			return fmt.Errorf("could not kill process %d: %w", dbp.pid, err)
		}
		for !dbp.exited {
			if _, err := dbp.Wait(); err != nil {
				if err == sys.ECHILD {
					return nil
				}
				return err
			}
		}
		return nil
	}
	return dbp.run(func() error {
		_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(dbp.pid), 1, 0, 0, 0)
		if err != syscall.Errno(0) && err != sys.ESRCH {
			return err
		}
		return nil
	})
}
