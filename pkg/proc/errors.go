package proc

import (
	"errors"
	"fmt"
)

// ChildAttachmentError is returned when the tracee could not be spawned
// or attached to, or did not stop the way a freshly traced process does.
type ChildAttachmentError struct {
	Path string
	Pid  int
	Err  error
}

func (e ChildAttachmentError) Error() string {
	if e.Pid != 0 {
		return fmt.Sprintf("could not attach to process %d: %v", e.Pid, e.Err)
	}
	return fmt.Sprintf("could not launch %s under ptrace: %v", e.Path, e.Err)
}

func (e ChildAttachmentError) Unwrap() error { return e.Err }

// NoReadExecutablePathError is returned by attach when the executable of
// the target process can not be resolved or read.
type NoReadExecutablePathError struct {
	Pid int
	Err error
}

func (e NoReadExecutablePathError) Error() string {
	return fmt.Sprintf("could not read executable of process %d: %v", e.Pid, e.Err)
}

func (e NoReadExecutablePathError) Unwrap() error { return e.Err }

// ExecutableReadError is returned when the executable passed to launch
// does not exist or can not be read.
type ExecutableReadError struct {
	Path string
	Err  error
}

func (e ExecutableReadError) Error() string {
	return fmt.Sprintf("could not read %s: %v", e.Path, e.Err)
}

func (e ExecutableReadError) Unwrap() error { return e.Err }

// InvalidElfFileError is returned when the executable image is not a
// well formed ELF file.
type InvalidElfFileError struct {
	Path string
	Err  error
}

func (e InvalidElfFileError) Error() string {
	return fmt.Sprintf("invalid ELF file %s: %v", e.Path, e.Err)
}

func (e InvalidElfFileError) Unwrap() error { return e.Err }

// ReadMemoryError is returned when reading tracee memory fails.
type ReadMemoryError struct {
	Addr uint64
	Err  error
}

func (e ReadMemoryError) Error() string {
	return fmt.Sprintf("could not read memory at %#x: %v", e.Addr, e.Err)
}

func (e ReadMemoryError) Unwrap() error { return e.Err }

// WriteMemoryError is returned when writing tracee memory fails.
type WriteMemoryError struct {
	Addr uint64
	Err  error
}

func (e WriteMemoryError) Error() string {
	return fmt.Sprintf("could not write memory at %#x: %v", e.Addr, e.Err)
}

func (e WriteMemoryError) Unwrap() error { return e.Err }

// ReadRegistersError is returned when a general purpose or debug register
// can not be read.
type ReadRegistersError struct {
	Reg string
	Err error
}

func (e ReadRegistersError) Error() string {
	return fmt.Sprintf("could not read register %s: %v", e.Reg, e.Err)
}

func (e ReadRegistersError) Unwrap() error { return e.Err }

// WriteRegistersError is returned when a general purpose or debug register
// can not be written.
type WriteRegistersError struct {
	Reg string
	Err error
}

func (e WriteRegistersError) Error() string {
	return fmt.Sprintf("could not write register %s: %v", e.Reg, e.Err)
}

func (e WriteRegistersError) Unwrap() error { return e.Err }

// SingleStepError is returned when the kernel refuses a single step
// request or waiting for its completion fails.
type SingleStepError struct {
	Err error
}

func (e SingleStepError) Error() string {
	return fmt.Sprintf("single step failed: %v", e.Err)
}

func (e SingleStepError) Unwrap() error { return e.Err }

// ResumeError is returned when the tracee can not be resumed or waited for.
type ResumeError struct {
	Err error
}

func (e ResumeError) Error() string {
	return fmt.Sprintf("could not resume process: %v", e.Err)
}

func (e ResumeError) Unwrap() error { return e.Err }

// BreakpointExistsError is returned when trying to set a breakpoint at an
// address that already has one.
type BreakpointExistsError struct {
	Addr uint64
}

func (bpe BreakpointExistsError) Error() string {
	return fmt.Sprintf("Breakpoint exists at %#x", bpe.Addr)
}

// NoBreakpointError is returned when clearing an address that has no
// breakpoint.
type NoBreakpointError struct {
	Addr uint64
}

func (nbp NoBreakpointError) Error() string {
	return fmt.Sprintf("no breakpoint at %#x", nbp.Addr)
}

// ErrMaxWatchpoints is returned when all hardware debug address
// registers are in use.
var ErrMaxWatchpoints = errors.New("hardware watchpoints exhausted")

// WatchpointLengthError is returned for data watchpoints whose length is
// not 1, 2, 4 or 8 bytes.
type WatchpointLengthError struct {
	Length int
}

func (e WatchpointLengthError) Error() string {
	return fmt.Sprintf("invalid watchpoint length %d, must be 1, 2, 4 or 8", e.Length)
}

// InvalidWatchpointError is returned for a Watchpoint value that was not
// built with ExecutionWatchpoint or DataWatchpoint.
type InvalidWatchpointError struct {
	Watchpoint Watchpoint
}

func (e InvalidWatchpointError) Error() string {
	return fmt.Sprintf("invalid watchpoint %s", e.Watchpoint)
}

// NoWatchpointError is returned when clearing a slot that is not in use.
type NoWatchpointError struct {
	Slot uint8
}

func (e NoWatchpointError) Error() string {
	return fmt.Sprintf("no watchpoint in slot %d", e.Slot)
}

// SymbolNotFoundError is returned when a symbol name is not present in the
// executable's symbol table.
type SymbolNotFoundError struct {
	Name string
}

func (e SymbolNotFoundError) Error() string {
	return fmt.Sprintf("could not find symbol %s", e.Name)
}

// ProcessExitedError indicates that the process has exited and contains both
// process id and exit status.
type ProcessExitedError struct {
	Pid    int
	Status int
}

func (pe ProcessExitedError) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}
