package proc

import (
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/trapdbg/trapdbg/pkg/logflags"
	"github.com/trapdbg/trapdbg/pkg/proc/amd64util"
	"github.com/trapdbg/trapdbg/pkg/proc/linutil"
)

// Tracer is the kernel tracing interface for a single stopped tracee.
// Every call issues one request and blocks until the kernel answers.
type Tracer interface {
	Pid() int

	// PeekWord reads the 8 byte little endian word at addr.
	PeekWord(addr uint64) (uint64, error)
	// PokeWord writes the 8 byte little endian word at addr.
	PokeWord(addr, word uint64) error

	PC() (uint64, error)
	SetPC(pc uint64) error

	PeekDebugReg(idx amd64util.DebugRegIndex) (uint64, error)
	PokeDebugReg(idx amd64util.DebugRegIndex, val uint64) error

	// Cont resumes the tracee delivering sig, if it is not zero.
	Cont(sig int) error
	SingleStep() error
	// Wait blocks until the tracee changes state.
	Wait() (WaitStatus, error)

	// Detach releases the tracee, killing it if kill is set.
	Detach(kill bool) error
}

// WaitStatus describes a tracee state change.
type WaitStatus struct {
	Exited     bool
	ExitStatus int

	Signaled bool
	Signal   syscall.Signal

	Stopped    bool
	StopSignal syscall.Signal
}

// Config describes a freshly attached tracee.
type Config struct {
	// Path of the traced executable.
	Path string
	// Executable is the content of the file at Path.
	Executable []byte
	// Maps is the memory map snapshot taken right after attaching.
	Maps linutil.Maps
	// SymbolCacheSize bounds the number of cached address to function
	// name lookups.
	SymbolCacheSize int
}

// Debugger controls a single traced process. It is not safe for
// concurrent use, callers must serialize all operations.
//
// Text offsets are resolved against the memory map captured when the
// Debugger was created: code loaded afterwards is not visible to them.
type Debugger struct {
	tracer Tracer
	path   string
	maps   linutil.Maps
	bi     *BinaryInfo

	// breakpoints maps the address of every installed trap instruction
	// to the word that was in memory before it was installed.
	breakpoints map[uint64]uint64

	// watchpoints mirrors the enabled slots of DR7.
	watchpoints [amd64util.NumAddrRegs]*WatchpointSlot

	exited     bool
	exitStatus int

	// pendingSignal is delivered on the next continue.
	pendingSignal syscall.Signal

	log *logrus.Entry
}

// New returns a Debugger for the stopped tracee behind t.
func New(t Tracer, cfg Config) *Debugger {
	d := &Debugger{
		tracer:      t,
		path:        cfg.Path,
		maps:        cfg.Maps,
		bi:          NewBinaryInfo(cfg.Path, cfg.Executable, cfg.SymbolCacheSize),
		breakpoints: make(map[uint64]uint64),
		log:         logflags.DebuggerLogger().WithField("pid", t.Pid()),
	}
	if logflags.Debugger() {
		text := d.maps.TextSection()
		d.log.Debugf("attached to %s, text mapping %#x-%#x offset %#x", d.path, text.Start, text.End, text.Offset)
	}
	return d
}

// Pid returns the process id of the tracee.
func (d *Debugger) Pid() int {
	return d.tracer.Pid()
}

// ExecutablePath returns the path of the traced executable.
func (d *Debugger) ExecutablePath() string {
	return d.path
}

// BinInfo returns the static image of the traced executable.
func (d *Debugger) BinInfo() *BinaryInfo {
	return d.bi
}

// Maps returns the memory map snapshot.
func (d *Debugger) Maps() linutil.Maps {
	return d.maps
}

// Exited reports whether the tracee has exited.
func (d *Debugger) Exited() bool {
	return d.exited
}

func (d *Debugger) checkExited() error {
	if d.exited {
		return ProcessExitedError{Pid: d.Pid(), Status: d.exitStatus}
	}
	return nil
}

func (d *Debugger) postExit(status int) {
	d.exited = true
	d.exitStatus = status
	d.breakpoints = make(map[uint64]uint64)
	d.watchpoints = [amd64util.NumAddrRegs]*WatchpointSlot{}
	d.log.Debugf("process exited with status %d", status)
}

// TextOffsetToAddr converts a static offset in the executable to its live
// address, using the executable mapping of the process.
func (d *Debugger) TextOffsetToAddr(off uint64) uint64 {
	return d.maps.TextSection().AddrForOffset(off)
}

// FindSymbolAddressByName returns the static offset of symbol name.
func (d *Debugger) FindSymbolAddressByName(name string) (uint64, bool, error) {
	return d.bi.FindSymbolAddressByName(name)
}

// ListFunctionSymbols returns all function symbols of the executable.
func (d *Debugger) ListFunctionSymbols() ([]FunctionSymbol, error) {
	return d.bi.ListFunctionSymbols()
}

// FunctionNameAt returns the name of the function symbol starting at the
// live address addr, or "" if there is none.
func (d *Debugger) FunctionNameAt(addr uint64) string {
	base := d.TextOffsetToAddr(0)
	if addr < base {
		return ""
	}
	name, _, err := d.bi.FunctionNameAt(addr - base)
	if err != nil {
		d.log.Debugf("function name lookup at %#x: %v", addr, err)
	}
	return name
}

func (d *Debugger) symbolAddr(name string) (uint64, error) {
	off, found, err := d.bi.FindSymbolAddressByName(name)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, SymbolNotFoundError{Name: name}
	}
	return d.TextOffsetToAddr(off), nil
}

// PC returns the instruction pointer of the tracee.
func (d *Debugger) PC() (uint64, error) {
	if err := d.checkExited(); err != nil {
		return 0, err
	}
	pc, err := d.tracer.PC()
	if err != nil {
		return 0, ReadRegistersError{Reg: "rip", Err: err}
	}
	return pc, nil
}

// SetPC sets the instruction pointer of the tracee.
func (d *Debugger) SetPC(pc uint64) error {
	if err := d.checkExited(); err != nil {
		return err
	}
	if err := d.tracer.SetPC(pc); err != nil {
		return WriteRegistersError{Reg: "rip", Err: err}
	}
	return nil
}

// Detach removes every breakpoint and watchpoint and releases the tracee,
// killing it if kill is set.
func (d *Debugger) Detach(kill bool) error {
	if d.exited {
		return nil
	}
	if !kill {
		for _, bp := range d.Breakpoints() {
			if err := d.ClearBreakpoint(bp.Addr); err != nil {
				return err
			}
		}
		for _, wp := range d.Watchpoints() {
			if err := d.ClearWatchpoint(wp.Slot); err != nil {
				return err
			}
		}
	}
	if err := d.tracer.Detach(kill); err != nil {
		return err
	}
	d.postExit(0)
	return nil
}
