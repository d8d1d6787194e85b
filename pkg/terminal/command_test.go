package terminal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trapdbg/trapdbg/pkg/config"
	"github.com/trapdbg/trapdbg/pkg/logflags"
	"github.com/trapdbg/trapdbg/pkg/proc"
	"github.com/trapdbg/trapdbg/pkg/proc/amd64util"
	"github.com/trapdbg/trapdbg/pkg/proc/linutil"
)

const textBase = 0x555555554000

// fakeTarget records what the terminal asks of the debugger.
type fakeTarget struct {
	pc          uint64
	breakpoints map[uint64]uint64
	watchpoints []proc.WatchpointSlot
	symbols     []proc.FunctionSymbol
	stops       []proc.StopEvent
	steps       int
	exited      bool
	detached    bool
	killed      bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		pc:          textBase + 0x1040,
		breakpoints: make(map[uint64]uint64),
		symbols: []proc.FunctionSymbol{
			{Name: "main", Offset: 0x1149},
			{Name: "tick", Offset: 0x1129},
			{Name: "_start", Offset: 0x1040},
		},
	}
}

func (f *fakeTarget) Pid() int               { return 4242 }
func (f *fakeTarget) ExecutablePath() string { return "/tmp/ticker" }
func (f *fakeTarget) Exited() bool           { return f.exited }

func (f *fakeTarget) Maps() linutil.Maps {
	return linutil.ParseMaps("555555554000-555555555000 r--p 00000000 08:01 42 /tmp/ticker\n" +
		"555555555000-555555556000 r-xp 00001000 08:01 42 /tmp/ticker\n")
}

func (f *fakeTarget) TextOffsetToAddr(off uint64) uint64 { return textBase + off }

func (f *fakeTarget) ListFunctionSymbols() ([]proc.FunctionSymbol, error) {
	return append([]proc.FunctionSymbol(nil), f.symbols...), nil
}

func (f *fakeTarget) FunctionNameAt(addr uint64) string {
	for _, sym := range f.symbols {
		if f.TextOffsetToAddr(sym.Offset) == addr {
			return sym.Name
		}
	}
	return ""
}

func (f *fakeTarget) symbol(name string) (uint64, error) {
	for _, sym := range f.symbols {
		if sym.Name == name {
			return f.TextOffsetToAddr(sym.Offset), nil
		}
	}
	return 0, proc.SymbolNotFoundError{Name: name}
}

func (f *fakeTarget) SetBreakpointAt(addr uint64) error {
	f.breakpoints[addr] = 0x4855e5894855f3fa
	return nil
}

func (f *fakeTarget) setChecked(addr uint64) (uint64, error) {
	if _, ok := f.breakpoints[addr]; ok {
		return addr, proc.BreakpointExistsError{Addr: addr}
	}
	return addr, f.SetBreakpointAt(addr)
}

func (f *fakeTarget) SetBreakpointAtTextOffset(off uint64) (uint64, error) {
	return f.setChecked(f.TextOffsetToAddr(off))
}

func (f *fakeTarget) SetBreakpointAtSymbol(name string) (uint64, error) {
	addr, err := f.symbol(name)
	if err != nil {
		return 0, err
	}
	return f.setChecked(addr)
}

func (f *fakeTarget) ClearBreakpoint(addr uint64) error {
	if _, ok := f.breakpoints[addr]; !ok {
		return proc.NoBreakpointError{Addr: addr}
	}
	delete(f.breakpoints, addr)
	return nil
}

func (f *fakeTarget) Breakpoints() []proc.Breakpoint {
	var bps []proc.Breakpoint
	for addr, word := range f.breakpoints {
		bps = append(bps, proc.Breakpoint{Addr: addr, OriginalWord: word})
	}
	sort.Slice(bps, func(i, j int) bool { return bps[i].Addr < bps[j].Addr })
	return bps
}

func (f *fakeTarget) SetWatchpointAt(addr uint64, wp proc.Watchpoint) (uint8, error) {
	if len(f.watchpoints) == amd64util.NumAddrRegs {
		return 0, proc.ErrMaxWatchpoints
	}
	slot := uint8(len(f.watchpoints))
	f.watchpoints = append(f.watchpoints, proc.WatchpointSlot{Slot: slot, Addr: addr, Watchpoint: wp})
	return slot, nil
}

func (f *fakeTarget) SetWatchpointAtTextOffset(off uint64, wp proc.Watchpoint) (uint64, uint8, error) {
	addr := f.TextOffsetToAddr(off)
	slot, err := f.SetWatchpointAt(addr, wp)
	return addr, slot, err
}

func (f *fakeTarget) SetWatchpointAtSymbol(name string, wp proc.Watchpoint) (uint64, uint8, error) {
	addr, err := f.symbol(name)
	if err != nil {
		return 0, 0, err
	}
	slot, err := f.SetWatchpointAt(addr, wp)
	return addr, slot, err
}

func (f *fakeTarget) ClearWatchpoint(slot uint8) error {
	for i := range f.watchpoints {
		if f.watchpoints[i].Slot == slot {
			f.watchpoints = append(f.watchpoints[:i], f.watchpoints[i+1:]...)
			return nil
		}
	}
	return proc.NoWatchpointError{Slot: slot}
}

func (f *fakeTarget) Watchpoints() []proc.WatchpointSlot {
	return append([]proc.WatchpointSlot(nil), f.watchpoints...)
}

func (f *fakeTarget) ContinueExecution() (proc.StopEvent, error) {
	if f.exited {
		return proc.StopEvent{}, proc.ProcessExitedError{Pid: f.Pid()}
	}
	if len(f.stops) == 0 {
		f.exited = true
		return proc.StopEvent{Reason: proc.StopExited}, nil
	}
	ev := f.stops[0]
	f.stops = f.stops[1:]
	return ev, nil
}

func (f *fakeTarget) StepInstructions(n int) (uint64, error) {
	f.steps += n
	f.pc += uint64(n)
	return f.pc, nil
}

func (f *fakeTarget) PC() (uint64, error) { return f.pc, nil }

func (f *fakeTarget) SetPC(pc uint64) error {
	f.pc = pc
	return nil
}

func (f *fakeTarget) Detach(kill bool) error {
	f.detached = true
	f.killed = kill
	f.exited = true
	return nil
}

func newTestTerm(target Target) (*Term, *bytes.Buffer) {
	out := new(bytes.Buffer)
	history := false
	return &Term{
		target: target,
		conf:   &config.Config{History: &history},
		cmds:   DebugCommands(),
		dumb:   true,
		stdout: out,
		log:    logflags.DebuggerLogger(),
	}, out
}

func TestParseLocation(t *testing.T) {
	loc, err := parseLocation("main")
	require.NoError(t, err)
	assert.Equal(t, location{kind: symbolLocation, symbol: "main"}, loc)

	loc, err = parseLocation("*0x401136")
	require.NoError(t, err)
	assert.Equal(t, location{kind: addrLocation, value: 0x401136}, loc)

	loc, err = parseLocation("+4406")
	require.NoError(t, err)
	assert.Equal(t, location{kind: offsetLocation, value: 4406}, loc)

	_, err = parseLocation("*zz")
	assert.Error(t, err)
	_, err = parseLocation("")
	assert.Error(t, err)
}

func TestBreakCommand(t *testing.T) {
	ft := newFakeTarget()
	term, out := newTestTerm(ft)

	require.NoError(t, term.cmds.Call("break tick", term))
	assert.Contains(t, ft.breakpoints, uint64(textBase+0x1129))
	assert.Contains(t, out.String(), "Breakpoint set at 0x555555555129 (tick)")

	require.NoError(t, term.cmds.Call("b +0x1149", term))
	assert.Contains(t, ft.breakpoints, uint64(textBase+0x1149))

	require.NoError(t, term.cmds.Call("b *0x555555555040", term))
	assert.Contains(t, ft.breakpoints, uint64(0x555555555040))

	err := term.cmds.Call("b *0x555555555040", term)
	var bpe proc.BreakpointExistsError
	require.True(t, errors.As(err, &bpe))

	err = term.cmds.Call("break nosuchfn", term)
	var snf proc.SymbolNotFoundError
	require.True(t, errors.As(err, &snf))

	assert.Error(t, term.cmds.Call("break", term))

	out.Reset()
	require.NoError(t, term.cmds.Call("breakpoints", term))
	assert.Contains(t, out.String(), "0x555555555129")
	assert.Contains(t, out.String(), "tick")

	require.NoError(t, term.cmds.Call("clear 0x555555555129", term))
	assert.NotContains(t, ft.breakpoints, uint64(textBase+0x1129))
	var nbp proc.NoBreakpointError
	require.True(t, errors.As(term.cmds.Call("clear 0x555555555129", term), &nbp))
}

func TestParseWatchArgs(t *testing.T) {
	wp, loc, err := parseWatchArgs("counter")
	require.NoError(t, err)
	assert.Equal(t, proc.WatchData, wp.Kind)
	assert.Equal(t, amd64util.WatchWrite, wp.Cond)
	assert.Equal(t, amd64util.WatchLen8, wp.Length)
	assert.Equal(t, "counter", loc.symbol)

	wp, loc, err = parseWatchArgs("-rw -len 2 *0x7fff0010")
	require.NoError(t, err)
	assert.Equal(t, amd64util.WatchReadWrite, wp.Cond)
	assert.Equal(t, amd64util.WatchLen2, wp.Length)
	assert.Equal(t, uint64(0x7fff0010), loc.value)

	wp, _, err = parseWatchArgs("-x tick")
	require.NoError(t, err)
	assert.Equal(t, proc.ExecutionWatchpoint(), wp)

	_, _, err = parseWatchArgs("-len 3 counter")
	var le proc.WatchpointLengthError
	require.True(t, errors.As(err, &le), "got %v", err)

	_, _, err = parseWatchArgs("-len")
	assert.Equal(t, errWatchUsage, err)
	_, _, err = parseWatchArgs("a b")
	assert.Equal(t, errWatchUsage, err)
	_, _, err = parseWatchArgs("")
	assert.Equal(t, errWatchUsage, err)
}

func TestWatchCommand(t *testing.T) {
	ft := newFakeTarget()
	term, out := newTestTerm(ft)

	require.NoError(t, term.cmds.Call("watch -x tick", term))
	require.NoError(t, term.cmds.Call("watch -len 4 *0x7ffc0000", term))
	require.NoError(t, term.cmds.Call("watch +0x4010", term))
	require.NoError(t, term.cmds.Call("watch -rw *0x7ffc0008", term))
	assert.Contains(t, out.String(), "Watchpoint 0 (execute) set at 0x555555555129 (tick)")
	assert.Equal(t, proc.ErrMaxWatchpoints, term.cmds.Call("watch main", term))

	out.Reset()
	require.NoError(t, term.cmds.Call("watchpoints", term))
	assert.Contains(t, out.String(), "Watchpoint 1")
	assert.Contains(t, out.String(), "0x7ffc0000")

	require.NoError(t, term.cmds.Call("clearwatch 1", term))
	assert.Len(t, ft.watchpoints, 3)
	assert.Error(t, term.cmds.Call("clearwatch x", term))
}

func TestContinueCommand(t *testing.T) {
	ft := newFakeTarget()
	ft.stops = []proc.StopEvent{
		{Reason: proc.StopBreakpoint, Addr: textBase + 0x1129},
		{Reason: proc.StopOther, Signal: syscall.SIGUSR1},
	}
	term, out := newTestTerm(ft)

	require.NoError(t, term.cmds.Call("continue", term))
	assert.Contains(t, out.String(), "breakpoint hit at 0x555555555129 in tick")

	require.NoError(t, term.cmds.Call("c", term))
	assert.Contains(t, out.String(), "stopped by user defined signal 1")

	require.NoError(t, term.cmds.Call("c", term))
	assert.Contains(t, out.String(), "process exited with status 0")

	var pe proc.ProcessExitedError
	require.True(t, errors.As(term.cmds.Call("c", term), &pe))
}

func TestStepAndPCCommands(t *testing.T) {
	ft := newFakeTarget()
	term, out := newTestTerm(ft)

	require.NoError(t, term.cmds.Call("step", term))
	require.NoError(t, term.cmds.Call("si 3", term))
	assert.Equal(t, 4, ft.steps)
	assert.Error(t, term.cmds.Call("step 0", term))
	assert.Error(t, term.cmds.Call("step x", term))

	require.NoError(t, term.cmds.Call("setpc 0x555555555129", term))
	out.Reset()
	require.NoError(t, term.cmds.Call("pc", term))
	assert.Equal(t, "0x555555555129\n", out.String())
}

func TestSymbolsAndMapsCommands(t *testing.T) {
	term, out := newTestTerm(newFakeTarget())

	require.NoError(t, term.cmds.Call("symbols", term))
	assert.Contains(t, out.String(), "_start")
	assert.Contains(t, out.String(), "tick")

	out.Reset()
	require.NoError(t, term.cmds.Call("symbols ic", term))
	assert.Contains(t, out.String(), "tick")
	assert.NotContains(t, out.String(), "main")

	out.Reset()
	require.NoError(t, term.cmds.Call("maps", term))
	assert.Contains(t, out.String(), "r-xp")
}

func TestExitCommand(t *testing.T) {
	term, _ := newTestTerm(newFakeTarget())
	assert.Equal(t, ExitRequestError{}, term.cmds.Call("exit", term))
	assert.Equal(t, ExitRequestError{Kill: true}, term.cmds.Call("q -k", term))
	assert.Error(t, term.cmds.Call("exit now", term))
}

func TestHandleExit(t *testing.T) {
	ft := newFakeTarget()
	term, _ := newTestTerm(ft)
	term.attached = true
	status, err := term.handleExit(false)
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.True(t, ft.detached)
	assert.False(t, ft.killed)

	ft = newFakeTarget()
	term, _ = newTestTerm(ft)
	_, err = term.handleExit(false)
	require.NoError(t, err)
	assert.True(t, ft.killed, "launched processes are killed")

	ft = newFakeTarget()
	ft.exited = true
	term, _ = newTestTerm(ft)
	_, err = term.handleExit(true)
	require.NoError(t, err)
	assert.False(t, ft.detached)
}

func TestUnknownAndEmptyCommands(t *testing.T) {
	term, _ := newTestTerm(newFakeTarget())
	assert.Equal(t, errNoCmd, term.cmds.Call("frobnicate", term))
	assert.NoError(t, term.cmds.Call("", term))
	assert.NoError(t, term.cmds.Call("help", term))
	assert.NoError(t, term.cmds.Call("help watch", term))
	assert.Equal(t, errNoCmd, term.cmds.Call("help frobnicate", term))
}

func TestMergeAliases(t *testing.T) {
	ft := newFakeTarget()
	term, _ := newTestTerm(ft)
	term.cmds.Merge(map[string][]string{"continue": {"go"}})

	require.NoError(t, term.cmds.Call("go", term))
	assert.True(t, ft.exited)
	assert.Contains(t, term.cmds.Complete("g"), "go")

	// Merging again replaces the previous user aliases.
	term.cmds.Merge(map[string][]string{"continue": {"run"}})
	assert.Equal(t, errNoCmd, term.cmds.Call("go", term))
	assert.NotContains(t, term.cmds.Complete("g"), "go")
}

func TestComplete(t *testing.T) {
	cmds := DebugCommands()
	assert.Equal(t, []string{"bp", "break", "breakpoints"}, cmds.Complete("b"))
	assert.Equal(t, []string{"clear", "clearwatch"}, cmds.Complete("CLEAR"))
	assert.Nil(t, cmds.Complete("break ma"))
	assert.Empty(t, cmds.Complete("zz"))
}

func TestExecuteFile(t *testing.T) {
	ft := newFakeTarget()
	term, out := newTestTerm(ft)

	path := filepath.Join(t.TempDir(), "init")
	script := "# set up\nbreak tick\n\nbreak nosuchfn\nwatch -x main\nexit -k\nbreak _start\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0600))

	err := term.cmds.executeFile(term, path)
	assert.Equal(t, ExitRequestError{Kill: true}, err)
	assert.Len(t, ft.breakpoints, 1)
	assert.Len(t, ft.watchpoints, 1)
	assert.Contains(t, out.String(), path+":4: could not find symbol nosuchfn")
}
