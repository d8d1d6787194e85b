package proc

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"syscall"
	"testing"

	"github.com/trapdbg/trapdbg/pkg/proc/amd64util"
	"github.com/trapdbg/trapdbg/pkg/proc/linutil"
)

var errFake = errors.New("fake kernel error")

const testMaps = `00400000-00401000 r--p 00000000 08:01 1315 /tmp/prog
00401000-00402000 r-xp 00001000 08:01 1315 /tmp/prog
00404000-00405000 rw-p 00003000 08:01 1315 /tmp/prog
`

// fakeTracer is an in-memory tracee. Continuing pops the next scripted
// stop, single stepping advances the pc by stepLen.
type fakeTracer struct {
	t *testing.T

	mem map[uint64]byte
	pc  uint64
	dr  [8]uint64

	stops   []func(*fakeTracer) WaitStatus
	stepLen uint64

	// stepFn overrides the default single step behaviour.
	stepFn func(*fakeTracer) WaitStatus

	contSignals []int
	steps       int
	pokes       int
	drWrites    int

	// byteAtStep records the byte at the pc every time a step executes.
	byteAtStep []byte

	failPeek  map[uint64]error
	failPoke  map[uint64]error
	failDR    map[amd64util.DebugRegIndex]error
	failSetPC error
	failStep  error

	// failDRWrite fails only writes to a debug register.
	failDRWrite map[amd64util.DebugRegIndex]error

	detached, killed bool
}

func newFakeTracer(t *testing.T) *fakeTracer {
	return &fakeTracer{
		t:        t,
		mem:      make(map[uint64]byte),
		stepLen:  3,
		failPeek: make(map[uint64]error),
		failPoke: make(map[uint64]error),
		failDR:   make(map[amd64util.DebugRegIndex]error),
	}
}

func (ft *fakeTracer) Pid() int { return 4242 }

func (ft *fakeTracer) setWord(addr, w uint64) {
	for i := uint64(0); i < 8; i++ {
		ft.mem[addr+i] = byte(w >> (8 * i))
	}
}

func (ft *fakeTracer) word(addr uint64) uint64 {
	var buf [8]byte
	for i := range buf {
		buf[i] = ft.mem[addr+uint64(i)]
	}
	return binary.LittleEndian.Uint64(buf[:])
}

func (ft *fakeTracer) PeekWord(addr uint64) (uint64, error) {
	if err := ft.failPeek[addr]; err != nil {
		return 0, err
	}
	return ft.word(addr), nil
}

func (ft *fakeTracer) PokeWord(addr, word uint64) error {
	if err := ft.failPoke[addr]; err != nil {
		return err
	}
	ft.pokes++
	ft.setWord(addr, word)
	return nil
}

func (ft *fakeTracer) PC() (uint64, error) { return ft.pc, nil }

func (ft *fakeTracer) SetPC(pc uint64) error {
	if ft.failSetPC != nil {
		return ft.failSetPC
	}
	ft.pc = pc
	return nil
}

func (ft *fakeTracer) PeekDebugReg(idx amd64util.DebugRegIndex) (uint64, error) {
	if err := ft.failDR[idx]; err != nil {
		return 0, err
	}
	return ft.dr[idx], nil
}

func (ft *fakeTracer) PokeDebugReg(idx amd64util.DebugRegIndex, val uint64) error {
	if err := ft.failDR[idx]; err != nil {
		return err
	}
	if err := ft.failDRWrite[idx]; err != nil {
		return err
	}
	ft.drWrites++
	ft.dr[idx] = val
	return nil
}

func (ft *fakeTracer) Cont(sig int) error {
	ft.contSignals = append(ft.contSignals, sig)
	return nil
}

func (ft *fakeTracer) SingleStep() error {
	if ft.failStep != nil {
		return ft.failStep
	}
	ft.steps++
	ft.byteAtStep = append(ft.byteAtStep, ft.mem[ft.pc])
	ft.stops = append([]func(*fakeTracer) WaitStatus{ft.step}, ft.stops...)
	return nil
}

func (ft *fakeTracer) step(*fakeTracer) WaitStatus {
	if ft.stepFn != nil {
		return ft.stepFn(ft)
	}
	ft.pc += ft.stepLen
	return trapStop
}

func (ft *fakeTracer) Wait() (WaitStatus, error) {
	if len(ft.stops) == 0 {
		ft.t.Fatal("tracee resumed with no scripted stop")
	}
	stop := ft.stops[0]
	ft.stops = ft.stops[1:]
	return stop(ft), nil
}

func (ft *fakeTracer) Detach(kill bool) error {
	ft.detached = true
	ft.killed = kill
	return nil
}

func (ft *fakeTracer) script(stops ...func(*fakeTracer) WaitStatus) {
	ft.stops = append(ft.stops, stops...)
}

var trapStop = WaitStatus{Stopped: true, StopSignal: syscall.SIGTRAP}

// runTo executes until the trap instruction at addr, failing the test if
// no breakpoint is installed there.
func runTo(addr uint64) func(*fakeTracer) WaitStatus {
	return func(ft *fakeTracer) WaitStatus {
		if ft.mem[addr] != breakpointInstruction {
			ft.t.Errorf("no trap instruction at %#x when execution reached it (found %#x)", addr, ft.mem[addr])
		}
		ft.pc = addr + 1
		return trapStop
	}
}

// watchHit stops the tracee with the given DR6 condition bits set.
func watchHit(bits uint64, pc uint64) func(*fakeTracer) WaitStatus {
	return func(ft *fakeTracer) WaitStatus {
		ft.dr[amd64util.DR6] |= bits
		ft.pc = pc
		return trapStop
	}
}

func signalStop(sig syscall.Signal) func(*fakeTracer) WaitStatus {
	return func(*fakeTracer) WaitStatus {
		return WaitStatus{Stopped: true, StopSignal: sig}
	}
}

func exitWith(code int) func(*fakeTracer) WaitStatus {
	return func(*fakeTracer) WaitStatus {
		return WaitStatus{Exited: true, ExitStatus: code}
	}
}

func newTestDebugger(t *testing.T, exe []byte) (*Debugger, *fakeTracer) {
	ft := newFakeTracer(t)
	d := New(ft, Config{
		Path:            "/tmp/prog",
		Executable:      exe,
		Maps:            linutil.ParseMaps(testMaps),
		SymbolCacheSize: 8,
	})
	return d, ft
}

type testSym struct {
	name  string
	typ   elf.SymType
	value uint64
}

// buildELF returns a minimal ELF64 executable containing only a symbol
// table with syms, in order.
func buildELF(syms []testSym) []byte {
	le := binary.LittleEndian

	strtab := []byte{0}
	symtab := make([]byte, 24) // null symbol
	for _, s := range syms {
		nameOff := uint32(0)
		if s.name != "" {
			nameOff = uint32(len(strtab))
			strtab = append(strtab, s.name...)
			strtab = append(strtab, 0)
		}
		ent := make([]byte, 24)
		le.PutUint32(ent[0:], nameOff)
		ent[4] = byte(elf.STB_GLOBAL)<<4 | byte(s.typ)
		le.PutUint16(ent[6:], 1)
		le.PutUint64(ent[8:], s.value)
		symtab = append(symtab, ent...)
	}
	shstrtab := []byte("\x00.strtab\x00.symtab\x00.shstrtab\x00")

	align := func(n int) int { return (n + 7) &^ 7 }
	strOff := 64
	symOff := align(strOff + len(strtab))
	shstrOff := symOff + len(symtab)
	shOff := align(shstrOff + len(shstrtab))

	out := make([]byte, shOff+4*64)
	copy(out, []byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)})
	le.PutUint16(out[16:], uint16(elf.ET_EXEC))
	le.PutUint16(out[18:], uint16(elf.EM_X86_64))
	le.PutUint32(out[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(out[40:], uint64(shOff))
	le.PutUint16(out[52:], 64)
	le.PutUint16(out[54:], 56)
	le.PutUint16(out[58:], 64)
	le.PutUint16(out[60:], 4)
	le.PutUint16(out[62:], 3)

	copy(out[strOff:], strtab)
	copy(out[symOff:], symtab)
	copy(out[shstrOff:], shstrtab)

	section := func(i int, name uint32, typ elf.SectionType, off, size int, link, info uint32, entsize uint64) {
		sh := out[shOff+i*64:]
		le.PutUint32(sh[0:], name)
		le.PutUint32(sh[4:], uint32(typ))
		le.PutUint64(sh[24:], uint64(off))
		le.PutUint64(sh[32:], uint64(size))
		le.PutUint32(sh[40:], link)
		le.PutUint32(sh[44:], info)
		le.PutUint64(sh[48:], 1)
		le.PutUint64(sh[56:], entsize)
	}
	section(1, 1, elf.SHT_STRTAB, strOff, len(strtab), 0, 0, 0)
	section(2, 9, elf.SHT_SYMTAB, symOff, len(symtab), 1, 1, 24)
	section(3, 17, elf.SHT_STRTAB, shstrOff, len(shstrtab), 0, 0, 0)
	return out
}

// buildELFNoSymbols returns an ELF64 header with no sections at all.
func buildELFNoSymbols() []byte {
	b := buildELF(nil)
	hdr := make([]byte, 64)
	copy(hdr, b[:64])
	binary.LittleEndian.PutUint64(hdr[40:], 0)
	binary.LittleEndian.PutUint16(hdr[60:], 0)
	binary.LittleEndian.PutUint16(hdr[62:], 0)
	return hdr
}
