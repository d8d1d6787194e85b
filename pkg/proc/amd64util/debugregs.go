package amd64util

import (
	"fmt"
)

// DebugRegIndex names one of the x86 debug registers described in the
// Intel 64 and IA-32 Architectures Software Developer's Manual, Vol. 3B,
// section 17.2. DR4 and DR5 are reserved aliases and are not addressable.
type DebugRegIndex uint8

const (
	DR0 DebugRegIndex = 0
	DR1 DebugRegIndex = 1
	DR2 DebugRegIndex = 2
	DR3 DebugRegIndex = 3
	// DR6 is the debug status register.
	DR6 DebugRegIndex = 6
	// DR7 is the debug control register.
	DR7 DebugRegIndex = 7
)

// NumAddrRegs is the number of hardware breakpoint address registers.
const NumAddrRegs = 4

// AddrReg returns the address register for hardware slot idx.
func AddrReg(idx uint8) DebugRegIndex {
	if idx >= NumAddrRegs {
		panic(fmt.Sprintf("hardware slot %d out of range", idx))
	}
	return DebugRegIndex(idx)
}

func (r DebugRegIndex) String() string {
	return fmt.Sprintf("DR%d", uint8(r))
}

// WatchCondition is the R/W field of a DR7 slot.
type WatchCondition uint8

const (
	// WatchExecute traps on instruction fetch. It is the all-zero encoding.
	WatchExecute   WatchCondition = 0x0
	WatchWrite     WatchCondition = 0x1
	WatchReadWrite WatchCondition = 0x3
)

func (c WatchCondition) String() string {
	switch c {
	case WatchExecute:
		return "execute"
	case WatchWrite:
		return "write"
	case WatchReadWrite:
		return "read-write"
	}
	return fmt.Sprintf("WatchCondition(%d)", uint8(c))
}

// WatchLength is the LEN field of a DR7 slot.
type WatchLength uint8

const (
	WatchLen1 WatchLength = 0x0
	WatchLen2 WatchLength = 0x1
	WatchLen8 WatchLength = 0x2 // sic
	WatchLen4 WatchLength = 0x3
)

// NewWatchLength returns the LEN encoding for a watched region of sz
// bytes. Only 1, 2, 4 and 8 are supported by the hardware.
func NewWatchLength(sz int) (WatchLength, error) {
	switch sz {
	case 1:
		return WatchLen1, nil
	case 2:
		return WatchLen2, nil
	case 4:
		return WatchLen4, nil
	case 8:
		return WatchLen8, nil
	}
	return 0, fmt.Errorf("data watchpoint of size %d not supported", sz)
}

// Size returns the number of bytes covered by l.
func (l WatchLength) Size() int {
	switch l {
	case WatchLen1:
		return 1
	case WatchLen2:
		return 2
	case WatchLen4:
		return 4
	case WatchLen8:
		return 8
	}
	return 0
}

func lenrwBitsOffset(idx uint8) uint8 {
	return 16 + idx*4
}

func enableBitOffset(idx uint8) uint8 {
	return idx * 2
}

// Enabled reports whether slot idx is locally enabled in dr7.
func Enabled(dr7 uint64, idx uint8) bool {
	return dr7&(1<<enableBitOffset(idx)) != 0
}

// EnableSlot returns dr7 with the local enable bit of slot idx set and its
// condition/length field replaced by cond and length.
func EnableSlot(dr7 uint64, idx uint8, cond WatchCondition, length WatchLength) uint64 {
	lenrw := uint64(cond) | uint64(length)<<2
	dr7 &^= 0xf << lenrwBitsOffset(idx) // clear old settings
	dr7 |= lenrw << lenrwBitsOffset(idx)
	dr7 |= 1 << enableBitOffset(idx)
	return dr7
}

// DisableSlot returns dr7 with slot idx disabled and its condition/length
// field cleared.
func DisableSlot(dr7 uint64, idx uint8) uint64 {
	dr7 &^= 0xf << lenrwBitsOffset(idx)
	dr7 &^= 1 << enableBitOffset(idx)
	return dr7
}

// SlotConfig decodes the condition and length of slot idx from dr7.
func SlotConfig(dr7 uint64, idx uint8) (WatchCondition, WatchLength) {
	lenrw := (dr7 >> lenrwBitsOffset(idx)) & 0xf
	return WatchCondition(lenrw & 0x3), WatchLength(lenrw >> 2)
}

// Hit reports whether dr6 has the condition bit of slot idx set.
func Hit(dr6 uint64, idx uint8) bool {
	return dr6&(1<<idx) != 0
}

// ClearHits returns dr6 with the B0-B3 condition bits cleared. The CPU
// never clears them, it is our responsibility to do it.
func ClearHits(dr6 uint64) uint64 {
	return dr6 &^ 0xf
}
