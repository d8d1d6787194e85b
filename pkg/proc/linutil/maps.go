package linutil

import (
	"fmt"
	"io/ioutil"
	"strconv"
	"strings"
)

// Permissions are the access flags of a mapped region, as reported in the
// second column of /proc/<pid>/maps.
type Permissions struct {
	Read    bool
	Write   bool
	Execute bool
	Private bool
}

func (p Permissions) String() string {
	b := []byte("----")
	if p.Read {
		b[0] = 'r'
	}
	if p.Write {
		b[1] = 'w'
	}
	if p.Execute {
		b[2] = 'x'
	}
	if p.Private {
		b[3] = 'p'
	} else {
		b[3] = 's'
	}
	return string(b)
}

// MemoryMap is one region of a process address space, covering
// [Start, End).
type MemoryMap struct {
	Start, End  uint64
	Perms       Permissions
	Offset      uint64
	DeviceMajor uint64
	DeviceMinor uint64
	Inode       uint64
	// Pathname is empty for anonymous mappings.
	Pathname string
}

// AddrForOffset converts an offset in the backing file of this mapping to
// the address it is loaded at in the live process.
func (m *MemoryMap) AddrForOffset(off uint64) uint64 {
	return m.Start - m.Offset + off
}

func (m *MemoryMap) String() string {
	return fmt.Sprintf("%016x-%016x %s %08x %02x:%02x %d %s", m.Start, m.End, m.Perms, m.Offset, m.DeviceMajor, m.DeviceMinor, m.Inode, m.Pathname)
}

// Maps is a snapshot of a process' memory map table, in the order the
// kernel reported it.
type Maps []MemoryMap

// TextSection returns the first executable mapping. Every process running
// code has one, so its absence is a programming error and panics.
func (maps Maps) TextSection() *MemoryMap {
	for i := range maps {
		if maps[i].Perms.Execute {
			return &maps[i]
		}
	}
	panic("no executable mapping in process memory map")
}

// ReadMaps reads /proc/<pid>/maps.
func ReadMaps(pid int) (Maps, error) {
	buf, err := ioutil.ReadFile(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	return ParseMaps(string(buf)), nil
}

// ParseMaps parses the contents of a /proc/<pid>/maps file. The kernel
// guarantees the format, so a malformed line panics.
func ParseMaps(contents string) Maps {
	var maps Maps
	for _, line := range strings.Split(contents, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		m, err := parseMapsLine(line)
		if err != nil {
			panic(fmt.Errorf("malformed maps line %q: %v", line, err))
		}
		maps = append(maps, m)
	}
	return maps
}

func parseMapsLine(line string) (MemoryMap, error) {
	var m MemoryMap
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return m, fmt.Errorf("expected at least 5 fields, got %d", len(fields))
	}

	var err error
	m.Start, m.End, err = parsePair(fields[0], "-", 16)
	if err != nil {
		return m, fmt.Errorf("address range: %v", err)
	}

	perms := fields[1]
	if len(perms) != 4 {
		return m, fmt.Errorf("permission string %q must be 4 characters long", perms)
	}
	m.Perms = Permissions{
		Read:    perms[0] == 'r',
		Write:   perms[1] == 'w',
		Execute: perms[2] == 'x',
		Private: perms[3] == 'p',
	}

	m.Offset, err = strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return m, fmt.Errorf("offset: %v", err)
	}

	m.DeviceMajor, m.DeviceMinor, err = parsePair(fields[3], ":", 16)
	if err != nil {
		return m, fmt.Errorf("device: %v", err)
	}

	m.Inode, err = strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return m, fmt.Errorf("inode: %v", err)
	}

	if len(fields) > 5 {
		// pathnames may contain spaces, take everything after the inode
		rest := line
		for i := 0; i < 5; i++ {
			rest = strings.TrimLeft(rest, " \t")
			rest = rest[len(fields[i]):]
		}
		m.Pathname = strings.TrimSpace(rest)
	}
	return m, nil
}

func parsePair(s, sep string, base int) (uint64, uint64, error) {
	v := strings.SplitN(s, sep, 2)
	if len(v) != 2 {
		return 0, 0, fmt.Errorf("%q is not separated by %q", s, sep)
	}
	a, err := strconv.ParseUint(v[0], base, 64)
	if err != nil {
		return 0, 0, err
	}
	b, err := strconv.ParseUint(v[1], base, 64)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}
