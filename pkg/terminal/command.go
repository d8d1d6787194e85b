// Package terminal implements functions for responding to user
// input and dispatching to the debugger.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/trapdbg/trapdbg/pkg/proc"
	"github.com/trapdbg/trapdbg/pkg/proc/amd64util"
	"github.com/trapdbg/trapdbg/pkg/proc/linutil"
)

// Target is the debugger the terminal drives. *proc.Debugger implements it.
type Target interface {
	Pid() int
	ExecutablePath() string
	Exited() bool
	Maps() linutil.Maps

	TextOffsetToAddr(off uint64) uint64
	ListFunctionSymbols() ([]proc.FunctionSymbol, error)
	FunctionNameAt(addr uint64) string

	SetBreakpointAt(addr uint64) error
	SetBreakpointAtTextOffset(off uint64) (uint64, error)
	SetBreakpointAtSymbol(name string) (uint64, error)
	ClearBreakpoint(addr uint64) error
	Breakpoints() []proc.Breakpoint

	SetWatchpointAt(addr uint64, wp proc.Watchpoint) (uint8, error)
	SetWatchpointAtTextOffset(off uint64, wp proc.Watchpoint) (uint64, uint8, error)
	SetWatchpointAtSymbol(name string, wp proc.Watchpoint) (uint64, uint8, error)
	ClearWatchpoint(slot uint8) error
	Watchpoints() []proc.WatchpointSlot

	ContinueExecution() (proc.StopEvent, error)
	StepInstructions(n int) (uint64, error)
	PC() (uint64, error)
	SetPC(pc uint64) error

	Detach(kill bool) error
}

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the trapdbg terminal.
type Commands struct {
	cmds  []command
	names *trie.Trie
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

const locationHelp = `A location is one of:

	<symbol>	a function symbol of the executable, e.g. main
	*<address>	an absolute address, e.g. *0x401136
	+<offset>	an offset in the executable, e.g. +0x1136`

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"break", "b"}, group: breakCmds, cmdFn: breakpoint, helpMsg: `Sets a breakpoint.

	break <location>

` + locationHelp},
		{aliases: []string{"watch"}, group: breakCmds, cmdFn: watchpoint, helpMsg: `Sets a hardware watchpoint.

	watch [-x|-w|-rw] [-len <n>] <location>

	-x	stop before the instruction at location executes
	-w	stop after location is written (default)
	-rw	stop after location is read or written
	-len	number of watched bytes for -w and -rw: 1, 2, 4 or 8 (default 8)

At most four watchpoints can be set at the same time.

` + locationHelp},
		{aliases: []string{"clear"}, group: breakCmds, cmdFn: clearBreakpoint, helpMsg: `Deletes a breakpoint.

	clear <address>`},
		{aliases: []string{"clearwatch"}, group: breakCmds, cmdFn: clearWatchpoint, helpMsg: `Deletes a watchpoint.

	clearwatch <slot>`},
		{aliases: []string{"breakpoints", "bp"}, group: breakCmds, cmdFn: breakpoints, helpMsg: "Print out info for active breakpoints."},
		{aliases: []string{"watchpoints", "wp"}, group: breakCmds, cmdFn: watchpoints, helpMsg: "Print out info for active watchpoints."},
		{aliases: []string{"continue", "c"}, group: runCmds, cmdFn: cont, helpMsg: "Run until breakpoint, watchpoint, signal or program termination."},
		{aliases: []string{"step", "si"}, group: runCmds, cmdFn: stepInstruction, helpMsg: `Single step a number of cpu instructions.

	step [n]

Breakpoints and watchpoints are not reported while stepping.`},
		{aliases: []string{"pc"}, group: dataCmds, cmdFn: printPC, helpMsg: "Print the program counter."},
		{aliases: []string{"setpc"}, group: dataCmds, cmdFn: setPC, helpMsg: `Change the program counter.

	setpc <address>`},
		{aliases: []string{"symbols", "funcs"}, group: dataCmds, cmdFn: symbols, helpMsg: `Print list of function symbols.

	symbols [substring]

If a substring is given only symbols containing it are printed.`},
		{aliases: []string{"maps"}, group: dataCmds, cmdFn: printMaps, helpMsg: "Print the memory map of the process."},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of trapdbg commands.

	source <path>`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the debugger.

	exit [-k]

A launched process is killed. A process that was attached to is detached
from and keeps running, unless -k is given.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	c.buildNames()
	return c
}

func (c *Commands) buildNames() {
	c.names = trie.New()
	for _, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			c.names.Add(alias, nil)
		}
	}
}

// Complete returns the command names starting with prefix, sorted.
// Arguments are not completed.
func (c *Commands) Complete(prefix string) []string {
	if strings.ContainsAny(prefix, " \t") {
		return nil
	}
	names := c.names.PrefixSearch(strings.ToLower(prefix))
	sort.Strings(names)
	return names
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.buildNames()
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			if cmd.match(args) {
				fmt.Fprintln(t.stdout, cmd.helpMsg)
				return nil
			}
		}
		return errNoCmd
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits a command line the way a shell would, honoring quotes.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", args)
	}
	return v[0], nil
}

func parseUint(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return n, nil
}

type locationKind uint8

const (
	symbolLocation locationKind = iota
	addrLocation
	offsetLocation
)

type location struct {
	kind   locationKind
	symbol string
	value  uint64
}

func parseLocation(s string) (location, error) {
	switch {
	case s == "":
		return location{}, errors.New("missing location")
	case s[0] == '*':
		addr, err := parseUint(s[1:])
		return location{kind: addrLocation, value: addr}, err
	case s[0] == '+':
		off, err := parseUint(s[1:])
		return location{kind: offsetLocation, value: off}, err
	}
	return location{kind: symbolLocation, symbol: s}, nil
}

func (loc location) String() string {
	switch loc.kind {
	case addrLocation:
		return fmt.Sprintf("*%#x", loc.value)
	case offsetLocation:
		return fmt.Sprintf("+%#x", loc.value)
	}
	return loc.symbol
}

func breakpoint(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 1 {
		return errors.New("wrong number of arguments: break <location>")
	}
	loc, err := parseLocation(v[0])
	if err != nil {
		return err
	}

	var addr uint64
	switch loc.kind {
	case symbolLocation:
		addr, err = t.target.SetBreakpointAtSymbol(loc.symbol)
	case offsetLocation:
		addr, err = t.target.SetBreakpointAtTextOffset(loc.value)
	case addrLocation:
		addr = loc.value
		if hasBreakpoint(t.target, addr) {
			return proc.BreakpointExistsError{Addr: addr}
		}
		err = t.target.SetBreakpointAt(addr)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Breakpoint set at %#x (%s)\n", addr, loc)
	return nil
}

func hasBreakpoint(target Target, addr uint64) bool {
	for _, bp := range target.Breakpoints() {
		if bp.Addr == addr {
			return true
		}
	}
	return false
}

var errWatchUsage = errors.New("wrong arguments: watch [-x|-w|-rw] [-len <n>] <location>")

func parseWatchArgs(args string) (proc.Watchpoint, location, error) {
	v, err := splitArgs(args)
	if err != nil {
		return proc.Watchpoint{}, location{}, err
	}

	execute := false
	cond := amd64util.WatchWrite
	size := 8
	var locstr string
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case "-x":
			execute = true
		case "-w":
			cond = amd64util.WatchWrite
		case "-rw":
			cond = amd64util.WatchReadWrite
		case "-len":
			i++
			if i >= len(v) {
				return proc.Watchpoint{}, location{}, errWatchUsage
			}
			n, err := strconv.Atoi(v[i])
			if err != nil {
				return proc.Watchpoint{}, location{}, fmt.Errorf("invalid length %q", v[i])
			}
			size = n
		default:
			if locstr != "" {
				return proc.Watchpoint{}, location{}, errWatchUsage
			}
			locstr = v[i]
		}
	}
	if locstr == "" {
		return proc.Watchpoint{}, location{}, errWatchUsage
	}
	loc, err := parseLocation(locstr)
	if err != nil {
		return proc.Watchpoint{}, location{}, err
	}

	if execute {
		return proc.ExecutionWatchpoint(), loc, nil
	}
	wp, err := proc.DataWatchpoint(cond, size)
	return wp, loc, err
}

func watchpoint(t *Term, args string) error {
	wp, loc, err := parseWatchArgs(args)
	if err != nil {
		return err
	}

	var (
		addr uint64
		slot uint8
	)
	switch loc.kind {
	case symbolLocation:
		addr, slot, err = t.target.SetWatchpointAtSymbol(loc.symbol, wp)
	case offsetLocation:
		addr, slot, err = t.target.SetWatchpointAtTextOffset(loc.value, wp)
	case addrLocation:
		addr = loc.value
		slot, err = t.target.SetWatchpointAt(addr, wp)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Watchpoint %d (%s) set at %#x (%s)\n", slot, wp, addr, loc)
	return nil
}

func clearBreakpoint(t *Term, args string) error {
	if args == "" {
		return errors.New("not enough arguments: clear <address>")
	}
	addr, err := parseUint(strings.TrimPrefix(args, "*"))
	if err != nil {
		return err
	}
	if err := t.target.ClearBreakpoint(addr); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Breakpoint at %#x cleared\n", addr)
	return nil
}

func clearWatchpoint(t *Term, args string) error {
	if args == "" {
		return errors.New("not enough arguments: clearwatch <slot>")
	}
	slot, err := strconv.ParseUint(args, 10, 8)
	if err != nil {
		return fmt.Errorf("invalid slot %q", args)
	}
	if err := t.target.ClearWatchpoint(uint8(slot)); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Watchpoint %d cleared\n", slot)
	return nil
}

func breakpoints(t *Term, args string) error {
	bps := t.target.Breakpoints()
	if len(bps) == 0 {
		fmt.Fprintln(t.stdout, "No breakpoints.")
		return nil
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, bp := range bps {
		fmt.Fprintf(w, "Breakpoint\t%#x\t%s\toriginal %#016x\n", bp.Addr, t.target.FunctionNameAt(bp.Addr), bp.OriginalWord)
	}
	return w.Flush()
}

func watchpoints(t *Term, args string) error {
	wps := t.target.Watchpoints()
	if len(wps) == 0 {
		fmt.Fprintln(t.stdout, "No watchpoints.")
		return nil
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, wp := range wps {
		fmt.Fprintf(w, "Watchpoint %d\t%#x\t%s\t%s\n", wp.Slot, wp.Addr, t.target.FunctionNameAt(wp.Addr), wp.Watchpoint)
	}
	return w.Flush()
}

func cont(t *Term, args string) error {
	ev, err := t.target.ContinueExecution()
	if err != nil {
		return err
	}
	t.printStop(ev)
	return nil
}

func (t *Term) printStop(ev proc.StopEvent) {
	switch ev.Reason {
	case proc.StopBreakpoint, proc.StopWatchpoint:
		if name := t.target.FunctionNameAt(ev.Addr); name != "" {
			t.Println("> ", fmt.Sprintf("%s in %s", ev, name))
			return
		}
	}
	t.Println("> ", ev.String())
}

func stepInstruction(t *Term, args string) error {
	n := 1
	if args != "" {
		var err error
		n, err = strconv.Atoi(args)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid instruction count %q", args)
		}
	}
	pc, err := t.target.StepInstructions(n)
	if err != nil {
		return err
	}
	t.Println("> ", fmt.Sprintf("pc = %#x", pc))
	return nil
}

func printPC(t *Term, args string) error {
	pc, err := t.target.PC()
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%#x\n", pc)
	return nil
}

func setPC(t *Term, args string) error {
	if args == "" {
		return errors.New("not enough arguments: setpc <address>")
	}
	pc, err := parseUint(strings.TrimPrefix(args, "*"))
	if err != nil {
		return err
	}
	return t.target.SetPC(pc)
}

func symbols(t *Term, args string) error {
	syms, err := t.target.ListFunctionSymbols()
	if err != nil {
		return err
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i].Name < syms[j].Name })
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, sym := range syms {
		if args != "" && !strings.Contains(sym.Name, args) {
			continue
		}
		fmt.Fprintf(w, "%s\t+%#x\n", sym.Name, sym.Offset)
	}
	return w.Flush()
}

func printMaps(t *Term, args string) error {
	for _, m := range t.target.Maps() {
		fmt.Fprintln(t.stdout, m.String())
	}
	return nil
}

// ExitRequestError is returned when the user
// exits trapdbg.
type ExitRequestError struct {
	Kill bool
}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	switch args {
	case "":
		return ExitRequestError{}
	case "-k":
		return ExitRequestError{Kill: true}
	}
	return errors.New("wrong arguments: exit [-k]")
}

func (c *Commands) sourceCommand(t *Term, args string) error {
	if len(args) == 0 {
		return errors.New("wrong number of arguments: source <filename>")
	}
	return c.executeFile(t, args)
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}
