package terminal

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-delve/liner"
	"github.com/sirupsen/logrus"

	"github.com/trapdbg/trapdbg/pkg/config"
	"github.com/trapdbg/trapdbg/pkg/logflags"
)

const (
	historyFile                 string = ".trapdbg_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"

	ansiBlue = 34
)

// Term represents the terminal running trapdbg.
type Term struct {
	target   Target
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	dumb     bool
	stdout   io.Writer
	InitFile string

	// attached is set when the process was not started by us, exit then
	// detaches instead of killing it.
	attached bool

	log *logrus.Entry
}

// New returns a new Term. attached tells whether target was attached to
// rather than launched.
func New(target Target, conf *config.Config, attached bool) *Term {
	cmds := DebugCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	if conf == nil {
		conf = &config.Config{}
	}

	dumb := isDumb()
	return &Term{
		target:   target,
		conf:     conf,
		prompt:   "(trapdbg) ",
		line:     liner.NewLiner(),
		cmds:     cmds,
		dumb:     dumb,
		stdout:   newStdout(dumb),
		attached: attached,
		log:      logflags.DebuggerLogger(),
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
}

// Run begins running trapdbg in the terminal. It returns the exit status
// of the debugger.
func (t *Term) Run() (int, error) {
	defer t.Close()

	t.line.SetCompleter(t.cmds.Complete)

	if t.conf.HistoryEnabled() {
		t.readHistory()
	}
	fmt.Fprintf(t.stdout, "Process %d (%s) stopped.\n", t.target.Pid(), t.target.ExecutablePath())
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	if t.InitFile != "" {
		err := t.cmds.executeFile(t, t.InitFile)
		if err != nil {
			if exitErr, ok := err.(ExitRequestError); ok {
				return t.handleExit(exitErr.Kill)
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit(false)
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if exitErr, ok := err.(ExitRequestError); ok {
				return t.handleExit(exitErr.Kill)
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

// Println prints a line to the terminal.
func (t *Term) Println(prefix, str string) {
	if !t.dumb {
		terminalColorEscapeCode := fmt.Sprintf(terminalHighlightEscapeCode, ansiBlue)
		prefix = fmt.Sprintf("%s%s%s", terminalColorEscapeCode, prefix, terminalResetEscapeCode)
	}
	fmt.Fprintf(t.stdout, "%s%s\n", prefix, str)
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) readHistory() {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		t.log.Warnf("unable to load history file: %v", err)
		return
	}
	f, err := os.Open(fullHistoryFile)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := t.line.ReadHistory(f); err != nil {
		t.log.Warnf("readline history error: %v", err)
	}
}

func (t *Term) writeHistory() {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error saving history file:", err)
		return
	}
	f, err := os.OpenFile(fullHistoryFile, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error saving history file:", err)
		return
	}
	defer f.Close()
	if _, err := t.line.WriteHistory(f); err != nil {
		fmt.Fprintln(os.Stderr, "readline history error:", err)
	}
}

// handleExit releases the process: a launched process, or any process
// when kill is set, is killed, an attached one is detached from.
func (t *Term) handleExit(kill bool) (int, error) {
	if t.conf.HistoryEnabled() {
		t.writeHistory()
	}

	if t.target.Exited() {
		return 0, nil
	}
	kill = kill || !t.attached
	t.log.Debugf("leaving process %d, kill=%v", t.target.Pid(), kill)
	if err := t.target.Detach(kill); err != nil {
		return 1, err
	}
	return 0, nil
}
