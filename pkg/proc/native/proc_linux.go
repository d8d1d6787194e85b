//go:build linux && amd64
// +build linux,amd64

package native

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"

	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	sys "golang.org/x/sys/unix"

	"github.com/trapdbg/trapdbg/pkg/logflags"
	"github.com/trapdbg/trapdbg/pkg/proc"
	"github.com/trapdbg/trapdbg/pkg/proc/linutil"
)

const (
	personalityGetPersonality = 0xffffffff // argument to pass to personality syscall to get the current personality
	_ADDR_NO_RANDOMIZE        = 0x0040000  // ADDR_NO_RANDOMIZE linux constant
)

// nativeProcess is a traced process on the local machine. It implements
// proc.Tracer.
type nativeProcess struct {
	pid int

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	childProcess bool // this process was launched, not attached to
	exited       bool
	ctty         *os.File

	log *logrus.Entry
}

// newProcess returns an initialized nativeProcess. Before returning it
// starts the goroutine that executes every ptrace(2) request, see
// handlePtraceFuncs.
func newProcess(pid int) *nativeProcess {
	dbp := &nativeProcess{
		pid:            pid,
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		log:            logflags.PtraceLogger(),
	}
	go dbp.handlePtraceFuncs()
	return dbp
}

func (dbp *nativeProcess) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range dbp.ptraceChan {
		fn()
		dbp.ptraceDoneChan <- nil
	}
}

func (dbp *nativeProcess) execPtraceFunc(fn func()) {
	dbp.ptraceChan <- fn
	<-dbp.ptraceDoneChan
}

// release stops the ptrace goroutine.
func (dbp *nativeProcess) release() {
	if dbp.exited {
		return
	}
	dbp.exited = true
	close(dbp.ptraceChan)
	if dbp.ctty != nil {
		dbp.ctty.Close()
	}
}

// Launch starts the executable at path under ptrace and returns a
// Debugger for it, stopped before its first instruction. A relative path
// is resolved against the current directory, not cfg.Dir, and is never
// looked up in $PATH.
func Launch(path string, cfg Config) (*proc.Debugger, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, proc.ExecutableReadError{Path: path, Err: err}
	}
	path = abs
	// Reading the whole image also checks that path exists and is readable.
	exe, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, proc.ExecutableReadError{Path: path, Err: err}
	}

	var process *exec.Cmd
	dbp := newProcess(0)
	dbp.childProcess = true
	defer func() {
		if err != nil {
			if dbp.pid != 0 {
				_ = dbp.Detach(true)
			}
			dbp.release()
		}
	}()

	dbp.execPtraceFunc(func() {
		if cfg.DisableASLR {
			oldPersonality, _, err := syscall.Syscall(sys.SYS_PERSONALITY, personalityGetPersonality, 0, 0)
			if err == syscall.Errno(0) {
				newPersonality := oldPersonality | _ADDR_NO_RANDOMIZE
				syscall.Syscall(sys.SYS_PERSONALITY, newPersonality, 0, 0)
				defer syscall.Syscall(sys.SYS_PERSONALITY, oldPersonality, 0, 0)
			}
		}

		process = exec.Command(path, cfg.Args...)
		process.Stdin = os.Stdin
		process.Stdout = os.Stdout
		process.Stderr = os.Stderr
		process.Dir = cfg.Dir
		process.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
		if cfg.TTY != "" {
			dbp.ctty, err = attachProcessToTTY(process, cfg.TTY)
			if err != nil {
				return
			}
		}
		err = process.Start()
	})
	if err != nil {
		return nil, proc.ChildAttachmentError{Path: path, Err: err}
	}
	dbp.pid = process.Process.Pid

	ws, err := dbp.Wait()
	if err != nil {
		return nil, proc.ChildAttachmentError{Path: path, Pid: dbp.pid, Err: fmt.Errorf("waiting for target execve failed: %v", err)}
	}
	if !ws.Stopped || ws.StopSignal != syscall.SIGTRAP {
		err = fmt.Errorf("unexpected stop %+v, expected SIGTRAP", ws)
		return nil, proc.ChildAttachmentError{Path: path, Pid: dbp.pid, Err: err}
	}

	maps, err := linutil.ReadMaps(dbp.pid)
	if err != nil {
		return nil, proc.ChildAttachmentError{Path: path, Pid: dbp.pid, Err: err}
	}
	logMaps(dbp.pid, maps)

	return proc.New(dbp, proc.Config{
		Path:            path,
		Executable:      exe,
		Maps:            maps,
		SymbolCacheSize: cfg.SymbolCacheSize,
	}), nil
}

// Attach attaches to the running process pid and returns a Debugger for
// it, stopped where the attach caught it.
func Attach(pid int, cfg Config) (*proc.Debugger, error) {
	dbp := newProcess(pid)

	var err error
	dbp.execPtraceFunc(func() { err = sys.PtraceAttach(pid) })
	if err != nil {
		dbp.release()
		return nil, proc.ChildAttachmentError{Pid: pid, Err: err}
	}
	defer func() {
		if err != nil {
			_ = dbp.Detach(false)
			dbp.release()
		}
	}()

	ws, err := dbp.Wait()
	if err != nil {
		return nil, proc.ChildAttachmentError{Pid: pid, Err: err}
	}
	if !ws.Stopped {
		err = fmt.Errorf("unexpected state %+v after attach", ws)
		return nil, proc.ChildAttachmentError{Pid: pid, Err: err}
	}

	path, err := os.Readlink(findExecutable(pid))
	if err != nil {
		return nil, proc.NoReadExecutablePathError{Pid: pid, Err: err}
	}
	exe, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, proc.NoReadExecutablePathError{Pid: pid, Err: err}
	}

	maps, err := linutil.ReadMaps(pid)
	if err != nil {
		return nil, proc.ChildAttachmentError{Pid: pid, Err: err}
	}
	logMaps(pid, maps)

	return proc.New(dbp, proc.Config{
		Path:            path,
		Executable:      exe,
		Maps:            maps,
		SymbolCacheSize: cfg.SymbolCacheSize,
	}), nil
}

func attachProcessToTTY(process *exec.Cmd, tty string) (*os.File, error) {
	f, err := os.OpenFile(tty, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if !isatty.IsTerminal(f.Fd()) {
		f.Close()
		return nil, fmt.Errorf("%s is not a terminal", f.Name())
	}
	process.Stdin = f
	process.Stdout = f
	process.Stderr = f
	process.SysProcAttr.Setsid = true
	process.SysProcAttr.Setctty = true

	return f, nil
}

func findExecutable(pid int) string {
	return fmt.Sprintf("/proc/%d/exe", pid)
}

func logMaps(pid int, maps linutil.Maps) {
	if !logflags.Maps() {
		return
	}
	log := logflags.MapsLogger().WithField("pid", pid)
	for i := range maps {
		log.Debug(maps[i].String())
	}
}
