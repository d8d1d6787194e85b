package cmds

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/trapdbg/trapdbg/cmd/trapdbg/cmds/helphelpers"
	"github.com/trapdbg/trapdbg/pkg/config"
	"github.com/trapdbg/trapdbg/pkg/logflags"
	"github.com/trapdbg/trapdbg/pkg/proc"
	"github.com/trapdbg/trapdbg/pkg/proc/native"
	"github.com/trapdbg/trapdbg/pkg/terminal"
	"github.com/trapdbg/trapdbg/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// initFile is the path to initialization file.
	initFile string
	// workingDir is the working directory for running the program.
	workingDir string
	// tty is used to provide an alternate TTY for the program you wish to debug.
	tty string
	// disableASLR launches the program without address space randomization.
	disableASLR bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const trapdbgCommandLongDesc = `trapdbg is a low level debugger for linux/amd64 executables.

It stops a program with software breakpoints and hardware watchpoints, single
steps it one instruction at a time and reports why it stopped. Locations are
given as function symbols of the executable, offsets in the executable or
absolute addresses.

Pass flags to the program you are debugging using ` + "`--`" + `, for example:

` + "`trapdbg exec ./server -- --port 8080`"

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main trapdbg root command.
	rootCommand = &cobra.Command{
		Use:   "trapdbg",
		Short: "trapdbg is a ptrace debugger for native executables.",
		Long:  trapdbgCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugger logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'trapdbg help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'trapdbg help log').")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal client.")
	rootCommand.PersistentFlags().BoolVar(&disableASLR, "disable-aslr", false, "Run launched programs with address space randomization disabled.")

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec <path/to/binary> [-- args]",
		Short: "Execute a binary, and begin a debug session.",
		Long: `Execute a binary and begin a debug session.

The program is stopped before its first instruction runs, breakpoints and
watchpoints can be set from the terminal before continuing it.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a binary")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(0, args, conf))
		},
	}
	execCommand.Flags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")
	execCommand.Flags().StringVar(&tty, "tty", "", "TTY to use for the target program")
	rootCommand.AddCommand(execCommand)

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to running process and begin debugging.",
		Long: `Attach to an already running process and begin debugging it.

When the session ends the process is detached from and keeps running, unless
the terminal is left with "exit -k".`,
		Args: cobra.ExactArgs(1),
		Run:  attachCmd,
	}
	rootCommand.AddCommand(attachCommand)

	// 'symbols' subcommand.
	symbolsCommand := &cobra.Command{
		Use:   "symbols <path/to/binary> [substring]",
		Short: "List the function symbols of an executable.",
		Long: `List the function symbols of an executable, with their offsets.

The offsets are the ones accepted by "break +<offset>" and "watch +<offset>".`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := ""
			if len(args) > 1 {
				filter = args[1]
			}
			return listSymbols(cmd.OutOrStdout(), args[0], filter)
		},
	}
	rootCommand.AddCommand(symbolsCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "trapdbg\n%s\n", version.TrapdbgVersion)
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolP("verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	debugger	Log breakpoint, watchpoint and stop handling
	ptrace		Log every ptrace request sent to the process
	maps		Log the memory map of the process when attaching

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.`,
	})

	return rootCommand
}

func attachCmd(cmd *cobra.Command, args []string) {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
		os.Exit(1)
	}
	os.Exit(execute(pid, nil, conf))
}

// listSymbols prints the function symbols of the executable at path whose
// name contains filter, sorted by name.
func listSymbols(w io.Writer, path, filter string) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return proc.ExecutableReadError{Path: path, Err: err}
	}
	syms, err := proc.NewBinaryInfo(path, data, conf.CacheSize()).ListFunctionSymbols()
	if err != nil {
		return err
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i].Name < syms[j].Name })

	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	for _, sym := range syms {
		if filter != "" && !strings.Contains(sym.Name, filter) {
			continue
		}
		fmt.Fprintf(tw, "%s\t+%#x\n", sym.Name, sym.Offset)
	}
	return tw.Flush()
}

func execute(attachPid int, processArgs []string, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	cfg := native.Config{
		Dir:             workingDir,
		TTY:             tty,
		DisableASLR:     disableASLR || conf.DisableASLR,
		SymbolCacheSize: conf.CacheSize(),
	}

	var (
		dbg *proc.Debugger
		err error
	)
	if attachPid != 0 {
		dbg, err = native.Attach(attachPid, cfg)
	} else {
		cfg.Args = processArgs[1:]
		dbg, err = native.Launch(processArgs[0], cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not start debugging: %v\n", err)
		return 1
	}

	term := terminal.New(dbg, conf, attachPid != 0)
	term.InitFile = initFile
	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}
