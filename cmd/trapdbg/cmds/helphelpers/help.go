package helphelpers

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Prepare hides, before cmd's help is printed, the persistent flags that
// are parsed everywhere but only mean something to some subcommands.
//
// For example:
//
//	trapdbg --disable-aslr attach 1234
//
// must parse, even though a process that is already running can not have
// its address space layout changed.
//
// Prepare is a destructive command, cmd can not be reused after it has been
// called.
func Prepare(cmd *cobra.Command) {
	switch cmd.Name() {
	case "trapdbg", "help", "log", "version":
		hideAllFlags(cmd)
	case "attach":
		hideFlag(cmd, "disable-aslr")
		hideFlag(cmd, "wd")
		hideFlag(cmd, "tty")
	case "symbols":
		hideFlag(cmd, "disable-aslr")
		hideFlag(cmd, "init")
		hideFlag(cmd, "log")
		hideFlag(cmd, "log-output")
		hideFlag(cmd, "log-dest")
	case "exec":
		// All flags apply
	}
}

func hideAllFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
}

func hideFlag(cmd *cobra.Command, name string) {
	if cmd == nil {
		return
	}
	flag := cmd.Flags().Lookup(name)
	if flag == nil {
		flag = cmd.PersistentFlags().Lookup(name)
	}
	if flag != nil {
		flag.Hidden = true
		return
	}
	hideFlag(cmd.Parent(), name)
}
