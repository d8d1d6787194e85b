package terminal

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// isDumb reports whether escape codes should be left out of the output,
// either because TERM says so or because stdout is not a terminal.
func isDumb() bool {
	if strings.ToLower(os.Getenv("TERM")) == "dumb" {
		return true
	}
	return !isatty.IsTerminal(os.Stdout.Fd())
}

func newStdout(dumb bool) io.Writer {
	if dumb {
		return os.Stdout
	}
	return colorable.NewColorableStdout()
}
