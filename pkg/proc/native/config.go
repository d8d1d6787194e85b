package native

// Config controls how a tracee is launched or attached to.
type Config struct {
	// Args are passed to a launched program after its path.
	Args []string
	// Dir is the working directory of a launched program.
	Dir string
	// TTY, if set, is the terminal device used as the controlling
	// terminal and standard streams of a launched program.
	TTY string
	// DisableASLR launches the program with address space randomization
	// turned off.
	DisableASLR bool
	// SymbolCacheSize bounds the number of cached function name lookups.
	SymbolCacheSize int
}
