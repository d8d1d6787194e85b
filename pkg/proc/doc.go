// Package proc controls a single traced process on linux/amd64.
//
// A Debugger is built around a Tracer, the kernel interface to the stopped
// tracee, and provides:
// * software breakpoints patched into the text of the process
// * hardware watchpoints programmed in the debug registers
// * continue and single step with stop classification
// * symbol lookup in the traced executable
//
package proc
