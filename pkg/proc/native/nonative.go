//go:build !linux || !amd64
// +build !linux !amd64

package native

import (
	"errors"

	"github.com/trapdbg/trapdbg/pkg/proc"
)

// ErrNativeBackendDisabled is returned on platforms other than linux/amd64.
var ErrNativeBackendDisabled = errors.New("native backend only available on linux/amd64")

// Launch returns ErrNativeBackendDisabled.
func Launch(_ string, _ Config) (*proc.Debugger, error) {
	return nil, ErrNativeBackendDisabled
}

// Attach returns ErrNativeBackendDisabled.
func Attach(_ int, _ Config) (*proc.Debugger, error) {
	return nil, ErrNativeBackendDisabled
}
