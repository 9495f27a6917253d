//go:build !windows

package runtime

import "syscall"

var termSignal = syscall.SIGTERM
