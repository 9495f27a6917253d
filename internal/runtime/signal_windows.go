//go:build windows

package runtime

import "os"

var termSignal = os.Kill
