//go:build !linux

package governor

import (
	"errors"
	"runtime"
)

func totalMemory() (uint64, error) {
	return 0, errors.New("total memory lookup not supported on " + runtime.GOOS)
}
