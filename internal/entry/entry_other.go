//go:build !windows

package entry

import (
	"os"

	"github.com/vivaldiplus/greenhook"
)

func Resolve() (uintptr, error) { return 0, ErrNoEntry }

// foreign entry code is only called on Windows
func defaultCall(o *greenhook.Original) uintptr { return 0 }

func defaultExit(code uint32) { os.Exit(int(code)) }
