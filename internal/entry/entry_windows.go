package entry

import (
	"golang.org/x/sys/windows"

	"github.com/vivaldiplus/greenhook"
	"github.com/vivaldiplus/greenhook/internal/image"
)

// Resolve returns the entry point of the process executable.
func Resolve() (uintptr, error) {
	im, err := image.Module("")
	if err != nil {
		return 0, err
	}
	if ep := im.EntryPoint(); ep != 0 {
		return ep, nil
	}
	return 0, ErrNoEntry
}

func defaultCall(o *greenhook.Original) uintptr { return o.Call() }

func defaultExit(code uint32) { windows.ExitProcess(code) }
