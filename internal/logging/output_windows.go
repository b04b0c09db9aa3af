package logging

import (
	"io"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

var procOutputDebugStringW = windows.NewLazySystemDLL("kernel32.dll").NewProc("OutputDebugStringW")

// debugString forwards each line to the attached debugger.
type debugString struct{}

func (debugString) Write(p []byte) (int, error) {
	s, err := windows.UTF16PtrFromString(strings.ReplaceAll(string(p), "\x00", ""))
	if err != nil {
		return 0, err
	}
	procOutputDebugStringW.Call(uintptr(unsafe.Pointer(s)))
	return len(p), nil
}

func debugOutput() io.Writer { return debugString{} }

func pid() int { return int(windows.GetCurrentProcessId()) }
