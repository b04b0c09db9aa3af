package portable

import (
	"os"

	"golang.org/x/sys/windows"
)

// CommandLine is the raw command line of the current process.
func CommandLine() string {
	return windows.UTF16PtrToString(windows.GetCommandLine())
}

// Relaunch starts the executable again with args.
func Relaunch(args string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	verb, _ := windows.UTF16PtrFromString("open")
	file, err := windows.UTF16PtrFromString(exe)
	if err != nil {
		return err
	}
	params, err := windows.UTF16PtrFromString(args)
	if err != nil {
		return err
	}
	return windows.ShellExecute(0, verb, file, params, nil, windows.SW_SHOWNORMAL)
}
