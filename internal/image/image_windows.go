package image

import (
	"golang.org/x/sys/windows"
)

// Module opens a module already loaded into the current process. An empty
// name opens the process executable.
func Module(name string) (*Image, error) {
	var namep *uint16
	if name != "" {
		p, err := windows.UTF16PtrFromString(name)
		if err != nil {
			return nil, err
		}
		namep = p
	}
	var h windows.Handle
	if err := windows.GetModuleHandleEx(windows.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT, namep, &h); err != nil {
		return nil, err
	}
	return Open(uintptr(h))
}
