package exports

import (
	"path/filepath"
	"syscall"

	"golang.org/x/sys/windows"

	"github.com/vivaldiplus/greenhook"
	"github.com/vivaldiplus/greenhook/internal/image"
)

// SystemPath is the real version.dll.
func SystemPath() (string, error) {
	dir, err := windows.GetSystemDirectory()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "version.dll"), nil
}

// SystemResolver loads the DLL by full path and reads its export directory.
// Forwarded exports are resolved through the loader.
type SystemResolver struct{}

func (SystemResolver) Resolve(dll string, names []string) (map[string]uintptr, error) {
	h, err := windows.LoadLibraryEx(dll, 0, windows.LOAD_WITH_ALTERED_SEARCH_PATH)
	if err != nil {
		return nil, err
	}
	im, err := image.Open(uintptr(h))
	if err != nil {
		return nil, err
	}
	found, err := FromImage(im, names)
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		if _, ok := found[n]; ok {
			continue
		}
		if addr, err := windows.GetProcAddress(h, n); err == nil {
			found[n] = addr
		}
	}
	return found, nil
}

// Call forwards an exported call. A symbol that could not be resolved fails
// with ERROR_PROC_NOT_FOUND.
func (t *Table) Call(name string, args ...uintptr) uintptr {
	addr, ok := t.Lookup(name)
	if !ok {
		greenhook.SetLastError(windows.ERROR_PROC_NOT_FOUND)
		return 0
	}
	r, _, errno := syscall.SyscallN(addr, args...)
	greenhook.SetLastError(errno)
	return r
}
