package greenhook

import (
	"errors"
	"syscall"

	"golang.org/x/sys/windows"
)

// Call invokes the original code with the Windows x64 calling convention.
func (o *Original) Call(args ...uintptr) uintptr {
	r, _, _ := syscall.SyscallN(o.Addr(), args...)
	return r
}

// CallErr is Call that also returns the thread's last error.
func (o *Original) CallErr(args ...uintptr) (uintptr, syscall.Errno) {
	r, _, e := syscall.SyscallN(o.Addr(), args...)
	return r, e
}

// AttachCallback hooks target with a Go function wrapped as a stdcall
// callback. fn must take and return uintptr-sized values.
func (tx *Transaction) AttachCallback(target uintptr, fn interface{}, opts ...AttachOption) (*Hook, error) {
	return tx.Attach(target, windows.NewCallback(fn), opts...)
}

// AttachProc hooks an export of a system DLL with fn. Local exports are read
// from the mapped image; forwarders go through the loader.
func (tx *Transaction) AttachProc(dll, name string, fn interface{}) (*Hook, error) {
	d := windows.NewLazySystemDLL(dll)
	if err := d.Load(); err != nil {
		return nil, err
	}
	cb := windows.NewCallback(fn)
	h, err := tx.AttachExport(d.Handle(), name, cb)
	if !errors.Is(err, ErrSymbolNotFound) {
		return h, err
	}
	p := d.NewProc(name)
	if err := p.Find(); err != nil {
		return nil, err
	}
	return tx.Attach(p.Addr(), cb)
}

var procSetLastError = windows.NewLazySystemDLL("kernel32.dll").NewProc("SetLastError")

// SetLastError sets the calling thread's last error, so a replacement can
// hand back the error its original call left behind.
func SetLastError(errno syscall.Errno) {
	procSetLastError.Call(uintptr(errno))
}
