package memory

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	ReadOnly         Protection = windows.PAGE_READONLY
	ReadWrite        Protection = windows.PAGE_READWRITE
	ReadExecute      Protection = windows.PAGE_EXECUTE_READ
	ReadWriteExecute Protection = windows.PAGE_EXECUTE_READWRITE
)

const (
	memFree = 0x10000
	// allocation granularity of VirtualAlloc reservations
	granularity = 0x10000
	// farthest a rel32 operand can reach, with room for the block itself
	nearWindow = 0x7ff00000
)

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procFlushInstructionCache = kernel32.NewProc("FlushInstructionCache")
)

type native struct {
	pageSize uintptr
}

// Native returns the backend operating on the current process.
func Native() Memory {
	return native{pageSize: uintptr(os.Getpagesize())}
}

func (n native) PageSize() uintptr { return n.pageSize }

func (n native) Protect(addr, size uintptr, prot Protection) (Protection, error) {
	var old uint32
	if err := windows.VirtualProtect(addr, size, uint32(prot), &old); err != nil {
		return 0, err
	}
	return Protection(old), nil
}

func (n native) FlushInstructionCache(addr, size uintptr) error {
	r, _, err := procFlushInstructionCache.Call(uintptr(windows.CurrentProcess()), addr, size)
	if r == 0 {
		return err
	}
	return nil
}

func (n native) Alloc(hint, size uintptr) (uintptr, error) {
	if hint != 0 {
		if addr, ok := allocNear(hint, size); ok {
			return addr, nil
		}
	}
	addr, err := windows.VirtualAlloc(0, size, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil || addr == 0 {
		return 0, ErrNoMemory
	}
	return addr, nil
}

func (n native) Free(addr, size uintptr) error {
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}

// allocNear walks the address space around hint, below first and then above,
// and commits the first free region that keeps the block within rel32 reach.
func allocNear(hint, size uintptr) (uintptr, bool) {
	lo := uintptr(granularity)
	if hint > nearWindow+granularity {
		lo = hint - nearWindow
	}
	hi := hint + nearWindow

	try := func(mbi *windows.MemoryBasicInformation) (uintptr, bool) {
		if mbi.State != memFree {
			return 0, false
		}
		start := alignUp(mbi.BaseAddress, granularity)
		end := mbi.BaseAddress + mbi.RegionSize
		if start+size > end || start < lo || start+size > hi {
			return 0, false
		}
		addr, err := windows.VirtualAlloc(start, size, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
		if err != nil || addr == 0 {
			return 0, false
		}
		return addr, true
	}

	var mbi windows.MemoryBasicInformation
	for addr := alignDown(hint, granularity); addr >= lo; {
		if err := windows.VirtualQuery(addr, &mbi, unsafe.Sizeof(mbi)); err != nil {
			break
		}
		if p, ok := try(&mbi); ok {
			return p, true
		}
		base := mbi.BaseAddress
		if mbi.State != memFree && mbi.AllocationBase != 0 {
			base = mbi.AllocationBase
		}
		if base < lo+granularity {
			break
		}
		addr = alignDown(base-1, granularity)
	}
	for addr := alignUp(hint, granularity); addr < hi; {
		if err := windows.VirtualQuery(addr, &mbi, unsafe.Sizeof(mbi)); err != nil {
			break
		}
		if p, ok := try(&mbi); ok {
			return p, true
		}
		next := alignUp(mbi.BaseAddress+mbi.RegionSize, granularity)
		if next <= addr {
			break
		}
		addr = next
	}
	return 0, false
}

func alignDown(v, a uintptr) uintptr { return v &^ (a - 1) }

func alignUp(v, a uintptr) uintptr { return (v + a - 1) &^ (a - 1) }

const readableMask = windows.PAGE_READONLY | windows.PAGE_READWRITE | windows.PAGE_WRITECOPY |
	windows.PAGE_EXECUTE_READ | windows.PAGE_EXECUTE_READWRITE | windows.PAGE_EXECUTE_WRITECOPY

// Readable reports how many of the limit bytes at addr can be read, following
// adjacent committed regions.
func Readable(addr, limit uintptr) uintptr {
	end := addr
	for end-addr < limit {
		var mbi windows.MemoryBasicInformation
		if err := windows.VirtualQuery(end, &mbi, unsafe.Sizeof(mbi)); err != nil {
			break
		}
		if mbi.State != windows.MEM_COMMIT || mbi.Protect&windows.PAGE_GUARD != 0 || mbi.Protect&readableMask == 0 {
			break
		}
		end = mbi.BaseAddress + mbi.RegionSize
	}
	if end-addr > limit {
		return limit
	}
	return end - addr
}
