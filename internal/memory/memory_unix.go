//go:build unix

package memory

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ReadOnly         Protection = unix.PROT_READ
	ReadWrite        Protection = unix.PROT_READ | unix.PROT_WRITE
	ReadExecute      Protection = unix.PROT_READ | unix.PROT_EXEC
	ReadWriteExecute Protection = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
)

type native struct {
	pageSize uintptr
}

// Native returns the backend operating on the current process.
func Native() Memory {
	return native{pageSize: uintptr(unix.Getpagesize())}
}

func (n native) PageSize() uintptr { return n.pageSize }

// Protect works on whole pages. The previous protection is read from
// /proc/self/maps where available and assumed to be read+exec otherwise.
func (n native) Protect(addr, size uintptr, prot Protection) (Protection, error) {
	start, length := PageRange(addr, size, n.pageSize)
	old := protectionAt(start)
	for i := uintptr(0); i < length; i += n.pageSize {
		if err := unix.Mprotect(Bytes(start+i, n.pageSize), int(prot)); err != nil {
			return 0, err
		}
	}
	return old, nil
}

// FlushInstructionCache is a no-op: x86 keeps instruction fetch coherent
// with stores from the same process.
func (n native) FlushInstructionCache(addr, size uintptr) error { return nil }

func (n native) Alloc(hint, size uintptr) (uintptr, error) {
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoMemory, err)
	}
	return uintptr(p), nil
}

func (n native) Free(addr, size uintptr) error {
	return unix.MunmapPtr(unsafe.Pointer(addr), size)
}

type mapping struct {
	lo, hi uintptr
	prot   Protection
}

// mappings lists the regions of /proc/self/maps in address order.
func mappings() ([]mapping, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []mapping
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m mapping
		var perms string
		if _, err := fmt.Sscanf(sc.Text(), "%x-%x %s", &m.lo, &m.hi, &perms); err != nil {
			continue
		}
		if strings.Contains(perms, "r") {
			m.prot |= unix.PROT_READ
		}
		if strings.Contains(perms, "w") {
			m.prot |= unix.PROT_WRITE
		}
		if strings.Contains(perms, "x") {
			m.prot |= unix.PROT_EXEC
		}
		out = append(out, m)
	}
	return out, sc.Err()
}

func protectionAt(addr uintptr) Protection {
	maps, err := mappings()
	if err != nil {
		return ReadExecute
	}
	for _, m := range maps {
		if addr >= m.lo && addr < m.hi {
			return m.prot
		}
	}
	return ReadExecute
}

// Readable reports how many of the limit bytes at addr can be read, following
// adjacent readable mappings.
func Readable(addr, limit uintptr) uintptr {
	maps, err := mappings()
	if err != nil {
		return limit
	}
	end := addr
	for _, m := range maps {
		if end < m.lo || end >= m.hi {
			continue
		}
		if m.prot&unix.PROT_READ == 0 {
			break
		}
		end = m.hi
		if end-addr >= limit {
			return limit
		}
	}
	return end - addr
}
