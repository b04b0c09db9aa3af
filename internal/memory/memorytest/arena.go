// Package memorytest provides an in-process fake of memory.Memory for tests
// that need to patch code bytes without touching real executable pages.
package memorytest

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/vivaldiplus/greenhook/internal/memory"
)

// ErrInjected is returned by operations a test asked to fail.
var ErrInjected = errors.New("injected failure")

// Arena is a page-aligned buffer whose lower half holds code written by the
// test and whose upper half serves Alloc. Page protections are tracked but
// not enforced.
type Arena struct {
	mu   sync.Mutex
	buf  []byte
	base uintptr
	size uintptr
	page uintptr
	next uintptr
	prot map[uintptr]memory.Protection

	// FailProtect makes Protect fail for ranges that start at the given address.
	FailProtect map[uintptr]bool
	// RefuseNear makes Alloc fail whenever a placement hint is given.
	RefuseNear bool
	// RefuseAll makes every Alloc fail.
	RefuseAll bool

	Flushes int
	Allocs  int
	Frees   int
}

const pageSize = 0x1000

// New returns an arena of at least size bytes, all pages read+exec.
func New(size uintptr) *Arena {
	size = (size + pageSize - 1) &^ (pageSize - 1)
	if size < 4*pageSize {
		size = 4 * pageSize
	}
	buf := make([]byte, size+pageSize)
	raw := uintptr(unsafe.Pointer(&buf[0]))
	base := (raw + pageSize - 1) &^ (pageSize - 1)
	a := &Arena{
		buf:         buf,
		base:        base,
		size:        size,
		page:        pageSize,
		next:        base + size/2,
		prot:        make(map[uintptr]memory.Protection),
		FailProtect: make(map[uintptr]bool),
	}
	for p := base; p < base+size; p += pageSize {
		a.prot[p] = memory.ReadExecute
	}
	return a
}

// Base is the first address of the code half.
func (a *Arena) Base() uintptr { return a.base }

// Place copies code to base+off and returns its address.
func (a *Arena) Place(off uintptr, code []byte) uintptr {
	addr := a.base + off
	copy(memory.Bytes(addr, uintptr(len(code))), code)
	return addr
}

// At returns a view of n bytes at addr.
func (a *Arena) At(addr, n uintptr) []byte {
	return memory.Bytes(addr, n)
}

// ProtectionOf reports the tracked protection of the page holding addr.
func (a *Arena) ProtectionOf(addr uintptr) memory.Protection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.prot[addr&^(a.page-1)]
}

func (a *Arena) PageSize() uintptr { return a.page }

func (a *Arena) Protect(addr, size uintptr, prot memory.Protection) (memory.Protection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailProtect[addr] {
		return 0, ErrInjected
	}
	start, length := memory.PageRange(addr, size, a.page)
	old := a.prot[start]
	for p := start; p < start+length; p += a.page {
		a.prot[p] = prot
	}
	return old, nil
}

func (a *Arena) FlushInstructionCache(addr, size uintptr) error {
	a.mu.Lock()
	a.Flushes++
	a.mu.Unlock()
	return nil
}

func (a *Arena) Alloc(hint, size uintptr) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.RefuseAll || (hint != 0 && a.RefuseNear) {
		return 0, memory.ErrNoMemory
	}
	size = (size + a.page - 1) &^ (a.page - 1)
	if a.next+size > a.base+a.size {
		return 0, memory.ErrNoMemory
	}
	addr := a.next
	a.next += size
	a.Allocs++
	return addr, nil
}

func (a *Arena) Free(addr, size uintptr) error {
	a.mu.Lock()
	a.Frees++
	a.mu.Unlock()
	return nil
}
