// Package memory is the page-level backend shared by the detour engine and
// the binary patcher: protection changes, instruction cache flushes and
// executable block allocation in the current process.
package memory

import (
	"errors"
	"fmt"
	"unsafe"
)

// Protection is a native page protection value (PAGE_* on Windows, PROT_*
// on unix). Values are opaque to callers; they are captured and handed back.
type Protection uint32

var (
	// ErrProtect means the target range could not be made writable
	ErrProtect = errors.New("cannot change page protection")
	// ErrNoMemory means no executable block could be allocated
	ErrNoMemory = errors.New("cannot allocate executable memory")
)

// Memory changes and allocates pages of the current process.
type Memory interface {
	// PageSize is the protection granularity.
	PageSize() uintptr
	// Protect sets prot on [addr, addr+size) and returns the previous protection.
	Protect(addr, size uintptr, prot Protection) (Protection, error)
	// FlushInstructionCache discards stale decoded instructions for the range.
	FlushInstructionCache(addr, size uintptr) error
	// Alloc returns a readable, writable, executable block of at least size
	// bytes. A non-zero hint asks for placement close to hint; the result may
	// still be anywhere.
	Alloc(hint, size uintptr) (uintptr, error)
	// Free releases a block returned by Alloc.
	Free(addr, size uintptr) error
}

// Bytes views size bytes at addr.
func Bytes(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// Read copies size bytes at addr.
func Read(addr, size uintptr) []byte {
	out := make([]byte, size)
	copy(out, Bytes(addr, size))
	return out
}

// Step names the stage of an overwrite that failed.
type Step int

const (
	StepNone Step = iota
	// StepProtect failed before anything was written.
	StepProtect
	StepFlush
	StepRestore
)

// Overwrite makes the range at addr writable, copies data, flushes the
// instruction cache and restores the protection. It neither allocates nor
// wraps errors, so it can run while other threads are suspended; StepError
// builds the error afterwards.
func Overwrite(m Memory, addr uintptr, data []byte) (Step, error) {
	if len(data) == 0 {
		return StepNone, nil
	}
	size := uintptr(len(data))
	old, err := m.Protect(addr, size, ReadWriteExecute)
	if err != nil {
		return StepProtect, err
	}
	copy(Bytes(addr, size), data)
	flushErr := m.FlushInstructionCache(addr, size)
	if _, err := m.Protect(addr, size, old); err != nil {
		return StepRestore, err
	}
	if flushErr != nil {
		return StepFlush, flushErr
	}
	return StepNone, nil
}

// StepError describes a failed Overwrite step. Protect failures wrap
// ErrProtect.
func StepError(addr uintptr, step Step, err error) error {
	switch step {
	case StepNone:
		return nil
	case StepProtect:
		return fmt.Errorf("%w at %#x: %v", ErrProtect, addr, err)
	case StepFlush:
		return fmt.Errorf("flush instruction cache at %#x: %w", addr, err)
	}
	return fmt.Errorf("restore protection at %#x: %w", addr, err)
}

// Patch overwrites the bytes at addr with data: the range is made writable
// (saving the old protection), written, flushed from the instruction cache and
// restored. A failure to make the range writable aborts before any byte is
// written. The replaced bytes are returned.
func Patch(m Memory, addr uintptr, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	prev := Read(addr, uintptr(len(data)))
	step, err := Overwrite(m, addr, data)
	if step == StepProtect {
		return nil, StepError(addr, step, err)
	}
	return prev, StepError(addr, step, err)
}

// PageRange rounds [addr, addr+size) out to whole pages.
func PageRange(addr, size, pageSize uintptr) (start, length uintptr) {
	start = pageSize * (addr / pageSize)
	length = pageSize * ((addr + size + pageSize - 1 - start) / pageSize)
	return start, length
}

// Distance is the absolute difference between two addresses.
func Distance(a, b uintptr) uintptr {
	if a > b {
		return a - b
	}
	return b - a
}
