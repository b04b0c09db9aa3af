package greenhook

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/vivaldiplus/greenhook/internal/image"
)

const (
	contextAMD64   = 0x00100000
	contextControl = contextAMD64 | 0x1

	// ThreadQuerySetWin32StartAddress
	threadStartAddressClass = 9
)

var (
	kernel32                     = windows.NewLazySystemDLL("kernel32.dll")
	ntdll                        = windows.NewLazySystemDLL("ntdll.dll")
	procSuspendThread            = kernel32.NewProc("SuspendThread")
	procGetThreadContext         = kernel32.NewProc("GetThreadContext")
	procSetThreadContext         = kernel32.NewProc("SetThreadContext")
	procNtQueryInformationThread = ntdll.NewProc("NtQueryInformationThread")
)

// threadContext is the amd64 CONTEXT record. It must be 16-byte aligned.
type threadContext struct {
	P1Home, P2Home, P3Home, P4Home, P5Home, P6Home uint64

	ContextFlags uint32
	MxCsr        uint32

	SegCs, SegDs, SegEs, SegFs, SegGs, SegSs uint16
	EFlags                                   uint32

	Dr0, Dr1, Dr2, Dr3, Dr6, Dr7 uint64

	Rax, Rcx, Rdx, Rbx, Rsp, Rbp, Rsi, Rdi uint64
	R8, R9, R10, R11, R12, R13, R14, R15   uint64
	Rip                                    uint64

	FltSave        [512]byte
	VectorRegister [26][16]byte
	VectorControl  uint64

	DebugControl         uint64
	LastBranchToRip      uint64
	LastBranchFromRip    uint64
	LastExceptionToRip   uint64
	LastExceptionFromRip uint64
}

func newThreadContext() *threadContext {
	buf := make([]byte, unsafe.Sizeof(threadContext{})+16)
	off := (16 - uintptr(unsafe.Pointer(&buf[0]))&15) & 15
	return (*threadContext)(unsafe.Pointer(&buf[off]))
}

// threadFreezer suspends every thread of the process except the caller and
// the threads the Go runtime started from this module, which must keep
// running for the committing goroutine to make progress.
type threadFreezer struct {
	once   sync.Once
	lo, hi uintptr
}

func defaultFreezer() Freezer { return &threadFreezer{} }

func (f *threadFreezer) ownRange() (uintptr, uintptr) {
	f.once.Do(func() {
		var h windows.Handle
		pc := reflect.ValueOf(defaultFreezer).Pointer()
		flags := uint32(windows.GET_MODULE_HANDLE_EX_FLAG_FROM_ADDRESS | windows.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT)
		if err := windows.GetModuleHandleEx(flags, (*uint16)(unsafe.Pointer(pc)), &h); err != nil {
			return
		}
		im, err := image.Open(uintptr(h))
		if err != nil {
			return
		}
		f.lo = im.Base()
		if text, err := im.Section(".text"); err == nil {
			f.hi = text.Start + text.Size
		}
	})
	return f.lo, f.hi
}

func (f *threadFreezer) isOwn(th windows.Handle) bool {
	lo, hi := f.ownRange()
	if lo == 0 {
		return false
	}
	var start uintptr
	r, _, _ := procNtQueryInformationThread.Call(uintptr(th), threadStartAddressClass,
		uintptr(unsafe.Pointer(&start)), unsafe.Sizeof(start), 0)
	return r == 0 && start >= lo && start < hi
}

type frozenThreads struct {
	threads []windows.Handle
	ctx     *threadContext
	// context calls that failed during Relocate
	failed  int
	lastErr error
}

// relocateError is built after the threads resumed.
type relocateError struct {
	n   int
	err error
}

func (e *relocateError) Error() string {
	return fmt.Sprintf("thread context failed for %d threads: %v", e.n, e.err)
}

func (e *relocateError) Unwrap() error { return e.err }

func (f *threadFreezer) Freeze() (Frozen, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return nil, fmt.Errorf("thread snapshot: %w", err)
	}
	defer windows.CloseHandle(snap)

	pid := windows.GetCurrentProcessId()
	self := windows.GetCurrentThreadId()
	access := uint32(windows.THREAD_SUSPEND_RESUME | windows.THREAD_GET_CONTEXT |
		windows.THREAD_SET_CONTEXT | windows.THREAD_QUERY_INFORMATION)

	fz := &frozenThreads{ctx: newThreadContext()}
	var te windows.ThreadEntry32
	te.Size = uint32(unsafe.Sizeof(te))
	for err = windows.Thread32First(snap, &te); err == nil; err = windows.Thread32Next(snap, &te) {
		if te.OwnerProcessID != pid || te.ThreadID == self {
			continue
		}
		th, err := windows.OpenThread(access, false, te.ThreadID)
		if err != nil {
			continue
		}
		if f.isOwn(th) {
			windows.CloseHandle(th)
			continue
		}
		if r, _, _ := procSuspendThread.Call(uintptr(th)); r == 0xffffffff {
			windows.CloseHandle(th)
			continue
		}
		fz.threads = append(fz.threads, th)
	}
	return fz, nil
}

// Relocate runs while the threads are suspended, so failures are only
// counted; Thaw reports them.
func (fz *frozenThreads) Relocate(fix func(ip uintptr) (uintptr, bool)) error {
	ctx := fz.ctx
	for _, th := range fz.threads {
		*ctx = threadContext{ContextFlags: contextControl}
		if r, _, err := procGetThreadContext.Call(uintptr(th), uintptr(unsafe.Pointer(ctx))); r == 0 {
			fz.failed++
			fz.lastErr = err
			continue
		}
		ip, ok := fix(uintptr(ctx.Rip))
		if !ok {
			continue
		}
		ctx.Rip = uint64(ip)
		if r, _, err := procSetThreadContext.Call(uintptr(th), uintptr(unsafe.Pointer(ctx))); r == 0 {
			fz.failed++
			fz.lastErr = err
		}
	}
	return nil
}

func (fz *frozenThreads) Thaw() error {
	var errs []error
	for _, th := range fz.threads {
		if _, err := windows.ResumeThread(th); err != nil {
			errs = append(errs, err)
		}
		windows.CloseHandle(th)
	}
	fz.threads = nil
	if fz.failed > 0 {
		errs = append(errs, &relocateError{n: fz.failed, err: fz.lastErr})
	}
	return errors.Join(errs...)
}
