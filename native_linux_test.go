//go:build linux && amd64

package greenhook

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/vivaldiplus/greenhook/internal/memory"
)

var (
	// mov eax, 42; ret
	answer = []byte{0xb8, 0x2a, 0x00, 0x00, 0x00, 0xc3}
	// mov eax, 10; nop5; nop5; ret
	plainTarget = []byte{
		0xb8, 0x0a, 0x00, 0x00, 0x00,
		0x0f, 0x1f, 0x44, 0x00, 0x00,
		0x0f, 0x1f, 0x44, 0x00, 0x00,
		0xc3,
	}
	// xor eax, eax; je +11; mov eax, 1; nop5; ret; mov eax, 2; ret
	branchTarget = []byte{
		0x31, 0xc0,
		0x74, 0x0b,
		0xb8, 0x01, 0x00, 0x00, 0x00,
		0x0f, 0x1f, 0x44, 0x00, 0x00,
		0xc3,
		0xb8, 0x02, 0x00, 0x00, 0x00,
		0xc3,
	}
	// mov eax, [rip+14]; nop5; nop5; ret; int3 x3; dd 99
	ripTarget = []byte{
		0x8b, 0x05, 0x0e, 0x00, 0x00, 0x00,
		0x0f, 0x1f, 0x44, 0x00, 0x00,
		0x0f, 0x1f, 0x44, 0x00, 0x00,
		0xc3, 0xcc, 0xcc, 0xcc,
		0x63, 0x00, 0x00, 0x00,
	}
)

// call runs the code at addr as a Go func() int. The snippets above only
// touch eax, which is where the register ABI returns the result.
func call(addr uintptr) int {
	code := addr
	fv := &code
	return (*(*func() int)(unsafe.Pointer(&fv)))()
}

func codePage(t *testing.T) (memory.Memory, uintptr) {
	t.Helper()
	mem := memory.Native()
	page, err := mem.Alloc(0, mem.PageSize())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Free(page, mem.PageSize()) })
	return mem, page
}

func TestNativeHooksRunAndUnwind(t *testing.T) {
	mem, page := codePage(t)
	place := func(off uintptr, b []byte) uintptr {
		copy(memory.Bytes(page+off, uintptr(len(b))), b)
		return page + off
	}
	repl := place(0x000, answer)
	targets := []struct {
		name string
		addr uintptr
		want int
	}{
		{"plain", place(0x100, plainTarget), 10},
		{"branch", place(0x200, branchTarget), 2},
		{"rip-relative", place(0x300, ripTarget), 99},
	}
	for _, tc := range targets {
		require.Equal(t, tc.want, call(tc.addr), tc.name)
	}

	reg := NewRegistry(WithMemory(mem), WithoutFreeze())
	tx, err := reg.Begin()
	require.NoError(t, err)
	hooks := make([]*Hook, len(targets))
	for i, tc := range targets {
		hooks[i], err = tx.Attach(tc.addr, repl, NoFollow())
		require.NoError(t, err, tc.name)
	}
	require.NoError(t, tx.Commit())

	for i, tc := range targets {
		assert.Equal(t, Installed, hooks[i].State(), tc.name)
		assert.Equal(t, 42, call(tc.addr), tc.name)
		assert.Equal(t, tc.want, call(hooks[i].Original().Addr()), tc.name)
	}

	require.NoError(t, reg.Close())
	for _, tc := range targets {
		assert.Equal(t, tc.want, call(tc.addr), tc.name)
	}
}

func TestAttachStopsAtUnmappedPage(t *testing.T) {
	size := uintptr(unix.Getpagesize())
	b, err := unix.Mmap(-1, 0, int(2*size), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(b) })
	require.NoError(t, unix.Mprotect(b[size:], unix.PROT_NONE))

	base := uintptr(unsafe.Pointer(&b[0]))
	stub := base + size - 3
	copy(b[size-3:size], []byte{0x90, 0x90, 0x90})

	reg := NewRegistry(WithMemory(memory.Native()), WithoutFreeze())
	t.Cleanup(func() { _ = reg.Close() })
	tx, err := reg.Begin()
	require.NoError(t, err)
	defer tx.Abort()

	_, err = tx.Attach(stub, base)
	assert.ErrorIs(t, err, ErrTooShort)
}
