package greenhook

import (
	"encoding/binary"
	"math"

	"github.com/vivaldiplus/greenhook/internal/memory"
)

const (
	// jmp rel32
	nearJumpSize = 5
	// jmp [rip+0]; dq target
	absJumpSize = 14
	// call [rip+2]; jmp +8; dq target
	absCallSize = 16

	int3 = 0xcc

	maxThunkHops = 4
)

func overflowsS32(from, to uintptr) bool {
	d := int64(to) - int64(from)
	return d > math.MaxInt32 || d < math.MinInt32
}

// nearJump encodes a jmp rel32 placed at from.
func nearJump(from, to uintptr) []byte {
	out := make([]byte, nearJumpSize)
	out[0] = 0xe9
	binary.LittleEndian.PutUint32(out[1:], uint32(int32(int64(to)-int64(from+nearJumpSize))))
	return out
}

// absJump encodes an indirect jmp through the quadword that follows it.
// It clobbers no register.
func absJump(to uintptr) []byte {
	out := make([]byte, absJumpSize)
	out[0], out[1] = 0xff, 0x25
	binary.LittleEndian.PutUint64(out[6:], uint64(to))
	return out
}

// absCall encodes an indirect call that returns past the inline quadword.
func absCall(to uintptr) []byte {
	out := make([]byte, absCallSize)
	copy(out, []byte{0xff, 0x15, 0x02, 0x00, 0x00, 0x00, 0xeb, 0x08})
	binary.LittleEndian.PutUint64(out[8:], uint64(to))
	return out
}

// pad fills code up to n bytes with int3.
func pad(code []byte, n int) []byte {
	for len(code) < n {
		code = append(code, int3)
	}
	return code
}

// followThunks skips import stubs and incremental-link jumps so the patch
// lands on the function body. read returns the bytes at an address.
func followThunks(addr uintptr, read func(addr, n uintptr) []byte) uintptr {
	for i := 0; i < maxThunkHops; i++ {
		b := read(addr, 7)
		if len(b) < 7 {
			return addr
		}
		var next uintptr
		switch {
		case b[0] == 0xe9:
			next = uintptr(int64(addr) + 5 + int64(int32(binary.LittleEndian.Uint32(b[1:]))))
		case b[0] == 0xeb:
			next = uintptr(int64(addr) + 2 + int64(int8(b[1])))
		case b[0] == 0xff && b[1] == 0x25:
			slot := uintptr(int64(addr) + 6 + int64(int32(binary.LittleEndian.Uint32(b[2:]))))
			next = readPointer(read, slot)
		case b[0] == 0x48 && b[1] == 0xff && b[2] == 0x25:
			slot := uintptr(int64(addr) + 7 + int64(int32(binary.LittleEndian.Uint32(b[3:]))))
			next = readPointer(read, slot)
		default:
			return addr
		}
		if next == 0 || next == addr {
			return addr
		}
		addr = next
	}
	return addr
}

func readPointer(read func(addr, n uintptr) []byte, slot uintptr) uintptr {
	b := read(slot, 8)
	if len(b) < 8 {
		return 0
	}
	return uintptr(binary.LittleEndian.Uint64(b))
}

// readMemory copies up to n bytes at addr, stopping at the end of readable
// memory.
func readMemory(addr, n uintptr) []byte { return memory.Read(addr, memory.Readable(addr, n)) }
