package greenhook

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// offset pairs an instruction boundary in the original prologue with the
// matching position in the trampoline.
type offset struct {
	from, to int
}

type relocation struct {
	// relocated instructions followed by the jump back
	code []byte
	// bytes consumed from the original
	moved   int
	offsets []offset
}

var conditional = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JE: true, x86asm.JNE: true, x86asm.JG: true, x86asm.JGE: true,
	x86asm.JL: true, x86asm.JLE: true, x86asm.JO: true, x86asm.JNO: true,
	x86asm.JP: true, x86asm.JNP: true, x86asm.JS: true, x86asm.JNS: true,
}

// relocate copies whole instructions from src (mapped at from) until at
// least need bytes are covered, rewriting them to run at to. The result ends
// with a jump back to the first instruction not moved.
func relocate(src []byte, from, to uintptr, need int) (*relocation, error) {
	rel := &relocation{}
	var out []byte
	for rel.moved < need {
		if rel.moved >= len(src) {
			return nil, ErrTooShort
		}
		pc := from + uintptr(rel.moved)
		inst, err := x86asm.Decode(src[rel.moved:], 64)
		if errors.Is(err, x86asm.ErrTruncated) {
			return nil, ErrTooShort
		}
		if err != nil {
			return nil, fmt.Errorf("%w at %#x: %v", ErrDecode, pc, err)
		}
		raw := src[rel.moved : rel.moved+inst.Len]
		code, err := relocateOne(inst, raw, pc, to+uintptr(len(out)))
		if err != nil {
			return nil, fmt.Errorf("%w at %#x (%v)", err, pc, inst)
		}
		rel.offsets = append(rel.offsets, offset{from: rel.moved, to: len(out)})
		out = append(out, code...)
		rel.moved += inst.Len
		if endsFlow(inst) && rel.moved < need {
			return nil, ErrTooShort
		}
	}
	rel.code = append(out, absJump(from+uintptr(rel.moved))...)
	return rel, nil
}

func endsFlow(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.JMP, x86asm.INT, x86asm.UD2:
		return true
	}
	return false
}

func relocateOne(inst x86asm.Inst, raw []byte, pc, at uintptr) ([]byte, error) {
	next := int64(pc) + int64(inst.Len)
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		switch arg := a.(type) {
		case x86asm.Rel:
			return relocateBranch(inst, raw, uintptr(next+int64(arg)))
		case x86asm.Mem:
			if arg.Base == x86asm.RIP {
				return rebaseRIP(inst, raw, next, at, arg)
			}
		}
	}
	return append([]byte(nil), raw...), nil
}

// relocateBranch turns a relative branch into an absolute one. Conditional
// jumps become an inverted short jump over an absolute jump.
func relocateBranch(inst x86asm.Inst, raw []byte, dest uintptr) ([]byte, error) {
	switch {
	case inst.Op == x86asm.JMP:
		return absJump(dest), nil
	case inst.Op == x86asm.CALL:
		return absCall(dest), nil
	case conditional[inst.Op] && inst.PCRelOff > 0:
		cc := raw[inst.PCRelOff-1] & 0x0f
		out := []byte{0x70 | (cc ^ 1), absJumpSize}
		return append(out, absJump(dest)...), nil
	}
	// jrcxz, loop and xbegin have no long or absolute form
	return nil, ErrRelativeAddr
}

func rebaseRIP(inst x86asm.Inst, raw []byte, next int64, at uintptr, mem x86asm.Mem) ([]byte, error) {
	off, ok := dispOffset(inst, raw, mem.Disp)
	if !ok {
		return nil, ErrRelativeAddr
	}
	target := next + mem.Disp
	disp := target - (int64(at) + int64(inst.Len))
	if disp != int64(int32(disp)) {
		return nil, ErrRelativeAddr
	}
	out := append([]byte(nil), raw...)
	binary.LittleEndian.PutUint32(out[off:], uint32(int32(disp)))
	return out, nil
}

// dispOffset finds the disp32 of a RIP-relative operand. The decoder reports
// it; scanning from the end is the fallback for encodings it leaves unmarked.
func dispOffset(inst x86asm.Inst, raw []byte, disp int64) (int, bool) {
	if inst.PCRel == 4 && inst.PCRelOff > 0 && inst.PCRelOff+4 <= len(raw) {
		return inst.PCRelOff, true
	}
	for off := len(raw) - 4; off > 0; off-- {
		if int64(int32(binary.LittleEndian.Uint32(raw[off:]))) == disp {
			return off, true
		}
	}
	return 0, false
}
