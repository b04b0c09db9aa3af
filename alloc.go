package greenhook

import (
	"errors"
	"sync"

	"github.com/vivaldiplus/greenhook/internal/memory"
)

const (
	// a slot holds the relay at offset 0 and the trampoline after it
	slotSize   = 256
	relaySize  = 16
	blockSlots = 64
)

type block struct {
	base uintptr
	size uintptr
	// slots handed out so far; detached slots are retired, never reused
	next int
}

type slot struct {
	block *block
	addr  uintptr
}

func (s *slot) relay() uintptr      { return s.addr }
func (s *slot) trampoline() uintptr { return s.addr + relaySize }

// pool carves trampoline slots out of executable blocks, preferring blocks
// within rel32 reach of the hooked entry.
type pool struct {
	mu     sync.Mutex
	mem    memory.Memory
	blocks []*block
	// slots returned before they were ever executed
	spare map[*block][]uintptr
}

func newPool(mem memory.Memory) *pool {
	return &pool{mem: mem, spare: make(map[*block][]uintptr)}
}

// reachable reports whether a jmp rel32 at entry can land anywhere in b.
func reachable(b *block, entry uintptr) bool {
	return !overflowsS32(entry+nearJumpSize, b.base) &&
		!overflowsS32(entry+nearJumpSize, b.base+b.size)
}

// take returns a slot and whether it is near enough for a relay jump.
func (p *pool) take(entry uintptr) (*slot, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range p.blocks {
		if reachable(b, entry) {
			if s, ok := p.carve(b); ok {
				return s, true, nil
			}
		}
	}
	size := uintptr(slotSize * blockSlots)
	if addr, err := p.mem.Alloc(entry, size); err == nil {
		b := &block{base: addr, size: size}
		p.blocks = append(p.blocks, b)
		s, _ := p.carve(b)
		if reachable(b, entry) {
			return s, true, nil
		}
		return s, false, nil
	}
	for _, b := range p.blocks {
		if s, ok := p.carve(b); ok {
			return s, false, nil
		}
	}
	addr, err := p.mem.Alloc(0, size)
	if err != nil {
		return nil, false, ErrNoMemory
	}
	b := &block{base: addr, size: size}
	p.blocks = append(p.blocks, b)
	s, _ := p.carve(b)
	return s, false, nil
}

func (p *pool) carve(b *block) (*slot, bool) {
	if spare := p.spare[b]; len(spare) > 0 {
		addr := spare[len(spare)-1]
		p.spare[b] = spare[:len(spare)-1]
		return &slot{block: b, addr: addr}, true
	}
	if b.next >= int(b.size/slotSize) {
		return nil, false
	}
	s := &slot{block: b, addr: b.base + uintptr(b.next)*slotSize}
	b.next++
	return s, true
}

// giveBack returns a slot no thread can have entered.
func (p *pool) giveBack(s *slot) {
	if s == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spare[s.block] = append(p.spare[s.block], s.addr)
}

func (p *pool) release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, b := range p.blocks {
		errs = append(errs, p.mem.Free(b.base, b.size))
	}
	p.blocks = nil
	p.spare = make(map[*block][]uintptr)
	return errors.Join(errs...)
}
