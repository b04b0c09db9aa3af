package greenhook

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/vivaldiplus/greenhook/internal/memory"
)

// prologueWindow is how many bytes are read at an entry: the longest patch
// plus the longest instruction, rounded up.
const prologueWindow = 32

type op struct {
	hook   *Hook
	attach bool
}

// Transaction batches hook changes so threads are paused once for all of
// them. It is not safe for concurrent use.
type Transaction struct {
	r    *Registry
	ops  []op
	done bool
}

type attachConfig struct {
	prologue []byte
	follow   bool
}

// AttachOption tunes a single Attach.
type AttachOption func(*attachConfig)

// WithPrologue supplies the real first bytes of the target when the bytes in
// memory were already replaced, for instance by a parking loop. Thunks are
// not followed.
func WithPrologue(b []byte) AttachOption {
	return func(c *attachConfig) {
		c.prologue = append([]byte(nil), b...)
		c.follow = false
	}
}

// NoFollow patches target itself even if it starts with a jump.
func NoFollow() AttachOption {
	return func(c *attachConfig) { c.follow = false }
}

// Attach queues a detour from target to replacement. The trampoline is built
// immediately, so relocation problems are reported here; the target is only
// written on Commit.
func (tx *Transaction) Attach(target, replacement uintptr, opts ...AttachOption) (*Hook, error) {
	if tx.done {
		return nil, ErrTxnClosed
	}
	if target == 0 || replacement == 0 {
		return nil, ErrInvalidAddr
	}
	cfg := attachConfig{follow: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	entry := target
	if cfg.follow {
		entry = followThunks(target, readMemory)
	}
	h := &Hook{target: target, entry: entry, replacement: replacement}
	h.original.addr.Store(entry)
	if err := tx.r.track(h); err != nil {
		return nil, err
	}
	if err := tx.prepare(h, cfg.prologue); err != nil {
		tx.r.untrack(h)
		return nil, err
	}
	tx.ops = append(tx.ops, op{hook: h, attach: true})
	tx.r.log.Debug().
		Str("target", hex(target)).
		Str("entry", hex(entry)).
		Str("trampoline", hex(h.tramp)).
		Bool("relay", h.near).
		Int("moved", len(h.saved)).
		Msg("hook prepared")
	return h, nil
}

func (tx *Transaction) prepare(h *Hook, prologue []byte) error {
	code := readMemory(h.entry, prologueWindow)
	copy(code, prologue)

	s, near, err := tx.r.pool.take(h.entry)
	if err != nil {
		return err
	}
	need := nearJumpSize
	if !near {
		need = absJumpSize
	}
	rel, err := relocate(code, h.entry, s.trampoline(), need)
	if err == nil && relaySize+len(rel.code) > slotSize {
		err = fmt.Errorf("%w: trampoline of %d bytes", ErrTooShort, len(rel.code))
	}
	if err != nil {
		tx.r.pool.giveBack(s)
		return err
	}

	var patch []byte
	if near {
		patch = nearJump(h.entry, s.relay())
	} else {
		patch = absJump(h.replacement)
	}
	stub := append(pad(absJump(h.replacement), relaySize), rel.code...)
	copy(memory.Bytes(s.addr, uintptr(len(stub))), stub)
	if err := tx.r.mem.FlushInstructionCache(s.addr, uintptr(len(stub))); err != nil {
		tx.r.pool.giveBack(s)
		return err
	}

	h.slot = s
	h.tramp = s.trampoline()
	h.near = near
	h.saved = code[:rel.moved]
	h.patch = pad(patch, rel.moved)
	h.offsets = rel.offsets
	return nil
}

// Detach queues removal of an installed hook.
func (tx *Transaction) Detach(h *Hook) error {
	if tx.done {
		return ErrTxnClosed
	}
	if h == nil || h.State() != Installed {
		return ErrHookNotFound
	}
	if cur, ok := tx.r.Lookup(h.entry); !ok || cur != h {
		return ErrHookNotFound
	}
	for _, o := range tx.ops {
		if o.hook == h {
			return ErrHookNotFound
		}
	}
	tx.ops = append(tx.ops, op{hook: h})
	return nil
}

// Commit pauses the other threads, writes every queued change, moves paused
// threads out of rewritten prologues and resumes them. Hooks that could not
// be written are marked Failed and reported in the joined error; the rest
// stay applied.
func (tx *Transaction) Commit() error {
	if tx.done {
		return ErrTxnClosed
	}
	tx.done = true
	defer tx.r.finish(tx)
	if len(tx.ops) == 0 {
		return nil
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	// a collection can stop the world while host threads are parked
	defer debug.SetGCPercent(debug.SetGCPercent(-1))

	results := make([]result, len(tx.ops))
	frozen, freezeErr := tx.r.freezer.Freeze()
	if freezeErr != nil {
		frozen = noFreeze{}
	}
	// Until Thaw nothing may log or touch the process heap: a paused thread
	// can hold its lock.
	for i, o := range tx.ops {
		results[i] = tx.apply(o)
	}
	relocErr := frozen.Relocate(tx.fixup)
	thawErr := frozen.Thaw()

	if freezeErr != nil {
		tx.r.log.Warn().Err(freezeErr).Msg("committed without pausing threads")
	}
	if relocErr != nil {
		tx.r.log.Warn().Err(relocErr).Msg("thread fixup")
	}
	if thawErr != nil {
		tx.r.log.Warn().Err(thawErr).Msg("thread resume")
	}
	var errs []error
	for i, o := range tx.ops {
		if err := tx.settle(o, results[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// result is what apply saw while threads were paused.
type result struct {
	step memory.Step
	err  error
}

// apply writes one queued change. It runs with threads paused and only
// writes memory and flips atomics.
func (tx *Transaction) apply(o op) result {
	h := o.hook
	data := h.saved
	if o.attach {
		data = h.patch
	}
	step, err := memory.Overwrite(tx.r.mem, h.entry, data)
	if step == memory.StepProtect {
		return result{step, err}
	}
	// the bytes are in place even if the flush or the restore failed
	if o.attach {
		h.original.addr.Store(h.tramp)
		h.state.Store(int32(Installed))
	} else {
		h.original.addr.Store(h.entry)
		h.state.Store(int32(Removed))
	}
	return result{step, err}
}

// settle does the bookkeeping and logging for one change after threads
// resumed.
func (tx *Transaction) settle(o op, res result) error {
	h := o.hook
	verb := "detach"
	if o.attach {
		verb = "attach"
	}
	if res.step == memory.StepProtect {
		err := fmt.Errorf("%s %#x: %w", verb, h.target, memory.StepError(h.entry, res.step, res.err))
		if o.attach {
			tx.r.untrack(h)
			tx.r.pool.giveBack(h.slot)
			h.fail(err)
		}
		return err
	}
	if !o.attach {
		tx.r.untrack(h)
	}
	if res.err != nil {
		tx.r.log.Warn().Err(memory.StepError(h.entry, res.step, res.err)).
			Str("target", hex(h.target)).Msg(verb)
	}
	tx.r.log.Debug().Str("target", hex(h.target)).Msgf("%s done", verb)
	return nil
}

// fixup maps an instruction pointer stopped inside a freshly patched
// prologue to the same instruction in the trampoline. A thread stopped at the
// entry itself stays put and takes the new jump.
func (tx *Transaction) fixup(ip uintptr) (uintptr, bool) {
	for _, o := range tx.ops {
		h := o.hook
		if !o.attach || h.State() != Installed {
			continue
		}
		if ip <= h.entry || ip >= h.entry+uintptr(len(h.saved)) {
			continue
		}
		for _, off := range h.offsets {
			if h.entry+uintptr(off.from) == ip {
				return h.tramp + uintptr(off.to), true
			}
		}
	}
	return 0, false
}

// Abort drops every queued change. Trampolines built by Attach are recycled.
func (tx *Transaction) Abort() {
	if tx.done {
		return
	}
	tx.done = true
	for _, o := range tx.ops {
		if o.attach {
			tx.r.untrack(o.hook)
			tx.r.pool.giveBack(o.hook.slot)
			o.hook.state.Store(int32(Removed))
		}
	}
	tx.ops = nil
	tx.r.finish(tx)
}

// Len is the number of queued changes.
func (tx *Transaction) Len() int { return len(tx.ops) }

func hex(addr uintptr) string { return fmt.Sprintf("%#x", addr) }
