package greenhook

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivaldiplus/greenhook/internal/memory"
	"github.com/vivaldiplus/greenhook/internal/memory/memorytest"
)

var prologue = []byte{
	0x48, 0x89, 0x5c, 0x24, 0x08, // mov [rsp+8], rbx
	0x48, 0x89, 0x74, 0x24, 0x10, // mov [rsp+16], rsi
	0x57,                   // push rdi
	0x48, 0x83, 0xec, 0x20, // sub rsp, 0x20
	0x33, 0xc0, // xor eax, eax
	0xc3,
	0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc,
	0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc,
}

type fakeFreezer struct {
	ips     []uintptr
	moved   map[uintptr]uintptr
	freezes int
	thaws   int
	frozen  bool
}

func (f *fakeFreezer) Freeze() (Frozen, error) {
	f.freezes++
	f.frozen = true
	return f, nil
}

func (f *fakeFreezer) Relocate(fix func(uintptr) (uintptr, bool)) error {
	for _, ip := range f.ips {
		if n, ok := fix(ip); ok {
			f.moved[ip] = n
		}
	}
	return nil
}

func (f *fakeFreezer) Thaw() error {
	f.thaws++
	f.frozen = false
	return nil
}

// frozenLog counts log lines, and those written while threads are paused.
type frozenLog struct {
	fz     *fakeFreezer
	lines  int
	frozen int
}

func (w *frozenLog) Write(p []byte) (int, error) {
	w.lines++
	if w.fz.frozen {
		w.frozen++
	}
	return len(p), nil
}

type fixture struct {
	arena *memorytest.Arena
	reg   *Registry
	fn    uintptr
	repl  uintptr
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	a := memorytest.New(0x40000)
	fx := &fixture{
		arena: a,
		fn:    a.Place(0x100, prologue),
		repl:  a.Place(0x800, []byte{0x31, 0xc0, 0xff, 0xc0, 0xc3}),
	}
	fx.reg = NewRegistry(append([]Option{WithMemory(a), WithoutFreeze()}, opts...)...)
	t.Cleanup(func() { _ = fx.reg.Close() })
	return fx
}

func attach(t *testing.T, r *Registry, target, repl uintptr, opts ...AttachOption) *Hook {
	t.Helper()
	tx, err := r.Begin()
	require.NoError(t, err)
	h, err := tx.Attach(target, repl, opts...)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return h
}

func TestAttachWritesRelayJump(t *testing.T) {
	fx := newFixture(t)

	tx, err := fx.reg.Begin()
	require.NoError(t, err)
	h, err := tx.Attach(fx.fn, fx.repl)
	require.NoError(t, err)
	assert.Equal(t, Pending, h.State())
	assert.Equal(t, fx.fn, h.Original().Addr(), "original is the target until commit")
	assert.Equal(t, prologue[:5], fx.arena.At(fx.fn, 5), "nothing written before commit")

	require.NoError(t, tx.Commit())
	assert.Equal(t, Installed, h.State())
	assert.Equal(t, nearJump(fx.fn, h.slot.relay()), fx.arena.At(fx.fn, 5))
	assert.Equal(t, absJump(fx.repl), fx.arena.At(h.slot.relay(), absJumpSize))
	assert.Equal(t, fx.repl, followThunks(fx.fn, readMemory), "entry reaches the replacement")

	tramp := h.Trampoline()
	assert.Equal(t, tramp, h.Original().Addr())
	assert.Equal(t, prologue[:5], fx.arena.At(tramp, 5))
	assert.Equal(t, absJump(fx.fn+5), fx.arena.At(tramp+5, absJumpSize))
	assert.Equal(t, memory.ReadExecute, fx.arena.ProtectionOf(fx.fn))

	found, ok := fx.reg.Lookup(fx.fn)
	require.True(t, ok)
	assert.Same(t, h, found)
}

func TestAttachFarUsesAbsoluteJump(t *testing.T) {
	fx := newFixture(t)
	fx.arena.RefuseNear = true

	h := attach(t, fx.reg, fx.fn, fx.repl)
	assert.False(t, h.near)
	want := pad(absJump(fx.repl), 15)
	assert.Equal(t, want, fx.arena.At(fx.fn, 15))
	assert.Equal(t, prologue[:15], fx.arena.At(h.Trampoline(), 15))
	assert.Equal(t, absJump(fx.fn+15), fx.arena.At(h.Trampoline()+15, absJumpSize))
}

func TestAttachFollowsThunk(t *testing.T) {
	fx := newFixture(t)
	thunk := fx.arena.Place(0x40, nearJump(fx.arena.Base()+0x40, fx.fn))

	h := attach(t, fx.reg, thunk, fx.repl)
	assert.Equal(t, thunk, h.Target())
	assert.Equal(t, fx.fn, h.Entry())
	assert.Equal(t, nearJump(fx.arena.Base()+0x40, fx.fn), fx.arena.At(thunk, 5), "thunk untouched")

	_, ok := fx.reg.Lookup(thunk)
	assert.True(t, ok)
}

func TestAttachWithPrologueRestoresRealBytes(t *testing.T) {
	fx := newFixture(t)
	// a parking loop replaced the first two bytes
	copy(fx.arena.At(fx.fn, 2), []byte{0xeb, 0xfe})

	h := attach(t, fx.reg, fx.fn, fx.repl, WithPrologue(prologue[:2]))
	assert.Equal(t, prologue[:5], fx.arena.At(h.Trampoline(), 5))

	tx, err := fx.reg.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Detach(h))
	require.NoError(t, tx.Commit())
	assert.Equal(t, prologue[:5], fx.arena.At(fx.fn, 5))
}

func TestDetachRestoresPrologue(t *testing.T) {
	fx := newFixture(t)
	h := attach(t, fx.reg, fx.fn, fx.repl)

	tx, err := fx.reg.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Detach(h))
	assert.ErrorIs(t, tx.Detach(h), ErrHookNotFound, "queued twice")
	require.NoError(t, tx.Commit())

	assert.Equal(t, Removed, h.State())
	assert.Equal(t, fx.fn, h.Original().Addr())
	assert.Equal(t, prologue, fx.arena.At(fx.fn, uintptr(len(prologue))))
	_, ok := fx.reg.Lookup(fx.fn)
	assert.False(t, ok)

	tx, err = fx.reg.Begin()
	require.NoError(t, err)
	assert.ErrorIs(t, tx.Detach(h), ErrHookNotFound)
	tx.Abort()

	// the entry can be hooked again
	h2 := attach(t, fx.reg, fx.fn, fx.repl)
	assert.Equal(t, Installed, h2.State())
}

func TestDoubleHook(t *testing.T) {
	fx := newFixture(t)
	attach(t, fx.reg, fx.fn, fx.repl)

	tx, err := fx.reg.Begin()
	require.NoError(t, err)
	defer tx.Abort()
	_, err = tx.Attach(fx.fn, fx.repl)
	assert.ErrorIs(t, err, ErrDoubleHook)
}

func TestTransactionLifecycle(t *testing.T) {
	fx := newFixture(t)

	tx, err := fx.reg.Begin()
	require.NoError(t, err)
	_, err = fx.reg.Begin()
	assert.ErrorIs(t, err, ErrTxnPending)

	_, err = tx.Attach(0, fx.repl)
	assert.ErrorIs(t, err, ErrInvalidAddr)
	h, err := tx.Attach(fx.fn, fx.repl)
	require.NoError(t, err)
	_, err = tx.Attach(fx.fn, fx.repl)
	assert.ErrorIs(t, err, ErrDoubleHook, "same entry queued twice")
	assert.Equal(t, 1, tx.Len())

	tx.Abort()
	assert.Equal(t, Removed, h.State())
	assert.Equal(t, prologue[:5], fx.arena.At(fx.fn, 5))
	assert.ErrorIs(t, tx.Commit(), ErrTxnClosed)
	_, err = tx.Attach(fx.fn, fx.repl)
	assert.ErrorIs(t, err, ErrTxnClosed)

	tx, err = fx.reg.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Commit(), "empty commit")
}

func TestCommitProtectFailureMarksHookFailed(t *testing.T) {
	fx := newFixture(t)
	other := fx.arena.Place(0x400, prologue)
	fx.arena.FailProtect[fx.fn] = true

	tx, err := fx.reg.Begin()
	require.NoError(t, err)
	bad, err := tx.Attach(fx.fn, fx.repl)
	require.NoError(t, err)
	good, err := tx.Attach(other, fx.repl)
	require.NoError(t, err)

	err = tx.Commit()
	require.ErrorIs(t, err, memory.ErrProtect)
	assert.Equal(t, Failed, bad.State())
	assert.ErrorIs(t, bad.Err(), memory.ErrProtect)
	assert.Equal(t, fx.fn, bad.Original().Addr())
	assert.Equal(t, prologue[:5], fx.arena.At(fx.fn, 5))
	assert.Equal(t, Installed, good.State(), "other hooks in the batch still apply")

	_, ok := fx.reg.Lookup(fx.fn)
	assert.False(t, ok)
}

func TestAttachTooShort(t *testing.T) {
	fx := newFixture(t)
	stub := fx.arena.Place(0x600, []byte{0x31, 0xc0, 0xc3, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc})

	tx, err := fx.reg.Begin()
	require.NoError(t, err)
	defer tx.Abort()
	_, err = tx.Attach(stub, fx.repl)
	assert.ErrorIs(t, err, ErrTooShort)
	_, ok := fx.reg.Lookup(stub)
	assert.False(t, ok)
}

func TestCommitMovesFrozenThreads(t *testing.T) {
	fz := &fakeFreezer{moved: map[uintptr]uintptr{}}
	fx := newFixture(t, WithFreezer(fz))
	fx.arena.RefuseNear = true
	fz.ips = []uintptr{fx.fn, fx.fn + 2, fx.fn + 5, fx.fn + 10, fx.fn + 11, fx.fn + 15}

	h := attach(t, fx.reg, fx.fn, fx.repl)
	assert.False(t, h.near)
	assert.Equal(t, 1, fz.freezes)
	assert.Equal(t, 1, fz.thaws)
	// a thread at the entry takes the new jump, fn+2 splits an instruction
	// and fn+15 is past the patched bytes
	assert.Equal(t, map[uintptr]uintptr{
		fx.fn + 5:  h.Trampoline() + 5,
		fx.fn + 10: h.Trampoline() + 10,
		fx.fn + 11: h.Trampoline() + 11,
	}, fz.moved)
}

func TestCommitDoesNotLogWhileFrozen(t *testing.T) {
	fz := &fakeFreezer{moved: map[uintptr]uintptr{}}
	w := &frozenLog{fz: fz}
	fx := newFixture(t, WithFreezer(fz), WithLogger(zerolog.New(w).Level(zerolog.DebugLevel)))
	other := fx.arena.Place(0x400, prologue)
	fx.arena.FailProtect[other] = true

	tx, err := fx.reg.Begin()
	require.NoError(t, err)
	good, err := tx.Attach(fx.fn, fx.repl)
	require.NoError(t, err)
	bad, err := tx.Attach(other, fx.repl)
	require.NoError(t, err)
	before := w.lines

	err = tx.Commit()
	assert.ErrorIs(t, err, memory.ErrProtect)
	assert.Equal(t, Installed, good.State())
	assert.Equal(t, Failed, bad.State())
	assert.Greater(t, w.lines, before, "results are logged after resume")
	assert.Zero(t, w.frozen)
	assert.False(t, fz.frozen)
}

func TestCloseDetachesEverything(t *testing.T) {
	fx := newFixture(t)
	other := fx.arena.Place(0x400, prologue)
	h1 := attach(t, fx.reg, fx.fn, fx.repl)
	h2 := attach(t, fx.reg, other, fx.repl)
	assert.Len(t, fx.reg.Hooks(), 2)

	require.NoError(t, fx.reg.Close())
	assert.Equal(t, Removed, h1.State())
	assert.Equal(t, Removed, h2.State())
	assert.Equal(t, prologue, fx.arena.At(fx.fn, uintptr(len(prologue))))
	assert.Equal(t, prologue, fx.arena.At(other, uintptr(len(prologue))))
	assert.Positive(t, fx.arena.Frees)

	_, err := fx.reg.Begin()
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.NoError(t, fx.reg.Close())
}
