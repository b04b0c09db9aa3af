// Package greenhook installs inline detours on x86-64 functions of the
// current process. Hooks are grouped in transactions on a Registry; each
// installed hook keeps a trampoline through which the original code can
// still be reached.
package greenhook

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/vivaldiplus/greenhook/internal/memory"
)

var (
	// ErrDoubleHook means already hooked
	ErrDoubleHook = errors.New("double hook")
	// ErrHookNotFound means the hook not found
	ErrHookNotFound = errors.New("hook not found")
	// ErrRelativeAddr means a relative operand in the prologue cannot be moved
	ErrRelativeAddr = errors.New("relative address in instruction")
	// ErrTooShort means the function ends before the patch fits
	ErrTooShort = errors.New("function too short to patch")
	// ErrDecode means the prologue could not be decoded
	ErrDecode = errors.New("cannot decode instruction")
	// ErrNoMemory means no trampoline slot could be allocated
	ErrNoMemory = memory.ErrNoMemory
	// ErrInvalidAddr means a zero target or replacement
	ErrInvalidAddr = errors.New("invalid address")
	// ErrTxnClosed means the transaction was already committed or aborted
	ErrTxnClosed = errors.New("transaction closed")
	// ErrTxnPending means another transaction is open on the registry
	ErrTxnPending = errors.New("transaction pending")
	// ErrRegistryClosed means the registry was torn down
	ErrRegistryClosed = errors.New("registry closed")
)

// State is the lifecycle of a Hook.
type State int32

const (
	// Pending hooks are queued in an open transaction.
	Pending State = iota
	// Installed hooks redirect their target.
	Installed
	// Removed hooks were detached or dropped with their transaction.
	Removed
	// Failed hooks could not be written; Err has the cause.
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Installed:
		return "installed"
	case Removed:
		return "removed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Original is the capability to call the code a hook replaced. Until the
// hook is installed, and again after it is removed, it points at the target
// itself.
type Original struct {
	addr atomic.Uintptr
}

// Addr is the current entry to the original behaviour.
func (o *Original) Addr() uintptr { return o.addr.Load() }

// Hook is the record of one detour.
type Hook struct {
	target      uintptr
	entry       uintptr
	replacement uintptr
	original    Original

	// bytes at entry before and after patching
	saved []byte
	patch []byte
	// trampoline placement and its map from entry offsets
	slot    *slot
	tramp   uintptr
	offsets []offset
	near    bool

	state atomic.Int32
	mu    sync.Mutex
	err   error
}

// Target is the address passed to Attach.
func (h *Hook) Target() uintptr { return h.target }

// Entry is where the jump is written, after following thunks.
func (h *Hook) Entry() uintptr { return h.entry }

// Replacement is the function control is redirected to.
func (h *Hook) Replacement() uintptr { return h.replacement }

// Original returns the handle used to call the unhooked code.
func (h *Hook) Original() *Original { return &h.original }

// Trampoline is the address of the relocated prologue, 0 before Attach succeeded.
func (h *Hook) Trampoline() uintptr { return h.tramp }

// State reports the lifecycle state.
func (h *Hook) State() State { return State(h.state.Load()) }

// Err is the failure recorded when the hook became Failed.
func (h *Hook) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Hook) fail(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	h.state.Store(int32(Failed))
}

// Registry owns every hook of a process and the memory their trampolines
// live in. At most one transaction is open at a time.
type Registry struct {
	mu      sync.Mutex
	mem     memory.Memory
	freezer Freezer
	log     zerolog.Logger
	hooks   map[uintptr]*Hook
	pool    *pool
	txn     *Transaction
	closed  bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithMemory replaces the native memory backend.
func WithMemory(m memory.Memory) Option {
	return func(r *Registry) { r.mem = m }
}

// WithFreezer sets how other threads are paused during commits.
func WithFreezer(f Freezer) Option {
	return func(r *Registry) { r.freezer = f }
}

// WithoutFreeze commits without pausing other threads.
func WithoutFreeze() Option {
	return WithFreezer(noFreeze{})
}

// WithLogger sets the logger for engine tracing.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		hooks: make(map[uintptr]*Hook),
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.mem == nil {
		r.mem = memory.Native()
	}
	if r.freezer == nil {
		r.freezer = defaultFreezer()
	}
	r.pool = newPool(r.mem)
	return r
}

// Begin opens a transaction.
func (r *Registry) Begin() (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if r.txn != nil {
		return nil, ErrTxnPending
	}
	r.txn = &Transaction{r: r}
	return r.txn, nil
}

// Lookup finds an installed or pending hook by the address it was attached
// to or by its patched entry.
func (r *Registry) Lookup(addr uintptr) (*Hook, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hooks[addr]; ok {
		return h, true
	}
	for _, h := range r.hooks {
		if h.target == addr {
			return h, true
		}
	}
	return nil, false
}

// Hooks lists the hooks the registry tracks, ordered by entry address.
func (r *Registry) Hooks() []*Hook {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Hook, 0, len(r.hooks))
	for _, h := range r.hooks {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].entry < out[j].entry })
	return out
}

// Close removes every installed hook in one transaction and releases the
// trampoline memory. An open transaction is aborted first.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	open := r.txn
	r.mu.Unlock()
	if open != nil {
		open.Abort()
	}

	tx, err := r.Begin()
	if err != nil {
		return err
	}
	for _, h := range r.Hooks() {
		if h.State() == Installed {
			_ = tx.Detach(h)
		}
	}
	err = tx.Commit()

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return errors.Join(err, r.pool.release())
}

func (r *Registry) track(h *Hook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hooks[h.entry]; ok {
		return ErrDoubleHook
	}
	r.hooks[h.entry] = h
	return nil
}

func (r *Registry) untrack(h *Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hooks[h.entry] == h {
		delete(r.hooks, h.entry)
	}
}

func (r *Registry) finish(tx *Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.txn == tx {
		r.txn = nil
	}
}
