// Package entry takes over the host's entry point so setup runs before the
// host's own startup code, then hands control back for good.
package entry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"

	"github.com/vivaldiplus/greenhook"
	"github.com/vivaldiplus/greenhook/internal/memory"
)

// ErrNoEntry means the executable has no entry point to hook.
var ErrNoEntry = errors.New("no entry point")

// State is where the loader is in the boot sequence.
type State int32

const (
	Uninstalled State = iota
	Installed
	Running
	// Delegated is terminal: the host's entry owns the thread.
	Delegated
)

func (s State) String() string {
	switch s {
	case Uninstalled:
		return "uninstalled"
	case Installed:
		return "installed"
	case Running:
		return "running"
	case Delegated:
		return "delegated"
	}
	return "unknown"
}

// Decision is what the pre-init phase wants done with the process.
type Decision int

const (
	// Continue runs the host in this process.
	Continue Decision = iota
	// Relaunch means a replacement process was started and this one exits.
	Relaunch
)

// PreInit runs once on the main thread before the host's entry.
type PreInit func() Decision

// Gate holds the main thread at the entry until the hook is in place.
// Parked returns the real bytes the gate replaced, or nil.
type Gate interface {
	Parked() []byte
}

// Loader is the entry point state machine.
type Loader struct {
	state atomic.Int32
	pre   PreInit
	gate  Gate
	mem   memory.Memory
	log   zerolog.Logger
	exit  func(code uint32)
	call  func(o *greenhook.Original) uintptr

	reg     *greenhook.Registry
	entry   uintptr
	hook    *greenhook.Hook
	restore sync.Once
}

type Option func(*Loader)

func WithGate(g Gate) Option { return func(l *Loader) { l.gate = g } }

func WithMemory(m memory.Memory) Option { return func(l *Loader) { l.mem = m } }

func WithLogger(log zerolog.Logger) Option { return func(l *Loader) { l.log = log } }

// WithExit replaces process termination after a relaunch.
func WithExit(exit func(code uint32)) Option { return func(l *Loader) { l.exit = exit } }

// WithInvoke replaces the call into the host's original entry.
func WithInvoke(call func(o *greenhook.Original) uintptr) Option {
	return func(l *Loader) { l.call = call }
}

func New(pre PreInit, opts ...Option) *Loader {
	l := &Loader{
		pre:  pre,
		mem:  memory.Native(),
		log:  zerolog.Nop(),
		exit: defaultExit,
		call: defaultCall,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loader) State() State { return State(l.state.Load()) }

// Hook is the entry detour, nil until Install succeeds.
func (l *Loader) Hook() *greenhook.Hook { return l.hook }

func (l *Loader) parked() []byte {
	if l.gate == nil {
		return nil
	}
	return l.gate.Parked()
}

// Install detours entry to replacement in its own transaction. On failure
// the parked bytes are written back so the host starts unhooked.
func (l *Loader) Install(r *greenhook.Registry, entry, replacement uintptr) error {
	if l.State() != Uninstalled {
		return greenhook.ErrDoubleHook
	}
	if entry == 0 {
		return ErrNoEntry
	}
	var opts []greenhook.AttachOption
	if parked := l.parked(); len(parked) > 0 {
		opts = append(opts, greenhook.WithPrologue(parked))
	}
	tx, err := r.Begin()
	if err != nil {
		l.release(entry)
		return err
	}
	h, err := tx.Attach(entry, replacement, opts...)
	if err != nil {
		tx.Abort()
		l.release(entry)
		return err
	}
	if err := tx.Commit(); err != nil {
		l.release(entry)
		return err
	}
	l.reg, l.entry, l.hook = r, entry, h
	l.state.Store(int32(Installed))
	l.log.Debug().Str("entry", hexAddr(entry)).Msg("entry hooked")
	return nil
}

func (l *Loader) release(entry uintptr) {
	parked := l.parked()
	if len(parked) == 0 {
		return
	}
	if _, err := memory.Patch(l.mem, entry, parked); err != nil {
		l.log.Error().Err(err).Msg("cannot release entry gate")
	}
}

// Run is the body of the entry replacement. The first call runs the
// pre-init phase; every call ends in the host's original entry.
func (l *Loader) Run() uintptr {
	if !l.state.CompareAndSwap(int32(Installed), int32(Running)) {
		return l.delegate()
	}
	decision := Continue
	if r := panics.Try(func() { decision = l.pre() }); r != nil {
		l.log.Error().Err(r.AsError()).Msg("pre-init")
	}
	if decision == Relaunch {
		l.log.Info().Msg("relaunched, exiting")
		l.exit(0)
	}
	return l.delegate()
}

func (l *Loader) delegate() uintptr {
	if l.hook == nil {
		return 0
	}
	l.restore.Do(l.unhook)
	l.state.Store(int32(Delegated))
	return l.call(l.hook.Original())
}

// unhook puts the real entry bytes back. If that fails the original is
// still reachable through the trampoline.
func (l *Loader) unhook() {
	tx, err := l.reg.Begin()
	if err == nil {
		if err = tx.Detach(l.hook); err == nil {
			err = tx.Commit()
		} else {
			tx.Abort()
		}
	}
	if err != nil {
		l.log.Warn().Err(err).Msg("entry left hooked")
	}
}

func hexAddr(addr uintptr) string { return fmt.Sprintf("%#x", addr) }
