// Package exports forwards the version.dll API to the system copy.
package exports

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vivaldiplus/greenhook/internal/image"
)

// Names are the exports of version.dll in ordinal order.
var Names = [...]string{
	"GetFileVersionInfoA",
	"GetFileVersionInfoByHandle",
	"GetFileVersionInfoExA",
	"GetFileVersionInfoExW",
	"GetFileVersionInfoSizeA",
	"GetFileVersionInfoSizeExA",
	"GetFileVersionInfoSizeExW",
	"GetFileVersionInfoSizeW",
	"GetFileVersionInfoW",
	"VerFindFileA",
	"VerFindFileW",
	"VerInstallFileA",
	"VerInstallFileW",
	"VerLanguageNameA",
	"VerLanguageNameW",
	"VerQueryValueA",
	"VerQueryValueW",
}

type State int

const (
	Unresolved State = iota
	Resolved
	Missing
)

func (s State) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Resolved:
		return "resolved"
	case Missing:
		return "missing"
	}
	return "unknown"
}

// Export is one forwarded symbol.
type Export struct {
	Name    string
	Ordinal int
	Target  string
	State   State
	Address uintptr
}

// Resolver finds the addresses of named exports in a DLL. Names it cannot
// find are left out of the result.
type Resolver interface {
	Resolve(dll string, names []string) (map[string]uintptr, error)
}

// Table maps each export to its system implementation. It resolves once.
type Table struct {
	target   string
	resolver Resolver
	log      zerolog.Logger

	once    sync.Once
	err     error
	mu      sync.RWMutex
	entries []Export
	index   map[string]int
}

func NewTable(target string, r Resolver, log zerolog.Logger) *Table {
	t := &Table{
		target:   target,
		resolver: r,
		log:      log,
		entries:  make([]Export, len(Names)),
		index:    make(map[string]int, len(Names)),
	}
	for i, name := range Names {
		t.entries[i] = Export{Name: name, Ordinal: i + 1, Target: target}
		t.index[name] = i
	}
	return t
}

// Resolve loads the target and records every export's address. Later calls
// return the first result.
func (t *Table) Resolve() error {
	t.once.Do(func() {
		found, err := t.resolver.Resolve(t.target, Names[:])
		t.mu.Lock()
		defer t.mu.Unlock()
		for i := range t.entries {
			e := &t.entries[i]
			if addr, ok := found[e.Name]; ok && err == nil && addr != 0 {
				e.State, e.Address = Resolved, addr
				continue
			}
			e.State = Missing
		}
		if err != nil {
			t.err = fmt.Errorf("forward to %s: %w", t.target, err)
			t.log.Error().Err(err).Str("target", t.target).Msg("export forwarding unavailable")
			return
		}
		for _, e := range t.entries {
			if e.State == Missing {
				t.log.Warn().Str("export", e.Name).Msg("export missing in system dll")
			}
		}
	})
	return t.err
}

// Lookup resolves on first use and returns the address for name.
func (t *Table) Lookup(name string) (uintptr, bool) {
	_ = t.Resolve()
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.index[name]
	if !ok || t.entries[i].State != Resolved {
		return 0, false
	}
	return t.entries[i].Address, true
}

// Entries returns a snapshot ordered by ordinal.
func (t *Table) Entries() []Export {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := append([]Export(nil), t.entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

// FromImage collects the named, non-forwarded exports of im.
func FromImage(im *image.Image, names []string) (map[string]uintptr, error) {
	all, err := im.Exports()
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := make(map[string]uintptr)
	for _, e := range all {
		if want[e.Name] && e.Forward == "" && e.Address != 0 {
			out[e.Name] = e.Address
		}
	}
	return out, nil
}
