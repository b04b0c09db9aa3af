// Package patch applies configured byte patches to modules as they load.
package patch

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/vivaldiplus/greenhook/internal/image"
	"github.com/vivaldiplus/greenhook/internal/memory"
)

var (
	// ErrBadRule means a rule string does not have the expected fields
	ErrBadRule = errors.New("malformed patch rule")
	// ErrNotFound means the rule's pattern is absent from its section
	ErrNotFound = errors.New("pattern not found")
	// ErrOutOfRange means pattern+Offset leaves the matched section
	ErrOutOfRange = errors.New("patch outside section")
)

// Rule locates bytes by pattern inside a module section and replaces the
// bytes at pattern+Offset.
type Rule struct {
	Name    string
	Module  string
	Section string
	Pattern []byte
	Offset  int
	Replace []byte
}

// ParseRule reads "module|section|hexpattern|offset|hexreplacement". Hex
// fields may contain spaces; offset is decimal or 0x-prefixed and may be
// negative.
func ParseRule(name, value string) (Rule, error) {
	fields := strings.Split(value, "|")
	if len(fields) != 5 {
		return Rule{}, fmt.Errorf("%w %q: want 5 fields, got %d", ErrBadRule, name, len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	r := Rule{Name: name, Module: fields[0], Section: fields[1]}
	if r.Module == "" {
		return Rule{}, fmt.Errorf("%w %q: empty module", ErrBadRule, name)
	}
	if r.Section == "" {
		r.Section = ".text"
	}
	var err error
	if r.Pattern, err = parseHex(fields[2]); err != nil || len(r.Pattern) == 0 {
		return Rule{}, fmt.Errorf("%w %q: pattern: %v", ErrBadRule, name, err)
	}
	off, err := strconv.ParseInt(fields[3], 0, 32)
	if err != nil {
		return Rule{}, fmt.Errorf("%w %q: offset: %v", ErrBadRule, name, err)
	}
	r.Offset = int(off)
	if r.Replace, err = parseHex(fields[4]); err != nil || len(r.Replace) == 0 {
		return Rule{}, fmt.Errorf("%w %q: replacement: %v", ErrBadRule, name, err)
	}
	return r, nil
}

func parseHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.Join(strings.Fields(s), ""))
}

// Record is an applied rule.
type Record struct {
	Rule     string
	Address  uintptr
	Original []byte
	Patched  []byte
}

// Write copies data to addr in executable memory, restoring the page
// protection afterwards.
func Write(mem memory.Memory, addr uintptr, data []byte) (Record, error) {
	old, err := memory.Patch(mem, addr, data)
	if err != nil {
		return Record{}, err
	}
	return Record{Address: addr, Original: old, Patched: append([]byte(nil), data...)}, nil
}

// Guard is a process-wide once flag.
type Guard struct {
	done atomic.Bool
}

// TryOnce reports true to exactly one caller.
func (g *Guard) TryOnce() bool { return g.done.CompareAndSwap(false, true) }

// Done reports whether TryOnce already succeeded.
func (g *Guard) Done() bool { return g.done.Load() }

// Apply locates and writes one rule in im.
func Apply(mem memory.Memory, im *image.Image, r Rule) (Record, error) {
	at := im.Search(r.Section, r.Pattern)
	if at == 0 {
		return Record{}, fmt.Errorf("%s: %w", r.Name, ErrNotFound)
	}
	sec, err := im.Section(r.Section)
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", r.Name, err)
	}
	addr := int64(at) + int64(r.Offset)
	lo, hi := int64(sec.Start), int64(sec.Start+sec.Size)
	if addr < lo || addr+int64(len(r.Replace)) > hi {
		return Record{}, fmt.Errorf("%s: %w: %#x not in [%#x, %#x)", r.Name, ErrOutOfRange, addr, lo, hi)
	}
	rec, err := Write(mem, uintptr(addr), r.Replace)
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", r.Name, err)
	}
	rec.Rule = r.Name
	return rec, nil
}

// Applier applies rules to their modules once per process.
type Applier struct {
	mem  memory.Memory
	log  zerolog.Logger
	open func(base uintptr) (*image.Image, error)

	rules  map[string][]Rule
	guards map[string]*Guard

	mu      sync.Mutex
	records []Record
}

// NewApplier groups rules by module basename.
func NewApplier(mem memory.Memory, log zerolog.Logger, rules []Rule) *Applier {
	a := &Applier{
		mem:    mem,
		log:    log,
		open:   image.Open,
		rules:  make(map[string][]Rule),
		guards: make(map[string]*Guard),
	}
	for _, r := range rules {
		key := moduleKey(r.Module)
		a.rules[key] = append(a.rules[key], r)
		if a.guards[key] == nil {
			a.guards[key] = &Guard{}
		}
	}
	return a
}

// Modules lists the module basenames rules target.
func (a *Applier) Modules() []string {
	out := make([]string, 0, len(a.rules))
	for m := range a.rules {
		out = append(out, m)
	}
	return out
}

// Pending reports whether some module still has rules to apply.
func (a *Applier) Pending() bool {
	for _, g := range a.guards {
		if !g.Done() {
			return true
		}
	}
	return false
}

// OnModuleLoaded applies the rules for the module at base when path names
// one of the configured modules. Each module is patched at most once, however
// many threads report it. It returns how many rules were written.
func (a *Applier) OnModuleLoaded(path string, base uintptr) int {
	key := moduleKey(path)
	rules, ok := a.rules[key]
	if !ok || base == 0 || !a.guards[key].TryOnce() {
		return 0
	}
	im, err := a.open(base)
	if err != nil {
		a.log.Debug().Err(err).Str("module", key).Msg("not a valid image")
		return 0
	}
	n := 0
	for _, r := range rules {
		rec, err := Apply(a.mem, im, r)
		switch {
		case errors.Is(err, ErrNotFound):
			a.log.Debug().Str("module", key).Str("rule", r.Name).Msg("pattern not found")
		case err != nil:
			a.log.Error().Err(err).Str("module", key).Str("rule", r.Name).Msg("patch failed")
		default:
			a.log.Info().Str("module", key).Str("rule", r.Name).
				Str("address", fmt.Sprintf("%#x", rec.Address)).Msg("patched")
			a.mu.Lock()
			a.records = append(a.records, rec)
			a.mu.Unlock()
			n++
		}
	}
	return n
}

// Records returns the patches applied so far.
func (a *Applier) Records() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Record(nil), a.records...)
}

func moduleKey(path string) string {
	return strings.ToLower(filepath.Base(strings.ReplaceAll(path, `\`, "/")))
}
