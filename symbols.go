package greenhook

import (
	"errors"
	"fmt"

	"github.com/vivaldiplus/greenhook/internal/image"
)

// ErrSymbolNotFound means the module has no local export by that name.
var ErrSymbolNotFound = errors.New("symbol not found")

// Symbols maps the exported names of the module mapped at base to their
// addresses. Forwarded and ordinal-only exports are left out.
func Symbols(base uintptr) (map[string]uintptr, error) {
	im, err := image.Open(base)
	if err != nil {
		return nil, err
	}
	list, err := im.Exports()
	if err != nil {
		return nil, err
	}
	syms := make(map[string]uintptr, len(list))
	for _, e := range list {
		if e.Name == "" || e.Address == 0 {
			continue
		}
		syms[e.Name] = e.Address
	}
	return syms, nil
}

// AttachExport hooks the export name of the module mapped at base.
func (tx *Transaction) AttachExport(base uintptr, name string, replacement uintptr, opts ...AttachOption) (*Hook, error) {
	syms, err := Symbols(base)
	if err != nil {
		return nil, err
	}
	addr, ok := syms[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrSymbolNotFound)
	}
	return tx.Attach(addr, replacement, opts...)
}
