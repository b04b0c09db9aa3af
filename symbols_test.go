package greenhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivaldiplus/greenhook/internal/image/imagetest"
	"github.com/vivaldiplus/greenhook/internal/memory/memorytest"
)

func TestAttachExport(t *testing.T) {
	a := memorytest.New(0x40000)
	b := imagetest.New()
	code := make([]byte, 0x200)
	copy(code[0x100:], prologue)
	text := b.Section(".text", len(code), code)
	b.Export("IsOS", text+0x100).
		Forward("HeapAlloc", "NTDLL.RtlAllocateHeap")
	base := a.Place(0, b.Bytes())
	repl := a.Place(0x8000, []byte{0x31, 0xc0, 0xc3})

	syms, err := Symbols(base)
	require.NoError(t, err)
	assert.Equal(t, map[string]uintptr{"IsOS": base + uintptr(text) + 0x100}, syms)

	reg := NewRegistry(WithMemory(a), WithoutFreeze())
	t.Cleanup(func() { _ = reg.Close() })
	tx, err := reg.Begin()
	require.NoError(t, err)

	_, err = tx.AttachExport(base, "HeapAlloc", repl)
	assert.ErrorIs(t, err, ErrSymbolNotFound, "forwarders are not local code")
	_, err = tx.AttachExport(base, "Missing", repl)
	assert.ErrorIs(t, err, ErrSymbolNotFound)

	h, err := tx.AttachExport(base, "IsOS", repl)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, Installed, h.State())
	assert.Equal(t, syms["IsOS"], h.Target())
}

func TestSymbolsRejectsNonImage(t *testing.T) {
	a := memorytest.New(0x4000)
	_, err := Symbols(a.Place(0, []byte{0x90, 0x90, 0xc3}))
	assert.Error(t, err)
}
