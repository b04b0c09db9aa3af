package image_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivaldiplus/greenhook/internal/image"
	"github.com/vivaldiplus/greenhook/internal/image/imagetest"
)

func build(t *testing.T) ([]byte, uint32, uint32) {
	t.Helper()
	b := imagetest.New()
	code := make([]byte, 0x2000)
	copy(code[0x1000:], []byte{0x48, 0x89, 0x8c, 0x24})
	text := b.Section(".text", len(code), code)
	rdata := b.Section(".rdata", 0x100, []byte("\x00\x00update.vivaldi.com\x00"))
	b.Entry(text + 0x10).Export("Alpha", text+0x20).Forward("Beta", "OTHER.Beta")
	return b.Bytes(), text, rdata
}

func TestOpenAndSearch(t *testing.T) {
	data, text, rdata := build(t)
	base := uintptr(unsafe.Pointer(&data[0]))

	im, err := image.Open(base)
	require.NoError(t, err)
	assert.Equal(t, base, im.Base())
	assert.Equal(t, base+uintptr(text)+0x10, im.EntryPoint())

	sec, err := im.Section(".text")
	require.NoError(t, err)
	assert.Equal(t, base+uintptr(text), sec.Start)
	assert.Equal(t, uintptr(0x2000), sec.Size)

	assert.Equal(t, base+uintptr(text)+0x1000, im.SearchText([]byte{0x48, 0x89, 0x8c, 0x24}))
	assert.Equal(t, base+uintptr(rdata)+2, im.SearchRData([]byte("update.vivaldi.com")))
	assert.Zero(t, im.SearchRData([]byte{0x48, 0x89, 0x8c, 0x24}), "code bytes are not in .rdata")
	assert.Zero(t, im.Search(".bss", []byte{0}))
}

func TestFromBytesUsesGivenBase(t *testing.T) {
	data, text, _ := build(t)
	const base = 0x7ff600000000

	im, err := image.FromBytes(base, data)
	require.NoError(t, err)
	assert.Equal(t, uintptr(base)+uintptr(text)+0x1000, im.SearchText([]byte{0x48, 0x89, 0x8c, 0x24}))
}

func TestExports(t *testing.T) {
	data, text, _ := build(t)
	im, err := image.FromBytes(0x10000, data)
	require.NoError(t, err)

	list, err := im.Exports()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Alpha", list[0].Name)
	assert.Equal(t, uintptr(0x10000)+uintptr(text)+0x20, list[0].Address)
	assert.Empty(t, list[0].Forward)
	assert.Equal(t, "Beta", list[1].Name)
	assert.Equal(t, "OTHER.Beta", list[1].Forward)
	assert.Zero(t, list[1].Address)
}

func TestBadMagicIsNotFound(t *testing.T) {
	tests := []struct {
		name   string
		mangle func([]byte)
	}{
		{"dos", func(b []byte) { b[0] = 'X' }},
		{"nt", func(b []byte) { b[0x40] = 'X' }},
		{"lfanew", func(b []byte) { b[0x3c] = 0xff; b[0x3d] = 0xff }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, _, _ := build(t)
			tt.mangle(data)
			im, err := image.FromBytes(0x10000, data)
			assert.ErrorIs(t, err, image.ErrBadMagic)
			assert.Nil(t, im)
			assert.Zero(t, im.SearchText([]byte{0x48}))
			assert.Zero(t, im.EntryPoint())
		})
	}
	_, err := image.Open(0)
	assert.ErrorIs(t, err, image.ErrBadMagic)
}
