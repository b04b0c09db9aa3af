// Package imagetest builds minimal PE32+ images in memory for tests.
package imagetest

import (
	"encoding/binary"
)

const (
	lfanew       = 0x40
	fileHeader   = lfanew + 4
	optHeader    = fileHeader + 20
	optSize      = 240
	sectionTable = optHeader + optSize
	// SectionAlign is where the first section starts and how sections are spaced.
	SectionAlign = 0x1000
)

type section struct {
	name string
	data []byte
	rva  uint32
	size uint32
}

type export struct {
	name    string
	rva     uint32
	forward string
}

// Builder lays out sections back to back at SectionAlign boundaries.
type Builder struct {
	sections []section
	exports  []export
	entry    uint32
	next     uint32
}

// New returns an empty builder.
func New() *Builder {
	return &Builder{next: SectionAlign}
}

// Section appends a section of at least size bytes starting with data and
// returns its RVA.
func (b *Builder) Section(name string, size int, data []byte) uint32 {
	if size < len(data) {
		size = len(data)
	}
	rva := b.next
	b.sections = append(b.sections, section{name: name, data: data, rva: rva, size: uint32(size)})
	b.next += (uint32(size) + SectionAlign - 1) &^ (SectionAlign - 1)
	return rva
}

// Entry sets AddressOfEntryPoint.
func (b *Builder) Entry(rva uint32) *Builder {
	b.entry = rva
	return b
}

// Export adds a named export at rva.
func (b *Builder) Export(name string, rva uint32) *Builder {
	b.exports = append(b.exports, export{name: name, rva: rva})
	return b
}

// Forward adds a forwarded export.
func (b *Builder) Forward(name, target string) *Builder {
	b.exports = append(b.exports, export{name: name, forward: target})
	return b
}

// Bytes renders the mapped image.
func (b *Builder) Bytes() []byte {
	var edata []byte
	var edataRVA uint32
	if len(b.exports) > 0 {
		edataRVA = b.next
		edata = b.exportDirectory(edataRVA)
		b.sections = append(b.sections, section{name: ".edata", data: edata, rva: edataRVA, size: uint32(len(edata))})
		b.next += (uint32(len(edata)) + SectionAlign - 1) &^ (SectionAlign - 1)
	}

	img := make([]byte, b.next)
	le := binary.LittleEndian
	le.PutUint16(img[0:], 0x5a4d)
	le.PutUint32(img[0x3c:], lfanew)
	copy(img[lfanew:], "PE\x00\x00")

	le.PutUint16(img[fileHeader:], 0x8664)
	le.PutUint16(img[fileHeader+2:], uint16(len(b.sections)))
	le.PutUint16(img[fileHeader+16:], optSize)
	le.PutUint16(img[fileHeader+18:], 0x2022)

	le.PutUint16(img[optHeader:], 0x20b)
	le.PutUint32(img[optHeader+16:], b.entry)
	le.PutUint64(img[optHeader+24:], 0x140000000)
	le.PutUint32(img[optHeader+32:], SectionAlign)
	le.PutUint32(img[optHeader+36:], 0x200)
	le.PutUint32(img[optHeader+56:], b.next)
	le.PutUint32(img[optHeader+60:], SectionAlign)
	le.PutUint32(img[optHeader+108:], 16)
	if edata != nil {
		le.PutUint32(img[optHeader+112:], edataRVA)
		le.PutUint32(img[optHeader+116:], uint32(len(edata)))
	}

	for i, s := range b.sections {
		h := img[sectionTable+40*i:]
		copy(h[:8], s.name)
		le.PutUint32(h[8:], s.size)
		le.PutUint32(h[12:], s.rva)
		le.PutUint32(h[16:], s.size)
		le.PutUint32(h[20:], s.rva)
		le.PutUint32(h[36:], 0x60000020)
		copy(img[s.rva:], s.data)
	}
	return img
}

func (b *Builder) exportDirectory(rva uint32) []byte {
	n := uint32(len(b.exports))
	const dirSize = 40
	eat := uint32(dirSize)
	ent := eat + 4*n
	ord := ent + 4*n
	strs := ord + 2*n

	var pool []byte
	addString := func(s string) uint32 {
		off := strs + uint32(len(pool))
		pool = append(pool, s...)
		pool = append(pool, 0)
		return rva + off
	}
	dllName := addString("test.dll")

	out := make([]byte, strs)
	le := binary.LittleEndian
	le.PutUint32(out[12:], dllName)
	le.PutUint32(out[16:], 1)
	le.PutUint32(out[20:], n)
	le.PutUint32(out[24:], n)
	le.PutUint32(out[28:], rva+eat)
	le.PutUint32(out[32:], rva+ent)
	le.PutUint32(out[36:], rva+ord)
	for i, e := range b.exports {
		addr := e.rva
		if e.forward != "" {
			addr = addString(e.forward)
		}
		le.PutUint32(out[eat+4*uint32(i):], addr)
		le.PutUint32(out[ent+4*uint32(i):], addString(e.name))
		le.PutUint16(out[ord+2*uint32(i):], uint16(i))
	}
	return append(out, pool...)
}
