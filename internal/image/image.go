// Package image is a read-only view of a PE module mapped in memory.
package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"

	"github.com/Binject/debug/pe"

	"github.com/vivaldiplus/greenhook/internal/fastsearch"
	"github.com/vivaldiplus/greenhook/internal/memory"
)

var (
	// ErrBadMagic means the DOS or NT signature did not validate
	ErrBadMagic = errors.New("invalid image signature")
	// ErrNoSection means the named section does not exist
	ErrNoSection = errors.New("section not found")
)

const (
	dosMagic     = 0x5a4d // MZ
	ntSignature  = 0x00004550
	lfanewOffset = 0x3c
	// e_lfanew past this is treated as corrupt
	maxLfanew = 0x1000
	// offset of SizeOfImage from the NT signature
	sizeOfImageOffset = 4 + 20 + 56
)

// Section is a named address range inside a mapped image.
type Section struct {
	Name  string
	Start uintptr
	Size  uintptr
}

// Export is one named or ordinal-only export of an image.
type Export struct {
	Name    string
	Ordinal uint32
	Address uintptr
	// Forward is set for forwarded exports ("DLL.Symbol"); Address is 0 then.
	Forward string
}

// Image is a parsed view over a module's mapped bytes. It never writes.
type Image struct {
	base uintptr
	data []byte
	file *pe.File
}

// Open validates the headers of the module mapped at base and parses it.
// Nothing past the DOS header is read before its magic is checked.
func Open(base uintptr) (*Image, error) {
	if base == 0 {
		return nil, ErrBadMagic
	}
	head := memory.Bytes(base, lfanewOffset+4)
	lfanew, ok := checkDOS(head)
	if !ok {
		return nil, ErrBadMagic
	}
	nt := memory.Bytes(base+uintptr(lfanew), sizeOfImageOffset+4)
	if binary.LittleEndian.Uint32(nt) != ntSignature {
		return nil, ErrBadMagic
	}
	size := binary.LittleEndian.Uint32(nt[sizeOfImageOffset:])
	return FromBytes(base, memory.Bytes(base, uintptr(size)))
}

// FromBytes parses data as an image mapped at base.
func FromBytes(base uintptr, data []byte) (*Image, error) {
	lfanew, ok := checkDOS(data)
	if !ok || len(data) < int(lfanew)+sizeOfImageOffset+4 {
		return nil, ErrBadMagic
	}
	if binary.LittleEndian.Uint32(data[lfanew:]) != ntSignature {
		return nil, ErrBadMagic
	}
	f, err := pe.NewFileFromMemory(&readerAt{data: data})
	if err != nil {
		return nil, err
	}
	return &Image{base: base, data: data, file: f}, nil
}

func checkDOS(head []byte) (uint32, bool) {
	if len(head) < lfanewOffset+4 || binary.LittleEndian.Uint16(head) != dosMagic {
		return 0, false
	}
	lfanew := binary.LittleEndian.Uint32(head[lfanewOffset:])
	if lfanew < lfanewOffset+4 || lfanew > maxLfanew {
		return 0, false
	}
	return lfanew, true
}

// Base is the address the image is mapped at.
func (im *Image) Base() uintptr { return im.base }

// Section looks up a section by name.
func (im *Image) Section(name string) (Section, error) {
	if im == nil {
		return Section{}, ErrNoSection
	}
	for _, s := range im.file.Sections {
		if strings.TrimRight(s.Name, "\x00") != name {
			continue
		}
		start, size := uintptr(s.VirtualAddress), uintptr(s.VirtualSize)
		if size == 0 {
			size = uintptr(s.Size)
		}
		if start >= uintptr(len(im.data)) {
			return Section{}, ErrNoSection
		}
		if start+size > uintptr(len(im.data)) {
			size = uintptr(len(im.data)) - start
		}
		return Section{Name: name, Start: im.base + start, Size: size}, nil
	}
	return Section{}, ErrNoSection
}

// EntryPoint is the absolute address of AddressOfEntryPoint, or 0 for
// images without one.
func (im *Image) EntryPoint() uintptr {
	if im == nil {
		return 0
	}
	var rva uint32
	switch oh := im.file.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		rva = oh.AddressOfEntryPoint
	case *pe.OptionalHeader32:
		rva = oh.AddressOfEntryPoint
	}
	if rva == 0 {
		return 0
	}
	return im.base + uintptr(rva)
}

// Exports lists the export directory. Entries whose address points back
// into the directory are forwarders and carry the forward string instead.
func (im *Image) Exports() ([]Export, error) {
	list, err := im.file.Exports()
	if err != nil {
		return nil, err
	}
	dir := im.exportDirectory()
	out := make([]Export, 0, len(list))
	for _, e := range list {
		x := Export{Name: e.Name, Ordinal: e.Ordinal}
		rva := e.VirtualAddress
		switch {
		case rva == 0:
		case rva >= dir.VirtualAddress && rva < dir.VirtualAddress+dir.Size:
			x.Forward = cString(im.data, rva)
		default:
			x.Address = im.base + uintptr(rva)
		}
		out = append(out, x)
	}
	return out, nil
}

func (im *Image) exportDirectory() pe.DataDirectory {
	switch oh := im.file.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		if oh.NumberOfRvaAndSizes > 0 {
			return oh.DataDirectory[0]
		}
	case *pe.OptionalHeader32:
		if oh.NumberOfRvaAndSizes > 0 {
			return oh.DataDirectory[0]
		}
	}
	return pe.DataDirectory{}
}

func cString(data []byte, off uint32) string {
	if int(off) >= len(data) {
		return ""
	}
	rest := data[off:]
	if i := bytes.IndexByte(rest, 0); i >= 0 {
		rest = rest[:i]
	}
	return string(rest)
}

// Search returns the address of the first occurrence of pattern inside the
// named section, or 0. A nil image or a missing section is "not found".
func (im *Image) Search(section string, pattern []byte) uintptr {
	s, err := im.Section(section)
	if err != nil {
		return 0
	}
	off := s.Start - im.base
	i := fastsearch.Index(im.data[off:off+s.Size], pattern)
	if i < 0 {
		return 0
	}
	return s.Start + uintptr(i)
}

// SearchText looks for code signatures.
func (im *Image) SearchText(pattern []byte) uintptr { return im.Search(".text", pattern) }

// SearchRData looks for strings and constants.
func (im *Image) SearchRData(pattern []byte) uintptr { return im.Search(".rdata", pattern) }

type readerAt struct {
	data []byte
}

func (r *readerAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
