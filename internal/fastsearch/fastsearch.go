// Package fastsearch finds byte patterns in memory, picking the search
// algorithm from the pattern length.
package fastsearch

import (
	"bytes"
	"unsafe"
)

// Algorithm identifies the search strategy chosen for a pattern length.
type Algorithm int

const (
	// Invalid is chosen for negative lengths.
	Invalid Algorithm = iota
	// Empty matches at the start of the window.
	Empty
	// SingleByte scans for one byte.
	SingleByte
	// TwoByte scans for the first byte and checks the second.
	TwoByte
	// Linear compares the whole pattern at every candidate.
	Linear
	// Sunday uses a skip table keyed by the byte after the window.
	Sunday
)

var algorithmNames = [...]string{"invalid", "empty", "single-byte", "two-byte", "linear", "sunday"}

func (a Algorithm) String() string {
	if a < 0 || int(a) >= len(algorithmNames) {
		return "unknown"
	}
	return algorithmNames[a]
}

// sundayMin is the shortest pattern searched with the skip table.
const sundayMin = 8

// Select returns the algorithm used for a pattern of length m.
func Select(m int) Algorithm {
	switch {
	case m < 0:
		return Invalid
	case m == 0:
		return Empty
	case m == 1:
		return SingleByte
	case m == 2:
		return TwoByte
	case m < sundayMin:
		return Linear
	default:
		return Sunday
	}
}

// Index returns the offset of the first occurrence of p in s, or -1.
// A nil s or p never matches.
func Index(s, p []byte) int {
	if s == nil || p == nil || len(s) < len(p) {
		return -1
	}
	m := len(p)
	switch Select(m) {
	case Empty:
		return 0
	case SingleByte:
		return bytes.IndexByte(s, p[0])
	case TwoByte:
		return indexTwo(s, p)
	case Linear:
		return indexLinear(s, p)
	default:
		return indexSunday(s, p)
	}
}

// Address searches n bytes at base and returns the absolute address of the
// first match, or 0. Negative n, a zero base or a window shorter than p
// return 0 without reading memory.
func Address(base uintptr, n int, p []byte) uintptr {
	if base == 0 || p == nil || n < 0 || n < len(p) {
		return 0
	}
	s := unsafe.Slice((*byte)(unsafe.Pointer(base)), n)
	i := Index(s, p)
	if i < 0 {
		return 0
	}
	return base + uintptr(i)
}

func indexTwo(s, p []byte) int {
	end := len(s) - 1
	for pos := 0; pos < end; {
		i := bytes.IndexByte(s[pos:end], p[0])
		if i < 0 {
			return -1
		}
		pos += i
		if s[pos+1] == p[1] {
			return pos
		}
		pos++
	}
	return -1
}

func indexLinear(s, p []byte) int {
	m := len(p)
	for i := 0; i <= len(s)-m; i++ {
		if s[i] == p[0] && bytes.Equal(s[i:i+m], p) {
			return i
		}
	}
	return -1
}

func indexSunday(s, p []byte) int {
	n, m := len(s), len(p)
	var skip [256]int
	for i := range skip {
		skip[i] = m + 1
	}
	for i, b := range p {
		skip[b] = m - i
	}

	limit := n - m
	for i := 0; i <= limit; {
		if s[i] == p[0] && s[i+m-1] == p[m-1] && bytes.Equal(s[i+1:i+m-1], p[1:m-1]) {
			return i
		}
		if i+m >= n {
			break
		}
		i += skip[s[i+m]]
	}
	return -1
}
