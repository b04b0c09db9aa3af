// Package bosskey hides the browser and mutes its audio on a global hotkey.
package bosskey

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// RegisterHotKey modifiers.
const (
	ModAlt      = 0x0001
	ModControl  = 0x0002
	ModShift    = 0x0004
	ModWin      = 0x0008
	ModNoRepeat = 0x4000
)

// ErrNoKey means the hotkey string names only modifiers.
var ErrNoKey = errors.New("hotkey has no key")

// Hotkey is a RegisterHotKey modifier set and virtual key.
type Hotkey struct {
	Modifiers uint32
	Key       uint32
}

func (h Hotkey) String() string {
	return fmt.Sprintf("mod=%#x vk=%#x", h.Modifiers, h.Key)
}

var modifiers = map[string]uint32{
	"shift":   ModShift,
	"ctrl":    ModControl,
	"control": ModControl,
	"alt":     ModAlt,
	"win":     ModWin,
}

var specialKeys = map[string]uint32{
	"left":        0x25,
	"right":       0x27,
	"up":          0x26,
	"down":        0x28,
	"←":           0x25,
	"→":           0x27,
	"↑":           0x26,
	"↓":           0x28,
	"esc":         0x1b,
	"escape":      0x1b,
	"tab":         0x09,
	"backspace":   0x08,
	"enter":       0x0d,
	"return":      0x0d,
	"space":       0x20,
	"prtsc":       0x2c,
	"printscreen": 0x2c,
	"scroll":      0x91,
	"pause":       0x13,
	"insert":      0x2d,
	"delete":      0x2e,
	"del":         0x2e,
	"home":        0x24,
	"end":         0x23,
	"pageup":      0x21,
	"pgup":        0x21,
	"pagedown":    0x22,
	"pgdn":        0x22,
}

const vkF1 = 0x70

// keyScan maps a printable character to a virtual key (VkKeyScanW).
var keyScan = func(r rune) (uint32, bool) { return platformKeyScan(r) }

// ParseHotkey reads strings like "Ctrl+Alt+B" or "Shift+F12". Parts are
// case-insensitive; the last key part wins. MOD_NOREPEAT is always set.
func ParseHotkey(s string) (Hotkey, error) {
	var h Hotkey
	for _, part := range strings.Split(s, "+") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lower := strings.ToLower(part)
		if m, ok := modifiers[lower]; ok {
			h.Modifiers |= m
			continue
		}
		if vk, ok := specialKeys[lower]; ok {
			h.Key = vk
			continue
		}
		if vk, ok := functionKey(lower); ok {
			h.Key = vk
			continue
		}
		if vk, ok := characterKey(part); ok {
			h.Key = vk
		}
	}
	h.Modifiers |= ModNoRepeat
	if h.Key == 0 {
		return h, fmt.Errorf("%w: %q", ErrNoKey, s)
	}
	return h, nil
}

func functionKey(s string) (uint32, bool) {
	if len(s) < 2 || s[0] != 'f' {
		return 0, false
	}
	for _, c := range s[1:] {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n < 1 || n > 24 {
		return 0, false
	}
	return vkF1 + uint32(n) - 1, true
}

func characterKey(s string) (uint32, bool) {
	r := []rune(s)
	if len(r) != 1 {
		return 0, false
	}
	c := r[0]
	if c < 0x80 && (unicode.IsLetter(c) || unicode.IsDigit(c)) {
		return uint32(unicode.ToUpper(c)), true
	}
	return keyScan(c)
}
