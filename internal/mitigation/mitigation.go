// Package mitigation relaxes the process mitigation policy the browser
// applies to its child processes.
package mitigation

import (
	"encoding/binary"
)

const (
	// ProcThreadAttributeMitigationPolicy is PROC_THREAD_ATTRIBUTE_MITIGATION_POLICY.
	ProcThreadAttributeMitigationPolicy = 0x20007

	// BlockNonMicrosoftBinaries would refuse to load this unsigned module
	// into children.
	BlockNonMicrosoftBinaries uint64 = 1 << 44
	// Win32kSystemCallDisable cuts children off from win32k.
	Win32kSystemCallDisable uint64 = 1 << 28
)

// Rewrite clears the bits that break the module in child processes.
func Rewrite(policy uint64, allowWin32k bool) uint64 {
	policy &^= BlockNonMicrosoftBinaries
	if allowWin32k {
		policy &^= Win32kSystemCallDisable
	}
	return policy
}

// RewriteBuffer rewrites the first policy word of an attribute value in
// place. Values shorter than a word are left alone.
func RewriteBuffer(attribute uintptr, value []byte, allowWin32k bool) bool {
	if attribute != ProcThreadAttributeMitigationPolicy || len(value) < 8 {
		return false
	}
	policy := binary.LittleEndian.Uint64(value)
	binary.LittleEndian.PutUint64(value, Rewrite(policy, allowWin32k))
	return true
}
