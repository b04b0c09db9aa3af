//go:build !windows

package bosskey

func platformKeyScan(r rune) (uint32, bool) { return 0, false }
