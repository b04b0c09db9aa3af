package bosskey

var procVkKeyScanW = user32.NewProc("VkKeyScanW")

func platformKeyScan(r rune) (uint32, bool) {
	if r > 0xffff {
		return 0, false
	}
	ret, _, _ := procVkKeyScanW.Call(uintptr(r))
	if int16(ret) == -1 {
		return 0, false
	}
	return uint32(ret & 0xff), true
}
