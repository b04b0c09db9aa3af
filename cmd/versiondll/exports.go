//go:build windows

package main

import "C"

// Every version.dll export forwards to the system copy.

//export GetFileVersionInfoA
func GetFileVersionInfoA(a0, a1, a2, a3 uintptr) uintptr {
	return forwards.Call("GetFileVersionInfoA", a0, a1, a2, a3)
}

//export GetFileVersionInfoByHandle
func GetFileVersionInfoByHandle(a0, a1, a2, a3 uintptr) uintptr {
	return forwards.Call("GetFileVersionInfoByHandle", a0, a1, a2, a3)
}

//export GetFileVersionInfoExA
func GetFileVersionInfoExA(a0, a1, a2, a3, a4 uintptr) uintptr {
	return forwards.Call("GetFileVersionInfoExA", a0, a1, a2, a3, a4)
}

//export GetFileVersionInfoExW
func GetFileVersionInfoExW(a0, a1, a2, a3, a4 uintptr) uintptr {
	return forwards.Call("GetFileVersionInfoExW", a0, a1, a2, a3, a4)
}

//export GetFileVersionInfoSizeA
func GetFileVersionInfoSizeA(a0, a1 uintptr) uintptr {
	return forwards.Call("GetFileVersionInfoSizeA", a0, a1)
}

//export GetFileVersionInfoSizeExA
func GetFileVersionInfoSizeExA(a0, a1, a2 uintptr) uintptr {
	return forwards.Call("GetFileVersionInfoSizeExA", a0, a1, a2)
}

//export GetFileVersionInfoSizeExW
func GetFileVersionInfoSizeExW(a0, a1, a2 uintptr) uintptr {
	return forwards.Call("GetFileVersionInfoSizeExW", a0, a1, a2)
}

//export GetFileVersionInfoSizeW
func GetFileVersionInfoSizeW(a0, a1 uintptr) uintptr {
	return forwards.Call("GetFileVersionInfoSizeW", a0, a1)
}

//export GetFileVersionInfoW
func GetFileVersionInfoW(a0, a1, a2, a3 uintptr) uintptr {
	return forwards.Call("GetFileVersionInfoW", a0, a1, a2, a3)
}

//export VerFindFileA
func VerFindFileA(a0, a1, a2, a3, a4, a5, a6, a7 uintptr) uintptr {
	return forwards.Call("VerFindFileA", a0, a1, a2, a3, a4, a5, a6, a7)
}

//export VerFindFileW
func VerFindFileW(a0, a1, a2, a3, a4, a5, a6, a7 uintptr) uintptr {
	return forwards.Call("VerFindFileW", a0, a1, a2, a3, a4, a5, a6, a7)
}

//export VerInstallFileA
func VerInstallFileA(a0, a1, a2, a3, a4, a5, a6, a7 uintptr) uintptr {
	return forwards.Call("VerInstallFileA", a0, a1, a2, a3, a4, a5, a6, a7)
}

//export VerInstallFileW
func VerInstallFileW(a0, a1, a2, a3, a4, a5, a6, a7 uintptr) uintptr {
	return forwards.Call("VerInstallFileW", a0, a1, a2, a3, a4, a5, a6, a7)
}

//export VerLanguageNameA
func VerLanguageNameA(a0, a1, a2 uintptr) uintptr {
	return forwards.Call("VerLanguageNameA", a0, a1, a2)
}

//export VerLanguageNameW
func VerLanguageNameW(a0, a1, a2 uintptr) uintptr {
	return forwards.Call("VerLanguageNameW", a0, a1, a2)
}

//export VerQueryValueA
func VerQueryValueA(a0, a1, a2, a3 uintptr) uintptr {
	return forwards.Call("VerQueryValueA", a0, a1, a2, a3)
}

//export VerQueryValueW
func VerQueryValueW(a0, a1, a2, a3 uintptr) uintptr {
	return forwards.Call("VerQueryValueW", a0, a1, a2, a3)
}

// gopher marks the library for tools that look for it.
//
//export gopher
func gopher() uintptr { return 1 }
