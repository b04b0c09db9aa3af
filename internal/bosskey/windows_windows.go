package bosskey

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

// WindowClass is the class of every top-level browser window.
const WindowClass = "Chrome_WidgetWin_1"

const (
	swHide = 0
	swShow = 5

	swpNoSize = 0x0001
	swpNoMove = 0x0002

	hwndTop = 0
)

var (
	user32                  = windows.NewLazySystemDLL("user32.dll")
	procShowWindow          = user32.NewProc("ShowWindow")
	procSetWindowPos        = user32.NewProc("SetWindowPos")
	procSetForegroundWindow = user32.NewProc("SetForegroundWindow")
	procSetActiveWindow     = user32.NewProc("SetActiveWindow")
)

var (
	enumMu    sync.Mutex
	enumFound []uintptr
	enumPID   uint32
	enumProc  = windows.NewCallback(collectWindow)
)

func collectWindow(hwnd windows.HWND, _ uintptr) uintptr {
	if !windows.IsWindowVisible(hwnd) {
		return 1
	}
	var pid uint32
	if _, err := windows.GetWindowThreadProcessId(hwnd, &pid); err != nil || pid != enumPID {
		return 1
	}
	var buf [64]uint16
	n, err := windows.GetClassName(hwnd, &buf[0], int32(len(buf)))
	if err != nil || windows.UTF16ToString(buf[:n]) != WindowClass {
		return 1
	}
	enumFound = append(enumFound, uintptr(hwnd))
	return 1
}

// BrowserWindows drives the visible browser windows of this process.
type BrowserWindows struct{}

func (BrowserWindows) Hide() []uintptr {
	enumMu.Lock()
	enumFound = nil
	enumPID = windows.GetCurrentProcessId()
	_ = windows.EnumWindows(enumProc, unsafe.Pointer(nil))
	hwnds := enumFound
	enumFound = nil
	enumMu.Unlock()

	for _, h := range hwnds {
		procShowWindow.Call(h, swHide)
	}
	return hwnds
}

// Show restores windows in reverse order so the first hidden ends on top.
func (BrowserWindows) Show(hwnds []uintptr) {
	for i := len(hwnds) - 1; i >= 0; i-- {
		h := hwnds[i]
		procShowWindow.Call(h, swShow)
		procSetWindowPos.Call(h, hwndTop, 0, 0, 0, 0, swpNoMove|swpNoSize)
		procSetForegroundWindow.Call(h)
		procSetActiveWindow.Call(h)
	}
}
