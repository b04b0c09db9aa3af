package bosskey

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sys/windows"
)

const (
	hotkeyID = 1
	wmHotkey = 0x0312
)

var (
	procRegisterHotKey = user32.NewProc("RegisterHotKey")
	procGetMessageW    = user32.NewProc("GetMessageW")
)

type msg struct {
	hwnd    uintptr
	message uint32
	wParam  uintptr
	lParam  uintptr
	time    uint32
	pt      [2]int32
}

// Start registers h on a dedicated OS thread and toggles on every press.
// Registration errors are returned; the loop itself runs until the process
// exits.
func Start(h Hotkey, log zerolog.Logger) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	t := NewToggler(BrowserWindows{}, WASAPI{}, NewPIDCache(exe, windows.GetCurrentProcessId()), log)

	ready := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		// the message queue belongs to this thread; it is never unlocked

		r, _, callErr := procRegisterHotKey.Call(0, hotkeyID, uintptr(h.Modifiers), uintptr(h.Key))
		if r == 0 {
			ready <- fmt.Errorf("RegisterHotKey %s: %w", h, callErr)
			return
		}
		ready <- nil
		log.Info().Stringer("hotkey", h).Msg("bosskey registered")

		var m msg
		for {
			r, _, _ := procGetMessageW.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0)
			if int32(r) <= 0 {
				return
			}
			if m.message != wmHotkey || m.wParam != hotkeyID {
				continue
			}
			if rec := panics.Try(t.Toggle); rec != nil {
				log.Error().Err(rec.AsError()).Msg("bosskey toggle")
			}
		}
	}()
	return <-ready
}
