package bosskey

import (
	"errors"
	"fmt"
	"runtime"
	"syscall"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	"golang.org/x/sys/windows"
)

var (
	clsidMMDeviceEnumerator  = ole.NewGUID("{BCDE0395-E52F-467C-8E3D-C4579291692E}")
	iidIMMDeviceEnumerator   = ole.NewGUID("{A95664D2-9614-4F35-A746-DE8DB63617E6}")
	iidIAudioSessionManager2 = ole.NewGUID("{77AA99A0-1BD6-484F-8BC7-2C654C9A9B6F}")
	iidIAudioSessionControl2 = ole.NewGUID("{BFB7FF88-7239-4FC9-8FA2-07C950BE9C6D}")
	iidISimpleAudioVolume    = ole.NewGUID("{87CE5498-68D6-44E5-9215-6DA47EF883D8}")
)

const (
	eRender           = 0
	deviceStateActive = 1
)

// vtable slots
const (
	slotQueryInterface = 0
	slotRelease        = 2

	slotEnumAudioEndpoints      = 3
	slotGetDefaultAudioEndpoint = 4

	slotCollectionGetCount = 3
	slotCollectionItem     = 4

	slotDeviceActivate = 3
	slotDeviceGetID    = 5

	slotGetSessionEnumerator = 5

	slotSessionsGetCount = 3
	slotSessionsGet      = 4

	slotGetSessionInstanceIdentifier = 13
	slotGetProcessID                 = 14

	slotSetMute = 5
	slotGetMute = 6
)

// comCall invokes a COM vtable method on an interface pointer.
func comCall(obj uintptr, slot int, args ...uintptr) (uintptr, error) {
	vtbl := *(*uintptr)(unsafe.Pointer(obj))
	fn := *(*uintptr)(unsafe.Pointer(vtbl + uintptr(slot)*unsafe.Sizeof(uintptr(0))))
	all := make([]uintptr, 0, len(args)+1)
	all = append(all, obj)
	all = append(all, args...)
	hr, _, _ := syscall.SyscallN(fn, all...)
	if int32(hr) < 0 {
		return hr, fmt.Errorf("HRESULT 0x%08X", uint32(hr))
	}
	return hr, nil
}

func release(obj uintptr) {
	if obj != 0 {
		comCall(obj, slotRelease)
	}
}

func readWString(p uintptr) string {
	if p == 0 {
		return ""
	}
	return windows.UTF16PtrToString((*uint16)(unsafe.Pointer(p)))
}

// WASAPI walks render endpoints through the Core Audio session API.
type WASAPI struct{}

type wasapiSession struct {
	id     string
	volume uintptr
}

func (s *wasapiSession) ID() string { return s.id }

func (s *wasapiSession) Muted() (bool, error) {
	var muted int32
	if _, err := comCall(s.volume, slotGetMute, uintptr(unsafe.Pointer(&muted))); err != nil {
		return false, err
	}
	return muted != 0, nil
}

func (s *wasapiSession) SetMute(mute bool) error {
	var v uintptr
	if mute {
		v = 1
	}
	_, err := comCall(s.volume, slotSetMute, v, 0)
	return err
}

// Visit calls fn for each session owned by pids on every active render
// device. A device reachable under several roles is walked once.
func (WASAPI) Visit(pids []uint32, fn func(Session)) (int, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		var oleErr *ole.OleError
		if !errors.As(err, &oleErr) || oleErr.Code() != 1 {
			return 0, fmt.Errorf("CoInitializeEx: %w", err)
		}
	}
	defer ole.CoUninitialize()

	unk, err := ole.CreateInstance(clsidMMDeviceEnumerator, iidIMMDeviceEnumerator)
	if err != nil {
		return 0, fmt.Errorf("CreateInstance: %w", err)
	}
	enum := uintptr(unsafe.Pointer(unk))
	defer release(enum)

	want := make(map[uint32]bool, len(pids))
	for _, p := range pids {
		want[p] = true
	}
	seen := make(map[string]bool)
	visited := 0
	walk := func(device uintptr) {
		var idPtr uintptr
		if _, err := comCall(device, slotDeviceGetID, uintptr(unsafe.Pointer(&idPtr))); err != nil {
			return
		}
		id := readWString(idPtr)
		ole.CoTaskMemFree(idPtr)
		if seen[id] {
			return
		}
		seen[id] = true
		visited += visitDevice(device, want, fn)
	}

	for role := uintptr(0); role < 3; role++ {
		var device uintptr
		if _, err := comCall(enum, slotGetDefaultAudioEndpoint, eRender, role, uintptr(unsafe.Pointer(&device))); err != nil {
			continue
		}
		walk(device)
		release(device)
	}

	var coll uintptr
	if _, err := comCall(enum, slotEnumAudioEndpoints, eRender, deviceStateActive, uintptr(unsafe.Pointer(&coll))); err == nil {
		var count uint32
		comCall(coll, slotCollectionGetCount, uintptr(unsafe.Pointer(&count)))
		for i := uint32(0); i < count; i++ {
			var device uintptr
			if _, err := comCall(coll, slotCollectionItem, uintptr(i), uintptr(unsafe.Pointer(&device))); err != nil {
				continue
			}
			walk(device)
			release(device)
		}
		release(coll)
	}
	return visited, nil
}

func visitDevice(device uintptr, want map[uint32]bool, fn func(Session)) int {
	var mgr uintptr
	if _, err := comCall(device, slotDeviceActivate,
		uintptr(unsafe.Pointer(iidIAudioSessionManager2)), ole.CLSCTX_ALL, 0,
		uintptr(unsafe.Pointer(&mgr))); err != nil {
		return 0
	}
	defer release(mgr)

	var sessions uintptr
	if _, err := comCall(mgr, slotGetSessionEnumerator, uintptr(unsafe.Pointer(&sessions))); err != nil {
		return 0
	}
	defer release(sessions)

	var count int32
	if _, err := comCall(sessions, slotSessionsGetCount, uintptr(unsafe.Pointer(&count))); err != nil {
		return 0
	}
	visited := 0
	for i := int32(0); i < count; i++ {
		var ctl uintptr
		if _, err := comCall(sessions, slotSessionsGet, uintptr(i), uintptr(unsafe.Pointer(&ctl))); err != nil {
			continue
		}
		if visitSession(ctl, want, fn) {
			visited++
		}
		release(ctl)
	}
	return visited
}

func visitSession(ctl uintptr, want map[uint32]bool, fn func(Session)) bool {
	var ctl2 uintptr
	if _, err := comCall(ctl, slotQueryInterface, uintptr(unsafe.Pointer(iidIAudioSessionControl2)), uintptr(unsafe.Pointer(&ctl2))); err != nil {
		return false
	}
	defer release(ctl2)

	var pid uint32
	// GetProcessId returns a success code for multi-process sessions
	if _, err := comCall(ctl2, slotGetProcessID, uintptr(unsafe.Pointer(&pid))); err != nil || !want[pid] {
		return false
	}
	var idPtr uintptr
	if _, err := comCall(ctl2, slotGetSessionInstanceIdentifier, uintptr(unsafe.Pointer(&idPtr))); err != nil {
		return false
	}
	id := readWString(idPtr)
	ole.CoTaskMemFree(idPtr)

	var volume uintptr
	if _, err := comCall(ctl, slotQueryInterface, uintptr(unsafe.Pointer(iidISimpleAudioVolume)), uintptr(unsafe.Pointer(&volume))); err != nil {
		return false
	}
	defer release(volume)
	fn(&wasapiSession{id: id, volume: volume})
	return true
}
