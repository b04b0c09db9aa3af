package patch

import (
	"sync/atomic"
	"unsafe"

	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sys/windows"

	"github.com/vivaldiplus/greenhook"
	"github.com/vivaldiplus/greenhook/internal/image"
)

// flags that map a module without running it
const dataFlags = windows.LOAD_LIBRARY_AS_DATAFILE |
	windows.LOAD_LIBRARY_AS_DATAFILE_EXCLUSIVE |
	windows.LOAD_LIBRARY_AS_IMAGE_RESOURCE

type loadHook struct {
	applier *Applier
	hook    *greenhook.Hook
}

var active atomic.Pointer[loadHook]

// Install patches modules that are already loaded and queues a
// LoadLibraryExW detour in tx for the ones that load later.
func Install(tx *greenhook.Transaction, a *Applier) (*greenhook.Hook, error) {
	for _, name := range a.Modules() {
		if im, err := image.Module(name); err == nil {
			a.OnModuleLoaded(name, im.Base())
		}
	}
	if !a.Pending() {
		return nil, nil
	}
	lh := &loadHook{applier: a}
	h, err := tx.AttachProc("kernel32.dll", "LoadLibraryExW", loadLibraryExW)
	if err != nil {
		return nil, err
	}
	lh.hook = h
	active.Store(lh)
	return h, nil
}

func loadLibraryExW(name, file, flags uintptr) uintptr {
	lh := active.Load()
	module, errno := lh.hook.Original().CallErr(name, file, flags)
	// mapped as data: the low bits of the handle are tags
	if module == 0 || flags&dataFlags != 0 || module&3 != 0 || !lh.applier.Pending() {
		greenhook.SetLastError(errno)
		return module
	}
	if r := panics.Try(func() {
		lh.applier.OnModuleLoaded(windows.UTF16PtrToString((*uint16)(unsafe.Pointer(name))), module)
	}); r != nil {
		lh.applier.log.Error().Err(r.AsError()).Msg("module load patching")
	}
	greenhook.SetLastError(errno)
	return module
}
