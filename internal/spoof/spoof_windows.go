package spoof

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sys/windows"

	"github.com/vivaldiplus/greenhook"
)

// Layer holds the identity hooks.
type Layer struct {
	log   zerolog.Logger
	hooks map[string]*greenhook.Hook
}

var active atomic.Pointer[Layer]

type target struct {
	dll, name string
	fn        interface{}
}

var targets = []target{
	{"kernel32.dll", "GetComputerNameW", getComputerNameW},
	{"kernel32.dll", "GetVolumeInformationW", getVolumeInformationW},
	{"crypt32.dll", "CryptProtectData", cryptProtectData},
	{"crypt32.dll", "CryptUnprotectData", cryptUnprotectData},
	{"advapi32.dll", "LogonUserW", logonUserW},
	{"shlwapi.dll", "IsOS", isOS},
	{"netapi32.dll", "NetUserGetInfo", netUserGetInfo},
	{"propsys.dll", "PSStringFromPropertyKey", psStringFromPropertyKey},
}

// Install queues every identity hook in tx. Targets that cannot be hooked
// are reported in the joined error and skipped.
func Install(tx *greenhook.Transaction, log zerolog.Logger) (*Layer, error) {
	l := &Layer{log: log, hooks: make(map[string]*greenhook.Hook, len(targets))}
	var errs []error
	for _, t := range targets {
		h, err := tx.AttachProc(t.dll, t.name, t.fn)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
			continue
		}
		l.hooks[t.name] = h
	}
	active.Store(l)
	return l, errors.Join(errs...)
}

// Hook returns the detour installed for an API name.
func (l *Layer) Hook(name string) *greenhook.Hook { return l.hooks[name] }

func (l *Layer) original(name string) *greenhook.Original { return l.hooks[name].Original() }

func (l *Layer) guard(name string, f func()) {
	if r := panics.Try(f); r != nil {
		l.log.Error().Err(r.AsError()).Str("api", name).Msg("spoof hook")
	}
}

func localAlloc(size uint32) (uintptr, error) {
	return windows.LocalAlloc(windows.LMEM_FIXED, size)
}

func getComputerNameW(buffer, size uintptr) uintptr { return 0 }

func getVolumeInformationW(root, name, nameSize, serial, maxComponent, flags, fsName, fsNameSize uintptr) uintptr {
	return 0
}

func cryptProtectData(in, descr, entropy, reserved, prompt, flags, out uintptr) uintptr {
	l := active.Load()
	ok := false
	l.guard("CryptProtectData", func() {
		ok = CopyBlob((*Blob)(unsafe.Pointer(in)), (*Blob)(unsafe.Pointer(out)), localAlloc) == nil
	})
	if ok {
		return 1
	}
	return l.original("CryptProtectData").Call(in, descr, entropy, reserved, prompt, flags, out)
}

func cryptUnprotectData(in, descr, entropy, reserved, prompt, flags, out uintptr) uintptr {
	l := active.Load()
	if r := l.original("CryptUnprotectData").Call(in, descr, entropy, reserved, prompt, flags, out); r != 0 {
		return r
	}
	// data protected by the copy above is returned as is
	ok := false
	l.guard("CryptUnprotectData", func() {
		ok = CopyBlob((*Blob)(unsafe.Pointer(in)), (*Blob)(unsafe.Pointer(out)), localAlloc) == nil
	})
	if ok {
		return 1
	}
	return 0
}

func logonUserW(user, domain, password, logonType, provider, token uintptr) uintptr {
	r := active.Load().original("LogonUserW").Call(user, domain, password, logonType, provider, token)
	greenhook.SetLastError(ErrorAccountRestriction)
	return r
}

func isOS(query uintptr) uintptr {
	r := active.Load().original("IsOS").Call(query)
	return ForceNotDomainMember(uint32(query), r)
}

func netUserGetInfo(server, user, level, buf uintptr) uintptr {
	l := active.Load()
	r := l.original("NetUserGetInfo").Call(server, user, level, buf)
	if buf != 0 {
		l.guard("NetUserGetInfo", func() {
			info := *(**UserInfo1)(unsafe.Pointer(buf))
			ClearPasswordAge(uint32(level), uintptr(uint32(r)), info)
		})
	}
	return r
}

func psStringFromPropertyKey(key, psz, cch uintptr) uintptr {
	l := active.Load()
	r := l.original("PSStringFromPropertyKey").Call(key, psz, cch)
	if int32(r) < 0 {
		return r
	}
	override := false
	l.guard("PSStringFromPropertyKey", func() {
		override = IsAppUserModelID((*PropertyKey)(unsafe.Pointer(key)))
	})
	if override {
		// E_FAIL-like result makes the shell fall back to the process app id
		return 0xffffffff
	}
	return r
}
