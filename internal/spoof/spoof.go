// Package spoof masks machine identity from the browser so a profile keeps
// working when the portable folder moves to another machine.
package spoof

import (
	"errors"
	"unsafe"

	"github.com/go-ole/go-ole"

	"github.com/vivaldiplus/greenhook/internal/memory"
)

const (
	// OSDomainMember is the IsOS query for domain membership.
	OSDomainMember = 28
	// ErrorAccountRestriction is ERROR_ACCOUNT_RESTRICTION.
	ErrorAccountRestriction = 1327
)

// ErrAlloc means the output blob could not be allocated.
var ErrAlloc = errors.New("cannot allocate blob")

// Blob is DATA_BLOB.
type Blob struct {
	Size uint32
	Data *byte
}

// CopyBlob makes out a fresh copy of in using alloc, which must return
// memory the caller frees the way the API contract says (LocalFree).
func CopyBlob(in, out *Blob, alloc func(size uint32) (uintptr, error)) error {
	if in == nil || out == nil {
		return ErrAlloc
	}
	p, err := alloc(in.Size)
	if err != nil || p == 0 {
		return ErrAlloc
	}
	if in.Size > 0 {
		copy(memory.Bytes(p, uintptr(in.Size)), unsafe.Slice(in.Data, in.Size))
	}
	out.Size = in.Size
	out.Data = (*byte)(unsafe.Pointer(p))
	return nil
}

// ForceNotDomainMember answers IsOS queries, reporting no domain membership.
func ForceNotDomainMember(query uint32, ret uintptr) uintptr {
	if query == OSDomainMember {
		return 0
	}
	return ret
}

// UserInfo1 is USER_INFO_1.
type UserInfo1 struct {
	Name        *uint16
	Password    *uint16
	PasswordAge uint32
	Priv        uint32
	HomeDir     *uint16
	Comment     *uint16
	Flags       uint32
	ScriptPath  *uint16
}

// ClearPasswordAge zeroes the password age of a successful level 1 query.
func ClearPasswordAge(level uint32, status uintptr, info *UserInfo1) bool {
	if level != 1 || status != 0 || info == nil {
		return false
	}
	info.PasswordAge = 0
	return true
}

// PropertyKey is PROPERTYKEY.
type PropertyKey struct {
	FormatID   ole.GUID
	PropertyID uint32
}

// AppUserModelID is PKEY_AppUserModel_ID.
var AppUserModelID = PropertyKey{
	FormatID:   *ole.NewGUID("{9F4C2855-9F79-4B39-A8D0-E1D42DE1D5F3}"),
	PropertyID: 5,
}

func IsAppUserModelID(k *PropertyKey) bool {
	return k != nil && k.PropertyID == AppUserModelID.PropertyID &&
		ole.IsEqualGUID(&k.FormatID, &AppUserModelID.FormatID)
}
