package spoof

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/go-ole/go-ole"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyBlob(t *testing.T) {
	secret := []byte("cookie key")
	in := &Blob{Size: uint32(len(secret)), Data: &secret[0]}
	var keep [][]byte
	alloc := func(n uint32) (uintptr, error) {
		b := make([]byte, n+1)
		keep = append(keep, b)
		return uintptr(unsafe.Pointer(&b[0])), nil
	}

	var out Blob
	require.NoError(t, CopyBlob(in, &out, alloc))
	assert.Equal(t, in.Size, out.Size)
	assert.NotSame(t, in.Data, out.Data)
	assert.Equal(t, secret, unsafe.Slice(out.Data, out.Size))

	var empty Blob
	require.NoError(t, CopyBlob(&Blob{}, &empty, alloc))
	assert.Zero(t, empty.Size)

	failing := func(uint32) (uintptr, error) { return 0, errors.New("out of memory") }
	untouched := Blob{Size: 3}
	assert.ErrorIs(t, CopyBlob(in, &untouched, failing), ErrAlloc)
	assert.Equal(t, uint32(3), untouched.Size)
	assert.ErrorIs(t, CopyBlob(nil, &out, alloc), ErrAlloc)
}

func TestForceNotDomainMember(t *testing.T) {
	assert.Zero(t, ForceNotDomainMember(OSDomainMember, 1))
	assert.Equal(t, uintptr(1), ForceNotDomainMember(29, 1))
	assert.Zero(t, ForceNotDomainMember(29, 0))
}

func TestClearPasswordAge(t *testing.T) {
	info := &UserInfo1{PasswordAge: 86400, Priv: 2}
	assert.False(t, ClearPasswordAge(2, 0, info))
	assert.False(t, ClearPasswordAge(1, 2221, info))
	assert.Equal(t, uint32(86400), info.PasswordAge)

	assert.True(t, ClearPasswordAge(1, 0, info))
	assert.Zero(t, info.PasswordAge)
	assert.Equal(t, uint32(2), info.Priv)
	assert.False(t, ClearPasswordAge(1, 0, nil))

	assert.Equal(t, uintptr(16), unsafe.Offsetof(UserInfo1{}.PasswordAge), "USER_INFO_1 layout")
}

func TestIsAppUserModelID(t *testing.T) {
	k := AppUserModelID
	assert.True(t, IsAppUserModelID(&k))

	k.PropertyID = 2
	assert.False(t, IsAppUserModelID(&k))

	other := PropertyKey{FormatID: *ole.NewGUID("{B725F130-47EF-101A-A5F1-02608C9EEBAC}"), PropertyID: 5}
	assert.False(t, IsAppUserModelID(&other))
	assert.False(t, IsAppUserModelID(nil))
	assert.Equal(t, uint32(0x9f4c2855), AppUserModelID.FormatID.Data1)
}
