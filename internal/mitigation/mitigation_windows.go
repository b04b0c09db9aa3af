package mitigation

import (
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"

	"github.com/vivaldiplus/greenhook"
	"github.com/vivaldiplus/greenhook/internal/memory"
)

// Interceptor hooks UpdateProcThreadAttribute.
type Interceptor struct {
	allowWin32k bool
	log         zerolog.Logger
	hook        *greenhook.Hook
}

var active atomic.Pointer[Interceptor]

// Install queues the hook in tx.
func Install(tx *greenhook.Transaction, allowWin32k bool, log zerolog.Logger) (*Interceptor, error) {
	in := &Interceptor{allowWin32k: allowWin32k, log: log}
	h, err := tx.AttachProc("kernel32.dll", "UpdateProcThreadAttribute", updateProcThreadAttribute)
	if err != nil {
		return nil, err
	}
	in.hook = h
	active.Store(in)
	return in, nil
}

func updateProcThreadAttribute(list, flags, attribute, value, size, previous, returnSize uintptr) uintptr {
	in := active.Load()
	if value != 0 && size >= 8 {
		if r := panics.Try(func() {
			if RewriteBuffer(attribute, memory.Bytes(value, 8), in.allowWin32k) {
				in.log.Debug().Msg("mitigation policy relaxed")
			}
		}); r != nil {
			in.log.Error().Err(r.AsError()).Msg("mitigation policy")
		}
	}
	r, errno := in.hook.Original().CallErr(list, flags, attribute, value, size, previous, returnSize)
	if r == 0 {
		greenhook.SetLastError(errno)
	}
	return r
}
