//go:build windows

package main

/*
#include <stdint.h>

uintptr_t gate_entry(void);
const unsigned char *gate_parked(void);
*/
import "C"

import "unsafe"

// cgoGate exposes the entry parked by the C constructor.
type cgoGate struct{}

func (cgoGate) Entry() uintptr { return uintptr(C.gate_entry()) }

func (cgoGate) Parked() []byte {
	p := C.gate_parked()
	if p == nil {
		return nil
	}
	return C.GoBytes(unsafe.Pointer(p), 2)
}
