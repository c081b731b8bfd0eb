// File: core/ring/codec.go
// Author: momentics <momentics@gmail.com>
//
// Native-endian length-prefix codec. The record format is explicitly
// in-memory/same-host only (spec.md 4.3), so we use the machine's own
// layout via unsafe rather than encoding/binary's portable byte order --
// there is nothing to be portable across here.

package ring

import "unsafe"

// EncodeLength writes v into b (len(b) >= 4) in native byte order.
func EncodeLength(b []byte, v uint32) {
	*(*uint32)(unsafe.Pointer(&b[0])) = v
}

// DecodeLength reads a native-order uint32 out of b (len(b) >= 4).
func DecodeLength(b []byte) uint32 {
	return *(*uint32)(unsafe.Pointer(&b[0]))
}
