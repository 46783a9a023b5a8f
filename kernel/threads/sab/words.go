package sab

import (
	"fmt"
	"unsafe"
)

// Word returns the 8-byte word at off in buf for use with sync/atomic.
// off must be 8-byte aligned relative to an 8-byte aligned mapping.
func Word(buf []byte, off uint64) *uint64 {
	if off+8 > uint64(len(buf)) || off&7 != 0 {
		panic(fmt.Sprintf("sab: word at %d outside %d byte region or misaligned", off, len(buf)))
	}
	return (*uint64)(unsafe.Pointer(&buf[off]))
}

// Word32 is Word for 4-byte values.
func Word32(buf []byte, off uint64) *uint32 {
	if off+4 > uint64(len(buf)) || off&3 != 0 {
		panic(fmt.Sprintf("sab: word32 at %d outside %d byte region or misaligned", off, len(buf)))
	}
	return (*uint32)(unsafe.Pointer(&buf[off]))
}
