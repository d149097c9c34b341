//go:build giouring

package backend

import "unsafe"

// toPointer reinterprets a host virtual address already validated by the
// caller (see iovec.ValidatedRegion) as a raw pointer for the giouring
// iovec it is handed to.
func toPointer(hva uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(hva))
}
