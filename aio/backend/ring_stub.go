//go:build !giouring

package backend

import "fmt"

// newRingBackend without the giouring build tag reports why the ring
// backend is unavailable rather than silently falling back, so a caller
// that explicitly asked for NameIOURing finds out immediately.
func newRingBackend(entries uint32) (Backend, error) {
	return nil, fmt.Errorf("ring backend requires building with -tags giouring")
}
