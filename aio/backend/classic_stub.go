//go:build !linux

package backend

import "fmt"

// newClassicBackend outside Linux reports why the classic backend is
// unavailable; io_submit/io_getevents are Linux-only syscalls.
func newClassicBackend(entries uint32) (Backend, error) {
	return nil, fmt.Errorf("classic aio backend requires linux")
}
