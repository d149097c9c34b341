package serial

// CharDevice is the byte-stream bridge a port shuttles data through.
// The pty/socket/file backends themselves live outside this package;
// the device only consumes their stream surface.
type CharDevice interface {
	// Write pushes guest output toward the host endpoint. A short
	// write is not retried by the port handler; the remainder is
	// logged and dropped.
	Write(p []byte) (int, error)

	// Flush pushes buffered output out to the endpoint.
	Flush() error

	// SetInputReceiver wires the callback the backend delivers host
	// input through. Passing nil detaches the receiver; backends must
	// stop delivering input once detached.
	SetInputReceiver(r InputReceiver)
}

// InputReceiver accepts bytes arriving from a char-device backend.
type InputReceiver interface {
	// InputHandle delivers a chunk of host input to the guest.
	InputHandle(buf []byte)

	// RemainSpace tells the backend how large a chunk the receiver
	// will accept, letting it split large reads.
	RemainSpace() int
}

// ChardevStatus is a host-endpoint transition reported by the backend.
type ChardevStatus uint16

const (
	ChardevClose ChardevStatus = 0
	ChardevOpen  ChardevStatus = 1
)

// StatusNotifier is implemented by backends that report host-endpoint
// open/close transitions. The port wires itself in at activation so the
// control handler can tell the guest via PORT_OPEN.
type StatusNotifier interface {
	SetStatusReceiver(fn func(ChardevStatus))
}
