//go:build linux

// Package reactor runs the single-threaded cooperative event loop the
// device handlers execute on: one epoll fd, one goroutine, handlers
// invoked to completion when their file descriptor becomes readable.
package reactor

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/go-vserial/vserial/internal/logging"
)

// Handler is invoked when its registered fd is readable. Handlers drain
// their own fd (eventfd counters included) before returning.
type Handler func()

// Reactor dispatches fd readiness to handlers from a single goroutine.
type Reactor struct {
	epfd   int
	wakeFD int
	logger *logging.Logger

	mu       sync.Mutex
	handlers map[int]func()

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Reactor with its epoll instance and internal wakeup
// eventfd. The loop does not run until Run is called.
func New(logger *logging.Logger) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &ev); err != nil {
		unix.Close(wakeFD)
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: epoll_ctl add wakeup: %w", err)
	}
	return &Reactor{
		epfd:     epfd,
		wakeFD:   wakeFD,
		logger:   logger,
		handlers: make(map[int]func()),
		done:     make(chan struct{}),
	}, nil
}

// Register adds fd to the loop, level-triggered for readability. The
// fd itself doubles as the unregistration handle.
func (r *Reactor) Register(fd int, h func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[fd]; ok {
		return fmt.Errorf("reactor: fd %d already registered", fd)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl add fd %d: %w", fd, err)
	}
	r.handlers[fd] = h
	return nil
}

// Unregister removes fd from the loop. Unknown fds are ignored so a
// deactivation path can unregister unconditionally.
func (r *Reactor) Unregister(fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[fd]; !ok {
		return
	}
	delete(r.handlers, fd)
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && r.logger != nil {
		r.logger.Warnf("reactor: epoll_ctl del fd %d: %v", fd, err)
	}
}

// Run dispatches until ctx is cancelled or Stop is called. It is the
// reactor's single loop; callers run it on one goroutine.
func (r *Reactor) Run(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)
	defer close(r.done)

	go func() {
		<-ctx.Done()
		r.wake()
	}()

	events := make([]unix.EpollEvent, 32)
	for {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.wakeFD {
				DrainEventFD(r.wakeFD)
				continue
			}
			r.mu.Lock()
			h := r.handlers[fd]
			r.mu.Unlock()
			if h != nil {
				h()
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Stop cancels a running loop and waits for it to exit.
func (r *Reactor) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

// Close releases the reactor's descriptors. Call after Run has returned.
func (r *Reactor) Close() error {
	unix.Close(r.wakeFD)
	return unix.Close(r.epfd)
}

func (r *Reactor) wake() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(r.wakeFD, buf[:])
}

// DrainEventFD consumes an eventfd's counter, clearing its readability.
func DrainEventFD(fd int) {
	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])
}
