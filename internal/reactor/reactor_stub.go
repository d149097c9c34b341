//go:build !linux

package reactor

import (
	"context"
	"fmt"

	"github.com/go-vserial/vserial/internal/logging"
)

// Handler is invoked when its registered fd is readable.
type Handler func()

// Reactor outside Linux exists only so dependent packages compile; the
// epoll loop it fronts is Linux-only.
type Reactor struct{}

func New(logger *logging.Logger) (*Reactor, error) {
	return nil, fmt.Errorf("reactor requires linux")
}

func (r *Reactor) Register(fd int, h func()) error {
	return fmt.Errorf("reactor requires linux")
}

func (r *Reactor) Unregister(fd int) {}

func (r *Reactor) Run(ctx context.Context) error {
	return fmt.Errorf("reactor requires linux")
}

func (r *Reactor) Stop() {}

func (r *Reactor) Close() error { return nil }

// DrainEventFD consumes an eventfd's counter.
func DrainEventFD(fd int) {}
